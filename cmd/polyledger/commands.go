package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alejandrodnm/polyledger/config"
	"github.com/alejandrodnm/polyledger/internal/adapters/httpapi"
	"github.com/alejandrodnm/polyledger/internal/adapters/report"
	"github.com/alejandrodnm/polyledger/internal/application/pipeline"
	"github.com/alejandrodnm/polyledger/internal/application/query"
	"github.com/alejandrodnm/polyledger/internal/application/reconcile"
	"github.com/alejandrodnm/polyledger/internal/domain"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 15 * time.Second

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		SigningTimeout: cfg.SigningTimeout(),
		SubmitTimeout:  cfg.SubmitTimeout(),
		SubmitRetries:  cfg.Pipeline.SubmitRetries,
		RetryBase:      cfg.RetryBase(),
		DedupWindow:    cfg.DedupWindow(),
		BalanceChain:   cfg.BalanceChain(),
		ExchangeType:   cfg.Pipeline.OrderType,
	}
}

func reconcileConfig(cfg *config.Config) reconcile.Config {
	r := cfg.Reconcile
	return reconcile.Config{
		FillInterval:     config.Interval(r.FillIntervalSeconds),
		TransferInterval: config.Interval(r.TransferIntervalSeconds),
		BalanceInterval:  config.Interval(r.BalanceIntervalSeconds),
		SweepInterval:    config.Interval(r.SweepIntervalSeconds),
		MarketInterval:   config.Interval(r.MarketIntervalSeconds),
		StaleAfter:       config.Interval(r.StaleAfterSeconds),
		PollConcurrency:  r.PollConcurrency,
		Confirmations:    r.Confirmations,
		InitialLookback:  r.InitialLookbackBlocks,
	}
}

// runServe arranca la API y el worker, y para ambos con la señal.
func runServe(ctx context.Context, cfg *config.Config) error {
	d, err := build(ctx, cfg, want{signer: true, indexer: true})
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer d.Close()

	pipe := pipeline.New(d.store, d.signer, d.client, d.sessions, pipelineConfig(cfg))
	worker := reconcile.New(d.store, d.client, d.indexer, d.client, reconcileConfig(cfg))
	api := httpapi.New(pipe, query.New(d.store), d.sessions, cfg.RequestTimeout())

	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("polyledger starting",
		"listen", cfg.API.Listen,
		"network", cfg.Network(),
		"dsn", cfg.Storage.DSN,
		"indexer", d.indexer != nil,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return worker.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("polyledger stopped cleanly")
	return nil
}

func runSyncMarkets(ctx context.Context, cfg *config.Config) error {
	d, err := build(ctx, cfg, want{})
	if err != nil {
		return fmt.Errorf("sync-markets: %w", err)
	}
	defer d.Close()

	worker := reconcile.New(d.store, d.client, nil, d.client, reconcileConfig(cfg))
	return worker.SyncMarkets(ctx)
}

func runWallet(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("wallet", flag.ContinueOnError)
	authID := fs.String("auth-id", "", "external auth provider id (required)")
	email := fs.String("email", "", "user email")
	name := fs.String("name", "", "display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *authID == "" {
		return errors.New("wallet: -auth-id is required")
	}

	d, err := build(ctx, cfg, want{signer: true})
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	defer d.Close()

	user, err := d.store.EnsureUser(ctx, domain.User{AuthID: *authID, Email: *email, DisplayName: *name})
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	w, err := d.signer.ProvisionWallet(ctx, user.ID)
	if errors.Is(err, domain.ErrWalletExists) {
		existing, gerr := d.store.GetWalletByUser(ctx, user.ID)
		if gerr != nil {
			return fmt.Errorf("wallet: %w", gerr)
		}
		fmt.Printf("user %s already has wallet %s\n", user.ID, existing.Address)
		return nil
	}
	if err != nil {
		return fmt.Errorf("wallet: %w", err)
	}
	fmt.Printf("user:   %s\nwallet: %s\n", user.ID, w.Address)
	return nil
}

func runToken(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "local user id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("token: -user is required")
	}

	d, err := build(ctx, cfg, want{sessions: true})
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	defer d.Close()

	user, err := d.store.GetUser(ctx, *userID)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	token, err := d.sessions.Issue(user)
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runReport(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	userID := fs.String("user", "", "local user id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("report: -user is required")
	}

	d, err := build(ctx, cfg, want{})
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	defer d.Close()

	ov, err := query.New(d.store).Overview(ctx, *userID)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	report.NewConsole().PrintOverview(ov)
	return nil
}
