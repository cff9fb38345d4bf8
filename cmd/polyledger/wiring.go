package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polyledger/config"
	"github.com/alejandrodnm/polyledger/internal/adapters/onchain"
	"github.com/alejandrodnm/polyledger/internal/adapters/polymarket"
	"github.com/alejandrodnm/polyledger/internal/adapters/storage"
	"github.com/alejandrodnm/polyledger/internal/auth"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/alejandrodnm/polyledger/internal/signer"
)

// deps agrupa los adaptadores construidos a partir de la configuración.
type deps struct {
	store    *storage.SQLiteStorage
	sessions *auth.Sessions
	signer   *signer.Signer
	client   *polymarket.Client
	indexer  ports.ChainIndexer
	closers  []func()
}

func (d *deps) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
}

type want struct {
	sessions bool
	signer   bool // implica sessions
	indexer  bool
}

// build abre el store y crea solo los adaptadores que el comando necesita.
func build(ctx context.Context, cfg *config.Config, w want) (*deps, error) {
	d := &deps{}

	store, err := storage.NewSQLiteStorage(cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("open storage %q: %w", cfg.Storage.DSN, err)
	}
	d.store = store
	d.closers = append(d.closers, func() { store.Close() })

	if w.sessions || w.signer {
		if cfg.Secrets.JWTSecret == "" {
			d.Close()
			return nil, errors.New("POLYLEDGER_JWT_SECRET is required")
		}
		d.sessions, err = auth.NewSessions(cfg.Secrets.JWTSecret, cfg.SessionTTL())
		if err != nil {
			d.Close()
			return nil, err
		}
	}

	if w.signer {
		if cfg.Secrets.MasterKey == "" {
			d.Close()
			return nil, errors.New("POLYLEDGER_MASTER_KEY is required")
		}
		vault, err := signer.NewVault(cfg.Secrets.MasterKey, cfg.Network().ChainID())
		if err != nil {
			d.Close()
			return nil, err
		}
		d.signer = signer.New(vault, store, d.sessions, cfg.SigningTimeout())
	}

	d.client = polymarket.NewClient(cfg.Polymarket.CLOBBase, cfg.Polymarket.GammaBase, polymarket.Credentials{
		Address:    cfg.Polymarket.Address,
		APIKey:     cfg.Polymarket.APIKey,
		Secret:     cfg.Polymarket.Secret,
		Passphrase: cfg.Polymarket.Passphrase,
	})

	if w.indexer {
		if cfg.Chain.RPCURL == "" {
			slog.Warn("polyledger: no RPC URL configured, transfer and balance reconciliation disabled")
		} else {
			ix, closeFn, err := onchain.Dial(ctx, cfg.Chain.RPCURL, cfg.Network(), cfg.Chain.Token)
			if err != nil {
				d.Close()
				return nil, err
			}
			d.indexer = ix
			d.closers = append(d.closers, closeFn)
		}
	}
	return d, nil
}
