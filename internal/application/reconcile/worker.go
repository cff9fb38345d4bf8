// Package reconcile keeps the ledger consistent with the exchange and the
// chain. Each source is polled on its own ticker; every external read
// finishes before the store transaction that records it opens.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/metrics"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"golang.org/x/sync/errgroup"
)

const (
	defaultFillInterval     = 15 * time.Second
	defaultTransferInterval = 30 * time.Second
	defaultBalanceInterval  = 5 * time.Minute
	defaultSweepInterval    = time.Minute
	defaultMarketInterval   = 10 * time.Minute
	defaultStaleAfter       = 15 * time.Minute
	defaultPollConcurrency  = 8
	defaultInitialLookback  = 10_000

	transferCursorSource = "transfers"
)

// Config holds the worker's intervals and thresholds. A negative interval
// disables that loop.
type Config struct {
	FillInterval     time.Duration
	TransferInterval time.Duration
	BalanceInterval  time.Duration
	SweepInterval    time.Duration
	MarketInterval   time.Duration
	StaleAfter       time.Duration
	PollConcurrency  int
	Confirmations    uint64
	// InitialLookback is how many blocks behind the safe head a wallet
	// without a cursor starts scanning from.
	InitialLookback uint64
}

func (c *Config) setDefaults() {
	def := func(d *time.Duration, v time.Duration) {
		if *d == 0 {
			*d = v
		}
	}
	def(&c.FillInterval, defaultFillInterval)
	def(&c.TransferInterval, defaultTransferInterval)
	def(&c.BalanceInterval, defaultBalanceInterval)
	def(&c.SweepInterval, defaultSweepInterval)
	def(&c.MarketInterval, defaultMarketInterval)
	def(&c.StaleAfter, defaultStaleAfter)
	if c.PollConcurrency <= 0 {
		c.PollConcurrency = defaultPollConcurrency
	}
	if c.InitialLookback == 0 {
		c.InitialLookback = defaultInitialLookback
	}
}

// Store is the slice of the ledger the worker writes to.
type Store interface {
	ports.WalletStore
	ports.MarketStore
	ports.OrderStore
	ports.PositionStore
	ports.TransferStore
	ports.CursorStore
}

// Worker runs the reconciliation loops.
type Worker struct {
	store    Store
	exchange ports.Exchange
	indexer  ports.ChainIndexer
	markets  ports.MarketSource
	cfg      Config
	now      func() time.Time
}

// New creates a Worker. indexer and markets may be nil, which disables the
// chain loops and market sync respectively.
func New(store Store, exchange ports.Exchange, indexer ports.ChainIndexer, markets ports.MarketSource, cfg Config) *Worker {
	cfg.setDefaults()
	return &Worker{
		store:    store,
		exchange: exchange,
		indexer:  indexer,
		markets:  markets,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests only.
func (w *Worker) SetClock(now func() time.Time) {
	w.now = now
}

// Run blocks until ctx is cancelled. A failed pass is logged and retried on
// the next tick; it never stops the other loops.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	type loop struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}
	loops := []loop{
		{"fills", w.cfg.FillInterval, w.PollFills},
		{"sweep", w.cfg.SweepInterval, w.Sweep},
	}
	if w.indexer != nil {
		loops = append(loops,
			loop{"transfers", w.cfg.TransferInterval, w.PollTransfers},
			loop{"balances", w.cfg.BalanceInterval, w.PollBalances},
		)
	}
	if w.markets != nil {
		loops = append(loops, loop{"markets", w.cfg.MarketInterval, w.SyncMarkets})
	}

	for _, l := range loops {
		if l.interval < 0 {
			slog.Info("reconcile: loop disabled", "loop", l.name)
			continue
		}
		g.Go(func() error {
			w.tick(ctx, l.name, l.interval, l.fn)
			return nil
		})
	}

	slog.Info("reconcile: worker started", "loops", len(loops))
	err := g.Wait()
	slog.Info("reconcile: worker stopped")
	return err
}

func (w *Worker) tick(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		if err := fn(ctx); err != nil && ctx.Err() == nil {
			metrics.ReconcileErrors.WithLabelValues(name).Inc()
			slog.Error("reconcile: pass failed", "loop", name, "error", err)
		}
		metrics.ReconcileDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// transition is a CAS that treats a lost race as a no-op.
func (w *Worker) transition(ctx context.Context, o domain.Order, to domain.OrderStatus, reason string) (domain.Order, bool, error) {
	next, err := w.store.TransitionOrder(ctx, o.ID, o.Status, to, ports.OrderUpdate{Reason: reason, At: w.now()})
	switch {
	case errors.Is(err, domain.ErrStaleTransition):
		metrics.StaleTransitions.Inc()
		slog.Debug("reconcile: order changed concurrently",
			"order", o.ID,
			"expected", o.Status,
			"wanted", to,
			"actual", next.Status,
		)
		return next, false, nil
	case err != nil:
		return o, false, fmt.Errorf("transition %s %s->%s: %w", o.ID, o.Status, to, err)
	}
	metrics.OrderTransitions.WithLabelValues(string(o.Status), string(to)).Inc()
	return next, true, nil
}

// SyncMarkets upserts the exchange's market listing.
func (w *Worker) SyncMarkets(ctx context.Context) error {
	if w.markets == nil {
		return nil
	}
	markets, err := w.markets.FetchMarkets(ctx)
	if err != nil {
		return fmt.Errorf("reconcile.SyncMarkets: %w", err)
	}

	var errs []error
	upserted := 0
	for _, m := range markets {
		if _, err := w.store.UpsertMarket(ctx, m); err != nil {
			errs = append(errs, fmt.Errorf("market %s: %w", m.ExternalID, err))
			continue
		}
		upserted++
	}
	metrics.MarketsSynced.Set(float64(upserted))
	slog.Info("reconcile: markets synced", "fetched", len(markets), "upserted", upserted)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reconcile.SyncMarkets: %w", err)
	}
	return nil
}
