package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/metrics"
	"golang.org/x/sync/errgroup"
)

// PollFills asks the exchange about every order it may hold and applies
// what it reports. Orders are polled concurrently up to PollConcurrency;
// one failing order does not stop the others.
func (w *Worker) PollFills(ctx context.Context) error {
	orders, err := w.store.ListOrdersByStatus(ctx,
		[]domain.OrderStatus{domain.StatusSubmitted, domain.StatusConfirmed}, time.Time{})
	if err != nil {
		return fmt.Errorf("reconcile.PollFills: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.PollConcurrency)
	for _, o := range orders {
		if o.OrderHash == "" {
			continue
		}
		g.Go(func() error {
			if err := w.reconcileOrder(gctx, o); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reconcile.PollFills: %d of %d orders: %w", len(errs), len(orders), err)
	}
	return nil
}

// reconcileOrder applies the exchange's view of one order.
func (w *Worker) reconcileOrder(ctx context.Context, o domain.Order) error {
	xo, err := w.exchange.GetOrder(ctx, o.OrderHash)
	if err != nil {
		return fmt.Errorf("order %s: %w", o.ID, err)
	}

	applied := 0
	for _, f := range xo.Fills {
		outcome, _, err := w.store.ApplyFill(ctx, f)
		if err != nil {
			return fmt.Errorf("order %s: apply fill %s: %w", o.ID, f.TradeID, err)
		}
		metrics.FillsApplied.WithLabelValues(string(outcome)).Inc()
		if outcome == domain.FillApplied {
			applied++
		}
	}

	current, err := w.store.GetOrder(ctx, o.ID)
	if err != nil {
		return fmt.Errorf("order %s: %w", o.ID, err)
	}
	if applied > 0 {
		slog.Info("reconcile: fills applied",
			"order", o.ID,
			"count", applied,
			"filled", current.FilledAmount.String(),
			"amount", current.Amount.String(),
			"status", current.Status,
		)
	}

	switch {
	case current.Status == domain.StatusSubmitted && xo.Status.Acknowledged():
		_, _, err = w.transition(ctx, current, domain.StatusConfirmed, "")
	case current.Status.AtExchange() && xo.Status.Dead():
		reason := xo.Reason
		if reason == "" {
			reason = "exchange reported order " + string(xo.Status)
		}
		if current.FilledAmount.IsPositive() {
			reason = fmt.Sprintf("%s after filling %s of %s", reason, current.FilledAmount, current.Amount)
		}
		var moved bool
		if _, moved, err = w.transition(ctx, current, domain.StatusFailed, reason); moved {
			slog.Warn("reconcile: order dead at exchange", "order", o.ID, "reason", reason)
		}
	}
	if err != nil {
		return fmt.Errorf("order %s: %w", o.ID, err)
	}
	return nil
}
