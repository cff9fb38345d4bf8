package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/metrics"
)

// Sweep resolves orders that have not moved for StaleAfter:
//   - submitted/confirmed: failed with a timeout reason, after a best-effort
//     cancel at the exchange
//   - pending: failed, the signing call never completed
//   - signed: looked up at the exchange by hash; known orders become
//     submitted, unknown ones fail
func (w *Worker) Sweep(ctx context.Context) error {
	cutoff := w.now().Add(-w.cfg.StaleAfter)

	errs := []error{
		w.sweepAtExchange(ctx, cutoff),
		w.sweepPending(ctx, cutoff),
		w.sweepSigned(ctx, cutoff),
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reconcile.Sweep: %w", err)
	}
	return nil
}

func (w *Worker) sweepAtExchange(ctx context.Context, cutoff time.Time) error {
	stale, err := w.store.ListOrdersByStatus(ctx,
		[]domain.OrderStatus{domain.StatusSubmitted, domain.StatusConfirmed}, cutoff)
	if err != nil {
		return err
	}

	reason := fmt.Sprintf("timeout: no fill observed within %s", w.cfg.StaleAfter)
	var errs []error
	for _, o := range stale {
		why := reason
		if o.OrderHash != "" {
			err := w.exchange.CancelOrder(ctx, o.OrderHash)
			switch {
			case errors.Is(err, domain.ErrNotCancellable):
				// Fills still to arrive will be discarded against the failed row.
				why = reason + "; already matched at exchange"
				slog.Error("reconcile: stale order already matched at exchange, failing it locally",
					"order", o.ID,
					"user", o.UserID,
					"hash", o.OrderHash,
					"filled", o.FilledAmount.String(),
					"amount", o.Amount.String(),
					"error", err,
				)
			case err != nil:
				slog.Warn("reconcile: cancel of stale order at exchange failed",
					"order", o.ID,
					"hash", o.OrderHash,
					"error", err,
				)
			}
		}
		_, moved, err := w.transition(ctx, o, domain.StatusFailed, why)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if moved {
			metrics.OrdersTimedOut.WithLabelValues(string(o.Status)).Inc()
			slog.Warn("reconcile: stale order failed",
				"order", o.ID,
				"user", o.UserID,
				"status", o.Status,
				"updated_at", o.UpdatedAt,
			)
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) sweepPending(ctx context.Context, cutoff time.Time) error {
	stale, err := w.store.ListOrdersByStatus(ctx, []domain.OrderStatus{domain.StatusPending}, cutoff)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range stale {
		_, moved, err := w.transition(ctx, o, domain.StatusFailed, "abandoned before signing")
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if moved {
			metrics.OrdersTimedOut.WithLabelValues(string(o.Status)).Inc()
			slog.Warn("reconcile: abandoned pending order failed", "order", o.ID, "user", o.UserID)
		}
	}
	return errors.Join(errs...)
}

func (w *Worker) sweepSigned(ctx context.Context, cutoff time.Time) error {
	stale, err := w.store.ListOrdersByStatus(ctx, []domain.OrderStatus{domain.StatusSigned}, cutoff)
	if err != nil {
		return err
	}
	var errs []error
	for _, o := range stale {
		to, reason := domain.StatusFailed, "never reached the exchange"
		if o.OrderHash != "" {
			xo, err := w.exchange.GetOrder(ctx, o.OrderHash)
			if err != nil {
				errs = append(errs, fmt.Errorf("order %s: %w", o.ID, err))
				continue
			}
			if xo.Status != domain.ExchangeUnknown {
				to, reason = domain.StatusSubmitted, "recovered by reconciliation"
			}
		}
		_, moved, err := w.transition(ctx, o, to, reason)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if moved {
			slog.Warn("reconcile: stuck signed order resolved", "order", o.ID, "status", to)
		}
	}
	return errors.Join(errs...)
}
