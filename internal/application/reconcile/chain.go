package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/metrics"
)

// PollTransfers scans every wallet for stable-asset transfers between its
// cursor and head minus Confirmations. When new transfers show up the
// observed balance is read first, then each transfer is recorded together
// with that balance and the cursor advances.
func (w *Worker) PollTransfers(ctx context.Context) error {
	if w.indexer == nil {
		return nil
	}
	head, err := w.indexer.Head(ctx)
	if err != nil {
		return fmt.Errorf("reconcile.PollTransfers: %w", err)
	}
	if head < w.cfg.Confirmations {
		return nil
	}
	safe := head - w.cfg.Confirmations

	wallets, err := w.store.ListWallets(ctx)
	if err != nil {
		return fmt.Errorf("reconcile.PollTransfers: %w", err)
	}

	var errs []error
	for _, wl := range wallets {
		if err := w.scanWallet(ctx, wl, safe); err != nil {
			errs = append(errs, fmt.Errorf("wallet %s: %w", wl.Address, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reconcile.PollTransfers: %w", err)
	}
	return nil
}

func (w *Worker) cursorSource() string {
	return transferCursorSource + ":" + string(w.indexer.Chain())
}

func (w *Worker) scanWallet(ctx context.Context, wl domain.Wallet, safe uint64) error {
	source := w.cursorSource()
	cursor, err := w.store.GetCursor(ctx, source, wl.Address)
	if err != nil {
		return err
	}

	from := cursor + 1
	if cursor == 0 {
		from = 0
		if safe > w.cfg.InitialLookback {
			from = safe - w.cfg.InitialLookback
		}
	}
	if from > safe {
		return nil
	}

	events, err := w.indexer.Transfers(ctx, wl.Address, from, safe)
	if err != nil {
		return err
	}

	if len(events) > 0 {
		observed, err := w.indexer.Balance(ctx, wl.Address)
		if err != nil {
			return err
		}
		applied := 0
		for _, ev := range events {
			outcome, err := w.store.ApplyTransfer(ctx, wl.UserID, ev, observed)
			if err != nil {
				return fmt.Errorf("apply transfer %s: %w", ev.TxHash, err)
			}
			metrics.TransfersApplied.WithLabelValues(string(outcome)).Inc()
			if outcome == domain.TransferApplied {
				applied++
			}
		}
		slog.Info("reconcile: transfers recorded",
			"wallet", wl.Address,
			"user", wl.UserID,
			"events", len(events),
			"applied", applied,
			"balance", observed.Amount.String(),
			"from", from,
			"to", safe,
		)
	}

	return w.store.SetCursor(ctx, source, wl.Address, safe)
}

// PollBalances replaces every wallet's balance with the observed one.
func (w *Worker) PollBalances(ctx context.Context) error {
	if w.indexer == nil {
		return nil
	}
	wallets, err := w.store.ListWallets(ctx)
	if err != nil {
		return fmt.Errorf("reconcile.PollBalances: %w", err)
	}

	var errs []error
	for _, wl := range wallets {
		observed, err := w.indexer.Balance(ctx, wl.Address)
		if err != nil {
			errs = append(errs, fmt.Errorf("wallet %s: %w", wl.Address, err))
			continue
		}
		err = w.store.UpsertBalance(ctx, domain.Balance{
			UserID:      wl.UserID,
			Chain:       observed.Chain,
			Asset:       observed.Asset,
			Amount:      observed.Amount,
			BlockNumber: observed.BlockNumber,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("wallet %s: %w", wl.Address, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("reconcile.PollBalances: %w", err)
	}
	slog.Debug("reconcile: balances refreshed", "wallets", len(wallets))
	return nil
}
