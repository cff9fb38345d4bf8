package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/google/uuid"
)

// ApplyFill records one execution and merges it into the position aggregate.
//
// Everything happens in a single transaction on the single connection, so the
// position read-modify-write for a (user, market, token) is serialized with
// every other writer. Events for unknown or terminal orders are discarded,
// and a (order, trade) pair already recorded is a duplicate.
func (s *SQLiteStorage) ApplyFill(ctx context.Context, ev domain.FillEvent) (domain.FillOutcome, domain.Order, error) {
	if ev.TradeID == "" || !ev.Amount.IsPositive() {
		return "", domain.Order{}, fmt.Errorf("storage.ApplyFill: %w: trade %q amount %s", domain.ErrInvariant, ev.TradeID, ev.Amount)
	}
	now := s.now()
	matched := ev.MatchedAt
	if matched.IsZero() {
		matched = now
	}

	outcome := domain.FillDiscarded
	var out domain.Order
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		o, err := scanOrder(tx.QueryRowContext(ctx, orderColumns+` WHERE order_hash = ?`, ev.OrderHash))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		out = o
		// Only orders the exchange may hold accept fills. A signed order
		// gets its fills on a later poll, after it reaches submitted.
		if !o.Status.AtExchange() {
			return nil
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO fills (id, order_id, trade_id, amount, price, matched_at, applied_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(order_id, trade_id) DO NOTHING`,
			uuid.New().String(), o.ID, ev.TradeID, ev.Amount.String(), ev.Price.String(), fmtTime(matched), fmtTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert fill: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			outcome = domain.FillDuplicate
			return nil
		}

		pos, err := scanPosition(tx.QueryRowContext(ctx, positionColumns+` WHERE user_id = ? AND market_id = ? AND token_id = ?`,
			o.UserID, o.MarketID, o.TokenID))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			pos = domain.Position{
				ID:        uuid.New().String(),
				UserID:    o.UserID,
				MarketID:  o.MarketID,
				TokenID:   o.TokenID,
				TokenSide: o.TokenSide,
				CreatedAt: now,
			}
		case err != nil:
			return fmt.Errorf("load position: %w", err)
		}
		pos.Apply(o.Side.Signed(ev.Amount), ev.Price)
		pos.UpdatedAt = now

		_, err = tx.ExecContext(ctx, `
			INSERT INTO positions (id, user_id, market_id, token_id, token_side, amount, avg_price, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, market_id, token_id) DO UPDATE SET
				amount     = excluded.amount,
				avg_price  = excluded.avg_price,
				updated_at = excluded.updated_at`,
			pos.ID, pos.UserID, pos.MarketID, pos.TokenID, string(pos.TokenSide),
			pos.Amount.String(), pos.AvgPrice.String(), fmtTime(pos.CreatedAt), fmtTime(now),
		)
		if err != nil {
			return fmt.Errorf("upsert position: %w", err)
		}

		filled := o.FilledAmount.Add(ev.Amount)
		if _, err := tx.ExecContext(ctx, `UPDATE orders SET filled_amount = ?, updated_at = ? WHERE id = ? AND status = ?`,
			filled.String(), fmtTime(now), o.ID, string(o.Status)); err != nil {
			return fmt.Errorf("update filled amount: %w", err)
		}

		next := domain.StatusConfirmed
		if filled.GreaterThanOrEqual(o.Amount) {
			next = domain.StatusFilled
		}
		if next != o.Status {
			o, err = transitionTx(ctx, tx, o.ID, o.Status, next, ports.OrderUpdate{TransactionHash: ev.TransactionHash}, now)
			if err != nil {
				return fmt.Errorf("advance order: %w", err)
			}
		} else {
			o, err = scanOrder(tx.QueryRowContext(ctx, orderColumns+` WHERE id = ?`, o.ID))
			if err != nil {
				return fmt.Errorf("reload order: %w", err)
			}
		}

		out = o
		outcome = domain.FillApplied
		return nil
	})
	if err != nil {
		return "", domain.Order{}, fmt.Errorf("storage.ApplyFill %s/%s: %w", ev.OrderHash, ev.TradeID, err)
	}

	if outcome == domain.FillApplied {
		slog.Debug("storage: fill applied",
			"order_id", out.ID,
			"trade_id", ev.TradeID,
			"amount", ev.Amount.String(),
			"status", out.Status,
		)
	}
	return outcome, out, nil
}

// ListPositions returns every position of a user, zero amounts included.
func (s *SQLiteStorage) ListPositions(ctx context.Context, userID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, positionColumns+` WHERE user_id = ? ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListPositions %s: query: %w", userID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListPositions %s: scan: %w", userID, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// GetPosition returns the aggregate for one (user, market, token). A key with
// no fills yet yields a zero position and no error.
func (s *SQLiteStorage) GetPosition(ctx context.Context, userID, marketID, tokenID string) (domain.Position, error) {
	p, err := scanPosition(s.db.QueryRowContext(ctx, positionColumns+` WHERE user_id = ? AND market_id = ? AND token_id = ?`,
		userID, marketID, tokenID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{UserID: userID, MarketID: marketID, TokenID: tokenID}, nil
	}
	if err != nil {
		return domain.Position{}, fmt.Errorf("storage.GetPosition: %w", err)
	}
	return p, nil
}

// ListFills returns the executions recorded against an order, oldest first.
func (s *SQLiteStorage) ListFills(ctx context.Context, orderID string) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, trade_id, amount, price, matched_at, applied_at
		FROM fills WHERE order_id = ? ORDER BY matched_at ASC, trade_id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListFills %s: query: %w", orderID, err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		var amount, price, matched, applied string
		if err := rows.Scan(&f.ID, &f.OrderID, &f.TradeID, &amount, &price, &matched, &applied); err != nil {
			return nil, fmt.Errorf("storage.ListFills %s: scan: %w", orderID, err)
		}
		f.Amount = mustDecimal(amount)
		f.Price = mustDecimal(price)
		f.MatchedAt = parseTime(matched)
		f.AppliedAt = parseTime(applied)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

const positionColumns = `SELECT id, user_id, market_id, token_id, token_side, amount, avg_price, created_at, updated_at FROM positions`

func scanPosition(r rowScanner) (domain.Position, error) {
	var p domain.Position
	var tokenSide, amount, avg, created, updated string
	if err := r.Scan(&p.ID, &p.UserID, &p.MarketID, &p.TokenID, &tokenSide, &amount, &avg, &created, &updated); err != nil {
		return p, err
	}
	p.TokenSide = domain.TokenSide(tokenSide)
	p.Amount = mustDecimal(amount)
	p.AvgPrice = mustDecimal(avg)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return p, nil
}
