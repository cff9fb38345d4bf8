package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var _ ports.Ledger = (*SQLiteStorage)(nil)

const orderColumns = `SELECT id, user_id, market_id, token_id, token_side, side, order_type,
	amount, price, total_cost, filled_amount, intent_key, order_hash, transaction_hash, signature,
	status, reason, created_at, updated_at, signed_at, submitted_at, resolved_at FROM orders`

// CreateOrder inserts o as pending unless the same intent is already active,
// or was filled at or after dedupSince. The lookup and insert share one
// transaction, so two concurrent submissions of one intent produce one row.
func (s *SQLiteStorage) CreateOrder(ctx context.Context, o domain.Order, dedupSince time.Time) (domain.Order, bool, error) {
	if o.IntentKey == "" {
		return domain.Order{}, false, fmt.Errorf("storage.CreateOrder: %w: empty intent key", domain.ErrInvariant)
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	now := s.now()
	o.Status = domain.StatusPending
	o.CreatedAt = now
	o.UpdatedAt = now
	o.FilledAmount = decimal.Zero

	var out domain.Order
	created := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanOrder(tx.QueryRowContext(ctx,
			orderColumns+` WHERE intent_key = ? AND status IN `+statusList(domain.ActiveStatuses)+` LIMIT 1`,
			append([]any{o.IntentKey}, statusArgs(domain.ActiveStatuses)...)...))
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup active intent: %w", err)
		}

		if !dedupSince.IsZero() {
			existing, err = scanOrder(tx.QueryRowContext(ctx,
				orderColumns+` WHERE intent_key = ? AND status = ? AND created_at >= ? ORDER BY created_at DESC LIMIT 1`,
				o.IntentKey, string(domain.StatusFilled), fmtTime(dedupSince)))
			if err == nil {
				out = existing
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("lookup recent fill: %w", err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO orders
				(id, user_id, market_id, token_id, token_side, side, order_type, amount, price, total_cost,
				 filled_amount, intent_key, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.ID, o.UserID, o.MarketID, o.TokenID, string(o.TokenSide), string(o.Side), string(o.Type),
			o.Amount.String(), o.Price.String(), o.TotalCost.String(), o.FilledAmount.String(),
			o.IntentKey, string(o.Status), fmtTime(now), fmtTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		out = o
		created = true
		return nil
	})
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("storage.CreateOrder: %w", err)
	}
	return out, created, nil
}

// TransitionOrder is the only way an order changes status. The UPDATE is
// conditioned on the current status; when another writer got there first
// the stored order is returned along with ErrStaleTransition.
func (s *SQLiteStorage) TransitionOrder(ctx context.Context, id string, from, to domain.OrderStatus, upd ports.OrderUpdate) (domain.Order, error) {
	if !from.CanTransition(to) {
		return domain.Order{}, fmt.Errorf("storage.TransitionOrder %s: %w: %s -> %s is not an edge", id, domain.ErrInvariant, from, to)
	}
	var out domain.Order
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = transitionTx(ctx, tx, id, from, to, upd, s.now())
		return err
	})
	if err != nil {
		return out, fmt.Errorf("storage.TransitionOrder %s: %w", id, err)
	}
	return out, nil
}

// transitionTx applies a CAS transition inside tx and reloads the row.
func transitionTx(ctx context.Context, q queryer, id string, from, to domain.OrderStatus, upd ports.OrderUpdate, now time.Time) (domain.Order, error) {
	at := upd.At
	if at.IsZero() {
		at = now
	}
	stamp := fmtTime(at)

	var signedAt, submittedAt, resolvedAt any
	switch {
	case to == domain.StatusSigned:
		signedAt = stamp
	case to == domain.StatusSubmitted:
		submittedAt = stamp
	case to.Terminal():
		resolvedAt = stamp
	}

	res, err := q.ExecContext(ctx, `
		UPDATE orders SET
			status           = ?,
			reason           = CASE WHEN ? <> '' THEN ? ELSE reason END,
			order_hash       = CASE WHEN order_hash = '' THEN ? ELSE order_hash END,
			transaction_hash = CASE WHEN transaction_hash = '' THEN ? ELSE transaction_hash END,
			signature        = CASE WHEN signature = '' THEN ? ELSE signature END,
			signed_at        = COALESCE(signed_at, ?),
			submitted_at     = COALESCE(submitted_at, ?),
			resolved_at      = COALESCE(resolved_at, ?),
			updated_at       = ?
		WHERE id = ? AND status = ?`,
		string(to), upd.Reason, upd.Reason, upd.OrderHash, upd.TransactionHash, upd.Signature,
		signedAt, submittedAt, resolvedAt, stamp, id, string(from),
	)
	if err != nil {
		return domain.Order{}, fmt.Errorf("update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Order{}, fmt.Errorf("rows affected: %w", err)
	}

	current, err := scanOrder(q.QueryRowContext(ctx, orderColumns+` WHERE id = ?`, id))
	if err != nil {
		return domain.Order{}, fmt.Errorf("reload: %w", notFound(err, domain.ErrOrderNotFound))
	}
	if n == 0 {
		return current, fmt.Errorf("%w: want %s, found %s", domain.ErrStaleTransition, from, current.Status)
	}
	return current, nil
}

// GetOrder returns an order by id.
func (s *SQLiteStorage) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.db.QueryRowContext(ctx, orderColumns+` WHERE id = ?`, id))
	if err != nil {
		return domain.Order{}, fmt.Errorf("storage.GetOrder %s: %w", id, notFound(err, domain.ErrOrderNotFound))
	}
	return o, nil
}

// GetOrderByHash returns the order the exchange knows as orderHash.
func (s *SQLiteStorage) GetOrderByHash(ctx context.Context, orderHash string) (domain.Order, error) {
	if orderHash == "" {
		return domain.Order{}, fmt.Errorf("storage.GetOrderByHash: %w", domain.ErrOrderNotFound)
	}
	o, err := scanOrder(s.db.QueryRowContext(ctx, orderColumns+` WHERE order_hash = ?`, orderHash))
	if err != nil {
		return domain.Order{}, fmt.Errorf("storage.GetOrderByHash %s: %w", orderHash, notFound(err, domain.ErrOrderNotFound))
	}
	return o, nil
}

// ListOrdersByStatus returns orders in statuses, oldest update first.
// A non-zero updatedBefore restricts the result to rows not touched since.
func (s *SQLiteStorage) ListOrdersByStatus(ctx context.Context, statuses []domain.OrderStatus, updatedBefore time.Time) ([]domain.Order, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := orderColumns + ` WHERE status IN ` + statusList(statuses)
	args := statusArgs(statuses)
	if !updatedBefore.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, fmtTime(updatedBefore))
	}
	query += ` ORDER BY updated_at ASC`

	orders, err := s.queryOrders(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListOrdersByStatus: %w", err)
	}
	return orders, nil
}

// ListUserOrders returns the order history of a user, newest first.
func (s *SQLiteStorage) ListUserOrders(ctx context.Context, userID string, f ports.HistoryFilter) ([]domain.Order, error) {
	query := orderColumns + ` WHERE user_id = ?`
	args := []any{userID}
	if len(f.Statuses) > 0 {
		query += ` AND status IN ` + statusList(f.Statuses)
		args = append(args, statusArgs(f.Statuses)...)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	orders, err := s.queryOrders(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListUserOrders %s: %w", userID, err)
	}
	return orders, nil
}

// ReservedBuyCost sums the unfilled cost of the user's active buy orders,
// skipping those with excludeIntent.
func (s *SQLiteStorage) ReservedBuyCost(ctx context.Context, userID, excludeIntent string) (decimal.Decimal, error) {
	orders, err := s.queryOrders(ctx,
		orderColumns+` WHERE user_id = ? AND side = ? AND intent_key <> ? AND status IN `+statusList(domain.ActiveStatuses),
		append([]any{userID, string(domain.SideBuy), excludeIntent}, statusArgs(domain.ActiveStatuses)...)...)
	if err != nil {
		return decimal.Zero, fmt.Errorf("storage.ReservedBuyCost %s: %w", userID, err)
	}
	total := decimal.Zero
	for _, o := range orders {
		total = total.Add(o.Remaining().Mul(o.Price))
	}
	return total, nil
}

func (s *SQLiteStorage) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

func scanOrder(r rowScanner) (domain.Order, error) {
	var (
		o                                  domain.Order
		tokenSide, side, orderType, status string
		amount, price, totalCost, filled   string
		created, updated                   string
		signedAt, submittedAt, resolvedAt  sql.NullString
	)
	err := r.Scan(&o.ID, &o.UserID, &o.MarketID, &o.TokenID, &tokenSide, &side, &orderType,
		&amount, &price, &totalCost, &filled, &o.IntentKey, &o.OrderHash, &o.TransactionHash, &o.Signature,
		&status, &o.Reason, &created, &updated, &signedAt, &submittedAt, &resolvedAt)
	if err != nil {
		return o, err
	}

	o.Status, err = domain.ParseOrderStatus(status)
	if err != nil {
		return o, fmt.Errorf("order %s: %w", o.ID, err)
	}
	o.TokenSide = domain.TokenSide(tokenSide)
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(orderType)
	o.Amount = mustDecimal(amount)
	o.Price = mustDecimal(price)
	o.TotalCost = mustDecimal(totalCost)
	o.FilledAmount = mustDecimal(filled)
	o.CreatedAt = parseTime(created)
	o.UpdatedAt = parseTime(updated)
	o.SignedAt = parseNullTime(signedAt)
	o.SubmittedAt = parseNullTime(submittedAt)
	o.ResolvedAt = parseNullTime(resolvedAt)
	return o, nil
}

// statusList renders "(?, ?, ...)" for len(statuses) placeholders.
func statusList(statuses []domain.OrderStatus) string {
	return "(" + strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ") + ")"
}

func statusArgs(statuses []domain.OrderStatus) []any {
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	return args
}

// mustDecimal parses a stored amount. Columns are only written from
// decimal.Decimal, so a parse failure yields zero.
func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
