package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/google/uuid"
)

// ApplyTransfer inserts ev unless the user already has its tx hash, then
// replaces the (user, chain) balance with observed. A duplicate leaves both
// tables untouched. A transfer between two custodial wallets is one row per
// side.
func (s *SQLiteStorage) ApplyTransfer(ctx context.Context, userID string, ev domain.TransferEvent, observed domain.ObservedBalance) (domain.TransferOutcome, error) {
	if ev.TxHash == "" {
		return "", fmt.Errorf("storage.ApplyTransfer: %w: empty tx hash", domain.ErrInvariant)
	}
	now := s.now()

	outcome := domain.TransferDuplicate
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO transfers
				(id, user_id, tx_hash, log_index, from_address, to_address, value, token, chain, block_number, chain_time, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id, tx_hash) DO NOTHING`,
			uuid.New().String(), userID, ev.TxHash, int64(ev.LogIndex), ev.From, ev.To,
			ev.Value.String(), ev.Token, string(ev.Chain), int64(ev.BlockNumber), nullTimeVal(ev.ChainTime), fmtTime(now),
		)
		if err != nil {
			return fmt.Errorf("insert transfer: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		outcome = domain.TransferApplied

		return upsertBalance(ctx, tx, domain.Balance{
			UserID:      userID,
			Chain:       observed.Chain,
			Asset:       observed.Asset,
			Amount:      observed.Amount,
			BlockNumber: observed.BlockNumber,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		return "", fmt.Errorf("storage.ApplyTransfer %s: %w", ev.TxHash, err)
	}
	return outcome, nil
}

// UpsertBalance replaces the stored balance with an observed snapshot.
func (s *SQLiteStorage) UpsertBalance(ctx context.Context, b domain.Balance) error {
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = s.now()
	}
	if err := upsertBalance(ctx, s.db, b); err != nil {
		return fmt.Errorf("storage.UpsertBalance %s/%s: %w", b.UserID, b.Chain, err)
	}
	return nil
}

// upsertBalance overwrites the row unless it already holds an observation
// from a later block.
func upsertBalance(ctx context.Context, q queryer, b domain.Balance) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO balances (user_id, chain, asset, amount, block_number, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, chain) DO UPDATE SET
			asset        = excluded.asset,
			amount       = excluded.amount,
			block_number = excluded.block_number,
			updated_at   = excluded.updated_at
		WHERE excluded.block_number >= balances.block_number`,
		b.UserID, string(b.Chain), b.Asset, b.Amount.String(), int64(b.BlockNumber), fmtTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert balance: %w", err)
	}
	return nil
}

// GetBalance returns the latest snapshot for (user, chain). A user never
// observed on that chain has a zero balance.
func (s *SQLiteStorage) GetBalance(ctx context.Context, userID string, chain domain.Chain) (domain.Balance, error) {
	b, err := scanBalance(s.db.QueryRowContext(ctx, balanceColumns+` WHERE user_id = ? AND chain = ?`, userID, string(chain)))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Balance{UserID: userID, Chain: chain}, nil
	}
	if err != nil {
		return domain.Balance{}, fmt.Errorf("storage.GetBalance %s/%s: %w", userID, chain, err)
	}
	return b, nil
}

// ListBalances returns one snapshot per chain the user was observed on.
func (s *SQLiteStorage) ListBalances(ctx context.Context, userID string) ([]domain.Balance, error) {
	rows, err := s.db.QueryContext(ctx, balanceColumns+` WHERE user_id = ? ORDER BY chain ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListBalances %s: query: %w", userID, err)
	}
	defer rows.Close()

	var balances []domain.Balance
	for rows.Next() {
		b, err := scanBalance(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListBalances %s: scan: %w", userID, err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// ListTransfers returns the most recent transfers of a user.
func (s *SQLiteStorage) ListTransfers(ctx context.Context, userID string, limit int) ([]domain.Transfer, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, tx_hash, log_index, from_address, to_address, value, token, chain,
		       block_number, chain_time, created_at
		FROM transfers WHERE user_id = ?
		ORDER BY block_number DESC, log_index DESC
		LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListTransfers %s: query: %w", userID, err)
	}
	defer rows.Close()

	var transfers []domain.Transfer
	for rows.Next() {
		var t domain.Transfer
		var logIndex, block int64
		var value, chain, created string
		var chainTime sql.NullString
		if err := rows.Scan(&t.ID, &t.UserID, &t.TxHash, &logIndex, &t.From, &t.To, &value, &t.Token, &chain,
			&block, &chainTime, &created); err != nil {
			return nil, fmt.Errorf("storage.ListTransfers %s: scan: %w", userID, err)
		}
		t.LogIndex = uint(logIndex)
		t.BlockNumber = uint64(block)
		t.Value = mustDecimal(value)
		t.Chain = domain.Chain(chain)
		if ct := parseNullTime(chainTime); ct != nil {
			t.ChainTime = *ct
		}
		t.CreatedAt = parseTime(created)
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

const balanceColumns = `SELECT user_id, chain, asset, amount, block_number, updated_at FROM balances`

func scanBalance(r rowScanner) (domain.Balance, error) {
	var b domain.Balance
	var chain, amount, updated string
	var block int64
	if err := r.Scan(&b.UserID, &chain, &b.Asset, &amount, &block, &updated); err != nil {
		return b, err
	}
	b.Chain = domain.Chain(chain)
	b.Amount = mustDecimal(amount)
	b.BlockNumber = uint64(block)
	b.UpdatedAt = parseTime(updated)
	return b, nil
}

// GetCursor returns the last block read for (source, key), or 0.
func (s *SQLiteStorage) GetCursor(ctx context.Context, source, key string) (uint64, error) {
	var block int64
	err := s.db.QueryRowContext(ctx, `SELECT block_number FROM sync_cursors WHERE source = ? AND key = ?`, source, key).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("storage.GetCursor %s/%s: %w", source, key, err)
	}
	return uint64(block), nil
}

// SetCursor records progress for (source, key). Cursors only move forward.
func (s *SQLiteStorage) SetCursor(ctx context.Context, source, key string, block uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (source, key, block_number, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source, key) DO UPDATE SET
			block_number = excluded.block_number,
			updated_at   = excluded.updated_at
		WHERE excluded.block_number > sync_cursors.block_number`,
		source, key, int64(block), fmtTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("storage.SetCursor %s/%s: %w", source, key, err)
	}
	return nil
}
