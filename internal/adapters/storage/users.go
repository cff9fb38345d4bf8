package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/google/uuid"
)

// EnsureUser inserts the user on first authentication, keyed by AuthID.
// Later calls refresh the profile and last_active_at; the id never changes.
func (s *SQLiteStorage) EnsureUser(ctx context.Context, u domain.User) (domain.User, error) {
	if u.AuthID == "" {
		return domain.User{}, fmt.Errorf("storage.EnsureUser: %w: empty auth id", domain.ErrInvariant)
	}
	now := s.now()
	if u.ID == "" {
		u.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, auth_id, email, display_name, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(auth_id) DO UPDATE SET
			email          = CASE WHEN excluded.email <> '' THEN excluded.email ELSE users.email END,
			display_name   = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE users.display_name END,
			last_active_at = excluded.last_active_at`,
		u.ID, u.AuthID, u.Email, u.DisplayName, fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return domain.User{}, fmt.Errorf("storage.EnsureUser: upsert %s: %w", u.AuthID, err)
	}

	row := s.db.QueryRowContext(ctx, userColumns+` WHERE auth_id = ?`, u.AuthID)
	out, err := scanUser(row)
	if err != nil {
		return domain.User{}, fmt.Errorf("storage.EnsureUser: reload: %w", err)
	}
	return out, nil
}

// GetUser returns the user with the given id.
func (s *SQLiteStorage) GetUser(ctx context.Context, id string) (domain.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, userColumns+` WHERE id = ?`, id))
	if err != nil {
		return domain.User{}, fmt.Errorf("storage.GetUser %s: %w", id, notFound(err, domain.ErrUserNotFound))
	}
	return u, nil
}

const userColumns = `SELECT id, auth_id, email, display_name, created_at, last_active_at FROM users`

func scanUser(r rowScanner) (domain.User, error) {
	var u domain.User
	var created, active string
	if err := r.Scan(&u.ID, &u.AuthID, &u.Email, &u.DisplayName, &created, &active); err != nil {
		return u, err
	}
	u.CreatedAt = parseTime(created)
	u.LastActiveAt = parseTime(active)
	return u, nil
}

// CreateWallet stores a new custodial wallet. A user has at most one; key
// material of an existing wallet is never replaced.
func (s *SQLiteStorage) CreateWallet(ctx context.Context, w domain.Wallet) error {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now()
	}
	if w.KeyVersion == "" {
		w.KeyVersion = "v1"
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM wallets WHERE user_id = ?`, w.UserID).Scan(&n); err != nil {
			return fmt.Errorf("storage.CreateWallet: check existing: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("storage.CreateWallet: user %s: %w", w.UserID, domain.ErrWalletExists)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO wallets (id, user_id, address, encrypted_key, iv, key_version, created_at, last_used_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.UserID, w.Address, w.EncryptedKey, w.IV, w.KeyVersion, fmtTime(w.CreatedAt), nullTime(w.LastUsedAt),
		)
		if err != nil {
			return fmt.Errorf("storage.CreateWallet: insert: %w", err)
		}
		return nil
	})
}

// GetWalletByUser returns the wallet of a user or ErrKeyNotFound.
func (s *SQLiteStorage) GetWalletByUser(ctx context.Context, userID string) (domain.Wallet, error) {
	w, err := scanWallet(s.db.QueryRowContext(ctx, walletColumns+` WHERE user_id = ?`, userID))
	if err != nil {
		return domain.Wallet{}, fmt.Errorf("storage.GetWalletByUser %s: %w", userID, notFound(err, domain.ErrKeyNotFound))
	}
	return w, nil
}

// ListWallets returns every wallet; the reconciliation worker watches them all.
func (s *SQLiteStorage) ListWallets(ctx context.Context) ([]domain.Wallet, error) {
	rows, err := s.db.QueryContext(ctx, walletColumns+` ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.ListWallets: query: %w", err)
	}
	defer rows.Close()

	var wallets []domain.Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListWallets: scan: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// TouchWallet records a signing operation.
func (s *SQLiteStorage) TouchWallet(ctx context.Context, walletID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE wallets SET last_used_at = ? WHERE id = ?`, fmtTime(at), walletID)
	if err != nil {
		return fmt.Errorf("storage.TouchWallet %s: %w", walletID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage.TouchWallet %s: %w", walletID, domain.ErrKeyNotFound)
	}
	return nil
}

const walletColumns = `SELECT id, user_id, address, encrypted_key, iv, key_version, created_at, last_used_at FROM wallets`

func scanWallet(r rowScanner) (domain.Wallet, error) {
	var w domain.Wallet
	var created string
	var lastUsed sql.NullString
	if err := r.Scan(&w.ID, &w.UserID, &w.Address, &w.EncryptedKey, &w.IV, &w.KeyVersion, &created, &lastUsed); err != nil {
		return w, err
	}
	w.CreatedAt = parseTime(created)
	w.LastUsedAt = parseNullTime(lastUsed)
	return w, nil
}
