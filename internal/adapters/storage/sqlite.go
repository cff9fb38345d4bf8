package storage

// sqlite.go: ledger de órdenes, posiciones y balances sobre SQLite.
//
// Estrategia:
//   - Una sola conexión (SQLite es single-writer): toda escritura queda
//     serializada, y cada transición de estado es un UPDATE condicional
//     sobre el status actual (compare-and-swap).
//   - Los importes son decimal.Decimal guardados como TEXT; las fechas usan
//     un layout de ancho fijo para que comparar strings sea comparar fechas.
//   - Nada de llamadas externas dentro de una transacción: quien llama
//     resuelve la red antes y aquí solo se registra el resultado.

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
    id             TEXT PRIMARY KEY,
    auth_id        TEXT NOT NULL UNIQUE,
    email          TEXT NOT NULL DEFAULT '',
    display_name   TEXT NOT NULL DEFAULT '',
    created_at     TEXT NOT NULL,
    last_active_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS wallets (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL UNIQUE REFERENCES users(id),
    address       TEXT NOT NULL UNIQUE,
    encrypted_key BLOB NOT NULL,
    iv            BLOB NOT NULL,
    key_version   TEXT NOT NULL DEFAULT 'v1',
    created_at    TEXT NOT NULL,
    last_used_at  TEXT
);

CREATE TABLE IF NOT EXISTS markets (
    id           TEXT PRIMARY KEY,
    external_id  TEXT NOT NULL UNIQUE,
    question     TEXT NOT NULL DEFAULT '',
    slug         TEXT NOT NULL DEFAULT '',
    yes_token_id TEXT NOT NULL DEFAULT '',
    no_token_id  TEXT NOT NULL DEFAULT '',
    yes_price    TEXT NOT NULL DEFAULT '0',
    no_price     TEXT NOT NULL DEFAULT '0',
    liquidity    TEXT NOT NULL DEFAULT '0',
    volume       TEXT NOT NULL DEFAULT '0',
    active       INTEGER NOT NULL DEFAULT 0,
    archived     INTEGER NOT NULL DEFAULT 0,
    closed       INTEGER NOT NULL DEFAULT 0,
    neg_risk     INTEGER NOT NULL DEFAULT 0,
    end_date     TEXT,
    updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    id               TEXT PRIMARY KEY,
    user_id          TEXT NOT NULL REFERENCES users(id),
    market_id        TEXT NOT NULL REFERENCES markets(id),
    token_id         TEXT NOT NULL,
    token_side       TEXT NOT NULL,
    side             TEXT NOT NULL,
    order_type       TEXT NOT NULL,
    amount           TEXT NOT NULL,
    price            TEXT NOT NULL,
    total_cost       TEXT NOT NULL,
    filled_amount    TEXT NOT NULL DEFAULT '0',
    intent_key       TEXT NOT NULL,
    order_hash       TEXT NOT NULL DEFAULT '',
    transaction_hash TEXT NOT NULL DEFAULT '',
    signature        TEXT NOT NULL DEFAULT '',
    status           TEXT NOT NULL,
    reason           TEXT NOT NULL DEFAULT '',
    created_at       TEXT NOT NULL,
    updated_at       TEXT NOT NULL,
    signed_at        TEXT,
    submitted_at     TEXT,
    resolved_at      TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS orders_active_intent ON orders(intent_key)
    WHERE status IN ('pending','signed','submitted','confirmed');
CREATE UNIQUE INDEX IF NOT EXISTS orders_hash ON orders(order_hash) WHERE order_hash <> '';
CREATE INDEX IF NOT EXISTS orders_tx_hash ON orders(transaction_hash) WHERE transaction_hash <> '';
CREATE INDEX IF NOT EXISTS orders_user ON orders(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS orders_status ON orders(status, updated_at);

CREATE TABLE IF NOT EXISTS fills (
    id         TEXT PRIMARY KEY,
    order_id   TEXT NOT NULL REFERENCES orders(id),
    trade_id   TEXT NOT NULL,
    amount     TEXT NOT NULL,
    price      TEXT NOT NULL,
    matched_at TEXT NOT NULL,
    applied_at TEXT NOT NULL,
    UNIQUE (order_id, trade_id)
);

CREATE TABLE IF NOT EXISTS positions (
    id         TEXT PRIMARY KEY,
    user_id    TEXT NOT NULL REFERENCES users(id),
    market_id  TEXT NOT NULL REFERENCES markets(id),
    token_id   TEXT NOT NULL,
    token_side TEXT NOT NULL,
    amount     TEXT NOT NULL DEFAULT '0',
    avg_price  TEXT NOT NULL DEFAULT '0',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL,
    UNIQUE (user_id, market_id, token_id)
);

CREATE TABLE IF NOT EXISTS transfers (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL REFERENCES users(id),
    tx_hash      TEXT NOT NULL,
    log_index    INTEGER NOT NULL DEFAULT 0,
    from_address TEXT NOT NULL,
    to_address   TEXT NOT NULL,
    value        TEXT NOT NULL,
    token        TEXT NOT NULL,
    chain        TEXT NOT NULL,
    block_number INTEGER NOT NULL,
    chain_time   TEXT,
    created_at   TEXT NOT NULL,
    UNIQUE (user_id, tx_hash)
);

CREATE INDEX IF NOT EXISTS transfers_user ON transfers(user_id, block_number DESC);

CREATE TABLE IF NOT EXISTS balances (
    user_id      TEXT NOT NULL REFERENCES users(id),
    chain        TEXT NOT NULL,
    asset        TEXT NOT NULL,
    amount       TEXT NOT NULL,
    block_number INTEGER NOT NULL DEFAULT 0,
    updated_at   TEXT NOT NULL,
    PRIMARY KEY (user_id, chain)
);

CREATE TABLE IF NOT EXISTS sync_cursors (
    source       TEXT NOT NULL,
    key          TEXT NOT NULL,
    block_number INTEGER NOT NULL,
    updated_at   TEXT NOT NULL,
    PRIMARY KEY (source, key)
);
`

// timeLayout tiene ancho fijo: el orden lexicográfico coincide con el temporal.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStorage implementa ports.Ledger usando SQLite (pure Go, sin CGo).
type SQLiteStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStorage abre (o crea) la base de datos en la ruta dada y aplica el schema.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage.NewSQLiteStorage: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite es single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage.NewSQLiteStorage: apply schema: %w", err)
	}

	return &SQLiteStorage{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetClock replaces the time source. Tests use it to age rows.
func (s *SQLiteStorage) SetClock(now func() time.Time) {
	s.now = now
}

// Close cierra la conexión a la base de datos.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction and commits if fn returns nil.
// With a single connection every transaction is exclusive.
func (s *SQLiteStorage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- helpers internos ---

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return fmtTime(*t)
}

func nullTimeVal(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// notFound maps sql.ErrNoRows to the domain error callers check for.
func notFound(err error, target error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return target
	}
	return err
}
