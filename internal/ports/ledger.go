package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/shopspring/decimal"
)

// OrderUpdate carries the columns a status transition may set alongside the
// new status. Empty hashes leave the stored value untouched; stored hashes
// are never overwritten.
type OrderUpdate struct {
	Reason          string
	OrderHash       string
	TransactionHash string
	Signature       string
	At              time.Time
}

// HistoryFilter narrows an order history query.
type HistoryFilter struct {
	Statuses []domain.OrderStatus
	Limit    int
}

// UserStore persists users.
type UserStore interface {
	// EnsureUser creates the user on first authentication or refreshes its
	// profile and activity timestamp.
	EnsureUser(ctx context.Context, u domain.User) (domain.User, error)
	GetUser(ctx context.Context, id string) (domain.User, error)
}

// WalletStore persists custodial wallets. There is no update of key material.
type WalletStore interface {
	CreateWallet(ctx context.Context, w domain.Wallet) error
	GetWalletByUser(ctx context.Context, userID string) (domain.Wallet, error)
	ListWallets(ctx context.Context) ([]domain.Wallet, error)
	TouchWallet(ctx context.Context, walletID string, at time.Time) error
}

// MarketStore persists the market reference table.
type MarketStore interface {
	UpsertMarket(ctx context.Context, m domain.Market) (domain.Market, error)
	GetMarket(ctx context.Context, id string) (domain.Market, error)
}

// OrderStore persists orders. Every status write is a compare-and-swap on
// the current status.
type OrderStore interface {
	// CreateOrder inserts o as pending unless an order with the same intent
	// key is still active, or was filled after dedupSince. In that case the
	// existing order is returned with created=false.
	CreateOrder(ctx context.Context, o domain.Order, dedupSince time.Time) (order domain.Order, created bool, err error)

	// TransitionOrder moves the order from→to. It returns ErrStaleTransition
	// when the stored status is no longer from, leaving the row untouched.
	TransitionOrder(ctx context.Context, id string, from, to domain.OrderStatus, upd OrderUpdate) (domain.Order, error)

	GetOrder(ctx context.Context, id string) (domain.Order, error)
	GetOrderByHash(ctx context.Context, orderHash string) (domain.Order, error)

	// ListOrdersByStatus returns orders in any of statuses whose last update
	// is before updatedBefore (zero time means no bound), oldest first.
	ListOrdersByStatus(ctx context.Context, statuses []domain.OrderStatus, updatedBefore time.Time) ([]domain.Order, error)
	ListUserOrders(ctx context.Context, userID string, f HistoryFilter) ([]domain.Order, error)

	// ReservedBuyCost sums the unfilled cost of the user's active buy orders
	// other than those carrying excludeIntent.
	ReservedBuyCost(ctx context.Context, userID, excludeIntent string) (decimal.Decimal, error)
}

// PositionStore applies fills and serves position aggregates.
type PositionStore interface {
	// ApplyFill records ev against the order with ev.OrderHash and merges it
	// into the position in one transaction. Duplicate or late events are
	// no-ops reported through the outcome.
	ApplyFill(ctx context.Context, ev domain.FillEvent) (domain.FillOutcome, domain.Order, error)
	ListPositions(ctx context.Context, userID string) ([]domain.Position, error)
	GetPosition(ctx context.Context, userID, marketID, tokenID string) (domain.Position, error)
	ListFills(ctx context.Context, orderID string) ([]domain.Fill, error)
}

// TransferStore persists the transfer log and balance snapshots.
type TransferStore interface {
	// ApplyTransfer inserts the transfer unless its tx hash is known, then
	// replaces the (user, chain) balance with observed.
	ApplyTransfer(ctx context.Context, userID string, ev domain.TransferEvent, observed domain.ObservedBalance) (domain.TransferOutcome, error)
	UpsertBalance(ctx context.Context, b domain.Balance) error
	GetBalance(ctx context.Context, userID string, chain domain.Chain) (domain.Balance, error)
	ListBalances(ctx context.Context, userID string) ([]domain.Balance, error)
	ListTransfers(ctx context.Context, userID string, limit int) ([]domain.Transfer, error)
}

// CursorStore remembers how far each polled source has been read.
type CursorStore interface {
	GetCursor(ctx context.Context, source, key string) (uint64, error)
	SetCursor(ctx context.Context, source, key string, block uint64) error
}

// Ledger is the full store used at the composition root.
type Ledger interface {
	UserStore
	WalletStore
	MarketStore
	OrderStore
	PositionStore
	TransferStore
	CursorStore
	Close() error
}
