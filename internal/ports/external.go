package ports

import (
	"context"

	"github.com/alejandrodnm/polyledger/internal/domain"
)

// Exchange places, cancels, and reports orders on the Polymarket CLOB.
type Exchange interface {
	// SubmitOrder posts a signed order. Rejections wrap domain.ErrOrderRejected;
	// network or 5xx trouble wraps domain.ErrTransient. It never retries.
	SubmitOrder(ctx context.Context, req domain.SubmitRequest) (domain.SubmitResult, error)

	// GetOrder returns the exchange status and the fills of an order.
	// An order the exchange never saw has status ExchangeUnknown.
	GetOrder(ctx context.Context, orderHash string) (domain.ExchangeOrder, error)

	// CancelOrder withdraws a resting order. Orders already matched return
	// an error wrapping domain.ErrNotCancellable.
	CancelOrder(ctx context.Context, orderHash string) error
}

// MarketSource lists markets to upsert into the reference table.
type MarketSource interface {
	FetchMarkets(ctx context.Context) ([]domain.Market, error)
}

// ChainIndexer reports transfers and balances of watched addresses.
type ChainIndexer interface {
	Chain() domain.Chain
	Head(ctx context.Context) (uint64, error)
	// Transfers returns stable-asset transfers touching address in the
	// inclusive block range.
	Transfers(ctx context.Context, address string, fromBlock, toBlock uint64) ([]domain.TransferEvent, error)
	Balance(ctx context.Context, address string) (domain.ObservedBalance, error)
}

// OrderSigner signs order payloads with a user's custodial key.
type OrderSigner interface {
	DecryptAndSign(ctx context.Context, session, userID string, payload domain.OrderPayload) (domain.SignedOrder, error)
}

// SessionValidator checks that session authenticates userID.
type SessionValidator interface {
	ValidateSession(ctx context.Context, session, userID string) error
}

// Confirmer asks the user to approve a signature. Returning false means the
// user declined.
type Confirmer interface {
	Confirm(ctx context.Context, userID string, payload domain.OrderPayload) (bool, error)
}
