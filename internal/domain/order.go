package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToLower(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: side %q", ErrInvalidSide, s)
}

// Signed returns amount with the sign this side contributes to a position.
func (s Side) Signed(amount decimal.Decimal) decimal.Decimal {
	if s == SideSell {
		return amount.Neg()
	}
	return amount
}

// TokenSide selects one of the two outcome tokens of a binary market.
type TokenSide string

const (
	TokenYes TokenSide = "yes"
	TokenNo  TokenSide = "no"
)

// ParseTokenSide accepts "yes"/"no" in any case.
func ParseTokenSide(s string) (TokenSide, error) {
	switch TokenSide(strings.ToLower(strings.TrimSpace(s))) {
	case TokenYes:
		return TokenYes, nil
	case TokenNo:
		return TokenNo, nil
	}
	return "", fmt.Errorf("%w: token side %q", ErrInvalidSide, s)
}

// OrderType distinguishes orders priced at the market from limit orders.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderStatus is the lifecycle of a local order. Transitions are append-only.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusSigned    OrderStatus = "signed"
	StatusSubmitted OrderStatus = "submitted"
	StatusConfirmed OrderStatus = "confirmed"
	StatusFilled    OrderStatus = "filled"
	StatusFailed    OrderStatus = "failed"
	StatusCancelled OrderStatus = "cancelled"
)

// ActiveStatuses are the non-terminal statuses, in lifecycle order.
var ActiveStatuses = []OrderStatus{StatusPending, StatusSigned, StatusSubmitted, StatusConfirmed}

// CancellableStatuses are the statuses a user cancel may transition from.
var CancellableStatuses = ActiveStatuses

// ParseOrderStatus rejects values outside the closed set.
func ParseOrderStatus(s string) (OrderStatus, error) {
	st := OrderStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown order status %q", ErrInvariant, s)
	}
	return st, nil
}

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSigned, StatusSubmitted, StatusConfirmed,
		StatusFilled, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from→to is an edge of the order state machine.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusSigned || to == StatusCancelled || to == StatusFailed
	case StatusSigned:
		return to == StatusSubmitted || to == StatusCancelled || to == StatusFailed
	case StatusSubmitted:
		return to == StatusConfirmed || to == StatusFilled || to == StatusCancelled || to == StatusFailed
	case StatusConfirmed:
		return to == StatusFilled || to == StatusCancelled || to == StatusFailed
	case StatusFilled, StatusFailed, StatusCancelled:
		return false
	}
	return false
}

// AtExchange reports whether the exchange may know about the order.
func (s OrderStatus) AtExchange() bool {
	return s == StatusSubmitted || s == StatusConfirmed
}

// Order is a single local trade intent and its exchange-facing lifecycle.
type Order struct {
	ID              string
	UserID          string
	MarketID        string
	TokenID         string
	TokenSide       TokenSide
	Side            Side
	Type            OrderType
	Amount          decimal.Decimal // shares requested
	Price           decimal.Decimal // USDC per share
	TotalCost       decimal.Decimal
	FilledAmount    decimal.Decimal
	IntentKey       string
	OrderHash       string // write-once
	TransactionHash string // write-once
	Signature       string
	Status          OrderStatus
	Reason          string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	SignedAt        *time.Time
	SubmittedAt     *time.Time
	ResolvedAt      *time.Time
}

// Remaining returns the shares not filled yet.
func (o Order) Remaining() decimal.Decimal {
	r := o.Amount.Sub(o.FilledAmount)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// OrderRequest is what the presentation layer hands to the pipeline.
type OrderRequest struct {
	MarketID   string
	TokenSide  TokenSide
	Side       Side
	Amount     decimal.Decimal
	LimitPrice *decimal.Decimal
}

// Validate performs the local checks that need no market data.
func (r OrderRequest) Validate() error {
	if r.MarketID == "" {
		return fmt.Errorf("%w: empty market id", ErrMarketNotFound)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: got %s", ErrInvalidAmount, r.Amount)
	}
	if !OnGrid(r.Amount, LotPlaces) {
		return fmt.Errorf("%w: %s is finer than the 0.01 share lot", ErrInvalidAmount, r.Amount)
	}
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("%w: side %q", ErrInvalidSide, r.Side)
	}
	if r.TokenSide != TokenYes && r.TokenSide != TokenNo {
		return fmt.Errorf("%w: token side %q", ErrInvalidSide, r.TokenSide)
	}
	if r.LimitPrice != nil {
		if err := ValidatePrice(*r.LimitPrice); err != nil {
			return err
		}
	}
	return nil
}

// Order sizes and prices the CLOB accepts: shares in 0.01 lots, prices on
// the 0.01 tick.
const (
	LotPlaces  int32 = 2
	TickPlaces int32 = 2
)

// OnGrid reports whether v has no digits beyond the given decimal places.
func OnGrid(v decimal.Decimal, places int32) bool {
	return v.Equal(v.Truncate(places))
}

// ValidatePrice checks a binary-outcome price lies strictly inside (0, 1)
// and on the price tick.
func ValidatePrice(p decimal.Decimal) error {
	if !p.IsPositive() || p.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: %s not in (0,1)", ErrInvalidPrice, p)
	}
	if !OnGrid(p, TickPlaces) {
		return fmt.Errorf("%w: %s is off the 0.01 tick", ErrInvalidPrice, p)
	}
	return nil
}

// MarketablePrice snaps a quoted market price onto the tick, rounding
// against the taker so the order still crosses: up for buys, down for sells.
func MarketablePrice(p decimal.Decimal, side Side) decimal.Decimal {
	if side == SideSell {
		return p.RoundFloor(TickPlaces)
	}
	return p.RoundCeil(TickPlaces)
}

// IntentKey hashes the logical identity of a trade intent. It is the dedup
// key locally and the idempotency key sent to the exchange.
func IntentKey(userID, marketID, tokenID string, side Side, amount, price decimal.Decimal) string {
	h := sha256.New()
	for _, part := range []string{userID, marketID, tokenID, string(side), amount.String(), price.String()} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
