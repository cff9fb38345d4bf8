package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderPayload is what the custodial signer turns into an EIP-712 order.
type OrderPayload struct {
	TokenID    string
	Side       Side
	Amount     decimal.Decimal // shares
	Price      decimal.Decimal
	NegRisk    bool
	FeeRateBps int64
}

// SignedOrder is an exchange order signed by a custodial wallet.
// Amount fields are integer strings in 1e6 units, as the CLOB expects.
type SignedOrder struct {
	Hash          string
	Salt          string
	Maker         string
	Signer        string
	Taker         string
	TokenID       string
	MakerAmount   string
	TakerAmount   string
	Expiration    string
	Nonce         string
	FeeRateBps    string
	Side          string // BUY | SELL
	SignatureType int
	Signature     string
}

// SubmitRequest hands a signed order to the exchange. IdempotencyKey is the
// local intent hash so a retried POST cannot create a second exchange order.
type SubmitRequest struct {
	Order          SignedOrder
	OrderType      string // GTC | FOK
	IdempotencyKey string
}

// ExchangeStatus is the exchange's view of an order.
type ExchangeStatus string

const (
	ExchangeLive      ExchangeStatus = "live"
	ExchangeMatched   ExchangeStatus = "matched"
	ExchangeDelayed   ExchangeStatus = "delayed"
	ExchangeUnmatched ExchangeStatus = "unmatched"
	ExchangeCancelled ExchangeStatus = "cancelled"
	ExchangeUnknown   ExchangeStatus = "unknown"
)

// Acknowledged reports whether the exchange has accepted the order as live.
func (s ExchangeStatus) Acknowledged() bool {
	return s == ExchangeLive || s == ExchangeMatched || s == ExchangeDelayed
}

// Dead reports whether the exchange will never fill the order again.
func (s ExchangeStatus) Dead() bool {
	return s == ExchangeCancelled || s == ExchangeUnmatched
}

// SubmitResult is the synchronous answer of the exchange to a submission.
type SubmitResult struct {
	OrderHash       string
	Status          ExchangeStatus
	TransactionHash string
}

// ExchangeOrder is a polled snapshot of an order at the exchange.
type ExchangeOrder struct {
	OrderHash string
	Status    ExchangeStatus
	Reason    string
	Fills     []FillEvent
}

// FillEvent is a partial or full execution reported by the exchange.
type FillEvent struct {
	OrderHash       string
	TradeID         string
	Amount          decimal.Decimal // shares, always positive
	Price           decimal.Decimal
	TransactionHash string
	MatchedAt       time.Time
}

// Fill is an applied FillEvent, kept as an audit trail.
type Fill struct {
	ID        string
	OrderID   string
	TradeID   string
	Amount    decimal.Decimal
	Price     decimal.Decimal
	MatchedAt time.Time
	AppliedAt time.Time
}

// FillOutcome says what ApplyFill did with an event.
type FillOutcome string

const (
	FillApplied   FillOutcome = "applied"
	FillDuplicate FillOutcome = "duplicate"
	FillDiscarded FillOutcome = "discarded" // order terminal or unknown
)

// TransferEvent is a transfer reported by the chain indexer.
type TransferEvent struct {
	Address     string // watched wallet the event was found for
	TxHash      string
	LogIndex    uint
	From        string
	To          string
	Value       decimal.Decimal
	Token       string
	Chain       Chain
	BlockNumber uint64
	ChainTime   time.Time
}

// ObservedBalance is a balance snapshot read from the chain.
type ObservedBalance struct {
	Address     string
	Chain       Chain
	Asset       string
	Amount      decimal.Decimal
	BlockNumber uint64
}

// TransferOutcome says what ApplyTransfer did with an event.
type TransferOutcome string

const (
	TransferApplied   TransferOutcome = "applied"
	TransferDuplicate TransferOutcome = "duplicate"
)
