package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// User is the aggregation root; every other ledger row belongs to one user.
type User struct {
	ID           string
	AuthID       string // external auth provider id
	Email        string
	DisplayName  string
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Wallet is the custodial keypair of a user. Key material is never
// rewritten; rotation means a new wallet.
type Wallet struct {
	ID           string
	UserID       string
	Address      string
	EncryptedKey []byte
	IV           []byte
	KeyVersion   string
	CreatedAt    time.Time
	LastUsedAt   *time.Time
}

// Chain identifies the network a Transfer or Balance was observed on.
type Chain string

const (
	ChainPolygon Chain = "polygon"
	ChainAmoy    Chain = "amoy"
)

// ParseChain rejects chains the indexer does not know.
func ParseChain(s string) (Chain, error) {
	switch Chain(strings.ToLower(s)) {
	case ChainPolygon:
		return ChainPolygon, nil
	case ChainAmoy:
		return ChainAmoy, nil
	}
	return "", fmt.Errorf("unknown chain %q", s)
}

// ChainID returns the EVM chain id.
func (c Chain) ChainID() int64 {
	if c == ChainAmoy {
		return 80002
	}
	return 137
}

// Transfer is an observed on-chain value movement. Append-only.
type Transfer struct {
	ID          string
	UserID      string
	TxHash      string
	LogIndex    uint
	From        string
	To          string
	Value       decimal.Decimal
	Token       string
	Chain       Chain
	BlockNumber uint64
	ChainTime   time.Time
	CreatedAt   time.Time
}

// Incoming reports whether the transfer credited address.
func (t Transfer) Incoming(address string) bool {
	return strings.EqualFold(t.To, address)
}

// Balance is the latest observed stable-asset holding per (user, chain).
// It is always replaced by observed truth, never incremented.
type Balance struct {
	UserID      string
	Chain       Chain
	Asset       string
	Amount      decimal.Decimal
	BlockNumber uint64
	UpdatedAt   time.Time
}
