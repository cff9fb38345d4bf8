package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Market is a binary-outcome question listed on Polymarket.
// The ledger only reads it; market sync upserts it by ExternalID.
type Market struct {
	ID         string
	ExternalID string // Polymarket condition id
	Question   string
	Slug       string
	YesTokenID string
	NoTokenID  string
	YesPrice   decimal.Decimal
	NoPrice    decimal.Decimal
	Liquidity  decimal.Decimal
	Volume     decimal.Decimal
	Active     bool
	Archived   bool
	Closed     bool
	NegRisk    bool
	EndDate    time.Time
	UpdatedAt  time.Time
}

// Tradable returns ErrMarketNotTradable when an order on m cannot be built.
// Missing token ids make the order unsignable, so this runs before signing.
func (m Market) Tradable() error {
	switch {
	case m.YesTokenID == "" || m.NoTokenID == "":
		return fmt.Errorf("%w: market %s is missing an outcome token id", ErrMarketNotTradable, m.ID)
	case m.Closed || m.Archived:
		return fmt.Errorf("%w: market %s is closed", ErrMarketNotTradable, m.ID)
	case !m.Active:
		return fmt.Errorf("%w: market %s is not active", ErrMarketNotTradable, m.ID)
	}
	return nil
}

// TokenID returns the outcome token for the given side.
func (m Market) TokenID(side TokenSide) string {
	if side == TokenNo {
		return m.NoTokenID
	}
	return m.YesTokenID
}

// Price returns the last known price of the given outcome token.
func (m Market) Price(side TokenSide) decimal.Decimal {
	if side == TokenNo {
		return m.NoPrice
	}
	return m.YesPrice
}

// SideOf maps a token id back to its outcome side.
func (m Market) SideOf(tokenID string) (TokenSide, bool) {
	switch tokenID {
	case m.YesTokenID:
		return TokenYes, true
	case m.NoTokenID:
		return TokenNo, true
	}
	return "", false
}

// TruncateQuestion devuelve la pregunta del mercado truncada a maxLen runas.
// Si la pregunta está vacía usa los primeros caracteres del id como fallback.
func TruncateQuestion(question, id string, maxLen int) string {
	q := question
	if q == "" {
		q = truncateRunes(id, 23)
	}
	return truncateRunes(q, maxLen)
}

// truncateRunes corta s a maxLen runas, terminando en "..." si hay sitio.
func truncateRunes(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
