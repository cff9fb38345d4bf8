package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const avgPricePlaces = 8

// Position is a user's net holding of one outcome token in one market.
// There is at most one row per (user, market, token); fills merge into it.
type Position struct {
	ID        string
	UserID    string
	MarketID  string
	TokenID   string
	TokenSide TokenSide
	Amount    decimal.Decimal
	AvgPrice  decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Side reports whether the position is net long (buy) or short (sell).
func (p Position) Side() Side {
	if p.Amount.IsNegative() {
		return SideSell
	}
	return SideBuy
}

// Apply merges a fill of signed size delta at price into the aggregate.
// Amount is always the plain signed sum. The average price is re-weighted
// only when exposure grows; reducing keeps it, flipping sign resets it.
func (p *Position) Apply(delta, price decimal.Decimal) {
	prev := p.Amount
	next := prev.Add(delta)

	switch {
	case delta.IsZero():
	case prev.IsZero():
		p.AvgPrice = price
	case prev.Sign() == delta.Sign():
		cost := prev.Abs().Mul(p.AvgPrice).Add(delta.Abs().Mul(price))
		p.AvgPrice = cost.Div(next.Abs()).Round(avgPricePlaces)
	case next.Sign() != 0 && next.Sign() != prev.Sign():
		p.AvgPrice = price
	}

	p.Amount = next
}

// CostBasis is |amount| × average price.
func (p Position) CostBasis() decimal.Decimal {
	return p.Amount.Abs().Mul(p.AvgPrice)
}
