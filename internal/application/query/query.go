// Package query serves read-only views of a user's ledger.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/shopspring/decimal"
)

const defaultHistoryLimit = 50

// Store is the slice of the ledger the façade reads.
type Store interface {
	GetMarket(ctx context.Context, id string) (domain.Market, error)
	GetWalletByUser(ctx context.Context, userID string) (domain.Wallet, error)
	GetOrder(ctx context.Context, id string) (domain.Order, error)
	ListUserOrders(ctx context.Context, userID string, f ports.HistoryFilter) ([]domain.Order, error)
	ListPositions(ctx context.Context, userID string) ([]domain.Position, error)
	ListFills(ctx context.Context, orderID string) ([]domain.Fill, error)
	ListBalances(ctx context.Context, userID string) ([]domain.Balance, error)
	ListTransfers(ctx context.Context, userID string, limit int) ([]domain.Transfer, error)
}

// PositionView is a position with its market's context.
type PositionView struct {
	domain.Position
	Question  string
	LastPrice decimal.Decimal
}

// MarketValue is |amount| × the last known price of the token.
func (v PositionView) MarketValue() decimal.Decimal {
	return v.Amount.Abs().Mul(v.LastPrice)
}

// UnrealizedPnL is the mark-to-market gain of the position.
func (v PositionView) UnrealizedPnL() decimal.Decimal {
	if v.Amount.IsNegative() {
		return v.CostBasis().Sub(v.MarketValue())
	}
	return v.MarketValue().Sub(v.CostBasis())
}

// OrderView is an order and the fills applied to it.
type OrderView struct {
	domain.Order
	Fills []domain.Fill
}

// Overview groups everything the presentation layer shows for a user.
type Overview struct {
	UserID        string
	WalletAddress string
	Positions     []PositionView
	OpenOrders    []domain.Order
	RecentOrders  []domain.Order
	Balances      []domain.Balance
	Transfers     []domain.Transfer
}

// Service is the read façade.
type Service struct {
	store Store
}

// New creates a query Service.
func New(store Store) *Service {
	return &Service{store: store}
}

// OpenPositions returns the user's non-zero positions.
func (s *Service) OpenPositions(ctx context.Context, userID string) ([]PositionView, error) {
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("query.OpenPositions: %w", err)
	}

	markets := make(map[string]domain.Market)
	views := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		if p.Amount.IsZero() {
			continue
		}
		m, ok := markets[p.MarketID]
		if !ok {
			m, err = s.store.GetMarket(ctx, p.MarketID)
			if err != nil && !errors.Is(err, domain.ErrMarketNotFound) {
				return nil, fmt.Errorf("query.OpenPositions: %w", err)
			}
			markets[p.MarketID] = m
		}
		views = append(views, PositionView{
			Position:  p,
			Question:  domain.TruncateQuestion(m.Question, m.ExternalID, 60),
			LastPrice: m.Price(p.TokenSide),
		})
	}
	return views, nil
}

// OrderHistory returns the user's orders, newest first.
func (s *Service) OrderHistory(ctx context.Context, userID string, f ports.HistoryFilter) ([]domain.Order, error) {
	if f.Limit <= 0 {
		f.Limit = defaultHistoryLimit
	}
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, fmt.Errorf("query.OrderHistory: %w: status %q", domain.ErrInvalidStatus, st)
		}
	}
	orders, err := s.store.ListUserOrders(ctx, userID, f)
	if err != nil {
		return nil, fmt.Errorf("query.OrderHistory: %w", err)
	}
	return orders, nil
}

// BalanceSnapshot returns one balance per chain the user was observed on.
func (s *Service) BalanceSnapshot(ctx context.Context, userID string) ([]domain.Balance, error) {
	balances, err := s.store.ListBalances(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("query.BalanceSnapshot: %w", err)
	}
	return balances, nil
}

// GetOrder returns one of the user's orders with its fills. Orders of
// other users are reported as not found.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (OrderView, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return OrderView{}, fmt.Errorf("query.GetOrder: %w", err)
	}
	if o.UserID != userID {
		return OrderView{}, fmt.Errorf("query.GetOrder: %w: %s", domain.ErrOrderNotFound, orderID)
	}
	fills, err := s.store.ListFills(ctx, o.ID)
	if err != nil {
		return OrderView{}, fmt.Errorf("query.GetOrder: %w", err)
	}
	return OrderView{Order: o, Fills: fills}, nil
}

// Overview collects positions, orders, balances and recent transfers.
func (s *Service) Overview(ctx context.Context, userID string) (Overview, error) {
	out := Overview{UserID: userID}

	w, err := s.store.GetWalletByUser(ctx, userID)
	switch {
	case err == nil:
		out.WalletAddress = w.Address
	case !errors.Is(err, domain.ErrKeyNotFound):
		return Overview{}, fmt.Errorf("query.Overview: %w", err)
	}

	if out.Positions, err = s.OpenPositions(ctx, userID); err != nil {
		return Overview{}, err
	}
	if out.OpenOrders, err = s.OrderHistory(ctx, userID, ports.HistoryFilter{Statuses: domain.ActiveStatuses}); err != nil {
		return Overview{}, err
	}
	if out.RecentOrders, err = s.OrderHistory(ctx, userID, ports.HistoryFilter{Limit: 20}); err != nil {
		return Overview{}, err
	}
	if out.Balances, err = s.BalanceSnapshot(ctx, userID); err != nil {
		return Overview{}, err
	}
	if out.Transfers, err = s.store.ListTransfers(ctx, userID, 20); err != nil {
		return Overview{}, fmt.Errorf("query.Overview: %w", err)
	}
	return out, nil
}
