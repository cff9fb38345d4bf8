package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polyledger/internal/application/query"
	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 16

type submitRequest struct {
	MarketID   string           `json:"market_id"`
	Outcome    string           `json:"outcome"` // yes | no
	Side       string           `json:"side"`    // buy | sell
	Amount     decimal.Decimal  `json:"amount"`
	LimitPrice *decimal.Decimal `json:"limit_price,omitempty"`
}

type order struct {
	ID              string          `json:"id"`
	MarketID        string          `json:"market_id"`
	TokenID         string          `json:"token_id"`
	Outcome         string          `json:"outcome"`
	Side            string          `json:"side"`
	Type            string          `json:"type"`
	Amount          decimal.Decimal `json:"amount"`
	Price           decimal.Decimal `json:"price"`
	TotalCost       decimal.Decimal `json:"total_cost"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`
	Status          string          `json:"status"`
	Reason          string          `json:"reason,omitempty"`
	OrderHash       string          `json:"order_hash,omitempty"`
	TransactionHash string          `json:"transaction_hash,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ResolvedAt      *time.Time      `json:"resolved_at,omitempty"`
	Fills           []fill          `json:"fills,omitempty"`
}

type fill struct {
	TradeID   string          `json:"trade_id"`
	Amount    decimal.Decimal `json:"amount"`
	Price     decimal.Decimal `json:"price"`
	MatchedAt time.Time       `json:"matched_at"`
}

type position struct {
	MarketID      string          `json:"market_id"`
	Question      string          `json:"question"`
	TokenID       string          `json:"token_id"`
	Outcome       string          `json:"outcome"`
	Side          string          `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	LastPrice     decimal.Decimal `json:"last_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

type balance struct {
	Chain       string          `json:"chain"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
	BlockNumber uint64          `json:"block_number"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

type transfer struct {
	TxHash      string          `json:"tx_hash"`
	From        string          `json:"from"`
	To          string          `json:"to"`
	Value       decimal.Decimal `json:"value"`
	Token       string          `json:"token"`
	Chain       string          `json:"chain"`
	BlockNumber uint64          `json:"block_number"`
	ChainTime   time.Time       `json:"chain_time"`
}

type overview struct {
	WalletAddress string     `json:"wallet_address,omitempty"`
	Positions     []position `json:"positions"`
	OpenOrders    []order    `json:"open_orders"`
	RecentOrders  []order    `json:"recent_orders"`
	Balances      []balance  `json:"balances"`
	Transfers     []transfer `json:"transfers"`
}

func toOrder(o domain.Order) order {
	return order{
		ID:              o.ID,
		MarketID:        o.MarketID,
		TokenID:         o.TokenID,
		Outcome:         string(o.TokenSide),
		Side:            string(o.Side),
		Type:            string(o.Type),
		Amount:          o.Amount,
		Price:           o.Price,
		TotalCost:       o.TotalCost,
		FilledAmount:    o.FilledAmount,
		Status:          string(o.Status),
		Reason:          o.Reason,
		OrderHash:       o.OrderHash,
		TransactionHash: o.TransactionHash,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		ResolvedAt:      o.ResolvedAt,
	}
}

func toOrders(in []domain.Order) []order {
	out := make([]order, 0, len(in))
	for _, o := range in {
		out = append(out, toOrder(o))
	}
	return out
}

func toPositions(in []query.PositionView) []position {
	out := make([]position, 0, len(in))
	for _, v := range in {
		out = append(out, position{
			MarketID:      v.MarketID,
			Question:      v.Question,
			TokenID:       v.TokenID,
			Outcome:       string(v.TokenSide),
			Side:          string(v.Side()),
			Amount:        v.Amount,
			AvgPrice:      v.AvgPrice,
			LastPrice:     v.LastPrice,
			MarketValue:   v.MarketValue(),
			UnrealizedPnL: v.UnrealizedPnL(),
		})
	}
	return out
}

func toBalances(in []domain.Balance) []balance {
	out := make([]balance, 0, len(in))
	for _, b := range in {
		out = append(out, balance{
			Chain:       string(b.Chain),
			Asset:       b.Asset,
			Amount:      b.Amount,
			BlockNumber: b.BlockNumber,
			UpdatedAt:   b.UpdatedAt,
		})
	}
	return out
}

func toTransfers(in []domain.Transfer) []transfer {
	out := make([]transfer, 0, len(in))
	for _, t := range in {
		out = append(out, transfer{
			TxHash:      t.TxHash,
			From:        t.From,
			To:          t.To,
			Value:       t.Value,
			Token:       t.Token,
			Chain:       string(t.Chain),
			BlockNumber: t.BlockNumber,
			ChainTime:   t.ChainTime,
		})
	}
	return out
}

// POST /api/v1/orders
func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		badRequest(w, "malformed request body: "+err.Error())
		return
	}

	req, err := body.toDomain()
	if err != nil {
		writeError(w, r, err)
		return
	}

	userID, session := userFrom(r)
	o, err := s.orders.SubmitOrder(r.Context(), session, userID, req)
	if err != nil {
		// rejected orders carry their terminal row
		if o.ID != "" {
			dto := toOrder(o)
			writeErrorWithOrder(w, r, err, &dto)
			return
		}
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if o.Status == domain.StatusSubmitted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, toOrder(o))
}

func (b submitRequest) toDomain() (domain.OrderRequest, error) {
	side, err := domain.ParseSide(b.Side)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	outcome, err := domain.ParseTokenSide(b.Outcome)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	return domain.OrderRequest{
		MarketID:   b.MarketID,
		TokenSide:  outcome,
		Side:       side,
		Amount:     b.Amount,
		LimitPrice: b.LimitPrice,
	}, nil
}

// POST /api/v1/orders/{orderID}/cancel
func (s *Server) cancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, session := userFrom(r)
	res, err := s.orders.CancelOrder(r.Context(), session, userID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Cancelled bool  `json:"cancelled"`
		Order     order `json:"order"`
	}{res.Cancelled, toOrder(res.Order)})
}

// GET /api/v1/orders?status=pending,signed&limit=20
func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	var f ports.HistoryFilter
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, domain.OrderStatus(strings.TrimSpace(st)))
		}
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			badRequest(w, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	userID, _ := userFrom(r)
	orders, err := s.queries.OrderHistory(r.Context(), userID, f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrders(orders))
}

// GET /api/v1/orders/{orderID}
func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFrom(r)
	view, err := s.queries.GetOrder(r.Context(), userID, chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	dto := toOrder(view.Order)
	for _, f := range view.Fills {
		dto.Fills = append(dto.Fills, fill{TradeID: f.TradeID, Amount: f.Amount, Price: f.Price, MatchedAt: f.MatchedAt})
	}
	writeJSON(w, http.StatusOK, dto)
}

// GET /api/v1/positions
func (s *Server) positions(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFrom(r)
	views, err := s.queries.OpenPositions(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPositions(views))
}

// GET /api/v1/balances
func (s *Server) balances(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFrom(r)
	bs, err := s.queries.BalanceSnapshot(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalances(bs))
}

// GET /api/v1/overview
func (s *Server) overview(w http.ResponseWriter, r *http.Request) {
	userID, _ := userFrom(r)
	ov, err := s.queries.Overview(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, overview{
		WalletAddress: ov.WalletAddress,
		Positions:     toPositions(ov.Positions),
		OpenOrders:    toOrders(ov.OpenOrders),
		RecentOrders:  toOrders(ov.RecentOrders),
		Balances:      toBalances(ov.Balances),
		Transfers:     toTransfers(ov.Transfers),
	})
}
