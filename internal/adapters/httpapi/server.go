// Package httpapi exposes the order pipeline and the ledger queries to the
// presentation layer over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/alejandrodnm/polyledger/internal/application/pipeline"
	"github.com/alejandrodnm/polyledger/internal/application/query"
	"github.com/alejandrodnm/polyledger/internal/auth"
	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/metrics"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Orders is the write side used by the API.
type Orders interface {
	SubmitOrder(ctx context.Context, session, userID string, req domain.OrderRequest) (domain.Order, error)
	CancelOrder(ctx context.Context, session, userID, orderID string) (pipeline.CancelResult, error)
}

// Queries is the read side used by the API.
type Queries interface {
	OpenPositions(ctx context.Context, userID string) ([]query.PositionView, error)
	OrderHistory(ctx context.Context, userID string, f ports.HistoryFilter) ([]domain.Order, error)
	BalanceSnapshot(ctx context.Context, userID string) ([]domain.Balance, error)
	GetOrder(ctx context.Context, userID, orderID string) (query.OrderView, error)
	Overview(ctx context.Context, userID string) (query.Overview, error)
}

// TokenParser validates bearer tokens.
type TokenParser interface {
	Parse(token string) (*auth.Claims, error)
}

// Server holds the HTTP handlers.
type Server struct {
	orders  Orders
	queries Queries
	tokens  TokenParser
	timeout time.Duration
}

// New creates the API server. timeout bounds every request.
func New(orders Orders, queries Queries, tokens TokenParser, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Server{orders: orders, queries: queries, tokens: tokens, timeout: timeout}
}

// Router builds the chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(metrics.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/orders", s.submitOrder)
		r.Get("/orders", s.listOrders)
		r.Get("/orders/{orderID}", s.getOrder)
		r.Post("/orders/{orderID}/cancel", s.cancelOrder)

		r.Get("/positions", s.positions)
		r.Get("/balances", s.balances)
		r.Get("/overview", s.overview)
	})
	return r
}

type ctxKey int

const (
	userKey ctxKey = iota
	sessionKey
)

// authenticate requires a valid bearer token and puts its subject and the
// raw token in the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := auth.ExtractBearer(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, r, domain.ErrUnauthorized)
			return
		}
		claims, err := s.tokens.Parse(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		ctx := context.WithValue(r.Context(), userKey, claims.Subject)
		ctx = context.WithValue(ctx, sessionKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFrom(r *http.Request) (userID, session string) {
	userID, _ = r.Context().Value(userKey).(string)
	session, _ = r.Context().Value(sessionKey).(string)
	return userID, session
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
	Order *order `json:"order,omitempty"`
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusUnprocessableEntity
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindTransient:
		return http.StatusServiceUnavailable
	case domain.KindRejection:
		return http.StatusUnprocessableEntity
	case domain.KindConsistency:
		return http.StatusConflict
	case domain.KindAuth:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeErrorWithOrder(w, r, err, nil)
}

// writeErrorWithOrder reports err; internal errors are logged and hidden.
func writeErrorWithOrder(w http.ResponseWriter, r *http.Request, err error, o *order) {
	status := statusFor(err)
	kind := domain.KindOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("httpapi: internal error",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg, Kind: kind.String(), Order: o})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: encode response", "error", err)
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Kind: domain.KindValidation.String()})
}
