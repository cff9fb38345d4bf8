// Package pipeline turns a user's trade intent into a signed exchange order
// and walks it through the local order state machine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/metrics"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/shopspring/decimal"
)

const (
	defaultSigningTimeout = 30 * time.Second
	defaultSubmitTimeout  = 10 * time.Second
	defaultSubmitRetries  = 3
	defaultRetryBase      = 500 * time.Millisecond

	// ReasonUnconfirmed marks an order whose submission outcome is unknown.
	ReasonUnconfirmed = "submission unconfirmed"
	reasonUserCancel  = "cancelled by user"
)

// Config holds the pipeline's timeouts and retry policy.
type Config struct {
	SigningTimeout time.Duration
	SubmitTimeout  time.Duration
	SubmitRetries  int
	RetryBase      time.Duration
	DedupWindow    time.Duration
	BalanceChain   domain.Chain
	ExchangeType   string // GTC | FOK
}

// Store is the slice of the ledger the pipeline writes to.
type Store interface {
	ports.MarketStore
	ports.OrderStore
	GetBalance(ctx context.Context, userID string, chain domain.Chain) (domain.Balance, error)
}

// CancelResult is the outcome of a cancel request. Cancelled is false when
// the order had already reached another terminal state; Order then holds it.
type CancelResult struct {
	Order     domain.Order
	Cancelled bool
}

// Pipeline sequences validation, signing and exchange submission.
type Pipeline struct {
	store    Store
	signer   ports.OrderSigner
	exchange ports.Exchange
	sessions ports.SessionValidator
	cfg      Config
	now      func() time.Time
}

// New creates a Pipeline. Zero config values take the package defaults.
func New(store Store, signer ports.OrderSigner, exchange ports.Exchange, sessions ports.SessionValidator, cfg Config) *Pipeline {
	if cfg.SigningTimeout <= 0 {
		cfg.SigningTimeout = defaultSigningTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	if cfg.SubmitRetries <= 0 {
		cfg.SubmitRetries = defaultSubmitRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.BalanceChain == "" {
		cfg.BalanceChain = domain.ChainPolygon
	}
	if cfg.ExchangeType == "" {
		cfg.ExchangeType = "GTC"
	}
	return &Pipeline{
		store:    store,
		signer:   signer,
		exchange: exchange,
		sessions: sessions,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source. Tests only.
func (p *Pipeline) SetClock(now func() time.Time) {
	p.now = now
}

// SubmitOrder validates req, records it as a pending order and drives it
// through signing and submission. It returns the order row as it stands
// when the call ends, which may be non-terminal.
//
// Validation failures return no order. Signing and exchange rejections
// return the terminal order together with the wrapped error.
func (p *Pipeline) SubmitOrder(ctx context.Context, session, userID string, req domain.OrderRequest) (domain.Order, error) {
	start := time.Now()
	defer metrics.Since(metrics.SubmitLatency, start)

	order, market, err := p.prepare(ctx, userID, req)
	if err != nil {
		return domain.Order{}, fmt.Errorf("pipeline.SubmitOrder: %w", err)
	}

	var dedupSince time.Time
	if p.cfg.DedupWindow > 0 {
		dedupSince = p.now().Add(-p.cfg.DedupWindow)
	}
	order, created, err := p.store.CreateOrder(ctx, order, dedupSince)
	if err != nil {
		return domain.Order{}, fmt.Errorf("pipeline.SubmitOrder: create: %w", err)
	}
	if !created {
		metrics.OrdersDeduplicated.Inc()
		slog.Info("pipeline: duplicate intent, returning existing order",
			"order", order.ID,
			"status", order.Status,
			"user", userID,
		)
		return order, nil
	}

	slog.Info("pipeline: order created",
		"order", order.ID,
		"user", userID,
		"market", market.ID,
		"side", order.Side,
		"token", order.TokenSide,
		"amount", order.Amount.String(),
		"price", order.Price.String(),
	)

	order, signed, err := p.sign(ctx, session, order, market)
	if err != nil || order.Status != domain.StatusSigned {
		metrics.OrdersSubmitted.WithLabelValues(string(order.Status)).Inc()
		return order, err
	}

	order, err = p.submit(ctx, order, signed)
	metrics.OrdersSubmitted.WithLabelValues(string(order.Status)).Inc()
	return order, err
}

// prepare runs the local checks and builds the pending order row.
func (p *Pipeline) prepare(ctx context.Context, userID string, req domain.OrderRequest) (domain.Order, domain.Market, error) {
	if err := req.Validate(); err != nil {
		return domain.Order{}, domain.Market{}, err
	}
	market, err := p.store.GetMarket(ctx, req.MarketID)
	if err != nil {
		return domain.Order{}, domain.Market{}, err
	}
	if err := market.Tradable(); err != nil {
		return domain.Order{}, domain.Market{}, err
	}

	price, orderType := domain.MarketablePrice(market.Price(req.TokenSide), req.Side), domain.OrderTypeMarket
	if req.LimitPrice != nil {
		price, orderType = *req.LimitPrice, domain.OrderTypeLimit
	}
	if err := domain.ValidatePrice(price); err != nil {
		return domain.Order{}, domain.Market{}, err
	}

	tokenID := market.TokenID(req.TokenSide)
	intent := domain.IntentKey(userID, market.ID, tokenID, req.Side, req.Amount, price)
	cost := req.Amount.Mul(price)

	if req.Side == domain.SideBuy {
		if err := p.checkBalance(ctx, userID, intent, cost); err != nil {
			return domain.Order{}, domain.Market{}, err
		}
	}

	return domain.Order{
		UserID:    userID,
		MarketID:  market.ID,
		TokenID:   tokenID,
		TokenSide: req.TokenSide,
		Side:      req.Side,
		Type:      orderType,
		Amount:    req.Amount,
		Price:     price,
		TotalCost: cost,
		IntentKey: intent,
	}, market, nil
}

// checkBalance is advisory: the exchange is the final arbiter of funds.
func (p *Pipeline) checkBalance(ctx context.Context, userID, intent string, cost decimal.Decimal) error {
	bal, err := p.store.GetBalance(ctx, userID, p.cfg.BalanceChain)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	reserved, err := p.store.ReservedBuyCost(ctx, userID, intent)
	if err != nil {
		return fmt.Errorf("reserved: %w", err)
	}
	available := bal.Amount.Sub(reserved)
	if cost.GreaterThan(available) {
		return fmt.Errorf("%w: need %s, available %s (balance %s, reserved %s)",
			domain.ErrInsufficientBalance, cost, available, bal.Amount, reserved)
	}
	return nil
}

// sign asks the custodial signer for a signature within the signing timeout
// and records pending→signed. A declined confirmation cancels the order;
// any other failure fails it.
//
// Once the signer has answered, the outcome is recorded even if the caller
// has gone away.
func (p *Pipeline) sign(ctx context.Context, session string, o domain.Order, m domain.Market) (domain.Order, domain.SignedOrder, error) {
	sctx, cancel := context.WithTimeout(ctx, p.cfg.SigningTimeout)
	defer cancel()
	rctx := context.WithoutCancel(ctx)

	signed, err := p.signer.DecryptAndSign(sctx, session, o.UserID, domain.OrderPayload{
		TokenID: o.TokenID,
		Side:    o.Side,
		Amount:  o.Amount,
		Price:   o.Price,
		NegRisk: m.NegRisk,
	})
	if err != nil {
		to := domain.StatusFailed
		if errors.Is(err, domain.ErrSigningRejected) {
			to = domain.StatusCancelled
		}
		if sctx.Err() != nil && !errors.Is(err, domain.ErrTransient) {
			err = fmt.Errorf("%w: signing timed out after %s: %v", domain.ErrTransient, p.cfg.SigningTimeout, err)
		}
		slog.Warn("pipeline: signing failed",
			"order", o.ID,
			"user", o.UserID,
			"kind", domain.KindOf(err),
			"error", err,
		)
		next, terr := p.transition(rctx, o, to, ports.OrderUpdate{Reason: "signing: " + err.Error()})
		if terr != nil && !errors.Is(terr, domain.ErrStaleTransition) {
			return next, domain.SignedOrder{}, fmt.Errorf("pipeline.SubmitOrder: %w", terr)
		}
		return next, domain.SignedOrder{}, fmt.Errorf("pipeline.SubmitOrder: sign: %w", err)
	}

	next, err := p.transition(rctx, o, domain.StatusSigned, ports.OrderUpdate{
		OrderHash: signed.Hash,
		Signature: signed.Signature,
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		return next, domain.SignedOrder{}, nil
	}
	if err != nil {
		return next, domain.SignedOrder{}, fmt.Errorf("pipeline.SubmitOrder: %w", err)
	}
	return next, signed, nil
}

// submit posts the signed order. Transient errors are retried while the
// order is still signed. Once retries run out the exchange may or may not
// hold the order, so it is recorded as submitted and left to reconciliation.
func (p *Pipeline) submit(ctx context.Context, o domain.Order, signed domain.SignedOrder) (domain.Order, error) {
	req := domain.SubmitRequest{
		Order:          signed,
		OrderType:      p.cfg.ExchangeType,
		IdempotencyKey: o.IntentKey,
	}

	var lastErr error
	for attempt := 0; attempt < p.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			if err := p.backoff(ctx, attempt); err != nil {
				lastErr = err
				break
			}
			current, err := p.store.GetOrder(ctx, o.ID)
			if err != nil {
				return o, fmt.Errorf("pipeline.SubmitOrder: reload: %w", err)
			}
			if current.Status != domain.StatusSigned {
				slog.Info("pipeline: order moved during submission retries", "order", o.ID, "status", current.Status)
				return current, nil
			}
		}

		actx, cancel := context.WithTimeout(ctx, p.cfg.SubmitTimeout)
		res, err := p.exchange.SubmitOrder(actx, req)
		cancel()

		switch {
		case err == nil:
			metrics.SubmitAttempts.WithLabelValues("ok").Inc()
			return p.accepted(ctx, o, res)
		case errors.Is(err, domain.ErrOrderRejected):
			metrics.SubmitAttempts.WithLabelValues("rejected").Inc()
			slog.Warn("pipeline: exchange rejected order", "order", o.ID, "error", err)
			next, terr := p.transition(context.WithoutCancel(ctx), o, domain.StatusFailed, ports.OrderUpdate{Reason: err.Error()})
			if terr != nil && !errors.Is(terr, domain.ErrStaleTransition) {
				return next, fmt.Errorf("pipeline.SubmitOrder: %w", terr)
			}
			return next, fmt.Errorf("pipeline.SubmitOrder: %w", err)
		default:
			metrics.SubmitAttempts.WithLabelValues("transient").Inc()
			lastErr = err
			slog.Warn("pipeline: submission attempt failed",
				"order", o.ID,
				"attempt", attempt+1,
				"max", p.cfg.SubmitRetries,
				"error", err,
			)
		}
	}

	slog.Warn("pipeline: submission outcome unknown, handing over to reconciliation",
		"order", o.ID,
		"hash", o.OrderHash,
		"error", lastErr,
	)
	next, err := p.transition(context.WithoutCancel(ctx), o, domain.StatusSubmitted, ports.OrderUpdate{Reason: ReasonUnconfirmed})
	if err != nil && !errors.Is(err, domain.ErrStaleTransition) {
		return next, fmt.Errorf("pipeline.SubmitOrder: %w", err)
	}
	return next, nil
}

// accepted records the exchange's synchronous answer. The exchange already
// holds the order, so the caller's cancellation no longer applies.
func (p *Pipeline) accepted(ctx context.Context, o domain.Order, res domain.SubmitResult) (domain.Order, error) {
	ctx = context.WithoutCancel(ctx)
	if res.OrderHash != "" && o.OrderHash != "" && res.OrderHash != o.OrderHash {
		slog.Warn("pipeline: exchange order hash differs from signed hash",
			"order", o.ID,
			"local", o.OrderHash,
			"exchange", res.OrderHash,
		)
	}
	next, err := p.transition(ctx, o, domain.StatusSubmitted, ports.OrderUpdate{
		OrderHash:       res.OrderHash,
		TransactionHash: res.TransactionHash,
	})
	if errors.Is(err, domain.ErrStaleTransition) {
		if next.Status == domain.StatusCancelled {
			p.withdrawLive(ctx, next, res.OrderHash)
		}
		return next, nil
	}
	if err != nil {
		return next, fmt.Errorf("pipeline.SubmitOrder: %w", err)
	}

	switch {
	case res.Status.Acknowledged():
		next, err = p.transition(ctx, next, domain.StatusConfirmed, ports.OrderUpdate{})
	case res.Status.Dead():
		next, err = p.transition(ctx, next, domain.StatusFailed, ports.OrderUpdate{
			Reason: "exchange reported order " + string(res.Status),
		})
	}
	if err != nil && !errors.Is(err, domain.ErrStaleTransition) {
		return next, fmt.Errorf("pipeline.SubmitOrder: %w", err)
	}
	return next, nil
}

// withdrawLive cancels at the exchange an order the user cancelled locally
// while its submission was in flight.
func (p *Pipeline) withdrawLive(ctx context.Context, o domain.Order, hash string) {
	if hash == "" {
		hash = o.OrderHash
	}
	if hash == "" {
		return
	}
	err := p.exchange.CancelOrder(ctx, hash)
	switch {
	case err == nil:
		slog.Info("pipeline: order cancelled during submission withdrawn from exchange",
			"order", o.ID,
			"hash", hash,
		)
	case errors.Is(err, domain.ErrNotCancellable):
		slog.Error("pipeline: order cancelled locally already matched at exchange, position will diverge",
			"order", o.ID,
			"hash", hash,
			"error", err,
		)
	default:
		slog.Error("pipeline: could not withdraw cancelled order from exchange",
			"order", o.ID,
			"hash", hash,
			"error", err,
		)
	}
}

// CancelOrder withdraws one of the user's orders. Orders that may be at the
// exchange (submitted, or signed with a known hash) are cancelled there
// first. An order that already reached another terminal state is returned
// with Cancelled=false and no error.
func (p *Pipeline) CancelOrder(ctx context.Context, session, userID, orderID string) (CancelResult, error) {
	if p.sessions != nil {
		if err := p.sessions.ValidateSession(ctx, session, userID); err != nil {
			return CancelResult{}, fmt.Errorf("pipeline.CancelOrder: %w", err)
		}
	}

	// A lost CAS against a non-terminal status (e.g. signed→submitted)
	// means the exchange side may have changed; start over.
	const maxAttempts = 3
	for attempt := 0; attempt < maxAttempts; attempt++ {
		o, err := p.store.GetOrder(ctx, orderID)
		if err != nil {
			return CancelResult{}, fmt.Errorf("pipeline.CancelOrder: %w", err)
		}
		if o.UserID != userID {
			return CancelResult{}, fmt.Errorf("pipeline.CancelOrder: %w: %s", domain.ErrOrderNotFound, orderID)
		}
		if o.Status.Terminal() {
			return CancelResult{Order: o}, nil
		}

		if (o.Status.AtExchange() || o.Status == domain.StatusSigned) && o.OrderHash != "" {
			err := p.exchange.CancelOrder(ctx, o.OrderHash)
			switch {
			case errors.Is(err, domain.ErrNotCancellable):
				slog.Info("pipeline: exchange refused cancel, order already matched",
					"order", o.ID,
					"error", err,
				)
				return CancelResult{Order: o}, nil
			case err != nil:
				return CancelResult{Order: o}, fmt.Errorf("pipeline.CancelOrder: exchange: %w", err)
			}
		}

		next, err := p.transition(ctx, o, domain.StatusCancelled, ports.OrderUpdate{Reason: reasonUserCancel})
		switch {
		case err == nil:
			slog.Info("pipeline: order cancelled", "order", o.ID, "from", o.Status)
			return CancelResult{Order: next, Cancelled: true}, nil
		case !errors.Is(err, domain.ErrStaleTransition):
			return CancelResult{Order: o}, fmt.Errorf("pipeline.CancelOrder: %w", err)
		case next.Status.Terminal():
			return CancelResult{Order: next}, nil
		}
	}
	o, err := p.store.GetOrder(ctx, orderID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("pipeline.CancelOrder: %w", err)
	}
	return CancelResult{Order: o}, nil
}

// transition is a CAS from o.Status to `to`. On ErrStaleTransition the
// returned order is the current row.
func (p *Pipeline) transition(ctx context.Context, o domain.Order, to domain.OrderStatus, upd ports.OrderUpdate) (domain.Order, error) {
	upd.At = p.now()
	next, err := p.store.TransitionOrder(ctx, o.ID, o.Status, to, upd)
	if errors.Is(err, domain.ErrStaleTransition) {
		metrics.StaleTransitions.Inc()
		slog.Info("pipeline: order changed concurrently",
			"order", o.ID,
			"expected", o.Status,
			"wanted", to,
			"actual", next.Status,
		)
		return next, err
	}
	if err != nil {
		return o, fmt.Errorf("transition %s->%s: %w", o.Status, to, err)
	}
	metrics.OrderTransitions.WithLabelValues(string(o.Status), string(to)).Inc()
	return next, nil
}

func (p *Pipeline) backoff(ctx context.Context, attempt int) error {
	wait := p.cfg.RetryBase << (attempt - 1)
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrTransient, ctx.Err())
	}
}
