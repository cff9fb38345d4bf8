package polymarket

// trading.go: envío, consulta y cancelación de órdenes en el CLOB.
//
// Implementa ports.Exchange. El envío nunca se reintenta aquí: si la red
// falla no sabemos si el CLOB recibió la orden, y esa ambigüedad la resuelve
// la reconciliación consultando por hash, no un segundo POST.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/ports"
)

const idempotencyHeader = "Idempotency-Key"

var _ ports.Exchange = (*Client)(nil)

// SubmitOrder posts a signed order once.
func (c *Client) SubmitOrder(ctx context.Context, sr domain.SubmitRequest) (domain.SubmitResult, error) {
	orderType := sr.OrderType
	if orderType == "" {
		orderType = "GTC"
	}
	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(sr.Order.Salt),
			Maker:         sr.Order.Maker,
			Signer:        sr.Order.Signer,
			Taker:         sr.Order.Taker,
			TokenID:       sr.Order.TokenID,
			MakerAmount:   sr.Order.MakerAmount,
			TakerAmount:   sr.Order.TakerAmount,
			Expiration:    sr.Order.Expiration,
			Nonce:         sr.Order.Nonce,
			FeeRateBps:    sr.Order.FeeRateBps,
			Side:          sr.Order.Side,
			SignatureType: sr.Order.SignatureType,
			Signature:     sr.Order.Signature,
		},
		Owner:     c.creds.APIKey,
		OrderType: orderType,
	}

	var resp clobOrderResponse
	err := c.sendL2Once(ctx, c.orderLimiter, http.MethodPost, "/order", body, &resp,
		map[string]string{idempotencyHeader: sr.IdempotencyKey})
	if err != nil {
		var se *statusError
		if errors.As(err, &se) {
			reason := resp.ErrorMsg
			if reason == "" {
				reason = se.Body
			}
			return domain.SubmitResult{}, fmt.Errorf("polymarket.SubmitOrder: %w: %s", domain.ErrOrderRejected, reason)
		}
		return domain.SubmitResult{}, fmt.Errorf("polymarket.SubmitOrder: %w", err)
	}
	if !resp.Success || resp.ErrorMsg != "" {
		return domain.SubmitResult{}, fmt.Errorf("polymarket.SubmitOrder: %w: %s", domain.ErrOrderRejected, resp.ErrorMsg)
	}

	result := domain.SubmitResult{
		OrderHash: resp.OrderID,
		Status:    mapExchangeStatus(resp.Status),
	}
	if result.OrderHash == "" {
		result.OrderHash = sr.Order.Hash
	}
	if len(resp.TransactionsHashes) > 0 {
		result.TransactionHash = resp.TransactionsHashes[0]
	}
	return result, nil
}

// GetOrder returns the exchange status of an order and every trade it
// took part in. An order the CLOB does not know has status ExchangeUnknown.
func (c *Client) GetOrder(ctx context.Context, orderHash string) (domain.ExchangeOrder, error) {
	var raw clobOpenOrder
	err := c.getL2(ctx, "/data/order/"+url.PathEscape(orderHash), &raw)
	switch {
	case isStatus(err, http.StatusNotFound) || (err == nil && raw.ID == ""):
		return domain.ExchangeOrder{OrderHash: orderHash, Status: domain.ExchangeUnknown}, nil
	case err != nil:
		return domain.ExchangeOrder{}, fmt.Errorf("polymarket.GetOrder %s: %w", orderHash, err)
	}

	out := domain.ExchangeOrder{
		OrderHash: orderHash,
		Status:    mapExchangeStatus(raw.Status),
	}
	if out.Status.Dead() {
		out.Reason = "exchange reported order " + strings.ToLower(raw.Status)
	}

	for _, tradeID := range raw.AssociateTrades {
		trade, err := c.fetchTrade(ctx, tradeID)
		if err != nil {
			return domain.ExchangeOrder{}, fmt.Errorf("polymarket.GetOrder %s: %w", orderHash, err)
		}
		if fill, ok := fillFromTrade(orderHash, trade); ok {
			out.Fills = append(out.Fills, fill)
		}
	}
	return out, nil
}

// CancelOrder withdraws an order. Only an order the CLOB reports as already
// matched wraps domain.ErrNotCancellable. An order the CLOB does not know
// (404, or not found / already canceled in not_canceled) is gone there and
// returns nil. Credential faults and other refusals are plain errors.
func (c *Client) CancelOrder(ctx context.Context, orderHash string) error {
	var resp clobCancelResponse
	err := c.sendL2Once(ctx, c.orderLimiter, http.MethodDelete, "/order", clobCancelRequest{OrderID: orderHash}, &resp, nil)
	var se *statusError
	switch {
	case err == nil:
	case !errors.As(err, &se):
		return fmt.Errorf("polymarket.CancelOrder %s: %w", orderHash, err)
	case se.Code == http.StatusNotFound:
		slog.Info("polymarket: cancel of order unknown to the CLOB", "hash", orderHash)
		return nil
	case se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden:
		return fmt.Errorf("polymarket.CancelOrder %s: credentials refused: %w", orderHash, err)
	default:
		return cancelRefusal(orderHash, se.Body)
	}

	if reason, ok := resp.NotCanceled[orderHash]; ok {
		return cancelRefusal(orderHash, reason)
	}
	return nil
}

// cancelRefusal classifies the CLOB's reason for not cancelling an order.
func cancelRefusal(orderHash, reason string) error {
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "matched"):
		return fmt.Errorf("polymarket.CancelOrder %s: %w: %s", orderHash, domain.ErrNotCancellable, reason)
	case strings.Contains(lower, "not found"), strings.Contains(lower, "already canceled"), strings.Contains(lower, "already cancelled"):
		slog.Info("polymarket: cancel of order no longer at the CLOB", "hash", orderHash, "reason", reason)
		return nil
	}
	return fmt.Errorf("polymarket.CancelOrder %s: refused: %s", orderHash, reason)
}

// mapExchangeStatus normalizes CLOB statuses (LIVE, MATCHED, CANCELED,
// ORDER_STATUS_LIVE, ...) to domain.ExchangeStatus.
func mapExchangeStatus(s string) domain.ExchangeStatus {
	upper := strings.ToUpper(s)
	switch {
	case strings.Contains(upper, "UNMATCHED"):
		return domain.ExchangeUnmatched
	case strings.Contains(upper, "MATCHED"):
		return domain.ExchangeMatched
	case strings.Contains(upper, "LIVE"):
		return domain.ExchangeLive
	case strings.Contains(upper, "DELAYED"):
		return domain.ExchangeDelayed
	case strings.Contains(upper, "CANCEL"), strings.Contains(upper, "INVALID"):
		return domain.ExchangeCancelled
	}
	return domain.ExchangeUnknown
}
