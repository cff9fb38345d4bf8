package polymarket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/shopspring/decimal"
)

// fetchTrade obtiene un trade por id del CLOB autenticado.
func (c *Client) fetchTrade(ctx context.Context, tradeID string) (clobTrade, error) {
	var resp []clobTrade
	path := "/data/trades?id=" + url.QueryEscape(tradeID)
	if err := c.getL2(ctx, path, &resp); err != nil {
		return clobTrade{}, fmt.Errorf("fetch trade %s: %w", tradeID, err)
	}
	for _, t := range resp {
		if t.ID == tradeID {
			return t, nil
		}
	}
	return clobTrade{}, fmt.Errorf("fetch trade %s: not found", tradeID)
}

// fillFromTrade extracts the part of trade that executed orderHash.
// As taker the order got the whole trade size; as maker, its matched_amount.
// Failed settlements are not fills.
func fillFromTrade(orderHash string, t clobTrade) (domain.FillEvent, bool) {
	if strings.EqualFold(t.Status, "FAILED") {
		return domain.FillEvent{}, false
	}

	var size, price string
	switch {
	case strings.EqualFold(t.TakerOrderID, orderHash):
		size, price = t.Size, t.Price
	default:
		for _, mo := range t.MakerOrders {
			if strings.EqualFold(mo.OrderID, orderHash) {
				size, price = mo.MatchedAmount, mo.Price
				break
			}
		}
	}

	amount, err := decimal.NewFromString(size)
	if err != nil || !amount.IsPositive() {
		return domain.FillEvent{}, false
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return domain.FillEvent{}, false
	}

	return domain.FillEvent{
		OrderHash:       orderHash,
		TradeID:         t.ID,
		Amount:          amount,
		Price:           p,
		TransactionHash: t.TransactionHash,
		MatchedAt:       parseTradeTimestamp(t.MatchTime),
	}, true
}

func parseTradeTimestamp(n json.Number) time.Time {
	s := n.String()
	if s == "" {
		return time.Time{}
	}
	// Try as unix timestamp (seconds or milliseconds)
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		if sec > 1e12 {
			return time.Unix(sec/1000, (sec%1000)*int64(time.Millisecond)).UTC()
		}
		return time.Unix(sec, 0).UTC()
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC()
	}
	return time.Time{}
}
