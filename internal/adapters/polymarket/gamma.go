package polymarket

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/ports"
)

const (
	gammaMarketsPath = "/markets"
	gammaPageSize    = 500
	gammaMaxPages    = 40
)

var _ ports.MarketSource = (*Client)(nil)

// FetchMarkets lista los mercados abiertos de Gamma, paginando por offset.
// Los mercados sin token ids se devuelven igual: el pipeline los rechaza
// como no operables.
func (c *Client) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	var all []domain.Market

	for page := 0; page < gammaMaxPages; page++ {
		url := fmt.Sprintf("%s%s?active=true&closed=false&limit=%d&offset=%d",
			c.gammaBase, gammaMarketsPath, gammaPageSize, page*gammaPageSize)

		var resp gammaMarketsResponse
		if err := c.get(ctx, c.gammaLimiter, url, &resp); err != nil {
			return nil, fmt.Errorf("gamma.FetchMarkets: %w", err)
		}

		skipped := 0
		for _, gm := range resp {
			m, ok := mapGammaMarket(gm)
			if !ok {
				skipped++
				continue
			}
			all = append(all, m)
		}

		slog.Debug("polymarket: fetched gamma markets page",
			"page", page,
			"count", len(resp),
			"skipped", skipped,
			"total", len(all),
		)

		if len(resp) < gammaPageSize {
			break
		}
	}

	slog.Info("polymarket: gamma markets fetched", "total", len(all))
	return all, nil
}
