package polymarket

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/shopspring/decimal"
)

// mapGammaMarket convierte un gammaMarket DTO a domain.Market.
// Devuelve false si falta el condition id, que es la clave del upsert.
func mapGammaMarket(gm gammaMarket) (domain.Market, bool) {
	if gm.ConditionID == "" {
		return domain.Market{}, false
	}
	m := domain.Market{
		ExternalID: gm.ConditionID,
		Question:   gm.Question,
		Slug:       gm.Slug,
		Liquidity:  numberToDecimal(gm.Liquidity),
		Volume:     numberToDecimal(gm.Volume),
		Active:     gm.Active,
		Archived:   gm.Archived,
		Closed:     gm.Closed,
		NegRisk:    gm.NegRisk,
		EndDate:    parseEndDate(gm.EndDateISO, gm.EndDate),
	}

	outcomes := decodeStringArray(gm.Outcomes)
	tokens := decodeStringArray(gm.ClobTokenIDs)
	prices := decodeStringArray(gm.OutcomePrices)

	// Gamma lista YES primero; si vienen nombres de outcome los respetamos.
	yes, no := 0, 1
	if len(outcomes) == 2 && strings.EqualFold(outcomes[0], "no") {
		yes, no = 1, 0
	}
	if len(tokens) == 2 {
		m.YesTokenID = tokens[yes]
		m.NoTokenID = tokens[no]
	}
	if len(prices) == 2 {
		m.YesPrice = stringToDecimal(prices[yes])
		m.NoPrice = stringToDecimal(prices[no])
	}
	return m, true
}

// decodeStringArray parses Gamma's JSON-array-in-a-string fields.
func decodeStringArray(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func numberToDecimal(n json.Number) decimal.Decimal {
	return stringToDecimal(n.String())
}

func stringToDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// parseEndDate prueba los formatos que usa Polymarket.
func parseEndDate(values ...string) time.Time {
	for _, v := range values {
		if v == "" {
			continue
		}
		for _, layout := range []string{
			time.RFC3339,
			"2006-01-02T15:04:05.000Z",
			"2006-01-02T15:04:05Z",
			"2006-01-02",
		} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Time{}
}
