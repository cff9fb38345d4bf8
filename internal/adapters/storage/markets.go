package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/google/uuid"
)

// UpsertMarket inserts or refreshes a market by its external id. The local id
// assigned on first insert is kept so orders and positions stay attached.
func (s *SQLiteStorage) UpsertMarket(ctx context.Context, m domain.Market) (domain.Market, error) {
	if m.ExternalID == "" {
		return domain.Market{}, fmt.Errorf("storage.UpsertMarket: %w: empty external id", domain.ErrInvariant)
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	now := s.now()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO markets
			(id, external_id, question, slug, yes_token_id, no_token_id, yes_price, no_price,
			 liquidity, volume, active, archived, closed, neg_risk, end_date, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			question     = excluded.question,
			slug         = excluded.slug,
			yes_token_id = excluded.yes_token_id,
			no_token_id  = excluded.no_token_id,
			yes_price    = excluded.yes_price,
			no_price     = excluded.no_price,
			liquidity    = excluded.liquidity,
			volume       = excluded.volume,
			active       = excluded.active,
			archived     = excluded.archived,
			closed       = excluded.closed,
			neg_risk     = excluded.neg_risk,
			end_date     = excluded.end_date,
			updated_at   = excluded.updated_at`,
		m.ID, m.ExternalID, m.Question, m.Slug, m.YesTokenID, m.NoTokenID,
		m.YesPrice.String(), m.NoPrice.String(), m.Liquidity.String(), m.Volume.String(),
		boolToInt(m.Active), boolToInt(m.Archived), boolToInt(m.Closed), boolToInt(m.NegRisk),
		nullTimeVal(m.EndDate), fmtTime(now),
	)
	if err != nil {
		return domain.Market{}, fmt.Errorf("storage.UpsertMarket %s: %w", m.ExternalID, err)
	}

	out, err := scanMarket(s.db.QueryRowContext(ctx, marketColumns+` WHERE external_id = ?`, m.ExternalID))
	if err != nil {
		return domain.Market{}, fmt.Errorf("storage.UpsertMarket %s: reload: %w", m.ExternalID, err)
	}
	return out, nil
}

// GetMarket returns a market by local id.
func (s *SQLiteStorage) GetMarket(ctx context.Context, id string) (domain.Market, error) {
	m, err := scanMarket(s.db.QueryRowContext(ctx, marketColumns+` WHERE id = ?`, id))
	if err != nil {
		return domain.Market{}, fmt.Errorf("storage.GetMarket %s: %w", id, notFound(err, domain.ErrMarketNotFound))
	}
	return m, nil
}

const marketColumns = `SELECT id, external_id, question, slug, yes_token_id, no_token_id, yes_price, no_price,
	liquidity, volume, active, archived, closed, neg_risk, end_date, updated_at FROM markets`

func scanMarket(r rowScanner) (domain.Market, error) {
	var m domain.Market
	var active, archived, closed, negRisk int
	var endDate sql.NullString
	var updated string
	err := r.Scan(&m.ID, &m.ExternalID, &m.Question, &m.Slug, &m.YesTokenID, &m.NoTokenID,
		&m.YesPrice, &m.NoPrice, &m.Liquidity, &m.Volume,
		&active, &archived, &closed, &negRisk, &endDate, &updated)
	if err != nil {
		return m, err
	}
	m.Active = active != 0
	m.Archived = archived != 0
	m.Closed = closed != 0
	m.NegRisk = negRisk != 0
	if t := parseNullTime(endDate); t != nil {
		m.EndDate = *t
	}
	m.UpdatedAt = parseTime(updated)
	return m, nil
}
