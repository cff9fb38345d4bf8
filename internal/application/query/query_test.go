package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/polyledger/internal/adapters/storage"
	"github.com/alejandrodnm/polyledger/internal/application/query"
	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	db     *storage.SQLiteStorage
	svc    *query.Service
	user   domain.User
	market domain.Market
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	user, err := db.EnsureUser(ctx, domain.User{AuthID: "auth|dana"})
	require.NoError(t, err)
	market, err := db.UpsertMarket(ctx, domain.Market{
		ExternalID: "0xcond",
		Question:   "Will the bridge open before July?",
		YesTokenID: "111",
		NoTokenID:  "222",
		YesPrice:   dec("0.7"),
		NoPrice:    dec("0.3"),
		Active:     true,
	})
	require.NoError(t, err)
	return fixture{db: db, svc: query.New(db), user: user, market: market}
}

// filledOrder creates an order and fills it completely.
func (f fixture) filledOrder(t *testing.T, hash, amount, price string) domain.Order {
	t.Helper()
	ctx := context.Background()
	a, p := dec(amount), dec(price)
	o, _, err := f.db.CreateOrder(ctx, domain.Order{
		UserID:    f.user.ID,
		MarketID:  f.market.ID,
		TokenID:   "111",
		TokenSide: domain.TokenYes,
		Side:      domain.SideBuy,
		Type:      domain.OrderTypeLimit,
		Amount:    a,
		Price:     p,
		TotalCost: a.Mul(p),
		IntentKey: "intent-" + hash,
	}, time.Time{})
	require.NoError(t, err)
	o, err = f.db.TransitionOrder(ctx, o.ID, domain.StatusPending, domain.StatusSigned, ports.OrderUpdate{OrderHash: hash})
	require.NoError(t, err)
	o, err = f.db.TransitionOrder(ctx, o.ID, domain.StatusSigned, domain.StatusSubmitted, ports.OrderUpdate{})
	require.NoError(t, err)
	_, o, err = f.db.ApplyFill(ctx, domain.FillEvent{OrderHash: hash, TradeID: "t-" + hash, Amount: a, Price: p})
	require.NoError(t, err)
	return o
}

func TestOpenPositions(t *testing.T) {
	f := newFixture(t)
	f.filledOrder(t, "0xa", "10", "0.5")

	views, err := f.svc.OpenPositions(context.Background(), f.user.ID)
	require.NoError(t, err)
	require.Len(t, views, 1)

	v := views[0]
	assert.Equal(t, "Will the bridge open before July?", v.Question)
	assert.True(t, v.Amount.Equal(dec("10")))
	assert.True(t, v.LastPrice.Equal(dec("0.7")))
	assert.True(t, v.MarketValue().Equal(dec("7")))
	assert.True(t, v.UnrealizedPnL().Equal(dec("2")), v.UnrealizedPnL().String())
}

func TestGetOrder_OwnerOnly(t *testing.T) {
	f := newFixture(t)
	o := f.filledOrder(t, "0xb", "4", "0.5")

	view, err := f.svc.GetOrder(context.Background(), f.user.ID, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, view.Status)
	require.Len(t, view.Fills, 1)

	_, err = f.svc.GetOrder(context.Background(), "intruder", o.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestOrderHistory_Filters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.filledOrder(t, "0xc", "1", "0.5")
	f.filledOrder(t, "0xd", "2", "0.5")

	all, err := f.svc.OrderHistory(ctx, f.user.ID, ports.HistoryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	open, err := f.svc.OrderHistory(ctx, f.user.ID, ports.HistoryFilter{Statuses: domain.ActiveStatuses})
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = f.svc.OrderHistory(ctx, f.user.ID, ports.HistoryFilter{Statuses: []domain.OrderStatus{"bogus"}})
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestOverview(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.filledOrder(t, "0xe", "3", "0.5")
	require.NoError(t, f.db.CreateWallet(ctx, domain.Wallet{
		UserID:       f.user.ID,
		Address:      "0x00000000000000000000000000000000000000cc",
		EncryptedKey: []byte{1},
		IV:           []byte{2},
	}))
	require.NoError(t, f.db.UpsertBalance(ctx, domain.Balance{
		UserID: f.user.ID, Chain: domain.ChainPolygon, Asset: "USDC", Amount: dec("42"), BlockNumber: 5,
	}))

	ov, err := f.svc.Overview(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000cc", ov.WalletAddress)
	assert.Len(t, ov.Positions, 1)
	assert.Empty(t, ov.OpenOrders)
	assert.Len(t, ov.RecentOrders, 1)
	require.Len(t, ov.Balances, 1)
	assert.True(t, ov.Balances[0].Amount.Equal(dec("42")))
}

func TestOverview_NoWallet(t *testing.T) {
	f := newFixture(t)
	ov, err := f.svc.Overview(context.Background(), f.user.ID)
	require.NoError(t, err)
	assert.Empty(t, ov.WalletAddress)
	assert.Empty(t, ov.Positions)
}
