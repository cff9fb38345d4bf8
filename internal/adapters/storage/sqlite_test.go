package storage_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alejandrodnm/polyledger/internal/adapters/storage"
	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	db     *storage.SQLiteStorage
	user   domain.User
	market domain.Market
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	user, err := db.EnsureUser(ctx, domain.User{AuthID: "auth|alice", Email: "alice@example.com"})
	require.NoError(t, err)
	market, err := db.UpsertMarket(ctx, domain.Market{
		ExternalID: "0xcond",
		Question:   "Will it rain tomorrow?",
		YesTokenID: "111",
		NoTokenID:  "222",
		YesPrice:   dec("0.6"),
		NoPrice:    dec("0.4"),
		Active:     true,
	})
	require.NoError(t, err)
	return fixture{db: db, user: user, market: market}
}

func (f fixture) newOrder(side domain.Side, amount, price string) domain.Order {
	a, p := dec(amount), dec(price)
	return domain.Order{
		UserID:    f.user.ID,
		MarketID:  f.market.ID,
		TokenID:   f.market.YesTokenID,
		TokenSide: domain.TokenYes,
		Side:      side,
		Type:      domain.OrderTypeLimit,
		Amount:    a,
		Price:     p,
		TotalCost: a.Mul(p),
		IntentKey: domain.IntentKey(f.user.ID, f.market.ID, f.market.YesTokenID, side, a, p),
	}
}

// submitted creates an order and walks it to submitted with the given hash.
func (f fixture) submitted(t *testing.T, o domain.Order, hash string) domain.Order {
	t.Helper()
	ctx := context.Background()
	o, created, err := f.db.CreateOrder(ctx, o, time.Time{})
	require.NoError(t, err)
	require.True(t, created)
	_, err = f.db.TransitionOrder(ctx, o.ID, domain.StatusPending, domain.StatusSigned, ports.OrderUpdate{OrderHash: hash, Signature: "0xsig"})
	require.NoError(t, err)
	o, err = f.db.TransitionOrder(ctx, o.ID, domain.StatusSigned, domain.StatusSubmitted, ports.OrderUpdate{})
	require.NoError(t, err)
	return o
}

func fill(hash, trade, amount, price string) domain.FillEvent {
	return domain.FillEvent{
		OrderHash: hash,
		TradeID:   trade,
		Amount:    dec(amount),
		Price:     dec(price),
		MatchedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestSQLiteStorage_EnsureUser_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	again, err := f.db.EnsureUser(ctx, domain.User{AuthID: "auth|alice", DisplayName: "Alice"})
	require.NoError(t, err)
	assert.Equal(t, f.user.ID, again.ID)
	assert.Equal(t, "alice@example.com", again.Email)
	assert.Equal(t, "Alice", again.DisplayName)

	_, err = f.db.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestSQLiteStorage_CreateWallet_OnePerUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := domain.Wallet{UserID: f.user.ID, Address: "0xabc", EncryptedKey: []byte{1, 2}, IV: []byte{3}}
	require.NoError(t, f.db.CreateWallet(ctx, w))

	w.Address = "0xdef"
	err := f.db.CreateWallet(ctx, w)
	assert.ErrorIs(t, err, domain.ErrWalletExists)

	got, err := f.db.GetWalletByUser(ctx, f.user.ID)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", got.Address)
	assert.Equal(t, []byte{1, 2}, got.EncryptedKey)
	assert.Nil(t, got.LastUsedAt)

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.db.TouchWallet(ctx, got.ID, at))
	got, err = f.db.GetWalletByUser(ctx, f.user.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastUsedAt)
	assert.True(t, at.Equal(*got.LastUsedAt))

	_, err = f.db.GetWalletByUser(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrKeyNotFound)
}

func TestSQLiteStorage_UpsertMarket_KeepsLocalID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.market
	m.ID = ""
	m.YesPrice = dec("0.75")
	m.Closed = true
	updated, err := f.db.UpsertMarket(ctx, m)
	require.NoError(t, err)

	assert.Equal(t, f.market.ID, updated.ID)
	assert.True(t, updated.YesPrice.Equal(dec("0.75")))
	assert.ErrorIs(t, updated.Tradable(), domain.ErrMarketNotTradable)

	_, err = f.db.GetMarket(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrMarketNotFound)
}

func TestSQLiteStorage_CreateOrder_DeduplicatesActiveIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, created, err := f.db.CreateOrder(ctx, f.newOrder(domain.SideBuy, "10", "0.6"), time.Time{})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, domain.StatusPending, first.Status)

	second, created, err := f.db.CreateOrder(ctx, f.newOrder(domain.SideBuy, "10", "0.6"), time.Time{})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	other, created, err := f.db.CreateOrder(ctx, f.newOrder(domain.SideBuy, "11", "0.6"), time.Time{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestSQLiteStorage_CreateOrder_TerminalIntentAllowsNewOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.db.CreateOrder(ctx, f.newOrder(domain.SideBuy, "10", "0.6"), time.Time{})
	require.NoError(t, err)
	_, err = f.db.TransitionOrder(ctx, first.ID, domain.StatusPending, domain.StatusFailed, ports.OrderUpdate{Reason: "signer unavailable"})
	require.NoError(t, err)

	second, created, err := f.db.CreateOrder(ctx, f.newOrder(domain.SideBuy, "10", "0.6"), time.Time{})
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestSQLiteStorage_CreateOrder_RecentFillWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.db.SetClock(func() time.Time { return now })

	o := f.submitted(t, f.newOrder(domain.SideBuy, "10", "0.6"), "0xh1")
	outcome, _, err := f.db.ApplyFill(ctx, fill("0xh1", "t1", "10", "0.6"))
	require.NoError(t, err)
	require.Equal(t, domain.FillApplied, outcome)

	now = now.Add(5 * time.Second)
	again, created, err := f.db.CreateOrder(ctx, f.newOrder(domain.SideBuy, "10", "0.6"), now.Add(-10*time.Second))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, o.ID, again.ID)
	assert.Equal(t, domain.StatusFilled, again.Status)

	now = now.Add(time.Minute)
	fresh, created, err := f.db.CreateOrder(ctx, f.newOrder(domain.SideBuy, "10", "0.6"), now.Add(-10*time.Second))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, o.ID, fresh.ID)
}

func TestSQLiteStorage_TransitionOrder_CompareAndSwap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, _, err := f.db.CreateOrder(ctx, f.newOrder(domain.SideBuy, "10", "0.6"), time.Time{})
	require.NoError(t, err)

	signed, err := f.db.TransitionOrder(ctx, o.ID, domain.StatusPending, domain.StatusSigned, ports.OrderUpdate{OrderHash: "0xfirst", Signature: "0xsig"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSigned, signed.Status)
	assert.Equal(t, "0xfirst", signed.OrderHash)
	require.NotNil(t, signed.SignedAt)

	// Loser of the race sees the winning state, row untouched.
	current, err := f.db.TransitionOrder(ctx, o.ID, domain.StatusPending, domain.StatusCancelled, ports.OrderUpdate{Reason: "late"})
	require.ErrorIs(t, err, domain.ErrStaleTransition)
	assert.Equal(t, domain.StatusSigned, current.Status)
	assert.Empty(t, current.Reason)

	// Hashes are write-once.
	submitted, err := f.db.TransitionOrder(ctx, o.ID, domain.StatusSigned, domain.StatusSubmitted, ports.OrderUpdate{OrderHash: "0xsecond"})
	require.NoError(t, err)
	assert.Equal(t, "0xfirst", submitted.OrderHash)

	_, err = f.db.TransitionOrder(ctx, o.ID, domain.StatusSubmitted, domain.StatusPending, ports.OrderUpdate{})
	assert.ErrorIs(t, err, domain.ErrInvariant)

	_, err = f.db.TransitionOrder(ctx, "missing", domain.StatusPending, domain.StatusSigned, ports.OrderUpdate{})
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestSQLiteStorage_ApplyFill_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.submitted(t, f.newOrder(domain.SideBuy, "10", "0.6"), "0xh1")
	ev := fill("0xh1", "t1", "10", "0.6")
	ev.TransactionHash = "0xtx"

	outcome, filled, err := f.db.ApplyFill(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.FillApplied, outcome)
	assert.Equal(t, domain.StatusFilled, filled.Status)
	assert.Equal(t, "0xtx", filled.TransactionHash)
	require.NotNil(t, filled.ResolvedAt)

	pos, err := f.db.GetPosition(ctx, f.user.ID, f.market.ID, f.market.YesTokenID)
	require.NoError(t, err)
	assert.True(t, pos.Amount.Equal(dec("10")))
	assert.True(t, pos.AvgPrice.Equal(dec("0.6")))

	outcome, again, err := f.db.ApplyFill(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.FillDiscarded, outcome)
	assert.Equal(t, filled.UpdatedAt, again.UpdatedAt)

	pos2, err := f.db.GetPosition(ctx, f.user.ID, f.market.ID, f.market.YesTokenID)
	require.NoError(t, err)
	assert.True(t, pos.Amount.Equal(pos2.Amount))
	assert.True(t, pos.AvgPrice.Equal(pos2.AvgPrice))

	fills, err := f.db.ListFills(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 1)
}

func TestSQLiteStorage_ApplyFill_PartialFillsAccumulate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.submitted(t, f.newOrder(domain.SideBuy, "10", "0.6"), "0xh1")

	outcome, o, err := f.db.ApplyFill(ctx, fill("0xh1", "t1", "4", "0.5"))
	require.NoError(t, err)
	assert.Equal(t, domain.FillApplied, outcome)
	assert.Equal(t, domain.StatusConfirmed, o.Status)
	assert.True(t, o.FilledAmount.Equal(dec("4")))

	outcome, _, err = f.db.ApplyFill(ctx, fill("0xh1", "t1", "4", "0.5"))
	require.NoError(t, err)
	assert.Equal(t, domain.FillDuplicate, outcome)

	outcome, o, err = f.db.ApplyFill(ctx, fill("0xh1", "t2", "6", "0.6"))
	require.NoError(t, err)
	assert.Equal(t, domain.FillApplied, outcome)
	assert.Equal(t, domain.StatusFilled, o.Status)

	pos, err := f.db.GetPosition(ctx, f.user.ID, f.market.ID, f.market.YesTokenID)
	require.NoError(t, err)
	assert.True(t, pos.Amount.Equal(dec("10")))
	// (4*0.5 + 6*0.6) / 10
	assert.True(t, pos.AvgPrice.Equal(dec("0.56")), pos.AvgPrice.String())
}

func TestSQLiteStorage_ApplyFill_OrderIndependent(t *testing.T) {
	events := []domain.FillEvent{
		fill("0xbuy1", "a", "5", "0.4"),
		fill("0xsell", "b", "3", "0.7"),
		fill("0xbuy2", "c", "2", "0.5"),
	}
	orders := []struct {
		side   domain.Side
		amount string
		price  string
		hash   string
	}{
		{domain.SideBuy, "5", "0.4", "0xbuy1"},
		{domain.SideSell, "3", "0.7", "0xsell"},
		{domain.SideBuy, "2", "0.5", "0xbuy2"},
	}

	amountAfter := func(order []int) decimal.Decimal {
		f := newFixture(t)
		for _, o := range orders {
			f.submitted(t, f.newOrder(o.side, o.amount, o.price), o.hash)
		}
		for _, i := range order {
			_, _, err := f.db.ApplyFill(context.Background(), events[i])
			require.NoError(t, err)
		}
		pos, err := f.db.GetPosition(context.Background(), f.user.ID, f.market.ID, f.market.YesTokenID)
		require.NoError(t, err)
		return pos.Amount
	}

	want := dec("4") // 5 - 3 + 2
	for _, order := range [][]int{{0, 1, 2}, {2, 1, 0}, {1, 0, 2}, {1, 2, 0}} {
		got := amountAfter(order)
		assert.True(t, got.Equal(want), fmt.Sprintf("order %v: got %s", order, got))
	}
}

func TestSQLiteStorage_ApplyFill_DiscardsTerminalAndUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o := f.submitted(t, f.newOrder(domain.SideBuy, "10", "0.6"), "0xh1")
	_, err := f.db.TransitionOrder(ctx, o.ID, domain.StatusSubmitted, domain.StatusFailed, ports.OrderUpdate{Reason: "timeout: no fill observed within 15m0s"})
	require.NoError(t, err)

	outcome, got, err := f.db.ApplyFill(ctx, fill("0xh1", "t1", "10", "0.6"))
	require.NoError(t, err)
	assert.Equal(t, domain.FillDiscarded, outcome)
	assert.Equal(t, domain.StatusFailed, got.Status)

	pos, err := f.db.GetPosition(ctx, f.user.ID, f.market.ID, f.market.YesTokenID)
	require.NoError(t, err)
	assert.True(t, pos.Amount.IsZero())

	outcome, _, err = f.db.ApplyFill(ctx, fill("0xnope", "t1", "1", "0.5"))
	require.NoError(t, err)
	assert.Equal(t, domain.FillDiscarded, outcome)
}

func TestSQLiteStorage_ApplyTransfer_Redelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev := domain.TransferEvent{
		TxHash:      "0xtransfer",
		From:        "0xexchange",
		To:          "0xabc",
		Value:       dec("25"),
		Token:       "USDC",
		Chain:       domain.ChainPolygon,
		BlockNumber: 100,
	}
	observed := domain.ObservedBalance{Chain: domain.ChainPolygon, Asset: "USDC", Amount: dec("125"), BlockNumber: 100}

	outcome, err := f.db.ApplyTransfer(ctx, f.user.ID, ev, observed)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferApplied, outcome)

	outcome, err = f.db.ApplyTransfer(ctx, f.user.ID, ev, observed)
	require.NoError(t, err)
	assert.Equal(t, domain.TransferDuplicate, outcome)

	transfers, err := f.db.ListTransfers(ctx, f.user.ID, 10)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Incoming("0xABC"))

	b, err := f.db.GetBalance(ctx, f.user.ID, domain.ChainPolygon)
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(dec("125")))
}

func TestSQLiteStorage_ApplyTransfer_BetweenCustodialWallets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bob, err := f.db.EnsureUser(ctx, domain.User{AuthID: "auth|bob"})
	require.NoError(t, err)

	ev := domain.TransferEvent{
		TxHash:      "0xinternal",
		From:        "0xalice",
		To:          "0xbob",
		Value:       dec("5"),
		Token:       "USDC",
		Chain:       domain.ChainPolygon,
		BlockNumber: 200,
	}

	outcome, err := f.db.ApplyTransfer(ctx, f.user.ID, ev,
		domain.ObservedBalance{Chain: domain.ChainPolygon, Asset: "USDC", Amount: dec("95"), BlockNumber: 200})
	require.NoError(t, err)
	assert.Equal(t, domain.TransferApplied, outcome)

	outcome, err = f.db.ApplyTransfer(ctx, bob.ID, ev,
		domain.ObservedBalance{Chain: domain.ChainPolygon, Asset: "USDC", Amount: dec("5"), BlockNumber: 200})
	require.NoError(t, err)
	assert.Equal(t, domain.TransferApplied, outcome)

	// redelivery to either side is still a duplicate
	outcome, err = f.db.ApplyTransfer(ctx, bob.ID, ev,
		domain.ObservedBalance{Chain: domain.ChainPolygon, Asset: "USDC", Amount: dec("5"), BlockNumber: 200})
	require.NoError(t, err)
	assert.Equal(t, domain.TransferDuplicate, outcome)

	for user, want := range map[string]string{f.user.ID: "95", bob.ID: "5"} {
		transfers, err := f.db.ListTransfers(ctx, user, 10)
		require.NoError(t, err)
		assert.Len(t, transfers, 1)

		b, err := f.db.GetBalance(ctx, user, domain.ChainPolygon)
		require.NoError(t, err)
		assert.True(t, b.Amount.Equal(dec(want)), "user %s balance %s", user, b.Amount)
	}
}

func TestSQLiteStorage_UpsertBalance_ReplacesNeverRegresses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.db.UpsertBalance(ctx, domain.Balance{UserID: f.user.ID, Chain: domain.ChainPolygon, Asset: "USDC", Amount: dec("10"), BlockNumber: 50}))
	require.NoError(t, f.db.UpsertBalance(ctx, domain.Balance{UserID: f.user.ID, Chain: domain.ChainPolygon, Asset: "USDC", Amount: dec("7"), BlockNumber: 60}))
	require.NoError(t, f.db.UpsertBalance(ctx, domain.Balance{UserID: f.user.ID, Chain: domain.ChainPolygon, Asset: "USDC", Amount: dec("99"), BlockNumber: 40}))

	b, err := f.db.GetBalance(ctx, f.user.ID, domain.ChainPolygon)
	require.NoError(t, err)
	assert.True(t, b.Amount.Equal(dec("7")))
	assert.Equal(t, uint64(60), b.BlockNumber)

	empty, err := f.db.GetBalance(ctx, f.user.ID, domain.ChainAmoy)
	require.NoError(t, err)
	assert.True(t, empty.Amount.IsZero())
}

func TestSQLiteStorage_Cursor_OnlyMovesForward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	block, err := f.db.GetCursor(ctx, "transfers", "0xabc")
	require.NoError(t, err)
	assert.Zero(t, block)

	require.NoError(t, f.db.SetCursor(ctx, "transfers", "0xabc", 200))
	require.NoError(t, f.db.SetCursor(ctx, "transfers", "0xabc", 150))

	block, err = f.db.GetCursor(ctx, "transfers", "0xabc")
	require.NoError(t, err)
	assert.Equal(t, uint64(200), block)
}

func TestSQLiteStorage_ReservedBuyCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, _, err := f.db.CreateOrder(ctx, f.newOrder(domain.SideBuy, "10", "0.5"), time.Time{})
	require.NoError(t, err)
	_, _, err = f.db.CreateOrder(ctx, f.newOrder(domain.SideBuy, "4", "0.25"), time.Time{})
	require.NoError(t, err)
	_, _, err = f.db.CreateOrder(ctx, f.newOrder(domain.SideSell, "100", "0.9"), time.Time{})
	require.NoError(t, err)

	total, err := f.db.ReservedBuyCost(ctx, f.user.ID, "")
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("6")), total.String())

	total, err = f.db.ReservedBuyCost(ctx, f.user.ID, a.IntentKey)
	require.NoError(t, err)
	assert.True(t, total.Equal(dec("1")), total.String())
}

func TestSQLiteStorage_ListOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	f.db.SetClock(func() time.Time { return now })

	old, _, err := f.db.CreateOrder(ctx, f.newOrder(domain.SideBuy, "1", "0.5"), time.Time{})
	require.NoError(t, err)
	now = now.Add(time.Hour)
	recent, _, err := f.db.CreateOrder(ctx, f.newOrder(domain.SideBuy, "2", "0.5"), time.Time{})
	require.NoError(t, err)

	stale, err := f.db.ListOrdersByStatus(ctx, []domain.OrderStatus{domain.StatusPending}, now.Add(-30*time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	history, err := f.db.ListUserOrders(ctx, f.user.ID, ports.HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, recent.ID, history[0].ID)

	limited, err := f.db.ListUserOrders(ctx, f.user.ID, ports.HistoryFilter{Limit: 1, Statuses: []domain.OrderStatus{domain.StatusPending}})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
