package reconcile_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/polyledger/internal/adapters/storage"
	"github.com/alejandrodnm/polyledger/internal/application/reconcile"
	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

const walletAddr = "0x00000000000000000000000000000000000000aa"

// --- fakes ---

type fakeExchange struct {
	mu        sync.Mutex
	orders    map[string]domain.ExchangeOrder
	cancels   []string
	getErr    error
	cancelErr error
}

func (f *fakeExchange) SubmitOrder(context.Context, domain.SubmitRequest) (domain.SubmitResult, error) {
	return domain.SubmitResult{}, errors.New("not used")
}

func (f *fakeExchange) GetOrder(_ context.Context, hash string) (domain.ExchangeOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return domain.ExchangeOrder{}, f.getErr
	}
	xo, ok := f.orders[hash]
	if !ok {
		return domain.ExchangeOrder{OrderHash: hash, Status: domain.ExchangeUnknown}, nil
	}
	return xo, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, hash)
	return f.cancelErr
}

type fakeIndexer struct {
	head      uint64
	events    []domain.TransferEvent
	balance   decimal.Decimal
	ranges    [][2]uint64
	balReads  int
	transfers int
}

func (f *fakeIndexer) Chain() domain.Chain                  { return domain.ChainPolygon }
func (f *fakeIndexer) Head(context.Context) (uint64, error) { return f.head, nil }

func (f *fakeIndexer) Transfers(_ context.Context, _ string, from, to uint64) ([]domain.TransferEvent, error) {
	f.transfers++
	f.ranges = append(f.ranges, [2]uint64{from, to})
	var out []domain.TransferEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeIndexer) Balance(_ context.Context, address string) (domain.ObservedBalance, error) {
	f.balReads++
	return domain.ObservedBalance{
		Address:     address,
		Chain:       domain.ChainPolygon,
		Asset:       "USDC",
		Amount:      f.balance,
		BlockNumber: f.head,
	}, nil
}

type fakeMarkets struct{ markets []domain.Market }

func (f fakeMarkets) FetchMarkets(context.Context) ([]domain.Market, error) { return f.markets, nil }

// --- fixture ---

type env struct {
	db       *storage.SQLiteStorage
	exchange *fakeExchange
	indexer  *fakeIndexer
	w        *reconcile.Worker
	user     domain.User
	market   domain.Market
	now      time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	e := &env{
		db:       db,
		exchange: &fakeExchange{orders: map[string]domain.ExchangeOrder{}},
		indexer:  &fakeIndexer{head: 1000, balance: dec("0")},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	db.SetClock(func() time.Time { return e.now })

	e.user, err = db.EnsureUser(ctx, domain.User{AuthID: "auth|carol"})
	require.NoError(t, err)
	e.market, err = db.UpsertMarket(ctx, domain.Market{
		ExternalID: "0xcond",
		YesTokenID: "111",
		NoTokenID:  "222",
		YesPrice:   dec("0.6"),
		NoPrice:    dec("0.4"),
		Active:     true,
	})
	require.NoError(t, err)
	require.NoError(t, db.CreateWallet(ctx, domain.Wallet{
		UserID:       e.user.ID,
		Address:      walletAddr,
		EncryptedKey: []byte{1},
		IV:           []byte{2},
	}))

	e.w = reconcile.New(db, e.exchange, e.indexer, fakeMarkets{}, reconcile.Config{
		StaleAfter:      15 * time.Minute,
		PollConcurrency: 2,
		Confirmations:   5,
		InitialLookback: 100,
	})
	e.w.SetClock(func() time.Time { return e.now })
	return e
}

// order creates an order and walks it to status with the given hash.
func (e *env) order(t *testing.T, status domain.OrderStatus, hash, amount string) domain.Order {
	t.Helper()
	ctx := context.Background()
	a, p := dec(amount), dec("0.6")
	o, created, err := e.db.CreateOrder(ctx, domain.Order{
		UserID:    e.user.ID,
		MarketID:  e.market.ID,
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
	require.True(t, created)

	path := []domain.OrderStatus{domain.StatusSigned, domain.StatusSubmitted, domain.StatusConfirmed}
	for _, next := range path {
		if o.Status == status {
			break
		}
		o, err = e.db.TransitionOrder(ctx, o.ID, o.Status, next, ports.OrderUpdate{OrderHash: hash})
		require.NoError(t, err)
	}
	require.Equal(t, status, o.Status)
	return o
}

func (e *env) reload(t *testing.T, o domain.Order) domain.Order {
	t.Helper()
	got, err := e.db.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	return got
}

func fillEvent(hash, trade, amount string) domain.FillEvent {
	return domain.FillEvent{OrderHash: hash, TradeID: trade, Amount: dec(amount), Price: dec("0.6")}
}

// --- fills ---

func TestPollFills_PartialThenFull(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.order(t, domain.StatusSubmitted, "0xh1", "10")

	e.exchange.orders["0xh1"] = domain.ExchangeOrder{
		OrderHash: "0xh1",
		Status:    domain.ExchangeLive,
		Fills:     []domain.FillEvent{fillEvent("0xh1", "t1", "4")},
	}
	require.NoError(t, e.w.PollFills(ctx))
	got := e.reload(t, o)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	assert.True(t, got.FilledAmount.Equal(dec("4")))

	// Same report again: nothing changes.
	require.NoError(t, e.w.PollFills(ctx))
	got = e.reload(t, o)
	assert.True(t, got.FilledAmount.Equal(dec("4")))

	e.exchange.orders["0xh1"] = domain.ExchangeOrder{
		OrderHash: "0xh1",
		Status:    domain.ExchangeMatched,
		Fills:     []domain.FillEvent{fillEvent("0xh1", "t1", "4"), fillEvent("0xh1", "t2", "6")},
	}
	require.NoError(t, e.w.PollFills(ctx))
	got = e.reload(t, o)
	assert.Equal(t, domain.StatusFilled, got.Status)

	pos, err := e.db.GetPosition(ctx, e.user.ID, e.market.ID, "111")
	require.NoError(t, err)
	assert.True(t, pos.Amount.Equal(dec("10")), pos.Amount.String())

	fills, err := e.db.ListFills(ctx, o.ID)
	require.NoError(t, err)
	assert.Len(t, fills, 2)
}

func TestPollFills_DeadAtExchangeFails(t *testing.T) {
	e := newEnv(t)
	o := e.order(t, domain.StatusConfirmed, "0xh2", "10")
	e.exchange.orders["0xh2"] = domain.ExchangeOrder{
		OrderHash: "0xh2",
		Status:    domain.ExchangeCancelled,
		Reason:    "exchange reported order canceled",
	}

	require.NoError(t, e.w.PollFills(context.Background()))
	got := e.reload(t, o)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "exchange reported order canceled", got.Reason)
}

func TestPollFills_UnknownLeavesOrder(t *testing.T) {
	e := newEnv(t)
	o := e.order(t, domain.StatusSubmitted, "0xh3", "10")

	require.NoError(t, e.w.PollFills(context.Background()))
	assert.Equal(t, domain.StatusSubmitted, e.reload(t, o).Status)
}

func TestPollFills_ExchangeErrorReported(t *testing.T) {
	e := newEnv(t)
	e.order(t, domain.StatusSubmitted, "0xh4", "10")
	e.exchange.getErr = domain.ErrTransient

	err := e.w.PollFills(context.Background())
	assert.ErrorIs(t, err, domain.ErrTransient)
}

// --- sweeper ---

func TestSweep_StaleSubmittedFailsAndLateFillIsDiscarded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.order(t, domain.StatusSubmitted, "0xstale", "10")

	e.now = e.now.Add(10 * time.Minute)
	require.NoError(t, e.w.Sweep(ctx))
	assert.Equal(t, domain.StatusSubmitted, e.reload(t, o).Status)

	e.now = e.now.Add(10 * time.Minute)
	require.NoError(t, e.w.Sweep(ctx))
	got := e.reload(t, o)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "timeout: no fill observed within 15m0s", got.Reason)
	assert.Equal(t, []string{"0xstale"}, e.exchange.cancels)

	outcome, _, err := e.db.ApplyFill(ctx, fillEvent("0xstale", "late", "10"))
	require.NoError(t, err)
	assert.Equal(t, domain.FillDiscarded, outcome)

	pos, err := e.db.GetPosition(ctx, e.user.ID, e.market.ID, "111")
	require.NoError(t, err)
	assert.True(t, pos.Amount.IsZero())
	assert.Equal(t, domain.StatusFailed, e.reload(t, got).Status)
}

func TestSweep_StaleOrderAlreadyMatchedAtExchange(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	o := e.order(t, domain.StatusConfirmed, "0xmatched", "10")
	e.exchange.cancelErr = fmt.Errorf("%w: order already matched", domain.ErrNotCancellable)

	e.now = e.now.Add(time.Hour)
	require.NoError(t, e.w.Sweep(ctx))

	got := e.reload(t, o)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "timeout: no fill observed within 15m0s; already matched at exchange", got.Reason)
	assert.Equal(t, []string{"0xmatched"}, e.exchange.cancels)
}

func TestSweep_PendingAndSigned(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pending := e.order(t, domain.StatusPending, "", "1")
	known := e.order(t, domain.StatusSigned, "0xknown", "2")
	lost := e.order(t, domain.StatusSigned, "0xlost", "3")
	e.exchange.orders["0xknown"] = domain.ExchangeOrder{OrderHash: "0xknown", Status: domain.ExchangeLive}

	e.now = e.now.Add(time.Hour)
	require.NoError(t, e.w.Sweep(ctx))

	got := e.reload(t, pending)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "abandoned before signing", got.Reason)

	assert.Equal(t, domain.StatusSubmitted, e.reload(t, known).Status)

	got = e.reload(t, lost)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, "never reached the exchange", got.Reason)
}

// --- transfers and balances ---

func TestPollTransfers_RedeliveryRecordedOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	deposit := domain.TransferEvent{
		Address:     walletAddr,
		TxHash:      "0xdeposit",
		From:        "0x00000000000000000000000000000000000000bb",
		To:          walletAddr,
		Value:       dec("25"),
		Token:       "USDC",
		Chain:       domain.ChainPolygon,
		BlockNumber: 950,
	}
	e.indexer.events = []domain.TransferEvent{deposit, deposit}
	e.indexer.balance = dec("25")

	require.NoError(t, e.w.PollTransfers(ctx))

	transfers, err := e.db.ListTransfers(ctx, e.user.ID, 0)
	require.NoError(t, err)
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Value.Equal(dec("25")))

	bal, err := e.db.GetBalance(ctx, e.user.ID, domain.ChainPolygon)
	require.NoError(t, err)
	assert.True(t, bal.Amount.Equal(dec("25")), bal.Amount.String())

	// First scan starts InitialLookback blocks behind head - confirmations.
	require.Len(t, e.indexer.ranges, 1)
	assert.Equal(t, [2]uint64{895, 995}, e.indexer.ranges[0])

	// Nothing new: the cursor is at the safe head.
	require.NoError(t, e.w.PollTransfers(ctx))
	assert.Equal(t, 1, e.indexer.transfers)

	// Redelivered in a later range: still one row, balance untouched.
	e.indexer.head = 1010
	deposit.BlockNumber = 1000
	e.indexer.events = []domain.TransferEvent{deposit}
	require.NoError(t, e.w.PollTransfers(ctx))
	assert.Equal(t, [2]uint64{996, 1005}, e.indexer.ranges[1])

	transfers, err = e.db.ListTransfers(ctx, e.user.ID, 0)
	require.NoError(t, err)
	assert.Len(t, transfers, 1)
	bal, err = e.db.GetBalance(ctx, e.user.ID, domain.ChainPolygon)
	require.NoError(t, err)
	assert.True(t, bal.Amount.Equal(dec("25")))
}

func TestPollTransfers_NoEventsSkipsBalanceRead(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.w.PollTransfers(context.Background()))
	assert.Zero(t, e.indexer.balReads)

	cursor, err := e.db.GetCursor(context.Background(), "transfers:polygon", walletAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(995), cursor)
}

func TestPollBalances_ReplacesSnapshot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.db.UpsertBalance(ctx, domain.Balance{
		UserID: e.user.ID, Chain: domain.ChainPolygon, Asset: "USDC", Amount: dec("999"), BlockNumber: 10,
	}))
	e.indexer.balance = dec("12.5")

	require.NoError(t, e.w.PollBalances(ctx))
	bal, err := e.db.GetBalance(ctx, e.user.ID, domain.ChainPolygon)
	require.NoError(t, err)
	assert.True(t, bal.Amount.Equal(dec("12.5")), bal.Amount.String())
	assert.Equal(t, uint64(1000), bal.BlockNumber)
}

// --- markets and lifecycle ---

func TestSyncMarkets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	src := fakeMarkets{markets: []domain.Market{
		{ExternalID: "0xcond", YesTokenID: "111", NoTokenID: "222", YesPrice: dec("0.7"), NoPrice: dec("0.3"), Active: true},
		{ExternalID: "0xnew", YesTokenID: "333", NoTokenID: "444", Active: true},
	}}
	w := reconcile.New(e.db, e.exchange, nil, src, reconcile.Config{})
	require.NoError(t, w.SyncMarkets(ctx))

	m, err := e.db.GetMarket(ctx, e.market.ID)
	require.NoError(t, err)
	assert.True(t, m.YesPrice.Equal(dec("0.7")))
}

func TestRun_StopsOnCancel(t *testing.T) {
	e := newEnv(t)
	w := reconcile.New(e.db, e.exchange, nil, nil, reconcile.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
