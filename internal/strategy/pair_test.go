package strategy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbterm/internal/og"
	"arbterm/internal/schema"
	"arbterm/internal/venue"
	"arbterm/pkg/exception"
)

var (
	siz6 = schema.Instrument{ClassCode: "SPBFUT", SecCode: "SiZ6"}
	usd  = schema.Instrument{ClassCode: "CETS", SecCode: "USD000UTSTOM"}
)

type fakeTrader struct {
	mu       sync.Mutex
	nextID   schema.OrderID
	placed   []og.PlaceRequest
	modified []decimal.Decimal
	cancels  []schema.OrderID
	orders   map[schema.OrderID]schema.Order
}

func newFakeTrader() *fakeTrader {
	return &fakeTrader{orders: make(map[schema.OrderID]schema.Order)}
}

func (f *fakeTrader) Place(_ context.Context, req og.PlaceRequest) (schema.OrderID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.placed = append(f.placed, req)
	f.orders[f.nextID] = schema.Order{
		ID: f.nextID, Instrument: req.Instrument, Side: req.Side, Type: req.Type,
		Price: req.Price, Qty: req.Qty, Leaves: req.Qty, Status: schema.OrderStatusActive,
	}
	return f.nextID, nil
}

func (f *fakeTrader) Cancel(_ context.Context, id schema.OrderID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, id)
	return nil
}

func (f *fakeTrader) Modify(_ context.Context, id schema.OrderID, price decimal.Decimal, _ *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modified = append(f.modified, price)
	o := f.orders[id]
	o.Price = price
	f.orders[id] = o
	return nil
}

func (f *fakeTrader) StatusOf(_ context.Context, id schema.OrderID) (schema.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return schema.Order{}, exception.ErrOrderNotFound
	}
	return o, nil
}

func (f *fakeTrader) fill(id schema.OrderID, filled int64, status schema.OrderStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[id]
	o.Filled = filled
	o.Leaves = o.Qty - filled
	o.Status = status
	f.orders[id] = o
}

type fakeQuotes struct {
	mu     sync.Mutex
	quotes map[schema.Instrument]schema.Quote
}

func (f *fakeQuotes) Quote(ins schema.Instrument) (schema.Quote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q, ok := f.quotes[ins]
	return q, ok
}

func (f *fakeQuotes) set(ins schema.Instrument, bid, ask string, bids ...schema.Level) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quotes == nil {
		f.quotes = make(map[schema.Instrument]schema.Quote)
	}
	f.quotes[ins] = schema.Quote{Instrument: ins, Bid: d(bid), Ask: d(ask), Bids: bids}
}

type fakeFeed struct {
	mu           sync.Mutex
	subscribed   []schema.Instrument
	unsubscribed []schema.Instrument
}

func (f *fakeFeed) SubscribeQuotes(_ context.Context, ins schema.Instrument, _ func(schema.Quote)) (venue.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, ins)
	return venue.Subscription{Instrument: ins}, nil
}

func (f *fakeFeed) UnsubscribeQuotes(_ context.Context, sub venue.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, sub.Instrument)
	return nil
}

func (f *fakeFeed) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subscribed), len(f.unsubscribed)
}

func pairConfig(mode schema.StrategyMode) schema.StrategyConfig {
	return schema.StrategyConfig{
		Type:        TypePair,
		Name:        "si-usd",
		PositionID:  "P1",
		Leg1:        schema.LegConfig{Alias: "SI", Account: "SPBFUT00X"},
		Leg2:        schema.LegConfig{Alias: "USD", QtyRatio: d("2"), Account: "MC0000"},
		EntryLevels: levels("0.5"),
		ExitLevel:   d("0.1"),
		Mode:        mode,
		BaseQty:     3,
	}
}

func newTestPair(t *testing.T, mode schema.StrategyMode) (*Pair, *fakeTrader, *fakeQuotes) {
	t.Helper()
	reg := schema.NewRegistry()
	require.NoError(t, reg.AddInstrument("SI", siz6, 1))
	require.NoError(t, reg.AddInstrument("USD", usd, 1))
	trader := newFakeTrader()
	quotes := &fakeQuotes{}
	p, err := NewPair("s1", pairConfig(mode), Env{Trader: trader, Quotes: quotes, Registry: reg})
	require.NoError(t, err)
	return p, trader, quotes
}

func assertRequest(t *testing.T, req og.PlaceRequest, ins schema.Instrument, side schema.Side, typ schema.OrderType, qty int64) {
	t.Helper()
	assert.Equal(t, ins, req.Instrument)
	assert.Equal(t, side, req.Side)
	assert.Equal(t, typ, req.Type)
	assert.Equal(t, qty, req.Qty)
	assert.Equal(t, "P1", req.PositionID)
	assert.Equal(t, "s1", req.StrategyID)
}

func TestPairShooterEntersAndExits(t *testing.T) {
	p, trader, quotes := newTestPair(t, schema.ModeShooter)
	ctx := context.Background()

	quotes.set(siz6, "100.6", "100.7")
	quotes.set(usd, "100.0", "100.1")
	require.NoError(t, p.step(ctx))
	require.Len(t, trader.placed, 2)
	assertRequest(t, trader.placed[0], siz6, schema.SideSell, schema.OrderTypeMarket, 3)
	assertRequest(t, trader.placed[1], usd, schema.SideBuy, schema.OrderTypeMarket, 6)
	assert.Equal(t, "SPBFUT00X", trader.placed[0].Account)
	assert.Equal(t, ShortSpread, p.Held())

	require.NoError(t, p.step(ctx))
	assert.Len(t, trader.placed, 2, "no re-entry while holding")

	quotes.set(siz6, "100.0", "100.1")
	require.NoError(t, p.step(ctx))
	require.Len(t, trader.placed, 4)
	assertRequest(t, trader.placed[2], siz6, schema.SideBuy, schema.OrderTypeMarket, 3)
	assertRequest(t, trader.placed[3], usd, schema.SideSell, schema.OrderTypeMarket, 6)
	assert.Equal(t, Flat, p.Held())
}

func TestPairShooterSkipsThinBook(t *testing.T) {
	p, trader, quotes := newTestPair(t, schema.ModeShooter)

	quotes.set(siz6, "100.6", "100.7", schema.Level{Price: d("100.6"), Qty: 1})
	quotes.set(usd, "100.0", "100.1")
	require.NoError(t, p.step(context.Background()))
	assert.Empty(t, trader.placed)
	assert.Equal(t, Flat, p.Held())
}

func TestPairIgnoresMissingQuotes(t *testing.T) {
	p, trader, quotes := newTestPair(t, schema.ModeShooter)
	quotes.set(siz6, "100.6", "100.7")
	require.NoError(t, p.step(context.Background()))
	quotes.set(usd, "0", "100.1")
	require.NoError(t, p.step(context.Background()))
	assert.Empty(t, trader.placed)
}

func TestPairMarketMakerHedgesFillIncrements(t *testing.T) {
	p, trader, quotes := newTestPair(t, schema.ModeMarketMaker)
	ctx := context.Background()

	quotes.set(siz6, "100.6", "100.7")
	quotes.set(usd, "100.0", "100.1")
	require.NoError(t, p.step(ctx))
	require.Len(t, trader.placed, 1)
	assertRequest(t, trader.placed[0], siz6, schema.SideSell, schema.OrderTypeLimit, 3)
	assert.True(t, trader.placed[0].Price.Equal(d("100.7")))

	// the touch moves, the resting order follows
	quotes.set(siz6, "100.6", "100.65")
	require.NoError(t, p.step(ctx))
	require.Len(t, trader.modified, 1)
	assert.True(t, trader.modified[0].Equal(d("100.65")))
	require.NoError(t, p.step(ctx))
	assert.Len(t, trader.modified, 1, "already at the touch")

	trader.fill(1, 2, schema.OrderStatusPartial)
	require.NoError(t, p.step(ctx))
	require.Len(t, trader.placed, 2)
	assertRequest(t, trader.placed[1], usd, schema.SideBuy, schema.OrderTypeMarket, 4)

	trader.fill(1, 3, schema.OrderStatusFilled)
	require.NoError(t, p.step(ctx))
	require.Len(t, trader.placed, 3)
	assertRequest(t, trader.placed[2], usd, schema.SideBuy, schema.OrderTypeMarket, 2)
	assert.Equal(t, ShortSpread, p.Held())
	assert.Equal(t, int64(3), p.qty1)
	assert.Equal(t, int64(6), p.qty2)
	assert.Nil(t, p.resting)
}

func TestPairMarketMakerCancelsWhenSignalFades(t *testing.T) {
	p, trader, quotes := newTestPair(t, schema.ModeMarketMaker)
	ctx := context.Background()

	quotes.set(siz6, "100.6", "100.7")
	quotes.set(usd, "100.0", "100.1")
	require.NoError(t, p.step(ctx))
	require.Len(t, trader.placed, 1)

	quotes.set(siz6, "100.3", "100.7")
	require.NoError(t, p.step(ctx))
	require.NoError(t, p.step(ctx))
	assert.Equal(t, []schema.OrderID{1}, trader.cancels)

	trader.fill(1, 0, schema.OrderStatusCancelled)
	require.NoError(t, p.step(ctx))
	assert.Nil(t, p.resting)
	assert.Equal(t, Flat, p.Held())
}

func TestPairRunSubscribesBothLegs(t *testing.T) {
	reg := schema.NewRegistry()
	require.NoError(t, reg.AddInstrument("SI", siz6, 1))
	require.NoError(t, reg.AddInstrument("USD", usd, 1))
	feed := &fakeFeed{}
	cfg := pairConfig(schema.ModeShooter)
	cfg.PollInterval = 5 * time.Millisecond
	p, err := NewPair("s1", cfg, Env{Trader: newFakeTrader(), Quotes: &fakeQuotes{}, Feed: feed, Registry: reg})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool {
		subs, _ := feed.counts()
		return subs == 2
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not return")
	}
	_, unsubs := feed.counts()
	assert.Equal(t, 2, unsubs)
}

func TestNewPairValidation(t *testing.T) {
	reg := schema.NewRegistry()
	require.NoError(t, reg.AddInstrument("SI", siz6, 1))
	env := Env{Trader: newFakeTrader(), Quotes: &fakeQuotes{}, Registry: reg}

	_, err := NewPair("s1", pairConfig(schema.ModeShooter), env)
	require.Error(t, err, "USD is not registered")

	bad := pairConfig(schema.ModeShooter)
	bad.BaseQty = 0
	_, err = NewPair("s1", bad, env)
	require.Error(t, err)

	_, err = NewPair("s1", pairConfig(schema.ModeShooter), Env{Registry: reg})
	require.Error(t, err)
}

func TestWithDefaults(t *testing.T) {
	cfg := WithDefaults(schema.StrategyConfig{})
	assert.Equal(t, TypePair, cfg.Type)
	require.Len(t, cfg.EntryLevels, 1)
	assert.True(t, cfg.EntryLevels[0].Equal(d("0.5")))
	assert.True(t, cfg.ExitLevel.Equal(d("0.1")))
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, schema.ModeShooter, cfg.Mode)
}
