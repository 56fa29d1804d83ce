package og

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbterm/internal/schema"
)

func TestCorrelationLearnsVenueIDFromPlacement(t *testing.T) {
	c := NewCorrelation()
	c.RegisterTrans(10, 1, PurposePlace)

	id, purpose, ok := c.Resolve(schema.Event{Kind: schema.EventTransReply, TransID: 10, VenueOrderID: "555"})
	require.True(t, ok)
	assert.Equal(t, schema.OrderID(1), id)
	assert.Equal(t, PurposePlace, purpose)

	venueID, ok := c.VenueOf(1)
	require.True(t, ok)
	assert.Equal(t, "555", venueID)

	id, purpose, ok = c.Resolve(schema.Event{Kind: schema.EventTrade, VenueOrderID: "555"})
	require.True(t, ok)
	assert.Equal(t, schema.OrderID(1), id)
	assert.Equal(t, PurposeUnknown, purpose)
}

func TestCorrelationCancelDoesNotLearnVenueID(t *testing.T) {
	c := NewCorrelation()
	c.RegisterTrans(11, 1, PurposeCancel)

	id, purpose, ok := c.Resolve(schema.Event{Kind: schema.EventTransReply, TransID: 11, VenueOrderID: "777"})
	require.True(t, ok)
	assert.Equal(t, schema.OrderID(1), id)
	assert.Equal(t, PurposeCancel, purpose)
	_, ok = c.ByVenue("777")
	assert.False(t, ok)
}

func TestCorrelationVenueIDWinsOverForeignTrans(t *testing.T) {
	c := NewCorrelation()
	c.RegisterTrans(1, 1, PurposePlace)
	c.RegisterTrans(2, 2, PurposePlace)
	require.True(t, c.BindVenue("A", 1))

	id, purpose, ok := c.Resolve(schema.Event{TransID: 2, VenueOrderID: "A"})
	require.True(t, ok)
	assert.Equal(t, schema.OrderID(1), id)
	assert.Equal(t, PurposeUnknown, purpose)
}

func TestCorrelationNeverRebindsVenueID(t *testing.T) {
	c := NewCorrelation()
	require.True(t, c.BindVenue("A", 1))
	assert.True(t, c.BindVenue("A", 1))
	assert.False(t, c.BindVenue("A", 2))
	assert.False(t, c.BindVenue("", 2))

	id, ok := c.ByVenue("A")
	require.True(t, ok)
	assert.Equal(t, schema.OrderID(1), id)
}

func TestCorrelationReleaseKeepsOldVenueResolvable(t *testing.T) {
	c := NewCorrelation()
	require.True(t, c.BindVenue("old", 1))
	c.ReleaseVenue(1)
	require.True(t, c.BindVenue("new", 1))

	id, _, ok := c.Resolve(schema.Event{VenueOrderID: "old"})
	require.True(t, ok)
	assert.Equal(t, schema.OrderID(1), id)
	venueID, _ := c.VenueOf(1)
	assert.Equal(t, "new", venueID)
}

func TestCorrelationMiss(t *testing.T) {
	c := NewCorrelation()
	c.RegisterTrans(0, 1, PurposePlace)

	_, _, ok := c.Resolve(schema.Event{VenueOrderID: "nope"})
	assert.False(t, ok)
	_, _, ok = c.Resolve(schema.Event{})
	assert.False(t, ok)
	_, _, ok = c.Trans(0)
	assert.False(t, ok)
}

func TestCorrelationContext(t *testing.T) {
	c := NewCorrelation()
	want := schema.OrderContext{Account: "A1", ClientCode: "C1", Instrument: schema.Instrument{ClassCode: "TQBR", SecCode: "SBER"}, OrderKey: "K"}
	c.SetContext(3, want)
	got, ok := c.Context(3)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestTradeSetExpires(t *testing.T) {
	s := newTradeSet(time.Minute)
	now := time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)
	key := tradeKey(schema.Event{TradeID: "T1"})

	assert.False(t, s.seen(key, now))
	s.add(key, now)
	assert.True(t, s.seen(key, now.Add(30*time.Second)))
	assert.False(t, s.seen(key, now.Add(2*time.Minute)))
}

func TestTradeKeyWithoutTradeID(t *testing.T) {
	a := schema.Event{VenueOrderID: "1", FilledDelta: 2, FillPrice: decimal.NewFromInt(100), TradeTime: "10:00:00"}
	b := a
	b.FilledDelta = 3
	assert.Equal(t, tradeKey(a), tradeKey(a))
	assert.NotEqual(t, tradeKey(a), tradeKey(b))
	assert.Equal(t, "t:X", tradeKey(schema.Event{TradeID: "X", VenueOrderID: "1"}))
}
