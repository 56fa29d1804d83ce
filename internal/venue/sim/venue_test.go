package sim

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbterm/internal/schema"
	"arbterm/internal/venue"
)

var testIns = schema.Instrument{ClassCode: "SPBFUT", SecCode: "SiZ6"}

func drain(t *testing.T, v *Venue, n int) []venue.Callback {
	t.Helper()
	out := make([]venue.Callback, 0, n)
	timeout := time.After(time.Second)
	for len(out) < n {
		select {
		case cb := <-v.pushes:
			out = append(out, cb)
		case <-timeout:
			t.Fatalf("got %d of %d callbacks", len(out), n)
		}
	}
	return out
}

func newOrder(transID, typ, side, price, qty string) venue.Transaction {
	return venue.Transaction{
		"ACTION":    venue.ActionNewOrder,
		"TRANS_ID":  transID,
		"CLASSCODE": testIns.ClassCode,
		"SECCODE":   testIns.SecCode,
		"OPERATION": side,
		"TYPE":      typ,
		"PRICE":     price,
		"QUANTITY":  qty,
	}
}

func TestNewOrderPushesReplyAndOrder(t *testing.T) {
	v := New(Config{ReplyOrderNum: true})
	reply, err := v.SendTransaction(context.Background(), newOrder("7", "L", "B", "100", "5"))
	require.NoError(t, err)
	require.True(t, reply.Accepted())
	require.NotEmpty(t, reply.OrderNum)

	cbs := drain(t, v, 2)
	tr, err := venue.Normalize(cbs[0])
	require.NoError(t, err)
	assert.Equal(t, schema.EventTransReply, tr.Kind)
	assert.Equal(t, schema.TransID(7), tr.TransID)
	assert.Equal(t, schema.OrderStatusActive, tr.Status)
	assert.Equal(t, reply.OrderNum, tr.VenueOrderID)

	ord, err := venue.Normalize(cbs[1])
	require.NoError(t, err)
	assert.Equal(t, schema.EventOrder, ord.Kind)
	assert.Equal(t, schema.OrderStatusActive, ord.Status)
	assert.Equal(t, []string{reply.OrderNum}, v.ActiveOrders())
}

func TestMarketOrderAutoFill(t *testing.T) {
	v := New(Config{AutoFillMarket: true, ReplyOrderNum: true})
	v.SetQuote(testIns, decimal.NewFromInt(99), decimal.NewFromInt(101))

	_, err := v.SendTransaction(context.Background(), newOrder("8", "M", "B", "0", "3"))
	require.NoError(t, err)

	cbs := drain(t, v, 4)
	trade, err := venue.Normalize(cbs[2])
	require.NoError(t, err)
	assert.Equal(t, schema.EventTrade, trade.Kind)
	assert.EqualValues(t, 3, trade.FilledDelta)
	assert.True(t, trade.FillPrice.Equal(decimal.NewFromInt(101)))

	final, err := venue.Normalize(cbs[3])
	require.NoError(t, err)
	assert.Equal(t, schema.OrderStatusFilled, final.Status)
	assert.Empty(t, v.ActiveOrders())
}

func TestKillOrder(t *testing.T) {
	v := New(Config{ReplyOrderNum: true})
	reply, err := v.SendTransaction(context.Background(), newOrder("9", "L", "S", "100", "2"))
	require.NoError(t, err)
	drain(t, v, 2)

	_, err = v.SendTransaction(context.Background(), venue.Transaction{
		"ACTION":    venue.ActionKillOrder,
		"TRANS_ID":  "10",
		"CLASSCODE": testIns.ClassCode,
		"SECCODE":   testIns.SecCode,
		"ORDER_KEY": reply.OrderNum,
	})
	require.NoError(t, err)
	cbs := drain(t, v, 2)
	ack, _ := venue.Normalize(cbs[0])
	assert.Equal(t, schema.OrderStatusActive, ack.Status)
	ord, _ := venue.Normalize(cbs[1])
	assert.Equal(t, schema.OrderStatusCancelled, ord.Status)

	// a second kill is refused by an error reply
	_, err = v.SendTransaction(context.Background(), venue.Transaction{
		"ACTION":    venue.ActionKillOrder,
		"TRANS_ID":  "11",
		"ORDER_KEY": reply.OrderNum,
	})
	require.NoError(t, err)
	rej, _ := venue.Normalize(drain(t, v, 1)[0])
	assert.Equal(t, schema.OrderStatusRejected, rej.Status)
	assert.NotZero(t, rej.ErrorCode)
}

func TestMoveOrdersRefusedOnNoAmendSegment(t *testing.T) {
	v := New(Config{})
	reply, err := v.SendTransaction(context.Background(), venue.Transaction{
		"ACTION":    venue.ActionMoveOrders,
		"TRANS_ID":  "12",
		"CLASSCODE": "TQBR",
		"SECCODE":   "SBER",
		"ORDER_KEY": "1",
	})
	require.NoError(t, err)
	assert.False(t, reply.Accepted())
}

func TestMoveOrdersAmendsInPlace(t *testing.T) {
	v := New(Config{ReplyOrderNum: true})
	reply, err := v.SendTransaction(context.Background(), newOrder("13", "L", "B", "100", "4"))
	require.NoError(t, err)
	drain(t, v, 2)

	moved, err := v.SendTransaction(context.Background(), venue.Transaction{
		"ACTION":    venue.ActionMoveOrders,
		"TRANS_ID":  "14",
		"CLASSCODE": testIns.ClassCode,
		"SECCODE":   testIns.SecCode,
		"ORDER_KEY": reply.OrderNum,
		"PRICE":     "101",
	})
	require.NoError(t, err)
	assert.True(t, moved.Accepted())
	cbs := drain(t, v, 2)
	assert.Equal(t, reply.OrderNum, cbs[1].Data["order_num"])
	assert.Equal(t, "101", cbs[1].Data["price"])
}

func TestFailNextAndTransactions(t *testing.T) {
	v := New(Config{})
	v.FailNext(assert.AnError)
	_, err := v.SendTransaction(context.Background(), newOrder("15", "L", "B", "100", "1"))
	require.ErrorIs(t, err, assert.AnError)

	_, err = v.SendTransaction(context.Background(), newOrder("16", "L", "B", "100", "1"))
	require.NoError(t, err)
	txs := v.Transactions()
	require.Len(t, txs, 2)
	assert.Equal(t, schema.TransID(15), txs[0].TransID())
}

func TestLimitMatchOnQuote(t *testing.T) {
	v := New(Config{MatchLimits: true, ReplyOrderNum: true})
	reply, err := v.SendTransaction(context.Background(), newOrder("17", "L", "B", "100", "2"))
	require.NoError(t, err)
	drain(t, v, 2)

	v.SetQuote(testIns, decimal.NewFromInt(98), decimal.NewFromInt(100))
	cbs := drain(t, v, 2)
	assert.Equal(t, venue.CmdOnTrade, cbs[0].Cmd)
	assert.Equal(t, reply.OrderNum, cbs[0].Data["order_num"])
}

func TestSubscribeAndRun(t *testing.T) {
	v := New(Config{})
	v.SetQuote(testIns, decimal.NewFromInt(99), decimal.NewFromInt(101))
	require.NoError(t, v.SubscribeQuotes(context.Background(), testIns))
	assert.True(t, v.Subscribed(testIns))

	ctx, cancel := context.WithCancel(context.Background())
	got := make(chan venue.Callback, 1)
	go func() { _ = v.Run(ctx, func(cb venue.Callback) { got <- cb }) }()
	defer cancel()

	select {
	case cb := <-got:
		ev, err := venue.Normalize(cb)
		require.NoError(t, err)
		assert.Equal(t, schema.EventQuote, ev.Kind)
		assert.True(t, ev.Quote.Bid.Equal(decimal.NewFromInt(99)))
		assert.True(t, ev.Quote.Ask.Equal(decimal.NewFromInt(101)))
	case <-time.After(time.Second):
		t.Fatal("no quote pushed")
	}

	require.NoError(t, v.UnsubscribeQuotes(context.Background(), testIns))
	assert.False(t, v.Subscribed(testIns))
}
