package venue

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbterm/internal/schema"
)

func TestNormalizeOrderFlags(t *testing.T) {
	tests := []struct {
		name  string
		data  map[string]any
		state schema.OrderStatus
	}{
		{"active", map[string]any{"flags": 1}, schema.OrderStatusActive},
		{"active sell", map[string]any{"flags": json.Number("5")}, schema.OrderStatusActive},
		{"cancelled", map[string]any{"flags": float64(2)}, schema.OrderStatusCancelled},
		{"filled", map[string]any{"flags": "0"}, schema.OrderStatusFilled},
		{"textual wins", map[string]any{"status": "REJECTED", "flags": 1}, schema.OrderStatusRejected},
		{"missing", map[string]any{}, schema.OrderStatusUnknown},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.data["order_num"] = "555"
			ev, err := Normalize(Callback{Cmd: CmdOnOrder, Data: tc.data})
			require.NoError(t, err)
			assert.Equal(t, schema.EventOrder, ev.Kind)
			assert.Equal(t, "555", ev.VenueOrderID)
			assert.Equal(t, tc.state, ev.Status)
		})
	}
}

func TestNormalizeAliasKeys(t *testing.T) {
	ev, err := Normalize(Callback{Cmd: CmdOnOrder, Data: map[string]any{
		"ORDER_NUM":  float64(42),
		"TRANS_ID":   "17",
		"ACCOUNT_ID": "L01",
		"CLASSCODE":  "TQBR",
		"SECCODE":    "SBER",
		"flags":      1,
	}})
	require.NoError(t, err)
	assert.Equal(t, "42", ev.VenueOrderID)
	assert.Equal(t, schema.TransID(17), ev.TransID)
	assert.Equal(t, "L01", ev.Account)
	assert.Equal(t, schema.Instrument{ClassCode: "TQBR", SecCode: "SBER"}, ev.Instrument)
}

func TestNormalizeTrade(t *testing.T) {
	ev, err := Normalize(Callback{Cmd: CmdOnTrade, Data: map[string]any{
		"trade_num": "9001",
		"order_num": "555",
		"qty":       json.Number("3"),
		"price":     "101.25",
	}})
	require.NoError(t, err)
	assert.Equal(t, schema.EventTrade, ev.Kind)
	assert.Equal(t, "9001", ev.TradeID)
	assert.EqualValues(t, 3, ev.FilledDelta)
	assert.True(t, ev.FillPrice.Equal(decimal.RequireFromString("101.25")))

	_, err = Normalize(Callback{Cmd: CmdOnTrade, Data: map[string]any{"order_num": "555", "qty": 0}})
	assert.Error(t, err)
}

func TestNormalizeTransReply(t *testing.T) {
	tests := []struct {
		name  string
		data  map[string]any
		state schema.OrderStatus
		code  int
	}{
		{"executed", map[string]any{"status": 3}, schema.OrderStatusActive, 0},
		{"venue error", map[string]any{"status": 4}, schema.OrderStatusRejected, 4},
		{"error code", map[string]any{"status": 3, "error_code": 579}, schema.OrderStatusRejected, 579},
		{"sent", map[string]any{"status": 1}, schema.OrderStatusUnknown, 0},
		{"textual", map[string]any{"status": "CANCELLED"}, schema.OrderStatusCancelled, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.data["trans_id"] = 5
			ev, err := Normalize(Callback{Cmd: CmdOnTransReply, Data: tc.data})
			require.NoError(t, err)
			assert.Equal(t, schema.EventTransReply, ev.Kind)
			assert.Equal(t, schema.TransID(5), ev.TransID)
			assert.Equal(t, tc.state, ev.Status)
			assert.Equal(t, tc.code, ev.ErrorCode)
		})
	}
}

func TestNormalizeQuote(t *testing.T) {
	ev, err := Normalize(Callback{Cmd: CmdOnQuote, Data: map[string]any{
		"class_code": "SPBFUT",
		"sec_code":   "SiZ6",
		"bid": []any{
			map[string]any{"price": "99", "quantity": "4"},
			map[string]any{"price": "100", "quantity": "2"},
		},
		"offer": []any{
			map[string]any{"price": "102", "quantity": "7"},
			map[string]any{"price": "101", "quantity": "1"},
		},
	}})
	require.NoError(t, err)
	q := ev.Quote
	assert.True(t, q.Bid.Equal(decimal.NewFromInt(100)))
	assert.EqualValues(t, 2, q.BidQty)
	assert.True(t, q.Ask.Equal(decimal.NewFromInt(101)))
	assert.EqualValues(t, 1, q.AskQty)
	require.Len(t, q.Asks, 2)
	assert.True(t, q.Asks[1].Price.Equal(decimal.NewFromInt(102)))

	flat, err := Normalize(Callback{Cmd: CmdOnQuote, Data: map[string]any{"bid": 10.5, "ask": "11"}})
	require.NoError(t, err)
	assert.True(t, flat.Quote.Bid.Equal(decimal.RequireFromString("10.5")))
	assert.True(t, flat.Quote.Ask.Equal(decimal.NewFromInt(11)))
}

func TestNormalizeUnknownCmd(t *testing.T) {
	_, err := Normalize(Callback{Cmd: "OnFirm"})
	assert.Error(t, err)
}

func TestReplyAccepted(t *testing.T) {
	assert.True(t, Reply{}.Accepted())
	assert.True(t, Reply{Data: true}.Accepted())
	assert.False(t, Reply{Data: false}.Accepted())
	assert.False(t, Reply{Result: -1, Data: true}.Accepted())
}

func TestTransactionBuilders(t *testing.T) {
	ins := schema.Instrument{ClassCode: "TQBR", SecCode: "SBER"}
	tr := newOrderTransaction(OrderRequest{
		TransID:    11,
		Instrument: ins,
		Side:       schema.SideSell,
		Type:       schema.OrderTypeMarket,
		Price:      decimal.NewFromInt(250),
		Qty:        3,
		Account:    "L01",
	})
	assert.Equal(t, ActionNewOrder, tr.Action())
	assert.Equal(t, "0", tr["PRICE"])
	assert.Equal(t, "S", tr["OPERATION"])
	assert.Equal(t, "M", tr["TYPE"])
	assert.Equal(t, "L01", tr["ACCOUNT"])
	_, hasClient := tr["CLIENT_CODE"]
	assert.False(t, hasClient)

	qty := int64(5)
	mv := moveOrdersTransaction(OrderRef{Instrument: ins, VenueOrderID: "77"}, decimal.NewFromInt(251), &qty, 12)
	assert.Equal(t, "77", mv["ORDER_KEY"])
	assert.Equal(t, "5", mv["QUANTITY"])
	assert.Equal(t, schema.TransID(12), mv.TransID())

	kill := killOrderTransaction(OrderRef{Instrument: ins, OrderKey: "k1", VenueOrderID: "77"}, 13)
	assert.Equal(t, "k1", kill["ORDER_KEY"])
}
