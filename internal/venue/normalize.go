package venue

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"

	"arbterm/internal/schema"
	"arbterm/pkg/exception"
)

// Alias keys of the raw callbacks. They are resolved here and nowhere else.
var (
	keyVenueOrderID = []string{"order_num", "order_id", "ORDER_NUM"}
	keyTransID      = []string{"trans_id", "TRANS_ID"}
	keyOrderKey     = []string{"order_key", "ORDER_KEY"}
	keyTradeID      = []string{"trade_num", "trade_id"}
	keyQty          = []string{"qty", "quantity", "QUANTITY"}
	keyErrorCode    = []string{"error_code", "ERROR_CODE"}
	keyErrorMessage = []string{"error_msg", "result_msg", "message"}
	keyAccount      = []string{"account", "ACCOUNT", "ACCOUNT_ID"}
	keyClientCode   = []string{"client_code", "CLIENT_CODE"}
	keyClassCode    = []string{"class_code", "CLASSCODE"}
	keySecCode      = []string{"sec_code", "SECCODE"}
	keyTradeTime    = []string{"trade_time", "time"}
)

const (
	orderFlagActive    = 0x1
	orderFlagCancelled = 0x2

	transReplyStatusExecuted = 3
)

// Normalize converts a raw callback into the single event shape.
func Normalize(cb Callback) (schema.Event, error) {
	ev := schema.Event{TsRecv: time.Now().UTC().UnixNano()}
	data := cb.Data
	ev.VenueOrderID = stringOf(data, keyVenueOrderID...)
	ev.TransID = schema.TransID(int64Of(data, keyTransID...))
	ev.VenueOrderKey = stringOf(data, keyOrderKey...)
	ev.Account = stringOf(data, keyAccount...)
	ev.ClientCode = stringOf(data, keyClientCode...)
	ev.Instrument = schema.Instrument{
		ClassCode: stringOf(data, keyClassCode...),
		SecCode:   stringOf(data, keySecCode...),
	}

	switch cb.Cmd {
	case CmdOnOrder:
		ev.Kind = schema.EventOrder
		ev.Status = orderStatus(data)
	case CmdOnTrade:
		ev.Kind = schema.EventTrade
		ev.TradeID = stringOf(data, keyTradeID...)
		ev.FilledDelta = int64Of(data, keyQty...)
		ev.FillPrice = decimalOf(data, "price")
		ev.TradeTime = stringOf(data, keyTradeTime...)
		if ev.FilledDelta <= 0 {
			return ev, errors.Wrap(exception.ErrInvalidArgument, "trade without positive qty")
		}
	case CmdOnTransReply:
		ev.Kind = schema.EventTransReply
		ev.ErrorCode = int(int64Of(data, keyErrorCode...))
		ev.ErrorMessage = stringOf(data, keyErrorMessage...)
		ev.Status = transReplyStatus(data, &ev)
	case CmdOnError:
		ev.Kind = schema.EventError
		ev.ErrorCode = int(int64Of(data, keyErrorCode...))
		ev.ErrorMessage = stringOf(data, keyErrorMessage...)
		ev.Status = schema.OrderStatusRejected
	case CmdOnQuote:
		ev.Kind = schema.EventQuote
		ev.Quote = quoteOf(data, ev.Instrument)
		ev.Quote.TsRecv = ev.TsRecv
	default:
		return ev, errors.Wrap(exception.ErrTypeUnsupported, "callback "+cb.Cmd)
	}
	return ev, nil
}

// orderStatus prefers a textual status and falls back to the terminal's flag bits.
func orderStatus(data map[string]any) schema.OrderStatus {
	if raw, ok := lookup(data, "status"); ok {
		if s, ok := raw.(string); ok {
			if st := schema.ParseOrderStatus(s); st != schema.OrderStatusUnknown {
				return st
			}
		}
	}
	raw, ok := lookup(data, "flags")
	if !ok {
		return schema.OrderStatusUnknown
	}
	flags, ok := toInt64(raw)
	if !ok {
		return schema.OrderStatusUnknown
	}
	switch {
	case flags&orderFlagActive != 0:
		return schema.OrderStatusActive
	case flags&orderFlagCancelled != 0:
		return schema.OrderStatusCancelled
	default:
		return schema.OrderStatusFilled
	}
}

func transReplyStatus(data map[string]any, ev *schema.Event) schema.OrderStatus {
	if ev.ErrorCode != 0 {
		return schema.OrderStatusRejected
	}
	raw, ok := lookup(data, "status")
	if !ok {
		return schema.OrderStatusUnknown
	}
	if s, ok := raw.(string); ok {
		if st := schema.ParseOrderStatus(s); st != schema.OrderStatusUnknown {
			return st
		}
	}
	code, ok := toInt64(raw)
	if !ok {
		return schema.OrderStatusUnknown
	}
	switch {
	case code == transReplyStatusExecuted:
		return schema.OrderStatusActive
	case code >= 2:
		ev.ErrorCode = int(code)
		return schema.OrderStatusRejected
	default:
		return schema.OrderStatusUnknown
	}
}

func quoteOf(data map[string]any, ins schema.Instrument) schema.Quote {
	q := schema.Quote{Instrument: ins}
	q.Bids = levelsOf(data, "bid")
	q.Asks = levelsOf(data, "offer", "ask")
	sort.Slice(q.Bids, func(i, j int) bool { return q.Bids[i].Price.GreaterThan(q.Bids[j].Price) })
	sort.Slice(q.Asks, func(i, j int) bool { return q.Asks[i].Price.LessThan(q.Asks[j].Price) })
	if len(q.Bids) != 0 {
		q.Bid, q.BidQty = q.Bids[0].Price, q.Bids[0].Qty
	}
	if len(q.Asks) != 0 {
		q.Ask, q.AskQty = q.Asks[0].Price, q.Asks[0].Qty
	}
	return q
}

// levelsOf accepts either a list of {price, quantity} levels or a flat price.
func levelsOf(data map[string]any, keys ...string) []schema.Level {
	raw, ok := lookup(data, keys...)
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		if p, ok := toDecimal(raw); ok && p.IsPositive() {
			return []schema.Level{{Price: p}}
		}
		return nil
	}
	out := make([]schema.Level, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		price := decimalOf(m, "price")
		if !price.IsPositive() {
			continue
		}
		out = append(out, schema.Level{Price: price, Qty: int64Of(m, "quantity", "qty")})
	}
	return out
}

func lookup(data map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := data[k]; ok && v != nil {
			if s, isStr := v.(string); isStr && s == "" {
				continue
			}
			return v, true
		}
	}
	return nil, false
}

func stringOf(data map[string]any, keys ...string) string {
	v, ok := lookup(data, keys...)
	if !ok {
		return ""
	}
	return toString(v)
}

func int64Of(data map[string]any, keys ...string) int64 {
	v, ok := lookup(data, keys...)
	if !ok {
		return 0
	}
	n, _ := toInt64(v)
	return n
}

func decimalOf(data map[string]any, keys ...string) decimal.Decimal {
	v, ok := lookup(data, keys...)
	if !ok {
		return decimal.Zero
	}
	d, _ := toDecimal(v)
	return d
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		return int64(x), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
		f, err := x.Float64()
		return int64(f), err == nil
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		f, err := strconv.ParseFloat(s, 64)
		return int64(f), err == nil
	default:
		return 0, false
	}
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case float64:
		return decimal.NewFromFloat(x), true
	case int64:
		return decimal.NewFromInt(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(x))
		return d, err == nil
	default:
		return decimal.Zero, false
	}
}
