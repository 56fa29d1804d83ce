package schema

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// EventKind defines the category of a normalized venue event.
type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventQuote
	EventTrade
	EventOrder
	EventTransReply
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventQuote:
		return "quote"
	case EventTrade:
		return "trade"
	case EventOrder:
		return "order"
	case EventTransReply:
		return "trans_reply"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the single normalized shape every venue callback is converted into.
// Zero values mean the field was absent on the wire.
type Event struct {
	Kind   EventKind
	Seq    uint64
	TsRecv int64

	VenueOrderID  string
	VenueOrderKey string
	TransID       TransID
	Status        OrderStatus

	FilledDelta int64
	FillPrice   decimal.Decimal
	TradeID     string
	TradeTime   string

	ErrorCode    int
	ErrorMessage string

	Instrument Instrument
	Account    string
	ClientCode string

	Quote Quote
}

func (e Event) String() string {
	return fmt.Sprintf("%s{venue=%s trans=%d status=%s delta=%d price=%s err=%d %s}",
		e.Kind, e.VenueOrderID, e.TransID, e.Status, e.FilledDelta, e.FillPrice, e.ErrorCode, e.ErrorMessage)
}

// Level is one price level of an order book side.
type Level struct {
	Price decimal.Decimal
	Qty   int64
}

// Quote is the top-of-book snapshot with optional depth.
type Quote struct {
	Instrument Instrument
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	BidQty     int64
	AskQty     int64
	// Bids are sorted best first (descending), Asks best first (ascending).
	Bids   []Level
	Asks   []Level
	TsRecv int64
}

// Valid reports whether both sides carry a positive price.
func (q Quote) Valid() bool {
	return q.Bid.IsPositive() && q.Ask.IsPositive()
}

// Mid returns (bid+ask)/2.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}
