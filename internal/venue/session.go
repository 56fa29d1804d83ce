package venue

import (
	"context"
	"strconv"

	"github.com/shopspring/decimal"

	"arbterm/internal/schema"
)

// Raw callback names pushed by the terminal.
const (
	CmdOnOrder      = "OnOrder"
	CmdOnTrade      = "OnTrade"
	CmdOnTransReply = "OnTransReply"
	CmdOnQuote      = "OnQuote"
	// CmdOnError is produced locally for dispatch failures.
	CmdOnError = "OnError"
)

// Transaction actions.
const (
	ActionNewOrder   = "NEW_ORDER"
	ActionKillOrder  = "KILL_ORDER"
	ActionMoveOrders = "MOVE_ORDERS"
)

// Callback is a raw push from the terminal, before normalization.
type Callback struct {
	Cmd  string
	Data map[string]any
}

// Reply is the immediate envelope returned for a transaction.
type Reply struct {
	// Result is zero when the terminal accepted the request.
	Result   int
	Data     any
	Message  string
	OrderNum string
}

// Accepted mirrors the terminal convention: a zero result with data that is
// not an explicit false.
func (r Reply) Accepted() bool {
	if r.Result != 0 {
		return false
	}
	if b, ok := r.Data.(bool); ok {
		return b
	}
	return true
}

// Transaction is the flat string map the terminal expects.
type Transaction map[string]string

// Action returns the ACTION field.
func (t Transaction) Action() string { return t["ACTION"] }

// TransID returns the TRANS_ID field, or zero when absent.
func (t Transaction) TransID() schema.TransID {
	v, _ := strconv.ParseInt(t["TRANS_ID"], 10, 64)
	return schema.TransID(v)
}

// Instrument returns the CLASSCODE/SECCODE pair.
func (t Transaction) Instrument() schema.Instrument {
	return schema.Instrument{ClassCode: t["CLASSCODE"], SecCode: t["SECCODE"]}
}

// Session is a connected terminal. Run delivers every push on the session's
// own worker goroutine.
type Session interface {
	SendTransaction(ctx context.Context, tr Transaction) (Reply, error)
	SubscribeQuotes(ctx context.Context, ins schema.Instrument) error
	UnsubscribeQuotes(ctx context.Context, ins schema.Instrument) error
	Run(ctx context.Context, handle func(Callback)) error
}

// OrderRequest describes a new order to dispatch.
type OrderRequest struct {
	TransID    schema.TransID
	Instrument schema.Instrument
	Side       schema.Side
	Type       schema.OrderType
	Price      decimal.Decimal
	Qty        int64
	Account    string
	ClientCode string
}

// OrderRef addresses an existing order at the venue.
type OrderRef struct {
	Instrument   schema.Instrument
	OrderKey     string
	VenueOrderID string
	Side         schema.Side
	Type         schema.OrderType
	Account      string
	ClientCode   string
}

// Key returns the order key, falling back to the venue order id.
func (r OrderRef) Key() string {
	if r.OrderKey != "" {
		return r.OrderKey
	}
	return r.VenueOrderID
}

// Ack is the normalized immediate acknowledgement of a dispatch.
type Ack struct {
	Accepted     bool
	VenueOrderID string
	ErrorCode    int
	Message      string
}

func newOrderTransaction(req OrderRequest) Transaction {
	tr := Transaction{
		"ACTION":    ActionNewOrder,
		"TRANS_ID":  strconv.FormatInt(int64(req.TransID), 10),
		"CLASSCODE": req.Instrument.ClassCode,
		"SECCODE":   req.Instrument.SecCode,
		"OPERATION": operation(req.Side),
		"QUANTITY":  strconv.FormatInt(req.Qty, 10),
		"TYPE":      orderType(req.Type),
		"PRICE":     "0",
	}
	if req.Type == schema.OrderTypeLimit {
		tr["PRICE"] = req.Price.String()
	}
	setOptional(tr, "ACCOUNT", req.Account)
	setOptional(tr, "CLIENT_CODE", req.ClientCode)
	return tr
}

func killOrderTransaction(ref OrderRef, transID schema.TransID) Transaction {
	tr := Transaction{
		"ACTION":    ActionKillOrder,
		"TRANS_ID":  strconv.FormatInt(int64(transID), 10),
		"CLASSCODE": ref.Instrument.ClassCode,
		"SECCODE":   ref.Instrument.SecCode,
		"ORDER_KEY": ref.Key(),
	}
	setOptional(tr, "ACCOUNT", ref.Account)
	setOptional(tr, "CLIENT_CODE", ref.ClientCode)
	return tr
}

func moveOrdersTransaction(ref OrderRef, price decimal.Decimal, qty *int64, transID schema.TransID) Transaction {
	tr := Transaction{
		"ACTION":    ActionMoveOrders,
		"TRANS_ID":  strconv.FormatInt(int64(transID), 10),
		"CLASSCODE": ref.Instrument.ClassCode,
		"SECCODE":   ref.Instrument.SecCode,
		"ORDER_KEY": ref.Key(),
		"PRICE":     price.String(),
	}
	if qty != nil {
		tr["QUANTITY"] = strconv.FormatInt(*qty, 10)
	}
	if ref.Side != schema.SideUnknown {
		tr["OPERATION"] = operation(ref.Side)
	}
	if ref.Type != schema.OrderTypeUnknown {
		tr["TYPE"] = orderType(ref.Type)
	}
	setOptional(tr, "ACCOUNT", ref.Account)
	setOptional(tr, "CLIENT_CODE", ref.ClientCode)
	return tr
}

func operation(side schema.Side) string {
	if side == schema.SideSell {
		return "S"
	}
	return "B"
}

func orderType(t schema.OrderType) string {
	if t == schema.OrderTypeMarket {
		return "M"
	}
	return "L"
}

func setOptional(tr Transaction, key, value string) {
	if value != "" {
		tr[key] = value
	}
}
