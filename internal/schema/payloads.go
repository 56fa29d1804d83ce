package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderID is the local order identifier assigned by the store.
type OrderID int64

// TransID is a venue transaction identifier. Every placement, cancellation and
// modification attempt carries a fresh one.
type TransID int64

// Side defines the order direction.
type Side uint8

const (
	SideUnknown Side = iota
	SideBuy
	SideSell
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the reverse side.
func (s Side) Opposite() Side {
	switch s {
	case SideBuy:
		return SideSell
	case SideSell:
		return SideBuy
	default:
		return SideUnknown
	}
}

// ParseSide accepts BUY/SELL as well as the terminal's B/S operation codes.
func ParseSide(v string) Side {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "BUY", "B":
		return SideBuy
	case "SELL", "S":
		return SideSell
	default:
		return SideUnknown
	}
}

// OrderType defines the execution style.
type OrderType uint8

const (
	OrderTypeUnknown OrderType = iota
	OrderTypeLimit
	OrderTypeMarket
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeLimit:
		return "LIMIT"
	case OrderTypeMarket:
		return "MARKET"
	default:
		return "UNKNOWN"
	}
}

// OrderStatus tracks the lifecycle of an order.
type OrderStatus uint8

const (
	OrderStatusUnknown OrderStatus = iota
	OrderStatusNew
	OrderStatusActive
	OrderStatusPartial
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
)

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusNew:
		return "NEW"
	case OrderStatusActive:
		return "ACTIVE"
	case OrderStatusPartial:
		return "PARTIAL"
	case OrderStatusFilled:
		return "FILLED"
	case OrderStatusCancelled:
		return "CANCELLED"
	case OrderStatusRejected:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

// ParseOrderStatus maps a textual status to OrderStatus.
func ParseOrderStatus(v string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "NEW":
		return OrderStatusNew
	case "ACTIVE", "ACCEPTED":
		return OrderStatusActive
	case "PARTIAL", "PARTIALLY_FILLED":
		return OrderStatusPartial
	case "FILLED":
		return OrderStatusFilled
	case "CANCELLED", "CANCELED":
		return OrderStatusCancelled
	case "REJECTED":
		return OrderStatusRejected
	default:
		return OrderStatusUnknown
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// Instrument identifies a tradable security on the venue.
type Instrument struct {
	ClassCode string `json:"classCode" yaml:"class_code"`
	SecCode   string `json:"secCode" yaml:"sec_code"`
}

// Key returns CLASS.SEC.
func (i Instrument) Key() string {
	return i.ClassCode + "." + i.SecCode
}

func (i Instrument) String() string {
	return i.Key()
}

// IsZero reports whether the instrument is unset.
func (i Instrument) IsZero() bool {
	return i.ClassCode == "" && i.SecCode == ""
}

// OrderContext is the venue context cached per local order id.
type OrderContext struct {
	Account    string
	ClientCode string
	Instrument Instrument
	OrderKey   string
}

// Order is the engine's view of a single logical order.
type Order struct {
	ID            OrderID
	TransID       TransID
	VenueOrderID  string
	VenueOrderKey string
	PositionID    string
	StrategyID    string
	Instrument    Instrument
	Side          Side
	Type          OrderType
	Price         decimal.Decimal
	Qty           int64
	Filled        int64
	Leaves        int64
	ExecPrice     decimal.Decimal
	Status        OrderStatus
	Account       string
	ClientCode    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Notional returns price * qty.
func (o Order) Notional() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Qty))
}

// Context returns the venue context of the order.
func (o Order) Context() OrderContext {
	return OrderContext{
		Account:    o.Account,
		ClientCode: o.ClientCode,
		Instrument: o.Instrument,
		OrderKey:   o.VenueOrderKey,
	}
}
