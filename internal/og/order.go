package og

import (
	"github.com/shopspring/decimal"

	"arbterm/internal/schema"
)

// applyFill adds qty at price to o and recomputes its VWAP. It returns false
// when nothing was applied.
func applyFill(o *schema.Order, qty int64, price decimal.Decimal) bool {
	if qty <= 0 || o.Status.IsTerminal() {
		return false
	}
	newFilled := o.Filled + qty
	if o.Filled == 0 {
		o.ExecPrice = price
	} else {
		notional := o.ExecPrice.Mul(decimal.NewFromInt(o.Filled)).Add(price.Mul(decimal.NewFromInt(qty)))
		o.ExecPrice = notional.Div(decimal.NewFromInt(newFilled))
	}
	o.Filled = newFilled
	o.Leaves = o.Qty - o.Filled
	if o.Leaves <= 0 {
		o.Leaves = 0
		o.Status = schema.OrderStatusFilled
	} else {
		o.Status = schema.OrderStatusPartial
	}
	return true
}

// applyStatus moves o to st when the transition is allowed. Fill states are
// derived from trades only, so FILLED and PARTIAL are never taken from here.
func applyStatus(o *schema.Order, st schema.OrderStatus) bool {
	if o.Status.IsTerminal() {
		return false
	}
	switch st {
	case schema.OrderStatusActive:
		if o.Status != schema.OrderStatusNew {
			return false
		}
		if o.Filled > 0 {
			o.Status = schema.OrderStatusPartial
		} else {
			o.Status = schema.OrderStatusActive
		}
		return true
	case schema.OrderStatusCancelled, schema.OrderStatusRejected:
		o.Status = st
		return true
	default:
		return false
	}
}
