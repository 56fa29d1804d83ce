package state

import (
	"github.com/shopspring/decimal"

	"arbterm/internal/schema"
)

// AliasResolver maps an instrument to its registered alias.
type AliasResolver interface {
	AliasOf(ins schema.Instrument) (string, bool)
}

// baseline is what an order had filled when its position was last reset.
type baseline struct {
	filled   int64
	notional decimal.Decimal
}

// Result is the outcome of a position recompute.
type Result struct {
	PnL     decimal.Decimal
	ExecQty int64
	// LegNotional is the qty-normalized notional per leg, in leg order.
	LegNotional []decimal.Decimal
	// Unresolved lists orders whose instrument matches no leg.
	Unresolved []schema.OrderID
}

// Compute rebuilds P&L and executed quantity of pos from scratch. Each leg
// collects execPrice*filled/qtyRatio of its orders; the first leg counts
// positive and every further leg negative, each scaled by its price ratio.
// Executed quantity is the filled total of the first leg.
func Compute(pos schema.Position, orders []schema.Order, aliases AliasResolver, bases map[schema.OrderID]baseline) Result {
	res := Result{PnL: decimal.Zero, LegNotional: make([]decimal.Decimal, len(pos.Legs))}
	for i := range res.LegNotional {
		res.LegNotional[i] = decimal.Zero
	}

	for _, o := range orders {
		if o.Filled <= 0 {
			continue
		}
		idx := legOf(pos, o.Instrument, aliases)
		if idx < 0 {
			res.Unresolved = append(res.Unresolved, o.ID)
			continue
		}
		filled := o.Filled
		notional := o.ExecPrice.Mul(decimal.NewFromInt(o.Filled))
		if b, ok := bases[o.ID]; ok {
			filled -= b.filled
			notional = notional.Sub(b.notional)
		}
		if filled <= 0 {
			continue
		}
		_, qtyRatio := legRatio(pos.Legs[idx])
		res.LegNotional[idx] = res.LegNotional[idx].Add(notional.Div(qtyRatio))
		if idx == 0 {
			res.ExecQty += filled
		}
	}

	for i, leg := range pos.Legs {
		priceRatio, _ := legRatio(leg)
		term := res.LegNotional[i].Mul(priceRatio)
		if i == 0 {
			res.PnL = res.PnL.Add(term)
		} else {
			res.PnL = res.PnL.Sub(term)
		}
	}
	return res
}

// HitPrice is the ratio-weighted spread of the legs' reference prices. It is
// zero until every leg has one.
func HitPrice(pos schema.Position) decimal.Decimal {
	hit := decimal.Zero
	for i, leg := range pos.Legs {
		ref, ok := pos.RefPrices[leg.Alias]
		if !ok {
			return decimal.Zero
		}
		priceRatio, _ := legRatio(leg)
		if i == 0 {
			hit = hit.Add(ref.Mul(priceRatio))
		} else {
			hit = hit.Sub(ref.Mul(priceRatio))
		}
	}
	return hit
}

func legOf(pos schema.Position, ins schema.Instrument, aliases AliasResolver) int {
	if aliases != nil {
		if alias, ok := aliases.AliasOf(ins); ok {
			if idx := pos.LegIndex(alias); idx >= 0 {
				return idx
			}
		}
	}
	for i, leg := range pos.Legs {
		if !leg.Instrument.IsZero() && leg.Instrument == ins {
			return i
		}
	}
	return -1
}

func legRatio(leg schema.Leg) (price, qty decimal.Decimal) {
	price, qty = leg.PriceRatio, leg.QtyRatio
	if price.IsZero() {
		price = decimal.NewFromInt(1)
	}
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	return price, qty
}
