package strategy

import (
	"slices"

	"github.com/shopspring/decimal"

	"arbterm/internal/schema"
)

// LegSize describes how a leg's quantity follows the base quantity.
type LegSize struct {
	QtyRatio decimal.Decimal
	LotSize  int64
}

// LegQtys sizes every leg from the base quantity of the first leg. Further
// legs take base*ratio truncated; every leg is then rounded down to whole
// lots with at least one lot.
func LegQtys(base int64, legs []LegSize) []int64 {
	out := make([]int64, len(legs))
	for i, leg := range legs {
		qty := base
		if i > 0 {
			ratio := leg.QtyRatio
			if ratio.IsZero() {
				ratio = decimal.NewFromInt(1)
			}
			qty = decimal.NewFromInt(base).Mul(ratio).IntPart()
		}
		out[i] = roundLots(qty, leg.LotSize)
	}
	return out
}

func roundLots(qty, lot int64) int64 {
	if lot <= 0 {
		lot = 1
	}
	return max((qty/lot)*lot, lot)
}

// AvgBuyPrice is the depth-weighted price of buying qty against asks. It
// reports false when the book cannot absorb qty.
func AvgBuyPrice(asks []schema.Level, qty int64) (decimal.Decimal, bool) {
	sorted := slices.Clone(asks)
	slices.SortFunc(sorted, func(a, b schema.Level) int { return a.Price.Cmp(b.Price) })
	return avgPrice(sorted, qty)
}

// AvgSellPrice is the depth-weighted price of selling qty against bids.
func AvgSellPrice(bids []schema.Level, qty int64) (decimal.Decimal, bool) {
	sorted := slices.Clone(bids)
	slices.SortFunc(sorted, func(a, b schema.Level) int { return b.Price.Cmp(a.Price) })
	return avgPrice(sorted, qty)
}

// avgPrice walks levels best first.
func avgPrice(levels []schema.Level, qty int64) (decimal.Decimal, bool) {
	if qty <= 0 {
		return decimal.Zero, true
	}
	need := qty
	cost := decimal.Zero
	for _, lv := range levels {
		if lv.Qty <= 0 {
			continue
		}
		take := min(lv.Qty, need)
		cost = cost.Add(lv.Price.Mul(decimal.NewFromInt(take)))
		need -= take
		if need == 0 {
			break
		}
	}
	if need > 0 {
		return decimal.Zero, false
	}
	return cost.Div(decimal.NewFromInt(qty)), true
}
