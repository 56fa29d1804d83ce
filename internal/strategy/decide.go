package strategy

import (
	"slices"

	"github.com/shopspring/decimal"

	"arbterm/internal/schema"
)

// Direction is the side of the spread a pair holds.
type Direction int8

const (
	Flat Direction = 0
	// LongSpread buys leg 1 and sells leg 2.
	LongSpread Direction = 1
	// ShortSpread sells leg 1 and buys leg 2.
	ShortSpread Direction = -1
)

func (d Direction) String() string {
	switch d {
	case LongSpread:
		return "LONG_SPREAD"
	case ShortSpread:
		return "SHORT_SPREAD"
	default:
		return "FLAT"
	}
}

// Leg1Side is the side leg 1 trades to open d.
func (d Direction) Leg1Side() schema.Side {
	if d == LongSpread {
		return schema.SideBuy
	}
	return schema.SideSell
}

// Action is what a decision asks the runtime to do.
type Action uint8

const (
	ActionNone Action = iota
	ActionEnter
	ActionExit
)

func (a Action) String() string {
	switch a {
	case ActionEnter:
		return "ENTER"
	case ActionExit:
		return "EXIT"
	default:
		return "NONE"
	}
}

// Spread is the executable spread on both sides of the pair.
type Spread struct {
	// Bid is what selling leg 1 and buying leg 2 yields: bid1*pr1 - ask2*pr2.
	Bid decimal.Decimal
	// Ask is what buying leg 1 and selling leg 2 costs: ask1*pr1 - bid2*pr2.
	Ask decimal.Decimal
}

// ComputeSpread derives the executable spread from two quotes.
func ComputeSpread(q1, q2 schema.Quote, pr1, pr2 decimal.Decimal) Spread {
	return Spread{
		Bid: q1.Bid.Mul(pr1).Sub(q2.Ask.Mul(pr2)),
		Ask: q1.Ask.Mul(pr1).Sub(q2.Bid.Mul(pr2)),
	}
}

// Decision is the outcome of Decide.
type Decision struct {
	Action    Action
	Direction Direction
	// Level is the entry level that triggered an entry.
	Level decimal.Decimal
}

// Decide is the pair state machine. From Flat the entry levels are scanned
// in ascending order and the first level crossed on either side wins. An
// open position exits once the spread has reverted inside exitLevel.
func Decide(held Direction, sp Spread, levels []decimal.Decimal, exitLevel decimal.Decimal) Decision {
	switch held {
	case Flat:
		sorted := slices.Clone(levels)
		slices.SortFunc(sorted, func(a, b decimal.Decimal) int { return a.Cmp(b) })
		for _, level := range sorted {
			if sp.Bid.GreaterThanOrEqual(level) {
				return Decision{Action: ActionEnter, Direction: ShortSpread, Level: level}
			}
			if sp.Ask.LessThanOrEqual(level.Neg()) {
				return Decision{Action: ActionEnter, Direction: LongSpread, Level: level}
			}
		}
	case ShortSpread:
		if sp.Ask.LessThanOrEqual(exitLevel) {
			return Decision{Action: ActionExit, Direction: ShortSpread}
		}
	case LongSpread:
		if sp.Bid.GreaterThanOrEqual(exitLevel.Neg()) {
			return Decision{Action: ActionExit, Direction: LongSpread}
		}
	}
	return Decision{Action: ActionNone, Direction: held}
}
