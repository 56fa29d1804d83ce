package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// Leg is one instrument of a multi-leg position.
type Leg struct {
	Alias      string          `json:"alias"`
	Instrument Instrument      `json:"instrument"`
	QtyRatio   decimal.Decimal `json:"qtyRatio"`
	PriceRatio decimal.Decimal `json:"priceRatio"`
}

// Position aggregates the fills of every order attributed to it.
type Position struct {
	ID        string                     `json:"id"`
	Name      string                     `json:"name"`
	Legs      []Leg                      `json:"legs"`
	TargetQty int64                      `json:"targetQty"`
	ExecQty   int64                      `json:"execQty"`
	PnL       decimal.Decimal            `json:"pnl"`
	RefPrices map[string]decimal.Decimal `json:"refPrices,omitempty"`
	HitPrice  decimal.Decimal            `json:"hitPrice"`
	UpdatedAt time.Time                  `json:"updatedAt"`
}

// LegIndex returns the index of the leg carrying alias.
func (p Position) LegIndex(alias string) int {
	for i, leg := range p.Legs {
		if leg.Alias == alias {
			return i
		}
	}
	return -1
}

// Clone returns a deep copy.
func (p Position) Clone() Position {
	out := p
	out.Legs = append([]Leg(nil), p.Legs...)
	if p.RefPrices != nil {
		out.RefPrices = make(map[string]decimal.Decimal, len(p.RefPrices))
		for k, v := range p.RefPrices {
			out.RefPrices[k] = v
		}
	}
	return out
}
