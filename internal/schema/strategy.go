package schema

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyMode selects how a strategy executes its legs.
type StrategyMode string

const (
	// ModeShooter sends market orders on both legs.
	ModeShooter StrategyMode = "shooter"
	// ModeMarketMaker rests a limit on the first leg and hedges fills with market orders.
	ModeMarketMaker StrategyMode = "market_maker"
)

// LegConfig configures one leg of a pair strategy.
type LegConfig struct {
	Alias      string          `json:"alias" yaml:"alias"`
	PriceRatio decimal.Decimal `json:"priceRatio" yaml:"price_ratio"`
	QtyRatio   decimal.Decimal `json:"qtyRatio" yaml:"qty_ratio"`
	Account    string          `json:"account" yaml:"account"`
	ClientCode string          `json:"clientCode" yaml:"client_code"`
}

// StrategyConfig is the persisted configuration of a strategy instance.
type StrategyConfig struct {
	Type         string            `json:"type" yaml:"type"`
	Name         string            `json:"name" yaml:"name"`
	PositionID   string            `json:"positionId" yaml:"position_id"`
	Leg1         LegConfig         `json:"leg1" yaml:"leg1"`
	Leg2         LegConfig         `json:"leg2" yaml:"leg2"`
	EntryLevels  []decimal.Decimal `json:"entryLevels" yaml:"entry_levels"`
	ExitLevel    decimal.Decimal   `json:"exitLevel" yaml:"exit_level"`
	PollInterval time.Duration     `json:"pollInterval" yaml:"poll_interval"`
	Mode         StrategyMode      `json:"mode" yaml:"mode"`
	BaseQty      int64             `json:"baseQty" yaml:"base_qty"`
}

// Merge returns a copy of c with every non-zero field of patch applied.
func (c StrategyConfig) Merge(patch StrategyConfig) StrategyConfig {
	out := c
	if patch.Type != "" {
		out.Type = patch.Type
	}
	if patch.Name != "" {
		out.Name = patch.Name
	}
	if patch.PositionID != "" {
		out.PositionID = patch.PositionID
	}
	out.Leg1 = out.Leg1.merge(patch.Leg1)
	out.Leg2 = out.Leg2.merge(patch.Leg2)
	if len(patch.EntryLevels) != 0 {
		out.EntryLevels = append([]decimal.Decimal(nil), patch.EntryLevels...)
	}
	if !patch.ExitLevel.IsZero() {
		out.ExitLevel = patch.ExitLevel
	}
	if patch.PollInterval > 0 {
		out.PollInterval = patch.PollInterval
	}
	if patch.Mode != "" {
		out.Mode = patch.Mode
	}
	if patch.BaseQty > 0 {
		out.BaseQty = patch.BaseQty
	}
	return out
}

func (l LegConfig) merge(patch LegConfig) LegConfig {
	if patch.Alias != "" {
		l.Alias = patch.Alias
	}
	if !patch.PriceRatio.IsZero() {
		l.PriceRatio = patch.PriceRatio
	}
	if !patch.QtyRatio.IsZero() {
		l.QtyRatio = patch.QtyRatio
	}
	if patch.Account != "" {
		l.Account = patch.Account
	}
	if patch.ClientCode != "" {
		l.ClientCode = patch.ClientCode
	}
	return l
}

// Validate checks the fields every strategy type relies on.
func (c StrategyConfig) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("strategy type is empty")
	}
	if c.Leg1.Alias == "" || c.Leg2.Alias == "" {
		return fmt.Errorf("strategy legs need an alias")
	}
	if c.Leg1.Alias == c.Leg2.Alias {
		return fmt.Errorf("strategy legs must differ: %s", c.Leg1.Alias)
	}
	if len(c.EntryLevels) == 0 {
		return fmt.Errorf("strategy entry levels are empty")
	}
	for _, level := range c.EntryLevels {
		if level.IsNegative() {
			return fmt.Errorf("strategy entry level must be >= 0: %s", level)
		}
	}
	if c.BaseQty <= 0 {
		return fmt.Errorf("strategy base qty must be > 0")
	}
	switch c.Mode {
	case ModeShooter, ModeMarketMaker:
	default:
		return fmt.Errorf("strategy mode is unknown: %q", c.Mode)
	}
	return nil
}

// Ratio returns the price and qty ratios, defaulting to one when unset.
func (l LegConfig) Ratio() (price, qty decimal.Decimal) {
	price, qty = l.PriceRatio, l.QtyRatio
	if price.IsZero() {
		price = decimal.NewFromInt(1)
	}
	if qty.IsZero() {
		qty = decimal.NewFromInt(1)
	}
	return price, qty
}
