package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"arbterm/internal/schema"
	"arbterm/pkg/exception"
)

var bpsScale = decimal.NewFromInt(10000)

// Config defines static pre-trade limits. Zero values disable a check.
type Config struct {
	KillSwitch           bool            `yaml:"kill_switch" json:"killSwitch"`
	MaxOrderQty          int64           `yaml:"max_order_qty" json:"maxOrderQty"`
	MaxOrderNotional     decimal.Decimal `yaml:"max_order_notional" json:"maxOrderNotional"`
	MaxPosition          int64           `yaml:"max_position" json:"maxPosition"`
	OrderRateLimit       int             `yaml:"order_rate_limit" json:"orderRateLimit"`
	OrderRateWindow      time.Duration   `yaml:"order_rate_window" json:"orderRateWindow"`
	MaxPriceDeviationBps int64           `yaml:"max_price_deviation_bps" json:"maxPriceDeviationBps"`
}

// StateView is what the caller knows about the instrument when checking.
type StateView struct {
	// Position is the signed net filled qty of the instrument.
	Position int64
	// ReferencePrice is the last quote mid, zero when unknown.
	ReferencePrice decimal.Decimal
	Now            time.Time
}

// Engine evaluates orders against the limits. It keeps a rate window and is
// not safe for concurrent use; the order engine calls it on its loop.
type Engine struct {
	cfg             Config
	rateWindowStart time.Time
	rateCount       int
}

// NewEngine creates a risk engine with static limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// SetKillSwitch blocks or releases every new order.
func (e *Engine) SetKillSwitch(on bool) {
	e.cfg.KillSwitch = on
}

// Check returns nil when order may be sent, or the first limit it breaks.
// Market orders are valued at the reference price.
func (e *Engine) Check(order schema.Order, view StateView) error {
	if e == nil {
		return nil
	}
	if e.cfg.KillSwitch {
		return exception.ErrRiskKillSwitch
	}

	now := view.Now
	if now.IsZero() {
		now = time.Now()
	}
	if e.cfg.OrderRateLimit > 0 && e.cfg.OrderRateWindow > 0 {
		if e.rateWindowStart.IsZero() || now.Sub(e.rateWindowStart) >= e.cfg.OrderRateWindow {
			e.rateWindowStart = now
			e.rateCount = 0
		}
		e.rateCount++
		if e.rateCount > e.cfg.OrderRateLimit {
			return exception.ErrRiskRateLimit
		}
	}

	if e.cfg.MaxOrderQty > 0 && order.Qty > e.cfg.MaxOrderQty {
		return exception.ErrRiskMaxQty
	}

	ref := view.ReferencePrice
	if e.cfg.MaxPriceDeviationBps > 0 && order.Type == schema.OrderTypeLimit && ref.IsPositive() {
		diff := order.Price.Sub(ref).Abs()
		limit := ref.Mul(decimal.NewFromInt(e.cfg.MaxPriceDeviationBps)).Div(bpsScale)
		if diff.GreaterThan(limit) {
			return exception.ErrRiskPriceBand
		}
	}

	price := order.Price
	if order.Type == schema.OrderTypeMarket {
		price = ref
	}
	if e.cfg.MaxOrderNotional.IsPositive() {
		notional := price.Mul(decimal.NewFromInt(order.Qty)).Abs()
		if notional.GreaterThan(e.cfg.MaxOrderNotional) {
			return exception.ErrRiskMaxNotional
		}
	}

	if e.cfg.MaxPosition > 0 {
		next := applySide(view.Position, order.Side, order.Qty)
		if abs(next) > e.cfg.MaxPosition {
			return exception.ErrRiskPositionLimit
		}
	}
	return nil
}

func applySide(pos int64, side schema.Side, qty int64) int64 {
	switch side {
	case schema.SideBuy:
		return pos + qty
	case schema.SideSell:
		return pos - qty
	default:
		return pos
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
