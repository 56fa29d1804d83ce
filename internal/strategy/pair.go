package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"arbterm/internal/og"
	"arbterm/internal/schema"
	"arbterm/internal/venue"
	"arbterm/pkg/exception"
)

const (
	TypePair = "pair"

	defaultPollInterval = 500 * time.Millisecond
	unsubscribeTimeout  = 2 * time.Second
)

// Trader is the order surface a strategy drives. og.Engine implements it.
type Trader interface {
	Place(ctx context.Context, req og.PlaceRequest) (schema.OrderID, error)
	Cancel(ctx context.Context, id schema.OrderID) error
	Modify(ctx context.Context, id schema.OrderID, price decimal.Decimal, qty *int64) error
	StatusOf(ctx context.Context, id schema.OrderID) (schema.Order, error)
}

// QuoteFeed opens quote streams. venue.Bridge implements it.
type QuoteFeed interface {
	SubscribeQuotes(ctx context.Context, ins schema.Instrument, fn func(schema.Quote)) (venue.Subscription, error)
	UnsubscribeQuotes(ctx context.Context, sub venue.Subscription) error
}

// Env is what a strategy needs from the process.
type Env struct {
	Trader   Trader
	Feed     QuoteFeed
	Quotes   og.QuoteSource
	Registry *schema.Registry
}

// WithDefaults fills the unset fields of a pair configuration.
func WithDefaults(cfg schema.StrategyConfig) schema.StrategyConfig {
	if cfg.Type == "" {
		cfg.Type = TypePair
	}
	if len(cfg.EntryLevels) == 0 {
		cfg.EntryLevels = []decimal.Decimal{decimal.RequireFromString("0.5")}
	}
	if cfg.ExitLevel.IsZero() {
		cfg.ExitLevel = decimal.RequireFromString("0.1")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Mode == "" {
		cfg.Mode = schema.ModeShooter
	}
	return cfg
}

type pairLeg struct {
	cfg        schema.LegConfig
	ins        schema.Instrument
	lot        int64
	priceRatio decimal.Decimal
	qtyRatio   decimal.Decimal
}

// working is a resting leg 1 order of market maker mode together with the
// leg 2 quantity already hedged against its fills.
type working struct {
	id      schema.OrderID
	action  Action
	dir     Direction
	side    schema.Side
	filled  int64
	hedged2 int64
	// cancelling is set once a cancel was sent; the order is then only
	// watched until it is terminal.
	cancelling bool
}

// Pair trades the spread between two instruments.
type Pair struct {
	id  string
	cfg schema.StrategyConfig
	env Env

	leg1, leg2 pairLeg
	wake       chan struct{}

	held       Direction
	qty1, qty2 int64
	resting    *working
}

// NewPair builds a pair strategy instance.
func NewPair(id string, cfg schema.StrategyConfig, env Env) (*Pair, error) {
	cfg = WithDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(exception.ErrInvalidArgument, err.Error()).With("strategy", id)
	}
	if env.Trader == nil || env.Quotes == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "pair needs a trader and quotes")
	}
	registry := env.Registry
	if registry == nil {
		registry = schema.NewRegistry()
	}
	leg1, err := resolveLeg(registry, cfg.Leg1)
	if err != nil {
		return nil, err
	}
	leg2, err := resolveLeg(registry, cfg.Leg2)
	if err != nil {
		return nil, err
	}
	return &Pair{
		id:   id,
		cfg:  cfg,
		env:  env,
		leg1: leg1,
		leg2: leg2,
		wake: make(chan struct{}, 1),
	}, nil
}

func resolveLeg(registry *schema.Registry, cfg schema.LegConfig) (pairLeg, error) {
	info, ok := registry.ByAlias(cfg.Alias)
	if !ok {
		return pairLeg{}, errors.Wrap(exception.ErrStrategyUnknownAlias, "resolve leg").With("alias", cfg.Alias)
	}
	pr, qr := cfg.Ratio()
	return pairLeg{cfg: cfg, ins: info.Instrument, lot: info.LotSize, priceRatio: pr, qtyRatio: qr}, nil
}

// Held reports the direction currently held.
func (p *Pair) Held() Direction {
	return p.held
}

// Run evaluates the spread on every quote of either leg and every poll tick
// until ctx is done. Orders left working on return stay with the engine.
func (p *Pair) Run(ctx context.Context) error {
	var subs []venue.Subscription
	if p.env.Feed != nil {
		for _, leg := range []pairLeg{p.leg1, p.leg2} {
			sub, err := p.env.Feed.SubscribeQuotes(ctx, leg.ins, p.nudge)
			if err != nil {
				p.unsubscribe(subs)
				return errors.Wrap(err, "subscribe quotes").With("instrument", leg.ins.Key())
			}
			subs = append(subs, sub)
		}
	}
	defer p.unsubscribe(subs)

	logs.Infof("strategy[%s]: pair %s/%s started, mode=%s levels=%v exit=%s",
		p.id, p.leg1.cfg.Alias, p.leg2.cfg.Alias, p.cfg.Mode, p.cfg.EntryLevels, p.cfg.ExitLevel)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logs.Infof("strategy[%s]: stopped, held=%s", p.id, p.held)
			return nil
		case <-ticker.C:
		case <-p.wake:
		}
		if err := p.step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (p *Pair) nudge(schema.Quote) {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pair) unsubscribe(subs []venue.Subscription) {
	if len(subs) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	for _, sub := range subs {
		if err := p.env.Feed.UnsubscribeQuotes(ctx, sub); err != nil {
			logs.Warnf("strategy[%s]: unsubscribe %s, err: %+v", p.id, sub.Instrument.Key(), err)
		}
	}
}

// step runs one evaluation. Errors it returns end the run.
func (p *Pair) step(ctx context.Context) error {
	q1, ok1 := p.env.Quotes.Quote(p.leg1.ins)
	q2, ok2 := p.env.Quotes.Quote(p.leg2.ins)
	if !ok1 || !ok2 || !q1.Valid() || !q2.Valid() {
		return nil
	}
	sp := ComputeSpread(q1, q2, p.leg1.priceRatio, p.leg2.priceRatio)

	if p.resting != nil {
		return p.follow(ctx, q1, sp)
	}

	d := Decide(p.held, sp, p.cfg.EntryLevels, p.cfg.ExitLevel)
	switch d.Action {
	case ActionEnter:
		logs.Infof("strategy[%s]: enter %s at level %s, spread bid=%s ask=%s", p.id, d.Direction, d.Level, sp.Bid, sp.Ask)
		qtys := LegQtys(p.cfg.BaseQty, []LegSize{{QtyRatio: p.leg1.qtyRatio, LotSize: p.leg1.lot}, {QtyRatio: p.leg2.qtyRatio, LotSize: p.leg2.lot}})
		return p.execute(ctx, ActionEnter, d.Direction, qtys[0], qtys[1], q1, q2)
	case ActionExit:
		logs.Infof("strategy[%s]: exit %s, spread bid=%s ask=%s", p.id, d.Direction, sp.Bid, sp.Ask)
		return p.execute(ctx, ActionExit, d.Direction, p.qty1, p.qty2, q1, q2)
	}
	return nil
}

// execute trades leg 1 and leg 2 in the direction that opens (enter) or
// closes (exit) dir.
func (p *Pair) execute(ctx context.Context, action Action, dir Direction, qty1, qty2 int64, q1, q2 schema.Quote) error {
	side1 := dir.Leg1Side()
	if action == ActionExit {
		side1 = side1.Opposite()
	}

	if p.cfg.Mode == schema.ModeMarketMaker {
		price := touch(q1, side1)
		id, err := p.env.Trader.Place(ctx, p.request(p.leg1, side1, schema.OrderTypeLimit, price, qty1))
		if err != nil {
			logs.Warnf("strategy[%s]: rest leg1 %s %d@%s, err: %+v", p.id, side1, qty1, price, err)
			return nil
		}
		p.resting = &working{id: id, action: action, dir: dir, side: side1}
		return nil
	}

	if !deep(q1, side1, qty1) || !deep(q2, side1.Opposite(), qty2) {
		logs.Infof("strategy[%s]: book too thin for %d/%d, skip %s", p.id, qty1, qty2, action)
		return nil
	}
	if _, err := p.env.Trader.Place(ctx, p.request(p.leg1, side1, schema.OrderTypeMarket, decimal.Zero, qty1)); err != nil {
		logs.Warnf("strategy[%s]: leg1 %s %d, err: %+v", p.id, side1, qty1, err)
		return nil
	}
	if _, err := p.env.Trader.Place(ctx, p.request(p.leg2, side1.Opposite(), schema.OrderTypeMarket, decimal.Zero, qty2)); err != nil {
		logs.Errorf("strategy[%s]: leg2 %s %d failed after leg1 traded, position is unbalanced, err: %+v", p.id, side1.Opposite(), qty2, err)
	}
	p.settle(action, dir, qty1, qty2)
	return nil
}

// follow manages the resting leg 1 order: it hedges new fills on leg 2,
// keeps the order at the touch and drops it once the signal is gone.
func (p *Pair) follow(ctx context.Context, q1 schema.Quote, sp Spread) error {
	w := p.resting
	order, err := p.env.Trader.StatusOf(ctx, w.id)
	if err != nil {
		logs.Warnf("strategy[%s]: status of resting order %d, err: %+v", p.id, w.id, err)
		return nil
	}

	if order.Filled > w.filled {
		w.filled = order.Filled
		target := LegQtys(w.filled, []LegSize{{LotSize: 1}, {QtyRatio: p.leg2.qtyRatio, LotSize: p.leg2.lot}})[1]
		if delta := target - w.hedged2; delta > 0 {
			if _, err := p.env.Trader.Place(ctx, p.request(p.leg2, w.side.Opposite(), schema.OrderTypeMarket, decimal.Zero, delta)); err != nil {
				logs.Errorf("strategy[%s]: hedge leg2 %s %d, err: %+v", p.id, w.side.Opposite(), delta, err)
			} else {
				w.hedged2 = target
			}
		}
	}

	if order.Status.IsTerminal() {
		logs.Infof("strategy[%s]: resting order %d done, status=%s filled=%d hedged=%d", p.id, w.id, order.Status, w.filled, w.hedged2)
		p.resting = nil
		if w.filled > 0 {
			p.settle(w.action, w.dir, w.filled, w.hedged2)
		}
		return nil
	}

	if w.cancelling {
		return nil
	}
	held := p.held
	if w.action == ActionEnter {
		held = Flat
	}
	if d := Decide(held, sp, p.cfg.EntryLevels, p.cfg.ExitLevel); d.Action != w.action {
		logs.Infof("strategy[%s]: signal gone, cancel resting order %d", p.id, w.id)
		if err := p.env.Trader.Cancel(ctx, w.id); err != nil {
			logs.Warnf("strategy[%s]: cancel %d, err: %+v", p.id, w.id, err)
			return nil
		}
		w.cancelling = true
		return nil
	}

	if price := touch(q1, w.side); price.IsPositive() && !price.Equal(order.Price) {
		if err := p.env.Trader.Modify(ctx, w.id, price, nil); err != nil {
			logs.Warnf("strategy[%s]: move %d to %s, err: %+v", p.id, w.id, price, err)
		}
	}
	return nil
}

func (p *Pair) settle(action Action, dir Direction, qty1, qty2 int64) {
	if action == ActionEnter {
		p.held = dir
		p.qty1 += qty1
		p.qty2 += qty2
		return
	}
	p.qty1 = max(p.qty1-qty1, 0)
	p.qty2 = max(p.qty2-qty2, 0)
	if p.qty1 == 0 {
		p.held = Flat
		p.qty2 = 0
	}
}

func (p *Pair) request(leg pairLeg, side schema.Side, typ schema.OrderType, price decimal.Decimal, qty int64) og.PlaceRequest {
	return og.PlaceRequest{
		Instrument: leg.ins,
		Side:       side,
		Type:       typ,
		Price:      price,
		Qty:        qty,
		Account:    leg.cfg.Account,
		ClientCode: leg.cfg.ClientCode,
		PositionID: p.cfg.PositionID,
		StrategyID: p.id,
	}
}

// touch is the passive price for side: the best ask for a sell, the best bid
// for a buy.
func touch(q schema.Quote, side schema.Side) decimal.Decimal {
	if side == schema.SideSell {
		return q.Ask
	}
	return q.Bid
}

// deep reports whether the book of q can absorb a market order of qty. A
// quote without depth is trusted.
func deep(q schema.Quote, side schema.Side, qty int64) bool {
	if side == schema.SideBuy {
		if len(q.Asks) == 0 {
			return true
		}
		_, ok := AvgBuyPrice(q.Asks, qty)
		return ok
	}
	if len(q.Bids) == 0 {
		return true
	}
	_, ok := AvgSellPrice(q.Bids, qty)
	return ok
}
