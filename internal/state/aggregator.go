package state

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"arbterm/internal/bus"
	"arbterm/internal/schema"
	"arbterm/internal/store"
	"arbterm/pkg/exception"
)

const defaultPersistTimeout = 2 * time.Second

// OrderSource lists the orders attributed to a position. It is read on the
// loop only.
type OrderSource interface {
	OrdersOfPosition(positionID string) []schema.Order
}

type positionState struct {
	pos schema.Position
	// carried is the result persisted by an earlier session; orders of that
	// session are no longer in the order book.
	carriedPnL decimal.Decimal
	carriedQty int64
	bases      map[schema.OrderID]baseline
}

// Aggregator keeps multi-leg positions and recomputes their P&L from the
// filled orders on every fill. All position state lives on the loop.
type Aggregator struct {
	loop           *bus.Loop
	orders         OrderSource
	aliases        AliasResolver
	store          store.Store
	persistTimeout time.Duration

	positions map[string]*positionState
}

// NewAggregator creates an aggregator. st may be nil for an unpersisted one.
func NewAggregator(loop *bus.Loop, orders OrderSource, aliases AliasResolver, st store.Store) *Aggregator {
	return &Aggregator{
		loop:           loop,
		orders:         orders,
		aliases:        aliases,
		store:          st,
		persistTimeout: defaultPersistTimeout,
		positions:      make(map[string]*positionState),
	}
}

// AddPosition starts tracking pos. Executed qty and P&L already on pos are
// carried as an opening balance.
func (a *Aggregator) AddPosition(ctx context.Context, pos schema.Position) error {
	if err := validatePosition(pos); err != nil {
		return err
	}
	pos = pos.Clone()
	if pos.RefPrices == nil {
		pos.RefPrices = make(map[string]decimal.Decimal)
	}
	return a.loop.Do(ctx, func() {
		if _, ok := a.positions[pos.ID]; ok {
			logs.Warnf("state: position %s replaced", pos.ID)
		}
		st := &positionState{
			pos:        pos,
			carriedPnL: pos.PnL,
			carriedQty: pos.ExecQty,
			bases:      a.baselines(pos.ID),
		}
		st.pos.HitPrice = HitPrice(st.pos)
		a.positions[pos.ID] = st
		a.persist(st.pos)
		logs.Infof("state: position %s added, legs=%d carried pnl=%s qty=%d", pos.ID, len(pos.Legs), pos.PnL, pos.ExecQty)
	})
}

// Restore loads a persisted position and tracks it.
func (a *Aggregator) Restore(ctx context.Context, id string) error {
	if a.store == nil {
		return exception.ErrPositionNotFound
	}
	pos, err := a.store.LoadPosition(ctx, id)
	if err != nil {
		if err == exception.ErrStoreNotFound {
			return exception.ErrPositionNotFound
		}
		return errors.Wrap(err, "load position").With("id", id)
	}
	return a.AddPosition(ctx, pos)
}

// Reset zeroes executed qty and P&L. Fill records are untouched; fills made
// before the reset simply stop counting.
func (a *Aggregator) Reset(ctx context.Context, id string) error {
	return a.call(ctx, id, func(st *positionState) {
		st.carriedPnL = decimal.Zero
		st.carriedQty = 0
		st.bases = a.baselines(id)
		st.pos.PnL = decimal.Zero
		st.pos.ExecQty = 0
		st.pos.UpdatedAt = time.Now().UTC()
		a.persist(st.pos)
		logs.Infof("state: position %s reset", id)
	})
}

// Snapshot returns a copy of the position.
func (a *Aggregator) Snapshot(ctx context.Context, id string) (schema.Position, error) {
	return bus.Call(ctx, a.loop, func() (schema.Position, error) {
		st, ok := a.positions[id]
		if !ok {
			return schema.Position{}, exception.ErrPositionNotFound
		}
		return st.pos.Clone(), nil
	})
}

// UpdateReference records the latest reference price of a leg and derives
// the hit price.
func (a *Aggregator) UpdateReference(ctx context.Context, id, alias string, price decimal.Decimal) error {
	var legErr error
	err := a.call(ctx, id, func(st *positionState) {
		if st.pos.LegIndex(alias) < 0 {
			legErr = exception.ErrPositionUnknownLeg
			return
		}
		st.pos.RefPrices[alias] = price
		st.pos.HitPrice = HitPrice(st.pos)
		st.pos.UpdatedAt = time.Now().UTC()
	})
	if err != nil {
		return err
	}
	return legErr
}

// OnFill recomputes the position of the filled order. Loop only.
func (a *Aggregator) OnFill(order schema.Order) {
	if order.PositionID == "" {
		return
	}
	st, ok := a.positions[order.PositionID]
	if !ok {
		logs.Debugf("state: fill of order %d for untracked position %s", order.ID, order.PositionID)
		return
	}
	a.recompute(st)
}

// Recompute rebuilds the position from its orders.
func (a *Aggregator) Recompute(ctx context.Context, id string) error {
	return a.call(ctx, id, a.recompute)
}

func (a *Aggregator) recompute(st *positionState) {
	var orders []schema.Order
	if a.orders != nil {
		orders = a.orders.OrdersOfPosition(st.pos.ID)
	}
	res := Compute(st.pos, orders, a.aliases, st.bases)
	for _, id := range res.Unresolved {
		logs.Warnf("state: order %d of position %s matches no leg, excluded", id, st.pos.ID)
	}
	st.pos.PnL = st.carriedPnL.Add(res.PnL)
	st.pos.ExecQty = st.carriedQty + res.ExecQty
	st.pos.UpdatedAt = time.Now().UTC()
	logs.Infof("state: position %s pnl=%s exec_qty=%d", st.pos.ID, st.pos.PnL, st.pos.ExecQty)
	a.persist(st.pos)
}

func (a *Aggregator) baselines(id string) map[schema.OrderID]baseline {
	bases := make(map[schema.OrderID]baseline)
	if a.orders == nil {
		return bases
	}
	for _, o := range a.orders.OrdersOfPosition(id) {
		if o.Filled > 0 {
			bases[o.ID] = baseline{filled: o.Filled, notional: o.ExecPrice.Mul(decimal.NewFromInt(o.Filled))}
		}
	}
	return bases
}

func (a *Aggregator) call(ctx context.Context, id string, fn func(st *positionState)) error {
	_, err := bus.Call(ctx, a.loop, func() (struct{}, error) {
		st, ok := a.positions[id]
		if !ok {
			return struct{}{}, exception.ErrPositionNotFound
		}
		fn(st)
		return struct{}{}, nil
	})
	return err
}

func (a *Aggregator) persist(pos schema.Position) {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.persistTimeout)
	defer cancel()
	if err := a.store.SavePosition(ctx, pos.Clone()); err != nil {
		logs.Errorf("state: persist position %s, err: %+v", pos.ID, err)
	}
}

func validatePosition(pos schema.Position) error {
	if pos.ID == "" {
		return errors.Wrap(exception.ErrPositionInvalid, "id is empty")
	}
	if len(pos.Legs) == 0 {
		return errors.Wrap(exception.ErrPositionInvalid, "no legs").With("id", pos.ID)
	}
	seen := make(map[string]bool, len(pos.Legs))
	for _, leg := range pos.Legs {
		if leg.Alias == "" {
			return errors.Wrap(exception.ErrPositionInvalid, "leg alias is empty").With("id", pos.ID)
		}
		if seen[leg.Alias] {
			return errors.Wrap(exception.ErrPositionInvalid, "duplicate leg alias").With("alias", leg.Alias)
		}
		if leg.QtyRatio.IsNegative() || leg.PriceRatio.IsNegative() {
			return errors.Wrap(exception.ErrPositionInvalid, "negative ratio").With("alias", leg.Alias)
		}
		seen[leg.Alias] = true
	}
	return nil
}
