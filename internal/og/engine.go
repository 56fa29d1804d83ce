package og

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"arbterm/internal/bus"
	"arbterm/internal/obs"
	"arbterm/internal/risk"
	"arbterm/internal/schema"
	"arbterm/internal/store"
	"arbterm/internal/venue"
	"arbterm/pkg/exception"
)

// Dispatcher sends requests to the venue and returns the immediate envelope.
// venue.Bridge implements it.
type Dispatcher interface {
	PlaceLimit(ctx context.Context, req venue.OrderRequest) (venue.Ack, error)
	PlaceMarket(ctx context.Context, req venue.OrderRequest) (venue.Ack, error)
	Cancel(ctx context.Context, ref venue.OrderRef, transID schema.TransID) (venue.Ack, error)
	Modify(ctx context.Context, ref venue.OrderRef, price decimal.Decimal, qty *int64, transID schema.TransID) (venue.Ack, error)
}

// QuoteSource supplies reference prices for pre-trade checks.
type QuoteSource interface {
	Quote(ins schema.Instrument) (schema.Quote, bool)
}

// FillListener is told about every applied fill. It runs on the loop and
// must not call back into the engine's public methods.
type FillListener interface {
	OnFill(order schema.Order)
}

// Config tunes the engine.
type Config struct {
	// SettleDelay separates the cancel and the re-placement of a cancel+replace.
	SettleDelay    time.Duration `yaml:"settle_delay"`
	TradeDedupTTL  time.Duration `yaml:"trade_dedup_ttl"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		SettleDelay:    200 * time.Millisecond,
		TradeDedupTTL:  24 * time.Hour,
		PersistTimeout: 2 * time.Second,
	}
}

// Deps are the collaborators of the engine.
type Deps struct {
	Loop       *bus.Loop
	Dispatcher Dispatcher
	Store      store.Store
	Registry   *schema.Registry
	Risk       *risk.Engine
	Quotes     QuoteSource
	Metrics    *obs.Metrics
}

// PlaceRequest describes a new order.
type PlaceRequest struct {
	Instrument schema.Instrument
	Side       schema.Side
	Type       schema.OrderType
	Price      decimal.Decimal
	Qty        int64
	Account    string
	ClientCode string
	PositionID string
	StrategyID string
}

func (r PlaceRequest) validate() error {
	switch {
	case r.Instrument.ClassCode == "" || r.Instrument.SecCode == "":
		return errors.Wrap(exception.ErrOrderInvalidRequest, "instrument is empty")
	case r.Side != schema.SideBuy && r.Side != schema.SideSell:
		return errors.Wrap(exception.ErrOrderInvalidRequest, "side is unknown")
	case r.Qty <= 0:
		return errors.Wrap(exception.ErrOrderInvalidRequest, "qty must be positive")
	case r.Type == schema.OrderTypeLimit && !r.Price.IsPositive():
		return errors.Wrap(exception.ErrOrderInvalidRequest, "limit price must be positive")
	case r.Type != schema.OrderTypeLimit && r.Type != schema.OrderTypeMarket:
		return errors.Wrap(exception.ErrOrderInvalidRequest, "order type is unknown")
	}
	return nil
}

type amendState struct {
	id    schema.OrderID
	price decimal.Decimal
	qty   *int64
	// inflight is set while the caller still waits for the envelope; a
	// rejection seen meanwhile is left to the caller.
	inflight bool
	rejected bool
}

type replaceState struct {
	cancelTrans     schema.TransID
	oldVenueID      string
	cancelRejected  bool
	cancelRequested bool
	oldCancelled    bool
}

// Engine tracks every order through its lifecycle. Public methods may be
// called from any goroutine; all order and correlation state is touched on
// the loop only.
type Engine struct {
	cfg        Config
	loop       *bus.Loop
	dispatcher Dispatcher
	store      store.Store
	registry   *schema.Registry
	risk       *risk.Engine
	quotes     QuoteSource
	metrics    *obs.Metrics
	listener   FillListener

	corr       *Correlation
	orders     map[schema.OrderID]*schema.Order
	placing    map[schema.OrderID]schema.TransID
	trades     *tradeSet
	superseded map[string]schema.OrderID
	amends     map[schema.TransID]*amendState
	replacing  map[schema.OrderID]*replaceState
}

// NewEngine creates an engine.
func NewEngine(cfg Config, deps Deps) (*Engine, error) {
	if deps.Loop == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "loop")
	}
	if deps.Dispatcher == nil {
		return nil, exception.ErrOrderNilVenue
	}
	if deps.Store == nil {
		return nil, exception.ErrOrderNilStore
	}
	def := DefaultConfig()
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.TradeDedupTTL <= 0 {
		cfg.TradeDedupTTL = def.TradeDedupTTL
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	registry := deps.Registry
	if registry == nil {
		registry = schema.NewRegistry()
	}
	return &Engine{
		cfg:        cfg,
		loop:       deps.Loop,
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		registry:   registry,
		risk:       deps.Risk,
		quotes:     deps.Quotes,
		metrics:    deps.Metrics,
		corr:       NewCorrelation(),
		orders:     make(map[schema.OrderID]*schema.Order),
		placing:    make(map[schema.OrderID]schema.TransID),
		trades:     newTradeSet(cfg.TradeDedupTTL),
		superseded: make(map[string]schema.OrderID),
		amends:     make(map[schema.TransID]*amendState),
		replacing:  make(map[schema.OrderID]*replaceState),
	}, nil
}

// SetFillListener registers the receiver of fills. Call before events flow.
func (e *Engine) SetFillListener(l FillListener) {
	e.listener = l
}

// Place creates the order, registers its transaction id and dispatches it.
// A venue refusal returns the local id together with ErrOrderRejected; the
// order itself turns REJECTED through the injected error event.
func (e *Engine) Place(ctx context.Context, req PlaceRequest) (schema.OrderID, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	order := schema.Order{
		PositionID: req.PositionID,
		StrategyID: req.StrategyID,
		Instrument: req.Instrument,
		Side:       req.Side,
		Type:       req.Type,
		Price:      req.Price,
		Qty:        req.Qty,
		Leaves:     req.Qty,
		Status:     schema.OrderStatusNew,
		Account:    req.Account,
		ClientCode: req.ClientCode,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if req.Type == schema.OrderTypeMarket {
		order.Price = decimal.Zero
	}
	if err := e.checkRisk(ctx, order); err != nil {
		return 0, err
	}

	if err := e.store.CreateOrder(ctx, &order); err != nil {
		return 0, errors.Wrap(err, "create order")
	}
	transID, err := e.store.NextTransID(ctx, now)
	if err != nil {
		e.abandon(order, "no transaction id")
		return 0, errors.Wrap(err, "next trans id")
	}
	order.TransID = transID

	registered := order
	if err := e.loop.Do(context.WithoutCancel(ctx), func() {
		o := registered
		e.orders[o.ID] = &o
		e.placing[o.ID] = transID
		e.corr.RegisterTrans(transID, o.ID, PurposePlace)
		e.corr.SetContext(o.ID, o.Context())
	}); err != nil {
		e.abandon(order, "loop closed")
		return 0, err
	}

	logs.Infof("og: place id=%d trans=%d %s %s %s %d@%s", order.ID, transID, order.Instrument, order.Side, order.Type, order.Qty, order.Price)
	ack, err := e.sendOrder(ctx, order, order.Qty)
	if err != nil {
		e.rejectLocal(order.ID, transID, err)
		return order.ID, err
	}
	if !ack.Accepted {
		return order.ID, exception.ErrOrderRejected
	}
	if ack.VenueOrderID != "" {
		id, venueID := order.ID, ack.VenueOrderID
		if err := e.loop.Schedule(func() { e.bindVenue(id, venueID) }); err != nil {
			logs.Errorf("og: bind venue id=%d venue=%s, err: %+v", id, venueID, err)
		}
	}
	return order.ID, nil
}

// Cancel asks the venue to cancel the order under a new transaction id.
func (e *Engine) Cancel(ctx context.Context, id schema.OrderID) error {
	transID, err := e.store.NextTransID(ctx, time.Now())
	if err != nil {
		return errors.Wrap(err, "next trans id")
	}

	type prepared struct {
		ref  venue.OrderRef
		skip bool
	}
	p, err := bus.Call(context.WithoutCancel(ctx), e.loop, func() (prepared, error) {
		o, ok := e.orders[id]
		if !ok {
			return prepared{}, exception.ErrOrderNotFound
		}
		if o.Status.IsTerminal() {
			return prepared{}, exception.ErrOrderTerminal
		}
		if rs := e.replacing[id]; rs != nil {
			// the replace in progress already cancels the venue order
			rs.cancelRequested = true
			return prepared{skip: true}, nil
		}
		ref, err := e.refLocked(o)
		if err != nil {
			return prepared{}, err
		}
		e.corr.RegisterTrans(transID, id, PurposeCancel)
		o.TransID = transID
		e.persist(o)
		return prepared{ref: ref}, nil
	})
	if err != nil {
		return err
	}
	if p.skip {
		logs.Infof("og: cancel id=%d folded into replace in progress", id)
		return nil
	}

	logs.Infof("og: cancel id=%d trans=%d key=%s", id, transID, p.ref.Key())
	ack, err := e.dispatcher.Cancel(ctx, p.ref, transID)
	if err != nil {
		return err
	}
	if !ack.Accepted {
		return exception.ErrOrderRejected
	}
	return nil
}

// StatusOf returns a copy of the order. Orders unknown to this session are
// read from the store.
func (e *Engine) StatusOf(ctx context.Context, id schema.OrderID) (schema.Order, error) {
	o, err := bus.Call(ctx, e.loop, func() (schema.Order, error) {
		o, ok := e.orders[id]
		if !ok {
			return schema.Order{}, exception.ErrOrderNotFound
		}
		return *o, nil
	})
	if err == exception.ErrOrderNotFound {
		stored, loadErr := e.store.LoadOrder(ctx, id)
		if loadErr != nil {
			return schema.Order{}, exception.ErrOrderNotFound
		}
		return stored, nil
	}
	return o, err
}

// OrdersOfPosition returns copies of every order attributed to positionID.
// Loop only.
func (e *Engine) OrdersOfPosition(positionID string) []schema.Order {
	var out []schema.Order
	for _, o := range e.orders {
		if o.PositionID == positionID {
			out = append(out, *o)
		}
	}
	return out
}

// HandleEvent applies one normalized venue event. Loop only.
func (e *Engine) HandleEvent(ev schema.Event) {
	start := time.Now()
	defer func() { e.metrics.ObserveApply(time.Since(start)) }()

	switch ev.Kind {
	case schema.EventTrade:
		e.onTrade(ev)
	case schema.EventOrder:
		e.onOrder(ev)
	case schema.EventTransReply:
		e.onTransReply(ev)
	case schema.EventError:
		e.onError(ev)
	default:
		logs.Debugf("og: ignore %s", ev)
	}
}

func (e *Engine) onTrade(ev schema.Event) {
	now := time.Now()
	key := tradeKey(ev)
	if e.trades.seen(key, now) {
		e.metrics.IncDuplicateTrade()
		logs.Debugf("og: duplicate trade %s", ev)
		return
	}
	o, _, ok := e.resolve(ev)
	if !ok {
		return
	}
	e.trades.add(key, now)
	if o.Status.IsTerminal() {
		e.metrics.IncIgnoredEvent()
		logs.Warnf("og: trade on %s order id=%d ignored, %s", o.Status, o.ID, ev)
		return
	}
	bound := e.syncIdentity(o, ev)
	if !applyFill(o, ev.FilledDelta, ev.FillPrice) {
		if bound {
			e.persist(o)
		}
		return
	}
	logs.Infof("og: fill id=%d +%d@%s filled=%d/%d vwap=%s status=%s", o.ID, ev.FilledDelta, ev.FillPrice, o.Filled, o.Qty, o.ExecPrice, o.Status)
	e.persist(o)
	if e.listener != nil {
		e.listener.OnFill(*o)
	}
}

func (e *Engine) onOrder(ev schema.Event) {
	o, _, ok := e.resolve(ev)
	if !ok {
		return
	}
	changed := e.syncIdentity(o, ev)
	if _, old := e.superseded[ev.VenueOrderID]; old {
		if rs := e.replacing[o.ID]; rs != nil && rs.oldVenueID == ev.VenueOrderID && ev.Status == schema.OrderStatusCancelled {
			rs.oldCancelled = true
		}
		e.metrics.IncIgnoredEvent()
		logs.Debugf("og: status of superseded venue order %s ignored, id=%d", ev.VenueOrderID, o.ID)
	} else if o.Status.IsTerminal() {
		if ev.Status != o.Status {
			e.metrics.IncIgnoredEvent()
			logs.Warnf("og: %s on %s order id=%d ignored", ev.Status, o.Status, o.ID)
		}
	} else if applyStatus(o, ev.Status) {
		changed = true
		if o.Status == schema.OrderStatusRejected {
			e.metrics.IncReject()
		}
		logs.Infof("og: order id=%d venue=%s status=%s", o.ID, o.VenueOrderID, o.Status)
	}
	if changed {
		e.persist(o)
	}
}

func (e *Engine) onTransReply(ev schema.Event) {
	o, purpose, ok := e.resolve(ev)
	if !ok {
		return
	}
	changed := e.syncIdentity(o, ev)
	if ev.Status == schema.OrderStatusRejected {
		e.onRejected(o, purpose, ev)
		return
	}

	switch purpose {
	case PurposeCancel:
		if ev.Status == schema.OrderStatusActive || ev.Status == schema.OrderStatusCancelled {
			if applyStatus(o, schema.OrderStatusCancelled) {
				changed = true
				logs.Infof("og: order id=%d cancelled, trans=%d", o.ID, ev.TransID)
			}
		}
	case PurposeModify:
		delete(e.amends, ev.TransID)
	case PurposePlace, PurposeReplace:
		if e.placing[o.ID] == ev.TransID && applyStatus(o, ev.Status) {
			changed = true
			logs.Infof("og: order id=%d venue=%s status=%s", o.ID, o.VenueOrderID, o.Status)
		}
	case PurposeReplaceCancel:
		if rs := e.replacing[o.ID]; rs != nil && rs.cancelTrans == ev.TransID {
			rs.oldCancelled = true
		}
	default:
		logs.Debugf("og: trans reply of foreign transaction ignored, %s", ev)
	}
	if changed {
		e.persist(o)
	}
}

func (e *Engine) onError(ev schema.Event) {
	o, purpose, ok := e.resolve(ev)
	if !ok {
		return
	}
	e.onRejected(o, purpose, ev)
}

// onRejected handles a venue refusal according to what the transaction was for.
func (e *Engine) onRejected(o *schema.Order, purpose Purpose, ev schema.Event) {
	switch purpose {
	case PurposePlace, PurposeReplace:
		if e.placing[o.ID] != ev.TransID {
			logs.Warnf("og: rejection of stale placement ignored, id=%d %s", o.ID, ev)
			return
		}
		if applyStatus(o, schema.OrderStatusRejected) {
			e.metrics.IncReject()
			logs.Warnf("og: order id=%d rejected, code=%d msg=%s", o.ID, ev.ErrorCode, ev.ErrorMessage)
			e.persist(o)
		}
	case PurposeCancel:
		logs.Warnf("og: cancel of id=%d refused, trans=%d code=%d msg=%s", o.ID, ev.TransID, ev.ErrorCode, ev.ErrorMessage)
	case PurposeReplaceCancel:
		if rs := e.replacing[o.ID]; rs != nil && rs.cancelTrans == ev.TransID {
			rs.cancelRejected = true
		}
		logs.Warnf("og: replace cancel of id=%d refused, trans=%d msg=%s", o.ID, ev.TransID, ev.ErrorMessage)
	case PurposeModify:
		e.amendRejected(ev.TransID, ev)
	default:
		logs.Warnf("og: error for id=%d of unknown transaction ignored, %s", o.ID, ev)
	}
}

// resolve maps ev to its order. A miss is logged and counted, never raised.
func (e *Engine) resolve(ev schema.Event) (*schema.Order, Purpose, bool) {
	id, purpose, ok := e.corr.Resolve(ev)
	if !ok {
		e.metrics.IncCorrelationMiss()
		logs.Warnf("og: correlation miss, %s", ev)
		return nil, PurposeUnknown, false
	}
	o, ok := e.orders[id]
	if !ok {
		e.metrics.IncCorrelationMiss()
		logs.Warnf("og: correlation to unknown order id=%d, %s", id, ev)
		return nil, PurposeUnknown, false
	}
	return o, purpose, true
}

// syncIdentity copies a venue id learned by the correlation store and an
// order key pushed for the current venue order onto the order.
func (e *Engine) syncIdentity(o *schema.Order, ev schema.Event) bool {
	changed := false
	if v, ok := e.corr.VenueOf(o.ID); ok && v != o.VenueOrderID {
		o.VenueOrderID = v
		changed = true
	}
	if ev.Kind == schema.EventOrder && ev.VenueOrderKey != "" && ev.VenueOrderKey != o.VenueOrderKey &&
		(ev.VenueOrderID == "" || ev.VenueOrderID == o.VenueOrderID) {
		o.VenueOrderKey = ev.VenueOrderKey
		e.corr.SetContext(o.ID, o.Context())
		changed = true
	}
	return changed
}

func (e *Engine) bindVenue(id schema.OrderID, venueID string) {
	o, ok := e.orders[id]
	if !ok {
		return
	}
	if !e.corr.BindVenue(venueID, id) {
		logs.Warnf("og: venue order %s already belongs to another order, id=%d", venueID, id)
		return
	}
	if o.VenueOrderID == venueID {
		return
	}
	o.VenueOrderID = venueID
	e.persist(o)
}

func (e *Engine) refLocked(o *schema.Order) (venue.OrderRef, error) {
	c, _ := e.corr.Context(o.ID)
	venueID, _ := e.corr.VenueOf(o.ID)
	if c.OrderKey == "" && venueID == "" {
		logs.Warnf("og: id=%d has no venue order key or id yet", o.ID)
		return venue.OrderRef{}, exception.ErrOrderNoVenueRef
	}
	return venue.OrderRef{
		Instrument:   c.Instrument,
		OrderKey:     c.OrderKey,
		VenueOrderID: venueID,
		Side:         o.Side,
		Type:         o.Type,
		Account:      c.Account,
		ClientCode:   c.ClientCode,
	}, nil
}

func (e *Engine) sendOrder(ctx context.Context, o schema.Order, qty int64) (venue.Ack, error) {
	req := venue.OrderRequest{
		TransID:    o.TransID,
		Instrument: o.Instrument,
		Side:       o.Side,
		Type:       o.Type,
		Price:      o.Price,
		Qty:        qty,
		Account:    o.Account,
		ClientCode: o.ClientCode,
	}
	if o.Type == schema.OrderTypeMarket {
		return e.dispatcher.PlaceMarket(ctx, req)
	}
	return e.dispatcher.PlaceLimit(ctx, req)
}

func (e *Engine) checkRisk(ctx context.Context, order schema.Order) error {
	if e.risk == nil {
		return nil
	}
	view := risk.StateView{Now: time.Now()}
	if e.quotes != nil {
		if q, ok := e.quotes.Quote(order.Instrument); ok && q.Valid() {
			view.ReferencePrice = q.Mid()
		}
	}
	var riskErr error
	if err := e.loop.Do(ctx, func() {
		view.Position = e.netPositionLocked(order.Instrument)
		riskErr = e.risk.Check(order, view)
	}); err != nil {
		return err
	}
	if riskErr != nil {
		e.metrics.IncRiskDenied()
		logs.Warnf("og: order %s %s %d@%s denied, err: %+v", order.Instrument, order.Side, order.Qty, order.Price, riskErr)
	}
	return riskErr
}

func (e *Engine) netPositionLocked(ins schema.Instrument) int64 {
	var net int64
	for _, o := range e.orders {
		if o.Instrument != ins {
			continue
		}
		switch o.Side {
		case schema.SideBuy:
			net += o.Filled
		case schema.SideSell:
			net -= o.Filled
		}
	}
	return net
}

// rejectLocal marks an order refused before it reached the venue.
func (e *Engine) rejectLocal(id schema.OrderID, transID schema.TransID, cause error) {
	logs.Errorf("og: dispatch id=%d trans=%d, err: %+v", id, transID, cause)
	if err := e.loop.Schedule(func() {
		o, ok := e.orders[id]
		if ok && e.placing[id] == transID && applyStatus(o, schema.OrderStatusRejected) {
			e.metrics.IncReject()
			e.persist(o)
		}
	}); err != nil {
		logs.Errorf("og: reject id=%d, err: %+v", id, err)
	}
}

// abandon persists an order that was created but never registered.
func (e *Engine) abandon(order schema.Order, reason string) {
	order.Status = schema.OrderStatusRejected
	order.UpdatedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PersistTimeout)
	defer cancel()
	if err := e.store.SaveOrder(ctx, order); err != nil {
		logs.Errorf("og: abandon id=%d (%s), err: %+v", order.ID, reason, err)
	}
}

// persist writes o through. A failure leaves memory authoritative.
func (e *Engine) persist(o *schema.Order) {
	o.UpdatedAt = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.PersistTimeout)
	defer cancel()
	if err := e.store.SaveOrder(ctx, *o); err != nil {
		logs.Errorf("og: persist id=%d, err: %+v", o.ID, err)
	}
}
