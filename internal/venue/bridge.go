package venue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"arbterm/internal/bus"
	"arbterm/internal/obs"
	"arbterm/internal/schema"
	"arbterm/pkg/exception"
)

const defaultQuoteQueueSize = 1024

// EventHandler receives order, trade, transaction-reply and error events on
// the execution loop.
type EventHandler interface {
	HandleEvent(ev schema.Event)
}

// BridgeConfig tunes the bridge.
type BridgeConfig struct {
	QuoteQueueSize int
}

// Subscription identifies one quote callback registration.
type Subscription struct {
	Instrument schema.Instrument
	id         uint64
}

// Bridge owns one terminal session. It normalizes every push once, hands
// lifecycle events to the execution loop without loss and routes quotes
// through a bounded queue that drops the newest quote when full.
type Bridge struct {
	session Session
	loop    *bus.Loop
	quotes  *bus.Queue[schema.Quote]
	book    *QuoteBook
	metrics *obs.Metrics
	handler EventHandler
	seq     atomic.Uint64

	mu     sync.Mutex
	nextID uint64
	subs   map[schema.Instrument]map[uint64]func(schema.Quote)
}

// NewBridge wires a session to the execution loop.
func NewBridge(session Session, loop *bus.Loop, cfg BridgeConfig, metrics *obs.Metrics) *Bridge {
	size := cfg.QuoteQueueSize
	if size <= 0 {
		size = defaultQuoteQueueSize
	}
	return &Bridge{
		session: session,
		loop:    loop,
		quotes:  bus.NewQueue[schema.Quote](size),
		book:    NewQuoteBook(),
		metrics: metrics,
		subs:    make(map[schema.Instrument]map[uint64]func(schema.Quote)),
	}
}

// SetHandler sets the receiver of lifecycle events. Call before Run.
func (b *Bridge) SetHandler(h EventHandler) {
	b.handler = h
}

// Quotes returns the latest-quote book fed by the bridge.
func (b *Bridge) Quotes() *QuoteBook {
	return b.book
}

// Run drains quotes and blocks on the session until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.quotes.Run(ctx, b.deliverQuote)
	}()
	err := b.session.Run(ctx, b.onCallback)
	wg.Wait()
	return err
}

// onCallback runs on the session's worker goroutine.
func (b *Bridge) onCallback(cb Callback) {
	ev, err := Normalize(cb)
	if err != nil {
		logs.Debugf("bridge: skip callback %s, err: %+v", cb.Cmd, err)
		return
	}
	ev.Seq = b.seq.Add(1)
	b.metrics.ObserveEvent(ev.Kind)

	if ev.Kind == schema.EventQuote {
		switch err := b.quotes.TryPublish(ev.Quote); err {
		case nil:
		case bus.ErrQueueFull:
			b.metrics.IncQueueDrop()
		default:
			b.metrics.IncQueueClosed()
		}
		return
	}
	b.ingest(ev)
}

func (b *Bridge) ingest(ev schema.Event) {
	h := b.handler
	if h == nil {
		logs.Warnf("bridge: no handler, drop %s", ev)
		return
	}
	if err := b.loop.Schedule(func() { h.HandleEvent(ev) }); err != nil {
		logs.Errorf("bridge: schedule %s, err: %+v", ev, err)
	}
}

func (b *Bridge) deliverQuote(q schema.Quote) {
	b.book.Update(q)
	b.mu.Lock()
	subs := b.subs[q.Instrument]
	callbacks := make([]func(schema.Quote), 0, len(subs))
	for _, fn := range subs {
		callbacks = append(callbacks, fn)
	}
	b.mu.Unlock()
	for _, fn := range callbacks {
		fn(q)
	}
}

// SubscribeQuotes registers fn for ins. The venue stream is opened on the
// first subscriber.
func (b *Bridge) SubscribeQuotes(ctx context.Context, ins schema.Instrument, fn func(schema.Quote)) (Subscription, error) {
	b.mu.Lock()
	subs, ok := b.subs[ins]
	if !ok {
		subs = make(map[uint64]func(schema.Quote))
		b.subs[ins] = subs
	}
	b.nextID++
	id := b.nextID
	if fn == nil {
		fn = func(schema.Quote) {}
	}
	subs[id] = fn
	first := len(subs) == 1
	b.mu.Unlock()

	if first {
		if err := b.session.SubscribeQuotes(ctx, ins); err != nil {
			b.mu.Lock()
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subs, ins)
			}
			b.mu.Unlock()
			return Subscription{}, err
		}
	}
	return Subscription{Instrument: ins, id: id}, nil
}

// UnsubscribeQuotes removes a registration. The venue stream is closed with
// the last subscriber.
func (b *Bridge) UnsubscribeQuotes(ctx context.Context, sub Subscription) error {
	b.mu.Lock()
	subs, ok := b.subs[sub.Instrument]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	delete(subs, sub.id)
	last := len(subs) == 0
	if last {
		delete(b.subs, sub.Instrument)
	}
	b.mu.Unlock()

	if last {
		return b.session.UnsubscribeQuotes(ctx, sub.Instrument)
	}
	return nil
}

// PlaceLimit dispatches a limit order.
func (b *Bridge) PlaceLimit(ctx context.Context, req OrderRequest) (Ack, error) {
	req.Type = schema.OrderTypeLimit
	if req.Qty <= 0 || !req.Price.IsPositive() {
		return Ack{}, exception.ErrOrderInvalidRequest
	}
	return b.dispatch(ctx, newOrderTransaction(req)), nil
}

// PlaceMarket dispatches a market order.
func (b *Bridge) PlaceMarket(ctx context.Context, req OrderRequest) (Ack, error) {
	req.Type = schema.OrderTypeMarket
	if req.Qty <= 0 {
		return Ack{}, exception.ErrOrderInvalidRequest
	}
	return b.dispatch(ctx, newOrderTransaction(req)), nil
}

// Cancel dispatches a cancellation under a new transaction id.
func (b *Bridge) Cancel(ctx context.Context, ref OrderRef, transID schema.TransID) (Ack, error) {
	if ref.Key() == "" {
		return Ack{}, exception.ErrOrderNoVenueRef
	}
	return b.dispatch(ctx, killOrderTransaction(ref, transID)), nil
}

// Modify dispatches an in-place amendment. A nil qty keeps the quantity.
func (b *Bridge) Modify(ctx context.Context, ref OrderRef, price decimal.Decimal, qty *int64, transID schema.TransID) (Ack, error) {
	if ref.Key() == "" {
		return Ack{}, exception.ErrOrderNoVenueRef
	}
	return b.dispatch(ctx, moveOrdersTransaction(ref, price, qty, transID)), nil
}

// dispatch never returns a transport error to the caller: failures are
// reported in the ack and injected as error events.
func (b *Bridge) dispatch(ctx context.Context, tr Transaction) Ack {
	start := time.Now()
	reply, err := b.session.SendTransaction(ctx, tr)
	b.metrics.ObserveDispatch(time.Since(start))
	if err != nil {
		logs.Errorf("bridge: send %s trans=%d, err: %+v", tr.Action(), tr.TransID(), err)
		b.injectError(tr, -1, err.Error())
		return Ack{ErrorCode: -1, Message: err.Error()}
	}
	if !reply.Accepted() {
		code := reply.Result
		if code == 0 {
			code = -1
		}
		logs.Warnf("bridge: %s trans=%d not accepted, result=%d msg=%s", tr.Action(), tr.TransID(), reply.Result, reply.Message)
		b.injectError(tr, code, reply.Message)
		return Ack{ErrorCode: code, Message: reply.Message}
	}
	return Ack{Accepted: true, VenueOrderID: reply.OrderNum, Message: reply.Message}
}

func (b *Bridge) injectError(tr Transaction, code int, msg string) {
	b.metrics.IncDispatchFailure()
	ev := schema.Event{
		Kind:          schema.EventError,
		Seq:           b.seq.Add(1),
		TsRecv:        time.Now().UTC().UnixNano(),
		TransID:       tr.TransID(),
		VenueOrderKey: tr["ORDER_KEY"],
		Status:        schema.OrderStatusRejected,
		ErrorCode:     code,
		ErrorMessage:  msg,
		Instrument:    tr.Instrument(),
	}
	b.ingest(ev)
}
