package og

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"arbterm/internal/bus"
	"arbterm/internal/schema"
	"arbterm/internal/venue"
	"arbterm/pkg/exception"
)

// Modify changes the price, and optionally the total quantity, of a working
// limit order. Segments that support it are amended in place; the others,
// and any amend the venue refuses, go through cancel and re-placement under
// the same local id.
func (e *Engine) Modify(ctx context.Context, id schema.OrderID, price decimal.Decimal, qty *int64) error {
	if !price.IsPositive() {
		return errors.Wrap(exception.ErrOrderInvalidRequest, "price must be positive")
	}
	if qty != nil && *qty <= 0 {
		return errors.Wrap(exception.ErrOrderInvalidRequest, "qty must be positive")
	}

	ins, err := bus.Call(ctx, e.loop, func() (schema.Instrument, error) {
		o, err := e.modifiableLocked(id, qty)
		if err != nil {
			return schema.Instrument{}, err
		}
		return o.Instrument, nil
	})
	if err != nil {
		return err
	}

	if !e.registry.SupportsAmend(ins.ClassCode) {
		logs.Infof("og: modify id=%d on %s by cancel and replace", id, ins.ClassCode)
		return e.replace(ctx, id, price, qty)
	}
	return e.amend(ctx, id, price, qty)
}

func (e *Engine) modifiableLocked(id schema.OrderID, qty *int64) (*schema.Order, error) {
	o, ok := e.orders[id]
	if !ok {
		return nil, exception.ErrOrderNotFound
	}
	if o.Status.IsTerminal() {
		return nil, exception.ErrOrderTerminal
	}
	if o.Type != schema.OrderTypeLimit {
		return nil, errors.Wrap(exception.ErrOrderInvalidRequest, "only limit orders can be modified")
	}
	if qty != nil && *qty <= o.Filled {
		return nil, errors.Wrap(exception.ErrOrderInvalidRequest, "qty must exceed filled qty")
	}
	return o, nil
}

func (e *Engine) amend(ctx context.Context, id schema.OrderID, price decimal.Decimal, qty *int64) error {
	transID, err := e.store.NextTransID(ctx, time.Now())
	if err != nil {
		return errors.Wrap(err, "next trans id")
	}
	base := context.WithoutCancel(ctx)

	ref, err := bus.Call(base, e.loop, func() (venue.OrderRef, error) {
		o, err := e.modifiableLocked(id, qty)
		if err != nil {
			return venue.OrderRef{}, err
		}
		ref, err := e.refLocked(o)
		if err != nil {
			return venue.OrderRef{}, err
		}
		e.corr.RegisterTrans(transID, id, PurposeModify)
		e.amends[transID] = &amendState{id: id, price: price, qty: qty, inflight: true}
		o.TransID = transID
		return ref, nil
	})
	if err != nil {
		return err
	}

	logs.Infof("og: amend id=%d trans=%d key=%s price=%s", id, transID, ref.Key(), price)
	ack, err := e.dispatcher.Modify(ctx, ref, price, qty, transID)
	if err != nil {
		_ = e.loop.Schedule(func() { delete(e.amends, transID) })
		return err
	}

	fallback, err := bus.Call(base, e.loop, func() (bool, error) {
		as := e.amends[transID]
		if as == nil {
			return false, nil
		}
		as.inflight = false
		if ack.Accepted && !as.rejected {
			if o, ok := e.orders[id]; ok && !o.Status.IsTerminal() {
				o.Price = price
				if qty != nil {
					o.Qty = *qty
					o.Leaves = o.Qty - o.Filled
				}
				e.persist(o)
			}
			return false, nil
		}
		delete(e.amends, transID)
		return true, nil
	})
	if err != nil || !fallback {
		return err
	}

	e.metrics.IncAmendFallback()
	logs.Warnf("og: amend id=%d trans=%d refused (%s), cancel and replace", id, transID, ack.Message)
	return e.replace(ctx, id, price, qty)
}

// amendRejected handles a refusal that arrives after the amend caller already
// went back to its business. Loop only.
func (e *Engine) amendRejected(transID schema.TransID, ev schema.Event) {
	as := e.amends[transID]
	if as == nil {
		return
	}
	if as.inflight {
		as.rejected = true
		return
	}
	delete(e.amends, transID)
	e.metrics.IncAmendFallback()
	logs.Warnf("og: amend id=%d trans=%d rejected late (%s), cancel and replace", as.id, transID, ev.ErrorMessage)
	go func() {
		if err := e.replace(context.Background(), as.id, as.price, as.qty); err != nil {
			logs.Errorf("og: replace id=%d after rejected amend, err: %+v", as.id, err)
		}
	}()
}

// replace cancels the venue order, waits for the cancel to settle and places
// the remaining quantity at the new price under the same local id.
func (e *Engine) replace(ctx context.Context, id schema.OrderID, price decimal.Decimal, qty *int64) error {
	cancelTrans, err := e.store.NextTransID(ctx, time.Now())
	if err != nil {
		return errors.Wrap(err, "next trans id")
	}
	base := context.WithoutCancel(ctx)

	ref, err := bus.Call(base, e.loop, func() (venue.OrderRef, error) {
		o, err := e.modifiableLocked(id, qty)
		if err != nil {
			return venue.OrderRef{}, err
		}
		if _, busy := e.replacing[id]; busy {
			return venue.OrderRef{}, errors.Wrap(exception.ErrOrderReplaceAborted, "replace already in progress")
		}
		ref, err := e.refLocked(o)
		if err != nil {
			return venue.OrderRef{}, err
		}
		if o.VenueOrderID != "" {
			e.superseded[o.VenueOrderID] = id
		}
		e.corr.RegisterTrans(cancelTrans, id, PurposeReplaceCancel)
		e.replacing[id] = &replaceState{cancelTrans: cancelTrans, oldVenueID: o.VenueOrderID}
		o.TransID = cancelTrans
		return ref, nil
	})
	if err != nil {
		return err
	}

	logs.Infof("og: replace id=%d cancel trans=%d key=%s", id, cancelTrans, ref.Key())
	cancelAck, err := e.dispatcher.Cancel(ctx, ref, cancelTrans)
	if err != nil {
		_ = e.loop.Schedule(func() { e.abortReplace(id) })
		return err
	}

	timer := time.NewTimer(e.cfg.SettleDelay)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
		_ = e.loop.Schedule(func() { e.abortReplace(id) })
		return ctx.Err()
	}

	placeTrans, err := e.store.NextTransID(base, time.Now())
	if err != nil {
		_ = e.loop.Schedule(func() { e.abortReplace(id) })
		return errors.Wrap(err, "next trans id")
	}

	order, err := bus.Call(base, e.loop, func() (schema.Order, error) {
		rs := e.replacing[id]
		o, ok := e.orders[id]
		if rs == nil || !ok {
			return schema.Order{}, exception.ErrOrderReplaceAborted
		}
		if !cancelAck.Accepted || rs.cancelRejected {
			e.abortReplace(id)
			return schema.Order{}, errors.Wrap(exception.ErrOrderReplaceAborted, "cancel refused")
		}
		if rs.cancelRequested {
			e.abortReplace(id)
			if applyStatus(o, schema.OrderStatusCancelled) {
				logs.Infof("og: order id=%d cancelled during replace", id)
				e.persist(o)
			}
			return schema.Order{}, errors.Wrap(exception.ErrOrderReplaceAborted, "cancelled by request")
		}
		if o.Status.IsTerminal() {
			e.abortReplace(id)
			return schema.Order{}, errors.Wrap(exception.ErrOrderReplaceAborted, o.Status.String())
		}
		remaining := o.Leaves
		if qty != nil {
			remaining = *qty - o.Filled
		}
		if remaining <= 0 {
			rs.oldCancelled = true
			e.abortReplace(id)
			return schema.Order{}, errors.Wrap(exception.ErrOrderReplaceAborted, "nothing left to place")
		}
		delete(e.replacing, id)

		if qty != nil {
			o.Qty = *qty
		}
		o.Leaves = remaining
		o.Price = price
		o.TransID = placeTrans
		o.VenueOrderID = ""
		o.VenueOrderKey = ""
		e.corr.ReleaseVenue(id)
		e.corr.SetContext(id, o.Context())
		e.corr.RegisterTrans(placeTrans, id, PurposeReplace)
		e.placing[id] = placeTrans
		e.persist(o)
		return *o, nil
	})
	if err != nil {
		return err
	}

	logs.Infof("og: replace id=%d place trans=%d %d@%s", id, placeTrans, order.Leaves, order.Price)
	ack, err := e.sendOrder(ctx, order, order.Leaves)
	if err != nil {
		e.rejectLocal(id, placeTrans, err)
		return err
	}
	if !ack.Accepted {
		return exception.ErrOrderRejected
	}
	if ack.VenueOrderID != "" {
		venueID := ack.VenueOrderID
		if err := e.loop.Schedule(func() { e.bindVenue(id, venueID) }); err != nil {
			logs.Errorf("og: bind venue id=%d venue=%s, err: %+v", id, venueID, err)
		}
	}
	return nil
}

// abortReplace forgets a replace in progress. The old venue order stays the
// current one; if the venue already reported it cancelled, so is the order.
// Loop only.
func (e *Engine) abortReplace(id schema.OrderID) {
	rs := e.replacing[id]
	if rs == nil {
		return
	}
	delete(e.replacing, id)
	if rs.oldVenueID != "" {
		delete(e.superseded, rs.oldVenueID)
	}
	if o, ok := e.orders[id]; ok && rs.oldCancelled && applyStatus(o, schema.OrderStatusCancelled) {
		logs.Infof("og: order id=%d cancelled, replace aborted", id)
		e.persist(o)
	}
}
