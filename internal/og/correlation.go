package og

import "arbterm/internal/schema"

// Purpose tells what a transaction id was minted for.
type Purpose uint8

const (
	PurposeUnknown Purpose = iota
	PurposePlace
	PurposeCancel
	// PurposeReplaceCancel is the cancel leg of a cancel+replace modify.
	PurposeReplaceCancel
	// PurposeModify is an amend-in-place attempt.
	PurposeModify
	// PurposeReplace is the re-placement leg of a cancel+replace modify.
	PurposeReplace
)

func (p Purpose) String() string {
	switch p {
	case PurposePlace:
		return "place"
	case PurposeCancel:
		return "cancel"
	case PurposeReplaceCancel:
		return "replace-cancel"
	case PurposeModify:
		return "modify"
	case PurposeReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// places reports whether the transaction creates a venue order.
func (p Purpose) places() bool {
	return p == PurposePlace || p == PurposeReplace
}

type transEntry struct {
	id      schema.OrderID
	purpose Purpose
}

// Correlation maps the identifiers the venue assigns at different times back
// to the local order id. It is owned by the execution loop and holds no lock.
type Correlation struct {
	byTrans map[schema.TransID]transEntry
	byVenue map[string]schema.OrderID
	venueOf map[schema.OrderID]string
	ctxOf   map[schema.OrderID]schema.OrderContext
}

// NewCorrelation creates empty mappings.
func NewCorrelation() *Correlation {
	return &Correlation{
		byTrans: make(map[schema.TransID]transEntry),
		byVenue: make(map[string]schema.OrderID),
		venueOf: make(map[schema.OrderID]string),
		ctxOf:   make(map[schema.OrderID]schema.OrderContext),
	}
}

// RegisterTrans records a transaction id. It must happen before dispatch.
func (c *Correlation) RegisterTrans(trans schema.TransID, id schema.OrderID, purpose Purpose) {
	if trans == 0 {
		return
	}
	c.byTrans[trans] = transEntry{id: id, purpose: purpose}
}

// Trans resolves a transaction id.
func (c *Correlation) Trans(trans schema.TransID) (schema.OrderID, Purpose, bool) {
	e, ok := c.byTrans[trans]
	return e.id, e.purpose, ok
}

// BindVenue makes venueID the current venue order id of id. A venue id
// already bound to another local id is never rebound; false is returned.
func (c *Correlation) BindVenue(venueID string, id schema.OrderID) bool {
	if venueID == "" {
		return false
	}
	if owner, ok := c.byVenue[venueID]; ok && owner != id {
		return false
	}
	c.byVenue[venueID] = id
	c.venueOf[id] = venueID
	return true
}

// ReleaseVenue forgets the current venue id of id. The reverse mapping is
// kept so late events of the old venue order still resolve.
func (c *Correlation) ReleaseVenue(id schema.OrderID) {
	delete(c.venueOf, id)
}

// ByVenue resolves a venue order id.
func (c *Correlation) ByVenue(venueID string) (schema.OrderID, bool) {
	id, ok := c.byVenue[venueID]
	return id, ok
}

// VenueOf returns the current venue order id of id.
func (c *Correlation) VenueOf(id schema.OrderID) (string, bool) {
	v, ok := c.venueOf[id]
	return v, ok
}

// SetContext caches what follow-up requests need.
func (c *Correlation) SetContext(id schema.OrderID, ctx schema.OrderContext) {
	c.ctxOf[id] = ctx
}

// Context returns the cached context of id.
func (c *Correlation) Context(id schema.OrderID) (schema.OrderContext, bool) {
	ctx, ok := c.ctxOf[id]
	return ctx, ok
}

// Resolve finds the local id of ev: venue order id first, then transaction
// id. A venue order id first seen next to a known placing transaction is
// learned.
func (c *Correlation) Resolve(ev schema.Event) (schema.OrderID, Purpose, bool) {
	var (
		entry    transEntry
		hasTrans bool
	)
	if ev.TransID != 0 {
		entry, hasTrans = c.byTrans[ev.TransID]
	}

	if ev.VenueOrderID != "" {
		if id, ok := c.byVenue[ev.VenueOrderID]; ok {
			if hasTrans && entry.id == id {
				return id, entry.purpose, true
			}
			return id, PurposeUnknown, true
		}
	}
	if !hasTrans {
		return 0, PurposeUnknown, false
	}
	if ev.VenueOrderID != "" && (entry.purpose.places() || entry.purpose == PurposeModify) {
		c.BindVenue(ev.VenueOrderID, entry.id)
	}
	return entry.id, entry.purpose, true
}
