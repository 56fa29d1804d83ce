package og

import (
	"strconv"
	"time"

	"arbterm/internal/schema"
)

const dedupSweepEvery = 1024

// tradeSet remembers applied trades for a bounded time. Owned by the loop.
type tradeSet struct {
	ttl    time.Duration
	items  map[string]time.Time
	writes int
}

func newTradeSet(ttl time.Duration) *tradeSet {
	return &tradeSet{ttl: ttl, items: make(map[string]time.Time)}
}

// tradeKey prefers the venue trade id. Without one, two trades of the same
// venue order with equal qty, price and time are indistinguishable.
func tradeKey(ev schema.Event) string {
	if ev.TradeID != "" {
		return "t:" + ev.TradeID
	}
	return "o:" + ev.VenueOrderID + "|" + strconv.FormatInt(int64(ev.TransID), 10) + "|" +
		strconv.FormatInt(ev.FilledDelta, 10) + "|" + ev.FillPrice.String() + "|" + ev.TradeTime
}

func (s *tradeSet) seen(key string, now time.Time) bool {
	exp, ok := s.items[key]
	if !ok {
		return false
	}
	if now.After(exp) {
		delete(s.items, key)
		return false
	}
	return true
}

func (s *tradeSet) add(key string, now time.Time) {
	s.items[key] = now.Add(s.ttl)
	s.writes++
	if s.writes%dedupSweepEvery != 0 {
		return
	}
	for k, exp := range s.items {
		if now.After(exp) {
			delete(s.items, k)
		}
	}
}
