package venue

import (
	"sync"

	"arbterm/internal/schema"
)

// QuoteBook keeps the latest quote per instrument for concurrent readers.
type QuoteBook struct {
	mu     sync.RWMutex
	quotes map[schema.Instrument]schema.Quote
}

// NewQuoteBook creates an empty book.
func NewQuoteBook() *QuoteBook {
	return &QuoteBook{quotes: make(map[schema.Instrument]schema.Quote)}
}

// Update stores q unless it is older than the stored quote.
func (b *QuoteBook) Update(q schema.Quote) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.quotes[q.Instrument]; ok && cur.TsRecv > q.TsRecv {
		return
	}
	b.quotes[q.Instrument] = q
}

// Quote returns the latest quote of ins.
func (b *QuoteBook) Quote(ins schema.Instrument) (schema.Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[ins]
	return q, ok
}
