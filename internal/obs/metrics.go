package obs

import (
	"sync/atomic"
	"time"

	"arbterm/internal/schema"
)

const maxEventKind = int(schema.EventError)

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	eventCounts      [maxEventKind + 1]uint64
	queueDrops       uint64
	queueClosed      uint64
	correlationMiss  uint64
	rejects          uint64
	duplicateTrades  uint64
	ignoredEvents    uint64
	amendFallbacks   uint64
	dispatchFailures uint64
	riskDenied       uint64
	strategyRestarts uint64

	dispatchLatency LatencyStats
	applyLatency    LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts      map[schema.EventKind]uint64
	QueueDrops       uint64
	QueueClosed      uint64
	CorrelationMiss  uint64
	Rejects          uint64
	DuplicateTrades  uint64
	IgnoredEvents    uint64
	AmendFallbacks   uint64
	DispatchFailures uint64
	RiskDenied       uint64
	StrategyRestarts uint64
	DispatchLatency  LatencySnapshot
	ApplyLatency     LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveEvent increments the per-kind event counter.
func (m *Metrics) ObserveEvent(kind schema.EventKind) {
	if m == nil {
		return
	}
	idx := int(kind)
	if idx >= 0 && idx < len(m.eventCounts) {
		atomic.AddUint64(&m.eventCounts[idx], 1)
	}
}

// IncQueueDrop records a quote dropped on a full queue.
func (m *Metrics) IncQueueDrop() {
	if m != nil {
		atomic.AddUint64(&m.queueDrops, 1)
	}
}

// IncQueueClosed records a closed-queue publish attempt.
func (m *Metrics) IncQueueClosed() {
	if m != nil {
		atomic.AddUint64(&m.queueClosed, 1)
	}
}

// IncCorrelationMiss records an event that resolved to no local order.
func (m *Metrics) IncCorrelationMiss() {
	if m != nil {
		atomic.AddUint64(&m.correlationMiss, 1)
	}
}

// IncReject records an order moved to REJECTED.
func (m *Metrics) IncReject() {
	if m != nil {
		atomic.AddUint64(&m.rejects, 1)
	}
}

// IncDuplicateTrade records a replayed trade that was skipped.
func (m *Metrics) IncDuplicateTrade() {
	if m != nil {
		atomic.AddUint64(&m.duplicateTrades, 1)
	}
}

// IncIgnoredEvent records an event against a terminal or superseded order.
func (m *Metrics) IncIgnoredEvent() {
	if m != nil {
		atomic.AddUint64(&m.ignoredEvents, 1)
	}
}

// IncAmendFallback records a modify that fell back to cancel and replace.
func (m *Metrics) IncAmendFallback() {
	if m != nil {
		atomic.AddUint64(&m.amendFallbacks, 1)
	}
}

// IncDispatchFailure records a transaction that failed or was refused.
func (m *Metrics) IncDispatchFailure() {
	if m != nil {
		atomic.AddUint64(&m.dispatchFailures, 1)
	}
}

// IncRiskDenied records an order refused by pre-trade checks.
func (m *Metrics) IncRiskDenied() {
	if m != nil {
		atomic.AddUint64(&m.riskDenied, 1)
	}
}

// IncStrategyRestart records a strategy instance restart.
func (m *Metrics) IncStrategyRestart() {
	if m != nil {
		atomic.AddUint64(&m.strategyRestarts, 1)
	}
}

// ObserveDispatch measures the round trip of a transaction envelope.
func (m *Metrics) ObserveDispatch(d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchLatency.Observe(d)
}

// ObserveApply measures how long the loop spent applying one event.
func (m *Metrics) ObserveApply(d time.Duration) {
	if m == nil {
		return
	}
	m.applyLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	eventCounts := make(map[schema.EventKind]uint64)
	for i := range m.eventCounts {
		if v := atomic.LoadUint64(&m.eventCounts[i]); v > 0 {
			eventCounts[schema.EventKind(i)] = v
		}
	}
	return Snapshot{
		EventCounts:      eventCounts,
		QueueDrops:       atomic.LoadUint64(&m.queueDrops),
		QueueClosed:      atomic.LoadUint64(&m.queueClosed),
		CorrelationMiss:  atomic.LoadUint64(&m.correlationMiss),
		Rejects:          atomic.LoadUint64(&m.rejects),
		DuplicateTrades:  atomic.LoadUint64(&m.duplicateTrades),
		IgnoredEvents:    atomic.LoadUint64(&m.ignoredEvents),
		AmendFallbacks:   atomic.LoadUint64(&m.amendFallbacks),
		DispatchFailures: atomic.LoadUint64(&m.dispatchFailures),
		RiskDenied:       atomic.LoadUint64(&m.riskDenied),
		StrategyRestarts: atomic.LoadUint64(&m.strategyRestarts),
		DispatchLatency:  m.dispatchLatency.Snapshot(),
		ApplyLatency:     m.applyLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
