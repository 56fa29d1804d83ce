package obs

import (
	"github.com/prometheus/client_golang/prometheus"

	"arbterm/internal/schema"
)

const namespace = "arbterm"

// Register exposes the counters on reg. Values are read from the atomic
// counters at scrape time.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	counters := []struct {
		name string
		help string
		read func(Snapshot) uint64
	}{
		{"quote_drops_total", "Quotes dropped on a full queue.", func(s Snapshot) uint64 { return s.QueueDrops }},
		{"correlation_miss_total", "Events that resolved to no local order.", func(s Snapshot) uint64 { return s.CorrelationMiss }},
		{"order_rejects_total", "Orders moved to REJECTED.", func(s Snapshot) uint64 { return s.Rejects }},
		{"duplicate_trades_total", "Replayed trades skipped.", func(s Snapshot) uint64 { return s.DuplicateTrades }},
		{"ignored_events_total", "Events against terminal or superseded orders.", func(s Snapshot) uint64 { return s.IgnoredEvents }},
		{"amend_fallbacks_total", "Modifies that fell back to cancel and replace.", func(s Snapshot) uint64 { return s.AmendFallbacks }},
		{"dispatch_failures_total", "Transactions that failed or were refused.", func(s Snapshot) uint64 { return s.DispatchFailures }},
		{"risk_denied_total", "Orders refused by pre-trade checks.", func(s Snapshot) uint64 { return s.RiskDenied }},
		{"strategy_restarts_total", "Strategy instance restarts.", func(s Snapshot) uint64 { return s.StrategyRestarts }},
	}
	for _, c := range counters {
		read := c.read
		collector := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      c.name,
			Help:      c.help,
		}, func() float64 { return float64(read(m.Snapshot())) })
		if err := reg.Register(collector); err != nil {
			return err
		}
	}

	for kind := schema.EventQuote; kind <= schema.EventError; kind++ {
		kind := kind
		collector := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "venue_events_total",
			Help:        "Normalized venue events by kind.",
			ConstLabels: prometheus.Labels{"kind": kind.String()},
		}, func() float64 { return float64(m.Snapshot().EventCounts[kind]) })
		if err := reg.Register(collector); err != nil {
			return err
		}
	}

	latencies := []struct {
		name string
		help string
		read func(Snapshot) LatencySnapshot
	}{
		{"dispatch_latency_avg_seconds", "Average transaction envelope round trip.", func(s Snapshot) LatencySnapshot { return s.DispatchLatency }},
		{"apply_latency_avg_seconds", "Average time to apply one event on the loop.", func(s Snapshot) LatencySnapshot { return s.ApplyLatency }},
	}
	for _, l := range latencies {
		read := l.read
		collector := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      l.name,
			Help:      l.help,
		}, func() float64 { return read(m.Snapshot()).Avg.Seconds() })
		if err := reg.Register(collector); err != nil {
			return err
		}
	}
	return nil
}
