package obs

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arbterm/internal/schema"
)

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.IncCorrelationMiss()
	m.ObserveEvent(schema.EventTrade)
	m.ObserveDispatch(time.Millisecond)
	assert.Equal(t, Snapshot{}, m.Snapshot())
}

func TestMetricsSnapshot(t *testing.T) {
	m := NewMetrics()
	m.ObserveEvent(schema.EventTrade)
	m.ObserveEvent(schema.EventTrade)
	m.ObserveEvent(schema.EventOrder)
	m.IncCorrelationMiss()
	m.IncQueueDrop()
	m.ObserveDispatch(2 * time.Millisecond)
	m.ObserveDispatch(4 * time.Millisecond)

	snap := m.Snapshot()
	assert.EqualValues(t, 2, snap.EventCounts[schema.EventTrade])
	assert.EqualValues(t, 1, snap.EventCounts[schema.EventOrder])
	assert.EqualValues(t, 1, snap.CorrelationMiss)
	assert.EqualValues(t, 1, snap.QueueDrops)
	assert.EqualValues(t, 2, snap.DispatchLatency.Count)
	assert.Equal(t, 2*time.Millisecond, snap.DispatchLatency.Min)
	assert.Equal(t, 4*time.Millisecond, snap.DispatchLatency.Max)
	assert.Equal(t, 3*time.Millisecond, snap.DispatchLatency.Avg)
}

func TestMetricsRegister(t *testing.T) {
	m := NewMetrics()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))

	m.IncCorrelationMiss()
	m.IncCorrelationMiss()

	expected := `
# HELP arbterm_correlation_miss_total Events that resolved to no local order.
# TYPE arbterm_correlation_miss_total counter
arbterm_correlation_miss_total 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "arbterm_correlation_miss_total"))

	// registering twice on the same registry is refused
	assert.Error(t, m.Register(reg))
}
