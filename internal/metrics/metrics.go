// Package metrics holds in-process counters and latency samples for the
// doctor wizard and a status surface to read synchronously, and feeds the
// same observations into the OTel instruments internal/telemetry's meter
// provider exports on its own schedule.
package metrics

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/syncbridge/mutsync/internal/telemetry"
)

const maxLatencySamples = 1000

// otelInstruments are registered against the global delegating provider at
// init time, so they automatically forward to the real provider once
// telemetry.Init runs.
var otelInstruments struct {
	queueDepth      metric.Int64Gauge
	dispatchLatency metric.Float64Histogram
	mutationOutcome metric.Int64Counter
}

func init() {
	m := otel.Meter(telemetry.MeterName)
	otelInstruments.queueDepth, _ = m.Int64Gauge("mutsync.queue.depth",
		metric.WithDescription("current bounded work queue depth"),
		metric.WithUnit("{push}"),
	)
	otelInstruments.dispatchLatency, _ = m.Float64Histogram("mutsync.dispatch.latency",
		metric.WithDescription("upstream dispatch round-trip latency"),
		metric.WithUnit("ms"),
	)
	otelInstruments.mutationOutcome, _ = m.Int64Counter("mutsync.mutation.outcome",
		metric.WithDescription("mutation outcomes by kind"),
		metric.WithUnit("{mutation}"),
	)
}

// Metrics accumulates queue depth, dispatch latency, and fan-out outcome
// counts for one process.
type Metrics struct {
	mu sync.RWMutex

	dispatchLatency []time.Duration  // bounded ring of recent dispatch latencies
	outcomeCounts   map[string]int64 // mutation outcome kind -> count ("ok", wire.ErrKind*)

	queueDepth int64 // current depth, set by SetQueueDepth

	startTime time.Time
}

// New returns an empty Metrics collector.
func New() *Metrics {
	return &Metrics{
		outcomeCounts: make(map[string]int64),
		startTime:     time.Now(),
	}
}

// RecordDispatchLatency records one Upstream Dispatcher round trip.
func (m *Metrics) RecordDispatchLatency(ctx context.Context, d time.Duration) {
	m.mu.Lock()
	if len(m.dispatchLatency) >= maxLatencySamples {
		m.dispatchLatency = m.dispatchLatency[1:]
	}
	m.dispatchLatency = append(m.dispatchLatency, d)
	m.mu.Unlock()

	otelInstruments.dispatchLatency.Record(ctx, float64(d)/float64(time.Millisecond))
}

// RecordOutcome increments the count for a mutation outcome kind: "ok", or
// one of the wire.ErrKind* strings.
func (m *Metrics) RecordOutcome(ctx context.Context, kind string) {
	m.mu.Lock()
	m.outcomeCounts[kind]++
	m.mu.Unlock()

	otelInstruments.mutationOutcome.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", kind)))
}

// SetQueueDepth records the current queue depth gauge.
func (m *Metrics) SetQueueDepth(ctx context.Context, n int) {
	atomic.StoreInt64(&m.queueDepth, int64(n))
	otelInstruments.queueDepth.Record(ctx, int64(n))
}

// Snapshot is a point-in-time view of all metrics, suitable for the
// doctor/status surfaces.
type Snapshot struct {
	UptimeSeconds   float64
	QueueDepth      int
	OutcomeCounts   map[string]int64
	DispatchLatency LatencyStats
}

// LatencyStats holds latency percentiles in milliseconds.
type LatencyStats struct {
	MinMS float64
	P50MS float64
	P99MS float64
	MaxMS float64
	AvgMS float64
}

// Snapshot returns a copy of the current metrics state.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.RLock()
	samples := append([]time.Duration(nil), m.dispatchLatency...)
	counts := make(map[string]int64, len(m.outcomeCounts))
	for k, v := range m.outcomeCounts {
		counts[k] = v
	}
	m.mu.RUnlock()

	return Snapshot{
		UptimeSeconds:   time.Since(m.startTime).Seconds(),
		QueueDepth:      int(atomic.LoadInt64(&m.queueDepth)),
		OutcomeCounts:   counts,
		DispatchLatency: latencyStats(samples),
	}
}

func latencyStats(samples []time.Duration) LatencyStats {
	if len(samples) == 0 {
		return LatencyStats{}
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	p50 := sorted[minInt(n-1, n*50/100)]
	p99 := sorted[minInt(n-1, n*99/100)]

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	avg := sum / time.Duration(n)

	toMS := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	return LatencyStats{
		MinMS: toMS(sorted[0]),
		P50MS: toMS(p50),
		P99MS: toMS(p99),
		MaxMS: toMS(sorted[n-1]),
		AvgMS: toMS(avg),
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
