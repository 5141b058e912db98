// Package metrics exposes the capture engine's CaptureStats and the
// error-taxonomy's rate-limited log events (§7) as Prometheus series, so
// the "logged at info/debug" behaviors have an observable counterpart
// beyond the log line itself. Grounded on the pack's promauto.NewGaugeVec
// pattern for per-stream metrics, labeled here by source name instead of
// stream ID.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	readCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alsasourced",
		Subsystem: "capture",
		Name:      "read_bytes_total",
		Help:      "Cumulative bytes read from the driver.",
	}, []string{"source"})

	overrunCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alsasourced",
		Subsystem: "capture",
		Name:      "overruns_total",
		Help:      "Overruns recovered from (§7 transient-driver errors).",
	}, []string{"source"})

	watermarkBumps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alsasourced",
		Subsystem: "capture",
		Name:      "watermark_bumps_total",
		Help:      "Times the overrun adjuster doubled the tsched watermark.",
	}, []string{"source"})

	latencyBumps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "alsasourced",
		Subsystem: "capture",
		Name:      "latency_bumps_total",
		Help:      "Times the overrun adjuster fell back to increasing hwbuf_unused.",
	}, []string{"source"})

	postsCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alsasourced",
		Subsystem: "capture",
		Name:      "posts_total",
		Help:      "Chunks posted to the downstream sink.",
	}, []string{"source"})

	latencySeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alsasourced",
		Subsystem: "capture",
		Name:      "latency_seconds",
		Help:      "Current smoothed capture latency estimate.",
	}, []string{"source"})

	state = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "alsasourced",
		Subsystem: "capture",
		Name:      "state",
		Help:      "Current engine state as an integer (engine.State ordinal).",
	}, []string{"source"})
)

// Reporter observes one source object's running counters. Constructed once
// per source name; its Prometheus series carry that name as a label,
// mirroring the pack's per-stream-ID labeling.
type Reporter struct {
	source string
}

// NewReporter returns a Reporter scoped to source.
func NewReporter(source string) *Reporter {
	return &Reporter{source: source}
}

// Snapshot is the plain-data shape this package expects from a capture
// engine's Stats() — duplicated here rather than imported, so this leaf
// package never depends on internal/engine's types.
type Snapshot struct {
	ReadCount      uint64
	OverrunCount   uint64
	WatermarkBumps uint64
	LatencyBumps   uint64
	PostsCount     uint64
}

// Observe records a fresh stats snapshot, latency estimate, and state
// ordinal. Counters (Overrun/Watermark/Latency bumps) are monotonic inputs;
// Observe adds only the delta since the last call.
func (r *Reporter) Observe(prev, curr Snapshot, latency time.Duration, stateOrdinal int) {
	readCount.WithLabelValues(r.source).Set(float64(curr.ReadCount))
	postsCount.WithLabelValues(r.source).Set(float64(curr.PostsCount))
	latencySeconds.WithLabelValues(r.source).Set(latency.Seconds())
	state.WithLabelValues(r.source).Set(float64(stateOrdinal))

	if d := curr.OverrunCount - prev.OverrunCount; d > 0 {
		overrunCount.WithLabelValues(r.source).Add(float64(d))
	}

	if d := curr.WatermarkBumps - prev.WatermarkBumps; d > 0 {
		watermarkBumps.WithLabelValues(r.source).Add(float64(d))
	}

	if d := curr.LatencyBumps - prev.LatencyBumps; d > 0 {
		latencyBumps.WithLabelValues(r.source).Add(float64(d))
	}
}

// Forget removes every series this source contributed, called when the
// source object is unlinked.
func (r *Reporter) Forget() {
	readCount.DeleteLabelValues(r.source)
	overrunCount.DeleteLabelValues(r.source)
	watermarkBumps.DeleteLabelValues(r.source)
	latencyBumps.DeleteLabelValues(r.source)
	postsCount.DeleteLabelValues(r.source)
	latencySeconds.DeleteLabelValues(r.source)
	state.DeleteLabelValues(r.source)
}
