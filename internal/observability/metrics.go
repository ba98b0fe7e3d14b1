package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects the streaming core's Prometheus metrics.
//
// Tracked concerns:
//   - chunk throughput per provider/model and per kind
//   - bundler flushes and client-side drops
//   - provider retries and classified errors
//   - tool execution counts and latency
//   - persistence queue depth, retries, overflow spills and drops
//   - merger scheduling decisions per panelist
//   - active session counts
type Metrics struct {
	ChunksEmitted *prometheus.CounterVec // labels: provider, kind

	BundlesFlushed *prometheus.CounterVec // labels: sink, cause
	BundlesDropped prometheus.Counter

	ProviderRetries *prometheus.CounterVec   // labels: provider, code
	ProviderErrors  *prometheus.CounterVec   // labels: provider, code
	StreamDuration  *prometheus.HistogramVec // labels: provider, model

	ToolExecutions   *prometheus.CounterVec   // labels: tool, status
	ToolExecDuration *prometheus.HistogramVec // labels: tool

	PersistQueueDepth prometheus.Gauge
	PersistRetries    prometheus.Counter
	PersistOverflow   prometheus.Counter
	PersistDropped    prometheus.Counter
	PersistDegraded   prometheus.Counter
	PersistWrites     *prometheus.CounterVec // labels: result (ok|dedup|error)
	OverflowReplayed  prometheus.Counter

	MergerSelections *prometheus.CounterVec // labels: panelist

	ActiveSessions prometheus.Gauge
}

// NewMetrics creates and registers metrics on the given registerer.
// Pass prometheus.NewRegistry() in tests to avoid global collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_chunks_emitted_total",
			Help: "Domain chunks emitted, by provider and chunk kind.",
		}, []string{"provider", "kind"}),
		BundlesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_bundles_flushed_total",
			Help: "Text bundles flushed, by sink and flush cause.",
		}, []string{"sink", "cause"}),
		BundlesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roundtable_bundles_dropped_total",
			Help: "Intermediate client bundles dropped under backpressure.",
		}),
		ProviderRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_provider_retries_total",
			Help: "Provider stream-open retries, by provider and error code.",
		}, []string{"provider", "code"}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_provider_errors_total",
			Help: "Terminal provider errors, by provider and error code.",
		}, []string{"provider", "code"}),
		StreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roundtable_stream_duration_seconds",
			Help:    "Domain stream duration from first to terminal chunk.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"provider", "model"}),
		ToolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_tool_executions_total",
			Help: "Tool invocations, by tool and status.",
		}, []string{"tool", "status"}),
		ToolExecDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roundtable_tool_execution_seconds",
			Help:    "Tool execution latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),
		PersistQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roundtable_persist_queue_depth",
			Help: "Current primary persistence queue depth.",
		}),
		PersistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roundtable_persist_retries_total",
			Help: "Store write retries.",
		}),
		PersistOverflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roundtable_persist_overflow_total",
			Help: "Bundles spilled to the overflow log.",
		}),
		PersistDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roundtable_persist_dropped_total",
			Help: "Bundles dropped on permanent store failure.",
		}),
		PersistDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roundtable_persist_degraded_total",
			Help: "Messages marked degraded because overflow storage failed.",
		}),
		PersistWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_persist_writes_total",
			Help: "Store append results.",
		}, []string{"result"}),
		OverflowReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "roundtable_overflow_replayed_total",
			Help: "Overflow records re-enqueued by the replayer.",
		}),
		MergerSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "roundtable_merger_selections_total",
			Help: "Fair merger scheduling decisions, by panelist.",
		}, []string{"panelist"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "roundtable_active_sessions",
			Help: "Currently open edge sessions.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ChunksEmitted, m.BundlesFlushed, m.BundlesDropped,
			m.ProviderRetries, m.ProviderErrors, m.StreamDuration,
			m.ToolExecutions, m.ToolExecDuration,
			m.PersistQueueDepth, m.PersistRetries, m.PersistOverflow,
			m.PersistDropped, m.PersistDegraded, m.PersistWrites,
			m.OverflowReplayed, m.MergerSelections, m.ActiveSessions,
		)
	}
	return m
}

// NewNopMetrics returns unregistered metrics for tests.
func NewNopMetrics() *Metrics {
	return NewMetrics(nil)
}
