// Package metrics exposes the Prometheus gauges, counters, and histograms
// shared across the coordination core's components.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Squad / spawner metrics
	AgentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "closedclaw_agents_total",
			Help: "Total number of agents by lifecycle state",
		},
		[]string{"state"},
	)

	AgentRestartsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "closedclaw_agent_restarts_total",
			Help: "Total number of agent restarts",
		},
	)

	HeartbeatsMissedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "closedclaw_heartbeats_missed_total",
			Help: "Total number of missed agent heartbeats",
		},
	)

	// Task queue metrics
	TasksEnqueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "closedclaw_tasks_enqueued_total",
			Help: "Total number of tasks enqueued",
		},
	)

	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "closedclaw_tasks_completed_total",
			Help: "Total number of tasks completed",
		},
	)

	TasksFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "closedclaw_tasks_failed_total",
			Help: "Total number of tasks that exhausted retries",
		},
	)

	// Squad coordination metrics
	SquadRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "closedclaw_squad_run_duration_seconds",
			Help:    "Duration of a squad strategy run in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"strategy"},
	)

	// TPC pipeline metrics
	TPCEncodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "closedclaw_tpc_encode_duration_seconds",
			Help:    "Duration of the TPC encode pipeline in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TPCDecodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "closedclaw_tpc_decode_duration_seconds",
			Help:    "Duration of the TPC decode pipeline in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	NonceReplaysTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "closedclaw_nonce_replays_total",
			Help: "Total number of rejected replayed nonces",
		},
	)

	// Egress firewall metrics
	EgressDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closedclaw_egress_decisions_total",
			Help: "Total number of egress policy decisions",
		},
		[]string{"decision"},
	)

	// Risk-gated dispatcher metrics
	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closedclaw_tool_calls_total",
			Help: "Total number of tool invocations by outcome",
		},
		[]string{"tool", "outcome"},
	)

	ToolDeniedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "closedclaw_tool_denied_total",
			Help: "Total number of tool invocations blocked by risk assessment",
		},
		[]string{"tool", "tier"},
	)

	// Resource manager metrics
	TokensUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "closedclaw_tokens_used",
			Help: "Tokens used per agent",
		},
		[]string{"agent_id"},
	)

	RateLimiterQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "closedclaw_rate_limiter_queue_depth",
			Help: "Number of callers currently queued for a rate limiter acquire",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AgentsTotal,
		AgentRestartsTotal,
		HeartbeatsMissedTotal,
		TasksEnqueuedTotal,
		TasksCompletedTotal,
		TasksFailedTotal,
		SquadRunDuration,
		TPCEncodeDuration,
		TPCDecodeDuration,
		NonceReplaysTotal,
		EgressDecisionsTotal,
		ToolCallsTotal,
		ToolDeniedTotal,
		TokensUsed,
		RateLimiterQueueDepth,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
