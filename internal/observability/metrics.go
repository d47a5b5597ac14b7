package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the gateway's Prometheus metrics: turn lifecycle,
// agent-loop steps, tool executions, approvals, and HTTP traffic.
// Register once at startup; all metrics land on the default registry
// and surface at /metrics.
type Metrics struct {
	// TurnsStarted counts turns by channel.
	TurnsStarted *prometheus.CounterVec

	// TurnsFinished counts terminal outcomes.
	// Labels: state (completed|failed|cancelled), reason ("" unless failed)
	TurnsFinished *prometheus.CounterVec

	// TurnDuration measures turn wall time in seconds.
	TurnDuration prometheus.Histogram

	// LoopSteps observes steps consumed per turn.
	LoopSteps prometheus.Histogram

	// ToolExecutions counts tool invocations.
	// Labels: tool_path, decision (auto|approved|denied), status
	ToolExecutions *prometheus.CounterVec

	// ApprovalsOpened counts approval requests by tool path.
	ApprovalsOpened *prometheus.CounterVec

	// ApprovalsResolved counts approval decisions.
	// Labels: decision (approved|denied), actor_kind (human|rule|timeout|cancelled)
	ApprovalsResolved *prometheus.CounterVec

	// ApprovalWait measures time from open to resolution in seconds.
	ApprovalWait prometheus.Histogram

	// ActiveTurns gauges currently running turns.
	ActiveTurns prometheus.Gauge

	// EventQueueDepth observes per-session queue depth at emit time.
	EventQueueDepth prometheus.Histogram

	// HTTPRequests counts API requests.
	// Labels: method, route, status_code
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures API request latency in seconds.
	// Labels: method, route
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics. Call once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		TurnsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewright_turns_started_total",
				Help: "Turns started, by channel.",
			},
			[]string{"channel"},
		),
		TurnsFinished: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewright_turns_finished_total",
				Help: "Terminal turn outcomes.",
			},
			[]string{"state", "reason"},
		),
		TurnDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatewright_turn_duration_seconds",
				Help:    "Turn wall time from start to terminal event.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
		),
		LoopSteps: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatewright_loop_steps",
				Help:    "Agent loop steps consumed per turn.",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
		),
		ToolExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewright_tool_executions_total",
				Help: "Tool invocations by path, decision, and status.",
			},
			[]string{"tool_path", "decision", "status"},
		),
		ApprovalsOpened: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewright_approvals_opened_total",
				Help: "Approval requests opened, by tool path.",
			},
			[]string{"tool_path"},
		),
		ApprovalsResolved: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewright_approvals_resolved_total",
				Help: "Approval decisions by outcome and actor kind.",
			},
			[]string{"decision", "actor_kind"},
		),
		ApprovalWait: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatewright_approval_wait_seconds",
				Help:    "Time from approval open to resolution.",
				Buckets: []float64{0.1, 1, 5, 15, 60, 300, 900},
			},
		),
		ActiveTurns: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatewright_active_turns",
				Help: "Turns currently in a non-terminal state.",
			},
		),
		EventQueueDepth: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatewright_event_queue_depth",
				Help:    "Per-session event queue depth observed at emit.",
				Buckets: []float64{1, 4, 16, 64, 256, 1024},
			},
		),
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatewright_http_requests_total",
				Help: "API requests by method, route, and status.",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatewright_http_request_duration_seconds",
				Help:    "API request latency.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			},
			[]string{"method", "route"},
		),
	}
}
