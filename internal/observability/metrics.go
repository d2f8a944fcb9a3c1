package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects application metrics for turns, model calls, and tools.
//
// Built on Prometheus. Exposed on the HTTP server's /metrics endpoint.
type Metrics struct {
	// TurnCounter counts chat turns by outcome (ok|error|cancelled).
	TurnCounter *prometheus.CounterVec

	// TurnSteps observes agent loop steps executed per turn.
	TurnSteps prometheus.Histogram

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model.
	LLMRequestDuration *prometheus.HistogramVec

	// LLMTokensUsed tracks token consumption.
	// Labels: provider, model, type (prompt|completion).
	LLMTokensUsed *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error).
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by component and kind.
	ErrorCounter *prometheus.CounterVec

	// ActiveStreams gauges currently open event streams.
	ActiveStreams prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates the metric set on a private registry so tests can
// instantiate it repeatedly without duplicate registration panics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		TurnCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "finsight_turns_total",
			Help: "Chat turns processed, by outcome.",
		}, []string{"outcome"}),
		TurnSteps: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "finsight_turn_steps",
			Help:    "Agent loop steps executed per turn.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		}),
		LLMRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finsight_llm_request_duration_seconds",
			Help:    "Model call latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		LLMTokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "finsight_llm_tokens_total",
			Help: "Token consumption by provider, model, and type.",
		}, []string{"provider", "model", "type"}),
		ToolExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "finsight_tool_executions_total",
			Help: "Tool invocations by name and status.",
		}, []string{"tool_name", "status"}),
		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finsight_tool_execution_duration_seconds",
			Help:    "Tool execution time.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		ErrorCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "finsight_errors_total",
			Help: "Errors by component and kind.",
		}, []string{"component", "kind"}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "finsight_active_streams",
			Help: "Currently open event streams.",
		}),
	}
}

// Registry returns the underlying Prometheus registry for the /metrics
// handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
