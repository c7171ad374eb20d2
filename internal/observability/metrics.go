package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus collectors.
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.RunEvent("text.delta")
type Metrics struct {
	// TurnsTotal counts user turns by final run status (or "error").
	TurnsTotal *prometheus.CounterVec

	// RunEventsTotal counts dispatched run events by kind.
	RunEventsTotal *prometheus.CounterVec

	// StreamErrorsTotal counts event streams that failed mid-turn.
	StreamErrorsTotal prometheus.Counter

	// ToolExecutionsTotal counts tool calls by tool and status (success|error).
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// RunCancellationsTotal counts successful run cancellations by reason
	// (sweep|turn_error).
	RunCancellationsTotal *prometheus.CounterVec

	// ActiveSessions tracks open chat sessions per channel.
	ActiveSessions *prometheus.GaugeVec

	// MessagesTotal counts chat messages by channel and direction.
	MessagesTotal *prometheus.CounterVec

	// CacheLookupsTotal counts tool response cache lookups by cache and result (hit|miss).
	CacheLookupsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_turns_total",
			Help: "User turns by final run status",
		}, []string{"status"}),

		RunEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_run_events_total",
			Help: "Run stream events dispatched by kind",
		}, []string{"kind"}),

		StreamErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "atlas_stream_errors_total",
			Help: "Run event streams that failed mid-turn",
		}),

		ToolExecutionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_tool_executions_total",
			Help: "Tool calls by tool and status",
		}, []string{"tool", "status"}),

		ToolExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atlas_tool_execution_duration_seconds",
			Help:    "Tool execution time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		RunCancellationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_run_cancellations_total",
			Help: "Runs cancelled by reason",
		}, []string{"reason"}),

		ActiveSessions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "atlas_active_sessions",
			Help: "Open chat sessions by channel",
		}, []string{"channel"}),

		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_messages_total",
			Help: "Chat messages by channel and direction",
		}, []string{"channel", "direction"}),

		CacheLookupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "atlas_cache_lookups_total",
			Help: "Tool response cache lookups by cache and result",
		}, []string{"cache", "result"}),
	}
}

// TurnFinished records a finished turn.
func (m *Metrics) TurnFinished(status string) {
	if m == nil {
		return
	}
	if status == "" {
		status = "unknown"
	}
	m.TurnsTotal.WithLabelValues(status).Inc()
}

// RunEvent records a dispatched run event.
func (m *Metrics) RunEvent(kind string) {
	if m == nil {
		return
	}
	m.RunEventsTotal.WithLabelValues(kind).Inc()
}

// StreamError records a failed event stream.
func (m *Metrics) StreamError() {
	if m == nil {
		return
	}
	m.StreamErrorsTotal.Inc()
}

// ToolExecuted records a tool call.
func (m *Metrics) ToolExecuted(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RunCancelled records a successful run cancellation.
func (m *Metrics) RunCancelled(reason string) {
	if m == nil {
		return
	}
	m.RunCancellationsTotal.WithLabelValues(reason).Inc()
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(channel string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(channel).Inc()
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded(channel string) {
	if m == nil {
		return
	}
	m.ActiveSessions.WithLabelValues(channel).Dec()
}

// Message records a chat message (direction inbound|outbound).
func (m *Metrics) Message(channel, direction string) {
	if m == nil {
		return
	}
	m.MessagesTotal.WithLabelValues(channel, direction).Inc()
}

// CacheLookup records a cache hit or miss.
func (m *Metrics) CacheLookup(cache string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookupsTotal.WithLabelValues(cache, result).Inc()
}
