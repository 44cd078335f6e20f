// Package metrics provides the Prometheus collectors backing the /metrics
// scrape endpoint and the system_metrics websocket payload.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is a centralized collection of Prometheus collectors for session
// processing, interaction latency, and hook auto-disable tracking.
type Metrics struct {
	ActiveSessions *prometheus.GaugeVec

	SessionDuration *prometheus.HistogramVec

	StageDuration *prometheus.HistogramVec

	LLMInteractionDuration *prometheus.HistogramVec
	LLMInteractionCounter  *prometheus.CounterVec
	LLMTokensUsed          *prometheus.CounterVec

	MCPInteractionDuration *prometheus.HistogramVec
	MCPInteractionCounter  *prometheus.CounterVec

	HookAutoDisabled *prometheus.CounterVec

	QueueDepth *prometheus.GaugeVec
}

// New creates and registers all collectors against the default registry.
// Call once at startup.
func New() *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tarsy_active_sessions",
				Help: "Current number of sessions by status",
			},
			[]string{"status"},
		),

		SessionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tarsy_session_duration_seconds",
				Help:    "Duration of completed sessions in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"chain_id", "status"},
		),

		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tarsy_stage_duration_seconds",
				Help:    "Duration of completed stages in seconds",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"chain_id", "stage_name", "status"},
		),

		LLMInteractionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tarsy_llm_interaction_duration_seconds",
				Help:    "Duration of LLM interactions in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"llm_backend", "interaction_type"},
		),

		LLMInteractionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsy_llm_interactions_total",
				Help: "Total number of LLM interactions by backend and outcome",
			},
			[]string{"llm_backend", "interaction_type", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsy_llm_tokens_total",
				Help: "Total LLM tokens consumed by backend and direction",
			},
			[]string{"llm_backend", "direction"},
		),

		MCPInteractionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tarsy_mcp_interaction_duration_seconds",
				Help:    "Duration of MCP tool interactions in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"server_name", "tool_name"},
		),

		MCPInteractionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsy_mcp_interactions_total",
				Help: "Total number of MCP tool interactions by server and outcome",
			},
			[]string{"server_name", "tool_name", "status"},
		),

		HookAutoDisabled: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tarsy_hook_auto_disabled_total",
				Help: "Total number of times a masking/summarization hook was auto-disabled after repeated failures",
			},
			[]string{"server_name", "hook_type"},
		),

		QueueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tarsy_queue_depth",
				Help: "Current number of pending sessions waiting for a worker slot",
			},
			[]string{"chain_id"},
		),
	}
}

// SessionStarted increments the active-session gauge for the given status.
func (m *Metrics) SessionStarted(status string) {
	m.ActiveSessions.WithLabelValues(status).Inc()
}

// SessionTransitioned moves a session's gauge contribution from one status
// to another, and records total duration when it lands in a terminal state.
func (m *Metrics) SessionTransitioned(chainID, fromStatus, toStatus string, startedAt time.Time) {
	m.ActiveSessions.WithLabelValues(fromStatus).Dec()
	m.ActiveSessions.WithLabelValues(toStatus).Inc()
	if isTerminalStatus(toStatus) && !startedAt.IsZero() {
		m.SessionDuration.WithLabelValues(chainID, toStatus).Observe(time.Since(startedAt).Seconds())
	}
}

func isTerminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "cancelled", "timed_out":
		return true
	default:
		return false
	}
}

// RecordStage records a completed stage's duration and outcome.
func (m *Metrics) RecordStage(chainID, stageName, status string, durationSeconds float64) {
	m.StageDuration.WithLabelValues(chainID, stageName, status).Observe(durationSeconds)
}

// RecordLLMInteraction records a single LLM interaction's latency, outcome, and token usage.
func (m *Metrics) RecordLLMInteraction(llmBackend, interactionType, status string, durationSeconds float64, inputTokens, outputTokens int) {
	m.LLMInteractionCounter.WithLabelValues(llmBackend, interactionType, status).Inc()
	m.LLMInteractionDuration.WithLabelValues(llmBackend, interactionType).Observe(durationSeconds)
	if inputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(llmBackend, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(llmBackend, "output").Add(float64(outputTokens))
	}
}

// RecordMCPInteraction records a single MCP tool call's latency and outcome.
func (m *Metrics) RecordMCPInteraction(serverName, toolName, status string, durationSeconds float64) {
	m.MCPInteractionCounter.WithLabelValues(serverName, toolName, status).Inc()
	m.MCPInteractionDuration.WithLabelValues(serverName, toolName).Observe(durationSeconds)
}

// RecordHookAutoDisabled records a masking/summarization hook being auto-disabled.
func (m *Metrics) RecordHookAutoDisabled(serverName, hookType string) {
	m.HookAutoDisabled.WithLabelValues(serverName, hookType).Inc()
}

// SetQueueDepth sets the current pending-session count for a chain.
func (m *Metrics) SetQueueDepth(chainID string, depth int) {
	m.QueueDepth.WithLabelValues(chainID).Set(float64(depth))
}
