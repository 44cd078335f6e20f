package events

import (
	"github.com/tarsy-sre/tarsy/ent/alertsession"
	"github.com/tarsy-sre/tarsy/ent/timelineevent"
)

// BasePayload carries the fields every payload broadcast on a session channel
// must include so the frontend WebSocket client can route the event (see
// websocket.ts handleEvent, which dispatches on data.session_id/data.type).
// Embed this in every payload type — see payloads_contract_test.go.
type BasePayload struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Timestamp string `json:"timestamp"`
}

// TimelineCreatedPayload is the payload for timeline_event.created events.
// Published when a new timeline event is created (streaming or completed).
type TimelineCreatedPayload struct {
	BasePayload
	EventID           string                  `json:"event_id"`                      // timeline event UUID
	StageID           string                  `json:"stage_id,omitempty"`            // owning stage (empty for session-level events)
	ExecutionID       string                  `json:"execution_id,omitempty"`        // owning agent execution (empty for session-level events)
	ParentExecutionID string                  `json:"parent_execution_id,omitempty"` // set for sub-agent-dispatched events
	EventType         timelineevent.EventType `json:"event_type"`                    // e.g. "llm_thinking", "llm_tool_call"
	Status            timelineevent.Status    `json:"status"`                       // "streaming" or "completed"
	Content           string                  `json:"content"`                       // event content (may be empty for streaming)
	Metadata          map[string]any          `json:"metadata,omitempty"`
	SequenceNumber    int                     `json:"sequence_number"` // order in timeline
}

// TimelineCompletedPayload is the payload for timeline_event.completed events.
// Published when a streaming timeline event transitions to a terminal status.
type TimelineCompletedPayload struct {
	BasePayload
	EventID           string                  `json:"event_id"` // timeline event UUID
	ParentExecutionID string                  `json:"parent_execution_id,omitempty"`
	EventType         timelineevent.EventType `json:"event_type,omitempty"`
	Content           string                  `json:"content"` // final content
	Status            timelineevent.Status    `json:"status"`  // "completed" or "failed"
	Metadata          map[string]any          `json:"metadata,omitempty"`
}

// StreamChunkPayload is the payload for stream.chunk transient events.
// Published for each LLM streaming token — high frequency, ephemeral.
type StreamChunkPayload struct {
	BasePayload
	EventID           string `json:"event_id"`                     // parent timeline event UUID
	ParentExecutionID string `json:"parent_execution_id,omitempty"` // set for sub-agent-dispatched events
	Delta             string `json:"delta"`                        // incremental text chunk
}

// SessionStatusPayload is the payload for session.status events.
// Published when a session transitions between lifecycle states.
type SessionStatusPayload struct {
	BasePayload
	Status alertsession.Status `json:"status"` // new status (e.g. "in_progress", "completed")
}

// StageStatusPayload is the payload for stage.status events.
// Single event type for all stage lifecycle transitions (started, completed, failed, etc.).
type StageStatusPayload struct {
	BasePayload
	StageID    string `json:"stage_id,omitempty"` // may be empty on "started" if stage creation hasn't happened yet
	StageName  string `json:"stage_name"`         // human-readable stage name from config
	StageIndex int    `json:"stage_index"`        // 1-based
	Status     string `json:"status"`             // started, completed, failed, timed_out, cancelled
}

// ChatCreatedPayload is the payload for chat.created events.
// Published when a new chat is created for a session (first message).
type ChatCreatedPayload struct {
	BasePayload
	ChatID    string `json:"chat_id"`
	CreatedBy string `json:"created_by"` // "user" or "system"
}

// InteractionCreatedPayload is the payload for interaction.created events.
// Fired when an LLM or MCP debug interaction record is saved to the database,
// so the trace view can append the row live instead of waiting for the
// session to reload.
type InteractionCreatedPayload struct {
	BasePayload
	StageID         string `json:"stage_id,omitempty"`
	ExecutionID     string `json:"execution_id,omitempty"`
	InteractionID   string `json:"interaction_id"`
	InteractionType string `json:"interaction_type"` // "llm" or "mcp"
}

// SessionProgressPayload is the payload for session.progress transient events.
// Published to GlobalSessionsChannel for the active-alerts panel — gives a
// one-line "what's happening now" summary without the client subscribing to
// every session's own channel.
type SessionProgressPayload struct {
	BasePayload
	CurrentStageName  string `json:"current_stage_name"`
	CurrentStageIndex int    `json:"current_stage_index"` // 1-based, clamped to TotalStages
	TotalStages       int    `json:"total_stages"`
	ActiveExecutions  int    `json:"active_executions"`
	StatusText        string `json:"status_text"`
}

// ExecutionProgressPayload is the payload for execution.progress transient
// events. Published to the session channel so the dashboard can show a
// per-agent phase indicator (gathering info, investigating, concluding, ...)
// without waiting for a timeline event.
type ExecutionProgressPayload struct {
	BasePayload
	StageID     string `json:"stage_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	Phase       string `json:"phase"`
	Message     string `json:"message"`
}

// SystemMetricsPayload is the payload for system_metrics transient events.
// Published periodically (not per-session) to DashboardUpdatesChannel so the
// dashboard's health panel can show live worker/queue throughput without
// scraping /metrics itself. SessionID is always empty — BasePayload is
// embedded for Type/Timestamp consistency with every other payload.
type SystemMetricsPayload struct {
	BasePayload
	ActiveSessions int `json:"active_sessions"`
	QueueDepth     int `json:"queue_depth"`
	ActiveWorkers  int `json:"active_workers"`
	TotalWorkers   int `json:"total_workers"`
}

// ExecutionStatusPayload is the payload for execution.status transient events.
// Published when an agent execution starts, completes, or fails — drives the
// per-agent status badge on the dashboard independent of the timeline feed.
type ExecutionStatusPayload struct {
	BasePayload
	StageID      string `json:"stage_id,omitempty"`
	ExecutionID  string `json:"execution_id,omitempty"`
	AgentIndex   int    `json:"agent_index"`
	Status       string `json:"status"` // e.g. "active", "completed", "failed"
	ErrorMessage string `json:"error_message,omitempty"`
}
