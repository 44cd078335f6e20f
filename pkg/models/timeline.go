package models

import (
	"github.com/tarsy-sre/tarsy/ent"
	"github.com/tarsy-sre/tarsy/ent/timelineevent"
)

// CreateTimelineEventRequest contains fields for creating a timeline event.
// StageID/ExecutionID are optional: session-level events (e.g. the executive
// summary) are not tied to a specific stage or agent.
type CreateTimelineEventRequest struct {
	SessionID         string               `json:"session_id"`
	StageID           *string              `json:"stage_id,omitempty"`
	ExecutionID       *string              `json:"execution_id,omitempty"`
	ParentExecutionID *string              `json:"parent_execution_id,omitempty"`
	SequenceNumber    int                  `json:"sequence_number"`
	EventType         timelineevent.EventType `json:"event_type"`
	Status            timelineevent.Status    `json:"status,omitempty"` // zero value defaults to "streaming"
	Content           string               `json:"content"`
	Metadata          map[string]any       `json:"metadata,omitempty"`
}

// UpdateTimelineEventRequest contains fields for updating event during streaming
type UpdateTimelineEventRequest struct {
	Content string `json:"content"`
}

// TimelineEventResponse wraps a TimelineEvent
type TimelineEventResponse struct {
	*ent.TimelineEvent
}
