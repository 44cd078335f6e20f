package services

import (
	"context"
	"fmt"
	"time"

	"github.com/tarsy-sre/tarsy/ent"
	"github.com/tarsy-sre/tarsy/ent/timelineevent"
	"github.com/tarsy-sre/tarsy/pkg/models"
	"github.com/google/uuid"
)

// TimelineService manages timeline events
type TimelineService struct {
	client *ent.Client
}

// NewTimelineService creates a new TimelineService
func NewTimelineService(client *ent.Client) *TimelineService {
	return &TimelineService{client: client}
}

// CreateTimelineEvent creates a new timeline event
func (s *TimelineService) CreateTimelineEvent(httpCtx context.Context, req models.CreateTimelineEventRequest) (*ent.TimelineEvent, error) {
	// Validate request
	// StageID/ExecutionID are intentionally not required: session-level events
	// (e.g. the executive summary) are not tied to a specific stage or agent.
	if req.SessionID == "" {
		return nil, NewValidationError("SessionID", "required")
	}
	if req.SequenceNumber <= 0 {
		return nil, NewValidationError("SequenceNumber", "must be positive")
	}
	if req.EventType == "" {
		return nil, NewValidationError("EventType", "required")
	}
	if req.Content == "" {
		return nil, NewValidationError("Content", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := timelineevent.StatusStreaming
	if req.Status != "" {
		status = timelineevent.Status(req.Status)
	}

	eventID := uuid.New().String()
	builder := s.client.TimelineEvent.Create().
		SetID(eventID).
		SetSessionID(req.SessionID).
		SetSequenceNumber(req.SequenceNumber).
		SetEventType(req.EventType).
		SetStatus(status).
		SetContent(req.Content).
		SetMetadata(req.Metadata).
		SetCreatedAt(time.Now()).
		SetUpdatedAt(time.Now())

	if req.StageID != nil {
		builder = builder.SetStageID(*req.StageID)
	}
	if req.ExecutionID != nil {
		builder = builder.SetExecutionID(*req.ExecutionID)
	}
	if req.ParentExecutionID != nil {
		builder = builder.SetParentExecutionID(*req.ParentExecutionID)
	}

	event, err := builder.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create timeline event: %w", err)
	}

	return event, nil
}

// GetMaxSequenceForExecution returns the highest sequence_number recorded for
// an agent execution. Returns 0 if no events exist yet, so callers can safely
// pre-increment to get the next sequence number.
func (s *TimelineService) GetMaxSequenceForExecution(ctx context.Context, executionID string) (int, error) {
	event, err := s.client.TimelineEvent.Query().
		Where(timelineevent.ExecutionIDEQ(executionID)).
		Order(ent.Desc(timelineevent.FieldSequenceNumber)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get max sequence number: %w", err)
	}

	return event.SequenceNumber, nil
}

// UpdateTimelineEvent updates event content during streaming
func (s *TimelineService) UpdateTimelineEvent(ctx context.Context, eventID string, content string) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.client.TimelineEvent.UpdateOneID(eventID).
		SetContent(content).
		SetUpdatedAt(time.Now()).
		Exec(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update timeline event: %w", err)
	}

	return nil
}

// CompleteTimelineEvent marks an event as completed, sets its final content,
// and links the debug interaction record (LLM or MCP) that produced it.
func (s *TimelineService) CompleteTimelineEvent(ctx context.Context, eventID, content string, llmInteractionID, mcpInteractionID *string) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	update := s.client.TimelineEvent.UpdateOneID(eventID).
		SetContent(content).
		SetStatus(timelineevent.StatusCompleted).
		SetUpdatedAt(time.Now())

	if llmInteractionID != nil {
		update = update.SetLlmInteractionID(*llmInteractionID)
	}
	if mcpInteractionID != nil {
		update = update.SetMcpInteractionID(*mcpInteractionID)
	}

	err := update.Exec(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to complete timeline event: %w", err)
	}

	return nil
}

// GetSessionTimeline retrieves all events for a session
func (s *TimelineService) GetSessionTimeline(ctx context.Context, sessionID string) ([]*ent.TimelineEvent, error) {
	events, err := s.client.TimelineEvent.Query().
		Where(timelineevent.SessionIDEQ(sessionID)).
		Order(ent.Asc(timelineevent.FieldSequenceNumber)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get session timeline: %w", err)
	}

	return events, nil
}

// GetStageTimeline retrieves all events for a stage
func (s *TimelineService) GetStageTimeline(ctx context.Context, stageID string) ([]*ent.TimelineEvent, error) {
	events, err := s.client.TimelineEvent.Query().
		Where(timelineevent.StageIDEQ(stageID)).
		Order(ent.Asc(timelineevent.FieldSequenceNumber)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get stage timeline: %w", err)
	}

	return events, nil
}

// GetAgentTimeline retrieves all events for an agent execution
func (s *TimelineService) GetAgentTimeline(ctx context.Context, executionID string) ([]*ent.TimelineEvent, error) {
	events, err := s.client.TimelineEvent.Query().
		Where(timelineevent.ExecutionIDEQ(executionID)).
		Order(ent.Asc(timelineevent.FieldSequenceNumber)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get agent timeline: %w", err)
	}

	return events, nil
}
