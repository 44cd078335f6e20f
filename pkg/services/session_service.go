package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"entgo.io/ent/dialect/sql"
	"github.com/tarsy-sre/tarsy/ent"
	"github.com/tarsy-sre/tarsy/ent/agentexecution"
	"github.com/tarsy-sre/tarsy/ent/alertsession"
	"github.com/tarsy-sre/tarsy/ent/llminteraction"
	"github.com/tarsy-sre/tarsy/ent/mcpinteraction"
	"github.com/tarsy-sre/tarsy/ent/stage"
	"github.com/tarsy-sre/tarsy/pkg/config"
	"github.com/tarsy-sre/tarsy/pkg/models"
	"github.com/google/uuid"
)

// SessionService manages alert session lifecycle and dashboard aggregation.
type SessionService struct {
	client            *ent.Client
	chainRegistry     *config.ChainRegistry
	mcpServerRegistry *config.MCPServerRegistry
}

// NewSessionService creates a new SessionService. Both registries are
// required: chat-enabled derivation and MCP server validation depend on
// live chain/server configuration rather than a session-time snapshot.
func NewSessionService(client *ent.Client, chainRegistry *config.ChainRegistry, mcpServerRegistry *config.MCPServerRegistry) *SessionService {
	if chainRegistry == nil {
		panic("session service requires a non-nil chain registry")
	}
	if mcpServerRegistry == nil {
		panic("session service requires a non-nil mcp server registry")
	}
	return &SessionService{
		client:            client,
		chainRegistry:     chainRegistry,
		mcpServerRegistry: mcpServerRegistry,
	}
}

// CreateSession creates a new alert session with initial stage and agent execution
func (s *SessionService) CreateSession(httpCtx context.Context, req models.CreateSessionRequest) (*ent.AlertSession, error) {
	// Validate input
	if req.SessionID == "" {
		return nil, NewValidationError("session_id", "required")
	}
	if req.AlertData == "" {
		return nil, NewValidationError("alert_data", "required")
	}
	if req.AgentType == "" {
		return nil, NewValidationError("agent_type", "required")
	}
	if req.ChainID == "" {
		return nil, NewValidationError("chain_id", "required")
	}

	// Use background context with timeout for critical write
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// Convert MCP selection to JSON if provided
	var mcpSelectionJSON map[string]any
	if req.MCPSelection != nil {
		mcpBytes, err := json.Marshal(req.MCPSelection)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal mcp_selection: %w", err)
		}
		if err := json.Unmarshal(mcpBytes, &mcpSelectionJSON); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mcp_selection: %w", err)
		}
	}

	// Create session
	sessionBuilder := tx.AlertSession.Create().
		SetID(req.SessionID).
		SetAlertData(req.AlertData).
		SetAgentType(req.AgentType).
		SetChainID(req.ChainID).
		SetStatus(alertsession.StatusPending).
		SetStartedAt(time.Now())

	if req.AlertType != "" {
		sessionBuilder.SetAlertType(req.AlertType)
	}
	if req.Author != "" {
		sessionBuilder.SetAuthor(req.Author)
	}
	if req.RunbookURL != "" {
		sessionBuilder.SetRunbookURL(req.RunbookURL)
	}
	if mcpSelectionJSON != nil {
		sessionBuilder.SetMcpSelection(mcpSelectionJSON)
	}
	if req.SessionMetadata != nil {
		sessionBuilder.SetSessionMetadata(req.SessionMetadata)
	}

	session, err := sessionBuilder.Save(ctx)
	if err != nil {
		if ent.IsConstraintError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	// Create initial stage (stage 0)
	stageID := uuid.New().String()
	stg, err := tx.Stage.Create().
		SetID(stageID).
		SetSessionID(session.ID).
		SetStageName("Initial Analysis").
		SetStageIndex(0).
		SetExpectedAgentCount(1).
		SetStatus(stage.StatusPending).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create initial stage: %w", err)
	}

	// Create initial agent execution
	executionID := uuid.New().String()
	_, err = tx.AgentExecution.Create().
		SetID(executionID).
		SetStageID(stg.ID).
		SetSessionID(session.ID).
		SetAgentName(req.AgentType). // Use agent_type as initial agent name
		SetAgentIndex(1).
		SetStatus(agentexecution.StatusPending).
		SetIterationStrategy("react"). // Default strategy
		SetLlmBackend(string(config.LLMBackendLangChain)).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create initial agent execution: %w", err)
	}

	// Update session with current stage
	session, err = session.Update().
		SetCurrentStageIndex(0).
		SetCurrentStageID(stg.ID).
		Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to update session current stage: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return session, nil
}

// GetSession retrieves a session by ID with optional edge loading
func (s *SessionService) GetSession(ctx context.Context, sessionID string, withEdges bool) (*ent.AlertSession, error) {
	query := s.client.AlertSession.Query().Where(alertsession.IDEQ(sessionID))

	if withEdges {
		query = query.
			WithStages(func(q *ent.StageQuery) {
				q.WithAgentExecutions().Order(ent.Asc(stage.FieldStageIndex))
			}).
			WithChat()
	}

	session, err := query.Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ListSessions lists sessions with filtering and pagination
func (s *SessionService) ListSessions(ctx context.Context, filters models.SessionFilters) (*models.SessionListResponse, error) {
	query := s.client.AlertSession.Query()

	// Apply filters
	if filters.Status != "" {
		query = query.Where(alertsession.StatusEQ(alertsession.Status(filters.Status)))
	}
	if filters.AgentType != "" {
		query = query.Where(alertsession.AgentTypeEQ(filters.AgentType))
	}
	if filters.AlertType != "" {
		query = query.Where(alertsession.AlertTypeEQ(filters.AlertType))
	}
	if filters.ChainID != "" {
		query = query.Where(alertsession.ChainIDEQ(filters.ChainID))
	}
	if filters.Author != "" {
		query = query.Where(alertsession.AuthorEQ(filters.Author))
	}
	if filters.StartedAt != nil {
		query = query.Where(alertsession.StartedAtGTE(*filters.StartedAt))
	}
	if filters.StartedBefore != nil {
		query = query.Where(alertsession.StartedAtLT(*filters.StartedBefore))
	}
	if !filters.IncludeDeleted {
		query = query.Where(alertsession.DeletedAtIsNil())
	}

	// Count total
	totalCount, err := query.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	// Apply pagination
	limit := filters.Limit
	if limit <= 0 {
		limit = 20 // Default
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	// Get sessions
	sessions, err := query.
		Limit(limit).
		Offset(offset).
		Order(ent.Desc(alertsession.FieldStartedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return &models.SessionListResponse{
		Sessions:   sessions,
		TotalCount: totalCount,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// UpdateSessionStatus updates a session's status
func (s *SessionService) UpdateSessionStatus(ctx context.Context, sessionID string, status alertsession.Status) error {
	// Use background context with timeout for critical write
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	update := s.client.AlertSession.UpdateOneID(sessionID).
		SetStatus(status).
		SetLastInteractionAt(time.Now())

	if status == alertsession.StatusCompleted ||
		status == alertsession.StatusFailed ||
		status == alertsession.StatusCancelled ||
		status == alertsession.StatusTimedOut {
		update = update.SetCompletedAt(time.Now())
	}

	err := update.Exec(writeCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update session status: %w", err)
	}

	return nil
}

// ClaimNextPendingSession atomically claims a pending session
// Note: This uses a simple transaction approach. In production with high concurrency,
// consider using UPDATE ... WHERE ... RETURNING with FOR UPDATE SKIP LOCKED via raw SQL.
func (s *SessionService) ClaimNextPendingSession(ctx context.Context, podID string) (*ent.AlertSession, error) {
	// Use background context with timeout
	claimCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.client.Tx(claimCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	// Find first pending session
	session, err := tx.AlertSession.Query().
		Where(alertsession.StatusEQ(alertsession.StatusPending)).
		Order(ent.Asc(alertsession.FieldStartedAt)).
		First(claimCtx)

	if err != nil {
		if ent.IsNotFound(err) {
			return nil, nil // No pending sessions
		}
		return nil, fmt.Errorf("failed to query pending session: %w", err)
	}

	// Conditional update: only update if still pending
	count, err := tx.AlertSession.Update().
		Where(
			alertsession.IDEQ(session.ID),
			alertsession.StatusEQ(alertsession.StatusPending),
		).
		SetStatus(alertsession.StatusInProgress).
		SetPodID(podID).
		SetLastInteractionAt(time.Now()).
		Save(claimCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to claim session: %w", err)
	}

	// Check if the update actually claimed the row
	if count == 0 {
		// Session was already claimed by another process
		return nil, nil
	}

	// Refetch the updated session
	session, err = tx.AlertSession.Get(claimCtx, session.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to refetch claimed session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return session, nil
}

// FindOrphanedSessions finds sessions stuck in-progress past timeout
func (s *SessionService) FindOrphanedSessions(ctx context.Context, timeoutDuration time.Duration) ([]*ent.AlertSession, error) {
	threshold := time.Now().Add(-timeoutDuration)

	sessions, err := s.client.AlertSession.Query().
		Where(
			alertsession.StatusEQ(alertsession.StatusInProgress),
			alertsession.LastInteractionAtNotNil(),
			alertsession.LastInteractionAtLT(threshold),
		).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find orphaned sessions: %w", err)
	}

	return sessions, nil
}

// SoftDeleteOldSessions soft deletes sessions older than retention period
func (s *SessionService) SoftDeleteOldSessions(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		return 0, fmt.Errorf("retention_days must be positive, got %d", retentionDays)
	}

	cutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	// Use background context with timeout
	deleteCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := s.client.AlertSession.Update().
		Where(
			alertsession.CompletedAtLT(cutoff),
			alertsession.DeletedAtIsNil(),
		).
		SetDeletedAt(time.Now()).
		Save(deleteCtx)
	if err != nil {
		return 0, fmt.Errorf("failed to soft delete sessions: %w", err)
	}

	return count, nil
}

// RestoreSession restores a soft-deleted session
func (s *SessionService) RestoreSession(ctx context.Context, sessionID string) error {
	// Use background context with timeout
	restoreCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.client.AlertSession.UpdateOneID(sessionID).
		ClearDeletedAt().
		Exec(restoreCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to restore session: %w", err)
	}

	return nil
}

// SearchSessions performs full-text search on alert_data and final_analysis
func (s *SessionService) SearchSessions(ctx context.Context, query string, limit int) ([]*ent.AlertSession, error) {
	if limit <= 0 {
		limit = 20
	}

	sessions, err := s.client.AlertSession.Query().
		Where(alertsession.DeletedAtIsNil()).
		Where(func(sel *sql.Selector) {
			sel.Where(sql.Or(
				sql.ExprP("to_tsvector('english', alert_data) @@ plainto_tsquery($1)", query),
				sql.ExprP("to_tsvector('english', COALESCE(final_analysis, '')) @@ plainto_tsquery($2)", query),
			))
		}).
		Limit(limit).
		Order(ent.Desc(alertsession.FieldStartedAt)).
		All(ctx)

	if err != nil {
		return nil, fmt.Errorf("failed to search sessions: %w", err)
	}

	return sessions, nil
}

// chatEnabledForChain derives whether chat is available for a chain: enabled
// unless the chain's chat config explicitly turns it off. An unknown chain
// (e.g. one removed from config after the session ran) defaults to enabled.
func (s *SessionService) chatEnabledForChain(chainID string) bool {
	chain, err := s.chainRegistry.Get(chainID)
	if err != nil {
		return true
	}
	if chain.Chat == nil {
		return true
	}
	return chain.Chat.Enabled
}

func sumLLMTokens(interactions []*ent.LLMInteraction) (input, output, total int64) {
	for _, in := range interactions {
		if in.InputTokens != nil {
			input += int64(*in.InputTokens)
		}
		if in.OutputTokens != nil {
			output += int64(*in.OutputTokens)
		}
		if in.TotalTokens != nil {
			total += int64(*in.TotalTokens)
		}
	}
	return
}

// GetSessionDetail builds the full session detail view: the core session
// record plus the stage/execution tree and token/interaction aggregates,
// each execution's tokens summed across all of its LLM interactions.
func (s *SessionService) GetSessionDetail(ctx context.Context, sessionID string) (*models.SessionDetail, error) {
	session, err := s.client.AlertSession.Query().
		Where(alertsession.IDEQ(sessionID), alertsession.DeletedAtIsNil()).
		WithStages(func(q *ent.StageQuery) {
			q.WithAgentExecutions(func(aq *ent.AgentExecutionQuery) {
				aq.WithLlmInteractions().Order(ent.Asc(agentexecution.FieldAgentIndex))
			}).Order(ent.Asc(stage.FieldStageIndex))
		}).
		WithChat(func(q *ent.ChatQuery) {
			q.WithUserMessages()
		}).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session detail: %w", err)
	}

	mcpCount, err := s.client.MCPInteraction.Query().
		Where(mcpinteraction.SessionIDEQ(sessionID)).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count mcp interactions: %w", err)
	}

	detail := &models.SessionDetail{
		ID:               session.ID,
		AlertData:        session.AlertData,
		Status:           string(session.Status),
		ChainID:          session.ChainID,
		CreatedAt:        session.CreatedAt.Format(time.RFC3339),
		FinalAnalysis:    session.FinalAnalysis,
		ExecutiveSummary: session.ExecutiveSummary,
		ErrorMessage:     session.ErrorMessage,
		ChatEnabled:      s.chatEnabledForChain(session.ChainID),
	}
	if session.AlertType != "" {
		detail.AlertType = &session.AlertType
	}
	if session.Author != nil {
		detail.Author = session.Author
	}
	if session.StartedAt != nil {
		startedAt := session.StartedAt.Format(time.RFC3339)
		detail.StartedAt = &startedAt
	}
	if session.CompletedAt != nil {
		completedAt := session.CompletedAt.Format(time.RFC3339)
		detail.CompletedAt = &completedAt
		if session.StartedAt != nil {
			durationMs := session.CompletedAt.Sub(*session.StartedAt).Milliseconds()
			detail.DurationMs = &durationMs
		}
	}
	if session.Edges.Chat != nil {
		detail.ChatID = &session.Edges.Chat.ID
		detail.ChatMessageCount = len(session.Edges.Chat.Edges.UserMessages)
	}

	var totalInput, totalOutput, totalTokens int64
	var llmCount int
	for _, stg := range session.Edges.Stages {
		stageDetail := models.StageDetail{
			StageID:            stg.ID,
			StageName:          stg.StageName,
			StageIndex:         stg.StageIndex,
			Status:             string(stg.Status),
			ExpectedAgentCount: stg.ExpectedAgentCount,
		}
		if stg.ParallelType != nil {
			parallelType := string(*stg.ParallelType)
			stageDetail.ParallelType = &parallelType
			detail.HasParallelStages = true
		}
		detail.TotalStages++
		switch stg.Status {
		case stage.StatusCompleted:
			detail.CompletedStages++
		case stage.StatusFailed, stage.StatusTimedOut, stage.StatusCancelled:
			detail.FailedStages++
		}

		for _, exec := range stg.Edges.AgentExecutions {
			input, output, total := sumLLMTokens(exec.Edges.LlmInteractions)
			totalInput += input
			totalOutput += output
			totalTokens += total
			llmCount += len(exec.Edges.LlmInteractions)

			execOverview := models.ExecutionOverview{
				ExecutionID:  exec.ID,
				AgentName:    exec.AgentName,
				AgentIndex:   exec.AgentIndex,
				Status:       string(exec.Status),
				LLMBackend:   exec.LlmBackend,
				LLMProvider:  exec.LlmProvider,
				InputTokens:  input,
				OutputTokens: output,
				TotalTokens:  total,
			}
			stageDetail.Executions = append(stageDetail.Executions, execOverview)
		}

		detail.Stages = append(detail.Stages, stageDetail)
	}

	detail.InputTokens = totalInput
	detail.OutputTokens = totalOutput
	detail.TotalTokens = totalTokens
	detail.LLMInteractionCount = llmCount
	detail.MCPInteractionCount = mcpCount

	return detail, nil
}

// GetSessionSummary returns a lightweight aggregate view of a session
// without the full stage/execution tree.
func (s *SessionService) GetSessionSummary(ctx context.Context, sessionID string) (*models.SessionSummary, error) {
	session, err := s.client.AlertSession.Query().
		Where(alertsession.IDEQ(sessionID), alertsession.DeletedAtIsNil()).
		WithStages(func(q *ent.StageQuery) {
			q.Order(ent.Asc(stage.FieldStageIndex))
		}).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	llmInteractions, err := s.client.LLMInteraction.Query().
		Where(llminteraction.SessionIDEQ(sessionID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load llm interactions: %w", err)
	}
	mcpCount, err := s.client.MCPInteraction.Query().
		Where(mcpinteraction.SessionIDEQ(sessionID)).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count mcp interactions: %w", err)
	}

	inputTokens, outputTokens, totalTokens := sumLLMTokens(llmInteractions)

	stats := models.ChainStatistics{}
	for _, stg := range session.Edges.Stages {
		stats.TotalStages++
		switch stg.Status {
		case stage.StatusCompleted:
			stats.CompletedStages++
		case stage.StatusFailed, stage.StatusTimedOut, stage.StatusCancelled:
			stats.FailedStages++
		}
	}

	summary := &models.SessionSummary{
		SessionID:         session.ID,
		LLMInteractions:   len(llmInteractions),
		MCPInteractions:   mcpCount,
		TotalInteractions: len(llmInteractions) + mcpCount,
		InputTokens:       inputTokens,
		OutputTokens:      outputTokens,
		TotalTokens:       totalTokens,
		ChainStatistics:   stats,
	}
	if session.StartedAt != nil && session.CompletedAt != nil {
		durationMs := session.CompletedAt.Sub(*session.StartedAt).Milliseconds()
		summary.TotalDurationMs = &durationMs
	}

	return summary, nil
}

// GetActiveSessions returns sessions currently being worked on, plus the
// FIFO queue of sessions waiting for a worker.
func (s *SessionService) GetActiveSessions(ctx context.Context) (*models.ActiveSessionsResult, error) {
	activeSessions, err := s.client.AlertSession.Query().
		Where(alertsession.StatusEQ(alertsession.StatusInProgress), alertsession.DeletedAtIsNil()).
		Order(ent.Asc(alertsession.FieldStartedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list active sessions: %w", err)
	}

	queuedSessions, err := s.client.AlertSession.Query().
		Where(alertsession.StatusEQ(alertsession.StatusPending), alertsession.DeletedAtIsNil()).
		Order(ent.Asc(alertsession.FieldCreatedAt)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued sessions: %w", err)
	}

	result := &models.ActiveSessionsResult{
		Active: make([]models.ActiveSessionItem, 0, len(activeSessions)),
		Queued: make([]models.ActiveSessionItem, 0, len(queuedSessions)),
	}
	for _, sess := range activeSessions {
		result.Active = append(result.Active, toActiveSessionItem(sess, 0))
	}
	for i, sess := range queuedSessions {
		result.Queued = append(result.Queued, toActiveSessionItem(sess, i+1))
	}

	return result, nil
}

func toActiveSessionItem(sess *ent.AlertSession, queuePosition int) models.ActiveSessionItem {
	item := models.ActiveSessionItem{
		ID:            sess.ID,
		Status:        string(sess.Status),
		ChainID:       sess.ChainID,
		QueuePosition: queuePosition,
	}
	if sess.AlertType != "" {
		item.AlertType = &sess.AlertType
	}
	return item
}

// ListSessionsForDashboard lists sessions for the dashboard list view, with
// filtering, search, sorting and pagination plus per-session aggregates.
func (s *SessionService) ListSessionsForDashboard(ctx context.Context, params models.DashboardListParams) (*models.DashboardListResult, error) {
	query := s.client.AlertSession.Query().Where(alertsession.DeletedAtIsNil())

	if params.Status != "" {
		statuses := strings.Split(params.Status, ",")
		values := make([]alertsession.Status, 0, len(statuses))
		for _, st := range statuses {
			st = strings.TrimSpace(st)
			if st != "" {
				values = append(values, alertsession.Status(st))
			}
		}
		if len(values) > 0 {
			query = query.Where(alertsession.StatusIn(values...))
		}
	}
	if params.AlertType != "" {
		query = query.Where(alertsession.AlertTypeEQ(params.AlertType))
	}
	if params.ChainID != "" {
		query = query.Where(alertsession.ChainIDEQ(params.ChainID))
	}
	if params.Search != "" {
		query = query.Where(alertsession.AlertDataContainsFold(params.Search))
	}
	if params.StartDate != nil {
		query = query.Where(alertsession.CreatedAtGTE(*params.StartDate))
	}
	if params.EndDate != nil {
		query = query.Where(alertsession.CreatedAtLTE(*params.EndDate))
	}

	totalItems, err := query.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count sessions: %w", err)
	}

	page := params.Page
	if page < 1 {
		page = 1
	}
	pageSize := params.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}

	sortOrder := ent.Desc
	if strings.EqualFold(params.SortOrder, "asc") {
		sortOrder = ent.Asc
	}

	sortBy := params.SortBy
	if sortBy == "" {
		sortBy = "created_at"
	}

	switch sortBy {
	case "duration":
		// Duration isn't a stored column; sort by completed_at as the closest
		// proxy available at the query layer, then finish ordering in Go below.
		query = query.Order(sortOrder(alertsession.FieldCompletedAt))
	case "status":
		query = query.Order(sortOrder(alertsession.FieldStatus))
	case "alert_type":
		query = query.Order(sortOrder(alertsession.FieldAlertType))
	default:
		query = query.Order(sortOrder(alertsession.FieldCreatedAt))
	}

	sessions, err := query.
		WithStages().
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	items := make([]models.DashboardSessionItem, 0, len(sessions))
	for _, sess := range sessions {
		item, err := s.buildDashboardItem(ctx, sess)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	if sortBy == "duration" {
		sort.SliceStable(items, func(i, j int) bool {
			di, dj := int64(0), int64(0)
			if items[i].DurationMs != nil {
				di = *items[i].DurationMs
			}
			if items[j].DurationMs != nil {
				dj = *items[j].DurationMs
			}
			if strings.EqualFold(params.SortOrder, "asc") {
				return di < dj
			}
			return di > dj
		})
	}

	totalPages := totalItems / pageSize
	if totalItems%pageSize != 0 {
		totalPages++
	}

	return &models.DashboardListResult{
		Sessions: items,
		Pagination: models.Pagination{
			Page:       page,
			PageSize:   pageSize,
			TotalItems: totalItems,
			TotalPages: totalPages,
		},
	}, nil
}

func (s *SessionService) buildDashboardItem(ctx context.Context, sess *ent.AlertSession) (*models.DashboardSessionItem, error) {
	llmInteractions, err := s.client.LLMInteraction.Query().
		Where(llminteraction.SessionIDEQ(sess.ID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load llm interactions: %w", err)
	}
	mcpCount, err := s.client.MCPInteraction.Query().
		Where(mcpinteraction.SessionIDEQ(sess.ID)).
		Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count mcp interactions: %w", err)
	}

	inputTokens, outputTokens, totalTokens := sumLLMTokens(llmInteractions)

	item := &models.DashboardSessionItem{
		ID:                  sess.ID,
		ChainID:             sess.ChainID,
		Status:              string(sess.Status),
		CreatedAt:           sess.CreatedAt.Format(time.RFC3339),
		LLMInteractionCount: len(llmInteractions),
		MCPInteractionCount: mcpCount,
		InputTokens:         inputTokens,
		OutputTokens:        outputTokens,
		TotalTokens:         totalTokens,
	}
	if sess.AlertType != "" {
		item.AlertType = &sess.AlertType
	}
	if sess.Author != nil {
		item.Author = sess.Author
	}
	if sess.StartedAt != nil {
		startedAt := sess.StartedAt.Format(time.RFC3339)
		item.StartedAt = &startedAt
	}
	if sess.CompletedAt != nil {
		completedAt := sess.CompletedAt.Format(time.RFC3339)
		item.CompletedAt = &completedAt
		if sess.StartedAt != nil {
			durationMs := sess.CompletedAt.Sub(*sess.StartedAt).Milliseconds()
			item.DurationMs = &durationMs
		}
	}

	for _, stg := range sess.Edges.Stages {
		item.TotalStages++
		if stg.Status == stage.StatusCompleted {
			item.CompletedStages++
		}
		if stg.ParallelType != nil {
			item.HasParallelStages = true
		}
	}

	return item, nil
}

// GetDistinctAlertTypes returns the set of alert types seen across all
// non-deleted sessions, for dashboard filter dropdowns.
func (s *SessionService) GetDistinctAlertTypes(ctx context.Context) ([]string, error) {
	values, err := s.client.AlertSession.Query().
		Where(alertsession.DeletedAtIsNil(), alertsession.AlertTypeNEQ("")).
		Unique(true).
		Select(alertsession.FieldAlertType).
		Strings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list distinct alert types: %w", err)
	}
	sort.Strings(values)
	return values, nil
}

// GetDistinctChainIDs returns the set of chain IDs seen across all
// non-deleted sessions, for dashboard filter dropdowns.
func (s *SessionService) GetDistinctChainIDs(ctx context.Context) ([]string, error) {
	values, err := s.client.AlertSession.Query().
		Where(alertsession.DeletedAtIsNil()).
		Unique(true).
		Select(alertsession.FieldChainID).
		Strings(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list distinct chain ids: %w", err)
	}
	sort.Strings(values)
	return values, nil
}

// GetSessionStatus returns a minimal polling-friendly status projection.
func (s *SessionService) GetSessionStatus(ctx context.Context, sessionID string) (*models.SessionStatusResponse, error) {
	session, err := s.client.AlertSession.Query().
		Where(alertsession.IDEQ(sessionID), alertsession.DeletedAtIsNil()).
		Only(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session status: %w", err)
	}

	return &models.SessionStatusResponse{
		ID:               session.ID,
		Status:           string(session.Status),
		FinalAnalysis:    session.FinalAnalysis,
		ExecutiveSummary: session.ExecutiveSummary,
		ErrorMessage:     session.ErrorMessage,
	}, nil
}

// CancelSession requests cancellation of an actively running session.
// Only sessions in_progress are cancellable — pending sessions haven't
// started doing anything cancellable yet, and terminal sessions are done.
func (s *SessionService) CancelSession(ctx context.Context, sessionID string) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := s.client.AlertSession.Update().
		Where(
			alertsession.IDEQ(sessionID),
			alertsession.StatusEQ(alertsession.StatusInProgress),
		).
		SetStatus(alertsession.StatusCancelling).
		SetLastInteractionAt(time.Now()).
		Save(writeCtx)
	if err != nil {
		return fmt.Errorf("failed to cancel session: %w", err)
	}
	if count == 0 {
		exists, err := s.client.AlertSession.Query().
			Where(alertsession.IDEQ(sessionID), alertsession.DeletedAtIsNil()).
			Exist(writeCtx)
		if err != nil {
			return fmt.Errorf("failed to check session existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrNotCancellable
	}

	return nil
}

// ResumeSession moves a paused session back to pending so the next worker
// poll picks it up. Only sessions currently paused are resumable.
func (s *SessionService) ResumeSession(ctx context.Context, sessionID string) error {
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := s.client.AlertSession.Update().
		Where(
			alertsession.IDEQ(sessionID),
			alertsession.StatusEQ(alertsession.StatusPaused),
		).
		SetStatus(alertsession.StatusPending).
		SetLastInteractionAt(time.Now()).
		Save(writeCtx)
	if err != nil {
		return fmt.Errorf("failed to resume session: %w", err)
	}
	if count == 0 {
		exists, err := s.client.AlertSession.Query().
			Where(alertsession.IDEQ(sessionID), alertsession.DeletedAtIsNil()).
			Exist(writeCtx)
		if err != nil {
			return fmt.Errorf("failed to check session existence: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrNotResumable
	}

	return nil
}

// PauseSession validates that sessionID is actively running and eligible for
// a pause request. Unlike Cancel/Resume, there's no "pausing" status to flip
// to here: the status enum goes straight in_progress → paused, and that
// transition only happens once the running executor notices the pause
// request (between stages or before launching the next agent) and returns
// it as its ExecutionResult — the worker then persists "paused" the same way
// it persists any other terminal-ish status. This method only confirms the
// session is in a state where that cooperative check will ever run; the
// caller still has to signal the pause via the worker pool (see
// PauseChecker/RequestPause in pkg/queue).
func (s *SessionService) PauseSession(ctx context.Context, sessionID string) error {
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sess, err := s.client.AlertSession.Query().
		Where(alertsession.IDEQ(sessionID), alertsession.DeletedAtIsNil()).
		Only(readCtx)
	if err != nil {
		if ent.IsNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to check session state: %w", err)
	}
	if sess.Status != alertsession.StatusInProgress {
		return ErrNotPausable
	}

	return nil
}
