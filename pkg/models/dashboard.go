package models

import "time"

// DashboardListParams describes the filter/sort/pagination options for
// GET /api/v1/sessions (and /history/sessions), the dashboard's primary
// session-browsing endpoint.
type DashboardListParams struct {
	Page      int
	PageSize  int
	SortBy    string // created_at | status | alert_type | author | duration
	SortOrder string // asc | desc
	Status    string // comma-separated list of statuses
	AlertType string
	ChainID   string
	Search    string // full-text search over alert_data/final_analysis, min 3 chars
	StartDate *time.Time
	EndDate   *time.Time
}

// Pagination describes a page of a larger result set.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total_items"`
	TotalPages int `json:"total_pages"`
}

// DashboardSessionItem is one row of the dashboard session list — a
// denormalized summary with aggregated interaction/token/stage counts so
// the dashboard can render a list without N+1 queries per row.
type DashboardSessionItem struct {
	ID                  string  `json:"id"`
	AlertType           *string `json:"alert_type,omitempty"`
	ChainID             string  `json:"chain_id"`
	Status              string  `json:"status"`
	Author              *string `json:"author,omitempty"`
	CreatedAt           string  `json:"created_at"`
	StartedAt           *string `json:"started_at,omitempty"`
	CompletedAt         *string `json:"completed_at,omitempty"`
	DurationMs          *int64  `json:"duration_ms,omitempty"`
	LLMInteractionCount int     `json:"llm_interaction_count"`
	MCPInteractionCount int     `json:"mcp_interaction_count"`
	InputTokens         int64   `json:"input_tokens"`
	OutputTokens        int64   `json:"output_tokens"`
	TotalTokens         int64   `json:"total_tokens"`
	TotalStages         int     `json:"total_stages"`
	CompletedStages     int     `json:"completed_stages"`
	HasParallelStages   bool    `json:"has_parallel_stages"`
}

// DashboardListResult is the response for the dashboard session list endpoint.
type DashboardListResult struct {
	Sessions   []DashboardSessionItem `json:"sessions"`
	Pagination Pagination              `json:"pagination"`
}

// ExecutionOverview summarizes a single agent execution within a stage,
// with its LLM token usage aggregated across all of its LLM interactions.
type ExecutionOverview struct {
	ExecutionID  string  `json:"execution_id"`
	AgentName    string  `json:"agent_name"`
	AgentIndex   int     `json:"agent_index"`
	Status       string  `json:"status"`
	LLMBackend   string  `json:"llm_backend"`
	LLMProvider  *string `json:"llm_provider,omitempty"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
}

// StageDetail describes a single stage and its executions within a
// session's detail view.
type StageDetail struct {
	StageID            string              `json:"stage_id"`
	StageName          string              `json:"stage_name"`
	StageIndex          int                `json:"stage_index"`
	Status              string             `json:"status"`
	ParallelType        *string            `json:"parallel_type,omitempty"`
	ExpectedAgentCount  int                `json:"expected_agent_count"`
	Executions          []ExecutionOverview `json:"executions"`
}

// SessionDetail is the full response for GET /api/v1/sessions/:id — the
// core session record enriched with aggregated interaction/token stats,
// the stage/execution tree, and chat availability.
type SessionDetail struct {
	ID                  string        `json:"id"`
	AlertData           string        `json:"alert_data"`
	AlertType           *string       `json:"alert_type,omitempty"`
	Status              string        `json:"status"`
	ChainID             string        `json:"chain_id"`
	Author              *string       `json:"author,omitempty"`
	CreatedAt           string        `json:"created_at"`
	StartedAt           *string       `json:"started_at,omitempty"`
	CompletedAt         *string       `json:"completed_at,omitempty"`
	DurationMs          *int64        `json:"duration_ms,omitempty"`
	FinalAnalysis       *string       `json:"final_analysis,omitempty"`
	ExecutiveSummary    *string       `json:"executive_summary,omitempty"`
	ErrorMessage        *string       `json:"error_message,omitempty"`
	LLMInteractionCount int           `json:"llm_interaction_count"`
	MCPInteractionCount int           `json:"mcp_interaction_count"`
	InputTokens         int64         `json:"input_tokens"`
	OutputTokens        int64         `json:"output_tokens"`
	TotalTokens         int64         `json:"total_tokens"`
	TotalStages         int           `json:"total_stages"`
	CompletedStages     int           `json:"completed_stages"`
	FailedStages        int           `json:"failed_stages"`
	HasParallelStages   bool          `json:"has_parallel_stages"`
	ChatEnabled         bool          `json:"chat_enabled"`
	ChatID              *string       `json:"chat_id,omitempty"`
	ChatMessageCount    int           `json:"chat_message_count"`
	Stages              []StageDetail `json:"stages"`
}

// ChainStatistics summarizes per-stage outcomes for a session.
type ChainStatistics struct {
	TotalStages     int `json:"total_stages"`
	CompletedStages int `json:"completed_stages"`
	FailedStages    int `json:"failed_stages"`
}

// SessionSummary is the response for GET /api/v1/sessions/:id/summary —
// a lighter-weight aggregate than SessionDetail, without the full stage tree.
type SessionSummary struct {
	SessionID         string          `json:"session_id"`
	TotalInteractions int             `json:"total_interactions"`
	LLMInteractions   int             `json:"llm_interactions"`
	MCPInteractions   int             `json:"mcp_interactions"`
	InputTokens       int64           `json:"input_tokens"`
	OutputTokens      int64           `json:"output_tokens"`
	TotalTokens       int64           `json:"total_tokens"`
	TotalDurationMs   *int64          `json:"total_duration_ms,omitempty"`
	ChainStatistics   ChainStatistics `json:"chain_statistics"`
}

// ActiveSessionItem is one entry in the active/queued session lists.
type ActiveSessionItem struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	AlertType     *string `json:"alert_type,omitempty"`
	ChainID       string `json:"chain_id"`
	QueuePosition int    `json:"queue_position,omitempty"`
}

// ActiveSessionsResult is the response for GET /api/v1/sessions/active —
// sessions currently being processed ("Active") separated from sessions
// waiting for a worker ("Queued", FIFO by created_at).
type ActiveSessionsResult struct {
	Active []ActiveSessionItem `json:"active"`
	Queued []ActiveSessionItem `json:"queued"`
}

// SessionStatusResponse is a minimal polling-friendly status projection,
// used by clients that only need to know whether a session has finished.
type SessionStatusResponse struct {
	ID               string  `json:"id"`
	Status           string  `json:"status"`
	FinalAnalysis    *string `json:"final_analysis,omitempty"`
	ExecutiveSummary *string `json:"executive_summary,omitempty"`
	ErrorMessage     *string `json:"error_message,omitempty"`
}
