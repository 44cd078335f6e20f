package agent

import (
	"context"
	"sync"
	"time"

	"github.com/tarsy-sre/tarsy/pkg/config"
	"github.com/tarsy-sre/tarsy/pkg/events"
	"github.com/tarsy-sre/tarsy/pkg/metrics"
	"github.com/tarsy-sre/tarsy/pkg/models"
	"github.com/tarsy-sre/tarsy/pkg/services"
)

// ExecutionContext carries all dependencies and state needed by an agent
// during execution. Created by the session executor for each agent run.
type ExecutionContext struct {
	// Identity
	SessionID   string
	StageID     string
	ExecutionID string
	AgentName   string
	AgentIndex  int

	// Alert data (pulled from AlertSession by executor).
	// Arbitrary text — not parsed, not assumed to be JSON.
	AlertData string

	// Alert type (from session/chain config)
	AlertType string

	// Runbook content (fetched by executor, passed as text)
	RunbookContent string

	// Configuration (resolved from hierarchy)
	Config *ResolvedAgentConfig

	// Dependencies (injected by executor)
	LLMClient      LLMClient
	ToolExecutor   ToolExecutor
	EventPublisher EventPublisher // Real-time event delivery to WebSocket clients
	Services       *ServiceBundle

	// Prompt builder (injected by executor, stateless, shared across executions).
	// Implemented by prompt.PromptBuilder; interface avoids agent↔prompt import cycle.
	PromptBuilder PromptBuilder

	// Chat context (nil for non-chat sessions)
	ChatContext *ChatContext

	// SubAgent carries delegation metadata when this execution was dispatched
	// by an orchestrator stage rather than started directly from a chain stage.
	// nil for top-level (non-delegated) executions.
	SubAgent *SubAgentContext

	// FailedServers maps serverID → error message for MCP servers that
	// failed to initialize. Used by the prompt builder to warn the LLM.
	// nil when all servers initialized successfully.
	FailedServers map[string]string

	// HookBudget tracks consecutive persistence failures per interaction
	// hook (LLM, tool-call, tool-list) and auto-disables a hook once its
	// error budget is exhausted. nil is treated as "never disable" by
	// HookBudget's methods, so callers that don't set it degrade safely.
	HookBudget *HookBudget
}

// hookFailureBudget is the number of consecutive failures a single hook
// tolerates before it is auto-disabled for the remainder of the execution.
const hookFailureBudget = 3

// HookBudget tracks per-kind consecutive failures for the typed interaction
// hooks (LLM, tool-call, tool-list). A hook failure never changes the
// caller's result — it only counts toward that hook's own auto-disable
// budget, so a persistently broken sink (e.g. DB down) stops being retried
// instead of poisoning every iteration with redundant errors.
type HookBudget struct {
	mu       sync.Mutex
	failures map[string]int
	disabled map[string]bool
}

// NewHookBudget creates an empty budget tracker.
func NewHookBudget() *HookBudget {
	return &HookBudget{
		failures: make(map[string]int),
		disabled: make(map[string]bool),
	}
}

// Disabled reports whether kind has been auto-disabled. A nil budget is
// never disabled.
func (b *HookBudget) Disabled(kind string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disabled[kind]
}

// RecordSuccess resets kind's consecutive-failure count.
func (b *HookBudget) RecordSuccess(kind string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.failures, kind)
}

// RecordFailure increments kind's consecutive-failure count and reports
// whether this call just crossed the auto-disable threshold (true at most
// once per kind — callers use this to fire a one-shot metric/log).
func (b *HookBudget) RecordFailure(kind string) bool {
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disabled[kind] {
		return false
	}
	b.failures[kind]++
	if b.failures[kind] >= hookFailureBudget {
		b.disabled[kind] = true
		return true
	}
	return false
}

// SubAgentContext carries the task description and parent execution linkage
// for an execution dispatched by an orchestrator agent's dispatch_agent tool.
type SubAgentContext struct {
	Task         string
	ParentExecID string
}

// ServiceBundle groups all service dependencies needed during execution.
type ServiceBundle struct {
	Timeline    *services.TimelineService
	Message     *services.MessageService
	Interaction *services.InteractionService
	Stage       *services.StageService

	// Metrics records hook auto-disable events. nil-safe; nil means metrics
	// collection is not configured (e.g. in tests).
	Metrics *metrics.Metrics
}

// Backend constants — resolved from iteration strategy via ResolveBackend().
const (
	BackendGoogleNative = "google-native"
	BackendLangChain    = "langchain"
)

// ResolvedAgentConfig is the fully-resolved configuration for an agent execution.
// All hierarchy levels (defaults → chain → stage → agent) have been applied.
type ResolvedAgentConfig struct {
	AgentName          string
	IterationStrategy  config.IterationStrategy
	LLMProvider        *config.LLMProviderConfig
	LLMProviderName    string        // The resolved provider key (for observability / DB records)
	MaxIterations      int
	IterationTimeout   time.Duration // Per-iteration timeout (default: 120s)
	MCPServers         []string
	CustomInstructions string
	Backend            string // "google-native" or "langchain" — resolved from iteration strategy

	// NativeToolsOverride is the per-alert native tools override (nil = use provider defaults).
	// Set by the session executor when the alert provides an MCP selection with native_tools.
	NativeToolsOverride *models.NativeToolsConfig
}

// PromptBuilder builds all prompt text for agent controllers.
// Implemented by prompt.PromptBuilder; defined as interface here to
// avoid a circular import between pkg/agent and pkg/agent/prompt.
type PromptBuilder interface {
	BuildReActMessages(execCtx *ExecutionContext, prevStageContext string, tools []ToolDefinition) []ConversationMessage
	BuildNativeThinkingMessages(execCtx *ExecutionContext, prevStageContext string) []ConversationMessage
	BuildSynthesisMessages(execCtx *ExecutionContext, prevStageContext string) []ConversationMessage
	BuildForcedConclusionPrompt(iteration int, strategy config.IterationStrategy) string
	BuildMCPSummarizationSystemPrompt(serverName, toolName string, maxSummaryTokens int) string
	BuildMCPSummarizationUserPrompt(conversationContext, serverName, toolName, resultText string) string
	BuildExecutiveSummarySystemPrompt() string
	BuildExecutiveSummaryUserPrompt(finalAnalysis string) string
	MCPServerRegistry() *config.MCPServerRegistry
}

// EventPublisher publishes events for WebSocket delivery.
// Implemented by events.EventPublisher; defined as interface here to
// avoid a circular import between pkg/agent and pkg/events and to
// enable testing with mocks.
//
// Each method accepts a specific typed payload struct — no untyped maps or any.
type EventPublisher interface {
	PublishTimelineCreated(ctx context.Context, sessionID string, payload events.TimelineCreatedPayload) error
	PublishTimelineCompleted(ctx context.Context, sessionID string, payload events.TimelineCompletedPayload) error
	PublishStreamChunk(ctx context.Context, sessionID string, payload events.StreamChunkPayload) error
	PublishSessionStatus(ctx context.Context, sessionID string, payload events.SessionStatusPayload) error
	PublishStageStatus(ctx context.Context, sessionID string, payload events.StageStatusPayload) error
	PublishChatCreated(ctx context.Context, sessionID string, payload events.ChatCreatedPayload) error
	PublishInteractionCreated(ctx context.Context, sessionID string, payload events.InteractionCreatedPayload) error
	PublishSessionProgress(ctx context.Context, payload events.SessionProgressPayload) error
	PublishExecutionProgress(ctx context.Context, sessionID string, payload events.ExecutionProgressPayload) error
	PublishExecutionStatus(ctx context.Context, sessionID string, payload events.ExecutionStatusPayload) error
}

// ChatContext carries chat-specific data for controllers.
type ChatContext struct {
	UserQuestion         string
	InvestigationContext string
}
