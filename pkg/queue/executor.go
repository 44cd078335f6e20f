package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tarsy-sre/tarsy/ent"
	"github.com/tarsy-sre/tarsy/ent/agentexecution"
	"github.com/tarsy-sre/tarsy/ent/alertsession"
	"github.com/tarsy-sre/tarsy/ent/timelineevent"
	"github.com/tarsy-sre/tarsy/pkg/agent"
	agentctx "github.com/tarsy-sre/tarsy/pkg/agent/context"
	"github.com/tarsy-sre/tarsy/pkg/agent/controller"
	"github.com/tarsy-sre/tarsy/pkg/agent/prompt"
	"github.com/tarsy-sre/tarsy/pkg/config"
	"github.com/tarsy-sre/tarsy/pkg/events"
	"github.com/tarsy-sre/tarsy/pkg/mcp"
	"github.com/tarsy-sre/tarsy/pkg/metrics"
	"github.com/tarsy-sre/tarsy/pkg/models"
	"github.com/tarsy-sre/tarsy/pkg/runbook"
	"github.com/tarsy-sre/tarsy/pkg/services"
)

// PauseChecker reports whether an actively running session has a pending
// cooperative pause request. WorkerPool implements this.
type PauseChecker interface {
	IsPauseRequested(sessionID string) bool
}

// RealSessionExecutor implements SessionExecutor using the agent framework.
type RealSessionExecutor struct {
	cfg            *config.Config
	dbClient       *ent.Client
	llmClient      agent.LLMClient
	eventPublisher agent.EventPublisher
	agentFactory   *agent.AgentFactory
	promptBuilder  *prompt.PromptBuilder
	mcpFactory     *mcp.ClientFactory
	runbookService *runbook.Service
	pauseChecker   PauseChecker
	metrics        *metrics.Metrics
}

// NewRealSessionExecutor creates a new session executor.
// eventPublisher may be nil (streaming disabled).
// mcpFactory may be nil (MCP disabled — uses stub tool executor).
// runbookService may be nil (uses config default runbook content).
func NewRealSessionExecutor(cfg *config.Config, dbClient *ent.Client, llmClient agent.LLMClient, eventPublisher agent.EventPublisher, mcpFactory *mcp.ClientFactory, runbookService *runbook.Service) *RealSessionExecutor {
	controllerFactory := controller.NewFactory()
	return &RealSessionExecutor{
		cfg:            cfg,
		dbClient:       dbClient,
		llmClient:      llmClient,
		eventPublisher: eventPublisher,
		agentFactory:   agent.NewAgentFactory(controllerFactory),
		promptBuilder:  prompt.NewPromptBuilder(cfg.MCPServerRegistry),
		mcpFactory:     mcpFactory,
		runbookService: runbookService,
	}
}

// SetMetrics attaches a metrics collector for stage-duration recording.
// Nil-safe when unset.
func (e *RealSessionExecutor) SetMetrics(m *metrics.Metrics) {
	e.metrics = m
}

// SetPauseChecker wires the pool that tracks pending pause requests.
// Must be called before Execute is invoked concurrently; nil-safe (pause
// checks are then always no-ops).
func (e *RealSessionExecutor) SetPauseChecker(pc PauseChecker) {
	e.pauseChecker = pc
}

// pauseRequested reports whether sessionID has a pending pause request.
func (e *RealSessionExecutor) pauseRequested(sessionID string) bool {
	return e.pauseChecker != nil && e.pauseChecker.IsPauseRequested(sessionID)
}

// resolveRunbook resolves runbook content for a session using the RunbookService.
// Falls back to config defaults on error or when the service is nil.
func (e *RealSessionExecutor) resolveRunbook(ctx context.Context, session *ent.AlertSession) string {
	if e.runbookService == nil {
		return e.cfg.Defaults.Runbook
	}

	alertURL := ""
	if session.RunbookURL != nil {
		alertURL = *session.RunbookURL
	}

	content, err := e.runbookService.Resolve(ctx, alertURL)
	if err != nil {
		slog.Warn("Session runbook resolution failed, using default",
			"session_id", session.ID,
			"error", err)
		return e.cfg.Defaults.Runbook
	}
	return content
}

// ────────────────────────────────────────────────────────────
// Internal types
// ────────────────────────────────────────────────────────────

// stageResult captures the outcome of a single stage execution.
type stageResult struct {
	stageID       string
	stageName     string
	status        alertsession.Status // mapped from agent status
	finalAnalysis string
	err           error
	agentResults  []agentResult // always populated (1 entry for single-agent, N for multi-agent)
}

// agentResult captures the outcome of a single agent execution within a stage.
type agentResult struct {
	executionID       string
	status            agent.ExecutionStatus
	finalAnalysis     string
	err               error
	iterationStrategy string // resolved strategy (for synthesis context)
	llmProviderName   string // resolved provider name (for synthesis context)
}

// executionConfig wraps agent config with display name for stage execution.
type executionConfig struct {
	agentConfig config.StageAgentConfig
	displayName string // for DB record and logs (differs from config name for replicas)
}

// indexedAgentResult pairs an agentResult with its original launch index.
type indexedAgentResult struct {
	index  int
	result agentResult
}

// executeStageInput groups all parameters for executeStage to keep the call signature clean.
type executeStageInput struct {
	session     *ent.AlertSession
	chain       *config.ChainConfig
	stageConfig config.StageConfig
	stageIndex  int // 0-based DB stage index (includes synthesis stages)
	prevContext string

	// Total expected stages (config + synthesis + executive summary).
	// Used for progress reporting so CurrentStageIndex never exceeds TotalStages.
	totalExpectedStages int

	// Services (shared across stages)
	stageService       *services.StageService
	messageService     *services.MessageService
	timelineService    *services.TimelineService
	interactionService *services.InteractionService
}

// ────────────────────────────────────────────────────────────
// Execute — main entry point (chain loop)
// ────────────────────────────────────────────────────────────

// Execute runs the session through the agent chain.
// Stages are executed sequentially. On any stage failure, the chain stops (fail-fast).
// After all stages complete, an executive summary is generated (fail-open).
func (e *RealSessionExecutor) Execute(ctx context.Context, session *ent.AlertSession) *ExecutionResult {
	logger := slog.With(
		"session_id", session.ID,
		"chain_id", session.ChainID,
		"alert_type", session.AlertType,
		"alert_data_bytes", len(session.AlertData),
	)
	logger.Info("Session executor: starting execution")

	// 1. Resolve chain configuration
	chain, err := e.cfg.GetChain(session.ChainID)
	if err != nil {
		logger.Error("Failed to resolve chain config", "error", err)
		return &ExecutionResult{
			Status: alertsession.StatusFailed,
			Error:  fmt.Errorf("chain %q not found: %w", session.ChainID, err),
		}
	}

	if len(chain.Stages) == 0 {
		return &ExecutionResult{
			Status: alertsession.StatusFailed,
			Error:  fmt.Errorf("chain %q has no stages", session.ChainID),
		}
	}

	// 2. Initialize services (shared across all stages)
	stageService := services.NewStageService(e.dbClient)
	messageService := services.NewMessageService(e.dbClient)
	timelineService := services.NewTimelineService(e.dbClient)
	interactionService := services.NewInteractionService(e.dbClient, messageService)

	// 3. Sequential chain loop
	// dbStageIndex tracks the actual DB stage index, which may differ from the
	// config stage index when synthesis stages are inserted.
	// totalExpectedStages includes config stages + synthesis + executive summary,
	// so progress reporting never shows CurrentStageIndex > TotalStages.
	var completedStages []stageResult
	prevContext := ""
	dbStageIndex := 0
	totalExpectedStages := countExpectedStages(chain)

	for _, stageCfg := range chain.Stages {
		// Check for cancellation between stages
		if r := e.mapCancellation(ctx); r != nil {
			return r
		}

		// Check for a pending pause request between stages. Resume is keyed by
		// the next stage, which hasn't started yet — nothing to preserve here
		// beyond the already-completed stages recorded on the session.
		if e.pauseRequested(session.ID) {
			logger.Info("Pause requested, stopping chain before next stage")
			return &ExecutionResult{Status: alertsession.StatusPaused}
		}

		// session progress + stage.status: started are published inside executeStage()
		// after Stage DB record is created (so stageID is always present)
		sr := e.executeStage(ctx, executeStageInput{
			session:             session,
			chain:               chain,
			stageConfig:         stageCfg,
			stageIndex:          dbStageIndex,
			prevContext:         prevContext,
			totalExpectedStages: totalExpectedStages,
			stageService:        stageService,
			messageService:      messageService,
			timelineService:     timelineService,
			interactionService:  interactionService,
		})

		// Publish stage terminal status (use background context — ctx may be cancelled)
		publishStageStatus(context.Background(), e.eventPublisher, session.ID, sr.stageID, sr.stageName, dbStageIndex, mapTerminalStatus(sr))
		dbStageIndex++

		// Fail-fast: if stage didn't complete, stop the chain
		if sr.status != alertsession.StatusCompleted {
			logger.Warn("Stage failed, stopping chain",
				"stage_name", sr.stageName,
				"stage_status", sr.status,
				"error", sr.err,
			)
			return &ExecutionResult{
				Status: sr.status,
				Error:  sr.err,
			}
		}

		// Synthesis runs after stages with >1 agent (mandatory, no opt-out)
		if len(sr.agentResults) > 1 {
			synthSr := e.executeSynthesisStage(ctx, executeStageInput{
				session:             session,
				chain:               chain,
				stageConfig:         stageCfg,
				stageIndex:          dbStageIndex,
				prevContext:         prevContext,
				totalExpectedStages: totalExpectedStages,
				stageService:        stageService,
				messageService:      messageService,
				timelineService:     timelineService,
				interactionService:  interactionService,
			}, sr)

			// Publish synthesis stage terminal status (use background context — ctx may be cancelled)
			publishStageStatus(context.Background(), e.eventPublisher, session.ID, synthSr.stageID, synthSr.stageName, dbStageIndex, mapTerminalStatus(synthSr))
			dbStageIndex++

			if synthSr.status != alertsession.StatusCompleted {
				logger.Warn("Synthesis failed, stopping chain",
					"stage_name", synthSr.stageName,
					"stage_status", synthSr.status,
					"error", synthSr.err,
				)
				return &ExecutionResult{
					Status: synthSr.status,
					Error:  synthSr.err,
				}
			}

			// Synthesis result replaces investigation result for context passing
			completedStages = append(completedStages, synthSr)
		} else {
			completedStages = append(completedStages, sr)
		}

		// Build context for next stage
		prevContext = e.buildStageContext(completedStages)
	}

	// 4. Extract final analysis from completed stages
	finalAnalysis := extractFinalAnalysis(completedStages)

	// 5. Generate executive summary (fail-open)
	var execSummary string
	var execSummaryErr string
	if finalAnalysis != "" {
		summary, summaryErr := e.generateExecutiveSummary(ctx, session, chain, finalAnalysis, timelineService, interactionService)
		if summaryErr != nil {
			logger.Warn("Executive summary generation failed (fail-open)",
				"error", summaryErr)
			execSummaryErr = summaryErr.Error()
		} else {
			execSummary = summary
		}
	}

	logger.Info("Session executor: execution completed",
		"stages_completed", len(completedStages),
		"has_final_analysis", finalAnalysis != "",
		"has_executive_summary", execSummary != "",
	)

	return &ExecutionResult{
		Status:                alertsession.StatusCompleted,
		FinalAnalysis:         finalAnalysis,
		ExecutiveSummary:      execSummary,
		ExecutiveSummaryError: execSummaryErr,
	}
}

// ────────────────────────────────────────────────────────────
// executeStage — unified stage execution (1 or N agents)
// ────────────────────────────────────────────────────────────

// executeStage creates the Stage DB record, launches goroutines for all agents,
// collects results, and aggregates status via success policy.
// A single-agent stage is not a special case — it's just N=1.
func (e *RealSessionExecutor) executeStage(ctx context.Context, input executeStageInput) stageResult {
	logger := slog.With(
		"session_id", input.session.ID,
		"stage_name", input.stageConfig.Name,
		"stage_index", input.stageIndex,
	)
	stageStart := time.Now()

	if len(input.stageConfig.Agents) == 0 {
		return stageResult{
			stageName: input.stageConfig.Name,
			status:    alertsession.StatusFailed,
			err:       fmt.Errorf("stage %q has no agents", input.stageConfig.Name),
		}
	}

	// 1. Build execution configs (1 for single-agent, N for multi-agent/replica)
	configs := buildConfigs(input.stageConfig)
	policy := e.resolvedSuccessPolicy(input)

	// 2. Create Stage DB record
	stg, err := input.stageService.CreateStage(ctx, models.CreateStageRequest{
		SessionID:          input.session.ID,
		StageName:          input.stageConfig.Name,
		StageIndex:         input.stageIndex + 1, // 1-based in DB
		ExpectedAgentCount: len(configs),
		ParallelType:       parallelTypePtr(input.stageConfig),
		SuccessPolicy:      successPolicyPtr(input.stageConfig, policy),
	})
	if err != nil {
		logger.Error("Failed to create stage", "error", err)
		return stageResult{
			stageName: input.stageConfig.Name,
			status:    alertsession.StatusFailed,
			err:       fmt.Errorf("failed to create stage: %w", err),
		}
	}

	// 3. Update session progress + publish stage.status: started (stageID now available)
	e.updateSessionProgress(ctx, input.session.ID, input.stageIndex, stg.ID)
	publishStageStatus(ctx, e.eventPublisher, input.session.ID, stg.ID, input.stageConfig.Name, input.stageIndex, events.StageStatusStarted)
	publishSessionProgress(ctx, e.eventPublisher, input.session.ID, input.stageConfig.Name,
		input.stageIndex, input.totalExpectedStages, len(configs),
		fmt.Sprintf("Starting stage: %s", input.stageConfig.Name))

	// 4. Launch goroutines (one per execution config — even if just one)
	results := make(chan indexedAgentResult, len(configs))
	var wg sync.WaitGroup

	for i, cfg := range configs {
		wg.Add(1)
		go func(idx int, agentCfg config.StageAgentConfig, displayName string) {
			defer wg.Done()
			ar := e.executeAgent(ctx, input, stg, agentCfg, idx, displayName)
			results <- indexedAgentResult{index: idx, result: ar}
		}(i, cfg.agentConfig, cfg.displayName)
	}

	// 5. Wait for ALL goroutines to complete
	wg.Wait()
	close(results)

	// 6. Collect and sort by original index
	agentResults := collectAndSort(results)

	// 7. Aggregate status via success policy
	stageStatus := aggregateStatus(agentResults, policy)

	// 8. Update Stage in DB (use background context — ctx may be cancelled)
	if updateErr := input.stageService.UpdateStageStatus(context.Background(), stg.ID); updateErr != nil {
		logger.Error("Failed to update stage status", "error", updateErr)
	}

	if e.metrics != nil {
		e.metrics.RecordStage(input.session.ChainID, input.stageConfig.Name, string(stageStatus), time.Since(stageStart).Seconds())
	}

	// For single-agent stages, finalAnalysis comes directly from the agent.
	// For multi-agent stages, synthesis produces it (chain loop handles this).
	finalAnalysis := ""
	if len(agentResults) == 1 {
		finalAnalysis = agentResults[0].finalAnalysis
	}

	return stageResult{
		stageID:       stg.ID,
		stageName:     input.stageConfig.Name,
		status:        stageStatus,
		finalAnalysis: finalAnalysis,
		err:           aggregateError(agentResults, stageStatus, input.stageConfig),
		agentResults:  agentResults,
	}
}

// ────────────────────────────────────────────────────────────
// executeAgent — single agent execution within a stage
// ────────────────────────────────────────────────────────────

func (e *RealSessionExecutor) executeAgent(
	ctx context.Context,
	input executeStageInput,
	stg *ent.Stage,
	agentConfig config.StageAgentConfig,
	agentIndex int,
	displayName string, // overrides agentConfig.Name for DB record/logs; config name still used for registry lookup
) agentResult {
	logger := slog.With(
		"session_id", input.session.ID,
		"stage_id", stg.ID,
		"agent_name", displayName,
		"agent_index", agentIndex,
	)

	// A pause requested while sibling agents in this stage were still running
	// stops this one before it starts. Siblings that already completed keep
	// their results; this one restarts fresh on resume.
	if e.pauseRequested(input.session.ID) {
		logger.Info("Pause requested, skipping agent launch")
		return agentResult{status: agent.ExecutionStatusPaused}
	}

	// Best-effort provider name for the error path (before ResolveAgentConfig
	// succeeds). The happy path uses resolvedConfig.LLMProviderName instead,
	// keeping ResolveAgentConfig as the single source of truth.
	fallbackProviderName := e.cfg.Defaults.LLMProvider
	if input.chain.LLMProvider != "" {
		fallbackProviderName = input.chain.LLMProvider
	}
	if agentConfig.LLMProvider != "" {
		fallbackProviderName = agentConfig.LLMProvider
	}

	// Resolve agent config from hierarchy (before creating execution record
	// so the DB record captures the correctly resolved iteration strategy).
	resolvedConfig, err := agent.ResolveAgentConfig(e.cfg, input.chain, input.stageConfig, agentConfig)
	if err != nil {
		resErr := fmt.Errorf("failed to resolve agent config: %w", err)
		logger.Error("Failed to resolve agent config", "error", err)

		// Best-effort: create a failed AgentExecution record so the stage can
		// be finalized via UpdateStageStatus. Without this, the stage has no
		// executions and UpdateStageStatus is a no-op, leaving it "pending".
		exec, createErr := input.stageService.CreateAgentExecution(ctx, models.CreateAgentExecutionRequest{
			StageID:     stg.ID,
			SessionID:   input.session.ID,
			AgentName:   displayName,
			AgentIndex:  agentIndex + 1, // 1-based in DB
			LLMProvider: fallbackProviderName,
		})
		if createErr != nil {
			logger.Error("Failed to create failed agent execution record", "error", createErr)
			// Last resort: directly mark stage as failed so the pipeline doesn't stay in_progress.
			if stageErr := input.stageService.ForceStageFailure(context.Background(), stg.ID, resErr.Error()); stageErr != nil {
				logger.Error("Failed to force stage to failed state", "error", stageErr)
			}
			return agentResult{
				status: agent.ExecutionStatusFailed,
				err:    resErr,
			}
		}
		// Mark the execution as failed with the resolution error.
		if updateErr := input.stageService.UpdateAgentExecutionStatus(
			context.Background(), exec.ID, agentexecution.StatusFailed, resErr.Error(),
		); updateErr != nil {
			logger.Error("Failed to update agent execution status to failed", "error", updateErr)
		}
		return agentResult{
			executionID:     exec.ID,
			status:          agent.ExecutionStatusFailed,
			err:             resErr,
			llmProviderName: fallbackProviderName,
		}
	}

	// Create AgentExecution DB record with resolved strategy and provider
	exec, err := input.stageService.CreateAgentExecution(ctx, models.CreateAgentExecutionRequest{
		StageID:           stg.ID,
		SessionID:         input.session.ID,
		AgentName:         displayName,
		AgentIndex:        agentIndex + 1, // 1-based in DB
		IterationStrategy: resolvedConfig.IterationStrategy,
		LLMProvider:       resolvedConfig.LLMProviderName,
	})
	if err != nil {
		logger.Error("Failed to create agent execution", "error", err)
		return agentResult{
			status: agent.ExecutionStatusFailed,
			err:    fmt.Errorf("failed to create agent execution: %w", err),
		}
	}

	// Metadata carried on all agentResult returns below (for synthesis context).
	resolvedStrategy := string(resolvedConfig.IterationStrategy)

	// Resolve MCP servers and tool filter
	serverIDs, toolFilter, err := resolveMCPSelection(input.session, resolvedConfig, e.cfg.MCPServerRegistry)
	if err != nil {
		logger.Error("Failed to resolve MCP selection", "error", err)
		return agentResult{
			executionID:       exec.ID,
			status:            agent.ExecutionStatusFailed,
			err:               fmt.Errorf("invalid MCP selection: %w", err),
			iterationStrategy: resolvedStrategy,
			llmProviderName:   resolvedConfig.LLMProviderName,
		}
	}

	// Create MCP tool executor
	toolExecutor, failedServers := createToolExecutor(ctx, e.mcpFactory, serverIDs, toolFilter, logger)
	defer func() { _ = toolExecutor.Close() }()

	// Build execution context
	execCtx := &agent.ExecutionContext{
		SessionID:      input.session.ID,
		StageID:        stg.ID,
		ExecutionID:    exec.ID,
		AgentName:      displayName,
		AgentIndex:     agentIndex + 1, // 1-based
		AlertData:      input.session.AlertData,
		AlertType:      input.session.AlertType,
		RunbookContent: e.resolveRunbook(ctx, input.session),
		Config:         resolvedConfig,
		LLMClient:      e.llmClient,
		ToolExecutor:   toolExecutor,
		EventPublisher: e.eventPublisher,
		PromptBuilder:  e.promptBuilder,
		FailedServers:  failedServers,
		HookBudget:     agent.NewHookBudget(),
		Services: &agent.ServiceBundle{
			Timeline:    input.timelineService,
			Message:     input.messageService,
			Interaction: input.interactionService,
			Stage:       input.stageService,
			Metrics:     e.metrics,
		},
	}

	agentInstance, err := e.agentFactory.CreateAgent(execCtx)
	if err != nil {
		logger.Error("Failed to create agent", "error", err)
		return agentResult{
			executionID:       exec.ID,
			status:            agent.ExecutionStatusFailed,
			err:               fmt.Errorf("failed to create agent: %w", err),
			iterationStrategy: resolvedStrategy,
			llmProviderName:   resolvedConfig.LLMProviderName,
		}
	}

	result, err := agentInstance.Execute(ctx, execCtx, input.prevContext)
	if err != nil {
		// Determine whether the error was caused by context cancellation/timeout.
		// When the context is cancelled (e.g. user cancel), the agent may fail with
		// an unrelated error (e.g. "failed to store assistant message") because it
		// tried to operate on a cancelled context. Override to the correct status.
		errStatus := agent.ExecutionStatusFailed
		if ctx.Err() == context.DeadlineExceeded {
			errStatus = agent.ExecutionStatusTimedOut
		} else if ctx.Err() != nil {
			errStatus = agent.ExecutionStatusCancelled
		}
		entErrStatus := mapAgentStatusToEntStatus(errStatus)
		logger.Error("Agent execution error", "error", err, "resolved_status", errStatus)
		if updateErr := input.stageService.UpdateAgentExecutionStatus(context.Background(), exec.ID, entErrStatus, err.Error()); updateErr != nil {
			logger.Error("Failed to update agent execution status after error", "error", updateErr)
		}
		return agentResult{
			executionID:       exec.ID,
			status:            errStatus,
			err:               err,
			iterationStrategy: resolvedStrategy,
			llmProviderName:   resolvedConfig.LLMProviderName,
		}
	}

	// When the session context is cancelled/timed-out, the agent may return a
	// misleading status (e.g. "failed" due to a validation error caused by an
	// empty LLM response, or "completed" with empty content). Override to the
	// correct terminal status based on ctx.Err(). Only skip the override if the
	// agent already reported the right cancellation/timeout status.
	if result != nil && ctx.Err() != nil &&
		result.Status != agent.ExecutionStatusCancelled &&
		result.Status != agent.ExecutionStatusTimedOut {
		if ctx.Err() == context.DeadlineExceeded {
			result.Status = agent.ExecutionStatusTimedOut
			result.Error = ctx.Err()
		} else {
			result.Status = agent.ExecutionStatusCancelled
			result.Error = ctx.Err()
		}
	}

	// Update AgentExecution status (use background context — ctx may be cancelled)
	entStatus := mapAgentStatusToEntStatus(result.Status)
	errMsg := ""
	if result.Error != nil {
		errMsg = result.Error.Error()
	}
	if updateErr := input.stageService.UpdateAgentExecutionStatus(context.Background(), exec.ID, entStatus, errMsg); updateErr != nil {
		logger.Error("Failed to update agent execution status", "error", updateErr)
		return agentResult{
			executionID:       exec.ID,
			status:            agent.ExecutionStatusFailed,
			finalAnalysis:     result.FinalAnalysis,
			err:               fmt.Errorf("agent completed but status update failed: %w", updateErr),
			iterationStrategy: resolvedStrategy,
			llmProviderName:   resolvedConfig.LLMProviderName,
		}
	}

	return agentResult{
		executionID:       exec.ID,
		status:            result.Status,
		finalAnalysis:     result.FinalAnalysis,
		err:               result.Error,
		iterationStrategy: resolvedStrategy,
		llmProviderName:   resolvedConfig.LLMProviderName,
	}
}

// ────────────────────────────────────────────────────────────
// Synthesis stage execution
// ────────────────────────────────────────────────────────────

// executeSynthesisStage runs a synthesis agent after a multi-agent stage.
// Creates its own Stage DB record, separate from the investigation stage.
func (e *RealSessionExecutor) executeSynthesisStage(
	ctx context.Context,
	input executeStageInput,
	parallelResult stageResult,
) stageResult {
	synthStageName := parallelResult.stageName + " - Synthesis"
	logger := slog.With(
		"session_id", input.session.ID,
		"stage_name", synthStageName,
		"stage_index", input.stageIndex,
	)

	// Create synthesis Stage DB record
	stg, err := input.stageService.CreateStage(ctx, models.CreateStageRequest{
		SessionID:          input.session.ID,
		StageName:          synthStageName,
		StageIndex:         input.stageIndex + 1, // 1-based in DB
		ExpectedAgentCount: 1,
		// No parallel_type, no success_policy (single-agent synthesis)
	})
	if err != nil {
		logger.Error("Failed to create synthesis stage", "error", err)
		return stageResult{
			stageName: synthStageName,
			status:    alertsession.StatusFailed,
			err:       fmt.Errorf("failed to create synthesis stage: %w", err),
		}
	}

	// Update session progress + publish stage.status: started
	e.updateSessionProgress(ctx, input.session.ID, input.stageIndex, stg.ID)
	publishStageStatus(ctx, e.eventPublisher, input.session.ID, stg.ID, synthStageName, input.stageIndex, events.StageStatusStarted)
	publishSessionProgress(ctx, e.eventPublisher, input.session.ID, synthStageName,
		input.stageIndex, input.totalExpectedStages, 1,
		"Synthesizing...")
	publishExecutionProgressFromExecutor(ctx, e.eventPublisher, input.session.ID, stg.ID, "",
		events.ProgressPhaseSynthesizing, fmt.Sprintf("Starting synthesis for %s", parallelResult.stageName))

	// Build synthesis agent config — synthesis: block is optional, defaults apply
	synthAgentConfig := config.StageAgentConfig{
		Name:              "SynthesisAgent",
		IterationStrategy: config.IterationStrategySynthesis,
	}
	if s := input.stageConfig.Synthesis; s != nil {
		if s.Agent != "" {
			synthAgentConfig.Name = s.Agent
		}
		if s.IterationStrategy != "" {
			synthAgentConfig.IterationStrategy = s.IterationStrategy
		}
		if s.LLMProvider != "" {
			synthAgentConfig.LLMProvider = s.LLMProvider
		}
	}

	// Build synthesis context: query full conversation history for each parallel agent
	synthContext := e.buildSynthesisContext(ctx, parallelResult, input)

	// Execute synthesis agent — override prevContext to feed parallel investigation histories
	synthInput := input
	synthInput.prevContext = synthContext

	ar := e.executeAgent(ctx, synthInput, stg, synthAgentConfig, 0, synthAgentConfig.Name)

	// Update synthesis stage status (use background context — ctx may be cancelled)
	if updateErr := input.stageService.UpdateStageStatus(context.Background(), stg.ID); updateErr != nil {
		logger.Error("Failed to update synthesis stage status", "error", updateErr)
	}

	return stageResult{
		stageID:       stg.ID,
		stageName:     synthStageName,
		status:        mapAgentStatusToSessionStatus(ar.status),
		finalAnalysis: ar.finalAnalysis,
		err:           ar.err,
		agentResults:  []agentResult{ar},
	}
}

// buildSynthesisContext queries the full timeline for each parallel agent
// and formats it for the synthesis agent.
func (e *RealSessionExecutor) buildSynthesisContext(
	ctx context.Context,
	parallelResult stageResult,
	input executeStageInput,
) string {
	configs := buildConfigs(input.stageConfig)

	investigations := make([]agentctx.AgentInvestigation, len(parallelResult.agentResults))
	for i, ar := range parallelResult.agentResults {
		// Use display name from configs (handles replica naming)
		displayName := ""
		if i < len(configs) {
			displayName = configs[i].displayName
		}
		if displayName == "" && i < len(input.stageConfig.Agents) {
			displayName = input.stageConfig.Agents[i].Name
		}

		investigation := agentctx.AgentInvestigation{
			AgentName:   displayName,
			AgentIndex:  i + 1,                // 1-based
			Strategy:    ar.iterationStrategy, // resolved at execution time
			LLMProvider: ar.llmProviderName,   // resolved at execution time
			Status:      mapAgentStatusToSessionStatus(ar.status),
		}

		if ar.err != nil {
			investigation.ErrorMessage = ar.err.Error()
		}

		// Query full timeline for this agent execution
		if ar.executionID != "" {
			timeline, err := input.timelineService.GetAgentTimeline(ctx, ar.executionID)
			if err != nil {
				slog.Warn("Failed to get agent timeline for synthesis",
					"execution_id", ar.executionID,
					"error", err,
				)
			} else {
				investigation.Events = timeline
			}
		}

		investigations[i] = investigation
	}

	return agentctx.FormatInvestigationForSynthesis(investigations, input.stageConfig.Name)
}

// executiveSummarySeqNum is a sentinel sequence number ensuring the executive
// summary timeline event sorts after all stage events.
const executiveSummarySeqNum = 999_999

// generateExecutiveSummary generates an executive summary from the final analysis.
// Uses a single LLM call (no tools, no streaming to timeline).
// Fail-open: returns ("", error) on failure; caller decides how to handle.
func (e *RealSessionExecutor) generateExecutiveSummary(
	ctx context.Context,
	session *ent.AlertSession,
	chain *config.ChainConfig,
	finalAnalysis string,
	timelineService *services.TimelineService,
	interactionService *services.InteractionService,
) (string, error) {
	logger := slog.With("session_id", session.ID)
	startTime := time.Now()

	// Publish session progress: finalizing.
	// Executive summary is the last expected step; use totalExpectedStages - 1 as
	// the 0-based index so CurrentStageIndex (1-based) equals totalExpectedStages.
	totalExpectedStages := countExpectedStages(chain)
	publishSessionProgress(ctx, e.eventPublisher, session.ID, "Executive Summary",
		totalExpectedStages-1, totalExpectedStages, 0, "Generating executive summary")
	publishExecutionProgressFromExecutor(ctx, e.eventPublisher, session.ID, "", "",
		events.ProgressPhaseFinalizing, "Generating executive summary")

	// Resolve LLM provider: chain.executive_summary_provider → chain.llm_provider → defaults.llm_provider
	providerName := e.cfg.Defaults.LLMProvider
	if chain.LLMProvider != "" {
		providerName = chain.LLMProvider
	}
	if chain.ExecutiveSummaryProvider != "" {
		providerName = chain.ExecutiveSummaryProvider
	}
	provider, err := e.cfg.GetLLMProvider(providerName)
	if err != nil {
		return "", fmt.Errorf("executive summary LLM provider %q not found: %w", providerName, err)
	}

	// Resolve backend from chain-level strategy or defaults
	strategy := e.cfg.Defaults.IterationStrategy
	if chain.IterationStrategy != "" {
		strategy = chain.IterationStrategy
	}
	backend := agent.ResolveBackend(strategy)

	// Build prompts
	systemPrompt := e.promptBuilder.BuildExecutiveSummarySystemPrompt()
	userPrompt := e.promptBuilder.BuildExecutiveSummaryUserPrompt(finalAnalysis)

	messages := []agent.ConversationMessage{
		{Role: agent.RoleSystem, Content: systemPrompt},
		{Role: agent.RoleUser, Content: userPrompt},
	}

	// Single LLM call — no tools, consume full response from stream
	input := &agent.GenerateInput{
		SessionID: session.ID,
		Messages:  messages,
		Config:    provider,
		Backend:   backend,
	}

	// Derive a cancellable context so the producer goroutine in Generate
	// is always cleaned up when we return (e.g. on ErrorChunk early exit).
	llmCtx, llmCancel := context.WithCancel(ctx)
	defer llmCancel()

	ch, err := e.llmClient.Generate(llmCtx, input)
	if err != nil {
		return "", fmt.Errorf("executive summary LLM call failed: %w", err)
	}

	// Collect full text response
	var sb strings.Builder
	for chunk := range ch {
		switch c := chunk.(type) {
		case *agent.TextChunk:
			sb.WriteString(c.Content)
		case *agent.ErrorChunk:
			return "", fmt.Errorf("executive summary LLM error: %s", c.Message)
		}
	}

	summary := sb.String()
	if summary == "" {
		return "", fmt.Errorf("executive summary LLM returned empty response")
	}

	durationMs := int(time.Since(startTime).Milliseconds())

	// Record session-level LLM interaction with inline conversation for observability.
	conversation := []map[string]string{
		{"role": string(agent.RoleSystem), "content": systemPrompt},
		{"role": string(agent.RoleUser), "content": userPrompt},
		{"role": string(agent.RoleAssistant), "content": summary},
	}
	interaction, createErr := interactionService.CreateLLMInteraction(ctx, models.CreateLLMInteractionRequest{
		SessionID:       session.ID,
		InteractionType: "executive_summary",
		ModelName:       provider.Model,
		LLMRequest: map[string]any{
			"messages_count": len(messages),
			"conversation":   conversation,
		},
		LLMResponse: map[string]any{
			"text_length":      len(summary),
			"tool_calls_count": 0,
		},
		DurationMs: &durationMs,
	})
	if createErr != nil {
		logger.Warn("Failed to record executive summary LLM interaction",
			"error", createErr)
	} else if e.eventPublisher != nil {
		// Publish interaction.created for trace view live updates.
		if pubErr := e.eventPublisher.PublishInteractionCreated(ctx, session.ID, events.InteractionCreatedPayload{
			BasePayload: events.BasePayload{
				Type:      events.EventTypeInteractionCreated,
				SessionID: session.ID,
				Timestamp: time.Now().Format(time.RFC3339Nano),
			},
			InteractionID:   interaction.ID,
			InteractionType: events.InteractionTypeLLM,
		}); pubErr != nil {
			logger.Warn("Failed to publish interaction created for executive summary",
				"error", pubErr)
		}
	}

	// Create session-level timeline event (no stage_id, no execution_id).
	// Use a fixed sequence number — executive summary is always the last event.
	//
	// NOTE: This event is persisted to the DB only — it is NOT published to
	// WebSocket clients via EventPublisher. Clients discover the executive
	// summary through the session API response (executive_summary field) or
	// by querying the timeline after the session completes.
	_, err = timelineService.CreateTimelineEvent(ctx, models.CreateTimelineEventRequest{
		SessionID:      session.ID,
		SequenceNumber: executiveSummarySeqNum,
		EventType:      timelineevent.EventTypeExecutiveSummary,
		Status:         timelineevent.StatusCompleted,
		Content:        summary,
	})
	if err != nil {
		logger.Warn("Failed to create executive summary timeline event (summary still returned)",
			"error", err)
	}

	logger.Info("Executive summary generated", "summary_length", len(summary))
	return summary, nil
}
