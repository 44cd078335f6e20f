// TARSy orchestrator server - provides HTTP/WebSocket API and manages LLM interactions.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/gin-gonic/gin"

	"github.com/tarsy-sre/tarsy/pkg/agent/llmprovider"
	"github.com/tarsy-sre/tarsy/pkg/api"
	"github.com/tarsy-sre/tarsy/pkg/config"
	"github.com/tarsy-sre/tarsy/pkg/database"
	"github.com/tarsy-sre/tarsy/pkg/events"
	"github.com/tarsy-sre/tarsy/pkg/masking"
	"github.com/tarsy-sre/tarsy/pkg/mcp"
	"github.com/tarsy-sre/tarsy/pkg/metrics"
	"github.com/tarsy-sre/tarsy/pkg/queue"
	"github.com/tarsy-sre/tarsy/pkg/runbook"
	"github.com/tarsy-sre/tarsy/pkg/services"
	tarsyslack "github.com/tarsy-sre/tarsy/pkg/slack"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// systemMetricsInterval is how often the dashboard's system_metrics snapshot
// is broadcast — frequent enough to feel live, infrequent enough not to
// compete with per-session traffic on the same NOTIFY channel.
const systemMetricsInterval = 15 * time.Second

// runSystemMetricsPublisher periodically snapshots worker-pool health and
// broadcasts it as a system_metrics event on DashboardUpdatesChannel, per
// spec.md's websocket message catalogue. Blocks until ctx is done; run it in
// its own goroutine.
func runSystemMetricsPublisher(ctx context.Context, pool *queue.WorkerPool, publisher *events.EventPublisher) {
	ticker := time.NewTicker(systemMetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health := pool.Health()
			payload := events.SystemMetricsPayload{
				BasePayload: events.BasePayload{
					Type:      events.EventTypeSystemMetrics,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
				},
				ActiveSessions: health.ActiveSessions,
				QueueDepth:     health.QueueDepth,
				ActiveWorkers:  health.ActiveWorkers,
				TotalWorkers:   health.TotalWorkers,
			}
			if err := publisher.PublishSystemMetrics(ctx, payload); err != nil {
				slog.Error("Failed to publish system metrics snapshot", "error", err)
			}
		}
	}
}

// pgConnString builds a raw libpq connection string for the dedicated
// LISTEN/NOTIFY connection, separate from the pooled ent/sql.DB handle.
func pgConnString(cfg database.Config) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("Warning: Could not load %s file: %v", envPath, err)
		log.Printf("Continuing with existing environment variables...")
	} else {
		log.Printf("Loaded environment from %s", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	ginMode := getEnv("GIN_MODE", "debug")
	gin.SetMode(ginMode)

	log.Printf("Starting TARSy")
	log.Printf("HTTP Port: %s", httpPort)
	log.Printf("Config Directory: %s", *configDir)

	ctx := context.Background()

	// 1. Configuration.
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}
	stats := cfg.Stats()
	log.Printf("Configuration loaded: %d agents, %d chains, %d mcp servers, %d llm providers",
		stats.Agents, stats.Chains, stats.MCPServers, stats.LLMProviders)

	// 2. Database.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			log.Printf("Error closing database client: %v", err)
		}
	}()
	entClient := dbClient.Client
	log.Println("✓ Connected to PostgreSQL database")

	// 3. Data masking, shared by the MCP client factory and alert submission.
	var maskingCfg masking.AlertMaskingConfig
	if cfg.Defaults.AlertMasking != nil {
		maskingCfg = masking.AlertMaskingConfig{
			Enabled:      cfg.Defaults.AlertMasking.Enabled,
			PatternGroup: cfg.Defaults.AlertMasking.PatternGroup,
		}
	}
	maskingService := masking.NewMaskingService(cfg.MCPServerRegistry, maskingCfg)

	// 4. MCP — client factory + background health monitor.
	mcpFactory := mcp.NewClientFactory(cfg.MCPServerRegistry, maskingService)
	warningService := services.NewSystemWarningsService()
	healthMonitor := mcp.NewHealthMonitor(mcpFactory, cfg.MCPServerRegistry, warningService)
	healthMonitor.Start(ctx)
	defer healthMonitor.Stop()

	// 5. Event streaming — Postgres LISTEN/NOTIFY backed.
	eventPublisher := events.NewEventPublisher(dbClient.DB())
	eventService := services.NewEventService(entClient)
	catchupAdapter := events.NewEventServiceAdapter(eventService)
	connManager := events.NewConnectionManager(catchupAdapter, 5*time.Second)

	var eventListener events.Listener
	if cfg.Events != nil && cfg.Events.PollingMode {
		eventListener = events.NewPollingListener(eventService, connManager)
		log.Println("✓ Event bus: polling listener (LISTEN/NOTIFY disabled by config)")
	} else {
		eventListener = events.NewNotifyListener(pgConnString(dbConfig), connManager)
		log.Println("✓ Event bus: LISTEN/NOTIFY listener")
	}
	if err := eventListener.Start(ctx); err != nil {
		log.Fatalf("Failed to start event listener: %v", err)
	}
	defer eventListener.Stop(context.Background())
	connManager.SetListener(eventListener)

	idleGCCtx, idleGCCancel := context.WithCancel(ctx)
	defer idleGCCancel()
	go connManager.RunIdleGC(idleGCCtx)

	// 6. LLM client — dispatches to the real vendor SDKs.
	llmClient := llmprovider.New()
	defer llmClient.Close()

	// 7. Runbook resolution.
	githubTokenEnv := "GITHUB_TOKEN"
	if cfg.GitHub != nil && cfg.GitHub.TokenEnv != "" {
		githubTokenEnv = cfg.GitHub.TokenEnv
	}
	runbookService := runbook.NewService(cfg.Runbooks, os.Getenv(githubTokenEnv), cfg.Defaults.Runbook)

	// 8. Slack notifications (optional — nil disables notifications entirely).
	var slackService *tarsyslack.Service
	if cfg.Slack != nil && cfg.Slack.Enabled {
		slackService = tarsyslack.NewService(tarsyslack.ServiceConfig{
			Token:        os.Getenv(cfg.Slack.TokenEnv),
			Channel:      cfg.Slack.Channel,
			DashboardURL: cfg.DashboardURL,
		})
	}

	// 9. Metrics.
	appMetrics := metrics.New()

	// 10. Domain services.
	alertService := services.NewAlertService(entClient, cfg.ChainRegistry, cfg.Defaults, maskingService)
	alertService.SetMetrics(appMetrics)
	sessionService := services.NewSessionService(entClient, cfg.ChainRegistry, cfg.MCPServerRegistry)
	chatService := services.NewChatService(entClient)
	messageService := services.NewMessageService(entClient)
	interactionService := services.NewInteractionService(entClient, messageService)
	interactionService.SetMetrics(appMetrics)
	stageService := services.NewStageService(entClient)
	timelineService := services.NewTimelineService(entClient)

	// 11. Session executor + worker pool.
	sessionExecutor := queue.NewRealSessionExecutor(cfg, entClient, llmClient, eventPublisher, mcpFactory, runbookService)
	sessionExecutor.SetMetrics(appMetrics)

	podID := getEnv("POD_ID", "tarsy-0")
	workerPool := queue.NewWorkerPool(podID, entClient, cfg.Queue, sessionExecutor, eventPublisher, slackService)
	workerPool.SetMetrics(appMetrics)
	sessionExecutor.SetPauseChecker(workerPool)
	if err := workerPool.Start(ctx); err != nil {
		log.Fatalf("Failed to start worker pool: %v", err)
	}

	go runSystemMetricsPublisher(ctx, workerPool, eventPublisher)

	// 12. Chat executor.
	chatExecutor := queue.NewChatMessageExecutor(
		cfg, entClient, llmClient, mcpFactory, eventPublisher,
		queue.ChatMessageExecutorConfig{
			SessionTimeout:    cfg.Queue.SessionTimeout,
			HeartbeatInterval: cfg.Queue.HeartbeatInterval,
		},
		runbookService,
	)
	chatExecutor.SetMetrics(appMetrics)

	// 13. HTTP server.
	server := api.NewServer(cfg, dbClient, alertService, sessionService, workerPool, connManager)
	server.SetHealthMonitor(healthMonitor)
	server.SetWarningsService(warningService)
	server.SetChatService(chatService)
	server.SetChatExecutor(chatExecutor)
	server.SetEventPublisher(eventPublisher)
	server.SetInteractionService(interactionService)
	server.SetStageService(stageService)
	server.SetTimelineService(timelineService)
	server.SetRunbookService(runbookService)

	if dashboardDir := getEnv("DASHBOARD_DIR", ""); dashboardDir != "" {
		server.SetDashboardDir(dashboardDir)
	}

	if err := server.ValidateWiring(); err != nil {
		log.Fatalf("Server wiring incomplete: %v", err)
	}

	// 14. Serve with graceful shutdown.
	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on :%s", httpPort)
		errCh <- server.Start(":" + httpPort)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	case sig := <-sigCh:
		log.Printf("Received signal %s, shutting down gracefully...", sig)

		chatExecutor.Stop()
		workerPool.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.GracefulShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("Error during server shutdown", "error", err)
		}
	}

	log.Println("Shutdown complete")
}
