// hived orchestrator server: org registry, message bus, scheduler, LLM turn
// engine, and the HTTP/WebSocket control plane in one process.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hiveworks/hived/pkg/agent"
	"github.com/hiveworks/hived/pkg/agent/prompt"
	"github.com/hiveworks/hived/pkg/api"
	"github.com/hiveworks/hived/pkg/bus"
	"github.com/hiveworks/hived/pkg/config"
	"github.com/hiveworks/hived/pkg/conversation"
	"github.com/hiveworks/hived/pkg/events"
	"github.com/hiveworks/hived/pkg/llm"
	"github.com/hiveworks/hived/pkg/masking"
	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/org"
	"github.com/hiveworks/hived/pkg/runtime"
	"github.com/hiveworks/hived/pkg/store"
	"github.com/hiveworks/hived/pkg/tools"
	"github.com/hiveworks/hived/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupLogging installs the default text handler at the level named by
// LOG_LEVEL (debug|info|warn|error, default info).
func setupLogging() {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	configPath := flag.String("config",
		getEnv("HIVED_CONFIG", "./hived.yaml"),
		"Path to the configuration file")
	envFile := flag.String("env-file", ".env",
		"Path to an optional .env file loaded before the config")
	flag.Parse()

	setupLogging()

	// .env before config so {{.VAR}} expansion sees the variables.
	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	slog.Info("Starting hived", "version", version.Full(), "config", *configPath)

	// 1. Configuration
	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Org registry: load persisted state, then seed reserved principals
	orgState := org.NewState(cfg.Org.DataRoot)
	if err := orgState.Load(); err != nil {
		slog.Error("Failed to load org state", "error", err)
		os.Exit(1)
	}
	if err := orgState.Bootstrap(cfg.Org); err != nil {
		slog.Error("Failed to bootstrap org", "error", err)
		os.Exit(1)
	}

	// 3. Stores
	conv, err := conversation.NewStore(cfg.Org.DataRoot, cfg.Context)
	if err != nil {
		slog.Error("Failed to open conversation store", "error", err)
		os.Exit(1)
	}
	workspaces, err := store.NewWorkspaceStore(cfg.Org.DataRoot)
	if err != nil {
		slog.Error("Failed to open workspace store", "error", err)
		os.Exit(1)
	}
	artifacts, err := store.NewArtifactStore(cfg.Org.DataRoot)
	if err != nil {
		slog.Error("Failed to open artifact store", "error", err)
		os.Exit(1)
	}

	// 4. Event hub and WebSocket fan-out
	hub := events.NewHub()
	connMgr := events.NewConnectionManager(10 * time.Second)
	hub.Attach(connMgr.Broadcast)

	// 5. LLM clients and the shared concurrency gate
	services := llm.NewRegistry(cfg.LLM)
	limiter := llm.NewLimiter(cfg.LLM.MaxConcurrentRequests)

	// 6. Lifecycle and message bus (mutually wired)
	lifecycle := runtime.NewLifecycle(orgState, conv, limiter, workspaces, hub,
		cfg.Runtime.IdleWarning())
	msgBus := bus.New(lifecycle)
	lifecycle.AttachBus(msgBus)
	registered := lifecycle.RegisterExisting()
	slog.Info("Agents registered", "count", registered)

	// Accepted messages introduce the sender to the recipient and surface on
	// the recipient's event channel.
	msgBus.OnAccepted(func(msg *models.Message, delayed bool) {
		orgState.Contacts().Add(msg.To, msg.From, models.ContactIntroduced)
		hub.Publish(events.AgentChannel(msg.To), events.MessageSentPayload{
			Type:      events.TypeMessageSent,
			MessageID: msg.ID,
			From:      msg.From,
			To:        msg.To,
			Preview:   events.Preview(msg.Content),
			Delayed:   delayed,
			Timestamp: events.Timestamp(),
		})
	})

	// 7. Masking and the tool executor
	masker := masking.NewService(cfg.Masking)
	executor := tools.NewExecutor(tools.Deps{
		Org:        orgState,
		Lifecycle:  lifecycle,
		Bus:        msgBus,
		Conv:       conv,
		Artifacts:  artifacts,
		Workspaces: workspaces,
		Masker:     masker,
		Publisher:  hub,
		Console:    os.Stdout,
	}, cfg.Tools, cfg.Context)

	// 8. System prompts track live org state
	prompts := prompt.NewBuilder(orgState, executor, cfg.Org.BasePrompt)
	lifecycle.SetPromptFunc(prompts.SystemPrompt)

	// 9. User gateway and the shutdown coordinator
	gateway := runtime.NewUserGateway(os.Stdout, conv, hub)
	shutdown := runtime.NewShutdownManager(cfg.Runtime.ShutdownTimeout(), hub)
	shutdown.BindActiveCounter(lifecycle.HandlersBusy)

	// 10. Turn engine
	handler := agent.NewHandler(agent.Deps{
		Org:       orgState,
		Conv:      conv,
		Lifecycle: lifecycle,
		Bus:       msgBus,
		Limiter:   limiter,
		Services:  services,
		Tools:     executor,
		Artifacts: artifacts,
		Shutdown:  shutdown,
		Prompts:   prompts,
	}, cfg.LLM, cfg.Tools)

	// 11. Scheduler
	maxHandlers := cfg.Runtime.MaxConcurrentHandlers
	if maxHandlers <= 0 {
		maxHandlers = cfg.LLM.MaxConcurrentRequests
	}
	maxSteps := 0
	if cfg.Runtime.MaxSteps != nil {
		maxSteps = *cfg.Runtime.MaxSteps
	}
	scheduler := runtime.NewScheduler(msgBus, lifecycle, handler, gateway,
		shutdown, orgState, conv, maxHandlers, maxSteps)
	scheduler.Start()

	// 12. HTTP API (non-blocking)
	errCh := make(chan error, 1)
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, api.Deps{
			Org:       orgState,
			Conv:      conv,
			Lifecycle: lifecycle,
			Bus:       msgBus,
			Limiter:   limiter,
			Scheduler: scheduler,
			Gateway:   gateway,
			Artifacts: artifacts,
			Shutdown:  shutdown,
			ConnMgr:   connMgr,
		})
		apiServer.Start(errCh)
	}

	slog.Info("hived started",
		"agents", len(orgState.ListAgents(false)),
		"max_handlers", maxHandlers,
		"api_enabled", cfg.API.Enabled)

	// 13. Wait for a signal, an HTTP failure, or a scheduler-initiated stop
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig.String())
		shutdown.Request("signal " + sig.String())
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
		shutdown.Request("http server error")
	case <-shutdown.Requested():
		// Scheduler hit its step cap or another component requested the stop.
	}

	// A second signal during the drain aborts immediately.
	go func() {
		sig := <-sigCh
		if shutdown.Request("second signal "+sig.String()) {
			slog.Warn("Forced shutdown", "signal", sig.String())
			os.Exit(1)
		}
	}()

	// 14. Drain in-flight turns, then flush everything that must survive
	scheduler.Stop(cfg.Runtime.ShutdownTimeout())
	shutdown.Finalize(msgBus, gateway, conv, orgState)

	// 15. Stop the HTTP listener last so the drain stays observable
	if apiServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := apiServer.Stop(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		}
	}

	slog.Info("Shutdown complete", "reason", shutdown.Reason())
}
