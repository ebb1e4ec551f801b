// Package e2e boots a complete in-process runtime against a scripted LLM and
// drives whole multi-agent flows through the real scheduler, bus, tools, and
// stores.
package e2e

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hiveworks/hived/pkg/agent"
	"github.com/hiveworks/hived/pkg/agent/prompt"
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
)

const (
	waitTimeout  = 5 * time.Second
	pollInterval = 5 * time.Millisecond
)

// ConsoleBuffer is a concurrency-safe sink capturing gateway deliveries and
// console_print output.
type ConsoleBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *ConsoleBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *ConsoleBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type scriptedResolver struct {
	client llm.Client
	svc    *config.LLMServiceConfig
}

func (r *scriptedResolver) Resolve(string) (llm.Client, *config.LLMServiceConfig, error) {
	return r.client, r.svc, nil
}

// TestApp is a full runtime wired to a scripted LLM client.
type TestApp struct {
	Config    *config.Config
	Org       *org.State
	Conv      *conversation.Store
	Artifacts *store.ArtifactStore
	Hub       *events.Hub
	Limiter   *llm.Limiter
	Lifecycle *runtime.Lifecycle
	Bus       *bus.MessageBus
	Tools     *tools.Executor
	Gateway   *runtime.UserGateway
	Shutdown  *runtime.ShutdownManager
	Scheduler *runtime.Scheduler
	LLM       *ScriptedLLM
	Console   *ConsoleBuffer

	t *testing.T
}

type testAppOptions struct {
	mutate func(*config.Config)
}

// TestAppOption configures the app before boot.
type TestAppOption func(*testAppOptions)

// WithConfig customizes the default configuration.
func WithConfig(mutate func(*config.Config)) TestAppOption {
	return func(o *testAppOptions) { o.mutate = mutate }
}

// NewTestApp boots the runtime against a temp data root and starts the
// scheduler. The scheduler is stopped at test cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()
	var options testAppOptions
	for _, opt := range opts {
		opt(&options)
	}

	cfg := config.DefaultConfig()
	cfg.Org.DataRoot = t.TempDir()
	if options.mutate != nil {
		options.mutate(cfg)
	}

	orgState := org.NewState(cfg.Org.DataRoot)
	require.NoError(t, orgState.Load())
	require.NoError(t, orgState.Bootstrap(cfg.Org))

	conv, err := conversation.NewStore(cfg.Org.DataRoot, cfg.Context)
	require.NoError(t, err)
	workspaces, err := store.NewWorkspaceStore(cfg.Org.DataRoot)
	require.NoError(t, err)
	artifacts, err := store.NewArtifactStore(cfg.Org.DataRoot)
	require.NoError(t, err)

	hub := events.NewHub()
	limiter := llm.NewLimiter(cfg.LLM.MaxConcurrentRequests)
	lifecycle := runtime.NewLifecycle(orgState, conv, limiter, workspaces, hub,
		cfg.Runtime.IdleWarning())
	msgBus := bus.New(lifecycle)
	lifecycle.AttachBus(msgBus)
	lifecycle.RegisterExisting()
	msgBus.OnAccepted(func(msg *models.Message, delayed bool) {
		orgState.Contacts().Add(msg.To, msg.From, models.ContactIntroduced)
	})

	console := &ConsoleBuffer{}
	script := NewScriptedLLM()

	executor := tools.NewExecutor(tools.Deps{
		Org:        orgState,
		Lifecycle:  lifecycle,
		Bus:        msgBus,
		Conv:       conv,
		Artifacts:  artifacts,
		Workspaces: workspaces,
		Masker:     masking.NewService(cfg.Masking),
		Publisher:  hub,
		Console:    console,
	}, cfg.Tools, cfg.Context)

	prompts := prompt.NewBuilder(orgState, executor, cfg.Org.BasePrompt)
	lifecycle.SetPromptFunc(prompts.SystemPrompt)

	gateway := runtime.NewUserGateway(console, conv, hub)
	shutdown := runtime.NewShutdownManager(cfg.Runtime.ShutdownTimeout(), hub)
	shutdown.BindActiveCounter(lifecycle.HandlersBusy)

	handler := agent.NewHandler(agent.Deps{
		Org:       orgState,
		Conv:      conv,
		Lifecycle: lifecycle,
		Bus:       msgBus,
		Limiter:   limiter,
		Services:  &scriptedResolver{client: script, svc: cfg.LLM.Services[cfg.LLM.DefaultService]},
		Tools:     executor,
		Artifacts: artifacts,
		Shutdown:  shutdown,
		Prompts:   prompts,
	}, cfg.LLM, cfg.Tools)

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
	t.Cleanup(func() { scheduler.Stop(2 * time.Second) })

	return &TestApp{
		Config:    cfg,
		Org:       orgState,
		Conv:      conv,
		Artifacts: artifacts,
		Hub:       hub,
		Limiter:   limiter,
		Lifecycle: lifecycle,
		Bus:       msgBus,
		Tools:     executor,
		Gateway:   gateway,
		Shutdown:  shutdown,
		Scheduler: scheduler,
		LLM:       script,
		Console:   console,
		t:         t,
	}
}

// SendFromUser injects a message from the user principal and returns its id.
func (app *TestApp) SendFromUser(to, content string) string {
	app.t.Helper()
	msg := &models.Message{From: models.AgentUser, To: to, Content: content}
	require.NoError(app.t, app.Bus.Send(msg))
	return msg.ID
}

// WaitIdle blocks until the agent is idle with an empty queue.
func (app *TestApp) WaitIdle(agentID string) {
	app.t.Helper()
	require.Eventually(app.t, func() bool {
		status, ok := app.Lifecycle.ComputeStatus(agentID)
		return ok && status == models.StatusIdle && app.Bus.QueueDepth(agentID) == 0
	}, waitTimeout, pollInterval, "agent %s never settled idle", agentID)
}

// WaitDelivered blocks until the gateway delivered at least n user messages.
func (app *TestApp) WaitDelivered(n int64) {
	app.t.Helper()
	require.Eventually(app.t, func() bool {
		return app.Gateway.Delivered() >= n
	}, waitTimeout, pollInterval, "user never received %d messages (got %d)", n, app.Gateway.Delivered())
}

// WaitGone blocks until the agent no longer exists on the status table.
func (app *TestApp) WaitGone(agentID string) {
	app.t.Helper()
	require.Eventually(app.t, func() bool {
		_, ok := app.Lifecycle.ComputeStatus(agentID)
		return !ok
	}, waitTimeout, pollInterval, "agent %s never left the status table", agentID)
}

// WaitStatus blocks until the agent reaches the given status.
func (app *TestApp) WaitStatus(agentID string, want models.ComputeStatus) {
	app.t.Helper()
	require.Eventually(app.t, func() bool {
		status, ok := app.Lifecycle.ComputeStatus(agentID)
		return ok && status == want
	}, waitTimeout, pollInterval, "agent %s never reached %s", agentID, want)
}

// ChildOf waits for a live child of parentID in the given role and returns it.
func (app *TestApp) ChildOf(parentID, roleName string) *models.Agent {
	app.t.Helper()
	var found *models.Agent
	require.Eventually(app.t, func() bool {
		for _, a := range app.Org.ListAgents(false) {
			if a.ParentID != parentID {
				continue
			}
			role, err := app.Org.RoleOf(a.ID)
			if err != nil || role == nil || role.Name != roleName {
				continue
			}
			found = a
			return true
		}
		return false
	}, waitTimeout, pollInterval, "no live %s child under %s", roleName, parentID)
	return found
}
