package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// chatStep is one scripted LLM exchange.
type chatStep struct {
	resp *llm.ChatResponse
	err  error
}

func textStep(content string) chatStep {
	return chatStep{resp: &llm.ChatResponse{
		Content: content,
		Usage:   llm.Usage{PromptTokens: 40, CompletionTokens: 12, TotalTokens: 52},
		Model:   "gpt-4o",
	}}
}

func toolStep(content string, calls ...models.ToolCall) chatStep {
	return chatStep{resp: &llm.ChatResponse{
		Content:   content,
		ToolCalls: calls,
		Usage:     llm.Usage{PromptTokens: 60, CompletionTokens: 20, TotalTokens: 80},
		Model:     "gpt-4o",
	}}
}

// scriptedClient replays a fixed sequence of responses and records every
// request it saw. Unscripted calls fail loudly.
type scriptedClient struct {
	mu     sync.Mutex
	steps  []chatStep
	calls  []*llm.ChatRequest
	onCall func(n int)
}

func (c *scriptedClient) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	c.mu.Lock()
	c.calls = append(c.calls, req)
	n := len(c.calls)
	step := chatStep{err: fmt.Errorf("unscripted llm call %d", n)}
	if len(c.steps) > 0 {
		step = c.steps[0]
		c.steps = c.steps[1:]
	}
	hook := c.onCall
	c.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return step.resp, step.err
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *scriptedClient) request(n int) *llm.ChatRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[n]
}

type staticResolver struct {
	client llm.Client
	svc    *config.LLMServiceConfig
}

func (r *staticResolver) Resolve(string) (llm.Client, *config.LLMServiceConfig, error) {
	return r.client, r.svc, nil
}

type handlerEnv struct {
	cfg      *config.Config
	org      *org.State
	lc       *runtime.Lifecycle
	bus      *bus.MessageBus
	conv     *conversation.Store
	arts     *store.ArtifactStore
	client   *scriptedClient
	shutdown *runtime.ShutdownManager
	handler  *Handler
}

func newHandlerEnv(t *testing.T, mutate func(cfg *config.Config)) *handlerEnv {
	t.Helper()
	dataRoot := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Org.DataRoot = dataRoot
	if mutate != nil {
		mutate(cfg)
	}

	orgState := org.NewState(dataRoot)
	require.NoError(t, orgState.Bootstrap(cfg.Org))
	conv, err := conversation.NewStore(dataRoot, cfg.Context)
	require.NoError(t, err)
	ws, err := store.NewWorkspaceStore(dataRoot)
	require.NoError(t, err)
	arts, err := store.NewArtifactStore(dataRoot)
	require.NoError(t, err)

	hub := events.NewHub()
	limiter := llm.NewLimiter(cfg.LLM.MaxConcurrentRequests)
	lc := runtime.NewLifecycle(orgState, conv, limiter, ws, hub, time.Hour)
	b := bus.New(lc)
	lc.AttachBus(b)
	lc.RegisterExisting()

	exec := tools.NewExecutor(tools.Deps{
		Org:        orgState,
		Lifecycle:  lc,
		Bus:        b,
		Conv:       conv,
		Artifacts:  arts,
		Workspaces: ws,
		Masker:     masking.NewService(cfg.Masking),
		Publisher:  hub,
	}, cfg.Tools, cfg.Context)

	builder := prompt.NewBuilder(orgState, exec, cfg.Org.BasePrompt)
	lc.SetPromptFunc(builder.SystemPrompt)

	client := &scriptedClient{}
	shutdown := runtime.NewShutdownManager(cfg.Runtime.ShutdownTimeout(), hub)
	handler := NewHandler(Deps{
		Org:       orgState,
		Conv:      conv,
		Lifecycle: lc,
		Bus:       b,
		Limiter:   limiter,
		Services:  &staticResolver{client: client, svc: cfg.LLM.Services[cfg.LLM.DefaultService]},
		Tools:     exec,
		Artifacts: arts,
		Shutdown:  shutdown,
		Prompts:   builder,
	}, cfg.LLM, cfg.Tools)

	return &handlerEnv{
		cfg: cfg, org: orgState, lc: lc, bus: b, conv: conv,
		arts: arts, client: client, shutdown: shutdown, handler: handler,
	}
}

// spawnWorker creates a role with the given tool groups and one agent under
// root.
func (env *handlerEnv) spawnWorker(t *testing.T, roleName string, groups ...string) *models.Agent {
	t.Helper()
	_, err := env.org.CreateRole(roleName, "You are a "+roleName+".", groups, "", models.AgentRoot)
	require.NoError(t, err)
	agent, err := env.lc.Spawn(runtime.SpawnRequest{ParentID: models.AgentRoot, RoleRef: roleName})
	require.NoError(t, err)
	return agent
}

// runTurn dispatches one message through the handler the way the scheduler
// would: mark dispatched, handle, release the worker slot.
func (env *handlerEnv) runTurn(t *testing.T, agentID string, msg *models.Message) {
	t.Helper()
	require.True(t, env.lc.MarkDispatched(agentID))
	env.handler.HandleMessage(context.Background(), agentID, msg)
	env.lc.ReleaseHandler(agentID)
}

func userMessage(id, to, content string) *models.Message {
	return &models.Message{ID: id, From: models.AgentUser, To: to, Content: content, CreatedAt: time.Now()}
}

// envelopeAt pops the next message queued for recipient and decodes it as an
// error envelope.
func envelopeAt(t *testing.T, b *bus.MessageBus, recipient string) map[string]any {
	t.Helper()
	msg := b.ReceiveNext(recipient)
	require.NotNil(t, msg, "expected a message queued for %s", recipient)
	var envelope map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Content), &envelope))
	return envelope
}

func TestTurnWithPlainReplyAutoSendsToUser(t *testing.T) {
	env := newHandlerEnv(t, nil)
	worker := env.spawnWorker(t, "writer", models.GroupConsole)
	env.client.steps = []chatStep{textStep("All done.")}

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "write the report"))

	require.Equal(t, 1, env.client.callCount())
	history := env.conv.History(worker.ID)
	require.Len(t, history, 3)
	assert.Equal(t, models.TurnSystem, history[0].Role)
	assert.Equal(t, models.TurnUser, history[1].Role)
	assert.Contains(t, history[1].Content, "[message from user]")
	assert.Contains(t, history[1].Content, "write the report")
	assert.Equal(t, models.TurnAssistant, history[2].Role)
	assert.Equal(t, "All done.", history[2].Content)

	// The reply reached the user without an explicit send_message.
	delivered := env.bus.ReceiveNext(models.AgentUser)
	require.NotNil(t, delivered)
	assert.Equal(t, worker.ID, delivered.From)
	assert.Equal(t, "All done.", delivered.Content)

	usage := env.conv.Usage(worker.ID)
	assert.Equal(t, 40, usage.PromptTokens)
	assert.Equal(t, "gpt-4o", usage.Model)

	status, known := env.lc.ComputeStatus(worker.ID)
	require.True(t, known)
	assert.Equal(t, models.StatusIdle, status)
}

func TestTurnWithEmptyReplyEndsQuietly(t *testing.T) {
	env := newHandlerEnv(t, nil)
	worker := env.spawnWorker(t, "quiet", models.GroupConsole)
	env.client.steps = []chatStep{textStep("  ")}

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "think about it"))

	assert.Equal(t, 1, env.client.callCount())
	assert.Equal(t, 0, env.bus.QueueDepth(models.AgentUser))
	assert.Equal(t, 0, env.bus.QueueDepth(models.AgentRoot))
}

func TestTurnExecutesToolCallsInOrder(t *testing.T) {
	env := newHandlerEnv(t, nil)
	worker := env.spawnWorker(t, "operator", models.GroupConsole, models.GroupContext)
	env.client.steps = []chatStep{
		toolStep("",
			models.ToolCall{ID: "c-1", Name: "console_print", Arguments: `{"text":"step one"}`},
			models.ToolCall{ID: "c-2", Name: "get_context_status", Arguments: `{}`},
		),
		textStep("Finished."),
	}

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "do the work"))

	require.Equal(t, 2, env.client.callCount())
	history := env.conv.History(worker.ID)
	// system, user, assistant(tool calls), tool, tool, assistant
	require.Len(t, history, 6)
	assert.True(t, history[2].HasToolCalls())
	assert.Equal(t, "c-1", history[3].ToolCallID)
	assert.Equal(t, "console_print", history[3].ToolName)
	assert.Contains(t, history[3].Content, "printed")
	assert.Equal(t, "c-2", history[4].ToolCallID)
	assert.Equal(t, "get_context_status", history[4].ToolName)
	assert.Equal(t, "Finished.", history[5].Content)

	// The second request carried the tool results.
	second := env.client.request(1)
	require.Len(t, second.Turns, 5)
	assert.Equal(t, models.TurnTool, second.Turns[3].Role)
}

func TestTurnEndsOnYieldAndSkipsRemainingCalls(t *testing.T) {
	env := newHandlerEnv(t, nil)
	worker := env.spawnWorker(t, "courier", models.GroupOrg, models.GroupConsole)
	env.client.steps = []chatStep{
		toolStep("",
			models.ToolCall{ID: "c-1", Name: "send_message",
				Arguments: fmt.Sprintf(`{"to":%q,"content":"handing off","yield":true}`, models.AgentRoot)},
			models.ToolCall{ID: "c-2", Name: "console_print", Arguments: `{"text":"never runs"}`},
		),
	}

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "hand off and stop"))

	// One LLM call only: the yield ended the turn before a second round.
	assert.Equal(t, 1, env.client.callCount())
	assert.Equal(t, 1, env.bus.QueueDepth(models.AgentRoot))

	history := env.conv.History(worker.ID)
	require.Len(t, history, 5)
	assert.Contains(t, history[3].Content, "messageId")
	var skipped map[string]string
	require.NoError(t, json.Unmarshal([]byte(history[4].Content), &skipped))
	assert.Equal(t, models.ErrKindSkipped, skipped["error"])
	assert.Contains(t, skipped["message"], "yielded")

	// No max-rounds escalation happened.
	assert.Equal(t, 0, env.bus.QueueDepth(models.AgentUser))
}

func TestMaxToolRoundsEscalatesToParent(t *testing.T) {
	env := newHandlerEnv(t, func(cfg *config.Config) {
		cfg.LLM.MaxToolRounds = 2
	})
	worker := env.spawnWorker(t, "looper", models.GroupConsole)
	env.client.steps = []chatStep{
		toolStep("", models.ToolCall{ID: "c-1", Name: "console_print", Arguments: `{"text":"a"}`}),
		toolStep("", models.ToolCall{ID: "c-2", Name: "console_print", Arguments: `{"text":"b"}`}),
	}

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "loop forever"))

	assert.Equal(t, 2, env.client.callCount())
	envelope := envelopeAt(t, env.bus, models.AgentRoot)
	assert.Equal(t, "error", envelope["kind"])
	assert.Equal(t, models.ErrKindMaxToolRounds, envelope["errorType"])
	assert.Equal(t, worker.ID, envelope["agentId"])
	assert.Equal(t, "m-1", envelope["originalMessageId"])

	history := env.conv.History(worker.ID)
	last := history[len(history)-1]
	assert.Contains(t, last.Content, "[diagnostic]")
	assert.Contains(t, last.Content, models.ErrKindMaxToolRounds)
}

func TestLLMFailureEscalatesToParent(t *testing.T) {
	env := newHandlerEnv(t, nil)
	worker := env.spawnWorker(t, "fragile", models.GroupConsole)
	env.client.steps = []chatStep{{err: fmt.Errorf("provider unavailable")}}

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "try something"))

	envelope := envelopeAt(t, env.bus, models.AgentRoot)
	assert.Equal(t, models.ErrKindLLMCallFailed, envelope["errorType"])
	assert.Equal(t, worker.ID, envelope["agentId"])
	assert.Contains(t, envelope["message"], "provider unavailable")

	// Root has no parent: its failures go to the sender of the message.
	env.client.steps = []chatStep{{err: fmt.Errorf("still down")}}
	env.runTurn(t, models.AgentRoot, userMessage("m-2", models.AgentRoot, "root turn"))
	envelope = envelopeAt(t, env.bus, models.AgentUser)
	assert.Equal(t, models.ErrKindLLMCallFailed, envelope["errorType"])
	assert.Equal(t, models.AgentRoot, envelope["agentId"])
}

func TestAbortedLLMCallEndsTurnWithoutEscalation(t *testing.T) {
	env := newHandlerEnv(t, nil)
	worker := env.spawnWorker(t, "patient", models.GroupConsole)
	env.client.steps = []chatStep{{err: fmt.Errorf("%w: context canceled", llm.ErrAborted)}}

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "slow work"))

	assert.Equal(t, 0, env.bus.QueueDepth(models.AgentRoot))
	assert.Equal(t, 0, env.bus.QueueDepth(models.AgentUser))

	history := env.conv.History(worker.ID)
	last := history[len(history)-1]
	assert.Contains(t, last.Content, "[diagnostic] llm call aborted")
}

func TestInterruptSplicesQueuedMessagesIntoTurn(t *testing.T) {
	env := newHandlerEnv(t, nil)
	worker := env.spawnWorker(t, "listener", models.GroupConsole)
	env.client.steps = []chatStep{textStep("Handled both.")}

	require.True(t, env.lc.MarkDispatched(worker.ID))
	require.NoError(t, env.bus.Send(&models.Message{
		From: models.AgentRoot, To: worker.ID, Content: "also do this",
	}))
	env.lc.MarkInterrupted(worker.ID)

	env.handler.HandleMessage(context.Background(), worker.ID, userMessage("m-1", worker.ID, "first job"))
	env.lc.ReleaseHandler(worker.ID)

	history := env.conv.History(worker.ID)
	require.Len(t, history, 4)
	assert.Contains(t, history[1].Content, "first job")
	assert.Contains(t, history[2].Content, "[message from root]")
	assert.Contains(t, history[2].Content, "also do this")
	assert.Equal(t, models.TurnAssistant, history[3].Role)

	// The single LLM call saw both messages.
	require.Equal(t, 1, env.client.callCount())
	assert.Len(t, env.client.request(0).Turns, 3)
}

func TestInterruptDuringCallObsoletesToolBatch(t *testing.T) {
	env := newHandlerEnv(t, nil)
	worker := env.spawnWorker(t, "redirected", models.GroupConsole)
	env.client.steps = []chatStep{
		toolStep("", models.ToolCall{ID: "c-1", Name: "console_print", Arguments: `{"text":"old plan"}`}),
		textStep("Revised answer."),
	}
	env.client.onCall = func(n int) {
		if n != 1 {
			return
		}
		require.NoError(t, env.bus.Send(&models.Message{
			From: models.AgentRoot, To: worker.ID, Content: "stop, do X instead",
		}))
		env.lc.MarkInterrupted(worker.ID)
	}

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "first job"))

	// The tool batch never ran: its assistant turn was dropped and replaced by
	// the interrupting message.
	history := env.conv.History(worker.ID)
	require.Len(t, history, 4)
	assert.Contains(t, history[1].Content, "first job")
	assert.Equal(t, models.TurnUser, history[2].Role)
	assert.Contains(t, history[2].Content, "stop, do X instead")
	assert.Equal(t, models.TurnAssistant, history[3].Role)
	assert.Equal(t, "Revised answer.", history[3].Content)
	assert.False(t, history[3].HasToolCalls())

	require.Equal(t, 2, env.client.callCount())
	second := env.client.request(1)
	require.Len(t, second.Turns, 3)
	assert.Equal(t, models.TurnUser, second.Turns[2].Role)
}

func TestContextHardLimitRefusesTurn(t *testing.T) {
	env := newHandlerEnv(t, nil)
	worker := env.spawnWorker(t, "stuffed", models.GroupConsole)
	// 127k of a 128k window is past the hard limit.
	env.conv.UpdateUsage(worker.ID, 127_000, 0, "gpt-4o", 128_000)

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "one more thing"))

	assert.Equal(t, 0, env.client.callCount())
	envelope := envelopeAt(t, env.bus, models.AgentRoot)
	assert.Equal(t, models.ErrKindContextLimit, envelope["errorType"])
	assert.Equal(t, "m-1", envelope["originalMessageId"])

	// The incoming message was still recorded before the refusal.
	history := env.conv.History(worker.ID)
	assert.Contains(t, history[1].Content, "one more thing")
}

func TestToolIntentNudgeGetsOneMoreRound(t *testing.T) {
	env := newHandlerEnv(t, func(cfg *config.Config) {
		cfg.Tools.ToolIntentPatterns = []string{`(?i)i will now`}
	})
	worker := env.spawnWorker(t, "narrator", models.GroupConsole)
	env.client.steps = []chatStep{
		textStep("I will now print the banner."),
		textStep("Done."),
	}

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "print the banner"))

	require.Equal(t, 2, env.client.callCount())
	history := env.conv.History(worker.ID)
	require.Len(t, history, 5)
	assert.Contains(t, history[3].Content, "no tool was called")

	delivered := env.bus.ReceiveNext(models.AgentUser)
	require.NotNil(t, delivered)
	assert.Equal(t, "Done.", delivered.Content)
}

func TestAbortDuringLLMCallSkipsToolBatch(t *testing.T) {
	env := newHandlerEnv(t, nil)
	worker := env.spawnWorker(t, "interruptible", models.GroupConsole)
	env.client.steps = []chatStep{
		toolStep("",
			models.ToolCall{ID: "c-1", Name: "console_print", Arguments: `{"text":"should not run"}`},
		),
	}
	env.client.onCall = func(int) {
		_, err := env.lc.Abort(worker.ID, false)
		require.NoError(t, err)
	}

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "long job"))

	history := env.conv.History(worker.ID)
	require.Len(t, history, 4)
	var skipped map[string]string
	require.NoError(t, json.Unmarshal([]byte(history[3].Content), &skipped))
	assert.Equal(t, models.ErrKindSkipped, skipped["error"])
	assert.Contains(t, skipped["message"], "stopped")

	status, known := env.lc.ComputeStatus(worker.ID)
	require.True(t, known)
	assert.Equal(t, models.StatusStopped, status)
}

func TestShutdownEndsTurnBeforeLLMCall(t *testing.T) {
	env := newHandlerEnv(t, nil)
	worker := env.spawnWorker(t, "late", models.GroupConsole)
	env.shutdown.Request("test shutdown")

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "too late"))

	assert.Equal(t, 0, env.client.callCount())
	// The message is still recorded for the next boot.
	history := env.conv.History(worker.ID)
	require.Len(t, history, 2)
	assert.Contains(t, history[1].Content, "too late")
}

func TestContextAdvisoryAppendedUnderPressure(t *testing.T) {
	env := newHandlerEnv(t, nil)
	worker := env.spawnWorker(t, "crowded", models.GroupContext)
	// 75% of the window lands in the warning bucket.
	env.conv.UpdateUsage(worker.ID, 96_000, 0, "gpt-4o", 128_000)
	env.client.steps = []chatStep{textStep("Acknowledged.")}

	env.runTurn(t, worker.ID, userMessage("m-1", worker.ID, "status?"))

	history := env.conv.History(worker.ID)
	assert.Contains(t, history[1].Content, "[context warning")
	assert.Contains(t, history[1].Content, "compress_context")
}
