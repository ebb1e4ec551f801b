package e2e

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveworks/hived/pkg/models"
)

// A user message to root triggers one tool round and ends with a reply the
// user actually sees.
func TestUserToRootToolRoundThenReply(t *testing.T) {
	app := NewTestApp(t)
	app.LLM.Route("root",
		ToolStep(Call("c-1", "send_message", `{"to":"user","content":"Working on it."}`)),
		TextStep("Six times seven is 42."),
	)

	app.SendFromUser("root", "what is 6*7?")
	app.WaitDelivered(2)
	app.WaitIdle("root")

	out := app.Console.String()
	assert.Contains(t, out, "[to user] from root: Working on it.")
	assert.Contains(t, out, "[to user] from root: Six times seven is 42.")

	history := app.Conv.History("root")
	require.Len(t, history, 5) // system, user, assistant tool batch, tool result, assistant
	assert.True(t, history[2].HasToolCalls())
	assert.Equal(t, "send_message", history[3].ToolName)
	assert.Contains(t, history[3].Content, "messageId")
	assert.Equal(t, "Six times seven is 42.", history[4].Content)
	assert.Equal(t, 2, app.LLM.CallCount())

	// Both deliveries landed on the user's conversation record.
	record := app.Conv.History(models.AgentUser)
	require.Len(t, record, 2)
	assert.Contains(t, record[1].Content, "from root: Six times seven is 42.")
}

// A delayed self-message is promoted on schedule and starts a fresh turn on
// the (by then idle) agent.
func TestDelayedSelfMessageWakesIdleAgent(t *testing.T) {
	app := NewTestApp(t)
	app.LLM.Route("root",
		ToolStep(Call("c-1", "send_message", `{"to":"root","content":"check the oven now","delayMs":120}`)),
		TextStep(""), // first turn ends quietly
		TextStep("The cake is ready."),
	)

	app.SendFromUser("root", "remind yourself to check the oven")
	app.WaitDelivered(1)
	app.WaitIdle("root")

	assert.Contains(t, app.Console.String(), "[to user] from root: The cake is ready.")
	assert.Equal(t, 3, app.LLM.CallCount())
	assert.Equal(t, int64(1), app.Bus.Stats().Delivered)

	var reminder bool
	for _, turn := range app.Conv.History("root") {
		if turn.Role == models.TurnUser &&
			strings.Contains(turn.Content, "[message from root]") &&
			strings.Contains(turn.Content, "check the oven now") {
			reminder = true
		}
	}
	assert.True(t, reminder, "the promoted reminder never reached the conversation")
}

// Root defines a role, spawns an agent with an initial task, and the child
// works its first turn end to end.
func TestSpawnAgentWithTaskFullFlow(t *testing.T) {
	app := NewTestApp(t)
	app.LLM.Route("root",
		ToolStep(Call("c-1", "create_role",
			`{"name":"greeter","rolePrompt":"You greet people warmly.","toolGroups":["console"]}`)),
		ToolStep(Call("c-2", "spawn_agent_with_task",
			`{"roleId":"greeter","taskBrief":"welcome the user","initialMessage":"introduce yourself to the user"}`)),
		TextStep("Delegated to a greeter."),
	)
	app.LLM.Route("greeter", TextStep("Hello, I am your greeter!"))

	app.SendFromUser("root", "someone should greet the user")
	app.WaitDelivered(2)

	child := app.ChildOf("root", "greeter")
	app.WaitIdle(child.ID)

	out := app.Console.String()
	assert.Contains(t, out, "Delegated to a greeter.")
	assert.Contains(t, out, "Hello, I am your greeter!")

	// The child's system prompt carried role, task, and contacts; the first
	// message arrived attributed to the parent.
	history := app.Conv.History(child.ID)
	require.GreaterOrEqual(t, len(history), 3)
	assert.Contains(t, history[0].Content, "You greet people warmly.")
	assert.Contains(t, history[0].Content, "welcome the user")
	assert.Contains(t, history[1].Content, "[message from root]")
	assert.Contains(t, history[1].Content, "introduce yourself")

	assert.True(t, app.Org.Contacts().Known("root", child.ID))
	assert.True(t, app.Org.Contacts().Known(child.ID, "root"))
	assert.Equal(t, "welcome the user", child.TaskBrief)
}

// Past the context hard limit no LLM call is made; the sender receives an
// error envelope instead.
func TestContextHardLimitEscalatesToSender(t *testing.T) {
	app := NewTestApp(t)
	// 125k prompt tokens of a 128k window is past the hard limit.
	app.Conv.UpdateUsage("root", 125_000, 0, "gpt-4o", 128_000)

	app.SendFromUser("root", "one more job")
	app.WaitDelivered(1)
	app.WaitIdle("root")

	assert.Equal(t, 0, app.LLM.CallCount())
	out := app.Console.String()
	assert.Contains(t, out, `"kind":"error"`)
	assert.Contains(t, out, `"errorType":"`+models.ErrKindContextLimit+`"`)

	history := app.Conv.History("root")
	last := history[len(history)-1]
	assert.Contains(t, last.Content, "[diagnostic] "+models.ErrKindContextLimit)
}

// A message arriving while the agent waits on the LLM obsoletes the returned
// tool batch: the batch is dropped and the next round answers the newer
// message.
func TestInterruptionObsoletesPendingToolCalls(t *testing.T) {
	app := NewTestApp(t)
	release := make(chan struct{})
	blocked := make(chan struct{}, 1)
	app.LLM.Route("root",
		LLMStep{
			ToolCalls: []models.ToolCall{
				Call("c-1", "send_message", `{"to":"user","content":"stale plan"}`),
			},
			WaitCh:  release,
			OnBlock: blocked,
		},
		TextStep("Doing X instead."),
	)

	app.SendFromUser("root", "start the plan")
	<-blocked // the first call is now in flight

	app.SendFromUser("root", "stop, do X instead")
	require.Eventually(t, func() bool {
		return app.Lifecycle.InterruptPending("root")
	}, waitTimeout, pollInterval, "the bus never flagged the interruption")
	close(release)

	app.WaitDelivered(1)
	app.WaitIdle("root")

	history := app.Conv.History("root")
	require.Len(t, history, 4) // system, user, spliced user, assistant
	assert.Equal(t, models.TurnUser, history[2].Role)
	assert.Contains(t, history[2].Content, "stop, do X instead")
	for _, turn := range history {
		assert.False(t, turn.HasToolCalls())
		assert.NotEqual(t, models.TurnTool, turn.Role)
	}

	// The dropped batch never executed.
	assert.NotContains(t, app.Console.String(), "stale plan")
	assert.Equal(t, 2, app.LLM.CallCount())
}

// Terminating a subtree mid-flight cancels the descendant's in-flight LLM
// call, clears its state, and leaves the org with tombstones.
func TestCascadingTerminateMidFlight(t *testing.T) {
	app := NewTestApp(t)
	blocked := make(chan struct{}, 1)
	never := make(chan struct{})

	app.LLM.Route("root",
		ToolStep(Call("c-1", "create_role",
			`{"name":"coordinator","rolePrompt":"You run digs.","toolGroups":["org"]}`)),
		ToolStep(Call("c-2", "spawn_agent_with_task",
			`{"roleId":"coordinator","initialMessage":"hire a digger and start"}`)),
		TextStep("Dig kicked off."),
	)
	app.LLM.Route("coordinator",
		ToolStep(Call("c-3", "create_role",
			`{"name":"digger","rolePrompt":"You dig.","toolGroups":["console"]}`)),
		ToolStep(Call("c-4", "spawn_agent_with_task",
			`{"roleId":"digger","initialMessage":"dig until told otherwise"}`)),
		TextStep(""),
	)
	app.LLM.Route("digger", LLMStep{WaitCh: never, OnBlock: blocked})

	app.SendFromUser("root", "organize a dig")
	<-blocked // the digger is now stuck mid-call

	app.WaitDelivered(1) // root's own turn has concluded
	app.WaitIdle("root")
	coordinator := app.ChildOf("root", "coordinator")
	digger := app.ChildOf(coordinator.ID, "digger")

	app.LLM.Route("root",
		ToolStep(Call("c-5", "terminate_agent",
			`{"agentId":"`+coordinator.ID+`","reason":"dig cancelled"}`)),
		TextStep("Dig shut down."),
	)
	app.SendFromUser("root", "shut the dig down")

	app.WaitDelivered(2)
	app.WaitGone(digger.ID)
	app.WaitGone(coordinator.ID)
	app.WaitIdle("root")

	assert.Contains(t, app.Console.String(), "Dig shut down.")

	// Tombstones, pruned contacts, deleted conversations.
	dead, ok := app.Org.GetAgent(coordinator.ID)
	require.True(t, ok)
	require.NotNil(t, dead.TerminatedAt)
	assert.Equal(t, "root", dead.TerminatedBy)
	assert.Equal(t, "dig cancelled", dead.TerminatedReason)
	assert.Len(t, app.Org.ListAgents(false), 2) // user and root remain
	assert.False(t, app.Org.Contacts().Known("root", coordinator.ID))
	assert.Empty(t, app.Conv.History(digger.ID))

	// The blocked call was cancelled, not completed.
	assert.GreaterOrEqual(t, app.Limiter.GetStats().TotalCancelled, int64(1))
	assert.Equal(t, 1, app.LLM.CallsBy(digger.ID))
}
