package tools

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hiveworks/hived/pkg/bus"
	"github.com/hiveworks/hived/pkg/events"
	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/org"
	"github.com/hiveworks/hived/pkg/runtime"
)

func (e *Executor) registerOrgTools() {
	e.register("find_role_by_name", toolSpec{
		group:       models.GroupOrg,
		description: "Look up a role definition by its unique name.",
		parameters: objSchema(map[string]any{
			"name": strProp("Exact role name, case-sensitive."),
		}, "name"),
		run: runFindRoleByName,
	})
	e.register("create_role", toolSpec{
		group:       models.GroupOrg,
		description: "Define a new role: a reusable job description with a prompt and tool groups.",
		parameters: objSchema(map[string]any{
			"name":       strProp("Unique role name."),
			"rolePrompt": strProp("System prompt describing how agents in this role behave."),
			"toolGroups": arrProp("Tool groups the role grants (org, artifact, workspace, command, context, console).",
				map[string]any{"type": "string"}),
			"llmServiceId": strProp("LLM service backing the role; omit for the default."),
		}, "name", "rolePrompt"),
		run: runCreateRole,
	})
	e.register("spawn_agent", toolSpec{
		group:       models.GroupOrg,
		description: "Create a child agent in a role. The agent starts idle; send it a message to put it to work.",
		parameters: objSchema(map[string]any{
			"roleId":    strProp("Role id or role name for the new agent."),
			"taskBrief": strProp("Short description of what the agent is for."),
		}, "roleId"),
		run: runSpawnAgent,
	})
	e.register("spawn_agent_with_task", toolSpec{
		group:       models.GroupOrg,
		description: "Create a child agent and immediately queue a first message to it.",
		parameters: objSchema(map[string]any{
			"roleId":         strProp("Role id or role name for the new agent."),
			"taskBrief":      strProp("Short description of what the agent is for."),
			"initialMessage": strProp("First message delivered to the agent."),
		}, "roleId", "initialMessage"),
		run: runSpawnAgentWithTask,
	})
	e.register("send_message", toolSpec{
		group:       models.GroupOrg,
		description: "Send a message to another agent or to the user. Delivery is asynchronous.",
		parameters: objSchema(map[string]any{
			"to":      strProp("Recipient agent id, or \"user\" for the human."),
			"content": strProp("Message body."),
			"taskId":  strProp("Optional correlation id echoed back in replies and error envelopes."),
			"delayMs": intProp("Delay delivery by this many milliseconds; 0 or omitted delivers immediately."),
			"quickReplies": arrProp("Suggested replies shown to the user (max 10, user recipient only).",
				map[string]any{"type": "string"}),
			"attachments": arrProp("Artifact references to attach.",
				objSchema(map[string]any{
					"type": strProp("Attachment kind: image or file."),
					"ref":  strProp("Artifact id from put_artifact."),
					"name": strProp("Display name."),
				}, "type", "ref")),
			"yield": boolProp("End your turn after this send and wait for a reply."),
		}, "to", "content"),
		run: runSendMessage,
	})
	e.register("terminate_agent", toolSpec{
		group:       models.GroupOrg,
		description: "Terminate an agent and its whole subtree. Only the agent itself or an ancestor may do this.",
		parameters: objSchema(map[string]any{
			"agentId": strProp("Agent to terminate."),
			"reason":  strProp("Why the agent is being removed; recorded on the tombstone."),
		}, "agentId"),
		run: runTerminateAgent,
	})
}

func runFindRoleByName(e *Executor, _ context.Context, _ TurnContext, raw string) outcome {
	var args struct {
		Name string `json:"name"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	if args.Name == "" {
		return fail(models.ErrKindInvalidArgument, "name is required")
	}
	role, ok := e.org.FindRoleByName(args.Name)
	if !ok {
		return fail(models.ErrKindRoleNotFound, "no role named "+args.Name)
	}
	return succeed(roleView(role))
}

func runCreateRole(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct {
		Name         string   `json:"name"`
		RolePrompt   string   `json:"rolePrompt"`
		ToolGroups   []string `json:"toolGroups"`
		LLMServiceID string   `json:"llmServiceId"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	if args.Name == "" || args.RolePrompt == "" {
		return fail(models.ErrKindInvalidArgument, "name and rolePrompt are required")
	}

	role, err := e.org.CreateRole(args.Name, args.RolePrompt, args.ToolGroups, args.LLMServiceID, tc.CallerID)
	if err != nil {
		if errors.Is(err, org.ErrRoleExists) {
			return fail(models.ErrKindRoleExists, "role "+args.Name+" already exists")
		}
		return fail(models.ErrKindInvalidArgument, err.Error())
	}

	e.publisher.Publish(events.ChannelOrg, events.RoleCreatedPayload{
		Type:       events.TypeRoleCreated,
		RoleID:     role.ID,
		Name:       role.Name,
		ToolGroups: role.ToolGroups,
		Timestamp:  events.Timestamp(),
	})
	return succeed(roleView(role))
}

func runSpawnAgent(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct {
		RoleID    string `json:"roleId"`
		TaskBrief string `json:"taskBrief"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	if args.RoleID == "" {
		return fail(models.ErrKindInvalidArgument, "roleId is required")
	}

	agent, err := e.lifecycle.Spawn(runtime.SpawnRequest{
		ParentID:  tc.CallerID,
		RoleRef:   args.RoleID,
		TaskBrief: args.TaskBrief,
	})
	if err != nil {
		return spawnFailure(err)
	}
	return succeed(agentView(e, agent))
}

func runSpawnAgentWithTask(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct {
		RoleID         string `json:"roleId"`
		TaskBrief      string `json:"taskBrief"`
		InitialMessage string `json:"initialMessage"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	if args.RoleID == "" || args.InitialMessage == "" {
		return fail(models.ErrKindInvalidArgument, "roleId and initialMessage are required")
	}

	agent, msgID, err := e.lifecycle.SpawnWithTask(runtime.SpawnRequest{
		ParentID:  tc.CallerID,
		RoleRef:   args.RoleID,
		TaskBrief: args.TaskBrief,
	}, args.InitialMessage)
	if err != nil {
		return spawnFailure(err)
	}
	view := agentView(e, agent)
	view["messageId"] = msgID
	return succeed(view)
}

func runSendMessage(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct {
		To           string              `json:"to"`
		Content      string              `json:"content"`
		TaskID       string              `json:"taskId"`
		DelayMs      any                 `json:"delayMs"`
		QuickReplies []string            `json:"quickReplies"`
		Attachments  []models.Attachment `json:"attachments"`
		Yield        bool                `json:"yield"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	if strings.TrimSpace(args.To) == "" {
		return fail(models.ErrKindInvalidArgument, "to is required")
	}

	msg := &models.Message{
		From:         tc.CallerID,
		To:           args.To,
		Content:      args.Content,
		TaskID:       args.TaskID,
		QuickReplies: args.QuickReplies,
		Attachments:  args.Attachments,
	}
	if delay := coerceDelayMs(args.DelayMs); delay > 0 {
		at := time.Now().Add(time.Duration(delay) * time.Millisecond)
		msg.DeliverAt = &at
	}

	if err := e.msgBus.Send(msg); err != nil {
		if rej, ok := bus.AsRejection(err); ok {
			return fail(rej.Reason, err.Error())
		}
		return fail(models.ErrKindToolExecution, err.Error())
	}

	result := map[string]any{"messageId": msg.ID, "to": msg.To}
	if msg.DeliverAt != nil {
		result["deliverAt"] = msg.DeliverAt.Format(time.RFC3339)
	}
	// The contact book never blocks a send; it only annotates ones the
	// caller could not have known about.
	if args.To != tc.CallerID && args.To != models.AgentUser &&
		!e.org.Contacts().Known(tc.CallerID, args.To) {
		result["contactUnknown"] = true
	}
	return outcome{value: result, yield: args.Yield}
}

func runTerminateAgent(e *Executor, _ context.Context, tc TurnContext, raw string) outcome {
	var args struct {
		AgentID string `json:"agentId"`
		Reason  string `json:"reason"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return argParseFailure(err)
	}
	if args.AgentID == "" {
		return fail(models.ErrKindInvalidArgument, "agentId is required")
	}

	result, err := e.lifecycle.Terminate(tc.CallerID, args.AgentID, args.Reason)
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrTerminationDenied):
			return fail(models.ErrKindTerminationDenied, err.Error())
		case errors.Is(err, org.ErrAgentNotFound):
			return fail(models.ErrKindAgentNotFound, err.Error())
		default:
			return fail(models.ErrKindToolExecution, err.Error())
		}
	}
	return succeed(map[string]any{"terminated": result.Terminated})
}

func spawnFailure(err error) outcome {
	if errors.Is(err, org.ErrRoleNotFound) {
		return fail(models.ErrKindRoleNotFound, err.Error())
	}
	return fail(models.ErrKindInvalidArgument, err.Error())
}

func roleView(role *models.Role) map[string]any {
	v := map[string]any{
		"roleId":     role.ID,
		"name":       role.Name,
		"toolGroups": role.ToolGroups,
	}
	if role.LLMServiceID != "" {
		v["llmServiceId"] = role.LLMServiceID
	}
	return v
}

func agentView(e *Executor, agent *models.Agent) map[string]any {
	v := map[string]any{
		"agentId": agent.ID,
		"roleId":  agent.RoleID,
	}
	if role, ok := e.org.GetRole(agent.RoleID); ok {
		v["roleName"] = role.Name
	}
	if agent.TaskBrief != "" {
		v["taskBrief"] = agent.TaskBrief
	}
	return v
}

// coerceDelayMs tolerates whatever the model put in delayMs: anything that is
// not a non-negative number counts as zero.
func coerceDelayMs(v any) int64 {
	f, ok := v.(float64)
	if !ok || f < 0 {
		return 0
	}
	return int64(f)
}
