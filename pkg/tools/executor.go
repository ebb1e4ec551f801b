// Package tools implements the tool surface agents call mid-turn: org
// management, artifacts, workspace files, command and javascript execution,
// context maintenance, and console output. Calls are gated by the caller's
// role tool groups; execution failures become result content, never Go
// errors, so the model always sees something it can react to.
package tools

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

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
)

// TurnContext identifies the caller of a tool and the message whose handling
// triggered the call. Message is nil for out-of-band invocations.
type TurnContext struct {
	CallerID string
	Message  *models.Message
}

// ToolResult is the serialized outcome of one tool call, ready to append as
// a tool turn. Yield tells the handler to end the turn after this result.
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	IsError bool
	Yield   bool
}

// outcome is what a tool run produces before serialization.
type outcome struct {
	value   any
	isError bool
	yield   bool
}

func succeed(v any) outcome { return outcome{value: v} }

func fail(kind, message string) outcome {
	return outcome{value: map[string]any{"error": kind, "message": message}, isError: true}
}

// failWith attaches extra fields (partial output, current status) to a failure.
func failWith(kind, message string, extra map[string]any) outcome {
	v := map[string]any{"error": kind, "message": message}
	for k, val := range extra {
		v[k] = val
	}
	return outcome{value: v, isError: true}
}

// toolSpec couples a tool's schema with its implementation.
type toolSpec struct {
	group       string
	description string
	parameters  map[string]any
	run         func(e *Executor, ctx context.Context, tc TurnContext, raw string) outcome
}

// Executor dispatches tool calls against the runtime services. One instance
// serves all agents; per-call state travels in the TurnContext.
type Executor struct {
	org        *org.State
	lifecycle  *runtime.Lifecycle
	msgBus     *bus.MessageBus
	conv       *conversation.Store
	artifacts  *store.ArtifactStore
	workspaces *store.WorkspaceStore
	masker     *masking.Service
	publisher  events.Publisher
	console    io.Writer
	cfg        *config.ToolsConfig
	keepRecent int
	logger     *slog.Logger

	registry map[string]toolSpec
	order    []string
}

// Deps bundles the services the executor needs. All fields are required
// except Console, which defaults to io.Discard.
type Deps struct {
	Org        *org.State
	Lifecycle  *runtime.Lifecycle
	Bus        *bus.MessageBus
	Conv       *conversation.Store
	Artifacts  *store.ArtifactStore
	Workspaces *store.WorkspaceStore
	Masker     *masking.Service
	Publisher  events.Publisher
	Console    io.Writer
}

// NewExecutor builds the executor and registers the builtin tool set.
func NewExecutor(deps Deps, toolsCfg *config.ToolsConfig, contextCfg *config.ContextConfig) *Executor {
	console := deps.Console
	if console == nil {
		console = io.Discard
	}
	e := &Executor{
		org:        deps.Org,
		lifecycle:  deps.Lifecycle,
		msgBus:     deps.Bus,
		conv:       deps.Conv,
		artifacts:  deps.Artifacts,
		workspaces: deps.Workspaces,
		masker:     deps.Masker,
		publisher:  deps.Publisher,
		console:    console,
		cfg:        toolsCfg,
		keepRecent: contextCfg.CompressKeepRecent,
		logger:     slog.Default().With("component", "tools"),
		registry:   make(map[string]toolSpec),
	}
	e.registerAll()
	return e
}

// register adds one tool, preserving registration order for listings.
func (e *Executor) register(name string, spec toolSpec) {
	e.registry[name] = spec
	e.order = append(e.order, name)
}

func (e *Executor) registerAll() {
	e.registerOrgTools()
	e.registerArtifactTools()
	e.registerWorkspaceTools()
	e.registerCommandTools()
	e.registerContextTools()
	e.registerConsoleTools()
}

// groupsFor resolves the caller's allowed tool groups. Root is pinned to the
// org group regardless of its role; agents without a role get nothing.
func (e *Executor) groupsFor(callerID string) []string {
	if callerID == models.AgentRoot {
		return []string{models.GroupOrg}
	}
	role, err := e.org.RoleOf(callerID)
	if err != nil || role == nil {
		return nil
	}
	return role.ToolGroups
}

func (e *Executor) allowed(callerID, group string) bool {
	for _, g := range e.groupsFor(callerID) {
		if g == group {
			return true
		}
	}
	return false
}

// ListTools returns the OpenAI-shaped definitions of every tool the caller's
// role grants, in stable registration order.
func (e *Executor) ListTools(callerID string) []llm.ToolDefinition {
	groups := e.groupsFor(callerID)
	allowed := make(map[string]bool, len(groups))
	for _, g := range groups {
		allowed[g] = true
	}

	var defs []llm.ToolDefinition
	for _, name := range e.order {
		spec := e.registry[name]
		if !allowed[spec.group] {
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        name,
			Description: spec.description,
			Parameters:  spec.parameters,
		})
	}
	return defs
}

// GroupsFor exposes the effective tool groups for prompt rendering.
func (e *Executor) GroupsFor(callerID string) []string {
	return e.groupsFor(callerID)
}

// Execute runs one tool call end to end:
//  1. Resolve the tool and gate it on the caller's role groups.
//  2. Publish the call event.
//  3. Run. Argument and execution failures surface as error content.
//  4. Serialize and mask the result.
//  5. Publish the result event.
func (e *Executor) Execute(ctx context.Context, tc TurnContext, call models.ToolCall) ToolResult {
	spec, known := e.registry[call.Name]

	var out outcome
	switch {
	case !known:
		out = fail(models.ErrKindUnknownTool, "no tool named "+call.Name)
	case !e.allowed(tc.CallerID, spec.group):
		out = fail(models.ErrKindToolNotAvailable,
			"tool "+call.Name+" requires the "+spec.group+" group, which your role does not grant")
	default:
		e.publisher.Publish(events.AgentChannel(tc.CallerID), events.ToolCallPayload{
			Type:      events.TypeToolCall,
			AgentID:   tc.CallerID,
			CallID:    call.ID,
			Tool:      call.Name,
			Timestamp: events.Timestamp(),
		})
		out = spec.run(e, ctx, tc, call.Arguments)
	}

	content := e.encode(out.value)
	content = e.masker.MaskToolResult(content)

	e.publisher.Publish(events.AgentChannel(tc.CallerID), events.ToolResultPayload{
		Type:      events.TypeToolResult,
		AgentID:   tc.CallerID,
		CallID:    call.ID,
		Tool:      call.Name,
		IsError:   out.isError,
		Preview:   events.Preview(content),
		Timestamp: events.Timestamp(),
	})
	if out.isError {
		e.logger.Warn("Tool call failed",
			"agent_id", tc.CallerID, "tool", call.Name, "result", events.Preview(content))
	} else {
		e.logger.Debug("Tool call completed", "agent_id", tc.CallerID, "tool", call.Name)
	}

	return ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: content,
		IsError: out.isError,
		Yield:   out.yield,
	}
}

// encode serializes a tool outcome value to JSON content. Serialization
// failures never escape: the fallback is an error object.
func (e *Executor) encode(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("Tool result serialization failed", "error", err)
		return `{"error":"` + models.ErrKindToolExecution + `","message":"result serialization failed"}`
	}
	return string(raw)
}

// parseArgs decodes the JSON argument payload. Empty arguments mean "{}".
func parseArgs(raw string, dst any) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = "{}"
	}
	return json.Unmarshal([]byte(trimmed), dst)
}

// argParseFailure reports malformed arguments in the fixed wire shape.
func argParseFailure(err error) outcome {
	return fail(models.ErrKindArgParse, "tool arguments are not valid JSON: "+err.Error())
}
