// Package agent implements the LLM turn handler: one incoming message, a
// bounded tool-calling loop against the agent's conversation, messages out.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hiveworks/hived/pkg/agent/prompt"
	"github.com/hiveworks/hived/pkg/bus"
	"github.com/hiveworks/hived/pkg/config"
	"github.com/hiveworks/hived/pkg/conversation"
	"github.com/hiveworks/hived/pkg/events"
	"github.com/hiveworks/hived/pkg/llm"
	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/org"
	"github.com/hiveworks/hived/pkg/runtime"
	"github.com/hiveworks/hived/pkg/store"
	"github.com/hiveworks/hived/pkg/tools"
)

// errTurnSuperseded means an abort or stop landed between acquiring the
// limiter slot and starting the provider call. Treated like a cancellation.
var errTurnSuperseded = errors.New("turn superseded before llm call")

// toolIntentNudge is appended when the model narrates a tool action without
// calling one. One extra round gives it the chance to act or conclude.
const toolIntentNudge = `[system] Your reply describes an action but no tool was called. Call the tool now, or send your final answer to the requester with send_message.`

// Deps are the collaborators of the handler, wired once at boot.
type Deps struct {
	Org       *org.State
	Conv      *conversation.Store
	Lifecycle *runtime.Lifecycle
	Bus       *bus.MessageBus
	Limiter   *llm.Limiter
	Services  llm.ServiceResolver
	Tools     *tools.Executor
	Artifacts *store.ArtifactStore
	Shutdown  *runtime.ShutdownManager
	Prompts   *prompt.Builder
}

// Handler drives one agent turn per dispatched message. It owns the whole
// turn: conversation updates, LLM calls under the limiter, tool execution,
// and error escalation. The scheduler releases the worker slot; the handler
// finishes the turn on the status machine.
type Handler struct {
	org       *org.State
	conv      *conversation.Store
	lifecycle *runtime.Lifecycle
	msgBus    *bus.MessageBus
	limiter   *llm.Limiter
	services  llm.ServiceResolver
	tools     *tools.Executor
	artifacts *store.ArtifactStore
	shutdown  *runtime.ShutdownManager
	prompts   *prompt.Builder

	maxToolRounds int
	intent        *intentDetector
	logger        *slog.Logger
}

// NewHandler builds the turn handler from its dependencies and the LLM and
// tools configuration sections.
func NewHandler(deps Deps, llmCfg *config.LLMConfig, toolsCfg *config.ToolsConfig) *Handler {
	rounds := llmCfg.MaxToolRounds
	if rounds <= 0 {
		rounds = 1
	}
	return &Handler{
		org:           deps.Org,
		conv:          deps.Conv,
		lifecycle:     deps.Lifecycle,
		msgBus:        deps.Bus,
		limiter:       deps.Limiter,
		services:      deps.Services,
		tools:         deps.Tools,
		artifacts:     deps.Artifacts,
		shutdown:      deps.Shutdown,
		prompts:       deps.Prompts,
		maxToolRounds: rounds,
		intent:        newIntentDetector(toolsCfg.ToolIntentPatterns),
		logger:        slog.With("component", "agent.handler"),
	}
}

var _ runtime.Handler = (*Handler)(nil)

// HandleMessage runs one full turn for agentID triggered by msg. It never
// returns an error: failures either become conversation content or are
// escalated as error envelopes over the bus.
func (h *Handler) HandleMessage(ctx context.Context, agentID string, msg *models.Message) {
	logger := h.logger.With("agent_id", agentID, "message_id", msg.ID)
	defer h.lifecycle.FinishTurn(agentID)
	defer h.flush(agentID)

	// Rebuild the system prompt so role edits, task changes, and new
	// contacts are visible from this turn on.
	h.conv.SetSystemPrompt(agentID, h.prompts.SystemPrompt(agentID))

	content, images := formatIncoming(h.artifacts, msg)
	if advisory := h.contextAdvisory(agentID); advisory != "" {
		content += "\n\n" + advisory
	}
	h.conv.AppendUser(agentID, content, images)
	h.lifecycle.TouchActivity(agentID)

	// Hard gate: past the hard limit the only way forward is compression,
	// and that needs a working LLM turn the agent no longer has room for.
	if h.conv.IsContextExceeded(agentID) {
		logger.Warn("Context hard limit reached, refusing turn")
		h.escalate(agentID, msg, models.ErrKindContextLimit,
			fmt.Sprintf("context window is exhausted (%.0f%% used); the turn was not started", h.conv.UsagePercent(agentID)*100))
		return
	}

	client, svc, err := h.resolveService(agentID)
	if err != nil {
		logger.Error("No LLM service for agent", "error", err)
		h.escalate(agentID, msg, models.ErrKindLLMCallFailed, "no llm service available: "+err.Error())
		return
	}
	toolDefs := h.tools.ListTools(agentID)

	for round := 1; round <= h.maxToolRounds; round++ {
		if h.shutdown != nil && h.shutdown.IsShuttingDown() {
			logger.Info("Turn ended early for shutdown", "round", round)
			return
		}
		status, known := h.lifecycle.ComputeStatus(agentID)
		if !known || status == models.StatusTerminating {
			return
		}
		if status == models.StatusStopping || status == models.StatusStopped {
			logger.Info("Turn ended by abort", "round", round)
			return
		}
		if h.lifecycle.ConsumeInterrupt(agentID) {
			h.spliceInterruptions(agentID, logger)
		}

		resp, err := h.chat(ctx, agentID, client, svc, toolDefs)
		if err != nil {
			if isAbort(err) {
				logger.Info("LLM call aborted", "round", round, "reason", err)
				h.appendDiagnostic(agentID, fmt.Sprintf("llm call aborted: %v", err))
				return
			}
			logger.Error("LLM call failed", "round", round, "error", err)
			h.escalate(agentID, msg, models.ErrKindLLMCallFailed, err.Error())
			return
		}

		model := resp.Model
		if model == "" {
			model = svc.Model
		}
		h.conv.UpdateUsage(agentID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, model, svc.ContextWindow)
		h.conv.AppendAssistant(agentID, resp.Content, resp.ToolCalls)
		h.lifecycle.TouchActivity(agentID)

		if len(resp.ToolCalls) == 0 {
			if h.intent.Matches(resp.Content) && round < h.maxToolRounds {
				logger.Debug("Assistant text looks like an unexecuted tool action, nudging")
				h.conv.AppendUser(agentID, toolIntentNudge, nil)
				continue
			}
			h.deliverFinalText(agentID, msg, resp.Content, logger)
			return
		}

		// An interruption that landed during the call obsoletes this batch:
		// skip it, let the splice drop the dangling tool-call turn, and give
		// the next round the newer messages instead.
		if h.lifecycle.ConsumeInterrupt(agentID) && h.msgBus.Peek(agentID) != nil {
			logger.Info("Tool batch obsoleted by interruption", "round", round, "calls", len(resp.ToolCalls))
			h.spliceInterruptions(agentID, logger)
			continue
		}

		if done := h.runToolCalls(ctx, agentID, msg, resp.ToolCalls, logger); done {
			return
		}
	}

	logger.Warn("Tool round budget exhausted", "rounds", h.maxToolRounds)
	h.escalate(agentID, msg, models.ErrKindMaxToolRounds,
		fmt.Sprintf("turn gave up after %d tool rounds without concluding", h.maxToolRounds))
}

// runToolCalls executes one assistant tool batch in order. Returns true when
// the turn should end: a yield, an abort, or a vanished agent. Every call in
// the batch gets a tool result turn so the next request stays well formed;
// calls not executed get a skipped result.
func (h *Handler) runToolCalls(ctx context.Context, agentID string, msg *models.Message, calls []models.ToolCall, logger *slog.Logger) bool {
	turnCtx := tools.TurnContext{CallerID: agentID, Message: msg}
	var yielded bool
	var halted models.ComputeStatus

	for _, call := range calls {
		if yielded || halted != "" {
			reason := "turn yielded before this call"
			if halted != "" {
				reason = "agent is " + string(halted)
			}
			h.conv.AppendTool(agentID, call.ID, call.Name, skippedResult(reason))
			continue
		}

		status, known := h.lifecycle.ComputeStatus(agentID)
		if !known || status == models.StatusTerminating {
			// Conversation is gone or going; do not write to it.
			return true
		}
		if status == models.StatusStopping || status == models.StatusStopped {
			halted = status
			h.conv.AppendTool(agentID, call.ID, call.Name, skippedResult("agent is "+string(status)))
			continue
		}

		result := h.tools.Execute(ctx, turnCtx, call)
		h.conv.AppendTool(agentID, call.ID, call.Name, result.Content)
		h.lifecycle.TouchActivity(agentID)
		yielded = result.Yield
	}

	if halted != "" {
		logger.Info("Tool batch halted by abort", "status", halted)
		return true
	}
	if yielded {
		logger.Debug("Turn yielded by tool result")
		return true
	}
	return false
}

// chat performs one LLM call under the global limiter, moving the agent
// through waiting_llm for the duration.
func (h *Handler) chat(ctx context.Context, agentID string, client llm.Client, svc *config.LLMServiceConfig, toolDefs []llm.ToolDefinition) (*llm.ChatResponse, error) {
	var resp *llm.ChatResponse
	err := h.limiter.Execute(ctx, agentID, func(callCtx context.Context) error {
		if !h.lifecycle.BeginLLMCall(agentID) {
			return errTurnSuperseded
		}
		defer h.lifecycle.EndLLMCall(agentID)

		req := &llm.ChatRequest{
			Turns: h.conv.History(agentID),
			Tools: toolDefs,
		}
		if urls := h.imageURLs(req.Turns); len(urls) > 0 && svc.VisionSupported {
			req.ImageURLs = urls
		}
		r, err := client.Chat(callCtx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// spliceInterruptions drains every deliverable queued message into the
// conversation as user turns, so the next LLM call sees them mid-turn.
func (h *Handler) spliceInterruptions(agentID string, logger *slog.Logger) {
	drained := 0
	for {
		next := h.msgBus.ReceiveNext(agentID)
		if next == nil {
			break
		}
		if drained == 0 {
			// A dangling assistant tool-call turn would orphan its tool
			// results once new user turns land after it.
			if h.conv.DeleteTrailingAssistantToolCalls(agentID) {
				logger.Debug("Dropped dangling tool-call turn before splice")
			}
		}
		content, images := formatIncoming(h.artifacts, next)
		h.conv.AppendUser(agentID, content, images)
		drained++
	}
	if drained > 0 {
		logger.Info("Queued messages spliced into the running turn", "count", drained)
		h.lifecycle.TouchActivity(agentID)
	}
}

// deliverFinalText ends a turn whose last assistant reply carried no tool
// calls. Non-empty text is forwarded to the user; agents that want to reach
// anyone else must use send_message explicitly.
func (h *Handler) deliverFinalText(agentID string, msg *models.Message, text string, logger *slog.Logger) {
	if strings.TrimSpace(text) == "" {
		logger.Debug("Turn concluded with empty reply")
		return
	}
	if agentID == models.AgentUser {
		return
	}
	send := &models.Message{
		From:    agentID,
		To:      models.AgentUser,
		Content: text,
		TaskID:  msg.TaskID,
	}
	if err := h.msgBus.Send(send); err != nil {
		logger.Warn("Final text could not be delivered to the user", "error", err)
		return
	}
	logger.Debug("Final text auto-sent to the user")
}

// escalate reports a turn-level failure twice: a machine-readable envelope to
// the escalation target and a diagnostic turn on the agent's own
// conversation, so both sides can see what happened.
func (h *Handler) escalate(agentID string, msg *models.Message, kind, detail string) {
	envelope := map[string]any{
		"kind":      "error",
		"errorType": kind,
		"message":   detail,
		"agentId":   agentID,
		"timestamp": events.Timestamp(),
	}
	if msg != nil {
		envelope["originalMessageId"] = msg.ID
		if msg.TaskID != "" {
			envelope["taskId"] = msg.TaskID
		}
	}
	content, err := json.Marshal(envelope)
	if err != nil {
		content = []byte(`{"kind":"error","errorType":"` + kind + `"}`)
	}

	if target := h.escalationTarget(agentID, msg); target != "" {
		send := &models.Message{From: agentID, To: target, Content: string(content)}
		if msg != nil {
			send.TaskID = msg.TaskID
		}
		if err := h.msgBus.Send(send); err != nil {
			h.logger.Warn("Escalation could not be delivered",
				"agent_id", agentID, "target", target, "kind", kind, "error", err)
		}
	}
	h.appendDiagnostic(agentID, kind+": "+detail)
}

// escalationTarget picks who hears about a failure: the parent, else the
// sender of the triggering message, else the user.
func (h *Handler) escalationTarget(agentID string, msg *models.Message) string {
	if agent, ok := h.org.GetAgent(agentID); ok && agent.ParentID != "" {
		return agent.ParentID
	}
	if msg != nil && msg.From != "" && msg.From != agentID {
		return msg.From
	}
	return models.AgentUser
}

// appendDiagnostic records a bracketed diagnostic user turn, unless the agent
// is gone or being terminated and its conversation with it.
func (h *Handler) appendDiagnostic(agentID, text string) {
	status, known := h.lifecycle.ComputeStatus(agentID)
	if !known || status == models.StatusTerminating {
		return
	}
	h.conv.AppendUser(agentID, "[diagnostic] "+text, nil)
}

// contextAdvisory renders the pressure warning appended to incoming messages
// once usage crosses the warning threshold.
func (h *Handler) contextAdvisory(agentID string) string {
	bucket := h.conv.StatusBucket(agentID)
	if bucket != models.BucketWarning && bucket != models.BucketCritical {
		return ""
	}
	return fmt.Sprintf("[context %s: %.0f%% of the window is used. Consider compress_context before taking on more.]",
		bucket, h.conv.UsagePercent(agentID)*100)
}

func (h *Handler) resolveService(agentID string) (llm.Client, *config.LLMServiceConfig, error) {
	serviceID := ""
	if role, err := h.org.RoleOf(agentID); err == nil && role != nil {
		serviceID = role.LLMServiceID
	}
	return h.services.Resolve(serviceID)
}

// flush persists the conversation at turn end. Load-bearing for restarts;
// best effort beyond the log line.
func (h *Handler) flush(agentID string) {
	if _, known := h.lifecycle.ComputeStatus(agentID); !known {
		return
	}
	if err := h.conv.Flush(agentID); err != nil {
		h.logger.Warn("Conversation flush failed", "agent_id", agentID, "error", err)
	}
}

// isAbort classifies LLM call errors that end the turn quietly instead of
// escalating: cancellations, queued-call removal, and superseded turns.
func isAbort(err error) bool {
	return errors.Is(err, llm.ErrAborted) ||
		errors.Is(err, llm.ErrCancelled) ||
		errors.Is(err, errTurnSuperseded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func skippedResult(reason string) string {
	content, err := json.Marshal(map[string]string{
		"error":   models.ErrKindSkipped,
		"message": reason,
	})
	if err != nil {
		return `{"error":"skipped"}`
	}
	return string(content)
}
