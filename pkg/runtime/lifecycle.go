// Package runtime owns agent execution: the compute-status table, agent
// lifecycle (spawn, terminate, abort), the scheduler loop, cooperative
// shutdown, and the gateway that surfaces messages addressed to the user.
package runtime

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hiveworks/hived/pkg/bus"
	"github.com/hiveworks/hived/pkg/conversation"
	"github.com/hiveworks/hived/pkg/events"
	"github.com/hiveworks/hived/pkg/llm"
	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/org"
	"github.com/hiveworks/hived/pkg/store"
)

var (
	// ErrTerminationDenied is returned for terminations of reserved agents or
	// by requesters outside the target's ancestor chain.
	ErrTerminationDenied = errors.New("termination denied")

	// ErrNotAbortable is returned when an abort does not apply to the agent's
	// current status (for example a plain abort of an idle agent).
	ErrNotAbortable = errors.New("agent not abortable in current status")

	// ErrUnknownAgent is returned for lifecycle operations on ids that are not
	// in the live table.
	ErrUnknownAgent = errors.New("agent not registered")
)

// PromptFunc composes the system prompt for an agent at spawn time. The
// concrete builder lives in pkg/agent/prompt; the function seam keeps the
// runtime free of prompt composition.
type PromptFunc func(agentID string) string

// agentEntry is the runtime-side state of one live agent. Persistent facts
// (role, parent, task brief) stay in the org registry; this table only holds
// what scheduling needs.
type agentEntry struct {
	status       models.ComputeStatus
	lastActivity time.Time
	idleWarned   bool
	interrupted  bool
	handlerBusy  bool
}

// Lifecycle is the agent table plus the operations that move agents through
// it. It answers the bus's routability checks, so it must be constructed
// before the bus and attached to it right after.
type Lifecycle struct {
	mu     sync.Mutex
	agents map[string]*agentEntry

	org        *org.State
	conv       *conversation.Store
	limiter    *llm.Limiter
	workspaces *store.WorkspaceStore
	publisher  events.Publisher
	msgBus     *bus.MessageBus
	prompt     PromptFunc
	idleAfter  time.Duration
	logger     *slog.Logger
}

// NewLifecycle builds the lifecycle around the org registry and stores. The
// bus and prompt function are attached after construction; see AttachBus and
// SetPromptFunc.
func NewLifecycle(orgState *org.State, conv *conversation.Store, limiter *llm.Limiter,
	workspaces *store.WorkspaceStore, publisher events.Publisher, idleAfter time.Duration) *Lifecycle {
	return &Lifecycle{
		agents:     make(map[string]*agentEntry),
		org:        orgState,
		conv:       conv,
		limiter:    limiter,
		workspaces: workspaces,
		publisher:  publisher,
		idleAfter:  idleAfter,
		logger:     slog.With("component", "runtime.lifecycle"),
	}
}

// AttachBus wires the message bus in. The bus is constructed with the
// lifecycle as its status source, so this back-reference arrives second.
func (l *Lifecycle) AttachBus(b *bus.MessageBus) { l.msgBus = b }

// SetPromptFunc wires the system prompt composer used at spawn time.
func (l *Lifecycle) SetPromptFunc(fn PromptFunc) { l.prompt = fn }

// RegisterExisting enters every live agent from the org registry into the
// table as idle. Called once at boot, after org load and bootstrap.
func (l *Lifecycle) RegisterExisting() int {
	agents := l.org.ListAgents(false)
	l.mu.Lock()
	defer l.mu.Unlock()
	registered := 0
	for _, a := range agents {
		if _, ok := l.agents[a.ID]; ok {
			continue
		}
		l.agents[a.ID] = &agentEntry{status: models.StatusIdle, lastActivity: time.Now()}
		registered++
	}
	return registered
}

// register adds a fresh idle entry for a newly spawned agent.
func (l *Lifecycle) register(agentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.agents[agentID] = &agentEntry{status: models.StatusIdle, lastActivity: time.Now()}
}

// SpawnRequest describes one spawn. RoleRef accepts a role id or its unique
// name. AgentID is optional; when empty an id is generated from the role name.
type SpawnRequest struct {
	ParentID  string
	RoleRef   string
	AgentID   string
	TaskBrief string
}

// Spawn creates an agent under a live parent: org registration, mutual
// parent/child contacts, a conversation seeded with the composed system
// prompt, and a workspace directory when the parent is root. The new agent
// starts idle with an empty queue.
func (l *Lifecycle) Spawn(req SpawnRequest) (*models.Agent, error) {
	role, ok := l.org.GetRole(req.RoleRef)
	if !ok {
		role, ok = l.org.FindRoleByName(req.RoleRef)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", org.ErrRoleNotFound, req.RoleRef)
	}

	id := req.AgentID
	if id == "" {
		id = l.generateAgentID(role.Name)
	}

	agent, err := l.org.CreateAgent(id, role.ID, req.ParentID, req.TaskBrief)
	if err != nil {
		return nil, err
	}
	l.org.Contacts().LinkParentChild(req.ParentID, id)
	l.register(id)

	// Agents spawned directly by root anchor a new workspace subtree; deeper
	// descendants resolve to their subtree owner's directory at tool time.
	if req.ParentID == models.AgentRoot {
		if err := l.workspaces.Ensure(id); err != nil {
			l.logger.Warn("Workspace creation failed", "agent_id", id, "error", err)
		}
	}

	systemPrompt := ""
	if l.prompt != nil {
		systemPrompt = l.prompt(id)
	}
	l.conv.EnsureConversation(id, systemPrompt)

	l.publisher.Publish(events.ChannelOrg, events.AgentSpawnedPayload{
		Type:      events.TypeAgentSpawned,
		AgentID:   id,
		RoleName:  role.Name,
		ParentID:  req.ParentID,
		TaskBrief: req.TaskBrief,
		Timestamp: events.Timestamp(),
	})
	l.logger.Info("Agent spawned",
		"agent_id", id, "role", role.Name, "parent_id", req.ParentID)
	return agent, nil
}

// SpawnWithTask spawns and immediately sends the first message from the
// parent, so the child is dispatched on the next scheduler pass. Returns the
// new agent and the id of the queued message.
func (l *Lifecycle) SpawnWithTask(req SpawnRequest, firstMessage string) (*models.Agent, string, error) {
	agent, err := l.Spawn(req)
	if err != nil {
		return nil, "", err
	}
	msg := &models.Message{From: req.ParentID, To: agent.ID, Content: firstMessage}
	if err := l.msgBus.Send(msg); err != nil {
		return agent, "", fmt.Errorf("initial message to %s: %w", agent.ID, err)
	}
	return agent, msg.ID, nil
}

// generateAgentID derives "<role>-<short id>" and retries on the (unlikely)
// collision with an existing agent.
func (l *Lifecycle) generateAgentID(roleName string) string {
	base := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(roleName), " ", "-"))
	if base == "" {
		base = "agent"
	}
	for {
		id := base + "-" + uuid.NewString()[:8]
		if _, exists := l.org.GetAgent(id); !exists {
			return id
		}
	}
}

// TerminateResult reports the kill list in execution order.
type TerminateResult struct {
	Terminated []string `json:"terminated"`
}

// Terminate removes the target and its whole live subtree. The requester must
// be the target itself or one of its ancestors; user and root are never
// terminable. Victims go down depth-first, children before parents, each one:
// status terminating, LLM call cancelled, queue cleared, contacts pruned,
// conversation deleted, tombstone recorded.
func (l *Lifecycle) Terminate(requesterID, targetID, reason string) (*TerminateResult, error) {
	if targetID == models.AgentUser || targetID == models.AgentRoot {
		return nil, fmt.Errorf("%w: %s is reserved", ErrTerminationDenied, targetID)
	}
	target, ok := l.org.GetAgent(targetID)
	if !ok || !target.Live() {
		return nil, fmt.Errorf("%w: %q", org.ErrAgentNotFound, targetID)
	}
	if requesterID != targetID && !l.org.IsAncestor(requesterID, targetID) {
		return nil, fmt.Errorf("%w: %s is not an ancestor of %s", ErrTerminationDenied, requesterID, targetID)
	}

	victims := l.org.Descendants(targetID)
	cascade := len(victims) > 0
	result := &TerminateResult{Terminated: make([]string, 0, len(victims)+1)}
	for _, v := range victims {
		l.terminateOne(v.ID, requesterID, reason, cascade)
		result.Terminated = append(result.Terminated, v.ID)
	}
	l.terminateOne(targetID, requesterID, reason, cascade)
	result.Terminated = append(result.Terminated, targetID)

	l.logger.Info("Terminated agent subtree",
		"target_id", targetID, "requester_id", requesterID, "count", len(result.Terminated))
	return result, nil
}

func (l *Lifecycle) terminateOne(agentID, requesterID, reason string, cascade bool) {
	l.setStatus(agentID, models.StatusTerminating)
	l.limiter.Cancel(agentID)
	l.msgBus.ClearQueue(agentID)
	if err := l.org.RecordTermination(agentID, requesterID, reason, time.Now()); err != nil {
		l.logger.Warn("Termination tombstone failed", "agent_id", agentID, "error", err)
	}
	if err := l.conv.Delete(agentID); err != nil {
		l.logger.Warn("Conversation delete failed", "agent_id", agentID, "error", err)
	}

	l.mu.Lock()
	delete(l.agents, agentID)
	l.mu.Unlock()

	l.publisher.Publish(events.ChannelOrg, events.AgentTerminatedPayload{
		Type:      events.TypeAgentTerminated,
		AgentID:   agentID,
		By:        requesterID,
		Cascade:   cascade,
		Timestamp: events.Timestamp(),
	})
}

// Abort stops the agent's current work without removing it from the org.
// Plain aborts apply only to agents inside a turn; cascade aborts also stop
// idle agents and every live descendant (children first). Stopped agents stay
// in the table and keep rejecting messages. Aborting an already stopped or
// terminating agent is a no-op that returns the current status.
func (l *Lifecycle) Abort(agentID string, cascade bool) (models.ComputeStatus, error) {
	if agentID == models.AgentUser {
		return models.StatusIdle, fmt.Errorf("%w: user is never scheduled", ErrNotAbortable)
	}
	l.mu.Lock()
	entry, ok := l.agents[agentID]
	if !ok {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, agentID)
	}
	current := entry.status
	l.mu.Unlock()

	switch current {
	case models.StatusStopped, models.StatusStopping, models.StatusTerminating:
		return current, nil
	case models.StatusIdle:
		if !cascade {
			return current, fmt.Errorf("%w: %s is idle", ErrNotAbortable, agentID)
		}
	}

	if cascade {
		for _, d := range l.org.Descendants(agentID) {
			l.abortOne(d.ID)
		}
	}
	final := l.abortOne(agentID)
	l.logger.Info("Agent aborted", "agent_id", agentID, "cascade", cascade, "status", final)
	return final, nil
}

// abortOne runs the stop sequence for a single agent: stopping, cancel the
// in-flight or queued LLM call, drop queued messages, stopped.
func (l *Lifecycle) abortOne(agentID string) models.ComputeStatus {
	l.mu.Lock()
	entry, ok := l.agents[agentID]
	if !ok {
		l.mu.Unlock()
		return ""
	}
	switch entry.status {
	case models.StatusStopped, models.StatusStopping, models.StatusTerminating:
		current := entry.status
		l.mu.Unlock()
		return current
	}
	entry.status = models.StatusStopping
	l.mu.Unlock()
	l.publishStatus(agentID, models.StatusStopping)

	l.limiter.Cancel(agentID)
	l.msgBus.ClearQueue(agentID)

	l.setStatus(agentID, models.StatusStopped)
	return models.StatusStopped
}
