package runtime

import (
	"time"

	"github.com/hiveworks/hived/pkg/bus"
	"github.com/hiveworks/hived/pkg/events"
	"github.com/hiveworks/hived/pkg/models"
)

// ComputeStatus reports the agent's current status and whether the agent is
// known to the runtime. Satisfies bus.StatusSource: unknown ids make the bus
// reject sends as unknown_recipient.
func (l *Lifecycle) ComputeStatus(agentID string) (models.ComputeStatus, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.agents[agentID]
	if !ok {
		return "", false
	}
	return entry.status, true
}

// setStatus force-writes a status and publishes the change. Lifecycle
// operations use it; the guarded transitions below are for the turn path.
func (l *Lifecycle) setStatus(agentID string, status models.ComputeStatus) {
	l.mu.Lock()
	entry, ok := l.agents[agentID]
	if ok {
		entry.status = status
	}
	l.mu.Unlock()
	if ok {
		l.publishStatus(agentID, status)
	}
}

func (l *Lifecycle) publishStatus(agentID string, status models.ComputeStatus) {
	l.publisher.Publish(events.AgentChannel(agentID), events.AgentStatusPayload{
		Type:      events.TypeAgentStatus,
		AgentID:   agentID,
		Status:    string(status),
		Timestamp: events.Timestamp(),
	})
}

// MarkDispatched moves an idle agent into processing and claims its handler
// slot. Returns false when the agent is gone, not idle, or already claimed;
// the scheduler skips it this pass. The interrupt flag resets here: a fresh
// turn starts with a clean slate and drains the queue itself.
func (l *Lifecycle) MarkDispatched(agentID string) bool {
	l.mu.Lock()
	entry, ok := l.agents[agentID]
	if !ok || entry.status != models.StatusIdle || entry.handlerBusy {
		l.mu.Unlock()
		return false
	}
	entry.status = models.StatusProcessing
	entry.handlerBusy = true
	entry.interrupted = false
	entry.idleWarned = false
	entry.lastActivity = time.Now()
	l.mu.Unlock()
	l.publishStatus(agentID, models.StatusProcessing)
	return true
}

// CancelDispatch rolls back MarkDispatched when the claimed queue turned out
// empty (a concurrent abort can clear it between the depth check and the pop).
func (l *Lifecycle) CancelDispatch(agentID string) {
	l.mu.Lock()
	entry, ok := l.agents[agentID]
	if ok && entry.status == models.StatusProcessing {
		entry.status = models.StatusIdle
		entry.handlerBusy = false
	}
	l.mu.Unlock()
	if ok {
		l.publishStatus(agentID, models.StatusIdle)
	}
}

// ReleaseHandler frees the agent's handler slot once its goroutine returns.
func (l *Lifecycle) ReleaseHandler(agentID string) {
	l.mu.Lock()
	if entry, ok := l.agents[agentID]; ok {
		entry.handlerBusy = false
	}
	l.mu.Unlock()
}

// BeginLLMCall marks the agent as waiting on the provider. Returns false when
// the agent was stopped or is terminating; the handler ends the turn quietly.
func (l *Lifecycle) BeginLLMCall(agentID string) bool {
	l.mu.Lock()
	entry, ok := l.agents[agentID]
	if !ok || entry.status != models.StatusProcessing {
		l.mu.Unlock()
		return false
	}
	entry.status = models.StatusWaitingLLM
	l.mu.Unlock()
	l.publishStatus(agentID, models.StatusWaitingLLM)
	return true
}

// EndLLMCall returns the agent to processing after the provider replies. An
// abort that landed mid-call wins: stopping and stopped stay as they are.
func (l *Lifecycle) EndLLMCall(agentID string) {
	l.mu.Lock()
	entry, ok := l.agents[agentID]
	changed := ok && entry.status == models.StatusWaitingLLM
	if changed {
		entry.status = models.StatusProcessing
	}
	l.mu.Unlock()
	if changed {
		l.publishStatus(agentID, models.StatusProcessing)
	}
}

// FinishTurn returns the agent to idle at turn end and bumps its activity
// clock. Stop and terminate outcomes are preserved.
func (l *Lifecycle) FinishTurn(agentID string) {
	l.mu.Lock()
	entry, ok := l.agents[agentID]
	changed := ok && entry.status.Active()
	if ok {
		entry.lastActivity = time.Now()
		entry.idleWarned = false
	}
	if changed {
		entry.status = models.StatusIdle
	}
	l.mu.Unlock()
	if changed {
		l.publishStatus(agentID, models.StatusIdle)
	}
}

// MarkInterrupted raises the agent's interrupt flag. Wired to the bus's
// interruption callback; the active handler consumes the flag at its next
// loop top and drains the queue into the turn.
func (l *Lifecycle) MarkInterrupted(agentID string) {
	l.mu.Lock()
	if entry, ok := l.agents[agentID]; ok {
		entry.interrupted = true
	}
	l.mu.Unlock()
}

// ConsumeInterrupt reads and clears the interrupt flag atomically.
func (l *Lifecycle) ConsumeInterrupt(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.agents[agentID]
	if !ok || !entry.interrupted {
		return false
	}
	entry.interrupted = false
	return true
}

// InterruptPending reports the interrupt flag without clearing it.
func (l *Lifecycle) InterruptPending(agentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.agents[agentID]
	return ok && entry.interrupted
}

// TouchActivity bumps the agent's activity clock (tool execution, message
// formatting) so long turns do not trip the idle warning.
func (l *Lifecycle) TouchActivity(agentID string) {
	l.mu.Lock()
	if entry, ok := l.agents[agentID]; ok {
		entry.lastActivity = time.Now()
		entry.idleWarned = false
	}
	l.mu.Unlock()
}

// CheckIdleAgents emits a one-shot warning for every agent that has sat idle
// with an empty queue past the configured threshold. The flag rearms when the
// agent next becomes active. The user principal never warns.
func (l *Lifecycle) CheckIdleAgents(now time.Time) int {
	if l.idleAfter <= 0 {
		return 0
	}

	type idleHit struct {
		agentID string
		idleFor time.Duration
	}
	var hits []idleHit

	l.mu.Lock()
	for id, entry := range l.agents {
		if id == models.AgentUser || entry.status != models.StatusIdle || entry.idleWarned {
			continue
		}
		idleFor := now.Sub(entry.lastActivity)
		if idleFor < l.idleAfter {
			continue
		}
		if l.msgBus.QueueDepth(id) > 0 {
			continue
		}
		entry.idleWarned = true
		hits = append(hits, idleHit{agentID: id, idleFor: idleFor})
	}
	l.mu.Unlock()

	for _, hit := range hits {
		l.logger.Warn("Agent idle past threshold",
			"agent_id", hit.agentID, "idle_ms", hit.idleFor.Milliseconds())
		l.publisher.Publish(events.AgentChannel(hit.agentID), events.IdleWarningPayload{
			Type:      events.TypeIdleWarning,
			AgentID:   hit.agentID,
			IdleMs:    hit.idleFor.Milliseconds(),
			Timestamp: events.Timestamp(),
		})
	}
	return len(hits)
}

// HandlersBusy counts agents with a claimed handler slot.
func (l *Lifecycle) HandlersBusy() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	busy := 0
	for _, entry := range l.agents {
		if entry.handlerBusy {
			busy++
		}
	}
	return busy
}

// CountByStatus snapshots the status distribution for the stats endpoint.
func (l *Lifecycle) CountByStatus() map[models.ComputeStatus]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[models.ComputeStatus]int, 4)
	for _, entry := range l.agents {
		out[entry.status]++
	}
	return out
}

var _ bus.StatusSource = (*Lifecycle)(nil)
