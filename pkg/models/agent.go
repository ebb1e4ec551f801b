package models

import "time"

// Reserved agent IDs. AgentUser is the human principal: it is never scheduled,
// and messages addressed to it surface through the user gateway. AgentRoot is
// the first LLM agent; it always holds the org tool group.
const (
	AgentUser = "user"
	AgentRoot = "root"
)

// Agent is an org member. Terminated agents stay in org.json as tombstones
// recording who killed them and why.
type Agent struct {
	ID               string     `json:"id"`
	RoleID           string     `json:"roleId"`
	ParentID         string     `json:"parentId,omitempty"`
	TaskBrief        string     `json:"taskBrief,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	TerminatedAt     *time.Time `json:"terminatedAt,omitempty"`
	TerminatedBy     string     `json:"terminatedBy,omitempty"`
	TerminatedReason string     `json:"terminatedReason,omitempty"`
}

// Live reports whether the agent has not been terminated.
func (a *Agent) Live() bool { return a.TerminatedAt == nil }

// ContactSource records how a contact entry came to exist.
type ContactSource string

const (
	ContactPreset     ContactSource = "preset"
	ContactParent     ContactSource = "parent"
	ContactChild      ContactSource = "spawned_child"
	ContactIntroduced ContactSource = "introduced"
)

// Contact is an advisory address-book entry. An unknown recipient never blocks
// a send; contacts exist so prompts can list who an agent already knows.
type Contact struct {
	ID      string        `json:"id"`
	Source  ContactSource `json:"source"`
	AddedAt time.Time     `json:"addedAt"`
}

// ComputeStatus is the scheduler-visible state of an agent.
type ComputeStatus string

const (
	StatusIdle        ComputeStatus = "idle"
	StatusWaitingLLM  ComputeStatus = "waiting_llm"
	StatusProcessing  ComputeStatus = "processing"
	StatusStopping    ComputeStatus = "stopping"
	StatusStopped     ComputeStatus = "stopped"
	StatusTerminating ComputeStatus = "terminating"
)

// Active reports whether the agent is inside a turn (LLM call or tool work).
func (s ComputeStatus) Active() bool {
	return s == StatusWaitingLLM || s == StatusProcessing
}

// Routable reports whether the bus may accept messages for an agent in this
// state. Stopping, stopped and terminating agents reject sends.
func (s ComputeStatus) Routable() bool {
	return s == StatusIdle || s == StatusWaitingLLM || s == StatusProcessing
}
