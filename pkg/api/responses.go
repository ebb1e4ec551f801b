package api

import (
	"time"

	"github.com/hiveworks/hived/pkg/bus"
	"github.com/hiveworks/hived/pkg/conversation"
	"github.com/hiveworks/hived/pkg/llm"
	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/runtime"
)

// HealthResponse is returned by GET /healthz.
type HealthResponse struct {
	Status  string `json:"status"`
	App     string `json:"app"`
	Version string `json:"version"`
}

// StatsResponse aggregates runtime counters for GET /api/v1/stats.
type StatsResponse struct {
	Scheduler runtime.SchedulerStats       `json:"scheduler"`
	Bus       bus.Stats                    `json:"bus"`
	Limiter   llm.Stats                    `json:"limiter"`
	Agents    map[models.ComputeStatus]int `json:"agentsByStatus"`
	UserInbox UserInboxStats               `json:"userInbox"`
	Events    EventStats                   `json:"events"`
	Shutdown  bool                         `json:"shuttingDown"`
}

// UserInboxStats covers the user gateway.
type UserInboxStats struct {
	Delivered int64 `json:"delivered"`
}

// EventStats covers the WebSocket fan-out.
type EventStats struct {
	Connections int `json:"connections"`
}

// MessageAccepted is returned by POST /api/v1/messages.
type MessageAccepted struct {
	MessageID string     `json:"messageId"`
	To        string     `json:"to"`
	DeliverAt *time.Time `json:"deliverAt,omitempty"`
}

// AgentView is the API shape of one agent.
type AgentView struct {
	ID               string     `json:"id"`
	RoleName         string     `json:"roleName,omitempty"`
	ParentID         string     `json:"parentId,omitempty"`
	TaskBrief        string     `json:"taskBrief,omitempty"`
	Status           string     `json:"status"`
	QueueDepth       int        `json:"queueDepth"`
	CreatedAt        time.Time  `json:"createdAt"`
	TerminatedAt     *time.Time `json:"terminatedAt,omitempty"`
	TerminatedBy     string     `json:"terminatedBy,omitempty"`
	TerminatedReason string     `json:"terminatedReason,omitempty"`
}

// AgentDetail extends AgentView for GET /api/v1/agents/:id.
type AgentDetail struct {
	AgentView
	Contacts []models.Contact  `json:"contacts"`
	Usage    models.TokenUsage `json:"usage"`
}

// ConversationResponse is returned by GET /api/v1/agents/:id/conversation.
type ConversationResponse struct {
	AgentID string                     `json:"agentId"`
	Turns   []models.Turn              `json:"turns"`
	Context conversation.ContextStatus `json:"context"`
}

// AbortResponse is returned by POST /api/v1/agents/:id/abort.
type AbortResponse struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"`
	Cascade bool   `json:"cascade"`
}

// RoleView is the API shape of one role.
type RoleView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Prompt       string    `json:"prompt"`
	ToolGroups   []string  `json:"toolGroups"`
	LLMServiceID string    `json:"llmServiceId,omitempty"`
	CreatedBy    string    `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ArtifactUploaded is returned by POST /api/v1/artifacts.
type ArtifactUploaded struct {
	Ref    string `json:"ref"`
	Name   string `json:"name,omitempty"`
	Mime   string `json:"mime"`
	Size   int64  `json:"size"`
	Binary bool   `json:"binary"`
}
