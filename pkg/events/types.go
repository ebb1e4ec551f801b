// Package events is the in-memory pub/sub hub feeding WebSocket clients and
// in-process subscribers.
package events

import "time"

// Well-known channels. Per-agent channels come from AgentChannel.
const (
	// ChannelOrg carries organization lifecycle: roles, spawns, terminations.
	ChannelOrg = "org"

	// ChannelConsole carries user-facing output from agents.
	ChannelConsole = "console"
)

// AgentChannel returns the per-agent channel name.
func AgentChannel(agentID string) string {
	return "agent:" + agentID
}

// Event type discriminators carried in every payload's "type" field.
const (
	TypeAgentSpawned      = "agent.spawned"
	TypeAgentTerminated   = "agent.terminated"
	TypeAgentStatus       = "agent.status"
	TypeIdleWarning       = "agent.idle_warning"
	TypeRoleCreated       = "role.created"
	TypeMessageSent       = "message.sent"
	TypeToolCall          = "tool.call"
	TypeToolResult        = "tool.result"
	TypeContextCompressed = "context.compressed"
	TypeConsoleOutput     = "console.output"
	TypeShutdown          = "system.shutdown"
)

// ClientMessage is what WebSocket clients send: subscribe/unsubscribe/ping.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// Timestamp returns the canonical event timestamp format.
func Timestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
