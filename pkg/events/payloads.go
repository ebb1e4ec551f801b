package events

// previewLimit caps content previews embedded in event payloads. Full content
// lives in conversation files; events only need enough to render a feed.
const previewLimit = 200

// Preview truncates content for embedding in an event payload.
func Preview(content string) string {
	if len(content) <= previewLimit {
		return content
	}
	return content[:previewLimit] + "…"
}

// AgentSpawnedPayload is published on the org channel when an agent is created.
type AgentSpawnedPayload struct {
	Type      string `json:"type"` // always TypeAgentSpawned
	AgentID   string `json:"agentId"`
	RoleName  string `json:"roleName"`
	ParentID  string `json:"parentId"`
	TaskBrief string `json:"taskBrief,omitempty"`
	Timestamp string `json:"timestamp"`
}

// AgentTerminatedPayload is published on the org channel per terminated agent.
type AgentTerminatedPayload struct {
	Type      string `json:"type"` // always TypeAgentTerminated
	AgentID   string `json:"agentId"`
	By        string `json:"by"` // requester
	Cascade   bool   `json:"cascade"`
	Timestamp string `json:"timestamp"`
}

// AgentStatusPayload is published on the agent channel at every status change.
type AgentStatusPayload struct {
	Type      string `json:"type"` // always TypeAgentStatus
	AgentID   string `json:"agentId"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// IdleWarningPayload is published once when an agent crosses the idle threshold.
type IdleWarningPayload struct {
	Type      string `json:"type"` // always TypeIdleWarning
	AgentID   string `json:"agentId"`
	IdleMs    int64  `json:"idleMs"`
	Timestamp string `json:"timestamp"`
}

// RoleCreatedPayload is published on the org channel when a role is defined.
type RoleCreatedPayload struct {
	Type       string   `json:"type"` // always TypeRoleCreated
	RoleID     string   `json:"roleId"`
	Name       string   `json:"name"`
	ToolGroups []string `json:"toolGroups"`
	Timestamp  string   `json:"timestamp"`
}

// MessageSentPayload is published on the recipient's agent channel when the
// bus accepts a message.
type MessageSentPayload struct {
	Type      string `json:"type"` // always TypeMessageSent
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Preview   string `json:"preview"`
	Delayed   bool   `json:"delayed"`
	Timestamp string `json:"timestamp"`
}

// ToolCallPayload is published on the agent channel before a tool executes.
type ToolCallPayload struct {
	Type      string `json:"type"` // always TypeToolCall
	AgentID   string `json:"agentId"`
	CallID    string `json:"callId"`
	Tool      string `json:"tool"`
	Timestamp string `json:"timestamp"`
}

// ToolResultPayload is published on the agent channel after a tool executes.
type ToolResultPayload struct {
	Type      string `json:"type"` // always TypeToolResult
	AgentID   string `json:"agentId"`
	CallID    string `json:"callId"`
	Tool      string `json:"tool"`
	IsError   bool   `json:"isError"`
	Preview   string `json:"preview"`
	Timestamp string `json:"timestamp"`
}

// ContextCompressedPayload is published on the agent channel after compression.
type ContextCompressedPayload struct {
	Type          string `json:"type"` // always TypeContextCompressed
	AgentID       string `json:"agentId"`
	OriginalTurns int    `json:"originalTurns"`
	NewTurns      int    `json:"newTurns"`
	Timestamp     string `json:"timestamp"`
}

// ConsolePayload is published on the console channel for user-facing output.
type ConsolePayload struct {
	Type         string   `json:"type"` // always TypeConsoleOutput
	From         string   `json:"from"`
	Content      string   `json:"content"`
	QuickReplies []string `json:"quickReplies,omitempty"`
	Timestamp    string   `json:"timestamp"`
}

// ShutdownPayload is published on the org channel when shutdown begins.
type ShutdownPayload struct {
	Type      string `json:"type"` // always TypeShutdown
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}
