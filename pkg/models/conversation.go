package models

import "time"

// Turn roles, matching the chat-completions wire shape.
const (
	TurnSystem    = "system"
	TurnUser      = "user"
	TurnAssistant = "assistant"
	TurnTool      = "tool"
)

// ToolCall is an LLM request to invoke a tool. Arguments stay raw JSON; the
// executor parses them and reports parse failures as tool-result content.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Turn is one conversation entry. Index 0 of a conversation is always the
// system prompt once the conversation has been ensured.
type Turn struct {
	Role       string       `json:"role"`
	Content    string       `json:"content"`
	ToolCalls  []ToolCall   `json:"toolCalls,omitempty"`  // assistant turns
	ToolCallID string       `json:"toolCallId,omitempty"` // tool turns
	ToolName   string       `json:"toolName,omitempty"`   // tool turns
	Images     []Attachment `json:"images,omitempty"`     // multimodal user turns
	At         time.Time    `json:"at"`
}

// HasToolCalls reports whether this is an assistant turn requesting tools.
func (t *Turn) HasToolCalls() bool {
	return t.Role == TurnAssistant && len(t.ToolCalls) > 0
}

// TokenUsage is the accounting from the most recent LLM call of an agent.
type TokenUsage struct {
	PromptTokens     int       `json:"promptTokens"`
	CompletionTokens int       `json:"completionTokens"`
	TotalTokens      int       `json:"totalTokens"`
	ContextWindow    int       `json:"contextWindow"`
	Model            string    `json:"model,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Percent returns prompt tokens as a fraction of the context window, 0 when
// no call has been recorded yet.
func (u *TokenUsage) Percent() float64 {
	if u.ContextWindow <= 0 {
		return 0
	}
	return float64(u.PromptTokens) / float64(u.ContextWindow)
}

// ContextBucket classifies context pressure for advisory and gating decisions.
type ContextBucket string

const (
	BucketOK        ContextBucket = "ok"
	BucketWarning   ContextBucket = "warning"
	BucketCritical  ContextBucket = "critical"
	BucketHardLimit ContextBucket = "hard_limit"
)
