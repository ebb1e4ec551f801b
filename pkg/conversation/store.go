// Package conversation keeps per-agent conversations: ordered turns, token
// accounting against the model's context window, and compression. Each
// conversation persists as conversations/<agentId>.json.
package conversation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hiveworks/hived/pkg/config"
	"github.com/hiveworks/hived/pkg/models"
	"github.com/hiveworks/hived/pkg/store"
)

// summaryPrefix labels the turn that replaces compressed history.
const summaryPrefix = "[context summary] Earlier conversation was compressed. Summary:\n"

// CompressResult reports what a Compress call did.
type CompressResult struct {
	OK            bool `json:"ok"`
	OriginalCount int  `json:"originalCount"`
	NewCount      int  `json:"newCount"`
}

// ContextStatus is the advisory snapshot served by the get_context_status tool.
type ContextStatus struct {
	Messages           int                  `json:"messages"`
	MaxContextMessages int                  `json:"maxContextMessages"`
	UsagePercent       float64              `json:"usagePercent"`
	Bucket             models.ContextBucket `json:"bucket"`
	ContextWindow      int                  `json:"contextWindow"`
	LastPromptTokens   int                  `json:"lastPromptTokens"`
}

// conversation is the in-memory and on-disk document for one agent.
type conversation struct {
	AgentID string            `json:"agentId"`
	Turns   []models.Turn     `json:"turns"`
	Usage   models.TokenUsage `json:"usage"`

	dirty bool
}

// Store owns every conversation. All methods are safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	dir   string
	cfg   *config.ContextConfig
	convs map[string]*conversation
}

// NewStore creates the conversations directory if needed.
func NewStore(dataRoot string, cfg *config.ContextConfig) (*Store, error) {
	dir := filepath.Join(dataRoot, "conversations")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create conversations dir: %w", err)
	}
	return &Store{dir: dir, cfg: cfg, convs: make(map[string]*conversation)}, nil
}

// loadLocked fetches (or lazily loads from disk) the agent's conversation,
// creating an empty one when nothing exists yet.
func (s *Store) loadLocked(agentID string) *conversation {
	if c, ok := s.convs[agentID]; ok {
		return c
	}
	c := &conversation{AgentID: agentID}
	if err := store.LoadJSON(s.path(agentID), c); err != nil && !os.IsNotExist(err) {
		slog.Warn("Conversation load failed, starting empty", "agent_id", agentID, "error", err)
	}
	c.AgentID = agentID
	s.convs[agentID] = c
	return c
}

// EnsureConversation guarantees the system prompt sits at index 0. Existing
// conversations are left untouched.
func (s *Store) EnsureConversation(agentID, systemPrompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.loadLocked(agentID)
	if len(c.Turns) > 0 && c.Turns[0].Role == models.TurnSystem {
		return
	}
	system := models.Turn{Role: models.TurnSystem, Content: systemPrompt, At: time.Now()}
	c.Turns = append([]models.Turn{system}, c.Turns...)
	c.dirty = true
}

// SetSystemPrompt replaces the system turn content in place. Handlers call it
// at the top of every turn so the prompt tracks contact and role changes.
func (s *Store) SetSystemPrompt(agentID, systemPrompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.loadLocked(agentID)
	if len(c.Turns) == 0 || c.Turns[0].Role != models.TurnSystem {
		system := models.Turn{Role: models.TurnSystem, Content: systemPrompt, At: time.Now()}
		c.Turns = append([]models.Turn{system}, c.Turns...)
		c.dirty = true
		return
	}
	if c.Turns[0].Content != systemPrompt {
		c.Turns[0].Content = systemPrompt
		c.dirty = true
	}
}

// AppendUser appends a user turn (optionally carrying image parts).
func (s *Store) AppendUser(agentID, content string, images []models.Attachment) {
	s.append(agentID, models.Turn{
		Role: models.TurnUser, Content: content, Images: images, At: time.Now(),
	})
}

// AppendAssistant appends the model's reply, tool calls included.
func (s *Store) AppendAssistant(agentID, content string, toolCalls []models.ToolCall) {
	s.append(agentID, models.Turn{
		Role: models.TurnAssistant, Content: content, ToolCalls: toolCalls, At: time.Now(),
	})
}

// AppendTool appends one tool result turn.
func (s *Store) AppendTool(agentID, callID, name, content string) {
	s.append(agentID, models.Turn{
		Role: models.TurnTool, ToolCallID: callID, ToolName: name, Content: content, At: time.Now(),
	})
}

func (s *Store) append(agentID string, turn models.Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.loadLocked(agentID)
	c.Turns = append(c.Turns, turn)
	c.dirty = true
}

// History returns a copy of the agent's turns.
func (s *Store) History(agentID string) []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.loadLocked(agentID)
	out := make([]models.Turn, len(c.Turns))
	copy(out, c.Turns)
	return out
}

// Len returns the number of turns.
func (s *Store) Len(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.loadLocked(agentID).Turns)
}

// DeleteTrailingAssistantToolCalls removes the final turn iff it is an
// assistant turn with pending tool calls. Interruptions use this to retract
// tool requests that will never be executed.
func (s *Store) DeleteTrailingAssistantToolCalls(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.loadLocked(agentID)
	n := len(c.Turns)
	if n == 0 || !c.Turns[n-1].HasToolCalls() {
		return false
	}
	c.Turns = c.Turns[:n-1]
	c.dirty = true
	return true
}

// UpdateUsage records token accounting from the latest LLM call.
func (s *Store) UpdateUsage(agentID string, promptTokens, completionTokens int, model string, contextWindow int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.loadLocked(agentID)
	c.Usage = models.TokenUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		ContextWindow:    contextWindow,
		Model:            model,
		UpdatedAt:        time.Now(),
	}
	c.dirty = true
}

// Usage returns the latest token accounting.
func (s *Store) Usage(agentID string) models.TokenUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(agentID).Usage
}

// UsagePercent returns prompt tokens over context window from the last call.
func (s *Store) UsagePercent(agentID string) float64 {
	u := s.Usage(agentID)
	return u.Percent()
}

// StatusBucket classifies the agent's context pressure.
func (s *Store) StatusBucket(agentID string) models.ContextBucket {
	return s.bucket(s.UsagePercent(agentID))
}

func (s *Store) bucket(pct float64) models.ContextBucket {
	switch {
	case pct >= s.cfg.HardLimit:
		return models.BucketHardLimit
	case pct >= s.cfg.CriticalThreshold:
		return models.BucketCritical
	case pct >= s.cfg.WarningThreshold:
		return models.BucketWarning
	default:
		return models.BucketOK
	}
}

// IsContextExceeded reports whether the hard limit has been reached. The
// handler refuses to start LLM calls for exceeded agents.
func (s *Store) IsContextExceeded(agentID string) bool {
	return s.StatusBucket(agentID) == models.BucketHardLimit
}

// Status returns the advisory context snapshot.
func (s *Store) Status(agentID string) ContextStatus {
	s.mu.Lock()
	c := s.loadLocked(agentID)
	messages := len(c.Turns)
	usage := c.Usage
	s.mu.Unlock()

	pct := usage.Percent()
	return ContextStatus{
		Messages:           messages,
		MaxContextMessages: s.cfg.MaxContextMessages,
		UsagePercent:       pct,
		Bucket:             s.bucket(pct),
		ContextWindow:      usage.ContextWindow,
		LastPromptTokens:   usage.PromptTokens,
	}
}

// Compress replaces old history with a summary turn, keeping the system
// prompt and the most recent keepRecent turns. The kept window grows backward
// when it would otherwise open on tool results whose assistant turn was cut.
// Returns OK=false (and changes nothing) when nothing would be dropped.
func (s *Store) Compress(agentID, summary string, keepRecent int) CompressResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.loadLocked(agentID)
	original := len(c.Turns)
	res := CompressResult{OriginalCount: original, NewCount: original}
	if original == 0 || c.Turns[0].Role != models.TurnSystem {
		return res
	}

	body := c.Turns[1:]
	if len(body) <= keepRecent {
		return res
	}
	start := len(body) - keepRecent
	// Never let the window open on orphaned tool results.
	for start > 0 && body[start].Role == models.TurnTool {
		start--
	}
	if start == 0 {
		return res
	}

	summaryTurn := models.Turn{
		Role:    models.TurnUser,
		Content: summaryPrefix + summary,
		At:      time.Now(),
	}
	newTurns := make([]models.Turn, 0, 2+len(body)-start)
	newTurns = append(newTurns, c.Turns[0], summaryTurn)
	newTurns = append(newTurns, body[start:]...)
	c.Turns = newTurns

	// Token accounting is stale until the next LLM call reports real usage.
	c.Usage.PromptTokens = 0
	c.Usage.TotalTokens = c.Usage.CompletionTokens
	c.dirty = true

	res.OK = true
	res.NewCount = len(c.Turns)
	slog.Info("Conversation compressed",
		"agent_id", agentID, "original_turns", original, "new_turns", res.NewCount)
	return res
}

// Flush persists one conversation if it changed since the last flush.
func (s *Store) Flush(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(s.loadLocked(agentID))
}

// FlushAll persists every dirty conversation; used at shutdown.
func (s *Store) FlushAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, c := range s.convs {
		if err := s.flushLocked(c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) flushLocked(c *conversation) error {
	if !c.dirty {
		return nil
	}
	if err := store.SaveJSON(s.path(c.AgentID), c); err != nil {
		return fmt.Errorf("flush conversation %s: %w", c.AgentID, err)
	}
	c.dirty = false
	return nil
}

// Delete drops the conversation from memory and disk (agent termination).
func (s *Store) Delete(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, agentID)
	if err := os.Remove(s.path(agentID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete conversation %s: %w", agentID, err)
	}
	return nil
}

func (s *Store) path(agentID string) string {
	return filepath.Join(s.dir, agentID+".json")
}
