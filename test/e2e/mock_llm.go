package e2e

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/hiveworks/hived/pkg/llm"
	"github.com/hiveworks/hived/pkg/models"
)

// LLMStep is one scripted LLM exchange.
type LLMStep struct {
	// Response content.
	Text      string
	ToolCalls []models.ToolCall
	Err       error // fail the call instead of responding

	// Test control.
	Delay   time.Duration   // hold the call this long; a cancelled context ends it early
	WaitCh  <-chan struct{} // block the call until closed (or the context is cancelled)
	OnBlock chan<- struct{} // signalled once when the call starts waiting
}

// TextStep scripts a plain assistant reply.
func TextStep(text string) LLMStep { return LLMStep{Text: text} }

// ToolStep scripts an assistant tool batch.
func ToolStep(calls ...models.ToolCall) LLMStep { return LLMStep{ToolCalls: calls} }

// Call builds one tool call for a scripted step.
func Call(id, name, args string) models.ToolCall {
	return models.ToolCall{ID: id, Name: name, Arguments: args}
}

// identityRe pulls the caller out of the system prompt so routed scripts can
// answer the right agent in flows where call order is nondeterministic.
var identityRe = regexp.MustCompile(`You are agent "([^"]+)", role "([^"]+)"`)

type capturedCall struct {
	agentID string
	role    string
	req     *llm.ChatRequest
}

// ScriptedLLM implements llm.Client with dual dispatch: steps routed by agent
// id or role name, plus a sequential fallback for single-caller flows. It also
// tracks the concurrent-call high-water mark for limiter assertions.
type ScriptedLLM struct {
	mu         sync.Mutex
	sequential []LLMStep
	routes     map[string][]LLMStep
	calls      []capturedCall
	active     int
	maxActive  int
}

var _ llm.Client = (*ScriptedLLM)(nil)

// NewScriptedLLM creates an empty script.
func NewScriptedLLM() *ScriptedLLM {
	return &ScriptedLLM{routes: make(map[string][]LLMStep)}
}

// Route queues steps for one agent id or role name. Exact agent ids win over
// role names, so generated ids (role-xxxxxxxx) can be scripted by role.
func (s *ScriptedLLM) Route(key string, steps ...LLMStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[key] = append(s.routes[key], steps...)
}

// Script queues sequential fallback steps consumed by any unrouted caller.
func (s *ScriptedLLM) Script(steps ...LLMStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sequential = append(s.sequential, steps...)
}

// Chat implements llm.Client. Unscripted calls fail loudly so a scenario that
// drifts from its script is caught at the first stray call.
func (s *ScriptedLLM) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	agentID, role := callerIdentity(req)

	s.mu.Lock()
	s.calls = append(s.calls, capturedCall{agentID: agentID, role: role, req: req})
	s.active++
	if s.active > s.maxActive {
		s.maxActive = s.active
	}
	step, scripted := s.nextLocked(agentID, role)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active--
		s.mu.Unlock()
	}()

	if !scripted {
		return nil, fmt.Errorf("unscripted llm call by %q (role %q)", agentID, role)
	}

	if step.OnBlock != nil {
		step.OnBlock <- struct{}{}
	}
	if step.WaitCh != nil {
		select {
		case <-step.WaitCh:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", llm.ErrAborted, ctx.Err())
		}
	}
	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", llm.ErrAborted, ctx.Err())
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &llm.ChatResponse{
		Content:   step.Text,
		ToolCalls: step.ToolCalls,
		Usage:     llm.Usage{PromptTokens: 50, CompletionTokens: 15, TotalTokens: 65},
		Model:     "gpt-4o",
	}, nil
}

func (s *ScriptedLLM) nextLocked(agentID, role string) (LLMStep, bool) {
	for _, key := range []string{agentID, role} {
		if key == "" {
			continue
		}
		if steps := s.routes[key]; len(steps) > 0 {
			s.routes[key] = steps[1:]
			return steps[0], true
		}
	}
	if len(s.sequential) > 0 {
		step := s.sequential[0]
		s.sequential = s.sequential[1:]
		return step, true
	}
	return LLMStep{}, false
}

// CallCount returns how many chat calls were made so far.
func (s *ScriptedLLM) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Callers returns the calling agent ids in chat order.
func (s *ScriptedLLM) Callers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.agentID
	}
	return out
}

// CallsBy returns how many chat calls the given agent made.
func (s *ScriptedLLM) CallsBy(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.agentID == agentID {
			n++
		}
	}
	return n
}

// Request returns the n-th captured request.
func (s *ScriptedLLM) Request(n int) *llm.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[n].req
}

// MaxActive returns the highest number of chat calls in flight at once.
func (s *ScriptedLLM) MaxActive() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxActive
}

func callerIdentity(req *llm.ChatRequest) (agentID, role string) {
	if len(req.Turns) == 0 || req.Turns[0].Role != models.TurnSystem {
		return "", ""
	}
	m := identityRe.FindStringSubmatch(req.Turns[0].Content)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}
