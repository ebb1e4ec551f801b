// Package llm provides the chat-completions client contract, the OpenAI-shape
// implementation, the per-service registry, and the global concurrency limiter.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/hiveworks/hived/pkg/config"
	"github.com/hiveworks/hived/pkg/models"
)

// ErrAborted wraps errors caused by context cancellation. Handlers treat
// aborted calls as interruptions, not failures: no escalation to the parent.
var ErrAborted = errors.New("llm call aborted")

// ToolDefinition describes one callable tool in the request.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// ChatRequest is one non-streaming chat-completions call.
type ChatRequest struct {
	Turns []models.Turn
	Tools []ToolDefinition

	// Model and MaxTokens override the service defaults when non-zero.
	Model     string
	MaxTokens int

	// ImageURLs maps attachment refs found in Turns to resolved data URLs.
	// Refs without an entry degrade to a bracketed text note.
	ImageURLs map[string]string
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the model's reply: text, tool calls, and accounting.
type ChatResponse struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     Usage
	Model     string
}

// Client is the minimal LLM surface the handler depends on.
type Client interface {
	// Chat performs one completions call, retrying transient failures
	// internally. Context cancellation returns an ErrAborted-wrapped error.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ServiceResolver maps a role's llmServiceId to a concrete client and its
// service configuration. Empty id resolves to the default service.
type ServiceResolver interface {
	Resolve(serviceID string) (Client, *config.LLMServiceConfig, error)
}

// Registry is the production ServiceResolver: one OpenAI client per
// configured service, built eagerly at boot.
type Registry struct {
	defaultID string
	services  map[string]*config.LLMServiceConfig
	clients   map[string]Client
}

// NewRegistry builds clients for every configured service.
func NewRegistry(cfg *config.LLMConfig) *Registry {
	r := &Registry{
		defaultID: cfg.DefaultService,
		services:  make(map[string]*config.LLMServiceConfig, len(cfg.Services)),
		clients:   make(map[string]Client, len(cfg.Services)),
	}
	for id, svc := range cfg.Services {
		r.services[id] = svc
		r.clients[id] = NewOpenAIClient(svc, cfg.MaxRetries)
	}
	return r
}

// Resolve returns the client and config for a service id ("" = default).
func (r *Registry) Resolve(serviceID string) (Client, *config.LLMServiceConfig, error) {
	if serviceID == "" {
		serviceID = r.defaultID
	}
	client, ok := r.clients[serviceID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", config.ErrServiceNotFound, serviceID)
	}
	return client, r.services[serviceID], nil
}

var _ ServiceResolver = (*Registry)(nil)
