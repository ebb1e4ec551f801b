package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hiveworks/hived/pkg/config"
	"github.com/hiveworks/hived/pkg/models"
)

// OpenAIClient talks to any OpenAI-compatible chat-completions endpoint.
type OpenAIClient struct {
	api        *openai.Client
	svc        *config.LLMServiceConfig
	maxRetries int
	logger     *slog.Logger

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewOpenAIClient builds a client for one configured service.
func NewOpenAIClient(svc *config.LLMServiceConfig, maxRetries int) *OpenAIClient {
	cfg := openai.DefaultConfig(svc.ResolveAPIKey())
	if svc.BaseURL != "" {
		cfg.BaseURL = svc.BaseURL
	}
	return &OpenAIClient{
		api:        openai.NewClientWithConfig(cfg),
		svc:        svc,
		maxRetries: maxRetries,
		logger:     slog.With("component", "llm.client", "model", svc.Model),
		sleep:      sleepCtx,
	}
}

// Chat performs one completions call with retry on transient failures.
// Cancellation is never retried and surfaces as an ErrAborted wrap.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	oreq := openai.ChatCompletionRequest{
		Model:       c.svc.Model,
		Messages:    c.convertTurns(req),
		Temperature: c.svc.Temperature,
	}
	if req.Model != "" {
		oreq.Model = req.Model
	}
	switch {
	case req.MaxTokens > 0:
		oreq.MaxTokens = req.MaxTokens
	case c.svc.MaxTokens > 0:
		oreq.MaxTokens = c.svc.MaxTokens
	}
	for _, tool := range req.Tools {
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			c.logger.Warn("retrying LLM call",
				"attempt", attempt,
				"backoff", backoff,
				"error", lastErr)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrAborted, err)
			}
		}

		resp, err := c.api.CreateChatCompletion(ctx, oreq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %v", ErrAborted, ctx.Err())
			}
			lastErr = err
			if !isRetryable(err) {
				return nil, fmt.Errorf("llm call failed: %w", err)
			}
			continue
		}
		if len(resp.Choices) == 0 {
			lastErr = errors.New("response contained no choices")
			continue
		}
		return c.convertResponse(&resp), nil
	}
	return nil, fmt.Errorf("llm call failed after %d retries: %w", c.maxRetries, lastErr)
}

func (c *OpenAIClient) convertResponse(resp *openai.ChatCompletionResponse) *ChatResponse {
	msg := resp.Choices[0].Message
	out := &ChatResponse{
		Content: msg.Content,
		Model:   resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out
}

// convertTurns maps stored turns to the wire shape. Image attachments become
// multimodal parts when the service supports vision, bracketed notes otherwise.
func (c *OpenAIClient) convertTurns(req *ChatRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Turns))
	for i := range req.Turns {
		turn := &req.Turns[i]
		switch turn.Role {
		case models.TurnSystem:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: turn.Content,
			})
		case models.TurnUser:
			msgs = append(msgs, c.convertUserTurn(turn, req.ImageURLs))
		case models.TurnAssistant:
			msg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: turn.Content,
			}
			for _, call := range turn.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: call.Arguments,
					},
				})
			}
			msgs = append(msgs, msg)
		case models.TurnTool:
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    turn.Content,
				ToolCallID: turn.ToolCallID,
				Name:       turn.ToolName,
			})
		}
	}
	return msgs
}

func (c *OpenAIClient) convertUserTurn(turn *models.Turn, imageURLs map[string]string) openai.ChatCompletionMessage {
	if len(turn.Images) == 0 {
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: turn.Content,
		}
	}

	if !c.svc.VisionSupported {
		content := turn.Content
		for _, img := range turn.Images {
			content += fmt.Sprintf("\n[image attachment: %s]", attachmentLabel(img))
		}
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: content,
		}
	}

	var parts []openai.ChatMessagePart
	text := turn.Content
	for _, img := range turn.Images {
		url, ok := imageURLs[img.Ref]
		if !ok {
			text += fmt.Sprintf("\n[image attachment unavailable: %s]", attachmentLabel(img))
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    url,
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	if text != "" {
		parts = append([]openai.ChatMessagePart{{
			Type: openai.ChatMessagePartTypeText,
			Text: text,
		}}, parts...)
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: parts,
	}
}

func attachmentLabel(att models.Attachment) string {
	if att.Name != "" {
		return att.Name
	}
	return att.Ref
}

// isRetryable classifies transient provider failures: rate limits, 5xx, and
// network timeouts. Everything else (auth, bad request) fails immediately.
func isRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"rate limit", "429", "timeout", "connection reset", "connection refused", "temporarily unavailable"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

func retryableStatus(status int) bool {
	return status == 429 || (status >= 500 && status < 600)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ Client = (*OpenAIClient)(nil)
