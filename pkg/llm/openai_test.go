package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveworks/hived/pkg/config"
	"github.com/hiveworks/hived/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, maxRetries int) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewOpenAIClient(&config.LLMServiceConfig{
		BaseURL:       srv.URL + "/v1",
		APIKey:        "test-key",
		Model:         "test-model",
		ContextWindow: 128000,
	}, maxRetries)
	client.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return client
}

const completionBody = `{
	"id": "cmpl-1",
	"object": "chat.completion",
	"model": "test-model",
	"choices": [{
		"index": 0,
		"message": {"role": "assistant", "content": "hello there"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
}`

func TestChat_RetriesTransientThenSucceeds(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream exploded","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(completionBody))
	}, 2)

	resp, err := client.Chat(context.Background(), &ChatRequest{
		Turns: []models.Turn{{Role: models.TurnUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 12, resp.Usage.PromptTokens)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestChat_DoesNotRetryAuthFailure(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}, 3)

	_, err := client.Chat(context.Background(), &ChatRequest{
		Turns: []models.Turn{{Role: models.TurnUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAborted)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestChat_ExhaustsRetries(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
	}, 2)

	_, err := client.Chat(context.Background(), &ChatRequest{
		Turns: []models.Turn{{Role: models.TurnUser, Content: "hi"}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 retries")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestChat_CancellationReturnsAborted(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}, 3)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := client.Chat(ctx, &ChatRequest{
		Turns: []models.Turn{{Role: models.TurnUser, Content: "hi"}},
	})
	assert.ErrorIs(t, err, ErrAborted)
}

func TestChat_ParsesToolCalls(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "cmpl-2",
			"object": "chat.completion",
			"model": "test-model",
			"choices": [{
				"index": 0,
				"message": {
					"role": "assistant",
					"content": "",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "send_message", "arguments": "{\"to\":\"user\",\"content\":\"done\"}"}
					}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 40, "completion_tokens": 9, "total_tokens": 49}
		}`))
	}, 0)

	resp, err := client.Chat(context.Background(), &ChatRequest{
		Turns: []models.Turn{{Role: models.TurnUser, Content: "go"}},
		Tools: []ToolDefinition{{
			Name:        "send_message",
			Description: "Send a message",
			Parameters:  map[string]any{"type": "object"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "call_1", resp.ToolCalls[0].ID)
	assert.Equal(t, "send_message", resp.ToolCalls[0].Name)
	assert.JSONEq(t, `{"to":"user","content":"done"}`, resp.ToolCalls[0].Arguments)
}

func TestConvertTurns_Roles(t *testing.T) {
	client := NewOpenAIClient(&config.LLMServiceConfig{Model: "m"}, 0)

	msgs := client.convertTurns(&ChatRequest{Turns: []models.Turn{
		{Role: models.TurnSystem, Content: "you are helpful"},
		{Role: models.TurnUser, Content: "do the thing"},
		{Role: models.TurnAssistant, Content: "", ToolCalls: []models.ToolCall{
			{ID: "call_9", Name: "read_file", Arguments: `{"path":"a.txt"}`},
		}},
		{Role: models.TurnTool, Content: "file contents", ToolCallID: "call_9", ToolName: "read_file"},
		{Role: models.TurnAssistant, Content: "all done"},
	}})

	require.Len(t, msgs, 5)
	assert.Equal(t, openai.ChatMessageRoleSystem, msgs[0].Role)
	assert.Equal(t, openai.ChatMessageRoleUser, msgs[1].Role)

	require.Len(t, msgs[2].ToolCalls, 1)
	assert.Equal(t, "call_9", msgs[2].ToolCalls[0].ID)
	assert.Equal(t, "read_file", msgs[2].ToolCalls[0].Function.Name)

	assert.Equal(t, openai.ChatMessageRoleTool, msgs[3].Role)
	assert.Equal(t, "call_9", msgs[3].ToolCallID)
	assert.Equal(t, "read_file", msgs[3].Name)

	assert.Equal(t, "all done", msgs[4].Content)
}

func TestConvertUserTurn_VisionParts(t *testing.T) {
	client := NewOpenAIClient(&config.LLMServiceConfig{Model: "m", VisionSupported: true}, 0)

	msg := client.convertUserTurn(&models.Turn{
		Role:    models.TurnUser,
		Content: "what is in this picture",
		Images: []models.Attachment{
			{Type: models.AttachmentImage, Ref: "art-1", Name: "shot.png"},
			{Type: models.AttachmentImage, Ref: "art-missing", Name: "gone.png"},
		},
	}, map[string]string{"art-1": "data:image/png;base64,AAAA"})

	assert.Empty(t, msg.Content)
	require.Len(t, msg.MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, msg.MultiContent[0].Type)
	assert.Contains(t, msg.MultiContent[0].Text, "what is in this picture")
	assert.Contains(t, msg.MultiContent[0].Text, "gone.png")
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, msg.MultiContent[1].Type)
	assert.Equal(t, "data:image/png;base64,AAAA", msg.MultiContent[1].ImageURL.URL)
}

func TestConvertUserTurn_NoVisionFallback(t *testing.T) {
	client := NewOpenAIClient(&config.LLMServiceConfig{Model: "m"}, 0)

	msg := client.convertUserTurn(&models.Turn{
		Role:    models.TurnUser,
		Content: "see attached",
		Images:  []models.Attachment{{Type: models.AttachmentImage, Ref: "art-1", Name: "shot.png"}},
	}, nil)

	assert.Empty(t, msg.MultiContent)
	assert.Contains(t, msg.Content, "see attached")
	assert.Contains(t, msg.Content, "[image attachment: shot.png]")
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limited", &openai.APIError{HTTPStatusCode: 429}, true},
		{"server error", &openai.APIError{HTTPStatusCode: 500}, true},
		{"bad gateway request error", &openai.RequestError{HTTPStatusCode: 502}, true},
		{"bad request", &openai.APIError{HTTPStatusCode: 400}, false},
		{"unauthorized", &openai.APIError{HTTPStatusCode: 401}, false},
		{"io timeout", errors.New("read tcp 1.2.3.4: i/o timeout"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"plain failure", errors.New("invalid request shape"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isRetryable(tt.err))
		})
	}
}

func TestRegistry_Resolve(t *testing.T) {
	cfg := &config.LLMConfig{
		MaxRetries:     1,
		DefaultService: "main",
		Services: map[string]*config.LLMServiceConfig{
			"main":   {Model: "big-model", APIKey: "k"},
			"cheap":  {Model: "small-model", APIKey: "k"},
			"vision": {Model: "vision-model", APIKey: "k", VisionSupported: true},
		},
	}
	reg := NewRegistry(cfg)

	_, svc, err := reg.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "big-model", svc.Model)

	_, svc, err = reg.Resolve("cheap")
	require.NoError(t, err)
	assert.Equal(t, "small-model", svc.Model)

	_, _, err = reg.Resolve("nope")
	assert.ErrorIs(t, err, config.ErrServiceNotFound)
}
