package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"discovery-agent/internal/domain"
	"discovery-agent/internal/infra/config"
)

// chatServer answers /chat/completions with reply and records the decoded request.
func chatServer(t *testing.T, status int, reply string, got *openaiRequest, auth *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		if auth != nil {
			*auth = r.Header.Get("Authorization")
		}
		if got != nil {
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, got))
		}
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testProvider(srv *httptest.Server, key string) *OpenAIProvider {
	return newOpenAIProvider(config.ProviderConfig{
		Name:    "test",
		Type:    "openai",
		BaseURL: srv.URL + "/",
		APIKey:  key,
		Model:   "gpt-test",
	}, srv.Client(), nil)
}

const textReply = `{
	"id": "chatcmpl-1",
	"model": "gpt-test",
	"created": 1700000000,
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "{\"answer\":\"ok\"}"}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
}`

func TestOpenAIProviderChat(t *testing.T) {
	var req openaiRequest
	var auth string
	srv := chatServer(t, http.StatusOK, textReply, &req, &auth)
	p := testProvider(srv, "sk-test")

	resp, err := p.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: domain.RoleSystem, Content: "sys"},
			{Role: domain.RoleUser, Content: "hi"},
		},
		JSONMode: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "gpt-test", req.Model, "provider model fills an empty request model")
	require.Len(t, req.Messages, 2)
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_object", req.ResponseFormat.Type)
	assert.Nil(t, req.Temperature)

	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, domain.RoleAssistant, resp.Message.Role)
	assert.Equal(t, `{"answer":"ok"}`, resp.Message.Content)
	assert.Equal(t, 16, resp.Usage.TotalTokens)
	assert.Equal(t, int64(1700000000), resp.CreatedAt.Unix())
	assert.Equal(t, "test", p.Name())
}

func TestOpenAIProviderToolCalls(t *testing.T) {
	reply := `{
		"choices": [{"message": {"role": "assistant", "tool_calls": [
			{"id": "call_a", "type": "function", "function": {"name": "search", "arguments": "{\"query\":\"graphene\"}"}},
			{"id": "call_b", "type": "function", "function": {"name": "patents", "arguments": "{}"}}
		]}}]
	}`
	var req openaiRequest
	srv := chatServer(t, http.StatusOK, reply, &req, nil)

	resp, err := testProvider(srv, "").Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: domain.RoleUser, Content: "plan"}},
		Tools: []domain.FunctionDeclaration{{
			Name:        "search",
			Description: "Search literature",
			Parameters: domain.FunctionParameters{
				Type:       "object",
				Properties: map[string]map[string]any{"query": {"type": "string"}},
				Required:   []string{"query"},
			},
		}},
		Temperature: 0.3,
	})
	require.NoError(t, err)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "function", req.Tools[0].Type)
	assert.JSONEq(t, `{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`,
		string(req.Tools[0].Function.Parameters))
	require.NotNil(t, req.Temperature)
	assert.InDelta(t, 0.3, *req.Temperature, 1e-9)
	assert.Nil(t, req.ResponseFormat)

	require.Len(t, resp.Message.Calls, 2)
	assert.Equal(t, "search", resp.Message.Calls[0].Name)
	assert.JSONEq(t, `{"query":"graphene"}`, string(resp.Message.Calls[0].Args))
	assert.Equal(t, "patents", resp.Message.Calls[1].Name)
}

func TestOpenAIProviderNoAPIKeyOmitsHeader(t *testing.T) {
	auth := "unset"
	srv := chatServer(t, http.StatusOK, textReply, nil, &auth)

	_, err := testProvider(srv, "").Chat(context.Background(), domain.ChatRequest{})
	require.NoError(t, err)
	assert.Empty(t, auth)
}

func TestOpenAIProviderErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, domain.ErrRateLimit},
		{"unauthorized", http.StatusUnauthorized, `{"error":"bad key"}`, domain.ErrAuthInvalid},
		{"server error", http.StatusServiceUnavailable, `overloaded`, domain.ErrRetryable},
		{"invalid json", http.StatusOK, `not json`, domain.ErrProviderError},
		{"no choices", http.StatusOK, `{"choices":[]}`, domain.ErrProviderError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := chatServer(t, tt.status, tt.body, nil, nil)
			_, err := testProvider(srv, "k").Chat(context.Background(), domain.ChatRequest{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenAIProviderContextCancelled(t *testing.T) {
	srv := chatServer(t, http.StatusOK, textReply, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := testProvider(srv, "k").Chat(ctx, domain.ChatRequest{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenAIDefaultBaseURL(t *testing.T) {
	tests := []struct {
		typ, want string
	}{
		{"", "https://api.openai.com/v1"},
		{"openai", "https://api.openai.com/v1"},
		{"openrouter", "https://openrouter.ai/api/v1"},
		{"ollama", "http://localhost:11434/v1"},
	}
	for _, tt := range tests {
		p := NewOpenAIProvider(config.ProviderConfig{Name: "p", Type: tt.typ}, config.PoolConfig{}, nil)
		assert.Equal(t, tt.want, p.baseURL, "type %q", tt.typ)
	}
}

func TestOpenAIRequestConversion(t *testing.T) {
	req, err := toOpenAIRequest(domain.ChatRequest{
		Model:     "m",
		MaxTokens: 100,
		Messages: []domain.Message{
			{Role: domain.RoleAssistant, Calls: []domain.FunctionCall{{Name: "search"}}},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 100, req.MaxTokens)
	require.Len(t, req.Messages[0].ToolCalls, 1)
	call := req.Messages[0].ToolCalls[0]
	assert.Equal(t, "call_0", call.ID)
	assert.Equal(t, "{}", call.Function.Arguments, "empty arguments become an empty object")
}
