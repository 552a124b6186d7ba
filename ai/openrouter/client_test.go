package openrouter

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionBody(t *testing.T, msg Message, usage Usage) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":    "gen-1",
		"model": "openai/gpt-4o-mini",
		"choices": []map[string]interface{}{
			{"index": 0, "message": msg, "finish_reason": "stop"},
		},
		"usage": usage,
	})
	require.NoError(t, err)
	return body
}

func TestClientChat(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trips request and response", func(t *testing.T) {
		var gotAuth string
		var gotReq chatCompletionRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &gotReq))

			w.Header().Set("Content-Type", "application/json")
			w.Write(completionBody(t, Message{
				Role:    "assistant",
				Content: "  cadence looks right  ",
			}, Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}))
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "sk-or-test", Model: "openai/gpt-4o-mini"})
		client.SetBaseURL(server.URL, server.Client())

		resp, err := client.Chat(ctx, ChatRequest{
			SystemPrompt: "you are a scheduler",
			UserPrompt:   "review this endpoint",
		})
		require.NoError(t, err)

		assert.Equal(t, "Bearer sk-or-test", gotAuth)
		assert.Equal(t, "openai/gpt-4o-mini", gotReq.Model)
		require.Len(t, gotReq.Messages, 2)
		assert.Equal(t, "system", gotReq.Messages[0].Role)
		assert.Equal(t, "user", gotReq.Messages[1].Role)

		assert.Equal(t, "cadence looks right", resp.Content, "content is trimmed")
		assert.Equal(t, 120, resp.Usage.TotalTokens)
		assert.Empty(t, resp.ToolCalls)
	})

	t.Run("surfaces tool calls", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(completionBody(t, Message{
				Role: "assistant",
				ToolCalls: []ToolCall{{
					ID:   "call-1",
					Type: "function",
					Function: ToolCallFunction{
						Name:      "propose_interval",
						Arguments: `{"ms":30000,"reason":"slow queue","ttl_ms":600000}`,
					},
				}},
			}, Usage{TotalTokens: 80}))
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "sk-or-test"})
		client.SetBaseURL(server.URL, server.Client())

		resp, err := client.Chat(ctx, ChatRequest{UserPrompt: "review"})
		require.NoError(t, err)
		require.Len(t, resp.ToolCalls, 1)
		assert.Equal(t, "propose_interval", resp.ToolCalls[0].Function.Name)
		assert.Contains(t, resp.ToolCalls[0].Function.Arguments, `"ms":30000`)
	})

	t.Run("missing api key", func(t *testing.T) {
		client := NewClient(Config{})
		_, err := client.Chat(ctx, ChatRequest{UserPrompt: "review"})
		assert.Error(t, err)
		assert.False(t, client.IsConfigured())
	})

	t.Run("non-200 is not retried", func(t *testing.T) {
		calls := 0
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			http.Error(w, `{"error":"invalid model"}`, http.StatusBadRequest)
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "sk-or-test"})
		client.SetBaseURL(server.URL, server.Client())

		_, err := client.Chat(ctx, ChatRequest{UserPrompt: "review"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "status 400")
		assert.Equal(t, 1, calls, "client errors are terminal")
	})

	t.Run("empty choices", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"id":"gen-1","choices":[],"usage":{}}`))
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "sk-or-test"})
		client.SetBaseURL(server.URL, server.Client())

		_, err := client.Chat(ctx, ChatRequest{UserPrompt: "review"})
		assert.Error(t, err)
	})

	t.Run("request overrides take precedence", func(t *testing.T) {
		var gotReq chatCompletionRequest
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			require.NoError(t, json.Unmarshal(body, &gotReq))
			w.Write(completionBody(t, Message{Role: "assistant", Content: "ok"}, Usage{}))
		}))
		defer server.Close()

		client := NewClient(Config{APIKey: "sk-or-test", Model: "openai/gpt-4o-mini"})
		client.SetBaseURL(server.URL, server.Client())

		temp := 0.7
		maxTokens := 64
		model := "anthropic/claude-3.5-haiku"
		_, err := client.Chat(ctx, ChatRequest{
			UserPrompt:  "review",
			Temperature: &temp,
			MaxTokens:   &maxTokens,
			Model:       &model,
		})
		require.NoError(t, err)
		assert.Equal(t, model, gotReq.Model)
		assert.Equal(t, temp, gotReq.Temperature)
		assert.Equal(t, maxTokens, gotReq.MaxTokens)
	})
}

func TestIsRetryableError(t *testing.T) {
	retryable := []string{
		"read tcp: connection reset by peer",
		"dial tcp: connection refused",
		"context deadline exceeded (Client.Timeout exceeded): i/o timeout",
	}
	for _, msg := range retryable {
		assert.True(t, isRetryableError(errMsg(msg)), msg)
	}

	assert.False(t, isRetryableError(errMsg("API request failed with status 401")))
	assert.False(t, isRetryableError(errMsg("failed to unmarshal response")))
}

type errMsg string

func (e errMsg) Error() string { return string(e) }
