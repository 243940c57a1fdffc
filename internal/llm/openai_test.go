package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sseBody(chunks ...string) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString("data: " + c + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestOpenAIStreamingText(t *testing.T) {
	var captured oaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(
			`{"choices":[{"delta":{"content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":2}}`,
		)))
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIOptions{
		BaseURL: srv.URL + "/v1",
		APIKey:  "test-key",
		Model:   "test-model",
	})

	var deltas []string
	result, err := client.Generate(context.Background(), Request{
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, func(d Delta) { deltas = append(deltas, d.Text) })
	require.NoError(t, err)

	assert.Equal(t, "Hello", result.Text)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, 12, result.InputTokens)
	assert.Equal(t, 2, result.OutputTokens)

	require.NotEmpty(t, captured.Messages)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "test-model", captured.Model)
	assert.True(t, captured.Stream)
}

func TestOpenAIStreamedToolCalls(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(sseBody(
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"set_output","arguments":"{\"key\":"}}]}}]}`,
			`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"x\",\"value\":1}"}}]}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		)))
	}))
	defer srv.Close()

	client := NewOpenAIClient(OpenAIOptions{BaseURL: srv.URL, Model: "m"})
	result, err := client.Generate(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "go"}},
	}, nil)
	require.NoError(t, err)

	require.Len(t, result.ToolCalls, 1)
	call := result.ToolCalls[0]
	assert.Equal(t, "call_1", call.ID)
	assert.Equal(t, "set_output", call.Name)
	assert.Equal(t, "x", call.Args["key"])
	assert.Equal(t, float64(1), call.Args["value"])
}

func TestOpenAIErrorMapping(t *testing.T) {
	cases := []struct {
		status   int
		sentinel error
	}{
		{http.StatusUnauthorized, ErrCredentialUnavailable},
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusInternalServerError, ErrTransient},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tc.status)
		}))
		client := NewOpenAIClient(OpenAIOptions{BaseURL: srv.URL, Model: "m"})
		_, err := client.Generate(context.Background(), Request{}, nil)
		require.ErrorIs(t, err, tc.sentinel, "status %d", tc.status)
		srv.Close()
	}

	// 400s are permanent but not credential failures.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()
	client := NewOpenAIClient(OpenAIOptions{BaseURL: srv.URL, Model: "m"})
	_, err := client.Generate(context.Background(), Request{}, nil)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
}
