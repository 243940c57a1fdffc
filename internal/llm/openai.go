package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OpenAIOptions configures the OpenAI-compatible adapter. BaseURL points
// at any server speaking the chat completions wire format.
type OpenAIOptions struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// OpenAIClient is a Client adapter for OpenAI-compatible chat completion
// endpoints. Streaming uses server-sent events; tool calls are assembled
// from the streamed fragments.
type OpenAIClient struct {
	baseURL   string
	apiKey    string
	model     string
	maxTokens int
	http      *http.Client
}

// NewOpenAIClient builds the adapter.
func NewOpenAIClient(opts OpenAIOptions) *OpenAIClient {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	return &OpenAIClient{
		baseURL:   strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:    opts.APIKey,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		http:      httpClient,
	}
}

type oaiMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content,omitempty"`
	ToolCalls  []oaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
}

type oaiToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type oaiTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type oaiRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Tools       []oaiTool    `json:"tools,omitempty"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
	Stream      bool         `json:"stream"`
	StreamOpts  *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options,omitempty"`
}

type oaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type oaiChunk struct {
	Choices []struct {
		Delta        oaiMessage `json:"delta"`
		FinishReason string     `json:"finish_reason"`
	} `json:"choices"`
	Usage *oaiUsage `json:"usage"`
}

// Generate sends one chat completion request, streaming text through
// onDelta when set.
func (c *OpenAIClient) Generate(ctx context.Context, req Request, onDelta DeltaFunc) (*Result, error) {
	body := oaiRequest{
		Model:       req.Model,
		Messages:    encodeMessages(req),
		Tools:       encodeTools(req.Tools),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      true,
	}
	if body.Model == "" {
		body.Model = c.model
	}
	if body.MaxTokens == 0 {
		body.MaxTokens = c.maxTokens
	}
	body.StreamOpts = &struct {
		IncludeUsage bool `json:"include_usage"`
	}{IncludeUsage: true}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode llm request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, fmt.Errorf("%w: status %d: %s", ErrCredentialUnavailable, resp.StatusCode, msg)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, msg)
		default:
			return nil, fmt.Errorf("llm request failed: status %d: %s", resp.StatusCode, msg)
		}
	}

	return readStream(resp.Body, onDelta)
}

func encodeMessages(req Request) []oaiMessage {
	out := make([]oaiMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, oaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		enc := oaiMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			call := oaiToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			enc.ToolCalls = append(enc.ToolCalls, call)
		}
		out = append(out, enc)
	}
	return out
}

func encodeTools(defs []ToolDef) []oaiTool {
	out := make([]oaiTool, 0, len(defs))
	for _, d := range defs {
		t := oaiTool{Type: "function"}
		t.Function.Name = d.Name
		t.Function.Description = d.Description
		t.Function.Parameters = d.Schema
		out = append(out, t)
	}
	return out
}

// pendingCall accumulates one tool call across stream chunks.
type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

func readStream(r io.Reader, onDelta DeltaFunc) (*Result, error) {
	result := &Result{}
	var text strings.Builder
	calls := make(map[int]*pendingCall)
	maxIndex := -1

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk oaiChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Usage != nil {
			result.InputTokens = chunk.Usage.PromptTokens
			result.OutputTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if onDelta != nil {
					onDelta(Delta{Text: choice.Delta.Content})
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				pc := calls[idx]
				if pc == nil {
					pc = &pendingCall{}
					calls[idx] = pc
				}
				if idx > maxIndex {
					maxIndex = idx
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read stream: %v", ErrTransient, err)
	}

	result.Text = text.String()
	for i := 0; i <= maxIndex; i++ {
		pc := calls[i]
		if pc == nil {
			continue
		}
		args := make(map[string]any)
		if raw := pc.args.String(); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return nil, fmt.Errorf("tool call %s has malformed arguments: %w", pc.name, err)
			}
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{ID: pc.id, Name: pc.name, Args: args})
	}
	return result, nil
}
