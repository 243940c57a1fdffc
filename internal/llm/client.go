// Package llm defines the model client interface the executor drives,
// plus retry and scripting helpers. Providers are adapters behind the
// Client interface; the runtime never talks to a provider SDK directly.
package llm

import (
	"context"
	"errors"
)

// ErrTransient marks provider failures worth retrying: rate limits,
// timeouts, 5xx responses. Adapters wrap such failures with this sentinel.
var ErrTransient = errors.New("transient llm failure")

// ErrCredentialUnavailable is returned when the provider credential is
// missing or rejected. Never retried.
var ErrCredentialUnavailable = errors.New("llm credential unavailable")

// Role of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// Message is one chat turn.
type Message struct {
	Role      Role
	Content   string
	ToolCalls []ToolCall
	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string
	IsError    bool
}

// ToolDef describes a callable tool offered to the model. Schema is a
// JSON Schema document for the arguments.
type ToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Delta is one streamed text fragment.
type Delta struct {
	Text string
}

// Result is a completed model turn: the assistant text plus any tool
// calls the model requested.
type Result struct {
	Text         string
	ToolCalls    []ToolCall
	InputTokens  int
	OutputTokens int
}

// Request is one generation call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDef
	MaxTokens   int
	Temperature float64
}

// DeltaFunc receives streamed text fragments as they arrive. It is called
// from the provider goroutine; implementations must be fast or buffer.
type DeltaFunc func(Delta)

// Client generates one assistant turn. Implementations stream text
// through onDelta when it is non-nil and return the assembled result.
type Client interface {
	Generate(ctx context.Context, req Request, onDelta DeltaFunc) (*Result, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
