package llm

import (
	"context"
	"fmt"
	"sync"
)

// ScriptTurn is one pre-programmed model response.
type ScriptTurn struct {
	Text      string
	ToolCalls []ToolCall
	Err       error
}

// ScriptClient replays a fixed sequence of turns. Used by tests and by
// the dry-run mode of the CLI. Each Generate consumes one turn; running
// past the script is an error.
type ScriptClient struct {
	mu       sync.Mutex
	turns    []ScriptTurn
	requests []Request
}

// NewScriptClient creates a client that replays the given turns in order.
func NewScriptClient(turns ...ScriptTurn) *ScriptClient {
	return &ScriptClient{turns: turns}
}

// Push appends more turns to the script.
func (c *ScriptClient) Push(turns ...ScriptTurn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turns = append(c.turns, turns...)
}

// Requests returns a copy of every request seen so far.
func (c *ScriptClient) Requests() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Request(nil), c.requests...)
}

// Generate replays the next scripted turn, streaming its text through
// onDelta one rune chunk at a time.
func (c *ScriptClient) Generate(ctx context.Context, req Request, onDelta DeltaFunc) (*Result, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	if len(c.turns) == 0 {
		c.mu.Unlock()
		return nil, fmt.Errorf("script exhausted after %d turns", len(c.requests)-1)
	}
	turn := c.turns[0]
	c.turns = c.turns[1:]
	c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if turn.Err != nil {
		return nil, turn.Err
	}
	if onDelta != nil && turn.Text != "" {
		onDelta(Delta{Text: turn.Text})
	}
	return &Result{
		Text:      turn.Text,
		ToolCalls: turn.ToolCalls,
	}, nil
}
