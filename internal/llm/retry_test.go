package llm

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryRecoversFromTransient(t *testing.T) {
	script := NewScriptClient(
		ScriptTurn{Err: fmt.Errorf("rate limited: %w", ErrTransient)},
		ScriptTurn{Err: fmt.Errorf("timeout: %w", ErrTransient)},
		ScriptTurn{Text: "recovered"},
	)
	client := NewRetryingClient(script, 3, nil)

	res, err := client.Generate(context.Background(), Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)
	assert.Len(t, script.Requests(), 3)
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	script := NewScriptClient(
		ScriptTurn{Err: fmt.Errorf("overloaded: %w", ErrTransient)},
		ScriptTurn{Err: fmt.Errorf("overloaded: %w", ErrTransient)},
		ScriptTurn{Text: "never reached"},
	)
	client := NewRetryingClient(script, 2, nil)

	_, err := client.Generate(context.Background(), Request{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransient)
	assert.Len(t, script.Requests(), 2)
}

func TestRetryNotifiesObserver(t *testing.T) {
	script := NewScriptClient(
		ScriptTurn{Err: fmt.Errorf("rate limited: %w", ErrTransient)},
		ScriptTurn{Text: "recovered"},
	)
	client := NewRetryingClient(script, 3, nil)

	var attempts []int
	ctx := WithRetryNotify(context.Background(), func(attempt int, cause error) {
		attempts = append(attempts, attempt)
		assert.ErrorIs(t, cause, ErrTransient)
	})
	res, err := client.Generate(ctx, Request{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Text)
	assert.Equal(t, []int{1}, attempts, "only the retried attempt is observed")
}

func TestRetryPassesThroughPermanentErrors(t *testing.T) {
	script := NewScriptClient(
		ScriptTurn{Err: ErrCredentialUnavailable},
	)
	client := NewRetryingClient(script, 3, nil)

	_, err := client.Generate(context.Background(), Request{}, nil)
	require.ErrorIs(t, err, ErrCredentialUnavailable)
	assert.Len(t, script.Requests(), 1)
}

func TestRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	script := NewScriptClient(ScriptTurn{Err: fmt.Errorf("slow: %w", ErrTransient)})
	client := NewRetryingClient(script, 5, nil)

	_, err := client.Generate(ctx, Request{}, nil)
	require.Error(t, err)
}

func TestScriptStreamsDeltas(t *testing.T) {
	script := NewScriptClient(ScriptTurn{
		Text:      "hello",
		ToolCalls: []ToolCall{{ID: "c1", Name: "set_output"}},
	})

	var streamed string
	res, err := script.Generate(context.Background(), Request{}, func(d Delta) {
		streamed += d.Text
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", streamed)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, "set_output", res.ToolCalls[0].Name)
}

func TestScriptExhaustion(t *testing.T) {
	script := NewScriptClient()
	_, err := script.Generate(context.Background(), Request{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "script exhausted")
}
