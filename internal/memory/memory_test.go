package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedBasics(t *testing.T) {
	m := NewShared(map[string]any{"topic": "go"})

	v, ok := m.Get("topic")
	require.True(t, ok)
	assert.Equal(t, "go", v)

	_, ok = m.Get("missing")
	assert.False(t, ok)

	m.Set("draft", "text")
	m.Merge(map[string]any{"score": 0.9, "topic": "golang"})

	assert.Equal(t, []string{"draft", "score", "topic"}, m.Keys())

	snap := m.Snapshot()
	assert.Equal(t, "golang", snap["topic"])

	// Snapshot is detached from the live map.
	snap["topic"] = "mutated"
	v, _ = m.Get("topic")
	assert.Equal(t, "golang", v)
}

func TestSharedView(t *testing.T) {
	m := NewShared(map[string]any{"a": 1, "b": 2, "c": 3})
	view := m.View([]string{"a", "c", "missing"})
	assert.Equal(t, map[string]any{"a": 1, "c": 3}, view)
}

func TestAccumulatorDeclaredKeys(t *testing.T) {
	acc := NewAccumulator([]string{"draft", "warnings"}, nil)

	require.NoError(t, acc.Set("draft", "hello"))
	err := acc.Set("undeclared", 1)
	require.ErrorIs(t, err, ErrKeyNotDeclared)

	v, ok := acc.Get("draft")
	require.True(t, ok)
	assert.Equal(t, "hello", v)
	assert.Equal(t, map[string]any{"draft": "hello"}, acc.Values())
}

func TestAccumulatorWriteThrough(t *testing.T) {
	persisted := map[string]any{}
	acc := NewAccumulator([]string{"draft"}, func(key string, value any) error {
		persisted[key] = value
		return nil
	})

	require.NoError(t, acc.Set("draft", "v1"))
	assert.Equal(t, "v1", persisted["draft"])

	require.NoError(t, acc.Set("draft", "v2"))
	assert.Equal(t, "v2", persisted["draft"])
	assert.Equal(t, "v2", acc.Values()["draft"])
}

func TestAccumulatorPersistFailureRejectsWrite(t *testing.T) {
	acc := NewAccumulator([]string{"draft"}, func(string, any) error {
		return assert.AnError
	})

	require.Error(t, acc.Set("draft", "v"))
	_, ok := acc.Get("draft")
	assert.False(t, ok)
}

func TestAccumulatorMissing(t *testing.T) {
	acc := NewAccumulator([]string{"summary", "warnings", "score"}, nil)
	require.NoError(t, acc.Set("score", 1))

	assert.Equal(t, []string{"summary", "warnings"}, acc.Missing([]string{"summary", "warnings", "score"}))
	require.NoError(t, acc.Set("summary", "s"))
	require.NoError(t, acc.Set("warnings", nil))
	assert.Empty(t, acc.Missing([]string{"summary", "warnings", "score"}))
}
