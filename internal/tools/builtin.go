package tools

import (
	"context"
	"fmt"

	"github.com/hiveloop/hiveloop/internal/memory"
)

type ctxKey int

const (
	accumulatorKey ctxKey = iota
	originKey
)

// WithAccumulator binds the current node run's output accumulator into
// the context passed to tool handlers.
func WithAccumulator(ctx context.Context, acc *memory.Accumulator) context.Context {
	return context.WithValue(ctx, accumulatorKey, acc)
}

// AccumulatorFrom extracts the accumulator bound by WithAccumulator.
func AccumulatorFrom(ctx context.Context) (*memory.Accumulator, bool) {
	acc, ok := ctx.Value(accumulatorKey).(*memory.Accumulator)
	return acc, ok
}

// Origin identifies the node run invoking a tool. Handlers that publish
// events use it to stamp who raised them.
type Origin struct {
	GraphID   string
	NodeID    string
	SessionID string
	StreamID  string
}

// WithOrigin binds the calling node run's identity into the context
// passed to tool handlers.
func WithOrigin(ctx context.Context, o Origin) context.Context {
	return context.WithValue(ctx, originKey, o)
}

// OriginFrom extracts the identity bound by WithOrigin.
func OriginFrom(ctx context.Context) (Origin, bool) {
	o, ok := ctx.Value(originKey).(Origin)
	return o, ok
}

// SetOutputName is the built-in tool nodes call to record a declared
// output key.
const SetOutputName = "set_output"

// RegisterSetOutput adds the set_output tool. The handler resolves the
// accumulator from the call context, so one registration serves every
// concurrent node run.
func RegisterSetOutput(r *Local) error {
	return r.Register(Spec{
		Name:        SetOutputName,
		Description: "Record one of this node's declared output values. May be called multiple times; the last value per key wins.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key":   map[string]any{"type": "string", "description": "Declared output key to set."},
				"value": map[string]any{"description": "Value to record. Any JSON value."},
			},
			"required": []any{"key", "value"},
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		acc, ok := AccumulatorFrom(ctx)
		if !ok {
			return nil, fmt.Errorf("no active node run")
		}
		key, _ := args["key"].(string)
		if err := acc.Set(key, args["value"]); err != nil {
			return nil, err
		}
		return map[string]any{"recorded": key}, nil
	})
}
