package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hiveloop/hiveloop/internal/events"
	"github.com/hiveloop/hiveloop/internal/graph"
	"github.com/hiveloop/hiveloop/internal/llm"
	"github.com/hiveloop/hiveloop/internal/memory"
	"github.com/hiveloop/hiveloop/internal/session"
	"github.com/hiveloop/hiveloop/internal/tools"
	"github.com/hiveloop/hiveloop/internal/tracing"
)

// askClientName is the per-run tool client-facing nodes use to request
// human input.
const askClientName = "ask_client"

// runNode drives one node's event loop to a verdict. The returned error
// is reserved for infrastructure failures; judge escalations come back as
// an unsuccessful result so failure edges can absorb them.
func (e *Executor) runNode(ctx context.Context, executionID string, node *graph.NodeSpec, visit int) (nodeResult, error) {
	ctx, span := tracing.TraceNodeVisit(ctx, node.ID, visit)
	defer span.End()

	e.publish(events.TypeNodeLoopStarted, executionID, node.ID, map[string]any{
		"visit": visit,
	})

	// The loop cursor carries an interrupted run's progress: iteration,
	// retries, client replies, and the outputs recorded so far. A fresh
	// run starts from the zero cursor.
	cur, err := e.store.NodeCursor(e.sid, node.ID)
	if err != nil {
		return nodeResult{}, err
	}

	// Outputs accumulate in the cursor until the judge accepts; shared
	// memory never sees half-recorded output sets.
	acc := memory.NewAccumulator(node.OutputKeys, func(key string, value any) error {
		if cur.WipOutputs == nil {
			cur.WipOutputs = map[string]any{}
		}
		cur.WipOutputs[key] = value
		return e.store.SaveNodeCursor(e.sid, node.ID, cur)
	})
	acc.Restore(cur.WipOutputs)

	registry, err := e.nodeRegistry(node, executionID, cur)
	if err != nil {
		return nodeResult{}, err
	}
	defs := toolDefs(registry.List())

	conv := e.store.Conversation(e.sid, node.ID)
	msgs, err := e.initialMessages(node, conv, cur)
	if err != nil {
		return nodeResult{}, err
	}
	system := e.systemPrompt(node)

	toolCtx := tools.WithAccumulator(ctx, acc)
	toolCtx = tools.WithOrigin(toolCtx, tools.Origin{
		GraphID:   e.graph.ID,
		NodeID:    node.ID,
		SessionID: e.sid,
		StreamID:  e.streamID,
	})
	genCtx := llm.WithRetryNotify(ctx, func(attempt int, cause error) {
		part := &session.Part{
			Role:    session.RoleMarker,
			Content: fmt.Sprintf("model call retried (attempt %d): %v", attempt, cause),
		}
		if _, err := conv.Append(part); err != nil {
			e.log.Warn("Retry marker append failed", zap.Error(err))
		}
	})
	for iteration := cur.Iteration + 1; iteration <= e.loop.MaxIterations; iteration++ {
		msgs, err = e.compactHistory(ctx, msgs)
		if err != nil {
			return nodeResult{}, err
		}

		result, err := e.client.Generate(genCtx, llm.Request{
			System:   system,
			Messages: msgs,
			Tools:    defs,
		}, e.deltaFunc(executionID, node))
		if err != nil {
			return nodeResult{}, fmt.Errorf("node %s turn %d: %w", node.ID, iteration, err)
		}
		if e.loop.MaxToolCallsPerTurn > 0 && len(result.ToolCalls) > e.loop.MaxToolCallsPerTurn {
			result.ToolCalls = result.ToolCalls[:e.loop.MaxToolCallsPerTurn]
		}

		assistant := llm.Message{Role: llm.RoleAssistant, Content: result.Text, ToolCalls: result.ToolCalls}
		msgs = append(msgs, assistant)
		if _, err := conv.Append(partFromMessage(assistant)); err != nil {
			return nodeResult{}, err
		}

		if len(result.ToolCalls) > 0 {
			toolMsgs, err := e.dispatchTools(toolCtx, executionID, node, registry, result.ToolCalls)
			if err != nil {
				return nodeResult{}, err
			}
			for _, tm := range toolMsgs {
				msgs = append(msgs, tm)
				if _, err := conv.Append(partFromMessage(tm)); err != nil {
					return nodeResult{}, err
				}
			}
		}

		// The turn is durable once the cursor moves; a crash from here
		// on resumes after it instead of re-issuing it.
		cur.Iteration = iteration
		if err := e.store.SaveNodeCursor(e.sid, node.ID, cur); err != nil {
			return nodeResult{}, err
		}

		judgment := e.judge.Judge(JudgeInput{
			Node:             node,
			Turn:             result,
			Accumulator:      acc,
			Iteration:        iteration,
			MaxIterations:    e.loop.MaxIterations,
			Retries:          cur.Retries,
			UserInteractions: cur.UserInteractionCount,
			InputAvailable:   e.inputs != nil,
		})

		switch judgment.Verdict {
		case VerdictContinue:
			continue
		case VerdictAccept:
			return e.finishNode(ctx, executionID, node, acc, visit, true, "")
		case VerdictAwaitInput:
			if e.inputs == nil {
				return e.finishNode(ctx, executionID, node, acc, visit, false, "no client input channel attached")
			}
			reply, err := e.awaitClientInput(ctx, executionID, node, result.Text, string(events.InputFreeText), nil)
			if err != nil {
				return nodeResult{}, err
			}
			cur.UserInteractionCount++
			if err := e.store.SaveNodeCursor(e.sid, node.ID, cur); err != nil {
				return nodeResult{}, err
			}
			replyMsg := llm.Message{Role: llm.RoleUser, Content: reply}
			msgs = append(msgs, replyMsg)
			if _, err := conv.Append(partFromMessage(replyMsg)); err != nil {
				return nodeResult{}, err
			}
			continue
		case VerdictRetry:
			cur.Retries++
			if err := e.store.SaveNodeCursor(e.sid, node.ID, cur); err != nil {
				return nodeResult{}, err
			}
			feedback := llm.Message{Role: llm.RoleUser, Content: judgment.Feedback}
			msgs = append(msgs, feedback)
			if _, err := conv.Append(partFromMessage(feedback)); err != nil {
				return nodeResult{}, err
			}
			continue
		case VerdictEscalate:
			return e.finishNode(ctx, executionID, node, acc, visit, false, judgment.Reason)
		}
	}

	return e.finishNode(ctx, executionID, node, acc, visit, false,
		fmt.Sprintf("iteration cap %d reached", e.loop.MaxIterations))
}

// finishNode ends a node run. On success the accumulated outputs flush
// into the session state and shared memory in one update; on failure
// they are discarded with the cursor.
func (e *Executor) finishNode(ctx context.Context, executionID string, node *graph.NodeSpec, acc *memory.Accumulator, visit int, success bool, reason string) (nodeResult, error) {
	outputs := acc.Values()
	if success && len(outputs) > 0 {
		if _, err := e.store.Update(ctx, e.sid, func(st *session.State) error {
			for k, v := range outputs {
				st.Memory[k] = v
			}
			return nil
		}); err != nil {
			return nodeResult{}, err
		}
		e.mem.Merge(outputs)
	}
	if err := e.store.ClearNodeCursor(e.sid, node.ID); err != nil {
		return nodeResult{}, err
	}

	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	e.publish(events.TypeNodeLoopCompleted, executionID, node.ID, map[string]any{
		"visit":   visit,
		"success": success,
		"outputs": keys,
		"reason":  reason,
	})
	if success {
		e.publish(events.TypeGoalProgress, executionID, node.ID, map[string]any{
			"node_id": node.ID,
			"outputs": keys,
		})
	}
	return nodeResult{nodeID: node.ID, success: success, reason: reason}, nil
}

// nodeRegistry builds the tool surface for one node run: the node's
// declared tools, set_output, and ask_client for client-facing nodes.
func (e *Executor) nodeRegistry(node *graph.NodeSpec, executionID string, cur *session.NodeCursor) (*tools.Local, error) {
	names := append([]string(nil), node.Tools...)
	if e.registry.Has(tools.SetOutputName) {
		names = append(names, tools.SetOutputName)
	}
	registry, err := e.registry.Subset(names)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", node.ID, err)
	}

	if node.ClientFacing && e.inputs != nil {
		err := registry.Register(tools.Spec{
			Name:        askClientName,
			Description: "Ask the human operator a question and wait for their reply.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"prompt":     map[string]any{"type": "string"},
					"input_type": map[string]any{"type": "string", "enum": []any{"free_text", "structured", "selection", "approval"}},
					"options":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				},
				"required": []any{"prompt"},
			},
		}, e.askClientHandler(node, executionID, cur))
		if err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (e *Executor) askClientHandler(node *graph.NodeSpec, executionID string, cur *session.NodeCursor) tools.Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		prompt, _ := args["prompt"].(string)
		inputType, _ := args["input_type"].(string)
		if inputType == "" {
			inputType = string(events.InputFreeText)
		}
		var options []string
		if raw, ok := args["options"].([]any); ok {
			for _, o := range raw {
				if s, ok := o.(string); ok {
					options = append(options, s)
				}
			}
		}

		reply, err := e.awaitClientInput(ctx, executionID, node, prompt, inputType, options)
		if err != nil {
			return nil, err
		}
		cur.UserInteractionCount++
		if err := e.store.SaveNodeCursor(e.sid, node.ID, cur); err != nil {
			return nil, err
		}
		return reply, nil
	}
}

// awaitClientInput surfaces a prompt to the client and blocks until the
// reply is injected or ctx ends.
func (e *Executor) awaitClientInput(ctx context.Context, executionID string, node *graph.NodeSpec, prompt, inputType string, options []string) (string, error) {
	e.publish(events.TypeClientInputRequested, executionID, node.ID,
		events.InputRequestedPayload(node.ID, prompt, events.InputType(inputType), options, nil))

	reply, err := e.inputs.Await(ctx)
	if err != nil {
		return "", fmt.Errorf("awaiting client input: %w", err)
	}
	e.publish(events.TypeClientInputReceived, executionID, node.ID, map[string]any{
		"node_id": node.ID,
		"text":    reply,
	})
	return reply, nil
}

// dispatchTools executes the turn's tool calls. Calls whose specs are
// marked parallel run concurrently; the rest run in request order.
// Results are appended in request order regardless.
func (e *Executor) dispatchTools(ctx context.Context, executionID string, node *graph.NodeSpec, registry *tools.Local, calls []llm.ToolCall) ([]llm.Message, error) {
	parallel := make(map[string]bool)
	for _, spec := range registry.List() {
		parallel[spec.Name] = spec.Parallel
	}

	results := make([]llm.Message, len(calls))
	i := 0
	for i < len(calls) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !parallel[calls[i].Name] {
			results[i] = e.executeToolCall(ctx, executionID, node, registry, calls[i])
			i++
			continue
		}
		// Consecutive parallel-safe calls run as one batch.
		j := i
		var batch sync.WaitGroup
		for ; j < len(calls) && parallel[calls[j].Name]; j++ {
			idx, call := j, calls[j]
			batch.Add(1)
			go func() {
				defer batch.Done()
				results[idx] = e.executeToolCall(ctx, executionID, node, registry, call)
			}()
		}
		batch.Wait()
		i = j
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// executeToolCall runs one call, emitting events and the tool log entry.
// Tool failures become error results for the model, not run failures.
func (e *Executor) executeToolCall(ctx context.Context, executionID string, node *graph.NodeSpec, registry *tools.Local, call llm.ToolCall) llm.Message {
	ctx, span := tracing.TraceToolCall(ctx, call.ID, call.Name)
	defer span.End()

	e.publish(events.TypeToolCallStarted, executionID, node.ID,
		events.ToolCallStartedPayload(call.ID, call.Name, call.Args))

	start := time.Now()
	result, err := registry.Call(ctx, call.Name, call.Args)
	elapsed := time.Since(start)

	var content string
	isError := err != nil
	if err != nil {
		content = err.Error()
	} else {
		content = renderToolResult(result)
	}
	tracing.RecordResult(span, truncate(content, 200), err)

	e.publish(events.TypeToolCallCompleted, executionID, node.ID,
		events.ToolCallCompletedPayload(call.ID, call.Name, content, isError))

	logErr := e.store.AppendToolLog(e.sid, &session.ToolLogEntry{
		NodeID:     node.ID,
		CallID:     call.ID,
		Tool:       call.Name,
		Args:       call.Args,
		Result:     truncate(content, 2000),
		IsError:    isError,
		DurationMS: elapsed.Milliseconds(),
	})
	if logErr != nil {
		e.log.Warn("Tool log append failed", zap.String("tool", call.Name), zap.Error(logErr))
	}

	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		IsError:    isError,
	}
}

func (e *Executor) deltaFunc(executionID string, node *graph.NodeSpec) llm.DeltaFunc {
	return func(d llm.Delta) {
		e.publish(events.TypeLLMTextDelta, executionID, node.ID, events.TextDeltaPayload(d.Text))
		if node.ClientFacing {
			e.publish(events.TypeClientOutputDelta, executionID, node.ID, events.TextDeltaPayload(d.Text))
		}
	}
}

// initialMessages builds the in-memory history for a node run. An
// interrupted run reloads its own durable turns and picks up where it
// stopped. Continuous conversations reload their full history with a
// boundary marker before the new task; isolated ones start fresh.
// Either way the durable log keeps growing append-only.
func (e *Executor) initialMessages(node *graph.NodeSpec, conv *session.Conversation, cur *session.NodeCursor) ([]llm.Message, error) {
	if cur.InFlight() {
		from := cur.StartOrdinal
		if from < 1 {
			from = 1
		}
		parts, err := conv.ReadFrom(from)
		if err != nil {
			return nil, err
		}
		msgs := make([]llm.Message, 0, len(parts))
		for _, p := range parts {
			msgs = append(msgs, messageFromPart(p))
		}
		return msgs, nil
	}

	var msgs []llm.Message
	if node.ConversationMode == graph.ConversationContinuous {
		parts, err := conv.ReadAll()
		if err != nil {
			return nil, err
		}
		if len(parts) > 0 {
			for _, p := range parts {
				msgs = append(msgs, messageFromPart(p))
			}
			marker := &session.Part{Role: session.RoleMarker, Content: e.boundaryMarker()}
			if _, err := conv.Append(marker); err != nil {
				return nil, err
			}
			msgs = append(msgs, messageFromPart(marker))
		}
	}

	opening := llm.Message{Role: llm.RoleUser, Content: e.taskMessage(node)}
	ord, err := conv.Append(partFromMessage(opening))
	if err != nil {
		return nil, err
	}
	cur.StartOrdinal = ord
	if node.ConversationMode == graph.ConversationContinuous {
		cur.StartOrdinal = 1
	}
	return append(msgs, opening), nil
}

// boundaryMarker is the text of the marker part written when a new
// execution re-enters an existing continuous conversation.
func (e *Executor) boundaryMarker() string {
	if e.origin == "" {
		return "new execution started"
	}
	return fmt.Sprintf("new execution started via %s trigger", e.origin)
}

func (e *Executor) taskMessage(node *graph.NodeSpec) string {
	var b strings.Builder
	b.WriteString("Carry out your task now.")
	inputs := e.mem.View(node.InputKeys)
	if len(inputs) > 0 {
		data, err := json.MarshalIndent(inputs, "", "  ")
		if err == nil {
			b.WriteString("\n\nInputs:\n")
			b.Write(data)
		}
	}
	if len(node.OutputKeys) > 0 {
		b.WriteString("\n\nRecord each of these outputs with set_output before finishing: ")
		b.WriteString(strings.Join(node.OutputKeys, ", "))
		if nullable := node.NullableOutputKeys; len(nullable) > 0 {
			b.WriteString(". Optional: ")
			b.WriteString(strings.Join(nullable, ", "))
		}
	}
	return b.String()
}

func (e *Executor) systemPrompt(node *graph.NodeSpec) string {
	var b strings.Builder
	b.WriteString(node.SystemPrompt)
	if e.goal != nil && e.goal.Description != "" {
		b.WriteString("\n\n## Goal\n")
		b.WriteString(e.goal.Description)
		for _, c := range e.goal.SuccessCriteria {
			fmt.Fprintf(&b, "\n- %s (weight %.2f): %s", c.Name, c.Weight, c.Description)
		}
		for _, constraint := range e.goal.Constraints {
			fmt.Fprintf(&b, "\nConstraint: %s", constraint)
		}
	}
	if node.SuccessCriteria != "" {
		b.WriteString("\n\n## Success criteria\n")
		b.WriteString(node.SuccessCriteria)
	}
	return b.String()
}

// compactHistory trims the in-memory history when it exceeds the token
// budget. The durable conversation log is never rewritten; only what the
// model sees shrinks. A summarizer, when configured, condenses the elided
// turns into one user message.
func (e *Executor) compactHistory(ctx context.Context, msgs []llm.Message) ([]llm.Message, error) {
	budget := e.loop.MaxHistoryTokens
	if budget <= 0 || estimateTokens(msgs) <= budget {
		return msgs, nil
	}

	const keepRecent = 8
	if len(msgs) <= keepRecent {
		return msgs, nil
	}
	cut := len(msgs) - keepRecent
	// Never split an assistant turn from its tool results.
	for cut < len(msgs) && msgs[cut].Role == llm.RoleTool {
		cut++
	}
	if cut >= len(msgs) {
		return msgs, nil
	}
	elided, kept := msgs[:cut], msgs[cut:]

	summaryText := fmt.Sprintf("(%d earlier turns elided)", len(elided))
	if e.summarize != nil {
		summary, err := e.summarize(ctx, elided)
		if err != nil {
			e.log.Warn("History summarization failed, eliding turns", zap.Error(err))
		} else if summary != "" {
			summaryText = "Summary of earlier turns: " + summary
		}
	}

	compacted := make([]llm.Message, 0, len(kept)+1)
	compacted = append(compacted, llm.Message{Role: llm.RoleUser, Content: summaryText})
	compacted = append(compacted, kept...)
	return compacted, nil
}

// estimateTokens is a cheap character-based approximation.
func estimateTokens(msgs []llm.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + 64
		}
	}
	return chars / 4
}

func toolDefs(specs []tools.Spec) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(specs))
	for _, s := range specs {
		defs = append(defs, llm.ToolDef{
			Name:        s.Name,
			Description: s.Description,
			Schema:      s.Schema,
		})
	}
	return defs
}

func renderToolResult(result any) string {
	switch v := result.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func partFromMessage(m llm.Message) *session.Part {
	p := &session.Part{
		Role:       session.Role(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
		IsError:    m.IsError,
	}
	for _, tc := range m.ToolCalls {
		p.ToolCalls = append(p.ToolCalls, session.PartToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
	}
	return p
}

func messageFromPart(p *session.Part) llm.Message {
	if p.Role == session.RoleMarker {
		return llm.Message{Role: llm.RoleUser, Content: "[" + p.Content + "]"}
	}
	m := llm.Message{
		Role:       llm.Role(p.Role),
		Content:    p.Content,
		ToolCallID: p.ToolCallID,
		IsError:    p.IsError,
	}
	for _, tc := range p.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
	}
	return m
}
