package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveloop/hiveloop/internal/common/config"
	"github.com/hiveloop/hiveloop/internal/events"
	"github.com/hiveloop/hiveloop/internal/events/bus"
	"github.com/hiveloop/hiveloop/internal/graph"
	"github.com/hiveloop/hiveloop/internal/llm"
	"github.com/hiveloop/hiveloop/internal/session"
	"github.com/hiveloop/hiveloop/internal/tools"
)

type harness struct {
	store    *session.Store
	bus      *bus.Bus
	registry *tools.Local
	sub      *bus.Subscription
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), nil)
	require.NoError(t, err)

	b := bus.New(1024, nil)
	t.Cleanup(b.Close)

	registry := tools.NewLocal()
	require.NoError(t, tools.RegisterSetOutput(registry))

	return &harness{
		store:    store,
		bus:      b,
		registry: registry,
		sub:      b.Subscribe(bus.Filter{}),
	}
}

func (h *harness) executor(t *testing.T, g *graph.GraphSpec, client llm.Client, opts func(*Options)) *Executor {
	t.Helper()
	o := Options{
		Graph:     g,
		Store:     h.store,
		SessionID: "test-session",
		StreamID:  "stream-1",
		Bus:       h.bus,
		Registry:  h.registry,
		Client:    client,
		Loop:      config.LoopConfig{MaxIterations: 10},
	}
	if opts != nil {
		opts(&o)
	}
	ex, err := New(o)
	require.NoError(t, err)
	return ex
}

// drain collects every event delivered so far.
func (h *harness) drain() []*events.AgentEvent {
	var out []*events.AgentEvent
	for {
		select {
		case ev := <-h.sub.C:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func eventTypes(evs []*events.AgentEvent) []events.Type {
	out := make([]events.Type, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func countType(types []events.Type, t events.Type) int {
	n := 0
	for _, v := range types {
		if v == t {
			n++
		}
	}
	return n
}

func setOutputCall(id, key string, value any) llm.ToolCall {
	return llm.ToolCall{
		ID:   id,
		Name: tools.SetOutputName,
		Args: map[string]any{"key": key, "value": value},
	}
}

func pipelineGraph(t *testing.T) *graph.GraphSpec {
	t.Helper()
	g := &graph.GraphSpec{
		ID: "pipeline",
		Nodes: []*graph.NodeSpec{
			{ID: "draft", SystemPrompt: "You draft.", OutputKeys: []string{"draft_text"}},
			{ID: "review", SystemPrompt: "You review.", InputKeys: []string{"draft_text"}, OutputKeys: []string{"approved"}, MaxRetries: 1},
		},
		Edges: []*graph.EdgeSpec{
			{Source: "draft", Target: "review", Condition: graph.EdgeOnSuccess},
			{Source: "review", Target: "draft", Condition: graph.EdgeOnFailure, Priority: -1},
		},
		EntryNode:     "draft",
		TerminalNodes: []string{"review"},
	}
	require.NoError(t, g.Validate())
	return g
}

func TestLinearExecution(t *testing.T) {
	h := newHarness(t)
	g := pipelineGraph(t)

	client := llm.NewScriptClient(
		llm.ScriptTurn{Text: "drafting", ToolCalls: []llm.ToolCall{setOutputCall("c1", "draft_text", "a haiku")}},
		llm.ScriptTurn{Text: "draft done"},
		llm.ScriptTurn{ToolCalls: []llm.ToolCall{setOutputCall("c2", "approved", true)}},
		llm.ScriptTurn{Text: "looks good"},
	)

	ex := h.executor(t, g, client, nil)
	outcome, err := ex.Run(context.Background(), "", map[string]any{"topic": "rivers"})
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, outcome.Status)
	assert.Equal(t, "a haiku", outcome.Memory["draft_text"])
	assert.Equal(t, true, outcome.Memory["approved"])
	assert.Equal(t, "rivers", outcome.Memory["topic"])

	// Review saw the draft as input.
	reqs := client.Requests()
	require.Len(t, reqs, 4)
	reviewTask := reqs[2].Messages[0].Content
	assert.Contains(t, reviewTask, "a haiku")

	types := eventTypes(h.drain())
	assert.Equal(t, 1, countType(types, events.TypeExecutionStarted))
	assert.Equal(t, 2, countType(types, events.TypeNodeLoopStarted))
	assert.Equal(t, 2, countType(types, events.TypeNodeLoopCompleted))
	assert.Equal(t, 1, countType(types, events.TypeEdgeTraversed))
	assert.Equal(t, 2, countType(types, events.TypeToolCallStarted))
	assert.Equal(t, 1, countType(types, events.TypeExecutionCompleted))
	assert.Zero(t, countType(types, events.TypeExecutionFailed))

	// Durable side effects.
	state, err := h.store.Load("test-session")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, state.Metrics.Status)
	assert.Equal(t, "a haiku", state.Memory["draft_text"])
	assert.Empty(t, state.Metrics.Frontier)

	logs, err := h.store.ReadToolLog("test-session", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	parts, err := h.store.Conversation("test-session", "draft").ReadAll()
	require.NoError(t, err)
	// task, assistant+tool call, tool result, assistant accept
	assert.Len(t, parts, 4)
}

func TestFeedbackLoopRecovers(t *testing.T) {
	h := newHarness(t)
	g := pipelineGraph(t)

	client := llm.NewScriptClient(
		// draft, first visit
		llm.ScriptTurn{ToolCalls: []llm.ToolCall{setOutputCall("c1", "draft_text", "v1")}},
		llm.ScriptTurn{Text: "done"},
		// review never records approved: retry feedback, then escalate
		llm.ScriptTurn{Text: "hmm"},
		llm.ScriptTurn{Text: "still unsure"},
		// draft, second visit via the failure edge
		llm.ScriptTurn{ToolCalls: []llm.ToolCall{setOutputCall("c2", "draft_text", "v2")}},
		llm.ScriptTurn{Text: "reworked"},
		// review accepts this time
		llm.ScriptTurn{ToolCalls: []llm.ToolCall{setOutputCall("c3", "approved", true)}},
		llm.ScriptTurn{Text: "approved"},
	)

	ex := h.executor(t, g, client, nil)
	outcome, err := ex.Run(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, outcome.Status)
	assert.Equal(t, "v2", outcome.Memory["draft_text"])
	assert.Equal(t, 2, outcome.Visits["draft"])
	assert.Equal(t, 2, outcome.Visits["review"])

	types := eventTypes(h.drain())
	assert.Equal(t, 4, countType(types, events.TypeNodeLoopStarted))
	assert.Equal(t, 3, countType(types, events.TypeEdgeTraversed))
}

// routingClient serves scripted turns per node, keyed by a marker in the
// system prompt. Needed when sibling nodes run concurrently.
type routingClient struct {
	mu     sync.Mutex
	queues map[string][]llm.ScriptTurn
}

func (c *routingClient) Generate(_ context.Context, req llm.Request, onDelta llm.DeltaFunc) (*llm.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for marker, queue := range c.queues {
		if len(queue) > 0 && strings.Contains(req.System, marker) {
			turn := queue[0]
			c.queues[marker] = queue[1:]
			if onDelta != nil && turn.Text != "" {
				onDelta(llm.Delta{Text: turn.Text})
			}
			return &llm.Result{Text: turn.Text, ToolCalls: turn.ToolCalls}, nil
		}
	}
	return &llm.Result{Text: "ok"}, nil
}

func TestFanOutAndJoin(t *testing.T) {
	h := newHarness(t)
	g := &graph.GraphSpec{
		ID: "fan",
		Nodes: []*graph.NodeSpec{
			{ID: "split", SystemPrompt: "node:split"},
			{ID: "left", SystemPrompt: "node:left", OutputKeys: []string{"left_notes"}},
			{ID: "right", SystemPrompt: "node:right", OutputKeys: []string{"right_notes"}},
			{ID: "join", SystemPrompt: "node:join", InputKeys: []string{"left_notes", "right_notes"}},
		},
		Edges: []*graph.EdgeSpec{
			{Source: "split", Target: "left"},
			{Source: "split", Target: "right"},
			{Source: "left", Target: "join"},
			{Source: "right", Target: "join"},
		},
		EntryNode:     "split",
		TerminalNodes: []string{"join"},
	}
	require.NoError(t, g.Validate())

	client := &routingClient{queues: map[string][]llm.ScriptTurn{
		"node:split": {{Text: "splitting"}},
		"node:left":  {{ToolCalls: []llm.ToolCall{setOutputCall("l1", "left_notes", "L")}}, {Text: "left done"}},
		"node:right": {{ToolCalls: []llm.ToolCall{setOutputCall("r1", "right_notes", "R")}}, {Text: "right done"}},
		"node:join":  {{Text: "joined"}},
	}}

	ex := h.executor(t, g, client, nil)
	outcome, err := ex.Run(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, outcome.Status)
	assert.Equal(t, "L", outcome.Memory["left_notes"])
	assert.Equal(t, "R", outcome.Memory["right_notes"])

	types := eventTypes(h.drain())
	// split, left, right, join: the join node runs once despite two
	// incoming edges.
	assert.Equal(t, 4, countType(types, events.TypeNodeLoopStarted))
	assert.Equal(t, 4, countType(types, events.TypeEdgeTraversed))
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t)
	g := &graph.GraphSpec{
		ID: "pausing",
		Nodes: []*graph.NodeSpec{
			{ID: "prepare", OutputKeys: []string{"plan"}},
			{ID: "apply", InputKeys: []string{"plan"}},
		},
		Edges: []*graph.EdgeSpec{
			{Source: "prepare", Target: "apply"},
		},
		EntryNode:     "prepare",
		TerminalNodes: []string{"apply"},
		PauseNodes:    []string{"apply"},
	}
	require.NoError(t, g.Validate())

	client := llm.NewScriptClient(
		llm.ScriptTurn{ToolCalls: []llm.ToolCall{setOutputCall("c1", "plan", "the plan")}},
		llm.ScriptTurn{Text: "prepared"},
	)

	ex := h.executor(t, g, client, nil)
	outcome, err := ex.Run(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, outcome.Status)
	assert.Equal(t, []string{"apply"}, outcome.PausedAt)

	state, err := h.store.Load("test-session")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, state.Metrics.Status)
	assert.Equal(t, []string{"apply"}, state.Metrics.Frontier)

	types := eventTypes(h.drain())
	assert.Equal(t, 1, countType(types, events.TypeExecutionPaused))

	// Resume runs the paused node to completion.
	client.Push(llm.ScriptTurn{Text: "applied"})
	resumed, err := ex.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, resumed.Status)
	assert.Equal(t, outcome.ExecutionID, resumed.ExecutionID)
}

type blockingClient struct{}

func (blockingClient) Generate(ctx context.Context, _ llm.Request, _ llm.DeltaFunc) (*llm.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCancellationCleanup(t *testing.T) {
	h := newHarness(t)
	g := pipelineGraph(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	ex := h.executor(t, g, blockingClient{}, nil)
	outcome, err := ex.Run(ctx, "", nil)
	require.Error(t, err)
	assert.Equal(t, session.StatusCancelled, outcome.Status)

	state, err := h.store.Load("test-session")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, state.Metrics.Status)
	assert.Equal(t, []string{"draft"}, state.Metrics.Frontier)

	types := eventTypes(h.drain())
	assert.Equal(t, 1, countType(types, events.TypeExecutionFailed))
}

func TestVisitCapFailsExecution(t *testing.T) {
	h := newHarness(t)
	g := &graph.GraphSpec{
		ID: "looping",
		Nodes: []*graph.NodeSpec{
			{ID: "ping", MaxNodeVisits: 1},
			{ID: "pong"},
		},
		Edges: []*graph.EdgeSpec{
			{Source: "ping", Target: "pong", Condition: graph.EdgeAlways},
			{Source: "pong", Target: "ping", Condition: graph.EdgeAlways},
		},
		EntryNode: "ping",
	}
	require.NoError(t, g.Validate())

	client := llm.NewScriptClient(
		llm.ScriptTurn{Text: "ping"},
		llm.ScriptTurn{Text: "pong"},
	)

	ex := h.executor(t, g, client, nil)
	outcome, err := ex.Run(context.Background(), "", nil)
	require.ErrorIs(t, err, ErrNodeEscalated)
	assert.Equal(t, session.StatusFailed, outcome.Status)
}

func TestDeadEndFailsExecution(t *testing.T) {
	h := newHarness(t)
	g := &graph.GraphSpec{
		ID: "deadend",
		Nodes: []*graph.NodeSpec{
			{ID: "check"},
			{ID: "go", OutputKeys: []string{"done"}},
		},
		Edges: []*graph.EdgeSpec{
			{Source: "check", Target: "go", Condition: graph.EdgeConditional, ConditionExpr: "ready == true"},
		},
		EntryNode:     "check",
		TerminalNodes: []string{"go"},
	}
	require.NoError(t, g.Validate())

	client := llm.NewScriptClient(llm.ScriptTurn{Text: "checked"})
	ex := h.executor(t, g, client, nil)
	outcome, err := ex.Run(context.Background(), "", nil)
	require.ErrorIs(t, err, ErrDeadEnd)
	assert.Equal(t, session.StatusFailed, outcome.Status)
}

type fixedInput struct{ reply string }

func (f fixedInput) Await(context.Context) (string, error) { return f.reply, nil }

func TestClientFacingInput(t *testing.T) {
	h := newHarness(t)
	g := &graph.GraphSpec{
		ID: "chat",
		Nodes: []*graph.NodeSpec{
			{ID: "assistant", ClientFacing: true, OutputKeys: []string{"answer"}},
		},
		Edges:         nil,
		EntryNode:     "assistant",
		TerminalNodes: []string{"assistant"},
	}
	require.NoError(t, g.Validate())

	client := llm.NewScriptClient(
		llm.ScriptTurn{ToolCalls: []llm.ToolCall{{
			ID:   "q1",
			Name: askClientName,
			Args: map[string]any{"prompt": "Which city?", "input_type": "free_text"},
		}}},
		llm.ScriptTurn{ToolCalls: []llm.ToolCall{setOutputCall("c1", "answer", "Paris it is")}},
		llm.ScriptTurn{Text: "answered"},
	)

	ex := h.executor(t, g, client, func(o *Options) {
		o.Inputs = fixedInput{reply: "Paris"}
	})
	outcome, err := ex.Run(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, outcome.Status)
	assert.Equal(t, "Paris it is", outcome.Memory["answer"])

	types := eventTypes(h.drain())
	assert.Equal(t, 1, countType(types, events.TypeClientInputRequested))
	assert.Equal(t, 1, countType(types, events.TypeClientInputReceived))
	assert.GreaterOrEqual(t, countType(types, events.TypeClientOutputDelta), 1)
}

func TestClientFacingTextPausesForReply(t *testing.T) {
	h := newHarness(t)
	g := &graph.GraphSpec{
		ID: "advisor",
		Nodes: []*graph.NodeSpec{
			{ID: "advise", ClientFacing: true, OutputKeys: []string{"answer"}},
		},
		EntryNode:     "advise",
		TerminalNodes: []string{"advise"},
	}
	require.NoError(t, g.Validate())

	// Plain text before any user reply must be presented, not judged
	// against the missing outputs.
	client := llm.NewScriptClient(
		llm.ScriptTurn{Text: "I recommend the blue option."},
		llm.ScriptTurn{ToolCalls: []llm.ToolCall{setOutputCall("c1", "answer", "blue")}},
		llm.ScriptTurn{Text: "recorded"},
	)

	ex := h.executor(t, g, client, func(o *Options) {
		o.Inputs = fixedInput{reply: "go with blue"}
	})
	outcome, err := ex.Run(context.Background(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, outcome.Status)
	assert.Equal(t, "blue", outcome.Memory["answer"])

	evs := h.drain()
	types := eventTypes(evs)
	assert.Equal(t, 1, countType(types, events.TypeClientInputRequested))
	assert.Equal(t, 1, countType(types, events.TypeClientInputReceived))
	for _, ev := range evs {
		if ev.Type == events.TypeClientInputRequested {
			assert.Equal(t, "I recommend the blue option.", ev.Payload["prompt"])
		}
	}

	// The reply landed in the durable conversation as a user turn.
	parts, err := h.store.Conversation("test-session", "advise").ReadAll()
	require.NoError(t, err)
	var sawReply bool
	for _, p := range parts {
		if p.Role == session.RoleUser && p.Content == "go with blue" {
			sawReply = true
		}
	}
	assert.True(t, sawReply)
}

// haltingClient replays its turns, then cancels the run and blocks, as
// if the process died between model calls.
type haltingClient struct {
	mu     sync.Mutex
	turns  []llm.ScriptTurn
	cancel context.CancelFunc
}

func (c *haltingClient) Generate(ctx context.Context, _ llm.Request, _ llm.DeltaFunc) (*llm.Result, error) {
	c.mu.Lock()
	if len(c.turns) > 0 {
		turn := c.turns[0]
		c.turns = c.turns[1:]
		c.mu.Unlock()
		return &llm.Result{Text: turn.Text, ToolCalls: turn.ToolCalls}, nil
	}
	c.mu.Unlock()
	c.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestInterruptedNodeResumesWithoutRepeatingTurns(t *testing.T) {
	h := newHarness(t)
	g := &graph.GraphSpec{
		ID: "recorder",
		Nodes: []*graph.NodeSpec{
			{ID: "work", OutputKeys: []string{"partial"}},
		},
		EntryNode:     "work",
		TerminalNodes: []string{"work"},
	}
	require.NoError(t, g.Validate())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &haltingClient{
		turns:  []llm.ScriptTurn{{ToolCalls: []llm.ToolCall{setOutputCall("c1", "partial", 42)}}},
		cancel: cancel,
	}

	ex := h.executor(t, g, client, nil)
	outcome, err := ex.Run(ctx, "", nil)
	require.Error(t, err)
	assert.Equal(t, session.StatusCancelled, outcome.Status)

	// The recorded output is durable but not yet visible to the session.
	state, err := h.store.Load("test-session")
	require.NoError(t, err)
	_, leaked := state.Memory["partial"]
	assert.False(t, leaked, "unaccepted outputs stay out of shared memory")

	cur, err := h.store.NodeCursor("test-session", "work")
	require.NoError(t, err)
	assert.Equal(t, 1, cur.Iteration)
	assert.EqualValues(t, 42, cur.WipOutputs["partial"])

	// One remaining turn is enough: the completed turn is not re-issued
	// and the accumulator already holds the recorded output.
	resumeClient := llm.NewScriptClient(llm.ScriptTurn{Text: "all recorded"})
	ex2 := h.executor(t, g, resumeClient, nil)
	resumed, err := ex2.Resume(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, resumed.Status)
	assert.EqualValues(t, 42, resumed.Memory["partial"])

	reqs := resumeClient.Requests()
	require.Len(t, reqs, 1)
	// The resumed turn sees the interrupted run's own history.
	require.Len(t, reqs[0].Messages, 3)
	assert.Equal(t, llm.RoleTool, reqs[0].Messages[2].Role)

	state, err = h.store.Load("test-session")
	require.NoError(t, err)
	assert.EqualValues(t, 42, state.Memory["partial"])

	// The cursor is spent once the node accepts.
	cur, err = h.store.NodeCursor("test-session", "work")
	require.NoError(t, err)
	assert.False(t, cur.InFlight())
}

func TestContinuousConversationBoundaryMarker(t *testing.T) {
	h := newHarness(t)
	g := &graph.GraphSpec{
		ID: "journal",
		Nodes: []*graph.NodeSpec{
			{ID: "note", ConversationMode: graph.ConversationContinuous},
		},
		EntryNode:     "note",
		TerminalNodes: []string{"note"},
	}
	require.NoError(t, g.Validate())

	first := llm.NewScriptClient(llm.ScriptTurn{Text: "noted"})
	ex := h.executor(t, g, first, nil)
	_, err := ex.Run(context.Background(), "", nil)
	require.NoError(t, err)

	second := llm.NewScriptClient(llm.ScriptTurn{Text: "noted again"})
	ex2 := h.executor(t, g, second, func(o *Options) {
		o.Origin = "timer"
	})
	_, err = ex2.Run(context.Background(), "", nil)
	require.NoError(t, err)

	parts, err := h.store.Conversation("test-session", "note").ReadAll()
	require.NoError(t, err)
	// task, assistant, marker, task, assistant
	require.Len(t, parts, 5)
	assert.Equal(t, session.RoleMarker, parts[2].Role)
	assert.Contains(t, parts[2].Content, "timer")

	// The model sees the marker as a bracketed user message between the
	// two runs.
	reqs := second.Requests()
	require.Len(t, reqs, 1)
	require.Len(t, reqs[0].Messages, 4)
	assert.Equal(t, llm.RoleUser, reqs[0].Messages[2].Role)
	assert.Equal(t, "[new execution started via timer trigger]", reqs[0].Messages[2].Content)
}

func TestResumeWithoutFrontier(t *testing.T) {
	h := newHarness(t)
	g := pipelineGraph(t)
	_, err := h.store.Create("test-session", g.ID)
	require.NoError(t, err)

	ex := h.executor(t, g, llm.NewScriptClient(), nil)
	_, err = ex.Resume(context.Background())
	require.ErrorIs(t, err, ErrNothingToResume)
}
