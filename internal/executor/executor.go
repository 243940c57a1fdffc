package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hiveloop/hiveloop/internal/common/config"
	"github.com/hiveloop/hiveloop/internal/common/logger"
	"github.com/hiveloop/hiveloop/internal/events"
	"github.com/hiveloop/hiveloop/internal/events/bus"
	"github.com/hiveloop/hiveloop/internal/graph"
	"github.com/hiveloop/hiveloop/internal/llm"
	"github.com/hiveloop/hiveloop/internal/memory"
	"github.com/hiveloop/hiveloop/internal/session"
	"github.com/hiveloop/hiveloop/internal/tools"
	"github.com/hiveloop/hiveloop/internal/tracing"
)

var (
	// ErrNodeEscalated is returned when a node's judge escalates and no
	// failure edge absorbs it.
	ErrNodeEscalated = errors.New("node escalated")
	// ErrDeadEnd is returned when a non-terminal node finishes with no
	// matching outgoing edge.
	ErrDeadEnd = errors.New("no matching outgoing edge")
	// ErrNothingToResume is returned when Resume finds no persisted
	// frontier.
	ErrNothingToResume = errors.New("nothing to resume")
)

// InputProvider delivers human replies to a waiting client-facing node.
type InputProvider interface {
	Await(ctx context.Context) (string, error)
}

// Summarizer condenses older conversation turns during history
// compaction. Optional; without one, compacted turns are elided.
type Summarizer func(ctx context.Context, msgs []llm.Message) (string, error)

// Options configures one Executor.
type Options struct {
	Graph     *graph.GraphSpec
	Goal      *graph.Goal
	Store     *session.Store
	SessionID string
	StreamID  string
	Bus       *bus.Bus
	Registry  *tools.Local
	Client    llm.Client
	Judge     Judge
	Loop      config.LoopConfig
	Inputs    InputProvider
	Summarize Summarizer
	// Origin names what started the execution (manual, timer, event,
	// webhook, chat). It is rendered into conversation boundary markers.
	Origin string
	Log    *logger.Logger
}

// Outcome is the final record of one execution.
type Outcome struct {
	ExecutionID string
	Status      session.Status
	Memory      map[string]any
	Visits      map[string]int
	// PausedAt holds the frontier when Status is paused.
	PausedAt []string
	Reason   string
}

// Executor runs one graph within one session. Executors are single-use
// per Run/Resume call but safe to reuse sequentially.
type Executor struct {
	graph     *graph.GraphSpec
	goal      *graph.Goal
	store     *session.Store
	sid       string
	streamID  string
	bus       *bus.Bus
	registry  *tools.Local
	client    llm.Client
	judge     Judge
	loop      config.LoopConfig
	inputs    InputProvider
	summarize Summarizer
	origin    string
	log       *logger.Logger

	mem *memory.Shared

	mu        sync.Mutex
	cleanedUp bool
}

// New validates options and builds an executor.
func New(opts Options) (*Executor, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("executor needs a graph")
	}
	if opts.Store == nil || opts.SessionID == "" {
		return nil, fmt.Errorf("executor needs a session")
	}
	if opts.Bus == nil {
		return nil, fmt.Errorf("executor needs an event bus")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("executor needs a tool registry")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("executor needs an llm client")
	}
	if opts.Judge == nil {
		opts.Judge = ImplicitJudge{}
	}
	if opts.Loop.MaxIterations <= 0 {
		opts.Loop.MaxIterations = 50
	}
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	return &Executor{
		graph:     opts.Graph,
		goal:      opts.Goal,
		store:     opts.Store,
		sid:       opts.SessionID,
		streamID:  opts.StreamID,
		bus:       opts.Bus,
		registry:  opts.Registry,
		client:    opts.Client,
		judge:     opts.Judge,
		loop:      opts.Loop,
		inputs:    opts.Inputs,
		summarize: opts.Summarize,
		origin:    opts.Origin,
		log: opts.Log.WithFields(zap.String("component", "executor")).
			WithGraphID(opts.Graph.ID).
			WithSessionID(opts.SessionID),
	}, nil
}

// Run starts a fresh execution at entryNode, seeding shared memory with
// seed before the first node runs.
func (e *Executor) Run(ctx context.Context, entryNode string, seed map[string]any) (*Outcome, error) {
	if entryNode == "" {
		entryNode = e.graph.EntryNode
	}
	if e.graph.Node(entryNode) == nil {
		return nil, fmt.Errorf("unknown entry node %q", entryNode)
	}

	executionID := uuid.New().String()
	ctx, span := tracing.TraceExecution(ctx, executionID, e.graph.ID, e.sid)
	defer span.End()

	if _, err := e.store.Create(e.sid, e.graph.ID); err != nil {
		return nil, err
	}
	state, err := e.store.Update(ctx, e.sid, func(st *session.State) error {
		for k, v := range seed {
			st.Memory[k] = v
		}
		st.Metrics = session.Bookkeeping{
			ExecutionID: executionID,
			Status:      session.StatusRunning,
			Frontier:    []string{entryNode},
			VisitCounts: map[string]int{},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.mem = memory.NewShared(state.Memory)

	// A fresh execution starts every node loop from scratch; leftover
	// cursors belong to an execution that was never resumed.
	for _, n := range e.graph.Nodes {
		if err := e.store.ClearNodeCursor(e.sid, n.ID); err != nil {
			return nil, err
		}
	}

	e.publish(events.TypeExecutionStarted, executionID, "", map[string]any{
		"entry_node": entryNode,
	})
	outcome, err := e.walk(ctx, executionID, []string{entryNode}, map[string]int{}, false)
	tracing.RecordResult(span, outcomeStatus(outcome), err)
	return outcome, err
}

func outcomeStatus(o *Outcome) string {
	if o == nil {
		return ""
	}
	return string(o.Status)
}

// Resume continues a paused or interrupted execution from the persisted
// frontier. Conversations of frontier nodes are repaired first so the
// model never sees a dangling tool call.
func (e *Executor) Resume(ctx context.Context) (*Outcome, error) {
	state, err := e.store.Load(e.sid)
	if err != nil {
		return nil, err
	}
	if len(state.Metrics.Frontier) == 0 {
		return nil, ErrNothingToResume
	}
	executionID := state.Metrics.ExecutionID
	if executionID == "" {
		executionID = uuid.New().String()
	}
	ctx, span := tracing.TraceExecution(ctx, executionID, e.graph.ID, e.sid)
	defer span.End()

	for _, nodeID := range state.Metrics.Frontier {
		if _, err := e.store.Conversation(e.sid, nodeID).Repair(); err != nil {
			return nil, fmt.Errorf("repair conversation %s: %w", nodeID, err)
		}
	}

	visits := state.Metrics.VisitCounts
	if visits == nil {
		visits = map[string]int{}
	}
	if _, err := e.store.Update(ctx, e.sid, func(st *session.State) error {
		st.Metrics.Status = session.StatusRunning
		st.Metrics.PausedNode = ""
		return nil
	}); err != nil {
		return nil, err
	}
	e.mem = memory.NewShared(state.Memory)

	outcome, err := e.walk(ctx, executionID, state.Metrics.Frontier, visits, true)
	tracing.RecordResult(span, outcomeStatus(outcome), err)
	return outcome, err
}

// walk executes the graph wave by wave. Each wave is the current
// frontier; sibling nodes in a wave run concurrently, and the next wave
// is the deduplicated union of their selected edge targets.
func (e *Executor) walk(ctx context.Context, executionID string, frontier []string, visits map[string]int, resumed bool) (*Outcome, error) {
	firstWave := true
	for len(frontier) > 0 {
		if err := ctx.Err(); err != nil {
			return e.cancelled(executionID, frontier, visits, err)
		}

		// Pause nodes interrupt before they run, except on the wave a
		// resume re-enters them with.
		if !(firstWave && resumed) {
			if paused := e.pauseTargets(frontier); len(paused) > 0 {
				return e.paused(ctx, executionID, frontier, visits, paused[0])
			}
		}
		firstWave = false

		for _, nodeID := range frontier {
			node := e.graph.Node(nodeID)
			if !withinVisitBudget(node, visits) {
				return e.failed(ctx, executionID, frontier, visits,
					fmt.Errorf("%w: node %s exceeded %d visits", ErrNodeEscalated, nodeID, node.MaxNodeVisits))
			}
			visits[nodeID]++
		}
		if err := e.persistProgress(ctx, executionID, frontier, visits); err != nil {
			return nil, err
		}

		results, err := e.runWave(ctx, executionID, frontier, visits)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelled(executionID, frontier, visits, ctx.Err())
			}
			return e.failed(ctx, executionID, frontier, visits, err)
		}

		next, terminalReached, err := e.advance(executionID, results, visits)
		if err != nil {
			return e.failed(ctx, executionID, frontier, visits, err)
		}
		if terminalReached {
			return e.completed(ctx, executionID, visits)
		}
		frontier = next
	}
	return e.completed(ctx, executionID, visits)
}

type nodeResult struct {
	nodeID  string
	success bool
	reason  string
}

// runWave executes every frontier node, concurrently when there is more
// than one. A hard node error aborts the wave.
func (e *Executor) runWave(ctx context.Context, executionID string, frontier []string, visits map[string]int) ([]nodeResult, error) {
	results := make([]nodeResult, len(frontier))
	if len(frontier) == 1 {
		res, err := e.runNode(ctx, executionID, e.graph.Node(frontier[0]), visits[frontier[0]])
		if err != nil {
			return nil, err
		}
		results[0] = res
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, nodeID := range frontier {
		i, nodeID := i, nodeID
		g.Go(func() error {
			res, err := e.runNode(gctx, executionID, e.graph.Node(nodeID), visits[nodeID])
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// advance selects edges for each wave result and builds the next
// frontier. Reaching a terminal node successfully ends the execution.
func (e *Executor) advance(executionID string, results []nodeResult, visits map[string]int) ([]string, bool, error) {
	snapshot := e.mem.Snapshot()
	var next []string
	seen := make(map[string]bool)
	for _, res := range results {
		if res.success && e.graph.IsTerminal(res.nodeID) {
			return nil, true, nil
		}
		edges := selectEdges(e.graph, res.nodeID, res.success, snapshot, visits)
		if len(edges) == 0 {
			if !res.success {
				return nil, false, fmt.Errorf("%w: node %s: %s", ErrNodeEscalated, res.nodeID, res.reason)
			}
			return nil, false, fmt.Errorf("%w: node %s", ErrDeadEnd, res.nodeID)
		}
		for _, edge := range edges {
			e.publish(events.TypeEdgeTraversed, executionID, res.nodeID, map[string]any{
				"edge_id":   edge.ID,
				"target":    edge.Target,
				"condition": string(edge.Condition),
			})
			if !seen[edge.Target] {
				seen[edge.Target] = true
				next = append(next, edge.Target)
			}
		}
	}
	return next, false, nil
}

func (e *Executor) pauseTargets(frontier []string) []string {
	var paused []string
	for _, nodeID := range frontier {
		if e.graph.IsPause(nodeID) {
			paused = append(paused, nodeID)
		}
	}
	return paused
}

func (e *Executor) persistProgress(ctx context.Context, executionID string, frontier []string, visits map[string]int) error {
	_, err := e.store.Update(ctx, e.sid, func(st *session.State) error {
		st.Metrics.ExecutionID = executionID
		st.Metrics.Status = session.StatusRunning
		st.Metrics.Frontier = append([]string(nil), frontier...)
		st.Metrics.VisitCounts = visits
		return nil
	})
	return err
}

func (e *Executor) completed(ctx context.Context, executionID string, visits map[string]int) (*Outcome, error) {
	mem := e.mem.Snapshot()
	_, err := e.store.Update(ctx, e.sid, func(st *session.State) error {
		st.Metrics.Status = session.StatusCompleted
		st.Metrics.Frontier = nil
		st.Metrics.VisitCounts = visits
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(events.TypeExecutionCompleted, executionID, "", map[string]any{
		"memory_keys": e.mem.Keys(),
	})
	return &Outcome{
		ExecutionID: executionID,
		Status:      session.StatusCompleted,
		Memory:      mem,
		Visits:      visits,
	}, nil
}

func (e *Executor) paused(ctx context.Context, executionID string, frontier []string, visits map[string]int, pausedNode string) (*Outcome, error) {
	_, err := e.store.Update(ctx, e.sid, func(st *session.State) error {
		st.Metrics.Status = session.StatusPaused
		st.Metrics.Frontier = append([]string(nil), frontier...)
		st.Metrics.VisitCounts = visits
		st.Metrics.PausedNode = pausedNode
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publish(events.TypeExecutionPaused, executionID, pausedNode, map[string]any{
		"frontier": frontier,
	})
	return &Outcome{
		ExecutionID: executionID,
		Status:      session.StatusPaused,
		Memory:      e.mem.Snapshot(),
		Visits:      visits,
		PausedAt:    frontier,
	}, nil
}

func (e *Executor) failed(ctx context.Context, executionID string, frontier []string, visits map[string]int, cause error) (*Outcome, error) {
	_, uerr := e.store.Update(ctx, e.sid, func(st *session.State) error {
		st.Metrics.Status = session.StatusFailed
		st.Metrics.Frontier = append([]string(nil), frontier...)
		st.Metrics.VisitCounts = visits
		return nil
	})
	if uerr != nil {
		e.log.Error("Failed to persist failure state", zap.Error(uerr))
	}
	e.publish(events.TypeExecutionFailed, executionID, "", map[string]any{
		"error": cause.Error(),
	})
	return &Outcome{
		ExecutionID: executionID,
		Status:      session.StatusFailed,
		Memory:      e.mem.Snapshot(),
		Visits:      visits,
		Reason:      cause.Error(),
	}, cause
}

// cancelled runs the interruption cleanup. The sequence is idempotent:
// repair frontier conversations, persist the frontier with cancelled
// status, then announce the failure. Outputs recorded mid-run stay in
// the node cursors and flush when the run is resumed and accepted.
func (e *Executor) cancelled(executionID string, frontier []string, visits map[string]int, cause error) (*Outcome, error) {
	e.mu.Lock()
	already := e.cleanedUp
	e.cleanedUp = true
	e.mu.Unlock()

	if !already {
		for _, nodeID := range frontier {
			if _, err := e.store.Conversation(e.sid, nodeID).Repair(); err != nil {
				e.log.Warn("Conversation repair failed during cancellation",
					zap.String("node_id", nodeID), zap.Error(err))
			}
		}
		// A fresh context: the run context is already dead.
		_, err := e.store.Update(context.Background(), e.sid, func(st *session.State) error {
			st.Metrics.Status = session.StatusCancelled
			st.Metrics.Frontier = append([]string(nil), frontier...)
			st.Metrics.VisitCounts = visits
			return nil
		})
		if err != nil {
			e.log.Error("Failed to persist cancellation state", zap.Error(err))
		}
		e.publish(events.TypeExecutionFailed, executionID, "", map[string]any{
			"error":     "execution cancelled",
			"cancelled": true,
			"frontier":  frontier,
		})
	}
	return &Outcome{
		ExecutionID: executionID,
		Status:      session.StatusCancelled,
		Memory:      e.mem.Snapshot(),
		Visits:      visits,
		PausedAt:    frontier,
		Reason:      "execution cancelled",
	}, cause
}

func (e *Executor) publish(eventType events.Type, executionID, nodeID string, payload map[string]any) {
	ev := events.New(eventType, payload)
	ev.GraphID = e.graph.ID
	ev.StreamID = e.streamID
	ev.NodeID = nodeID
	ev.ExecutionID = executionID
	e.bus.Publish(ev)
}
