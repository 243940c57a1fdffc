package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hiveloop/hiveloop/internal/common/config"
	"github.com/hiveloop/hiveloop/internal/common/logger"
	"github.com/hiveloop/hiveloop/internal/events/bus"
	"github.com/hiveloop/hiveloop/internal/executor"
	"github.com/hiveloop/hiveloop/internal/graph"
	"github.com/hiveloop/hiveloop/internal/llm"
	"github.com/hiveloop/hiveloop/internal/session"
	"github.com/hiveloop/hiveloop/internal/tools"
)

var (
	// ErrGraphNotFound is returned for operations on an unknown graph.
	ErrGraphNotFound = errors.New("graph not found")
	// ErrEntryPointNotFound is returned for an unknown entry point.
	ErrEntryPointNotFound = errors.New("entry point not found")
	// ErrNoPrimaryGraph is returned by chat routing when no primary graph
	// is registered.
	ErrNoPrimaryGraph = errors.New("no primary graph")
)

// Options configures a Runtime.
type Options struct {
	Bus      *bus.Bus
	Store    *session.Store
	Registry *tools.Local
	Client   llm.Client
	Judge    executor.Judge
	Loop     config.LoopConfig
	Log      *logger.Logger
}

// hostedGraph is one registered graph with its streams and running
// trigger sources.
type hostedGraph struct {
	pkg     *graph.Package
	primary bool
	store   *session.Store
	streams map[string]*Stream
	stops   []func()
}

// Runtime hosts multiple graphs over one bus, one tool registry, and one
// model client. One graph is primary; the rest observe and assist it.
type Runtime struct {
	bus      *bus.Bus
	store    *session.Store
	registry *tools.Local
	client   llm.Client
	judge    executor.Judge
	loop     config.LoopConfig
	log      *logger.Logger

	mu        sync.RWMutex
	graphs    map[string]*hostedGraph
	primaryID string
	activeID  string
	lastInput time.Time
}

// New creates an empty runtime.
func New(opts Options) (*Runtime, error) {
	if opts.Bus == nil || opts.Store == nil || opts.Registry == nil || opts.Client == nil {
		return nil, fmt.Errorf("runtime needs bus, store, registry, and client")
	}
	if opts.Log == nil {
		opts.Log = logger.Default()
	}
	return &Runtime{
		bus:      opts.Bus,
		store:    opts.Store,
		registry: opts.Registry,
		client:   opts.Client,
		judge:    opts.Judge,
		loop:     opts.Loop,
		log:      opts.Log.WithFields(zap.String("component", "runtime")),
		graphs:   make(map[string]*hostedGraph),
	}, nil
}

// AddGraph registers a validated agent package. The first graph added as
// primary becomes the chat target; secondary graphs get their sessions
// nested under the primary session so their state travels with it.
func (r *Runtime) AddGraph(pkg *graph.Package, primary bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Re-validation is cheap and makes programmatically built packages
	// safe to register without going through the loader.
	if err := pkg.Graph.Validate(); err != nil {
		return err
	}
	graphID := pkg.Graph.ID
	if _, dup := r.graphs[graphID]; dup {
		return fmt.Errorf("graph %s already registered", graphID)
	}
	if primary && r.primaryID != "" {
		return fmt.Errorf("primary graph already set to %s", r.primaryID)
	}

	store := r.store
	if !primary && r.primaryID != "" {
		if _, err := r.store.Create(r.primarySessionID(), r.primaryID); err != nil {
			return err
		}
		child, err := r.store.ChildStoreFor(r.primarySessionID(), graphID)
		if err != nil {
			return err
		}
		store = child
	}

	hg := &hostedGraph{
		pkg:     pkg,
		primary: primary,
		store:   store,
		streams: make(map[string]*Stream),
	}
	for _, ep := range pkg.EntryPoints {
		hg.streams[ep.ID] = NewStream(
			graphID+"/"+ep.ID,
			sessionIDFor(graphID, ep),
			ep.MaxConcurrent,
		)
	}
	r.graphs[graphID] = hg
	if primary {
		r.primaryID = graphID
		if r.activeID == "" {
			r.activeID = graphID
		}
	}

	r.startTriggers(hg)
	r.log.Info("Graph registered",
		zap.String("graph_id", graphID),
		zap.Bool("primary", primary),
		zap.Int("entry_points", len(pkg.EntryPoints)))
	return nil
}

// sessionIDFor maps an entry point to its session. Shared and
// synchronized entry points converge on the graph's session; isolated
// ones get a deterministic session of their own.
func sessionIDFor(graphID string, ep *graph.EntryPointSpec) string {
	if ep.IsolationLevel == graph.IsolationIsolated {
		return "ep-" + graphID + "-" + ep.ID
	}
	return graphID
}

func (r *Runtime) primarySessionID() string {
	return r.primaryID
}

// RemoveGraph stops a graph's triggers, cancels its executions, and
// unregisters it. The primary graph cannot be removed while secondary
// graphs depend on its session root; shut the runtime down instead.
func (r *Runtime) RemoveGraph(graphID string) error {
	return r.removeGraph(graphID, false)
}

func (r *Runtime) removeGraph(graphID string, force bool) error {
	r.mu.Lock()
	hg, ok := r.graphs[graphID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}
	if graphID == r.primaryID && !force {
		r.mu.Unlock()
		return fmt.Errorf("graph %s is primary and cannot be removed", graphID)
	}
	delete(r.graphs, graphID)
	if r.primaryID == graphID {
		r.primaryID = ""
	}
	if r.activeID == graphID {
		r.activeID = r.primaryID
	}
	r.mu.Unlock()

	for _, stop := range hg.stops {
		stop()
	}
	for _, stream := range hg.streams {
		stream.Cancel()
	}
	r.log.Info("Graph removed", zap.String("graph_id", graphID))
	return nil
}

// Graphs returns the registered graph ids, sorted.
func (r *Runtime) Graphs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveGraphID returns the focused graph id. Focus starts on the
// primary graph and only affects default routing for operator-facing
// calls; non-active graphs keep running.
func (r *Runtime) ActiveGraphID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.activeID != "" {
		return r.activeID
	}
	return r.primaryID
}

// SetActiveGraph moves operator focus to a registered graph.
func (r *Runtime) SetActiveGraph(graphID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.graphs[graphID]; !ok {
		return fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}
	r.activeID = graphID
	return nil
}

// Handle tracks one asynchronous execution.
type Handle struct {
	GraphID      string
	EntryPointID string
	StreamID     string
	SessionID    string

	done    chan struct{}
	outcome *executor.Outcome
	err     error
}

// Wait blocks until the execution finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) (*executor.Outcome, error) {
	select {
	case <-h.done:
		return h.outcome, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TriggerOption adjusts how one execution is started.
type TriggerOption func(*triggerConfig)

type triggerConfig struct {
	sessionID string
	fresh     bool
}

// WithSessionID runs the execution on a specific session instead of the
// entry point's default, resuming that session's conversations and
// memory.
func WithSessionID(sessionID string) TriggerOption {
	return func(c *triggerConfig) { c.sessionID = sessionID }
}

// WithFreshSession runs the execution on a new session with a generated
// id, so independent manual runs do not share memory or frontier.
func WithFreshSession() TriggerOption {
	return func(c *triggerConfig) { c.fresh = true }
}

// sessionFor picks the execution's session: the caller's explicit
// choice, a generated fresh id, or the stream's default.
func sessionFor(graphID string, stream *Stream, opts []TriggerOption) string {
	var cfg triggerConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.sessionID != "":
		return cfg.sessionID
	case cfg.fresh:
		return graphID + "-" + uuid.NewString()
	default:
		return stream.SessionID
	}
}

// Trigger starts an execution through the named entry point. It fails
// fast with ErrStreamBusy when the entry point's stream has no free slot.
func (r *Runtime) Trigger(ctx context.Context, graphID, entryPointID string, seed map[string]any, opts ...TriggerOption) (*Handle, error) {
	hg, ep, stream, err := r.resolve(graphID, entryPointID)
	if err != nil {
		return nil, err
	}
	if !stream.Acquire() {
		return nil, fmt.Errorf("%w: %s/%s", ErrStreamBusy, graphID, entryPointID)
	}

	seed = r.bridgeSeed(hg, ep, seed)
	sessionID := sessionFor(graphID, stream, opts)

	handle := &Handle{
		GraphID:      graphID,
		EntryPointID: entryPointID,
		StreamID:     stream.ID,
		SessionID:    sessionID,
		done:         make(chan struct{}),
	}
	go func() {
		defer close(handle.done)
		handle.outcome, handle.err = stream.Run(ctx, func(runCtx context.Context) (*executor.Outcome, error) {
			ex, err := r.newExecutor(hg, ep, stream, sessionID)
			if err != nil {
				return nil, err
			}
			return ex.Run(runCtx, ep.EntryNode, seed)
		})
		if handle.err != nil {
			r.log.Warn("Execution finished with error",
				zap.String("graph_id", graphID),
				zap.String("entry_point", entryPointID),
				zap.Error(handle.err))
		}
	}()
	return handle, nil
}

// Resume continues an interrupted execution on the entry point's session,
// or on a specific session given with WithSessionID.
func (r *Runtime) Resume(ctx context.Context, graphID, entryPointID string, opts ...TriggerOption) (*Handle, error) {
	hg, ep, stream, err := r.resolve(graphID, entryPointID)
	if err != nil {
		return nil, err
	}
	if !stream.Acquire() {
		return nil, fmt.Errorf("%w: %s/%s", ErrStreamBusy, graphID, entryPointID)
	}

	sessionID := sessionFor(graphID, stream, opts)
	handle := &Handle{
		GraphID:      graphID,
		EntryPointID: entryPointID,
		StreamID:     stream.ID,
		SessionID:    sessionID,
		done:         make(chan struct{}),
	}
	go func() {
		defer close(handle.done)
		handle.outcome, handle.err = stream.Run(ctx, func(runCtx context.Context) (*executor.Outcome, error) {
			ex, err := r.newExecutor(hg, ep, stream, sessionID)
			if err != nil {
				return nil, err
			}
			return ex.Resume(runCtx)
		})
	}()
	return handle, nil
}

// bridgeSeed merges selected primary-session memory into a secondary
// graph's seed. Only the entry node's declared input keys cross the
// boundary; the caller's explicit seed wins on conflict.
func (r *Runtime) bridgeSeed(hg *hostedGraph, ep *graph.EntryPointSpec, seed map[string]any) map[string]any {
	if hg.primary || r.primaryID == "" {
		return seed
	}
	node := hg.pkg.Graph.Node(ep.EntryNode)
	if node == nil || len(node.InputKeys) == 0 {
		return seed
	}
	primaryState, err := r.store.Load(r.primarySessionID())
	if err != nil {
		return seed
	}
	merged := make(map[string]any)
	for _, k := range node.InputKeys {
		if v, ok := primaryState.Memory[k]; ok {
			merged[k] = v
		}
	}
	for k, v := range seed {
		merged[k] = v
	}
	return merged
}

func (r *Runtime) newExecutor(hg *hostedGraph, ep *graph.EntryPointSpec, stream *Stream, sessionID string) (*executor.Executor, error) {
	return executor.New(executor.Options{
		Graph:     hg.pkg.Graph,
		Goal:      hg.pkg.Goal,
		Store:     hg.store,
		SessionID: sessionID,
		StreamID:  stream.ID,
		Origin:    string(ep.TriggerType),
		Bus:       r.bus,
		Registry:  r.registry,
		Client:    r.client,
		Judge:     r.judge,
		Loop:      r.loop,
		Inputs:    stream,
		Log:       r.log,
	})
}

func (r *Runtime) resolve(graphID, entryPointID string) (*hostedGraph, *graph.EntryPointSpec, *Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hg, ok := r.graphs[graphID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}
	for _, ep := range hg.pkg.EntryPoints {
		if ep.ID == entryPointID {
			return hg, ep, hg.streams[entryPointID], nil
		}
	}
	return nil, nil, nil, fmt.Errorf("%w: %s/%s", ErrEntryPointNotFound, graphID, entryPointID)
}

// InjectInput delivers operator input to the node waiting on the given
// entry point's stream.
func (r *Runtime) InjectInput(graphID, entryPointID, text string) error {
	_, _, stream, err := r.resolve(graphID, entryPointID)
	if err != nil {
		return err
	}
	if err := stream.Inject(text); err != nil {
		return err
	}
	r.touchInput()
	return nil
}

// Chat routes free-form operator text: when a node of the primary graph
// is waiting for input the text answers it, otherwise a new execution is
// started through the primary graph's first manual entry point with the
// text seeded as user_message.
func (r *Runtime) Chat(ctx context.Context, text string) (*Handle, error) {
	r.mu.RLock()
	primaryID := r.primaryID
	hg := r.graphs[primaryID]
	r.mu.RUnlock()
	if hg == nil {
		return nil, ErrNoPrimaryGraph
	}

	for _, ep := range hg.pkg.EntryPoints {
		stream := hg.streams[ep.ID]
		if stream != nil && stream.AwaitingInput() {
			if err := stream.Inject(text); err != nil {
				return nil, err
			}
			r.touchInput()
			return nil, nil
		}
	}

	for _, ep := range hg.pkg.EntryPoints {
		if ep.TriggerType == graph.TriggerManual {
			handle, err := r.Trigger(ctx, primaryID, ep.ID, map[string]any{"user_message": text})
			if err != nil {
				return nil, err
			}
			// The idle clock only moves once the text has actually
			// reached the graph.
			r.touchInput()
			return handle, nil
		}
	}
	return nil, fmt.Errorf("%w: graph %s has no manual entry point", ErrEntryPointNotFound, primaryID)
}

// Stop cancels every running execution of a graph.
func (r *Runtime) Stop(graphID string) error {
	r.mu.RLock()
	hg, ok := r.graphs[graphID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}
	for _, stream := range hg.streams {
		stream.Cancel()
	}
	return nil
}

func (r *Runtime) touchInput() {
	r.mu.Lock()
	r.lastInput = time.Now()
	r.mu.Unlock()
}

// UserIdleSeconds reports how long it has been since the operator last
// sent input, or -1 when no input has been seen since startup. Monitoring
// graphs use it to decide when to escalate versus when the human is
// clearly at the keyboard.
func (r *Runtime) UserIdleSeconds() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastInput.IsZero() {
		return -1
	}
	return time.Since(r.lastInput).Seconds()
}

// SessionStoreFor returns the store holding a graph's sessions.
func (r *Runtime) SessionStoreFor(graphID string) (*session.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hg, ok := r.graphs[graphID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}
	return hg.store, nil
}

// Package returns a registered graph's package.
func (r *Runtime) Package(graphID string) (*graph.Package, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hg, ok := r.graphs[graphID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrGraphNotFound, graphID)
	}
	return hg.pkg, nil
}

// Shutdown removes every graph, stopping triggers and cancelling
// executions.
func (r *Runtime) Shutdown(ctx context.Context) error {
	for _, id := range r.Graphs() {
		if err := r.removeGraph(id, true); err != nil {
			return err
		}
	}
	return ctx.Err()
}
