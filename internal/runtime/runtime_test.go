package runtime

import (
	"context"
	"strings"
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

func simplePackage(t *testing.T, graphID string, eps ...*graph.EntryPointSpec) *graph.Package {
	t.Helper()
	g := &graph.GraphSpec{
		ID: graphID,
		Nodes: []*graph.NodeSpec{
			{ID: "work", SystemPrompt: "node:" + graphID},
		},
		EntryNode:     "work",
		TerminalNodes: []string{"work"},
	}
	require.NoError(t, g.Validate())
	if len(eps) == 0 {
		eps = []*graph.EntryPointSpec{{ID: "manual", TriggerType: graph.TriggerManual}}
	}
	for _, ep := range eps {
		if ep.EntryNode == "" {
			ep.EntryNode = "work"
		}
		if ep.IsolationLevel == "" {
			ep.IsolationLevel = graph.IsolationShared
		}
	}
	return &graph.Package{Name: graphID, Graph: g, EntryPoints: eps}
}

func newRuntime(t *testing.T, client llm.Client) (*Runtime, *bus.Bus) {
	t.Helper()
	store, err := session.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	b := bus.New(1024, nil)
	t.Cleanup(b.Close)
	registry := tools.NewLocal()
	require.NoError(t, tools.RegisterSetOutput(registry))

	rt, err := New(Options{
		Bus:      b,
		Store:    store,
		Registry: registry,
		Client:   client,
		Loop:     config.LoopConfig{MaxIterations: 5},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
	return rt, b
}

func TestAddAndRemoveGraphs(t *testing.T) {
	rt, _ := newRuntime(t, llm.NewScriptClient())

	require.NoError(t, rt.AddGraph(simplePackage(t, "alpha"), true))
	require.NoError(t, rt.AddGraph(simplePackage(t, "beta"), false))

	assert.Equal(t, []string{"alpha", "beta"}, rt.Graphs())
	assert.Equal(t, "alpha", rt.ActiveGraphID())

	require.Error(t, rt.AddGraph(simplePackage(t, "alpha"), false), "duplicate id")
	require.Error(t, rt.AddGraph(simplePackage(t, "gamma"), true), "second primary")

	// Focus can move to any registered graph; removal restores it to the
	// primary.
	require.NoError(t, rt.SetActiveGraph("beta"))
	assert.Equal(t, "beta", rt.ActiveGraphID())
	require.ErrorIs(t, rt.SetActiveGraph("gamma"), ErrGraphNotFound)

	require.Error(t, rt.RemoveGraph("alpha"), "primary is not removable")

	require.NoError(t, rt.RemoveGraph("beta"))
	assert.Equal(t, []string{"alpha"}, rt.Graphs())
	assert.Equal(t, "alpha", rt.ActiveGraphID())
	require.ErrorIs(t, rt.RemoveGraph("beta"), ErrGraphNotFound)
}

func TestTriggerManual(t *testing.T) {
	client := llm.NewScriptClient(llm.ScriptTurn{Text: "done"})
	rt, _ := newRuntime(t, client)
	require.NoError(t, rt.AddGraph(simplePackage(t, "alpha"), true))

	handle, err := rt.Trigger(context.Background(), "alpha", "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", handle.SessionID)

	outcome, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, outcome.Status)
}

func TestTriggerErrors(t *testing.T) {
	rt, _ := newRuntime(t, llm.NewScriptClient())
	require.NoError(t, rt.AddGraph(simplePackage(t, "alpha"), true))

	_, err := rt.Trigger(context.Background(), "missing", "manual", nil)
	require.ErrorIs(t, err, ErrGraphNotFound)

	_, err = rt.Trigger(context.Background(), "alpha", "missing", nil)
	require.ErrorIs(t, err, ErrEntryPointNotFound)
}

type stallingClient struct{ release chan struct{} }

func (c *stallingClient) Generate(ctx context.Context, _ llm.Request, _ llm.DeltaFunc) (*llm.Result, error) {
	select {
	case <-c.release:
		return &llm.Result{Text: "done"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestTriggerStreamBusy(t *testing.T) {
	client := &stallingClient{release: make(chan struct{})}
	rt, _ := newRuntime(t, client)
	require.NoError(t, rt.AddGraph(simplePackage(t, "alpha"), true))

	handle, err := rt.Trigger(context.Background(), "alpha", "manual", nil)
	require.NoError(t, err)

	// Second trigger while the first is mid-run is refused, not queued.
	_, err = rt.Trigger(context.Background(), "alpha", "manual", nil)
	require.ErrorIs(t, err, ErrStreamBusy)

	close(client.release)
	_, err = handle.Wait(context.Background())
	require.NoError(t, err)
}

func TestIsolatedEntryPointGetsOwnSession(t *testing.T) {
	client := llm.NewScriptClient(llm.ScriptTurn{Text: "a"}, llm.ScriptTurn{Text: "b"})
	rt, _ := newRuntime(t, client)
	pkg := simplePackage(t, "alpha",
		&graph.EntryPointSpec{ID: "manual", TriggerType: graph.TriggerManual},
		&graph.EntryPointSpec{ID: "solo", TriggerType: graph.TriggerManual, IsolationLevel: graph.IsolationIsolated},
	)
	require.NoError(t, rt.AddGraph(pkg, true))

	h1, err := rt.Trigger(context.Background(), "alpha", "manual", nil)
	require.NoError(t, err)
	h2, err := rt.Trigger(context.Background(), "alpha", "solo", nil)
	require.NoError(t, err)

	assert.Equal(t, "alpha", h1.SessionID)
	assert.Equal(t, "ep-alpha-solo", h2.SessionID)
	_, err = h1.Wait(context.Background())
	require.NoError(t, err)
	_, err = h2.Wait(context.Background())
	require.NoError(t, err)
}

func TestTriggerSessionSelection(t *testing.T) {
	client := llm.NewScriptClient(
		llm.ScriptTurn{Text: "a"},
		llm.ScriptTurn{Text: "b"},
		llm.ScriptTurn{Text: "c"},
	)
	rt, _ := newRuntime(t, client)
	require.NoError(t, rt.AddGraph(simplePackage(t, "alpha"), true))

	// A fresh session gets a generated id, so the run cannot see or
	// overwrite the default session's memory.
	fresh, err := rt.Trigger(context.Background(), "alpha", "manual", nil, WithFreshSession())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(fresh.SessionID, "alpha-"))
	_, err = fresh.Wait(context.Background())
	require.NoError(t, err)

	// An explicit id pins the run to that session.
	pinned, err := rt.Trigger(context.Background(), "alpha", "manual", nil, WithSessionID("alpha-replay"))
	require.NoError(t, err)
	assert.Equal(t, "alpha-replay", pinned.SessionID)
	_, err = pinned.Wait(context.Background())
	require.NoError(t, err)

	// No option falls back to the entry point's default session.
	dflt, err := rt.Trigger(context.Background(), "alpha", "manual", nil)
	require.NoError(t, err)
	assert.Equal(t, "alpha", dflt.SessionID)
	_, err = dflt.Wait(context.Background())
	require.NoError(t, err)

	store, err := rt.SessionStoreFor("alpha")
	require.NoError(t, err)
	assert.True(t, store.Exists(fresh.SessionID))
	assert.True(t, store.Exists("alpha-replay"))
	assert.True(t, store.Exists("alpha"))
}

func TestChatRouting(t *testing.T) {
	client := llm.NewScriptClient(llm.ScriptTurn{Text: "replied"})
	rt, _ := newRuntime(t, client)

	_, err := rt.Chat(context.Background(), "hello")
	require.ErrorIs(t, err, ErrNoPrimaryGraph)

	require.NoError(t, rt.AddGraph(simplePackage(t, "alpha"), true))
	assert.Equal(t, -1.0, rt.UserIdleSeconds(), "no input seen yet")

	handle, err := rt.Chat(context.Background(), "write something")
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.GreaterOrEqual(t, rt.UserIdleSeconds(), 0.0)
	assert.Less(t, rt.UserIdleSeconds(), 5.0)

	outcome, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, outcome.Status)
	assert.Equal(t, "write something", outcome.Memory["user_message"])
}

func TestSecondaryGraphSeededFromPrimaryMemory(t *testing.T) {
	client := llm.NewScriptClient(llm.ScriptTurn{Text: "observed"})
	rt, _ := newRuntime(t, client)

	require.NoError(t, rt.AddGraph(simplePackage(t, "alpha"), true))

	watcher := &graph.GraphSpec{
		ID: "watcher",
		Nodes: []*graph.NodeSpec{
			{ID: "observe", InputKeys: []string{"report"}},
		},
		EntryNode:     "observe",
		TerminalNodes: []string{"observe"},
	}
	require.NoError(t, watcher.Validate())
	require.NoError(t, rt.AddGraph(&graph.Package{
		Name:        "watcher",
		Graph:       watcher,
		EntryPoints: []*graph.EntryPointSpec{{ID: "manual", EntryNode: "observe", TriggerType: graph.TriggerManual, IsolationLevel: graph.IsolationShared}},
	}, false))

	// Seed the primary session, then trigger the secondary.
	primaryStore, err := rt.SessionStoreFor("alpha")
	require.NoError(t, err)
	_, err = primaryStore.Update(context.Background(), "alpha", func(st *session.State) error {
		st.Memory["report"] = "all good"
		st.Memory["secret"] = "not bridged"
		return nil
	})
	require.NoError(t, err)

	handle, err := rt.Trigger(context.Background(), "watcher", "manual", nil)
	require.NoError(t, err)
	outcome, err := handle.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "all good", outcome.Memory["report"])
	_, leaked := outcome.Memory["secret"]
	assert.False(t, leaked, "only declared input keys cross the graph boundary")

	// The watcher's session nests under the primary session.
	watcherStore, err := rt.SessionStoreFor("watcher")
	require.NoError(t, err)
	assert.True(t, watcherStore.Exists("watcher"))
	assert.NotEqual(t, primaryStore.Root(), watcherStore.Root())
}

func waitForEvent(t *testing.T, sub *bus.Subscription, timeout time.Duration) *events.AgentEvent {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(timeout):
		t.Fatal("event never arrived")
		return nil
	}
}

func TestEventTriggerFiresOnForeignEvents(t *testing.T) {
	client := llm.NewScriptClient(
		llm.ScriptTurn{Text: "primary done"},
		llm.ScriptTurn{Text: "reacted"},
	)
	rt, b := newRuntime(t, client)

	require.NoError(t, rt.AddGraph(simplePackage(t, "alpha"), true))
	reactive := simplePackage(t, "reactor", &graph.EntryPointSpec{
		ID:          "on-complete",
		TriggerType: graph.TriggerEvent,
		Trigger: graph.TriggerConfig{
			EventTypes:      []string{string(events.TypeExecutionCompleted)},
			ExcludeOwnGraph: true,
		},
	})
	require.NoError(t, rt.AddGraph(reactive, false))

	reactorDone := b.Subscribe(bus.Filter{
		Types:   []events.Type{events.TypeExecutionCompleted},
		GraphID: "reactor",
	})
	defer reactorDone.Close()

	handle, err := rt.Trigger(context.Background(), "alpha", "manual", nil)
	require.NoError(t, err)
	_, err = handle.Wait(context.Background())
	require.NoError(t, err)

	ev := waitForEvent(t, reactorDone, 2*time.Second)
	assert.Equal(t, "reactor", ev.GraphID)
}

func TestWebhookTriggerMatchesSource(t *testing.T) {
	client := llm.NewScriptClient(llm.ScriptTurn{Text: "handled"})
	rt, b := newRuntime(t, client)

	hooked := simplePackage(t, "hooked", &graph.EntryPointSpec{
		ID:          "on-hook",
		TriggerType: graph.TriggerWebhook,
		Trigger:     graph.TriggerConfig{Path: "deploys"},
	})
	require.NoError(t, rt.AddGraph(hooked, true))

	done := b.Subscribe(bus.Filter{
		Types:   []events.Type{events.TypeExecutionCompleted},
		GraphID: "hooked",
	})
	defer done.Close()

	// Mismatched source is ignored.
	b.Publish(events.New(events.TypeWebhookReceived, events.WebhookPayload("other", nil, nil)))
	b.Publish(events.New(events.TypeWebhookReceived, events.WebhookPayload("deploys", nil, map[string]any{"sha": "abc"})))

	ev := waitForEvent(t, done, 2*time.Second)
	assert.Equal(t, "hooked", ev.GraphID)
}
