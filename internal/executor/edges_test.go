package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hiveloop/hiveloop/internal/graph"
)

func edgeGraph(t *testing.T) *graph.GraphSpec {
	t.Helper()
	g := &graph.GraphSpec{
		ID: "edges",
		Nodes: []*graph.NodeSpec{
			{ID: "work"},
			{ID: "publish", OutputKeys: []string{"published"}},
			{ID: "retry_fix", MaxNodeVisits: 2, OutputKeys: []string{"fixed"}},
			{ID: "escalate_path", OutputKeys: []string{"ticket"}},
		},
		Edges: []*graph.EdgeSpec{
			{ID: "ok", Source: "work", Target: "publish", Condition: graph.EdgeOnSuccess, Priority: 1},
			{ID: "fix", Source: "work", Target: "retry_fix", Condition: graph.EdgeOnFailure, Priority: -1},
			{ID: "give_up", Source: "work", Target: "escalate_path", Condition: graph.EdgeOnFailure, Priority: -2},
		},
		EntryNode:     "work",
		TerminalNodes: []string{"publish", "escalate_path"},
	}
	require.NoError(t, g.Validate())
	return g
}

func TestSelectEdgesSuccess(t *testing.T) {
	g := edgeGraph(t)
	edges := selectEdges(g, "work", true, nil, map[string]int{})
	require.Len(t, edges, 1)
	assert.Equal(t, "publish", edges[0].Target)
}

func TestSelectEdgesFailureTakesOneFeedback(t *testing.T) {
	g := edgeGraph(t)
	edges := selectEdges(g, "work", false, nil, map[string]int{})
	require.Len(t, edges, 1)
	assert.Equal(t, "retry_fix", edges[0].Target)
}

func TestSelectEdgesSkipsExhaustedFeedbackTarget(t *testing.T) {
	g := edgeGraph(t)
	edges := selectEdges(g, "work", false, nil, map[string]int{"retry_fix": 2})
	require.Len(t, edges, 1)
	assert.Equal(t, "escalate_path", edges[0].Target)
}

func TestSelectEdgesConditional(t *testing.T) {
	g := &graph.GraphSpec{
		ID: "cond",
		Nodes: []*graph.NodeSpec{
			{ID: "review"},
			{ID: "publish", OutputKeys: []string{"a"}},
			{ID: "rework", OutputKeys: []string{"b"}},
		},
		Edges: []*graph.EdgeSpec{
			{ID: "approve", Source: "review", Target: "publish", Condition: graph.EdgeConditional, ConditionExpr: "score >= 0.8"},
			{ID: "reject", Source: "review", Target: "rework", Condition: graph.EdgeConditional, ConditionExpr: "score < 0.8"},
		},
		EntryNode:     "review",
		TerminalNodes: []string{"publish", "rework"},
	}
	require.NoError(t, g.Validate())

	edges := selectEdges(g, "review", true, map[string]any{"score": 0.9}, map[string]int{})
	require.Len(t, edges, 1)
	assert.Equal(t, "publish", edges[0].Target)

	edges = selectEdges(g, "review", true, map[string]any{"score": 0.4}, map[string]int{})
	require.Len(t, edges, 1)
	assert.Equal(t, "rework", edges[0].Target)

	// Missing key: neither condition holds.
	edges = selectEdges(g, "review", true, map[string]any{}, map[string]int{})
	assert.Empty(t, edges)
}

func TestSelectEdgesFanOut(t *testing.T) {
	g := &graph.GraphSpec{
		ID: "fan",
		Nodes: []*graph.NodeSpec{
			{ID: "split"},
			{ID: "left", OutputKeys: []string{"l"}},
			{ID: "right", OutputKeys: []string{"r"}},
		},
		Edges: []*graph.EdgeSpec{
			{ID: "a", Source: "split", Target: "left"},
			{ID: "b", Source: "split", Target: "right"},
		},
		EntryNode:     "split",
		TerminalNodes: []string{"left", "right"},
	}
	require.NoError(t, g.Validate())

	edges := selectEdges(g, "split", true, nil, map[string]int{})
	assert.Len(t, edges, 2)
}

func TestWithinVisitBudget(t *testing.T) {
	unbounded := &graph.NodeSpec{ID: "n"}
	assert.True(t, withinVisitBudget(unbounded, map[string]int{"n": 100}))

	capped := &graph.NodeSpec{ID: "n", MaxNodeVisits: 2}
	assert.True(t, withinVisitBudget(capped, map[string]int{"n": 1}))
	assert.False(t, withinVisitBudget(capped, map[string]int{"n": 2}))
	assert.False(t, withinVisitBudget(nil, nil))
}
