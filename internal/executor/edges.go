package executor

import (
	"github.com/hiveloop/hiveloop/internal/graph"
)

// selectEdges picks the edges to traverse after a node finishes.
//
// Forward edges (priority >= 0) are evaluated first, highest priority
// first; every match is taken, which is how fan-out happens. Feedback
// edges (negative priority) are only considered when no forward edge
// matched, and at most one is taken. A feedback edge whose target has
// exhausted its visit budget is skipped, so a stuck loop falls through
// to the dead-end handling in the walk.
func selectEdges(g *graph.GraphSpec, nodeID string, success bool, mem map[string]any, visits map[string]int) []*graph.EdgeSpec {
	var forward []*graph.EdgeSpec
	var feedback []*graph.EdgeSpec
	for _, e := range g.OutgoingEdges(nodeID) {
		if !edgeMatches(e, success, mem) {
			continue
		}
		if e.IsForward() {
			forward = append(forward, e)
		} else {
			feedback = append(feedback, e)
		}
	}
	if len(forward) > 0 {
		return forward
	}
	for _, e := range feedback {
		if withinVisitBudget(g.Node(e.Target), visits) {
			return []*graph.EdgeSpec{e}
		}
	}
	return nil
}

func edgeMatches(e *graph.EdgeSpec, success bool, mem map[string]any) bool {
	switch e.Condition {
	case graph.EdgeOnSuccess:
		return success
	case graph.EdgeOnFailure:
		return !success
	case graph.EdgeAlways:
		return true
	case graph.EdgeConditional:
		return e.Program().Eval(mem)
	default:
		return false
	}
}

// withinVisitBudget reports whether the node can be entered again.
func withinVisitBudget(n *graph.NodeSpec, visits map[string]int) bool {
	if n == nil {
		return false
	}
	if n.MaxNodeVisits <= 0 {
		return true
	}
	return visits[n.ID] < n.MaxNodeVisits
}
