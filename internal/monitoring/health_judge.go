package monitoring

import (
	"fmt"

	"github.com/hiveloop/hiveloop/internal/graph"
)

// HealthJudgePackage builds the Health Judge reference graph for one
// worker. It is a single-node, timer-triggered secondary graph: every
// interval it reads the worker's tool log and recent events, judges
// whether the worker is healthy, and raises a ticket when it is not.
func HealthJudgePackage(workerGraphID string, intervalMinutes int) *graph.Package {
	if intervalMinutes <= 0 {
		intervalMinutes = 5
	}
	graphID := workerGraphID + "-health-judge"

	g := &graph.GraphSpec{
		ID: graphID,
		Nodes: []*graph.NodeSpec{
			{
				ID:          "assess",
				Description: "Judges the worker's recent activity.",
				SystemPrompt: fmt.Sprintf(`You are the health judge for the %q worker graph.

Each run, inspect the worker's recent behavior:
1. Call read_worker_log with session_id %q to see its tool activity.
2. Call read_recent_events to see its runtime events.

Judge whether the worker is healthy. Signs of trouble: repeated tool
errors, the same tool called in a tight loop with identical arguments,
executions failing back to back, or no progress events over several
intervals.

If the worker is unhealthy, call emit_escalation_ticket once with a
severity proportional to the harm, a one-line summary, and a short
evidence excerpt. If it is healthy, record that instead.

Always finish by recording the verdict with set_output: key
"health_verdict", value "healthy" or "unhealthy".`, workerGraphID, workerGraphID),
				Tools:            []string{"read_worker_log", "read_recent_events", "emit_escalation_ticket"},
				OutputKeys:       []string{"health_verdict"},
				ConversationMode: graph.ConversationIsolated,
				MaxRetries:       1,
			},
		},
		EntryNode:     "assess",
		TerminalNodes: []string{"assess"},
	}

	return &graph.Package{
		Name:        graphID,
		Description: "Periodic health assessment of the " + workerGraphID + " worker.",
		Graph:       g,
		EntryPoints: []*graph.EntryPointSpec{
			{
				ID:          "periodic",
				EntryNode:   "assess",
				TriggerType: graph.TriggerTimer,
				Trigger: graph.TriggerConfig{
					IntervalMinutes: intervalMinutes,
				},
				IsolationLevel: graph.IsolationIsolated,
			},
			{
				ID:             "manual",
				EntryNode:      "assess",
				TriggerType:    graph.TriggerManual,
				IsolationLevel: graph.IsolationIsolated,
			},
		},
	}
}
