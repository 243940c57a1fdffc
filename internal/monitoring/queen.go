package monitoring

import (
	"github.com/hiveloop/hiveloop/internal/events"
	"github.com/hiveloop/hiveloop/internal/graph"
)

// QueenPackage builds the Queen reference graph: an event-triggered
// secondary graph that wakes on escalation tickets, weighs them, and
// decides whether the operator needs to be pulled in. Low-severity
// tickets are absorbed; high and critical ones produce an intervention
// request.
func QueenPackage() *graph.Package {
	g := &graph.GraphSpec{
		ID: "queen",
		Nodes: []*graph.NodeSpec{
			{
				ID:          "triage",
				Description: "Decides what to do about an escalation ticket.",
				SystemPrompt: `You are the queen: the supervisor of every worker graph in this
runtime. You wake when a health judge raises an escalation ticket; the
ticket is in your inputs under trigger_event.

Triage it:
- low or medium severity: note it and move on. Do not disturb the
  operator for routine noise.
- high or critical severity: call notify_operator with your analysis
  naming the worker, what is wrong, and the suggested action. Pass the
  ticket's severity and ticket_id through.

You may call read_worker_log or read_recent_events first if the ticket's
evidence is not enough to decide.

Finish by recording the decision with set_output: key "decision", value
"absorbed" or "operator_notified".`,
				InputKeys:        []string{"trigger_event"},
				OutputKeys:       []string{"decision"},
				Tools:            []string{"read_worker_log", "read_recent_events", "notify_operator"},
				ConversationMode: graph.ConversationContinuous,
				MaxRetries:       1,
			},
		},
		EntryNode:     "triage",
		TerminalNodes: []string{"triage"},
	}

	return &graph.Package{
		Name:        "queen",
		Description: "Supervisor that reacts to worker escalation tickets.",
		Graph:       g,
		EntryPoints: []*graph.EntryPointSpec{
			{
				ID:          "on-ticket",
				EntryNode:   "triage",
				TriggerType: graph.TriggerEvent,
				Trigger: graph.TriggerConfig{
					EventTypes:      []string{string(events.TypeWorkerEscalationTicket)},
					ExcludeOwnGraph: true,
				},
				IsolationLevel: graph.IsolationIsolated,
			},
		},
	}
}
