package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hiveloop/hiveloop/internal/events"
	"github.com/hiveloop/hiveloop/internal/events/bus"
	"github.com/hiveloop/hiveloop/internal/events/journal"
	"github.com/hiveloop/hiveloop/internal/session"
	"github.com/hiveloop/hiveloop/internal/tools"
)

// Deps wires the monitoring tools to the runtime's shared services. The
// journal is optional; without it read_recent_events reports nothing.
type Deps struct {
	Store   *session.Store
	Journal *journal.Journal
	Bus     *bus.Bus
	Tickets *TicketLog
	// Idle reports seconds since the operator's last input, or a
	// negative value when no input has been seen yet. Optional; without
	// it get_user_presence is not registered.
	Idle func() float64
}

// RegisterTools adds the monitoring tool set to a registry:
// read_worker_log, read_recent_events, emit_escalation_ticket,
// notify_operator, and get_user_presence when an idle source is wired.
func RegisterTools(r *tools.Local, deps Deps) error {
	if deps.Store == nil || deps.Bus == nil || deps.Tickets == nil {
		return fmt.Errorf("monitoring tools need store, bus, and ticket log")
	}

	err := r.Register(tools.Spec{
		Name:        "read_worker_log",
		Description: "Read the most recent tool activity of a worker session.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"session_id": map[string]any{"type": "string"},
				"limit":      map[string]any{"type": "integer", "minimum": 1, "maximum": 200},
			},
			"required": []any{"session_id"},
		},
		Parallel: true,
	}, func(_ context.Context, args map[string]any) (any, error) {
		sessionID, _ := args["session_id"].(string)
		limit := intArg(args, "limit", 50)
		entries, err := deps.Store.ReadToolLog(sessionID, limit)
		if err != nil {
			return nil, err
		}
		return renderToolLog(entries), nil
	})
	if err != nil {
		return err
	}

	err = r.Register(tools.Spec{
		Name:        "read_recent_events",
		Description: "Read recent runtime events, optionally filtered to one stream.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"stream_id": map[string]any{"type": "string"},
				"limit":     map[string]any{"type": "integer", "minimum": 1, "maximum": 500},
			},
		},
		Parallel: true,
	}, func(_ context.Context, args map[string]any) (any, error) {
		if deps.Journal == nil {
			return "event journal not configured", nil
		}
		limit := intArg(args, "limit", 100)
		streamID, _ := args["stream_id"].(string)
		var entries []*journal.Entry
		var err error
		if streamID != "" {
			entries, err = deps.Journal.ByStream(streamID, limit)
		} else {
			last, lerr := deps.Journal.LastSeq()
			if lerr != nil {
				return nil, lerr
			}
			since := last - int64(limit)
			if since < 0 {
				since = 0
			}
			entries, err = deps.Journal.Since(since, limit)
		}
		if err != nil {
			return nil, err
		}
		return renderEvents(entries), nil
	})
	if err != nil {
		return err
	}

	err = r.Register(tools.Spec{
		Name:        "emit_escalation_ticket",
		Description: "Raise an escalation ticket about an unhealthy worker. The ticket is recorded and broadcast for the supervising graph.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"worker_graph_id":   map[string]any{"type": "string"},
				"worker_agent_id":   map[string]any{"type": "string"},
				"worker_session_id": map[string]any{"type": "string"},
				"severity":          map[string]any{"type": "string", "enum": []any{"low", "medium", "high", "critical"}},
				"category":          map[string]any{"type": "string"},
				"summary":           map[string]any{"type": "string"},
				"evidence":          map[string]any{"type": "string"},
				"suggested_action":  map[string]any{"type": "string"},
				"judge_reasoning":   map[string]any{"type": "string"},
				"recent_verdicts":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"total_steps_checked":     map[string]any{"type": "integer", "minimum": 0},
				"steps_since_last_accept": map[string]any{"type": "integer", "minimum": 0},
				"stall_minutes":           map[string]any{"type": "number", "minimum": 0},
			},
			"required": []any{"worker_graph_id", "severity", "summary"},
		},
	}, func(_ context.Context, args map[string]any) (any, error) {
		workerGraph, _ := args["worker_graph_id"].(string)
		severity, _ := args["severity"].(string)
		summary, _ := args["summary"].(string)

		ticket := NewTicket(workerGraph, summary, Severity(severity))
		if agentID, _ := args["worker_agent_id"].(string); agentID != "" {
			ticket.WorkerAgentID = agentID
		}
		ticket.WorkerSessionID, _ = args["worker_session_id"].(string)
		ticket.Category, _ = args["category"].(string)
		ticket.Evidence, _ = args["evidence"].(string)
		ticket.SuggestedAction, _ = args["suggested_action"].(string)
		ticket.JudgeReasoning, _ = args["judge_reasoning"].(string)
		if verdicts, ok := args["recent_verdicts"].([]any); ok {
			for _, v := range verdicts {
				if s, ok := v.(string); ok {
					ticket.RecentVerdicts = append(ticket.RecentVerdicts, s)
				}
			}
		}
		ticket.TotalStepsChecked = intArg(args, "total_steps_checked", 0)
		ticket.StepsSinceLastAccept = intArg(args, "steps_since_last_accept", 0)
		if mins, ok := args["stall_minutes"].(float64); ok {
			ticket.StallMinutes = mins
		}

		if err := deps.Tickets.Append(ticket); err != nil {
			return nil, err
		}
		ev := events.New(events.TypeWorkerEscalationTicket, ticket.Payload())
		ev.GraphID = workerGraph
		deps.Bus.Publish(ev)
		return map[string]any{"ticket_id": ticket.TicketID}, nil
	})
	if err != nil {
		return err
	}

	err = r.Register(tools.Spec{
		Name:        "notify_operator",
		Description: "Surface an intervention request to the human operator, with the analysis behind it.",
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"analysis":  map[string]any{"type": "string", "description": "What is wrong and why the operator is needed."},
				"severity":  map[string]any{"type": "string", "enum": []any{"low", "medium", "high", "critical"}},
				"ticket_id": map[string]any{"type": "string"},
			},
			"required": []any{"analysis"},
		},
	}, func(ctx context.Context, args map[string]any) (any, error) {
		analysis, _ := args["analysis"].(string)
		severity, _ := args["severity"].(string)
		if severity == "" {
			severity = string(SeverityHigh)
		}
		payload := map[string]any{
			"analysis": analysis,
			"severity": severity,
		}
		if ticketID, _ := args["ticket_id"].(string); ticketID != "" {
			payload["ticket_id"] = ticketID
		}
		ev := events.New(events.TypeQueenInterventionRequested, payload)
		if origin, ok := tools.OriginFrom(ctx); ok {
			payload["queen_graph_id"] = origin.GraphID
			payload["queen_stream_id"] = origin.StreamID
			ev.GraphID = origin.GraphID
			ev.NodeID = origin.NodeID
			ev.StreamID = origin.StreamID
		}
		deps.Bus.Publish(ev)
		return "operator notified", nil
	})
	if err != nil {
		return err
	}

	if deps.Idle == nil {
		return nil
	}
	return r.Register(tools.Spec{
		Name: "get_user_presence",
		Description: "Check whether the human operator is around. Status is " +
			"never_seen (no input this process, idle_seconds is null), " +
			"present (input under 2 minutes ago), idle (under 10 minutes), " +
			"or away. Treat never_seen like away: the operator may not respond.",
		Schema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Parallel: true,
	}, func(_ context.Context, _ map[string]any) (any, error) {
		idle := deps.Idle()
		out := map[string]any{"status": presenceStatus(idle)}
		if idle >= 0 {
			out["idle_seconds"] = idle
		} else {
			out["idle_seconds"] = nil
		}
		return out, nil
	})
}

// presenceStatus buckets the idle clock. A negative reading means the
// operator has not been seen since the process started.
func presenceStatus(idleSeconds float64) string {
	switch {
	case idleSeconds < 0:
		return "never_seen"
	case idleSeconds < 120:
		return "present"
	case idleSeconds < 600:
		return "idle"
	default:
		return "away"
	}
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, err := v.Int64()
		if err == nil {
			return int(n)
		}
	}
	return fallback
}

func renderToolLog(entries []*session.ToolLogEntry) string {
	if len(entries) == 0 {
		return "no tool activity recorded"
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s node=%s tool=%s dur=%dms", e.Timestamp.Format("15:04:05"), e.NodeID, e.Tool, e.DurationMS)
		if e.IsError {
			b.WriteString(" ERROR")
		}
		if e.Result != "" {
			fmt.Fprintf(&b, " result=%s", firstLine(e.Result, 160))
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func renderEvents(entries []*journal.Entry) string {
	if len(entries) == 0 {
		return "no events recorded"
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "#%d %s %s graph=%s node=%s\n",
			e.Seq, e.Event.Timestamp.Format("15:04:05"), e.Event.Type, e.Event.GraphID, e.Event.NodeID)
	}
	return b.String()
}

func firstLine(s string, max int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max]
	}
	return s
}
