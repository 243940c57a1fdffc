// Package monitoring implements the worker-health pattern: a Health
// Judge graph that periodically inspects a worker graph's activity and
// raises escalation tickets, and a Queen graph that reacts to tickets
// and decides whether to involve the operator.
package monitoring

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity grades an escalation ticket.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// TicketStatus is the ticket lifecycle state.
type TicketStatus string

const (
	TicketOpen         TicketStatus = "open"
	TicketAcknowledged TicketStatus = "acknowledged"
	TicketResolved     TicketStatus = "resolved"
)

// maxEvidenceLen caps the evidence excerpt carried on a ticket.
const maxEvidenceLen = 500

// Ticket is one escalation raised by a Health Judge about a worker.
type Ticket struct {
	TicketID        string       `json:"ticket_id"`
	CreatedAt       time.Time    `json:"created_at"`
	WorkerGraphID   string       `json:"worker_graph_id"`
	WorkerAgentID   string       `json:"worker_agent_id"`
	WorkerNodeID    string       `json:"worker_node_id"`
	WorkerSessionID string       `json:"worker_session_id"`
	Severity        Severity     `json:"severity"`
	Category        string       `json:"category"`
	Summary         string       `json:"summary"`
	Evidence        string       `json:"evidence,omitempty"`
	SuggestedAction string       `json:"suggested_action,omitempty"`
	Status          TicketStatus `json:"status"`

	// Judge context: what the health judge saw when it escalated.
	JudgeReasoning       string   `json:"judge_reasoning,omitempty"`
	RecentVerdicts       []string `json:"recent_verdicts,omitempty"`
	TotalStepsChecked    int      `json:"total_steps_checked,omitempty"`
	StepsSinceLastAccept int      `json:"steps_since_last_accept,omitempty"`
	StallMinutes         float64  `json:"stall_minutes,omitempty"`
}

// NewTicket stamps identity and defaults onto a ticket draft.
func NewTicket(workerGraphID, summary string, severity Severity) *Ticket {
	// The judge cannot see which node a worker is executing, so the
	// graph id stands in for the node until something better exists.
	return &Ticket{
		TicketID:      uuid.New().String(),
		CreatedAt:     time.Now().UTC(),
		WorkerGraphID: workerGraphID,
		WorkerAgentID: workerGraphID,
		WorkerNodeID:  workerGraphID,
		Severity:      severity,
		Summary:       summary,
		Status:        TicketOpen,
	}
}

// Validate checks required fields and clamps evidence length.
func (t *Ticket) Validate() error {
	if t.TicketID == "" {
		return fmt.Errorf("ticket has no id")
	}
	if t.WorkerGraphID == "" {
		return fmt.Errorf("ticket %s: worker_graph_id is required", t.TicketID)
	}
	if t.Summary == "" {
		return fmt.Errorf("ticket %s: summary is required", t.TicketID)
	}
	switch t.Severity {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("ticket %s: unknown severity %q", t.TicketID, t.Severity)
	}
	if len(t.Evidence) > maxEvidenceLen {
		t.Evidence = t.Evidence[:maxEvidenceLen]
	}
	if t.Status == "" {
		t.Status = TicketOpen
	}
	return nil
}

// Payload renders the ticket as an event payload.
func (t *Ticket) Payload() map[string]any {
	raw, err := json.Marshal(t)
	if err != nil {
		return map[string]any{"ticket_id": t.TicketID, "summary": t.Summary}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"ticket_id": t.TicketID, "summary": t.Summary}
	}
	return m
}

// TicketLog is an append-only jsonl file of raised tickets.
type TicketLog struct {
	mu   sync.Mutex
	path string
}

// OpenTicketLog creates the log file's directory if needed.
func OpenTicketLog(path string) (*TicketLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ticket log directory: %w", err)
		}
	}
	return &TicketLog{path: path}, nil
}

// Append validates and records one ticket.
func (l *TicketLog) Append(t *Ticket) error {
	if err := t.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode ticket: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ticket log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append ticket: %w", err)
	}
	return nil
}

// List returns every recorded ticket, oldest first.
func (l *TicketLog) List() ([]*Ticket, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ticket log: %w", err)
	}
	defer f.Close()

	var tickets []*Ticket
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var t Ticket
		if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
			continue
		}
		tickets = append(tickets, &t)
	}
	return tickets, scanner.Err()
}
