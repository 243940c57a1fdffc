package monitoring

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicketValidate(t *testing.T) {
	ticket := NewTicket("worker", "stuck in a loop", SeverityHigh)
	require.NoError(t, ticket.Validate())
	assert.Equal(t, TicketOpen, ticket.Status)
	assert.Equal(t, "worker", ticket.WorkerAgentID)
	assert.Equal(t, "worker", ticket.WorkerNodeID)
	assert.NotEmpty(t, ticket.TicketID)
	assert.False(t, ticket.CreatedAt.IsZero())
}

func TestTicketValidateErrors(t *testing.T) {
	ticket := NewTicket("", "summary", SeverityLow)
	require.Error(t, ticket.Validate())

	ticket = NewTicket("worker", "", SeverityLow)
	require.Error(t, ticket.Validate())

	ticket = NewTicket("worker", "summary", "catastrophic")
	require.Error(t, ticket.Validate())
}

func TestTicketEvidenceClamped(t *testing.T) {
	ticket := NewTicket("worker", "too chatty", SeverityMedium)
	ticket.Evidence = strings.Repeat("x", 2000)
	require.NoError(t, ticket.Validate())
	assert.Len(t, ticket.Evidence, maxEvidenceLen)
}

func TestTicketPayloadSnakeCase(t *testing.T) {
	ticket := NewTicket("worker", "s", SeverityLow)
	payload := ticket.Payload()
	assert.Contains(t, payload, "ticket_id")
	assert.Contains(t, payload, "worker_graph_id")
	assert.Contains(t, payload, "created_at")
	assert.Equal(t, "low", payload["severity"])
}

func TestTicketLogAppendAndList(t *testing.T) {
	log, err := OpenTicketLog(filepath.Join(t.TempDir(), "tickets", "tickets.jsonl"))
	require.NoError(t, err)

	tickets, err := log.List()
	require.NoError(t, err)
	assert.Empty(t, tickets)

	first := NewTicket("worker", "first", SeverityLow)
	second := NewTicket("worker", "second", SeverityCritical)
	require.NoError(t, log.Append(first))
	require.NoError(t, log.Append(second))

	// Invalid tickets never reach the log.
	require.Error(t, log.Append(NewTicket("", "bad", SeverityLow)))

	tickets, err = log.List()
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	assert.Equal(t, "first", tickets[0].Summary)
	assert.Equal(t, SeverityCritical, tickets[1].Severity)
}
