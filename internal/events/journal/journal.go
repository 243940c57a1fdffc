// Package journal persists published events to a sqlite database so that
// late subscribers can catch up and monitoring graphs can query recent
// activity. The journal is observability-grade: a failed append is logged
// by the bus and never fails the publisher.
package journal

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hiveloop/hiveloop/internal/events"
)

const schema = `
CREATE TABLE IF NOT EXISTS agent_events (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id     TEXT NOT NULL,
	event_type   TEXT NOT NULL,
	ts           TEXT NOT NULL,
	graph_id     TEXT NOT NULL DEFAULT '',
	stream_id    TEXT NOT NULL DEFAULT '',
	node_id      TEXT NOT NULL DEFAULT '',
	execution_id TEXT NOT NULL DEFAULT '',
	payload      TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_agent_events_execution ON agent_events(execution_id);
CREATE INDEX IF NOT EXISTS idx_agent_events_stream ON agent_events(stream_id);
`

// Entry is a journal row: an event plus its journal sequence number.
type Entry struct {
	Seq   int64 `json:"seq"`
	Event *events.AgentEvent
}

type row struct {
	Seq         int64  `db:"seq"`
	EventID     string `db:"event_id"`
	EventType   string `db:"event_type"`
	TS          string `db:"ts"`
	GraphID     string `db:"graph_id"`
	StreamID    string `db:"stream_id"`
	NodeID      string `db:"node_id"`
	ExecutionID string `db:"execution_id"`
	Payload     string `db:"payload"`
}

func (r *row) entry() (*Entry, error) {
	ts, err := time.Parse(time.RFC3339Nano, r.TS)
	if err != nil {
		return nil, fmt.Errorf("parse event timestamp: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(r.Payload), &payload); err != nil {
		return nil, fmt.Errorf("decode event payload: %w", err)
	}
	return &Entry{
		Seq: r.Seq,
		Event: &events.AgentEvent{
			ID:          r.EventID,
			Type:        events.Type(r.EventType),
			Timestamp:   ts,
			GraphID:     r.GraphID,
			StreamID:    r.StreamID,
			NodeID:      r.NodeID,
			ExecutionID: r.ExecutionID,
			Payload:     payload,
		},
	}, nil
}

// Journal is a sqlite-backed append-only event log.
type Journal struct {
	db *sqlx.DB
}

// Open creates or opens the journal database at the given path.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sqlx.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open journal database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize journal schema: %w", err)
	}
	return &Journal{db: db}, nil
}

// Append writes one event. Implements bus.Sink.
func (j *Journal) Append(ev *events.AgentEvent) error {
	payload := "{}"
	if ev.Payload != nil {
		data, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		payload = string(data)
	}

	_, err := j.db.Exec(
		`INSERT INTO agent_events (event_id, event_type, ts, graph_id, stream_id, node_id, execution_id, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.Timestamp.Format(time.RFC3339Nano),
		ev.GraphID, ev.StreamID, ev.NodeID, ev.ExecutionID, payload,
	)
	return err
}

// Since returns up to limit entries with seq greater than the given value,
// in journal order. Used for websocket catchup.
func (j *Journal) Since(seq int64, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 500
	}
	var rows []row
	err := j.db.Select(&rows,
		`SELECT * FROM agent_events WHERE seq > ? ORDER BY seq ASC LIMIT ?`, seq, limit)
	if err != nil {
		return nil, err
	}
	return toEntries(rows)
}

// ByExecution returns all journaled events for one execution in order.
func (j *Journal) ByExecution(executionID string) ([]*Entry, error) {
	var rows []row
	err := j.db.Select(&rows,
		`SELECT * FROM agent_events WHERE execution_id = ? ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, err
	}
	return toEntries(rows)
}

// ByStream returns the most recent events for one stream, newest last.
func (j *Journal) ByStream(streamID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 200
	}
	var rows []row
	err := j.db.Select(&rows,
		`SELECT * FROM (
		   SELECT * FROM agent_events WHERE stream_id = ? ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`, streamID, limit)
	if err != nil {
		return nil, err
	}
	return toEntries(rows)
}

// LastSeq returns the highest sequence number, or 0 for an empty journal.
func (j *Journal) LastSeq() (int64, error) {
	var seq sql.NullInt64
	if err := j.db.Get(&seq, `SELECT MAX(seq) FROM agent_events`); err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

func toEntries(rows []row) ([]*Entry, error) {
	entries := make([]*Entry, 0, len(rows))
	for i := range rows {
		e, err := rows[i].entry()
		if err != nil {
			// Skip rows that fail to decode; the journal is best-effort.
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}
