package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ToolLogEntry is one line of a session's tool_logs.jsonl. The monitoring
// graphs read this log to judge worker health.
type ToolLogEntry struct {
	Timestamp  time.Time      `json:"ts"`
	NodeID     string         `json:"node_id"`
	CallID     string         `json:"call_id"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Result     string         `json:"result,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
}

// AppendToolLog appends one entry to the session's tool log.
func (s *Store) AppendToolLog(sessionID string, entry *ToolLogEntry) error {
	lock := s.sessionLock(sessionID + "/tool_logs")
	lock.Lock()
	defer lock.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode tool log entry: %w", err)
	}

	path := filepath.Join(s.Dir(sessionID), "tool_logs.jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open tool log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append tool log: %w", err)
	}
	return nil
}

// ReadToolLog returns the most recent entries of the session's tool log,
// oldest first. limit <= 0 returns everything. Undecodable lines are
// skipped.
func (s *Store) ReadToolLog(sessionID string, limit int) ([]*ToolLogEntry, error) {
	path := filepath.Join(s.Dir(sessionID), "tool_logs.jsonl")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open tool log: %w", err)
	}
	defer f.Close()

	var entries []*ToolLogEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var e ToolLogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, &e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan tool log: %w", err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}
