package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// NodeCursor records a node run's loop progress: how many turns have
// completed, the outputs recorded so far, and how often the client has
// replied. It is written at every turn boundary and cleared when the
// node finishes, so a run interrupted mid-loop resumes where it stopped
// instead of replaying model turns.
//
// WIP outputs live here, not in shared memory: downstream nodes and
// edge conditions see them only after the judge accepts the run.
type NodeCursor struct {
	Iteration            int            `json:"iteration"`
	Retries              int            `json:"retries"`
	UserInteractionCount int            `json:"user_interaction_count"`
	WipOutputs           map[string]any `json:"wip_outputs,omitempty"`
	// StartOrdinal is the conversation ordinal of the run's opening
	// message, so a resume reloads exactly this run's turns.
	StartOrdinal int64 `json:"start_ordinal,omitempty"`
}

// InFlight reports whether the cursor belongs to an interrupted run.
func (c *NodeCursor) InFlight() bool {
	return c.Iteration > 0 || len(c.WipOutputs) > 0 || c.UserInteractionCount > 0
}

func (s *Store) nodeCursorPath(sessionID, nodeID string) string {
	return filepath.Join(s.Dir(sessionID), "cursors", nodeID+".json")
}

// NodeCursor reads a node's loop cursor. A missing cursor is not an
// error; it decodes to the zero cursor of a fresh run.
func (s *Store) NodeCursor(sessionID, nodeID string) (*NodeCursor, error) {
	lock := s.sessionLock(sessionID + "/" + nodeID)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.nodeCursorPath(sessionID, nodeID))
	if err != nil {
		if os.IsNotExist(err) {
			return &NodeCursor{}, nil
		}
		return nil, fmt.Errorf("read node cursor: %w", err)
	}
	var cur NodeCursor
	if err := json.Unmarshal(data, &cur); err != nil {
		// A corrupt cursor loses loop progress, never the conversation.
		s.log.Warn("Discarding corrupt node cursor")
		return &NodeCursor{}, nil
	}
	return &cur, nil
}

// SaveNodeCursor durably writes a node's loop cursor.
func (s *Store) SaveNodeCursor(sessionID, nodeID string, cur *NodeCursor) error {
	lock := s.sessionLock(sessionID + "/" + nodeID)
	lock.Lock()
	defer lock.Unlock()

	path := s.nodeCursorPath(sessionID, nodeID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cursor directory: %w", err)
	}
	data, err := json.MarshalIndent(cur, "", "  ")
	if err != nil {
		return fmt.Errorf("encode node cursor: %w", err)
	}
	return writeFileAtomic(path, data)
}

// ClearNodeCursor removes a node's loop cursor after the run finishes.
func (s *Store) ClearNodeCursor(sessionID, nodeID string) error {
	lock := s.sessionLock(sessionID + "/" + nodeID)
	lock.Lock()
	defer lock.Unlock()

	err := os.Remove(s.nodeCursorPath(sessionID, nodeID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear node cursor: %w", err)
	}
	return nil
}
