// Package session implements file-based persistence for agent sessions:
// shared-memory state, per-node conversations, checkpoints, and the tool
// activity log.
//
// On-disk layout, one directory per session under the store root:
//
//	{sessionID}/
//	    state.json                    shared memory + execution bookkeeping
//	    state.json.lock               cross-process lock file
//	    tool_logs.jsonl               append-only tool activity
//	    data/                         free-form node scratch space
//	    conversations/{nodeID}/       per-node conversation parts
//	    checkpoints/{name}/           named snapshots
//	    graphs/{graphID}/             child stores for secondary graphs
//
// All state writes go through a temp-file-and-rename so a crash never
// leaves a half-written state.json behind.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"github.com/hiveloop/hiveloop/internal/common/logger"
)

var (
	// ErrSessionNotFound is returned when a session directory does not exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStateLockTimeout is returned when the state lock cannot be
	// acquired within the lock window.
	ErrStateLockTimeout = errors.New("state lock timeout")
	// ErrCorruptState is returned when state.json exists but cannot be
	// decoded.
	ErrCorruptState = errors.New("corrupt session state")
)

// lockWindow bounds how long Update waits for the cross-process lock.
const lockWindow = 2 * time.Second

// Status is the lifecycle phase recorded in session bookkeeping.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Bookkeeping is the executor's progress record, persisted alongside
// shared memory so an interrupted execution can resume.
type Bookkeeping struct {
	ExecutionID string         `json:"execution_id,omitempty"`
	Status      Status         `json:"status,omitempty"`
	Frontier    []string       `json:"frontier,omitempty"`
	VisitCounts map[string]int `json:"visit_counts,omitempty"`
	RetryCounts map[string]int `json:"retry_counts,omitempty"`
	PausedNode  string         `json:"paused_node,omitempty"`
}

// State is the decoded contents of state.json.
type State struct {
	SessionID string         `json:"session_id"`
	GraphID   string         `json:"graph_id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Memory    map[string]any `json:"memory"`
	Metrics   Bookkeeping    `json:"metrics"`
}

func (s *State) clone() *State {
	cp := *s
	cp.Memory = cloneMap(s.Memory)
	cp.Metrics.Frontier = append([]string(nil), s.Metrics.Frontier...)
	cp.Metrics.VisitCounts = cloneCounts(s.Metrics.VisitCounts)
	cp.Metrics.RetryCounts = cloneCounts(s.Metrics.RetryCounts)
	return &cp
}

// Store manages all sessions under one root directory.
type Store struct {
	root string
	log  *logger.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore opens (creating if needed) a session store rooted at dir.
func NewStore(dir string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session root: %w", err)
	}
	return &Store{
		root:  dir,
		log:   log.WithFields(zap.String("component", "session_store")),
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the directory of one session.
func (s *Store) Dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// DataDir returns the session's free-form scratch directory, creating it
// on first use.
func (s *Store) DataDir(sessionID string) (string, error) {
	dir := filepath.Join(s.Dir(sessionID), "data")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// sessionLock returns the process-local mutex for one session, creating
// it on first use.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// Exists reports whether the session directory is present.
func (s *Store) Exists(sessionID string) bool {
	_, err := os.Stat(filepath.Join(s.Dir(sessionID), "state.json"))
	return err == nil
}

// Create initializes a session. If the session already exists its current
// state is returned unchanged.
func (s *Store) Create(sessionID, graphID string) (*State, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if s.Exists(sessionID) {
		return s.load(sessionID)
	}

	dir := s.Dir(sessionID)
	for _, sub := range []string{"", "data", "conversations", "checkpoints"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create session directories: %w", err)
		}
	}

	now := time.Now().UTC()
	state := &State{
		SessionID: sessionID,
		GraphID:   graphID,
		CreatedAt: now,
		UpdatedAt: now,
		Memory:    map[string]any{},
		Metrics:   Bookkeeping{Status: StatusIdle},
	}
	if err := s.writeState(state); err != nil {
		return nil, err
	}
	s.log.WithSessionID(sessionID).WithGraphID(graphID).Info("Session created")
	return state.clone(), nil
}

// Load reads the session state. The returned state is a private copy.
func (s *Store) Load(sessionID string) (*State, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.load(sessionID)
}

func (s *Store) load(sessionID string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(sessionID), "state.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, sessionID, err)
	}
	if state.Memory == nil {
		state.Memory = map[string]any{}
	}
	return &state, nil
}

// Update applies fn to the session state under both the process-local
// mutex and the cross-process file lock, then persists the result
// atomically. fn receives a private copy; returning an error discards the
// update.
func (s *Store) Update(ctx context.Context, sessionID string, fn func(*State) error) (*State, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	fl := flock.New(filepath.Join(s.Dir(sessionID), "state.json.lock"))
	lockCtx, cancel := context.WithTimeout(ctx, lockWindow)
	defer cancel()
	ok, err := fl.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !ok {
		return nil, fmt.Errorf("%w: %s", ErrStateLockTimeout, sessionID)
	}
	defer fl.Unlock()

	state, err := s.load(sessionID)
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	state.UpdatedAt = time.Now().UTC()
	if err := s.writeState(state); err != nil {
		return nil, err
	}
	return state.clone(), nil
}

func (s *Store) writeState(state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	return writeFileAtomic(filepath.Join(s.Dir(state.SessionID), "state.json"), data)
}

// List returns the ids of all sessions in the store, sorted.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), "state.json")); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a session and everything under it.
func (s *Store) Delete(sessionID string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if !s.Exists(sessionID) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := os.RemoveAll(s.Dir(sessionID)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	s.mu.Lock()
	delete(s.locks, sessionID)
	s.mu.Unlock()
	s.log.WithSessionID(sessionID).Info("Session deleted")
	return nil
}

// ChildStoreFor returns a store rooted inside the session for a secondary
// graph. Child sessions live under {session}/graphs/{graphID}/ and follow
// the same layout as top-level sessions.
func (s *Store) ChildStoreFor(sessionID, graphID string) (*Store, error) {
	if !s.Exists(sessionID) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	dir := filepath.Join(s.Dir(sessionID), "graphs", graphID)
	return NewStore(dir, s.log)
}

// writeFileAtomic writes data to a temp file in the target directory,
// fsyncs it, and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	// Round-trip through JSON so nested maps and slices are detached too.
	data, err := json.Marshal(m)
	if err != nil {
		cp := make(map[string]any, len(m))
		for k, v := range m {
			cp[k] = v
		}
		return cp
	}
	var cp map[string]any
	if err := json.Unmarshal(data, &cp); err != nil {
		return map[string]any{}
	}
	return cp
}

func cloneCounts(m map[string]int) map[string]int {
	if m == nil {
		return nil
	}
	cp := make(map[string]int, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
