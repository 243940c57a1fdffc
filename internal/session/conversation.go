package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ErrCorruptCursor is returned when cursor.json exists but cannot be
// decoded. Repair rebuilds the cursor from the part files.
var ErrCorruptCursor = errors.New("corrupt conversation cursor")

// Role identifies who produced a conversation part.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleMarker annotates the durable log with runtime boundaries:
	// a new execution entering a continuous conversation, a timer
	// fire, a retried model call. Markers replay as bracketed user
	// messages so the model sees where runs stopped and started.
	RoleMarker Role = "system_marker"
)

// PartToolCall is one tool invocation recorded inside an assistant part.
type PartToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Part is one durable conversation message. Parts are written append-only
// as zero-padded ordinal files so lexical order is chronological order.
type Part struct {
	Ordinal    int64          `json:"ordinal"`
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []PartToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	IsError    bool           `json:"is_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

type cursor struct {
	LastOrdinal int64 `json:"last_ordinal"`
}

// Conversation is the durable message log of one node within one session.
type Conversation struct {
	dir string
	mu  *sync.Mutex
}

// Conversation returns the conversation log for a node. The directory is
// created lazily on first append.
func (s *Store) Conversation(sessionID, nodeID string) *Conversation {
	return &Conversation{
		dir: filepath.Join(s.Dir(sessionID), "conversations", nodeID),
		mu:  s.sessionLock(sessionID + "/" + nodeID),
	}
}

func (c *Conversation) partsDir() string {
	return filepath.Join(c.dir, "parts")
}

func partName(ordinal int64) string {
	return fmt.Sprintf("%010d.json", ordinal)
}

// Append assigns the next ordinal and durably writes the part, then the
// cursor. The part file lands before the cursor moves, so a crash between
// the two leaves a repairable gap, never a dangling cursor.
func (c *Conversation) Append(p *Part) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.partsDir(), 0o755); err != nil {
		return 0, fmt.Errorf("create conversation directory: %w", err)
	}

	last, err := c.lastOrdinal()
	if err != nil {
		return 0, err
	}
	p.Ordinal = last + 1
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("encode part: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(c.partsDir(), partName(p.Ordinal)), data); err != nil {
		return 0, err
	}
	if err := c.writeCursor(p.Ordinal); err != nil {
		return 0, err
	}
	return p.Ordinal, nil
}

// LastOrdinal returns the highest committed ordinal, 0 for an empty or
// missing conversation.
func (c *Conversation) LastOrdinal() (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastOrdinal()
}

func (c *Conversation) lastOrdinal() (int64, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, "cursor.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cursor: %w", err)
	}
	var cur cursor
	if err := json.Unmarshal(data, &cur); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrCorruptCursor, err)
	}
	return cur.LastOrdinal, nil
}

func (c *Conversation) writeCursor(ordinal int64) error {
	data, err := json.Marshal(cursor{LastOrdinal: ordinal})
	if err != nil {
		return fmt.Errorf("encode cursor: %w", err)
	}
	return writeFileAtomic(filepath.Join(c.dir, "cursor.json"), data)
}

// ReadAll returns every committed part in order.
func (c *Conversation) ReadAll() ([]*Part, error) {
	return c.ReadFrom(1)
}

// ReadFrom returns committed parts with ordinal >= from, in order. Parts
// beyond the cursor are ignored; they are uncommitted leftovers from a
// crash and are handled by Repair.
func (c *Conversation) ReadFrom(from int64) ([]*Part, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	last, err := c.lastOrdinal()
	if err != nil {
		return nil, err
	}
	var parts []*Part
	for ord := from; ord <= last; ord++ {
		p, err := c.readPart(ord)
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

func (c *Conversation) readPart(ordinal int64) (*Part, error) {
	data, err := os.ReadFile(filepath.Join(c.partsDir(), partName(ordinal)))
	if err != nil {
		return nil, fmt.Errorf("read part %d: %w", ordinal, err)
	}
	var p Part
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode part %d: %w", ordinal, err)
	}
	return &p, nil
}

// scanOrdinals lists the ordinals present on disk, sorted.
func (c *Conversation) scanOrdinals() ([]int64, error) {
	entries, err := os.ReadDir(c.partsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan parts: %w", err)
	}
	var ordinals []int64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		ord, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		ordinals = append(ordinals, ord)
	}
	sort.Slice(ordinals, func(i, j int) bool { return ordinals[i] < ordinals[j] })
	return ordinals, nil
}

// Repair makes the conversation consistent after a crash:
//
//  1. If the cursor is missing, corrupt, or behind the part files, it is
//     rebuilt from the highest contiguous ordinal on disk.
//  2. Assistant tool calls with no recorded result get a synthetic
//     error result so the transcript stays well-formed for the model.
//
// It returns the number of synthetic results appended.
func (c *Conversation) Repair() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ordinals, err := c.scanOrdinals()
	if err != nil {
		return 0, err
	}
	if len(ordinals) == 0 {
		return 0, nil
	}

	// Highest contiguous ordinal from 1; anything after a gap is an
	// uncommitted remnant and is dropped.
	var last int64
	for i, ord := range ordinals {
		if ord != int64(i)+1 {
			break
		}
		last = ord
	}
	for _, ord := range ordinals {
		if ord > last {
			os.Remove(filepath.Join(c.partsDir(), partName(ord)))
		}
	}

	cursorLast, err := c.lastOrdinal()
	if err != nil || cursorLast != last {
		if err := c.writeCursor(last); err != nil {
			return 0, err
		}
	}

	// Find tool calls with no matching result.
	answered := make(map[string]bool)
	var orphans []PartToolCall
	for ord := int64(1); ord <= last; ord++ {
		p, err := c.readPart(ord)
		if err != nil {
			return 0, err
		}
		switch p.Role {
		case RoleTool:
			answered[p.ToolCallID] = true
		case RoleAssistant:
			orphans = append(orphans, p.ToolCalls...)
		}
	}

	repaired := 0
	for _, call := range orphans {
		if answered[call.ID] {
			continue
		}
		result := &Part{
			Ordinal:    last + int64(repaired) + 1,
			Role:       RoleTool,
			ToolCallID: call.ID,
			Content:    "tool call interrupted before completion",
			IsError:    true,
			CreatedAt:  time.Now().UTC(),
		}
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return repaired, fmt.Errorf("encode repair part: %w", err)
		}
		if err := writeFileAtomic(filepath.Join(c.partsDir(), partName(result.Ordinal)), data); err != nil {
			return repaired, err
		}
		repaired++
	}
	if repaired > 0 {
		if err := c.writeCursor(last + int64(repaired)); err != nil {
			return repaired, err
		}
	}
	return repaired, nil
}

// ListConversations returns the node ids with conversation logs in a
// session, sorted.
func (s *Store) ListConversations(sessionID string) ([]string, error) {
	dir := filepath.Join(s.Dir(sessionID), "conversations")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	var nodes []string
	for _, e := range entries {
		if e.IsDir() {
			nodes = append(nodes, e.Name())
		}
	}
	sort.Strings(nodes)
	return nodes, nil
}
