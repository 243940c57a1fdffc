// Package graph defines the static description of an agent: the node and
// edge specs, the goal, and the entry points that bind triggers to nodes.
// Specs are validated once at load; the executor treats them as immutable.
package graph

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/hiveloop/hiveloop/internal/graph/expr"
)

// IsolationLevel controls how a node or entry point shares session state.
type IsolationLevel string

const (
	IsolationIsolated     IsolationLevel = "isolated"
	IsolationShared       IsolationLevel = "shared"
	IsolationSynchronized IsolationLevel = "synchronized"
)

// ConversationMode controls whether a node's conversation continues across
// node transitions within a session or starts fresh per visit.
type ConversationMode string

const (
	ConversationIsolated   ConversationMode = "isolated"
	ConversationContinuous ConversationMode = "continuous"
)

// NodeType identifies the execution model of a node. Only event_loop is
// supported; legacy types are rejected at load.
type NodeType string

const NodeEventLoop NodeType = "event_loop"

// EdgeCondition selects when an edge matches after a node finishes.
type EdgeCondition string

const (
	EdgeOnSuccess   EdgeCondition = "ON_SUCCESS"
	EdgeOnFailure   EdgeCondition = "ON_FAILURE"
	EdgeAlways      EdgeCondition = "ALWAYS"
	EdgeConditional EdgeCondition = "CONDITIONAL"
)

// TriggerType identifies how an entry point is fired.
type TriggerType string

const (
	TriggerManual  TriggerType = "manual"
	TriggerTimer   TriggerType = "timer"
	TriggerEvent   TriggerType = "event"
	TriggerWebhook TriggerType = "webhook"
)

// NodeSpec describes one node of a graph.
type NodeSpec struct {
	ID           string   `yaml:"id"`
	Description  string   `yaml:"description"`
	SystemPrompt string   `yaml:"system_prompt"`
	NodeType     NodeType `yaml:"node_type"`

	InputKeys          []string `yaml:"input_keys"`
	OutputKeys         []string `yaml:"output_keys"`
	NullableOutputKeys []string `yaml:"nullable_output_keys"`

	Tools        []string `yaml:"tools"`
	ClientFacing bool     `yaml:"client_facing"`

	IsolationLevel   IsolationLevel   `yaml:"isolation_level"`
	ConversationMode ConversationMode `yaml:"conversation_mode"`

	// MaxNodeVisits caps feedback-loop re-entries. 0 = unbounded.
	MaxNodeVisits int `yaml:"max_node_visits"`
	// MaxRetries caps consecutive RETRY verdicts before escalation.
	MaxRetries int `yaml:"max_retries"`

	SuccessCriteria string `yaml:"success_criteria"`
}

// RequiredOutputKeys returns outputKeys minus nullableOutputKeys.
func (n *NodeSpec) RequiredOutputKeys() []string {
	nullable := make(map[string]bool, len(n.NullableOutputKeys))
	for _, k := range n.NullableOutputKeys {
		nullable[k] = true
	}
	var required []string
	for _, k := range n.OutputKeys {
		if !nullable[k] {
			required = append(required, k)
		}
	}
	return required
}

// EdgeSpec describes one directed edge. Priority >= 0 marks a forward
// edge; negative priority marks a feedback loop.
type EdgeSpec struct {
	ID            string        `yaml:"id"`
	Source        string        `yaml:"source"`
	Target        string        `yaml:"target"`
	Condition     EdgeCondition `yaml:"condition"`
	ConditionExpr string        `yaml:"condition_expr"`
	Priority      int           `yaml:"priority"`

	compiled *expr.Program
}

// Program returns the compiled condition expression. Nil for edges whose
// condition is not CONDITIONAL.
func (e *EdgeSpec) Program() *expr.Program {
	return e.compiled
}

// IsForward reports whether the edge is a forward edge.
func (e *EdgeSpec) IsForward() bool {
	return e.Priority >= 0
}

// Criterion is one weighted success criterion of a goal.
type Criterion struct {
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Weight      float64 `yaml:"weight"`
}

// Goal carries the agent's objective. It is informational: the executor
// renders it into system prompts but never interprets it.
type Goal struct {
	ID              string      `yaml:"id"`
	Name            string      `yaml:"name"`
	Description     string      `yaml:"description"`
	SuccessCriteria []Criterion `yaml:"success_criteria"`
	Constraints     []string    `yaml:"constraints"`
}

// Validate checks that criterion weights sum to 1.0.
func (g *Goal) Validate() error {
	if len(g.SuccessCriteria) == 0 {
		return nil
	}
	var sum float64
	for _, c := range g.SuccessCriteria {
		if c.Weight < 0 {
			return fmt.Errorf("goal %s: criterion %q has negative weight", g.ID, c.Name)
		}
		sum += c.Weight
	}
	if math.Abs(sum-1.0) > 1e-6 {
		return fmt.Errorf("goal %s: criterion weights sum to %v, want 1.0", g.ID, sum)
	}
	return nil
}

// TriggerConfig holds per-trigger-type settings. Only the fields matching
// the entry point's trigger type are consulted.
type TriggerConfig struct {
	// Timer triggers: either a cron expression or a fixed interval.
	Cron            string `yaml:"cron"`
	IntervalMinutes int    `yaml:"interval_minutes"`

	// Event triggers: subscribed event types plus optional filters.
	EventTypes      []string `yaml:"event_types"`
	FilterStream    string   `yaml:"filter_stream"`
	FilterNode      string   `yaml:"filter_node"`
	ExcludeOwnGraph bool     `yaml:"exclude_own_graph"`

	// Webhook triggers: ingress path suffix and optional HMAC secret.
	Path   string `yaml:"path"`
	Secret string `yaml:"secret"`
}

// EntryPointSpec binds a trigger to a graph node.
type EntryPointSpec struct {
	ID             string         `yaml:"id"`
	EntryNode      string         `yaml:"entry_node"`
	TriggerType    TriggerType    `yaml:"trigger_type"`
	Trigger        TriggerConfig  `yaml:"trigger"`
	IsolationLevel IsolationLevel `yaml:"isolation_level"`
	MaxConcurrent  int            `yaml:"max_concurrent"`
}

// GraphSpec is the full static description of one graph.
type GraphSpec struct {
	ID            string      `yaml:"id"`
	Nodes         []*NodeSpec `yaml:"nodes"`
	Edges         []*EdgeSpec `yaml:"edges"`
	EntryNode     string      `yaml:"entry_node"`
	TerminalNodes []string    `yaml:"terminal_nodes"`
	PauseNodes    []string    `yaml:"pause_nodes"`

	nodesByID map[string]*NodeSpec
	outgoing  map[string][]*EdgeSpec
}

// Node returns the node with the given id, or nil.
func (g *GraphSpec) Node(id string) *NodeSpec {
	return g.nodesByID[id]
}

// OutgoingEdges returns the edges leaving the given node.
func (g *GraphSpec) OutgoingEdges(nodeID string) []*EdgeSpec {
	return g.outgoing[nodeID]
}

// IsTerminal reports whether the node is a terminal node.
func (g *GraphSpec) IsTerminal(nodeID string) bool {
	for _, id := range g.TerminalNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// IsPause reports whether the node is a pause node.
func (g *GraphSpec) IsPause(nodeID string) bool {
	for _, id := range g.PauseNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// ForeverAlive reports whether the graph has no terminal nodes and is
// expected to run until cancelled.
func (g *GraphSpec) ForeverAlive() bool {
	return len(g.TerminalNodes) == 0
}

// Validate checks structural invariants, compiles edge conditions, and
// builds the lookup indexes. It must be called once before execution;
// any error is fatal for the graph.
func (g *GraphSpec) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("graph id is required")
	}
	if len(g.Nodes) == 0 {
		return fmt.Errorf("graph %s: at least one node is required", g.ID)
	}

	g.nodesByID = make(map[string]*NodeSpec, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			return fmt.Errorf("graph %s: node with empty id", g.ID)
		}
		if _, dup := g.nodesByID[n.ID]; dup {
			return fmt.Errorf("graph %s: duplicate node id %q", g.ID, n.ID)
		}
		if n.NodeType == "" {
			n.NodeType = NodeEventLoop
		}
		if n.NodeType != NodeEventLoop {
			return fmt.Errorf("graph %s: node %s: unsupported node type %q", g.ID, n.ID, n.NodeType)
		}
		if n.IsolationLevel == "" {
			n.IsolationLevel = IsolationShared
		}
		if n.ConversationMode == "" {
			n.ConversationMode = ConversationIsolated
		}
		if err := validateNullable(n); err != nil {
			return fmt.Errorf("graph %s: node %s: %w", g.ID, n.ID, err)
		}
		g.nodesByID[n.ID] = n
	}

	if g.EntryNode == "" {
		return fmt.Errorf("graph %s: entry node is required", g.ID)
	}
	if g.Node(g.EntryNode) == nil {
		return fmt.Errorf("graph %s: entry node %q not found", g.ID, g.EntryNode)
	}
	for _, id := range g.TerminalNodes {
		if g.Node(id) == nil {
			return fmt.Errorf("graph %s: terminal node %q not found", g.ID, id)
		}
	}
	for _, id := range g.PauseNodes {
		if g.Node(id) == nil {
			return fmt.Errorf("graph %s: pause node %q not found", g.ID, id)
		}
	}

	g.outgoing = make(map[string][]*EdgeSpec)
	seenEdges := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		if e.ID == "" {
			e.ID = fmt.Sprintf("%s->%s", e.Source, e.Target)
		}
		if seenEdges[e.ID] {
			return fmt.Errorf("graph %s: duplicate edge id %q", g.ID, e.ID)
		}
		seenEdges[e.ID] = true
		if g.Node(e.Source) == nil {
			return fmt.Errorf("graph %s: edge %s: unknown source node %q", g.ID, e.ID, e.Source)
		}
		if g.Node(e.Target) == nil {
			return fmt.Errorf("graph %s: edge %s: unknown target node %q", g.ID, e.ID, e.Target)
		}
		switch e.Condition {
		case EdgeOnSuccess, EdgeOnFailure, EdgeAlways:
			if e.ConditionExpr != "" {
				return fmt.Errorf("graph %s: edge %s: condition_expr only valid with CONDITIONAL", g.ID, e.ID)
			}
		case EdgeConditional:
			if e.ConditionExpr == "" {
				return fmt.Errorf("graph %s: edge %s: CONDITIONAL edge requires condition_expr", g.ID, e.ID)
			}
			prog, err := expr.Compile(e.ConditionExpr)
			if err != nil {
				return fmt.Errorf("graph %s: edge %s: %w", g.ID, e.ID, err)
			}
			e.compiled = prog
		case "":
			e.Condition = EdgeOnSuccess
		default:
			return fmt.Errorf("graph %s: edge %s: unknown condition %q", g.ID, e.ID, e.Condition)
		}
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}

	// Forever-alive graphs must not have dead ends.
	if g.ForeverAlive() {
		for _, n := range g.Nodes {
			if len(g.outgoing[n.ID]) == 0 {
				return fmt.Errorf("graph %s: forever-alive graph has no outgoing edges from node %s", g.ID, n.ID)
			}
		}
	}

	if err := g.validateFanOut(); err != nil {
		return err
	}

	// Deterministic edge evaluation order: descending priority, id as
	// tiebreaker.
	for _, edges := range g.outgoing {
		sort.SliceStable(edges, func(i, j int) bool {
			if edges[i].Priority != edges[j].Priority {
				return edges[i].Priority > edges[j].Priority
			}
			return edges[i].ID < edges[j].ID
		})
	}
	return nil
}

// validateFanOut rejects graphs where sibling forward edges could fan out
// into nodes with overlapping output keys. Outputs of concurrent branches
// must be pairwise disjoint so the merge into shared memory is unambiguous.
func (g *GraphSpec) validateFanOut() error {
	for _, n := range g.Nodes {
		var forward []*EdgeSpec
		for _, e := range g.outgoing[n.ID] {
			if e.IsForward() {
				forward = append(forward, e)
			}
		}
		for i := 0; i < len(forward); i++ {
			for j := i + 1; j < len(forward); j++ {
				a := g.Node(forward[i].Target)
				b := g.Node(forward[j].Target)
				if a.ID == b.ID {
					continue
				}
				if overlap := keyOverlap(a.OutputKeys, b.OutputKeys); len(overlap) > 0 {
					return fmt.Errorf(
						"graph %s: fan-out from %s: nodes %s and %s share output keys %s",
						g.ID, n.ID, a.ID, b.ID, strings.Join(overlap, ", "))
				}
			}
		}
	}
	return nil
}

func validateNullable(n *NodeSpec) error {
	outputs := make(map[string]bool, len(n.OutputKeys))
	for _, k := range n.OutputKeys {
		outputs[k] = true
	}
	for _, k := range n.NullableOutputKeys {
		if !outputs[k] {
			return fmt.Errorf("nullable output key %q is not an output key", k)
		}
	}
	return nil
}

func keyOverlap(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, k := range a {
		set[k] = true
	}
	var out []string
	for _, k := range b {
		if set[k] {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
