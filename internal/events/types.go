// Package events defines the runtime event model shared by the bus, the
// journal, the gateway, and the monitoring graphs.
package events

import (
	"time"
)

// Type identifies the kind of an AgentEvent. Values are the wire names
// consumed by subscribers (TUI, HTTP clients, secondary graphs).
type Type string

const (
	TypeExecutionStarted   Type = "EXECUTION_STARTED"
	TypeExecutionCompleted Type = "EXECUTION_COMPLETED"
	TypeExecutionFailed    Type = "EXECUTION_FAILED"
	TypeExecutionPaused    Type = "EXECUTION_PAUSED"

	TypeNodeLoopStarted   Type = "NODE_LOOP_STARTED"
	TypeNodeLoopCompleted Type = "NODE_LOOP_COMPLETED"
	TypeEdgeTraversed     Type = "EDGE_TRAVERSED"

	TypeLLMTextDelta      Type = "LLM_TEXT_DELTA"
	TypeToolCallStarted   Type = "TOOL_CALL_STARTED"
	TypeToolCallCompleted Type = "TOOL_CALL_COMPLETED"

	TypeClientOutputDelta    Type = "CLIENT_OUTPUT_DELTA"
	TypeClientInputRequested Type = "CLIENT_INPUT_REQUESTED"
	TypeClientInputReceived  Type = "CLIENT_INPUT_RECEIVED"

	TypeGoalProgress    Type = "GOAL_PROGRESS"
	TypeWebhookReceived Type = "WEBHOOK_RECEIVED"

	TypeWorkerEscalationTicket     Type = "WORKER_ESCALATION_TICKET"
	TypeQueenInterventionRequested Type = "QUEEN_INTERVENTION_REQUESTED"

	TypeSubscriberLagged Type = "SUBSCRIBER_LAGGED"
)

// AgentEvent is a single event on the runtime bus. ID and Timestamp are
// stamped by the bus at publish time; producers leave them zero.
type AgentEvent struct {
	ID          string         `json:"id"`
	Type        Type           `json:"type"`
	Timestamp   time.Time      `json:"ts"`
	GraphID     string         `json:"graph_id,omitempty"`
	StreamID    string         `json:"stream_id,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// New creates an event with the given type and payload. Identity fields
// (graph/stream/node/execution) are set by the producer before publish.
func New(eventType Type, payload map[string]any) *AgentEvent {
	return &AgentEvent{
		Type:    eventType,
		Payload: payload,
	}
}

// InputType describes the shape of input a client-facing node expects when
// it pauses for a human reply.
type InputType string

const (
	InputFreeText   InputType = "free_text"
	InputStructured InputType = "structured"
	InputSelection  InputType = "selection"
	InputApproval   InputType = "approval"
)

// TextDeltaPayload builds the payload of LLM_TEXT_DELTA and
// CLIENT_OUTPUT_DELTA events.
func TextDeltaPayload(text string) map[string]any {
	return map[string]any{"text": text}
}

// ToolCallStartedPayload builds the payload of TOOL_CALL_STARTED events.
func ToolCallStartedPayload(callID, name string, args map[string]any) map[string]any {
	return map[string]any{"call_id": callID, "name": name, "args": args}
}

// ToolCallCompletedPayload builds the payload of TOOL_CALL_COMPLETED events.
func ToolCallCompletedPayload(callID, name string, result any, isError bool) map[string]any {
	return map[string]any{"call_id": callID, "name": name, "result": result, "is_error": isError}
}

// InputRequestedPayload builds the payload of CLIENT_INPUT_REQUESTED events.
// Options and fields are only meaningful for selection and structured input.
func InputRequestedPayload(nodeID, prompt string, inputType InputType, options []string, fields map[string]string) map[string]any {
	p := map[string]any{
		"node_id":    nodeID,
		"prompt":     prompt,
		"input_type": string(inputType),
	}
	if len(options) > 0 {
		p["options"] = options
	}
	if len(fields) > 0 {
		p["fields"] = fields
	}
	return p
}

// WebhookPayload builds the payload of WEBHOOK_RECEIVED events.
func WebhookPayload(sourceID string, headers map[string]string, body map[string]any) map[string]any {
	return map[string]any{"source_id": sourceID, "headers": headers, "body": body}
}
