// Package events defines the closed set of event types exchanged on the
// broadcast fabric, and the Bus that carries them from producers (directory
// monitors, HTTP intake, the supervisor) to the connection manager.
//
// Every event serializes as {"type": ..., "data": {...}, "timestamp": ...}.
// Unknown incoming types are logged and dropped; unknown fields inside a
// known type pass through untouched so payload shapes can evolve.
package events

import (
	"encoding/json"
	"time"
)

// Type tags an event variant.
type Type string

const (
	// Control events
	TypeConnectionAck     Type = "connection_ack"
	TypePing              Type = "ping"
	TypePong              Type = "pong"
	TypeHeartbeat         Type = "heartbeat"
	TypeSessionRegistered Type = "session_registered"
	TypeError             Type = "error"

	// Workflow lifecycle events
	TypeStatusUpdate            Type = "status_update"
	TypeWorkflowLog             Type = "workflow_log"
	TypeWorkflowPhaseTransition Type = "workflow_phase_transition"
	TypeStageStarted            Type = "stage_started"
	TypeStageCompleted          Type = "stage_completed"
	TypeStageFailed             Type = "stage_failed"
	TypeStageSkipped            Type = "stage_skipped"
	TypeWorkflowStarted         Type = "workflow_started"
	TypeWorkflowCompleted       Type = "workflow_completed"
	TypeWorkflowFailed          Type = "workflow_failed"
	TypeAgentUpdated            Type = "agent_updated"
	TypeAgentSummaryUpdate      Type = "agent_summary_update"

	// Agent output events
	TypeThinkingBlock    Type = "thinking_block"
	TypeTextBlock        Type = "text_block"
	TypeToolUsePre       Type = "tool_use_pre"
	TypeToolUsePost      Type = "tool_use_post"
	TypeFileChanged      Type = "file_changed"
	TypeSummaryUpdate    Type = "summary_update"
	TypeAgentLog         Type = "agent_log"
	TypeAgentOutputChunk Type = "agent_output_chunk"
	TypeChatStream       Type = "chat_stream"

	// Artifact availability events
	TypeScreenshotAvailable Type = "screenshot_available"
	TypeSpecCreated         Type = "spec_created"
)

// ErrorType classifies error events and HTTP error envelopes.
type ErrorType string

const (
	ErrorValidation ErrorType = "validation_error"
	ErrorRateLimit  ErrorType = "rate_limit_error"
	ErrorSystem     ErrorType = "system_error"
)

// known is the full taxonomy; anything else is dropped at the edges.
var known = map[Type]struct{}{
	TypeConnectionAck: {}, TypePing: {}, TypePong: {}, TypeHeartbeat: {},
	TypeSessionRegistered: {}, TypeError: {},
	TypeStatusUpdate: {}, TypeWorkflowLog: {}, TypeWorkflowPhaseTransition: {},
	TypeStageStarted: {}, TypeStageCompleted: {}, TypeStageFailed: {},
	TypeStageSkipped: {}, TypeWorkflowStarted: {}, TypeWorkflowCompleted: {},
	TypeWorkflowFailed: {}, TypeAgentUpdated: {}, TypeAgentSummaryUpdate: {},
	TypeThinkingBlock: {}, TypeTextBlock: {}, TypeToolUsePre: {},
	TypeToolUsePost: {}, TypeFileChanged: {}, TypeSummaryUpdate: {},
	TypeAgentLog: {}, TypeAgentOutputChunk: {}, TypeChatStream: {},
	TypeScreenshotAvailable: {}, TypeSpecCreated: {},
}

// Known reports whether t belongs to the event taxonomy.
func Known(t Type) bool {
	_, ok := known[t]
	return ok
}

// String returns the string representation of the Type.
func (t Type) String() string {
	return string(t)
}

// IsControl returns true for connection-level control events.
func (t Type) IsControl() bool {
	switch t {
	case TypeConnectionAck, TypePing, TypePong, TypeHeartbeat,
		TypeSessionRegistered, TypeError:
		return true
	default:
		return false
	}
}

// IsAgentOutput returns true for events parsed from agent output streams.
func (t Type) IsAgentOutput() bool {
	switch t {
	case TypeThinkingBlock, TypeTextBlock, TypeToolUsePre, TypeToolUsePost,
		TypeFileChanged, TypeSummaryUpdate, TypeAgentLog, TypeAgentOutputChunk,
		TypeChatStream:
		return true
	default:
		return false
	}
}

// IsArtifact returns true for artifact-availability events.
func (t Type) IsArtifact() bool {
	return t == TypeScreenshotAvailable || t == TypeSpecCreated
}

// IsStageEvent returns true for stage-lifecycle events.
func (t Type) IsStageEvent() bool {
	switch t {
	case TypeStageStarted, TypeStageCompleted, TypeStageFailed, TypeStageSkipped,
		TypeWorkflowStarted, TypeWorkflowCompleted, TypeWorkflowFailed:
		return true
	default:
		return false
	}
}

// Event is the envelope routed through the bus and written to clients.
// Data is deliberately an open map: the server validates only the fields it
// needs and relays the rest verbatim.
type Event struct {
	Type      Type           `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// New creates an event with the current timestamp.
func New(t Type, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: t, Data: data, Timestamp: time.Now().UTC()}
}

// NewError creates an error event with the standard envelope
// {error_type, message, details?}.
func NewError(et ErrorType, message string, details map[string]any) Event {
	data := map[string]any{
		"error_type": string(et),
		"message":    message,
	}
	if len(details) > 0 {
		data["details"] = details
	}
	return New(TypeError, data)
}

// ADWID returns the workflow ID carried in the event data, or "" for
// events that are not workflow-scoped.
func (e Event) ADWID() string {
	if id, ok := e.Data["adw_id"].(string); ok {
		return id
	}
	return ""
}

// Marshal serializes the event for the wire.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}
