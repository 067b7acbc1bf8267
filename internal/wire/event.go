// Package wire defines the message envelopes carried between clients, the
// local server, the relay, and daemons: per-session Events (spec §3, §6)
// and per-tunnel Frames (spec §4.3, §6).
package wire

import "time"

// EventKind enumerates the structured event vocabulary of spec §3.
type EventKind string

const (
	EventTextDelta          EventKind = "text_delta"
	EventToolCallStart      EventKind = "tool_call_start"
	EventToolCallResult     EventKind = "tool_call_result"
	EventPermissionRequest  EventKind = "permission_request"
	EventUserQuestion       EventKind = "user_question"
	EventTodoUpdate         EventKind = "todo_update"
	EventStatusChange       EventKind = "status_change"
	EventSessionInfo        EventKind = "session_info"
	EventError              EventKind = "error"
	EventUsageReport        EventKind = "usage_report"
	EventPlanModeChange     EventKind = "plan_mode_change"
	EventTurnComplete       EventKind = "turn_complete"
)

// Event is the wire form of a multiplexer event: (session, sequence) is its
// identity, and sequence is assigned at ingest and never reused (spec §3).
type Event struct {
	SessionID    string         `json:"session_id"`
	Sequence     uint64         `json:"sequence"`
	Kind         EventKind      `json:"kind"`
	Timestamp    time.Time      `json:"timestamp"`
	ParentToolID string         `json:"parent_tool_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// SessionInfoPayload keys, used for the synthetic compaction snapshot
// (spec §4.2 reconnection replay).
const (
	PayloadIsCompacted = "is_compacted"
)

// TurnCompletePayload keys.
const (
	PayloadStopReason   = "stop_reason"
	PayloadFinalSeq     = "final_sequence"
	PayloadWasActive    = "was_active"
)

// ErrorEventPayload keys.
const (
	PayloadErrorCode    = "code"
	PayloadErrorMessage = "message"
	PayloadIsFatal      = "is_fatal"
)
