package model

import "time"

// EventSchema is the literal schema tag of every persisted event (spec §3).
const EventSchema = "acpx.event.v1"

// EventType enumerates the AcpxEvent.Type values (spec §3).
type EventType string

const (
	EventTurnStarted     EventType = "turn_started"
	EventOutputDelta     EventType = "output_delta"
	EventToolCall        EventType = "tool_call"
	EventPlan            EventType = "plan"
	EventUpdate          EventType = "update"
	EventClientOperation EventType = "client_operation"
	EventTurnDone        EventType = "turn_done"
	EventError           EventType = "error"
	EventSessionEnsured  EventType = "session_ensured"
	EventCancelRequested EventType = "cancel_requested"
	EventCancelResult    EventType = "cancel_result"
	EventModeSet         EventType = "mode_set"
	EventConfigSet       EventType = "config_set"
	EventStatusSnapshot  EventType = "status_snapshot"
	EventSessionClosed   EventType = "session_closed"
	EventPromptQueued    EventType = "prompt_queued"
)

// KnownEventTypes is the fixed set validated on write (spec §3). Readers
// (listSessionEvents) also consult it, skipping any line whose type is
// not in this set (spec §4.B, §6).
var KnownEventTypes = map[EventType]bool{
	EventTurnStarted: true, EventOutputDelta: true, EventToolCall: true,
	EventPlan: true, EventUpdate: true, EventClientOperation: true,
	EventTurnDone: true, EventError: true, EventSessionEnsured: true,
	EventCancelRequested: true, EventCancelResult: true, EventModeSet: true,
	EventConfigSet: true, EventStatusSnapshot: true, EventSessionClosed: true,
	EventPromptQueued: true,
}

// AcpxEvent is the append-only envelope persisted one-per-line (spec §3).
type AcpxEvent struct {
	Schema         string    `json:"schema"`
	EventID        string    `json:"event_id"`
	SessionID      string    `json:"session_id"`
	ACPSessionID   string    `json:"acp_session_id,omitempty"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Seq            int64     `json:"seq"`
	TS             time.Time `json:"ts"`
	Type           EventType `json:"type"`
	Data           any       `json:"data"`
}

// EventDraft is an event awaiting a seq/event_id/ts, i.e. pre-createEvent
// (spec §4.B "createEvent(draft)").
type EventDraft struct {
	ACPSessionID   string
	AgentSessionID string
	RequestID      string
	Type           EventType
	Data           any
}

// PermissionStats counts permission decisions during a turn (spec §4.F).
type PermissionStats struct {
	Requested int `json:"requested"`
	Approved  int `json:"approved"`
	Denied    int `json:"denied"`
	Cancelled int `json:"cancelled"`
}

// Data shapes for each EventType, validated on write/read (spec §3).

type TurnStartedData struct {
	Message string `json:"message"`
}

type OutputDeltaData struct {
	Text string `json:"text"`
}

type ToolCallData struct {
	ToolCallID string `json:"tool_call_id"`
	Title      string `json:"title,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Status     string `json:"status,omitempty"`
}

type PlanData struct {
	Entries []PlanEntry `json:"entries"`
}

type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// UpdateData wraps a raw ACP session_update notification; the "update" key
// is one of the opaque-value exemptions of the key policy (spec §4.B).
type UpdateData struct {
	Update any `json:"update"`
}

type ClientOperationData struct {
	Operation any `json:"operation"`
}

type TurnDoneData struct {
	StopReason      string          `json:"stop_reason"`
	PermissionStats PermissionStats `json:"permission_stats"`
}

type ErrorData struct {
	Code       string `json:"code"`
	DetailCode string `json:"detail_code,omitempty"`
	Origin     string `json:"origin,omitempty"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable,omitempty"`
}

type SessionEnsuredData struct {
	Created bool `json:"created"`
}

type CancelRequestedData struct{}

type CancelResultData struct {
	Cancelled bool `json:"cancelled"`
}

type ModeSetData struct {
	ModeID string `json:"mode_id"`
}

type ConfigSetData struct {
	ConfigID string `json:"config_id"`
	Value    any    `json:"value"`
}

type StatusSnapshotData struct {
	Status string `json:"status"`
}

type SessionClosedData struct{}

type PromptQueuedData struct {
	QueueDepth int `json:"queue_depth"`
}
