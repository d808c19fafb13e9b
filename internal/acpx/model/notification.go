package model

import "time"

// Notification is acpx's own normalised form of an inbound ACP session
// notification (spec §4.H). The acpconn layer is responsible for
// translating whatever the coder/acp-go-sdk's acp.SessionNotification
// shape is into this tagged union, the same way
// internal/controlplane/session/session_event_record.go in the teacher
// translates a proto SessionEvent into a flat intermediate before it
// touches persistence/projection logic. Keeping the projection package
// free of any ACP SDK import keeps it trivially testable.
type Notification struct {
	AgentMessageChunk       *TextChunk
	AgentThoughtChunk       *TextChunk
	UserMessageChunk        *UserContent
	ToolCall                *ToolCallFields
	ToolCallUpdate          *ToolCallFields
	Plan                    *PlanData
	UsageUpdate             *TokenUsage
	SessionInfoUpdate       *SessionInfoFields
	AvailableCommandsUpdate []string
	CurrentModeUpdate       *string
	ConfigOptionUpdate      any
}

// TextChunk is a plain-text delta, used for both message and thought chunks.
type TextChunk struct {
	Text string
}

// ToolCallFields is the union of fields a tool_call/tool_call_update
// notification may carry (spec §4.H).
type ToolCallFields struct {
	ToolCallID string
	Title      *string
	Kind       *string
	RawInput   any
	HasInput   bool
	RawOutput  any
	HasOutput  bool
	Status     *string
}

// SessionInfoFields carries a session_info_update's patchable fields.
type SessionInfoFields struct {
	Title *string
}

// ClientOperation is a client-side capability invocation surfaced by the
// agent (permission requests, fs/terminal ops) — spec §6's
// "client operations", specified only at the interface boundary.
type ClientOperation struct {
	Kind    string
	At      time.Time
	Payload any
}
