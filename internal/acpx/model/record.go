// Package model holds the acpx data model (spec §3): the durable
// SessionRecord, its SessionThread projection, the AcpxEvent envelope, and
// the QueueOwnerLease. Field names follow idiomatic Go casing; the JSON
// tag on each field is the explicit, hand-written persisted key — acpx
// never relies on a name-derived camelCase/snake_case converter (spec §9
// design notes).
package model

import "time"

// SessionRecord is the unit of durable identity (spec §3).
type SessionRecord struct {
	RecordID       string `json:"acpx_record_id"`
	ACPSessionID   string `json:"acp_session_id,omitempty"`
	AgentSessionID string `json:"agent_session_id,omitempty"`
	AgentCommand   string `json:"agent_command"`
	Cwd            string `json:"cwd"`
	// Name is a pointer so nil (absent) is distinguishable from "" — the
	// default-for-cwd session has no name at all (spec §3).
	Name *string `json:"name,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   time.Time  `json:"last_used_at"`
	LastPromptAt *time.Time `json:"last_prompt_at,omitempty"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
	Closed       bool       `json:"closed"`

	PID                     *int       `json:"pid,omitempty"`
	AgentStartedAt          *time.Time `json:"agent_started_at,omitempty"`
	LastAgentExit           *AgentExit `json:"last_agent_exit,omitempty"`
	LastAgentDisconnectReason string   `json:"last_agent_disconnect_reason,omitempty"`

	LastSeq       int64  `json:"last_seq"`
	LastRequestID string `json:"last_request_id,omitempty"`

	EventLog EventLogState `json:"event_log"`

	ProtocolVersion  string `json:"protocol_version,omitempty"`
	AgentCapabilities any   `json:"agent_capabilities,omitempty"`

	Thread SessionThread `json:"thread"`
	Acpx   AcpxState     `json:"acpx"`
}

// AgentExit snapshots how the agent subprocess last exited.
type AgentExit struct {
	Code   *int      `json:"code,omitempty"`
	Signal string    `json:"signal,omitempty"`
	At     time.Time `json:"at"`
}

// EventLogState mirrors the on-disk event log's rotation state (spec §3).
type EventLogState struct {
	ActivePath      string     `json:"active_path,omitempty"`
	SegmentCount    int        `json:"segment_count"`
	MaxSegmentBytes int64      `json:"max_segment_bytes"`
	MaxSegments     int        `json:"max_segments"`
	LastWriteAt     *time.Time `json:"last_write_at,omitempty"`
	LastWriteError  string     `json:"last_write_error,omitempty"`
}

// AcpxState is the auxiliary projection alongside the conversation thread
// (spec §3: "acpx: auxiliary projection").
type AcpxState struct {
	CurrentModeID     string            `json:"current_mode_id,omitempty"`
	AvailableCommands []string          `json:"available_commands,omitempty"`
	// AvailableModes is a SPEC_FULL.md addition (§C): modes surfaced at
	// session-creation time, not only via later current_mode_update events.
	AvailableModes []string       `json:"available_modes,omitempty"`
	ConfigOptions  any            `json:"config_options,omitempty"`
	AuditEvents    []AuditEvent   `json:"audit_events"`
}

// AuditEvent is one entry of the bounded audit ring (spec §4.H, §9).
// Update and Meta are opaque-value paths in the persisted-key policy (spec
// §4.B): they carry a raw ACP notification/operation payload verbatim.
type AuditEvent struct {
	Kind   string         `json:"kind"`
	At     time.Time      `json:"at"`
	Update any            `json:"update,omitempty"`
	Meta   map[string]any `json:"_meta,omitempty"`
}

// Clone returns a deep-enough copy of the record for the "shallow copy,
// write back atomically after the turn" rule of spec §4.H. Fields that are
// replaced wholesale during a turn (Thread, Acpx) are copied by value;
// maps/slices inside them are copied explicitly where mutated in place.
func (r SessionRecord) Clone() SessionRecord {
	out := r
	out.Thread = r.Thread.clone()
	out.Acpx = r.Acpx.clone()
	if r.LastAgentExit != nil {
		exit := *r.LastAgentExit
		out.LastAgentExit = &exit
	}
	return out
}

func (a AcpxState) clone() AcpxState {
	out := a
	out.AvailableCommands = append([]string(nil), a.AvailableCommands...)
	out.AvailableModes = append([]string(nil), a.AvailableModes...)
	out.AuditEvents = append([]AuditEvent(nil), a.AuditEvents...)
	return out
}
