// Package ipc implements the queue-owner wire protocol of spec §4.C:
// newline-delimited JSON over a Unix domain socket (on Windows too; no
// named pipe is used), one request per connection. Framing and stale-socket
// cleanup-on-listen are grounded on
// 56d09762_ElleNajt-acp-multiplex__main.go.go's proxy, the only example
// in the pack that speaks NDJSON over a local socket at all.
package ipc

import (
	"fmt"

	"github.com/sebastianm/acpx/internal/acpx/acpxerr"
)

// RequestType enumerates client->owner request types (spec §4.C).
type RequestType string

const (
	RequestSubmitPrompt    RequestType = "submit_prompt"
	RequestCancelPrompt    RequestType = "cancel_prompt"
	RequestSetMode         RequestType = "set_mode"
	RequestSetConfigOption RequestType = "set_config_option"
)

var knownRequestTypes = map[RequestType]bool{
	RequestSubmitPrompt: true, RequestCancelPrompt: true,
	RequestSetMode: true, RequestSetConfigOption: true,
}

// Request is the union of every client->owner request shape. Only the
// fields relevant to Type are populated; Validate enforces that.
type Request struct {
	Type      RequestType `json:"type"`
	RequestID string      `json:"requestId"`

	// submit_prompt
	Message                   string `json:"message,omitempty"`
	PermissionMode            string `json:"permissionMode,omitempty"`
	NonInteractivePermissions any    `json:"nonInteractivePermissions,omitempty"`
	TimeoutMs                 *int   `json:"timeoutMs,omitempty"`
	WaitForCompletion         bool   `json:"waitForCompletion,omitempty"`

	// set_mode
	ModeID string `json:"modeId,omitempty"`

	// set_config_option
	ConfigID string `json:"configId,omitempty"`
	Value    any    `json:"value,omitempty"`
}

// Validate rejects unknown types, missing required fields, and enum
// values outside the spec's set (spec §4.C: "Message validator is
// strict").
func (r Request) Validate() error {
	if r.RequestID == "" {
		return protocolErr("request missing requestId")
	}
	if !knownRequestTypes[r.Type] {
		return protocolErr(fmt.Sprintf("unknown request type %q", r.Type))
	}
	switch r.Type {
	case RequestSubmitPrompt:
		if r.Message == "" {
			return protocolErr("submit_prompt missing message")
		}
		if r.PermissionMode != "" && !knownPermissionModes[r.PermissionMode] {
			return protocolErr(fmt.Sprintf("submit_prompt has unknown permissionMode %q", r.PermissionMode))
		}
	case RequestSetMode:
		if r.ModeID == "" {
			return protocolErr("set_mode missing modeId")
		}
	case RequestSetConfigOption:
		if r.ConfigID == "" {
			return protocolErr("set_config_option missing configId")
		}
	}
	return nil
}

var knownPermissionModes = map[string]bool{
	"ask": true, "allow_once": true, "allow_always": true, "reject_once": true,
}

// MessageType enumerates owner->client message types (spec §4.C).
type MessageType string

const (
	MessageAccepted            MessageType = "accepted"
	MessageSessionUpdate       MessageType = "session_update"
	MessageClientOperation     MessageType = "client_operation"
	MessageDone                MessageType = "done"
	MessageResult              MessageType = "result"
	MessageCancelResult        MessageType = "cancel_result"
	MessageSetModeResult       MessageType = "set_mode_result"
	MessageSetConfigOptResult  MessageType = "set_config_option_result"
	MessageError               MessageType = "error"
)

// Message is the union of every owner->client message shape.
type Message struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`

	Notification any    `json:"notification,omitempty"`
	Operation    any    `json:"operation,omitempty"`
	StopReason   string `json:"stopReason,omitempty"`
	SendResult   any    `json:"sendResult,omitempty"`
	Cancelled    *bool  `json:"cancelled,omitempty"`
	ModeID       string `json:"modeId,omitempty"`
	Response     any    `json:"response,omitempty"`

	Code       string             `json:"code,omitempty"`
	DetailCode string             `json:"detailCode,omitempty"`
	Origin     string             `json:"origin,omitempty"`
	Message    string             `json:"message,omitempty"`
	Retryable  bool               `json:"retryable,omitempty"`
	ACP        *acpxerr.ACPDetail `json:"acp,omitempty"`
}

// Accepted builds the always-first owner->client reply to a valid
// request (spec §4.C).
func Accepted(requestID string) Message {
	return Message{Type: MessageAccepted, RequestID: requestID}
}

// ErrorMessage builds a terminal error reply from a typed acpxerr.Error.
func ErrorMessage(requestID string, err *acpxerr.Error) Message {
	m := Message{
		Type:       MessageError,
		RequestID:  requestID,
		Code:       string(err.Code),
		DetailCode: err.DetailCode,
		Origin:     string(err.Origin),
		Message:    err.Message,
		Retryable:  err.Retryable,
		ACP:        err.ACP,
	}
	return m
}

func protocolErr(msg string) *acpxerr.Error {
	return acpxerr.New(acpxerr.CodeUsage, acpxerr.OriginQueue, msg).
		WithDetail(acpxerr.DetailQueueProtocolInvalidJSON)
}
