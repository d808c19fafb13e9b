package acpconn

import (
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/sebastianm/acpx/internal/acpx/model"
)

// translateNotification turns an ACP SessionNotification into acpx's own
// normalised model.Notification (spec §4.H), keeping the thread package
// free of any dependency on the acp-go-sdk wire types. Grounded on the
// shape of notifications internal/worker/driver/v2/client.go constructs
// and forwards via EventCallback.
func translateNotification(n acp.SessionNotification) model.Notification {
	u := n.Update
	switch {
	case u.AgentMessageChunk != nil:
		return model.Notification{AgentMessageChunk: &model.TextChunk{Text: contentBlockText(u.AgentMessageChunk.Content)}}
	case u.AgentThoughtChunk != nil:
		return model.Notification{AgentThoughtChunk: &model.TextChunk{Text: contentBlockText(u.AgentThoughtChunk.Content)}}
	case u.UserMessageChunk != nil:
		uc := translateUserContent(u.UserMessageChunk.Content)
		return model.Notification{UserMessageChunk: &uc}
	case u.ToolCall != nil:
		return model.Notification{ToolCall: translateToolCall(
			string(u.ToolCall.ToolCallId), &u.ToolCall.Title, toolKindString(u.ToolCall.Kind),
			u.ToolCall.RawInput, u.ToolCall.RawInput != nil, u.ToolCall.RawOutput, u.ToolCall.RawOutput != nil,
			toolStatusString(&u.ToolCall.Status),
		)}
	case u.ToolCallUpdate != nil:
		return model.Notification{ToolCallUpdate: translateToolCall(
			string(u.ToolCallUpdate.ToolCallId), u.ToolCallUpdate.Title, toolKindPtrString(u.ToolCallUpdate.Kind),
			u.ToolCallUpdate.RawInput, u.ToolCallUpdate.RawInput != nil, u.ToolCallUpdate.RawOutput, u.ToolCallUpdate.RawOutput != nil,
			toolStatusString(u.ToolCallUpdate.Status),
		)}
	case u.Plan != nil:
		return model.Notification{Plan: translatePlan(u.Plan)}
	case u.AvailableCommandsUpdate != nil:
		names := make([]string, 0, len(u.AvailableCommandsUpdate.AvailableCommands))
		for _, c := range u.AvailableCommandsUpdate.AvailableCommands {
			if c.Name != "" {
				names = append(names, c.Name)
			}
		}
		return model.Notification{AvailableCommandsUpdate: names}
	case u.CurrentModeUpdate != nil:
		id := string(u.CurrentModeUpdate.CurrentModeId)
		return model.Notification{CurrentModeUpdate: &id}
	default:
		// Unknown/unhandled variant (e.g. a future SessionInfoUpdate or
		// ConfigOptionUpdate the pinned SDK version doesn't yet expose):
		// surfaced only via the audit ring, never dropped silently, by
		// the caller wrapping this in a client_operation/update audit
		// entry alongside the projection no-op.
		return model.Notification{}
	}
}

func translateUserContent(blocks []acp.ContentBlock) model.UserContent {
	if len(blocks) == 0 {
		return model.UserContent{}
	}
	// Mirrors agent_message_chunk's single-ContentBlock shape: the first
	// block determines the variant (spec §3 UserContent: Text|Mention|Image).
	cb := blocks[0]
	switch {
	case cb.Text != nil:
		text := cb.Text.Text
		return model.UserContent{Text: &text}
	case cb.Image != nil:
		return model.UserContent{Image: &model.ImageContent{Source: cb.Image.Data}}
	case cb.ResourceLink != nil:
		return model.UserContent{Mention: &model.MentionContent{URI: cb.ResourceLink.Uri, Content: cb.ResourceLink.Name}}
	default:
		return model.UserContent{}
	}
}

func translateToolCall(id string, title *string, kind *string, rawInput any, hasInput bool, rawOutput any, hasOutput bool, status *string) *model.ToolCallFields {
	return &model.ToolCallFields{
		ToolCallID: id,
		Title:      title,
		Kind:       kind,
		RawInput:   rawInput,
		HasInput:   hasInput,
		RawOutput:  rawOutput,
		HasOutput:  hasOutput,
		Status:     status,
	}
}

func translatePlan(p *acp.SessionUpdatePlan) *model.PlanData {
	entries := make([]model.PlanEntry, 0, len(p.Entries))
	for _, e := range p.Entries {
		entries = append(entries, model.PlanEntry{
			Content:  e.Content,
			Priority: string(e.Priority),
			Status:   string(e.Status),
		})
	}
	return &model.PlanData{Entries: entries}
}

func contentBlockText(cb acp.ContentBlock) string {
	if cb.Text != nil {
		return cb.Text.Text
	}
	return ""
}

func toolKindString(k acp.ToolKind) *string {
	s := string(k)
	return &s
}

func toolKindPtrString(k *acp.ToolKind) *string {
	if k == nil {
		return nil
	}
	s := string(*k)
	return &s
}

func toolStatusString(s *acp.ToolCallStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// translateClientOperation wraps any inbound client-side capability
// invocation (permission request, fs/terminal op) as acpx's typed
// ClientOperation (spec §6 "client operations"). kind is a stable,
// lower_snake tag; payload is the raw request, which the key-policy
// opaque-path carve-out for acpx.audit_events.update/data.operation lets
// through verbatim (spec §4.B).
func translateClientOperation(kind string, payload any) model.ClientOperation {
	return model.ClientOperation{Kind: kind, At: timeNow(), Payload: payload}
}

// timeNow is a seam so tests can't accidentally depend on wall-clock
// ordering across fast-running assertions; production always uses
// time.Now.
var timeNow = time.Now
