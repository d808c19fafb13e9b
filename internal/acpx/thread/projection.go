// Package thread implements the mutable conversation projection rules of
// spec §4.H: how each inbound ACP notification mutates a
// model.SessionThread/model.AcpxState pair. All functions here are pure
// (record in, record out) so the caller (internal/acpx/owner) controls
// exactly when the shallow-copy-then-atomic-writeback discipline of
// spec §4.H applies.
package thread

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sebastianm/acpx/internal/acpx/audit"
	"github.com/sebastianm/acpx/internal/acpx/model"
)

// ApplyNotification mutates thread/acpx in place for one inbound
// notification, advances updated_at to now if now is later, and appends
// an audit entry. now is passed in (never time.Now() inside) so callers
// control timestamp provenance and tests stay deterministic.
func ApplyNotification(rec *model.SessionRecord, n model.Notification, now time.Time) {
	switch {
	case n.AgentMessageChunk != nil:
		appendAgentText(rec, n.AgentMessageChunk.Text, false)
	case n.AgentThoughtChunk != nil:
		appendAgentText(rec, n.AgentThoughtChunk.Text, true)
	case n.UserMessageChunk != nil:
		rec.Thread.Messages = append(rec.Thread.Messages, model.Message{
			User: &model.UserMessage{
				ID:      uuid.NewString(),
				Content: []model.UserContent{*n.UserMessageChunk},
			},
		})
	case n.ToolCall != nil:
		applyToolCall(rec, *n.ToolCall)
	case n.ToolCallUpdate != nil:
		applyToolCall(rec, *n.ToolCallUpdate)
	case n.UsageUpdate != nil:
		applyUsageUpdate(rec, *n.UsageUpdate)
	case n.SessionInfoUpdate != nil:
		if n.SessionInfoUpdate.Title != nil {
			rec.Thread.Title = *n.SessionInfoUpdate.Title
		}
	case n.AvailableCommandsUpdate != nil:
		rec.Acpx.AvailableCommands = nonEmptyStrings(n.AvailableCommandsUpdate)
	case n.CurrentModeUpdate != nil:
		rec.Acpx.CurrentModeID = *n.CurrentModeUpdate
	case n.ConfigOptionUpdate != nil:
		rec.Acpx.ConfigOptions = deepCloneJSON(n.ConfigOptionUpdate)
	}

	if rec.Thread.UpdatedAt.Before(now) {
		rec.Thread.UpdatedAt = now
	}
	rec.Acpx.AuditEvents = audit.Append(rec.Acpx.AuditEvents, model.AuditEvent{
		Kind:   "session_update",
		At:     now,
		Update: n,
	})
}

// ApplyClientOperation appends a client_operation to the audit ring (spec
// §4.H: "every ... client-operation is additionally appended to
// acpx.audit_events").
func ApplyClientOperation(rec *model.SessionRecord, op model.ClientOperation) {
	rec.Acpx.AuditEvents = audit.Append(rec.Acpx.AuditEvents, model.AuditEvent{
		Kind:   "client_operation",
		At:     op.At,
		Update: op.Payload,
	})
}

// appendAgentText implements the agent_message_chunk/agent_thought_chunk
// rule: append to the last Agent message's last matching block, or start a
// new block/message if the tail doesn't match (spec §4.H). Empty text
// after trimming is ignored.
func appendAgentText(rec *model.SessionRecord, text string, thinking bool) {
	if strings.TrimSpace(text) == "" {
		return
	}
	agentMsg := tailAgentMessage(rec)
	if len(agentMsg.Content) > 0 {
		last := &agentMsg.Content[len(agentMsg.Content)-1]
		if thinking && last.Thinking != nil {
			last.Thinking.Text += text
			return
		}
		if !thinking && last.Text != nil {
			last.Text.Text += text
			return
		}
	}
	if thinking {
		agentMsg.Content = append(agentMsg.Content, model.AgentContent{Thinking: &model.ThinkingContent{Text: text}})
	} else {
		agentMsg.Content = append(agentMsg.Content, model.AgentContent{Text: &model.TextContent{Text: text}})
	}
}

// tailAgentMessage returns the thread's trailing Agent message, appending a
// fresh one if the thread is empty or its tail is not an Agent message
// (spec §4.H implies tool calls/agent text always land in "the" current
// agent turn's message).
func tailAgentMessage(rec *model.SessionRecord) *model.AgentMessage {
	if n := len(rec.Thread.Messages); n > 0 && rec.Thread.Messages[n-1].Agent != nil {
		return rec.Thread.Messages[n-1].Agent
	}
	rec.Thread.Messages = append(rec.Thread.Messages, model.Message{Agent: &model.AgentMessage{}})
	return rec.Thread.Messages[len(rec.Thread.Messages)-1].Agent
}

// applyToolCall implements the combined tool_call/tool_call_update rule
// (spec §4.H): ensure the ToolUse content block, patch fields present in
// the update, and upsert a ToolResult when the update carries any of
// {title, kind, rawOutput, status}.
func applyToolCall(rec *model.SessionRecord, f model.ToolCallFields) {
	agentMsg := tailAgentMessage(rec)
	block := findOrCreateToolUse(agentMsg, f.ToolCallID)

	name := resolveToolName(block.Name, f)
	if name != "" {
		block.Name = name
	}
	if f.HasInput {
		block.Input = f.RawInput
		if s, ok := f.RawInput.(string); ok {
			block.RawInput = s
		}
	}
	if f.Status != nil {
		block.IsInputComplete = statusMeansDone(*f.Status)
	}

	if f.Title != nil || f.Kind != nil || f.HasOutput || f.Status != nil {
		if agentMsg.ToolResults == nil {
			agentMsg.ToolResults = make(map[string]model.ToolResult)
		}
		update := model.ToolResult{
			ToolUseID:  f.ToolCallID,
			ToolName:   block.Name,
			IsError:    f.Status != nil && statusMeansError(*f.Status),
			IsErrorSet: f.Status != nil,
		}
		if f.HasOutput {
			update.Content = model.ToolResultContent{Text: stringifyPtr(f.RawOutput)}
			update.Output = f.RawOutput
		}
		existing := agentMsg.ToolResults[f.ToolCallID]
		agentMsg.ToolResults[f.ToolCallID] = model.MergeToolResult(existing, update)
	}
}

func findOrCreateToolUse(agentMsg *model.AgentMessage, toolCallID string) *model.ToolUseContent {
	for i := range agentMsg.Content {
		if u := agentMsg.Content[i].ToolUse; u != nil && u.ID == toolCallID {
			return u
		}
	}
	block := &model.ToolUseContent{ID: toolCallID}
	agentMsg.Content = append(agentMsg.Content, model.AgentContent{ToolUse: block})
	return agentMsg.Content[len(agentMsg.Content)-1].ToolUse
}

// resolveToolName applies the title > kind > "tool_call" precedence (spec §4.H).
func resolveToolName(current string, f model.ToolCallFields) string {
	if f.Title != nil && *f.Title != "" {
		return *f.Title
	}
	if f.Kind != nil && *f.Kind != "" {
		return *f.Kind
	}
	if current != "" {
		return current
	}
	return "tool_call"
}

// statusMeansDone matches spec §4.H's is_input_complete rule: status
// containing any of {complete, done, success, failed, error, cancel}.
func statusMeansDone(status string) bool {
	s := strings.ToLower(status)
	for _, needle := range []string{"complete", "done", "success", "failed", "error", "cancel"} {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// statusMeansError matches spec §4.H's is_error rule: status contains
// {fail, error}.
func statusMeansError(status string) bool {
	s := strings.ToLower(status)
	return strings.Contains(s, "fail") || strings.Contains(s, "error")
}

func stringifyPtr(v any) *string {
	s := stringify(v)
	return &s
}

func stringify(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return jsonStringify(v)
}

func nonEmptyStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// applyUsageUpdate implements spec §4.H's usage_update rule: replace
// cumulative usage and attribute to the most recent user message id.
func applyUsageUpdate(rec *model.SessionRecord, usage model.TokenUsage) {
	if !usage.AnyFieldSet() {
		return
	}
	rec.Thread.CumulativeTokenUsage = usage
	if id := mostRecentUserMessageID(rec); id != "" {
		if rec.Thread.RequestTokenUsage == nil {
			rec.Thread.RequestTokenUsage = make(map[string]model.TokenUsage)
		}
		rec.Thread.RequestTokenUsage[id] = usage
	}
}

func mostRecentUserMessageID(rec *model.SessionRecord) string {
	for i := len(rec.Thread.Messages) - 1; i >= 0; i-- {
		if u := rec.Thread.Messages[i].User; u != nil {
			return u.ID
		}
	}
	return ""
}

// jsonStringify renders an arbitrary opaque value (e.g. raw tool output) as
// text for ToolResultContent.Text when the agent didn't already hand us a
// plain string.
func jsonStringify(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

// deepCloneJSON round-trips v through JSON so a stored opaque value (e.g.
// config_option_update's payload) can't alias caller-owned memory.
func deepCloneJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
