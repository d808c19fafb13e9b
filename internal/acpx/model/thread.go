package model

import "time"

// SessionThread is the mutable, rebuildable conversation projection
// (spec §3).
type SessionThread struct {
	Messages []Message `json:"messages"`

	CumulativeTokenUsage TokenUsage            `json:"cumulative_token_usage"`
	RequestTokenUsage    map[string]TokenUsage `json:"request_token_usage,omitempty"`

	Title   string `json:"title,omitempty"`
	Model   any    `json:"model,omitempty"`
	Profile any    `json:"profile,omitempty"`

	// InitialProjectSnapshot is an opaque-value path per spec §4.B key policy.
	InitialProjectSnapshot any `json:"initial_project_snapshot,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (t SessionThread) clone() SessionThread {
	out := t
	out.Messages = append([]Message(nil), t.Messages...)
	if t.RequestTokenUsage != nil {
		out.RequestTokenUsage = make(map[string]TokenUsage, len(t.RequestTokenUsage))
		for k, v := range t.RequestTokenUsage {
			out.RequestTokenUsage[k] = v
		}
	}
	return out
}

// TokenUsage normalises usage_update payloads from either ACP-canonical
// top-level fields or the adapter-specific _meta.usage aliases (spec §4.H).
type TokenUsage struct {
	InputTokens              *int64 `json:"input_tokens,omitempty"`
	OutputTokens             *int64 `json:"output_tokens,omitempty"`
	CacheCreationInputTokens *int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     *int64 `json:"cache_read_input_tokens,omitempty"`
}

// AnyFieldSet reports whether any usage field was present in the source
// event, mirroring spec §4.H's "If any field present, replace..." rule.
func (u TokenUsage) AnyFieldSet() bool {
	return u.InputTokens != nil || u.OutputTokens != nil ||
		u.CacheCreationInputTokens != nil || u.CacheReadInputTokens != nil
}

// Message is a tagged union over the thread's ordered message sequence
// (spec §3): exactly one of User, Agent is set, or Resume is true for the
// literal sentinel.
type Message struct {
	User   *UserMessage  `json:"User,omitempty"`
	Agent  *AgentMessage `json:"Agent,omitempty"`
	Resume bool          `json:"Resume,omitempty"`
}

// UserMessage holds one or more UserContent blocks.
type UserMessage struct {
	ID      string        `json:"id"`
	Content []UserContent `json:"content"`
}

// UserContent is a tagged union: Text | Mention | Image.
type UserContent struct {
	Text    *string         `json:"Text,omitempty"`
	Mention *MentionContent `json:"Mention,omitempty"`
	Image   *ImageContent   `json:"Image,omitempty"`
}

// MentionContent is an @-mention of a resource.
type MentionContent struct {
	URI     string `json:"uri"`
	Content string `json:"content,omitempty"`
}

// ImageContent is an inline image block.
type ImageContent struct {
	Source string `json:"source"`
	Size   *int64 `json:"size,omitempty"`
}

// AgentMessage holds agent output content plus any tool results keyed by
// tool_use_id.
type AgentMessage struct {
	Content     []AgentContent        `json:"content"`
	ToolResults map[string]ToolResult `json:"tool_results,omitempty"`
}

// AgentContent is a tagged union: Text | Thinking | RedactedThinking | ToolUse.
type AgentContent struct {
	Text             *TextContent      `json:"Text,omitempty"`
	Thinking         *ThinkingContent  `json:"Thinking,omitempty"`
	RedactedThinking *string           `json:"RedactedThinking,omitempty"`
	ToolUse          *ToolUseContent   `json:"ToolUse,omitempty"`
}

// TextContent is a plain agent text chunk accumulator.
type TextContent struct {
	Text string `json:"text"`
}

// ThinkingContent is an agent reasoning chunk accumulator.
type ThinkingContent struct {
	Text      string  `json:"text"`
	Signature *string `json:"signature,omitempty"`
}

// ToolUseContent is one tool invocation as seen in the Agent message content.
type ToolUseContent struct {
	ID               string `json:"id"`
	Name             string `json:"name,omitempty"`
	RawInput         string `json:"raw_input,omitempty"`
	Input            any    `json:"input,omitempty"`
	IsInputComplete  bool   `json:"is_input_complete"`
	ThoughtSignature *string `json:"thought_signature,omitempty"`
}

// ToolResult is the outcome of a tool call, keyed in AgentMessage.ToolResults
// by the ToolUse's id (spec §3 invariant).
type ToolResult struct {
	ToolUseID string            `json:"tool_use_id"`
	ToolName  string            `json:"tool_name,omitempty"`
	IsError   bool              `json:"is_error"`
	Content   ToolResultContent `json:"content"`
	Output    any               `json:"output,omitempty"`

	// IsErrorSet marks that the source tool_call/tool_call_update carried a
	// status, so MergeToolResult knows IsError is an actual update rather
	// than ToolResult's zero value. Never persisted.
	IsErrorSet bool `json:"-"`
}

// ToolResultContent is a tagged union: Text | Image.
type ToolResultContent struct {
	Text  *string       `json:"Text,omitempty"`
	Image *ImageContent `json:"Image,omitempty"`
}

// MergeToolResult applies update's set fields onto existing, preserving
// unset fields of existing (spec §3 invariant: "merging an update with the
// same toolCallId replaces the existing entry's fields set by the update,
// preserving unset fields").
func MergeToolResult(existing, update ToolResult) ToolResult {
	out := existing
	if update.ToolName != "" {
		out.ToolName = update.ToolName
	}
	if update.IsErrorSet {
		out.IsError = update.IsError
	}
	if update.Content.Text != nil || update.Content.Image != nil {
		out.Content = update.Content
	}
	if update.Output != nil {
		out.Output = update.Output
	}
	return out
}
