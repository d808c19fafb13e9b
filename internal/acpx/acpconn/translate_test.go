package acpconn

import (
	"testing"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentBlockText_ReturnsTextBlockContent(t *testing.T) {
	assert.Equal(t, "hello", contentBlockText(acp.TextBlock("hello")))
}

func TestContentBlockText_NonTextBlockIsEmpty(t *testing.T) {
	assert.Equal(t, "", contentBlockText(acp.ContentBlock{}))
}

func TestTranslateNotification_ToolCall(t *testing.T) {
	title := "Read file"
	status := acp.ToolCallStatusPending
	n := acp.SessionNotification{
		Update: acp.SessionUpdate{
			ToolCall: &acp.SessionUpdateToolCall{
				ToolCallId:    "tc-1",
				Title:         title,
				Status:        status,
				SessionUpdate: "tool_call",
				RawInput:      map[string]any{"path": "a.go"},
			},
		},
	}
	got := translateNotification(n)
	require.NotNil(t, got.ToolCall)
	assert.Equal(t, "tc-1", got.ToolCall.ToolCallID)
	require.NotNil(t, got.ToolCall.Title)
	assert.Equal(t, "Read file", *got.ToolCall.Title)
	assert.True(t, got.ToolCall.HasInput)
	require.NotNil(t, got.ToolCall.Status)
	assert.Equal(t, "pending", *got.ToolCall.Status)
}

func TestTranslateNotification_ToolCallUpdateCompletion(t *testing.T) {
	status := acp.ToolCallStatusCompleted
	n := acp.SessionNotification{
		Update: acp.SessionUpdate{
			ToolCallUpdate: &acp.SessionToolCallUpdate{
				ToolCallId:    "tc-1",
				Status:        &status,
				SessionUpdate: "tool_call_update",
			},
		},
	}
	got := translateNotification(n)
	require.NotNil(t, got.ToolCallUpdate)
	assert.Equal(t, "tc-1", got.ToolCallUpdate.ToolCallID)
	require.NotNil(t, got.ToolCallUpdate.Status)
	assert.Equal(t, "completed", *got.ToolCallUpdate.Status)
	assert.False(t, got.ToolCallUpdate.HasInput)
}

func TestTranslateNotification_UnknownVariantIsZeroValue(t *testing.T) {
	got := translateNotification(acp.SessionNotification{})
	assert.Nil(t, got.AgentMessageChunk)
	assert.Nil(t, got.ToolCall)
	assert.Nil(t, got.ToolCallUpdate)
}

func TestTranslateClientOperation_CarriesKindAndPayload(t *testing.T) {
	op := translateClientOperation("permission_request", map[string]any{"a": 1})
	assert.Equal(t, "permission_request", op.Kind)
	assert.NotZero(t, op.At)
	assert.Equal(t, map[string]any{"a": 1}, op.Payload)
}
