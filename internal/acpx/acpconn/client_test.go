package acpconn

import (
	"context"
	"testing"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/acpx/internal/acpx/model"
)

func TestClient_SessionUpdateInvokesCallback(t *testing.T) {
	var got model.Notification
	called := false
	c := newClient(PolicyAsk, func(n model.Notification) { got = n; called = true }, nil)

	n := acp.SessionNotification{
		Update: acp.SessionUpdate{
			ToolCall: &acp.SessionUpdateToolCall{
				ToolCallId:    "tc-1",
				SessionUpdate: "tool_call",
			},
		},
	}
	err := c.SessionUpdate(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, called)
	require.NotNil(t, got.ToolCall)
}

func TestClient_ResolvePermission_UnblocksWaiter(t *testing.T) {
	c := newClient(PolicyAsk, nil, nil)
	ch := make(chan bool, 1)
	c.mu.Lock()
	c.permissions["req-1"] = ch
	c.mu.Unlock()

	require.NoError(t, c.resolvePermission("req-1", true))
	select {
	case allowed := <-ch:
		assert.True(t, allowed)
	default:
		t.Fatal("resolvePermission did not deliver to the waiting channel")
	}
}

func TestClient_ResolvePermission_UnknownRequestErrors(t *testing.T) {
	c := newClient(PolicyAsk, nil, nil)
	assert.Error(t, c.resolvePermission("missing", true))
}

func TestClient_ClosePendingPermissions_ClosesAllChannels(t *testing.T) {
	c := newClient(PolicyAsk, nil, nil)
	ch1 := make(chan bool, 1)
	ch2 := make(chan bool, 1)
	c.mu.Lock()
	c.permissions["a"] = ch1
	c.permissions["b"] = ch2
	c.mu.Unlock()

	c.closePendingPermissions()

	_, open1 := <-ch1
	_, open2 := <-ch2
	assert.False(t, open1)
	assert.False(t, open2)
	assert.Empty(t, c.permissions)
}

func TestClient_PermissionStats_StartsZero(t *testing.T) {
	c := newClient(PolicyAsk, nil, nil)
	stats := c.permissionStats()
	assert.Equal(t, model.PermissionStats{}, stats)
}

func TestClient_RecordOutcome_UpdatesApprovedAndDenied(t *testing.T) {
	c := newClient(PolicyAsk, nil, nil)
	c.recordOutcome(true)
	c.recordOutcome(false)
	stats := c.permissionStats()
	assert.Equal(t, 1, stats.Approved)
	assert.Equal(t, 1, stats.Denied)
}
