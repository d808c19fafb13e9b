package acpconn

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractAgentSessionID_PrefersAgentSessionIdKey(t *testing.T) {
	got := extractAgentSessionID(map[string]any{
		"agentSessionId": "agent-1",
		"sessionId":      "session-1",
	})
	assert.Equal(t, "agent-1", got)
}

func TestExtractAgentSessionID_FallsBackToSessionIdKey(t *testing.T) {
	got := extractAgentSessionID(map[string]any{"sessionId": "session-1"})
	assert.Equal(t, "session-1", got)
}

func TestExtractAgentSessionID_NilMetaIsEmpty(t *testing.T) {
	assert.Equal(t, "", extractAgentSessionID(nil))
}

func TestExtractAgentSessionID_NonStringValueIsIgnored(t *testing.T) {
	got := extractAgentSessionID(map[string]any{"agentSessionId": 42})
	assert.Equal(t, "", got)
}

func TestBuildEnv_FormatsKeyValuePairs(t *testing.T) {
	env := buildEnv(map[string]string{"A": "1", "B": "2"})
	sort.Strings(env)
	assert.Equal(t, []string{"A=1", "B=2"}, env)
}

func TestBuildEnv_EmptyMapYieldsEmptySlice(t *testing.T) {
	env := buildEnv(nil)
	assert.Empty(t, env)
}

func TestConnection_GetAgentLifecycleSnapshot_NoProcessYieldsNilPID(t *testing.T) {
	c := &Connection{}
	snap := c.GetAgentLifecycleSnapshot()
	assert.Nil(t, snap.PID)
}

func TestConnection_HasActivePrompt_DefaultsFalse(t *testing.T) {
	c := &Connection{}
	assert.False(t, c.HasActivePrompt())
}

func TestConnection_SupportsLoadSession_DefaultsFalse(t *testing.T) {
	c := &Connection{}
	assert.False(t, c.SupportsLoadSession())
}
