package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitAgentCommand(t *testing.T) {
	cmd, args := splitAgentCommand("claude-code-acp --permission-mode ask")
	assert.Equal(t, "claude-code-acp", cmd)
	assert.Equal(t, []string{"--permission-mode", "ask"}, args)

	cmd, args = splitAgentCommand("")
	assert.Equal(t, "", cmd)
	assert.Nil(t, args)
}

func TestParseConfigValue(t *testing.T) {
	assert.Equal(t, "high", parseConfigValue("high"))
	assert.Equal(t, true, parseConfigValue("true"))
	assert.Equal(t, float64(3), parseConfigValue("3"))
	assert.Equal(t, map[string]any{"a": float64(1)}, parseConfigValue(`{"a":1}`))
}
