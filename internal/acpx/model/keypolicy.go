package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// tagExemptKeys are variant-tag keys allowed regardless of casing (spec §4.B).
var tagExemptKeys = map[string]bool{
	"User": true, "Agent": true, "Text": true, "Mention": true, "Image": true,
	"Thinking": true, "RedactedThinking": true, "ToolUse": true, "Resume": true,
}

// opaquePaths stop recursion entirely: any JSON under one of these dotted
// schema paths may use arbitrary keys (spec §4.B opaque-value exemptions).
// Path segments are schema-level (array/slice indices and the literal tag
// keys User/Agent are folded into the path the same way for both branches,
// since ToolUse only ever appears inside Agent content).
var opaquePaths = map[string]bool{
	"agent_capabilities":                         true,
	"thread.initial_project_snapshot":            true,
	"thread.model":                               true,
	"thread.profile":                             true,
	"thread.messages.Agent.content.ToolUse.input": true,
	"acpx.config_options":                         true,
	"acpx.audit_events.update":                    true,
	"acpx.audit_events._meta":                     true,
	// AcpxEvent envelopes carry the same kind of raw, protocol-shaped
	// payloads the audit ring does, for the variants whose data is defined
	// as "wraps a raw ACP notification/operation/value" (model/event.go's
	// UpdateData, ClientOperationData, ConfigSetData). These aren't named
	// individually in spec §4.B's opaque-path list, which enumerates the
	// SessionRecord's shape; extending the same carve-out to the event
	// envelope is the only reading under which a writer could ever persist
	// an "update" event without first re-keying the agent's own wire
	// payload to snake_case, which nothing in the spec describes doing.
	"data.update":    true,
	"data.operation": true,
	"data.value":     true,
}

// wildcardMapPaths are schema paths whose JSON object keys are arbitrary
// (map keys), not variant tags or struct fields (spec §4.B): the keys
// themselves are unchecked, but each value is still walked normally.
var wildcardMapPaths = map[string]bool{
	"thread.request_token_usage":             true,
	"thread.messages.Agent.tool_results":     true,
}

// toolResultOutputPath marks any "...tool_results.<id>.output" path (or,
// via wildcardMapPaths, any path ending "tool_results.output" once the
// arbitrary id segment is folded away) as opaque, per "each tool result's
// output" in spec §4.B.
const toolResultOutputPath = "thread.messages.Agent.tool_results.output"

func init() {
	opaquePaths[toolResultOutputPath] = true
}

// ValidateKeyPolicy checks that v, once marshalled, satisfies the
// persisted-key policy of spec §4.B: every key is snake_case except the
// exemption set above. basePath is the schema path v is being validated
// at ("" for a bare event/record root).
func ValidateKeyPolicy(basePath string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal for key policy check: %w", err)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("unmarshal for key policy check: %w", err)
	}
	return walkKeyPolicy(basePath, generic)
}

func walkKeyPolicy(path string, node any) error {
	if opaquePaths[path] {
		return nil
	}
	switch n := node.(type) {
	case map[string]any:
		wildcard := wildcardMapPaths[path]
		for k, val := range n {
			childPath := joinPath(path, k)
			if wildcard {
				// Arbitrary map key: don't check k's casing, and don't let
				// it consume a schema-path segment, so nested opaque rules
				// (e.g. "...tool_results.output") still match regardless
				// of which tool_call_id/message_id the key actually is.
				if err := walkKeyPolicy(path, val); err != nil {
					return err
				}
				continue
			}
			if !tagExemptKeys[k] && !isSnakeCase(k) {
				return fmt.Errorf("key policy violation at %q: key %q is not snake_case", path, k)
			}
			if err := walkKeyPolicy(childPath, val); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range n {
			if err := walkKeyPolicy(path, item); err != nil {
				return err
			}
		}
	}
	return nil
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func isSnakeCase(s string) bool {
	if s == "" || s == "*" {
		return true
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	if strings.HasPrefix(s, "_") && s != "_meta" {
		// Leading underscore is only blessed for the literal _meta key.
		return false
	}
	return true
}
