package acpconn

import (
	acp "github.com/coder/acp-go-sdk"
)

// Policy is acpx's non-interactive permission policy (spec §4.C
// submit_prompt.nonInteractivePermissions, SPEC_FULL.md §C), grounded on
// the teacher's flowgenticClient.shouldAutoApprovePermission /
// findAllowOptionID in internal/worker/driver/v2/client.go, generalised
// from the teacher's two hardcoded session modes to an explicit policy
// value bound to a connection when it is constructed.
type Policy string

const (
	// PolicyAsk blocks on RequestPermission until the submitter responds
	// (or the request context is cancelled), exactly as the teacher's
	// default (non-architect/code) session mode behaves.
	PolicyAsk Policy = "ask"
	// PolicyAllowOnce auto-selects the first allow_once option, falling
	// back to allow_always if the agent didn't offer one.
	PolicyAllowOnce Policy = "allow_once"
	// PolicyAllowAlways auto-selects an allow_always option, falling back
	// to allow_once.
	PolicyAllowAlways Policy = "allow_always"
	// PolicyRejectOnce auto-selects a reject_once option (or cancels the
	// request if the agent offered none).
	PolicyRejectOnce Policy = "reject_once"
)

// KnownPolicies is the enumerated set of Policy values. The IPC request
// validator keeps its own copy of these names for permissionMode and does
// not consult this map; nonInteractivePermissions is not checked at all.
var KnownPolicies = map[Policy]bool{
	PolicyAsk: true, PolicyAllowOnce: true, PolicyAllowAlways: true, PolicyRejectOnce: true,
}

// resolveOptionID picks the PermissionOptionId the policy prescribes from
// the agent-offered option set, mirroring findAllowOptionID's
// once-preferred, always-as-fallback precedence but generalised to all
// four policy values.
func resolveOptionID(policy Policy, options []acp.PermissionOption) (acp.PermissionOptionId, bool) {
	var once, always, rejectOnce, rejectAlways acp.PermissionOptionId
	for _, opt := range options {
		switch opt.Kind {
		case acp.PermissionOptionKindAllowOnce:
			if once == "" {
				once = opt.OptionId
			}
		case acp.PermissionOptionKindAllowAlways:
			if always == "" {
				always = opt.OptionId
			}
		case acp.PermissionOptionKindRejectOnce:
			if rejectOnce == "" {
				rejectOnce = opt.OptionId
			}
		case acp.PermissionOptionKindRejectAlways:
			if rejectAlways == "" {
				rejectAlways = opt.OptionId
			}
		}
	}

	switch policy {
	case PolicyAllowOnce:
		if once != "" {
			return once, true
		}
		return always, always != ""
	case PolicyAllowAlways:
		if always != "" {
			return always, true
		}
		return once, once != ""
	case PolicyRejectOnce:
		if rejectOnce != "" {
			return rejectOnce, true
		}
		return rejectAlways, rejectAlways != ""
	default: // PolicyAsk, or unrecognised
		return "", false
	}
}

// autoApproves reports whether policy resolves a decision without asking,
// i.e. every non-Ask policy.
func (p Policy) autoApproves() bool {
	return p == PolicyAllowOnce || p == PolicyAllowAlways || p == PolicyRejectOnce
}
