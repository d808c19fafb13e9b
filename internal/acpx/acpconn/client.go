package acpconn

import (
	"context"
	"fmt"
	"sync"

	acp "github.com/coder/acp-go-sdk"

	"github.com/sebastianm/acpx/internal/acpx/model"
)

// client implements acp.Client: the inbound half of the ACP connection the
// agent subprocess calls back into. Grounded on
// internal/worker/driver/v2/client.go's flowgenticClient, generalised from
// the teacher's two-session-mode auto-approve rule to an explicit Policy
// and from a single onEvent callback to acpx's split
// onNotification/onClientOperation callbacks (spec §4.H, §6).
//
// fs/terminal capabilities are explicitly out of core scope (spec §1:
// "permission prompting UX, terminal subsystem, filesystem tool handlers
// ... surfaced as typed client operations to the core") — every such
// inbound call is recorded as a ClientOperation and then rejected, the
// same "delegate or reject" shape as flowgenticClient with nil handlers.
type client struct {
	policy           Policy
	onNotification   func(model.Notification)
	onClientOperation func(model.ClientOperation)

	mu          sync.Mutex
	permissions map[string]chan bool
	stats       model.PermissionStats
}

func newClient(policy Policy, onNotification func(model.Notification), onClientOperation func(model.ClientOperation)) *client {
	return &client{
		policy:            policy,
		onNotification:    onNotification,
		onClientOperation: onClientOperation,
		permissions:       make(map[string]chan bool),
	}
}

func (c *client) SessionUpdate(_ context.Context, n acp.SessionNotification) error {
	if c.onNotification != nil {
		c.onNotification(translateNotification(n))
	}
	return nil
}

func (c *client) RequestPermission(ctx context.Context, p acp.RequestPermissionRequest) (acp.RequestPermissionResponse, error) {
	requestID := string(p.ToolCall.ToolCallId)
	if c.onClientOperation != nil {
		c.onClientOperation(translateClientOperation("permission_request", p))
	}

	c.mu.Lock()
	c.stats.Requested++
	c.mu.Unlock()

	if c.policy.autoApproves() {
		if optionID, ok := resolveOptionID(c.policy, p.Options); ok {
			c.recordOutcome(c.policy != PolicyRejectOnce)
			return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeSelected(optionID)}, nil
		}
	}

	ch := make(chan bool, 1)
	c.mu.Lock()
	c.permissions[requestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.permissions, requestID)
		c.mu.Unlock()
	}()

	select {
	case <-ctx.Done():
		c.recordOutcome(false)
		c.mu.Lock()
		c.stats.Cancelled++
		c.mu.Unlock()
		return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
	case allowed := <-ch:
		allowOptionID, hasAllow := resolveOptionID(PolicyAllowOnce, p.Options)
		if allowed && hasAllow {
			c.recordOutcome(true)
			return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeSelected(allowOptionID)}, nil
		}
		c.recordOutcome(false)
		return acp.RequestPermissionResponse{Outcome: acp.NewRequestPermissionOutcomeCancelled()}, nil
	}
}

func (c *client) recordOutcome(approved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if approved {
		c.stats.Approved++
	} else {
		c.stats.Denied++
	}
}

// resolvePermission unblocks a pending interactive RequestPermission call
// (spec §6 permission prompting UX, driven here from the owner's IPC
// handler for whatever external mechanism surfaced the prompt).
func (c *client) resolvePermission(requestID string, allow bool) error {
	c.mu.Lock()
	ch, ok := c.permissions[requestID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending permission request: %s", requestID)
	}
	select {
	case ch <- allow:
	default:
	}
	return nil
}

func (c *client) closePendingPermissions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.permissions {
		close(ch)
		delete(c.permissions, id)
	}
}

func (c *client) permissionStats() model.PermissionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// The remaining acp.Client methods are fs/terminal capabilities acpx's
// core never implements (spec §1 Non-goals/out-of-scope); each is still
// surfaced as a ClientOperation before being rejected.

func (c *client) ReadTextFile(_ context.Context, req acp.ReadTextFileRequest) (acp.ReadTextFileResponse, error) {
	c.emitUnsupported("fs_read", req)
	return acp.ReadTextFileResponse{}, fmt.Errorf("fs.readTextFile not supported")
}

func (c *client) WriteTextFile(_ context.Context, req acp.WriteTextFileRequest) (acp.WriteTextFileResponse, error) {
	c.emitUnsupported("fs_write", req)
	return acp.WriteTextFileResponse{}, fmt.Errorf("fs.writeTextFile not supported")
}

func (c *client) CreateTerminal(_ context.Context, req acp.CreateTerminalRequest) (acp.CreateTerminalResponse, error) {
	c.emitUnsupported("terminal_create", req)
	return acp.CreateTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (c *client) KillTerminalCommand(_ context.Context, req acp.KillTerminalCommandRequest) (acp.KillTerminalCommandResponse, error) {
	c.emitUnsupported("terminal_kill", req)
	return acp.KillTerminalCommandResponse{}, fmt.Errorf("terminal not supported")
}

func (c *client) TerminalOutput(_ context.Context, req acp.TerminalOutputRequest) (acp.TerminalOutputResponse, error) {
	c.emitUnsupported("terminal_output", req)
	return acp.TerminalOutputResponse{}, fmt.Errorf("terminal not supported")
}

func (c *client) ReleaseTerminal(_ context.Context, req acp.ReleaseTerminalRequest) (acp.ReleaseTerminalResponse, error) {
	c.emitUnsupported("terminal_release", req)
	return acp.ReleaseTerminalResponse{}, fmt.Errorf("terminal not supported")
}

func (c *client) WaitForTerminalExit(_ context.Context, req acp.WaitForTerminalExitRequest) (acp.WaitForTerminalExitResponse, error) {
	c.emitUnsupported("terminal_wait", req)
	return acp.WaitForTerminalExitResponse{}, fmt.Errorf("terminal not supported")
}

func (c *client) emitUnsupported(kind string, payload any) {
	if c.onClientOperation != nil {
		c.onClientOperation(translateClientOperation(kind, payload))
	}
}
