// Package acpconn implements the AgentConnection capability of spec §6:
// the thin wrapper over github.com/coder/acp-go-sdk that the turn
// controller, connect-and-load state machine, and queue owner treat as
// "the ACP connection" without ever importing the SDK themselves.
//
// Grounded on internal/worker/driver/v2 (subprocess.go's launchSubprocess/
// runSession, session.go's acpSession, client.go's flowgenticClient):
// acpx generalises the teacher's in-process multi-agent driver down to
// the single long-lived per-session connection the queue owner holds,
// and replaces the teacher's internal promptCh goroutine loop with the
// turn controller of internal/acpx/turn (the owner's main loop already
// serialises prompts, so acpconn itself does not need its own channel
// select loop).
package acpconn

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/sebastianm/acpx/internal/acpx/acpxerr"
	"github.com/sebastianm/acpx/internal/acpx/model"
	"github.com/sebastianm/acpx/internal/acpx/procutil"
)

// AgentSpec describes how to launch the ACP agent subprocess (spec §6
// start()), generalised from the teacher's per-agent AgentConfig
// (internal/worker/driver/v2/config.go) to the single agent command a
// SessionRecord's agentCommand names.
type AgentSpec struct {
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
}

// clientName/clientVersion identify acpx to the agent during initialize,
// mirroring the teacher's "flowgentic"/"1.0.0" ClientInfo.
const (
	clientName    = "acpx"
	clientVersion = "1.0.0"
)

// LifecycleSnapshot is the agent subprocess lifecycle view a
// SessionRecord checkpoints after connect (spec §3 pid/agentStartedAt/
// lastAgentExit, spec §6 getAgentLifecycleSnapshot).
type LifecycleSnapshot struct {
	PID       *int
	StartedAt *time.Time
	LastExit  *model.AgentExit
}

// Connection is one live ACP connection to an agent subprocess, bound to
// exactly one ACP session for its lifetime (spec §4.E/§6). It implements
// turn.ActiveController directly so the turn controller can bind to it
// without an adapter.
type Connection struct {
	log    *slog.Logger
	spec   AgentSpec
	cmd    *exec.Cmd
	conn   *acp.ClientSideConnection
	client *client

	initResult acp.InitializeResponse

	mu             sync.Mutex
	sessionID      acp.SessionId
	hasActive      bool
	startedAt      time.Time
	lastExit       *model.AgentExit
	lastConfigResp any
}

// New constructs a Connection bound to onNotification/onClientOperation
// callbacks the owner uses to drive thread projection and audit logging
// (spec §4.H). policy governs non-interactive permission auto-resolution
// (spec §4.C submit_prompt.nonInteractivePermissions).
func New(log *slog.Logger, spec AgentSpec, policy Policy, onNotification func(model.Notification), onClientOperation func(model.ClientOperation)) *Connection {
	return &Connection{
		log:    log.With("component", "acpconn", "agent_command", spec.Command),
		spec:   spec,
		client: newClient(policy, onNotification, onClientOperation),
	}
}

// Start spawns the agent subprocess and performs the ACP initialize
// handshake (spec §6 start()). Grounded on launchSubprocess +
// runSession's Step 1 in subprocess.go.
func (c *Connection) Start(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.spec.Command, c.spec.Args...)
	cmd.Dir = c.spec.Cwd
	cmd.Env = buildEnv(c.spec.Env)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginRuntime, err, "agent stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginRuntime, err, "agent stdout pipe")
	}

	if startErr := procutil.StartWithCleanup(cmd); startErr != nil {
		return acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginRuntime, startErr, fmt.Sprintf("start agent %s", c.spec.Command))
	}
	c.cmd = cmd
	c.startedAt = time.Now()

	conn := acp.NewClientSideConnection(c.client, stdin, stdout)
	conn.SetLogger(c.log)
	c.conn = conn

	resp, err := conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersion(acp.ProtocolVersionNumber),
		ClientInfo: &acp.Implementation{
			Name:    clientName,
			Version: clientVersion,
		},
	})
	if err != nil {
		return c.wrapACPError(err, "ACP initialize failed")
	}
	c.initResult = resp
	return nil
}

// SessionCreated is the outcome of CreateSession, including the
// model/mode inventory SPEC_FULL.md §C asks ensure/connect-and-load to
// surface up front rather than waiting on later notifications.
type SessionCreated struct {
	SessionID      string
	AgentSessionID string
	Models         []string
	DefaultModel   string
	Modes          []string
}

// CreateSession issues session/new (spec §6 createSession).
func (c *Connection) CreateSession(ctx context.Context, cwd string, mcpServers []acp.McpServer, meta map[string]any) (SessionCreated, error) {
	resp, err := c.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		Meta:       meta,
		McpServers: mcpServers,
	})
	if err != nil {
		return SessionCreated{}, c.wrapACPError(err, "ACP new session failed")
	}
	c.mu.Lock()
	c.sessionID = resp.SessionId
	c.mu.Unlock()

	out := SessionCreated{
		SessionID:      string(resp.SessionId),
		AgentSessionID: extractAgentSessionID(resp.Meta),
	}
	if resp.Models != nil {
		for _, m := range resp.Models.AvailableModels {
			if m.ModelId != "" {
				out.Models = append(out.Models, string(m.ModelId))
			}
		}
		out.DefaultModel = string(resp.Models.CurrentModelId)
	}
	if resp.Modes != nil {
		for _, m := range resp.Modes.AvailableModes {
			if m.Id != "" {
				out.Modes = append(out.Modes, string(m.Id))
			}
		}
	}
	return out, nil
}

// LoadSessionWithOptions issues session/load with suppressed replay
// updates (spec §4.E step 3, §6 loadSessionWithOptions). Like
// CreateSession, it surfaces the model/mode inventory from the
// response up front (SPEC_FULL.md §C).
func (c *Connection) LoadSessionWithOptions(ctx context.Context, sessionID, cwd string, suppressReplayUpdates bool) (SessionCreated, error) {
	resp, err := c.conn.LoadSession(ctx, acp.LoadSessionRequest{
		SessionId:             acp.SessionId(sessionID),
		Cwd:                   cwd,
		SuppressReplayUpdates: suppressReplayUpdates,
	})
	if err != nil {
		return SessionCreated{}, c.wrapACPError(err, "ACP load session failed")
	}
	c.mu.Lock()
	c.sessionID = acp.SessionId(sessionID)
	c.mu.Unlock()

	out := SessionCreated{
		SessionID:      sessionID,
		AgentSessionID: extractAgentSessionID(resp.Meta),
	}
	if resp.Models != nil {
		for _, m := range resp.Models.AvailableModels {
			if m.ModelId != "" {
				out.Models = append(out.Models, string(m.ModelId))
			}
		}
		out.DefaultModel = string(resp.Models.CurrentModelId)
	}
	if resp.Modes != nil {
		for _, m := range resp.Modes.AvailableModes {
			if m.Id != "" {
				out.Modes = append(out.Modes, string(m.Id))
			}
		}
	}
	return out, nil
}

// SupportsLoadSession reports the agent's advertised session/load
// capability from the last initialize response (spec §4.E step 3/4).
func (c *Connection) SupportsLoadSession() bool {
	if c.initResult.AgentCapabilities == nil {
		return false
	}
	return c.initResult.AgentCapabilities.LoadSession
}

// InitializeSnapshot exposes the protocolVersion/agentCapabilities pair a
// SessionRecord checkpoints after connect (spec §3, §6).
func (c *Connection) InitializeSnapshot() (protocolVersion string, agentCapabilities any) {
	return string(c.initResult.ProtocolVersion), c.initResult.AgentCapabilities
}

// Prompt sends a single prompt turn and blocks for its terminal response,
// while the bound client streams session_update/client_operation
// callbacks as they arrive (spec §6 prompt()).
func (c *Connection) Prompt(ctx context.Context, message string) (stopReason string, err error) {
	c.mu.Lock()
	sessionID := c.sessionID
	c.hasActive = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.hasActive = false
		c.mu.Unlock()
	}()

	resp, err := c.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(message)},
	})
	if err != nil {
		return "", c.wrapACPError(err, "ACP prompt failed")
	}
	return string(resp.StopReason), nil
}

// HasActivePrompt implements turn.ActiveController.
func (c *Connection) HasActivePrompt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasActive
}

// RequestCancelActivePrompt implements turn.ActiveController: fires
// session/cancel without waiting for the prompt to actually stop, per
// spec §4.D ("call requestCancelActivePrompt()").
func (c *Connection) RequestCancelActivePrompt() {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	if sessionID == "" {
		return
	}
	if err := c.conn.Cancel(context.Background(), acp.CancelNotification{SessionId: sessionID}); err != nil {
		c.log.Warn("ACP cancel notification failed", "error", err)
	}
}

// CancelActivePrompt implements the interrupt-path helper of spec §5:
// request cancellation then wait up to waitMs for the active prompt to
// clear before the caller proceeds to Close().
func (c *Connection) CancelActivePrompt(waitMs int) {
	c.RequestCancelActivePrompt()
	deadline := time.Now().Add(time.Duration(waitMs) * time.Millisecond)
	for time.Now().Before(deadline) {
		if !c.HasActivePrompt() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
}

// SetSessionMode implements turn.ActiveController (spec §6
// setSessionMode).
func (c *Connection) SetSessionMode(ctx context.Context, modeID string) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	_, err := c.conn.SetSessionMode(ctx, acp.SetSessionModeRequest{
		SessionId: sessionID,
		ModeId:    acp.SessionModeId(modeID),
	})
	if err != nil {
		return c.wrapACPError(err, "ACP set session mode failed")
	}
	return nil
}

// SetSessionConfigOption implements turn.ActiveController (spec §6
// setSessionConfigOption); the agent's response is retained for the
// caller to read back via LastConfigOptionResponse (needed for the IPC
// set_config_option_result.response payload, spec §4.C).
func (c *Connection) SetSessionConfigOption(ctx context.Context, configID string, value any) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()
	resp, err := c.conn.SetSessionConfigOption(ctx, acp.SetSessionConfigOptionRequest{
		SessionId: sessionID,
		ConfigId:  configID,
		Value:     value,
	})
	if err != nil {
		return c.wrapACPError(err, "ACP set config option failed")
	}
	c.mu.Lock()
	c.lastConfigResp = resp
	c.mu.Unlock()
	return nil
}

// LastConfigOptionResponse returns the most recent SetSessionConfigOption
// response payload.
func (c *Connection) LastConfigOptionResponse() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastConfigResp
}

// GetPermissionStats returns the running turn's permission counters
// (spec §4.F "permission_stats").
func (c *Connection) GetPermissionStats() model.PermissionStats {
	return c.client.permissionStats()
}

// GetAgentLifecycleSnapshot reports the subprocess lifecycle view a
// SessionRecord checkpoints after connect (spec §6).
func (c *Connection) GetAgentLifecycleSnapshot() LifecycleSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := LifecycleSnapshot{StartedAt: &c.startedAt, LastExit: c.lastExit}
	if c.cmd != nil && c.cmd.Process != nil {
		pid := c.cmd.Process.Pid
		snap.PID = &pid
	}
	return snap
}

// Close tears down the connection and, for a subprocess-backed
// connection, terminates the agent process (spec §6 close()).
func (c *Connection) Close() error {
	c.client.closePendingPermissions()
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.Warn("ACP connection close error", "error", err)
		}
	}
	if c.cmd == nil {
		return nil
	}
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
	}
	err := c.cmd.Wait()
	c.mu.Lock()
	if c.lastExit == nil {
		now := time.Now()
		exit := &model.AgentExit{At: now}
		if c.cmd.ProcessState != nil {
			code := c.cmd.ProcessState.ExitCode()
			exit.Code = &code
		}
		c.lastExit = exit
	}
	c.mu.Unlock()
	if _, ok := err.(*exec.ExitError); ok {
		// A non-zero/ signalled exit after an intentional Close is
		// expected, not an error worth propagating to the caller.
		return nil
	}
	return err
}

func buildEnv(extra map[string]string) []string {
	env := make([]string, 0, len(extra))
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// extractAgentSessionID follows the precedence of spec §3:
// "_meta.agentSessionId" then "_meta.sessionId".
func extractAgentSessionID(meta map[string]any) string {
	if meta == nil {
		return ""
	}
	if v, ok := meta["agentSessionId"].(string); ok && v != "" {
		return v
	}
	if v, ok := meta["sessionId"].(string); ok && v != "" {
		return v
	}
	return ""
}

func (c *Connection) wrapACPError(err error, message string) error {
	wrapped := acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginACP, err, message)
	if code, msg, ok := extractACPCode(err); ok {
		wrapped = wrapped.WithACP(code, msg)
	}
	return wrapped
}
