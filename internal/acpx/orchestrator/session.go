package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sebastianm/acpx/internal/acpx/acpconn"
	"github.com/sebastianm/acpx/internal/acpx/acpxerr"
	"github.com/sebastianm/acpx/internal/acpx/connectload"
	"github.com/sebastianm/acpx/internal/acpx/ipc"
	"github.com/sebastianm/acpx/internal/acpx/lease"
	"github.com/sebastianm/acpx/internal/acpx/model"
	"github.com/sebastianm/acpx/internal/acpx/owner"
	"github.com/sebastianm/acpx/internal/acpx/record"
	"github.com/sebastianm/acpx/internal/acpx/thread"
	"github.com/sebastianm/acpx/internal/acpx/turn"
)

// Cancel implements spec §4.G cancel(sessionId): try cancel_prompt on a
// running owner; resolve {cancelled: false} if there is none.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) (bool, error) {
	rec, err := o.deps.Store.Resolve(sessionID)
	if err != nil {
		return false, err
	}
	lse, hasLease, err := lease.ReadLease(o.deps.Config.QueuesDir(), rec.RecordID)
	if err != nil {
		return false, acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginQueue, err, "reading queue lease")
	}
	if !hasLease || !leaseLooksLive(lse, o.deps.Config.Queue.LeaseStale) {
		return false, nil
	}

	result, err := o.controlRequestToOwner(ctx, lse.SocketPath, lse.PID, ipc.Request{
		Type: ipc.RequestCancelPrompt, RequestID: uuid.NewString(),
	})
	if err != nil {
		if lease.ProcessAlive(lse.PID) {
			return false, err
		}
		return false, nil
	}
	return result.Cancelled != nil && *result.Cancelled, nil
}

// SetMode implements spec §4.G setMode: route through a running owner, or
// fall back to a direct one-shot connection via connect-and-load.
func (o *Orchestrator) SetMode(ctx context.Context, sessionID, modeID string, timeoutMs *int) (string, error) {
	rec, err := o.deps.Store.Resolve(sessionID)
	if err != nil {
		return "", err
	}

	lse, hasLease, err := lease.ReadLease(o.deps.Config.QueuesDir(), rec.RecordID)
	if err != nil {
		return "", acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginQueue, err, "reading queue lease")
	}
	if hasLease && leaseLooksLive(lse, o.deps.Config.Queue.LeaseStale) {
		result, err := o.controlRequestToOwner(ctx, lse.SocketPath, lse.PID, ipc.Request{
			Type: ipc.RequestSetMode, RequestID: uuid.NewString(), ModeID: modeID, TimeoutMs: timeoutMs,
		})
		if err == nil {
			return result.ModeID, nil
		}
		if lease.ProcessAlive(lse.PID) {
			return "", err
		}
	}

	if _, err := o.runDirect(ctx, rec, timeoutMs, func(conn owner.Connection, callCtx context.Context) error {
		return conn.SetSessionMode(callCtx, modeID)
	}); err != nil {
		return "", err
	}
	return modeID, nil
}

// SetConfigOption implements spec §4.G setConfigOption: same routing as
// SetMode, returning the agent's response payload.
func (o *Orchestrator) SetConfigOption(ctx context.Context, sessionID, configID string, value any, timeoutMs *int) (any, error) {
	rec, err := o.deps.Store.Resolve(sessionID)
	if err != nil {
		return nil, err
	}

	lse, hasLease, err := lease.ReadLease(o.deps.Config.QueuesDir(), rec.RecordID)
	if err != nil {
		return nil, acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginQueue, err, "reading queue lease")
	}
	if hasLease && leaseLooksLive(lse, o.deps.Config.Queue.LeaseStale) {
		result, err := o.controlRequestToOwner(ctx, lse.SocketPath, lse.PID, ipc.Request{
			Type: ipc.RequestSetConfigOption, RequestID: uuid.NewString(), ConfigID: configID, Value: value, TimeoutMs: timeoutMs,
		})
		if err == nil {
			return result.Response, nil
		}
		if lease.ProcessAlive(lse.PID) {
			return nil, err
		}
	}

	var response any
	if _, err := o.runDirect(ctx, rec, timeoutMs, func(conn owner.Connection, callCtx context.Context) error {
		if err := conn.SetSessionConfigOption(callCtx, configID, value); err != nil {
			return err
		}
		response = conn.LastConfigOptionResponse()
		return nil
	}); err != nil {
		return nil, err
	}
	return response, nil
}

// controlRequestToOwner sends one control request (cancel_prompt/set_mode/
// set_config_option) to a live owner and returns its terminal reply.
func (o *Orchestrator) controlRequestToOwner(ctx context.Context, socketPath string, ownerPID int, req ipc.Request) (ipc.Message, error) {
	conn, err := ipc.Connect(ctx, socketPath, ownerPID, o.deps.Config.Queue.ConnectRetries, o.deps.Config.Queue.ConnectDelay)
	if err != nil {
		return ipc.Message{}, err
	}
	defer conn.Close()

	if err := conn.WriteRequest(req); err != nil {
		return ipc.Message{}, acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginQueue, err, "writing control request")
	}
	accepted, err := conn.ReadMessage()
	if err != nil {
		return ipc.Message{}, acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginQueue, err, "reading control request reply")
	}
	if accepted.Type == ipc.MessageError {
		return ipc.Message{}, errorFromMessage(accepted)
	}
	result, err := conn.ReadMessage()
	if err != nil {
		return ipc.Message{}, acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginQueue, err, "reading control request result")
	}
	if result.Type == ipc.MessageError {
		return ipc.Message{}, errorFromMessage(result)
	}
	return result, nil
}

// runDirect implements the "direct one-shot connection via (E) -> apply ->
// teardown" fallback of spec §4.G, shared by SetMode/SetConfigOption.
func (o *Orchestrator) runDirect(ctx context.Context, rec model.SessionRecord, timeoutMs *int, apply func(owner.Connection, context.Context) error) (model.SessionRecord, error) {
	callCtx, cancel := turn.WithTimeout(ctx, timeoutMs)
	defer cancel()

	var mu sync.Mutex
	live := rec.Clone()

	conn := o.deps.NewConnection(rec, acpconn.PolicyAsk,
		func(n model.Notification) {
			mu.Lock()
			thread.ApplyNotification(&live, n, time.Now())
			mu.Unlock()
		},
		func(op model.ClientOperation) {
			mu.Lock()
			thread.ApplyClientOperation(&live, op)
			mu.Unlock()
		},
	)
	defer conn.Close()

	timeout := o.deps.Config.DefaultTimeout
	if timeoutMs != nil && *timeoutMs > 0 {
		timeout = time.Duration(*timeoutMs) * time.Millisecond
	}
	result, err := connectload.Run(callCtx, o.deps.Log, conn, rec, rec.Cwd, o.deps.MCPServers, nil, timeout)
	if err != nil {
		return model.SessionRecord{}, err
	}

	mu.Lock()
	live.ACPSessionID = result.SessionID
	if result.AgentSessionID != "" {
		live.AgentSessionID = result.AgentSessionID
	}
	if len(result.Modes) > 0 {
		live.Acpx.AvailableModes = result.Modes
	}
	mu.Unlock()

	if err := apply(conn, callCtx); err != nil {
		return model.SessionRecord{}, err
	}

	mu.Lock()
	out := live.Clone()
	mu.Unlock()
	if err := o.deps.Store.Write(out); err != nil {
		o.deps.Log.Warn("checkpoint after direct control request failed", "error", err)
	}
	return out, nil
}

// Ensure implements spec §4.G ensure(cwd, name, agent): find-by-directory-
// walk, else create.
func (o *Orchestrator) Ensure(ctx context.Context, agentCommand, cwd string, name *string) (model.SessionRecord, bool, error) {
	rec, found, err := o.deps.Store.FindByDirectoryWalk(record.DirectoryWalkQuery{
		AgentCommand: agentCommand,
		Cwd:          cwd,
		Name:         name,
	})
	if err != nil {
		return model.SessionRecord{}, false, err
	}
	if found {
		return rec, false, nil
	}

	created, err := o.createSession(ctx, agentCommand, cwd, name)
	if err != nil {
		return model.SessionRecord{}, false, err
	}
	return created, true, nil
}

// createSession implements spec §4.G's createSession: spawn the agent,
// session/new, write the record, tear down the connection. The next send
// reconnects and resumes via session/load (spec §4.E).
func (o *Orchestrator) createSession(ctx context.Context, agentCommand, cwd string, name *string) (model.SessionRecord, error) {
	rec := model.SessionRecord{
		RecordID:     uuid.NewString(),
		AgentCommand: agentCommand,
		Cwd:          cwd,
		Name:         name,
		CreatedAt:    time.Now(),
		LastUsedAt:   time.Now(),
	}

	conn := o.deps.NewConnection(rec, acpconn.PolicyAsk, func(model.Notification) {}, func(model.ClientOperation) {})
	defer conn.Close()

	if err := conn.Start(ctx); err != nil {
		return model.SessionRecord{}, err
	}
	created, err := conn.CreateSession(ctx, cwd, o.deps.MCPServers, nil)
	if err != nil {
		return model.SessionRecord{}, err
	}

	rec.ACPSessionID = created.SessionID
	rec.AgentSessionID = created.AgentSessionID
	rec.Acpx.AvailableModes = created.Modes

	snap := conn.GetAgentLifecycleSnapshot()
	rec.PID = snap.PID
	rec.AgentStartedAt = snap.StartedAt

	if err := o.deps.Store.Write(rec); err != nil {
		return model.SessionRecord{}, err
	}
	return rec, nil
}

// CloseSession implements spec §4.G closeSession(id): terminate a running
// owner, terminate a plausibly-matching live agent process, mark closed.
func (o *Orchestrator) CloseSession(ctx context.Context, sessionID string) (model.SessionRecord, error) {
	rec, err := o.deps.Store.Resolve(sessionID)
	if err != nil {
		return model.SessionRecord{}, err
	}

	if lse, hasLease, err := lease.ReadLease(o.deps.Config.QueuesDir(), rec.RecordID); err == nil && hasLease {
		if lease.ProcessAlive(lse.PID) {
			_ = lease.Terminate(lse.PID)
		}
		_ = lse
	}

	if rec.PID != nil && lease.ProcessAlive(*rec.PID) && lease.CommandMatches(*rec.PID, rec.AgentCommand) {
		_ = lease.Terminate(*rec.PID)
	}

	now := time.Now()
	rec.Closed = true
	rec.ClosedAt = &now
	rec.PID = nil

	if err := o.deps.Store.Write(rec); err != nil {
		return model.SessionRecord{}, err
	}
	return rec, nil
}
