package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sebastianm/acpx/internal/acpx/acpconn"
	"github.com/sebastianm/acpx/internal/acpx/acpxerr"
	"github.com/sebastianm/acpx/internal/acpx/eventlog"
	"github.com/sebastianm/acpx/internal/acpx/ipc"
	"github.com/sebastianm/acpx/internal/acpx/lease"
	"github.com/sebastianm/acpx/internal/acpx/model"
	"github.com/sebastianm/acpx/internal/acpx/owner"
)

// SendOptions is the input of spec §4.G's send(opts).
type SendOptions struct {
	SessionID                 string
	Message                   string
	PermissionMode            string
	TimeoutMs                 *int
	NonInteractivePermissions any
	WaitForCompletion         bool
	// Formatter receives every owner->client message streamed for a
	// waitForCompletion=true send, in order (spec §4.G step 2 "feeding
	// the caller-provided formatter").
	Formatter func(ipc.Message)
}

// Enqueued is the outcome when waitForCompletion=false (spec §4.G step 2).
type Enqueued struct {
	SessionID string
	RequestID string
}

// SendResult is the outcome when waitForCompletion=true and the turn
// completed (spec §4.G step 2).
type SendResult struct {
	StopReason      string
	PermissionStats model.PermissionStats
}

// SendOutcome is the send(opts) -> SendResult | Enqueued union (spec
// §4.G). Exactly one of Enqueued/Result is set on success.
type SendOutcome struct {
	Enqueued *Enqueued
	Result   *SendResult

	// OwnerDone is non-nil only when this call caused the calling process
	// to become the queue owner (spec §4.G step 4: "this process becomes
	// the owner"). acpx does not fork or daemonize a separate OS process
	// for ownership — the invocation that wins the lease race simply
	// keeps running as the owner until idle TTL or StopOwner is called.
	// A caller that wants that behavior (cmd/acpx's send command) blocks
	// on OwnerDone after Send returns; a caller that only cares
	// about this one request's outcome may ignore it, in which case the
	// owner keeps serving other processes' sends until it idles out on
	// its own.
	OwnerDone <-chan error
	// StopOwner cancels the owner loop started by this call. Nil unless
	// OwnerDone is also non-nil.
	StopOwner context.CancelFunc
}

// Send implements spec §4.G send(opts): try the running owner, else
// become the owner.
func (o *Orchestrator) Send(ctx context.Context, opts SendOptions) (SendOutcome, error) {
	for {
		rec, err := o.deps.Store.Resolve(opts.SessionID)
		if err != nil {
			return SendOutcome{}, err
		}

		lse, hasLease, err := lease.ReadLease(o.deps.Config.QueuesDir(), rec.RecordID)
		if err != nil {
			return SendOutcome{}, acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginQueue, err, "reading queue lease")
		}

		if hasLease && leaseLooksLive(lse, o.deps.Config.Queue.LeaseStale) {
			outcome, connErr := o.submitToOwner(ctx, rec.RecordID, lse.SocketPath, lse.PID, opts)
			if connErr == nil {
				return outcome, nil
			}
			if lease.ProcessAlive(lse.PID) {
				return SendOutcome{}, acpxerr.New(acpxerr.CodeRuntime, acpxerr.OriginQueue, "queue owner process is alive but not accepting requests").
					WithDetail(acpxerr.DetailQueueOwnerClosed)
			}
			// The owner died between the lease read and the connect
			// attempt; fall through and try to become the owner.
		}

		ld, acquired, err := lease.TryAcquire(o.deps.Config.QueuesDir(), rec.RecordID, o.deps.Config.Queue.LeaseStale)
		if err != nil {
			return SendOutcome{}, err
		}
		if !acquired {
			select {
			case <-time.After(50 * time.Millisecond):
				continue
			case <-ctx.Done():
				return SendOutcome{}, ctx.Err()
			}
		}
		return o.becomeOwner(ctx, ld, rec, opts)
	}
}

func leaseLooksLive(lse model.QueueOwnerLease, staleAfter time.Duration) bool {
	return lease.ProcessAlive(lse.PID) && time.Since(lse.HeartbeatAt) <= staleAfter
}

// submitToOwner implements spec §4.G step 2: connect, submit_prompt, then
// either resolve on accepted (fire-and-forget) or stream the rest.
func (o *Orchestrator) submitToOwner(ctx context.Context, recordID, socketPath string, ownerPID int, opts SendOptions) (SendOutcome, error) {
	conn, err := ipc.Connect(ctx, socketPath, ownerPID, o.deps.Config.Queue.ConnectRetries, o.deps.Config.Queue.ConnectDelay)
	if err != nil {
		return SendOutcome{}, err
	}
	defer conn.Close()

	req := ipc.Request{
		Type:                      ipc.RequestSubmitPrompt,
		RequestID:                 uuid.NewString(),
		Message:                   opts.Message,
		PermissionMode:            opts.PermissionMode,
		NonInteractivePermissions: opts.NonInteractivePermissions,
		TimeoutMs:                 opts.TimeoutMs,
		WaitForCompletion:         opts.WaitForCompletion,
	}
	if err := conn.WriteRequest(req); err != nil {
		return SendOutcome{}, acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginQueue, err, "writing submit_prompt request")
	}

	accepted, err := conn.ReadMessage()
	if err != nil {
		return SendOutcome{}, acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginQueue, err, "reading submit_prompt reply")
	}
	if accepted.Type == ipc.MessageError {
		return SendOutcome{}, errorFromMessage(accepted)
	}

	if !opts.WaitForCompletion {
		return SendOutcome{Enqueued: &Enqueued{SessionID: recordID, RequestID: req.RequestID}}, nil
	}

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return SendOutcome{}, acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginQueue, err, "reading queue owner stream")
		}
		if opts.Formatter != nil {
			opts.Formatter(msg)
		}
		switch msg.Type {
		case ipc.MessageError:
			return SendOutcome{}, errorFromMessage(msg)
		case ipc.MessageResult:
			return SendOutcome{Result: resultFromMessage(msg)}, nil
		}
	}
}

func resultFromMessage(msg ipc.Message) *SendResult {
	result := &SendResult{StopReason: msg.StopReason}
	m, ok := msg.SendResult.(map[string]any)
	if !ok {
		return result
	}
	if result.StopReason == "" {
		if sr, ok := m["stopReason"].(string); ok {
			result.StopReason = sr
		}
	}
	if raw, ok := m["permissionStats"]; ok {
		result.PermissionStats = decodePermissionStats(raw)
	}
	return result
}

// decodePermissionStats re-decodes the JSON-over-the-wire `any` payload
// into the typed struct: the owner's turn.go sends permissionStats as a
// map literal, so the client side only ever sees it as unmarshalled JSON,
// never the original Go struct.
func decodePermissionStats(v any) model.PermissionStats {
	var stats model.PermissionStats
	data, err := json.Marshal(v)
	if err != nil {
		return stats
	}
	_ = json.Unmarshal(data, &stats)
	return stats
}

func errorFromMessage(msg ipc.Message) *acpxerr.Error {
	e := acpxerr.New(acpxerr.Code(msg.Code), acpxerr.Origin(msg.Origin), msg.Message).WithRetryable(msg.Retryable)
	if msg.DetailCode != "" {
		e = e.WithDetail(msg.DetailCode)
	}
	if msg.ACP != nil {
		e = e.WithACP(msg.ACP.Code, msg.ACP.Message)
	}
	return e
}

// becomeOwner implements spec §4.G step 4: bind the lease's socket, spawn
// the events-lock holder, start the owner main loop, then submit the
// seeding task to it over its own freshly-bound socket exactly like any
// other client would (no special-cased in-process task injection).
func (o *Orchestrator) becomeOwner(ctx context.Context, ld *lease.Lease, rec model.SessionRecord, opts SendOptions) (SendOutcome, error) {
	ln, err := ipc.Listen(ld.SocketPath)
	if err != nil {
		_ = ld.Release()
		return SendOutcome{}, acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginQueue, err, "binding queue owner socket")
	}

	writer, err := eventlog.Open(ctx, o.deps.Config.SessionDir(rec.RecordID), eventlog.EventLogLimits{
		MaxSegmentBytes: o.deps.Config.EventLog.MaxSegmentBytes,
		MaxSegments:     o.deps.Config.EventLog.MaxSegments,
	}, o.deps.Config.Queue.LockRetryDelay, o.deps.Store.Write)
	if err != nil {
		_ = ln.Close()
		_ = ld.Release()
		return SendOutcome{}, err
	}

	policy := policyFor(opts.PermissionMode)
	ownerDeps := owner.Deps{
		Log:    o.deps.Log,
		Config: o.deps.Config,
		Store:  o.deps.Store,
		Writer: writer,
		NewConnection: func(onNotification func(model.Notification), onClientOperation func(model.ClientOperation)) owner.Connection {
			return o.deps.NewConnection(rec, policy, onNotification, onClientOperation)
		},
		MCPServers: o.deps.MCPServers,
	}
	ow := owner.New(ownerDeps, ld, ln, rec)

	ownerCtx, stopOwner := context.WithCancel(context.WithoutCancel(ctx))
	ownerDone := make(chan error, 1)
	go func() { ownerDone <- ow.Run(ownerCtx) }()

	outcome, err := o.submitToOwner(ctx, rec.RecordID, ld.SocketPath, ld.Record.PID, opts)
	if err != nil {
		stopOwner()
		return SendOutcome{}, err
	}
	outcome.OwnerDone = ownerDone
	outcome.StopOwner = stopOwner
	return outcome, nil
}

// policyFor maps a submit_prompt permissionMode (spec §4.C) onto the
// acpconn permission policy a freshly constructed Connection is bound to.
func policyFor(permissionMode string) acpconn.Policy {
	switch permissionMode {
	case "allow_once":
		return acpconn.PolicyAllowOnce
	case "allow_always":
		return acpconn.PolicyAllowAlways
	case "reject_once":
		return acpconn.PolicyRejectOnce
	default:
		return acpconn.PolicyAsk
	}
}
