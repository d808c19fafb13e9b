// Package owner implements the queue-owner main loop of spec §4.F: one
// process that holds a session's lease, serves the IPC socket, and runs
// prompts one at a time through the turn controller, connect-and-load,
// and the thread projection. Grounded on
// sebholstein-flowgentic/internal/worker/driver/v2/subprocess.go's
// runSession for the turn sequence, but restructured around a durable,
// resumable SessionRecord and a FIFO of tasks instead of one in-memory
// session; no teacher file owns a lease+socket+worker-loop triad like
// this (the teacher has no concept of exclusive ownership across
// processes), so the loop shape itself follows spec §4.F directly.
package owner

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/sebastianm/acpx/internal/acpx/acpconn"
	"github.com/sebastianm/acpx/internal/acpx/acpxerr"
	"github.com/sebastianm/acpx/internal/acpx/connectload"
	"github.com/sebastianm/acpx/internal/acpx/eventlog"
	"github.com/sebastianm/acpx/internal/acpx/ipc"
	"github.com/sebastianm/acpx/internal/acpx/lease"
	"github.com/sebastianm/acpx/internal/acpx/model"
	"github.com/sebastianm/acpx/internal/acpx/record"
	"github.com/sebastianm/acpx/internal/acpx/thread"
	"github.com/sebastianm/acpx/internal/acpx/turn"
	"github.com/sebastianm/acpx/internal/config"
)

// Connection is the subset of *acpconn.Connection the owner drives: the
// connect-and-load surface plus turn.ActiveController plus the handful
// of operations (Prompt, permission stats, Close, config echo) a turn
// needs. *acpconn.Connection satisfies this structurally; declaring it
// locally lets tests substitute a fake without a live ACP subprocess.
type Connection interface {
	connectload.Connector
	turn.ActiveController
	Prompt(ctx context.Context, message string) (string, error)
	GetPermissionStats() model.PermissionStats
	LastConfigOptionResponse() any
	Close() error
}

// Deps wires an Owner to its collaborators. NewConnection must return a
// freshly constructed, not-yet-started Connection each call: the owner
// calls it once for its long-lived session connection and again for
// every setMode/setConfigOption fallback (spec §4.G).
type Deps struct {
	Log           *slog.Logger
	Config        config.Config
	Store         *record.Store
	Writer        *eventlog.Writer
	NewConnection func(onNotification func(model.Notification), onClientOperation func(model.ClientOperation)) Connection
	MCPServers    []acp.McpServer
}

// Owner runs the main loop of spec §4.F for a single session record.
type Owner struct {
	log        *slog.Logger
	cfg        config.Config
	store      *record.Store
	writer     *eventlog.Writer
	newConn    func(onNotification func(model.Notification), onClientOperation func(model.ClientOperation)) Connection
	mcpServers []acp.McpServer

	lease    *lease.Lease
	listener net.Listener

	controller  *turn.Controller
	conn        Connection
	established bool

	recMu sync.Mutex
	rec   model.SessionRecord

	tasks *fifo

	currentMu   sync.Mutex
	currentTask *Task
}

// New constructs an Owner bound to an already-acquired lease and an
// already-bound listener (spec §4.F step 1 is performed by the caller so
// it can decide what to do on lease contention, per §4.G step 4).
func New(deps Deps, ld *lease.Lease, ln net.Listener, rec model.SessionRecord) *Owner {
	o := &Owner{
		log:        deps.Log,
		cfg:        deps.Config,
		store:      deps.Store,
		writer:     deps.Writer,
		newConn:    deps.NewConnection,
		mcpServers: deps.MCPServers,
		lease:      ld,
		listener:   ln,
		controller: turn.New(),
		rec:        rec,
		tasks:      newFIFO(),
	}
	o.conn = o.newConn(o.handleNotification, o.handleClientOperation)
	return o
}

// Enqueue pushes a task onto the FIFO; the orchestrator uses this both to
// seed the owner with the task that caused it to spawn and for every
// later submit_prompt accepted over the socket.
func (o *Owner) Enqueue(t *Task) {
	o.tasks.push(t)
}

// QueueDepth reports the FIFO length, used for lease heartbeat payloads.
func (o *Owner) QueueDepth() int { return o.tasks.len() }

// Run serves the socket and processes tasks until idle TTL fires or
// ctx is cancelled (e.g. by a caller wiring SIGINT/SIGTERM), implementing
// spec §4.F steps 3-5.
func (o *Owner) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return o.serve(gctx) })
	g.Go(func() error { return o.heartbeatLoop(gctx) })

	mainErr := o.mainLoop(runCtx)
	cancel()
	_ = o.listener.Close()

	groupErr := g.Wait()
	closeErr := o.shutdown()

	return multierr.Combine(mainErr, groupErr, closeErr)
}

// mainLoop implements spec §4.F step 4.
func (o *Owner) mainLoop(ctx context.Context) error {
	for {
		task, ok := o.tasks.waitForNext(ctx, o.cfg.Queue.IdleTTL)
		if !ok {
			return nil
		}
		if err := o.refreshLease(); err != nil {
			o.log.Warn("lease refresh failed", "error", err)
		}
		o.runTurn(ctx, task)
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (o *Owner) refreshLease() error {
	return o.lease.Refresh(o.QueueDepth())
}

func (o *Owner) heartbeatLoop(ctx context.Context) error {
	interval := o.cfg.Queue.HeartbeatInterval
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.refreshLease(); err != nil {
				o.log.Warn("periodic lease refresh failed", "error", err)
			}
		}
	}
}

// serve accepts connections until ctx is cancelled (spec §4.F step 1/3).
func (o *Owner) serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = o.listener.Close()
	}()
	for {
		conn, err := o.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go o.handleConn(ctx, conn)
	}
}

// shutdown implements spec §4.F step 5: drain waiters, reply error, close
// server, release lease, checkpoint, close event writer.
func (o *Owner) shutdown() error {
	o.controller.BeginClosing()

	for _, t := range o.tasks.drain() {
		t.sendMessage(ipc.ErrorMessage(t.RequestID, acpxerr.New(acpxerr.CodeRuntime, acpxerr.OriginQueue, "queue owner is shutting down").
			WithDetail(acpxerr.DetailQueueOwnerShuttingDown)))
		t.finish()
	}

	var errs []error
	if o.conn != nil {
		if err := o.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rec := o.snapshotRecord()
	if err := o.writer.Close(rec, true); err != nil {
		errs = append(errs, err)
	}
	if err := o.lease.Release(); err != nil {
		errs = append(errs, err)
	}
	return multierr.Combine(errs...)
}

func (o *Owner) snapshotRecord() model.SessionRecord {
	o.recMu.Lock()
	defer o.recMu.Unlock()
	return o.rec.Clone()
}

func (o *Owner) mutateRecord(fn func(*model.SessionRecord)) model.SessionRecord {
	o.recMu.Lock()
	defer o.recMu.Unlock()
	fn(&o.rec)
	return o.rec
}

// fallback opens a dedicated one-shot connection for a mode/config change
// with no active prompt to route through (spec §4.D Fallback, §4.G
// setMode/setConfigOption).
func (o *Owner) fallback(ctx context.Context, apply func(turn.ActiveController) error) error {
	conn := o.newConn(o.handleNotification, o.handleClientOperation)
	defer conn.Close()

	rec := o.snapshotRecord()
	result, err := connectload.Run(ctx, o.log, conn, rec, rec.Cwd, o.mcpServers, nil, o.cfg.DefaultTimeout)
	if err != nil {
		return err
	}
	_ = result
	return apply(conn)
}

// handleNotification is bound to every Connection the owner creates; it
// applies the thread-projection rule of spec §4.H, forwards the update to
// the currently-streaming task (if any), and records an event draft.
func (o *Owner) handleNotification(n model.Notification) {
	now := time.Now()
	rec := o.mutateRecord(func(r *model.SessionRecord) {
		thread.ApplyNotification(r, n, now)
	})

	if t := o.boundTask(); t != nil {
		t.sendMessage(ipc.Message{Type: ipc.MessageSessionUpdate, RequestID: t.RequestID, Notification: n})
		o.appendEventDraft(&rec, notificationEventDraft(n, t.RequestID))
	}
}

func (o *Owner) handleClientOperation(op model.ClientOperation) {
	rec := o.mutateRecord(func(r *model.SessionRecord) {
		thread.ApplyClientOperation(r, op)
	})

	var requestID string
	if t := o.boundTask(); t != nil {
		requestID = t.RequestID
		t.sendMessage(ipc.Message{Type: ipc.MessageClientOperation, RequestID: requestID, Operation: op})
	}
	o.appendEventDraft(&rec, model.EventDraft{
		Type:      model.EventClientOperation,
		RequestID: requestID,
		Data:      model.ClientOperationData{Operation: op},
	})
}

func (o *Owner) boundTask() *Task {
	o.currentMu.Lock()
	defer o.currentMu.Unlock()
	return o.currentTask
}

func (o *Owner) setBoundTask(t *Task) {
	o.currentMu.Lock()
	o.currentTask = t
	o.currentMu.Unlock()
}

// appendEventDraft is best-effort: a write failure is logged, never fatal
// to the turn (spec §4.B notes the event log is auxiliary to the record).
func (o *Owner) appendEventDraft(rec *model.SessionRecord, draft model.EventDraft) {
	ev := eventlog.CreateEvent(draft, rec.RecordID, rec.LastSeq, time.Now())
	if err := o.writer.AppendEvents(rec, []model.AcpxEvent{ev}, false); err != nil {
		o.log.Warn("append event failed", "type", draft.Type, "error", err)
		return
	}
	o.recMu.Lock()
	o.rec.LastSeq = rec.LastSeq
	o.rec.EventLog = rec.EventLog
	o.recMu.Unlock()
}

// notificationEventDraft maps a translated notification onto the
// per-type event Data shapes of model/event.go (spec §4.F step 4:
// "enqueue event drafts").
func notificationEventDraft(n model.Notification, requestID string) model.EventDraft {
	switch {
	case n.AgentMessageChunk != nil:
		return model.EventDraft{Type: model.EventOutputDelta, RequestID: requestID, Data: model.OutputDeltaData{Text: n.AgentMessageChunk.Text}}
	case n.AgentThoughtChunk != nil:
		return model.EventDraft{Type: model.EventOutputDelta, RequestID: requestID, Data: model.OutputDeltaData{Text: n.AgentThoughtChunk.Text}}
	case n.ToolCall != nil:
		return model.EventDraft{Type: model.EventToolCall, RequestID: requestID, Data: toolCallEventData(*n.ToolCall)}
	case n.ToolCallUpdate != nil:
		return model.EventDraft{Type: model.EventToolCall, RequestID: requestID, Data: toolCallEventData(*n.ToolCallUpdate)}
	case n.Plan != nil:
		return model.EventDraft{Type: model.EventPlan, RequestID: requestID, Data: *n.Plan}
	default:
		return model.EventDraft{Type: model.EventUpdate, RequestID: requestID, Data: model.UpdateData{Update: n}}
	}
}

func toolCallEventData(f model.ToolCallFields) model.ToolCallData {
	d := model.ToolCallData{ToolCallID: f.ToolCallID}
	if f.Title != nil {
		d.Title = *f.Title
	}
	if f.Kind != nil {
		d.Kind = *f.Kind
	}
	if f.Status != nil {
		d.Status = *f.Status
	}
	return d
}
