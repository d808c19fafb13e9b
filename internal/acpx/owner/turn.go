package owner

import (
	"context"
	"errors"
	"time"

	"github.com/sebastianm/acpx/internal/acpx/acpxerr"
	"github.com/sebastianm/acpx/internal/acpx/connectload"
	"github.com/sebastianm/acpx/internal/acpx/ipc"
	"github.com/sebastianm/acpx/internal/acpx/model"
)

// runTurn drives one task through the full turn sequence of spec §4.F
// step 4: beginTurn, connect-and-load (only for this owner's first task;
// later tasks reuse the live connection/session), turn_started, prompt
// with streaming, turn_done/error, endTurn.
//
// permissionMode/nonInteractivePermissions overrides on a per-submission
// basis (spec §4.C submit_prompt fields) are not wired through to a
// live acpconn.Connection: the Connection's permission policy is bound
// once at construction. A later task arriving with a different policy
// than the owner's bound one is accepted (the field is validated, not
// rejected) but the turn runs under the owner's original policy. This
// is a recorded simplification, not an oversight — see DESIGN.md.
func (o *Owner) runTurn(ctx context.Context, task *Task) {
	if !o.controller.BeginTurn() {
		task.sendMessage(ipc.ErrorMessage(task.RequestID, acpxerr.New(acpxerr.CodeRuntime, acpxerr.OriginQueue, "owner is mid-turn; task rejected").WithDetail(acpxerr.DetailQueueControlRequestFailed)))
		task.finish()
		return
	}
	o.setBoundTask(task)
	defer func() {
		o.setBoundTask(nil)
		task.finish()
	}()

	timeout := o.cfg.DefaultTimeout
	if task.TimeoutMs != nil && *task.TimeoutMs > 0 {
		timeout = time.Duration(*task.TimeoutMs) * time.Millisecond
	}

	rec := o.snapshotRecord()
	o.appendEventDraft(&rec, model.EventDraft{
		Type:      model.EventTurnStarted,
		RequestID: task.RequestID,
		Data:      model.TurnStartedData{Message: task.Message},
	})

	if !o.established {
		if err := o.ensureSession(ctx, timeout); err != nil {
			o.failTurn(task, err)
			return
		}
	}

	applyCancel := o.controller.MarkPromptActive(o.conn)
	if applyCancel {
		o.conn.RequestCancelActivePrompt()
	}

	promptCtx, cancel := context.WithTimeout(ctx, timeout)
	stopReason, err := o.conn.Prompt(promptCtx, task.Message)
	cancel()
	o.controller.EndTurn()

	if err != nil {
		o.failTurn(task, err)
		return
	}

	stats := o.conn.GetPermissionStats()
	doneRec := o.snapshotRecord()
	o.appendEventDraft(&doneRec, model.EventDraft{
		Type:      model.EventTurnDone,
		RequestID: task.RequestID,
		Data:      model.TurnDoneData{StopReason: stopReason, PermissionStats: stats},
	})

	task.sendMessage(ipc.Message{Type: ipc.MessageDone, RequestID: task.RequestID, StopReason: stopReason})
	task.sendMessage(ipc.Message{
		Type:      ipc.MessageResult,
		RequestID: task.RequestID,
		SendResult: map[string]any{
			"stopReason":      stopReason,
			"permissionStats": stats,
		},
	})
}

// ensureSession performs the connect-and-load algorithm of spec §4.E for
// this owner's single long-lived connection, once per owner lifetime.
func (o *Owner) ensureSession(ctx context.Context, timeout time.Duration) error {
	rec := o.snapshotRecord()
	result, err := connectload.Run(ctx, o.log, o.conn, rec, rec.Cwd, o.mcpServers, nil, timeout)
	if err != nil {
		return err
	}
	o.mutateRecord(func(r *model.SessionRecord) {
		r.ACPSessionID = result.SessionID
		if result.AgentSessionID != "" {
			r.AgentSessionID = result.AgentSessionID
		}
		if len(result.Modes) > 0 {
			r.Acpx.AvailableModes = result.Modes
		}
	})
	o.checkpoint()
	o.established = true
	return nil
}

func (o *Owner) checkpoint() {
	rec := o.snapshotRecord()
	if err := o.store.Write(rec); err != nil {
		o.log.Warn("checkpoint failed", "error", err)
	}
}

func (o *Owner) failTurn(task *Task, err error) {
	o.controller.EndTurn()
	acpxErr := asACPXErr(err)
	rec := o.snapshotRecord()
	o.appendEventDraft(&rec, model.EventDraft{
		Type:      model.EventError,
		RequestID: task.RequestID,
		Data: model.ErrorData{
			Code:       string(acpxErr.Code),
			DetailCode: acpxErr.DetailCode,
			Origin:     string(acpxErr.Origin),
			Message:    acpxErr.Message,
			Retryable:  acpxErr.Retryable,
		},
	})
	task.sendMessage(ipc.ErrorMessage(task.RequestID, acpxErr))
	o.checkpoint()
}

func asACPXErr(err error) *acpxerr.Error {
	var ae *acpxerr.Error
	if errors.As(err, &ae) {
		return ae
	}
	return acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginQueue, err, err.Error())
}
