package owner

import (
	"context"
	"net"

	"github.com/sebastianm/acpx/internal/acpx/acpxerr"
	"github.com/sebastianm/acpx/internal/acpx/ipc"
	"github.com/sebastianm/acpx/internal/acpx/turn"
)

// handleConn implements spec §4.F step 3: read one request, reply
// accepted or error, then dispatch by type. Per spec §4.C, a connection
// carries exactly one logical request/response exchange.
func (o *Owner) handleConn(ctx context.Context, nc net.Conn) {
	c := ipc.NewConn(nc)
	req, err := c.ReadRequest()
	if err != nil {
		if acpxErr, ok := err.(*acpxerr.Error); ok {
			_ = c.WriteMessage(ipc.ErrorMessage("unknown", acpxErr))
		}
		c.Close()
		return
	}

	if err := c.WriteMessage(ipc.Accepted(req.RequestID)); err != nil {
		c.Close()
		return
	}

	switch req.Type {
	case ipc.RequestSubmitPrompt:
		o.handleSubmitPrompt(c, req)
	case ipc.RequestCancelPrompt:
		o.handleCancelPrompt(c, req)
	case ipc.RequestSetMode:
		o.handleSetMode(ctx, c, req)
	case ipc.RequestSetConfigOption:
		o.handleSetConfigOption(ctx, c, req)
	default:
		c.Close()
	}
}

func (o *Owner) handleSubmitPrompt(c *ipc.Conn, req ipc.Request) {
	task := newTask(req, c.WriteMessage)

	if !req.WaitForCompletion {
		task.send = nil
		c.Close()
		o.Enqueue(task)
		return
	}

	o.Enqueue(task)
	<-task.done
	c.Close()
}

func (o *Owner) handleCancelPrompt(c *ipc.Conn, req ipc.Request) {
	defer c.Close()
	cancelled := o.controller.RequestCancel()
	_ = c.WriteMessage(ipc.Message{Type: ipc.MessageCancelResult, RequestID: req.RequestID, Cancelled: &cancelled})
}

func (o *Owner) handleSetMode(ctx context.Context, c *ipc.Conn, req ipc.Request) {
	defer c.Close()
	callCtx, cancel := turn.WithTimeout(ctx, req.TimeoutMs)
	defer cancel()

	if err := o.controller.SetSessionMode(callCtx, req.ModeID, o.fallback); err != nil {
		_ = c.WriteMessage(ipc.ErrorMessage(req.RequestID, asACPXErr(err)))
		return
	}
	_ = c.WriteMessage(ipc.Message{Type: ipc.MessageSetModeResult, RequestID: req.RequestID, ModeID: req.ModeID})
}

// handleSetConfigOption reads the config response off whichever
// connection actually executed the call: o.conn when the controller
// routed through the active turn, or the short-lived fallback
// connection when there was no prompt in flight to route through (the
// fallback connection is closed by o.fallback immediately after apply
// returns, so the response must be captured inside the apply closure,
// not read back off o.conn afterwards).
func (o *Owner) handleSetConfigOption(ctx context.Context, c *ipc.Conn, req ipc.Request) {
	defer c.Close()
	callCtx, cancel := turn.WithTimeout(ctx, req.TimeoutMs)
	defer cancel()

	var fallbackResponse any
	capturingFallback := func(fctx context.Context, apply func(turn.ActiveController) error) error {
		return o.fallback(fctx, func(ac turn.ActiveController) error {
			if err := apply(ac); err != nil {
				return err
			}
			if conn, ok := ac.(Connection); ok {
				fallbackResponse = conn.LastConfigOptionResponse()
			}
			return nil
		})
	}

	if err := o.controller.SetSessionConfigOption(callCtx, req.ConfigID, req.Value, capturingFallback); err != nil {
		_ = c.WriteMessage(ipc.ErrorMessage(req.RequestID, asACPXErr(err)))
		return
	}
	response := fallbackResponse
	if response == nil {
		response = o.conn.LastConfigOptionResponse()
	}
	_ = c.WriteMessage(ipc.Message{Type: ipc.MessageSetConfigOptResult, RequestID: req.RequestID, Response: response})
}
