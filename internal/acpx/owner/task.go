package owner

import (
	"time"

	"github.com/sebastianm/acpx/internal/acpx/ipc"
)

// Task is one submit_prompt request queued for the main worker loop
// (spec §4.F step 2: "Each Task carries per-submission context").
type Task struct {
	RequestID                 string
	Message                   string
	PermissionMode            string
	NonInteractivePermissions any
	TimeoutMs                 *int
	WaitForCompletion         bool
	AcceptedAt                time.Time

	// send streams owner->client messages for the lifetime of this task's
	// connection. It is nil once the connection has been closed (the
	// !WaitForCompletion fire-and-forget case), in which case sendMessage
	// is a no-op rather than an error.
	send func(ipc.Message) error
	// done is closed exactly once, after the turn this task drove has
	// finished, to release a blocked handleSubmitPrompt waiting to close the
	// connection.
	done chan struct{}
}

func newTask(req ipc.Request, send func(ipc.Message) error) *Task {
	return &Task{
		RequestID:                 req.RequestID,
		Message:                   req.Message,
		PermissionMode:            req.PermissionMode,
		NonInteractivePermissions: req.NonInteractivePermissions,
		TimeoutMs:                 req.TimeoutMs,
		WaitForCompletion:         req.WaitForCompletion,
		AcceptedAt:                time.Now(),
		send:                      send,
		done:                      make(chan struct{}),
	}
}

// sendMessage best-effort streams a message to this task's connection.
// Errors are swallowed: a client that disconnected mid-stream (or never
// waited at all) does not fail the turn itself.
func (t *Task) sendMessage(msg ipc.Message) {
	if t.send == nil {
		return
	}
	_ = t.send(msg)
}

func (t *Task) finish() {
	close(t.done)
}
