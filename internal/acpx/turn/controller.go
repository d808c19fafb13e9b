// Package turn implements the single-threaded cooperative turn
// controller of spec §4.D: the Idle/Starting/Active/Closing state
// machine an owner process uses to serialize prompts, route mid-turn
// cancel/mode/config requests, and guarantee mode/config changes are
// never blocked by the absence of an active prompt.
package turn

import (
	"context"
	"sync"
	"time"
)

// State is one of the controller's four states (spec §4.D).
type State string

const (
	Idle     State = "idle"
	Starting State = "starting"
	Active   State = "active"
	Closing  State = "closing"
)

// ActiveController is the subset of an in-flight prompt's capabilities
// the turn controller needs to route cancel/mode/config requests into an
// active turn (spec §4.D).
type ActiveController interface {
	HasActivePrompt() bool
	RequestCancelActivePrompt()
	SetSessionMode(ctx context.Context, modeID string) error
	SetSessionConfigOption(ctx context.Context, configID string, value any) error
}

// Fallback opens a dedicated short-lived connection (via
// internal/acpx/connectload) to apply a mode/config change when no
// active prompt is bound to route it through (spec §4.D).
type Fallback func(ctx context.Context, apply func(ActiveController) error) error

// Controller is a single-session turn controller. It is not safe for
// concurrent transition calls from multiple goroutines beyond the
// owner's own single-threaded main loop plus IPC handlers, which is why
// every mutation is guarded by one mutex rather than relying on
// call-site discipline.
type Controller struct {
	mu            sync.Mutex
	state         State
	active        ActiveController
	pendingCancel bool
}

// New returns a controller in the Idle state.
func New() *Controller {
	return &Controller{state: Idle}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BeginTurn transitions Idle -> Starting and clears any stale pending
// cancel (spec §4.D beginTurn). Returns false if not currently Idle.
func (c *Controller) BeginTurn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return false
	}
	c.state = Starting
	c.pendingCancel = false
	return true
}

// MarkPromptActive transitions Starting -> Active and binds the
// controller that exposes the now-sendable prompt (spec §4.D
// markPromptActive). Returns whether a pending cancel should be applied
// immediately by the caller (which owns calling active.RequestCancelActivePrompt).
func (c *Controller) MarkPromptActive(active ActiveController) (applyCancel bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Active
	c.active = active
	if c.pendingCancel {
		c.pendingCancel = false
		return true
	}
	return false
}

// EndTurn transitions back to Idle from any state except Closing and
// drops the active controller reference (spec §4.D endTurn).
func (c *Controller) EndTurn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closing {
		return
	}
	c.state = Idle
	c.active = nil
	c.pendingCancel = false
}

// BeginClosing transitions to Closing; subsequent BeginTurn calls fail
// (spec §4.D beginClosing).
func (c *Controller) BeginClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Closing
	c.active = nil
}

// RequestCancel implements spec §4.D requestCancel: false if Idle
// (nothing to cancel); otherwise true, dispatching immediately if Active
// with a bound controller, else recording pendingCancel for
// MarkPromptActive to drain.
func (c *Controller) RequestCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Idle:
		return false
	case Active:
		if c.active != nil {
			c.active.RequestCancelActivePrompt()
			return true
		}
		c.pendingCancel = true
		return true
	default: // Starting, Closing
		c.pendingCancel = true
		return true
	}
}

// ApplyPendingCancel dispatches a previously-recorded cancel once the
// bound controller reports an active prompt (spec §4.D
// applyPendingCancel). Returns true iff a cancel was actually dispatched.
func (c *Controller) ApplyPendingCancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pendingCancel || c.active == nil || !c.active.HasActivePrompt() {
		return false
	}
	c.active.RequestCancelActivePrompt()
	c.pendingCancel = false
	return true
}

// SetSessionMode routes through the active controller when a prompt is
// in flight, otherwise through fallback (spec §4.D setSessionMode).
func (c *Controller) SetSessionMode(ctx context.Context, modeID string, fallback Fallback) error {
	return c.routeControlRequest(ctx, fallback, func(a ActiveController) error {
		return a.SetSessionMode(ctx, modeID)
	})
}

// SetSessionConfigOption routes through the active controller when a
// prompt is in flight, otherwise through fallback (spec §4.D
// setSessionConfigOption).
func (c *Controller) SetSessionConfigOption(ctx context.Context, configID string, value any, fallback Fallback) error {
	return c.routeControlRequest(ctx, fallback, func(a ActiveController) error {
		return a.SetSessionConfigOption(ctx, configID, value)
	})
}

func (c *Controller) routeControlRequest(ctx context.Context, fallback Fallback, apply func(ActiveController) error) error {
	c.mu.Lock()
	active := c.active
	hasPrompt := active != nil && active.HasActivePrompt()
	c.mu.Unlock()

	if hasPrompt {
		return apply(active)
	}
	return fallback(ctx, apply)
}

// WithTimeout is a small helper the owner/orchestrator use to bound
// mode/config/cancel calls at the timeoutMs the spec allows each request
// to specify (spec §4.C submit_prompt/set_mode/set_config_option
// timeoutMs).
func WithTimeout(ctx context.Context, timeoutMs *int) (context.Context, context.CancelFunc) {
	if timeoutMs == nil || *timeoutMs <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(*timeoutMs)*time.Millisecond)
}
