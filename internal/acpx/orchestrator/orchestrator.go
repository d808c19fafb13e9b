// Package orchestrator implements the session orchestrator of spec §4.G:
// the public send/cancel/setMode/setConfigOption/ensure/closeSession
// entry points that decide, per call, whether a running queue owner can
// serve the request or whether this process must become the owner.
//
// No teacher file owns an equivalent "try the running thing, else become
// the thing" decision — sebholstein-flowgentic's cmd/flowgentic callers
// always own their worker driver outright, never race another process
// for it — so this package's shape follows spec §4.G directly, reusing
// internal/acpx/lease, internal/acpx/ipc, and internal/acpx/owner rather
// than inventing new primitives for the coordination itself.
package orchestrator

import (
	"log/slog"

	acp "github.com/coder/acp-go-sdk"

	"github.com/sebastianm/acpx/internal/acpx/acpconn"
	"github.com/sebastianm/acpx/internal/acpx/model"
	"github.com/sebastianm/acpx/internal/acpx/owner"
	"github.com/sebastianm/acpx/internal/acpx/record"
	"github.com/sebastianm/acpx/internal/config"
)

// ConnectionFactory builds a not-yet-started owner.Connection for rec
// under the given permission policy. Declared here (rather than importing
// acpconn.New's exact signature) so tests can substitute a fake without a
// real agent subprocess; cmd/acpx wires the real one from rec.AgentCommand.
type ConnectionFactory func(
	rec model.SessionRecord,
	policy acpconn.Policy,
	onNotification func(model.Notification),
	onClientOperation func(model.ClientOperation),
) owner.Connection

// Deps wires an Orchestrator to its collaborators.
type Deps struct {
	Log           *slog.Logger
	Config        config.Config
	Store         *record.Store
	MCPServers    []acp.McpServer
	NewConnection ConnectionFactory
}

// Orchestrator implements spec §4.G's public operations.
type Orchestrator struct {
	deps Deps
}

// New constructs an Orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps}
}
