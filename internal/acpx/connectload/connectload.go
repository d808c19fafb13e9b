// Package connectload implements the connect-and-load state machine of
// spec §4.E: start (or resume) an ACP connection against a SessionRecord,
// trying session/load before falling back to session/new, using the
// record's pid-liveness to decide whether this is a "reconnect" or a
// "respawn". Grounded on
// sebholstein-flowgentic/internal/worker/driver/v2/subprocess.go's
// runSession, which performs the same Initialize -> LoadSession-or-
// NewSession sequence for a single in-process driver rather than a
// durable, resumable record.
package connectload

import (
	"context"
	"log/slog"
	"strings"
	"time"

	acp "github.com/coder/acp-go-sdk"

	"github.com/sebastianm/acpx/internal/acpx/acpconn"
	"github.com/sebastianm/acpx/internal/acpx/lease"
	"github.com/sebastianm/acpx/internal/acpx/model"
)

// Connector is the subset of *acpconn.Connection connect-and-load needs.
// Declaring it locally (rather than depending on a concrete type) lets
// tests substitute a fake without touching the real ACP wire.
type Connector interface {
	Start(ctx context.Context) error
	SupportsLoadSession() bool
	CreateSession(ctx context.Context, cwd string, mcpServers []acp.McpServer, meta map[string]any) (acpconn.SessionCreated, error)
	LoadSessionWithOptions(ctx context.Context, sessionID, cwd string, suppressReplayUpdates bool) (acpconn.SessionCreated, error)
	GetAgentLifecycleSnapshot() acpconn.LifecycleSnapshot
}

// Result is the connect-and-load outcome (spec §4.E outputs).
type Result struct {
	SessionID      string
	AgentSessionID string
	Resumed        bool
	LoadError      string
	Models         []string
	DefaultModel   string
	Modes          []string
	Lifecycle      acpconn.LifecycleSnapshot
}

// sessionNotFoundHints are the body-text fallbacks for agents that don't
// surface a typed ACP error code for an unknown session (spec §4.E step 3).
var sessionNotFoundHints = []string{
	"resource_not_found",
	"resource not found",
	"session not found",
	"unknown session",
}

const (
	acpCodeResourceNotFoundA = -32001
	acpCodeResourceNotFoundB = -32002
	acpCodeInternalError     = -32603
)

// Run executes the algorithm of spec §4.E against rec, mutating nothing
// on rec itself (callers apply the Result under the record's own
// checkpoint-then-write discipline, spec §4.H).
func Run(ctx context.Context, log *slog.Logger, conn Connector, rec model.SessionRecord, cwd string, mcpServers []acp.McpServer, meta map[string]any, timeout time.Duration) (Result, error) {
	if rec.PID != nil && lease.ProcessAlive(*rec.PID) {
		log.Info("reconnecting to agent", "pid", *rec.PID)
	} else if rec.PID != nil {
		log.Info("respawning agent", "pid", *rec.PID)
	}

	startCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.Start(startCtx); err != nil {
		return Result{}, err
	}

	if conn.SupportsLoadSession() {
		return loadOrCreate(ctx, log, conn, rec, cwd, mcpServers, meta, timeout)
	}

	loadCtx, cancelNew := context.WithTimeout(ctx, timeout)
	defer cancelNew()
	created, err := conn.CreateSession(loadCtx, cwd, mcpServers, meta)
	if err != nil {
		return Result{}, err
	}
	return resultFromCreated(created, false, ""), nil
}

func loadOrCreate(ctx context.Context, log *slog.Logger, conn Connector, rec model.SessionRecord, cwd string, mcpServers []acp.McpServer, meta map[string]any, timeout time.Duration) (Result, error) {
	var loadErr string
	for _, candidate := range candidateSessionIDs(rec) {
		loadCtx, cancel := context.WithTimeout(ctx, timeout)
		created, err := conn.LoadSessionWithOptions(loadCtx, candidate, cwd, true)
		cancel()
		if err == nil {
			return resultFromCreated(created, true, ""), nil
		}
		loadErr = err.Error()
		log.Warn("session/load failed", "candidate", candidate, "error", err)
		if !recoverable(err, rec) {
			return Result{}, err
		}
	}

	newCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	created, err := conn.CreateSession(newCtx, cwd, mcpServers, meta)
	if err != nil {
		return Result{}, err
	}
	return resultFromCreated(created, false, loadErr), nil
}

// candidateSessionIDs builds the dedup'd candidate list of spec §4.E step
// 3: normalised agentSessionId (if any) then acpSessionId.
func candidateSessionIDs(rec model.SessionRecord) []string {
	var out []string
	seen := map[string]bool{}
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	add(rec.AgentSessionID)
	add(rec.ACPSessionID)
	return out
}

// recoverable implements spec §4.E step 3's fall-through predicate.
func recoverable(err error, rec model.SessionRecord) bool {
	code, message, ok := acpconn.ExtractACPCode(err)
	if ok {
		if code == acpCodeResourceNotFoundA || code == acpCodeResourceNotFoundB {
			return true
		}
		if code == acpCodeInternalError && !sessionHasAgentMessages(rec) {
			return true
		}
	}
	text := strings.ToLower(message)
	if text == "" {
		text = strings.ToLower(err.Error())
	}
	for _, hint := range sessionNotFoundHints {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return false
}

// sessionHasAgentMessages backs the -32603-without-agent-messages
// fallback of spec §9's open question: an agent that rejects session/load
// for a session it never actually produced output in is treated as
// "never really existed" rather than a genuine internal error.
func sessionHasAgentMessages(rec model.SessionRecord) bool {
	for _, msg := range rec.Thread.Messages {
		if msg.Agent != nil {
			return true
		}
	}
	return false
}

func resultFromCreated(c acpconn.SessionCreated, resumed bool, loadErr string) Result {
	return Result{
		SessionID:      c.SessionID,
		AgentSessionID: c.AgentSessionID,
		Resumed:        resumed,
		LoadError:      loadErr,
		Models:         c.Models,
		DefaultModel:   c.DefaultModel,
		Modes:          c.Modes,
	}
}
