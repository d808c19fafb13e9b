package main

import (
	"strings"

	acp "github.com/coder/acp-go-sdk"

	"github.com/sebastianm/acpx/internal/acpx/acpconn"
	"github.com/sebastianm/acpx/internal/acpx/model"
	"github.com/sebastianm/acpx/internal/acpx/orchestrator"
	"github.com/sebastianm/acpx/internal/acpx/owner"
	"github.com/sebastianm/acpx/internal/acpx/record"
	"github.com/sebastianm/acpx/internal/config"
)

// appContext lazily builds the core's dependency graph once per process
// invocation, reading --home only after cobra has parsed flags.
type appContext struct {
	homeDirFlag *string
}

type app struct {
	cfg   config.Config
	store *record.Store
	orch  *orchestrator.Orchestrator
}

func (a *appContext) build() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if a.homeDirFlag != nil && *a.homeDirFlag != "" {
		cfg.HomeDir = *a.homeDirFlag
	}

	store, err := record.NewStore(cfg.SessionsDir())
	if err != nil {
		return nil, err
	}

	log := newLogger()
	orch := orchestrator.New(orchestrator.Deps{
		Log:        log,
		Config:     cfg,
		Store:      store,
		MCPServers: []acp.McpServer{},
		NewConnection: func(rec model.SessionRecord, policy acpconn.Policy, onNotification func(model.Notification), onClientOperation func(model.ClientOperation)) owner.Connection {
			command, args := splitAgentCommand(rec.AgentCommand)
			spec := acpconn.AgentSpec{Command: command, Args: args, Cwd: rec.Cwd}
			return acpconn.New(log.With("component", "acpconn", "session", rec.RecordID), spec, policy, onNotification, onClientOperation)
		},
	})

	return &app{cfg: cfg, store: store, orch: orch}, nil
}

// splitAgentCommand splits a session record's agentCommand string (spec
// §3: a single string naming the agent's launch command) into the
// executable and its arguments. POSIX-shell quoting is not supported —
// agentCommand is expected to be a plain space-separated invocation
// (e.g. "claude-code-acp --flag value"), matching how lease.go's
// firstToken already treats the field.
func splitAgentCommand(agentCommand string) (command string, args []string) {
	fields := strings.Fields(agentCommand)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}
