package connectload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/acpx/internal/acpx/acpconn"
	"github.com/sebastianm/acpx/internal/acpx/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	startErr     error
	supportsLoad bool
	loadResults  map[string]acpconn.SessionCreated
	loadErrs     map[string]error
	loadCalls    []string
	created      acpconn.SessionCreated
	createErr    error
	createCalled bool
}

func (f *fakeConn) Start(ctx context.Context) error { return f.startErr }

func (f *fakeConn) SupportsLoadSession() bool { return f.supportsLoad }

func (f *fakeConn) CreateSession(ctx context.Context, cwd string, mcpServers []acp.McpServer, meta map[string]any) (acpconn.SessionCreated, error) {
	f.createCalled = true
	return f.created, f.createErr
}

func (f *fakeConn) LoadSessionWithOptions(ctx context.Context, sessionID, cwd string, suppressReplayUpdates bool) (acpconn.SessionCreated, error) {
	f.loadCalls = append(f.loadCalls, sessionID)
	if err, ok := f.loadErrs[sessionID]; ok {
		return acpconn.SessionCreated{}, err
	}
	return f.loadResults[sessionID], nil
}

func (f *fakeConn) GetAgentLifecycleSnapshot() acpconn.LifecycleSnapshot {
	return acpconn.LifecycleSnapshot{}
}

type codedErr struct {
	code int
	msg  string
}

func (e *codedErr) Error() string { return e.msg }
func (e *codedErr) Code() int     { return e.code }

func TestRun_NoLoadCapability_AlwaysCreatesNew(t *testing.T) {
	fc := &fakeConn{
		supportsLoad: false,
		created:      acpconn.SessionCreated{SessionID: "s1", AgentSessionID: "a1"},
	}
	rec := model.SessionRecord{ACPSessionID: "stale"}

	got, err := Run(context.Background(), discardLogger(), fc, rec, "/cwd", nil, nil, time.Second)
	require.NoError(t, err)
	assert.True(t, fc.createCalled)
	assert.False(t, got.Resumed)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "a1", got.AgentSessionID)
}

func TestRun_LoadSucceedsOnFirstCandidate(t *testing.T) {
	fc := &fakeConn{
		supportsLoad: true,
		loadResults: map[string]acpconn.SessionCreated{
			"agent-1": {SessionID: "agent-1", AgentSessionID: "agent-1", Models: []string{"m1"}},
		},
	}
	rec := model.SessionRecord{AgentSessionID: "agent-1", ACPSessionID: "acp-1"}

	got, err := Run(context.Background(), discardLogger(), fc, rec, "/cwd", nil, nil, time.Second)
	require.NoError(t, err)
	assert.True(t, got.Resumed)
	assert.Equal(t, "agent-1", got.SessionID)
	assert.Equal(t, []string{"agent-1"}, fc.loadCalls)
	assert.False(t, fc.createCalled)
}

func TestRun_RecoverableLoadError_FallsBackToCreateSession(t *testing.T) {
	fc := &fakeConn{
		supportsLoad: true,
		loadErrs: map[string]error{
			"stale": &codedErr{code: -32002, msg: "resource not found"},
		},
		created: acpconn.SessionCreated{SessionID: "fresh", AgentSessionID: "fresh-agent"},
	}
	rec := model.SessionRecord{ACPSessionID: "stale"}

	got, err := Run(context.Background(), discardLogger(), fc, rec, "/cwd", nil, nil, time.Second)
	require.NoError(t, err)
	assert.False(t, got.Resumed)
	assert.Equal(t, "fresh", got.SessionID)
	assert.Contains(t, got.LoadError, "resource not found")
	assert.True(t, fc.createCalled)
}

func TestRun_NonRecoverableLoadError_Propagates(t *testing.T) {
	fc := &fakeConn{
		supportsLoad: true,
		loadErrs: map[string]error{
			"stale": &codedErr{code: -32700, msg: "parse error"},
		},
	}
	rec := model.SessionRecord{ACPSessionID: "stale"}

	_, err := Run(context.Background(), discardLogger(), fc, rec, "/cwd", nil, nil, time.Second)
	require.Error(t, err)
	assert.False(t, fc.createCalled)
}

func TestRun_StartError_Propagates(t *testing.T) {
	fc := &fakeConn{startErr: errors.New("spawn failed")}
	_, err := Run(context.Background(), discardLogger(), fc, model.SessionRecord{}, "/cwd", nil, nil, time.Second)
	require.Error(t, err)
}

func TestCandidateSessionIDs_DedupesAndOrdersAgentFirst(t *testing.T) {
	rec := model.SessionRecord{AgentSessionID: "a", ACPSessionID: "a"}
	assert.Equal(t, []string{"a"}, candidateSessionIDs(rec))

	rec2 := model.SessionRecord{AgentSessionID: "a", ACPSessionID: "b"}
	assert.Equal(t, []string{"a", "b"}, candidateSessionIDs(rec2))

	rec3 := model.SessionRecord{ACPSessionID: "b"}
	assert.Equal(t, []string{"b"}, candidateSessionIDs(rec3))
}

func TestRecoverable_TypedResourceNotFoundCodes(t *testing.T) {
	assert.True(t, recoverable(&codedErr{code: -32001, msg: "x"}, model.SessionRecord{}))
	assert.True(t, recoverable(&codedErr{code: -32002, msg: "x"}, model.SessionRecord{}))
}

func TestRecoverable_InternalErrorOnlyWithoutAgentMessages(t *testing.T) {
	err := &codedErr{code: -32603, msg: "query closed before response received"}
	assert.True(t, recoverable(err, model.SessionRecord{}))

	withMessages := model.SessionRecord{Thread: model.SessionThread{Messages: []model.Message{{Agent: &model.AgentMessage{}}}}}
	assert.False(t, recoverable(err, withMessages))
}

func TestRecoverable_BodyTextHint(t *testing.T) {
	assert.True(t, recoverable(errors.New("session not found"), model.SessionRecord{}))
	assert.True(t, recoverable(errors.New("Resource_Not_Found: nope"), model.SessionRecord{}))
}

func TestRecoverable_UnrelatedErrorIsNotRecoverable(t *testing.T) {
	assert.False(t, recoverable(errors.New("connection reset"), model.SessionRecord{}))
}

func TestSessionHasAgentMessages(t *testing.T) {
	assert.False(t, sessionHasAgentMessages(model.SessionRecord{}))
	rec := model.SessionRecord{Thread: model.SessionThread{Messages: []model.Message{{User: &model.UserMessage{}}}}}
	assert.False(t, sessionHasAgentMessages(rec))
	rec2 := model.SessionRecord{Thread: model.SessionThread{Messages: []model.Message{{Agent: &model.AgentMessage{}}}}}
	assert.True(t, sessionHasAgentMessages(rec2))
}
