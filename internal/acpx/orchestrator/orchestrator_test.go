package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	acp "github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/acpx/internal/acpx/acpconn"
	"github.com/sebastianm/acpx/internal/acpx/ipc"
	"github.com/sebastianm/acpx/internal/acpx/model"
	"github.com/sebastianm/acpx/internal/acpx/owner"
	"github.com/sebastianm/acpx/internal/acpx/record"
	"github.com/sebastianm/acpx/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	onNotification    func(model.Notification)
	onClientOperation func(model.ClientOperation)

	startErr     error
	supportsLoad bool
	createResult acpconn.SessionCreated
	createErr    error

	promptStopReason string
	promptErr        error

	configResponse any
	closeCalled    bool
}

func (f *fakeConn) Start(ctx context.Context) error { return f.startErr }
func (f *fakeConn) SupportsLoadSession() bool        { return f.supportsLoad }

func (f *fakeConn) CreateSession(ctx context.Context, cwd string, mcpServers []acp.McpServer, meta map[string]any) (acpconn.SessionCreated, error) {
	return f.createResult, f.createErr
}

func (f *fakeConn) LoadSessionWithOptions(ctx context.Context, sessionID, cwd string, suppressReplayUpdates bool) (acpconn.SessionCreated, error) {
	return f.createResult, f.createErr
}

func (f *fakeConn) GetAgentLifecycleSnapshot() acpconn.LifecycleSnapshot {
	return acpconn.LifecycleSnapshot{}
}

func (f *fakeConn) HasActivePrompt() bool      { return false }
func (f *fakeConn) RequestCancelActivePrompt() {}
func (f *fakeConn) SetSessionMode(ctx context.Context, modeID string) error {
	return nil
}
func (f *fakeConn) SetSessionConfigOption(ctx context.Context, configID string, value any) error {
	f.configResponse = map[string]any{"configId": configID, "value": value}
	return nil
}

func (f *fakeConn) Prompt(ctx context.Context, message string) (string, error) {
	if f.onNotification != nil {
		f.onNotification(model.Notification{AgentMessageChunk: &model.TextChunk{Text: "hi " + message}})
	}
	return f.promptStopReason, f.promptErr
}

func (f *fakeConn) GetPermissionStats() model.PermissionStats { return model.PermissionStats{} }
func (f *fakeConn) LastConfigOptionResponse() any             { return f.configResponse }
func (f *fakeConn) Close() error                              { f.closeCalled = true; return nil }

type testFixture struct {
	orch  *Orchestrator
	store *record.Store
	cfg   config.Config
	conns []*fakeConn
}

func newTestFixture(t *testing.T, configure func(*fakeConn)) *testFixture {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HomeDir = dir
	cfg.Queue.LeaseStale = 200 * time.Millisecond
	cfg.Queue.ConnectRetries = 20
	cfg.Queue.ConnectDelay = 10 * time.Millisecond
	cfg.DefaultTimeout = 2 * time.Second

	store, err := record.NewStore(cfg.SessionsDir())
	require.NoError(t, err)

	fx := &testFixture{store: store, cfg: cfg}
	fx.orch = New(Deps{
		Log:    discardLogger(),
		Config: cfg,
		Store:  store,
		NewConnection: func(rec model.SessionRecord, policy acpconn.Policy, onNotification func(model.Notification), onClientOperation func(model.ClientOperation)) owner.Connection {
			fc := &fakeConn{
				onNotification:    onNotification,
				onClientOperation: onClientOperation,
				promptStopReason:  "end_turn",
				createResult:      acpconn.SessionCreated{SessionID: "acp-sess", Modes: []string{"default"}},
			}
			if configure != nil {
				configure(fc)
			}
			fx.conns = append(fx.conns, fc)
			return fc
		},
	})
	return fx
}

func (fx *testFixture) writeRecord(t *testing.T, recordID string) model.SessionRecord {
	t.Helper()
	rec := model.SessionRecord{
		RecordID:     recordID,
		AgentCommand: "fake-agent",
		Cwd:          "/work",
		CreatedAt:    time.Now(),
		LastUsedAt:   time.Now(),
	}
	require.NoError(t, fx.store.Write(rec))
	return rec
}

func TestSend_BecomesOwner_StreamsResultAndKeepsOwnerAlive(t *testing.T) {
	fx := newTestFixture(t, nil)
	fx.writeRecord(t, "rec-send")

	var messageTypes []ipc.MessageType
	outcome, err := fx.orch.Send(context.Background(), SendOptions{
		SessionID:         "rec-send",
		Message:           "hello",
		WaitForCompletion: true,
		Formatter: func(msg ipc.Message) {
			messageTypes = append(messageTypes, msg.Type)
		},
	})
	require.NoError(t, err)
	assert.Contains(t, messageTypes, ipc.MessageResult)
	require.NotNil(t, outcome.Result)
	assert.Equal(t, "end_turn", outcome.Result.StopReason)
	require.NotNil(t, outcome.StopOwner)
	outcome.StopOwner()
	select {
	case err := <-outcome.OwnerDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("owner never shut down after StopOwner")
	}
}

func TestSend_SecondCallRoutesThroughRunningOwner(t *testing.T) {
	fx := newTestFixture(t, nil)
	fx.writeRecord(t, "rec-queue")

	first, err := fx.orch.Send(context.Background(), SendOptions{
		SessionID: "rec-queue", Message: "first", WaitForCompletion: true,
	})
	require.NoError(t, err)
	defer first.StopOwner()

	second, err := fx.orch.Send(context.Background(), SendOptions{
		SessionID: "rec-queue", Message: "second", WaitForCompletion: true,
	})
	require.NoError(t, err)
	require.NotNil(t, second.Result)
	assert.Equal(t, "end_turn", second.Result.StopReason)
	// Only the owner's own connection was created for this session; the
	// second send did not spin up a second owner/connection.
	assert.Len(t, fx.conns, 1)
}

func TestSend_FireAndForgetReturnsEnqueued(t *testing.T) {
	fx := newTestFixture(t, nil)
	fx.writeRecord(t, "rec-fire")

	outcome, err := fx.orch.Send(context.Background(), SendOptions{
		SessionID: "rec-fire", Message: "hello",
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Enqueued)
	assert.Equal(t, "rec-fire", outcome.Enqueued.SessionID)
	outcome.StopOwner()
}

func TestCancel_NoLeaseReturnsFalse(t *testing.T) {
	fx := newTestFixture(t, nil)
	fx.writeRecord(t, "rec-cancel")

	cancelled, err := fx.orch.Cancel(context.Background(), "rec-cancel")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestCancel_RunningOwnerNoActiveTurn(t *testing.T) {
	fx := newTestFixture(t, nil)
	fx.writeRecord(t, "rec-cancel2")

	outcome, err := fx.orch.Send(context.Background(), SendOptions{
		SessionID: "rec-cancel2", Message: "hello",
	})
	require.NoError(t, err)
	defer outcome.StopOwner()

	cancelled, err := fx.orch.Cancel(context.Background(), "rec-cancel2")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestSetMode_NoOwnerFallsBackToDirectConnection(t *testing.T) {
	fx := newTestFixture(t, nil)
	fx.writeRecord(t, "rec-mode")

	mode, err := fx.orch.SetMode(context.Background(), "rec-mode", "plan", nil)
	require.NoError(t, err)
	assert.Equal(t, "plan", mode)
	require.Len(t, fx.conns, 1)
	assert.True(t, fx.conns[0].closeCalled)
}

func TestSetConfigOption_NoOwnerFallsBackToDirectConnection(t *testing.T) {
	fx := newTestFixture(t, nil)
	fx.writeRecord(t, "rec-config")

	resp, err := fx.orch.SetConfigOption(context.Background(), "rec-config", "reasoningEffort", "high", nil)
	require.NoError(t, err)
	require.NotNil(t, resp)
	m, ok := resp.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "reasoningEffort", m["configId"])
}

func TestEnsure_CreatesWhenNotFound(t *testing.T) {
	fx := newTestFixture(t, nil)

	rec, created, err := fx.orch.Ensure(context.Background(), "fake-agent", "/work", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "acp-sess", rec.ACPSessionID)
	assert.Equal(t, []string{"default"}, rec.Acpx.AvailableModes)
	require.True(t, fx.conns[0].closeCalled)
}

func TestEnsure_FindsExistingByDirectoryWalk(t *testing.T) {
	fx := newTestFixture(t, nil)
	existing := fx.writeRecord(t, "rec-existing")

	rec, created, err := fx.orch.Ensure(context.Background(), existing.AgentCommand, existing.Cwd, nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing.RecordID, rec.RecordID)
	assert.Empty(t, fx.conns)
}

func TestCloseSession_MarksClosedAndClearsPID(t *testing.T) {
	fx := newTestFixture(t, nil)
	fx.writeRecord(t, "rec-close")

	rec, err := fx.orch.CloseSession(context.Background(), "rec-close")
	require.NoError(t, err)
	assert.True(t, rec.Closed)
	require.NotNil(t, rec.ClosedAt)
	assert.Nil(t, rec.PID)

	stored, err := fx.store.Resolve("rec-close")
	require.NoError(t, err)
	assert.True(t, stored.Closed)
}

func TestSend_UnknownSessionReturnsError(t *testing.T) {
	fx := newTestFixture(t, nil)
	_, err := fx.orch.Send(context.Background(), SendOptions{SessionID: "does-not-exist", Message: "hi"})
	require.Error(t, err)
}
