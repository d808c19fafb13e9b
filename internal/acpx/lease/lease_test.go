package lease

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/acpx/internal/acpx/model"
)

func TestPathsFor_Deterministic(t *testing.T) {
	lock1, sock1 := PathsFor("/base", "session-a")
	lock2, sock2 := PathsFor("/base", "session-a")
	assert.Equal(t, lock1, lock2)
	assert.Equal(t, sock1, sock2)

	lock3, _ := PathsFor("/base", "session-b")
	assert.NotEqual(t, lock1, lock3)
}

func TestTryAcquire_SucceedsOnEmptyDir(t *testing.T) {
	dir := t.TempDir()
	l, ok, err := TryAcquire(dir, "sess-1", StaleAfter)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, l)
	assert.Equal(t, os.Getpid(), l.Record.PID)
	require.NoError(t, l.Release())
}

func TestTryAcquire_ContendedByLiveHolder(t *testing.T) {
	dir := t.TempDir()
	l1, ok, err := TryAcquire(dir, "sess-1", StaleAfter)
	require.NoError(t, err)
	require.True(t, ok)
	defer l1.Release()

	l2, ok2, err := TryAcquire(dir, "sess-1", StaleAfter)
	require.NoError(t, err)
	assert.False(t, ok2)
	assert.Nil(t, l2)
}

func TestTryAcquire_CleansUpStaleLease(t *testing.T) {
	dir := t.TempDir()
	lockPath, socketPath := PathsFor(dir, "sess-1")

	stale := model.QueueOwnerLease{
		PID:             999999, // very unlikely to be a live pid
		SessionID:       "sess-1",
		SocketPath:      socketPath,
		CreatedAt:       time.Now().Add(-time.Hour),
		HeartbeatAt:     time.Now().Add(-time.Hour),
		OwnerGeneration: 3,
	}
	data, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(lockPath, data, 0o644))
	require.NoError(t, os.WriteFile(socketPath, []byte{}, 0o644))

	_, ok, err := TryAcquire(dir, "sess-1", StaleAfter)
	require.NoError(t, err)
	assert.False(t, ok, "first call after cleanup still returns false; caller retries")

	_, err = os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err), "stale lock should be removed")
	_, err = os.Stat(socketPath)
	assert.True(t, os.IsNotExist(err), "stale socket should be removed")

	l, ok, err := TryAcquire(dir, "sess-1", StaleAfter)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 4, l.Record.OwnerGeneration, "generation carries forward across a stale takeover")
	require.NoError(t, l.Release())
}

func TestTryAcquire_FreshSessionStartsAtGenerationOne(t *testing.T) {
	dir := t.TempDir()
	l, ok, err := TryAcquire(dir, "sess-fresh", StaleAfter)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 1, l.Record.OwnerGeneration)
	require.NoError(t, l.Release())
}

func TestRefresh_UpdatesHeartbeatAndDepth(t *testing.T) {
	dir := t.TempDir()
	l, ok, err := TryAcquire(dir, "sess-1", StaleAfter)
	require.NoError(t, err)
	require.True(t, ok)
	defer l.Release()

	before := l.Record.HeartbeatAt
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, l.Refresh(3))

	data, err := os.ReadFile(l.LockPath)
	require.NoError(t, err)
	var rec model.QueueOwnerLease
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, 3, rec.QueueDepth)
	assert.True(t, rec.HeartbeatAt.After(before))
}

func TestRelease_RemovesLockAndSocket(t *testing.T) {
	dir := t.TempDir()
	l, ok, err := TryAcquire(dir, "sess-1", StaleAfter)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, os.WriteFile(l.SocketPath, []byte{}, 0o644))

	require.NoError(t, l.Release())
	_, err = os.Stat(l.LockPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(l.SocketPath)
	assert.True(t, os.IsNotExist(err))
}

func TestProbeHealth_NoLease(t *testing.T) {
	dir := t.TempDir()
	p := ProbeHealth(dir, "absent")
	assert.False(t, p.HasLease)
	assert.False(t, p.Healthy)
}

func TestProbeHealth_LeaseWithoutReachableSocket(t *testing.T) {
	dir := t.TempDir()
	l, ok, err := TryAcquire(dir, "sess-1", StaleAfter)
	require.NoError(t, err)
	require.True(t, ok)
	defer l.Release()

	p := ProbeHealth(dir, "sess-1")
	assert.True(t, p.HasLease)
	assert.False(t, p.SocketReachable)
	assert.False(t, p.Healthy)
}

func TestTerminate_NonexistentPIDIsNoop(t *testing.T) {
	err := Terminate(999999)
	assert.NoError(t, err)
}

func TestPathsFor_UsesQueueBaseDir(t *testing.T) {
	lock, sock := PathsFor("/q", "sess-x")
	assert.Equal(t, filepath.Dir(lock), "/q")
	assert.Equal(t, filepath.Dir(sock), "/q")
}
