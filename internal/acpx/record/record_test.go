package record

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/acpx/internal/acpx/model"
)

func newRecord(id, cmd, cwd string, name *string, usedAt time.Time) model.SessionRecord {
	return model.SessionRecord{
		RecordID:     id,
		AgentCommand: cmd,
		Cwd:          cwd,
		Name:         name,
		CreatedAt:    usedAt,
		LastUsedAt:   usedAt,
		Acpx:         model.AcpxState{},
	}
}

func strp(s string) *string { return &s }

func TestWriteAndResolve_ByFullID(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)

	rec := newRecord("abc123", "claude", "/work/proj", nil, time.Now())
	require.NoError(t, s.Write(rec))

	got, err := s.Resolve("abc123")
	require.NoError(t, err)
	assert.Equal(t, "claude", got.AgentCommand)
}

func TestWrite_NoPartialFileVisible(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(newRecord("id1", "claude", "/a", nil, time.Now())))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, filepath.Ext(e.Name()) == ".tmp", "no .tmp file should remain: %s", e.Name())
	}
}

func TestResolve_BySuffix(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(newRecord("session-00000000-aaaa", "claude", "/a", nil, time.Now())))

	got, err := s.Resolve("aaaa")
	require.NoError(t, err)
	assert.Equal(t, "session-00000000-aaaa", got.RecordID)
}

func TestResolve_AmbiguousSuffix(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(newRecord("session-aaaa", "claude", "/a", nil, time.Now())))
	require.NoError(t, s.Write(newRecord("session-bbbb-aaaa", "claude", "/b", nil, time.Now())))

	_, err = s.Resolve("aaaa")
	assert.Error(t, err)
}

func TestResolve_NotFound(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	_, err = s.Resolve("nope")
	assert.Error(t, err)
}

func TestList_SortedByLastUsedDescending(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, s.Write(newRecord("older", "claude", "/a", nil, now.Add(-time.Hour))))
	require.NoError(t, s.Write(newRecord("newer", "claude", "/a", nil, now)))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "newer", list[0].RecordID)
	assert.Equal(t, "older", list[1].RecordID)
}

func TestList_SkipsUnparseableFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(newRecord("good", "claude", "/a", nil, time.Now())))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "garbage.json"), []byte("not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "missing-fields.json"), []byte(`{"acpx_record_id":"x"}`), 0o644))

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].RecordID)
}

func TestListForAgent_Filters(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(newRecord("c1", "claude", "/a", nil, time.Now())))
	require.NoError(t, s.Write(newRecord("g1", "gemini", "/a", nil, time.Now())))

	list, err := s.ListForAgent("claude")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].RecordID)
}

func TestFindByDirectoryWalk_MatchesExactLevel(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(newRecord("r1", "claude", "/repo/sub", nil, time.Now())))

	rec, found, err := s.FindByDirectoryWalk(DirectoryWalkQuery{
		AgentCommand: "claude",
		Cwd:          "/repo/sub",
		Boundary:     "/repo",
	})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "r1", rec.RecordID)
}

func TestFindByDirectoryWalk_WalksUpToBoundary(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(newRecord("root-session", "claude", "/repo", nil, time.Now())))

	rec, found, err := s.FindByDirectoryWalk(DirectoryWalkQuery{
		AgentCommand: "claude",
		Cwd:          "/repo/sub/deeper",
		Boundary:     "/repo",
	})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "root-session", rec.RecordID)
}

func TestFindByDirectoryWalk_ClosedRecordsSkipped(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	closedRec := newRecord("closed", "claude", "/repo", nil, time.Now())
	closedRec.Closed = true
	require.NoError(t, s.Write(closedRec))

	_, found, err := s.FindByDirectoryWalk(DirectoryWalkQuery{
		AgentCommand: "claude",
		Cwd:          "/repo",
		Boundary:     "/repo",
	})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestFindByDirectoryWalk_NameMustMatchExactly(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Write(newRecord("named", "claude", "/repo", strp("feature-x"), time.Now())))

	_, found, err := s.FindByDirectoryWalk(DirectoryWalkQuery{
		AgentCommand: "claude",
		Cwd:          "/repo",
		Boundary:     "/repo",
		Name:         nil,
	})
	require.NoError(t, err)
	assert.False(t, found, "a named session must not satisfy the default-for-cwd (nil name) query")

	rec, found, err := s.FindByDirectoryWalk(DirectoryWalkQuery{
		AgentCommand: "claude",
		Cwd:          "/repo",
		Boundary:     "/repo",
		Name:         strp("feature-x"),
	})
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "named", rec.RecordID)
}
