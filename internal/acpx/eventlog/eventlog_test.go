package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sebastianm/acpx/internal/acpx/model"
)

func openTestWriter(t *testing.T, limits EventLogLimits) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := Open(context.Background(), dir, limits, time.Millisecond, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close(model.SessionRecord{}, false) })
	return w, dir
}

func TestOpen_SecondOpenBlocksUntilClosed(t *testing.T) {
	dir := t.TempDir()
	limits := EventLogLimits{MaxSegmentBytes: 1 << 20, MaxSegments: 3}
	w1, err := Open(context.Background(), dir, limits, time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = Open(ctx, dir, limits, 5*time.Millisecond, nil)
	assert.Error(t, err, "second Open should not succeed while the lock is held")

	require.NoError(t, w1.Close(model.SessionRecord{}, false))

	w2, err := Open(context.Background(), dir, limits, time.Millisecond, nil)
	require.NoError(t, err)
	require.NoError(t, w2.Close(model.SessionRecord{}, false))
}

func TestAppendEvents_SeqMustBeContiguous(t *testing.T) {
	w, _ := openTestWriter(t, EventLogLimits{MaxSegmentBytes: 1 << 20, MaxSegments: 3})
	rec := &model.SessionRecord{RecordID: "rec-1"}

	ev := CreateEvent(model.EventDraft{Type: model.EventTurnStarted, Data: model.TurnStartedData{Message: "hi"}}, rec.RecordID, rec.LastSeq, time.Now())
	require.NoError(t, w.AppendEvents(rec, []model.AcpxEvent{ev}, false))
	assert.EqualValues(t, 1, rec.LastSeq)

	badEv := ev
	badEv.Seq = 5
	err := w.AppendEvents(rec, []model.AcpxEvent{badEv}, false)
	assert.Error(t, err)
}

func TestAppendEvents_UnknownTypeRejected(t *testing.T) {
	w, _ := openTestWriter(t, EventLogLimits{MaxSegmentBytes: 1 << 20, MaxSegments: 3})
	rec := &model.SessionRecord{RecordID: "rec-1"}
	ev := model.AcpxEvent{Schema: model.EventSchema, EventID: "e1", SessionID: "rec-1", Seq: 1, Type: "bogus"}
	err := w.AppendEvents(rec, []model.AcpxEvent{ev}, false)
	assert.Error(t, err)
}

func TestAppendEvents_KeyPolicyViolationRejected(t *testing.T) {
	w, _ := openTestWriter(t, EventLogLimits{MaxSegmentBytes: 1 << 20, MaxSegments: 3})
	rec := &model.SessionRecord{RecordID: "rec-1"}
	ev := CreateEvent(model.EventDraft{
		Type: model.EventToolCall,
		Data: map[string]any{"toolCallId": "bad-camel-case"},
	}, rec.RecordID, rec.LastSeq, time.Now())
	err := w.AppendEvents(rec, []model.AcpxEvent{ev}, false)
	assert.Error(t, err)
}

func TestAppendEvents_CheckspointInvokesSave(t *testing.T) {
	var saved model.SessionRecord
	dir := t.TempDir()
	w, err := Open(context.Background(), dir, EventLogLimits{MaxSegmentBytes: 1 << 20, MaxSegments: 3}, time.Millisecond, func(r model.SessionRecord) error {
		saved = r
		return nil
	})
	require.NoError(t, err)
	defer w.Close(model.SessionRecord{}, false)

	rec := &model.SessionRecord{RecordID: "rec-1"}
	ev := CreateEvent(model.EventDraft{Type: model.EventSessionEnsured, Data: model.SessionEnsuredData{Created: true}}, rec.RecordID, rec.LastSeq, time.Now())
	require.NoError(t, w.AppendEvents(rec, []model.AcpxEvent{ev}, true))
	assert.Equal(t, "rec-1", saved.RecordID)
	assert.EqualValues(t, 1, saved.LastSeq)
}

func TestRotateAndListSessionEvents(t *testing.T) {
	dir := t.TempDir()
	limits := EventLogLimits{MaxSegmentBytes: 120, MaxSegments: 2}
	w, err := Open(context.Background(), dir, limits, time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close(model.SessionRecord{}, false)

	rec := &model.SessionRecord{RecordID: "rec-1"}
	for i := 0; i < 20; i++ {
		ev := CreateEvent(model.EventDraft{Type: model.EventOutputDelta, Data: model.OutputDeltaData{Text: "chunk of output text here"}}, rec.RecordID, rec.LastSeq, time.Now())
		require.NoError(t, w.AppendEvents(rec, []model.AcpxEvent{ev}, false))
	}

	assert.FileExists(t, filepath.Join(dir, eventsSubdir, "1.ndjson"))

	events, err := ListSessionEvents(dir, limits.MaxSegments)
	require.NoError(t, err)
	// Every line is larger than MaxSegmentBytes, so each append rotates:
	// only the active segment and segments 1..MaxSegments survive, holding
	// the last three events.
	assert.Len(t, events, 3)
	for i, ev := range events {
		assert.EqualValues(t, i+18, ev.Seq)
	}
}

func TestAppendEvents_CursorTracksLastWrittenLineOnPartialBatch(t *testing.T) {
	w, _ := openTestWriter(t, EventLogLimits{MaxSegmentBytes: 1 << 20, MaxSegments: 3})
	rec := &model.SessionRecord{RecordID: "rec-1"}

	ev1 := CreateEvent(model.EventDraft{Type: model.EventTurnStarted, Data: model.TurnStartedData{Message: "one"}, RequestID: "req-1"}, rec.RecordID, rec.LastSeq, time.Now())
	ev2 := CreateEvent(model.EventDraft{Type: model.EventOutputDelta, Data: model.OutputDeltaData{Text: "two"}, RequestID: "req-2"}, rec.RecordID, ev1.Seq, time.Now())

	// A single AppendEvents call writing two lines must leave the record's
	// cursor pointing at the second (actually last-written) event, not
	// whichever event happens to be the batch's tail computed up front.
	require.NoError(t, w.AppendEvents(rec, []model.AcpxEvent{ev1, ev2}, false))
	assert.EqualValues(t, ev2.Seq, rec.LastSeq)
	assert.Equal(t, "req-2", rec.LastRequestID)
}

func TestAppendEvents_SegmentCountGrowsOnRotation(t *testing.T) {
	dir := t.TempDir()
	limits := EventLogLimits{MaxSegmentBytes: 120, MaxSegments: 3}
	w, err := Open(context.Background(), dir, limits, time.Millisecond, nil)
	require.NoError(t, err)
	defer w.Close(model.SessionRecord{}, false)

	rec := &model.SessionRecord{RecordID: "rec-1"}
	assert.Zero(t, rec.EventLog.SegmentCount)

	for i := 0; i < 30; i++ {
		ev := CreateEvent(model.EventDraft{Type: model.EventOutputDelta, Data: model.OutputDeltaData{Text: "chunk of output text here"}}, rec.RecordID, rec.LastSeq, time.Now())
		require.NoError(t, w.AppendEvents(rec, []model.AcpxEvent{ev}, false))
	}

	assert.Equal(t, limits.MaxSegments, rec.EventLog.SegmentCount, "segment count saturates at max_segments")
}

func TestListSessionEvents_EmptyDirReturnsNil(t *testing.T) {
	dir := t.TempDir()
	events, err := ListSessionEvents(dir, 3)
	require.NoError(t, err)
	assert.Empty(t, events)
}
