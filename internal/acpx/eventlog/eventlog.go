// Package eventlog implements the append-only, segment-rotated event log
// of spec §4.B: one exclusive-create lock file guards writer access to a
// session's NDJSON segments, every appended line is validated against the
// envelope/variant schema and the persisted-key policy before a single
// byte hits disk, and the writer keeps the owning SessionRecord's cursor
// fields in sync.
package eventlog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/sebastianm/acpx/internal/acpx/acpxerr"
	"github.com/sebastianm/acpx/internal/acpx/model"
)

const (
	lockFileName = "events.lock"
	eventsSubdir = "events"
	activeFile   = "active.ndjson"
)

// Checkpoint persists a SessionRecord atomically. The record store
// (internal/acpx/record) provides the real implementation; eventlog only
// depends on the function shape so the two packages don't import each
// other.
type Checkpoint func(model.SessionRecord) error

// Writer owns one session's events lock and active segment file for as
// long as it is open (spec §3: "the on-disk SessionRecord is exclusively
// owned by whichever process holds the events lock").
type Writer struct {
	dir       string
	cfg       EventLogLimits
	lockPath  string
	lockFile  *os.File
	save      Checkpoint
	lockRetry time.Duration
}

// EventLogLimits is the subset of config.EventLogConfig the writer needs,
// spelled out locally so eventlog never imports internal/config.
type EventLogLimits struct {
	MaxSegmentBytes int64
	MaxSegments     int
}

// Open takes the per-session events lock, retrying the exclusive-create
// forever at lockRetryDelay (spec §4.B: "retrying every 15 ms forever").
// Stale-lock cleanup is deliberately not attempted here; a crashed
// owner's stale lock is cleared by the owner process's own startup path
// (spec §4.B), not by the writer.
func Open(ctx context.Context, dir string, cfg EventLogLimits, lockRetryDelay time.Duration, save Checkpoint) (*Writer, error) {
	if err := os.MkdirAll(filepath.Join(dir, eventsSubdir), 0o755); err != nil {
		return nil, fmt.Errorf("create session events dir %s: %w", dir, err)
	}
	lockPath := filepath.Join(dir, lockFileName)

	var lockFile *os.File
	b := retry.NewConstant(lockRetryDelay)
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				return retry.RetryableError(err)
			}
			return err
		}
		lockFile = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("acquire events lock %s: %w", lockPath, err)
	}
	fmt.Fprintf(lockFile, "%d\n", os.Getpid())

	return &Writer{
		dir:       dir,
		cfg:       cfg,
		lockPath:  lockPath,
		lockFile:  lockFile,
		save:      save,
		lockRetry: lockRetryDelay,
	}, nil
}

// CreateEvent attaches event_id, session_id, seq and ts to a draft without
// persisting it (spec §4.B createEvent).
func CreateEvent(draft model.EventDraft, sessionID string, lastSeq int64, now time.Time) model.AcpxEvent {
	return model.AcpxEvent{
		Schema:         model.EventSchema,
		EventID:        uuid.NewString(),
		SessionID:      sessionID,
		ACPSessionID:   draft.ACPSessionID,
		AgentSessionID: draft.AgentSessionID,
		RequestID:      draft.RequestID,
		Seq:            lastSeq + 1,
		TS:             now,
		Type:           draft.Type,
		Data:           draft.Data,
	}
}

// AppendEvents validates and writes events in order, rotating segments as
// needed, then updates rec's cursor fields and optionally checkpoints
// (spec §4.B appendEvents).
func (w *Writer) AppendEvents(rec *model.SessionRecord, events []model.AcpxEvent, checkpoint bool) error {
	if len(events) == 0 {
		return nil
	}

	lines := make([][]byte, 0, len(events))
	expectedSeq := rec.LastSeq + 1
	for _, ev := range events {
		if err := validateEnvelope(ev, expectedSeq); err != nil {
			return err
		}
		if err := model.ValidateKeyPolicy("", ev); err != nil {
			return acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginRuntime, err, "event failed persisted-key policy")
		}
		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event seq=%d: %w", ev.Seq, err)
		}
		lines = append(lines, line)
		expectedSeq++
	}

	for i, line := range lines {
		rotated, err := w.appendLine(line)
		if err != nil {
			return err
		}
		if rotated {
			rec.EventLog.SegmentCount = w.segmentCountAfterRotate(rec.EventLog.SegmentCount)
		}

		ev := events[i]
		now := time.Now()
		rec.LastSeq = ev.Seq
		if ev.RequestID != "" {
			rec.LastRequestID = ev.RequestID
		}
		rec.LastUsedAt = now
		rec.EventLog.ActivePath = w.activePath()
		rec.EventLog.LastWriteAt = &now
		rec.EventLog.LastWriteError = ""
	}

	if checkpoint && w.save != nil {
		if err := w.save(*rec); err != nil {
			return fmt.Errorf("checkpoint record after append: %w", err)
		}
	}
	return nil
}

func validateEnvelope(ev model.AcpxEvent, expectedSeq int64) error {
	if ev.Schema != model.EventSchema {
		return acpxerr.New(acpxerr.CodeRuntime, acpxerr.OriginRuntime, fmt.Sprintf("unexpected event schema %q", ev.Schema))
	}
	if !model.KnownEventTypes[ev.Type] {
		return acpxerr.New(acpxerr.CodeRuntime, acpxerr.OriginRuntime, fmt.Sprintf("unknown event type %q", ev.Type))
	}
	if ev.Seq != expectedSeq {
		return acpxerr.New(acpxerr.CodeRuntime, acpxerr.OriginRuntime, fmt.Sprintf("event seq %d is not the expected %d", ev.Seq, expectedSeq))
	}
	if ev.EventID == "" || ev.SessionID == "" {
		return acpxerr.New(acpxerr.CodeRuntime, acpxerr.OriginRuntime, "event missing event_id or session_id")
	}
	return nil
}

func (w *Writer) activePath() string {
	return filepath.Join(w.dir, eventsSubdir, activeFile)
}

func (w *Writer) segmentPath(n int) string {
	return filepath.Join(w.dir, eventsSubdir, fmt.Sprintf("%d.ndjson", n))
}

// appendLine rotates segments first if needed, then appends one NDJSON
// line to the active segment. The returned bool reports whether a
// rotation happened, so the caller can bump the record's segment count.
func (w *Writer) appendLine(line []byte) (bool, error) {
	path := w.activePath()
	rotated := false
	info, err := os.Stat(path)
	if err == nil && info.Size() > 0 && info.Size()+int64(len(line))+1 > w.cfg.MaxSegmentBytes {
		if err := w.rotate(); err != nil {
			return false, fmt.Errorf("rotate event log segments: %w", err)
		}
		rotated = true
	} else if err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("stat active segment: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return false, fmt.Errorf("open active segment: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return false, fmt.Errorf("write event line: %w", err)
	}
	if err := f.Sync(); err != nil {
		return false, err
	}
	return rotated, nil
}

// segmentCountAfterRotate bumps the record's rotated-segment count after a
// rotation, saturating at MaxSegments (spec §4.B: rotation always leaves
// exactly max_segments numbered segments once that many rotations have
// happened).
func (w *Writer) segmentCountAfterRotate(current int) int {
	if w.cfg.MaxSegments <= 0 {
		return 0
	}
	if current < w.cfg.MaxSegments {
		return current + 1
	}
	return w.cfg.MaxSegments
}

// rotate implements the fixed rename chain of spec §4.B: delete segment N,
// shift 1..N-1 up by one, then rename the active segment to 1.
func (w *Writer) rotate() error {
	n := w.cfg.MaxSegments
	if n <= 0 {
		return os.Remove(w.activePath())
	}

	if err := os.Remove(w.segmentPath(n)); err != nil && !os.IsNotExist(err) {
		return err
	}
	for i := n - 1; i >= 1; i-- {
		if err := os.Rename(w.segmentPath(i), w.segmentPath(i+1)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.Rename(w.activePath(), w.segmentPath(1))
}

// Close performs a final checkpoint (or skips it) and releases the events
// lock (spec §4.B close).
func (w *Writer) Close(rec model.SessionRecord, checkpoint bool) error {
	var saveErr error
	if checkpoint && w.save != nil {
		saveErr = w.save(rec)
	}
	if err := w.lockFile.Close(); err != nil {
		return errors.Join(saveErr, fmt.Errorf("close lock file: %w", err))
	}
	if err := os.Remove(w.lockPath); err != nil && !os.IsNotExist(err) {
		return errors.Join(saveErr, fmt.Errorf("remove lock file: %w", err))
	}
	return saveErr
}

// ListSessionEvents replays a session's segments oldest-first: the
// rotated segments from max_segments down to 1, then the active segment
// (spec §4.B listSessionEvents). Invalid lines are dropped, not failed,
// to support forward-compatible readers.
func ListSessionEvents(dir string, maxSegments int) ([]model.AcpxEvent, error) {
	var out []model.AcpxEvent
	eventsDir := filepath.Join(dir, eventsSubdir)

	for i := maxSegments; i >= 1; i-- {
		path := filepath.Join(eventsDir, fmt.Sprintf("%d.ndjson", i))
		events, err := readSegment(path)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
	}

	events, err := readSegment(filepath.Join(eventsDir, activeFile))
	if err != nil {
		return nil, err
	}
	out = append(out, events...)
	return out, nil
}

func readSegment(path string) ([]model.AcpxEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}
	defer f.Close()

	var out []model.AcpxEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev model.AcpxEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		if ev.Schema != model.EventSchema || !model.KnownEventTypes[ev.Type] {
			continue
		}
		out = append(out, ev)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("scan segment %s: %w", path, err)
	}
	return out, nil
}
