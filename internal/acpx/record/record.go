// Package record implements the durable session record store of spec
// §4.A: write-then-atomic-rename persistence, id/suffix resolution, and
// the directory-walk session finder bounded at the nearest git root.
package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sebastianm/acpx/internal/acpx/acpxerr"
	"github.com/sebastianm/acpx/internal/acpx/model"
)

// Store is the session record store rooted at a sessions directory (spec
// §6: "sessions/<encodeURIComponent(acpxRecordId)>.json").
type Store struct {
	dir string
}

// NewStore opens a record store rooted at dir, creating it if absent.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(recordID string) string {
	return filepath.Join(s.dir, encodeRecordID(recordID)+".json")
}

// Write persists rec to "<file>.<pid>.<ns>.tmp" then atomically renames
// over the final path, so readers never observe a partial file (spec
// §4.A write).
func (s *Store) Write(rec model.SessionRecord) error {
	if err := model.ValidateKeyPolicy("", rec); err != nil {
		return acpxerr.Wrap(acpxerr.CodeRuntime, acpxerr.OriginRuntime, err, "record failed persisted-key policy")
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", rec.RecordID, err)
	}

	finalPath := s.pathFor(rec.RecordID)
	tmpPath := fmt.Sprintf("%s.%d.%d.tmp", finalPath, os.Getpid(), time.Now().UnixNano())

	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write temp record file: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp record file into place: %w", err)
	}
	return nil
}

// Resolve looks up a record by its full id, falling back to unique-suffix
// matching (spec §4.A resolve).
func (s *Store) Resolve(idOrSuffix string) (model.SessionRecord, error) {
	if rec, err := s.readByID(idOrSuffix); err == nil {
		return rec, nil
	}

	all, err := s.listRaw()
	if err != nil {
		return model.SessionRecord{}, err
	}

	var matches []model.SessionRecord
	for _, rec := range all {
		if rec.RecordID == idOrSuffix || strings.HasSuffix(rec.RecordID, idOrSuffix) {
			matches = append(matches, rec)
		}
	}
	switch len(matches) {
	case 0:
		return model.SessionRecord{}, acpxerr.NotFound(acpxerr.OriginRuntime, fmt.Sprintf("no session record matches %q", idOrSuffix))
	case 1:
		return matches[0], nil
	default:
		return model.SessionRecord{}, acpxerr.New(acpxerr.CodeUsage, acpxerr.OriginRuntime, fmt.Sprintf("%q matches %d session records; be more specific", idOrSuffix, len(matches)))
	}
}

func (s *Store) readByID(recordID string) (model.SessionRecord, error) {
	data, err := os.ReadFile(s.pathFor(recordID))
	if err != nil {
		return model.SessionRecord{}, err
	}
	return parseTolerant(data)
}

// List returns every parsable record, sorted by last_used_at descending
// (spec §4.A list).
func (s *Store) List() ([]model.SessionRecord, error) {
	return s.listRaw()
}

// ListForAgent filters List() to records whose agent_command matches cmd.
func (s *Store) ListForAgent(cmd string) ([]model.SessionRecord, error) {
	all, err := s.listRaw()
	if err != nil {
		return nil, err
	}
	out := make([]model.SessionRecord, 0, len(all))
	for _, rec := range all {
		if rec.AgentCommand == cmd {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) listRaw() ([]model.SessionRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read sessions dir %s: %w", s.dir, err)
	}

	var out []model.SessionRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		rec, err := parseTolerant(data)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsedAt.After(out[j].LastUsedAt) })
	return out, nil
}

// DirectoryWalkQuery selects a record that matches a working directory
// walk toward a boundary (spec §4.A findByDirectoryWalk).
type DirectoryWalkQuery struct {
	AgentCommand string
	Cwd          string
	// Name is nil for the "default-for-cwd" session; it matches only
	// records whose own Name is also nil (spec §4.A: "undefined matches
	// only undefined").
	Name     *string
	Boundary string
}

// FindByDirectoryWalk walks from q.Cwd toward q.Boundary (or the nearest
// ancestor containing .git, or q.Cwd itself if neither is found), picking
// the first open record at each level whose agent_command/cwd/name match.
func (s *Store) FindByDirectoryWalk(q DirectoryWalkQuery) (model.SessionRecord, bool, error) {
	all, err := s.listRaw()
	if err != nil {
		return model.SessionRecord{}, false, err
	}

	boundary := q.Boundary
	if boundary == "" {
		boundary = nearestGitRoot(q.Cwd)
	}

	for level := q.Cwd; ; level = filepath.Dir(level) {
		for _, rec := range all {
			if rec.Closed {
				continue
			}
			if rec.AgentCommand != q.AgentCommand || rec.Cwd != level {
				continue
			}
			if !namesMatch(q.Name, rec.Name) {
				continue
			}
			return rec, true, nil
		}
		if level == boundary || level == filepath.Dir(level) {
			break
		}
	}
	return model.SessionRecord{}, false, nil
}

func namesMatch(want, have *string) bool {
	if want == nil {
		return have == nil
	}
	return have != nil && *have == *want
}

// nearestGitRoot walks upward from dir looking for a ".git" entry,
// returning dir itself if none is found before the filesystem root.
func nearestGitRoot(dir string) string {
	for level := dir; ; level = filepath.Dir(level) {
		if info, err := os.Stat(filepath.Join(level, ".git")); err == nil && info != nil {
			return level
		}
		if parent := filepath.Dir(level); parent == level {
			return dir
		}
	}
}

// parseTolerant requires the id/agent_command/cwd fields and drops
// everything else it can't parse, per spec §4.A's "strict on required
// fields, tolerant of unknown fields" parser.
func parseTolerant(data []byte) (model.SessionRecord, error) {
	var rec model.SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.SessionRecord{}, fmt.Errorf("parse record: %w", err)
	}
	if rec.RecordID == "" || rec.AgentCommand == "" || rec.Cwd == "" {
		return model.SessionRecord{}, fmt.Errorf("record missing required field(s)")
	}
	return rec, nil
}

// encodeRecordID mirrors spec §6's "encodeURIComponent(acpxRecordId)"; ids
// are generated UUIDs in practice, so this is a defensive no-op for
// anything that isn't already a safe path segment.
func encodeRecordID(id string) string {
	return filepath.Clean("/" + id)[1:]
}
