// Package lease implements the queue-owner lease file and the
// stale-owner process termination helper of spec §4.C.
package lease

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	ps "github.com/mitchellh/go-ps"

	"github.com/sebastianm/acpx/internal/acpx/model"
)

// HashLen is the number of hex characters of sha256(sessionId) used to
// derive lock/socket paths (spec §4.C: "sha256(sessionId)[0:24]").
const HashLen = 24

// PathsFor derives the lock and socket paths for a session id (spec §4.C,
// §6). PathsFor always returns the Unix-style pair, on Windows too: no
// named-pipe path is derived, and the ipc package binds a Unix domain
// socket at socketPath on every platform.
func PathsFor(queueBaseDir, sessionID string) (lockPath, socketPath string) {
	h := sha256.Sum256([]byte(sessionID))
	id := hex.EncodeToString(h[:])[:HashLen]
	return filepath.Join(queueBaseDir, id+".lock"), filepath.Join(queueBaseDir, id+".sock")
}

// StaleAfter is how old a lease's heartbeat may get before its holder is
// considered abandoned (spec §4.C tryAcquire default; callers normally
// pass config.QueueConfig.LeaseStale instead).
const StaleAfter = 15 * time.Second

// Lease is a held lease: the in-memory lease record plus the paths and
// open lock file descriptor backing it.
type Lease struct {
	Record     model.QueueOwnerLease
	LockPath   string
	SocketPath string
	file       *os.File
}

// TryAcquire exclusive-creates the lock file. On EEXIST it reads the
// existing lease; if the holder looks dead or stale, it is terminated and
// the lock+socket are removed, then TryAcquire returns (nil, false, nil)
// so the caller retries (spec §4.C: "caller retries, not recurses").
func TryAcquire(queueBaseDir, sessionID string, staleAfter time.Duration) (*Lease, bool, error) {
	if err := os.MkdirAll(queueBaseDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("create queue base dir %s: %w", queueBaseDir, err)
	}
	lockPath, socketPath := PathsFor(queueBaseDir, sessionID)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !errors.Is(err, os.ErrExist) {
			return nil, false, fmt.Errorf("create lease lock %s: %w", lockPath, err)
		}
		stale, readErr := isStale(lockPath, staleAfter)
		if readErr != nil {
			return nil, false, readErr
		}
		if stale {
			if err := cleanupStale(lockPath, socketPath); err != nil {
				return nil, false, err
			}
		}
		return nil, false, nil
	}

	rec := model.QueueOwnerLease{
		PID:             os.Getpid(),
		SessionID:       sessionID,
		SocketPath:      socketPath,
		CreatedAt:       time.Now(),
		HeartbeatAt:     time.Now(),
		OwnerGeneration: consumeGenerationHint(lockPath),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		f.Close()
		os.Remove(lockPath)
		return nil, false, fmt.Errorf("marshal lease: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(lockPath)
		return nil, false, fmt.Errorf("write lease payload: %w", err)
	}

	return &Lease{Record: rec, LockPath: lockPath, SocketPath: socketPath, file: f}, true, nil
}

func isStale(lockPath string, staleAfter time.Duration) (bool, error) {
	existing, err := readLease(lockPath)
	if err != nil {
		// Unreadable/corrupt lease: treat as stale so the caller can clean
		// up and retry rather than deadlock forever.
		return true, nil
	}
	if !processAlive(existing.PID) {
		return true, nil
	}
	return time.Since(existing.HeartbeatAt) > staleAfter, nil
}

func cleanupStale(lockPath, socketPath string) error {
	existing, err := readLease(lockPath)
	nextGeneration := int64(1)
	if err == nil {
		_ = terminate(existing.PID)
		nextGeneration = existing.OwnerGeneration + 1
	}
	if err := os.WriteFile(genHintPath(lockPath), []byte(strconv.FormatInt(nextGeneration, 10)), 0o644); err != nil {
		return fmt.Errorf("record next owner generation: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale lock: %w", err)
	}
	return nil
}

// genHintPath names the sidecar file cleanupStale leaves behind carrying
// the next owner_generation, so the next TryAcquire call (which may run
// in a different process) picks up where the terminated owner left off
// instead of resetting to 1 (spec §3: owner_generation is a strictly
// increasing int).
func genHintPath(lockPath string) string {
	return lockPath + ".gen"
}

// consumeGenerationHint reads and removes the generation hint left by
// cleanupStale, returning 1 when no hint exists (a fresh session's first
// acquisition).
func consumeGenerationHint(lockPath string) int64 {
	path := genHintPath(lockPath)
	data, err := os.ReadFile(path)
	if err != nil {
		return 1
	}
	os.Remove(path)
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func readLease(lockPath string) (model.QueueOwnerLease, error) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return model.QueueOwnerLease{}, err
	}
	var rec model.QueueOwnerLease
	if err := json.Unmarshal(data, &rec); err != nil {
		return model.QueueOwnerLease{}, err
	}
	return rec, nil
}

// Refresh rewrites the lease JSON with a new heartbeat and queue depth
// (spec §4.C refresh). It rewrites in place rather than via rename since
// the lease's existence, not its content, is the exclusivity mechanism.
func (l *Lease) Refresh(queueDepth int) error {
	l.Record.HeartbeatAt = time.Now()
	l.Record.QueueDepth = queueDepth
	data, err := json.Marshal(l.Record)
	if err != nil {
		return fmt.Errorf("marshal lease refresh: %w", err)
	}
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate lease file: %w", err)
	}
	if _, err := l.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("write lease refresh: %w", err)
	}
	return nil
}

// Release removes the socket file then unlinks the lock (spec §4.C
// release).
func (l *Lease) Release() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close lease file: %w", err)
	}
	if err := os.Remove(l.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove socket %s: %w", l.SocketPath, err)
	}
	if err := os.Remove(l.LockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock %s: %w", l.LockPath, err)
	}
	return nil
}

// HealthProbe is the result of probing a session's queue owner (spec §4.C
// probeHealth).
type HealthProbe struct {
	HasLease        bool
	PIDAlive        bool
	SocketReachable bool
	Healthy         bool
}

// ProbeHealth reports lease presence, pid liveness, and socket
// reachability. Healthy requires only HasLease && SocketReachable: a
// replaced-but-inherited listener is still a valid owner even if the
// recorded pid is gone (spec §4.C probeHealth).
func ProbeHealth(queueBaseDir, sessionID string) HealthProbe {
	lockPath, socketPath := PathsFor(queueBaseDir, sessionID)
	rec, err := readLease(lockPath)
	if err != nil {
		return HealthProbe{}
	}
	p := HealthProbe{HasLease: true, PIDAlive: processAlive(rec.PID)}
	conn, err := net.DialTimeout("unix", socketPath, 200*time.Millisecond)
	if err == nil {
		p.SocketReachable = true
		conn.Close()
	}
	p.Healthy = p.HasLease && p.SocketReachable
	return p
}

// ReadLease reads the lease file for sessionID without acquiring or
// mutating it, so callers (the orchestrator's send, spec §4.G step 1) can
// inspect pid/heartbeat/socketPath before deciding whether to connect,
// wait, or attempt to become the owner. The bool is false (with a nil
// error) when no lease file exists.
func ReadLease(queueBaseDir, sessionID string) (model.QueueOwnerLease, bool, error) {
	lockPath, _ := PathsFor(queueBaseDir, sessionID)
	rec, err := readLease(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return model.QueueOwnerLease{}, false, nil
		}
		return model.QueueOwnerLease{}, false, err
	}
	return rec, true, nil
}

// ProcessAlive reports whether pid names a live process. Exported for
// internal/acpx/ipc's client connect-retry loop (spec §4.C connection
// policy: "retries ... while ... the owner pid appears alive").
func ProcessAlive(pid int) bool { return processAlive(pid) }

// processAlive reports whether pid names a live process, using go-ps's
// process table scan (portable across the platforms procutil supports)
// rather than relying on signal-0 semantics, which behave inconsistently
// across namespaces/containers.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := ps.FindProcess(pid)
	if err != nil {
		return unixSignalAlive(pid)
	}
	return proc != nil
}

// terminate sends SIGTERM, polls for exit up to 1500ms at 50ms, then
// escalates to SIGKILL and polls again (spec §4.C process termination
// helper).
func terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		return proc.Kill()
	}

	_ = proc.Signal(syscall.SIGTERM)
	if waitForExit(pid, 1500*time.Millisecond, 50*time.Millisecond) {
		return nil
	}
	_ = proc.Signal(syscall.SIGKILL)
	waitForExit(pid, 1500*time.Millisecond, 50*time.Millisecond)
	return nil
}

func waitForExit(pid int, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(interval)
	}
	return !processAlive(pid)
}

// Terminate exposes the termination helper for callers outside this
// package (e.g. the orchestrator's closeSession, spec §4.G).
func Terminate(pid int) error { return terminate(pid) }

// CommandMatches reports whether pid's executable name plausibly matches
// agentCommand's first token's basename (spec §4.G closeSession: "its
// cmdline ... plausibly matches agentCommand's first token's basename").
// Grounded on the same go-ps process-table scan processAlive uses rather
// than parsing /proc/<pid>/cmdline directly, so one implementation works
// across every platform go-ps supports instead of needing a Linux-only
// fast path plus a liveness-only fallback elsewhere.
func CommandMatches(pid int, agentCommand string) bool {
	if pid <= 0 {
		return false
	}
	proc, err := ps.FindProcess(pid)
	if err != nil || proc == nil {
		return false
	}
	return strings.EqualFold(proc.Executable(), filepath.Base(firstToken(agentCommand)))
}

func firstToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return command
	}
	return fields[0]
}
