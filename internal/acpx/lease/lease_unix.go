//go:build !windows

package lease

import "golang.org/x/sys/unix"

// unixSignalAlive is the fallback liveness check used when go-ps's process
// table scan itself errors (e.g. a pid visible only via /proc on a
// container with a restricted procfs view).
func unixSignalAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}
