package ipc

import (
	"fmt"
	"net"
	"os"
)

// Listen binds a Unix domain socket at path, removing any stale socket
// file left behind by a crashed owner first (grounded on
// 56d09762_ElleNajt-acp-multiplex__main.go.go's listenUnix: "os.Remove(path)"
// before Listen, then owner-only permissions).
func Listen(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod socket %s: %w", path, err)
	}
	return ln, nil
}
