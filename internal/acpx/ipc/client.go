package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/sebastianm/acpx/internal/acpx/lease"
)

// Connect dials the owner's socket, retrying up to maxAttempts times at
// delay while the error is ENOENT/ECONNREFUSED and ownerPID still appears
// alive (spec §4.C connection policy). Any other dial error propagates
// immediately.
func Connect(ctx context.Context, socketPath string, ownerPID int, maxAttempts int, delay time.Duration) (*Conn, error) {
	var conn net.Conn
	attempt := 0
	b := retry.WithMaxRetries(uint64(maxAttempts), retry.NewConstant(delay))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		c, dialErr := net.Dial("unix", socketPath)
		if dialErr == nil {
			conn = c
			return nil
		}
		if isRetryableDialErr(dialErr) && lease.ProcessAlive(ownerPID) {
			return retry.RetryableError(dialErr)
		}
		return dialErr
	})
	if err != nil {
		return nil, fmt.Errorf("connect to owner socket %s (after %d attempt(s)): %w", socketPath, attempt, err)
	}
	return NewConn(conn), nil
}

func isRetryableDialErr(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOENT) || errors.Is(err, syscall.ECONNREFUSED)
}
