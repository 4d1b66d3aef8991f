//go:build !windows

package lockfile

import (
	"errors"

	"golang.org/x/sys/unix"
)

func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	// EPERM: the process exists but belongs to someone else.
	return err == nil || errors.Is(err, unix.EPERM)
}
