//go:build !windows

package osext

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// IsRoot reports whether the effective user is the superuser.
func IsRoot() bool {
	return unix.Geteuid() == 0
}

// Signal sends a raw SIGKILL to pid and its process group.
func Signal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("signal pid %d: %w", pid, ErrNoProcess)
	}
	// the browser leads its own group; best effort for helpers.
	_ = unix.Kill(-pid, unix.SIGKILL)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("signal pid %d: %w", pid, ErrNoProcess)
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}
