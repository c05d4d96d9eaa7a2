//go:build windows

package osext

import (
	"fmt"
	"os"
	"os/exec"
)

// IsRoot is always false on Windows, where the sandbox works for admins.
func IsRoot() bool {
	return false
}

// Signal terminates pid.
func Signal(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("signal pid %d: %w", pid, ErrNoProcess)
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, ErrNoProcess)
	}
	if err := p.Kill(); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}
	return nil
}

func setProcAttr(*exec.Cmd) {}
