// Package osext provides the OS specific process helpers used to launch and
// stop a browser.
package osext

import (
	"errors"
	"os/exec"
)

// ErrNoProcess is returned when signalling a pid that is not a live process.
var ErrNoProcess = errors.New("no such process")

// KillWithParent makes the child process die together with the current one,
// where the platform supports it, and puts it in its own process group so
// the renderer and helper processes can be signalled along with it.
func KillWithParent(cmd *exec.Cmd) {
	setProcAttr(cmd)
}
