//go:build !windows

package lockfile

import (
	"errors"
	"os"
	"syscall"
)

// isProcessRunning checks pid by sending signal 0
func isProcessRunning(pid int) (bool, string) {
	if pid <= 0 {
		return false, "invalid pid"
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return false, "process not found"
	}

	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true, ""
	case errors.Is(err, syscall.EPERM):
		// alive, owned by someone else
		return true, ""
	case errors.Is(err, os.ErrProcessDone):
		return false, "process has finished"
	default:
		return false, "cannot signal process"
	}
}
