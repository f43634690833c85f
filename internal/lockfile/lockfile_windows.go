//go:build windows

package lockfile

import (
	"syscall"
)

// isProcessRunning checks whether a handle to pid can be opened
func isProcessRunning(pid int) (bool, string) {
	if pid <= 0 {
		return false, "invalid pid"
	}

	handle, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false, "process not found"
	}
	_ = syscall.CloseHandle(handle)
	return true, ""
}
