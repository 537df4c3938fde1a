//go:build !windows
// +build !windows

package lock

import (
	"os"
	"syscall"
)

// isProcessRunning checks if a process with the given PID is still running.
// Signal 0 probes for existence without delivering anything; EPERM means the
// process exists but belongs to another user.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}
