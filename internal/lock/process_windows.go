//go:build windows
// +build windows

package lock

import "os"

// isProcessRunning checks if a process with the given PID is still running.
// Windows FindProcess fails for PIDs that do not exist.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	_, err := os.FindProcess(pid)
	return err == nil
}
