//go:build windows

package supervisor

import "os"

// pidIsRunning relies on FindProcess opening a real handle on Windows,
// which fails once the process is gone (unlike POSIX FindProcess, which
// always succeeds).
func pidIsRunning(pid int) bool {
	_, err := os.FindProcess(pid)
	return err == nil
}
