//go:build !windows

package cli

import (
	"os"
	"syscall"
)

// pidAlive signals 0 to pid: delivery-checking without perturbing the
// process, the same idiom as launcher's own processAlive.
func pidAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
