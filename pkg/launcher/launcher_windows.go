//go:build windows

package launcher

import (
	"os"
	"os/exec"

	"github.com/sijucj/dbyard/pkg/ledger"
)

// spawnDetached on non-POSIX targets spawns directly with inherited file
// handles redirected; there is no process-group kill semantics here
// (spec.md §4.4).
func (l *Launcher) spawnDetached(plan ledger.Plan) (int, error) {
	cmd := exec.Command(plan.Command, plan.Args...)
	cmd.Dir = plan.Cwd
	cmd.Env = l.buildEnv(plan.Env)

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, &LauncherFailure{Command: plan.Command, Err: err}
	}
	cmd.Stdin = devnull

	if plan.StdoutLogPath != "" {
		f, err := os.OpenFile(plan.StdoutLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, &LauncherFailure{Command: plan.Command, Err: err}
		}
		cmd.Stdout = f
	} else {
		cmd.Stdout = devnull
	}

	if plan.StderrLogPath != "" {
		f, err := os.OpenFile(plan.StderrLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return 0, &LauncherFailure{Command: plan.Command, Err: err}
		}
		cmd.Stderr = f
	} else {
		cmd.Stderr = devnull
	}

	if err := cmd.Start(); err != nil {
		return 0, &LauncherFailure{Command: plan.Command, Err: err}
	}
	return cmd.Process.Pid, nil
}

func processAlive(pid int) bool {
	// Unlike POSIX, os.FindProcess on Windows opens a real handle and
	// fails if the process does not exist, so success alone is the
	// liveness check here.
	_, err := os.FindProcess(pid)
	return err == nil
}

// KillGroup terminates pid directly; Windows has no process-group TERM
// semantics equivalent to POSIX, so both the graceful and forced cases
// fall back to a direct kill (spec.md §4.4/§4.8).
func KillGroup(pid int, _ bool) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}
