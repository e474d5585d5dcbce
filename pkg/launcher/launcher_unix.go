//go:build !windows

package launcher

import (
	"bytes"
	"os"
	"os/exec"
	"syscall"

	"github.com/jesseduffield/kill"
	"github.com/sijucj/dbyard/pkg/ledger"
)

// detachScript redirects the real child's stdio to the requested log
// files (or /dev/null), backgrounds it, and prints its PID to a saved
// copy of the launcher's original stdout (fd 3) — the `echo $! >&3` trick
// — so the PID line survives the `exec 1>>...` redirect that retargets
// fd 1 to the log file. A command that cannot be found makes the shell
// exit 127 before anything is backgrounded. The target is started through
// setsid, so it leads its own session and process group (its pgid equals
// the printed PID, which is what KillGroup signals); the shell itself runs
// in a separate group set up by kill.PrepareForChildren below and exits,
// orphaning the target to init.
const detachScript = `exec 3>&1
exec 0</dev/null
exec 1>>"$1" 2>>"$2"
shift 2
command -v "$1" >/dev/null 2>&1 || exit 127
setsid "$@" &
echo $! >&3
exec 3>&-
`

func (l *Launcher) spawnDetached(plan ledger.Plan) (int, error) {
	stdout := plan.StdoutLogPath
	if stdout == "" {
		stdout = os.DevNull
	}
	stderr := plan.StderrLogPath
	if stderr == "" {
		stderr = os.DevNull
	}

	argv := append([]string{"-c", detachScript, "dbyard-launch", stdout, stderr, plan.Command}, plan.Args...)
	cmd := exec.Command("/bin/sh", argv...)
	cmd.Dir = plan.Cwd
	cmd.Env = l.buildEnv(plan.Env)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	kill.PrepareForChildren(cmd)

	if err := cmd.Run(); err != nil {
		return 0, &LauncherFailure{Command: plan.Command, Output: out.String(), Err: err}
	}

	pid, ok := parsePID(out.String())
	if !ok {
		return 0, &LauncherFailure{Command: plan.Command, Output: out.String(), Err: errNoPID}
	}
	return pid, nil
}

var errNoPID = &noPIDError{}

type noPIDError struct{}

func (*noPIDError) Error() string { return "no PID parseable from launcher helper output" }

func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// KillGroup signals the process group rooted at pid: TERM when force is
// false, KILL when true. Used by the supervisor's stop() (spec.md §4.8):
// TERM first, polling liveness, then escalating to KILL.
func KillGroup(pid int, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	return syscall.Kill(-pid, sig)
}
