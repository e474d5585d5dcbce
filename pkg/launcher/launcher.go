// Package launcher implements C5 (spec.md §4.4): spawning a plan detached
// from the supervisor's own lifetime and returning the spawned service's
// own PID. Grounded on pkg/commands/os.go's Kill/PrepareForChildren
// pairing (process-group isolation so a signal to the supervisor does not
// cascade into its children) and RunExecutableWithOutput (capturing a
// command's output to parse a result out of it). Library:
// github.com/jesseduffield/kill.
package launcher

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sijucj/dbyard/pkg/ledger"
)

// FastExitGrace is how long the launcher waits before checking whether a
// freshly spawned child already died (spec.md §4.4: "≈750 ms").
const FastExitGrace = 750 * time.Millisecond

// LauncherFailure is returned when the detach helper exits non-zero or no
// PID could be parsed from its output (spec.md §7).
type LauncherFailure struct {
	Command string
	Output  string
	Err     error
}

func (e *LauncherFailure) Error() string {
	return fmt.Sprintf("launcher: failed to spawn %q: %v (output: %q)", e.Command, e.Err, e.Output)
}
func (e *LauncherFailure) Unwrap() error { return e.Err }

// FastExitFailure is returned when the fast-exit liveness check finds the
// child already dead.
type FastExitFailure struct {
	PID int
}

func (e *FastExitFailure) Error() string {
	return fmt.Sprintf("launcher: pid %d exited within the fast-exit grace window", e.PID)
}

// Launcher spawns plans using the platform-appropriate detach strategy.
type Launcher struct {
	// EnvInheritance is "all" (default) or "allowlist"; when "allowlist",
	// only keys accepted by AllowListRegexp from the supervisor's own
	// environment are inherited (spec.md §4.4).
	EnvInheritance  string
	AllowListRegexp func(key string) bool
}

// New builds a Launcher that inherits the full parent environment.
func New() *Launcher {
	return &Launcher{EnvInheritance: "all"}
}

// Launch spawns plan detached and returns its own PID. It performs the
// fast-exit liveness check before returning (spec.md §4.4); on early
// death it returns a *FastExitFailure wrapping the PID it observed.
func (l *Launcher) Launch(plan ledger.Plan) (int, error) {
	pid, err := l.spawnDetached(plan)
	if err != nil {
		return 0, err
	}

	time.Sleep(FastExitGrace)
	if !processAlive(pid) {
		return pid, &FastExitFailure{PID: pid}
	}
	return pid, nil
}

func (l *Launcher) buildEnv(planEnv map[string]string) []string {
	base := map[string]string{}
	switch l.EnvInheritance {
	case "allowlist":
		if l.AllowListRegexp != nil {
			for _, kv := range os.Environ() {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) == 2 && l.AllowListRegexp(parts[0]) {
					base[parts[0]] = parts[1]
				}
			}
		}
	default:
		for _, kv := range os.Environ() {
			parts := strings.SplitN(kv, "=", 2)
			if len(parts) == 2 {
				base[parts[0]] = parts[1]
			}
		}
	}
	// Plan-supplied env keys always win on conflict (spec.md §4.4).
	for k, v := range planEnv {
		base[k] = v
	}

	out := make([]string, 0, len(base))
	for k, v := range base {
		out = append(out, k+"="+v)
	}
	return out
}

func parsePID(output string) (int, bool) {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return 0, false
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	n, err := strconv.Atoi(last)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

