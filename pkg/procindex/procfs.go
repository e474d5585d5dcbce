//go:build linux

package procindex

import (
	"context"
	"os"
	"strconv"
	"strings"
)

// procfsStrategy reads /proc/<pid>/environ directly — the preferred
// strategy on non-container Linux hosts (spec.md §4.6).
type procfsStrategy struct{}

func (procfsStrategy) Enumerate(ctx context.Context) ([]rawProcess, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}

	var out []rawProcess
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		environB, err := os.ReadFile("/proc/" + e.Name() + "/environ")
		if err != nil {
			// Process exited between readdir and read, or we lack
			// permission; either way it's not ours to report.
			continue
		}
		env := parseNulEnviron(environB)

		cmdline, _ := os.ReadFile("/proc/" + e.Name() + "/cmdline")
		cmd := strings.ReplaceAll(strings.TrimRight(string(cmdline), "\x00"), "\x00", " ")

		out = append(out, rawProcess{PID: pid, Env: env, Cmd: cmd})
	}
	return out, nil
}

func parseNulEnviron(b []byte) map[string]string {
	out := map[string]string{}
	for _, kv := range strings.Split(string(b), "\x00") {
		if kv == "" {
			continue
		}
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		out[kv[:idx]] = kv[idx+1:]
	}
	return out
}
