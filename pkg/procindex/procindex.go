// Package procindex implements C7 (spec.md §4.6): enumerating live OS
// processes that carry dbyard's identity tags in their environment. This
// is the source of truth for "what is actually running under my control";
// PID liveness alone is not sufficient. Grounded on
// pkg/commands/os.go's platform-detection style (getPlatform(), and its
// unix/windows-specific socket_detection_*.go split) — generalized here
// into a Strategy interface with a procfs implementation and an external
// `ps`-based fallback, auto-selected by a container-marker heuristic.
package procindex

import (
	"context"
	"os"
	"strings"

	"github.com/sijucj/dbyard/pkg/ledger"
)

// Tagged is one live OS process carrying the required tag set.
type Tagged struct {
	PID         int
	Tags        map[string]string
	CommandLine string
	// Record is the best-effort parse of CONTEXT_PATH, if readable.
	Record *ledger.Record
	// Issue is set when the ledger record's recorded pid does not match
	// this process's own pid (spec.md §4.6 step 4).
	Issue string
}

// Strategy enumerates raw (pid, environ-like tag map, cmdline) triples.
// The two concrete strategies are procfs and external-listing.
type Strategy interface {
	Enumerate(ctx context.Context) ([]rawProcess, error)
}

type rawProcess struct {
	PID  int
	Env  map[string]string
	Cmd  string
}

// Index enumerates tagged processes using an auto-selected or overridden
// Strategy.
type Index struct {
	strategy Strategy
	static   []Tagged
	isStatic bool
}

// New auto-selects a Strategy: procfs unless a container-marker heuristic
// (spec.md §4.6) says otherwise.
func New() *Index {
	return &Index{strategy: autoSelectStrategy()}
}

// NewWithStrategy overrides auto-selection, per spec.md §4.6's "caller may
// override".
func NewWithStrategy(s Strategy) *Index {
	return &Index{strategy: s}
}

// NewStatic builds an Index that always returns a fixed Tagged snapshot
// instead of enumerating the OS process table. Since Strategy's
// Enumerate signature is internal to this package, this is the seam
// other packages (the gateway, supervisor tests) use to inject a known
// snapshot without shelling out or reading /proc.
func NewStatic(tagged []Tagged) *Index {
	return &Index{static: tagged, isStatic: true}
}

func autoSelectStrategy() Strategy {
	if usesContainerMarkers() {
		return externalListingStrategy{}
	}
	if _, err := os.Stat("/proc"); err == nil {
		return procfsStrategy{}
	}
	return externalListingStrategy{}
}

// usesContainerMarkers probes for well-known container indicators:
// a dockerenv marker file or a cgroup naming a container runtime.
func usesContainerMarkers() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	b, err := os.ReadFile("/proc/1/cgroup")
	if err != nil {
		return false
	}
	s := string(b)
	return strings.Contains(s, "docker") || strings.Contains(s, "kubepods") || strings.Contains(s, "containerd")
}

// List enumerates every live process carrying the full required tag set
// (spec.md §4.6). Candidates missing any of PROVENANCE/CONTEXT_PATH/
// SESSION_ID/SERVICE_ID are dropped silently, per spec.md §6.2.
func (idx *Index) List(ctx context.Context) ([]Tagged, error) {
	if idx.isStatic {
		return idx.static, nil
	}

	raws, err := idx.strategy.Enumerate(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Tagged, 0, len(raws))
	for _, raw := range raws {
		if !hasRequiredTags(raw.Env) {
			continue
		}

		t := Tagged{PID: raw.PID, Tags: raw.Env, CommandLine: raw.Cmd}

		if ctxPath := raw.Env[ledger.TagContext]; ctxPath != "" {
			if rec, err := ledger.ReadRecord(ctxPath); err == nil {
				recCopy := rec
				t.Record = &recCopy
				if rec.Spawned.PID != raw.PID {
					t.Issue = "record pid mismatch"
				}
			}
		}

		out = append(out, t)
	}
	return out, nil
}

func hasRequiredTags(env map[string]string) bool {
	for _, k := range ledger.RequiredTags {
		if env[k] == "" {
			return false
		}
	}
	return true
}

// ByIdentity looks up a tagged process by (sessionID, serviceID).
func ByIdentity(all []Tagged, sessionID, serviceID string) (Tagged, bool) {
	for _, t := range all {
		if t.Tags[ledger.TagSession] == sessionID && t.Tags[ledger.TagService] == serviceID {
			return t, true
		}
	}
	return Tagged{}, false
}
