// Package classify implements the ordered classifier registry (spec.md
// §4.1). The actual file-format predicates (SQLite table presence,
// spreadsheet extension sniffing, …) are out of scope per spec.md §1; this
// package owns only the registry and two illustrative extension-based
// stand-ins so the rest of the system has something concrete to classify
// against.
package classify

import (
	"path/filepath"
	"strings"
)

// Result is a probe's verdict on one path.
type Result int

const (
	// Indeterminate means the probe does not apply to this path (wrong
	// extension, missing marker) — not an error, just "not mine".
	Indeterminate Result = iota
	Yes
	No
)

// Probe inspects a file and decides whether it belongs to a service kind.
// Probes must be side-effect-free; they may open the file read-only.
type Probe func(path string) (Result, error)

// Classifier pairs a probe with the service kind it recognizes.
type Classifier struct {
	Kind  string
	Probe Probe
}

// Classification is what the registry returns for a matched artifact.
type Classification struct {
	Kind string
}

// Registry holds an ordered list of classifiers. The first Yes wins; this
// is the explicit tie-break spec.md §4.1 calls for when probes overlap.
type Registry struct {
	classifiers []Classifier
}

// NewRegistry builds an empty registry. Register classifiers in priority
// order with Register.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends a classifier to the end of the priority order.
func (r *Registry) Register(c Classifier) {
	r.classifiers = append(r.classifiers, c)
}

// Classify runs every registered probe in order against path and returns
// the first Yes. A probe error is returned immediately as a
// ClassificationError-shaped error (wrapped with the offending kind); the
// caller (discovery) decides whether that halts the pass or just the one
// artifact — per spec.md §4.1, classifier failures must not halt the scan.
func (r *Registry) Classify(path string) (*Classification, error) {
	for _, c := range r.classifiers {
		res, err := c.Probe(path)
		if err != nil {
			return nil, &ProbeError{Kind: c.Kind, Path: path, Err: err}
		}
		if res == Yes {
			return &Classification{Kind: c.Kind}, nil
		}
	}
	return nil, nil
}

// ProbeError wraps a single classifier's failure. Discovery records these
// into its terminal summary without aborting the walk.
type ProbeError struct {
	Kind string
	Path string
	Err  error
}

func (e *ProbeError) Error() string {
	return "classify: " + e.Kind + " probe failed on " + e.Path + ": " + e.Err.Error()
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ExtensionProbe returns a Probe that matches purely on file extension
// (case-insensitive). This stands in for the out-of-scope format-sniffing
// predicates spec.md §1 defers to pluggable classifiers.
func ExtensionProbe(extensions ...string) Probe {
	set := make(map[string]struct{}, len(extensions))
	for _, e := range extensions {
		set[strings.ToLower(e)] = struct{}{}
	}
	return func(path string) (Result, error) {
		ext := strings.ToLower(filepath.Ext(path))
		if _, ok := set[ext]; ok {
			return Yes, nil
		}
		return Indeterminate, nil
	}
}

// DefaultRegistry returns a registry with two illustrative kind probes
// registered in priority order: "sqlite-embedded" files (.db, .sqlite,
// .sqlite3) before "spreadsheet" files (.xlsx, .csv). Real deployments
// register their own classifiers ahead of or instead of these; this is the
// pluggable-classifier seam spec.md §1 calls out as an external collaborator.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(Classifier{Kind: "sqlite-embedded", Probe: ExtensionProbe(".db", ".sqlite", ".sqlite3")})
	r.Register(Classifier{Kind: "spreadsheet", Probe: ExtensionProbe(".xlsx", ".csv")})
	return r
}
