// Package discovery implements the walk-classify-dedup pass over a set of
// filesystem roots (spec.md §4.2, C3). It is grounded on the teacher's
// general "list, fail soft, keep going" shape used across
// pkg/commands/docker.go's container-listing passes, generalized from
// containers to arbitrary classified files. Not restartable: a Discoverer
// is single-use per Walk call, matching spec.md's "restartable: no".
package discovery

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sijucj/dbyard/pkg/classify"
	"github.com/sijucj/dbyard/pkg/pathutil"
)

// Root is one filesystem root to discover artifacts under, with its own
// glob filter.
type Root struct {
	Path  string
	Globs []string
}

// DefaultGlobs is used for a Root that specifies none.
var DefaultGlobs = []string{"**/*"}

// Entry is one classified (or unclassified) artifact discovered under a
// root.
type Entry struct {
	Path           string // canonical absolute path
	Root           string // the root this was discovered under
	RelSlash       string // path relative to Root, forward-slashed
	Classification *classify.Classification
}

// Content lazily reads and memoizes an entry's bytes for the duration of
// the discovery pass (spec.md §4.2: "content ... exposed lazily ...
// memoized per-path for the pass").
func (e *Entry) Content(d *Discoverer) ([]byte, error) {
	return d.content(e.Path)
}

// Error records a walk or classification failure that did not halt the
// pass.
type Error struct {
	Path string
	Err  error
}

func (e Error) Error() string { return e.Path + ": " + e.Err.Error() }

// Summary is the terminal result of a discovery pass.
type Summary struct {
	Unclassified int
	Errored      int
	Errors       []Error
}

// Discoverer runs one discovery pass. Create a fresh one per pass.
type Discoverer struct {
	registry *classify.Registry

	mu          sync.Mutex
	contentByPath map[string][]byte
	seenCanon   map[string]struct{}
}

// New builds a Discoverer against the given classifier registry.
func New(registry *classify.Registry) *Discoverer {
	return &Discoverer{
		registry:      registry,
		contentByPath: map[string][]byte{},
		seenCanon:     map[string]struct{}{},
	}
}

func (d *Discoverer) content(path string) ([]byte, error) {
	d.mu.Lock()
	if b, ok := d.contentByPath[path]; ok {
		d.mu.Unlock()
		return b, nil
	}
	d.mu.Unlock()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.contentByPath[path] = b
	d.mu.Unlock()
	return b, nil
}

// OnEntry is called once per classified or unclassified regular file
// discovered. onEntry receives nil Classification for unclassified files.
type OnEntry func(Entry)

// Walk runs the discovery algorithm of spec.md §4.2 across roots, calling
// onEntry for every regular file (classified or not) and returning the
// terminal summary. Errors during the walk or classification are recorded
// into the summary; the walk always continues.
func (d *Discoverer) Walk(roots []Root, onEntry OnEntry) Summary {
	var summary Summary

	// Sort roots for deterministic iteration order across platforms,
	// matching the "filesystem order" requirement as closely as a
	// cross-platform implementation reasonably can.
	sorted := make([]Root, len(roots))
	copy(sorted, roots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for _, root := range sorted {
		globs := root.Globs
		if len(globs) == 0 {
			globs = DefaultGlobs
		}
		matcher := pathutil.NewGlobMatcher(globs)

		rootAbs, err := filepath.Abs(root.Path)
		if err != nil {
			summary.Errored++
			summary.Errors = append(summary.Errors, Error{Path: root.Path, Err: err})
			continue
		}

		walkErr := filepath.WalkDir(rootAbs, func(p string, de fs.DirEntry, err error) error {
			if err != nil {
				summary.Errored++
				summary.Errors = append(summary.Errors, Error{Path: p, Err: err})
				return nil
			}
			if de.IsDir() {
				return nil
			}
			if !de.Type().IsRegular() {
				// Symlinks to regular files are followed once via
				// Canonicalize below; other special files are skipped.
				if de.Type()&fs.ModeSymlink == 0 {
					return nil
				}
			}

			canon, err := pathutil.Canonicalize(p)
			if err != nil {
				summary.Errored++
				summary.Errors = append(summary.Errors, Error{Path: p, Err: err})
				return nil
			}

			d.mu.Lock()
			_, dup := d.seenCanon[canon]
			if !dup {
				d.seenCanon[canon] = struct{}{}
			}
			d.mu.Unlock()
			if dup {
				return nil
			}

			rel, err := filepath.Rel(rootAbs, p)
			if err != nil {
				summary.Errored++
				summary.Errors = append(summary.Errors, Error{Path: p, Err: err})
				return nil
			}
			relSlash := filepath.ToSlash(rel)

			if !matcher.Match(relSlash) {
				return nil
			}

			classification, err := d.registry.Classify(canon)
			if err != nil {
				summary.Errored++
				summary.Errors = append(summary.Errors, Error{Path: canon, Err: err})
				onEntry(Entry{Path: canon, Root: rootAbs, RelSlash: relSlash})
				return nil
			}
			if classification == nil {
				summary.Unclassified++
			}
			onEntry(Entry{Path: canon, Root: rootAbs, RelSlash: relSlash, Classification: classification})
			return nil
		})
		if walkErr != nil {
			summary.Errored++
			summary.Errors = append(summary.Errors, Error{Path: rootAbs, Err: walkErr})
		}
	}

	return summary
}
