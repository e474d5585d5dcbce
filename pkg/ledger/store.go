package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	currentSessionFile = ".current-session"
	ownerTokenFile     = ".owner-token"
	pidsFile           = "spawned-pids.txt"
)

// SessionLayout describes one run's directory under the ledger home.
type SessionLayout struct {
	Home      string // ledgerHome
	Name      string // YYYY-MM-DD-hh-mm-ss
	Dir       string // Home/Name
	OwnerToken string
}

// Store owns reading and writing ledger state under one ledgerHome. All
// writes are write-temp-then-rename; directory creation is mkdir -p;
// removal tolerates absence (spec.md §4.5).
type Store struct {
	Home    string
	Session SessionLayout
	// ActiveAliasDir is the stable alias directory name (default "active").
	ActiveAliasDir string
}

// Open creates/loads the ledger home, starts (or resumes) a session, and
// returns a Store bound to it. now is injected for testability.
func Open(home string, activeAliasDir string, now time.Time) (*Store, error) {
	if activeAliasDir == "" {
		activeAliasDir = "active"
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create home: %w", err)
	}

	name := now.UTC().Format("2006-01-02-15-04-05")
	dir := filepath.Join(home, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ledger: create session dir: %w", err)
	}

	token, err := ownerToken(dir)
	if err != nil {
		return nil, err
	}

	if err := writeTempThenRename(filepath.Join(home, currentSessionFile), []byte(name)); err != nil {
		return nil, fmt.Errorf("ledger: write current-session pointer: %w", err)
	}

	return &Store{
		Home:           home,
		ActiveAliasDir: activeAliasDir,
		Session: SessionLayout{
			Home:       home,
			Name:       name,
			Dir:        dir,
			OwnerToken: token,
		},
	}, nil
}

func ownerToken(sessionDir string) (string, error) {
	p := filepath.Join(sessionDir, ownerTokenFile)
	b, err := os.ReadFile(p)
	if err == nil {
		return strings.TrimSpace(string(b)), nil
	}
	if !os.IsNotExist(err) {
		return "", fmt.Errorf("ledger: read owner token: %w", err)
	}
	token := uuid.NewString()
	if err := writeTempThenRename(p, []byte(token)); err != nil {
		return "", fmt.Errorf("ledger: write owner token: %w", err)
	}
	return token, nil
}

// ActiveDir is the stable alias directory path.
func (s *Store) ActiveDir() string {
	return filepath.Join(s.Home, s.ActiveAliasDir)
}

// SyncActiveAlias mirrors the current session directory into the active
// alias. Used by long-lived reconcilers (spec.md §4.5).
func (s *Store) SyncActiveAlias() error {
	alias := s.ActiveDir()
	if err := os.RemoveAll(alias); err != nil {
		return fmt.Errorf("ledger: clear active alias: %w", err)
	}
	return copyTree(s.Session.Dir, alias)
}

func copyTree(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		srcPath := filepath.Join(src, e.Name())
		dstPath := filepath.Join(dst, e.Name())
		if e.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		b, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}
		if err := writeTempThenRename(dstPath, b); err != nil {
			return err
		}
	}
	return nil
}

func writeTempThenRename(path string, content []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp-" + strconv.Itoa(os.Getpid())
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// RecordPaths derives the three sibling ledger paths for an artifact at
// relSlash (root-relative, forward-slashed, extension intact).
func (s *Store) RecordPaths(relSlash string) Paths {
	dir := filepath.Join(s.Session.Dir, filepath.FromSlash(filepath.Dir(relSlash)))
	base := filepath.Base(relSlash)
	return Paths{
		Context: filepath.Join(dir, base+".context.json"),
		Stdout:  filepath.Join(dir, base+".stdout.log"),
		Stderr:  filepath.Join(dir, base+".stderr.log"),
	}
}

// WriteRecord persists r to r.Paths.Context, write-temp-then-rename.
func (s *Store) WriteRecord(r Record) error {
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("ledger: marshal record: %w", err)
	}
	return writeTempThenRename(r.Paths.Context, b)
}

// RemoveRecord deletes a record's three sibling files, tolerating absence.
func (s *Store) RemoveRecord(r Record) error {
	for _, p := range []string{r.Paths.Context, r.Paths.Stdout, r.Paths.Stderr} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("ledger: remove %s: %w", p, err)
		}
	}
	return nil
}

// ReadRecord parses one *.context.json file, validating spawned.pid > 0
// per spec.md §4.5.
func ReadRecord(path string) (Record, error) {
	var r Record
	b, err := os.ReadFile(path)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal(b, &r); err != nil {
		return r, fmt.Errorf("ledger: corrupt record %s: %w", path, err)
	}
	if r.Spawned.PID <= 0 {
		return r, fmt.Errorf("ledger: corrupt record %s: spawned.pid <= 0", path)
	}
	return r, nil
}

// ListEntry is one ledger file found by List, paired with its parse
// outcome.
type ListEntry struct {
	Path   string
	Record Record
	Err    error
}

// List walks dir (the session dir or the active alias) for "*.context.json"
// files. Malformed files produce a per-file error and are not skipped from
// the returned slice — callers filter on Err.
func List(dir string) ([]ListEntry, error) {
	var out []ListEntry
	err := filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || !strings.HasSuffix(p, ".context.json") {
			return nil
		}
		rec, rerr := ReadRecord(p)
		out = append(out, ListEntry{Path: p, Record: rec, Err: rerr})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return out, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// WritePids rewrites spawned-pids.txt with pids sorted ascending, dedup'd,
// space-separated (spec.md §4.5/§6.1).
func (s *Store) WritePids(pids []int) error {
	uniq := map[int]struct{}{}
	for _, p := range pids {
		uniq[p] = struct{}{}
	}
	sorted := make([]int, 0, len(uniq))
	for p := range uniq {
		sorted = append(sorted, p)
	}
	sort.Ints(sorted)

	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = strconv.Itoa(p)
	}
	return writeTempThenRename(filepath.Join(s.Session.Dir, pidsFile), []byte(strings.Join(parts, " ")))
}

// ReadPids reads the pids file for a session directory, tolerating
// absence (returns an empty slice).
func ReadPids(sessionDir string) ([]int, error) {
	b, err := os.ReadFile(filepath.Join(sessionDir, pidsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	fields := strings.Fields(string(b))
	pids := make([]int, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil {
			continue
		}
		pids = append(pids, n)
	}
	return pids, nil
}

// CurrentSessionName reads the .current-session pointer file under home.
func CurrentSessionName(home string) (string, error) {
	b, err := os.ReadFile(filepath.Join(home, currentSessionFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
