package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sijucj/dbyard/pkg/classify"
)

func writeFile(t *testing.T, path string, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestWalkClassifiesAndEmits(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "controls", "hello.db"), "x")
	writeFile(t, filepath.Join(dir, "notes.txt"), "y")

	d := New(classify.DefaultRegistry())
	var entries []Entry
	summary := d.Walk([]Root{{Path: dir}}, func(e Entry) {
		entries = append(entries, e)
	})

	require.Len(t, entries, 2)
	assert.Equal(t, 1, summary.Unclassified)

	var dbEntry *Entry
	for i := range entries {
		if entries[i].Classification != nil {
			dbEntry = &entries[i]
		}
	}
	require.NotNil(t, dbEntry)
	assert.Equal(t, "sqlite-embedded", dbEntry.Classification.Kind)
	assert.Equal(t, "controls/hello.db", dbEntry.RelSlash)
}

func TestWalkDeduplicatesAcrossOverlappingRoots(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a", "hello.db"), "x")

	d := New(classify.DefaultRegistry())
	var count int
	d.Walk([]Root{
		{Path: dir},
		{Path: filepath.Join(dir, "a")},
	}, func(e Entry) {
		count++
	})

	assert.Equal(t, 1, count)
}

func TestWalkAppliesGlobFilter(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "keep", "hello.db"), "x")
	writeFile(t, filepath.Join(dir, "skip", "other.db"), "y")

	d := New(classify.DefaultRegistry())
	var seen []string
	d.Walk([]Root{{Path: dir, Globs: []string{"keep/**"}}}, func(e Entry) {
		seen = append(seen, e.RelSlash)
	})

	assert.Equal(t, []string{"keep/hello.db"}, seen)
}

func TestContentIsMemoized(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hello.db")
	writeFile(t, path, "original")

	d := New(classify.DefaultRegistry())
	var entry Entry
	d.Walk([]Root{{Path: dir}}, func(e Entry) { entry = e })

	b1, err := entry.Content(d)
	require.NoError(t, err)
	assert.Equal(t, "original", string(b1))

	require.NoError(t, os.WriteFile(path, []byte("changed"), 0o644))

	b2, err := entry.Content(d)
	require.NoError(t, err)
	assert.Equal(t, "original", string(b2), "content should be memoized for the pass")
}

func TestWalkContinuesAfterClassificationError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "bad.db"), "x")
	writeFile(t, filepath.Join(dir, "good.db"), "y")

	r := classify.NewRegistry()
	r.Register(classify.Classifier{Kind: "bad", Probe: func(p string) (classify.Result, error) {
		if filepath.Base(p) == "bad.db" {
			return classify.Indeterminate, assertErr{}
		}
		return classify.Yes, nil
	}})

	d := New(r)
	var entries []Entry
	summary := d.Walk([]Root{{Path: dir}}, func(e Entry) { entries = append(entries, e) })

	assert.Equal(t, 1, summary.Errored)
	require.Len(t, entries, 2)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
