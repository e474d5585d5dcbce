package procindex

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sijucj/dbyard/pkg/ledger"
)

type fakeStrategy struct {
	procs []rawProcess
}

func (f fakeStrategy) Enumerate(ctx context.Context) ([]rawProcess, error) {
	return f.procs, nil
}

func TestListDropsProcessesMissingRequiredTags(t *testing.T) {
	idx := NewWithStrategy(fakeStrategy{procs: []rawProcess{
		{PID: 1, Env: map[string]string{"PROVENANCE": "/a.db"}}, // missing the rest
		{PID: 2, Env: map[string]string{
			"PROVENANCE": "/a.db", "CONTEXT_PATH": "/nope.json", "SESSION_ID": "s1", "SERVICE_ID": "svc",
		}},
	}})

	out, err := idx.List(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].PID)
}

func TestListBestEffortReadsContextAndFlagsPIDMismatch(t *testing.T) {
	dir := t.TempDir()
	ctxPath := filepath.Join(dir, "x.context.json")

	store := ledger.Record{Spawned: ledger.Spawned{PID: 999}}
	b, err := json.Marshal(store)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(ctxPath, b, 0o644))

	idx := NewWithStrategy(fakeStrategy{procs: []rawProcess{
		{PID: 42, Env: map[string]string{
			"PROVENANCE": "/a.db", "CONTEXT_PATH": ctxPath, "SESSION_ID": "s1", "SERVICE_ID": "svc",
		}},
	}})

	out, err := idx.List(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.NotNil(t, out[0].Record)
	assert.Equal(t, "record pid mismatch", out[0].Issue)
}

func TestByIdentity(t *testing.T) {
	all := []Tagged{
		{PID: 1, Tags: map[string]string{"SESSION_ID": "s1", "SERVICE_ID": "a"}},
		{PID: 2, Tags: map[string]string{"SESSION_ID": "s1", "SERVICE_ID": "b"}},
	}
	got, ok := ByIdentity(all, "s1", "b")
	assert.True(t, ok)
	assert.Equal(t, 2, got.PID)

	_, ok = ByIdentity(all, "s1", "missing")
	assert.False(t, ok)
}

func TestLooksLikeTagName(t *testing.T) {
	assert.True(t, looksLikeTagName("SERVICE_ID"))
	assert.False(t, looksLikeTagName("lowercase"))
	assert.False(t, looksLikeTagName(""))
}

func TestNewStaticReturnsFixedSnapshot(t *testing.T) {
	fixed := []Tagged{{PID: 7, Tags: map[string]string{"SERVICE_ID": "a"}}}
	idx := NewStatic(fixed)

	out, err := idx.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fixed, out)
}
