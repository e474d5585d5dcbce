//go:build !windows

package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sijucj/dbyard/pkg/classify"
	"github.com/sijucj/dbyard/pkg/config"
	"github.com/sijucj/dbyard/pkg/discovery"
	"github.com/sijucj/dbyard/pkg/events"
	"github.com/sijucj/dbyard/pkg/launcher"
	"github.com/sijucj/dbyard/pkg/ledger"
	"github.com/sijucj/dbyard/pkg/procindex"
	"github.com/sijucj/dbyard/pkg/spawnplan"
)

// newSupervisorFixture wires a Supervisor against a real procindex (the
// test process's own /proc, same as production) so ensure()'s liveness
// check exercises the real tag round-trip through a spawned /bin/sleep.
func newSupervisorFixture(t *testing.T, sleepSeconds string) (*Supervisor, string, *ledger.Store) {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.db"), []byte("x"), 0o644))

	ledgerHome := t.TempDir()
	store, err := ledger.Open(ledgerHome, "", time.Now())
	require.NoError(t, err)

	registry := classify.NewRegistry()
	registry.Register(classify.Classifier{Kind: "file-kind", Probe: classify.ExtensionProbe(".db")})

	uc := &config.UserConfig{
		Kinds: map[string]config.KindSpec{
			"file-kind": {Command: "/bin/sleep", Args: []string{sleepSeconds}},
		},
		ListenHost:     "127.0.0.1",
		PortRangeStart: 23450,
	}

	sup := New(Options{
		Roots:      []discovery.Root{{Path: root}},
		UserConfig: uc,
		Store:      store,
		Registry:   registry,
		Planner:    spawnplan.NewPlanner(uc),
		Launcher:   launcher.New(),
		ProcIndex:  procindex.New(),
		Bus:        events.NewBus("test-session", time.Now()),
	})

	return sup, root, store
}

func firstSpawnedPID(t *testing.T, store *ledger.Store) (ledger.Record, int) {
	t.Helper()
	entries, err := ledger.List(store.Session.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, entries[0].Err)
	return entries[0].Record, entries[0].Record.Spawned.PID
}

func TestEnsureSpawnsAndWritesLedgerRecord(t *testing.T) {
	sup, _, store := newSupervisorFixture(t, "100")

	report, err := sup.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Spawned, 1)

	rec, pid := firstSpawnedPID(t, store)
	assert.Equal(t, "hello", rec.Service.ID)
	assert.Equal(t, "/hello", rec.Service.ProxyEndpointPrefix)
	assert.True(t, rec.Listen.Port >= 23450)
	assert.True(t, pidIsRunning(pid))

	_ = launcher.KillGroup(pid, true)
}

func TestReconcileSecondPassSeesLiveTaggedProcessAndDoesNotRespawn(t *testing.T) {
	sup, _, store := newSupervisorFixture(t, "100")

	report1, err := sup.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report1.Spawned, 1)

	rec, pid := firstSpawnedPID(t, store)
	defer launcher.KillGroup(pid, true)

	// Give the freshly tagged process time to show up in a procfs scan.
	time.Sleep(100 * time.Millisecond)

	report2, err := sup.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report2.Spawned)
	assert.Empty(t, report2.Killed)

	rec2, pid2 := firstSpawnedPID(t, store)
	assert.Equal(t, rec.Spawned.PID, rec2.Spawned.PID)
	assert.Equal(t, pid, pid2)
}

func TestEnsureSkipsWithinBackoffAfterLauncherFailure(t *testing.T) {
	sup, root, _ := newSupervisorFixture(t, "100")
	sup.opts.UserConfig.Kinds["file-kind"] = config.KindSpec{Command: "/no/such/binary"}
	sup.opts.Planner = spawnplan.NewPlanner(sup.opts.UserConfig)

	a := filepath.Join(root, "hello.db")

	report1, err := sup.Reconcile(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, report1.Errors)

	sup.mu.Lock()
	_, hasFailure := sup.failuresByArtifact[a]
	sup.mu.Unlock()
	require.True(t, hasFailure)

	report2, err := sup.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Contains(t, report2.Skipped, a)
}

func TestAllocatePortAvoidsUsedPorts(t *testing.T) {
	sup, _, _ := newSupervisorFixture(t, "100")

	tagged := []procindex.Tagged{
		{Tags: map[string]string{ledger.TagPort: "23450"}},
	}
	port, err := sup.allocatePort("127.0.0.1", spawnplan.Overrides{}, tagged)
	require.NoError(t, err)
	assert.NotEqual(t, 23450, port)
}

func TestAllocatePortHonorsListenPortOverride(t *testing.T) {
	sup, _, _ := newSupervisorFixture(t, "100")

	ov, err := spawnplan.ParseOverrides("listen.port=9999")
	require.NoError(t, err)

	port, err := sup.allocatePort("127.0.0.1", ov, nil)
	require.NoError(t, err)
	assert.Equal(t, 9999, port)
}

func TestStopKillsProcessAndRemovesLedgerFiles(t *testing.T) {
	sup, _, store := newSupervisorFixture(t, "100")

	report, err := sup.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Spawned, 1)

	rec, pid := firstSpawnedPID(t, store)
	require.True(t, pidIsRunning(pid))

	var stopReport Report
	sup.stop(context.Background(), rec.Supplier.Location, rec, &stopReport)

	assert.NoFileExists(t, rec.Paths.Context)
	assert.Contains(t, stopReport.Killed, rec.Supplier.Location)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && pidIsRunning(pid) {
		time.Sleep(50 * time.Millisecond)
	}
	assert.False(t, pidIsRunning(pid))
}

// TestRestartAdoptsSurvivingTaggedProcessInsteadOfRespawning simulates a
// supervisor restart: two independent Supervisor/ledger.Store pairs (each
// minting its own session directory, as New and ledger.Open do on every
// process start) share one real procindex.New() against the test's own
// /proc. The second supervisor must recognize the first supervisor's
// surviving /bin/sleep by its PROVENANCE tag and adopt it rather than
// spawning a duplicate.
func TestRestartAdoptsSurvivingTaggedProcessInsteadOfRespawning(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.db"), []byte("x"), 0o644))

	ledgerHome := t.TempDir()
	pi := procindex.New()

	registry := classify.NewRegistry()
	registry.Register(classify.Classifier{Kind: "file-kind", Probe: classify.ExtensionProbe(".db")})

	uc := &config.UserConfig{
		Kinds: map[string]config.KindSpec{
			"file-kind": {Command: "/bin/sleep", Args: []string{"100"}},
		},
		ListenHost:     "127.0.0.1",
		PortRangeStart: 23470,
	}

	store1, err := ledger.Open(ledgerHome, "", time.Now())
	require.NoError(t, err)
	sup1 := New(Options{
		Roots:      []discovery.Root{{Path: root}},
		UserConfig: uc,
		Store:      store1,
		Registry:   registry,
		Planner:    spawnplan.NewPlanner(uc),
		Launcher:   launcher.New(),
		ProcIndex:  pi,
		Bus:        events.NewBus("test-session-1", time.Now()),
	})

	report1, err := sup1.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report1.Spawned, 1)

	rec1, pid1 := firstSpawnedPID(t, store1)
	defer launcher.KillGroup(pid1, true)

	// Give the freshly tagged process time to show up in a procfs scan.
	time.Sleep(100 * time.Millisecond)

	// Simulate a restart: a brand new Supervisor and ledger.Store (new
	// session directory), same process table.
	store2, err := ledger.Open(ledgerHome, "", time.Now().Add(time.Second))
	require.NoError(t, err)
	sup2 := New(Options{
		Roots:      []discovery.Root{{Path: root}},
		UserConfig: uc,
		Store:      store2,
		Registry:   registry,
		Planner:    spawnplan.NewPlanner(uc),
		Launcher:   launcher.New(),
		ProcIndex:  pi,
		Bus:        events.NewBus("test-session-2", time.Now()),
	})

	report2, err := sup2.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report2.Spawned)
	assert.Empty(t, report2.Killed)

	// The surviving process must still be the one from the first session,
	// and the second supervisor's own ledger directory must stay empty:
	// adoption does not rewrite the context file.
	assert.True(t, pidIsRunning(pid1))
	entries2, err := ledger.List(store2.Session.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries2)

	sup2.mu.Lock()
	adopted, ok := sup2.runningByArtifact[rec1.Supplier.Location]
	sup2.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, pid1, adopted.Spawned.PID)
}

func TestSecondArtifactWithSameOverrideIdentityIsDeduped(t *testing.T) {
	sup, root, store := newSupervisorFixture(t, "100")

	require.NoError(t, os.WriteFile(filepath.Join(root, "other.db"), []byte("y"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "other.db"+SidecarSuffix), []byte("instance.id=hello\n"), 0o644))

	report, err := sup.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Spawned, 1)
	assert.Len(t, report.Skipped, 1)

	entries, err := ledger.List(store.Session.Dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	for _, e := range entries {
		_ = launcher.KillGroup(e.Record.Spawned.PID, true)
	}
}
