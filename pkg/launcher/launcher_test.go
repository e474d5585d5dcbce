//go:build !windows

package launcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sijucj/dbyard/pkg/ledger"
)

func TestLaunchLongRunningProcessReturnsLivePID(t *testing.T) {
	dir := t.TempDir()
	l := New()

	plan := ledger.Plan{
		Command:       "/bin/sleep",
		Args:          []string{"5"},
		StdoutLogPath: filepath.Join(dir, "out.log"),
		StderrLogPath: filepath.Join(dir, "err.log"),
	}

	pid, err := l.Launch(plan)
	require.NoError(t, err)
	assert.True(t, pid > 0)
	assert.True(t, processAlive(pid))

	require.NoError(t, KillGroup(pid, true))
	// give the kernel a moment to reap the signal
	time.Sleep(100 * time.Millisecond)
}

func TestLaunchFastExitingProcessReturnsFastExitFailure(t *testing.T) {
	l := New()
	plan := ledger.Plan{Command: "/bin/true"}

	_, err := l.Launch(plan)
	require.Error(t, err)
	var fe *FastExitFailure
	require.ErrorAs(t, err, &fe)
}

func TestLaunchUnknownCommandIsLauncherFailure(t *testing.T) {
	l := New()
	plan := ledger.Plan{Command: "/no/such/binary-dbyard-test"}

	_, err := l.Launch(plan)
	require.Error(t, err)
	var lf *LauncherFailure
	require.ErrorAs(t, err, &lf)
}

func TestLaunchWritesStdoutToLogFile(t *testing.T) {
	dir := t.TempDir()
	l := New()
	outPath := filepath.Join(dir, "out.log")

	plan := ledger.Plan{
		Command:       "/bin/echo",
		Args:          []string{"hello-from-child"},
		StdoutLogPath: outPath,
		StderrLogPath: filepath.Join(dir, "err.log"),
	}

	_, err := l.Launch(plan)
	require.Error(t, err) // echo exits immediately: fast-exit failure, but log still written

	time.Sleep(50 * time.Millisecond)
	b, err := os.ReadFile(outPath)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello-from-child")
}

func TestKillGroupSignalsProcessGroup(t *testing.T) {
	l := New()
	plan := ledger.Plan{Command: "/bin/sleep", Args: []string{"5"}}

	pid, err := l.Launch(plan)
	require.NoError(t, err)

	require.NoError(t, KillGroup(pid, false))
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	assert.False(t, processAlive(pid))
}

func TestParsePID(t *testing.T) {
	pid, ok := parsePID("1234\n")
	assert.True(t, ok)
	assert.Equal(t, 1234, pid)

	_, ok = parsePID("not a pid\n")
	assert.False(t, ok)

	_, ok = parsePID("")
	assert.False(t, ok)
}

func TestProcessAliveFalseForReapedPID(t *testing.T) {
	assert.False(t, processAlive(1<<30))
}
