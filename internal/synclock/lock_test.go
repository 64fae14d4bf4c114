package synclock

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncerr"
)

func lockPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "sync.lock")
}

// Invariant 5 (spec.md §8): acquire succeeds for at most one concurrent
// caller; a second caller observes LockBusy until release.
func TestAcquire_SecondCallerIsBusy(t *testing.T) {
	l := New(lockPath(t), time.Hour, nil)

	h, err := l.Acquire("holder-a", 0)
	require.NoError(t, err)
	require.NotNil(t, h)

	_, err = l.Acquire("holder-b", 0)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.LockBusy))

	require.NoError(t, l.Release(h))

	h2, err := l.Acquire("holder-b", 0)
	require.NoError(t, err)
	require.NotNil(t, h2)
}

func TestRelease_IsIdempotent(t *testing.T) {
	l := New(lockPath(t), time.Hour, nil)
	h, err := l.Acquire("holder-a", 0)
	require.NoError(t, err)
	require.NoError(t, l.Release(h))
	require.NoError(t, l.Release(h))
}

func TestIsHeld(t *testing.T) {
	l := New(lockPath(t), time.Hour, nil)
	held, _, err := l.IsHeld()
	require.NoError(t, err)
	assert.False(t, held)

	h, err := l.Acquire("holder-a", 0)
	require.NoError(t, err)

	held, by, err := l.IsHeld()
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "holder-a", by.HolderID)

	require.NoError(t, l.Release(h))
}

// A lock file with a dead PID and age past the staleness threshold is
// forcibly taken over, per spec.md §4.5.
func TestAcquire_TakesOverStaleDeadPID(t *testing.T) {
	path := lockPath(t)
	// A PID essentially guaranteed not to be alive in this test process.
	deadPID := 1 << 30
	staleRecord := `{"holderId":"holder-a","acquiredAt":"2000-01-01T00:00:00Z","pid":` +
		strconv.Itoa(deadPID) + `}`
	require.NoError(t, os.WriteFile(path, []byte(staleRecord), 0o644))

	l := New(path, time.Minute, nil)
	h, err := l.Acquire("holder-b", 0)
	require.NoError(t, err)
	require.NotNil(t, h)
}

// Forced takeover of a stale lock logs a warn-level record naming the
// prior holder, per spec.md §4.5.
func TestAcquire_TakeoverLogsPriorHolder(t *testing.T) {
	path := lockPath(t)
	deadPID := 1 << 30
	staleRecord := `{"holderId":"holder-a","acquiredAt":"2000-01-01T00:00:00Z","pid":` +
		strconv.Itoa(deadPID) + `}`
	require.NoError(t, os.WriteFile(path, []byte(staleRecord), 0o644))

	core, logs := observer.New(zapcore.WarnLevel)
	logger := zap.New(core)

	l := New(path, time.Minute, logger)
	_, err := l.Acquire("holder-b", 0)
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "taking over stale lock", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "holder-a", fields["priorHolderID"])
	assert.Equal(t, "holder-b", fields["newHolderID"])
}

// A lock file with a dead PID but within the staleness threshold is not
// yet eligible for takeover.
func TestAcquire_DeadPIDButNotYetStaleStaysBusy(t *testing.T) {
	path := lockPath(t)
	deadPID := 1 << 30
	recent := time.Now().UTC().Format(time.RFC3339)
	record := `{"holderId":"holder-a","acquiredAt":"` + recent + `","pid":` + strconv.Itoa(deadPID) + `}`
	require.NoError(t, os.WriteFile(path, []byte(record), 0o644))

	l := New(path, time.Hour, nil)
	_, err := l.Acquire("holder-b", 0)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.LockBusy))
}
