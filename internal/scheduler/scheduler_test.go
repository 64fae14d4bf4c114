package scheduler

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/analytics"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/engine"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/source"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/state"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/synclock"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncconfig"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncmodel"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/worker"
)

func TestRegisterRecurring_RejectsDuplicateName(t *testing.T) {
	s := New(synclock.New(filepath.Join(t.TempDir(), "sync.lock"), time.Hour, nil), nil, nil, nil, nil)
	require.NoError(t, s.RegisterRecurring("events-job", "*/5 * * * *", nil, JobOptions{}))
	err := s.RegisterRecurring("events-job", "0 0 * * *", nil, JobOptions{})
	require.Error(t, err)
}

func TestList_ReturnsRegisteredJobs(t *testing.T) {
	s := New(synclock.New(filepath.Join(t.TempDir(), "sync.lock"), time.Hour, nil), nil, nil, nil, nil)
	binding := syncmodel.TableBinding{SourceTable: "events", TargetTable: "events"}
	require.NoError(t, s.RegisterRecurring("events-job", "* * * * *", []syncmodel.TableBinding{binding}, JobOptions{}))

	jobs := s.List()
	require.Len(t, jobs, 1)
	assert.Equal(t, "events-job", jobs[0].Name)
	assert.Equal(t, "* * * * *", jobs[0].CronExpr)
}

// S6 — a trigger that lands while the prior trigger's run is still in
// flight observes LockBusy and is skipped, not queued; the in-flight run
// still completes normally.
func TestFire_SkipsOverlappingTrigger(t *testing.T) {
	dir := t.TempDir()
	sourcePath := filepath.Join(dir, "source.db")
	sdb, err := sql.Open("sqlite", sourcePath)
	require.NoError(t, err)
	_, err = sdb.Exec(`CREATE TABLE events (id NUMBER(10), ts TIMESTAMP)`)
	require.NoError(t, err)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stmt, err := sdb.Prepare(`INSERT INTO events (id, ts) VALUES (?, ?)`)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := stmt.Exec(i, base.Add(time.Duration(i)*time.Second).Format(time.RFC3339Nano))
		require.NoError(t, err)
	}
	stmt.Close()
	require.NoError(t, sdb.Close())

	reader, err := source.Open("sqlite", sourcePath, source.SQLiteDialect{})
	require.NoError(t, err)
	defer reader.Close()
	writer, err := analytics.Open(filepath.Join(dir, "analytics.duckdb"), "main")
	require.NoError(t, err)
	defer writer.Close()
	store := state.New(filepath.Join(dir, "state"))
	cfg := syncconfig.SyncConfig{BatchSize: 5, MaxDurationSeconds: 60, MaxIterations: 1000,
		Retry: syncconfig.RetryConfig{MaxAttempts: 3, BaseMs: 1, CapMs: 10, Jitter: 0.2}}
	eng := engine.New(reader, writer, store, cfg, nil, nil)

	lock := synclock.New(filepath.Join(dir, "sync.lock"), time.Hour, nil)
	var started atomic.Int64
	newWorker := func(binding syncmodel.TableBinding) *worker.Worker {
		started.Add(1)
		return worker.New(eng, nil, nil, 1000)
	}
	tableExists := func(binding syncmodel.TableBinding) (bool, error) { return false, nil }

	s := New(lock, newWorker, tableExists, nil, nil)
	binding := syncmodel.TableBinding{SourceTable: "events", TargetTable: "events",
		PrimaryKey: []string{"id"}, TemporalKey: []string{"ts"}, BatchSize: 5}
	j := &job{name: "events-job", bindings: []syncmodel.TableBinding{binding}, opts: JobOptions{FullIfMissing: true}}

	ctx := context.Background()
	s.fire(ctx, j)
	// fire() acquires the lock synchronously and only releases it from a
	// background goroutine once every started worker's run has actually
	// finished — so immediately after fire() returns, a second trigger
	// must still observe the lock held.
	_, err = lock.Acquire("probe", 0)
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		held, _, err := lock.IsHeld()
		return err == nil && !held
	}, 2*time.Second, 10*time.Millisecond, "lock must be released once the triggered run completes")

	assert.EqualValues(t, 1, started.Load())
}
