package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncmodel"
)

func TestLoadState_NotInitializedReturnsNil(t *testing.T) {
	s := New(t.TempDir())
	st, err := s.LoadState("events")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestSaveState_RoundTrips(t *testing.T) {
	s := New(t.TempDir())
	now := time.Now().UTC().Truncate(time.Second)
	want := syncmodel.SyncState{
		LastSyncAt:     &now,
		LastWatermark:  "2024-01-01T00:00:00Z",
		TotalRows:      25000,
		MappingVersion: 1,
		Status:         syncmodel.StatusIdle,
	}
	require.NoError(t, s.SaveState("events", want))

	got, err := s.LoadState("events")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.LastWatermark, got.LastWatermark)
	assert.Equal(t, want.TotalRows, got.TotalRows)
	assert.Equal(t, want.Status, got.Status)
}

// Invariant 7 (spec.md §8): a process killed mid-saveState leaves either
// the prior record intact or the new record intact, never partial. This
// test exercises the visible half of that guarantee: once SaveState
// returns, no .tmp-* sibling remains in the state directory — the
// write-temp+rename machinery never leaves a half-written file behind
// for a concurrent reader to observe.
func TestSaveState_NeverLeavesTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)
	require.NoError(t, s.SaveState("events", syncmodel.SyncState{TotalRows: 1}))

	entries, err := os.ReadDir(filepath.Join(dir, "state"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestSaveMapping_BumpsVersionOnlyWhenColumnsDiffer(t *testing.T) {
	s := New(t.TempDir())
	v1 := syncmodel.SchemaMapping{Columns: []syncmodel.ColumnSpec{
		{Name: "id", TargetType: syncmodel.Integer},
	}}
	saved1, err := s.SaveMapping("events", v1)
	require.NoError(t, err)
	assert.Equal(t, 1, saved1.Version)

	// Identical columns: no version bump.
	saved2, err := s.SaveMapping("events", v1)
	require.NoError(t, err)
	assert.Equal(t, 1, saved2.Version)

	// Type changed within the same column set: version bump.
	v2 := syncmodel.SchemaMapping{Columns: []syncmodel.ColumnSpec{
		{Name: "id", TargetType: syncmodel.Double},
	}}
	saved3, err := s.SaveMapping("events", v2)
	require.NoError(t, err)
	assert.Equal(t, 2, saved3.Version)

	versions, err := s.ListMappingVersions("events")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, versions)

	v1Loaded, err := s.LoadMappingVersion("events", 1)
	require.NoError(t, err)
	require.NotNil(t, v1Loaded)
	assert.Equal(t, syncmodel.Integer, v1Loaded.Columns[0].TargetType)
}

func TestCheckpoint_WriteLoadClear(t *testing.T) {
	s := New(t.TempDir())
	cp := syncmodel.ProgressCheckpoint{
		RunID:              "run-1",
		TargetTable:        "events",
		RowsDone:           500,
		LastBatchWatermark: "2024-01-02T00:00:00Z",
		StartedAt:          time.Now().UTC(),
	}
	require.NoError(t, s.WriteCheckpoint(cp))

	loaded, err := s.LoadCheckpoint("events")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, cp.RowsDone, loaded.RowsDone)
	assert.Equal(t, cp.LastBatchWatermark, loaded.LastBatchWatermark)

	require.NoError(t, s.ClearCheckpoint("events"))
	cleared, err := s.LoadCheckpoint("events")
	require.NoError(t, err)
	assert.Nil(t, cleared)

	// Clearing an absent checkpoint is not an error.
	require.NoError(t, s.ClearCheckpoint("events"))
}

func TestSnapshotRestore(t *testing.T) {
	s := New(t.TempDir())
	now := time.Now().UTC()
	original := syncmodel.SyncState{LastWatermark: "wm-1", TotalRows: 100, LastSyncAt: &now}
	require.NoError(t, s.SaveState("events", original))

	snap, err := s.Snapshot("events")
	require.NoError(t, err)
	assert.Equal(t, original.LastWatermark, snap.LastWatermark)

	require.NoError(t, s.SaveState("events", syncmodel.SyncState{LastWatermark: "wm-2", TotalRows: 200}))
	require.NoError(t, s.Restore("events", snap))

	restored, err := s.LoadState("events")
	require.NoError(t, err)
	assert.Equal(t, "wm-1", restored.LastWatermark)
}
