// Package state persists SyncState, SchemaMapping, and ProgressCheckpoint
// records as JSON files under a configured directory, with atomic
// write-temp-then-rename semantics.
//
// Grounded on original_source/state/file_manager.py's StateFileManager for
// the overall shape (one small JSON load/save helper reused by every
// record type) but fixes the REDESIGN FLAG spec.md §9 calls out: the
// original's plain os.Open(path, 'w') is not atomic, so a process killed
// mid-write leaves a truncated file. This package always writes to a
// temp sibling, fsyncs it, renames over the target, then fsyncs the
// containing directory — satisfying spec.md §8 invariant 7.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncerr"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncmodel"
)

// Store is the file-backed implementation of the State Store (C4).
type Store struct {
	dir string
}

// New returns a Store rooted at dir. The subdirectories state/, mappings/,
// and progress/ are created lazily on first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) statePath(table string) string    { return filepath.Join(s.dir, "state", table+".json") }
func (s *Store) mappingPath(table string) string   { return filepath.Join(s.dir, "mappings", table+".json") }
func (s *Store) progressPath(table string) string  { return filepath.Join(s.dir, "progress", table+".json") }
func (s *Store) snapshotPath(table string) string   { return filepath.Join(s.dir, "state", table+".snapshot.json") }

// LoadState returns the persisted SyncState for table, or nil if no sync
// has ever completed for it ("not initialized").
func (s *Store) LoadState(table string) (*syncmodel.SyncState, error) {
	var st syncmodel.SyncState
	ok, err := readJSON(s.statePath(table), &st)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &st, nil
}

// SaveState atomically persists st for table.
func (s *Store) SaveState(table string, st syncmodel.SyncState) error {
	return writeJSON(s.statePath(table), st)
}

// mappingFile is the on-disk shape of mappings/<table>.json: a full
// version history plus a pointer to the latest, restoring the feature
// original_source/database/sync_engine.py's save_schema_mapping /
// load_schema_mapping / get_schema_versions provide that spec.md's
// distillation collapsed to "the current mapping" (see SPEC_FULL.md §9).
type mappingFile struct {
	Latest   int                            `json:"latest"`
	Versions map[int]syncmodel.SchemaMapping `json:"versions"`
}

// LoadMapping returns the latest SchemaMapping for table, or nil if none
// has been saved yet.
func (s *Store) LoadMapping(table string) (*syncmodel.SchemaMapping, error) {
	var mf mappingFile
	ok, err := readJSON(s.mappingPath(table), &mf)
	if err != nil {
		return nil, err
	}
	if !ok || mf.Latest == 0 {
		return nil, nil
	}
	m := mf.Versions[mf.Latest]
	return &m, nil
}

// LoadMappingVersion returns a specific historical version of the mapping,
// or nil if that version was never recorded.
func (s *Store) LoadMappingVersion(table string, version int) (*syncmodel.SchemaMapping, error) {
	var mf mappingFile
	ok, err := readJSON(s.mappingPath(table), &mf)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	m, present := mf.Versions[version]
	if !present {
		return nil, nil
	}
	return &m, nil
}

// ListMappingVersions returns every recorded version number for table,
// ascending.
func (s *Store) ListMappingVersions(table string) ([]int, error) {
	var mf mappingFile
	ok, err := readJSON(s.mappingPath(table), &mf)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	versions := make([]int, 0, len(mf.Versions))
	for v := range mf.Versions {
		versions = append(versions, v)
	}
	for i := 1; i < len(versions); i++ {
		for j := i; j > 0 && versions[j-1] > versions[j]; j-- {
			versions[j-1], versions[j] = versions[j], versions[j-1]
		}
	}
	return versions, nil
}

// SaveMapping persists candidate as a new version iff its columns differ
// from the stored latest (spec.md §4.4: "bumps version iff columns
// differ"). Returns the SchemaMapping actually in force after the call.
func (s *Store) SaveMapping(table string, candidate syncmodel.SchemaMapping) (syncmodel.SchemaMapping, error) {
	var mf mappingFile
	ok, err := readJSON(s.mappingPath(table), &mf)
	if err != nil {
		return syncmodel.SchemaMapping{}, err
	}
	if !ok {
		mf.Versions = map[int]syncmodel.SchemaMapping{}
	}

	if mf.Latest != 0 {
		current := mf.Versions[mf.Latest]
		if current.Equal(candidate) {
			return current, nil
		}
		candidate.Version = mf.Latest + 1
	} else {
		candidate.Version = 1
	}
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = time.Now().UTC()
	}
	mf.Latest = candidate.Version
	mf.Versions[candidate.Version] = candidate

	if err := writeJSON(s.mappingPath(table), mf); err != nil {
		return syncmodel.SchemaMapping{}, err
	}
	return candidate, nil
}

// WriteCheckpoint atomically persists cp for its TargetTable.
func (s *Store) WriteCheckpoint(cp syncmodel.ProgressCheckpoint) error {
	cp.UpdatedAt = time.Now().UTC()
	return writeJSON(s.progressPath(cp.TargetTable), cp)
}

// LoadCheckpoint returns the in-flight checkpoint for table, or nil if none
// exists (either no run is in flight or the last run finalized cleanly).
func (s *Store) LoadCheckpoint(table string) (*syncmodel.ProgressCheckpoint, error) {
	var cp syncmodel.ProgressCheckpoint
	ok, err := readJSON(s.progressPath(table), &cp)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

// ClearCheckpoint removes table's checkpoint file. Not an error if absent.
func (s *Store) ClearCheckpoint(table string) error {
	err := os.Remove(s.progressPath(table))
	if err != nil && !os.IsNotExist(err) {
		return syncerr.Wrap(err, syncerr.StateCorrupt, "failed to clear checkpoint").WithTable(table)
	}
	return nil
}

// Snapshot captures the current SyncState for table as an operator-facing
// rollback point, restoring original_source's create_state_checkpoint.
func (s *Store) Snapshot(table string) (syncmodel.SyncState, error) {
	st, err := s.LoadState(table)
	if err != nil {
		return syncmodel.SyncState{}, err
	}
	if st == nil {
		return syncmodel.SyncState{}, nil
	}
	if err := writeJSON(s.snapshotPath(table), *st); err != nil {
		return syncmodel.SyncState{}, err
	}
	return *st, nil
}

// Restore writes snapshot back as table's current SyncState, restoring
// original_source's rollback_state.
func (s *Store) Restore(table string, snapshot syncmodel.SyncState) error {
	return s.SaveState(table, snapshot)
}

// readJSON loads path into v, returning ok=false (no error) if the file
// does not exist — the "not initialized" contract spec.md §4.4 requires.
func readJSON(path string, v any) (ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, syncerr.Wrap(err, syncerr.StateCorrupt, fmt.Sprintf("failed to read %s", path))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, syncerr.Wrap(err, syncerr.StateCorrupt, fmt.Sprintf("corrupt state file %s", path))
	}
	return true, nil
}

// writeJSON atomically writes v to path: write-temp, fsync file, rename,
// fsync containing directory.
func writeJSON(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return syncerr.Wrap(err, syncerr.StateCorrupt, fmt.Sprintf("failed to create directory %s", dir))
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return syncerr.Wrap(err, syncerr.StateCorrupt, "failed to marshal state")
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return syncerr.Wrap(err, syncerr.StateCorrupt, "failed to create temp file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return syncerr.Wrap(err, syncerr.StateCorrupt, "failed to write temp file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return syncerr.Wrap(err, syncerr.StateCorrupt, "failed to fsync temp file")
	}
	if err := tmp.Close(); err != nil {
		return syncerr.Wrap(err, syncerr.StateCorrupt, "failed to close temp file")
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return syncerr.Wrap(err, syncerr.StateCorrupt, "failed to rename into place")
	}

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		_ = dirHandle.Close()
	}

	return nil
}
