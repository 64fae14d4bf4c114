// Package synclock implements the single-holder, path-based advisory lock
// protecting a sync operation against concurrent runs on the same
// analytics store.
//
// No lock library (gofrs/flock or similar) appears anywhere in the
// example pack, so this is implemented directly on os/syscall, in the
// spirit of the corpus's own direct-filesystem approach to durable state
// (original_source/state/file_manager.py).
package synclock

import (
	"encoding/json"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncerr"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncmodel"
)

// Lock guards one path. Each analytics store gets its own Lock, per
// spec.md §6's "<state.dir>/sync.lock" layout.
type Lock struct {
	path           string
	staleThreshold time.Duration
	logger         *zap.Logger
}

// New returns a Lock for path with the given staleness threshold (default
// 30 minutes per spec.md §4.5 if zero is passed). logger may be nil;
// when set, a forced stale-lock takeover emits a warn-level record of
// the prior holder, per spec.md §4.5.
func New(path string, staleThreshold time.Duration, logger *zap.Logger) *Lock {
	if staleThreshold <= 0 {
		staleThreshold = 30 * time.Minute
	}
	return &Lock{path: path, staleThreshold: staleThreshold, logger: logger}
}

// Handle is returned by Acquire and consumed by Release. Holding one does
// not imply anything beyond "this call's acquire succeeded" — release is
// a path removal, not a token check, matching spec.md's idempotent
// release semantics.
type Handle struct {
	lock     *Lock
	holderID string
}

// HeldBy describes the current holder of a lock isHeld() finds occupied.
type HeldBy struct {
	HolderID string
	Age      time.Duration
}

// Acquire attempts to take the lock for holderID. It retries at a fixed
// short interval until timeout elapses, then returns *syncerr.Error of
// kind LockBusy. timeout == 0 means "try exactly once".
func (l *Lock) Acquire(holderID string, timeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(timeout)
	for {
		h, err := l.tryAcquire(holderID)
		if err == nil {
			return h, nil
		}
		if !syncerr.Is(err, syncerr.LockBusy) {
			return nil, err
		}
		if timeout <= 0 || time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func (l *Lock) tryAcquire(holderID string) (*Handle, error) {
	record := syncmodel.LockRecord{
		HolderID:   holderID,
		AcquiredAt: time.Now().UTC(),
		PID:        os.Getpid(),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, syncerr.Wrap(err, syncerr.LockBusy, "failed to marshal lock record")
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		if _, werr := f.Write(data); werr != nil {
			f.Close()
			os.Remove(l.path)
			return nil, syncerr.Wrap(werr, syncerr.LockBusy, "failed to write lock file")
		}
		f.Close()
		return &Handle{lock: l, holderID: holderID}, nil
	}
	if !os.IsExist(err) {
		return nil, syncerr.Wrap(err, syncerr.LockBusy, "failed to create lock file")
	}

	// Someone else holds it (or claims to) — check staleness.
	held, ok, rerr := l.readHolder()
	if rerr != nil {
		return nil, rerr
	}
	if !ok {
		// Raced with the holder's own release; retry the create once.
		return l.tryAcquire(holderID)
	}
	if !l.isStale(held) {
		return nil, syncerr.New(syncerr.LockBusy, "lock held by "+held.HolderID)
	}

	if l.logger != nil {
		l.logger.Warn("taking over stale lock",
			zap.String("priorHolderID", held.HolderID),
			zap.Int("priorPID", held.PID),
			zap.Time("priorAcquiredAt", held.AcquiredAt),
			zap.String("newHolderID", holderID))
	}

	if rerr := os.Remove(l.path); rerr != nil && !os.IsNotExist(rerr) {
		return nil, syncerr.Wrap(rerr, syncerr.LockBusy, "failed to remove stale lock")
	}
	return l.tryAcquire(holderID)
}

// Release removes the lock file. Idempotent: removing an already-absent
// lock is not an error.
func (l *Lock) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	err := os.Remove(l.path)
	if err != nil && !os.IsNotExist(err) {
		return syncerr.Wrap(err, syncerr.LockBusy, "failed to release lock")
	}
	return nil
}

// IsHeld reports whether the lock is currently held by a live (or not-yet
// stale) holder.
func (l *Lock) IsHeld() (held bool, by HeldBy, err error) {
	record, ok, err := l.readHolder()
	if err != nil {
		return false, HeldBy{}, err
	}
	if !ok {
		return false, HeldBy{}, nil
	}
	if l.isStale(record) {
		return false, HeldBy{}, nil
	}
	return true, HeldBy{HolderID: record.HolderID, Age: time.Since(record.AcquiredAt)}, nil
}

func (l *Lock) readHolder() (syncmodel.LockRecord, bool, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return syncmodel.LockRecord{}, false, nil
		}
		return syncmodel.LockRecord{}, false, syncerr.Wrap(err, syncerr.LockBusy, "failed to read lock file")
	}
	var record syncmodel.LockRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return syncmodel.LockRecord{}, false, syncerr.Wrap(err, syncerr.StateCorrupt, "corrupt lock file")
	}
	return record, true, nil
}

// isStale implements spec.md §4.5's staleness rule: the recorded pid is
// not live on this host AND age exceeds the threshold.
func (l *Lock) isStale(record syncmodel.LockRecord) bool {
	if pidLive(record.PID) {
		return false
	}
	return time.Since(record.AcquiredAt) > l.staleThreshold
}

// pidLive checks local process liveness via a signal-0 kill, which never
// actually signals the process — it only probes for ESRCH.
func pidLive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}
