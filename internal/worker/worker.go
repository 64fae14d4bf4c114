// Package worker implements the Sync Worker (C7): one goroutine per run,
// a bounded event channel, and cooperative pause/resume/stop.
//
// Grounded on original_source/scheduler/sync_worker.py's
// threading.Event-based pause/resume/stop, generalized into Go's
// goroutine+channel idiom (DESIGN NOTES §9: "Thread-based worker with
// queue for progress" → "a task that owns the engine plus two
// primitives"), and on the processing-rate/ETA reporting its progress
// callback computes.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/engine"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/obslog"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncerr"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncmodel"
)

// Status mirrors spec.md §4.7's status enumeration.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
)

// RunSpec describes the run a worker should start.
type RunSpec struct {
	Kind    syncmodel.RunKind
	Binding syncmodel.TableBinding
	MaxRows int
}

// Worker runs exactly one engine invocation at a time, per spec.md §4.7
// ("exactly one run may be active per worker instance").
type Worker struct {
	eng             *engine.Engine
	logger          *zap.Logger
	metrics         *obslog.Metrics
	channelCapacity int

	mu         sync.Mutex
	running    bool
	status     Status
	cancel     context.CancelFunc
	stopReason string
	events     chan syncmodel.SyncEvent

	paused  atomic.Bool
	wake    chan struct{}
	dropped atomic.Int64
}

// New returns a Worker driving eng, with an event channel sized to
// channelCapacity (spec.md §6 default 1000).
func New(eng *engine.Engine, logger *zap.Logger, metrics *obslog.Metrics, channelCapacity int) *Worker {
	if channelCapacity <= 0 {
		channelCapacity = 1000
	}
	return &Worker{eng: eng, logger: logger, metrics: metrics, channelCapacity: channelCapacity, status: StatusIdle}
}

// Start spawns the background run and returns its runID. Non-blocking.
// Returns LockBusy... no — returns a BusyError (syncerr.LockBusy reused
// semantically as "already running") if a run is already active.
func (w *Worker) Start(ctx context.Context, spec RunSpec) (string, error) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return "", syncerr.New(syncerr.LockBusy, "worker already running a sync")
	}
	runID := uuid.NewString()
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.status = StatusRunning
	w.stopReason = ""
	w.events = make(chan syncmodel.SyncEvent, w.channelCapacity)
	w.paused.Store(false)
	w.wake = make(chan struct{})
	w.dropped.Store(0)
	w.mu.Unlock()

	go w.run(runCtx, runID, spec)
	return runID, nil
}

func (w *Worker) run(ctx context.Context, runID string, spec RunSpec) {
	start := time.Now()
	rowsAtLastLog := int64(0)
	timeAtLastLog := start

	opts := engine.RunOptions{
		Kind:    spec.Kind,
		Binding: spec.Binding,
		MaxRows: spec.MaxRows,
		RunID:   runID,
		Control: engine.Control{
			Cancelled: func() bool { return ctx.Err() != nil },
			WaitIfPaused: func(ctx context.Context) {
				w.waitIfPaused(ctx)
			},
			Reason: func() string {
				w.mu.Lock()
				defer w.mu.Unlock()
				return w.stopReason
			},
		},
		OnEvent: func(ev syncmodel.SyncEvent) {
			if ev.Type == syncmodel.EventProgress && ev.RowsDone > 0 {
				now := time.Now()
				elapsed := now.Sub(timeAtLastLog).Seconds()
				if elapsed > 0 {
					rate := float64(ev.RowsDone-rowsAtLastLog) / elapsed
					if w.logger != nil {
						w.logger.Info("batch committed",
							zap.String("table", spec.Binding.TargetTable),
							zap.Int64("rowsDone", ev.RowsDone),
							zap.Float64("rowsPerSecond", rate))
					}
				}
				rowsAtLastLog = ev.RowsDone
				timeAtLastLog = now
			}
			w.send(ev)
		},
	}

	err := w.eng.Run(ctx, opts)

	w.mu.Lock()
	w.running = false
	switch {
	case err == nil:
		w.status = StatusCompleted
	case ctx.Err() != nil:
		w.status = StatusStopped
	default:
		w.status = StatusFailed
	}
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.RunDurationSeconds.WithLabelValues(spec.Binding.TargetTable, string(spec.Kind)).Observe(time.Since(start).Seconds())
	}
	close(w.events)
}

// send delivers ev to the event channel. Started, Completed, Failed, and
// Stopped are never dropped — the worker blocks until they fit, matching
// spec.md §4.7. Every other event (Progress, and also Paused and Resumed)
// is sent without blocking, and dropped and counted when the channel is
// full. Either way, the accumulated drop count is
// attached to the next event that actually gets delivered, per spec.md
// §4.7's "surfaced in the next delivered progress event."
func (w *Worker) send(ev syncmodel.SyncEvent) {
	mustDeliver := ev.Type == syncmodel.EventStarted || ev.Type == syncmodel.EventCompleted ||
		ev.Type == syncmodel.EventFailed || ev.Type == syncmodel.EventStopped

	if !mustDeliver {
		pending := w.dropped.Swap(0)
		if pending > 0 {
			ev.DroppedProgressEvents = pending
		}
		select {
		case w.events <- ev:
		default:
			// ev itself didn't fit; restore the pending count plus this drop
			// for whichever event is delivered next.
			w.dropped.Add(pending + 1)
			if w.metrics != nil {
				w.metrics.DroppedEventsTotal.WithLabelValues(ev.Table).Inc()
			}
		}
		return
	}

	if d := w.dropped.Swap(0); d > 0 {
		ev.DroppedProgressEvents = d
	}
	w.events <- ev
}

// waitIfPaused blocks the calling goroutine while paused() is true,
// polling at a bounded interval (default 250ms per spec.md §4.7),
// emitting Paused once on entry and Resumed once on release.
func (w *Worker) waitIfPaused(ctx context.Context) {
	if !w.paused.Load() {
		return
	}
	w.send(syncmodel.SyncEvent{Type: syncmodel.EventPaused})
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for w.paused.Load() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	w.send(syncmodel.SyncEvent{Type: syncmodel.EventResumed})
}

// Pause flips the cooperative pause gate. The engine observes it after
// its current batch.
func (w *Worker) Pause() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return syncerr.New(syncerr.ConfigInvalid, "worker is not running")
	}
	w.paused.Store(true)
	return nil
}

// Resume releases the pause gate.
func (w *Worker) Resume() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return syncerr.New(syncerr.ConfigInvalid, "worker is not running")
	}
	w.paused.Store(false)
	return nil
}

// Stop raises the cancel signal for reason. reason is surfaced on the
// run's terminal Stopped event. Idempotent.
func (w *Worker) Stop(reason string) {
	w.mu.Lock()
	w.stopReason = reason
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		if w.logger != nil {
			w.logger.Info("stop requested", zap.String("reason", reason))
		}
		cancel()
	}
}

// Events returns the channel of SyncEvents for this run. The channel is
// closed when the run terminates.
func (w *Worker) Events() <-chan syncmodel.SyncEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.events
}

// Status reports the worker's current lifecycle state.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}
