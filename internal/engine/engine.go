// Package engine implements the Sync Engine (C6): the orchestrator that
// drives Schema → DDL → Copy → Finalize for a single table's sync run.
//
// Grounded directly on the teacher's Flusher.Flush (flusher.go) for the
// watermark-then-copy-then-track-metrics shape, generalized from the
// teacher's 19 fixed Bronze tables to an arbitrary TableBinding, and on
// original_source/database/sync_engine.py (full_sync, test_sync,
// incremental_sync, _execute_sync, sync_in_batches) for the exact phase
// sequencing and guard semantics.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/analytics"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/obslog"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/source"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/state"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncconfig"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncerr"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncmodel"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/typemap"
)

// Control is the cooperative stop/pause gate the worker (C7) supplies to
// a run. The engine consults it at every batch boundary, per spec.md §5's
// "observed within one batch boundary" guarantee, and consults Cancelled
// once more whenever a phase fails, so that a failure caused by a stop is
// reported as Stopped rather than Failed.
type Control struct {
	// Cancelled reports whether stop() has been called.
	Cancelled func() bool
	// WaitIfPaused blocks the calling goroutine while paused() is true,
	// polling at a bounded interval, and returns early if ctx is done.
	WaitIfPaused func(ctx context.Context)
	// Reason returns the caller-supplied reason for the most recent
	// stop() call, surfaced on the Stopped event. May be nil or return
	// "", in which case handleLoopOutcome falls back to "cancelled".
	Reason func() string
}

// noopControl never cancels or pauses; used when a caller runs the engine
// directly (e.g. tests) without a worker.
func noopControl() Control {
	return Control{
		Cancelled:    func() bool { return false },
		WaitIfPaused: func(context.Context) {},
		Reason:       func() string { return "cancelled" },
	}
}

// RunOptions parameterizes one engine invocation.
type RunOptions struct {
	Kind     syncmodel.RunKind
	Binding  syncmodel.TableBinding
	MaxRows  int // only consulted for RunTest
	RunID    string
	OnEvent  func(syncmodel.SyncEvent)
	Control  Control
}

// Engine is the Sync Engine (C6), bound to one table's reader/writer/state
// triple for the duration of a run.
type Engine struct {
	reader  *source.Reader
	writer  *analytics.Writer
	store   *state.Store
	cfg     syncconfig.SyncConfig
	logger  *zap.Logger
	metrics *obslog.Metrics
}

// New returns an Engine sharing reader/writer/store across runs; callers
// create one Engine per worker and invoke Run per entry point.
func New(reader *source.Reader, writer *analytics.Writer, store *state.Store, cfg syncconfig.SyncConfig, logger *zap.Logger, metrics *obslog.Metrics) *Engine {
	return &Engine{reader: reader, writer: writer, store: store, cfg: cfg, logger: logger, metrics: metrics}
}

// Run dispatches to TestSync/FullSync/IncrementalSync per opts.Kind.
func (e *Engine) Run(ctx context.Context, opts RunOptions) error {
	if opts.Control.Cancelled == nil {
		opts.Control = noopControl()
	}
	if opts.Control.Reason == nil {
		opts.Control.Reason = func() string { return "cancelled" }
	}
	switch opts.Kind {
	case syncmodel.RunTest:
		return e.testSync(ctx, opts)
	case syncmodel.RunFull:
		return e.fullSync(ctx, opts)
	case syncmodel.RunIncremental:
		return e.incrementalSync(ctx, opts)
	default:
		return syncerr.Newf(syncerr.ConfigInvalid, "unknown run kind %q", opts.Kind)
	}
}

func (e *Engine) emit(opts RunOptions, ev syncmodel.SyncEvent) {
	ev.RunID = opts.RunID
	ev.Table = opts.Binding.TargetTable
	if opts.OnEvent != nil {
		opts.OnEvent(ev)
	}
}

// testSync loads up to maxRows into a disposable <table>_test target with
// no primary key, then drops it — validating end-to-end plumbing without
// mutating real state.
func (e *Engine) testSync(ctx context.Context, opts RunOptions) error {
	target := opts.Binding.TargetTable + "_test"
	binding := opts.Binding
	binding.TargetTable = target

	e.emit(opts, syncmodel.SyncEvent{Type: syncmodel.EventStarted, Kind: opts.Kind})

	cols, err := e.describeAndMap(ctx, opts, binding, nil)
	if err != nil {
		e.fail(opts, err)
		return err
	}

	if err := e.writer.DropTable(ctx, target); err != nil {
		e.fail(opts, err)
		return err
	}
	e.emit(opts, syncmodel.SyncEvent{Type: syncmodel.EventProgress, Phase: syncmodel.PhaseDDL})
	if err := e.writer.CreateTable(ctx, target, cols, nil); err != nil {
		e.fail(opts, err)
		return err
	}

	maxRows := opts.MaxRows
	if maxRows <= 0 {
		maxRows = e.cfg.BatchSize
	}
	cursor, err := e.reader.OpenLimited(ctx, binding, toSourceColumns(cols), maxRows)
	if err != nil {
		e.fail(opts, err)
		return err
	}
	defer cursor.Close()

	rowsLoaded, _, err := e.copyLoop(ctx, opts, binding, cursor, nil)
	if err != nil {
		e.fail(opts, err)
		return err
	}

	if err := e.writer.DropTable(ctx, target); err != nil {
		e.fail(opts, err)
		return err
	}
	e.finalizeEvent(opts, rowsLoaded)
	return nil
}

// fullSync drops and recreates the target, re-derives the schema, then
// loads the entire source table. The mapping goes through SaveMapping, so
// its version is kept when the columns are unchanged and bumped when they
// differ; it is not reset to 1.
func (e *Engine) fullSync(ctx context.Context, opts RunOptions) error {
	e.emit(opts, syncmodel.SyncEvent{Type: syncmodel.EventStarted, Kind: opts.Kind})

	cols, err := e.describeAndMap(ctx, opts, opts.Binding, nil)
	if err != nil {
		e.fail(opts, err)
		return err
	}

	if err := e.writer.DropTable(ctx, opts.Binding.TargetTable); err != nil {
		e.fail(opts, err)
		return err
	}
	e.emit(opts, syncmodel.SyncEvent{Type: syncmodel.EventProgress, Phase: syncmodel.PhaseDDL})
	if err := e.writer.CreateTable(ctx, opts.Binding.TargetTable, cols, opts.Binding.PrimaryKey); err != nil {
		e.fail(opts, err)
		return err
	}

	mapping, err := e.store.SaveMapping(opts.Binding.TargetTable, syncmodel.SchemaMapping{Columns: cols})
	if err != nil {
		e.fail(opts, err)
		return err
	}

	cursor, err := e.reader.OpenFull(ctx, opts.Binding, toSourceColumns(cols))
	if err != nil {
		e.fail(opts, err)
		return err
	}
	defer cursor.Close()

	rowsLoaded, lastWatermark, err := e.copyLoop(ctx, opts, opts.Binding, cursor, nil)
	if err != nil {
		return e.handleLoopOutcome(opts, err)
	}

	if err := e.finalize(opts, lastWatermark, rowsLoaded, rowsLoaded, mapping.Version); err != nil {
		e.fail(opts, err)
		return err
	}
	e.finalizeEvent(opts, rowsLoaded)
	return nil
}

// incrementalSync requires an existing target and temporal key; loads
// rows strictly greater than the persisted watermark, resuming from any
// in-flight checkpoint first.
func (e *Engine) incrementalSync(ctx context.Context, opts RunOptions) error {
	if !opts.Binding.SupportsIncremental() {
		err := syncerr.New(syncerr.SchemaUnknown, "binding has no temporal key").WithTable(opts.Binding.TargetTable)
		e.fail(opts, err)
		return err
	}

	e.emit(opts, syncmodel.SyncEvent{Type: syncmodel.EventStarted, Kind: opts.Kind})

	priorMapping, err := e.store.LoadMapping(opts.Binding.TargetTable)
	if err != nil {
		e.fail(opts, err)
		return err
	}
	cols, err := e.describeAndMap(ctx, opts, opts.Binding, priorMapping)
	if err != nil {
		e.fail(opts, err)
		return err
	}

	exists, err := e.writer.TableExists(ctx, opts.Binding.TargetTable)
	if err != nil {
		e.fail(opts, err)
		return err
	}
	if !exists {
		err := syncerr.New(syncerr.SchemaUnknown, "incremental sync requires an existing target table").WithTable(opts.Binding.TargetTable)
		e.fail(opts, err)
		return err
	}
	e.emit(opts, syncmodel.SyncEvent{Type: syncmodel.EventProgress, Phase: syncmodel.PhaseDDL})

	mapping, err := e.store.SaveMapping(opts.Binding.TargetTable, syncmodel.SchemaMapping{Columns: cols})
	if err != nil {
		e.fail(opts, err)
		return err
	}

	prevState, err := e.store.LoadState(opts.Binding.TargetTable)
	if err != nil {
		e.fail(opts, err)
		return err
	}
	watermark := ""
	if prevState != nil {
		watermark = prevState.LastWatermark
	}

	// Resumption: an in-flight checkpoint's lastBatchWatermark is the
	// largest watermark definitely persisted by insertBatch, so resume
	// from there rather than re-reading from the stale saved watermark.
	baseRows := int64(0)
	if prevState != nil {
		baseRows = prevState.TotalRows
	}
	if cp, _ := e.store.LoadCheckpoint(opts.Binding.TargetTable); cp != nil && cp.RowsDone > 0 {
		watermark = cp.LastBatchWatermark
	}

	cursor, err := e.reader.OpenIncremental(ctx, opts.Binding, toSourceColumns(cols), watermark)
	if err != nil {
		e.fail(opts, err)
		return err
	}
	defer cursor.Close()

	rowsLoaded, lastWatermark, err := e.copyLoop(ctx, opts, opts.Binding, cursor, &watermark)
	if err != nil {
		return e.handleLoopOutcome(opts, err)
	}
	if lastWatermark == "" {
		lastWatermark = watermark // empty source: watermark unchanged
	}

	if err := e.finalize(opts, lastWatermark, rowsLoaded, baseRows+rowsLoaded, mapping.Version); err != nil {
		e.fail(opts, err)
		return err
	}
	e.finalizeEvent(opts, rowsLoaded)
	return nil
}

// describeAndMap runs Schema phase: describe the source, map every
// column, and — when priorMapping is non-nil — enforce spec.md §4.6's
// SchemaDrift rule (column set changed → fatal; only types changed →
// version bump, handled by the caller's SaveMapping).
func (e *Engine) describeAndMap(ctx context.Context, opts RunOptions, binding syncmodel.TableBinding, priorMapping *syncmodel.SchemaMapping) ([]syncmodel.ColumnSpec, error) {
	e.emit(opts, syncmodel.SyncEvent{Type: syncmodel.EventProgress, Phase: syncmodel.PhaseSchema})

	described, err := e.reader.Describe(ctx, binding)
	if err != nil {
		return nil, err
	}
	cols, err := typemap.MapColumns(toTypemapColumns(described), binding.PrimaryKey, binding.TemporalKey)
	if err != nil {
		return nil, err
	}

	if priorMapping != nil {
		candidate := syncmodel.SchemaMapping{Columns: cols}
		if !priorMapping.SameColumnSet(candidate) {
			return nil, syncerr.New(syncerr.SchemaDrift, "column set changed; run a full sync").WithTable(binding.TargetTable)
		}
	}
	return cols, nil
}

// copyLoop runs the Copy phase: nextBatch → insertBatch → checkpoint →
// progress, honoring retry, cancellation, and the duration/iteration
// guards. watermarkTracking, if non-nil, is updated to the last acknowledged
// watermark after each committed batch (used by incrementalSync's
// resumption bookkeeping; not required by full/test syncs).
func (e *Engine) copyLoop(ctx context.Context, opts RunOptions, binding syncmodel.TableBinding, cursor *source.Cursor, watermarkTracking *string) (rowsLoaded int64, lastWatermark string, err error) {
	e.emit(opts, syncmodel.SyncEvent{Type: syncmodel.EventProgress, Phase: syncmodel.PhaseCopy})

	start := time.Now()
	maxDuration := e.cfg.MaxDuration()
	batchSize := binding.BatchSize
	if batchSize <= 0 {
		batchSize = e.cfg.BatchSize
	}

	for iteration := 0; ; iteration++ {
		if iteration >= e.cfg.MaxIterations {
			return rowsLoaded, lastWatermark, syncerr.New(syncerr.IterationCap, "batch loop exceeded maxIterations").WithTable(binding.TargetTable)
		}
		if maxDuration > 0 && time.Since(start) > maxDuration {
			return rowsLoaded, lastWatermark, syncerr.New(syncerr.Timeout, "run exceeded maxDuration").WithTable(binding.TargetTable)
		}

		opts.Control.WaitIfPaused(ctx)
		if opts.Control.Cancelled() {
			return rowsLoaded, lastWatermark, cancelledErr{}
		}

		batch, ok, err := e.readBatchWithRetry(ctx, cursor, batchSize)
		if err != nil {
			return rowsLoaded, lastWatermark, err
		}
		if !ok {
			break // end of data
		}

		written, err := e.insertBatchWithRetry(ctx, binding.TargetTable, batch)
		if err != nil {
			return rowsLoaded, lastWatermark, err
		}
		rowsLoaded += written
		if batch.HasMaxWatermark {
			lastWatermark = batch.MaxWatermark
			if watermarkTracking != nil {
				*watermarkTracking = lastWatermark
			}
		}

		cp := syncmodel.ProgressCheckpoint{
			RunID:              opts.RunID,
			TargetTable:        binding.TargetTable,
			RowsDone:           rowsLoaded,
			LastBatchWatermark: lastWatermark,
			StartedAt:          start,
		}
		if err := e.store.WriteCheckpoint(cp); err != nil {
			return rowsLoaded, lastWatermark, err
		}
		if e.metrics != nil {
			e.metrics.BatchesTotal.WithLabelValues(binding.TargetTable).Inc()
			e.metrics.RowsLoadedTotal.WithLabelValues(binding.TargetTable).Add(float64(written))
		}

		e.emit(opts, syncmodel.SyncEvent{
			Type:      syncmodel.EventProgress,
			Phase:     syncmodel.PhaseCopy,
			RowsDone:  rowsLoaded,
			Message:   "",
		})
	}

	return rowsLoaded, lastWatermark, nil
}

// readBatchWithRetry retries SourceReadError per the configured backoff
// policy; all other failures are immediate.
func (e *Engine) readBatchWithRetry(ctx context.Context, cursor *source.Cursor, n int) (*source.Batch, bool, error) {
	var batch *source.Batch
	var ok bool

	op := func() error {
		var err error
		batch, ok, err = cursor.NextBatch(ctx, n)
		if err != nil && syncerr.IsRetryable(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, e.retryPolicy(ctx)); err != nil {
		return nil, false, unwrapPermanent(err)
	}
	return batch, ok, nil
}

// insertBatchWithRetry retries AnalyticsWriteError per the configured
// backoff policy.
func (e *Engine) insertBatchWithRetry(ctx context.Context, table string, batch *source.Batch) (int64, error) {
	var written int64
	op := func() error {
		var err error
		written, err = e.writer.InsertBatch(ctx, table, batch.Columns, batch.Rows)
		if err != nil && syncerr.IsRetryable(err) {
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(op, e.retryPolicy(ctx)); err != nil {
		return 0, unwrapPermanent(err)
	}
	return written, nil
}

// retryPolicy builds the exponential-backoff-with-jitter policy spec.md
// §4.6 specifies: base 1s, factor 2, jitter ±20%, cap 30s, max 3 attempts.
func (e *Engine) retryPolicy(ctx context.Context) backoff.BackOff {
	r := e.cfg.Retry
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(r.BaseMs) * time.Millisecond
	eb.Multiplier = 2
	eb.RandomizationFactor = r.Jitter
	eb.MaxInterval = time.Duration(r.CapMs) * time.Millisecond
	eb.MaxElapsedTime = 0 // bounded by WithMaxRetries below instead

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.MaxAttempts-1)), ctx)
}

func unwrapPermanent(err error) error {
	if pe, ok := err.(*backoff.PermanentError); ok {
		return pe.Err
	}
	return err
}

// finalize persists lastWatermark/totalRows/status and clears the
// checkpoint — the Finalize phase. Every cfg.CompactEveryNRuns completed
// runs it also compacts the target table, the bronze-maintenance pattern
// the teacher runs on its own cadence (bronze_maintenance.go,
// every_n_flushes). rowsLoaded is this run's row count, carried on the
// finalize-phase Progress event so rowsDone never goes backwards.
func (e *Engine) finalize(opts RunOptions, lastWatermark string, rowsLoaded, totalRows int64, mappingVersion int) error {
	e.emit(opts, syncmodel.SyncEvent{Type: syncmodel.EventProgress, Phase: syncmodel.PhaseFinalize, RowsDone: rowsLoaded})

	prev, err := e.store.LoadState(opts.Binding.TargetTable)
	if err != nil {
		return err
	}
	runCount := 1
	if prev != nil {
		runCount = prev.RunCount + 1
	}

	now := time.Now().UTC()
	st := syncmodel.SyncState{
		LastSyncAt:     &now,
		LastWatermark:  lastWatermark,
		TotalRows:      totalRows,
		MappingVersion: mappingVersion,
		Status:         syncmodel.StatusIdle,
		RunCount:       runCount,
	}
	if err := e.store.SaveState(opts.Binding.TargetTable, st); err != nil {
		return err
	}
	if err := e.store.ClearCheckpoint(opts.Binding.TargetTable); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(opts.Binding.TargetTable, "completed").Inc()
		if wmTime, err := time.Parse(time.RFC3339Nano, leadingWatermark(lastWatermark)); err == nil {
			e.metrics.LastWatermarkUnix.WithLabelValues(opts.Binding.TargetTable).Set(float64(wmTime.Unix()))
		}
	}

	if n := e.cfg.CompactEveryNRuns; n > 0 && runCount%n == 0 {
		if err := e.writer.Compact(context.Background(), opts.Binding.TargetTable); err != nil && e.logger != nil {
			e.logger.Warn("compaction failed", zap.String("table", opts.Binding.TargetTable), zap.Error(err))
		}
	}
	return nil
}

func (e *Engine) finalizeEvent(opts RunOptions, rowsLoaded int64) {
	e.emit(opts, syncmodel.SyncEvent{
		Type:       syncmodel.EventCompleted,
		RowsLoaded: rowsLoaded,
	})
}

// cancelledErr is a sentinel distinguishing cooperative stop from a real
// failure; handleLoopOutcome maps it to a Stopped event, not Failed.
type cancelledErr struct{}

func (cancelledErr) Error() string { return "sync cancelled" }

// handleLoopOutcome classifies a copyLoop error as Stopped (cancellation)
// or Failed (everything else), persisting status=failed and leaving the
// checkpoint in place on failure per spec.md §4.6.
func (e *Engine) handleLoopOutcome(opts RunOptions, err error) error {
	if _, cancelled := err.(cancelledErr); cancelled {
		reason := "cancelled"
		if opts.Control.Reason != nil {
			if r := opts.Control.Reason(); r != "" {
				reason = r
			}
		}
		e.emit(opts, syncmodel.SyncEvent{Type: syncmodel.EventStopped, Reason: reason})
		return nil
	}
	e.fail(opts, err)
	return err
}

func (e *Engine) fail(opts RunOptions, err error) {
	// Once the cancel signal is raised, an error from any phase (typically
	// the cancelled context itself) ends the run as Stopped, not Failed.
	if opts.Control.Cancelled != nil && opts.Control.Cancelled() {
		e.handleLoopOutcome(opts, cancelledErr{})
		return
	}
	kind := syncerr.Kind("Unknown")
	retryable := false
	if se, ok := err.(*syncerr.Error); ok {
		kind = se.Kind
		retryable = se.Retryable
	}

	if prev, _ := e.store.LoadState(opts.Binding.TargetTable); prev != nil {
		prev.Status = syncmodel.StatusFailed
		e.store.SaveState(opts.Binding.TargetTable, *prev)
	}
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues(opts.Binding.TargetTable, "failed").Inc()
	}
	if e.logger != nil {
		e.logger.Error("sync run failed", zap.String("table", opts.Binding.TargetTable), zap.Error(err))
	}

	e.emit(opts, syncmodel.SyncEvent{
		Type:      syncmodel.EventFailed,
		ErrorKind: string(kind),
		Retryable: retryable,
		Message:   err.Error(),
	})
}

func toSourceColumns(cols []syncmodel.ColumnSpec) []source.ColumnInfo {
	out := make([]source.ColumnInfo, len(cols))
	for i, c := range cols {
		out[i] = source.ColumnInfo{Name: c.Name, SourceType: c.SourceType, Nullable: c.Nullable}
	}
	return out
}

// leadingWatermark returns the first component of a (possibly composite,
// \x1f-joined) watermark string — the temporal-key column is always
// ordered first by source.orderColumns, so this is the value worth
// exposing as a Unix-seconds gauge even when later components aren't
// timestamps.
func leadingWatermark(watermark string) string {
	if i := strings.IndexByte(watermark, '\x1f'); i >= 0 {
		return watermark[:i]
	}
	return watermark
}

func toTypemapColumns(cols []source.ColumnInfo) []typemap.SourceColumn {
	out := make([]typemap.SourceColumn, len(cols))
	for i, c := range cols {
		out[i] = typemap.SourceColumn{Name: c.Name, SourceType: c.SourceType, Nullable: c.Nullable}
	}
	return out
}
