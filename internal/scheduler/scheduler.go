package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/obslog"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/synclock"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncmodel"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/worker"
)

// JobInfo describes a registered recurring trigger.
type JobInfo struct {
	Name     string
	CronExpr string
	Bindings []syncmodel.TableBinding
	NextRun  time.Time
}

// JobOptions configures a registered job beyond its cron expression.
type JobOptions struct {
	// FullIfMissing, when true, makes the trigger run a full sync for any
	// binding whose target table does not yet exist, incremental
	// otherwise. The zero value (false) runs incremental for every
	// binding, including one whose target table is missing.
	FullIfMissing bool
}

// WorkerFactory builds the Worker a job's bindings run against. The
// scheduler itself holds no engine/reader/writer state — it only
// sequences triggers and lock acquisition, per spec.md §4.8.
type WorkerFactory func(binding syncmodel.TableBinding) *worker.Worker

// TableExists reports whether binding's target already exists, used to
// choose incremental vs. full per spec.md §4.8.
type TableExists func(binding syncmodel.TableBinding) (bool, error)

type job struct {
	name     string
	spec     cronSpec
	exprText string
	bindings []syncmodel.TableBinding
	opts     JobOptions
	nextRun  time.Time
}

// Scheduler drives registered jobs, skipping a trigger (not queuing it)
// when the Sync Lock is already held.
type Scheduler struct {
	lock        *synclock.Lock
	newWorker   WorkerFactory
	tableExists TableExists
	logger      *zap.Logger
	metrics     *obslog.Metrics

	mu      sync.Mutex
	jobs    map[string]*job
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New returns a Scheduler guarded by lock, building a fresh Worker per
// triggered binding via newWorker. metrics may be nil.
func New(lock *synclock.Lock, newWorker WorkerFactory, tableExists TableExists, logger *zap.Logger, metrics *obslog.Metrics) *Scheduler {
	return &Scheduler{
		lock:        lock,
		newWorker:   newWorker,
		tableExists: tableExists,
		logger:      logger,
		metrics:     metrics,
		jobs:        map[string]*job{},
	}
}

// RegisterRecurring registers name to fire on cronExpr against bindings.
// Duplicate names are rejected.
func (s *Scheduler) RegisterRecurring(name, cronExpr string, bindings []syncmodel.TableBinding, opts JobOptions) error {
	spec, err := parseCron(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression for %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %q already registered", name)
	}
	s.jobs[name] = &job{
		name:     name,
		spec:     spec,
		exprText: cronExpr,
		bindings: bindings,
		opts:     opts,
		nextRun:  spec.next(time.Now()),
	}
	return nil
}

// Cancel removes a registered job. Not an error if name is unknown.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, name)
}

// List returns the currently registered jobs.
func (s *Scheduler) List() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, JobInfo{Name: j.name, CronExpr: j.exprText, Bindings: j.bindings, NextRun: j.nextRun})
	}
	return out
}

// Start launches the trigger dispatcher on its own goroutine. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.dispatch(runCtx)
}

// Stop halts the dispatcher, waiting up to timeout for it to exit.
// Idempotent.
func (s *Scheduler) Stop(timeout time.Duration) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	done := s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func (s *Scheduler) dispatch(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*job, 0)
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			due = append(due, j)
			j.nextRun = j.spec.next(now)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.fire(ctx, j)
	}
}

// fire acquires the Sync Lock and runs j's bindings. The lock is held for
// the lifetime of every triggered run, not just the (non-blocking) Start
// call, so a concurrent trigger observes LockBusy for as long as any
// binding from this firing is still in flight (spec.md §8, S6).
func (s *Scheduler) fire(ctx context.Context, j *job) {
	handle, err := s.lock.Acquire(j.name, 0)
	if err != nil {
		if s.metrics != nil {
			s.metrics.LockContentionTotal.Inc()
		}
		if s.logger != nil {
			s.logger.Info("skipping overlapping trigger", zap.String("job", j.name), zap.String("reason", "overlap"))
		}
		return
	}

	var wg sync.WaitGroup
	for _, binding := range j.bindings {
		kind := syncmodel.RunIncremental
		if j.opts.FullIfMissing {
			exists, err := s.tableExists(binding)
			if err == nil && !exists {
				kind = syncmodel.RunFull
			}
		}
		w := s.newWorker(binding)
		if _, err := w.Start(ctx, worker.RunSpec{Kind: kind, Binding: binding}); err != nil {
			if s.logger != nil {
				s.logger.Warn("failed to start triggered run", zap.String("job", j.name), zap.String("table", binding.TargetTable), zap.Error(err))
			}
			continue
		}
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			for range w.Events() {
			}
		}(w)
	}

	go func() {
		wg.Wait()
		s.lock.Release(handle)
	}()
}
