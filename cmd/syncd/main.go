// Command syncd wires the config, observability, state, lock, source,
// analytics, engine, worker, and scheduler packages into a running
// process. CLI flag parsing and env-var loading are themselves out of
// scope (spec.md §1 Non-goals); this is the thin demonstration wiring
// around the core, shaped after the teacher's own main.go/health.go
// service assembly.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/analytics"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/engine"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/obslog"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/scheduler"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/source"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/state"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/synclock"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncconfig"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/syncmodel"
	"github.com/withObsrvr/oracle-duckdb-sync-core/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the sync core's YAML configuration")
	healthAddr := flag.String("health-addr", ":8089", "address for the health/metrics HTTP server")
	flag.Parse()

	if err := run(*configPath, *healthAddr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, healthAddr string) error {
	cfg, err := syncconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := obslog.New("info", true)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	registry := prometheus.NewRegistry()
	metrics := obslog.NewMetrics(registry)

	store := state.New(cfg.State.Dir)
	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	lockPath := cfg.State.Dir + "/sync.lock"
	lock := synclock.New(lockPath, cfg.Lock.StaleThreshold(), logger)

	writer, err := analytics.Open(cfg.Analytics.Path, cfg.Analytics.Database)
	if err != nil {
		return fmt.Errorf("analytics: %w", err)
	}
	defer writer.Close()

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=disable",
		cfg.Source.Host, cfg.Source.Port, cfg.Source.Service, cfg.Source.User, cfg.Source.Password)
	reader, err := source.Open("pgx", dsn, source.PostgresDialect{})
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	defer reader.Close()

	logger.Info("connected to source", zap.String("dsn", cfg.Source.Redact()))

	eng := engine.New(reader, writer, store, cfg.Sync, logger, metrics)

	newWorker := func(binding syncmodel.TableBinding) *worker.Worker {
		return worker.New(eng, logger, metrics, cfg.Progress.ChannelCapacity)
	}
	tableExists := func(binding syncmodel.TableBinding) (bool, error) {
		return writer.TableExists(context.Background(), binding.TargetTable)
	}
	sched := scheduler.New(lock, newWorker, tableExists, logger, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	sched.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	server := &http.Server{Addr: healthAddr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server exited", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	cancel()
	sched.Stop(30 * time.Second)
	server.Shutdown(context.Background())
	return nil
}
