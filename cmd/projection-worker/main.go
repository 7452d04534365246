// Command projection-worker runs a set of projections against a Postgres
// event log. It demonstrates the full bootstrap: env config, zap logging,
// prometheus metrics, registry lifecycle and graceful shutdown.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keyfold/keysourcing/es"
	"github.com/keyfold/keysourcing/es/adapters/postgres"
	"github.com/keyfold/keysourcing/es/metrics/prom"
	"github.com/keyfold/keysourcing/es/projection"
	"github.com/keyfold/keysourcing/es/zaplog"
)

type config struct {
	Environment    string        `env:"ENVIRONMENT" envDefault:"development"`
	DatabaseURL    string        `env:"DATABASE_URL,required"`
	InstanceID     string        `env:"INSTANCE_ID,required"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"500ms"`
	LockTTL        time.Duration `env:"LOCK_TTL" envDefault:"5s"`
	EnableLocking  bool          `env:"ENABLE_LOCKING" envDefault:"true"`
	MetricsAddr    string        `env:"METRICS_ADDR" envDefault:":9090"`
	MaxOpenConns   int           `env:"DB_MAX_OPEN_CONNS" envDefault:"5"`
	ShutdownPeriod time.Duration `env:"SHUTDOWN_PERIOD" envDefault:"10s"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "projection-worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	logger, err := zaplog.New(cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	//nolint:errcheck // Sync error on shutdown is not actionable
	defer logger.Sync()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	store := postgres.NewStore(db, postgres.NewStoreConfig(postgres.WithLogger(logger)))

	promReg := prometheus.NewRegistry()
	registry := projection.NewRegistry(projection.Dependencies{
		Events:       store,
		Tracker:      store,
		Locker:       store,
		FailedEvents: store,
		DB:           db,
	}, logger)

	projections := []projection.Projection{
		&eventCounts{},
	}
	for _, proj := range projections {
		err := registry.Register(projection.HandlerConfig{
			Interval:      cfg.PollInterval,
			InstanceID:    cfg.InstanceID,
			EnableLocking: cfg.EnableLocking,
			LockTTL:       cfg.LockTTL,
			Metrics:       handlerMetrics(promReg, proj.Name()),
		}, proj)
		if err != nil {
			return err
		}
	}

	if err := registry.Init(ctx); err != nil {
		return err
	}
	if err := registry.StartAll(ctx); err != nil {
		return err
	}
	logger.Info(ctx, "projections started", "names", registry.Names())

	waiter := projection.NewWaitHelper(store, store, cfg.InstanceID)
	metricsSrv := serveMetrics(cfg.MetricsAddr, promReg, waiter, registry.Names())

	<-ctx.Done()
	logger.Info(context.Background(), "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()
	//nolint:errcheck // Metrics server shutdown is best effort
	metricsSrv.Shutdown(shutdownCtx)

	registry.StopAll()
	logger.Info(context.Background(), "projections stopped")
	return nil
}

func handlerMetrics(reg prometheus.Registerer, name string) projection.HandlerMetrics {
	labeled := prometheus.WrapRegistererWith(prometheus.Labels{"projection": name}, reg)
	return projection.HandlerMetrics{
		EventsProcessed: prom.NewCounter(labeled, prometheus.CounterOpts{
			Name: "projection_events_processed_total",
			Help: "Events successfully reduced.",
		}),
		ReduceFailures: prom.NewCounter(labeled, prometheus.CounterOpts{
			Name: "projection_reduce_failures_total",
			Help: "Events recorded to the failure log.",
		}),
		TicksSkipped: prom.NewCounter(labeled, prometheus.CounterOpts{
			Name: "projection_ticks_skipped_total",
			Help: "Polling ticks skipped because another instance held the lease.",
		}),
		LagSeconds: prom.NewGauge(labeled, prometheus.GaugeOpts{
			Name: "projection_lag_seconds",
			Help: "Age of the last applied event.",
		}),
	}
}

// serveMetrics exposes /metrics plus a readiness endpoint backed by
// projection health.
func serveMetrics(addr string, promReg *prometheus.Registry, waiter *projection.WaitHelper, names []string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		for _, name := range names {
			if !waiter.IsProjectionHealthy(r.Context(), name, 30*time.Second) {
				http.Error(w, fmt.Sprintf("projection %s lagging", name), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		//nolint:errcheck // ErrServerClosed on shutdown is expected
		srv.ListenAndServe()
	}()
	return srv
}

// eventCounts is a minimal example read model: one row per aggregate with
// its event count and latest sequence. Real deployments register their
// domain projections (users, orgs, sessions, ...) instead.
type eventCounts struct{}

func (p *eventCounts) Name() string { return "event_counts" }

func (p *eventCounts) Tables() []string { return []string{"event_counts"} }

func (p *eventCounts) Init(ctx context.Context, db es.DBTX) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS event_counts (
			instance_id TEXT NOT NULL,
			aggregate_type TEXT NOT NULL,
			aggregate_id TEXT NOT NULL,
			event_count BIGINT NOT NULL,
			last_sequence BIGINT NOT NULL,
			PRIMARY KEY (instance_id, aggregate_type, aggregate_id)
		)
	`)
	return err
}

func (p *eventCounts) Reduce(ctx context.Context, db es.DBTX, event es.Event) error {
	// Idempotent: re-applying the same event leaves last_sequence and the
	// derived count unchanged.
	_, err := db.ExecContext(ctx, `
		INSERT INTO event_counts (instance_id, aggregate_type, aggregate_id, event_count, last_sequence)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (instance_id, aggregate_type, aggregate_id)
		DO UPDATE SET
			event_count = GREATEST(event_counts.event_count, EXCLUDED.event_count),
			last_sequence = GREATEST(event_counts.last_sequence, EXCLUDED.last_sequence)
	`, event.InstanceID, event.AggregateType, event.AggregateID, event.Sequence)
	return err
}
