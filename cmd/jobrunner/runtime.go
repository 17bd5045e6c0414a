package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/time/rate"

	"github.com/scarson/jobrunner/internal/config"
	"github.com/scarson/jobrunner/internal/download"
	"github.com/scarson/jobrunner/internal/inference"
	"github.com/scarson/jobrunner/internal/job"
	"github.com/scarson/jobrunner/internal/metrics"
	"github.com/scarson/jobrunner/internal/notify"
	"github.com/scarson/jobrunner/internal/safehttp"
	"github.com/scarson/jobrunner/internal/store"
	"github.com/scarson/jobrunner/internal/store/sqlitestore"
	"github.com/scarson/jobrunner/internal/worker"
)

const driverSQLite = "sqlite3"

// downloadTimeout bounds one download request, body included.
const downloadTimeout = time.Hour

// jobStore is everything the binary needs from a datastore. Both the
// PostgreSQL and SQLite stores satisfy it.
type jobStore interface {
	worker.Store
	worker.Recoverer
	Ping(ctx context.Context) error
	EnqueueJob(ctx context.Context, p job.EnqueueParams) (*job.Job, error)
	GetJob(ctx context.Context, token string) (*job.Job, error)
	CancelJob(ctx context.Context, token string, bySystem bool) (bool, error)
}

// openStore opens the datastore selected by DB_DRIVER. The returned func
// releases it.
func openStore(ctx context.Context, cfg *config.Config) (jobStore, func(), error) {
	if cfg.DBDriver == driverSQLite {
		s, err := sqlitestore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store.New(db), db.Close, nil
}

// buildPool wires one scheduler per configured category to its handler.
func buildPool(cfg *config.Config, st jobStore, logger *slog.Logger) (*worker.Pool, error) {
	overrides, err := config.LoadCategoryOverrides(cfg.CategoryOverridesFile)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	schedCfgs, err := schedulerConfigs(cfg, overrides, logger)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	client := safehttp.NewClient(0)
	handlers := map[job.Category]worker.Handler{
		job.CategoryInference: inference.NewHandler(client, cfg.InferenceProviderURL, cfg.InferenceAPIKey).Handle,
		job.CategoryDownload:  download.NewHandler(safehttp.NewClient(downloadTimeout), cfg.DownloadDir, cfg.DownloadMaxBytes).Handle,
		job.CategoryNotification: notify.NewHandler(client, notify.SmtpConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		}, rate.NewLimiter(rate.Limit(cfg.NotifyRatePerSecond), cfg.NotifyRateBurst)).Handle,
	}

	pool := worker.NewPool(logger)
	for _, sc := range schedCfgs {
		pool.Add(worker.NewScheduler(sc, st, handlers[sc.Category]))
	}
	pool.EnableStaleRecovery(st, cfg.StaleClaimThreshold)

	id := cfg.Identity()
	metrics.WorkerInfo.WithLabelValues(id.Hostname, strconv.FormatBool(id.IsDebugWorker), strconv.FormatBool(id.IsOnPrem)).Set(1)
	return pool, nil
}

// schedulerConfigs builds one scheduler config per distinct category in
// WORKER_CATEGORIES, applying per-category overrides.
func schedulerConfigs(cfg *config.Config, overrides config.CategoryOverrides, logger *slog.Logger) ([]worker.Config, error) {
	minPriority, err := cfg.MinimumPriorityLevel()
	if err != nil {
		return nil, err
	}
	identity := cfg.Identity()
	workerID := worker.NewWorkerID(identity)

	seen := make(map[job.Category]bool, len(cfg.WorkerCategories))
	out := make([]worker.Config, 0, len(cfg.WorkerCategories))
	for _, name := range cfg.WorkerCategories {
		c, err := job.ParseCategory(name)
		if err != nil {
			return nil, err
		}
		if seen[c] {
			continue
		}
		seen[c] = true

		sc := worker.Config{
			Category:           c,
			Identity:           identity,
			WorkerID:           workerID,
			BatchSize:          cfg.JobBatchSize,
			MinimumPriority:    minPriority,
			StarvationEveryNth: cfg.StarvationEveryNth,
			BatchWait:          config.Millis(cfg.JobBatchWaitMS),
			IdleWait:           config.Millis(cfg.JobIdleWaitMS),
			BackoffFloor:       config.Millis(cfg.ErrorBackoffFloorMS),
			BackoffIncrement:   config.Millis(cfg.ErrorBackoffIncrementMS),
			BackoffMax:         config.Millis(cfg.ErrorBackoffMaxMS),
			HandlerTimeout:     cfg.JobHandlerTimeout,
			UnhealthyThreshold: cfg.UnhealthyFailureThreshold,
			Logger:             logger,
		}
		if o, ok := overrides[c]; ok {
			if o.BatchSize != nil {
				sc.BatchSize = *o.BatchSize
			}
			if o.MinimumPriority != nil {
				sc.MinimumPriority = o.MinimumPriority
			}
			if o.StarvationEveryNth != nil {
				sc.StarvationEveryNth = *o.StarvationEveryNth
			}
			if o.IdleWaitMS != nil {
				sc.IdleWait = config.Millis(*o.IdleWaitMS)
			}
		}
		out = append(out, sc)
	}
	return out, nil
}

// newPool creates and validates a pgxpool with PgBouncer compatibility,
// a statement timeout and explicit pool sizing.
//
// Retries up to 10 times with linear backoff to handle Docker Compose startup
// race where Postgres is not immediately ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}

	// Advisory schema version check: warn if the applied schema version does
	// not match the version the binary was compiled for.
	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `jobrunner migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 1

// newLogger creates a slog.Logger based on the configured log level and
// format. Debug workers always log at debug level.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if cfg.IsDebugWorker {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h).With("hostname", cfg.WorkerHostname)
}
