// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// Load fails if any field tagged "required" is missing or [Config.Validate]
// rejects a value, so misconfiguration stops the process before any
// scheduler loop starts.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/scarson/jobrunner/internal/job"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBDriver             string        `env:"DB_DRIVER"               envDefault:"postgres"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"simple_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Scheduler ────────────────────────────────────────────────────────────────
	// Categories this process polls; one scheduler instance runs per entry.
	WorkerCategories   []string `env:"WORKER_CATEGORIES"                            envDefault:"inference" envSeparator:","`
	JobBatchSize       int      `env:"JOB_BATCH_SIZE"                               envDefault:"10"`
	JobBatchWaitMS     int64    `env:"JOB_BATCH_WAIT_MILLIS"                        envDefault:"100"`
	JobIdleWaitMS      int64    `env:"JOB_IDLE_WAIT_MILLIS"                         envDefault:"1000"`
	JobMaxAttempts     int32    `env:"JOB_MAX_ATTEMPTS"                             envDefault:"3"`
	StarvationEveryNth uint32   `env:"LOW_PRIORITY_STARVATION_PREVENTION_EVERY_NTH" envDefault:"3"`
	// Empty means no minimum.
	MinimumPriority string `env:"MAYBE_MINIMUM_PRIORITY"`

	ErrorBackoffFloorMS     int64 `env:"ERROR_BACKOFF_FLOOR_MILLIS"     envDefault:"500"`
	ErrorBackoffIncrementMS int64 `env:"ERROR_BACKOFF_INCREMENT_MILLIS" envDefault:"500"`
	// Zero means uncapped linear growth.
	ErrorBackoffMaxMS int64 `env:"ERROR_BACKOFF_MAX_MILLIS" envDefault:"60000"`

	UnhealthyFailureThreshold uint32 `env:"UNHEALTHY_CONSECUTIVE_FAILURE_THRESHOLD" envDefault:"10"`

	// Zero means handlers run without a deadline.
	JobHandlerTimeout time.Duration `env:"JOB_HANDLER_TIMEOUT" envDefault:"0s"`
	// Zero disables the stale-claim sweeper.
	StaleClaimThreshold time.Duration `env:"STALE_CLAIM_THRESHOLD" envDefault:"0s"`
	// Optional YAML file of per-category scheduler overrides.
	CategoryOverridesFile string `env:"CATEGORY_OVERRIDES_FILE"`

	// ── Worker identity ──────────────────────────────────────────────────────────
	// Defaults to os.Hostname() when empty.
	WorkerHostname string `env:"WORKER_HOSTNAME"`
	IsDebugWorker  bool   `env:"IS_DEBUG_WORKER" envDefault:"false"`
	IsOnPrem       bool   `env:"IS_ON_PREM"      envDefault:"false"`

	// ── Email, SMTP ──────────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"jobrunner@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── Handlers ─────────────────────────────────────────────────────────────────
	NotifyRatePerSecond  float64 `env:"NOTIFY_RATE_PER_SECOND"  envDefault:"5"`
	NotifyRateBurst      int     `env:"NOTIFY_RATE_BURST"       envDefault:"10"`
	DownloadDir          string  `env:"DOWNLOAD_DIR"            envDefault:"./downloads"`
	DownloadMaxBytes     int64   `env:"DOWNLOAD_MAX_BYTES"      envDefault:"1073741824"`
	InferenceProviderURL string  `env:"INFERENCE_PROVIDER_URL"`
	InferenceAPIKey      string  `env:"INFERENCE_API_KEY"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses Config from environment variables and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if cfg.WorkerHostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolve hostname: %w", err)
		}
		cfg.WorkerHostname = h
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// maxMillis is the largest millisecond count that still fits a time.Duration.
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// Validate rejects values the scheduler cannot run with. All problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.DBDriver != "postgres" && c.DBDriver != "sqlite3" {
		errs = append(errs, fmt.Errorf("DB_DRIVER must be postgres or sqlite3, got %q", c.DBDriver))
	}
	if len(c.WorkerCategories) == 0 {
		errs = append(errs, errors.New("WORKER_CATEGORIES must list at least one category"))
	}
	for _, name := range c.WorkerCategories {
		if _, err := job.ParseCategory(name); err != nil {
			errs = append(errs, fmt.Errorf("WORKER_CATEGORIES: %w", err))
		}
	}
	if c.JobBatchSize < 1 {
		errs = append(errs, fmt.Errorf("JOB_BATCH_SIZE must be >= 1, got %d", c.JobBatchSize))
	}
	if c.JobMaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("JOB_MAX_ATTEMPTS must be >= 0, got %d", c.JobMaxAttempts))
	}
	if c.StarvationEveryNth < 1 {
		errs = append(errs, errors.New("LOW_PRIORITY_STARVATION_PREVENTION_EVERY_NTH must be >= 1"))
	}
	if c.UnhealthyFailureThreshold < 1 {
		errs = append(errs, errors.New("UNHEALTHY_CONSECUTIVE_FAILURE_THRESHOLD must be >= 1"))
	}
	if _, err := c.MinimumPriorityLevel(); err != nil {
		errs = append(errs, err)
	}
	for name, v := range map[string]int64{
		"JOB_BATCH_WAIT_MILLIS":          c.JobBatchWaitMS,
		"JOB_IDLE_WAIT_MILLIS":           c.JobIdleWaitMS,
		"ERROR_BACKOFF_FLOOR_MILLIS":     c.ErrorBackoffFloorMS,
		"ERROR_BACKOFF_INCREMENT_MILLIS": c.ErrorBackoffIncrementMS,
		"ERROR_BACKOFF_MAX_MILLIS":       c.ErrorBackoffMaxMS,
	} {
		if v < 0 || v > maxMillis {
			errs = append(errs, fmt.Errorf("%s out of range: %d", name, v))
		}
	}
	if c.ErrorBackoffFloorMS < 1 {
		errs = append(errs, errors.New("ERROR_BACKOFF_FLOOR_MILLIS must be >= 1"))
	}
	if c.ErrorBackoffIncrementMS < 1 {
		errs = append(errs, errors.New("ERROR_BACKOFF_INCREMENT_MILLIS must be >= 1"))
	}
	if c.ErrorBackoffMaxMS > 0 && c.ErrorBackoffMaxMS < c.ErrorBackoffFloorMS {
		errs = append(errs, errors.New("ERROR_BACKOFF_MAX_MILLIS must be >= ERROR_BACKOFF_FLOOR_MILLIS"))
	}
	if c.JobHandlerTimeout < 0 || c.StaleClaimThreshold < 0 {
		errs = append(errs, errors.New("JOB_HANDLER_TIMEOUT and STALE_CLAIM_THRESHOLD must not be negative"))
	}
	if c.NotifyRatePerSecond <= 0 || c.NotifyRateBurst < 1 {
		errs = append(errs, errors.New("NOTIFY_RATE_PER_SECOND must be > 0 and NOTIFY_RATE_BURST >= 1"))
	}
	if c.WorkerHostname == "" {
		errs = append(errs, errors.New("WORKER_HOSTNAME could not be determined"))
	}
	return errors.Join(errs...)
}

// MinimumPriorityLevel parses MAYBE_MINIMUM_PRIORITY. It returns nil when
// no minimum is configured.
func (c *Config) MinimumPriorityLevel() (*uint8, error) {
	return parsePriority("MAYBE_MINIMUM_PRIORITY", c.MinimumPriority)
}

func parsePriority(name, raw string) (*uint8, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		return nil, fmt.Errorf("%s must be an integer in 0..255, got %q", name, raw)
	}
	p := uint8(v)
	return &p, nil
}

// Identity returns the worker identity of this process.
func (c *Config) Identity() job.WorkerIdentity {
	return job.WorkerIdentity{
		Hostname:      c.WorkerHostname,
		IsDebugWorker: c.IsDebugWorker,
		IsOnPrem:      c.IsOnPrem,
	}
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// Millis converts a validated millisecond setting to a Duration.
func Millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
