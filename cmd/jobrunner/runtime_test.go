package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/jobrunner/internal/config"
	"github.com/scarson/jobrunner/internal/job"
	"github.com/scarson/jobrunner/internal/store/sqlitestore"
)

func testConfig() *config.Config {
	return &config.Config{
		DBDriver:                  driverSQLite,
		WorkerCategories:          []string{"download", "notification", "download"},
		JobBatchSize:              10,
		JobBatchWaitMS:            100,
		JobIdleWaitMS:             1000,
		JobMaxAttempts:            3,
		StarvationEveryNth:        3,
		MinimumPriority:           "2",
		ErrorBackoffFloorMS:       500,
		ErrorBackoffIncrementMS:   250,
		ErrorBackoffMaxMS:         60000,
		UnhealthyFailureThreshold: 10,
		NotifyRatePerSecond:       5,
		NotifyRateBurst:           10,
		WorkerHostname:            "cpu-worker-1",
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestSchedulerConfigs_DedupesAndAppliesOverrides(t *testing.T) {
	batch := 2
	idle := int64(5000)
	overrides := config.CategoryOverrides{
		job.CategoryDownload: {BatchSize: &batch, IdleWaitMS: &idle},
	}

	got, err := schedulerConfigs(testConfig(), overrides, discard())
	require.NoError(t, err)
	require.Len(t, got, 2)

	dl, nt := got[0], got[1]
	assert.Equal(t, job.CategoryDownload, dl.Category)
	assert.Equal(t, 2, dl.BatchSize)
	assert.Equal(t, 5*time.Second, dl.IdleWait)
	assert.Equal(t, 100*time.Millisecond, dl.BatchWait)
	assert.Equal(t, 250*time.Millisecond, dl.BackoffIncrement)

	assert.Equal(t, job.CategoryNotification, nt.Category)
	assert.Equal(t, 10, nt.BatchSize)
	assert.Equal(t, time.Second, nt.IdleWait)
	require.NotNil(t, nt.MinimumPriority)
	assert.Equal(t, uint8(2), *nt.MinimumPriority)

	assert.Equal(t, dl.WorkerID, nt.WorkerID)
	assert.Contains(t, dl.WorkerID, "cpu-worker-1/")
}

func TestEnqueueParams(t *testing.T) {
	cfg := testConfig()
	five := int32(5)
	overrides := config.CategoryOverrides{job.CategoryNotification: {MaxAttempts: &five}}

	p, err := enqueueParams(cfg, overrides, enqueueFlags{
		category:    "notification",
		priority:    7,
		maxAttempts: -1,
		routingTag:  "gpu-",
		payload:     `{"channel":"webhook","url":"https://example.com/hook","body":{}}`,
	})
	require.NoError(t, err)
	assert.Equal(t, job.CategoryNotification, p.Category)
	assert.Equal(t, uint8(7), p.PriorityLevel)
	assert.Equal(t, int32(5), p.MaxAttempts)
	require.NotNil(t, p.RoutingTag)
	assert.Equal(t, "gpu-", *p.RoutingTag)

	p, err = enqueueParams(cfg, nil, enqueueFlags{category: "inference", maxAttempts: -1, payload: `{"model":"m"}`})
	require.NoError(t, err)
	assert.Equal(t, int32(3), p.MaxAttempts)
	assert.Nil(t, p.RoutingTag)

	_, err = enqueueParams(cfg, nil, enqueueFlags{category: "inference", payload: `{}`})
	assert.ErrorIs(t, err, job.ErrInvalidPayload)

	_, err = enqueueParams(cfg, nil, enqueueFlags{category: "video", payload: `{}`})
	assert.ErrorIs(t, err, job.ErrUnknownCategory)

	_, err = enqueueParams(cfg, nil, enqueueFlags{category: "inference"})
	assert.Error(t, err)
}

func TestBuildPool_RegistersEveryCategory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.DatabaseURL = filepath.Join(t.TempDir(), "jobs.db")
	cfg.DownloadDir = t.TempDir()

	st, closeStore, err := openStore(ctx, cfg)
	require.NoError(t, err)
	defer closeStore()
	_, ok := st.(*sqlitestore.Store)
	assert.True(t, ok)

	pool, err := buildPool(cfg, st, discard())
	require.NoError(t, err)

	reports := pool.Reports()
	assert.Len(t, reports, 2)
	assert.Contains(t, reports, job.CategoryDownload)
	assert.Contains(t, reports, job.CategoryNotification)
	for _, r := range reports {
		assert.True(t, r.IsHealthy)
	}
}
