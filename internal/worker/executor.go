package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/scarson/jobrunner/internal/job"
	"github.com/scarson/jobrunner/internal/metrics"
)

// executor runs claimed jobs one after another and records their outcome.
type executor struct {
	store   Store
	handler Handler
	health  *Health
	timeout time.Duration // 0 = no deadline
	log     *slog.Logger
	now     func() time.Time
}

// run executes jobs sequentially. A failing or panicking handler never
// stops the batch. Once ctx is done the remaining jobs are released back to
// the queue without being started. The returned error is the first store
// error seen while recording outcomes.
func (e *executor) run(ctx context.Context, jobs []job.Job) error {
	var storeErr error
	for _, j := range jobs {
		var err error
		if ctx.Err() != nil {
			err = e.abandon(j)
		} else {
			err = e.runOne(ctx, j)
		}
		if err != nil && storeErr == nil {
			storeErr = err
		}
	}
	return storeErr
}

func (e *executor) runOne(ctx context.Context, j job.Job) error {
	log := e.log.With("job_id", j.ID, "job_token", j.PublicToken, "attempt", j.AttemptCount)
	started := e.now()
	e.health.JobStarted(j.PublicToken, started)

	herr := e.invoke(ctx, j)
	elapsed := e.now().Sub(started)
	metrics.JobDuration.WithLabelValues(string(j.Category)).Observe(elapsed.Seconds())
	e.health.JobFinished(herr == nil)

	outcome, reason := job.OutcomeSuccess, ""
	if herr != nil {
		outcome, reason = j.FailureOutcome(), herr.Error()
		log.Warn("job failed", "outcome", outcome, "max_attempts", j.MaxAttempts, "duration", elapsed, "error", herr)
	} else {
		log.Info("job succeeded", "duration", elapsed)
	}
	return e.finish(j, outcome, reason, log)
}

// invoke calls the handler, turning a panic into an error.
func (e *executor) invoke(ctx context.Context, j job.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("job handler panicked", "job_id", j.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	if _, perr := job.ParseCategory(string(j.Category)); perr != nil {
		return perr
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.handler(ctx, j)
}

// abandon hands an unstarted job back to the queue. The claim's attempt is
// undone, so a job on its last allowed attempt is never failed by a
// shutdown.
func (e *executor) abandon(j job.Job) error {
	log := e.log.With("job_id", j.ID, "job_token", j.PublicToken, "attempt", j.AttemptCount)
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	err := e.store.ReleaseJob(ctx, j.ID)
	switch {
	case err == nil:
		log.Info("released unstarted job on shutdown")
		return nil
	case errors.Is(err, job.ErrClaimLost):
		log.Warn("claim no longer held when releasing job")
		return nil
	default:
		log.Error("release job", "error", err)
		if !job.IsStoreError(err) {
			err = job.NewStoreError("release job", err)
		}
		return err
	}
}

// finish persists the outcome. It runs detached from the scheduler context
// so a result is still written while the process shuts down.
func (e *executor) finish(j job.Job, outcome job.Outcome, reason string, log *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	err := e.store.FinishJob(ctx, j.ID, outcome, reason)
	switch {
	case err == nil:
		metrics.JobOutcomesTotal.WithLabelValues(string(j.Category), string(outcome)).Inc()
		return nil
	case errors.Is(err, job.ErrClaimLost):
		log.Warn("claim no longer held when recording outcome", "outcome", outcome)
		return nil
	default:
		log.Error("record job outcome", "outcome", outcome, "error", err)
		if !job.IsStoreError(err) {
			err = job.NewStoreError("finish job", err)
		}
		return err
	}
}

// finishTimeout bounds a single outcome or release write.
const finishTimeout = 30 * time.Second
