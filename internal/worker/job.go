// Package worker implements the polling scheduler: it lists candidate jobs
// from a [Store], drops the ones this host may not run, claims the rest with
// a conditional update and executes them one at a time.
//
// One [Scheduler] serves one job category. A [Pool] runs a scheduler per
// configured category in its own goroutine plus an optional sweeper that
// requeues claims abandoned by crashed workers.
//
// Correctness across processes rests entirely on Store.ClaimJob being an
// atomic conditional update. Nothing in this package coordinates workers
// directly.
//
// Operators should note that a job carrying a routing tag no worker hostname
// matches is never claimed and stays pending until cancelled.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scarson/jobrunner/internal/job"
)

// Store is the datastore surface the scheduler needs. Implementations must
// wrap I/O failures in *job.StoreError and must report a lost claim race as
// (false, nil), not as an error.
type Store interface {
	ListCandidates(ctx context.Context, q job.CandidateQuery) ([]job.Job, error)
	ClaimJob(ctx context.Context, j *job.Job, claimedBy string) (bool, error)
	FinishJob(ctx context.Context, id int64, outcome job.Outcome, failureReason string) error
	// ReleaseJob undoes a claim whose job never started: the attempt is
	// uncounted and the row returns to the status it was claimed from.
	ReleaseJob(ctx context.Context, id int64) error
}

// Recoverer requeues claims that have been held longer than staleAfter.
type Recoverer interface {
	RecoverStaleClaims(ctx context.Context, staleAfter time.Duration) (int, error)
}

// Handler executes one claimed job. A nil return marks the job succeeded;
// any error is a failed attempt. Handlers may run more than once for the
// same job and must tolerate it.
type Handler func(ctx context.Context, j job.Job) error

// NewWorkerID returns the value written to claimed_by for this process: the
// hostname plus a random suffix so restarts on the same host are
// distinguishable.
func NewWorkerID(w job.WorkerIdentity) string {
	return fmt.Sprintf("%s/%s", w.Hostname, uuid.NewString()[:8])
}
