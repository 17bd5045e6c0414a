// Package job defines the job row shared by every store adapter and the
// scheduler: statuses, outcomes, the per-category payload union and the
// identity of the worker process that claims jobs.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the persisted lifecycle state of a job row.
type Status string

const (
	StatusPending           Status = "pending"
	StatusClaimed           Status = "claimed"
	StatusAttemptFailed     Status = "attempt_failed"
	StatusCompleteSuccess   Status = "complete_success"
	StatusCompleteFailure   Status = "complete_failure"
	StatusCancelledByUser   Status = "cancelled_by_user"
	StatusCancelledBySystem Status = "cancelled_by_system"
)

// ClaimableStatuses are the only statuses a worker may claim from.
var ClaimableStatuses = []Status{StatusPending, StatusAttemptFailed}

// Claimable reports whether a job in status s may be claimed.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusAttemptFailed
}

// Terminal reports whether s is a final state. Terminal jobs are never
// claimed again; replay means inserting a new row.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleteSuccess, StatusCompleteFailure, StatusCancelledByUser, StatusCancelledBySystem:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.Claimable() || s == StatusClaimed || s.Terminal()
}

// Outcome is what the executor records once a claimed job finishes.
type Outcome string

const (
	OutcomeSuccess       Outcome = Outcome(StatusCompleteSuccess)
	OutcomeAttemptFailed Outcome = Outcome(StatusAttemptFailed)
	OutcomeDead          Outcome = Outcome(StatusCompleteFailure)
)

// Status returns the row status the outcome is persisted as.
func (o Outcome) Status() Status { return Status(o) }

// Job is one row of the jobs table as seen by the scheduler. ID is internal
// and only used for ordering; PublicToken is what callers outside the
// process see.
type Job struct {
	ID             int64
	PublicToken    string
	Category       Category
	Status         Status
	PriorityLevel  uint8
	AttemptCount   int32
	MaxAttempts    int32
	RoutingTag     *string
	CreatedAt      time.Time
	FirstClaimedAt *time.Time
	Payload        json.RawMessage
}

// Exhausted reports whether a failure at the current attempt count is
// final. attempt_count is incremented on claim, so a job with MaxAttempts=3
// dies on the failure of its fourth claim.
func (j *Job) Exhausted() bool {
	return j.AttemptCount > j.MaxAttempts
}

// FailureOutcome classifies a handler failure by attempt count.
func (j *Job) FailureOutcome() Outcome {
	if j.Exhausted() {
		return OutcomeDead
	}
	return OutcomeAttemptFailed
}

// WorkerIdentity describes the process claiming jobs. It is fixed for the
// lifetime of the process.
type WorkerIdentity struct {
	Hostname      string
	IsDebugWorker bool
	IsOnPrem      bool
}

// StoreError marks a datastore I/O or connectivity failure. The poll loop
// reacts to it with backoff; nothing below the loop retries it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err as a *StoreError for op. A nil err returns nil.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// IsStoreError reports whether err is, or wraps, a *StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}
