package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/scarson/jobrunner/internal/job"
)

// jobColumns is the column list every job-returning query selects, in the
// order scanJob expects.
var jobColumns = []string{
	"id", "public_token", "category", "status", "priority_level",
	"attempt_count", "max_attempts", "routing_tag", "created_at",
	"first_claimed_at", "payload",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (job.Job, error) {
	var (
		j          job.Job
		category   string
		status     string
		priority   int16
		routingTag sql.NullString
		firstClaim sql.NullTime
		payload    []byte
	)
	if err := row.Scan(&j.ID, &j.PublicToken, &category, &status, &priority,
		&j.AttemptCount, &j.MaxAttempts, &routingTag, &j.CreatedAt,
		&firstClaim, &payload); err != nil {
		return job.Job{}, err
	}
	j.Category = job.Category(category)
	j.Status = job.Status(status)
	j.PriorityLevel = uint8(priority) //nolint:gosec // G115: CHECK constraint bounds priority_level to 0..255
	if routingTag.Valid {
		j.RoutingTag = &routingTag.String
	}
	if firstClaim.Valid {
		t := firstClaim.Time
		j.FirstClaimedAt = &t
	}
	j.Payload = payload
	return j, nil
}

func statusStrings(statuses []job.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// ListCandidates returns up to q.Limit claimable jobs of q.Category. With
// SortByPriority the order is (priority_level DESC, id ASC), otherwise id
// ASC. A short result means the queue is exhausted, not an error.
func (s *Store) ListCandidates(ctx context.Context, q job.CandidateQuery) ([]job.Job, error) {
	sb := psql.
		Select(jobColumns...).
		From("jobs").
		Where(sq.Eq{"category": string(q.Category)}).
		Where(sq.Expr("status = ANY(?)", pq.Array(statusStrings(job.ClaimableStatuses)))).
		Limit(uint64(q.Limit)) //nolint:gosec // G115: limit validated by config

	if q.MinimumPriority != nil {
		sb = sb.Where(sq.GtOrEq{"priority_level": int16(*q.MinimumPriority)})
	}
	if q.SortByPriority {
		sb = sb.OrderBy("priority_level DESC", "id ASC")
	} else {
		sb = sb.OrderBy("id ASC")
	}

	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("list candidates: build query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, job.NewStoreError("list candidates", err)
	}
	defer rows.Close() //nolint:errcheck

	result := make([]job.Job, 0, q.Limit)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, job.NewStoreError("list candidates: scan", err)
		}
		result = append(result, j)
	}
	if err := rows.Err(); err != nil {
		return nil, job.NewStoreError("list candidates", err)
	}
	return result, nil
}

// claimJobSQL is the only mutual-exclusion primitive: the update matches
// only while the row still holds the status the caller listed it with.
const claimJobSQL = `
UPDATE jobs SET
    status           = 'claimed',
    attempt_count    = attempt_count + 1,
    claimed_by       = $3,
    claimed_at       = now(),
    first_claimed_at = COALESCE(first_claimed_at, now()),
    updated_at       = now()
WHERE id = $1 AND status = $2
RETURNING status, attempt_count, max_attempts, first_claimed_at`

// ClaimJob attempts to move j from its listed status to claimed on behalf
// of claimedBy. It returns false, with no error, when another worker won
// the race or the row changed state since it was listed. On success j is
// refreshed with the post-claim attempt count and first-claim time.
func (s *Store) ClaimJob(ctx context.Context, j *job.Job, claimedBy string) (bool, error) {
	var (
		status     string
		firstClaim time.Time
	)
	err := s.pool.QueryRow(ctx, claimJobSQL, j.ID, string(j.Status), claimedBy).
		Scan(&status, &j.AttemptCount, &j.MaxAttempts, &firstClaim)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, job.NewStoreError("claim job", err)
	}
	j.Status = job.Status(status)
	j.FirstClaimedAt = &firstClaim
	return true, nil
}

const finishJobSQL = `
UPDATE jobs SET
    status         = $2,
    failure_reason = $3,
    completed_at   = CASE WHEN $4::boolean THEN now() ELSE NULL END,
    updated_at     = now()
WHERE id = $1 AND status = 'claimed'`

// FinishJob records the outcome of a claimed job. failureReason is stored
// for failures and ignored on success. Returns job.ErrClaimLost when the
// row is no longer claimed.
func (s *Store) FinishJob(ctx context.Context, id int64, outcome job.Outcome, failureReason string) error {
	reason := sql.NullString{String: failureReason, Valid: failureReason != "" && outcome != job.OutcomeSuccess}
	tag, err := s.pool.Exec(ctx, finishJobSQL, id, string(outcome.Status()), reason, outcome.Status().Terminal())
	if err != nil {
		return job.NewStoreError("finish job", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish job %d: %w", id, job.ErrClaimLost)
	}
	return nil
}

// A job with no remaining attempts after the undo was claimed from pending;
// any other came from attempt_failed.
const releaseJobSQL = `
UPDATE jobs SET
    status           = CASE WHEN attempt_count <= 1 THEN 'pending' ELSE 'attempt_failed' END,
    attempt_count    = attempt_count - 1,
    claimed_by       = NULL,
    claimed_at       = NULL,
    first_claimed_at = CASE WHEN attempt_count <= 1 THEN NULL ELSE first_claimed_at END,
    updated_at       = now()
WHERE id = $1 AND status = 'claimed'`

// ReleaseJob undoes the claim on a job that was never started. Returns
// job.ErrClaimLost when the row is no longer claimed.
func (s *Store) ReleaseJob(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, releaseJobSQL, id)
	if err != nil {
		return job.NewStoreError("release job", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("release job %d: %w", id, job.ErrClaimLost)
	}
	return nil
}

const enqueueJobSQL = `
INSERT INTO jobs (public_token, category, priority_level, max_attempts, routing_tag, payload)
VALUES ($1, $2, $3, $4, $5, $6::jsonb)
RETURNING ` + "id, public_token, category, status, priority_level, attempt_count, max_attempts, routing_tag, created_at, first_claimed_at, payload"

// EnqueueJob inserts a pending job and returns the stored row.
func (s *Store) EnqueueJob(ctx context.Context, p job.EnqueueParams) (*job.Job, error) {
	var tag sql.NullString
	if p.RoutingTag != nil {
		tag = sql.NullString{String: *p.RoutingTag, Valid: true}
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	j, err := scanJob(s.pool.QueryRow(ctx, enqueueJobSQL,
		job.NewPublicToken(), string(p.Category), int16(p.PriorityLevel), p.MaxAttempts, tag, string(payload)))
	if err != nil {
		return nil, job.NewStoreError("enqueue job", err)
	}
	return &j, nil
}

// GetJob returns the job with the given public token, or (nil, nil) if it
// does not exist.
func (s *Store) GetJob(ctx context.Context, token string) (*job.Job, error) {
	query, args, err := psql.Select(jobColumns...).From("jobs").
		Where(sq.Eq{"public_token": token}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("get job: build query: %w", err)
	}
	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, job.NewStoreError("get job", err)
	}
	return &j, nil
}

// CancelJob moves a claimable job to a cancelled status. It reports false
// when the job does not exist or is already claimed or terminal; a claimed
// job cannot be cancelled from outside its worker.
func (s *Store) CancelJob(ctx context.Context, token string, bySystem bool) (bool, error) {
	status := job.StatusCancelledByUser
	if bySystem {
		status = job.StatusCancelledBySystem
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE jobs SET status = $2, completed_at = now(), updated_at = now()
WHERE public_token = $1 AND status = ANY($3)`,
		token, string(status), statusStrings(job.ClaimableStatuses))
	if err != nil {
		return false, job.NewStoreError("cancel job", err)
	}
	return tag.RowsAffected() == 1, nil
}

const recoverStaleClaimsSQL = `
UPDATE jobs SET
    status         = CASE WHEN attempt_count > max_attempts THEN 'complete_failure' ELSE 'attempt_failed' END,
    failure_reason = 'claim expired',
    completed_at   = CASE WHEN attempt_count > max_attempts THEN now() ELSE NULL END,
    updated_at     = now()
WHERE status = 'claimed' AND claimed_at < now() - ($1 * interval '1 second')
RETURNING id`

// RecoverStaleClaims requeues jobs held in claimed longer than staleAfter,
// on the assumption that their worker died. Exhausted jobs die instead.
// Returns the number of rows changed.
func (s *Store) RecoverStaleClaims(ctx context.Context, staleAfter time.Duration) (int, error) {
	rows, err := s.pool.Query(ctx, recoverStaleClaimsSQL, int64(staleAfter.Seconds()))
	if err != nil {
		return 0, job.NewStoreError("recover stale claims", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return 0, job.NewStoreError("recover stale claims", err)
	}
	return len(ids), nil
}
