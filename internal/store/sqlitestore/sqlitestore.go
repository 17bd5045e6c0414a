// ABOUTME: SQLite implementation of the job store for single-node and development deployments.
// ABOUTME: Same conditional-update claim as the Postgres store; migrations applied on Open.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/scarson/jobrunner/internal/job"
	"github.com/scarson/jobrunner/migrations"
)

var jobColumns = []string{
	"id", "public_token", "category", "status", "priority_level",
	"attempt_count", "max_attempts", "routing_tag", "created_at",
	"first_claimed_at", "payload",
}

// Store is a job store backed by a SQLite database file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path and applies
// all migrations. A busy timeout lets concurrent claimers in other
// processes wait for the write lock instead of failing immediately.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer; one connection serializes claims in-process.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrations.SQLite(), migrations.SQLiteDir)
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks the database handle.
func (s *Store) Ping(ctx context.Context) error {
	return job.NewStoreError("ping", s.db.PingContext(ctx))
}

// nullableTime scans SQLite timestamps, which come back as time.Time when
// the column has a declared type and as text otherwise (e.g. RETURNING).
type nullableTime struct {
	Time  time.Time
	Valid bool
}

var sqliteTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
}

func (n *nullableTime) Scan(v any) error {
	switch t := v.(type) {
	case nil:
		n.Valid = false
		return nil
	case time.Time:
		n.Time, n.Valid = t, true
		return nil
	case []byte:
		return n.parse(string(t))
	case string:
		return n.parse(t)
	}
	return fmt.Errorf("unsupported timestamp type %T", v)
}

func (n *nullableTime) parse(s string) error {
	for _, layout := range sqliteTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			n.Time, n.Valid = t, true
			return nil
		}
	}
	return fmt.Errorf("unparseable timestamp %q", s)
}

func scanJob(row interface{ Scan(...any) error }) (job.Job, error) {
	var (
		j          job.Job
		category   string
		status     string
		priority   int64
		routingTag sql.NullString
		created    nullableTime
		firstClaim nullableTime
		payload    string
	)
	if err := row.Scan(&j.ID, &j.PublicToken, &category, &status, &priority,
		&j.AttemptCount, &j.MaxAttempts, &routingTag, &created,
		&firstClaim, &payload); err != nil {
		return job.Job{}, err
	}
	j.Category = job.Category(category)
	j.Status = job.Status(status)
	j.PriorityLevel = uint8(priority) //nolint:gosec // G115: CHECK constraint bounds priority_level
	if routingTag.Valid {
		j.RoutingTag = &routingTag.String
	}
	j.CreatedAt = created.Time
	if firstClaim.Valid {
		t := firstClaim.Time
		j.FirstClaimedAt = &t
	}
	j.Payload = []byte(payload)
	return j, nil
}

func claimableStatuses() []string {
	out := make([]string, len(job.ClaimableStatuses))
	for i, s := range job.ClaimableStatuses {
		out[i] = string(s)
	}
	return out
}

// ListCandidates returns up to q.Limit claimable jobs of q.Category in
// priority or FIFO order.
func (s *Store) ListCandidates(ctx context.Context, q job.CandidateQuery) ([]job.Job, error) {
	sb := sq.Select(jobColumns...).
		From("jobs").
		Where(sq.Eq{"category": string(q.Category), "status": claimableStatuses()}).
		Limit(uint64(q.Limit)) //nolint:gosec // G115: limit validated by config
	if q.MinimumPriority != nil {
		sb = sb.Where(sq.GtOrEq{"priority_level": int(*q.MinimumPriority)})
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

const claimJobSQL = `
UPDATE jobs SET
    status           = 'claimed',
    attempt_count    = attempt_count + 1,
    claimed_by       = ?,
    claimed_at       = ?,
    first_claimed_at = COALESCE(first_claimed_at, ?),
    updated_at       = ?
WHERE id = ? AND status = ?
RETURNING status, attempt_count, max_attempts, first_claimed_at`

// ClaimJob is the conditional claim; see store.Store.ClaimJob.
func (s *Store) ClaimJob(ctx context.Context, j *job.Job, claimedBy string) (bool, error) {
	now := s.now()
	var (
		status     string
		firstClaim nullableTime
	)
	err := s.db.QueryRowContext(ctx, claimJobSQL, claimedBy, now, now, now, j.ID, string(j.Status)).
		Scan(&status, &j.AttemptCount, &j.MaxAttempts, &firstClaim)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, job.NewStoreError("claim job", err)
	}
	j.Status = job.Status(status)
	if firstClaim.Valid {
		t := firstClaim.Time
		j.FirstClaimedAt = &t
	}
	return true, nil
}

// FinishJob records the outcome of a claimed job.
func (s *Store) FinishJob(ctx context.Context, id int64, outcome job.Outcome, failureReason string) error {
	now := s.now()
	reason := sql.NullString{String: failureReason, Valid: failureReason != "" && outcome != job.OutcomeSuccess}
	var completed sql.NullTime
	if outcome.Status().Terminal() {
		completed = sql.NullTime{Time: now, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status = ?, failure_reason = ?, completed_at = ?, updated_at = ?
WHERE id = ? AND status = 'claimed'`,
		string(outcome.Status()), reason, completed, now, id)
	if err != nil {
		return job.NewStoreError("finish job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return job.NewStoreError("finish job", err)
	}
	if n == 0 {
		return fmt.Errorf("finish job %d: %w", id, job.ErrClaimLost)
	}
	return nil
}

// ReleaseJob undoes the claim on a job that was never started; see
// store.Store.ReleaseJob.
func (s *Store) ReleaseJob(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET
    status           = CASE WHEN attempt_count <= 1 THEN 'pending' ELSE 'attempt_failed' END,
    attempt_count    = attempt_count - 1,
    claimed_by       = NULL,
    claimed_at       = NULL,
    first_claimed_at = CASE WHEN attempt_count <= 1 THEN NULL ELSE first_claimed_at END,
    updated_at       = ?
WHERE id = ? AND status = 'claimed'`,
		s.now(), id)
	if err != nil {
		return job.NewStoreError("release job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return job.NewStoreError("release job", err)
	}
	if n == 0 {
		return fmt.Errorf("release job %d: %w", id, job.ErrClaimLost)
	}
	return nil
}

// EnqueueJob inserts a pending job and returns the stored row.
func (s *Store) EnqueueJob(ctx context.Context, p job.EnqueueParams) (*job.Job, error) {
	now := s.now()
	var tag sql.NullString
	if p.RoutingTag != nil {
		tag = sql.NullString{String: *p.RoutingTag, Valid: true}
	}
	payload := p.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	query, args, err := sq.Insert("jobs").
		Columns("public_token", "category", "status", "priority_level", "max_attempts",
			"routing_tag", "payload", "created_at", "updated_at").
		Values(job.NewPublicToken(), string(p.Category), string(job.StatusPending),
			int(p.PriorityLevel), p.MaxAttempts, tag, string(payload), now, now).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("enqueue job: build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, job.NewStoreError("enqueue job", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, job.NewStoreError("enqueue job", err)
	}
	return s.getBy(ctx, sq.Eq{"id": id})
}

// GetJob returns the job with the given public token, or (nil, nil).
func (s *Store) GetJob(ctx context.Context, token string) (*job.Job, error) {
	return s.getBy(ctx, sq.Eq{"public_token": token})
}

func (s *Store) getBy(ctx context.Context, where sq.Eq) (*job.Job, error) {
	query, args, err := sq.Select(jobColumns...).From("jobs").Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("get job: build query: %w", err)
	}
	j, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, job.NewStoreError("get job", err)
	}
	return &j, nil
}

// CancelJob moves a claimable job to a cancelled status.
func (s *Store) CancelJob(ctx context.Context, token string, bySystem bool) (bool, error) {
	status := job.StatusCancelledByUser
	if bySystem {
		status = job.StatusCancelledBySystem
	}
	now := s.now()
	query, args, err := sq.Update("jobs").
		Set("status", string(status)).
		Set("completed_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"public_token": token, "status": claimableStatuses()}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("cancel job: build query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, job.NewStoreError("cancel job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, job.NewStoreError("cancel job", err)
	}
	return n == 1, nil
}

// RecoverStaleClaims requeues jobs claimed before now-staleAfter.
func (s *Store) RecoverStaleClaims(ctx context.Context, staleAfter time.Duration) (int, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET
    status         = CASE WHEN attempt_count > max_attempts THEN 'complete_failure' ELSE 'attempt_failed' END,
    failure_reason = 'claim expired',
    completed_at   = CASE WHEN attempt_count > max_attempts THEN ? ELSE NULL END,
    updated_at     = ?
WHERE status = 'claimed' AND claimed_at < ?`,
		now, now, now.Add(-staleAfter))
	if err != nil {
		return 0, job.NewStoreError("recover stale claims", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, job.NewStoreError("recover stale claims", err)
	}
	return int(n), nil
}
