package sqlitestore_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/jobrunner/internal/job"
	"github.com/scarson/jobrunner/internal/store/sqlitestore"
)

func openTestStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func enqueue(t *testing.T, s *sqlitestore.Store, priority uint8, tag *string) *job.Job {
	t.Helper()
	j, err := s.EnqueueJob(context.Background(), job.EnqueueParams{
		Category:      job.CategoryInference,
		PriorityLevel: priority,
		MaxAttempts:   3,
		RoutingTag:    tag,
		Payload:       []byte(`{"model":"m"}`),
	})
	require.NoError(t, err)
	return j
}

func TestSQLite_EnqueueAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	tag := "gpu-"

	j := enqueue(t, s, 7, &tag)
	assert.Positive(t, j.ID)
	assert.Equal(t, job.StatusPending, j.Status)
	assert.Equal(t, uint8(7), j.PriorityLevel)
	require.NotNil(t, j.RoutingTag)
	assert.Equal(t, "gpu-", *j.RoutingTag)
	assert.False(t, j.CreatedAt.IsZero())
	assert.Nil(t, j.FirstClaimedAt)
	assert.JSONEq(t, `{"model":"m"}`, string(j.Payload))

	got, err := s.GetJob(ctx, j.PublicToken)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)

	missing, err := s.GetJob(ctx, "job_nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLite_ListCandidatesOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := enqueue(t, s, 5, nil)
	b := enqueue(t, s, 1, nil)
	c := enqueue(t, s, 5, nil)

	ids := func(jobs []job.Job) []int64 {
		out := make([]int64, len(jobs))
		for i, j := range jobs {
			out[i] = j.ID
		}
		return out
	}

	got, err := s.ListCandidates(ctx, job.CandidateQuery{Category: job.CategoryInference, Limit: 10, SortByPriority: true})
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, c.ID, b.ID}, ids(got))

	got, err = s.ListCandidates(ctx, job.CandidateQuery{Category: job.CategoryInference, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID, c.ID}, ids(got))

	minPriority := uint8(2)
	got, err = s.ListCandidates(ctx, job.CandidateQuery{Category: job.CategoryInference, Limit: 10, MinimumPriority: &minPriority})
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, c.ID}, ids(got))

	got, err = s.ListCandidates(ctx, job.CandidateQuery{Category: job.CategoryDownload, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLite_ClaimIsExclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	listed := enqueue(t, s, 0, nil)

	var (
		wins atomic.Int32
		wg   sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			candidate := *listed
			ok, err := s.ClaimJob(ctx, &candidate, "worker")
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
				assert.Equal(t, int32(1), candidate.AttemptCount)
				assert.NotNil(t, candidate.FirstClaimedAt)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	remaining, err := s.ListCandidates(ctx, job.CandidateQuery{Category: job.CategoryInference, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestSQLite_FinishAndRetryLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	j := enqueue(t, s, 0, nil)

	ok, err := s.ClaimJob(ctx, j, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.FinishJob(ctx, j.ID, job.OutcomeAttemptFailed, "transient"))

	got, err := s.GetJob(ctx, j.PublicToken)
	require.NoError(t, err)
	assert.Equal(t, job.StatusAttemptFailed, got.Status)
	first := *got.FirstClaimedAt

	ok, err = s.ClaimJob(ctx, got, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(2), got.AttemptCount)
	assert.True(t, first.Equal(*got.FirstClaimedAt))

	require.NoError(t, s.FinishJob(ctx, got.ID, job.OutcomeSuccess, "ignored"))
	assert.ErrorIs(t, s.FinishJob(ctx, got.ID, job.OutcomeSuccess, ""), job.ErrClaimLost)

	var reason *string
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT failure_reason FROM jobs WHERE id = ?", got.ID).Scan(&reason))
	assert.Nil(t, reason)
}

func TestSQLite_ReleaseUndoesClaim(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	j := enqueue(t, s, 0, nil)

	assert.ErrorIs(t, s.ReleaseJob(ctx, j.ID), job.ErrClaimLost)

	ok, err := s.ClaimJob(ctx, j, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.ReleaseJob(ctx, j.ID))

	got, err := s.GetJob(ctx, j.PublicToken)
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, got.Status)
	assert.Zero(t, got.AttemptCount)
	assert.Nil(t, got.FirstClaimedAt)

	// A retry released after its claim goes back to attempt_failed with the
	// earlier attempt still counted.
	ok, err = s.ClaimJob(ctx, got, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.FinishJob(ctx, got.ID, job.OutcomeAttemptFailed, "transient"))
	got, err = s.GetJob(ctx, j.PublicToken)
	require.NoError(t, err)
	ok, err = s.ClaimJob(ctx, got, "w2")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.ReleaseJob(ctx, got.ID))

	got, err = s.GetJob(ctx, j.PublicToken)
	require.NoError(t, err)
	assert.Equal(t, job.StatusAttemptFailed, got.Status)
	assert.Equal(t, int32(1), got.AttemptCount)
	assert.NotNil(t, got.FirstClaimedAt)
}

func TestSQLite_CancelAndRecover(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cancelled := enqueue(t, s, 0, nil)
	ok, err := s.CancelJob(ctx, cancelled.PublicToken, true)
	require.NoError(t, err)
	assert.True(t, ok)
	claimed, err := s.ClaimJob(ctx, cancelled, "w1")
	require.NoError(t, err)
	assert.False(t, claimed)

	stuck := enqueue(t, s, 0, nil)
	claimed, err = s.ClaimJob(ctx, stuck, "crashed")
	require.NoError(t, err)
	require.True(t, claimed)

	n, err := s.RecoverStaleClaims(ctx, -1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetJob(ctx, stuck.PublicToken)
	require.NoError(t, err)
	assert.Equal(t, job.StatusAttemptFailed, got.Status)
}
