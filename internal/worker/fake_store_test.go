package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/scarson/jobrunner/internal/job"
)

// fakeStore is an in-memory Store with the same claim semantics as the SQL
// adapters: a claim succeeds only while the row still has the status the
// caller listed it with.
type fakeStore struct {
	mu   sync.Mutex
	jobs []*job.Job

	listErrs   int // remaining ListCandidates calls that fail
	claimErrAt int // 1-based ClaimJob call that fails; 0 = never
	claimCalls int
	loseClaims bool

	lists   [][]int64
	queries []job.CandidateQuery
	reasons map[int64]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{reasons: map[int64]string{}}
}

func (f *fakeStore) add(priority uint8, maxAttempts int32, tag *string) job.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := int64(len(f.jobs) + 1)
	j := &job.Job{
		ID:            id,
		PublicToken:   fmt.Sprintf("job_%d", id),
		Category:      job.CategoryInference,
		Status:        job.StatusPending,
		PriorityLevel: priority,
		MaxAttempts:   maxAttempts,
		RoutingTag:    tag,
		CreatedAt:     time.Now(),
		Payload:       []byte(`{"model":"m"}`),
	}
	f.jobs = append(f.jobs, j)
	return *j
}

func (f *fakeStore) get(id int64) job.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.jobs[id-1]
}

func (f *fakeStore) ListCandidates(_ context.Context, q job.CandidateQuery) ([]job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	if f.listErrs > 0 {
		f.listErrs--
		return nil, job.NewStoreError("list candidates", errors.New("connection refused"))
	}
	var out []job.Job
	for _, j := range f.jobs {
		if j.Category != q.Category || !j.Status.Claimable() {
			continue
		}
		if q.MinimumPriority != nil && j.PriorityLevel < *q.MinimumPriority {
			continue
		}
		out = append(out, *j)
	}
	if q.SortByPriority {
		sort.SliceStable(out, func(a, b int) bool { return out[a].PriorityLevel > out[b].PriorityLevel })
	}
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	ids := make([]int64, len(out))
	for i, j := range out {
		ids[i] = j.ID
	}
	f.lists = append(f.lists, ids)
	return out, nil
}

func (f *fakeStore) ClaimJob(_ context.Context, c *job.Job, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimCalls++
	if f.claimErrAt > 0 && f.claimCalls == f.claimErrAt {
		return false, job.NewStoreError("claim job", errors.New("connection reset"))
	}
	row := f.jobs[c.ID-1]
	if f.loseClaims || row.Status != c.Status {
		return false, nil
	}
	row.Status = job.StatusClaimed
	row.AttemptCount++
	if row.FirstClaimedAt == nil {
		now := time.Now()
		row.FirstClaimedAt = &now
	}
	*c = *row
	return true, nil
}

func (f *fakeStore) FinishJob(_ context.Context, id int64, outcome job.Outcome, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.jobs[id-1]
	if row.Status != job.StatusClaimed {
		return job.ErrClaimLost
	}
	row.Status = outcome.Status()
	f.reasons[id] = reason
	return nil
}

func (f *fakeStore) ReleaseJob(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.jobs[id-1]
	if row.Status != job.StatusClaimed {
		return job.ErrClaimLost
	}
	row.AttemptCount--
	if row.AttemptCount == 0 {
		row.Status = job.StatusPending
		row.FirstClaimedAt = nil
	} else {
		row.Status = job.StatusAttemptFailed
	}
	return nil
}
