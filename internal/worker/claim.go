package worker

import (
	"context"
	"log/slog"

	"github.com/scarson/jobrunner/internal/job"
	"github.com/scarson/jobrunner/internal/metrics"
)

// claimAll tries to claim each candidate once, in order. A false claim means
// another worker won or the row changed since listing; the candidate is
// skipped. A store error stops claiming and is returned with the jobs
// already won, which the caller must still execute.
func claimAll(ctx context.Context, s Store, candidates []job.Job, claimedBy string, log *slog.Logger) ([]job.Job, error) {
	claimed := make([]job.Job, 0, len(candidates))
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		candidate := c
		ok, err := s.ClaimJob(ctx, &candidate, claimedBy)
		if err != nil {
			if !job.IsStoreError(err) {
				err = job.NewStoreError("claim job", err)
			}
			return claimed, err
		}
		cat := string(candidate.Category)
		if !ok {
			metrics.ClaimContentionTotal.WithLabelValues(cat).Inc()
			log.Debug("claim lost", "job_id", c.ID, "prior_status", c.Status)
			continue
		}
		metrics.JobsClaimedTotal.WithLabelValues(cat).Inc()
		metrics.ObserveFirstClaim(cat, candidate.CreatedAt, candidate.FirstClaimedAt, candidate.AttemptCount)
		claimed = append(claimed, candidate)
	}
	return claimed, nil
}
