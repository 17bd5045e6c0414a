package worker

import (
	"strings"

	"github.com/scarson/jobrunner/internal/job"
)

// Eligible reports whether worker w may attempt to claim j. Untagged jobs
// run anywhere; a tagged job runs only on hosts whose name starts with the
// tag, compared case-insensitively.
func Eligible(j job.Job, w job.WorkerIdentity) bool {
	if j.RoutingTag == nil {
		return true
	}
	return strings.HasPrefix(strings.ToLower(w.Hostname), strings.ToLower(*j.RoutingTag))
}

// filterEligible keeps the candidates w may claim, preserving order, and
// returns how many were dropped.
func filterEligible(candidates []job.Job, w job.WorkerIdentity) ([]job.Job, int) {
	out := candidates[:0:0]
	for _, c := range candidates {
		if Eligible(c, w) {
			out = append(out, c)
		}
	}
	return out, len(candidates) - len(out)
}
