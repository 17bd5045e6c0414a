package job

import (
	"errors"

	"github.com/google/uuid"
)

// ErrClaimLost is returned by a finish call when the row is no longer
// claimed, typically because the stale-claim sweeper requeued it.
var ErrClaimLost = errors.New("job is no longer claimed")

// CandidateQuery selects claimable jobs of one category.
type CandidateQuery struct {
	Category        Category
	Limit           int
	SortByPriority  bool
	MinimumPriority *uint8
}

// EnqueueParams holds the fields for inserting a new pending job.
type EnqueueParams struct {
	Category      Category
	PriorityLevel uint8
	MaxAttempts   int32
	RoutingTag    *string
	Payload       []byte
}

// NewPublicToken returns a fresh externally visible job identifier.
func NewPublicToken() string {
	return "job_" + uuid.NewString()
}
