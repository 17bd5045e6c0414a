package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveFirstClaim_OnlyFirstAttempt(t *testing.T) {
	created := time.Now().Add(-3 * time.Second)
	claimed := time.Now()

	before := testutil.CollectAndCount(QueueWait)
	ObserveFirstClaim("first-claim-test", created, &claimed, 1)
	ObserveFirstClaim("retry-claim-test", created, &claimed, 2)
	ObserveFirstClaim("unclaimed-test", created, nil, 1)

	assert.Equal(t, before+1, testutil.CollectAndCount(QueueWait))
}

func TestHandler_ExposesCollectors(t *testing.T) {
	JobsClaimedTotal.WithLabelValues("inference").Inc()
	assert.GreaterOrEqual(t, testutil.ToFloat64(JobsClaimedTotal.WithLabelValues("inference")), 1.0)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "jobrunner_jobs_claimed_total"))
}
