package worker

import (
	"sync"
	"time"
)

// CurrentJob identifies the job a scheduler is executing right now.
type CurrentJob struct {
	Token     string
	StartedAt time.Time
}

// Snapshot is a point-in-time copy of a scheduler's counters.
type Snapshot struct {
	ConsecutiveFailureCount uint64
	ConsecutiveSuccessCount uint64
	TotalFailureCount       uint64
	TotalSuccessCount       uint64
	CurrentJob              *CurrentJob
}

// Report is a Snapshot plus the values derived from it for health checks.
type Report struct {
	Snapshot
	IsHealthy    bool
	SuccessRatio float64
	FailureRatio float64
	// DurationMillis is how long CurrentJob has been running; 0 when idle.
	DurationMillis int64
}

// Health aggregates job outcomes for one scheduler. The executor writes it
// and health checks read it concurrently; the lock is held only for a
// single update or copy, never across a job.
type Health struct {
	mu        sync.RWMutex
	snap      Snapshot
	threshold uint32
	now       func() time.Time
}

// NewHealth returns a Health that reports unhealthy once threshold
// consecutive failures have been recorded.
func NewHealth(threshold uint32) *Health {
	return &Health{threshold: threshold, now: time.Now}
}

// JobStarted marks token as in flight.
func (h *Health) JobStarted(token string, startedAt time.Time) {
	h.mu.Lock()
	h.snap.CurrentJob = &CurrentJob{Token: token, StartedAt: startedAt}
	h.mu.Unlock()
}

// JobFinished records one handler result and clears the in-flight job in
// the same critical section, so no reader sees the new counts alongside the
// finished job.
func (h *Health) JobFinished(success bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snap.CurrentJob = nil
	if success {
		h.snap.ConsecutiveSuccessCount++
		h.snap.ConsecutiveFailureCount = 0
		h.snap.TotalSuccessCount++
		return
	}
	h.snap.ConsecutiveFailureCount++
	h.snap.ConsecutiveSuccessCount = 0
	h.snap.TotalFailureCount++
}

// Snapshot returns a copy of the counters.
func (h *Health) Snapshot() Snapshot {
	h.mu.RLock()
	s := h.snap
	h.mu.RUnlock()
	if s.CurrentJob != nil {
		cj := *s.CurrentJob
		s.CurrentJob = &cj
	}
	return s
}

// Report returns the snapshot with its ratios and health verdict.
func (h *Health) Report() Report {
	s := h.Snapshot()
	r := Report{
		Snapshot:  s,
		IsHealthy: s.ConsecutiveFailureCount < uint64(h.threshold),
	}
	if total := s.TotalSuccessCount + s.TotalFailureCount; total > 0 {
		r.SuccessRatio = float64(s.TotalSuccessCount) / float64(total)
		r.FailureRatio = float64(s.TotalFailureCount) / float64(total)
	}
	if s.CurrentJob != nil {
		r.DurationMillis = h.now().Sub(s.CurrentJob.StartedAt).Milliseconds()
	}
	return r
}
