package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/scarson/jobrunner/internal/job"
	"github.com/scarson/jobrunner/internal/metrics"
)

// Config parameterizes one Scheduler.
type Config struct {
	Category job.Category
	Identity job.WorkerIdentity
	// WorkerID is written to claimed_by; see NewWorkerID.
	WorkerID string

	BatchSize       int
	MinimumPriority *uint8
	// Every StarvationEveryNth poll lists in FIFO order instead of by priority.
	StarvationEveryNth uint32

	BatchWait time.Duration
	IdleWait  time.Duration

	BackoffFloor     time.Duration
	BackoffIncrement time.Duration
	BackoffMax       time.Duration

	HandlerTimeout     time.Duration
	UnhealthyThreshold uint32

	Logger *slog.Logger
}

// Scheduler is the poll loop for one job category. Poll and Run must be
// called from a single goroutine; Health may be read from any goroutine.
type Scheduler struct {
	cfg     Config
	store   Store
	exec    *executor
	health  *Health
	backoff *Backoff
	log     *slog.Logger

	cycle uint32
	sleep func(ctx context.Context, d time.Duration) error
}

// NewScheduler returns a scheduler that runs h for every job of
// cfg.Category it claims from s.
func NewScheduler(cfg Config, s Store, h Handler) *Scheduler {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("category", cfg.Category, "worker", cfg.WorkerID)
	if cfg.StarvationEveryNth == 0 {
		cfg.StarvationEveryNth = 1
	}
	health := NewHealth(cfg.UnhealthyThreshold)
	return &Scheduler{
		cfg:   cfg,
		store: s,
		exec: &executor{
			store:   s,
			handler: h,
			health:  health,
			timeout: cfg.HandlerTimeout,
			log:     log,
			now:     time.Now,
		},
		health:  health,
		backoff: NewBackoff(cfg.BackoffFloor, cfg.BackoffIncrement, cfg.BackoffMax),
		log:     log,
		sleep:   sleepCtx,
	}
}

// Category is the job category this scheduler serves.
func (s *Scheduler) Category() job.Category { return s.cfg.Category }

// Health is the scheduler's outcome aggregator.
func (s *Scheduler) Health() *Health { return s.health }

// sortByPriority advances the cadence counter and reports whether this poll
// lists by priority. Every StarvationEveryNth poll is FIFO.
func (s *Scheduler) sortByPriority() bool {
	s.cycle++
	if s.cycle >= s.cfg.StarvationEveryNth {
		s.cycle = 0
		return false
	}
	return true
}

// Poll runs one iteration of the loop and returns how long to sleep before
// the next one.
func (s *Scheduler) Poll(ctx context.Context) time.Duration {
	byPriority := s.sortByPriority()
	cat := string(s.cfg.Category)
	metrics.PollsTotal.WithLabelValues(cat, orderLabel(byPriority)).Inc()

	candidates, err := s.store.ListCandidates(ctx, job.CandidateQuery{
		Category:        s.cfg.Category,
		Limit:           s.cfg.BatchSize,
		SortByPriority:  byPriority,
		MinimumPriority: s.cfg.MinimumPriority,
	})
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		return s.storeFailed("list candidates", err)
	}
	if len(candidates) == 0 {
		s.resetBackoff()
		return s.cfg.IdleWait
	}

	eligible, skipped := filterEligible(candidates, s.cfg.Identity)
	if skipped > 0 {
		metrics.RoutingSkippedTotal.WithLabelValues(cat).Add(float64(skipped))
		s.log.Debug("skipped candidates routed to other hosts", "count", skipped)
	}

	claimed, claimErr := claimAll(ctx, s.store, eligible, s.cfg.WorkerID, s.log)
	if len(claimed) > 0 {
		s.log.Debug("claimed batch", "claimed", len(claimed), "listed", len(candidates), "by_priority", byPriority)
	}
	execErr := s.exec.run(ctx, claimed)

	if claimErr != nil && ctx.Err() == nil {
		return s.storeFailed("claim job", claimErr)
	}
	if execErr != nil {
		return s.storeFailed("finish job", execErr)
	}
	s.resetBackoff()
	return s.cfg.BatchWait
}

func (s *Scheduler) storeFailed(op string, err error) time.Duration {
	d := s.backoff.Next()
	cat := string(s.cfg.Category)
	metrics.PollErrorsTotal.WithLabelValues(cat).Inc()
	metrics.ErrorBackoffSeconds.WithLabelValues(cat).Set(d.Seconds())
	s.log.Error("datastore error, backing off", "op", op, "backoff", d, "error", err)
	return d
}

func (s *Scheduler) resetBackoff() {
	s.backoff.Reset()
	metrics.ErrorBackoffSeconds.WithLabelValues(string(s.cfg.Category)).Set(0)
}

// Run polls until ctx is cancelled. A batch in progress is finished before
// Run returns.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("scheduler started",
		"batch_size", s.cfg.BatchSize, "starvation_every_nth", s.cfg.StarvationEveryNth)
	for ctx.Err() == nil {
		d := s.Poll(ctx)
		if err := s.sleep(ctx, d); err != nil {
			break
		}
	}
	s.log.Info("scheduler stopping")
}

// sleepCtx waits for d or until ctx is done. Uses time.NewTimer (not
// time.After) so an early return does not leak the timer.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func orderLabel(byPriority bool) string {
	if byPriority {
		return "priority"
	}
	return "fifo"
}
