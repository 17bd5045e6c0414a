package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/scarson/jobrunner/internal/job"
	"github.com/scarson/jobrunner/internal/metrics"
)

// staleCheckInterval is the longest the sweeper waits between passes.
const staleCheckInterval = 1 * time.Minute

// Pool runs one Scheduler per job category, each in its own goroutine, and
// optionally a sweeper that requeues claims left behind by dead workers.
type Pool struct {
	mu         sync.RWMutex
	schedulers []*Scheduler
	recoverer  Recoverer
	staleAfter time.Duration
	log        *slog.Logger
}

// NewPool returns an empty Pool.
func NewPool(log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{log: log}
}

// Add registers s. Must be called before Start.
func (p *Pool) Add(s *Scheduler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.schedulers = append(p.schedulers, s)
}

// EnableStaleRecovery runs r every staleCheckInterval (or staleAfter, if
// shorter) to requeue claims older than staleAfter. Must be called before
// Start; a non-positive staleAfter leaves the sweeper off.
func (p *Pool) EnableStaleRecovery(r Recoverer, staleAfter time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if staleAfter <= 0 {
		return
	}
	p.recoverer = r
	p.staleAfter = staleAfter
}

// Reports returns the current health report of every scheduler, keyed by
// category.
func (p *Pool) Reports() map[job.Category]Report {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[job.Category]Report, len(p.schedulers))
	for _, s := range p.schedulers {
		out[s.Category()] = s.Health().Report()
	}
	return out
}

// Start launches the schedulers and the sweeper, then blocks until ctx is
// cancelled and every goroutine has returned. Batches in progress finish
// first.
func (p *Pool) Start(ctx context.Context) {
	p.mu.RLock()
	schedulers := append([]*Scheduler(nil), p.schedulers...)
	recoverer, staleAfter := p.recoverer, p.staleAfter
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range schedulers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
	}

	if recoverer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runStaleRecovery(ctx, recoverer, staleAfter)
		}()
	}

	wg.Wait()
	p.log.Info("worker pool stopped", "schedulers", len(schedulers))
}

// runStaleRecovery periodically requeues stuck claims. Uses time.NewTicker
// (not time.After) to avoid timer leaks.
func (p *Pool) runStaleRecovery(ctx context.Context, r Recoverer, staleAfter time.Duration) {
	interval := min(staleCheckInterval, staleAfter)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.log.Info("stale claim recovery started", "threshold", staleAfter, "check_interval", interval)

	for {
		select {
		case <-ctx.Done():
			p.log.Info("stale claim recovery stopping")
			return
		case <-ticker.C:
			n, err := r.RecoverStaleClaims(ctx, staleAfter)
			if err != nil {
				p.log.Error("stale claim recovery error", "error", err)
				continue
			}
			if n > 0 {
				metrics.StaleClaimsRecoveredTotal.Add(float64(n))
				p.log.Warn("requeued stale claims", "count", n)
			}
		}
	}
}
