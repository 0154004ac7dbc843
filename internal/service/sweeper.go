package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/countersign-dev/countersign/internal/domain/approval"
)

// DefaultSweepInterval is how often the sweeper scans for overdue
// envelopes. Expiry is also enforced lazily at lookup time, so the sweep
// only needs to keep the table and the gauges honest.
const DefaultSweepInterval = 1 * time.Minute

// DefaultRetention is how long expired envelopes are kept before pruning.
const DefaultRetention = 24 * time.Hour

// Sweeper expires overdue envelopes and prunes old expired rows in the
// background.
type Sweeper struct {
	store     approval.EnvelopeStore
	metrics   *Metrics
	logger    *slog.Logger
	interval  time.Duration
	retention time.Duration

	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// NewSweeper creates a sweeper. interval and retention fall back to the
// package defaults when zero.
func NewSweeper(store approval.EnvelopeStore, metrics *Metrics, logger *slog.Logger, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{
		store:     store,
		metrics:   metrics,
		logger:    logger,
		interval:  interval,
		retention: retention,
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
}

// Start launches the background sweep goroutine. It stops when ctx is
// cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	}()
}

// Stop stops the background goroutine and waits for it to exit.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

// Sweep runs one pass: expire due envelopes, prune expired ones past
// retention, and refresh the pending gauge. Safe to call directly, as the
// prune command does.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := s.now().UTC().Add(-s.retention)
	swept, pruned, err := s.store.PruneExpired(ctx, cutoff)
	if err != nil {
		s.logger.Warn("envelope prune failed", "error", err)
	} else if swept > 0 || pruned > 0 {
		s.metrics.ExpiredTotal.Add(float64(swept))
		s.logger.Info("swept envelopes", "expired", swept, "pruned", pruned)
	}

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		s.logger.Warn("envelope count failed", "error", err)
		return
	}
	s.metrics.PendingEnvelopes.Set(float64(counts[approval.StatusPending]))
}
