package orders

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// sweepBatch caps the orders re-verified per tick.
const sweepBatch = 100

// Sweeper periodically re-verifies orders stuck in payment_submitted, so an
// order resolves even if the client never calls back. It also releases store
// credit held by pending orders that were abandoned.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a reconciliation sweeper.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in order sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx)
}

// Sweep runs one pass and returns the outcome counts.
func (s *Sweeper) Sweep(ctx context.Context) map[string]int {
	sweepRuns.Inc()
	counts := make(map[string]int)

	submitted, err := s.service.ListSubmitted(ctx, sweepBatch)
	if err != nil {
		s.logger.Warn("failed to list submitted orders", "error", err)
	}
	for _, o := range submitted {
		if ctx.Err() != nil {
			break
		}
		outcome, err := s.service.Reconcile(ctx, o.ID)
		if err != nil {
			s.logger.Warn("failed to reconcile order", "order_id", o.ID, "error", err)
			outcome = "error"
		}
		counts[outcome]++
		sweepOutcomes.WithLabelValues(outcome).Inc()
	}

	holds, err := s.service.ListExpiredCreditHolds(ctx, sweepBatch)
	if err != nil {
		s.logger.Warn("failed to list credit holds", "error", err)
	}
	for _, o := range holds {
		if ctx.Err() != nil {
			break
		}
		outcome, err := s.service.ReleaseCreditHold(ctx, o.ID)
		if err != nil {
			s.logger.Warn("failed to release credit hold", "order_id", o.ID, "error", err)
			outcome = "error"
		}
		counts[outcome]++
		sweepOutcomes.WithLabelValues(outcome).Inc()
	}

	if checked := len(submitted) + len(holds); checked > 0 {
		s.logger.Info("order sweep complete", "checked", checked, "outcomes", counts)
	}
	return counts
}
