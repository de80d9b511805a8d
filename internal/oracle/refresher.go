package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Refresher keeps the quote cache warm by refreshing every pair on a fixed
// interval, so request paths rarely wait on the feed.
type Refresher struct {
	gateway  *Gateway
	pairs    []string
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewRefresher creates a refresher for pairs.
func NewRefresher(gateway *Gateway, pairs []string, interval time.Duration, logger *slog.Logger) *Refresher {
	return &Refresher{
		gateway:  gateway,
		pairs:    pairs,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the refresh loop is active.
func (r *Refresher) Running() bool {
	return r.running.Load()
}

// Start refreshes immediately, then on every tick. Call in a goroutine.
func (r *Refresher) Start(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	r.safeRefreshAll(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.safeRefreshAll(ctx)
		}
	}
}

// Stop signals the refresher to stop.
func (r *Refresher) Stop() {
	select {
	case r.stop <- struct{}{}:
	default:
	}
}

func (r *Refresher) safeRefreshAll(ctx context.Context) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("panic in oracle refresher", "panic", fmt.Sprint(p))
		}
	}()
	for _, pair := range r.pairs {
		q, err := r.gateway.Refresh(ctx, pair)
		if err != nil {
			r.logger.Warn("oracle refresh failed", "pair", pair, "error", err)
			continue
		}
		r.logger.Debug("oracle refreshed", "pair", pair, "rate", q.Rate.String(), "observed_at", q.ObservedAt)
	}
}
