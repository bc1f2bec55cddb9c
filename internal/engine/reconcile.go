package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Reconciler re-triggers settlement for open pools left at capacity, for
// example after a failed payout.
type Reconciler struct {
	engine   *Engine
	trigger  Trigger
	interval time.Duration
	logger   *zap.Logger
}

// NewReconciler sweeps through the engine's trigger every interval.
func NewReconciler(e *Engine, interval time.Duration) *Reconciler {
	return &Reconciler{
		engine:   e,
		trigger:  e.trigger,
		interval: interval,
		logger:   e.logger.Named("reconcile"),
	}
}

// Sweep triggers every full open pool once and returns how many it found.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	pools, err := r.engine.FullPools(ctx)
	if err != nil {
		return 0, err
	}

	perTier := make(map[string]int, len(r.engine.tierNames))
	for _, tier := range r.engine.tierNames {
		perTier[tier] = 0
	}
	for _, pool := range pools {
		perTier[pool.Tier]++
		r.logger.Warn("full pool still open, re-triggering settlement", zap.Int64("pool_id", pool.ID), zap.String("tier", pool.Tier))
		r.trigger.Trigger(pool.ID)
	}
	for tier, n := range perTier {
		r.engine.metrics.Stuck(tier, n)
	}
	return len(pools), nil
}

// Run sweeps immediately and then on every tick until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		return fmt.Errorf("reconcile interval must be greater than zero")
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
