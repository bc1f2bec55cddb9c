// Package dispatch moves work between the engine and the outside world:
// settlement triggers, purchase intake and post-commit notifications.
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"potline/internal/model"
)

// Settler runs settlement for one pool.
type Settler interface {
	Settle(ctx context.Context, poolID int64) (model.SettlementResult, bool, error)
}

// LocalTrigger is an in-process settlement queue. A pool already waiting in
// the queue is not queued twice; a full queue drops the trigger and leaves the
// pool to the reconciliation sweep.
type LocalTrigger struct {
	queue  chan int64
	logger *zap.Logger

	mu      sync.Mutex
	pending map[int64]struct{}
}

func NewLocalTrigger(size int, logger *zap.Logger) *LocalTrigger {
	if size <= 0 {
		size = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalTrigger{
		queue:   make(chan int64, size),
		logger:  logger,
		pending: make(map[int64]struct{}),
	}
}

// Trigger queues poolID without blocking.
func (t *LocalTrigger) Trigger(poolID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[poolID]; ok {
		return
	}
	select {
	case t.queue <- poolID:
		t.pending[poolID] = struct{}{}
	default:
		t.logger.Warn("settlement queue full, dropping trigger", zap.Int64("pool_id", poolID))
	}
}

// Run settles queued pools with the given number of workers until ctx is done.
func (t *LocalTrigger) Run(ctx context.Context, settler Settler, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case poolID := <-t.queue:
					t.mu.Lock()
					delete(t.pending, poolID)
					t.mu.Unlock()
					t.settle(ctx, settler, poolID)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (t *LocalTrigger) settle(ctx context.Context, settler Settler, poolID int64) {
	res, ok, err := settler.Settle(ctx, poolID)
	switch {
	case err != nil:
		t.logger.Error("settlement failed", zap.Int64("pool_id", poolID), zap.Error(err))
	case !ok:
		t.logger.Debug("settlement skipped", zap.Int64("pool_id", poolID))
	default:
		t.logger.Debug("settlement done", zap.Int64("pool_id", poolID), zap.String("tx_id", res.TxID))
	}
}
