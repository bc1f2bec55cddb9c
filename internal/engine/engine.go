// Package engine admits ticket purchases into per-tier pools and settles a
// pool once it reaches capacity. Pool and ticket state lives in the store
// only; the engine holds no copy of it between transactions.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"potline/internal/metrics"
	"potline/internal/model"
	"potline/internal/storage"
)

// Ledger moves funds on behalf of the engine.
type Ledger interface {
	Balance(ctx context.Context, wallet string) (decimal.Decimal, error)
	Transfer(ctx context.Context, from, to string, amount decimal.Decimal) (string, error)
	BatchTransfer(ctx context.Context, from string, transfers []model.Transfer) (string, error)
}

// Trigger hands a pool to settlement. It must not block on the settlement
// itself, and delivering the same pool more than once is harmless.
type Trigger interface {
	Trigger(poolID int64)
}

// Notifier receives a settlement after it committed.
type Notifier interface {
	NotifySettlement(ctx context.Context, result model.SettlementResult, channels []int64) error
}

// Config holds the engine's runtime settings.
type Config struct {
	Tiers            []model.Tier
	PoolSize         int
	CustodyWallet    string
	HouseWallet      string
	DevWallet        string
	Cooldown         time.Duration
	CooldownCapacity int
	LedgerTimeout    time.Duration
	PoolWaitRetries  int
	PoolWaitBackoff  time.Duration
}

// Option customises an Engine.
type Option func(*Engine)

func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithTrigger replaces the default trigger, which settles in a new goroutine.
func WithTrigger(t Trigger) Option {
	return func(e *Engine) { e.trigger = t }
}

func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithPicker sets the random source for draws. The default uses crypto/rand.
func WithPicker(p Picker) Option {
	return func(e *Engine) { e.picker = p }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine is the admission controller and settlement engine.
type Engine struct {
	cfg       Config
	prices    map[string]decimal.Decimal
	tierNames []string
	store     storage.Store
	ledger    Ledger
	trigger   Trigger
	notifier  Notifier
	metrics   *metrics.Metrics
	picker    Picker
	cooldown  *Cooldown
	now       func() time.Time
	logger    *zap.Logger
}

// New validates cfg and builds an Engine.
func New(cfg Config, store storage.Store, ledger Ledger, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if ledger == nil {
		return nil, fmt.Errorf("ledger is nil")
	}
	if cfg.PoolSize <= 0 {
		return nil, fmt.Errorf("pool size must be greater than zero")
	}
	if len(cfg.Tiers) == 0 {
		return nil, fmt.Errorf("at least one tier is required")
	}
	if cfg.CustodyWallet == "" {
		return nil, fmt.Errorf("custody wallet is required")
	}
	if cfg.HouseWallet == "" || cfg.DevWallet == "" {
		return nil, fmt.Errorf("house and dev wallets are required")
	}

	e := &Engine{
		cfg:      cfg,
		prices:   make(map[string]decimal.Decimal, len(cfg.Tiers)),
		store:    store,
		ledger:   ledger,
		picker:   cryptoPicker{},
		cooldown: NewCooldown(cfg.Cooldown, cfg.CooldownCapacity),
		now:      time.Now,
		logger:   zap.NewNop(),
	}
	for _, tier := range cfg.Tiers {
		if tier.Name == "" || !tier.Price.IsPositive() {
			return nil, fmt.Errorf("invalid tier %q: price %s", tier.Name, tier.Price)
		}
		if _, dup := e.prices[tier.Name]; dup {
			return nil, fmt.Errorf("duplicate tier %q", tier.Name)
		}
		e.prices[tier.Name] = tier.Price
		e.tierNames = append(e.tierNames, tier.Name)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.trigger == nil {
		e.trigger = goTrigger{e: e}
	}
	return e, nil
}

// Tiers returns the configured tier names in configuration order.
func (e *Engine) Tiers() []string {
	return append([]string(nil), e.tierNames...)
}

// PoolSize returns the ticket capacity of every pool.
func (e *Engine) PoolSize() int {
	return e.cfg.PoolSize
}

// EnsurePools opens a pool for every tier that has none.
func (e *Engine) EnsurePools(ctx context.Context) error {
	if err := e.store.EnsureOpenPools(ctx, e.tierNames); err != nil {
		return fmt.Errorf("ensure open pools: %w", err)
	}
	return nil
}

// FullPools lists open pools already at capacity.
func (e *Engine) FullPools(ctx context.Context) ([]model.Pool, error) {
	pools, err := e.store.FullOpenPools(ctx, e.cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("list full pools: %w", err)
	}
	return pools, nil
}

// Reset wipes every pool and ticket and reopens one pool per tier.
func (e *Engine) Reset(ctx context.Context) error {
	if err := e.store.Reset(ctx, e.tierNames); err != nil {
		return fmt.Errorf("reset pools: %w", err)
	}
	e.cooldown.Clear()
	e.logger.Warn("pools reset", zap.Strings("tiers", e.tierNames))
	return nil
}

func (e *Engine) ledgerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.LedgerTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.LedgerTimeout)
}

// goTrigger settles in the background on a detached context.
type goTrigger struct {
	e *Engine
}

func (t goTrigger) Trigger(poolID int64) {
	go func() {
		if _, _, err := t.e.Settle(context.Background(), poolID); err != nil {
			t.e.logger.Error("background settlement failed", zap.Int64("pool_id", poolID), zap.Error(err))
		}
	}()
}
