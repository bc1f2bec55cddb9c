package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"potline/internal/config"
	"potline/internal/dispatch"
	"potline/internal/engine"
	"potline/internal/model"
	"potline/internal/storage"
)

// deferredTrigger collects triggers so a one-shot command can settle them
// before it exits.
type deferredTrigger struct {
	mu  sync.Mutex
	ids []int64
}

func (t *deferredTrigger) Trigger(poolID int64) {
	t.mu.Lock()
	t.ids = append(t.ids, poolID)
	t.mu.Unlock()
}

func (t *deferredTrigger) drain() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[int64]struct{}, len(t.ids))
	var out []int64
	for _, id := range t.ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	t.ids = nil
	return out
}

type engineEnv struct {
	cfg     config.Config
	logger  *zap.Logger
	store   storage.Store
	engine  *engine.Engine
	trigger *deferredTrigger
	close   func()
}

func openEngine(ctx context.Context, cmd *cobra.Command) (*engineEnv, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	ledger, closeLedger, err := openLedger(ctx, cfg, store, logger)
	if err != nil {
		closeStore()
		return nil, err
	}

	notifiers := dispatch.MultiNotifier{dispatch.NewLogNotifier(logger.Named("notify"))}
	if cfg.Journal != "" {
		notifiers = append(notifiers, dispatch.NewJournalNotifier(cfg.Journal))
	}
	trigger := &deferredTrigger{}
	eng, err := engine.New(cfg.Engine(), store, ledger,
		engine.WithLogger(logger.Named("engine")),
		engine.WithTrigger(trigger),
		engine.WithNotifier(notifiers),
	)
	if err != nil {
		closeLedger()
		closeStore()
		return nil, err
	}
	if err := eng.EnsurePools(ctx); err != nil {
		closeLedger()
		closeStore()
		return nil, err
	}
	return &engineEnv{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		engine:  eng,
		trigger: trigger,
		close: func() {
			closeLedger()
			closeStore()
			_ = logger.Sync()
		},
	}, nil
}

// settlePending runs every collected trigger and prints each settlement.
func (env *engineEnv) settlePending(ctx context.Context, out io.Writer) error {
	for _, poolID := range env.trigger.drain() {
		res, ok, err := env.engine.Settle(ctx, poolID)
		if err != nil {
			return fmt.Errorf("settle pool %d: %w", poolID, err)
		}
		if ok {
			if err := writeJSON(out, res); err != nil {
				return err
			}
		}
	}
	return nil
}

func newBuyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buy",
		Short: "Buy tickets for a user and settle the pool if it fills",
		RunE:  runBuy,
	}
	engineFlags(cmd.Flags())
	cmd.Flags().Int64("user", 0, "user id")
	cmd.Flags().String("tier", "", "tier name")
	cmd.Flags().Int("qty", 1, "number of tickets")
	return cmd
}

func runBuy(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	env, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.close()

	user, _ := cmd.Flags().GetInt64("user")
	tier, _ := cmd.Flags().GetString("tier")
	qty, _ := cmd.Flags().GetInt("qty")

	res, buyErr := env.engine.Buy(ctx, model.PurchaseRequest{UserID: user, Tier: tier, Quantity: qty})
	if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	if buyErr != nil {
		return buyErr
	}
	return env.settlePending(ctx, cmd.OutOrStdout())
}

func newSettleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Settle one full pool",
		RunE:  runSettle,
	}
	engineFlags(cmd.Flags())
	cmd.Flags().Int64("pool", 0, "pool id")
	return cmd
}

func runSettle(cmd *cobra.Command, _ []string) error {
	poolID, _ := cmd.Flags().GetInt64("pool")
	if poolID <= 0 {
		return fmt.Errorf("pool id is required")
	}

	ctx, stop := signalContext()
	defer stop()

	env, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.close()

	res, ok, err := env.engine.Settle(ctx, poolID)
	if err != nil {
		return err
	}
	if !ok {
		env.logger.Info("pool already settled", zap.Int64("pool_id", poolID))
		return nil
	}
	return writeJSON(cmd.OutOrStdout(), res)
}

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle every open pool that is already full",
		RunE:  runReconcile,
	}
	engineFlags(cmd.Flags())
	return cmd
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx, stop := signalContext()
	defer stop()

	env, err := openEngine(ctx, cmd)
	if err != nil {
		return err
	}
	defer env.close()

	n, err := engine.NewReconciler(env.engine, env.cfg.ReconcileInterval).Sweep(ctx)
	if err != nil {
		return err
	}
	env.logger.Info("sweep done", zap.Int("full_pools", n))
	return env.settlePending(ctx, cmd.OutOrStdout())
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
