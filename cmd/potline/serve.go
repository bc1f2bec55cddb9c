package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"potline/internal/config"
	"potline/internal/dispatch"
	"potline/internal/engine"
	"potline/internal/metrics"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with settlement workers, reconciliation and metrics",
		RunE:  runServe,
	}
	engineFlags(cmd.Flags())
	cmd.Flags().String("trigger", config.TriggerLocal, "settlement handoff (local, nats)")
	cmd.Flags().String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	cmd.Flags().Int("settle-workers", 2, "local settlement workers")
	cmd.Flags().Int("settle-queue", 64, "local settlement queue size")
	cmd.Flags().Int("settle-max-deliver", 5, "JetStream deliveries per settlement trigger")
	cmd.Flags().Bool("intake", false, "accept purchases over NATS request/reply")
	cmd.Flags().Int("intake-workers", 16, "concurrent purchases served by the intake")
	cmd.Flags().Duration("reconcile-interval", 30*time.Second, "interval of the stuck pool sweep, 0 disables it")
	cmd.Flags().String("metrics-addr", ":9102", "metrics and health listen address")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signalContext()
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ledger, closeLedger, err := openLedger(ctx, cfg, store, logger)
	if err != nil {
		return err
	}
	defer closeLedger()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	health := metrics.NewHealth()

	var nc *nats.Conn
	notifiers := dispatch.MultiNotifier{dispatch.NewLogNotifier(logger.Named("notify"))}
	if cfg.Journal != "" {
		notifiers = append(notifiers, dispatch.NewJournalNotifier(cfg.Journal))
	}

	var localTrigger *dispatch.LocalTrigger
	var jsTrigger *dispatch.JetStreamTrigger
	var trigger engine.Trigger
	if cfg.Trigger == config.TriggerNATS || cfg.Intake {
		conn, js, err := dispatch.ConnectNATS(cfg.NATSURL, logger.Named("nats"))
		if err != nil {
			return err
		}
		nc = conn
		defer nc.Drain()
		if err := dispatch.EnsureStreams(ctx, js); err != nil {
			return err
		}
		notifiers = append(notifiers, dispatch.NewNATSNotifier(js))
		if cfg.Trigger == config.TriggerNATS {
			jsTrigger = dispatch.NewJetStreamTrigger(js, cfg.SettleMaxDeliver, logger.Named("settle"))
			trigger = jsTrigger
		}
	}
	if trigger == nil {
		localTrigger = dispatch.NewLocalTrigger(cfg.SettleQueue, logger.Named("settle"))
		trigger = localTrigger
	}

	eng, err := engine.New(cfg.Engine(), store, ledger,
		engine.WithLogger(logger.Named("engine")),
		engine.WithTrigger(trigger),
		engine.WithNotifier(notifiers),
		engine.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	if err := eng.EnsurePools(ctx); err != nil {
		return err
	}

	logger.Info("serve start",
		zap.String("store", cfg.Store),
		zap.String("ledger", cfg.Ledger),
		zap.String("trigger", cfg.Trigger),
		zap.Bool("intake", cfg.Intake),
		zap.Int("pool_size", cfg.PoolSize),
		zap.Strings("tiers", cfg.TierNames()),
		zap.Duration("cooldown", cfg.Cooldown),
		zap.Duration("reconcile_interval", cfg.ReconcileInterval),
		zap.String("metrics_addr", cfg.MetricsAddr),
	)

	var wg sync.WaitGroup
	errCh := make(chan error, 5)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("%s: %w", name, err)
				stop()
			}
		}()
	}

	run("metrics", func(ctx context.Context) error {
		return metrics.Serve(ctx, cfg.MetricsAddr, metrics.Handler(reg, health), logger)
	})
	if localTrigger != nil {
		run("settle workers", func(ctx context.Context) error {
			return localTrigger.Run(ctx, eng, cfg.SettleWorkers)
		})
	}
	if jsTrigger != nil {
		run("settle consumer", func(ctx context.Context) error {
			return jsTrigger.Consume(ctx, eng)
		})
	}
	if cfg.ReconcileInterval > 0 {
		run("reconcile", engine.NewReconciler(eng, cfg.ReconcileInterval).Run)
	}
	if cfg.Intake {
		run("intake", dispatch.NewIntake(nc, eng, cfg.IntakeWorkers, logger.Named("intake")).Run)
	}

	health.SetReady(true)
	<-ctx.Done()
	health.SetReady(false)
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	logger.Info("serve stopped")
	return errors.Join(errs...)
}
