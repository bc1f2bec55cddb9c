package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"potline/internal/chain"
	"potline/internal/config"
	"potline/internal/engine"
	"potline/internal/storage"
	"potline/internal/storage/memory"
	"potline/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "potline",
		Short:        "Recurring prize pool admission and settlement engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file path")

	root.AddCommand(
		newServeCmd(),
		newBuyCmd(),
		newSettleCmd(),
		newReconcileCmd(),
		newStatusCmd(),
		newStatsCmd(),
		newHistoryCmd(),
		newSignalsCmd(),
		newUsersCmd(),
		newResetCmd(),
		newMigrateCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// storeFlags registers what every command needs to reach the pool store.
func storeFlags(fs *pflag.FlagSet) {
	fs.String("store", config.StorePostgres, "pool store (postgres, memory)")
	fs.String("pg-dsn", "", "Postgres DSN")
	fs.Int("pool-size", 20, "tickets per pool")
	fs.String("tiers", "low=0.05,mid=0.1,high=0.5", "tiers as name=price pairs (comma-separated)")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
}

// engineFlags registers the ledger and admission settings.
func engineFlags(fs *pflag.FlagSet) {
	storeFlags(fs)
	fs.String("ledger", config.LedgerEVM, "ledger client (evm, memory)")
	fs.String("rpc", "", "EVM JSON-RPC URL")
	fs.String("custody-wallet", "", "wallet that collects stakes and pays out")
	fs.String("custody-key", "", "hex private key of the custody wallet")
	fs.String("house-wallet", "", "house fee recipient")
	fs.String("dev-wallet", "", "developer fee recipient")
	fs.String("disperse-contract", "", "disperse contract used for batch payouts")
	fs.Duration("cooldown", 6*time.Second, "per user and tier purchase cooldown")
	fs.Int("cooldown-capacity", 10000, "maximum tracked cooldown keys")
	fs.Duration("ledger-timeout", 30*time.Second, "timeout of each ledger call")
	fs.Int("pool-wait-retries", 5, "retries while a full pool is being settled")
	fs.Duration("pool-wait-backoff", 200*time.Millisecond, "initial wait between those retries")
	fs.String("journal", "", "optional JSONL file receiving every settlement")
}

func loadConfig(cmd *cobra.Command) (config.Config, *zap.Logger, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Store, func(), error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, state is lost on exit")
		return memory.NewStore(), func() {}, nil
	}
	store, err := postgres.NewStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	logger.Info("postgres connected", zap.String("pg_dsn", redactDSN(cfg.PGDSN)))
	return store, store.Close, nil
}

func openLedger(ctx context.Context, cfg config.Config, store storage.Store, logger *zap.Logger) (engine.Ledger, func(), error) {
	if err := cfg.ValidateLedger(); err != nil {
		return nil, nil, err
	}
	if cfg.Ledger == config.LedgerMemory {
		logger.Warn("using in-memory ledger, no funds move on chain")
		return chain.NewMemoryLedger(), func() {}, nil
	}

	keys := chain.NewKeyring(store.WalletKey)
	custody, err := keys.Add(cfg.CustodyKey)
	if err != nil {
		return nil, nil, fmt.Errorf("custody key: %w", err)
	}
	if !common.IsHexAddress(cfg.CustodyWallet) || common.HexToAddress(cfg.CustodyWallet) != custody {
		return nil, nil, fmt.Errorf("custody key does not match custody wallet %s", cfg.CustodyWallet)
	}

	client, err := chain.NewClient(ctx, cfg.RPCURL, keys, cfg.DisperseContract, logger.Named("chain"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect rpc: %w", err)
	}
	chainID, err := client.GetChainID(ctx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("get chain id: %w", err)
	}
	logger.Info("ledger connected", zap.String("chain_id", chainID.String()), zap.String("custody", custody.Hex()))
	return client, client.Close, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

func redactDSN(dsn string) string {
	if dsn == "" {
		return dsn
	}
	return "***"
}
