package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"potline/internal/config"
	"potline/internal/model"
	"potline/internal/storage/postgres"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the open pool of every tier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			store, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			sums, err := store.PoolSummaries(ctx, cfg.TierNames())
			if err != nil {
				return err
			}
			prices := make(map[string]string, len(cfg.Tiers))
			for _, t := range cfg.Tiers {
				prices[t.Name] = t.Price.String()
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIER\tPRICE\tPOOL\tTICKETS\tPOT")
			for _, s := range sums {
				if !s.HasPool {
					fmt.Fprintf(tw, "%s\t%s\t-\t-\t-\n", s.Tier, prices[s.Tier])
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%d\t%s\n", s.Tier, prices[s.Tier], s.PoolID, s.Tickets, cfg.PoolSize, s.Pot)
			}
			return tw.Flush()
		},
	}
	storeFlags(cmd.Flags())
	return cmd
}

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show a user's ticket statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetInt64("user")
			ctx, stop := signalContext()
			defer stop()
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			store, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			stats, err := store.UserStats(ctx, user)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), struct {
				model.UserStats
				WinRate float64 `json:"win_rate"`
			}{stats, stats.WinRate()})
		},
	}
	storeFlags(cmd.Flags())
	cmd.Flags().Int64("user", 0, "user id")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a user's most recent tickets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			user, _ := cmd.Flags().GetInt64("user")
			limit, _ := cmd.Flags().GetInt("limit")
			ctx, stop := signalContext()
			defer stop()
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			store, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			tickets, err := store.UserHistory(ctx, user, limit)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), tickets)
		},
	}
	storeFlags(cmd.Flags())
	cmd.Flags().Int64("user", 0, "user id")
	cmd.Flags().Int("limit", 5, "number of tickets")
	return cmd
}

func newSignalsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signals",
		Short: "Enable or disable settlement announcements for a channel",
		RunE: func(cmd *cobra.Command, _ []string) error {
			channel, _ := cmd.Flags().GetInt64("channel")
			disable, _ := cmd.Flags().GetBool("disable")
			if channel == 0 {
				return fmt.Errorf("channel id is required")
			}
			ctx, stop := signalContext()
			defer stop()
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			store, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.SetChannelSignals(ctx, channel, !disable); err != nil {
				return err
			}
			logger.Info("channel signals updated", zap.Int64("channel_id", channel), zap.Bool("enabled", !disable))
			return nil
		},
	}
	storeFlags(cmd.Flags())
	cmd.Flags().Int64("channel", 0, "channel id")
	cmd.Flags().Bool("disable", false, "disable instead of enable")
	return cmd
}

func newUsersCmd() *cobra.Command {
	users := &cobra.Command{
		Use:   "users",
		Short: "Manage participants",
	}
	add := &cobra.Command{
		Use:   "add",
		Short: "Create a user or update their wallet",
		RunE: func(cmd *cobra.Command, _ []string) error {
			id, _ := cmd.Flags().GetInt64("user")
			wallet, _ := cmd.Flags().GetString("wallet")
			key, _ := cmd.Flags().GetString("key")
			referrer, _ := cmd.Flags().GetInt64("referrer")
			if id == 0 {
				return fmt.Errorf("user id is required")
			}
			if referrer == id {
				return fmt.Errorf("a user cannot refer themselves")
			}
			ctx, stop := signalContext()
			defer stop()
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			store, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			user := model.User{ID: id, WalletAddress: wallet, WalletKey: key}
			if referrer != 0 {
				user.ReferredBy = &referrer
			}
			if err := store.UpsertUser(ctx, user); err != nil {
				return err
			}
			logger.Info("user saved", zap.Int64("user_id", id), zap.String("wallet", wallet))
			return nil
		},
	}
	storeFlags(add.Flags())
	add.Flags().Int64("user", 0, "user id")
	add.Flags().String("wallet", "", "wallet address")
	add.Flags().String("key", "", "hex private key held in custody for the wallet")
	add.Flags().Int64("referrer", 0, "referring user id")
	users.AddCommand(add)
	return users
}

func newResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every pool and ticket and open one pool per tier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			yes, _ := cmd.Flags().GetBool("yes")
			if !yes {
				return fmt.Errorf("reset deletes all pools and tickets, pass --yes to confirm")
			}
			ctx, stop := signalContext()
			defer stop()
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			store, closeStore, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Reset(ctx, cfg.TierNames()); err != nil {
				return fmt.Errorf("reset pools: %w", err)
			}
			logger.Warn("pools reset", zap.Strings("tiers", cfg.TierNames()))
			return nil
		},
	}
	storeFlags(cmd.Flags())
	cmd.Flags().Bool("yes", false, "confirm the reset")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema and open one pool per tier",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Store != config.StorePostgres {
				return fmt.Errorf("migrate needs the postgres store")
			}

			store, err := postgres.NewStore(ctx, cfg.PGDSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer store.Close()

			if err := store.Migrate(ctx); err != nil {
				return err
			}
			if err := store.EnsureOpenPools(ctx, cfg.TierNames()); err != nil {
				return err
			}
			logger.Info("schema applied", zap.String("pg_dsn", redactDSN(cfg.PGDSN)))
			return nil
		},
	}
	storeFlags(cmd.Flags())
	return cmd
}
