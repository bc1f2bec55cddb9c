package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"potline/internal/engine"
	"potline/internal/model"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
	LedgerEVM     = "evm"
	LedgerMemory  = "memory"
	TriggerLocal  = "local"
	TriggerNATS   = "nats"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	Store             string
	PGDSN             string
	Ledger            string
	RPCURL            string
	CustodyWallet     string
	CustodyKey        string
	HouseWallet       string
	DevWallet         string
	DisperseContract  string
	PoolSize          int
	Tiers             []model.Tier
	Cooldown          time.Duration
	CooldownCapacity  int
	LedgerTimeout     time.Duration
	PoolWaitRetries   int
	PoolWaitBackoff   time.Duration
	Trigger           string
	NATSURL           string
	SettleWorkers     int
	SettleQueue       int
	SettleMaxDeliver  int
	Intake            bool
	IntakeWorkers     int
	ReconcileInterval time.Duration
	MetricsAddr       string
	Journal           string
	LogLevel          string
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("POTLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("store", StorePostgres)
	v.SetDefault("ledger", LedgerEVM)
	v.SetDefault("pool-size", 20)
	v.SetDefault("tiers", "low=0.05,mid=0.1,high=0.5")
	v.SetDefault("cooldown", 6*time.Second)
	v.SetDefault("cooldown-capacity", 10000)
	v.SetDefault("ledger-timeout", 30*time.Second)
	v.SetDefault("pool-wait-retries", 5)
	v.SetDefault("pool-wait-backoff", 200*time.Millisecond)
	v.SetDefault("trigger", TriggerLocal)
	v.SetDefault("nats-url", "nats://127.0.0.1:4222")
	v.SetDefault("settle-workers", 2)
	v.SetDefault("settle-queue", 64)
	v.SetDefault("settle-max-deliver", 5)
	v.SetDefault("intake", false)
	v.SetDefault("intake-workers", 16)
	v.SetDefault("reconcile-interval", 30*time.Second)
	v.SetDefault("metrics-addr", ":9102")
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	tiers, err := getTiers(v, "tiers")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Store:             strings.ToLower(v.GetString("store")),
		PGDSN:             v.GetString("pg-dsn"),
		Ledger:            strings.ToLower(v.GetString("ledger")),
		RPCURL:            v.GetString("rpc"),
		CustodyWallet:     v.GetString("custody-wallet"),
		CustodyKey:        v.GetString("custody-key"),
		HouseWallet:       v.GetString("house-wallet"),
		DevWallet:         v.GetString("dev-wallet"),
		DisperseContract:  v.GetString("disperse-contract"),
		PoolSize:          v.GetInt("pool-size"),
		Tiers:             tiers,
		Cooldown:          v.GetDuration("cooldown"),
		CooldownCapacity:  v.GetInt("cooldown-capacity"),
		LedgerTimeout:     v.GetDuration("ledger-timeout"),
		PoolWaitRetries:   v.GetInt("pool-wait-retries"),
		PoolWaitBackoff:   v.GetDuration("pool-wait-backoff"),
		Trigger:           strings.ToLower(v.GetString("trigger")),
		NATSURL:           v.GetString("nats-url"),
		SettleWorkers:     v.GetInt("settle-workers"),
		SettleQueue:       v.GetInt("settle-queue"),
		SettleMaxDeliver:  v.GetInt("settle-max-deliver"),
		Intake:            v.GetBool("intake"),
		IntakeWorkers:     v.GetInt("intake-workers"),
		ReconcileInterval: v.GetDuration("reconcile-interval"),
		MetricsAddr:       v.GetString("metrics-addr"),
		Journal:           v.GetString("journal"),
		LogLevel:          v.GetString("log-level"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings every command relies on.
func (c Config) Validate() error {
	switch c.Store {
	case StorePostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("pg-dsn is required for the postgres store")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	switch c.Ledger {
	case LedgerEVM, LedgerMemory:
	default:
		return fmt.Errorf("unknown ledger %q", c.Ledger)
	}
	switch c.Trigger {
	case TriggerLocal, TriggerNATS:
	default:
		return fmt.Errorf("unknown trigger %q", c.Trigger)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool-size must be greater than zero")
	}
	return nil
}

// ValidateLedger checks what the engine needs to move funds.
func (c Config) ValidateLedger() error {
	if c.CustodyWallet == "" || c.HouseWallet == "" || c.DevWallet == "" {
		return fmt.Errorf("custody-wallet, house-wallet and dev-wallet are required")
	}
	if c.Ledger == LedgerEVM {
		if c.RPCURL == "" {
			return fmt.Errorf("rpc is required for the evm ledger")
		}
		if c.CustodyKey == "" {
			return fmt.Errorf("custody-key is required for the evm ledger")
		}
		if c.DisperseContract == "" {
			return fmt.Errorf("disperse-contract is required for the evm ledger")
		}
	}
	return nil
}

// TierNames returns the tier names in configuration order.
func (c Config) TierNames() []string {
	names := make([]string, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		names = append(names, t.Name)
	}
	return names
}

// Engine returns the engine settings.
func (c Config) Engine() engine.Config {
	return engine.Config{
		Tiers:            c.Tiers,
		PoolSize:         c.PoolSize,
		CustodyWallet:    c.CustodyWallet,
		HouseWallet:      c.HouseWallet,
		DevWallet:        c.DevWallet,
		Cooldown:         c.Cooldown,
		CooldownCapacity: c.CooldownCapacity,
		LedgerTimeout:    c.LedgerTimeout,
		PoolWaitRetries:  c.PoolWaitRetries,
		PoolWaitBackoff:  c.PoolWaitBackoff,
	}
}

// getTiers reads name=price pairs. A string keeps its order; a map from a
// config file is ordered by price.
func getTiers(v *viper.Viper, key string) ([]model.Tier, error) {
	var pairs [][2]string
	switch typed := v.Get(key).(type) {
	case string:
		pairs = parsePairs(typed)
	case map[string]interface{}:
		for name, price := range typed {
			pairs = append(pairs, [2]string{strings.TrimSpace(name), fmt.Sprintf("%v", price)})
		}
	case map[string]string:
		for name, price := range typed {
			pairs = append(pairs, [2]string{strings.TrimSpace(name), price})
		}
	default:
		return nil, fmt.Errorf("tiers: unsupported value %T", typed)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("tiers: at least one tier is required")
	}

	tiers := make([]model.Tier, 0, len(pairs))
	seen := make(map[string]struct{}, len(pairs))
	for _, pair := range pairs {
		price, err := decimal.NewFromString(pair[1])
		if err != nil {
			return nil, fmt.Errorf("tiers: price of %s: %w", pair[0], err)
		}
		if !price.IsPositive() {
			return nil, fmt.Errorf("tiers: price of %s must be positive", pair[0])
		}
		if _, dup := seen[pair[0]]; dup {
			return nil, fmt.Errorf("tiers: duplicate tier %s", pair[0])
		}
		seen[pair[0]] = struct{}{}
		tiers = append(tiers, model.Tier{Name: pair[0], Price: price})
	}
	if _, ok := v.Get(key).(string); !ok {
		slices.SortFunc(tiers, func(a, b model.Tier) int {
			if c := a.Price.Cmp(b.Price); c != 0 {
				return c
			}
			return strings.Compare(a.Name, b.Name)
		})
	}
	return tiers, nil
}

// parsePairs splits "a=1,b=2" keeping order. Malformed pairs are skipped.
func parsePairs(input string) [][2]string {
	var out [][2]string
	for _, pair := range strings.Split(input, ",") {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" || value == "" {
			continue
		}
		out = append(out, [2]string{key, value})
	}
	return out
}
