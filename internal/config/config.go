package config

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/0gfoundation/0g-voucher/internal/contract"
)

type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Ledger   LedgerConfig
	Registry RegistryConfig
	Settler  SettlerConfig
	Chain    ChainConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type LedgerConfig struct {
	Backend               string `mapstructure:"backend"` // redis | sqlite | memory
	SQLitePath            string `mapstructure:"sqlite_path"`
	CheckpointIntervalSec int64  `mapstructure:"checkpoint_interval_sec"`
	MaxSettleRetries      int    `mapstructure:"max_settle_retries"`
}

type RegistryConfig struct {
	InitPolicy string `mapstructure:"init_policy"` // once | unguarded
}

type SettlerConfig struct {
	PollTimeoutSec int64 `mapstructure:"poll_timeout_sec"`
}

// ChainConfig is optional. When RPCURL and MerchantAddress are both set the
// daemon waits for the merchant account to exist before serving.
type ChainConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	MerchantAddress string `mapstructure:"merchant_address"`
	RequireCode     bool   `mapstructure:"require_code"`
	PollIntervalSec int64  `mapstructure:"poll_interval_sec"`
}

const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("ledger.backend", BackendRedis)
	v.SetDefault("ledger.sqlite_path", "voucher.db")
	v.SetDefault("ledger.checkpoint_interval_sec", 60)
	v.SetDefault("ledger.max_settle_retries", 16)
	v.SetDefault("registry.init_policy", "once")
	v.SetDefault("settler.poll_timeout_sec", 5)
	v.SetDefault("chain.poll_interval_sec", 5)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"server.port":                    "PORT",
		"redis.addr":                     "REDIS_ADDR",
		"redis.password":                 "REDIS_PASSWORD",
		"ledger.backend":                 "LEDGER_BACKEND",
		"ledger.sqlite_path":             "SQLITE_PATH",
		"ledger.checkpoint_interval_sec": "CHECKPOINT_INTERVAL_SEC",
		"ledger.max_settle_retries":      "MAX_SETTLE_RETRIES",
		"registry.init_policy":           "INIT_POLICY",
		"settler.poll_timeout_sec":       "SETTLER_POLL_TIMEOUT_SEC",
		"chain.rpc_url":                  "RPC_URL",
		"chain.merchant_address":         "MERCHANT_ADDRESS",
		"chain.require_code":             "MERCHANT_REQUIRE_CODE",
		"chain.poll_interval_sec":        "CHAIN_POLL_INTERVAL_SEC",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("required config missing: REDIS_ADDR")
	}
	switch c.Ledger.Backend {
	case BackendRedis, BackendMemory:
	case BackendSQLite:
		if c.Ledger.SQLitePath == "" {
			return fmt.Errorf("required config missing: SQLITE_PATH")
		}
	default:
		return fmt.Errorf("unknown LEDGER_BACKEND %q", c.Ledger.Backend)
	}
	if _, err := c.InitPolicy(); err != nil {
		return err
	}
	if c.Settler.PollTimeoutSec <= 0 {
		return fmt.Errorf("SETTLER_POLL_TIMEOUT_SEC must be positive")
	}
	if a := c.Chain.MerchantAddress; a != "" && !common.IsHexAddress(a) {
		return fmt.Errorf("invalid MERCHANT_ADDRESS %q", a)
	}
	return nil
}

// InitPolicy parses Registry.InitPolicy.
func (c *Config) InitPolicy() (contract.InitPolicy, error) {
	p, err := contract.ParseInitPolicy(c.Registry.InitPolicy)
	if err != nil {
		return 0, fmt.Errorf("INIT_POLICY: %w", err)
	}
	return p, nil
}

// WaitForMerchant reports whether startup should block on the merchant
// account appearing on chain.
func (c *Config) WaitForMerchant() bool {
	return c.Chain.RPCURL != "" && c.Chain.MerchantAddress != ""
}
