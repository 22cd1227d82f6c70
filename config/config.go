// Package config resolves the relayer's configuration through viper, in
// the order defaults -> config file -> environment -> CLI flags, matching
// spec.md §6's enumerated key list.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// envReplacer maps dotted config keys (source.rpc_url) onto the
// underscore-delimited environment variable names viper's AutomaticEnv
// expects (SOURCE_RPC_URL).
func envReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_")
}

// SourceConfig configures the C1 source watcher.
type SourceConfig struct {
	RPCURL         string `mapstructure:"rpc_url"`
	ProgramID      string `mapstructure:"program_id"`
	Commitment     string `mapstructure:"commitment"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
}

// DestinationConfig configures the C4 destination executor and C3 signer.
type DestinationConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	ContractAddress string `mapstructure:"contract_address"`
	VaultOwner      string `mapstructure:"vault_owner"`
	PrivateKey      string `mapstructure:"private_key"`
	MaxGasAmount    int    `mapstructure:"max_gas_amount"`
}

// ProcessingConfig configures the C5 settlement processor.
type ProcessingConfig struct {
	MaxConcurrentSettlements   int `mapstructure:"max_concurrent_settlements"`
	RetryAttempts              int `mapstructure:"retry_attempts"`
	RetryDelaySeconds          int `mapstructure:"retry_delay_seconds"`
	IntentTTLSeconds           int `mapstructure:"intent_ttl_seconds"`
	HealthProbeIntervalSeconds int `mapstructure:"health_probe_interval_seconds"`
}

// StoreConfig configures the C2 store.
type StoreConfig struct {
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// MonitorConfig configures the C6 monitor.
type MonitorConfig struct {
	MetricsPort int    `mapstructure:"metrics_port"`
	HealthPort  int    `mapstructure:"health_port"`
	LogLevel    string `mapstructure:"log_level"`
}

// Config is the fully resolved relayer configuration.
type Config struct {
	Source      SourceConfig      `mapstructure:"source"`
	Destination DestinationConfig `mapstructure:"destination"`
	Processing  ProcessingConfig  `mapstructure:"processing"`
	Store       StoreConfig       `mapstructure:"store"`
	Monitor     MonitorConfig     `mapstructure:"monitor"`
}

// setDefaults seeds v with every documented default so an empty config file
// (or none at all) still produces a runnable configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("source.commitment", "confirmed")
	v.SetDefault("source.poll_interval_ms", 2000)

	v.SetDefault("destination.max_gas_amount", 10000)

	v.SetDefault("processing.max_concurrent_settlements", 16)
	v.SetDefault("processing.retry_attempts", 5)
	v.SetDefault("processing.retry_delay_seconds", 5)
	v.SetDefault("processing.intent_ttl_seconds", 3600)
	v.SetDefault("processing.health_probe_interval_seconds", 30)

	v.SetDefault("store.url", "sqlite://relayer.db")
	v.SetDefault("store.max_connections", 10)

	v.SetDefault("monitor.metrics_port", 9090)
	v.SetDefault("monitor.health_port", 9091)
	v.SetDefault("monitor.log_level", "info")
}

// Load resolves configuration from defaults, an optional config file at
// path (skipped if empty or missing), environment variables (with `.`
// replaced by `_`, e.g. SOURCE_RPC_URL), and whatever flags v already has
// bound via viper.BindPFlag.
func Load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvKeyReplacer(envReplacer())
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Source.RPCURL == "" {
		return fmt.Errorf("source.rpc_url is required")
	}
	if c.Source.ProgramID == "" {
		return fmt.Errorf("source.program_id is required")
	}
	if c.Destination.RPCURL == "" {
		return fmt.Errorf("destination.rpc_url is required")
	}
	if c.Destination.ContractAddress == "" {
		return fmt.Errorf("destination.contract_address is required")
	}
	if c.Destination.PrivateKey == "" {
		return fmt.Errorf("destination.private_key is required")
	}
	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}
	return nil
}
