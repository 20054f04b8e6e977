// Package config loads the settings shared by every baton process.
//
// Values come from built-in defaults, then an optional TOML or YAML file,
// then BATON_* environment variables (BATON_MAX_RETRIES, BATON_LOCK_ROOT, ...).
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "BATON"

// Config holds every tunable.
type Config struct {
	MaxRetries         int           `mapstructure:"max_retries"`
	MaxConcurrent      int           `mapstructure:"max_concurrent"`
	LockTimeout        time.Duration `mapstructure:"lock_timeout"`
	StaleLockAge       time.Duration `mapstructure:"stale_lock_age"`
	HistoryLockTimeout time.Duration `mapstructure:"history_lock_timeout"`
	MetadataGrace      time.Duration `mapstructure:"metadata_grace"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	SweepLimit         int           `mapstructure:"sweep_limit"`
	RenewInterval      time.Duration `mapstructure:"renew_interval"`
	Workers            int           `mapstructure:"workers"`

	LockRoot    string `mapstructure:"lock_root"`
	LedgerPath  string `mapstructure:"ledger_path"`
	Backend     string `mapstructure:"backend"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix"`

	Bus          string   `mapstructure:"bus"`
	NATSURL      string   `mapstructure:"nats_url"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`

	DiagAddr  string `mapstructure:"diag_addr"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	Trace     bool   `mapstructure:"trace"`
}

var defaults = map[string]any{
	"max_retries":          2,
	"max_concurrent":       3,
	"lock_timeout":         "5s",
	"stale_lock_age":       "2h",
	"history_lock_timeout": "10s",
	"metadata_grace":       "10s",
	"poll_interval":        "100ms",
	"sweep_limit":          16,
	"renew_interval":       "0s",
	"workers":              4,
	"lock_root":            ".baton/locks",
	"ledger_path":          ".baton/ledger.json",
	"backend":              "fs",
	"redis_addr":           "localhost:6379",
	"redis_prefix":         "baton:",
	"bus":                  "none",
	"nats_url":             "nats://127.0.0.1:4222",
	"kafka_brokers":        []string{"localhost:9092"},
	"diag_addr":            "127.0.0.1:8089",
	"log_level":            "info",
	"log_format":           "text",
	"trace":                false,
}

// Default returns the built-in configuration.
func Default() Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Load reads path, when non-empty, on top of the defaults and applies
// environment overrides. The file type follows its extension.
func Load(path string) (Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects negative limits and unknown backends.
func (c Config) Validate() error {
	for name, n := range map[string]int{
		"max_retries":    c.MaxRetries,
		"max_concurrent": c.MaxConcurrent,
		"sweep_limit":    c.SweepLimit,
		"workers":        c.Workers,
	} {
		if n < 0 {
			return fmt.Errorf("config: %s must not be negative, got %d", name, n)
		}
	}
	for name, d := range map[string]time.Duration{
		"lock_timeout":         c.LockTimeout,
		"stale_lock_age":       c.StaleLockAge,
		"history_lock_timeout": c.HistoryLockTimeout,
		"metadata_grace":       c.MetadataGrace,
		"poll_interval":        c.PollInterval,
		"renew_interval":       c.RenewInterval,
	} {
		if d < 0 {
			return fmt.Errorf("config: %s must not be negative, got %v", name, d)
		}
	}
	switch c.Backend {
	case "fs", "redis", "memory":
	default:
		return fmt.Errorf("config: unknown backend %q (expected fs, redis or memory)", c.Backend)
	}
	switch c.Bus {
	case "none", "memory", "redis", "nats", "kafka":
	default:
		return fmt.Errorf("config: unknown bus %q", c.Bus)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q (expected text or json)", c.LogFormat)
	}
	return nil
}

// fileConfig is the TOML rendering of Config, with durations as strings.
type fileConfig struct {
	MaxRetries         int      `toml:"max_retries"`
	MaxConcurrent      int      `toml:"max_concurrent"`
	LockTimeout        string   `toml:"lock_timeout"`
	StaleLockAge       string   `toml:"stale_lock_age"`
	HistoryLockTimeout string   `toml:"history_lock_timeout"`
	MetadataGrace      string   `toml:"metadata_grace"`
	PollInterval       string   `toml:"poll_interval"`
	SweepLimit         int      `toml:"sweep_limit"`
	RenewInterval      string   `toml:"renew_interval"`
	Workers            int      `toml:"workers"`
	LockRoot           string   `toml:"lock_root"`
	LedgerPath         string   `toml:"ledger_path"`
	Backend            string   `toml:"backend"`
	RedisAddr          string   `toml:"redis_addr"`
	RedisPrefix        string   `toml:"redis_prefix"`
	Bus                string   `toml:"bus"`
	NATSURL            string   `toml:"nats_url"`
	KafkaBrokers       []string `toml:"kafka_brokers"`
	DiagAddr           string   `toml:"diag_addr"`
	LogLevel           string   `toml:"log_level"`
	LogFormat          string   `toml:"log_format"`
	Trace              bool     `toml:"trace"`
}

// WriteTOML renders c as a TOML document that Load accepts back.
func (c Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(fileConfig{
		MaxRetries:         c.MaxRetries,
		MaxConcurrent:      c.MaxConcurrent,
		LockTimeout:        c.LockTimeout.String(),
		StaleLockAge:       c.StaleLockAge.String(),
		HistoryLockTimeout: c.HistoryLockTimeout.String(),
		MetadataGrace:      c.MetadataGrace.String(),
		PollInterval:       c.PollInterval.String(),
		SweepLimit:         c.SweepLimit,
		RenewInterval:      c.RenewInterval.String(),
		Workers:            c.Workers,
		LockRoot:           c.LockRoot,
		LedgerPath:         c.LedgerPath,
		Backend:            c.Backend,
		RedisAddr:          c.RedisAddr,
		RedisPrefix:        c.RedisPrefix,
		Bus:                c.Bus,
		NATSURL:            c.NATSURL,
		KafkaBrokers:       c.KafkaBrokers,
		DiagAddr:           c.DiagAddr,
		LogLevel:           c.LogLevel,
		LogFormat:          c.LogFormat,
		Trace:              c.Trace,
	})
}
