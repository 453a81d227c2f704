// Package config loads the webhooksd configuration with viper.
//
// Values come from defaults, an optional YAML file and WEBHOOKS_* environment
// variables, in increasing order of precedence. Nested keys map to
// environment names by replacing dots with underscores, so
// delivery.max_attempts is WEBHOOKS_DELIVERY_MAX_ATTEMPTS.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xraph/webhooks"
	"github.com/xraph/webhooks/delivery"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "WEBHOOKS"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Delivery DeliveryConfig `mapstructure:"delivery"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// StoreConfig selects the backend. Driver is one of Drivers; DSN is the
// connection string the driver is opened with.
type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// Drivers lists the supported store drivers and the DSN each falls back to
// when none is configured. An empty fallback means a DSN is required.
var Drivers = map[string]string{
	"memory":   "",
	"redis":    "redis://localhost:6379/0",
	"postgres": "",
	"sqlite":   "file:webhooks.db",
	"mongo":    "",
}

type DeliveryConfig struct {
	RequestTimeout  time.Duration   `mapstructure:"request_timeout"`
	MaxAttempts     int             `mapstructure:"max_attempts"`
	MaxFailures     int             `mapstructure:"max_failures"`
	RetrySchedule   []time.Duration `mapstructure:"retry_schedule"`
	SweepBatchLimit int             `mapstructure:"sweep_batch_limit"`
	Concurrency     int             `mapstructure:"concurrency"`
	GonePolicy      string          `mapstructure:"gone_policy"`
}

type SweeperConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Lock     bool          `mapstructure:"lock"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

func setDefaults(v *viper.Viper) {
	def := webhooks.DefaultConfig()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_path", "/metrics")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("delivery.request_timeout", def.RequestTimeout)
	v.SetDefault("delivery.max_attempts", def.MaxAttempts)
	v.SetDefault("delivery.max_failures", def.MaxFailures)
	v.SetDefault("delivery.retry_schedule", def.RetrySchedule)
	v.SetDefault("delivery.sweep_batch_limit", def.SweepBatchLimit)
	v.SetDefault("delivery.concurrency", def.Concurrency)
	v.SetDefault("delivery.gone_policy", def.GonePolicy.String())

	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.interval", 15*time.Second)
	v.SetDefault("sweeper.lock", true)
	v.SetDefault("sweeper.lock_ttl", time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", true)
}

// Load reads the configuration. An empty path looks for webhooks.yaml in
// the working directory and /etc/webhooks; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("webhooks")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/webhooks")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that viper cannot type-check.
func (c *Config) Validate() error {
	fallback, ok := Drivers[c.Store.Driver]
	if !ok {
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.DSN == "" {
		c.Store.DSN = fallback
	}
	if c.Store.DSN == "" && c.Store.Driver != "memory" {
		return fmt.Errorf("config: store.dsn is required for the %s driver", c.Store.Driver)
	}

	positive := []struct {
		key string
		ok  bool
	}{
		{"delivery.request_timeout", c.Delivery.RequestTimeout > 0},
		{"delivery.max_attempts", c.Delivery.MaxAttempts > 0},
		{"delivery.max_failures", c.Delivery.MaxFailures > 0},
		{"delivery.sweep_batch_limit", c.Delivery.SweepBatchLimit > 0},
		{"delivery.concurrency", c.Delivery.Concurrency > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("config: %s must be positive", p.key)
		}
	}
	if len(c.Delivery.RetrySchedule) == 0 {
		return errors.New("config: delivery.retry_schedule must not be empty")
	}

	if _, err := delivery.ParseGonePolicy(c.Delivery.GonePolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Sweeper.Lock && c.Store.Driver != "redis" {
		c.Sweeper.Lock = false
	}
	return nil
}

// Engine converts the delivery section into a webhooks.Config.
func (c *Config) Engine() webhooks.Config {
	gone, _ := delivery.ParseGonePolicy(c.Delivery.GonePolicy) //nolint:errcheck // checked by Validate
	return webhooks.Config{
		RequestTimeout:  c.Delivery.RequestTimeout,
		MaxAttempts:     c.Delivery.MaxAttempts,
		MaxFailures:     c.Delivery.MaxFailures,
		RetrySchedule:   c.Delivery.RetrySchedule,
		SweepBatchLimit: c.Delivery.SweepBatchLimit,
		Concurrency:     c.Delivery.Concurrency,
		GonePolicy:      gone,
	}
}

// SlogLevel parses Level ("debug", "info", "warn", "error").
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return slog.LevelInfo, err
	}
	return lvl, nil
}
