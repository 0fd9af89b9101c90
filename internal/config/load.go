package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for all environment variables read by Load.
// Nested keys use underscores, e.g. HIVE_SERVER_PORT, HIVE_BROKER_DRIVER.
const EnvPrefix = "HIVE"

// Load configuration from environment variables and optionally a config file.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Read from environment variables with the HIVE_ prefix. Dots in config
	// keys map to underscores in variable names.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Optionally merge a config file when one is present alongside the binary.
	v.SetConfigName("taskhive")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; a malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.Broker.Driver == "postgres" && cfg.Database.URL == "" {
		return nil, fmt.Errorf("invalid configuration: database.url is required when broker.driver is postgres")
	}

	return &cfg, nil
}

// setDefaults registers an explicit default for every optional setting so the
// unmarshalled struct never depends on zero-value probing at use sites.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "")

	v.SetDefault("broker.driver", "memory")
	v.SetDefault("broker.poll_interval", 50*time.Millisecond)

	v.SetDefault("queue.default_timeout_seconds", 120)
	v.SetDefault("queue.result_ttl", 24*time.Hour)

	v.SetDefault("worker.count", 2)
	v.SetDefault("worker.heartbeat_interval", 15*time.Second)
	v.SetDefault("worker.max_jobs", 0)
	v.SetDefault("worker.dequeue_wait", time.Second)

	v.SetDefault("autoscale.enabled", false)
	v.SetDefault("autoscale.interval", 30*time.Second)
	v.SetDefault("autoscale.scale_up_depth", 50)
	v.SetDefault("autoscale.scale_down_depth", 5)
	v.SetDefault("autoscale.min_workers", 0)
	v.SetDefault("autoscale.max_workers", 8)

	v.SetDefault("alerts.daily_error_threshold", 100)
}
