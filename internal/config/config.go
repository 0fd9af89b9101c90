package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"    validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Broker    BrokerConfig    `mapstructure:"broker"    validate:"required"`
	Queue     QueueConfig     `mapstructure:"queue"     validate:"required"`
	Worker    WorkerConfig    `mapstructure:"worker"    validate:"required"`
	Autoscale AutoscaleConfig `mapstructure:"autoscale" validate:"required"`
	Alerts    AlertsConfig    `mapstructure:"alerts"    validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port"      validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains the connection settings for the Postgres-backed
// broker. Only required when Broker.Driver is "postgres".
type DatabaseConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// BrokerConfig selects and tunes the queue/KV store implementation.
type BrokerConfig struct {
	// Driver selects the broker backend: "memory" for the embedded
	// single-process store, "postgres" for the shared database-backed store.
	Driver string `mapstructure:"driver" validate:"required,oneof=memory postgres"`

	// PollInterval is how often blocking pops re-check for new items.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"required,gt=0"`
}

// QueueConfig tunes task submission defaults and result retention.
type QueueConfig struct {
	// DefaultTimeoutSeconds is the global execution timeout applied when
	// neither the submission nor the work ref's job spec provides one.
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds" validate:"required,gt=0"`

	// ResultTTL bounds how long a result record outlives its terminal state.
	ResultTTL time.Duration `mapstructure:"result_ttl" validate:"required,gt=0"`
}

// WorkerConfig tunes the default worker fleet started at boot.
type WorkerConfig struct {
	// Count is the number of workers started before autoscaling takes over.
	Count int `mapstructure:"count" validate:"gte=0"`

	// HeartbeatInterval is how often each worker refreshes its health record.
	// The record's TTL is twice this interval.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" validate:"required,gt=0"`

	// MaxJobs retires a worker after that many completed jobs. Zero disables
	// retirement.
	MaxJobs int `mapstructure:"max_jobs" validate:"gte=0"`

	// DequeueWait bounds each blocking dequeue attempt so workers observe
	// shutdown promptly.
	DequeueWait time.Duration `mapstructure:"dequeue_wait" validate:"required,gt=0"`
}

// AutoscaleConfig tunes the depth-threshold control loop in the worker manager.
type AutoscaleConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often queue depths are compared against thresholds.
	Interval time.Duration `mapstructure:"interval" validate:"required,gt=0"`

	// ScaleUpDepth adds a worker to a priority queue whose depth exceeds it.
	ScaleUpDepth int `mapstructure:"scale_up_depth" validate:"required,gt=0"`

	// ScaleDownDepth removes a worker from a priority queue whose depth is
	// at or below it.
	ScaleDownDepth int `mapstructure:"scale_down_depth" validate:"gte=0"`

	// MinWorkers and MaxWorkers bound the per-priority fleet size.
	MinWorkers int `mapstructure:"min_workers" validate:"gte=0"`
	MaxWorkers int `mapstructure:"max_workers" validate:"required,gt=0"`
}

// AlertsConfig tunes error-rate alerting thresholds.
type AlertsConfig struct {
	// DailyErrorThreshold triggers a rate alert once the per-day error count
	// crosses it.
	DailyErrorThreshold int `mapstructure:"daily_error_threshold" validate:"required,gt=0"`
}
