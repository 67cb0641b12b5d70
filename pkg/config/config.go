// Package config provides the configuration system for driftsync.
//
// The configuration is organized into logical sections:
//   - Source / Target: which record store backends to replicate between
//   - Sync: page sizes, poll cadence and the initial seed
//   - Reliability: retry and backoff for transient store failures
//   - Events: optional Kafka publishing of sync events
//   - Observability: logging, metrics and tracing
//
// Example usage:
//
//	cfg := config.Default()
//	cfg.Source = config.StoreConfig{Driver: "mongodb", DSN: "mongodb://localhost:27017", Database: "bank", Collection: "accounts"}
//	cfg.Sync.PageSize = 100
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config

import (
	"fmt"
	"runtime"
	"time"
)

// Seed strategies for the initial replication pass.
const (
	SeedBulk      = "bulk"
	SeedPaginated = "paginated"
)

// Config is the root driftsync configuration.
type Config struct {
	// Name identifies the replication in logs and metrics
	Name string `yaml:"name" json:"name" mapstructure:"name"`

	// Source is the authoritative store
	Source StoreConfig `yaml:"source" json:"source" mapstructure:"source"`

	// Target is the derived store kept in sync with Source
	Target StoreConfig `yaml:"target" json:"target" mapstructure:"target"`

	// Sync controls the replication strategies and the reconciliation loop
	Sync SyncConfig `yaml:"sync" json:"sync" mapstructure:"sync"`

	// Reliability controls retries of transient store failures
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability" mapstructure:"reliability"`

	// Events configures optional publishing of sync events
	Events EventsConfig `yaml:"events" json:"events" mapstructure:"events"`

	// Observability settings for logging, metrics and tracing
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// StoreConfig selects and addresses a record store backend.
type StoreConfig struct {
	// Driver is the backend name: memory, sqlite, mysql, postgres, mongodb
	Driver string `yaml:"driver" json:"driver" mapstructure:"driver"`
	// DSN is the backend connection string
	DSN string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	// Database is the MongoDB database name
	Database string `yaml:"database" json:"database" mapstructure:"database"`
	// Collection is the MongoDB collection name
	Collection string `yaml:"collection" json:"collection" mapstructure:"collection"`
	// Table is the SQL table name
	Table string `yaml:"table" json:"table" mapstructure:"table"`
}

// SyncConfig controls replication behaviour.
type SyncConfig struct {
	// PageSize is the batch size of the paginated synchronizer
	PageSize int `yaml:"page_size" json:"page_size" mapstructure:"page_size"`
	// PollInterval is the reconciliation tick cadence
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval" mapstructure:"poll_interval"`
	// PollIntervalSeconds overrides PollInterval when positive
	PollIntervalSeconds int `yaml:"poll_interval_seconds" json:"poll_interval_seconds" mapstructure:"poll_interval_seconds"`
	// InitialSeed runs a full replication before the loop starts
	InitialSeed bool `yaml:"initial_seed" json:"initial_seed" mapstructure:"initial_seed"`
	// SeedStrategy selects bulk or paginated for the initial seed
	SeedStrategy string `yaml:"seed_strategy" json:"seed_strategy" mapstructure:"seed_strategy"`
	// Workers bounds the delta synchronizer fan-out
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers"`
	// ScanPageSize is the page size used when scanning stores for drift
	ScanPageSize int `yaml:"scan_page_size" json:"scan_page_size" mapstructure:"scan_page_size"`
	// ClockResolution is the granularity of UpdatedAt stamps
	ClockResolution time.Duration `yaml:"clock_resolution" json:"clock_resolution" mapstructure:"clock_resolution"`
}

// ReliabilityConfig contains retry settings for transient store failures.
type ReliabilityConfig struct {
	// RetryAttempts is the total number of attempts per store operation
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts" mapstructure:"retry_attempts"`
	// RetryDelay is the initial delay between retries
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay" mapstructure:"retry_delay"`
	// RetryMultiplier increases delay exponentially
	RetryMultiplier float64 `yaml:"retry_multiplier" json:"retry_multiplier" mapstructure:"retry_multiplier"`
	// MaxRetryDelay caps the retry delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay" mapstructure:"max_retry_delay"`
}

// EventsConfig configures the Kafka event publisher.
type EventsConfig struct {
	// KafkaBrokers enables publishing when non-empty
	KafkaBrokers []string `yaml:"kafka_brokers,omitempty" json:"kafka_brokers,omitempty" mapstructure:"kafka_brokers"`
	// KafkaTopic receives one message per replicated record
	KafkaTopic string `yaml:"kafka_topic" json:"kafka_topic" mapstructure:"kafka_topic"`
}

// ObservabilityConfig contains monitoring settings.
type ObservabilityConfig struct {
	// LogLevel sets logging verbosity (debug, info, warn, error)
	LogLevel string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	// LogEncoding is json or console
	LogEncoding string `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding"`
	// MetricsAddr serves /metrics when set (e.g. ":9090")
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	// EnableTracing wraps store operations in OpenTelemetry spans
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing" mapstructure:"enable_tracing"`
}

// Default returns a configuration with production-ready defaults that
// replicates between two in-memory stores.
func Default() *Config {
	return &Config{
		Name:   "driftsync",
		Source: StoreConfig{Driver: "memory"},
		Target: StoreConfig{Driver: "memory"},
		Sync: SyncConfig{
			PageSize:        50,
			PollInterval:    5 * time.Second,
			InitialSeed:     true,
			SeedStrategy:    SeedPaginated,
			Workers:         runtime.NumCPU(),
			ScanPageSize:    500,
			ClockResolution: time.Millisecond,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   3,
			RetryDelay:      100 * time.Millisecond,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   5 * time.Second,
		},
		Events: EventsConfig{
			KafkaTopic: "driftsync.events",
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			LogEncoding: "json",
		},
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Source.Driver == "" {
		return fmt.Errorf("source.driver is required")
	}
	if c.Target.Driver == "" {
		return fmt.Errorf("target.driver is required")
	}
	if c.Source == c.Target && c.Source.Driver != "memory" {
		return fmt.Errorf("source and target must address different stores")
	}
	if c.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.Sync.ScanPageSize <= 0 {
		return fmt.Errorf("sync.scan_page_size must be positive")
	}
	if c.Sync.Interval() <= 0 {
		return fmt.Errorf("sync.poll_interval must be positive")
	}
	switch c.Sync.SeedStrategy {
	case SeedBulk, SeedPaginated:
	default:
		return fmt.Errorf("sync.seed_strategy must be %q or %q, got %q", SeedBulk, SeedPaginated, c.Sync.SeedStrategy)
	}
	if c.Reliability.RetryAttempts < 1 {
		return fmt.Errorf("reliability.retry_attempts must be at least 1")
	}
	if len(c.Events.KafkaBrokers) > 0 && c.Events.KafkaTopic == "" {
		return fmt.Errorf("events.kafka_topic is required when kafka_brokers is set")
	}
	return nil
}

// Interval returns the effective reconciliation tick cadence.
func (s *SyncConfig) Interval() time.Duration {
	if s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return s.PollInterval
}

// GetWorkers returns the delta fan-out, at least 1.
func (s *SyncConfig) GetWorkers() int {
	if s.Workers <= 0 {
		return runtime.NumCPU()
	}
	return s.Workers
}

// PublishesEvents reports whether the Kafka publisher is enabled.
func (e *EventsConfig) PublishesEvents() bool {
	return len(e.KafkaBrokers) > 0
}
