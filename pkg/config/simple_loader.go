package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. DRIFTSYNC_SYNC_PAGE_SIZE.
const EnvPrefix = "DRIFTSYNC"

// Load reads a YAML configuration file on top of Default. ${VAR} references
// in the file are replaced with environment values before parsing.
func Load(filePath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filePath) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	content := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return cfg, nil
}

// Save writes a configuration to a YAML file.
func Save(filePath string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML: %w", err)
	}

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// NewViper returns a viper instance reading DRIFTSYNC_* environment
// variables, with nested keys separated by underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every key explicitly set in v (bound flags or
// environment) onto cfg. Keys use the YAML paths, e.g. "sync.page_size".
func ApplyOverrides(cfg *Config, v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	str("name", &cfg.Name)
	str("source.driver", &cfg.Source.Driver)
	str("source.dsn", &cfg.Source.DSN)
	str("source.database", &cfg.Source.Database)
	str("source.collection", &cfg.Source.Collection)
	str("source.table", &cfg.Source.Table)
	str("target.driver", &cfg.Target.Driver)
	str("target.dsn", &cfg.Target.DSN)
	str("target.database", &cfg.Target.Database)
	str("target.collection", &cfg.Target.Collection)
	str("target.table", &cfg.Target.Table)
	str("sync.seed_strategy", &cfg.Sync.SeedStrategy)
	str("events.kafka_topic", &cfg.Events.KafkaTopic)
	str("observability.log_level", &cfg.Observability.LogLevel)
	str("observability.log_encoding", &cfg.Observability.LogEncoding)
	str("observability.metrics_addr", &cfg.Observability.MetricsAddr)

	if v.IsSet("sync.page_size") {
		cfg.Sync.PageSize = v.GetInt("sync.page_size")
	}
	if v.IsSet("sync.poll_interval") {
		cfg.Sync.PollInterval = v.GetDuration("sync.poll_interval")
	}
	if v.IsSet("sync.poll_interval_seconds") {
		cfg.Sync.PollIntervalSeconds = v.GetInt("sync.poll_interval_seconds")
	}
	if v.IsSet("sync.initial_seed") {
		cfg.Sync.InitialSeed = v.GetBool("sync.initial_seed")
	}
	if v.IsSet("sync.workers") {
		cfg.Sync.Workers = v.GetInt("sync.workers")
	}
	if v.IsSet("sync.scan_page_size") {
		cfg.Sync.ScanPageSize = v.GetInt("sync.scan_page_size")
	}
	if v.IsSet("reliability.retry_attempts") {
		cfg.Reliability.RetryAttempts = v.GetInt("reliability.retry_attempts")
	}
	if v.IsSet("events.kafka_brokers") {
		cfg.Events.KafkaBrokers = v.GetStringSlice("events.kafka_brokers")
	}
	if v.IsSet("observability.enable_tracing") {
		cfg.Observability.EnableTracing = v.GetBool("observability.enable_tracing")
	}
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values.
// Substituted values are inserted verbatim and never expanded again.
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
