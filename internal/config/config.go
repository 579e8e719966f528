// Package config handles configuration loading for the automation core.
package config

import (
	"fmt"
	"os"
	"strings"

	"automation-core/internal/archive"
	"automation-core/internal/correlation"
	"automation-core/internal/escalation"
	"automation-core/internal/orchestrator"
	"automation-core/internal/pipeline"
	"automation-core/internal/storage"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Logging      LoggingConfig              `yaml:"logging"`
	Rules        RulesConfig                `yaml:"rules"`
	Playbooks    PlaybooksConfig            `yaml:"playbooks"`
	Correlation  correlation.EngineConfig   `yaml:"correlation"`
	Orchestrator orchestrator.Config        `yaml:"orchestrator"`
	Escalation   EscalationConfig           `yaml:"escalation"`
	Pipeline     pipeline.Config            `yaml:"pipeline"`
	Kafka        pipeline.KafkaConfig       `yaml:"kafka"`
	Redis        RedisSection               `yaml:"redis"`
	Storage      StorageSection             `yaml:"storage"`
	Archive      ArchiveSection             `yaml:"archive"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RulesConfig holds correlation rule loading settings.
type RulesConfig struct {
	// Path is a YAML file of correlation rules loaded at startup.
	Path string `yaml:"path"`
	// Builtin enables the bundled rule set.
	Builtin bool `yaml:"builtin"`
}

// PlaybooksConfig holds playbook loading settings.
type PlaybooksConfig struct {
	// Path is a YAML file of playbooks published at startup.
	Path string `yaml:"path"`
}

// EscalationConfig holds escalation monitor settings.
type EscalationConfig struct {
	Monitor escalation.Config `yaml:"monitor"`
	// PolicyPath is a YAML file overriding the default policy.
	PolicyPath string `yaml:"policy_path"`
}

// RedisSection holds Redis settings.
type RedisSection struct {
	Enabled bool                `yaml:"enabled"`
	Client  storage.RedisConfig `yaml:"client"`
}

// StorageSection holds audit storage settings.
type StorageSection struct {
	Enabled    bool                     `yaml:"enabled"`
	ClickHouse storage.ClickHouseConfig `yaml:"clickhouse"`
}

// ArchiveSection holds S3 archival settings.
type ArchiveSection struct {
	Enabled bool           `yaml:"enabled"`
	S3      archive.Config `yaml:"s3"`
}

// DefaultConfig returns the default configuration. External systems are
// disabled by default so the binary runs standalone in development.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Rules: RulesConfig{
			Builtin: true,
		},
		Correlation:  correlation.DefaultEngineConfig(),
		Orchestrator: orchestrator.DefaultConfig(),
		Escalation: EscalationConfig{
			Monitor: escalation.DefaultConfig(),
		},
		Pipeline: pipeline.DefaultConfig(),
		Kafka:    pipeline.DefaultKafkaConfig(),
		Redis: RedisSection{
			Enabled: false,
			Client:  storage.DefaultRedisConfig(),
		},
		Storage: StorageSection{
			Enabled:    false,
			ClickHouse: storage.DefaultClickHouseConfig(),
		},
		Archive: ArchiveSection{
			Enabled: false,
			S3:      archive.DefaultConfig(),
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("SECAUTO_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("SECAUTO_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Enabled = true
		c.Redis.Client.Addr = addr
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Redis.Client.Password = pass
	}
	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.Enabled = true
		c.Storage.ClickHouse.Hosts = []string{host}
	}
	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}
	if bucket := os.Getenv("ARCHIVE_BUCKET"); bucket != "" {
		c.Archive.Enabled = true
		c.Archive.S3.Bucket = bucket
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	if c.Pipeline.Workers < 0 {
		return fmt.Errorf("pipeline workers must not be negative")
	}
	if c.Archive.Enabled {
		if err := c.Archive.S3.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func splitAndTrim(s, sep string) []string {
	var parts []string
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
