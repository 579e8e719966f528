package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if !cfg.Rules.Builtin {
		t.Error("builtin rules should default on")
	}
	if cfg.Redis.Enabled || cfg.Storage.Enabled || cfg.Archive.Enabled {
		t.Error("external systems must default off")
	}
	if cfg.Orchestrator.ClaimTTL != 24*time.Hour {
		t.Errorf("claim ttl default = %v", cfg.Orchestrator.ClaimTTL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config must validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("SECAUTO_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected defaults, got %+v", cfg.Logging)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
logging:
  level: debug
  format: text
rules:
  path: /etc/secauto/rules.yaml
  builtin: false
correlation:
  cleanup_interval: 30s
orchestrator:
  default_step_timeout: 45s
kafka:
  brokers: ["broker1:9092", "broker2:9092"]
  event_topic: events-in
redis:
  enabled: true
  client:
    addr: redis.internal:6379
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SECAUTO_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Rules.Builtin || cfg.Rules.Path != "/etc/secauto/rules.yaml" {
		t.Errorf("rules = %+v", cfg.Rules)
	}
	if cfg.Correlation.CleanupInterval != 30*time.Second {
		t.Errorf("cleanup interval = %v", cfg.Correlation.CleanupInterval)
	}
	if cfg.Orchestrator.DefaultStepTimeout != 45*time.Second {
		t.Errorf("step timeout = %v", cfg.Orchestrator.DefaultStepTimeout)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.EventTopic != "events-in" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Client.Addr != "redis.internal:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}

	// Unset sections keep their defaults.
	if cfg.Escalation.Monitor.CheckInterval != time.Minute {
		t.Errorf("escalation check interval = %v", cfg.Escalation.Monitor.CheckInterval)
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: warn\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SECAUTO_CONFIG_PATH", path)
	t.Setenv("SECAUTO_LOG_LEVEL", "debug")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092 ,")
	t.Setenv("REDIS_ADDR", "redis-ha:6379")
	t.Setenv("ARCHIVE_BUCKET", "secauto-archive")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("env must win over file: level = %s", cfg.Logging.Level)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b2:9092" {
		t.Errorf("brokers = %v", cfg.Kafka.Brokers)
	}
	if !cfg.Redis.Enabled || cfg.Redis.Client.Addr != "redis-ha:6379" {
		t.Errorf("redis = %+v", cfg.Redis)
	}
	if !cfg.Archive.Enabled || cfg.Archive.S3.Bucket != "secauto-archive" {
		t.Errorf("archive = %+v", cfg.Archive)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pipeline.Workers = -1
	if err := cfg.Validate(); err == nil {
		t.Error("negative workers must fail validation")
	}

	cfg = DefaultConfig()
	cfg.Kafka.Brokers = nil
	if err := cfg.Validate(); err == nil {
		t.Error("empty brokers must fail validation")
	}

	cfg = DefaultConfig()
	cfg.Archive.Enabled = true
	cfg.Archive.S3.Bucket = ""
	if err := cfg.Validate(); err == nil {
		t.Error("enabled archive without bucket must fail validation")
	}
}
