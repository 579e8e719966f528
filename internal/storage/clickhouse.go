package storage

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"automation-core/internal/correlation"
	"automation-core/internal/escalation"
	"automation-core/internal/orchestrator"
	"automation-core/internal/schema"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseConfig holds the configuration for the ClickHouse connection.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	Debug           bool          `yaml:"debug"`
}

// DefaultClickHouseConfig returns the default ClickHouse configuration.
func DefaultClickHouseConfig() ClickHouseConfig {
	return ClickHouseConfig{
		Hosts:           []string{"localhost:9000"},
		Database:        "secauto",
		Username:        "default",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		DialTimeout:     10 * time.Second,
	}
}

// AuditStore is the append-only history of the automation core: processed
// events, fired correlation groups, terminal executions, and escalation
// events. Records are never updated once written.
type AuditStore struct {
	conn   driver.Conn
	config ClickHouseConfig
}

// NewAuditStore connects to ClickHouse and verifies the connection.
func NewAuditStore(cfg ClickHouseConfig) (*AuditStore, error) {
	opts := &clickhouse.Options{
		Addr: cfg.Hosts,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionZSTD,
		},
		DialTimeout:     cfg.DialTimeout,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		Debug:           cfg.Debug,
	}
	if cfg.TLSEnabled {
		opts.TLS = &tls.Config{InsecureSkipVerify: false}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}

	return &AuditStore{conn: conn, config: cfg}, nil
}

// Close closes the ClickHouse connection.
func (s *AuditStore) Close() error {
	return s.conn.Close()
}

// Ping checks if the connection is alive.
func (s *AuditStore) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// EnsureSchema creates the database and audit tables if they do not
// exist. Tables use MergeTree ordered by time for range scans.
func (s *AuditStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", s.config.Database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.security_events (
			id UUID,
			timestamp DateTime64(3, 'UTC'),
			event_type LowCardinality(String),
			severity LowCardinality(String),
			source_system LowCardinality(String),
			source_ip String,
			dest_ip String,
			correlation_id Nullable(UUID),
			incident_id Nullable(UUID),
			payload String,
			received_at DateTime64(3, 'UTC')
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (timestamp, event_type)
		TTL toDateTime(timestamp) + INTERVAL 90 DAY`, s.config.Database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.correlation_groups (
			id UUID,
			rule_id LowCardinality(String),
			group_key String,
			matched UInt8,
			expired UInt8,
			severity LowCardinality(String),
			member_count UInt32,
			window_start DateTime64(3, 'UTC'),
			window_end DateTime64(3, 'UTC'),
			state String,
			recorded_at DateTime64(3, 'UTC')
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(recorded_at)
		ORDER BY (recorded_at, rule_id)`, s.config.Database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.executions (
			id UUID,
			playbook_id LowCardinality(String),
			version_id UUID,
			trigger_event_id UUID,
			status LowCardinality(String),
			started_at DateTime64(3, 'UTC'),
			completed_at DateTime64(3, 'UTC'),
			actions_taken Array(String),
			failed_steps UInt32,
			log String,
			error_message String
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(started_at)
		ORDER BY (started_at, playbook_id)`, s.config.Database),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.escalation_events (
			id UUID,
			incident_id UUID,
			level UInt32,
			reason String,
			notified_roles Array(String),
			manual UInt8,
			timestamp DateTime64(3, 'UTC')
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(timestamp)
		ORDER BY (timestamp, incident_id)`, s.config.Database),
	}

	for _, stmt := range statements {
		if err := s.conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// InsertEvent records a processed event.
func (s *AuditStore) InsertEvent(ctx context.Context, event *schema.SecurityEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s.security_events
		(id, timestamp, event_type, severity, source_system, source_ip, dest_ip, correlation_id, incident_id, payload, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.config.Database)
	return s.conn.Exec(ctx, query,
		event.ID,
		event.Timestamp,
		event.EventType,
		string(event.Severity),
		event.SourceSystem,
		event.SourceIP,
		event.DestIP,
		event.CorrelationID,
		event.IncidentID,
		string(payload),
		event.ReceivedAt,
	)
}

// InsertGroup records a closed or fired correlation group, including its
// serialized evaluation state for forensics and replay.
func (s *AuditStore) InsertGroup(ctx context.Context, group *correlation.Group) error {
	state, err := json.Marshal(group)
	if err != nil {
		return fmt.Errorf("marshal group: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s.correlation_groups
		(id, rule_id, group_key, matched, expired, severity, member_count, window_start, window_end, state, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.config.Database)
	return s.conn.Exec(ctx, query,
		group.ID,
		group.RuleID,
		group.Key,
		boolToUInt8(group.Matched),
		boolToUInt8(group.Expired),
		string(group.Severity),
		uint32(len(group.Members)),
		group.WindowStart,
		group.WindowEnd,
		string(state),
		time.Now().UTC(),
	)
}

// InsertExecution records a terminal execution.
func (s *AuditStore) InsertExecution(ctx context.Context, exec *orchestrator.Execution) error {
	log, err := json.Marshal(exec.Log)
	if err != nil {
		return fmt.Errorf("marshal execution log: %w", err)
	}
	completedAt := exec.StartedAt
	if exec.CompletedAt != nil {
		completedAt = *exec.CompletedAt
	}
	query := fmt.Sprintf(`INSERT INTO %s.executions
		(id, playbook_id, version_id, trigger_event_id, status, started_at, completed_at, actions_taken, failed_steps, log, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.config.Database)
	return s.conn.Exec(ctx, query,
		exec.ID,
		exec.PlaybookID,
		exec.VersionID,
		exec.TriggerEventID,
		string(exec.Status),
		exec.StartedAt,
		completedAt,
		exec.ActionsTaken,
		uint32(exec.FailedSteps()),
		string(log),
		exec.ErrorMessage,
	)
}

// InsertEscalation records an escalation event.
func (s *AuditStore) InsertEscalation(ctx context.Context, event *escalation.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s.escalation_events
		(id, incident_id, level, reason, notified_roles, manual, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, s.config.Database)
	return s.conn.Exec(ctx, query,
		event.ID,
		event.IncidentID,
		uint32(event.Level),
		event.Reason,
		event.NotifiedRoles,
		boolToUInt8(event.Manual),
		event.Timestamp,
	)
}

func boolToUInt8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
