// Package main is the entry point for the security automation daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"automation-core/internal/archive"
	"automation-core/internal/config"
	"automation-core/internal/correlation"
	"automation-core/internal/escalation"
	"automation-core/internal/normalize"
	"automation-core/internal/notify"
	"automation-core/internal/orchestrator"
	"automation-core/internal/pipeline"
	"automation-core/internal/playbook"
	"automation-core/internal/schema"
	"automation-core/internal/storage"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// incidentStore is the combined store surface the daemon needs.
type incidentStore interface {
	escalation.IncidentStore
	AddIncident(ctx context.Context, incident *schema.Incident) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"kafka_brokers", cfg.Kafka.Brokers,
		"redis_enabled", cfg.Redis.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores. Redis shares claims, counters, and incidents across
	// workers; the in-memory store serves single-node deployments.
	var (
		claims    orchestrator.ClaimStore
		counters  orchestrator.CounterStore
		incidents incidentStore
	)
	if cfg.Redis.Enabled {
		redisStore, err := storage.NewRedisStore(cfg.Redis.Client)
		if err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisStore.Close()
		claims, counters, incidents = redisStore, redisStore, redisStore
	} else {
		mem := storage.NewMemoryStore()
		claims, counters, incidents = mem, mem, mem
	}

	// Audit storage.
	var audit *storage.AuditStore
	if cfg.Storage.Enabled {
		audit, err = storage.NewAuditStore(cfg.Storage.ClickHouse)
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}
		defer audit.Close()
		if err := audit.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure audit schema", "error", err)
			os.Exit(1)
		}
	}

	// Long-term archival.
	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.New(ctx, cfg.Archive.S3)
		if err != nil {
			slog.Error("failed to initialize archiver", "error", err)
			os.Exit(1)
		}
		archiver.Start(ctx)
	}

	// Correlation engine.
	engineOpts := []correlation.Option{
		correlation.WithIncidentCreator(incidentCreator(incidents)),
		correlation.WithGroupSink(groupSink(audit, archiver)),
	}
	engine := correlation.NewEngine(cfg.Correlation, engineOpts...)
	if err := loadRules(engine, cfg.Rules); err != nil {
		slog.Error("failed to load correlation rules", "error", err)
		os.Exit(1)
	}
	engine.Start(ctx)

	// Playbook library and matcher.
	library := playbook.NewLibrary()
	if err := loadPlaybooks(library, cfg.Playbooks); err != nil {
		slog.Error("failed to load playbooks", "error", err)
		os.Exit(1)
	}
	matcher := playbook.NewMatcher(library)

	// Orchestrator with the default action handlers.
	registry := orchestrator.NewRegistry()
	registerDefaultActions(registry)
	orch := orchestrator.New(cfg.Orchestrator, registry, claims, counters, executionSink(audit, archiver))

	// Escalation monitor.
	policy, err := loadPolicy(cfg.Escalation)
	if err != nil {
		slog.Error("failed to load escalation policy", "error", err)
		os.Exit(1)
	}
	monitor, err := escalation.NewMonitor(cfg.Escalation.Monitor, policy, incidents, notify.LogNotifier{}, escalationSink(audit))
	if err != nil {
		slog.Error("failed to create escalation monitor", "error", err)
		os.Exit(1)
	}
	monitor.Start(ctx)

	// Kafka pipeline.
	reader, err := cfg.Kafka.NewReader()
	if err != nil {
		slog.Error("failed to create Kafka reader", "error", err)
		os.Exit(1)
	}
	producer, err := pipeline.NewAuditProducer(cfg.Kafka)
	if err != nil {
		slog.Error("failed to create audit producer", "error", err)
		os.Exit(1)
	}
	normalizer := normalize.New()
	pipe := pipeline.New(cfg.Pipeline, reader, normalizer, engine, matcher, orch, producer, eventSink(audit))
	pipe.Start(ctx)

	// Wait for shutdown signal.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	slog.Info("shutdown signal received", "signal", sig.String())

	pipe.Stop()
	monitor.Stop()
	engine.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if archiver != nil {
		if err := archiver.Stop(shutdownCtx); err != nil {
			slog.Error("archiver drain failed", "error", err)
		}
	}
	if err := producer.Close(); err != nil {
		slog.Error("audit producer close failed", "error", err)
	}

	slog.Info("shutdown complete",
		"pipeline", pipe.Stats(),
		"correlation", engine.Stats(),
	)
}

func setupLogging(cfg config.LoggingConfig) {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
}

func loadRules(engine *correlation.Engine, cfg config.RulesConfig) error {
	if cfg.Builtin {
		for _, rule := range correlation.BuiltinRules() {
			if err := engine.AddRule(rule); err != nil {
				return err
			}
		}
	}
	if cfg.Path != "" {
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			return err
		}
		rules, err := correlation.ParseRules(data)
		if err != nil {
			return err
		}
		for _, rule := range rules {
			if err := engine.AddRule(rule); err != nil {
				return err
			}
		}
	}
	return nil
}

func loadPlaybooks(library *playbook.Library, cfg config.PlaybooksConfig) error {
	if cfg.Path == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return err
	}
	playbooks, err := playbook.ParsePlaybooks(data)
	if err != nil {
		return err
	}
	for _, pb := range playbooks {
		if _, err := library.Publish(pb); err != nil {
			return err
		}
	}
	return nil
}

func loadPolicy(cfg config.EscalationConfig) (escalation.Policy, error) {
	if cfg.PolicyPath == "" {
		return escalation.DefaultPolicy(), nil
	}
	data, err := os.ReadFile(cfg.PolicyPath)
	if err != nil {
		return escalation.Policy{}, err
	}
	var policy escalation.Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return escalation.Policy{}, err
	}
	return policy, nil
}

// registerDefaultActions wires the built-in action handlers. These log
// what they would do; real deployments replace them with integrations
// into the firewall, EDR, ticketing, and directory systems.
func registerDefaultActions(registry *orchestrator.Registry) {
	for _, action := range []string{
		playbook.ActionBlockIP,
		playbook.ActionIsolateEndpoint,
		playbook.ActionDisableUser,
		playbook.ActionSendNotification,
		playbook.ActionCreateTicket,
		playbook.ActionUpdateFirewall,
		playbook.ActionQuarantineFile,
	} {
		action := action
		registry.Register(action, func(ctx context.Context, params map[string]any) (*orchestrator.Result, error) {
			slog.Info("action executed", "action", action, "params", params)
			return &orchestrator.Result{Success: true, Details: map[string]any{"simulated": true}}, nil
		})
	}
}

func incidentCreator(store incidentStore) correlation.IncidentCreator {
	return func(ctx context.Context, rule *correlation.Rule, group *correlation.Group) (*schema.Incident, error) {
		incident := &schema.Incident{
			ID:            uuid.New(),
			Title:         fmt.Sprintf("%s (%s)", rule.Name, group.Key),
			Severity:      group.Severity,
			Status:        schema.IncidentOpen,
			DetectedAt:    time.Now().UTC(),
			CorrelationID: &group.ID,
		}
		if err := store.AddIncident(ctx, incident); err != nil {
			return nil, err
		}
		return incident, nil
	}
}

func eventSink(audit *storage.AuditStore) pipeline.EventSink {
	if audit == nil {
		return nil
	}
	return func(ctx context.Context, event *schema.SecurityEvent) error {
		return audit.InsertEvent(ctx, event)
	}
}

func groupSink(audit *storage.AuditStore, archiver *archive.Archiver) correlation.GroupSink {
	return func(ctx context.Context, group *correlation.Group) error {
		if archiver != nil {
			rec := archive.Record{
				ID:        group.ID.String(),
				Kind:      "correlation_group",
				Timestamp: group.WindowStart,
				Data:      group,
			}
			if err := archiver.Add(ctx, rec); err != nil {
				slog.Error("group archival failed", "group_id", group.ID, "error", err)
			}
		}
		if audit == nil {
			return nil
		}
		return audit.InsertGroup(ctx, group)
	}
}

func executionSink(audit *storage.AuditStore, archiver *archive.Archiver) orchestrator.ExecutionSink {
	return func(ctx context.Context, exec *orchestrator.Execution) error {
		if archiver != nil {
			rec := archive.Record{
				ID:        exec.ID.String(),
				Kind:      "execution",
				Timestamp: exec.StartedAt,
				Data:      exec,
			}
			if err := archiver.Add(ctx, rec); err != nil {
				slog.Error("execution archival failed", "execution_id", exec.ID, "error", err)
			}
		}
		if audit == nil {
			return nil
		}
		return audit.InsertExecution(ctx, exec)
	}
}

func escalationSink(audit *storage.AuditStore) escalation.EventSink {
	if audit == nil {
		return nil
	}
	return func(ctx context.Context, event *escalation.Event) error {
		return audit.InsertEscalation(ctx, event)
	}
}
