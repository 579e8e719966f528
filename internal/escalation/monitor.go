package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"automation-core/internal/autoerr"
	"automation-core/internal/schema"

	"github.com/google/uuid"
)

// Event records one escalation of an incident. Events are append-only.
type Event struct {
	ID            uuid.UUID `json:"id"`
	IncidentID    uuid.UUID `json:"incident_id"`
	Level         int       `json:"level"`
	Reason        string    `json:"reason"`
	NotifiedRoles []string  `json:"notified_roles"`
	Manual        bool      `json:"manual"`
	Timestamp     time.Time `json:"timestamp"`
}

// IncidentStore is the monitor's view of incident persistence.
// CompareAndSwapEscalation must be atomic: it advances the escalation
// level from expected to expected+1 and stamps the escalation clock, or
// fails with an EscalationConflictError when another writer got there
// first.
type IncidentStore interface {
	ListOpen(ctx context.Context) ([]*schema.Incident, error)
	Get(ctx context.Context, id uuid.UUID) (*schema.Incident, error)
	CompareAndSwapEscalation(ctx context.Context, id uuid.UUID, expectedLevel int, at time.Time) (int, error)
	Reassign(ctx context.Context, id uuid.UUID, owner string) error
}

// Notifier delivers escalation notifications to the configured roles.
// Message formatting is the collaborator's concern, not ours.
type Notifier interface {
	Notify(ctx context.Context, roles []string, payload map[string]any) error
}

// EventSink receives escalation events for append-only persistence.
type EventSink func(ctx context.Context, event *Event) error

// Config holds monitor settings.
type Config struct {
	CheckInterval time.Duration `yaml:"check_interval"`
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{CheckInterval: time.Minute}
}

// Monitor is the time-driven watcher. A single monitor runs per tenant
// scope; concurrent manual escalations are serialized by the store's
// optimistic level check.
type Monitor struct {
	config   Config
	policy   Policy
	store    IncidentStore
	notifier Notifier
	sink     EventSink

	mu           sync.RWMutex
	suppressions []SuppressionWindow

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates an escalation monitor. The sink may be nil.
func NewMonitor(config Config, policy Policy, store IncidentStore, notifier Notifier, sink EventSink) (*Monitor, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid escalation policy: %w", err)
	}
	return &Monitor{
		config:   config,
		policy:   policy,
		store:    store,
		notifier: notifier,
		sink:     sink,
		stopCh:   make(chan struct{}),
	}, nil
}

// AddSuppression registers a suppression window.
func (m *Monitor) AddSuppression(window SuppressionWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppressions = append(m.suppressions, window)
	slog.Info("suppression window registered", "id", window.ID, "start", window.StartTime, "end", window.EndTime)
}

// Start begins the periodic escalation check loop.
func (m *Monitor) Start(ctx context.Context) {
	interval := m.config.CheckInterval
	if interval <= 0 {
		interval = time.Minute
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		slog.Info("escalation monitor started", "check_interval", interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.CheckOnce(ctx)
			}
		}
	}()
}

// Stop halts the monitor.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	slog.Info("escalation monitor stopped")
}

// CheckOnce performs a single escalation sweep over all open incidents.
func (m *Monitor) CheckOnce(ctx context.Context) {
	incidents, err := m.store.ListOpen(ctx)
	if err != nil {
		slog.Warn("escalation check failed to list incidents", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, incident := range incidents {
		if incident.Status != schema.IncidentOpen {
			continue
		}

		rule, ok := m.policy.RuleFor(incident.Severity)
		if !ok {
			continue
		}
		if now.Sub(incident.EscalationClockStart()) < rule.After {
			continue
		}
		if m.suppressed(now, incident.Severity) {
			continue
		}

		reason := fmt.Sprintf("%s incident unacknowledged for %s", incident.Severity, rule.After)
		if _, err := m.escalate(ctx, incident, rule, reason, false); err != nil {
			if autoerr.IsEscalationConflict(err) {
				// Another writer advanced the level; this sweep's view is
				// stale and the next tick re-evaluates the fresh state.
				slog.Debug("escalation conflict, deferring", "incident_id", incident.ID)
				continue
			}
			slog.Error("automatic escalation failed", "incident_id", incident.ID, "error", err)
		}
	}
}

// Escalate performs a manual escalation. It also increments the level and
// resets the elapsed-time clock for the next automatic threshold. The
// optimistic check is retried against the refreshed level on conflict.
func (m *Monitor) Escalate(ctx context.Context, incidentID uuid.UUID, reason string) (*Event, error) {
	const maxRetries = 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		incident, err := m.store.Get(ctx, incidentID)
		if err != nil {
			return nil, err
		}
		if incident.Status == schema.IncidentResolved {
			return nil, fmt.Errorf("incident %s is resolved", incidentID)
		}

		rule, ok := m.policy.RuleFor(incident.Severity)
		if !ok {
			return nil, fmt.Errorf("no escalation rule for severity %q", incident.Severity)
		}

		event, err := m.escalate(ctx, incident, rule, reason, true)
		if err == nil {
			return event, nil
		}
		if !autoerr.IsEscalationConflict(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("manual escalation of %s lost %d consecutive conflicts", incidentID, maxRetries)
}

func (m *Monitor) escalate(ctx context.Context, incident *schema.Incident, rule *Rule, reason string, manual bool) (*Event, error) {
	now := time.Now().UTC()
	newLevel, err := m.store.CompareAndSwapEscalation(ctx, incident.ID, incident.EscalationLevel, now)
	if err != nil {
		return nil, err
	}

	role := rule.RoleFor(newLevel)
	roles := []string{role}

	event := &Event{
		ID:            uuid.New(),
		IncidentID:    incident.ID,
		Level:         newLevel,
		Reason:        reason,
		NotifiedRoles: roles,
		Manual:        manual,
		Timestamp:     now,
	}

	slog.Warn("incident escalated",
		"incident_id", incident.ID,
		"severity", incident.Severity,
		"level", newLevel,
		"manual", manual,
		"roles", roles)

	if m.notifier != nil {
		payload := map[string]any{
			"incident_id": incident.ID.String(),
			"title":       incident.Title,
			"severity":    string(incident.Severity),
			"level":       newLevel,
			"reason":      reason,
		}
		if err := m.notifier.Notify(ctx, roles, payload); err != nil {
			slog.Error("escalation notification failed", "incident_id", incident.ID, "error", err)
		}
	}

	if rule.AutoReassign {
		if err := m.store.Reassign(ctx, incident.ID, role); err != nil {
			slog.Error("escalation reassignment failed", "incident_id", incident.ID, "error", err)
		}
	}

	if m.sink != nil {
		if err := m.sink(ctx, event); err != nil {
			slog.Error("failed to persist escalation event", "incident_id", incident.ID, "error", err)
		}
	}

	return event, nil
}

func (m *Monitor) suppressed(now time.Time, severity schema.Severity) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := range m.suppressions {
		if m.suppressions[i].covers(now, severity) {
			return true
		}
	}
	return false
}
