// Package storage provides the persistence boundary of the automation
// core: claim/counter stores for idempotency, incident state with
// compare-and-swap escalation updates, and append-only audit stores.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"automation-core/internal/autoerr"
	"automation-core/internal/schema"

	"github.com/google/uuid"
)

// MemoryStore is an in-process implementation of the claim, counter, and
// incident stores. It backs tests and single-node hosts; multi-worker
// deployments use the Redis store.
type MemoryStore struct {
	mu        sync.Mutex
	claims    map[string]time.Time // key -> expiry
	counters  map[string]*PlaybookCounters
	incidents map[uuid.UUID]*schema.Incident
}

// PlaybookCounters holds a playbook's aggregate counters.
type PlaybookCounters struct {
	ExecutionCount int64 `json:"execution_count"`
	SuccessCount   int64 `json:"success_count"`
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claims:    make(map[string]time.Time),
		counters:  make(map[string]*PlaybookCounters),
		incidents: make(map[uuid.UUID]*schema.Incident),
	}
}

// Claim acquires the key if it is free or expired.
func (s *MemoryStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiry, ok := s.claims[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.claims[key] = now.Add(ttl)
	return true, nil
}

// Release frees a claim.
func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, key)
	return nil
}

// IncrementExecution atomically bumps a playbook's execution count.
func (s *MemoryStore) IncrementExecution(ctx context.Context, playbookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countersFor(playbookID).ExecutionCount++
	return nil
}

// IncrementSuccess atomically bumps a playbook's success count.
func (s *MemoryStore) IncrementSuccess(ctx context.Context, playbookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.countersFor(playbookID).SuccessCount++
	return nil
}

// Counters returns a playbook's counters.
func (s *MemoryStore) Counters(ctx context.Context, playbookID string) (PlaybookCounters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.countersFor(playbookID), nil
}

func (s *MemoryStore) countersFor(playbookID string) *PlaybookCounters {
	c, ok := s.counters[playbookID]
	if !ok {
		c = &PlaybookCounters{}
		s.counters[playbookID] = c
	}
	return c
}

// AddIncident stores a new incident.
func (s *MemoryStore) AddIncident(ctx context.Context, incident *schema.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.incidents[incident.ID]; exists {
		return fmt.Errorf("incident %s already exists", incident.ID)
	}
	cp := *incident
	s.incidents[incident.ID] = &cp
	return nil
}

// Get returns a copy of the incident.
func (s *MemoryStore) Get(ctx context.Context, id uuid.UUID) (*schema.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	incident, ok := s.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s not found", id)
	}
	cp := *incident
	return &cp, nil
}

// ListOpen returns copies of all open incidents.
func (s *MemoryStore) ListOpen(ctx context.Context) ([]*schema.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var open []*schema.Incident
	for _, incident := range s.incidents {
		if incident.Status == schema.IncidentOpen {
			cp := *incident
			open = append(open, &cp)
		}
	}
	return open, nil
}

// CompareAndSwapEscalation advances the escalation level from
// expectedLevel to expectedLevel+1 and stamps the escalation clock. A
// concurrent writer that got there first makes the caller lose with an
// EscalationConflictError.
func (s *MemoryStore) CompareAndSwapEscalation(ctx context.Context, id uuid.UUID, expectedLevel int, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	incident, ok := s.incidents[id]
	if !ok {
		return 0, fmt.Errorf("incident %s not found", id)
	}
	if incident.EscalationLevel != expectedLevel {
		return 0, &autoerr.EscalationConflictError{
			IncidentID:    id.String(),
			ExpectedLevel: expectedLevel,
			ActualLevel:   incident.EscalationLevel,
		}
	}

	incident.EscalationLevel = expectedLevel + 1
	ts := at
	incident.LastEscalatedAt = &ts
	return incident.EscalationLevel, nil
}

// Reassign changes the incident owner.
func (s *MemoryStore) Reassign(ctx context.Context, id uuid.UUID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	incident, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("incident %s not found", id)
	}
	incident.Owner = owner
	return nil
}

// Acknowledge marks an incident acknowledged, stopping automatic
// escalation.
func (s *MemoryStore) Acknowledge(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	incident, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("incident %s not found", id)
	}
	if incident.Status == schema.IncidentOpen {
		incident.Status = schema.IncidentAcknowledged
		now := time.Now().UTC()
		incident.AcknowledgedAt = &now
	}
	return nil
}

// Resolve marks an incident resolved.
func (s *MemoryStore) Resolve(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	incident, ok := s.incidents[id]
	if !ok {
		return fmt.Errorf("incident %s not found", id)
	}
	incident.Status = schema.IncidentResolved
	return nil
}
