package storage

import (
	"context"
	"testing"
	"time"

	"automation-core/internal/autoerr"
	"automation-core/internal/schema"

	"github.com/google/uuid"
)

func TestMemoryClaim(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	ok, err := store.Claim(ctx, "exec:pb1:ev1", time.Hour)
	if err != nil || !ok {
		t.Fatalf("first Claim = %v, %v", ok, err)
	}
	ok, err = store.Claim(ctx, "exec:pb1:ev1", time.Hour)
	if err != nil || ok {
		t.Fatalf("second Claim = %v, %v, want held", ok, err)
	}

	// A different key is independent.
	if ok, _ := store.Claim(ctx, "exec:pb1:ev2", time.Hour); !ok {
		t.Error("independent key should claim")
	}

	if err := store.Release(ctx, "exec:pb1:ev1"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if ok, _ := store.Claim(ctx, "exec:pb1:ev1", time.Hour); !ok {
		t.Error("released key should claim again")
	}
}

func TestMemoryClaimExpiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if ok, _ := store.Claim(ctx, "k", 10*time.Millisecond); !ok {
		t.Fatal("initial claim failed")
	}
	time.Sleep(20 * time.Millisecond)
	if ok, _ := store.Claim(ctx, "k", time.Hour); !ok {
		t.Error("expired claim should be reclaimable")
	}
}

func TestMemoryCounters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.IncrementExecution(ctx, "pb1"); err != nil {
			t.Fatalf("IncrementExecution: %v", err)
		}
	}
	if err := store.IncrementSuccess(ctx, "pb1"); err != nil {
		t.Fatalf("IncrementSuccess: %v", err)
	}

	counters, err := store.Counters(ctx, "pb1")
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if counters.ExecutionCount != 3 || counters.SuccessCount != 1 {
		t.Errorf("counters = %+v, want 3/1", counters)
	}

	other, _ := store.Counters(ctx, "pb2")
	if other.ExecutionCount != 0 {
		t.Errorf("untouched playbook counters = %+v", other)
	}
}

func testIncident(severity schema.Severity) *schema.Incident {
	return &schema.Incident{
		ID:         uuid.New(),
		Title:      "Suspicious Activity",
		Severity:   severity,
		Status:     schema.IncidentOpen,
		DetectedAt: time.Now().UTC(),
	}
}

func TestMemoryIncidentLifecycle(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	incident := testIncident(schema.SeverityHigh)

	if err := store.AddIncident(ctx, incident); err != nil {
		t.Fatalf("AddIncident: %v", err)
	}
	if err := store.AddIncident(ctx, incident); err == nil {
		t.Error("duplicate AddIncident should fail")
	}

	// Stored copy must be isolated from caller mutation.
	incident.Title = "mutated"
	got, err := store.Get(ctx, incident.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Suspicious Activity" {
		t.Error("store must hold a copy, not the caller's pointer")
	}

	open, err := store.ListOpen(ctx)
	if err != nil || len(open) != 1 {
		t.Fatalf("ListOpen = %d incidents, %v", len(open), err)
	}

	if err := store.Acknowledge(ctx, incident.ID); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	got, _ = store.Get(ctx, incident.ID)
	if got.Status != schema.IncidentAcknowledged || got.AcknowledgedAt == nil {
		t.Errorf("after Acknowledge: %+v", got)
	}

	if open, _ = store.ListOpen(ctx); len(open) != 0 {
		t.Error("acknowledged incident must leave the open list")
	}

	if err := store.Resolve(ctx, incident.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, _ = store.Get(ctx, incident.ID)
	if got.Status != schema.IncidentResolved {
		t.Errorf("after Resolve: status = %s", got.Status)
	}

	if _, err := store.Get(ctx, uuid.New()); err == nil {
		t.Error("Get of unknown incident should fail")
	}
}

func TestMemoryCompareAndSwapEscalation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	incident := testIncident(schema.SeverityCritical)
	if err := store.AddIncident(ctx, incident); err != nil {
		t.Fatalf("AddIncident: %v", err)
	}

	at := time.Now().UTC()
	level, err := store.CompareAndSwapEscalation(ctx, incident.ID, 0, at)
	if err != nil {
		t.Fatalf("CAS: %v", err)
	}
	if level != 1 {
		t.Errorf("new level = %d, want 1", level)
	}
	got, _ := store.Get(ctx, incident.ID)
	if got.LastEscalatedAt == nil || !got.LastEscalatedAt.Equal(at) {
		t.Errorf("LastEscalatedAt = %v, want %v", got.LastEscalatedAt, at)
	}

	// Stale expectation loses.
	_, err = store.CompareAndSwapEscalation(ctx, incident.ID, 0, time.Now().UTC())
	if !autoerr.IsEscalationConflict(err) {
		t.Fatalf("stale CAS error = %v, want conflict", err)
	}

	if _, err := store.CompareAndSwapEscalation(ctx, incident.ID, 1, time.Now().UTC()); err != nil {
		t.Fatalf("fresh CAS: %v", err)
	}
	got, _ = store.Get(ctx, incident.ID)
	if got.EscalationLevel != 2 {
		t.Errorf("level = %d, want 2", got.EscalationLevel)
	}
}

func TestMemoryReassign(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	incident := testIncident(schema.SeverityMedium)
	if err := store.AddIncident(ctx, incident); err != nil {
		t.Fatalf("AddIncident: %v", err)
	}

	if err := store.Reassign(ctx, incident.ID, "soc-lead"); err != nil {
		t.Fatalf("Reassign: %v", err)
	}
	got, _ := store.Get(ctx, incident.ID)
	if got.Owner != "soc-lead" {
		t.Errorf("owner = %q, want soc-lead", got.Owner)
	}

	if err := store.Reassign(ctx, uuid.New(), "nobody"); err == nil {
		t.Error("Reassign of unknown incident should fail")
	}
}
