package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"automation-core/internal/correlation"
	"automation-core/internal/normalize"
	"automation-core/internal/orchestrator"
	"automation-core/internal/playbook"
	"automation-core/internal/schema"

	"github.com/segmentio/kafka-go"
)

type fakeSource struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (f *fakeSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.messages) == 0 {
		f.mu.Unlock()
		// Block like a quiet partition until the consumer shuts down.
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	f.mu.Unlock()
	return msg, nil
}

func (f *fakeSource) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed = append(f.committed, msgs...)
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type claimCounterStore struct {
	mu     sync.Mutex
	claims map[string]bool
	execs  map[string]int
}

func newClaimCounterStore() *claimCounterStore {
	return &claimCounterStore{claims: make(map[string]bool), execs: make(map[string]int)}
}

func (s *claimCounterStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims[key] {
		return false, nil
	}
	s.claims[key] = true
	return true, nil
}

func (s *claimCounterStore) Release(ctx context.Context, key string) error { return nil }

func (s *claimCounterStore) IncrementExecution(ctx context.Context, playbookID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execs[playbookID]++
	return nil
}

func (s *claimCounterStore) IncrementSuccess(ctx context.Context, playbookID string) error {
	return nil
}

// newTestPipeline wires a full in-memory pipeline around the given source.
func newTestPipeline(t *testing.T, source messageSource) (*Pipeline, *claimCounterStore) {
	t.Helper()

	engine := correlation.NewEngine(correlation.DefaultEngineConfig())
	if err := engine.AddRule(&correlation.Rule{
		ID:             "brute-force",
		Name:           "Brute Force",
		Enabled:        true,
		Logic:          correlation.LogicThreshold,
		ThresholdCount: 3,
		Window:         5 * time.Minute,
		KeyFields:      []string{"source_ip"},
		Patterns:       []correlation.Pattern{{EventTypes: []string{"auth.failed_login"}}},
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	library := playbook.NewLibrary()
	if _, err := library.Publish(&playbook.Playbook{
		ID:     "pb-block",
		Name:   "Block Source",
		Active: true,
		Trigger: playbook.Trigger{
			EventTypes: []string{"auth.failed_login"},
			Severities: []schema.Severity{schema.SeverityHigh, schema.SeverityCritical},
		},
		Steps: []playbook.AutomationStep{{Order: 1, Action: playbook.ActionBlockIP}},
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	registry := orchestrator.NewRegistry()
	registry.Register(playbook.ActionBlockIP, func(ctx context.Context, params map[string]any) (*orchestrator.Result, error) {
		return &orchestrator.Result{Success: true}, nil
	})

	store := newClaimCounterStore()
	orch := orchestrator.New(orchestrator.DefaultConfig(), registry, store, store, nil)

	cfg := DefaultConfig()
	cfg.Workers = 1
	cfg.ShutdownWait = 5 * time.Second
	return New(cfg, source, normalize.New(), engine, playbook.NewMatcher(library), orch, nil, nil), store
}

func rawMessage(t *testing.T, record map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func loginRecord(severity string) map[string]any {
	return map[string]any{
		"timestamp":     time.Now().UTC().Format(time.RFC3339Nano),
		"event_type":    "auth.failed_login",
		"severity":      severity,
		"source_system": "firewall",
		"source_ip":     "192.168.1.50",
	}
}

func TestHandleRawTriggersPlaybook(t *testing.T) {
	pipe, store := newTestPipeline(t, &fakeSource{})

	if err := pipe.HandleRaw(context.Background(), rawMessage(t, loginRecord("high"))); err != nil {
		t.Fatalf("HandleRaw: %v", err)
	}

	if store.execs["pb-block"] != 1 {
		t.Errorf("playbook executions = %d, want 1", store.execs["pb-block"])
	}
	stats := pipe.Stats()
	if stats["processed"] != uint64(1) || stats["executions"] != uint64(1) {
		t.Errorf("stats = %v", stats)
	}
}

func TestHandleRawLowSeverityDoesNotTrigger(t *testing.T) {
	pipe, store := newTestPipeline(t, &fakeSource{})

	if err := pipe.HandleRaw(context.Background(), rawMessage(t, loginRecord("low"))); err != nil {
		t.Fatalf("HandleRaw: %v", err)
	}
	if store.execs["pb-block"] != 0 {
		t.Error("severity-bound playbook fired on low severity")
	}
	if pipe.Stats()["processed"] != uint64(1) {
		t.Errorf("stats = %v", pipe.Stats())
	}
}

func TestHandleRawDropsMalformed(t *testing.T) {
	pipe, _ := newTestPipeline(t, &fakeSource{})
	ctx := context.Background()

	// Undecodable JSON is dropped, not returned as an error.
	if err := pipe.HandleRaw(ctx, []byte("{not json")); err != nil {
		t.Fatalf("HandleRaw undecodable: %v", err)
	}
	// Decodable but invalid record likewise.
	if err := pipe.HandleRaw(ctx, rawMessage(t, map[string]any{
		"event_type":    "auth.failed_login",
		"severity":      "high",
		"source_system": "firewall",
	})); err != nil {
		t.Fatalf("HandleRaw invalid: %v", err)
	}

	stats := pipe.Stats()
	if stats["malformed"] != uint64(2) {
		t.Errorf("malformed = %v, want 2", stats["malformed"])
	}
	if stats["processed"] != uint64(0) {
		t.Errorf("processed = %v, want 0", stats["processed"])
	}
}

func TestHandleRawCorrelationMatch(t *testing.T) {
	pipe, _ := newTestPipeline(t, &fakeSource{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		record := loginRecord("medium")
		if err := pipe.HandleRaw(ctx, rawMessage(t, record)); err != nil {
			t.Fatalf("HandleRaw %d: %v", i, err)
		}
	}

	stats := pipe.Stats()
	if stats["matched"] != uint64(1) {
		t.Errorf("matched = %v, want 1 threshold firing", stats["matched"])
	}
}

func TestHandleRawDistinctEventsRunSeparately(t *testing.T) {
	pipe, store := newTestPipeline(t, &fakeSource{})
	ctx := context.Background()

	// Event IDs are minted at normalization, so two identical raw records
	// are distinct events holding distinct claims.
	record := loginRecord("high")
	if err := pipe.HandleRaw(ctx, rawMessage(t, record)); err != nil {
		t.Fatalf("HandleRaw: %v", err)
	}
	if err := pipe.HandleRaw(ctx, rawMessage(t, record)); err != nil {
		t.Fatalf("HandleRaw: %v", err)
	}
	if store.execs["pb-block"] != 2 {
		t.Errorf("executions = %d, want 2", store.execs["pb-block"])
	}
	if pipe.Stats()["errors"] != uint64(0) {
		t.Errorf("errors = %v", pipe.Stats()["errors"])
	}
}

func TestWorkerConsumesAndCommits(t *testing.T) {
	source := &fakeSource{
		messages: []kafka.Message{
			{Value: rawMessage(t, loginRecord("high"))},
			{Value: []byte("{poison")},
		},
	}
	pipe, _ := newTestPipeline(t, source)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipe.Start(ctx)

	deadline := time.After(5 * time.Second)
	for {
		source.mu.Lock()
		n := len(source.committed)
		source.mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("committed %d messages, want 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	pipe.Stop()
	if !source.closed {
		t.Error("Stop must close the source")
	}

	stats := pipe.Stats()
	if stats["processed"] != uint64(1) || stats["malformed"] != uint64(1) {
		t.Errorf("stats = %v", stats)
	}
}
