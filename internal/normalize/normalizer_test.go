package normalize

import (
	"testing"
	"time"

	"automation-core/internal/autoerr"
	"automation-core/internal/schema"
)

func validRaw() map[string]any {
	return map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		"event_type": "auth.failed_login",
		"severity":   "high",
		"source_ip":  "192.168.1.50",
		"dest_ip":    "10.0.0.5",
		"user":       "admin",
		"attempts":   3,
	}
}

func TestNormalizeValidRecord(t *testing.T) {
	n := New()
	event, err := n.Normalize(validRaw(), "firewall")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}

	if event.EventType != "auth.failed_login" {
		t.Errorf("event type = %q", event.EventType)
	}
	if event.Severity != schema.SeverityHigh {
		t.Errorf("severity = %q", event.Severity)
	}
	if event.SourceSystem != "firewall" {
		t.Errorf("source system = %q", event.SourceSystem)
	}
	if event.SourceIP != "192.168.1.50" || event.DestIP != "10.0.0.5" {
		t.Errorf("ips = %q / %q", event.SourceIP, event.DestIP)
	}
	if event.Payload["user"] != "admin" {
		t.Errorf("payload = %v", event.Payload)
	}
	if _, canonical := event.Payload["timestamp"]; canonical {
		t.Error("canonical fields must not leak into payload")
	}
	if event.ReceivedAt.IsZero() {
		t.Error("ReceivedAt must be stamped")
	}
	if event.IsProcessed {
		t.Error("fresh event must not be marked processed")
	}
}

func TestNormalizeCaseFolding(t *testing.T) {
	n := New()
	raw := validRaw()
	raw["event_type"] = "  Auth.Failed_Login "
	raw["severity"] = "HIGH"

	event, err := n.Normalize(raw, "firewall")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if event.EventType != "auth.failed_login" {
		t.Errorf("event type not folded: %q", event.EventType)
	}
	if event.Severity != schema.SeverityHigh {
		t.Errorf("severity not folded: %q", event.Severity)
	}
}

func TestNormalizeTimestampFormats(t *testing.T) {
	n := New()
	now := time.Now().UTC()

	tests := []struct {
		name string
		ts   any
	}{
		{"rfc3339", now.Format(time.RFC3339)},
		{"rfc3339 nano", now.Format(time.RFC3339Nano)},
		{"unix int", now.Unix()},
		{"unix int native", int(now.Unix())},
		{"unix float", float64(now.Unix()) + 0.5},
		{"time value", now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			raw["timestamp"] = tt.ts
			event, err := n.Normalize(raw, "edr")
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if diff := event.Timestamp.Sub(now); diff > time.Second || diff < -time.Second {
				t.Errorf("timestamp off by %v", diff)
			}
		})
	}
}

func TestNormalizeMalformed(t *testing.T) {
	n := New()

	tests := []struct {
		name   string
		mutate func(map[string]any)
		source string
	}{
		{"missing timestamp", func(r map[string]any) { delete(r, "timestamp") }, "fw"},
		{"unparseable timestamp", func(r map[string]any) { r["timestamp"] = "yesterday" }, "fw"},
		{"negative unix timestamp", func(r map[string]any) { r["timestamp"] = int64(-1) }, "fw"},
		{"stale timestamp", func(r map[string]any) {
			r["timestamp"] = time.Now().Add(-30 * 24 * time.Hour).Format(time.RFC3339)
		}, "fw"},
		{"future timestamp", func(r map[string]any) {
			r["timestamp"] = time.Now().Add(time.Hour).Format(time.RFC3339)
		}, "fw"},
		{"missing event type", func(r map[string]any) { delete(r, "event_type") }, "fw"},
		{"missing severity", func(r map[string]any) { delete(r, "severity") }, "fw"},
		{"unknown severity", func(r map[string]any) { r["severity"] = "catastrophic" }, "fw"},
		{"invalid source ip", func(r map[string]any) { r["source_ip"] = "not-an-ip" }, "fw"},
		{"empty source system", func(r map[string]any) {}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := validRaw()
			tt.mutate(raw)
			_, err := n.Normalize(raw, tt.source)
			if err == nil {
				t.Fatal("expected error")
			}
			if !autoerr.IsMalformedEvent(err) {
				t.Errorf("error %v is not a MalformedEventError", err)
			}
		})
	}

	if _, err := n.Normalize(nil, "fw"); !autoerr.IsMalformedEvent(err) {
		t.Errorf("nil record error = %v", err)
	}
}

func TestNormalizeOmitsEmptyPayload(t *testing.T) {
	n := New()
	raw := map[string]any{
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"event_type": "net.scan",
		"severity":   "low",
	}
	event, err := n.Normalize(raw, "ids")
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if event.Payload != nil {
		t.Errorf("payload = %v, want nil", event.Payload)
	}
}
