package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func escalationPayload() map[string]any {
	return map[string]any{
		"incident_id": "b2f9c1aa-0000-0000-0000-000000000001",
		"title":       "Brute force from 192.168.1.50",
		"severity":    "critical",
		"level":       2,
		"reason":      "critical incident unacknowledged for 15m0s",
	}
}

func TestWebhookNotifier(t *testing.T) {
	var gotBody map[string]any
	var gotHeader string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Auth-Token")
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, map[string]string{"X-Auth-Token": "secret"})
	if err := n.Notify(context.Background(), []string{"soc-lead"}, escalationPayload()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if gotHeader != "secret" {
		t.Errorf("custom header = %q", gotHeader)
	}
	roles, ok := gotBody["roles"].([]any)
	if !ok || len(roles) != 1 || roles[0] != "soc-lead" {
		t.Errorf("roles = %v", gotBody["roles"])
	}
	payload, ok := gotBody["payload"].(map[string]any)
	if !ok || payload["severity"] != "critical" {
		t.Errorf("payload = %v", gotBody["payload"])
	}
}

func TestWebhookNotifierServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken pipe", http.StatusBadGateway)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.URL, nil)
	err := n.Notify(context.Background(), []string{"soc-analyst"}, escalationPayload())
	if err == nil {
		t.Fatal("expected error on non-2xx response")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error should carry the status code: %v", err)
	}
}

func TestSlackNotifier(t *testing.T) {
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		json.Unmarshal(data, &gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewSlackNotifier(server.URL, "#security-incidents", "secauto")
	if err := n.Notify(context.Background(), []string{"soc-lead", "security-director"}, escalationPayload()); err != nil {
		t.Fatalf("Notify: %v", err)
	}

	if gotBody["channel"] != "#security-incidents" || gotBody["username"] != "secauto" {
		t.Errorf("channel/username = %v / %v", gotBody["channel"], gotBody["username"])
	}
	attachments, ok := gotBody["attachments"].([]any)
	if !ok || len(attachments) != 1 {
		t.Fatalf("attachments = %v", gotBody["attachments"])
	}
	attachment := attachments[0].(map[string]any)
	if attachment["color"] != "#FF0000" {
		t.Errorf("critical color = %v", attachment["color"])
	}
	title, _ := attachment["title"].(string)
	if !strings.HasPrefix(title, "[CRITICAL]") {
		t.Errorf("title = %q", title)
	}
}

func TestSeverityColor(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{"critical", "#FF0000"},
		{"high", "#FFA500"},
		{"medium", "#FFFF00"},
		{"low", "#00FF00"},
		{"info", "#808080"},
		{"", "#808080"},
	}
	for _, tt := range tests {
		if got := severityColor(tt.severity); got != tt.want {
			t.Errorf("severityColor(%q) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}

type stubNotifier struct {
	err   error
	calls int
}

func (s *stubNotifier) Notify(ctx context.Context, roles []string, payload map[string]any) error {
	s.calls++
	return s.err
}

func TestMultiCollectsFailures(t *testing.T) {
	good := &stubNotifier{}
	bad := &stubNotifier{err: fmt.Errorf("pager service down")}
	alsoGood := &stubNotifier{}

	m := NewMulti(good, bad, alsoGood)
	err := m.Notify(context.Background(), []string{"soc-analyst"}, escalationPayload())
	if err == nil {
		t.Fatal("expected aggregated error")
	}
	if !strings.Contains(err.Error(), "1 channel(s) failed") {
		t.Errorf("error = %v", err)
	}
	if good.calls != 1 || bad.calls != 1 || alsoGood.calls != 1 {
		t.Error("one failing channel must not block the others")
	}

	if err := NewMulti(good, alsoGood).Notify(context.Background(), nil, nil); err != nil {
		t.Errorf("all-good fan-out returned %v", err)
	}
}
