package playbook

import (
	"testing"
	"time"

	"automation-core/internal/correlation"
	"automation-core/internal/schema"

	"github.com/google/uuid"
)

func publishTestPlaybook(t *testing.T, library *Library, id, name string, trigger Trigger) *Version {
	t.Helper()
	v, err := library.Publish(&Playbook{
		ID:      id,
		Name:    name,
		Trigger: trigger,
		Active:  true,
		Steps:   []AutomationStep{{Order: 1, Action: ActionSendNotification}},
	})
	if err != nil {
		t.Fatalf("Publish %s: %v", id, err)
	}
	return v
}

func matcherEvent(eventType string, severity schema.Severity, sourceSystem string) *schema.SecurityEvent {
	return &schema.SecurityEvent{
		ID:           uuid.New(),
		Timestamp:    time.Now().UTC(),
		EventType:    eventType,
		Severity:     severity,
		SourceSystem: sourceSystem,
	}
}

func TestMatchEventWildcardsAndDimensions(t *testing.T) {
	library := NewLibrary()
	publishTestPlaybook(t, library, "pb-any", "Catch All", Trigger{})
	publishTestPlaybook(t, library, "pb-type", "Type Bound", Trigger{
		EventTypes: []string{"malware.detected"},
	})
	publishTestPlaybook(t, library, "pb-sev", "Severity Bound", Trigger{
		Severities: []schema.Severity{schema.SeverityCritical},
	})
	publishTestPlaybook(t, library, "pb-src", "Source Bound", Trigger{
		SourceSystems: []string{"edr"},
	})
	matcher := NewMatcher(library)

	tests := []struct {
		name  string
		event *schema.SecurityEvent
		want  []string // playbook IDs in rank order
	}{
		{
			"matches wildcard only",
			matcherEvent("auth.success", schema.SeverityLow, "firewall"),
			[]string{"pb-any"},
		},
		{
			"type and wildcard",
			matcherEvent("malware.detected", schema.SeverityLow, "firewall"),
			[]string{"pb-type", "pb-any"},
		},
		{
			"all dimensions",
			matcherEvent("malware.detected", schema.SeverityCritical, "edr"),
			[]string{"pb-sev", "pb-src", "pb-type", "pb-any"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matcher.MatchEvent(tt.event)
			if len(got) != len(tt.want) {
				t.Fatalf("matched %d versions, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].PlaybookID != id {
					t.Errorf("rank %d: got %s, want %s", i, got[i].PlaybookID, id)
				}
			}
		})
	}
}

func TestMatchEventSpecificityRanking(t *testing.T) {
	library := NewLibrary()
	publishTestPlaybook(t, library, "pb-broad", "Broad", Trigger{
		EventTypes: []string{"auth.failed_login"},
	})
	publishTestPlaybook(t, library, "pb-narrow", "Narrow", Trigger{
		EventTypes:    []string{"auth.failed_login"},
		Severities:    []schema.Severity{schema.SeverityHigh},
		SourceSystems: []string{"idp"},
	})
	matcher := NewMatcher(library)

	got := matcher.MatchEvent(matcherEvent("auth.failed_login", schema.SeverityHigh, "idp"))
	if len(got) != 2 {
		t.Fatalf("expected both playbooks to match, got %d", len(got))
	}
	if got[0].PlaybookID != "pb-narrow" {
		t.Errorf("most specific playbook should rank first, got %s", got[0].PlaybookID)
	}
}

func TestMatchEventPredicateFailsClosed(t *testing.T) {
	library := NewLibrary()

	// A predicate that validates structurally but fails at eval time:
	// severity_at_least with a non-severity value sneaks past only if we
	// construct the version by hand.
	v, err := library.Publish(&Playbook{
		ID:     "pb-pred",
		Name:   "Predicated",
		Active: true,
		Trigger: Trigger{
			Predicate: &Predicate{Op: "severity_at_least", Value: "high"},
		},
		Steps: []AutomationStep{{Order: 1, Action: ActionBlockIP}},
	})
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	// Corrupt the stored trigger to simulate a definition drift.
	v.Trigger.Predicate.Value = "not-a-severity"

	matcher := NewMatcher(library)
	got := matcher.MatchEvent(matcherEvent("auth.failed_login", schema.SeverityCritical, "idp"))
	if len(got) != 0 {
		t.Fatal("playbook with an unevaluable predicate must not fire")
	}
}

func TestMatchEventPredicate(t *testing.T) {
	library := NewLibrary()
	publishTestPlaybook(t, library, "pb-pred", "Predicated", Trigger{
		Predicate: &Predicate{
			Op: "all",
			Preds: []Predicate{
				{Op: "severity_at_least", Value: "high"},
				{Op: "equals", Field: "source_system", Value: "edr"},
			},
		},
	})
	matcher := NewMatcher(library)

	if got := matcher.MatchEvent(matcherEvent("x.y", schema.SeverityCritical, "edr")); len(got) != 1 {
		t.Errorf("satisfied predicate should match, got %d", len(got))
	}
	if got := matcher.MatchEvent(matcherEvent("x.y", schema.SeverityLow, "edr")); len(got) != 0 {
		t.Errorf("unsatisfied predicate must not match, got %d", len(got))
	}
}

func TestMatchGroup(t *testing.T) {
	library := NewLibrary()
	publishTestPlaybook(t, library, "pb-any", "Catch All", Trigger{})
	publishTestPlaybook(t, library, "pb-type", "Type Bound", Trigger{
		EventTypes: []string{"auth.failed_login"},
	})
	publishTestPlaybook(t, library, "pb-src", "Source Bound", Trigger{
		SourceSystems: []string{"firewall"},
	})
	publishTestPlaybook(t, library, "pb-pred", "Predicated", Trigger{
		Predicate: &Predicate{Op: "exists", Field: "user"},
	})
	matcher := NewMatcher(library)

	group := &correlation.Group{
		ID:       uuid.New(),
		RuleID:   "r1",
		Key:      "source_ip=10.0.0.1",
		Severity: schema.SeverityHigh,
		Matched:  true,
		Members: []correlation.MemberRef{
			{EventID: uuid.New(), EventType: "auth.failed_login", Severity: schema.SeverityLow},
			{EventID: uuid.New(), EventType: "auth.success", Severity: schema.SeverityLow},
		},
	}

	got := matcher.MatchGroup(group)
	ids := make(map[string]bool)
	for _, v := range got {
		ids[v.PlaybookID] = true
	}

	if !ids["pb-any"] || !ids["pb-type"] {
		t.Errorf("expected wildcard and member-type playbooks to match, got %v", ids)
	}
	// Source-system and predicate constraints cannot be evaluated against
	// a group and must fail closed.
	if ids["pb-src"] || ids["pb-pred"] {
		t.Errorf("group-unevaluable constraints must not match, got %v", ids)
	}
}

func TestMatchSkipsInactiveAndDeactivated(t *testing.T) {
	library := NewLibrary()
	publishTestPlaybook(t, library, "pb-live", "Live", Trigger{})
	if _, err := library.Publish(&Playbook{
		ID:     "pb-dormant",
		Name:   "Dormant",
		Active: false,
		Steps:  []AutomationStep{{Order: 1, Action: ActionCreateTicket}},
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	matcher := NewMatcher(library)

	got := matcher.MatchEvent(matcherEvent("x.y", schema.SeverityLow, "any"))
	if len(got) != 1 || got[0].PlaybookID != "pb-live" {
		t.Fatalf("only active playbooks should match, got %+v", got)
	}

	library.Deactivate("pb-live")
	if got := matcher.MatchEvent(matcherEvent("x.y", schema.SeverityLow, "any")); len(got) != 0 {
		t.Error("deactivated playbook must stop matching")
	}
}
