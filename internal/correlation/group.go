package correlation

import (
	"time"

	"automation-core/internal/schema"

	"github.com/google/uuid"
)

// MemberRef references an event that joined a correlation group.
// Members are appended in arrival order and never removed.
type MemberRef struct {
	EventID   uuid.UUID       `json:"event_id"`
	EventType string          `json:"event_type"`
	Severity  schema.Severity `json:"severity"`
	Timestamp time.Time       `json:"timestamp"`
}

// Group is a derived grouping of events sharing a correlation key within a
// rule's time window. The window is anchored to the first member's own
// timestamp, not arrival time. A group fires at most once (Matched is an
// edge-trigger latch) and is retained after expiry for audit.
type Group struct {
	ID          uuid.UUID   `json:"id"`
	RuleID      string      `json:"rule_id"`
	Key         string      `json:"key"`
	Members     []MemberRef `json:"members"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`

	Matched   bool       `json:"matched"`
	MatchedAt *time.Time `json:"matched_at,omitempty"`
	Expired   bool       `json:"expired"`

	// Severity is the effective severity: the rule's override if set,
	// otherwise the highest member severity at match time.
	Severity schema.Severity `json:"severity,omitempty"`

	// Incremental evaluation state, serialized so a reloaded group
	// resumes where it left off.
	PatternHits map[int]int `json:"pattern_hits,omitempty"` // pattern index -> match count
	SeqIndex    int         `json:"seq_index,omitempty"`
	SeqLastTS   time.Time   `json:"seq_last_ts,omitempty"`
}

func newGroup(rule *Rule, key string, anchor time.Time) *Group {
	return &Group{
		ID:          uuid.New(),
		RuleID:      rule.ID,
		Key:         key,
		Members:     make([]MemberRef, 0, 8),
		WindowStart: anchor,
		WindowEnd:   anchor.Add(rule.Window),
	}
}

// admits reports whether an event timestamp falls inside the group's
// window, allowing the rule's late tolerance before the window start.
func (g *Group) admits(ts time.Time, tolerance time.Duration) bool {
	if g.Expired {
		return false
	}
	if ts.Before(g.WindowStart.Add(-tolerance)) {
		return false
	}
	return ts.Before(g.WindowEnd)
}

func (g *Group) append(event *schema.SecurityEvent) {
	g.Members = append(g.Members, MemberRef{
		EventID:   event.ID,
		EventType: event.EventType,
		Severity:  event.Severity,
		Timestamp: event.Timestamp,
	})
}

// observe updates the group's evaluation state for a newly appended event.
// Sequence rules advance only when the next declared pattern matches and
// the event's timestamp is strictly after the previously matched member's.
func (g *Group) observe(rule *Rule, event *schema.SecurityEvent) {
	for i := range rule.Patterns {
		if rule.Patterns[i].Matches(event) {
			if g.PatternHits == nil {
				g.PatternHits = make(map[int]int)
			}
			g.PatternHits[i]++
		}
	}

	if rule.Logic == LogicSequence && g.SeqIndex < len(rule.Patterns) {
		next := &rule.Patterns[g.SeqIndex]
		if next.Matches(event) && (g.SeqIndex == 0 || event.Timestamp.After(g.SeqLastTS)) {
			g.SeqIndex++
			g.SeqLastTS = event.Timestamp
		}
	}
}

// satisfied evaluates the rule's combination logic against the group's
// current state.
func (g *Group) satisfied(rule *Rule) bool {
	switch rule.Logic {
	case LogicAll:
		for i := range rule.Patterns {
			if g.PatternHits[i] == 0 {
				return false
			}
		}
		return true
	case LogicAny:
		for i := range rule.Patterns {
			if g.PatternHits[i] > 0 {
				return true
			}
		}
		return false
	case LogicSequence:
		return g.SeqIndex == len(rule.Patterns)
	case LogicThreshold:
		return len(g.Members) >= rule.ThresholdCount
	}
	return false
}

// maxSeverity returns the highest member severity seen so far.
func (g *Group) maxSeverity() schema.Severity {
	max := schema.SeverityInfo
	for _, m := range g.Members {
		if m.Severity.Ordinal() > max.Ordinal() {
			max = m.Severity
		}
	}
	return max
}
