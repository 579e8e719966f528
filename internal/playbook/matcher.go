package playbook

import (
	"log/slog"
	"sort"

	"automation-core/internal/autoerr"
	"automation-core/internal/correlation"
	"automation-core/internal/schema"
)

// Matcher evaluates trigger conditions of published playbook versions.
// It is read-only over definitions and safe for concurrent use.
type Matcher struct {
	library *Library
}

// NewMatcher creates a matcher over the given library.
func NewMatcher(library *Library) *Matcher {
	return &Matcher{library: library}
}

// MatchEvent returns the active playbook versions whose triggers match the
// event, most specific first. Ties break on playbook name so ordering is
// deterministic when several playbooks could fire.
func (m *Matcher) MatchEvent(event *schema.SecurityEvent) []*Version {
	var matched []*Version
	for _, v := range m.library.ActiveVersions() {
		ok, err := matchTrigger(&v.Trigger, event)
		if err != nil {
			// Fail closed: automation that can take destructive action
			// never fires on an unevaluable predicate.
			evalErr := &autoerr.MatchEvaluationError{PlaybookID: v.PlaybookID, Reason: err.Error()}
			slog.Warn("playbook excluded by predicate error", "playbook_id", v.PlaybookID, "error", evalErr)
			continue
		}
		if ok {
			matched = append(matched, v)
		}
	}
	rank(matched)
	return matched
}

// MatchGroup returns versions matching a fired correlation group. The
// event-type dimension is satisfied when any member matches; severity uses
// the group's effective severity. Source-system and predicate constraints
// cannot be evaluated against a group and fail closed.
func (m *Matcher) MatchGroup(group *correlation.Group) []*Version {
	var matched []*Version
	for _, v := range m.library.ActiveVersions() {
		if matchGroupTrigger(&v.Trigger, group) {
			matched = append(matched, v)
		}
	}
	rank(matched)
	return matched
}

func matchTrigger(t *Trigger, event *schema.SecurityEvent) (bool, error) {
	if len(t.EventTypes) > 0 && !containsString(t.EventTypes, event.EventType) {
		return false, nil
	}
	if len(t.Severities) > 0 && !containsSeverity(t.Severities, event.Severity) {
		return false, nil
	}
	if len(t.SourceSystems) > 0 && !containsString(t.SourceSystems, event.SourceSystem) {
		return false, nil
	}
	if t.Predicate != nil {
		ok, err := t.Predicate.Eval(event)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchGroupTrigger(t *Trigger, group *correlation.Group) bool {
	if len(t.SourceSystems) > 0 || t.Predicate != nil {
		return false
	}
	if len(t.EventTypes) > 0 {
		found := false
		for _, member := range group.Members {
			if containsString(t.EventTypes, member.EventType) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(t.Severities) > 0 && !containsSeverity(t.Severities, group.Severity) {
		return false
	}
	return true
}

// specificity counts constrained trigger dimensions so narrower playbooks
// outrank broader ones.
func specificity(v *Version) int {
	score := 0
	if len(v.Trigger.EventTypes) > 0 {
		score++
	}
	if len(v.Trigger.Severities) > 0 {
		score++
	}
	if len(v.Trigger.SourceSystems) > 0 {
		score++
	}
	if v.Trigger.Predicate != nil {
		score++
	}
	return score
}

func rank(versions []*Version) {
	sort.SliceStable(versions, func(i, j int) bool {
		si, sj := specificity(versions[i]), specificity(versions[j])
		if si != sj {
			return si > sj
		}
		return versions[i].Name < versions[j].Name
	})
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsSeverity(list []schema.Severity, s schema.Severity) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
