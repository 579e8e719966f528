// Package escalation watches open incidents and escalates them when
// response does not occur within severity-based thresholds.
package escalation

import (
	"fmt"
	"time"

	"automation-core/internal/schema"
)

// Rule is the escalation configuration for one severity tier: how long an
// incident may sit without response and who gets paged at each level.
// The monitor is a pure function of this configuration and elapsed time.
type Rule struct {
	Severity     schema.Severity `yaml:"severity" json:"severity"`
	After        time.Duration   `yaml:"after" json:"after"`
	RoleChain    []string        `yaml:"role_chain" json:"role_chain"`
	AutoReassign bool            `yaml:"auto_reassign" json:"auto_reassign"`
}

// RoleFor returns the role notified at the given escalation level. Levels
// beyond the chain stay on the last role.
func (r *Rule) RoleFor(level int) string {
	if len(r.RoleChain) == 0 {
		return ""
	}
	idx := level - 1
	if idx >= len(r.RoleChain) {
		idx = len(r.RoleChain) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return r.RoleChain[idx]
}

// Policy maps severities to escalation rules.
type Policy struct {
	Rules []Rule `yaml:"rules" json:"rules"`
}

// RuleFor returns the rule for a severity, if configured.
func (p *Policy) RuleFor(severity schema.Severity) (*Rule, bool) {
	for i := range p.Rules {
		if p.Rules[i].Severity == severity {
			return &p.Rules[i], true
		}
	}
	return nil, false
}

// Validate checks the policy for operator errors.
func (p *Policy) Validate() error {
	seen := make(map[schema.Severity]bool)
	for i, rule := range p.Rules {
		if !rule.Severity.IsValid() {
			return fmt.Errorf("rule %d: invalid severity %q", i, rule.Severity)
		}
		if seen[rule.Severity] {
			return fmt.Errorf("rule %d: duplicate severity %q", i, rule.Severity)
		}
		seen[rule.Severity] = true
		if rule.After <= 0 {
			return fmt.Errorf("rule %d: after must be positive", i)
		}
		if len(rule.RoleChain) == 0 {
			return fmt.Errorf("rule %d: role_chain is required", i)
		}
	}
	return nil
}

// DefaultPolicy returns the standard threshold table.
func DefaultPolicy() Policy {
	return Policy{
		Rules: []Rule{
			{
				Severity:     schema.SeverityCritical,
				After:        15 * time.Minute,
				RoleChain:    []string{"soc-analyst", "soc-lead", "security-director"},
				AutoReassign: true,
			},
			{
				Severity:     schema.SeverityHigh,
				After:        30 * time.Minute,
				RoleChain:    []string{"soc-analyst", "soc-lead", "security-director"},
				AutoReassign: true,
			},
			{
				Severity:  schema.SeverityMedium,
				After:     2 * time.Hour,
				RoleChain: []string{"soc-analyst", "soc-lead"},
			},
			{
				Severity:  schema.SeverityLow,
				After:     24 * time.Hour,
				RoleChain: []string{"soc-analyst"},
			},
		},
	}
}

// SuppressionWindow is an operator-set quiet period during which automatic
// escalation is held. Manual escalation is never suppressed.
type SuppressionWindow struct {
	ID         string            `yaml:"id" json:"id"`
	Name       string            `yaml:"name" json:"name"`
	Enabled    bool              `yaml:"enabled" json:"enabled"`
	StartTime  time.Time         `yaml:"start_time" json:"start_time"`
	EndTime    time.Time         `yaml:"end_time" json:"end_time"`
	Severities []schema.Severity `yaml:"severities,omitempty" json:"severities,omitempty"` // empty = all
}

func (w *SuppressionWindow) covers(now time.Time, severity schema.Severity) bool {
	if !w.Enabled || now.Before(w.StartTime) || now.After(w.EndTime) {
		return false
	}
	if len(w.Severities) == 0 {
		return true
	}
	for _, s := range w.Severities {
		if s == severity {
			return true
		}
	}
	return false
}
