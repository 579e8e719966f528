// Package correlation groups related security events using configurable
// rules and sliding time windows, and can synthesize incidents from
// matched groups.
package correlation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"automation-core/internal/schema"

	"gopkg.in/yaml.v3"
)

// Logic defines how a rule's patterns combine against a group's members.
type Logic string

const (
	// LogicAll fires when every declared pattern has at least one matching member.
	LogicAll Logic = "all"
	// LogicAny fires when at least one declared pattern matches.
	LogicAny Logic = "any"
	// LogicSequence fires when patterns match in declared order, each
	// strictly after the previously matched member's timestamp.
	LogicSequence Logic = "sequence"
	// LogicThreshold fires when the member count reaches the threshold.
	LogicThreshold Logic = "threshold"
)

// Rule is an operator-authored correlation rule. Rules are read-only to
// the engine at match time.
type Rule struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Logic       Logic         `yaml:"logic" json:"logic"`
	Patterns    []Pattern     `yaml:"patterns" json:"patterns"`
	KeyFields   []string      `yaml:"key_fields,omitempty" json:"key_fields,omitempty"`
	Window      time.Duration `yaml:"window" json:"window"`

	ThresholdCount     int              `yaml:"threshold_count,omitempty" json:"threshold_count,omitempty"`
	SeverityOverride   *schema.Severity `yaml:"severity_override,omitempty" json:"severity_override,omitempty"`
	AutoCreateIncident bool             `yaml:"auto_create_incident" json:"auto_create_incident"`

	// LateTolerance admits events older than the group's window start by
	// at most this much; older events open a new group instead.
	LateTolerance time.Duration `yaml:"late_tolerance,omitempty" json:"late_tolerance,omitempty"`
}

// Pattern matches a class of events inside a rule.
type Pattern struct {
	Name        string      `yaml:"name,omitempty" json:"name,omitempty"`
	EventTypes  []string    `yaml:"event_types,omitempty" json:"event_types,omitempty"`
	MinSeverity string      `yaml:"min_severity,omitempty" json:"min_severity,omitempty"`
	Conditions  []Condition `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// Condition is a single field comparison inside a pattern.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator string   `yaml:"operator" json:"operator"` // eq, ne, contains, prefix, regex, in, exists
	Value    any      `yaml:"value,omitempty" json:"value,omitempty"`
	Values   []string `yaml:"values,omitempty" json:"values,omitempty"`
}

// Validate checks the rule definition for operator errors.
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule ID is required")
	}
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if r.Window <= 0 {
		return fmt.Errorf("rule window must be positive")
	}
	if len(r.Patterns) == 0 {
		return fmt.Errorf("at least one pattern is required")
	}

	switch r.Logic {
	case LogicAll, LogicAny:
	case LogicSequence:
		if len(r.Patterns) < 2 {
			return fmt.Errorf("sequence rules require at least 2 patterns")
		}
	case LogicThreshold:
		if r.ThresholdCount <= 0 {
			return fmt.Errorf("threshold rules require a positive threshold_count")
		}
	default:
		return fmt.Errorf("unknown logic %q", r.Logic)
	}

	if r.SeverityOverride != nil && !r.SeverityOverride.IsValid() {
		return fmt.Errorf("invalid severity_override %q", *r.SeverityOverride)
	}

	for i, p := range r.Patterns {
		if p.MinSeverity != "" {
			if _, err := schema.ParseSeverity(p.MinSeverity); err != nil {
				return fmt.Errorf("pattern %d: %w", i, err)
			}
		}
		for j, c := range p.Conditions {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("pattern %d condition %d: %w", i, j, err)
			}
		}
	}

	return nil
}

// Validate checks a single condition.
func (c *Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("field is required")
	}
	switch c.Operator {
	case "eq", "ne", "contains", "prefix", "regex", "exists":
	case "in":
		if len(c.Values) == 0 {
			return fmt.Errorf("values required for in operator")
		}
	default:
		return fmt.Errorf("invalid operator %q", c.Operator)
	}
	return nil
}

// Matches reports whether the event satisfies the pattern.
func (p *Pattern) Matches(event *schema.SecurityEvent) bool {
	if len(p.EventTypes) > 0 {
		found := false
		for _, et := range p.EventTypes {
			if event.EventType == et {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if p.MinSeverity != "" {
		min, err := schema.ParseSeverity(p.MinSeverity)
		if err != nil || !event.Severity.AtLeast(min) {
			return false
		}
	}

	for _, cond := range p.Conditions {
		if !cond.Match(event.Field(cond.Field)) {
			return false
		}
	}
	return true
}

// Match evaluates the condition against a resolved field value.
func (c *Condition) Match(value any) bool {
	str := fmt.Sprintf("%v", value)
	switch c.Operator {
	case "eq":
		return value != nil && str == fmt.Sprintf("%v", c.Value)
	case "ne":
		// An absent field is not "different", it is unknown.
		return value != nil && str != fmt.Sprintf("%v", c.Value)
	case "contains":
		return strings.Contains(str, fmt.Sprintf("%v", c.Value))
	case "prefix":
		return strings.HasPrefix(str, fmt.Sprintf("%v", c.Value))
	case "regex":
		re, err := regexp.Compile(fmt.Sprintf("%v", c.Value))
		if err != nil {
			return false
		}
		return value != nil && re.MatchString(str)
	case "in":
		for _, v := range c.Values {
			if str == v {
				return true
			}
		}
		return false
	case "exists":
		return value != nil && str != ""
	}
	return false
}

// ParseRule parses a single rule from YAML bytes.
func ParseRule(data []byte) (*Rule, error) {
	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("failed to parse rule: %w", err)
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}
	return &rule, nil
}

// ParseRules parses a list of rules from YAML bytes.
func ParseRules(data []byte) ([]*Rule, error) {
	var rules []*Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		rule, singleErr := ParseRule(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse rules: %w", err)
		}
		return []*Rule{rule}, nil
	}
	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}
	return rules, nil
}
