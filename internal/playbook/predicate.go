package playbook

import (
	"fmt"

	"automation-core/internal/schema"
)

// Predicate is a custom trigger condition stored as data and interpreted
// at match time. Evaluation fails closed: any error excludes the playbook
// rather than matching it.
type Predicate struct {
	Op     string      `yaml:"op" json:"op"` // equals, in, exists, severity_at_least, all, any, not
	Field  string      `yaml:"field,omitempty" json:"field,omitempty"`
	Value  any         `yaml:"value,omitempty" json:"value,omitempty"`
	Values []string    `yaml:"values,omitempty" json:"values,omitempty"`
	Preds  []Predicate `yaml:"preds,omitempty" json:"preds,omitempty"`
}

// Validate checks the predicate tree for structural errors so malformed
// definitions surface at publish time rather than at match time.
func (p *Predicate) Validate() error {
	switch p.Op {
	case "equals":
		if p.Field == "" {
			return fmt.Errorf("equals: field is required")
		}
	case "in":
		if p.Field == "" {
			return fmt.Errorf("in: field is required")
		}
		if len(p.Values) == 0 {
			return fmt.Errorf("in: values are required")
		}
	case "exists":
		if p.Field == "" {
			return fmt.Errorf("exists: field is required")
		}
	case "severity_at_least":
		if _, err := schema.ParseSeverity(fmt.Sprintf("%v", p.Value)); err != nil {
			return fmt.Errorf("severity_at_least: %w", err)
		}
	case "all", "any":
		if len(p.Preds) == 0 {
			return fmt.Errorf("%s: sub-predicates are required", p.Op)
		}
		for i := range p.Preds {
			if err := p.Preds[i].Validate(); err != nil {
				return fmt.Errorf("%s[%d]: %w", p.Op, i, err)
			}
		}
	case "not":
		if len(p.Preds) != 1 {
			return fmt.Errorf("not: exactly one sub-predicate is required")
		}
		return p.Preds[0].Validate()
	default:
		return fmt.Errorf("unknown op %q", p.Op)
	}
	return nil
}

// Eval interprets the predicate against an event. Errors are returned so
// the matcher can fail closed and log the configuration warning.
func (p *Predicate) Eval(event *schema.SecurityEvent) (bool, error) {
	switch p.Op {
	case "equals":
		v := event.Field(p.Field)
		return v != nil && fmt.Sprintf("%v", v) == fmt.Sprintf("%v", p.Value), nil
	case "in":
		v := event.Field(p.Field)
		if v == nil {
			return false, nil
		}
		str := fmt.Sprintf("%v", v)
		for _, candidate := range p.Values {
			if str == candidate {
				return true, nil
			}
		}
		return false, nil
	case "exists":
		v := event.Field(p.Field)
		return v != nil && fmt.Sprintf("%v", v) != "", nil
	case "severity_at_least":
		min, err := schema.ParseSeverity(fmt.Sprintf("%v", p.Value))
		if err != nil {
			return false, err
		}
		return event.Severity.AtLeast(min), nil
	case "all":
		for i := range p.Preds {
			ok, err := p.Preds[i].Eval(event)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case "any":
		for i := range p.Preds {
			ok, err := p.Preds[i].Eval(event)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case "not":
		if len(p.Preds) != 1 {
			return false, fmt.Errorf("not: exactly one sub-predicate is required")
		}
		ok, err := p.Preds[0].Eval(event)
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, fmt.Errorf("unknown op %q", p.Op)
	}
}
