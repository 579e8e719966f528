// Package playbook defines automated-response playbooks and matches them
// against security events and correlation groups.
package playbook

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"automation-core/internal/schema"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Well-known action names. The set understood by the host is defined by
// the orchestrator's handler registry, not here; these are the names
// shipped by default.
const (
	ActionBlockIP          = "block_ip"
	ActionIsolateEndpoint  = "isolate_endpoint"
	ActionDisableUser      = "disable_user"
	ActionSendNotification = "send_notification"
	ActionCreateTicket     = "create_ticket"
	ActionUpdateFirewall   = "update_firewall"
	ActionQuarantineFile   = "quarantine_file"
	ActionCustom           = "custom_action"
)

// StepPolicy directs the orchestrator after a step finishes.
type StepPolicy string

const (
	PolicyContinue StepPolicy = "continue"
	PolicyStop     StepPolicy = "stop"
)

// IsValid checks the policy value.
func (p StepPolicy) IsValid() bool {
	return p == PolicyContinue || p == PolicyStop
}

// AutomationStep is one unit of work inside a playbook. Steps are
// immutable once a version is published.
type AutomationStep struct {
	Order      int            `yaml:"order" json:"order"`
	Action     string         `yaml:"action" json:"action"`
	Params     map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	OnSuccess  StepPolicy     `yaml:"on_success,omitempty" json:"on_success,omitempty"`
	OnFailure  StepPolicy     `yaml:"on_failure,omitempty" json:"on_failure,omitempty"`
	RetryCount int            `yaml:"retry_count,omitempty" json:"retry_count,omitempty"`
	Timeout    time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Trigger holds a playbook's match conditions. Unset dimensions are
// wildcards.
type Trigger struct {
	EventTypes    []string          `yaml:"event_types,omitempty" json:"event_types,omitempty"`
	Severities    []schema.Severity `yaml:"severities,omitempty" json:"severities,omitempty"`
	SourceSystems []string          `yaml:"source_systems,omitempty" json:"source_systems,omitempty"`
	Predicate     *Predicate        `yaml:"predicate,omitempty" json:"predicate,omitempty"`
}

// Playbook is the operator-editable automated-response definition.
// Publishing produces an immutable Version; running executions always
// bind to the version they started against.
type Playbook struct {
	ID               string           `yaml:"id" json:"id"`
	Name             string           `yaml:"name" json:"name"`
	Description      string           `yaml:"description,omitempty" json:"description,omitempty"`
	Trigger          Trigger          `yaml:"trigger" json:"trigger"`
	Steps            []AutomationStep `yaml:"steps" json:"steps"`
	ApprovalRequired bool             `yaml:"approval_required" json:"approval_required"`
	Active           bool             `yaml:"active" json:"active"`
}

// Version is an immutable published snapshot of a playbook.
type Version struct {
	ID               uuid.UUID        `json:"id"`
	PlaybookID       string           `json:"playbook_id"`
	Number           int              `json:"number"`
	Name             string           `json:"name"`
	Trigger          Trigger          `json:"trigger"`
	Steps            []AutomationStep `json:"steps"`
	ApprovalRequired bool             `json:"approval_required"`
	PublishedAt      time.Time        `json:"published_at"`
}

// Validate checks a playbook definition for operator errors.
func (p *Playbook) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("playbook ID is required")
	}
	if p.Name == "" {
		return fmt.Errorf("playbook name is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}

	seen := make(map[int]bool, len(p.Steps))
	for i, step := range p.Steps {
		if step.Action == "" {
			return fmt.Errorf("step %d: action is required", i)
		}
		if seen[step.Order] {
			return fmt.Errorf("step %d: duplicate step_order %d", i, step.Order)
		}
		seen[step.Order] = true
		if step.OnSuccess != "" && !step.OnSuccess.IsValid() {
			return fmt.Errorf("step %d: invalid on_success %q", i, step.OnSuccess)
		}
		if step.OnFailure != "" && !step.OnFailure.IsValid() {
			return fmt.Errorf("step %d: invalid on_failure %q", i, step.OnFailure)
		}
		if step.RetryCount < 0 {
			return fmt.Errorf("step %d: retry_count must not be negative", i)
		}
	}

	for _, sev := range p.Trigger.Severities {
		if !sev.IsValid() {
			return fmt.Errorf("trigger: invalid severity %q", sev)
		}
	}
	if p.Trigger.Predicate != nil {
		if err := p.Trigger.Predicate.Validate(); err != nil {
			return fmt.Errorf("trigger predicate: %w", err)
		}
	}

	return nil
}

// Library holds playbooks and their published versions. The matcher reads
// only published versions, so in-place edits never affect a running
// execution.
type Library struct {
	mu        sync.RWMutex
	playbooks map[string]*Playbook
	versions  map[string]*Version // playbook ID -> latest published version
	counts    map[string]int      // playbook ID -> version counter
}

// NewLibrary creates an empty playbook library.
func NewLibrary() *Library {
	return &Library{
		playbooks: make(map[string]*Playbook),
		versions:  make(map[string]*Version),
		counts:    make(map[string]int),
	}
}

// Publish validates the playbook, stores it, and freezes an immutable
// version with steps sorted by step order.
func (l *Library) Publish(p *Playbook) (*Version, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts[p.ID]++
	steps := make([]AutomationStep, len(p.Steps))
	copy(steps, p.Steps)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	v := &Version{
		ID:               uuid.New(),
		PlaybookID:       p.ID,
		Number:           l.counts[p.ID],
		Name:             p.Name,
		Trigger:          p.Trigger,
		Steps:            steps,
		ApprovalRequired: p.ApprovalRequired,
		PublishedAt:      time.Now().UTC(),
	}

	l.playbooks[p.ID] = p
	l.versions[p.ID] = v
	return v, nil
}

// Deactivate marks a playbook inactive; its versions stop matching.
func (l *Library) Deactivate(playbookID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.playbooks[playbookID]; ok {
		p.Active = false
	}
}

// ActiveVersions returns the latest published version of every active
// playbook.
func (l *Library) ActiveVersions() []*Version {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Version, 0, len(l.versions))
	for id, v := range l.versions {
		if p, ok := l.playbooks[id]; ok && p.Active {
			out = append(out, v)
		}
	}
	return out
}

// Get returns a playbook by ID.
func (l *Library) Get(playbookID string) (*Playbook, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.playbooks[playbookID]
	return p, ok
}

// ParsePlaybooks parses playbook definitions from YAML bytes.
func ParsePlaybooks(data []byte) ([]*Playbook, error) {
	var playbooks []*Playbook
	if err := yaml.Unmarshal(data, &playbooks); err != nil {
		var single Playbook
		if singleErr := yaml.Unmarshal(data, &single); singleErr != nil {
			return nil, fmt.Errorf("failed to parse playbooks: %w", err)
		}
		playbooks = []*Playbook{&single}
	}
	for i, p := range playbooks {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("playbook %d: %w", i, err)
		}
	}
	return playbooks, nil
}
