// Package schema defines the canonical security event model for the
// automation core. All ingested records are normalized to SecurityEvent
// before correlation or playbook matching.
package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Severity is the ordered severity scale for events and incidents.
// The ordering info < low < medium < high < critical is load-bearing:
// trigger matching and escalation thresholds compare ordinals.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityOrdinals = map[Severity]int{
	SeverityInfo:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// ParseSeverity converts a raw severity string to a Severity.
// Unknown values are rejected so downstream ordinal comparisons stay
// well-defined.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if _, ok := severityOrdinals[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// IsValid reports whether the severity is one of the known values.
func (s Severity) IsValid() bool {
	_, ok := severityOrdinals[s]
	return ok
}

// Ordinal returns the position of the severity on the fixed scale.
// Unknown severities sort below info.
func (s Severity) Ordinal() int {
	if ord, ok := severityOrdinals[s]; ok {
		return ord
	}
	return -1
}

// AtLeast reports whether s is at or above the given threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Ordinal() >= threshold.Ordinal()
}

// Severities returns all known severities in ascending order.
func Severities() []Severity {
	return []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

// SecurityEvent is a single observed signal in canonical form.
// Events are append-only: after creation only CorrelationID, IsProcessed
// and IncidentID are set, and an event is never deleted while an
// execution log references it.
type SecurityEvent struct {
	ID           uuid.UUID `json:"id" validate:"required"`
	Timestamp    time.Time `json:"timestamp" validate:"required"`
	EventType    string    `json:"event_type" validate:"required,max=256"`
	Severity     Severity  `json:"severity" validate:"required,oneof=info low medium high critical"`
	SourceSystem string    `json:"source_system" validate:"required,max=256"`

	SourceIP string `json:"source_ip,omitempty" validate:"omitempty,ip"`
	DestIP   string `json:"dest_ip,omitempty" validate:"omitempty,ip"`

	Payload map[string]any `json:"payload,omitempty"`

	// Set by the pipeline after creation.
	CorrelationID *uuid.UUID `json:"correlation_id,omitempty"`
	IsProcessed   bool       `json:"is_processed"`
	IncidentID    *uuid.UUID `json:"incident_id,omitempty"`

	ReceivedAt time.Time `json:"received_at"`
}

// Field resolves a named field on the event for rule and predicate
// evaluation. Unknown names fall through to the payload.
func (e *SecurityEvent) Field(name string) any {
	switch name {
	case "event_type":
		return e.EventType
	case "severity":
		return string(e.Severity)
	case "source_system":
		return e.SourceSystem
	case "source_ip":
		return e.SourceIP
	case "dest_ip":
		return e.DestIP
	default:
		if e.Payload != nil {
			if v, ok := e.Payload[name]; ok {
				return v
			}
		}
	}
	return nil
}

// IncidentStatus is the lifecycle state of an incident.
type IncidentStatus string

const (
	IncidentOpen         IncidentStatus = "open"
	IncidentAcknowledged IncidentStatus = "acknowledged"
	IncidentResolved     IncidentStatus = "resolved"
)

// IsValid checks if the status is a known value.
func (s IncidentStatus) IsValid() bool {
	switch s {
	case IncidentOpen, IncidentAcknowledged, IncidentResolved:
		return true
	}
	return false
}

// Incident is a confirmed security situation, usually synthesized from a
// matched correlation group. The escalation monitor drives EscalationLevel
// and LastEscalatedAt; both only move forward.
type Incident struct {
	ID              uuid.UUID      `json:"id"`
	Title           string         `json:"title"`
	Severity        Severity       `json:"severity"`
	Status          IncidentStatus `json:"status"`
	DetectedAt      time.Time      `json:"detected_at"`
	AcknowledgedAt  *time.Time     `json:"acknowledged_at,omitempty"`
	Owner           string         `json:"owner,omitempty"`
	EscalationLevel int            `json:"escalation_level"`
	LastEscalatedAt *time.Time     `json:"last_escalated_at,omitempty"`
	CorrelationID   *uuid.UUID     `json:"correlation_id,omitempty"`
}

// EscalationClockStart returns the instant the escalation timer for the
// next automatic level is measured from.
func (i *Incident) EscalationClockStart() time.Time {
	if i.LastEscalatedAt != nil {
		return *i.LastEscalatedAt
	}
	return i.DetectedAt
}
