// Package normalize converts raw ingested records into canonical
// SecurityEvents. It is a pure transformation: persistence and routing are
// the caller's responsibility.
package normalize

import (
	"fmt"
	"strings"
	"time"

	"automation-core/internal/autoerr"
	"automation-core/internal/schema"

	"github.com/google/uuid"
)

// Required raw record fields.
const (
	fieldTimestamp = "timestamp"
	fieldEventType = "event_type"
	fieldSeverity  = "severity"
	fieldSourceIP  = "source_ip"
	fieldDestIP    = "dest_ip"
)

// Normalizer turns loosely-typed raw records into validated SecurityEvents.
type Normalizer struct {
	validator *schema.Validator
}

// New creates a Normalizer with the default schema validator.
func New() *Normalizer {
	return &Normalizer{validator: schema.NewValidator()}
}

// NewWithValidator creates a Normalizer using the given validator.
func NewWithValidator(v *schema.Validator) *Normalizer {
	return &Normalizer{validator: v}
}

// Normalize converts a raw record from the named source system into a
// canonical SecurityEvent. It returns a MalformedEventError if a required
// field is absent or unparseable, or if the severity is not on the known
// ordered scale.
func (n *Normalizer) Normalize(raw map[string]any, sourceSystem string) (*schema.SecurityEvent, error) {
	if sourceSystem == "" {
		return nil, &autoerr.MalformedEventError{SourceSystem: "unknown", Reason: "source system is required"}
	}
	if raw == nil {
		return nil, &autoerr.MalformedEventError{SourceSystem: sourceSystem, Reason: "empty record"}
	}

	ts, err := parseTimestamp(raw[fieldTimestamp])
	if err != nil {
		return nil, &autoerr.MalformedEventError{SourceSystem: sourceSystem, Reason: "invalid timestamp", Err: err}
	}

	eventType, ok := stringField(raw[fieldEventType])
	if !ok || eventType == "" {
		return nil, &autoerr.MalformedEventError{SourceSystem: sourceSystem, Reason: "event_type is required"}
	}
	eventType = strings.ToLower(strings.TrimSpace(eventType))

	rawSev, ok := stringField(raw[fieldSeverity])
	if !ok || rawSev == "" {
		return nil, &autoerr.MalformedEventError{SourceSystem: sourceSystem, Reason: "severity is required"}
	}
	severity, err := schema.ParseSeverity(strings.ToLower(strings.TrimSpace(rawSev)))
	if err != nil {
		return nil, &autoerr.MalformedEventError{SourceSystem: sourceSystem, Reason: "invalid severity", Err: err}
	}

	event := &schema.SecurityEvent{
		ID:           uuid.New(),
		Timestamp:    ts.UTC(),
		EventType:    eventType,
		Severity:     severity,
		SourceSystem: sourceSystem,
		ReceivedAt:   time.Now().UTC(),
	}

	if ip, ok := stringField(raw[fieldSourceIP]); ok {
		event.SourceIP = ip
	}
	if ip, ok := stringField(raw[fieldDestIP]); ok {
		event.DestIP = ip
	}

	// Everything that is not a canonical field rides along as payload.
	payload := make(map[string]any)
	for k, v := range raw {
		switch k {
		case fieldTimestamp, fieldEventType, fieldSeverity, fieldSourceIP, fieldDestIP:
		default:
			payload[k] = v
		}
	}
	if len(payload) > 0 {
		event.Payload = payload
	}

	if err := n.validator.Validate(event); err != nil {
		return nil, &autoerr.MalformedEventError{SourceSystem: sourceSystem, Reason: "schema validation failed", Err: err}
	}

	return event, nil
}

// parseTimestamp accepts time.Time, RFC3339/RFC3339Nano strings, and unix
// second values (integer or float).
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, fmt.Errorf("timestamp is required")
	case time.Time:
		if t.IsZero() {
			return time.Time{}, fmt.Errorf("timestamp is zero")
		}
		return t, nil
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed, nil
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, nil
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", t)
	case float64:
		if t <= 0 {
			return time.Time{}, fmt.Errorf("non-positive unix timestamp %v", t)
		}
		sec := int64(t)
		nsec := int64((t - float64(sec)) * float64(time.Second))
		return time.Unix(sec, nsec), nil
	case int64:
		if t <= 0 {
			return time.Time{}, fmt.Errorf("non-positive unix timestamp %d", t)
		}
		return time.Unix(t, 0), nil
	case int:
		if t <= 0 {
			return time.Time{}, fmt.Errorf("non-positive unix timestamp %d", t)
		}
		return time.Unix(int64(t), 0), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func stringField(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
