package correlation

import (
	"time"

	"automation-core/internal/schema"
)

// BruteForceRule fires when an IP produces repeated failed logins inside
// a five minute window.
func BruteForceRule() *Rule {
	override := schema.SeverityHigh
	return &Rule{
		ID:          "builtin-brute-force",
		Name:        "Brute Force Authentication",
		Description: "Repeated failed logins from a single source IP",
		Enabled:     true,
		Logic:       LogicThreshold,
		Window:      5 * time.Minute,
		KeyFields:   []string{"source_ip"},
		Patterns: []Pattern{
			{Name: "failed-login", EventTypes: []string{"auth.failed_login"}},
		},
		ThresholdCount:     5,
		SeverityOverride:   &override,
		AutoCreateIncident: true,
	}
}

// LateralMovementRule fires on the classic compromise sequence of a
// successful login after failures followed by remote execution, per host.
func LateralMovementRule() *Rule {
	override := schema.SeverityCritical
	return &Rule{
		ID:          "builtin-lateral-movement",
		Name:        "Lateral Movement",
		Description: "Failed login, then success, then remote execution on the same host",
		Enabled:     true,
		Logic:       LogicSequence,
		Window:      30 * time.Minute,
		KeyFields:   []string{"dest_ip"},
		Patterns: []Pattern{
			{Name: "recon", EventTypes: []string{"auth.failed_login"}},
			{Name: "entry", EventTypes: []string{"auth.success"}},
			{Name: "exec", EventTypes: []string{"process.remote_exec"}},
		},
		SeverityOverride:   &override,
		AutoCreateIncident: true,
	}
}

// MalwareActivityRule fires as soon as any high-severity malware signal
// is seen for an endpoint.
func MalwareActivityRule() *Rule {
	return &Rule{
		ID:          "builtin-malware-activity",
		Name:        "Malware Activity",
		Description: "Any malware detection or quarantine signal on an endpoint",
		Enabled:     true,
		Logic:       LogicAny,
		Window:      10 * time.Minute,
		KeyFields:   []string{"source_ip"},
		Patterns: []Pattern{
			{Name: "detected", EventTypes: []string{"malware.detected"}, MinSeverity: "high"},
			{Name: "quarantined", EventTypes: []string{"malware.quarantined"}, MinSeverity: "high"},
		},
		AutoCreateIncident: true,
	}
}

// BuiltinRules returns the default rule set.
func BuiltinRules() []*Rule {
	return []*Rule{
		BruteForceRule(),
		LateralMovementRule(),
		MalwareActivityRule(),
	}
}
