package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// Status is the execution state machine:
// pending -> running -> completed | failed | cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is final. Terminal executions are
// immutable history.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepOutcome is the recorded result of one step attempt series.
type StepOutcome string

const (
	StepSuccess StepOutcome = "success"
	StepFailed  StepOutcome = "failed"
	// StepUncertain records a dispatched call whose outcome is unknown
	// (timed out in flight). The system tolerates fire-and-uncertain
	// outcomes rather than pretending they failed cleanly.
	StepUncertain StepOutcome = "uncertain"
	StepSkipped   StepOutcome = "skipped"
)

// LogEntry is one line of an execution's append-only log.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	StepOrder int            `json:"step_order"`
	Action    string         `json:"action"`
	Status    StepOutcome    `json:"status"`
	Attempt   int            `json:"attempt"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Execution is a single run of a playbook version triggered by one event
// or correlation group. At most one non-terminal execution exists per
// (playbook, triggering event) pair.
type Execution struct {
	ID             uuid.UUID  `json:"id"`
	PlaybookID     string     `json:"playbook_id"`
	VersionID      uuid.UUID  `json:"version_id"`
	TriggerEventID uuid.UUID  `json:"trigger_event_id"`
	TriggerGroupID *uuid.UUID `json:"trigger_group_id,omitempty"`

	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Log          []LogEntry `json:"log"`
	ActionsTaken []string   `json:"actions_taken,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func (e *Execution) appendLog(entry LogEntry) {
	entry.Timestamp = time.Now().UTC()
	e.Log = append(e.Log, entry)
}

// FailedSteps counts log entries recording a failed or uncertain step.
func (e *Execution) FailedSteps() int {
	n := 0
	for _, entry := range e.Log {
		if entry.Status == StepFailed || entry.Status == StepUncertain {
			n++
		}
	}
	return n
}
