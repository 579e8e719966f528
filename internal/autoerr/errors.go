// Package autoerr defines the error taxonomy of the automation core.
// Event-level errors are isolated per event or execution and never abort
// the pipeline; configuration errors surface to operators while the
// offending definition is skipped.
package autoerr

import (
	"errors"
	"fmt"
	"time"
)

// MalformedEventError reports a raw record that could not be normalized.
// The record is discarded and logged; the pipeline continues.
type MalformedEventError struct {
	SourceSystem string
	Reason       string
	Err          error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event from %s: %s: %v", e.SourceSystem, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed event from %s: %s", e.SourceSystem, e.Reason)
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// CorrelationStateError reports contention or stale state while mutating a
// correlation group. Callers retry with backoff rather than dropping the group.
type CorrelationStateError struct {
	RuleID   string
	GroupKey string
	Err      error
}

func (e *CorrelationStateError) Error() string {
	return fmt.Sprintf("correlation state error for rule %s key %q: %v", e.RuleID, e.GroupKey, e.Err)
}

func (e *CorrelationStateError) Unwrap() error { return e.Err }

// MatchEvaluationError reports a trigger predicate that could not be
// evaluated. Matching fails closed: the playbook is excluded and the error
// is logged as a configuration warning.
type MatchEvaluationError struct {
	PlaybookID string
	Reason     string
}

func (e *MatchEvaluationError) Error() string {
	return fmt.Sprintf("predicate evaluation failed for playbook %s: %s", e.PlaybookID, e.Reason)
}

// ExecutorError reports a failed or timed-out action invocation.
// Uncertain marks a call whose outcome is unknown (dispatched but timed
// out); the execution log records these as "fire-and-uncertain".
type ExecutorError struct {
	Action    string
	Attempt   int
	Timeout   time.Duration
	Uncertain bool
	Err       error
}

func (e *ExecutorError) Error() string {
	if e.Uncertain {
		return fmt.Sprintf("action %s attempt %d outcome uncertain after %v: %v", e.Action, e.Attempt, e.Timeout, e.Err)
	}
	return fmt.Sprintf("action %s attempt %d failed: %v", e.Action, e.Attempt, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// EscalationConflictError reports a lost optimistic check on an incident's
// escalation level. The loser refreshes the incident and retries.
type EscalationConflictError struct {
	IncidentID    string
	ExpectedLevel int
	ActualLevel   int
}

func (e *EscalationConflictError) Error() string {
	return fmt.Sprintf("escalation conflict on incident %s: expected level %d, found %d",
		e.IncidentID, e.ExpectedLevel, e.ActualLevel)
}

// ErrDuplicateExecution is returned when a claim for a (playbook, event)
// pair is already held, meaning another worker is running or has run the
// same execution.
var ErrDuplicateExecution = errors.New("execution already claimed for this playbook and trigger event")

// ErrExecutionCancelled is recorded when an execution is cancelled before
// all steps have run.
var ErrExecutionCancelled = errors.New("execution cancelled")

// IsMalformedEvent reports whether err is a MalformedEventError.
func IsMalformedEvent(err error) bool {
	var me *MalformedEventError
	return errors.As(err, &me)
}

// IsEscalationConflict reports whether err is an EscalationConflictError.
func IsEscalationConflict(err error) bool {
	var ce *EscalationConflictError
	return errors.As(err, &ce)
}
