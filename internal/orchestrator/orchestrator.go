package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"automation-core/internal/autoerr"
	"automation-core/internal/playbook"
	"automation-core/internal/schema"

	"github.com/google/uuid"
)

// ClaimStore provides the idempotency check behind the at-most-one
// running execution guarantee. Claim returns false when the key is
// already held by another worker.
type ClaimStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// CounterStore applies atomic increments to playbook aggregate counters
// in the persistence layer. Counters never live in process memory:
// multiple orchestrator instances run concurrently.
type CounterStore interface {
	IncrementExecution(ctx context.Context, playbookID string) error
	IncrementSuccess(ctx context.Context, playbookID string) error
}

// ExecutionSink receives executions when they reach a terminal state for
// append-only persistence.
type ExecutionSink func(ctx context.Context, exec *Execution) error

// Config holds orchestrator settings.
type Config struct {
	// DefaultStepTimeout bounds steps that do not set their own.
	DefaultStepTimeout time.Duration `yaml:"default_step_timeout"`
	// RetryBackoff is the base delay between step retry attempts.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// ClaimTTL is how long an execution claim is held. Duplicate
	// deliveries inside the TTL are no-ops.
	ClaimTTL time.Duration `yaml:"claim_ttl"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		DefaultStepTimeout: 30 * time.Second,
		RetryBackoff:       500 * time.Millisecond,
		ClaimTTL:           24 * time.Hour,
	}
}

// Orchestrator runs playbook versions step by step. Steps within one
// execution are strictly sequential; independent executions run
// concurrently with no shared mutable state beyond their own log.
type Orchestrator struct {
	config   Config
	executor ActionExecutor
	claims   ClaimStore
	counters CounterStore
	sink     ExecutionSink

	mu      sync.Mutex
	cancels map[uuid.UUID]chan struct{}
}

// New creates an orchestrator. The sink may be nil when the host handles
// persistence elsewhere.
func New(config Config, executor ActionExecutor, claims ClaimStore, counters CounterStore, sink ExecutionSink) *Orchestrator {
	return &Orchestrator{
		config:   config,
		executor: executor,
		claims:   claims,
		counters: counters,
		sink:     sink,
		cancels:  make(map[uuid.UUID]chan struct{}),
	}
}

// ClaimKey is the idempotency key for a (playbook, triggering event) pair.
func ClaimKey(playbookID string, eventID uuid.UUID) string {
	return fmt.Sprintf("exec:%s:%s", playbookID, eventID)
}

// Trigger claims and creates an execution for the version and triggering
// event. When the version requires approval the execution is returned in
// pending state and the host runs it later via Run; otherwise it runs to
// a terminal state before returning. Duplicate delivery of the same
// trigger returns ErrDuplicateExecution.
func (o *Orchestrator) Trigger(ctx context.Context, version *playbook.Version, event *schema.SecurityEvent) (*Execution, error) {
	claimed, err := o.claims.Claim(ctx, ClaimKey(version.PlaybookID, event.ID), o.config.ClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("claim check failed: %w", err)
	}
	if !claimed {
		return nil, autoerr.ErrDuplicateExecution
	}

	exec := &Execution{
		ID:             uuid.New(),
		PlaybookID:     version.PlaybookID,
		VersionID:      version.ID,
		TriggerEventID: event.ID,
		Status:         StatusPending,
		StartedAt:      time.Now().UTC(),
	}
	if event.CorrelationID != nil {
		gid := *event.CorrelationID
		exec.TriggerGroupID = &gid
	}

	if version.ApprovalRequired {
		slog.Info("execution awaiting approval",
			"execution_id", exec.ID,
			"playbook_id", version.PlaybookID,
			"event_id", event.ID)
		return exec, nil
	}

	return exec, o.Run(ctx, exec, version)
}

// Run drives a pending execution through the step state machine to a
// terminal state.
func (o *Orchestrator) Run(ctx context.Context, exec *Execution, version *playbook.Version) error {
	if exec.Status != StatusPending {
		return fmt.Errorf("execution %s is %s, not pending", exec.ID, exec.Status)
	}

	cancelCh := make(chan struct{})
	o.mu.Lock()
	o.cancels[exec.ID] = cancelCh
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, exec.ID)
		o.mu.Unlock()
	}()

	exec.Status = StatusRunning
	slog.Info("execution started",
		"execution_id", exec.ID,
		"playbook_id", exec.PlaybookID,
		"version", version.Number,
		"steps", len(version.Steps))

	hadFailure := false

steps:
	for i := range version.Steps {
		step := &version.Steps[i]

		if cancelled(cancelCh) {
			o.finish(ctx, exec, StatusCancelled, autoerr.ErrExecutionCancelled.Error())
			return nil
		}

		result, attempt, err := o.runStep(ctx, exec, step, cancelCh)
		switch {
		case err == nil:
			exec.appendLog(LogEntry{
				StepOrder: step.Order,
				Action:    step.Action,
				Status:    StepSuccess,
				Attempt:   attempt,
				Details:   result.Details,
			})
			exec.ActionsTaken = append(exec.ActionsTaken, step.Action)
			if step.OnSuccess == playbook.PolicyStop {
				break steps
			}
		default:
			if errors.Is(err, autoerr.ErrExecutionCancelled) {
				o.finish(ctx, exec, StatusCancelled, autoerr.ErrExecutionCancelled.Error())
				return nil
			}
			outcome := StepFailed
			var execErr *autoerr.ExecutorError
			if errors.As(err, &execErr) && execErr.Uncertain {
				outcome = StepUncertain
			}
			exec.appendLog(LogEntry{
				StepOrder: step.Order,
				Action:    step.Action,
				Status:    outcome,
				Attempt:   attempt,
				Error:     err.Error(),
			})
			hadFailure = true

			// on_failure defaults to stop: destructive automation halts
			// rather than running later steps on a broken premise.
			if step.OnFailure != playbook.PolicyContinue {
				o.finish(ctx, exec, StatusFailed, fmt.Sprintf("step %d (%s) failed: %v", step.Order, step.Action, err))
				return nil
			}
		}
	}

	if cancelled(cancelCh) {
		o.finish(ctx, exec, StatusCancelled, autoerr.ErrExecutionCancelled.Error())
		return nil
	}

	msg := ""
	if hadFailure {
		msg = fmt.Sprintf("completed with %d failed step(s)", exec.FailedSteps())
	}
	o.finish(ctx, exec, StatusCompleted, msg)
	return nil
}

// runStep invokes one step with retries. Each attempt is bounded by the
// step's timeout; a timed-out attempt counts as a failure for retry and
// stop purposes but is recorded as uncertain.
func (o *Orchestrator) runStep(ctx context.Context, exec *Execution, step *playbook.AutomationStep, cancelCh chan struct{}) (*Result, int, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.config.DefaultStepTimeout
	}

	var lastErr error
	attempts := step.RetryCount + 1
	attempt := 1
	for ; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, attempt, &autoerr.ExecutorError{Action: step.Action, Attempt: attempt, Err: ctx.Err()}
			case <-cancelCh:
				return nil, attempt, &autoerr.ExecutorError{Action: step.Action, Attempt: attempt, Err: autoerr.ErrExecutionCancelled}
			case <-time.After(o.config.RetryBackoff * time.Duration(attempt-1)):
			}
		}

		result, err := o.invoke(ctx, step, timeout, cancelCh)
		if err == nil && result != nil && result.Success {
			return result, attempt, nil
		}
		if err == nil {
			err = &autoerr.ExecutorError{Action: step.Action, Attempt: attempt, Err: fmt.Errorf("executor reported failure")}
		}
		lastErr = err
		slog.Warn("step attempt failed",
			"execution_id", exec.ID,
			"action", step.Action,
			"attempt", attempt,
			"of", attempts,
			"error", err)
	}
	return nil, attempts, lastErr
}

// invoke runs a single bounded attempt. The orchestrator never blocks
// indefinitely on one step: when the timeout fires the dispatched call is
// left to land or not, and the outcome is recorded as uncertain.
func (o *Orchestrator) invoke(ctx context.Context, step *playbook.AutomationStep, timeout time.Duration, cancelCh chan struct{}) (*Result, error) {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Best-effort cancellation signal to the in-flight call.
	go func() {
		select {
		case <-cancelCh:
			cancel()
		case <-stepCtx.Done():
		}
	}()

	type outcome struct {
		result *Result
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := o.executor.Execute(stepCtx, step.Action, step.Params)
		ch <- outcome{result, err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-stepCtx.Done():
		return nil, &autoerr.ExecutorError{
			Action:    step.Action,
			Timeout:   timeout,
			Uncertain: true,
			Err:       stepCtx.Err(),
		}
	}
}

// Cancel requests cancellation of a running execution. The in-flight step
// is signalled best-effort and allowed to finish; no further steps start.
func (o *Orchestrator) Cancel(executionID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.cancels[executionID]
	if !ok {
		return false
	}
	select {
	case <-ch:
		// already cancelled
	default:
		close(ch)
	}
	return true
}

// finish moves the execution to a terminal state, updates counters, and
// hands the immutable record to the sink.
func (o *Orchestrator) finish(ctx context.Context, exec *Execution, status Status, message string) {
	now := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &now
	exec.ErrorMessage = message

	if err := o.counters.IncrementExecution(ctx, exec.PlaybookID); err != nil {
		slog.Error("failed to increment execution count", "playbook_id", exec.PlaybookID, "error", err)
	}
	if status == StatusCompleted {
		if err := o.counters.IncrementSuccess(ctx, exec.PlaybookID); err != nil {
			slog.Error("failed to increment success count", "playbook_id", exec.PlaybookID, "error", err)
		}
	}

	if o.sink != nil {
		if err := o.sink(ctx, exec); err != nil {
			slog.Error("failed to persist execution", "execution_id", exec.ID, "error", err)
		}
	}

	slog.Info("execution finished",
		"execution_id", exec.ID,
		"playbook_id", exec.PlaybookID,
		"status", status,
		"actions", len(exec.ActionsTaken),
		"failed_steps", exec.FailedSteps())
}

func cancelled(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

