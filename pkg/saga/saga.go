// Package saga executes multi-step workflows as durable, compensatable
// transactions. Steps run strictly in order; on terminal failure the
// compensations of all succeeded steps run in strict reverse order. Every
// action and compensation receives a stable (saga, step, attempt) key and
// must be idempotent under it.
package saga

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a saga instance cannot be located.
var ErrNotFound = errors.New("saga instance not found")

// errTransient marks retryable failures.
var errTransient = errors.New("transient")

// Transient wraps an error to mark it retryable under the step's policy.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", errTransient, err)
}

// IsTransient reports whether an error was marked retryable.
func IsTransient(err error) bool {
	return errors.Is(err, errTransient)
}

// StepContext carries runtime information into an action.
type StepContext struct {
	SagaID   string
	StepName string
	// Attempt is 1-based and increments on every retry of this step.
	Attempt int
	// IdempotencyKey is the stable key external side effects must use.
	IdempotencyKey string
	Input          map[string]any
	// Results holds the persisted results of all preceding steps.
	Results map[string]any
}

// CompensationContext carries runtime information into a compensation.
type CompensationContext struct {
	SagaID         string
	StepName       string
	Attempt        int
	IdempotencyKey string
	FailedStep     string
	Failure        error
	Input          map[string]any
	// Result is the persisted result of the step being compensated, if the
	// step succeeded. Compensations must also tolerate partial success.
	Result     any
	AllResults map[string]any
}

// ActionFunc executes a forward step.
type ActionFunc func(ctx context.Context, stepCtx *StepContext) (any, error)

// CompensationFunc undoes the observable effects of a succeeded step. It
// must be safe to call when the step may or may not have had side effects.
type CompensationFunc func(ctx context.Context, compCtx *CompensationContext) error

// RetryPolicy bounds forward-step retries on transient errors.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	BackoffBase time.Duration `json:"backoff_base"`
	BackoffCap  time.Duration `json:"backoff_cap"`
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = 100 * time.Millisecond
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = 5 * time.Second
	}
	return p
}

// Step is one executable unit of a saga definition.
type Step struct {
	Name         string
	Action       ActionFunc
	Compensation CompensationFunc
	Timeout      time.Duration
	Retry        RetryPolicy
}

// Definition is an immutable, ordered saga workflow.
type Definition struct {
	ID    string
	Steps []Step
	// DefaultStepTimeout applies to steps without an explicit timeout.
	DefaultStepTimeout time.Duration
	// CompensationRetry bounds compensation retries before the saga is
	// declared failed and an incident is recorded.
	CompensationRetry RetryPolicy
	// Mutex optionally serializes instances of definitions sharing the
	// same mutex name. Empty means no cross-saga ordering.
	Mutex string
}

// Validate checks structural invariants of a definition.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("saga definition cannot be nil")
	}
	if d.ID == "" {
		return fmt.Errorf("saga definition id cannot be empty")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s must define at least one step", d.ID)
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("saga %s step %d has no name", d.ID, i)
		}
		if step.Action == nil {
			return fmt.Errorf("saga %s step %q missing action", d.ID, step.Name)
		}
		if _, dup := seen[step.Name]; dup {
			return fmt.Errorf("saga %s has duplicate step %q", d.ID, step.Name)
		}
		seen[step.Name] = struct{}{}
	}
	return nil
}

// StepIndex returns the position of a named step, or -1.
func (d *Definition) StepIndex(name string) int {
	for i, s := range d.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// IdempotencyKey builds the stable side-effect key for one invocation.
func IdempotencyKey(sagaID, stepName string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", sagaID, stepName, attempt)
}

// compensationKey is attempt-independent: a compensation that completed once
// is never re-run.
func compensationKey(sagaID, stepName string) string {
	return fmt.Sprintf("comp:%s:%s", sagaID, stepName)
}
