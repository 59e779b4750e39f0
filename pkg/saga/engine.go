package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/logger"
	"github.com/taskmesh/taskmesh/pkg/metrics"
)

// Option customizes Engine initialization.
type Option func(*Engine)

// WithMaxConcurrent caps concurrent saga executions.
func WithMaxConcurrent(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.sema = make(chan struct{}, limit)
		}
	}
}

// WithAudit wires the audit recorder.
func WithAudit(rec audit.Recorder) Option {
	return func(e *Engine) {
		if rec != nil {
			e.audit = rec
		}
	}
}

// WithLogger wires structured logging.
func WithLogger(log logger.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log.With("component", "saga")
		}
	}
}

// WithMetrics wires the metrics manager.
func WithMetrics(m *metrics.Manager) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// Engine executes saga definitions as durable, compensatable transactions.
type Engine struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	mutexes map[string]*sync.Mutex

	store   Store
	idem    IdempotencyStore
	audit   audit.Recorder
	log     logger.Logger
	metrics *metrics.Manager
	sema    chan struct{}
}

// NewEngine creates a saga engine backed by the given stores.
func NewEngine(store Store, idem IdempotencyStore, options ...Option) *Engine {
	e := &Engine{
		defs:    make(map[string]*Definition),
		mutexes: make(map[string]*sync.Mutex),
		store:   store,
		idem:    idem,
		audit:   audit.NopRecorder{},
		log:     logger.Global().With("component", "saga"),
		metrics: metrics.NoOpManager(),
		sema:    make(chan struct{}, 100),
	}
	for _, option := range options {
		if option != nil {
			option(e)
		}
	}
	return e
}

// RegisterDefinition validates and registers a definition. Re-registering
// an ID is an error.
func (e *Engine) RegisterDefinition(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.defs[def.ID]; exists {
		return fmt.Errorf("saga definition %s already registered", def.ID)
	}
	e.defs[def.ID] = def
	return nil
}

// Definition returns a registered definition by ID.
func (e *Engine) Definition(id string) (*Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	def, ok := e.defs[id]
	return def, ok
}

// Execute runs a definition to a terminal state under a fresh instance ID.
func (e *Engine) Execute(ctx context.Context, defID string, input map[string]any) (*Instance, error) {
	return e.ExecuteWithID(ctx, uuid.NewString(), defID, input)
}

// ExecuteWithID runs a definition using a caller-provided instance ID.
func (e *Engine) ExecuteWithID(ctx context.Context, sagaID, defID string, input map[string]any) (*Instance, error) {
	def, ok := e.Definition(defID)
	if !ok {
		return nil, fmt.Errorf("saga definition %s not registered", defID)
	}

	select {
	case e.sema <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.sema }()

	in := NewInstance(sagaID, def, input)
	if err := e.store.SaveInstance(ctx, in); err != nil {
		return nil, err
	}
	return e.run(ctx, def, in)
}

// Resume continues a persisted instance from its checkpointed position.
// Terminal instances are returned unchanged.
func (e *Engine) Resume(ctx context.Context, sagaID string) (*Instance, error) {
	in, err := e.store.GetInstance(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	if in.Status.Terminal() {
		return in, nil
	}
	def, ok := e.Definition(in.DefinitionID)
	if !ok {
		return nil, fmt.Errorf("saga definition %s not registered", in.DefinitionID)
	}

	e.metrics.RecordSagaRecovery("resumed")
	switch in.Status {
	case StatusRunning:
		return e.run(ctx, def, in)
	case StatusCompensating:
		if err := e.compensate(ctx, def, in); err != nil {
			return in, err
		}
		return in, nil
	default:
		return in, nil
	}
}

// Instance returns a persisted instance by ID.
func (e *Engine) Instance(ctx context.Context, sagaID string) (*Instance, error) {
	return e.store.GetInstance(ctx, sagaID)
}

// List lists persisted instances.
func (e *Engine) List(ctx context.Context, filter *InstanceFilter) ([]*Instance, int, error) {
	return e.store.ListInstances(ctx, filter)
}

func (e *Engine) namedMutex(name string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.mutexes[name]
	if !ok {
		mu = &sync.Mutex{}
		e.mutexes[name] = mu
	}
	return mu
}

// run executes steps from in.CurrentStep forward. The instance is
// checkpointed before and after every step attempt so a crash resumes on
// the step that was interrupted.
func (e *Engine) run(ctx context.Context, def *Definition, in *Instance) (*Instance, error) {
	if def.Mutex != "" {
		mu := e.namedMutex(def.Mutex)
		mu.Lock()
		defer mu.Unlock()
	}

	e.metrics.IncActiveSagas()
	defer e.metrics.DecActiveSagas()
	started := time.Now()

	for idx := in.CurrentStep; idx < len(def.Steps); idx++ {
		step := def.Steps[idx]
		record := &in.Steps[idx]
		if record.Status == StepSucceeded {
			continue // already checkpointed past this step
		}

		stepStart := time.Now()
		result, err := e.runStep(ctx, def, in, step, record)
		e.metrics.RecordStepLatency(def.ID, step.Name, time.Since(stepStart))
		if err != nil {
			in.FailedStep = step.Name
			in.Failure = err.Error()
			record.Status = StepFailed
			record.Error = err.Error()
			record.CompletedAt = time.Now().UTC()
			if terr := in.Transition(StatusCompensating); terr != nil {
				return in, terr
			}
			// CurrentStep now points at the last step to compensate.
			in.CurrentStep = idx
			if serr := e.store.SaveInstance(ctx, in); serr != nil {
				return in, serr
			}
			e.log.WarnContext(ctx, "saga step failed, compensating",
				"saga_id", in.ID, "definition", def.ID, "step", step.Name, "error", err)
			if cerr := e.compensate(ctx, def, in); cerr != nil {
				return in, cerr
			}
			e.metrics.RecordSagaExecution(string(StatusCompensated))
			e.metrics.RecordSagaDuration(string(StatusCompensated), time.Since(started))
			return in, err
		}

		record.Status = StepSucceeded
		record.Result = result
		record.CompletedAt = time.Now().UTC()
		in.CurrentStep = idx + 1
		in.UpdatedAt = time.Now().UTC()
		if err := e.store.SaveInstance(ctx, in); err != nil {
			return in, err
		}
	}

	if err := in.Transition(StatusSucceeded); err != nil {
		return in, err
	}
	if err := e.store.SaveInstance(ctx, in); err != nil {
		return in, err
	}
	e.metrics.RecordSagaExecution(string(StatusSucceeded))
	e.metrics.RecordSagaDuration(string(StatusSucceeded), time.Since(started))
	e.log.InfoContext(ctx, "saga succeeded",
		"saga_id", in.ID, "definition", def.ID, "steps", len(def.Steps))
	return in, nil
}

// runStep runs one step with per-attempt checkpointing and bounded retries
// on transient errors.
func (e *Engine) runStep(ctx context.Context, def *Definition, in *Instance, step Step, record *StepRecord) (any, error) {
	policy := step.Retry.normalized()
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = def.DefaultStepTimeout
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BackoffBase
	bo.MaxInterval = policy.BackoffCap
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := record.Attempt + 1; attempt <= policy.MaxAttempts; attempt++ {
		record.Status = StepRunning
		record.Attempt = attempt
		if record.StartedAt.IsZero() {
			record.StartedAt = time.Now().UTC()
		}
		in.UpdatedAt = time.Now().UTC()
		if err := e.store.SaveInstance(ctx, in); err != nil {
			return nil, err
		}

		stepCtx := &StepContext{
			SagaID:         in.ID,
			StepName:       step.Name,
			Attempt:        attempt,
			IdempotencyKey: IdempotencyKey(in.ID, step.Name, attempt),
			Input:          in.Input,
			Results:        in.Results(),
		}

		runCtx := ctx
		cancel := func() {}
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		result, err := e.callAction(runCtx, step, stepCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == policy.MaxAttempts {
			break
		}
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// callAction isolates action panics into errors so a misbehaving step
// cannot take down the engine.
func (e *Engine) callAction(ctx context.Context, step Step, stepCtx *StepContext) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step %s panicked: %v", step.Name, r)
		}
	}()
	return step.Action(ctx, stepCtx)
}

// compensate undoes succeeded steps in strict reverse order. Compensations
// that already completed (per the idempotency store) are skipped, so a
// resumed compensation never double-applies an undo.
func (e *Engine) compensate(ctx context.Context, def *Definition, in *Instance) error {
	started := time.Now()
	failure := errors.New(in.Failure)
	results := in.Results()

	for idx := in.CurrentStep; idx >= 0; idx-- {
		if idx >= len(def.Steps) {
			continue
		}
		step := def.Steps[idx]
		record := &in.Steps[idx]
		if record.Status != StepSucceeded {
			continue
		}
		if step.Compensation == nil {
			record.Status = StepCompensated
			continue
		}

		if err := e.compensateStep(ctx, def, in, step, record, failure, results); err != nil {
			if terr := in.Transition(StatusFailed); terr != nil {
				return terr
			}
			if serr := e.store.SaveInstance(ctx, in); serr != nil {
				return serr
			}
			e.metrics.RecordCompensation("failed")
			e.metrics.RecordSagaExecution(string(StatusFailed))
			e.recordAudit(ctx, audit.ActionSagaIncident, in, map[string]any{
				"step":         step.Name,
				"failed_step":  in.FailedStep,
				"failure":      in.Failure,
				"compensation": err.Error(),
			})
			e.log.ErrorContext(ctx, "saga compensation exhausted, operator intervention required",
				"saga_id", in.ID, "definition", def.ID, "step", step.Name, "error", err)
			return fmt.Errorf("compensation for step %s failed: %w", step.Name, err)
		}

		record.Status = StepCompensated
		record.CompletedAt = time.Now().UTC()
		in.CurrentStep = idx
		in.UpdatedAt = time.Now().UTC()
		if err := e.store.SaveInstance(ctx, in); err != nil {
			return err
		}
	}

	if err := in.Transition(StatusCompensated); err != nil {
		return err
	}
	if err := e.store.SaveInstance(ctx, in); err != nil {
		return err
	}
	e.metrics.RecordCompensation("compensated")
	e.metrics.RecordCompensationDuration(time.Since(started))
	e.recordAudit(ctx, audit.ActionSagaCompensation, in, map[string]any{
		"failed_step": in.FailedStep,
		"failure":     in.Failure,
	})
	e.log.InfoContext(ctx, "saga compensated",
		"saga_id", in.ID, "definition", def.ID, "failed_step", in.FailedStep)
	return nil
}

func (e *Engine) compensateStep(
	ctx context.Context,
	def *Definition,
	in *Instance,
	step Step,
	record *StepRecord,
	failure error,
	results map[string]any,
) error {
	key := compensationKey(in.ID, step.Name)
	if done, err := e.idem.Done(ctx, key); err != nil {
		return err
	} else if done {
		return nil
	}

	policy := def.CompensationRetry.normalized()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.BackoffBase
	bo.MaxInterval = policy.BackoffCap
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		compCtx := &CompensationContext{
			SagaID:         in.ID,
			StepName:       step.Name,
			Attempt:        attempt,
			IdempotencyKey: key,
			FailedStep:     in.FailedStep,
			Failure:        failure,
			Input:          in.Input,
			Result:         record.Result,
			AllResults:     results,
		}
		err := e.callCompensation(ctx, step, compCtx)
		if err == nil {
			return e.idem.MarkDone(ctx, key)
		}
		lastErr = err
		if attempt == policy.MaxAttempts {
			break
		}
		e.metrics.RecordCompensationRetry()
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (e *Engine) callCompensation(ctx context.Context, step Step, compCtx *CompensationContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("compensation for step %s panicked: %v", step.Name, r)
		}
	}()
	return step.Compensation(ctx, compCtx)
}

func (e *Engine) recordAudit(ctx context.Context, action string, in *Instance, details map[string]any) {
	event := audit.NewEvent("saga-engine", in.ID, action, in.TaskID, details)
	if err := e.audit.Record(ctx, event); err != nil {
		e.log.ErrorContext(ctx, "audit record failed", "action", action, "saga_id", in.ID, "error", err)
	}
}
