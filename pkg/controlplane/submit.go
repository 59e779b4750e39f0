package controlplane

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/registry"
	"github.com/taskmesh/taskmesh/pkg/router"
	"github.com/taskmesh/taskmesh/pkg/rpc"
	"github.com/taskmesh/taskmesh/pkg/saga"
	"github.com/taskmesh/taskmesh/pkg/task"
)

// runTaskParams is the generic submission envelope.
type runTaskParams struct {
	Method         string          `json:"method"`
	Version        string          `json:"version,omitempty"`
	Params         json.RawMessage `json:"params"`
	Priority       string          `json:"priority,omitempty"`
	DeadlineMS     int64           `json:"deadline_ms,omitempty"`
	TenantID       string          `json:"tenant_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

// acceptedResult is the immediate response to an asynchronous submission.
type acceptedResult struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status"`
	Priority  string `json:"priority"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (s *Service) handleRunTask(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p runTaskParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	if p.Method == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "method is required")
	}
	return s.submit(ctx, p)
}

// directSubmit adapts a registered task method to its own JSON-RPC method
// name; the params payload is the method schema itself and the priority is
// read from it.
func (s *Service) directSubmit(method string) rpc.HandlerFunc {
	return func(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
		var envelope struct {
			Priority string `json:"priority,omitempty"`
		}
		// Priority rides inside the schema; other envelope fields take
		// method defaults.
		_ = json.Unmarshal(req.Params, &envelope)
		return s.submit(ctx, runTaskParams{
			Method:   method,
			Params:   req.Params,
			Priority: envelope.Priority,
		})
	}
}

func (s *Service) submit(ctx context.Context, p runTaskParams) (any, *rpc.Error) {
	id, _ := IdentityFrom(ctx)
	tenantID := p.TenantID
	if tenantID == "" {
		tenantID = id.TenantID
	}

	var deadline time.Time
	if p.DeadlineMS > 0 {
		deadline = time.Now().Add(time.Duration(p.DeadlineMS) * time.Millisecond)
	}

	accepted, rpcErr := s.router.Route(ctx, router.Submission{
		Method:         p.Method,
		Version:        p.Version,
		Params:         p.Params,
		Priority:       p.Priority,
		Deadline:       deadline,
		TenantID:       tenantID,
		SubmitterID:    id.Subject,
		CorrelationID:  p.CorrelationID,
		IdempotencyKey: p.IdempotencyKey,
	})
	if rpcErr != nil {
		return nil, rpcErr
	}
	return acceptedResult{
		TaskID:    accepted.TaskID,
		Status:    "accepted",
		Priority:  string(accepted.Priority),
		Duplicate: accepted.Duplicate,
	}, nil
}

func (s *Service) handleRunSaga(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	if s.sagas == nil {
		return nil, rpc.NewError(rpc.CodeInternal, "saga engine unavailable")
	}
	var p registry.SagaParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	if p.Definition == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "definition is required")
	}
	if _, ok := s.sagas.Definition(p.Definition); !ok {
		return nil, rpc.Errorf(rpc.CodeMethodNotFound, "saga definition %q not registered", p.Definition)
	}

	sagaID := uuid.NewString()
	go s.runSaga(sagaID, p.Definition, p.Input)

	return acceptedResult{TaskID: sagaID, Status: "accepted", Priority: p.Priority}, nil
}

// runSaga drives one saga to a terminal state and publishes its outcome as
// the task result keyed by the saga ID.
func (s *Service) runSaga(sagaID, defID string, input map[string]any) {
	ctx := context.Background()
	in, err := s.sagas.ExecuteWithID(ctx, sagaID, defID, input)

	result := task.Result{
		TaskID:      sagaID,
		Attempt:     1,
		CompletedAt: time.Now().UTC(),
	}
	switch {
	case in != nil && in.Status == saga.StatusSucceeded:
		result.Status = task.StatusOK
		if payload, merr := json.Marshal(in.Results()); merr == nil {
			result.Payload = payload
		}
	case in != nil && in.Status == saga.StatusCompensated:
		result.Status = task.StatusCompensated
		result.ErrorCode = rpc.CodeWorkerFailed
		result.ErrorMsg = in.Failure
	default:
		result.Status = task.StatusError
		result.ErrorCode = rpc.CodeSagaCompensationFailed
		if err != nil {
			result.ErrorMsg = err.Error()
		} else if in != nil {
			result.ErrorMsg = in.Failure
		}
	}

	if _, perr := s.pub.Publish(ctx, result); perr != nil {
		s.log.Error("saga result publish failed", "saga_id", sagaID, "error", perr)
	}
}

// injectParams is an operator-submitted task. The tenant clamp is bypassed;
// only the method catalog's ceiling applies.
type injectParams struct {
	Method        string          `json:"method"`
	Version       string          `json:"version,omitempty"`
	Params        json.RawMessage `json:"params"`
	Priority      string          `json:"priority,omitempty"`
	DeadlineMS    int64           `json:"deadline_ms,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (s *Service) handleInject(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p injectParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	if p.Method == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "method is required")
	}

	method, ok := s.registry.Lookup(p.Method, p.Version)
	if !ok {
		return nil, rpc.Errorf(rpc.CodeMethodNotFound, "method %q not registered", p.Method)
	}
	sanitized, rpcErr := s.registry.Validate(p.Method, p.Version, p.Params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	class := method.DefaultPriority
	if p.Priority != "" {
		parsed, err := task.ParsePriorityClass(p.Priority)
		if err != nil {
			return nil, rpc.NewError(rpc.CodeInvalidParams, err.Error())
		}
		class = parsed
	}
	if class.Outranks(method.MaxPriority) {
		class = method.MaxPriority
	}

	deadline := time.Now().Add(5 * time.Minute)
	if p.DeadlineMS > 0 {
		deadline = time.Now().Add(time.Duration(p.DeadlineMS) * time.Millisecond)
	}

	taskID := uuid.NewString()
	correlationID := p.CorrelationID
	if correlationID == "" {
		correlationID = taskID
	}
	t := task.Task{
		ID:            taskID,
		Method:        method.Name,
		Version:       method.Version,
		Params:        sanitized,
		Priority:      class,
		Capability:    method.Capability,
		TenantID:      "operator",
		SubmitterID:   callerSubject(ctx),
		CorrelationID: correlationID,
		SubmittedAt:   time.Now().UTC(),
		Deadline:      deadline,
		Attempt:       1,
	}
	if err := t.Validate(); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, err.Error())
	}

	stream := queue.StreamName(method.Capability, class)
	entryID, err := s.queue.Append(ctx, stream, t)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeQueueUnavailable, "queue write failed")
	}

	s.metrics.RecordTaskSubmitted(method.Name, string(class), "operator")
	s.recordAudit(ctx, callerSubject(ctx), taskID, audit.ActionOperatorInject, map[string]any{
		"method": method.Name, "priority": string(class), "entry_id": entryID,
	})
	return acceptedResult{TaskID: taskID, Status: "accepted", Priority: string(class)}, nil
}
