// Package router turns validated submissions into durable queue entries. It
// assigns the priority class (caller request clipped by catalog and tenant
// policy), enforces per-tenant quotas and low-priority backpressure, binds
// idempotency keys, and issues preemption signals after critical/high
// enqueues.
package router

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/logger"
	"github.com/taskmesh/taskmesh/pkg/metrics"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/registry"
	"github.com/taskmesh/taskmesh/pkg/results"
	"github.com/taskmesh/taskmesh/pkg/rpc"
	"github.com/taskmesh/taskmesh/pkg/task"
)

// Preempter is the slice of the worker pool the router drives: after a
// critical/high enqueue it may displace a lower-class claim.
type Preempter interface {
	Preempt(ctx context.Context, arriving task.PriorityClass, reason string) bool
}

// TenantPolicy bounds what one tenant may submit.
type TenantPolicy struct {
	// MaxPriority caps the class this tenant may request.
	MaxPriority task.PriorityClass `json:"max_priority"`
	// SubmitRate is the sustained submissions-per-second quota; zero means
	// unlimited.
	SubmitRate float64 `json:"submit_rate"`
	// Burst is the quota burst size.
	Burst int `json:"burst"`
}

// Config holds routing policy.
type Config struct {
	// RejectThreshold is the low-stream depth at which new low-priority
	// submissions are refused with backpressure.
	RejectThreshold int64
	// DefaultTaskTimeout fills in the deadline for tasks submitted without
	// one.
	DefaultTaskTimeout time.Duration
	// AppendRetries bounds enqueue retries before queue_unavailable is
	// surfaced to the caller.
	AppendRetries uint64
	// AppendBackoff is the initial enqueue retry delay.
	AppendBackoff time.Duration

	// DefaultTenant applies to tenants without an explicit policy.
	DefaultTenant TenantPolicy
	Tenants       map[string]TenantPolicy
}

func (c Config) withDefaults() Config {
	if c.RejectThreshold <= 0 {
		c.RejectThreshold = 1000
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 5 * time.Minute
	}
	if c.AppendRetries == 0 {
		c.AppendRetries = 3
	}
	if c.AppendBackoff <= 0 {
		c.AppendBackoff = 50 * time.Millisecond
	}
	if c.DefaultTenant.MaxPriority == "" {
		c.DefaultTenant.MaxPriority = task.PriorityHigh
	}
	return c
}

// Submission is an accepted-from-the-wire task candidate.
type Submission struct {
	TaskID         string
	Method         string
	Version        string
	Params         json.RawMessage
	Priority       string
	Deadline       time.Time
	TenantID       string
	SubmitterID    string
	CorrelationID  string
	IdempotencyKey string
}

// Accepted is the routing outcome returned to the transport.
type Accepted struct {
	TaskID     string             `json:"task_id"`
	EntryID    string             `json:"entry_id,omitempty"`
	Priority   task.PriorityClass `json:"priority_class"`
	Capability task.Capability    `json:"capability"`
	// Duplicate is true when the idempotency key was already bound; TaskID
	// then names the original task and no new entry was appended.
	Duplicate bool `json:"duplicate,omitempty"`
}

// Router classifies, enqueues, and preempts.
type Router struct {
	cfg      Config
	registry *registry.Registry
	queue    queue.Queue
	store    *results.Store
	audit    audit.Recorder
	log      logger.Logger
	metrics  *metrics.Manager

	mu       sync.Mutex
	pools    map[task.Capability]Preempter
	limiters map[string]*rate.Limiter
}

// New creates a router.
func New(
	cfg Config,
	reg *registry.Registry,
	q queue.Queue,
	store *results.Store,
	rec audit.Recorder,
	log logger.Logger,
	m *metrics.Manager,
) *Router {
	if rec == nil {
		rec = audit.NopRecorder{}
	}
	if log == nil {
		log = logger.Global()
	}
	if m == nil {
		m = metrics.NoOpManager()
	}
	return &Router{
		cfg:      cfg.withDefaults(),
		registry: reg,
		queue:    q,
		store:    store,
		audit:    rec,
		log:      log.With("component", "router"),
		metrics:  m,
		pools:    make(map[task.Capability]Preempter),
		limiters: make(map[string]*rate.Limiter),
	}
}

// RegisterPool attaches the preemption target for a capability.
func (r *Router) RegisterPool(capability task.Capability, p Preempter) {
	r.mu.Lock()
	r.pools[capability] = p
	r.mu.Unlock()
}

// Route validates, classifies, and durably enqueues one submission. On
// success the task is owned by the queue; the returned entry id orders it
// within its priority stream.
func (r *Router) Route(ctx context.Context, sub Submission) (*Accepted, *rpc.Error) {
	method, ok := r.registry.Lookup(sub.Method, sub.Version)
	if !ok {
		return nil, rpc.Errorf(rpc.CodeMethodNotFound, "method %q version %q not found", sub.Method, sub.Version)
	}

	params, rpcErr := r.registry.Validate(sub.Method, sub.Version, sub.Params)
	if rpcErr != nil {
		return nil, rpcErr
	}

	policy := r.tenantPolicy(sub.TenantID)
	if !r.allow(sub.TenantID, policy) {
		return nil, rpc.Errorf(rpc.CodeQuotaExceeded, "tenant %q submission quota exceeded", sub.TenantID)
	}

	class, clamped := classify(sub.Priority, method, policy)
	if clamped != "" {
		r.recordClamp(ctx, sub, clamped, class)
	}

	now := time.Now().UTC()
	deadline := sub.Deadline
	if deadline.IsZero() {
		deadline = now.Add(r.cfg.DefaultTaskTimeout)
	}
	if deadline.Before(now) {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "deadline precedes submission time")
	}

	taskID := sub.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}
	correlationID := sub.CorrelationID
	if correlationID == "" {
		correlationID = taskID
	}

	if sub.IdempotencyKey != "" && r.store != nil {
		bound, created, err := r.store.BindIdempotencyKey(ctx, sub.IdempotencyKey, taskID)
		if err != nil {
			return nil, rpc.NewError(rpc.CodeInternal, "idempotency key binding failed").
				WithData("detail", err.Error())
		}
		if !created {
			return &Accepted{TaskID: bound, Priority: class, Capability: method.Capability, Duplicate: true}, nil
		}
	}

	stream := queue.StreamName(method.Capability, class)
	if class == task.PriorityLow {
		if rpcErr := r.checkBackpressure(ctx, stream); rpcErr != nil {
			return nil, rpcErr
		}
	}

	t := task.Task{
		ID:            taskID,
		Method:        method.Name,
		Version:       method.Version,
		Params:        params,
		Priority:      class,
		Capability:    method.Capability,
		TenantID:      sub.TenantID,
		SubmitterID:   sub.SubmitterID,
		CorrelationID: correlationID,
		SubmittedAt:   now,
		Deadline:      deadline,
		Attempt:       1,
	}
	if err := t.Validate(); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, err.Error())
	}

	entryID, err := r.append(ctx, stream, t)
	if err != nil {
		r.metrics.RecordQueueOutage()
		return nil, rpc.NewError(rpc.CodeQueueUnavailable, "durable enqueue failed").
			WithData("detail", err.Error())
	}

	r.registry.Acquire(method.Name, method.Version)
	r.metrics.RecordTaskSubmitted(method.Name, string(class), sub.TenantID)
	r.log.InfoContext(ctx, "task routed",
		"task_id", t.ID, "method", method.Name, "priority", class,
		"capability", method.Capability, "entry_id", entryID)

	if class.PreemptionEligible() {
		r.maybePreempt(ctx, method.Capability, class)
	}

	return &Accepted{
		TaskID:     t.ID,
		EntryID:    entryID,
		Priority:   class,
		Capability: method.Capability,
	}, nil
}

// classify derives the effective class: the caller's request, clipped first
// to the catalog max and then to the tenant policy max. The second return is
// the requested class when clipping occurred, empty otherwise.
func classify(requested string, method *registry.Method, policy TenantPolicy) (task.PriorityClass, task.PriorityClass) {
	class := method.DefaultPriority
	if requested != "" {
		parsed, err := task.ParsePriorityClass(requested)
		if err == nil {
			class = parsed
		}
	}

	asked := class
	if class.Outranks(method.MaxPriority) {
		class = method.MaxPriority
	}
	if policy.MaxPriority != "" && class.Outranks(policy.MaxPriority) {
		class = policy.MaxPriority
	}
	if class != asked {
		return class, asked
	}
	return class, ""
}

func (r *Router) tenantPolicy(tenantID string) TenantPolicy {
	if p, ok := r.cfg.Tenants[tenantID]; ok {
		return p
	}
	return r.cfg.DefaultTenant
}

// allow applies the tenant's token-bucket submission quota.
func (r *Router) allow(tenantID string, policy TenantPolicy) bool {
	if policy.SubmitRate <= 0 {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[tenantID]
	if !ok {
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(policy.SubmitRate), burst)
		r.limiters[tenantID] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

func (r *Router) checkBackpressure(ctx context.Context, stream string) *rpc.Error {
	depth, err := r.queue.Len(ctx, stream)
	if err != nil {
		// Depth unknown: admit rather than spuriously reject.
		r.log.WarnContext(ctx, "backpressure depth check failed", "stream", stream, "error", err)
		return nil
	}
	if depth >= r.cfg.RejectThreshold {
		return rpc.Errorf(rpc.CodeBackpressure, "queue depth %d at reject threshold %d", depth, r.cfg.RejectThreshold).
			WithData("stream", stream)
	}
	return nil
}

func (r *Router) append(ctx context.Context, stream string, t task.Task) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.AppendBackoff
	bo.MaxElapsedTime = 0

	var entryID string
	op := func() error {
		id, err := r.queue.Append(ctx, stream, t)
		if err != nil {
			return err
		}
		entryID = id
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, r.cfg.AppendRetries), ctx))
	return entryID, err
}

func (r *Router) maybePreempt(ctx context.Context, capability task.Capability, class task.PriorityClass) {
	r.mu.Lock()
	p, ok := r.pools[capability]
	r.mu.Unlock()
	if !ok {
		return
	}
	if p.Preempt(ctx, class, string(class)) {
		r.log.InfoContext(ctx, "preemption issued", "capability", capability, "arriving_class", class)
	}
}

func (r *Router) recordClamp(ctx context.Context, sub Submission, requested, effective task.PriorityClass) {
	event := audit.NewEvent(sub.SubmitterID, sub.TaskID, audit.ActionPriorityClamp, sub.CorrelationID, map[string]any{
		"tenant_id": sub.TenantID,
		"requested": requested,
		"effective": effective,
	})
	if err := r.audit.Record(ctx, event); err != nil {
		r.log.ErrorContext(ctx, "audit record failed", "action", audit.ActionPriorityClamp, "error", err)
	}
	r.log.WarnContext(ctx, "requested priority clamped",
		"tenant_id", sub.TenantID, "requested", requested, "effective", effective)
}
