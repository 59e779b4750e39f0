// Package controlplane exposes the orchestrator's JSON-RPC method surface:
// task submission, saga execution, status and analytics queries, operator
// controls, and the remote worker protocol. Every method is registered on a
// single rpc.Mux and shares one per-method authorization policy.
package controlplane

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/logger"
	"github.com/taskmesh/taskmesh/pkg/metrics"
	"github.com/taskmesh/taskmesh/pkg/pool"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/recovery"
	"github.com/taskmesh/taskmesh/pkg/registry"
	"github.com/taskmesh/taskmesh/pkg/results"
	"github.com/taskmesh/taskmesh/pkg/router"
	"github.com/taskmesh/taskmesh/pkg/rpc"
	"github.com/taskmesh/taskmesh/pkg/saga"
	"github.com/taskmesh/taskmesh/pkg/task"
)

// Role is the authorization level of an authenticated caller.
type Role string

const (
	// RoleSubmitter may submit tasks and read status.
	RoleSubmitter Role = "submitter"
	// RoleWorker may additionally drive the worker protocol.
	RoleWorker Role = "worker"
	// RoleOperator may additionally invoke control.* and audit.* methods.
	RoleOperator Role = "operator"
)

func (r Role) rank() int {
	switch r {
	case RoleOperator:
		return 3
	case RoleWorker:
		return 2
	case RoleSubmitter:
		return 1
	}
	return 0
}

// Allows reports whether the role satisfies the required level.
func (r Role) Allows(required Role) bool {
	return r.rank() >= required.rank()
}

// ParseRole validates a role string from configuration or a token table.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleSubmitter, RoleWorker, RoleOperator:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Identity is the authenticated caller placed in the request context by
// transport middleware.
type Identity struct {
	Subject  string
	TenantID string
	Role     Role
}

type identityKey struct{}

// WithIdentity attaches a caller identity to the context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom extracts the caller identity, if present.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Config tunes the control plane.
type Config struct {
	// AuthEnabled turns per-method authorization on. When off, every
	// caller is treated as an operator.
	AuthEnabled bool
	// AnalyticsWindow bounds how many terminal results the analytics
	// ring retains.
	AnalyticsCapacity int
}

func (c Config) withDefaults() Config {
	if c.AnalyticsCapacity <= 0 {
		c.AnalyticsCapacity = 4096
	}
	return c
}

// Service implements the control-plane method handlers.
type Service struct {
	cfg        Config
	router     *router.Router
	registry   *registry.Registry
	queue      queue.Queue
	store      *results.Store
	pub        *results.Publisher
	sagas      *saga.Engine
	supervisor *recovery.Supervisor
	auditLog   *audit.BadgerLog
	rec        audit.Recorder
	log        logger.Logger
	metrics    *metrics.Manager

	mu    sync.RWMutex
	pools map[task.Capability]*pool.Pool

	analytics *analyticsRing
	claims    *claimTable
}

// New creates the control-plane service. The supervisor and auditLog may be
// nil; the corresponding methods then report the backend as unavailable.
func New(
	cfg Config,
	rt *router.Router,
	reg *registry.Registry,
	q queue.Queue,
	store *results.Store,
	pub *results.Publisher,
	sagas *saga.Engine,
	supervisor *recovery.Supervisor,
	auditLog *audit.BadgerLog,
	rec audit.Recorder,
	log logger.Logger,
	m *metrics.Manager,
) *Service {
	cfg = cfg.withDefaults()
	if rec == nil {
		rec = audit.NopRecorder{}
	}
	if log == nil {
		log = logger.Global()
	}
	if m == nil {
		m = metrics.NoOpManager()
	}
	return &Service{
		cfg:        cfg,
		router:     rt,
		registry:   reg,
		queue:      q,
		store:      store,
		pub:        pub,
		sagas:      sagas,
		supervisor: supervisor,
		auditLog:   auditLog,
		rec:        rec,
		log:        log,
		metrics:    m,
		pools:      make(map[task.Capability]*pool.Pool),
		analytics:  newAnalyticsRing(cfg.AnalyticsCapacity),
		claims:     newClaimTable(),
	}
}

// RegisterPool makes a worker pool visible to control and status methods.
func (s *Service) RegisterPool(p *pool.Pool) {
	s.mu.Lock()
	s.pools[p.Capability()] = p
	s.mu.Unlock()
}

func (s *Service) pool(capability task.Capability) (*pool.Pool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[capability]
	return p, ok
}

func (s *Service) poolList() []*pool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*pool.Pool, 0, len(s.pools))
	for _, capability := range task.Capabilities {
		if p, ok := s.pools[capability]; ok {
			out = append(out, p)
		}
	}
	return out
}

// ResultSink returns the sink the result publisher should broadcast to so
// analytics sees every terminal transition.
func (s *Service) ResultSink() results.EventSink {
	return s.analytics
}

// Register installs every control-plane method on the mux.
func (s *Service) Register(mux *rpc.Mux) {
	mux.Handle("run_task", s.handleRunTask)
	mux.Handle("run_saga", s.handleRunSaga)
	mux.Handle("run_reasoning", s.directSubmit("run_reasoning"))
	mux.Handle("run_codegen", s.directSubmit("run_codegen"))
	mux.Handle("run_ml", s.directSubmit("run_ml"))
	mux.Handle("run_sandbox", s.directSubmit("run_sandbox"))
	mux.Handle("status", s.handleStatus)
	mux.Handle("analytics", s.handleAnalytics)
	mux.Handle("control.scale", s.handleScale)
	mux.Handle("control.pause", s.handlePause)
	mux.Handle("control.resume", s.handleResume)
	mux.Handle("control.reclaim", s.handleReclaim)
	mux.Handle("control.dlq_list", s.handleDLQList)
	mux.Handle("control.dlq_replay", s.handleDLQReplay)
	mux.Handle("inject.task", s.handleInject)
	mux.Handle("audit.list", s.handleAuditList)
	mux.Handle("audit.verify", s.handleAuditVerify)
	mux.Handle("worker.claim", s.handleWorkerClaim)
	mux.Handle("worker.heartbeat", s.handleWorkerHeartbeat)
	mux.Handle("worker.ack", s.handleWorkerAck)
	mux.Handle("worker.requeue", s.handleWorkerRequeue)
	mux.Handle("worker.checkpoint", s.handleWorkerCheckpoint)
}

// Authorize implements rpc.Authorizer with the per-method role policy.
func (s *Service) Authorize(ctx context.Context, method string) *rpc.Error {
	if !s.cfg.AuthEnabled {
		return nil
	}
	id, ok := IdentityFrom(ctx)
	if !ok {
		return rpc.NewError(rpc.CodeUnauthorized, "missing credentials")
	}
	required := requiredRole(method)
	if !id.Role.Allows(required) {
		s.recordAudit(ctx, id.Subject, method, audit.ActionAuthDenied, map[string]any{
			"role": string(id.Role), "required": string(required),
		})
		return rpc.Errorf(rpc.CodeUnauthorized, "role %s may not call %s", id.Role, method)
	}
	return nil
}

// requiredRole maps a method name to the minimum role allowed to call it.
func requiredRole(method string) Role {
	switch {
	case strings.HasPrefix(method, "control."),
		strings.HasPrefix(method, "inject."),
		strings.HasPrefix(method, "audit."):
		return RoleOperator
	case strings.HasPrefix(method, "worker."):
		return RoleWorker
	default:
		return RoleSubmitter
	}
}

func (s *Service) recordAudit(ctx context.Context, actor, subject, action string, details map[string]any) {
	if actor == "" {
		actor = "anonymous"
	}
	event := audit.NewEvent(actor, subject, action, "", details)
	if err := s.rec.Record(ctx, event); err != nil {
		s.log.WarnContext(ctx, "audit record failed", "action", action, "error", err)
	}
}

func callerSubject(ctx context.Context) string {
	if id, ok := IdentityFrom(ctx); ok {
		return id.Subject
	}
	return "anonymous"
}
