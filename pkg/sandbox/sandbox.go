// Package sandbox launches isolated executors for untrusted code. Policy is
// deny-by-default: no network, read-only rootfs with a bounded tmpfs, all
// capabilities dropped, hard resource limits, and a wall-clock deadline that
// a job cannot outlive by more than the shutdown grace.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/logger"
	"github.com/taskmesh/taskmesh/pkg/metrics"
	"github.com/taskmesh/taskmesh/pkg/pool"
	"github.com/taskmesh/taskmesh/pkg/registry"
	"github.com/taskmesh/taskmesh/pkg/rpc"
)

// Limits are the enforced resource bounds for one job.
type Limits struct {
	CPUCores    float64       `json:"cpu_cores"`
	MemoryBytes int64         `json:"memory_bytes"`
	Wallclock   time.Duration `json:"wallclock"`
	Pids        int64         `json:"pids"`
	TmpfsBytes  int64         `json:"tmpfs_bytes"`
	// OutputBytesCap bounds collected stdout+stderr; excess is truncated.
	OutputBytesCap int64 `json:"output_bytes_cap"`
}

// Job is one sandbox launch request.
type Job struct {
	ID            string            `json:"job_id"`
	TaskID        string            `json:"task_id"`
	Image         string            `json:"image"`
	Cmd           []string          `json:"cmd"`
	Env           map[string]string `json:"env,omitempty"`
	Limits        Limits            `json:"limits"`
	// NetworkAllowed is set by the manager only after the requested egress
	// allowlist passed policy; the backend otherwise disables networking.
	NetworkAllowed bool     `json:"network_allowed"`
	Allowlist      []string `json:"allowlist,omitempty"`
}

// RunResult is the collected outcome of one finished sandbox.
type RunResult struct {
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Truncated bool          `json:"truncated,omitempty"`
	Runtime   time.Duration `json:"runtime"`
}

// ErrWallclock is returned by backends when the job was terminated on
// wall-clock expiry.
var ErrWallclock = errors.New("sandbox wall-clock expired")

// Backend starts and supervises one isolated executor. Implementations must
// terminate the job when ctx is cancelled and must never outlive ctx by more
// than the configured grace.
type Backend interface {
	Run(ctx context.Context, job Job) (*RunResult, error)
	Close() error
}

// Config holds sandbox policy.
type Config struct {
	// ImageAllowlist is the set of launchable images. Empty denies all.
	ImageAllowlist []string
	// EgressAllowlist is the set of host:port destinations a job may
	// request. Anything else is denied and audited.
	EgressAllowlist []string
	// Grace is the shutdown window after wall-clock expiry.
	Grace time.Duration
	// Defaults fill unset per-job limits.
	Defaults Limits
}

func (c Config) withDefaults() Config {
	if c.Grace <= 0 {
		c.Grace = 2 * time.Second
	}
	if c.Defaults.CPUCores <= 0 {
		c.Defaults.CPUCores = 1
	}
	if c.Defaults.MemoryBytes <= 0 {
		c.Defaults.MemoryBytes = 512 << 20
	}
	if c.Defaults.Wallclock <= 0 {
		c.Defaults.Wallclock = 2 * time.Minute
	}
	if c.Defaults.Pids <= 0 {
		c.Defaults.Pids = 256
	}
	if c.Defaults.TmpfsBytes <= 0 {
		c.Defaults.TmpfsBytes = 64 << 20
	}
	if c.Defaults.OutputBytesCap <= 0 {
		c.Defaults.OutputBytesCap = 1 << 20
	}
	return c
}

// Manager enforces policy around a backend and runs sandbox jobs.
type Manager struct {
	cfg     Config
	backend Backend
	audit   audit.Recorder
	log     logger.Logger
	metrics *metrics.Manager
}

// NewManager creates a sandbox manager over a backend.
func NewManager(cfg Config, backend Backend, rec audit.Recorder, log logger.Logger, m *metrics.Manager) *Manager {
	if rec == nil {
		rec = audit.NopRecorder{}
	}
	if log == nil {
		log = logger.Global()
	}
	if m == nil {
		m = metrics.NoOpManager()
	}
	return &Manager{
		cfg:     cfg.withDefaults(),
		backend: backend,
		audit:   rec,
		log:     log.With("component", "sandbox"),
		metrics: m,
	}
}

// Handler returns the worker-pool handler that executes run_sandbox tasks.
func (mgr *Manager) Handler() pool.Handler {
	return func(ctx context.Context, job *pool.Job) (json.RawMessage, error) {
		var params registry.SandboxParams
		if err := json.Unmarshal(job.Task.Params, &params); err != nil {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "sandbox params are not decodable").
				WithData("detail", err.Error())
		}
		result, rpcErr := mgr.Run(ctx, job.Task.ID, job.Task.CorrelationID, params)
		if rpcErr != nil {
			return nil, rpcErr
		}
		return json.Marshal(result)
	}
}

// Run enforces policy and executes one sandbox job to completion.
func (mgr *Manager) Run(ctx context.Context, taskID, correlationID string, params registry.SandboxParams) (*RunResult, *rpc.Error) {
	job := Job{
		ID:     uuid.NewString(),
		TaskID: taskID,
		Image:  params.Image,
		Cmd:    params.Cmd,
		Env:    params.Env,
		Limits: mgr.effectiveLimits(params.Limits),
	}

	if !mgr.imageAllowed(params.Image) {
		mgr.violation(ctx, job, correlationID, "image_not_allowlisted", map[string]any{"image": params.Image})
		return nil, rpc.Errorf(rpc.CodeSandboxPolicyViolation, "image %q is not allowlisted", params.Image)
	}

	if params.Network == "allowlist" {
		if denied := mgr.deniedEgress(params.Allowlist); len(denied) > 0 {
			event := audit.NewEvent("sandbox-manager", job.ID, audit.ActionSandboxEgressDeny, correlationID, map[string]any{
				"task_id": taskID,
				"denied":  denied,
			})
			if err := mgr.audit.Record(ctx, event); err != nil {
				mgr.log.ErrorContext(ctx, "audit record failed", "action", audit.ActionSandboxEgressDeny, "error", err)
			}
			mgr.metrics.RecordSandboxViolation()
			return nil, rpc.NewError(rpc.CodeSandboxPolicyViolation, "requested egress destinations are not whitelisted").
				WithData("denied", denied)
		}
		job.NetworkAllowed = true
		job.Allowlist = params.Allowlist
	}

	runCtx, cancel := context.WithTimeout(ctx, job.Limits.Wallclock+mgr.cfg.Grace)
	defer cancel()

	mgr.metrics.IncActiveSandboxes()
	defer mgr.metrics.DecActiveSandboxes()
	start := time.Now()
	result, err := mgr.backend.Run(runCtx, job)
	runtime := time.Since(start)
	mgr.metrics.RecordSandboxRuntime(runtime)

	switch {
	case err == nil:
		mgr.metrics.RecordSandboxOutcome("ok")
		mgr.log.InfoContext(ctx, "sandbox finished",
			"job_id", job.ID, "task_id", taskID, "exit_code", result.ExitCode, "runtime", runtime)
		return result, nil

	case isWallclock(err):
		mgr.metrics.RecordSandboxOutcome("timeout")
		event := audit.NewEvent("sandbox-manager", job.ID, audit.ActionSandboxTimeout, correlationID, map[string]any{
			"task_id":   taskID,
			"wallclock": job.Limits.Wallclock.String(),
			"runtime":   runtime.String(),
		})
		if aerr := mgr.audit.Record(ctx, event); aerr != nil {
			mgr.log.ErrorContext(ctx, "audit record failed", "action", audit.ActionSandboxTimeout, "error", aerr)
		}
		return nil, rpc.Errorf(rpc.CodeSandboxTimeout, "sandbox exceeded wall-clock limit %s", job.Limits.Wallclock)

	default:
		mgr.metrics.RecordSandboxOutcome("error")
		mgr.log.ErrorContext(ctx, "sandbox failed", "job_id", job.ID, "task_id", taskID, "error", err)
		return nil, rpc.NewError(rpc.CodeWorkerFailed, "sandbox execution failed").
			WithData("detail", err.Error())
	}
}

func (mgr *Manager) effectiveLimits(requested registry.SandboxLimits) Limits {
	limits := mgr.cfg.Defaults
	if requested.CPUCores > 0 && requested.CPUCores < limits.CPUCores {
		limits.CPUCores = requested.CPUCores
	}
	if requested.MemoryBytes > 0 && requested.MemoryBytes < limits.MemoryBytes {
		limits.MemoryBytes = requested.MemoryBytes
	}
	if requested.WallclockSeconds > 0 {
		w := time.Duration(requested.WallclockSeconds) * time.Second
		if w < limits.Wallclock {
			limits.Wallclock = w
		}
	}
	if requested.Pids > 0 && requested.Pids < limits.Pids {
		limits.Pids = requested.Pids
	}
	if requested.TmpfsBytes > 0 && requested.TmpfsBytes < limits.TmpfsBytes {
		limits.TmpfsBytes = requested.TmpfsBytes
	}
	if requested.OutputBytesCap > 0 && requested.OutputBytesCap < limits.OutputBytesCap {
		limits.OutputBytesCap = requested.OutputBytesCap
	}
	return limits
}

func (mgr *Manager) imageAllowed(image string) bool {
	for _, allowed := range mgr.cfg.ImageAllowlist {
		if image == allowed {
			return true
		}
	}
	return false
}

func (mgr *Manager) deniedEgress(requested []string) []string {
	allowed := make(map[string]bool, len(mgr.cfg.EgressAllowlist))
	for _, dest := range mgr.cfg.EgressAllowlist {
		allowed[dest] = true
	}
	var denied []string
	for _, dest := range requested {
		if !allowed[dest] {
			denied = append(denied, dest)
		}
	}
	return denied
}

func (mgr *Manager) violation(ctx context.Context, job Job, correlationID, reason string, details map[string]any) {
	mgr.metrics.RecordSandboxViolation()
	if details == nil {
		details = map[string]any{}
	}
	details["task_id"] = job.TaskID
	details["reason"] = reason
	event := audit.NewEvent("sandbox-manager", job.ID, audit.ActionPolicyViolation, correlationID, details)
	if err := mgr.audit.Record(ctx, event); err != nil {
		mgr.log.ErrorContext(ctx, "audit record failed", "action", audit.ActionPolicyViolation, "error", err)
	}
	mgr.log.WarnContext(ctx, "sandbox policy violation", "job_id", job.ID, "reason", reason)
}

func isWallclock(err error) bool {
	return errors.Is(err, ErrWallclock) || errors.Is(err, context.DeadlineExceeded)
}

// Close releases the backend.
func (mgr *Manager) Close() error {
	return mgr.backend.Close()
}
