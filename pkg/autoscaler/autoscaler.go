// Package autoscaler sizes the worker pools from sampled load signals. A
// deterministic, hysteresis-bounded policy evaluates each pool every sampling
// interval; scale actions are rate limited per pool by a cooldown.
package autoscaler

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/logger"
	"github.com/taskmesh/taskmesh/pkg/metrics"
	"github.com/taskmesh/taskmesh/pkg/pool"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/task"
)

// Policy is the per-pool scaling policy.
type Policy struct {
	// UpThreshold is the utilization above which the pool grows, provided
	// preemption-eligible work is queued.
	UpThreshold float64
	// DownThreshold is the utilization below which the pool shrinks,
	// provided all of its streams are drained.
	DownThreshold float64
	// K is the number of consecutive over-threshold windows before scaling
	// up; KDown the under-threshold windows before scaling down.
	K     int
	KDown int
	// Cooldown rate-limits scale actions per pool.
	Cooldown time.Duration
	// Step is the worker delta per action.
	Step int
}

func (p Policy) withDefaults() Policy {
	if p.UpThreshold <= 0 {
		p.UpThreshold = 0.75
	}
	if p.DownThreshold <= 0 {
		p.DownThreshold = 0.30
	}
	if p.K <= 0 {
		p.K = 3
	}
	if p.KDown <= 0 {
		p.KDown = 5
	}
	if p.Cooldown <= 0 {
		p.Cooldown = 60 * time.Second
	}
	if p.Step <= 0 {
		p.Step = 1
	}
	return p
}

// Config holds the sampling cadence and per-capability policies.
type Config struct {
	Interval time.Duration
	Default  Policy
	Policies map[task.Capability]Policy
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	c.Default = c.Default.withDefaults()
	return c
}

// ScalablePool is the slice of the worker pool the autoscaler drives.
type ScalablePool interface {
	Capability() task.Capability
	Stats() pool.Stats
	Size() int
	Resize(ctx context.Context, target int) int
}

// poolState tracks the hysteresis windows for one pool.
type poolState struct {
	overStreak   int
	underStreak  int
	lastActionAt time.Time
}

// Autoscaler drives pool sizes from sampled signals.
type Autoscaler struct {
	cfg     Config
	queue   queue.Queue
	audit   audit.Recorder
	log     logger.Logger
	metrics *metrics.Manager

	mu     sync.Mutex
	pools  map[task.Capability]ScalablePool
	states map[task.Capability]*poolState

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates an autoscaler over the given pools.
func New(
	cfg Config,
	q queue.Queue,
	pools []ScalablePool,
	rec audit.Recorder,
	log logger.Logger,
	m *metrics.Manager,
) *Autoscaler {
	if rec == nil {
		rec = audit.NopRecorder{}
	}
	if log == nil {
		log = logger.Global()
	}
	if m == nil {
		m = metrics.NoOpManager()
	}
	a := &Autoscaler{
		cfg:     cfg.withDefaults(),
		queue:   q,
		audit:   rec,
		log:     log.With("component", "autoscaler"),
		metrics: m,
		pools:   make(map[task.Capability]ScalablePool),
		states:  make(map[task.Capability]*poolState),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, p := range pools {
		a.pools[p.Capability()] = p
		a.states[p.Capability()] = &poolState{}
	}
	return a
}

func (a *Autoscaler) policyFor(capability task.Capability) Policy {
	if p, ok := a.cfg.Policies[capability]; ok {
		return p.withDefaults()
	}
	return a.cfg.Default
}

// Start runs the sampling loop until Stop or context cancellation.
func (a *Autoscaler) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(a.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-a.stopCh:
				return
			case <-ticker.C:
				a.Evaluate(ctx)
			}
		}
	}()
}

// Stop halts the sampling loop.
func (a *Autoscaler) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.done
}

// Evaluate samples every pool once and applies the scaling policy. Exposed
// for deterministic tests and the control plane's manual trigger.
func (a *Autoscaler) Evaluate(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for capability, p := range a.pools {
		a.evaluatePool(ctx, capability, p)
	}
}

func (a *Autoscaler) evaluatePool(ctx context.Context, capability task.Capability, p ScalablePool) {
	policy := a.policyFor(capability)
	state := a.states[capability]
	stats := p.Stats()

	urgentDepth, totalDepth := a.sampleDepth(ctx, capability)

	over := urgentDepth > 0 && stats.Utilization > policy.UpThreshold
	under := totalDepth == 0 && stats.Utilization < policy.DownThreshold

	if over {
		state.overStreak++
	} else {
		state.overStreak = 0
	}
	if under {
		state.underStreak++
	} else {
		state.underStreak = 0
	}

	now := time.Now()
	if now.Sub(state.lastActionAt) < policy.Cooldown {
		return
	}

	switch {
	case state.overStreak >= policy.K && stats.Current < stats.Max:
		a.scale(ctx, capability, p, stats.Current+policy.Step, "up", stats.Utilization)
		state.overStreak = 0
		state.lastActionAt = now
	case state.underStreak >= policy.KDown && stats.Current > stats.Min:
		a.scale(ctx, capability, p, stats.Current-policy.Step, "down", stats.Utilization)
		state.underStreak = 0
		state.lastActionAt = now
	}
}

// sampleDepth returns the critical+high depth and the total depth across the
// capability's streams, also exporting the per-stream depth gauges.
func (a *Autoscaler) sampleDepth(ctx context.Context, capability task.Capability) (int64, int64) {
	var urgent, total int64
	for _, class := range task.PriorityClasses {
		stream := queue.StreamName(capability, class)
		depth, err := a.queue.Len(ctx, stream)
		if err != nil {
			a.log.WarnContext(ctx, "depth sample failed", "stream", stream, "error", err)
			continue
		}
		a.metrics.SetQueueDepth(string(capability), string(class), float64(depth))
		total += depth
		if class.PreemptionEligible() {
			urgent += depth
		}
	}
	return urgent, total
}

func (a *Autoscaler) scale(ctx context.Context, capability task.Capability, p ScalablePool, target int, direction string, utilization float64) {
	before := p.Size()
	after := p.Resize(ctx, target)
	if after == before {
		return
	}

	a.metrics.RecordScaleAction(string(capability), direction)
	event := audit.NewEvent("autoscaler", string(capability), audit.ActionScale, "", map[string]any{
		"direction":   direction,
		"from":        before,
		"to":          after,
		"utilization": utilization,
	})
	if err := a.audit.Record(ctx, event); err != nil {
		a.log.ErrorContext(ctx, "audit record failed", "action", audit.ActionScale, "error", err)
	}
	a.log.InfoContext(ctx, "pool scaled",
		"capability", capability, "direction", direction,
		"from", before, "to", after, "utilization", utilization)
}
