// Package pool manages the worker sets that turn queue entries into results.
// Each pool owns one capability: its workers claim from that capability's
// priority streams under weighted strict priority, honor preemption and
// cancellation signals, and ack or requeue every claim exactly once.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/logger"
	"github.com/taskmesh/taskmesh/pkg/metrics"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/results"
	"github.com/taskmesh/taskmesh/pkg/signal"
	"github.com/taskmesh/taskmesh/pkg/task"
)

// Handler processes one claimed task and returns its result payload. A
// handler must watch ctx: cancellation means the claim is being preempted,
// cancelled, or has passed its deadline.
type Handler func(ctx context.Context, job *Job) (json.RawMessage, error)

// Config holds per-pool policy.
type Config struct {
	Capability task.Capability

	Min     int
	Max     int
	Initial int

	// HeartbeatInterval bounds how often a busy worker refreshes its claim.
	HeartbeatInterval time.Duration
	// Grace bounds the checkpoint+requeue window on preemption and the
	// stop window on cancellation.
	Grace time.Duration
	// MaxPreempts caps how often one task may be displaced; beyond it the
	// task is sticky.
	MaxPreempts int
	// FairnessN admits one lower-priority entry after N consecutive
	// critical/high dispatches.
	FairnessN int
	// PollInterval is the idle claim poll cadence.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Min <= 0 {
		c.Min = 1
	}
	if c.Max < c.Min {
		c.Max = c.Min
	}
	if c.Initial < c.Min {
		c.Initial = c.Min
	}
	if c.Initial > c.Max {
		c.Initial = c.Max
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.Grace <= 0 {
		c.Grace = 2 * time.Second
	}
	if c.MaxPreempts <= 0 {
		c.MaxPreempts = 2
	}
	if c.FairnessN <= 0 {
		c.FairnessN = 16
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	return c
}

// Stats is a point-in-time pool snapshot for the autoscaler and status API.
type Stats struct {
	Capability  task.Capability `json:"capability"`
	Current     int             `json:"current"`
	Min         int             `json:"min"`
	Max         int             `json:"max"`
	Busy        int             `json:"busy"`
	Paused      bool            `json:"paused"`
	Utilization float64         `json:"utilization"`
}

// claimInfo tracks one in-flight claim for preemption and liveness.
type claimInfo struct {
	entry         task.Entry
	class         task.PriorityClass
	startedAt     time.Time
	lastHeartbeat time.Time
	job           *Job
}

// Pool runs workers for one capability.
type Pool struct {
	cfg     Config
	queue   queue.Queue
	bus     signal.Bus
	pub     *results.Publisher
	audit   audit.Recorder
	log     logger.Logger
	metrics *metrics.Manager
	handler Handler

	mu        sync.Mutex
	workers   []*worker
	claims    map[string]*claimInfo
	nextID    int
	started   bool
	stopped   bool
	runCtx    context.Context
	runCancel context.CancelFunc

	paused     atomic.Bool
	highStreak atomic.Int64
	redeliver  chan task.Entry

	statsMu       sync.Mutex
	busyNanos     int64
	lastSampleAt  time.Time
	lastBusyNanos int64
	wg            sync.WaitGroup
}

// New creates a pool. Workers start on Start.
func New(
	cfg Config,
	q queue.Queue,
	bus signal.Bus,
	pub *results.Publisher,
	rec audit.Recorder,
	log logger.Logger,
	m *metrics.Manager,
	handler Handler,
) (*Pool, error) {
	if cfg.Capability == "" {
		return nil, fmt.Errorf("pool capability cannot be empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("pool handler cannot be nil")
	}
	if rec == nil {
		rec = audit.NopRecorder{}
	}
	if log == nil {
		log = logger.Global()
	}
	if m == nil {
		m = metrics.NoOpManager()
	}
	return &Pool{
		cfg:          cfg.withDefaults(),
		queue:        q,
		bus:          bus,
		pub:          pub,
		audit:        rec,
		log:          log.With("component", "pool", "capability", string(cfg.Capability)),
		metrics:      m,
		handler:      handler,
		claims:       make(map[string]*claimInfo),
		redeliver:    make(chan task.Entry, 64),
		lastSampleAt: time.Now(),
	}, nil
}

// Capability returns the pool's capability.
func (p *Pool) Capability() task.Capability { return p.cfg.Capability }

// Start launches the initial worker set.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("pool %s already started", p.cfg.Capability)
	}
	p.started = true
	p.runCtx, p.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < p.cfg.Initial; i++ {
		p.spawnLocked()
	}
	p.metrics.SetWorkersCurrent(string(p.cfg.Capability), float64(len(p.workers)))
	p.log.InfoContext(ctx, "pool started", "workers", len(p.workers))
	return nil
}

// Stop shuts the pool down: the run context is cancelled, in-flight claims
// are left unacked for reclaim, and all workers exit.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	for _, w := range p.workers {
		w.stop()
	}
	p.workers = nil
	if p.runCancel != nil {
		p.runCancel()
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.metrics.SetWorkersCurrent(string(p.cfg.Capability), 0)
}

// Pause suspends new claims. In-flight work continues.
func (p *Pool) Pause() {
	p.paused.Store(true)
	p.log.Info("pool paused")
}

// Resume re-enables claims.
func (p *Pool) Resume() {
	p.paused.Store(false)
	p.log.Info("pool resumed")
}

// Paused reports whether claims are suspended.
func (p *Pool) Paused() bool { return p.paused.Load() }

// Resize sets the worker count, clamped to [min, max]. It returns the
// resulting size. Shrinking stops workers after their current claim.
func (p *Pool) Resize(_ context.Context, target int) int {
	if target < p.cfg.Min {
		target = p.cfg.Min
	}
	if target > p.cfg.Max {
		target = p.cfg.Max
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || !p.started {
		return 0
	}
	for len(p.workers) < target {
		p.spawnLocked()
	}
	for len(p.workers) > target {
		w := p.workers[len(p.workers)-1]
		p.workers = p.workers[:len(p.workers)-1]
		w.stop()
	}
	size := len(p.workers)
	p.metrics.SetWorkersCurrent(string(p.cfg.Capability), float64(size))
	return size
}

// Size returns the current worker count.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pool) spawnLocked() {
	p.nextID++
	w := newWorker(fmt.Sprintf("%s-worker-%d", p.cfg.Capability, p.nextID), p)
	p.workers = append(p.workers, w)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		w.run(p.runCtx)
	}()
}

// Preempt asks the lowest-priority eligible busy worker to checkpoint and
// requeue so an arriving task of the given class can run. It reports
// whether a preemption signal was issued.
func (p *Pool) Preempt(ctx context.Context, arriving task.PriorityClass, reason string) bool {
	if !arriving.PreemptionEligible() {
		return false
	}

	p.mu.Lock()
	var victimID string
	var victim *claimInfo
	for id, ci := range p.claims {
		if !arriving.Outranks(ci.class) {
			continue
		}
		if ci.entry.Task.Preempts >= p.cfg.MaxPreempts {
			continue // sticky after the preemption cap
		}
		if victim == nil || ci.class.Rank() > victim.class.Rank() ||
			(ci.class.Rank() == victim.class.Rank() && ci.startedAt.After(victim.startedAt)) {
			victimID, victim = id, ci
		}
	}
	p.mu.Unlock()

	if victim == nil {
		return false
	}
	if err := signal.SendPreempt(ctx, p.bus, victimID, victim.entry.ID, reason, p.cfg.Grace); err != nil {
		p.log.WarnContext(ctx, "preempt signal failed", "worker", victimID, "error", err)
		return false
	}
	return true
}

// Stats samples the pool, computing utilization as busy time over wall time
// since the previous sample.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	current := len(p.workers)
	busy := len(p.claims)
	now := time.Now()
	inflight := int64(0)
	for _, ci := range p.claims {
		inflight += now.Sub(ci.startedAt).Nanoseconds()
	}
	p.mu.Unlock()

	p.statsMu.Lock()
	total := atomic.LoadInt64(&p.busyNanos) + inflight
	elapsed := now.Sub(p.lastSampleAt).Nanoseconds()
	var utilization float64
	if current > 0 && elapsed > 0 {
		utilization = float64(total-p.lastBusyNanos) / float64(elapsed*int64(current))
		if utilization < 0 {
			utilization = 0
		}
		if utilization > 1 {
			utilization = 1
		}
	}
	p.lastSampleAt = now
	p.lastBusyNanos = total
	p.statsMu.Unlock()

	p.metrics.SetWorkersBusy(string(p.cfg.Capability), float64(busy))
	p.metrics.SetPoolUtilization(string(p.cfg.Capability), utilization)

	return Stats{
		Capability:  p.cfg.Capability,
		Current:     current,
		Min:         p.cfg.Min,
		Max:         p.cfg.Max,
		Busy:        busy,
		Paused:      p.paused.Load(),
		Utilization: utilization,
	}
}

// Bounds returns the configured [min, max] worker bounds.
func (p *Pool) Bounds() (int, int) { return p.cfg.Min, p.cfg.Max }

func (p *Pool) registerClaim(workerID string, entry task.Entry, job *Job) {
	now := time.Now()
	p.mu.Lock()
	p.claims[workerID] = &claimInfo{
		entry:         entry,
		class:         entry.Task.Priority,
		startedAt:     now,
		lastHeartbeat: now,
		job:           job,
	}
	p.mu.Unlock()
}

func (p *Pool) releaseClaim(workerID string) {
	p.mu.Lock()
	ci, ok := p.claims[workerID]
	if ok {
		delete(p.claims, workerID)
	}
	p.mu.Unlock()
	if ok {
		atomic.AddInt64(&p.busyNanos, time.Since(ci.startedAt).Nanoseconds())
	}
}

func (p *Pool) heartbeat(workerID string) {
	p.mu.Lock()
	if ci, ok := p.claims[workerID]; ok {
		ci.lastHeartbeat = time.Now()
	}
	p.mu.Unlock()
}

// classOf extracts the priority class from a stream key.
func classOf(stream string) task.PriorityClass {
	idx := strings.LastIndexByte(stream, ':')
	if idx < 0 {
		return task.PriorityLow
	}
	return task.PriorityClass(stream[idx+1:])
}

// Redeliver hands a reclaimed entry back to the pool for processing. The
// entry keeps its stream-assigned id and carries its incremented attempt.
func (p *Pool) Redeliver(entry task.Entry) error {
	select {
	case p.redeliver <- entry:
		return nil
	default:
		return fmt.Errorf("pool %s redelivery buffer full", p.cfg.Capability)
	}
}

// claimNext claims the next entry under weighted strict priority: higher
// classes drain first, but after FairnessN consecutive critical/high
// dispatches the lower classes get one slot so they cannot starve.
// Reclaimed redeliveries take precedence over fresh claims.
func (p *Pool) claimNext(ctx context.Context, consumer string) (*task.Entry, error) {
	select {
	case entry := <-p.redeliver:
		return &entry, nil
	default:
	}
	streams := queue.Streams(p.cfg.Capability)
	order := streams
	if p.highStreak.Load() >= int64(p.cfg.FairnessN) && len(streams) == 4 {
		order = []string{streams[2], streams[3], streams[0], streams[1]}
	}

	for _, stream := range order {
		entries, err := p.queue.Claim(ctx, stream, queue.Group, consumer, 1, 0)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			continue
		}
		entry := entries[0]
		if classOf(stream).PreemptionEligible() {
			p.highStreak.Add(1)
		} else {
			p.highStreak.Store(0)
		}
		return &entry, nil
	}
	return nil, nil
}
