// Package recovery restores liveness after worker and orchestrator failures.
// The supervisor periodically reclaims idle in-flight entries back into the
// worker pools, dead-letters entries past the attempt cap, and resumes
// non-terminal sagas from their last persisted checkpoint on startup.
package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/logger"
	"github.com/taskmesh/taskmesh/pkg/metrics"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/saga"
	"github.com/taskmesh/taskmesh/pkg/task"
)

const consumerName = "recovery-supervisor"

// Redeliverer re-injects a reclaimed entry into a worker pool.
type Redeliverer interface {
	Capability() task.Capability
	Redeliver(entry task.Entry) error
}

// Config holds the scan policy.
type Config struct {
	// ScanInterval is the pending-set inspection cadence.
	ScanInterval time.Duration
	// IdleReclaim is the minimum idle time before an unacked claim is
	// taken from its consumer.
	IdleReclaim time.Duration
	// MaxAttempts caps delivery attempts before an entry is dead-lettered.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.ScanInterval <= 0 {
		c.ScanInterval = 10 * time.Second
	}
	if c.IdleReclaim <= 0 {
		c.IdleReclaim = 60 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// Supervisor runs the reclaim/DLQ scan loop and saga resumption.
type Supervisor struct {
	cfg     Config
	queue   queue.Queue
	sagas   *saga.Engine
	store   saga.Store
	audit   audit.Recorder
	log     logger.Logger
	metrics *metrics.Manager

	mu    sync.Mutex
	pools map[task.Capability]Redeliverer

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// New creates a supervisor. sagas and store may be nil when the deployment
// runs no saga engine.
func New(
	cfg Config,
	q queue.Queue,
	sagas *saga.Engine,
	store saga.Store,
	rec audit.Recorder,
	log logger.Logger,
	m *metrics.Manager,
) *Supervisor {
	if rec == nil {
		rec = audit.NopRecorder{}
	}
	if log == nil {
		log = logger.Global()
	}
	if m == nil {
		m = metrics.NoOpManager()
	}
	return &Supervisor{
		cfg:     cfg.withDefaults(),
		queue:   q,
		sagas:   sagas,
		store:   store,
		audit:   rec,
		log:     log.With("component", "recovery"),
		metrics: m,
		pools:   make(map[task.Capability]Redeliverer),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// RegisterPool attaches the redelivery target for a capability.
func (s *Supervisor) RegisterPool(p Redeliverer) {
	s.mu.Lock()
	s.pools[p.Capability()] = p
	s.mu.Unlock()
}

// Start resumes interrupted sagas, then runs the scan loop until Stop.
func (s *Supervisor) Start(ctx context.Context) {
	if err := s.ResumeSagas(ctx); err != nil {
		s.log.ErrorContext(ctx, "saga resumption failed", "error", err)
	}
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Scan(ctx)
			}
		}
	}()
}

// Stop halts the scan loop.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.done
}

// Scan inspects every registered pool's pending sets once. Exposed for
// deterministic tests and the control plane's manual reclaim trigger. It
// returns the number of reclaimed and dead-lettered entries.
func (s *Supervisor) Scan(ctx context.Context) (reclaimed, deadLettered int) {
	s.mu.Lock()
	pools := make([]Redeliverer, 0, len(s.pools))
	for _, p := range s.pools {
		pools = append(pools, p)
	}
	s.mu.Unlock()

	healthy := true
	for _, p := range pools {
		for _, class := range task.PriorityClasses {
			stream := queue.StreamName(p.Capability(), class)
			r, d, ok := s.scanStream(ctx, p, stream, class)
			reclaimed += r
			deadLettered += d
			healthy = healthy && ok
		}
	}
	s.metrics.SetQueueDegraded(!healthy)
	return reclaimed, deadLettered
}

func (s *Supervisor) scanStream(ctx context.Context, p Redeliverer, stream string, class task.PriorityClass) (int, int, bool) {
	infos, err := s.queue.Pending(ctx, stream, queue.Group)
	if err != nil {
		s.log.WarnContext(ctx, "pending inspection failed", "stream", stream, "error", err)
		s.metrics.RecordQueueOutage()
		return 0, 0, false
	}

	var oldest time.Duration
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.Idle > oldest {
			oldest = info.Idle
		}
		if info.Idle >= s.cfg.IdleReclaim {
			ids = append(ids, info.EntryID)
		}
	}
	s.metrics.SetOldestUnackedAge(string(class), oldest)
	if len(ids) == 0 {
		return 0, 0, true
	}

	entries, err := s.queue.Reclaim(ctx, stream, queue.Group, consumerName, s.cfg.IdleReclaim, ids)
	if err != nil {
		s.log.WarnContext(ctx, "reclaim failed", "stream", stream, "error", err)
		return 0, 0, false
	}

	var reclaimed, deadLettered int
	for _, entry := range entries {
		if entry.Attempt > s.cfg.MaxAttempts {
			s.deadLetter(ctx, stream, entry)
			deadLettered++
			continue
		}
		if err := p.Redeliver(entry); err != nil {
			// Buffer full: leave the claim with the supervisor; the next
			// scan picks it up again.
			s.log.WarnContext(ctx, "redelivery deferred", "entry_id", entry.ID, "error", err)
			continue
		}
		reclaimed++
		s.metrics.RecordReclaim()
		event := audit.NewEvent(consumerName, entry.Task.ID, audit.ActionReclaim, entry.Task.CorrelationID, map[string]any{
			"entry_id": entry.ID,
			"stream":   stream,
			"attempt":  entry.Attempt,
		})
		if err := s.audit.Record(ctx, event); err != nil {
			s.log.ErrorContext(ctx, "audit record failed", "action", audit.ActionReclaim, "error", err)
		}
	}
	return reclaimed, deadLettered, true
}

func (s *Supervisor) deadLetter(ctx context.Context, stream string, entry task.Entry) {
	if err := s.queue.DeadLetter(ctx, stream, queue.Group, entry, "max_attempts_exceeded"); err != nil {
		s.log.ErrorContext(ctx, "dead-letter move failed", "entry_id", entry.ID, "error", err)
		return
	}
	s.metrics.RecordDeadLetter()
	event := audit.NewEvent(consumerName, entry.Task.ID, audit.ActionDeadLetter, entry.Task.CorrelationID, map[string]any{
		"entry_id": entry.ID,
		"stream":   stream,
		"attempt":  entry.Attempt,
		"reason":   "max_attempts_exceeded",
	})
	if err := s.audit.Record(ctx, event); err != nil {
		s.log.ErrorContext(ctx, "audit record failed", "action", audit.ActionDeadLetter, "error", err)
	}
	s.log.ErrorContext(ctx, "entry dead-lettered",
		"entry_id", entry.ID, "task_id", entry.Task.ID, "attempt", entry.Attempt)
}

// ResumeSagas resumes every non-terminal saga instance at its persisted
// checkpoint.
func (s *Supervisor) ResumeSagas(ctx context.Context) error {
	if s.sagas == nil || s.store == nil {
		return nil
	}
	instances, _, err := s.store.ListInstances(ctx, &saga.InstanceFilter{
		Status: []saga.Status{saga.StatusRunning, saga.StatusCompensating},
	})
	if err != nil {
		return err
	}
	for _, in := range instances {
		if _, err := s.sagas.Resume(ctx, in.ID); err != nil {
			s.log.ErrorContext(ctx, "saga resume failed", "saga_id", in.ID, "error", err)
			continue
		}
		s.log.InfoContext(ctx, "saga resumed", "saga_id", in.ID, "status", in.Status)
	}
	return nil
}
