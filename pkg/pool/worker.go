package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/rpc"
	"github.com/taskmesh/taskmesh/pkg/signal"
	"github.com/taskmesh/taskmesh/pkg/task"
)

// ErrPreempted is returned by handlers that observed a preemption and
// checkpointed their work.
var ErrPreempted = errors.New("task preempted")

// Job is the handler's view of one claimed entry.
type Job struct {
	Entry task.Entry
	Task  *task.Task

	pool     *Pool
	workerID string

	mu         sync.Mutex
	checkpoint json.RawMessage

	preempted atomic.Bool
	cancelled atomic.Bool
	finalized atomic.Bool
}

// IdempotencyKey returns the (task_id, attempt) side-effect key for this
// delivery.
func (j *Job) IdempotencyKey() string { return j.Task.IdempotencyKey() }

// Preempted reports whether a preemption signal arrived for this claim.
func (j *Job) Preempted() bool { return j.preempted.Load() }

// Heartbeat refreshes the claim's liveness.
func (j *Job) Heartbeat() { j.pool.heartbeat(j.workerID) }

// SaveCheckpoint stores a durable-on-requeue snapshot of the job's progress.
// The latest checkpoint travels with the entry when it is requeued.
func (j *Job) SaveCheckpoint(blob json.RawMessage) {
	j.mu.Lock()
	j.checkpoint = blob
	j.mu.Unlock()
}

// Checkpoint returns the latest saved checkpoint, or the one the task
// carried in from a previous requeue.
func (j *Job) Checkpoint() json.RawMessage {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.checkpoint != nil {
		return j.checkpoint
	}
	return j.Task.Checkpoint
}

type worker struct {
	id     string
	pool   *Pool
	stopCh chan struct{}
}

func newWorker(id string, p *Pool) *worker {
	return &worker{id: id, pool: p, stopCh: make(chan struct{})}
}

func (w *worker) stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

func (w *worker) run(ctx context.Context) {
	p := w.pool
	sigCh, err := p.bus.Subscribe(ctx, w.id)
	if err != nil {
		p.log.ErrorContext(ctx, "worker signal subscription failed", "worker", w.id, "error", err)
		return
	}
	defer p.bus.Unsubscribe(w.id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		if p.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		entry, err := p.claimNext(ctx, w.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.WarnContext(ctx, "claim failed", "worker", w.id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		if entry == nil {
			// Drain stale signals addressed to an idle worker.
			select {
			case <-sigCh:
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		w.process(ctx, *entry, sigCh)
	}
}

func (w *worker) process(ctx context.Context, entry task.Entry, sigCh <-chan *signal.Signal) {
	p := w.pool
	t := entry.Task
	t.Attempt = entry.Attempt
	now := time.Now()

	p.metrics.RecordQueueWait(string(t.Priority), now.Sub(entry.EnqueuedAt))

	// A deadline that passed while queued never reaches a handler.
	if t.DeadlineExpired(now) {
		w.finishExpired(ctx, entry, &t)
		return
	}

	job := &Job{Entry: entry, Task: &t, pool: p, workerID: w.id}
	p.registerClaim(w.id, entry, job)
	defer p.releaseClaim(w.id)

	jobCtx, cancel := context.WithCancel(ctx)
	if !t.Deadline.IsZero() {
		var cancelDeadline context.CancelFunc
		jobCtx, cancelDeadline = context.WithDeadline(jobCtx, t.Deadline)
		defer cancelDeadline()
	}
	defer cancel()

	watchDone := make(chan struct{})
	go w.watchClaim(jobCtx, cancel, job, sigCh, watchDone)

	payload, err := callHandler(jobCtx, p.handler, job)
	close(watchDone)
	w.finalize(ctx, job, payload, err)
}

// watchClaim heartbeats the claim and reacts to control signals. On preempt
// or cancel it cancels the job context and, after the grace window, forces
// settlement so a stuck handler cannot hold the claim.
func (w *worker) watchClaim(
	jobCtx context.Context,
	cancel context.CancelFunc,
	job *Job,
	sigCh <-chan *signal.Signal,
	done <-chan struct{},
) {
	p := w.pool
	heartbeat := time.NewTicker(p.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var grace *time.Timer
	var graceCh <-chan time.Time
	for {
		select {
		case <-done:
			if grace != nil {
				grace.Stop()
			}
			return
		case <-heartbeat.C:
			p.heartbeat(w.id)
			// Renew the queue-side lease too, or the recovery scan would
			// reclaim a long-running task from under a live worker.
			if err := p.queue.Touch(context.WithoutCancel(jobCtx), job.Entry.Stream, queue.Group, w.id, []string{job.Entry.ID}); err != nil {
				p.log.Warn("claim touch failed", "entry_id", job.Entry.ID, "error", err)
			}
		case <-graceCh:
			w.finalize(context.WithoutCancel(jobCtx), job, nil, ErrPreempted)
			return
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			switch sig.Type {
			case signal.TypePreempt:
				if job.Task.Preempts >= p.cfg.MaxPreempts {
					p.log.Info("preempt ignored, task is sticky",
						"task_id", job.Task.ID, "preempts", job.Task.Preempts)
					continue
				}
				p.metrics.RecordSignalReceived("worker", string(sig.Type))
				job.preempted.Store(true)
				cancel()
				if grace == nil {
					grace = time.NewTimer(p.cfg.Grace)
					graceCh = grace.C
				}
			case signal.TypeCancel:
				p.metrics.RecordSignalReceived("worker", string(sig.Type))
				job.cancelled.Store(true)
				cancel()
				if grace == nil {
					grace = time.NewTimer(p.cfg.Grace)
					graceCh = grace.C
				}
			}
		}
	}
}

func callHandler(ctx context.Context, h Handler, job *Job) (payload json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h(ctx, job)
}

// finalize settles a claim exactly once: ack+result, or requeue on
// preemption. Later calls for the same job are no-ops.
func (w *worker) finalize(ctx context.Context, job *Job, payload json.RawMessage, handlerErr error) {
	if !job.finalized.CompareAndSwap(false, true) {
		return
	}
	p := w.pool
	entry := job.Entry
	t := job.Task

	switch {
	case job.preempted.Load():
		w.requeue(ctx, job)
		return

	case job.cancelled.Load():
		w.finish(ctx, entry, task.Result{
			TaskID:      t.ID,
			Status:      task.StatusCancelled,
			ErrorCode:   rpc.CodeWorkerFailed,
			ErrorMsg:    "task cancelled",
			Attempt:     entry.Attempt,
			CompletedAt: time.Now().UTC(),
		}, t)
		return

	case handlerErr == nil:
		w.finish(ctx, entry, task.Result{
			TaskID:      t.ID,
			Status:      task.StatusOK,
			Payload:     payload,
			Attempt:     entry.Attempt,
			CompletedAt: time.Now().UTC(),
		}, t)
		return

	case errors.Is(handlerErr, context.DeadlineExceeded) && t.DeadlineExpired(time.Now()):
		w.finishExpired(ctx, entry, t)
		return

	case errors.Is(handlerErr, context.Canceled):
		// Pool shutdown interrupted the handler. Leave the claim unacked so
		// the recovery scanner redelivers it.
		p.log.Info("claim interrupted by shutdown, leaving for reclaim",
			"entry_id", entry.ID, "task_id", t.ID)
		return

	default:
		var rpcErr *rpc.Error
		code := rpc.CodeWorkerFailed
		status := task.StatusError
		if errors.As(handlerErr, &rpcErr) {
			code = rpcErr.Code
			switch code {
			case rpc.CodeSandboxPolicyViolation:
				status = task.StatusPolicyViolation
			case rpc.CodeSandboxTimeout:
				status = task.StatusSandboxTimeout
			}
		}
		w.finish(ctx, entry, task.Result{
			TaskID:      t.ID,
			Status:      status,
			ErrorCode:   code,
			ErrorMsg:    handlerErr.Error(),
			Attempt:     entry.Attempt,
			CompletedAt: time.Now().UTC(),
		}, t)
	}
}

// finish acks the entry and publishes the terminal result.
func (w *worker) finish(ctx context.Context, entry task.Entry, result task.Result, t *task.Task) {
	p := w.pool
	if err := p.queue.Ack(ctx, entry.Stream, queue.Group, entry.ID); err != nil {
		p.log.ErrorContext(ctx, "ack failed, entry will be redelivered",
			"entry_id", entry.ID, "task_id", t.ID, "error", err)
		return
	}
	if _, err := p.pub.Publish(ctx, result); err != nil {
		p.log.ErrorContext(ctx, "result publish failed",
			"task_id", t.ID, "status", result.Status, "error", err)
	}
	p.metrics.RecordTaskCompleted(string(result.Status))
	p.metrics.RecordTaskLatency(t.Method, time.Since(t.SubmittedAt))
}

func (w *worker) finishExpired(ctx context.Context, entry task.Entry, t *task.Task) {
	p := w.pool
	w.finish(ctx, entry, task.Result{
		TaskID:      t.ID,
		Status:      task.StatusDeadlineExpired,
		ErrorCode:   rpc.CodeDeadlineExpired,
		ErrorMsg:    "task deadline passed",
		Attempt:     entry.Attempt,
		CompletedAt: time.Now().UTC(),
	}, t)
	event := audit.NewEvent(w.id, t.ID, audit.ActionDeadlineExpired, t.CorrelationID, map[string]any{
		"entry_id": entry.ID,
		"deadline": t.Deadline,
	})
	if err := p.audit.Record(ctx, event); err != nil {
		p.log.ErrorContext(ctx, "audit record failed", "action", audit.ActionDeadlineExpired, "error", err)
	}
}

// requeue re-appends the preempted task to its stream with an incremented
// attempt and the latest checkpoint, then acks the displaced claim.
func (w *worker) requeue(ctx context.Context, job *Job) {
	p := w.pool
	entry := job.Entry

	next := *job.Task
	next.Attempt = entry.Attempt + 1
	next.Preempts = job.Task.Preempts + 1
	next.Checkpoint = job.Checkpoint()

	if _, err := p.queue.Append(ctx, entry.Stream, next); err != nil {
		// Leave the claim unacked: the recovery scanner will redeliver the
		// original entry, preserving at-least-once.
		p.log.ErrorContext(ctx, "requeue append failed, leaving claim for reclaim",
			"entry_id", entry.ID, "task_id", next.ID, "error", err)
		return
	}
	if err := p.queue.Ack(ctx, entry.Stream, queue.Group, entry.ID); err != nil {
		p.log.ErrorContext(ctx, "ack after requeue failed",
			"entry_id", entry.ID, "task_id", next.ID, "error", err)
	}

	p.metrics.RecordPreemption()
	p.metrics.RecordTaskRetry()
	event := audit.NewEvent(w.id, next.ID, audit.ActionPreemption, next.CorrelationID, map[string]any{
		"entry_id":   entry.ID,
		"attempt":    next.Attempt,
		"preempts":   next.Preempts,
		"checkpoint": next.Checkpoint != nil,
	})
	if err := p.audit.Record(ctx, event); err != nil {
		p.log.ErrorContext(ctx, "audit record failed", "action", audit.ActionPreemption, "error", err)
	}
	p.log.InfoContext(ctx, "task preempted and requeued",
		"task_id", next.ID, "attempt", next.Attempt, "preempts", next.Preempts)
}
