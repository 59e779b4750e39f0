package controlplane

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/rpc"
	"github.com/taskmesh/taskmesh/pkg/task"
)

// maxClaimBlock caps the worker.claim long-poll so HTTP handlers do not pin
// connections indefinitely.
const maxClaimBlock = 25 * time.Second

// remoteClaim tracks one entry leased to an out-of-process worker.
type remoteClaim struct {
	entry      task.Entry
	stream     string
	consumer   string
	checkpoint json.RawMessage
	claimedAt  time.Time
}

// claimTable is the lease registry for the remote worker protocol. In-process
// pool workers never appear here; they track claims internally.
type claimTable struct {
	mu     sync.Mutex
	claims map[string]*remoteClaim
}

func newClaimTable() *claimTable {
	return &claimTable{claims: make(map[string]*remoteClaim)}
}

func (t *claimTable) put(c *remoteClaim) {
	t.mu.Lock()
	t.claims[c.entry.ID] = c
	t.mu.Unlock()
}

func (t *claimTable) get(entryID string) (*remoteClaim, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.claims[entryID]
	return c, ok
}

func (t *claimTable) remove(entryID string) {
	t.mu.Lock()
	delete(t.claims, entryID)
	t.mu.Unlock()
}

func (t *claimTable) setCheckpoint(entryID string, blob json.RawMessage) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.claims[entryID]
	if !ok {
		return false
	}
	c.checkpoint = blob
	return true
}

func (t *claimTable) checkpointOf(entryID string) json.RawMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.claims[entryID]; ok {
		return c.checkpoint
	}
	return nil
}

type workerClaimParams struct {
	WorkerID     string `json:"worker_id"`
	Capability   string `json:"capability"`
	PriorityHint string `json:"priority_hint,omitempty"`
	BlockMS      int64  `json:"block_ms,omitempty"`
}

type workerClaimResult struct {
	EntryID string     `json:"entry_id,omitempty"`
	Stream  string     `json:"stream,omitempty"`
	Task    *task.Task `json:"task,omitempty"`
}

// handleWorkerClaim leases the next entry to a remote worker, draining
// streams in strict priority order. A past-deadline entry is settled as
// deadline_expired and never handed out.
func (s *Service) handleWorkerClaim(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p workerClaimParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	if p.WorkerID == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "worker_id is required")
	}
	capability, err := task.ParseCapability(p.Capability)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, err.Error())
	}
	block := time.Duration(p.BlockMS) * time.Millisecond
	if block > maxClaimBlock {
		block = maxClaimBlock
	}

	streams := queue.Streams(capability)
	if p.PriorityHint != "" {
		if class, perr := task.ParsePriorityClass(p.PriorityHint); perr == nil {
			streams = append([]string{queue.StreamName(capability, class)}, streams...)
		}
	}

	for _, stream := range streams {
		entries, cerr := s.queue.Claim(ctx, stream, queue.Group, p.WorkerID, 1, 0)
		if cerr != nil {
			return nil, rpc.NewError(rpc.CodeQueueUnavailable, "claim failed")
		}
		if len(entries) == 0 {
			continue
		}
		entry := entries[0]
		entry.Task.Attempt = entry.Attempt

		if entry.Task.DeadlineExpired(time.Now()) {
			s.settleExpired(ctx, stream, entry)
			continue
		}

		s.claims.put(&remoteClaim{
			entry:     entry,
			stream:    stream,
			consumer:  p.WorkerID,
			claimedAt: time.Now(),
		})
		s.metrics.RecordQueueWait(string(entry.Task.Priority), time.Since(entry.EnqueuedAt))
		return workerClaimResult{EntryID: entry.ID, Stream: stream, Task: &entry.Task}, nil
	}

	// Block only once all streams came up empty, against the hinted or
	// highest class. Remote workers poll, so an empty answer is fine too.
	if block > 0 {
		entries, cerr := s.queue.Claim(ctx, streams[0], queue.Group, p.WorkerID, 1, block)
		if cerr == nil && len(entries) > 0 {
			entry := entries[0]
			entry.Task.Attempt = entry.Attempt
			if entry.Task.DeadlineExpired(time.Now()) {
				s.settleExpired(ctx, streams[0], entry)
				return workerClaimResult{}, nil
			}
			s.claims.put(&remoteClaim{
				entry:     entry,
				stream:    streams[0],
				consumer:  p.WorkerID,
				claimedAt: time.Now(),
			})
			return workerClaimResult{EntryID: entry.ID, Stream: streams[0], Task: &entry.Task}, nil
		}
	}
	return workerClaimResult{}, nil
}

func (s *Service) settleExpired(ctx context.Context, stream string, entry task.Entry) {
	result := task.Result{
		TaskID:      entry.Task.ID,
		Status:      task.StatusDeadlineExpired,
		ErrorCode:   rpc.CodeDeadlineExpired,
		ErrorMsg:    "deadline passed before dispatch",
		Attempt:     entry.Attempt,
		CompletedAt: time.Now().UTC(),
	}
	if err := s.queue.Ack(ctx, stream, queue.Group, entry.ID); err != nil {
		s.log.WarnContext(ctx, "expired entry ack failed", "entry_id", entry.ID, "error", err)
		return
	}
	if _, err := s.pub.Publish(ctx, result); err != nil {
		s.log.WarnContext(ctx, "expired result publish failed", "task_id", entry.Task.ID, "error", err)
	}
	s.recordAudit(ctx, "controlplane", entry.Task.ID, audit.ActionDeadlineExpired, map[string]any{
		"entry_id": entry.ID, "stream": stream,
	})
}

type workerEntryParams struct {
	EntryID string `json:"entry_id"`
}

// handleWorkerHeartbeat renews the lease on a claimed entry so the recovery
// scan does not reclaim it from a live worker.
func (s *Service) handleWorkerHeartbeat(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p workerEntryParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	claim, ok := s.claims.get(p.EntryID)
	if !ok {
		return nil, rpc.Errorf(rpc.CodeNotFound, "no active claim for entry %q", p.EntryID)
	}

	// Touch resets the idle clock without counting a redelivery, so
	// heartbeats never push a healthy task toward the attempt ceiling.
	if err := s.queue.Touch(ctx, claim.stream, queue.Group, claim.consumer, []string{p.EntryID}); err != nil {
		return nil, rpc.NewError(rpc.CodeQueueUnavailable, "heartbeat failed")
	}
	s.metrics.RecordSignalReceived("remote", "heartbeat")
	return map[string]any{"entry_id": p.EntryID, "renewed": true}, nil
}

type workerAckParams struct {
	EntryID string          `json:"entry_id"`
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	ErrCode int             `json:"error_code,omitempty"`
	ErrMsg  string          `json:"error_message,omitempty"`
}

// handleWorkerAck settles a claimed entry with its terminal result.
func (s *Service) handleWorkerAck(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p workerAckParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	claim, ok := s.claims.get(p.EntryID)
	if !ok {
		return nil, rpc.Errorf(rpc.CodeNotFound, "no active claim for entry %q", p.EntryID)
	}

	status := task.ResultStatus(p.Status)
	if !status.Terminal() {
		return nil, rpc.Errorf(rpc.CodeInvalidParams, "invalid result status %q", p.Status)
	}

	if err := s.queue.Ack(ctx, claim.stream, queue.Group, p.EntryID); err != nil {
		return nil, rpc.NewError(rpc.CodeQueueUnavailable, "ack failed")
	}
	s.claims.remove(p.EntryID)

	result := task.Result{
		TaskID:      claim.entry.Task.ID,
		Status:      status,
		Payload:     p.Payload,
		ErrorCode:   p.ErrCode,
		ErrorMsg:    p.ErrMsg,
		Attempt:     claim.entry.Attempt,
		CompletedAt: time.Now().UTC(),
	}
	if _, err := s.pub.Publish(ctx, result); err != nil {
		s.log.ErrorContext(ctx, "remote result publish failed",
			"task_id", result.TaskID, "error", err)
	}
	s.metrics.RecordTaskCompleted(string(status))
	return map[string]any{"entry_id": p.EntryID, "acked": true}, nil
}

type workerRequeueParams struct {
	EntryID    string          `json:"entry_id"`
	Checkpoint json.RawMessage `json:"checkpoint,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// handleWorkerRequeue re-enqueues a preempted entry with its checkpoint and
// bumped counters, then settles the original claim.
func (s *Service) handleWorkerRequeue(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p workerRequeueParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	claim, ok := s.claims.get(p.EntryID)
	if !ok {
		return nil, rpc.Errorf(rpc.CodeNotFound, "no active claim for entry %q", p.EntryID)
	}

	checkpoint := p.Checkpoint
	if checkpoint == nil {
		checkpoint = s.claims.checkpointOf(p.EntryID)
	}

	next := claim.entry.Task
	next.Attempt = claim.entry.Attempt + 1
	next.Preempts++
	next.Checkpoint = checkpoint

	newID, err := s.queue.Append(ctx, claim.stream, next)
	if err != nil {
		// Leave the original claim unacked; the recovery scan redelivers.
		return nil, rpc.NewError(rpc.CodeQueueUnavailable, "requeue append failed")
	}
	if err := s.queue.Ack(ctx, claim.stream, queue.Group, p.EntryID); err != nil {
		s.log.WarnContext(ctx, "requeue ack failed, duplicate delivery possible",
			"entry_id", p.EntryID, "error", err)
	}
	s.claims.remove(p.EntryID)

	s.metrics.RecordPreemption()
	s.metrics.RecordTaskRetry()
	s.recordAudit(ctx, claim.consumer, next.ID, audit.ActionPreemption, map[string]any{
		"entry_id": p.EntryID, "new_entry_id": newID,
		"attempt": next.Attempt, "preempts": next.Preempts, "reason": p.Reason,
	})
	return map[string]any{"entry_id": newID}, nil
}

type workerCheckpointParams struct {
	EntryID string          `json:"entry_id"`
	Blob    json.RawMessage `json:"blob"`
}

// handleWorkerCheckpoint records a mid-run checkpoint used if the entry is
// later requeued.
func (s *Service) handleWorkerCheckpoint(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p workerCheckpointParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	if !s.claims.setCheckpoint(p.EntryID, p.Blob) {
		return nil, rpc.Errorf(rpc.CodeNotFound, "no active claim for entry %q", p.EntryID)
	}
	return map[string]any{"entry_id": p.EntryID, "saved": true}, nil
}
