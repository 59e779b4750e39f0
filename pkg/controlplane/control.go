package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/taskmesh/taskmesh/pkg/audit"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/rpc"
	"github.com/taskmesh/taskmesh/pkg/task"
)

type scaleParams struct {
	Pool     string `json:"pool"`
	Delta    int    `json:"delta,omitempty"`
	Absolute int    `json:"absolute,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Service) handleScale(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p scaleParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	pl, rpcErr := s.lookupPool(p.Pool)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if p.Absolute == 0 && p.Delta == 0 {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "delta or absolute is required")
	}

	before := pl.Size()
	target := p.Absolute
	if target == 0 {
		target = before + p.Delta
	}
	after := pl.Resize(ctx, target)

	s.metrics.RecordScaleAction(p.Pool, scaleDirection(before, after))
	s.recordAudit(ctx, callerSubject(ctx), p.Pool, audit.ActionScale, map[string]any{
		"from": before, "to": after, "requested": target, "reason": p.Reason,
	})
	return map[string]any{"pool": p.Pool, "size": after}, nil
}

func scaleDirection(before, after int) string {
	if after >= before {
		return "up"
	}
	return "down"
}

type poolParams struct {
	Pool string `json:"pool"`
}

func (s *Service) handlePause(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	return s.setPaused(ctx, req, true)
}

func (s *Service) handleResume(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	return s.setPaused(ctx, req, false)
}

func (s *Service) setPaused(ctx context.Context, req *rpc.Request, paused bool) (any, *rpc.Error) {
	var p poolParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	pl, rpcErr := s.lookupPool(p.Pool)
	if rpcErr != nil {
		return nil, rpcErr
	}

	action := audit.ActionPoolResume
	if paused {
		pl.Pause()
		action = audit.ActionPoolPause
	} else {
		pl.Resume()
	}
	s.recordAudit(ctx, callerSubject(ctx), p.Pool, action, nil)
	return map[string]any{"pool": p.Pool, "paused": pl.Paused()}, nil
}

func (s *Service) lookupPool(name string) (poolHandle, *rpc.Error) {
	if name == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "pool is required")
	}
	capability, err := task.ParseCapability(name)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, err.Error())
	}
	pl, ok := s.pool(capability)
	if !ok {
		return nil, rpc.Errorf(rpc.CodeNotFound, "pool %q not registered", name)
	}
	return pl, nil
}

// poolHandle is the slice of pool.Pool the control methods need.
type poolHandle interface {
	Size() int
	Resize(ctx context.Context, target int) int
	Pause()
	Resume()
	Paused() bool
}

type reclaimParams struct {
	Stream    string `json:"stream"`
	Group     string `json:"group,omitempty"`
	MinIdleMS int64  `json:"min_idle_ms"`
}

// handleReclaim transfers idle pending entries back into circulation on
// operator demand, ahead of the supervisor's periodic scan.
func (s *Service) handleReclaim(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p reclaimParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	if p.Stream == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "stream is required")
	}
	if p.Stream == "all" {
		if s.supervisor == nil {
			return nil, rpc.NewError(rpc.CodeInternal, "recovery supervisor unavailable")
		}
		reclaimed, deadLettered := s.supervisor.Scan(ctx)
		s.recordAudit(ctx, callerSubject(ctx), "all", audit.ActionReclaim, map[string]any{
			"reclaimed": reclaimed, "dead_lettered": deadLettered,
		})
		return map[string]any{"reclaimed": reclaimed, "dead_lettered": deadLettered}, nil
	}
	group := p.Group
	if group == "" {
		group = queue.Group
	}
	minIdle := time.Duration(p.MinIdleMS) * time.Millisecond

	pending, err := s.queue.Pending(ctx, p.Stream, group)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeQueueUnavailable, "pending inspection failed")
	}
	ids := make([]string, 0, len(pending))
	for _, info := range pending {
		if info.Idle >= minIdle {
			ids = append(ids, info.EntryID)
		}
	}
	if len(ids) == 0 {
		return map[string]any{"reclaimed": 0}, nil
	}

	entries, err := s.queue.Reclaim(ctx, p.Stream, group, "operator", minIdle, ids)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeQueueUnavailable, "reclaim failed")
	}

	redelivered := 0
	capability := capabilityOfStream(p.Stream)
	for _, entry := range entries {
		s.metrics.RecordReclaim()
		if pl, ok := s.pool(capability); ok {
			if rerr := pl.Redeliver(entry); rerr != nil {
				s.log.WarnContext(ctx, "redelivery deferred", "entry_id", entry.ID, "error", rerr)
				continue
			}
			redelivered++
		}
	}

	s.recordAudit(ctx, callerSubject(ctx), p.Stream, audit.ActionReclaim, map[string]any{
		"reclaimed": len(entries), "redelivered": redelivered, "min_idle_ms": p.MinIdleMS,
	})
	return map[string]any{"reclaimed": len(entries), "redelivered": redelivered}, nil
}

// capabilityOfStream parses the capability segment out of a stream key of
// the form taskmesh:stream:<capability>:<class>.
func capabilityOfStream(stream string) task.Capability {
	parts := strings.Split(stream, ":")
	if len(parts) >= 4 {
		return task.Capability(parts[2])
	}
	return ""
}

type dlqListParams struct {
	Stream string `json:"stream"`
}

func (s *Service) handleDLQList(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p dlqListParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	dlq, rpcErr := dlqStreamOf(p.Stream)
	if rpcErr != nil {
		return nil, rpcErr
	}

	dead, err := s.queue.DeadLetters(ctx, dlq)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeQueueUnavailable, "dlq read failed")
	}
	return map[string]any{"stream": dlq, "entries": dead}, nil
}

type dlqReplayParams struct {
	Stream  string `json:"stream"`
	EntryID string `json:"entry_id"`
}

func (s *Service) handleDLQReplay(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p dlqReplayParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
	}
	if p.EntryID == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "entry_id is required")
	}
	dlq, rpcErr := dlqStreamOf(p.Stream)
	if rpcErr != nil {
		return nil, rpcErr
	}

	newID, err := s.queue.Replay(ctx, dlq, p.EntryID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return nil, rpc.Errorf(rpc.CodeNotFound, "dlq entry %q not found", p.EntryID)
		}
		return nil, rpc.NewError(rpc.CodeQueueUnavailable, "replay failed")
	}

	s.recordAudit(ctx, callerSubject(ctx), p.EntryID, audit.ActionDLQReplay, map[string]any{
		"dlq_stream": dlq, "new_entry_id": newID,
	})
	return map[string]any{"entry_id": newID}, nil
}

// dlqStreamOf accepts either a bare capability name or a full DLQ stream key.
func dlqStreamOf(stream string) (string, *rpc.Error) {
	if stream == "" {
		return "", rpc.NewError(rpc.CodeInvalidParams, "stream is required")
	}
	if capability, err := task.ParseCapability(stream); err == nil {
		return queue.DLQStream(capability), nil
	}
	if !strings.HasPrefix(stream, "taskmesh:dlq:") {
		return "", rpc.Errorf(rpc.CodeInvalidParams, "unknown dlq stream %q", stream)
	}
	return stream, nil
}

type auditListParams struct {
	FromSeq uint64 `json:"from_seq,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (s *Service) handleAuditList(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	if s.auditLog == nil {
		return nil, rpc.NewError(rpc.CodeInternal, "audit log unavailable")
	}
	var p auditListParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
		}
	}
	if p.Limit <= 0 || p.Limit > 1000 {
		p.Limit = 100
	}

	events, err := s.auditLog.List(ctx, p.FromSeq, p.Limit)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, "audit read failed")
	}
	return map[string]any{"events": events}, nil
}

func (s *Service) handleAuditVerify(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	if s.auditLog == nil {
		return nil, rpc.NewError(rpc.CodeInternal, "audit log unavailable")
	}
	seq, err := s.auditLog.Verify(ctx)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternal, "audit verification failed").
			WithData("detail", err.Error())
	}
	// A non-zero sequence marks the first record whose hash does not match.
	if seq != 0 {
		return map[string]any{"verified": false, "failed_at_seq": seq}, nil
	}
	return map[string]any{"verified": true, "last_seq": s.auditLog.LastSeq()}, nil
}
