package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/pool"
	"github.com/taskmesh/taskmesh/pkg/queue"
	"github.com/taskmesh/taskmesh/pkg/results"
	"github.com/taskmesh/taskmesh/pkg/rpc"
	"github.com/taskmesh/taskmesh/pkg/saga"
	"github.com/taskmesh/taskmesh/pkg/task"
)

type statusParams struct {
	TaskID string `json:"task_id,omitempty"`
	SagaID string `json:"saga_id,omitempty"`
}

// streamStatus is the depth and staleness of one stream.
type streamStatus struct {
	Stream       string `json:"stream"`
	Class        string `json:"class"`
	Depth        int64  `json:"depth"`
	Pending      int    `json:"pending"`
	OldestIdleMS int64  `json:"oldest_idle_ms"`
}

type capabilityStatus struct {
	Pool    pool.Stats     `json:"pool"`
	Streams []streamStatus `json:"streams"`
}

type snapshot struct {
	Capabilities map[string]capabilityStatus `json:"capabilities"`
	GeneratedAt  time.Time                   `json:"generated_at"`
}

// handleStatus returns a task result, a saga instance, or the full queue and
// pool snapshot when no ID is given.
func (s *Service) handleStatus(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p statusParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
		}
	}

	switch {
	case p.TaskID != "":
		return s.taskStatus(ctx, p.TaskID)
	case p.SagaID != "":
		return s.sagaStatus(ctx, p.SagaID)
	default:
		return s.snapshot(ctx), nil
	}
}

func (s *Service) taskStatus(ctx context.Context, taskID string) (any, *rpc.Error) {
	result, err := s.store.Get(ctx, taskID)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, results.ErrNotFound) {
		return nil, rpc.NewError(rpc.CodeInternal, "result lookup failed")
	}
	// A saga submitted through run_saga shares its ID with the task.
	if s.sagas != nil {
		if in, serr := s.sagas.Instance(ctx, taskID); serr == nil {
			return in, nil
		}
	}
	return nil, rpc.Errorf(rpc.CodeNotFound, "task %q not found", taskID)
}

func (s *Service) sagaStatus(ctx context.Context, sagaID string) (any, *rpc.Error) {
	if s.sagas == nil {
		return nil, rpc.NewError(rpc.CodeInternal, "saga engine unavailable")
	}
	in, err := s.sagas.Instance(ctx, sagaID)
	if err != nil {
		if errors.Is(err, saga.ErrNotFound) {
			return nil, rpc.Errorf(rpc.CodeNotFound, "saga %q not found", sagaID)
		}
		return nil, rpc.NewError(rpc.CodeInternal, "saga lookup failed")
	}
	return in, nil
}

func (s *Service) snapshot(ctx context.Context) snapshot {
	snap := snapshot{
		Capabilities: make(map[string]capabilityStatus),
		GeneratedAt:  time.Now().UTC(),
	}
	for _, p := range s.poolList() {
		capability := p.Capability()
		cs := capabilityStatus{Pool: p.Stats()}
		for _, class := range task.PriorityClasses {
			stream := queue.StreamName(capability, class)
			ss := streamStatus{Stream: stream, Class: string(class)}
			if depth, err := s.queue.Len(ctx, stream); err == nil {
				ss.Depth = depth
			}
			if pending, err := s.queue.Pending(ctx, stream, queue.Group); err == nil {
				ss.Pending = len(pending)
				for _, info := range pending {
					if idle := info.Idle.Milliseconds(); idle > ss.OldestIdleMS {
						ss.OldestIdleMS = idle
					}
				}
			}
			cs.Streams = append(cs.Streams, ss)
		}
		snap.Capabilities[string(capability)] = cs
	}
	return snap
}

type analyticsParams struct {
	WindowMS int64 `json:"window_ms,omitempty"`
}

type analyticsResult struct {
	WindowMS  int64          `json:"window_ms"`
	Total     int            `json:"total"`
	ByStatus  map[string]int `json:"by_status"`
	ErrorRate float64        `json:"error_rate"`
}

// handleAnalytics aggregates terminal results observed within the window.
func (s *Service) handleAnalytics(ctx context.Context, req *rpc.Request) (any, *rpc.Error) {
	var p analyticsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return nil, rpc.NewError(rpc.CodeInvalidParams, "malformed params")
		}
	}
	window := time.Duration(p.WindowMS) * time.Millisecond
	if window <= 0 {
		window = 15 * time.Minute
	}
	return s.analytics.aggregate(window), nil
}

// completion is one observed terminal transition.
type completion struct {
	status task.ResultStatus
	at     time.Time
}

// analyticsRing retains the most recent terminal results for windowed
// aggregation. It implements results.EventSink.
type analyticsRing struct {
	mu   sync.Mutex
	buf  []completion
	next int
	full bool
}

func newAnalyticsRing(capacity int) *analyticsRing {
	return &analyticsRing{buf: make([]completion, capacity)}
}

// BroadcastResult implements results.EventSink.
func (r *analyticsRing) BroadcastResult(result task.Result) {
	r.mu.Lock()
	r.buf[r.next] = completion{status: result.Status, at: result.CompletedAt}
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

func (r *analyticsRing) aggregate(window time.Duration) analyticsResult {
	cutoff := time.Now().Add(-window)
	out := analyticsResult{
		WindowMS: window.Milliseconds(),
		ByStatus: make(map[string]int),
	}

	r.mu.Lock()
	size := r.next
	if r.full {
		size = len(r.buf)
	}
	for i := 0; i < size; i++ {
		c := r.buf[i]
		if c.at.Before(cutoff) {
			continue
		}
		out.Total++
		out.ByStatus[string(c.status)]++
	}
	r.mu.Unlock()

	if out.Total > 0 {
		failures := out.Total - out.ByStatus[string(task.StatusOK)]
		out.ErrorRate = float64(failures) / float64(out.Total)
	}
	return out
}
