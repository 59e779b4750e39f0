package results

import (
	"context"
	"errors"

	"github.com/taskmesh/taskmesh/pkg/logger"
	"github.com/taskmesh/taskmesh/pkg/task"
)

// EventSink receives terminal result events. The websocket broadcaster and
// in-process subscription registry implement this.
type EventSink interface {
	BroadcastResult(result task.Result)
}

// Publisher persists results and emits each terminal transition exactly
// once: a duplicate save (e.g. a reclaimed attempt finishing second) is
// swallowed without a second event.
type Publisher struct {
	store *Store
	sinks []EventSink
	log   logger.Logger
}

// NewPublisher creates a result publisher.
func NewPublisher(store *Store, log logger.Logger, sinks ...EventSink) *Publisher {
	if log == nil {
		log = logger.Global()
	}
	return &Publisher{store: store, sinks: sinks, log: log}
}

// AddSink attaches another event sink. Not safe to call once results are
// flowing; wire all sinks during startup.
func (p *Publisher) AddSink(sink EventSink) {
	if sink != nil {
		p.sinks = append(p.sinks, sink)
	}
}

// Publish persists and broadcasts a result. It reports whether this call won
// the write (false means another attempt already persisted the result).
func (p *Publisher) Publish(ctx context.Context, result task.Result) (bool, error) {
	if err := p.store.Save(ctx, result); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			p.log.DebugContext(ctx, "duplicate result suppressed",
				"task_id", result.TaskID, "status", result.Status)
			return false, nil
		}
		return false, err
	}

	for _, sink := range p.sinks {
		sink.BroadcastResult(result)
	}
	return true, nil
}

// Get returns the persisted result for a task.
func (p *Publisher) Get(ctx context.Context, taskID string) (task.Result, error) {
	return p.store.Get(ctx, taskID)
}
