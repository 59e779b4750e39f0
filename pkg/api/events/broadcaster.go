// Package events fans completed task results out to in-process subscribers,
// decoupling the result publisher from websocket delivery.
package events

import (
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/task"
)

// Event is the canonical event payload broadcast to websocket subscribers.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Broadcaster broadcasts events to in-process subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe subscribes to events with a buffered channel.
func (b *Broadcaster) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; !ok {
		return
	}
	delete(b.subscribers, ch)
	close(ch)
}

// Broadcast broadcasts a generic event to all subscribers.
func (b *Broadcaster) Broadcast(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]chan Event, 0, len(b.subscribers))
	for ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Drop on overflow to keep broadcasters non-blocking.
		}
	}
}

// BroadcastResult emits a terminal task result. It implements
// results.EventSink so the publisher can feed subscribers directly.
func (b *Broadcaster) BroadcastResult(result task.Result) {
	payload := map[string]any{
		"task_id":      result.TaskID,
		"status":       string(result.Status),
		"attempt":      result.Attempt,
		"completed_at": result.CompletedAt.UTC().Format(time.RFC3339Nano),
	}
	if result.ErrorCode != 0 {
		payload["error_code"] = result.ErrorCode
	}
	if result.ErrorMsg != "" {
		payload["error"] = result.ErrorMsg
	}
	if len(result.Payload) > 0 {
		payload["payload"] = result.Payload
	}
	if result.TraceID != "" {
		payload["trace_id"] = result.TraceID
	}

	b.Broadcast(Event{
		Type:      "task.completed",
		Timestamp: result.CompletedAt,
		Payload:   payload,
	})
}

// Close closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
