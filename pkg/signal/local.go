package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskmesh/taskmesh/pkg/metrics"
)

// LocalBus is an in-process Bus using buffered channels. It is the default
// when orchestrator and workers share one process.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Signal
	bufferSize  int
	closed      bool
	metrics     *metrics.Manager
}

// NewLocalBus creates an in-process signal bus.
func NewLocalBus(bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &LocalBus{
		subscribers: make(map[string]chan *Signal),
		bufferSize:  bufferSize,
		metrics:     metrics.NoOpManager(),
	}
}

// SetMetrics wires the metrics manager.
func (b *LocalBus) SetMetrics(m *metrics.Manager) {
	if m != nil {
		b.metrics = m
	}
}

// Publish sends a signal to the worker's channel. Signals to workers without
// a subscription are dropped; preemption falls back to queue ordering.
func (b *LocalBus) Publish(_ context.Context, sig *Signal) error {
	if sig == nil {
		return fmt.Errorf("signal cannot be nil")
	}
	if sig.WorkerID == "" {
		return fmt.Errorf("signal worker_id cannot be empty")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("signal bus is closed")
	}

	ch, ok := b.subscribers[sig.WorkerID]
	if !ok {
		b.metrics.RecordSignalFailed("local", string(sig.Type), "no_subscriber")
		return nil
	}
	b.metrics.RecordSignalSent("local", string(sig.Type))

	// Non-blocking send; drop oldest when the buffer is full so the most
	// recent control signal wins.
	select {
	case ch <- sig:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- sig:
		default:
		}
	}
	return nil
}

// Subscribe registers a worker's signal channel.
func (b *LocalBus) Subscribe(_ context.Context, workerID string) (<-chan *Signal, error) {
	if workerID == "" {
		return nil, fmt.Errorf("worker_id cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("signal bus is closed")
	}
	if _, exists := b.subscribers[workerID]; exists {
		return nil, fmt.Errorf("worker %s already subscribed", workerID)
	}

	ch := make(chan *Signal, b.bufferSize)
	b.subscribers[workerID] = ch
	return ch, nil
}

// Unsubscribe removes a worker's subscription and closes its channel.
func (b *LocalBus) Unsubscribe(workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subscribers[workerID]
	if !ok {
		return nil
	}
	delete(b.subscribers, workerID)
	close(ch)
	return nil
}

// Close shuts down the bus and all subscriptions.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
	return nil
}
