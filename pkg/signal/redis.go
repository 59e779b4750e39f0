package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/pkg/metrics"
)

// RedisBus is a Redis Pub/Sub Bus for deployments where workers run outside
// the orchestrator process.
type RedisBus struct {
	client        redis.UniversalClient
	channelPrefix string
	bufferSize    int

	mu          sync.Mutex
	subscribers map[string]*redisSubscription
	closed      bool
	metrics     *metrics.Manager
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan *Signal
	cancel context.CancelFunc
}

// NewRedisBus creates a Redis-backed signal bus.
func NewRedisBus(client redis.UniversalClient, channelPrefix string, bufferSize int) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = "taskmesh:signal:"
	}
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &RedisBus{
		client:        client,
		channelPrefix: channelPrefix,
		bufferSize:    bufferSize,
		subscribers:   make(map[string]*redisSubscription),
		metrics:       metrics.NoOpManager(),
	}
}

// SetMetrics wires the metrics manager.
func (b *RedisBus) SetMetrics(m *metrics.Manager) {
	if m != nil {
		b.metrics = m
	}
}

// Publish sends a signal over the worker's pub/sub channel.
func (b *RedisBus) Publish(ctx context.Context, sig *Signal) error {
	if sig == nil {
		return fmt.Errorf("signal cannot be nil")
	}
	if sig.WorkerID == "" {
		return fmt.Errorf("signal worker_id cannot be empty")
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("signal bus is closed")
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := b.client.Publish(ctx, b.channelPrefix+sig.WorkerID, data).Err(); err != nil {
		b.metrics.RecordSignalFailed("redis", string(sig.Type), "publish")
		return err
	}
	b.metrics.RecordSignalSent("redis", string(sig.Type))
	return nil
}

// Subscribe opens a pub/sub subscription for a worker.
func (b *RedisBus) Subscribe(ctx context.Context, workerID string) (<-chan *Signal, error) {
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

	subCtx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, b.channelPrefix+workerID)
	ch := make(chan *Signal, b.bufferSize)
	sub := &redisSubscription{pubsub: pubsub, ch: ch, cancel: cancel}
	b.subscribers[workerID] = sub

	go func() {
		defer close(ch)
		msgCh := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				var sig Signal
				if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
					b.metrics.RecordSignalFailed("redis", "unknown", "decode")
					continue
				}
				b.metrics.RecordSignalReceived("redis", string(sig.Type))
				select {
				case ch <- &sig:
				default:
					// Buffer full; the newest control signal supersedes.
					select {
					case <-ch:
					default:
					}
					select {
					case ch <- &sig:
					default:
					}
				}
			}
		}
	}()

	return ch, nil
}

// Unsubscribe closes a worker's subscription.
func (b *RedisBus) Unsubscribe(workerID string) error {
	b.mu.Lock()
	sub, ok := b.subscribers[workerID]
	if ok {
		delete(b.subscribers, workerID)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	sub.cancel()
	return sub.pubsub.Close()
}

// Close shuts down all subscriptions.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subscribers))
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	var firstErr error
	for _, sub := range subs {
		sub.cancel()
		if err := sub.pubsub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
