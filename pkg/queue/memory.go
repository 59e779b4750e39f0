package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/taskmesh/taskmesh/pkg/task"
)

// MemoryQueue is an in-process Queue for tests and single-node dev mode. It
// preserves the same ordering and at-least-once semantics as the Redis
// implementation without a backing store.
type MemoryQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	streams map[string]*memStream
	dlq     map[string][]DeadEntry
	seq     int64
	closed  bool
}

type memStream struct {
	entries []task.Entry
	groups  map[string]*memGroup
}

type memGroup struct {
	cursor  int // index of the next never-delivered entry
	pending map[string]*memPending
}

type memPending struct {
	entry       task.Entry
	consumer    string
	deliveredAt time.Time
	attempts    int
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{
		streams: make(map[string]*memStream),
		dlq:     make(map[string][]DeadEntry),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *MemoryQueue) stream(name string) *memStream {
	s, ok := q.streams[name]
	if !ok {
		s = &memStream{groups: make(map[string]*memGroup)}
		q.streams[name] = s
	}
	return s
}

func (s *memStream) group(name string) *memGroup {
	g, ok := s.groups[name]
	if !ok {
		g = &memGroup{pending: make(map[string]*memPending)}
		s.groups[name] = g
	}
	return g
}

// remove deletes a settled entry so the stream length tracks the live
// backlog. Group cursors positioned past the entry shift back with it.
func (s *memStream) remove(entryID string) {
	for i, e := range s.entries {
		if e.ID != entryID {
			continue
		}
		s.entries = append(s.entries[:i], s.entries[i+1:]...)
		for _, g := range s.groups {
			if g.cursor > i {
				g.cursor--
			}
		}
		return
	}
}

// Append appends a task and wakes blocked claimers.
func (q *MemoryQueue) Append(_ context.Context, stream string, t task.Task) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrUnavailable
	}
	if t.Attempt <= 0 {
		t.Attempt = 1
	}

	q.seq++
	entry := task.Entry{
		ID:         fmt.Sprintf("%d-0", q.seq),
		Task:       t,
		Stream:     stream,
		EnqueuedAt: time.Now().UTC(),
		Attempt:    t.Attempt,
	}
	s := q.stream(stream)
	s.entries = append(s.entries, entry)
	q.cond.Broadcast()
	return entry.ID, nil
}

// Claim delivers undelivered entries, long-polling up to block.
func (q *MemoryQueue) Claim(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]task.Entry, error) {
	if count <= 0 {
		count = 1
	}
	deadline := time.Now().Add(block)

	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if q.closed {
			return nil, ErrUnavailable
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s := q.stream(stream)
		g := s.group(group)
		if g.cursor < len(s.entries) {
			n := len(s.entries) - g.cursor
			if n > count {
				n = count
			}
			out := make([]task.Entry, 0, n)
			now := time.Now()
			for i := 0; i < n; i++ {
				entry := s.entries[g.cursor]
				g.cursor++
				g.pending[entry.ID] = &memPending{
					entry:       entry,
					consumer:    consumer,
					deliveredAt: now,
					attempts:    1,
				}
				out = append(out, entry)
			}
			return out, nil
		}

		if block <= 0 || time.Now().After(deadline) {
			return nil, nil
		}
		// Poll under the condition variable; a timer wakes us at deadline.
		waitDone := make(chan struct{})
		timer := time.AfterFunc(10*time.Millisecond, func() {
			q.mu.Lock()
			q.cond.Broadcast()
			q.mu.Unlock()
			close(waitDone)
		})
		q.cond.Wait()
		timer.Stop()
		select {
		case <-waitDone:
		default:
		}
	}
}

// Ack settles an entry: it leaves the pending set and the stream.
func (q *MemoryQueue) Ack(_ context.Context, stream, group, entryID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stream(stream)
	g := s.group(group)
	if _, ok := g.pending[entryID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	delete(g.pending, entryID)
	s.remove(entryID)
	return nil
}

// Pending lists unacked entries.
func (q *MemoryQueue) Pending(_ context.Context, stream, group string) ([]task.PendingInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.stream(stream).group(group)
	now := time.Now()
	infos := make([]task.PendingInfo, 0, len(g.pending))
	for id, p := range g.pending {
		infos = append(infos, task.PendingInfo{
			EntryID:  id,
			Consumer: p.consumer,
			Idle:     now.Sub(p.deliveredAt),
			Attempt:  p.attempts,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].EntryID < infos[j].EntryID })
	return infos, nil
}

// Touch resets the idle clock on pending entries without counting a
// redelivery.
func (q *MemoryQueue) Touch(_ context.Context, stream, group, consumer string, ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.stream(stream).group(group)
	now := time.Now()
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok {
			continue
		}
		p.consumer = consumer
		p.deliveredAt = now
	}
	return nil
}

// Reclaim transfers idle pending entries to a new consumer.
func (q *MemoryQueue) Reclaim(_ context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]task.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	g := q.stream(stream).group(group)
	now := time.Now()
	out := make([]task.Entry, 0, len(ids))
	for _, id := range ids {
		p, ok := g.pending[id]
		if !ok || now.Sub(p.deliveredAt) < minIdle {
			continue
		}
		p.consumer = newConsumer
		p.deliveredAt = now
		p.attempts++
		entry := p.entry
		entry.Attempt = entry.Task.Attempt + p.attempts - 1
		entry.Task.Attempt = entry.Attempt
		p.entry = entry
		out = append(out, entry)
	}
	return out, nil
}

// Len returns the live backlog of a stream.
func (q *MemoryQueue) Len(_ context.Context, stream string) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.stream(stream).entries)), nil
}

// DeadLetter moves an entry to the in-memory DLQ.
func (q *MemoryQueue) DeadLetter(_ context.Context, stream, group string, entry task.Entry, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := q.stream(stream)
	delete(s.group(group).pending, entry.ID)
	s.remove(entry.ID)

	dlq := DLQStream(entry.Task.Capability)
	q.dlq[dlq] = append(q.dlq[dlq], DeadEntry{
		Entry:        entry,
		Reason:       reason,
		Attempts:     entry.Attempt,
		MovedAt:      time.Now().UTC(),
		SourceStream: stream,
	})
	return nil
}

// DeadLetters lists dead-lettered entries.
func (q *MemoryQueue) DeadLetters(_ context.Context, dlqStream string) ([]DeadEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadEntry, len(q.dlq[dlqStream]))
	copy(out, q.dlq[dlqStream])
	return out, nil
}

// Replay re-appends a dead-lettered entry to its source stream.
func (q *MemoryQueue) Replay(ctx context.Context, dlqStream, entryID string) (string, error) {
	q.mu.Lock()
	var (
		found  *DeadEntry
		rest   []DeadEntry
		stream string
	)
	for _, dead := range q.dlq[dlqStream] {
		if found == nil && dead.Entry.ID == entryID {
			d := dead
			found = &d
			stream = dead.SourceStream
			continue
		}
		rest = append(rest, dead)
	}
	if found == nil {
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	q.dlq[dlqStream] = rest
	q.mu.Unlock()

	t := found.Entry.Task
	t.Attempt = 1
	return q.Append(ctx, stream, t)
}

// Close marks the queue closed and wakes blocked claimers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	return nil
}
