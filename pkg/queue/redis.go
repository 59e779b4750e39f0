package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/pkg/task"
)

const taskField = "task"

// RedisQueue implements Queue on Redis Streams with consumer groups.
type RedisQueue struct {
	client redis.UniversalClient
}

// NewRedisQueue creates a Redis-Streams-backed queue.
func NewRedisQueue(client redis.UniversalClient) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisQueue{client: client}, nil
}

// EnsureGroup creates the consumer group on a stream if it does not exist,
// creating the stream as a side effect.
func (q *RedisQueue) EnsureGroup(ctx context.Context, stream, group string) error {
	err := q.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

// EnsureGroups creates the worker consumer group on every capability stream
// so claims work before the first append. Must run once at startup.
func (q *RedisQueue) EnsureGroups(ctx context.Context) error {
	for _, capability := range task.Capabilities {
		for _, stream := range Streams(capability) {
			if err := q.EnsureGroup(ctx, stream, Group); err != nil {
				return err
			}
		}
	}
	return nil
}

// Append appends a task to a stream.
func (q *RedisQueue) Append(ctx context.Context, stream string, t task.Task) (string, error) {
	if t.Attempt <= 0 {
		t.Attempt = 1
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("marshal task %s: %w", t.ID, err)
	}

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]any{taskField: string(payload)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: append to %s: %v", ErrUnavailable, stream, err)
	}
	return id, nil
}

// Claim reads entries not yet delivered to the group.
func (q *RedisQueue) Claim(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]task.Entry, error) {
	if count <= 0 {
		count = 1
	}
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    int64(count),
	}
	if block > 0 {
		args.Block = block
	} else {
		// go-redis treats zero as block-forever; -1 disables blocking.
		args.Block = -1
	}

	streams, err := q.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: claim from %s: %v", ErrUnavailable, stream, err)
	}

	entries := make([]task.Entry, 0, count)
	for _, s := range streams {
		for _, msg := range s.Messages {
			entry, decodeErr := decodeMessage(stream, msg)
			if decodeErr != nil {
				// Poison payloads are acked away rather than blocking the
				// group forever.
				_ = q.client.XAck(ctx, stream, group, msg.ID).Err()
				_ = q.client.XDel(ctx, stream, msg.ID).Err()
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Ack acknowledges a processed entry and deletes it from the stream, the
// same way DeadLetter settles the source entry. XLen then measures the live
// backlog, which is what backpressure and the autoscaler read.
func (q *RedisQueue) Ack(ctx context.Context, stream, group, entryID string) error {
	n, err := q.client.XAck(ctx, stream, group, entryID).Result()
	if err != nil {
		return fmt.Errorf("%w: ack %s on %s: %v", ErrUnavailable, entryID, stream, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}
	if err := q.client.XDel(ctx, stream, entryID).Err(); err != nil {
		return fmt.Errorf("%w: delete %s on %s: %v", ErrUnavailable, entryID, stream, err)
	}
	return nil
}

// Pending lists the unacked entries of a group.
func (q *RedisQueue) Pending(ctx context.Context, stream, group string) ([]task.PendingInfo, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: pending on %s: %v", ErrUnavailable, stream, err)
	}

	infos := make([]task.PendingInfo, 0, len(pending))
	for _, p := range pending {
		infos = append(infos, task.PendingInfo{
			EntryID:  p.ID,
			Consumer: p.Consumer,
			Idle:     p.Idle,
			Attempt:  int(p.RetryCount),
		})
	}
	return infos, nil
}

// Touch renews the lease on claimed entries. XCLAIM with JUSTID resets the
// idle clock without bumping the delivery counter, so heartbeats do not
// count as redeliveries.
func (q *RedisQueue) Touch(ctx context.Context, stream, group, consumer string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  0,
		Messages: ids,
	}).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("%w: touch on %s: %v", ErrUnavailable, stream, err)
	}
	return nil
}

// Reclaim transfers idle entries to a new consumer. The returned entries
// carry the incremented attempt count (payload attempt plus redeliveries).
func (q *RedisQueue) Reclaim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]task.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	retries := make(map[string]int, len(ids))
	pending, err := q.Pending(ctx, stream, group)
	if err != nil {
		return nil, err
	}
	for _, p := range pending {
		retries[p.EntryID] = p.Attempt
	}

	msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: newConsumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: reclaim on %s: %v", ErrUnavailable, stream, err)
	}

	entries := make([]task.Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, decodeErr := decodeMessage(stream, msg)
		if decodeErr != nil {
			_ = q.client.XAck(ctx, stream, group, msg.ID).Err()
			_ = q.client.XDel(ctx, stream, msg.ID).Err()
			continue
		}
		// XCLAIM increments the delivery counter; fold redeliveries into
		// the attempt the worker observes.
		entry.Attempt = entry.Task.Attempt + retries[msg.ID]
		entry.Task.Attempt = entry.Attempt
		entries = append(entries, entry)
	}
	return entries, nil
}

// Len returns the stream length.
func (q *RedisQueue) Len(ctx context.Context, stream string) (int64, error) {
	n, err := q.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: len of %s: %v", ErrUnavailable, stream, err)
	}
	return n, nil
}

// DeadLetter moves an entry to the capability DLQ and acks it on the source.
func (q *RedisQueue) DeadLetter(ctx context.Context, stream, group string, entry task.Entry, reason string) error {
	dead := DeadEntry{
		Entry:        entry,
		Reason:       reason,
		Attempts:     entry.Attempt,
		MovedAt:      time.Now().UTC(),
		SourceStream: stream,
	}
	payload, err := json.Marshal(dead)
	if err != nil {
		return fmt.Errorf("marshal dead entry %s: %w", entry.ID, err)
	}

	dlq := DLQStream(entry.Task.Capability)
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: dlq,
		Values: map[string]any{taskField: string(payload)},
	}).Err(); err != nil {
		return fmt.Errorf("%w: dead-letter to %s: %v", ErrUnavailable, dlq, err)
	}
	if err := q.client.XAck(ctx, stream, group, entry.ID).Err(); err != nil {
		return fmt.Errorf("%w: ack dead-lettered %s: %v", ErrUnavailable, entry.ID, err)
	}
	return q.client.XDel(ctx, stream, entry.ID).Err()
}

// DeadLetters lists the entries of a dead-letter stream.
func (q *RedisQueue) DeadLetters(ctx context.Context, dlqStream string) ([]DeadEntry, error) {
	msgs, err := q.client.XRange(ctx, dlqStream, "-", "+").Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: list %s: %v", ErrUnavailable, dlqStream, err)
	}

	out := make([]DeadEntry, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values[taskField].(string)
		if !ok {
			continue
		}
		var dead DeadEntry
		if err := json.Unmarshal([]byte(raw), &dead); err != nil {
			continue
		}
		// The DLQ message id replaces the original for operator addressing.
		dead.Entry.ID = msg.ID
		out = append(out, dead)
	}
	return out, nil
}

// Replay re-appends a dead-lettered entry to its source stream.
func (q *RedisQueue) Replay(ctx context.Context, dlqStream, entryID string) (string, error) {
	msgs, err := q.client.XRange(ctx, dlqStream, entryID, entryID).Result()
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrUnavailable, dlqStream, err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, entryID)
	}

	raw, ok := msgs[0].Values[taskField].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s has no payload", ErrNotFound, entryID)
	}
	var dead DeadEntry
	if err := json.Unmarshal([]byte(raw), &dead); err != nil {
		return "", fmt.Errorf("decode dead entry %s: %w", entryID, err)
	}

	t := dead.Entry.Task
	t.Attempt = 1
	newID, err := q.Append(ctx, dead.SourceStream, t)
	if err != nil {
		return "", err
	}
	if err := q.client.XDel(ctx, dlqStream, entryID).Err(); err != nil {
		return "", fmt.Errorf("%w: remove replayed %s: %v", ErrUnavailable, entryID, err)
	}
	return newID, nil
}

// Close is a no-op; the shared client is owned by the caller.
func (q *RedisQueue) Close() error { return nil }

func decodeMessage(stream string, msg redis.XMessage) (task.Entry, error) {
	raw, ok := msg.Values[taskField].(string)
	if !ok {
		return task.Entry{}, fmt.Errorf("entry %s missing task field", msg.ID)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return task.Entry{}, fmt.Errorf("decode entry %s: %w", msg.ID, err)
	}
	return task.Entry{
		ID:         msg.ID,
		Task:       t,
		Stream:     stream,
		EnqueuedAt: entryTime(msg.ID),
		Attempt:    t.Attempt,
	}, nil
}

// entryTime extracts the millisecond timestamp prefix of a stream id.
func entryTime(id string) time.Time {
	dash := strings.IndexByte(id, '-')
	if dash <= 0 {
		return time.Time{}
	}
	var ms int64
	if _, err := fmt.Sscanf(id[:dash], "%d", &ms); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
