// Package queue provides the durable, ordered, consumer-group-based delivery
// backbone. Each (capability, priority class) pair owns one append-only
// stream; entries are retained until explicitly acknowledged, giving
// at-least-once delivery with reclaim of idle in-flight entries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taskmesh/taskmesh/pkg/task"
)

// Group is the consumer group shared by all workers of a capability.
const Group = "workers"

var (
	// ErrUnavailable indicates the backing store rejected the operation
	// after local retries.
	ErrUnavailable = errors.New("queue unavailable")
	// ErrNotFound indicates the referenced entry does not exist.
	ErrNotFound = errors.New("queue entry not found")
)

// StreamName returns the stream key for a capability and priority class.
func StreamName(capability task.Capability, class task.PriorityClass) string {
	return fmt.Sprintf("taskmesh:stream:%s:%s", capability, class)
}

// DLQStream returns the dead-letter stream key for a capability.
func DLQStream(capability task.Capability) string {
	return fmt.Sprintf("taskmesh:dlq:%s", capability)
}

// Streams returns the streams of one capability ordered from highest to
// lowest priority class.
func Streams(capability task.Capability) []string {
	out := make([]string, 0, len(task.PriorityClasses))
	for _, class := range task.PriorityClasses {
		out = append(out, StreamName(capability, class))
	}
	return out
}

// DeadEntry is an entry moved to a dead-letter stream with its full history.
type DeadEntry struct {
	Entry    task.Entry `json:"entry"`
	Reason   string     `json:"reason"`
	Attempts int        `json:"attempts"`
	MovedAt  time.Time  `json:"moved_at"`
	// SourceStream is the stream the entry was dead-lettered from.
	SourceStream string `json:"source_stream"`
}

// Queue is the durable queue contract. All implementations guarantee
// monotonic entry ordering per stream and retention of unacked entries.
type Queue interface {
	// Append atomically appends a task to a stream and returns the
	// monotonically ordered entry id.
	Append(ctx context.Context, stream string, t task.Task) (string, error)

	// Claim delivers up to count entries not yet delivered to the group.
	// block bounds the long-poll wait; zero means do not block.
	Claim(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]task.Entry, error)

	// Ack marks an entry as processed and removes it from the stream, so
	// Len tracks the live backlog.
	Ack(ctx context.Context, stream, group, entryID string) error

	// Pending lists unacked entries of a group with idle time and delivery
	// attempts.
	Pending(ctx context.Context, stream, group string) ([]task.PendingInfo, error)

	// Touch resets the idle clock on claimed entries without counting a
	// redelivery, renewing a live worker's lease.
	Touch(ctx context.Context, stream, group, consumer string, ids []string) error

	// Reclaim transfers ownership of idle entries to a new consumer and
	// increments their attempt count. Entries idle for less than minIdle
	// are not transferred.
	Reclaim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]task.Entry, error)

	// Len returns the live backlog of a stream: undelivered entries plus
	// unacked in-flight ones.
	Len(ctx context.Context, stream string) (int64, error)

	// DeadLetter moves an entry to the dead-letter stream with a reason,
	// acknowledging it on the source stream.
	DeadLetter(ctx context.Context, stream, group string, entry task.Entry, reason string) error

	// DeadLetters lists dead-lettered entries of a stream.
	DeadLetters(ctx context.Context, dlqStream string) ([]DeadEntry, error)

	// Replay re-appends a dead-lettered entry to its source stream and
	// removes it from the DLQ. The attempt counter restarts at 1.
	Replay(ctx context.Context, dlqStream, entryID string) (string, error)

	// Close releases backend resources.
	Close() error
}
