package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/pkg/task"
)

func memTask(id string) task.Task {
	return task.Task{
		ID:            id,
		Method:        "run_codegen",
		Priority:      task.PriorityNormal,
		Capability:    task.Capability("codegen"),
		CorrelationID: id,
		SubmittedAt:   time.Now().UTC(),
	}
}

func TestMemoryAppendClaimAck(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	stream := StreamName("codegen", task.PriorityNormal)

	id1, err := q.Append(ctx, stream, memTask("t-1"))
	require.NoError(t, err)
	_, err = q.Append(ctx, stream, memTask("t-2"))
	require.NoError(t, err)

	entries, err := q.Claim(ctx, stream, Group, "c1", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id1, entries[0].ID)
	assert.Equal(t, "t-1", entries[0].Task.ID)
	assert.Equal(t, 1, entries[0].Attempt)

	// A second consumer in the same group never sees delivered entries.
	entries2, err := q.Claim(ctx, stream, Group, "c2", 10, 0)
	require.NoError(t, err)
	require.Len(t, entries2, 1)
	assert.Equal(t, "t-2", entries2[0].Task.ID)

	require.NoError(t, q.Ack(ctx, stream, Group, id1))
	require.ErrorIs(t, q.Ack(ctx, stream, Group, id1), ErrNotFound)
}

func TestMemoryClaimBlocksUntilAppend(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	stream := StreamName("codegen", task.PriorityHigh)

	done := make(chan []task.Entry, 1)
	go func() {
		entries, _ := q.Claim(ctx, stream, Group, "c1", 1, 2*time.Second)
		done <- entries
	}()

	time.Sleep(50 * time.Millisecond)
	_, err := q.Append(ctx, stream, memTask("t-late"))
	require.NoError(t, err)

	select {
	case entries := <-done:
		require.Len(t, entries, 1)
		assert.Equal(t, "t-late", entries[0].Task.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("blocked claim never returned")
	}
}

func TestMemoryReclaimBumpsAttempt(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	stream := StreamName("codegen", task.PriorityNormal)

	_, err := q.Append(ctx, stream, memTask("t-1"))
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, stream, Group, "dead", 1, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// minIdle in the future transfers nothing.
	none, err := q.Reclaim(ctx, stream, Group, "sup", time.Hour, []string{claimed[0].ID})
	require.NoError(t, err)
	assert.Empty(t, none)

	reclaimed, err := q.Reclaim(ctx, stream, Group, "sup", 0, []string{claimed[0].ID})
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].Attempt)

	pending, err := q.Pending(ctx, stream, Group)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "sup", pending[0].Consumer)
	assert.Equal(t, 2, pending[0].Attempt)
}

func TestMemoryDeadLetterAndReplay(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	stream := StreamName("codegen", task.PriorityNormal)

	_, err := q.Append(ctx, stream, memTask("t-dead"))
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, stream, Group, "c1", 1, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	claimed[0].Attempt = 5

	require.NoError(t, q.DeadLetter(ctx, stream, Group, claimed[0], "max attempts exceeded"))

	dlq := DLQStream("codegen")
	dead, err := q.DeadLetters(ctx, dlq)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 5, dead[0].Attempts)
	assert.Equal(t, stream, dead[0].SourceStream)

	_, err = q.Replay(ctx, dlq, dead[0].Entry.ID)
	require.NoError(t, err)

	entries, err := q.Claim(ctx, stream, Group, "c2", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t-dead", entries[0].Task.ID)
	assert.Equal(t, 1, entries[0].Task.Attempt)

	dead, err = q.DeadLetters(ctx, dlq)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestMemoryCloseWakesClaimers(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	stream := StreamName("codegen", task.PriorityNormal)

	done := make(chan error, 1)
	go func() {
		_, err := q.Claim(ctx, stream, Group, "c1", 1, 5*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrUnavailable)
	case <-time.After(time.Second):
		t.Fatal("claim did not observe close")
	}

	_, err := q.Append(ctx, stream, memTask("t-after"))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestMemoryLenTracksBacklog(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	stream := StreamName("codegen", task.PriorityNormal)

	id1, err := q.Append(ctx, stream, memTask("t-1"))
	require.NoError(t, err)
	_, err = q.Append(ctx, stream, memTask("t-2"))
	require.NoError(t, err)

	n, err := q.Len(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	claimed, err := q.Claim(ctx, stream, Group, "c1", 2, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	// Claimed-but-unacked entries still count toward the backlog.
	n, err = q.Len(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, q.Ack(ctx, stream, Group, id1))
	n, err = q.Len(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, q.DeadLetter(ctx, stream, Group, claimed[1], "handler crashed"))
	n, err = q.Len(ctx, stream)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	// Removal must not skew group cursors: a later append is still claimable.
	_, err = q.Append(ctx, stream, memTask("t-3"))
	require.NoError(t, err)
	entries, err := q.Claim(ctx, stream, Group, "c1", 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "t-3", entries[0].Task.ID)
}

func TestMemoryTouchKeepsAttempt(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()
	stream := StreamName("codegen", task.PriorityNormal)

	_, err := q.Append(ctx, stream, memTask("t-slow"))
	require.NoError(t, err)
	claimed, err := q.Claim(ctx, stream, Group, "w1", 1, 0)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Lease renewals are not redeliveries, no matter how many land.
	for i := 0; i < 3; i++ {
		require.NoError(t, q.Touch(ctx, stream, Group, "w1", []string{claimed[0].ID}))
	}

	pending, err := q.Pending(ctx, stream, Group)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempt)
	assert.Equal(t, "w1", pending[0].Consumer)

	// Only an actual redelivery moves the attempt counter.
	reclaimed, err := q.Reclaim(ctx, stream, Group, "sup", 0, []string{claimed[0].ID})
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, 2, reclaimed[0].Attempt)
}
