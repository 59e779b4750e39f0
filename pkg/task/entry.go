package task

import (
	"time"
)

// Entry is a durable record appended to a priority stream.
type Entry struct {
	// ID is the stream-assigned entry identifier, strictly increasing
	// within its stream.
	ID string `json:"entry_id"`

	// Task is the carried task payload.
	Task Task `json:"task"`

	// Stream is the stream the entry was appended to.
	Stream string `json:"stream"`

	// EnqueuedAt is the append timestamp.
	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempt is incremented on every reclaim or preemption requeue.
	Attempt int `json:"attempt"`
}

// ClaimStatus is the delivery state of a claimed entry.
type ClaimStatus string

const (
	ClaimPending   ClaimStatus = "pending"
	ClaimAcked     ClaimStatus = "acked"
	ClaimReclaimed ClaimStatus = "reclaimed"
)

// Claim describes an entry delivered to a specific consumer.
type Claim struct {
	EntryID       string      `json:"entry_id"`
	Stream        string      `json:"stream"`
	Group         string      `json:"consumer_group"`
	Consumer      string      `json:"consumer_id"`
	ClaimedAt     time.Time   `json:"claimed_at"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	Attempt       int         `json:"attempt"`
	Status        ClaimStatus `json:"status"`
}

// PendingInfo summarizes an unacked entry for reclaim decisions.
type PendingInfo struct {
	EntryID  string        `json:"entry_id"`
	Consumer string        `json:"consumer"`
	Idle     time.Duration `json:"idle"`
	Attempt  int           `json:"attempt"`
}
