// Package signal delivers control signals from the orchestrator to workers:
// preemption requests and cancellation. Delivery is best-effort; the durable
// queue, not the bus, carries the correctness guarantees.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Type is the kind of control signal.
type Type string

const (
	// TypePreempt asks a worker to checkpoint and requeue its current task
	// within the grace window, then take higher-priority work.
	TypePreempt Type = "preempt"
	// TypeCancel asks a worker to stop its current task. After the grace
	// window the orchestrator terminates it forcefully.
	TypeCancel Type = "cancel"
)

// Signal is one control message addressed to a worker.
type Signal struct {
	Type     Type            `json:"type"`
	WorkerID string          `json:"worker_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
}

// PreemptPayload carries the context of a preemption request.
type PreemptPayload struct {
	// EntryID identifies the claim being displaced.
	EntryID string `json:"entry_id"`
	// Grace bounds the checkpoint+requeue window.
	Grace time.Duration `json:"grace"`
	// Reason names the displacing priority class.
	Reason string `json:"reason"`
}

// CancelPayload carries the context of a cancellation.
type CancelPayload struct {
	TaskID   string        `json:"task_id"`
	Graceful bool          `json:"graceful"`
	Grace    time.Duration `json:"grace"`
	Reason   string        `json:"reason"`
}

// Bus delivers signals to subscribed workers.
type Bus interface {
	Publish(ctx context.Context, sig *Signal) error
	// Subscribe returns the signal channel for a worker id.
	Subscribe(ctx context.Context, workerID string) (<-chan *Signal, error)
	Unsubscribe(workerID string) error
	Close() error
}

// SendPreempt publishes a preemption signal to a worker.
func SendPreempt(ctx context.Context, bus Bus, workerID, entryID, reason string, grace time.Duration) error {
	payload, err := json.Marshal(PreemptPayload{EntryID: entryID, Grace: grace, Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal preempt payload: %w", err)
	}
	return bus.Publish(ctx, &Signal{
		Type:     TypePreempt,
		WorkerID: workerID,
		Payload:  payload,
		SentAt:   time.Now().UTC(),
	})
}

// SendCancel publishes a cancellation signal to a worker.
func SendCancel(ctx context.Context, bus Bus, workerID, taskID, reason string, graceful bool, grace time.Duration) error {
	payload, err := json.Marshal(CancelPayload{TaskID: taskID, Graceful: graceful, Grace: grace, Reason: reason})
	if err != nil {
		return fmt.Errorf("marshal cancel payload: %w", err)
	}
	return bus.Publish(ctx, &Signal{
		Type:     TypeCancel,
		WorkerID: workerID,
		Payload:  payload,
		SentAt:   time.Now().UTC(),
	})
}

// ParsePreempt extracts the preempt payload from a signal.
func ParsePreempt(sig *Signal) (*PreemptPayload, error) {
	if sig.Type != TypePreempt {
		return nil, fmt.Errorf("expected preempt signal, got %s", sig.Type)
	}
	var p PreemptPayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal preempt payload: %w", err)
	}
	return &p, nil
}

// ParseCancel extracts the cancel payload from a signal.
func ParseCancel(sig *Signal) (*CancelPayload, error) {
	if sig.Type != TypeCancel {
		return nil, fmt.Errorf("expected cancel signal, got %s", sig.Type)
	}
	var p CancelPayload
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal cancel payload: %w", err)
	}
	return &p, nil
}
