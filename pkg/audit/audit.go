// Package audit provides the append-only, tamper-evident log of
// security-relevant orchestrator events. Every record is chained to its
// predecessor by a SHA-256 hash so retroactive edits are detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action names for security-relevant events.
const (
	ActionAuthDenied        = "auth_denied"
	ActionPreemption        = "preemption"
	ActionReclaim           = "reclaim"
	ActionDeadLetter        = "dead_letter"
	ActionDLQReplay         = "dlq_replay"
	ActionPolicyViolation   = "policy_violation"
	ActionSagaCompensation  = "saga_compensation"
	ActionSagaIncident      = "saga_incident"
	ActionScale             = "scale"
	ActionPoolPause         = "pool_pause"
	ActionPoolResume        = "pool_resume"
	ActionSandboxTimeout    = "terminate_on_timeout"
	ActionSandboxKill       = "sandbox_kill"
	ActionOperatorInject    = "operator_inject"
	ActionDeadlineExpired   = "deadline_expired"
	ActionConfigReload      = "config_reload"
	ActionSandboxEgressDeny = "sandbox_egress_denied"
	ActionPriorityClamp     = "priority_clamped"
)

// Event is one append-only audit record.
type Event struct {
	EventID       string         `json:"event_id"`
	Timestamp     time.Time      `json:"ts"`
	Actor         string         `json:"actor"`
	Subject       string         `json:"subject"`
	Action        string         `json:"action"`
	Details       map[string]any `json:"details,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`

	// Seq and hashes are assigned by the log on append.
	Seq      uint64 `json:"seq"`
	PrevHash string `json:"prev_hash"`
	Hash     string `json:"hash"`
}

// Recorder accepts audit events. Components depend on this interface so the
// log can be swapped in tests.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Log is a readable, verifiable audit log.
type Log interface {
	Recorder
	// List returns up to limit events starting at the given sequence number.
	List(ctx context.Context, fromSeq uint64, limit int) ([]Event, error)
	// Verify walks the hash chain and returns the first broken sequence
	// number, or zero when the chain is intact.
	Verify(ctx context.Context) (uint64, error)
	// LastSeq returns the sequence number of the chain tail, zero when empty.
	LastSeq() uint64
	Close() error
}

// NewEvent builds an event with a fresh id and UTC timestamp.
func NewEvent(actor, subject, action, correlationID string, details map[string]any) Event {
	return Event{
		EventID:       uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Actor:         actor,
		Subject:       subject,
		Action:        action,
		Details:       details,
		CorrelationID: correlationID,
	}
}

// chainHash computes the hash of an event given its predecessor's hash. The
// hash covers every caller-supplied field plus the sequence number.
func chainHash(prevHash string, event *Event) string {
	payload, _ := json.Marshal(struct {
		EventID       string         `json:"event_id"`
		Timestamp     time.Time      `json:"ts"`
		Actor         string         `json:"actor"`
		Subject       string         `json:"subject"`
		Action        string         `json:"action"`
		Details       map[string]any `json:"details,omitempty"`
		CorrelationID string         `json:"correlation_id,omitempty"`
		Seq           uint64         `json:"seq"`
	}{
		event.EventID, event.Timestamp, event.Actor, event.Subject,
		event.Action, event.Details, event.CorrelationID, event.Seq,
	})

	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// NopRecorder discards events.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(context.Context, Event) error { return nil }
