// Package task defines the core domain model shared across the orchestrator:
// tasks, queue entries, claims, results, and their lifecycle rules.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// PriorityClass classifies a task for routing and dispatch.
type PriorityClass string

const (
	PriorityCritical PriorityClass = "critical"
	PriorityHigh     PriorityClass = "high"
	PriorityNormal   PriorityClass = "normal"
	PriorityLow      PriorityClass = "low"
)

// PriorityClasses lists all classes from highest to lowest.
var PriorityClasses = []PriorityClass{
	PriorityCritical,
	PriorityHigh,
	PriorityNormal,
	PriorityLow,
}

// ParsePriorityClass parses a priority class string.
func ParsePriorityClass(s string) (PriorityClass, error) {
	switch PriorityClass(s) {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return PriorityClass(s), nil
	default:
		return "", fmt.Errorf("unknown priority class %q", s)
	}
}

// Rank returns the numeric rank of the class; lower rank is higher priority.
func (p PriorityClass) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// PreemptionEligible reports whether an arriving task of this class may
// displace running low-priority work.
func (p PriorityClass) PreemptionEligible() bool {
	return p == PriorityCritical || p == PriorityHigh
}

// Outranks reports whether p is a strictly higher class than other.
func (p PriorityClass) Outranks(other PriorityClass) bool {
	return p.Rank() < other.Rank()
}

// Capability is the class of work a worker pool is qualified to process.
type Capability string

const (
	CapabilityReasoning Capability = "reasoning"
	CapabilityCodegen   Capability = "codegen"
	CapabilityML        Capability = "ml"
	CapabilitySandbox   Capability = "sandbox"
)

// Capabilities lists the built-in worker capabilities.
var Capabilities = []Capability{
	CapabilityReasoning,
	CapabilityCodegen,
	CapabilityML,
	CapabilitySandbox,
}

// ParseCapability parses a capability string.
func ParseCapability(s string) (Capability, error) {
	switch Capability(s) {
	case CapabilityReasoning, CapabilityCodegen, CapabilityML, CapabilitySandbox:
		return Capability(s), nil
	default:
		return "", fmt.Errorf("unknown capability %q", s)
	}
}

// Task is an accepted unit of work.
type Task struct {
	ID            string          `json:"task_id"`
	Method        string          `json:"method"`
	Version       string          `json:"version,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	Priority      PriorityClass   `json:"priority_class"`
	Capability    Capability      `json:"capability"`
	TenantID      string          `json:"tenant_id,omitempty"`
	SubmitterID   string          `json:"submitter_id,omitempty"`
	CorrelationID string          `json:"correlation_id"`
	SubmittedAt   time.Time       `json:"submitted_at"`
	Deadline      time.Time       `json:"deadline,omitzero"`
	Attempt       int             `json:"attempt"`
	Preempts      int             `json:"preempts"`
	Checkpoint    json.RawMessage `json:"checkpoint,omitempty"`
}

// Validate checks task-level invariants after acceptance.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id cannot be empty")
	}
	if t.Method == "" {
		return fmt.Errorf("task method cannot be empty")
	}
	if _, err := ParsePriorityClass(string(t.Priority)); err != nil {
		return err
	}
	if _, err := ParseCapability(string(t.Capability)); err != nil {
		return err
	}
	if !t.Deadline.IsZero() && t.Deadline.Before(t.SubmittedAt) {
		return fmt.Errorf("task deadline %s precedes submission time %s", t.Deadline, t.SubmittedAt)
	}
	return nil
}

// DeadlineExpired reports whether the task's deadline has passed at now.
func (t *Task) DeadlineExpired(now time.Time) bool {
	return !t.Deadline.IsZero() && now.After(t.Deadline)
}

// IdempotencyKey returns the stable key workers must use for external side
// effects on this attempt.
func (t *Task) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", t.ID, t.Attempt)
}
