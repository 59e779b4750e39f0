package saga

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a saga instance.
type Status string

const (
	StatusRunning      Status = "running"
	StatusCompensating Status = "compensating"
	StatusSucceeded    Status = "succeeded"
	StatusCompensated  Status = "compensated"
	StatusFailed       Status = "failed"
)

// transitions is the only legal edge set of the saga FSM.
var transitions = map[Status][]Status{
	StatusRunning:      {StatusSucceeded, StatusCompensating},
	StatusCompensating: {StatusCompensated, StatusFailed},
	StatusSucceeded:    {},
	StatusCompensated:  {},
	StatusFailed:       {},
}

// CanTransition reports whether from -> to is a legal FSM edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// StepStatus is the per-step execution state.
type StepStatus string

const (
	StepPending     StepStatus = "pending"
	StepRunning     StepStatus = "running"
	StepSucceeded   StepStatus = "succeeded"
	StepFailed      StepStatus = "failed"
	StepCompensated StepStatus = "compensated"
)

// StepRecord is the durable record of one step's progress.
type StepRecord struct {
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	Attempt     int        `json:"attempt"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at,omitzero"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`
}

// Instance is the durable state of one saga execution. It is checkpointed
// before and after every step so a crashed run resumes exactly where it
// stopped.
type Instance struct {
	ID           string                 `json:"id"`
	DefinitionID string                 `json:"definition_id"`
	Status       Status                 `json:"status"`
	// CurrentStep is the index of the step to run (or compensate) next.
	CurrentStep int                    `json:"current_step"`
	Input       map[string]any         `json:"input,omitempty"`
	Steps       []StepRecord           `json:"steps"`
	// FailedStep names the step whose terminal failure triggered
	// compensation, if any.
	FailedStep string    `json:"failed_step,omitempty"`
	Failure    string    `json:"failure,omitempty"`
	TaskID     string    `json:"task_id,omitempty"`
	TenantID   string    `json:"tenant_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewInstance builds a running instance for a validated definition.
func NewInstance(id string, def *Definition, input map[string]any) *Instance {
	now := time.Now().UTC()
	steps := make([]StepRecord, len(def.Steps))
	for i, s := range def.Steps {
		steps[i] = StepRecord{Name: s.Name, Status: StepPending}
	}
	return &Instance{
		ID:           id,
		DefinitionID: def.ID,
		Status:       StatusRunning,
		Input:        input,
		Steps:        steps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Transition moves the instance to a new status, enforcing the FSM.
func (in *Instance) Transition(to Status) error {
	if !CanTransition(in.Status, to) {
		return fmt.Errorf("illegal saga transition %s -> %s", in.Status, to)
	}
	in.Status = to
	in.UpdatedAt = time.Now().UTC()
	return nil
}

// Results collects the persisted results of all succeeded steps by name.
func (in *Instance) Results() map[string]any {
	out := make(map[string]any, len(in.Steps))
	for _, s := range in.Steps {
		if s.Status == StepSucceeded || s.Status == StepCompensated {
			out[s.Name] = s.Result
		}
	}
	return out
}
