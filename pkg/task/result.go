package task

import (
	"encoding/json"
	"time"
)

// ResultStatus is the terminal status of a task.
type ResultStatus string

const (
	StatusOK              ResultStatus = "ok"
	StatusError           ResultStatus = "error"
	StatusTimeout         ResultStatus = "timeout"
	StatusCancelled       ResultStatus = "cancelled"
	StatusCompensated     ResultStatus = "compensated"
	StatusDeadlineExpired ResultStatus = "deadline_expired"
	StatusPolicyViolation ResultStatus = "policy_violation"
	StatusSandboxTimeout  ResultStatus = "sandbox_timeout"
)

// Result is the immutable outcome record for a task.
type Result struct {
	TaskID      string          `json:"task_id"`
	Status      ResultStatus    `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
	ErrorMsg    string          `json:"error_message,omitempty"`
	Attempt     int             `json:"attempt"`
	CompletedAt time.Time       `json:"completed_at"`
	TraceID     string          `json:"trace_id,omitempty"`
}

// Terminal reports whether the status closes the task lifecycle. All result
// statuses are terminal; the method exists to keep call sites explicit.
func (s ResultStatus) Terminal() bool {
	switch s {
	case StatusOK, StatusError, StatusTimeout, StatusCancelled, StatusCompensated,
		StatusDeadlineExpired, StatusPolicyViolation, StatusSandboxTimeout:
		return true
	default:
		return false
	}
}
