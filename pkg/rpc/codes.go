package rpc

// Error taxonomy. Standard JSON-RPC codes plus the orchestrator range.
const (
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603

	CodeUnauthorized            = -32001
	CodeQuotaExceeded           = -32002
	CodeQueueUnavailable        = -32003
	CodeCapacityUnavailable     = -32004
	CodeBackpressure            = -32010
	CodeDeadlineExpired         = -32020
	CodeWorkerFailed            = -32030
	CodeSagaCompensationFailed  = -32040
	CodeSandboxPolicyViolation  = -32050
	CodeSandboxTimeout          = -32051
	CodeSandboxResourceExceeded = -32052
	CodeNotFound                = -32060
)

var codeNames = map[int]string{
	CodeInvalidRequest:          "invalid_request",
	CodeMethodNotFound:          "method_not_found",
	CodeInvalidParams:           "invalid_params",
	CodeInternal:                "internal",
	CodeUnauthorized:            "unauthorized",
	CodeQuotaExceeded:           "quota_exceeded",
	CodeQueueUnavailable:        "queue_unavailable",
	CodeCapacityUnavailable:     "capacity_unavailable",
	CodeBackpressure:            "backpressure",
	CodeDeadlineExpired:         "deadline_expired",
	CodeWorkerFailed:            "worker_failed",
	CodeSagaCompensationFailed:  "saga_compensation_failed",
	CodeSandboxPolicyViolation:  "sandbox_policy_violation",
	CodeSandboxTimeout:          "sandbox_timeout",
	CodeSandboxResourceExceeded: "sandbox_resource_exhausted",
	CodeNotFound:                "not_found",
}

// CodeName returns the stable symbolic name for a taxonomy code.
func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "unknown"
}
