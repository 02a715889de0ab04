package orchestrator

import "fmt"

// PolicyDeniedError carries the reason code of a catalog or policy denial.
// Callers map it to HTTP 400.
type PolicyDeniedError struct {
	ReasonCode string
	Message    string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied (%s): %s", e.ReasonCode, e.Message)
}

// ThrottledError carries the retry hint of a throttle denial. Callers map it
// to HTTP 429 with a Retry-After header.
type ThrottledError struct {
	RetryAfterSeconds int
	Message           string
}

func (e *ThrottledError) Error() string {
	return fmt.Sprintf("throttled: %s (retry after %ds)", e.Message, e.RetryAfterSeconds)
}
