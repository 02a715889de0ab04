// Package executor holds the guarded executor implementations behind one
// contract. Executors never return Go errors for expected failures: every
// outcome is a Result so the orchestrator can persist it as data.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"opsguard/pkg/cloudapi"
)

const (
	ModeDryRun       = "dry_run"
	ModeHTTPProbe    = "http_probe"
	ModeResourceRead = "resource_read"
	ModeQuery        = "query"
)

const (
	ReasonSimulatedFailure     = "simulated_failure"
	ReasonInvalidActionType    = "invalid_action_type"
	ReasonInvalidPayload       = "invalid_payload"
	ReasonMethodNotAllowed     = "method_not_allowed"
	ReasonURLBlocked           = "url_blocked"
	ReasonHTTPError            = "http_error"
	ReasonTimeout              = "timeout"
	ReasonRollbackUnsupported  = "rollback_not_supported"
	ReasonTargetNotAllowlisted = "target_not_allowlisted"
	ReasonBlockedQueryPattern  = "blocked_query_pattern"
	ReasonInvalidResourceID    = "invalid_resource_id"
	ReasonInvalidWorkspaceID   = "invalid_workspace_id"
	ReasonAuthFailed           = "auth_failed"
	ReasonForbidden            = "forbidden"
	ReasonNotFound             = "not_found"
	ReasonRequestFailed        = "request_failed"
	ReasonUnexpectedError      = "unexpected_error"
)

// Result is the uniform executor outcome. ResponseRaw always carries a "mode"
// discriminator; failures additionally carry "reason" and "detail".
type Result struct {
	Success     bool            `json:"success"`
	ResponseRaw json.RawMessage `json:"response"`
	DurationMS  int64           `json:"duration_ms"`
}

// Executor is the contract every concrete executor satisfies.
type Executor interface {
	Execute(ctx context.Context, actionType string, payload json.RawMessage) Result
	Rollback(ctx context.Context, actionType string, payload json.RawMessage) Result
}

func success(mode string, started time.Time, fields map[string]interface{}) Result {
	body := map[string]interface{}{"mode": mode}
	for k, v := range fields {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	return Result{Success: true, ResponseRaw: raw, DurationMS: sinceMS(started)}
}

func failure(mode, reason, detail string, started time.Time) Result {
	raw, _ := json.Marshal(map[string]interface{}{
		"mode":   mode,
		"reason": reason,
		"detail": detail,
	})
	return Result{Success: false, ResponseRaw: raw, DurationMS: sinceMS(started)}
}

func rollbackUnsupported(mode string, started time.Time) Result {
	return failure(mode, ReasonRollbackUnsupported, "this executor cannot roll back; use manual guidance", started)
}

func sinceMS(started time.Time) int64 {
	ms := time.Since(started).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return ms
}

// classifyUpstream maps classified upstream errors to stable reason codes.
// Raw error text never crosses the executor boundary.
func classifyUpstream(err error) (string, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout, "upstream call exceeded its deadline"
	case errors.Is(err, cloudapi.ErrAuthFailed):
		return ReasonAuthFailed, "upstream rejected the credentials"
	case errors.Is(err, cloudapi.ErrForbidden):
		return ReasonForbidden, "upstream denied access to the target"
	case errors.Is(err, cloudapi.ErrNotFound):
		return ReasonNotFound, "upstream target does not exist"
	case errors.Is(err, cloudapi.ErrRequestFailed):
		return ReasonRequestFailed, "upstream request failed"
	default:
		return ReasonUnexpectedError, "unrecognized upstream failure"
	}
}
