package executor

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"opsguard/pkg/cloudapi"
)

const (
	queryDefaultTimeout  = 30 * time.Second
	queryDefaultTimespan = 60
	queryMinTimespan     = 1
	queryMaxTimespan     = 1440
)

// blockedQueryMarkers are the management-command markers that turn a query
// from read into write. Matching is case-insensitive substring.
var blockedQueryMarkers = []string{
	".create",
	".alter",
	".drop",
	".ingest",
	".append",
	".set",
	".set-or-append",
	".set-or-replace",
	".delete",
	".execute",
	".purge",
	".clear",
	".rename",
}

// QueryRun executes a read-only query against an allowlisted workspace.
// Mutating command markers are rejected before the query leaves the process.
type QueryRun struct {
	API                cloudapi.QueryAPI
	WorkspaceAllowlist []string
	Timeout            time.Duration
}

func NewQueryRun(api cloudapi.QueryAPI, workspaceAllowlist []string) *QueryRun {
	return &QueryRun{API: api, WorkspaceAllowlist: workspaceAllowlist, Timeout: queryDefaultTimeout}
}

type queryPayload struct {
	WorkspaceID     string `json:"workspaceId"`
	Query           string `json:"query"`
	TimespanMinutes int    `json:"timespanMinutes"`
}

func (q *QueryRun) Execute(ctx context.Context, actionType string, payload json.RawMessage) Result {
	started := time.Now()

	var req queryPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return failure(ModeQuery, ReasonInvalidPayload, "payload must be a JSON object with workspaceId and query fields", started)
	}
	if _, err := uuid.Parse(strings.TrimSpace(req.WorkspaceID)); err != nil {
		return failure(ModeQuery, ReasonInvalidWorkspaceID, "workspaceId must be a well-formed identifier", started)
	}
	if strings.TrimSpace(req.Query) == "" {
		return failure(ModeQuery, ReasonInvalidPayload, "query must not be empty", started)
	}
	if marker := blockedMarker(req.Query); marker != "" {
		return failure(ModeQuery, ReasonBlockedQueryPattern, "query contains blocked command marker "+marker, started)
	}
	if !scopeAllowed(strings.TrimSpace(req.WorkspaceID), q.WorkspaceAllowlist) {
		return failure(ModeQuery, ReasonTargetNotAllowlisted, "workspace is not allowlisted", started)
	}

	timespan := req.TimespanMinutes
	if timespan == 0 {
		timespan = queryDefaultTimespan
	}
	if timespan < queryMinTimespan {
		timespan = queryMinTimespan
	}
	if timespan > queryMaxTimespan {
		timespan = queryMaxTimespan
	}

	timeout := q.Timeout
	if timeout <= 0 {
		timeout = queryDefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rows, err := q.API.Query(ctx, strings.TrimSpace(req.WorkspaceID), req.Query, timespan)
	if err != nil {
		reason, detail := classifyUpstream(err)
		return failure(ModeQuery, reason, detail, started)
	}
	return success(ModeQuery, started, map[string]interface{}{
		"workspace_id":     strings.TrimSpace(req.WorkspaceID),
		"timespan_minutes": timespan,
		"rows":             json.RawMessage(rows),
	})
}

func (q *QueryRun) Rollback(ctx context.Context, actionType string, payload json.RawMessage) Result {
	started := time.Now()
	return rollbackUnsupported(ModeQuery, started)
}

func blockedMarker(query string) string {
	lower := strings.ToLower(query)
	for _, m := range blockedQueryMarkers {
		if strings.Contains(lower, m) {
			return m
		}
	}
	return ""
}
