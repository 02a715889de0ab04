package executor

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"opsguard/pkg/cloudapi"
)

const resourceReadDefaultTimeout = 10 * time.Second

// resourceIDPattern matches the hierarchical cloud resource path shape,
// e.g. /subscriptions/<scope>/resourceGroups/<rg>/providers/<ns>/<type>/<name>.
var resourceIDPattern = regexp.MustCompile(`^/subscriptions/([^/\s]+)(/.*)?$`)

// ResourceRead fetches a single cloud resource by id. The resource path is
// validated and its scope checked against the allowlist before any outbound
// call is made.
type ResourceRead struct {
	API            cloudapi.ResourceAPI
	ScopeAllowlist []string
	Timeout        time.Duration
}

func NewResourceRead(api cloudapi.ResourceAPI, scopeAllowlist []string) *ResourceRead {
	return &ResourceRead{API: api, ScopeAllowlist: scopeAllowlist, Timeout: resourceReadDefaultTimeout}
}

type resourceReadPayload struct {
	ResourceID string `json:"resourceId"`
}

func (r *ResourceRead) Execute(ctx context.Context, actionType string, payload json.RawMessage) Result {
	started := time.Now()

	var req resourceReadPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return failure(ModeResourceRead, ReasonInvalidPayload, "payload must be a JSON object with a resourceId field", started)
	}
	m := resourceIDPattern.FindStringSubmatch(strings.TrimSpace(req.ResourceID))
	if m == nil {
		return failure(ModeResourceRead, ReasonInvalidResourceID, "resourceId must be a /subscriptions/<scope>/... path", started)
	}
	scope := m[1]
	if !scopeAllowed(scope, r.ScopeAllowlist) {
		return failure(ModeResourceRead, ReasonTargetNotAllowlisted, "resource scope is not allowlisted", started)
	}

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = resourceReadDefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := r.API.GetResource(ctx, req.ResourceID)
	if err != nil {
		reason, detail := classifyUpstream(err)
		return failure(ModeResourceRead, reason, detail, started)
	}
	return success(ModeResourceRead, started, map[string]interface{}{
		"resource_id": req.ResourceID,
		"resource":    json.RawMessage(raw),
	})
}

func (r *ResourceRead) Rollback(ctx context.Context, actionType string, payload json.RawMessage) Result {
	started := time.Now()
	return rollbackUnsupported(ModeResourceRead, started)
}

// scopeAllowed treats an empty allowlist as allow-all.
func scopeAllowed(scope string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, s := range allowlist {
		if strings.EqualFold(strings.TrimSpace(s), scope) {
			return true
		}
	}
	return false
}
