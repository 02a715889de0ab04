package executor

import (
	"context"
	"encoding/json"
	"strings"
)

// Action types with real executor implementations. Everything else is served
// by the dry-run simulator.
const (
	ActionHTTPProbe    = "http_probe"
	ActionResourceRead = "resource_read"
	ActionRunQuery     = "run_query"
)

// Flags selects, per action type, whether the real executor or the dry-run
// simulator handles the call. All default to false (dry-run everywhere).
type Flags struct {
	HTTPProbe    bool
	ResourceRead bool
	RunQuery     bool
}

// Router dispatches on action type. Dispatch is a pure mapping from
// (actionType, flags) to executor; the mapping holds no state.
type Router struct {
	DryRun   Executor
	Probe    Executor
	Resource Executor
	Query    Executor
	Flags    Flags
}

func NewRouter(dryRun, probe, resource, query Executor, flags Flags) *Router {
	return &Router{DryRun: dryRun, Probe: probe, Resource: resource, Query: query, Flags: flags}
}

func (r *Router) pick(actionType string) Executor {
	switch strings.ToLower(strings.TrimSpace(actionType)) {
	case ActionHTTPProbe:
		if r.Flags.HTTPProbe && r.Probe != nil {
			return r.Probe
		}
	case ActionResourceRead:
		if r.Flags.ResourceRead && r.Resource != nil {
			return r.Resource
		}
	case ActionRunQuery:
		if r.Flags.RunQuery && r.Query != nil {
			return r.Query
		}
	}
	return r.DryRun
}

func (r *Router) Execute(ctx context.Context, actionType string, payload json.RawMessage) Result {
	return r.pick(actionType).Execute(ctx, actionType, payload)
}

func (r *Router) Rollback(ctx context.Context, actionType string, payload json.RawMessage) Result {
	return r.pick(actionType).Rollback(ctx, actionType, payload)
}
