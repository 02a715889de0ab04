package executor

import (
	"context"
	"encoding/json"
	"time"
)

// DryRun simulates execution without touching any external system. It is the
// default executor for every action type that has no real executor enabled.
type DryRun struct{}

func NewDryRun() *DryRun { return &DryRun{} }

type dryRunPayload struct {
	SimulateFailure bool `json:"simulateFailure"`
}

func (d *DryRun) Execute(ctx context.Context, actionType string, payload json.RawMessage) Result {
	return d.run(actionType, payload, "execute")
}

// Rollback in dry-run mode simulates a successful rollback so the full
// lifecycle can be exercised end to end without side effects.
func (d *DryRun) Rollback(ctx context.Context, actionType string, payload json.RawMessage) Result {
	return d.run(actionType, payload, "rollback")
}

func (d *DryRun) run(actionType string, payload json.RawMessage, phase string) Result {
	started := time.Now()
	if actionType == "" {
		return failure(ModeDryRun, ReasonInvalidActionType, "action type must not be empty", started)
	}
	if len(payload) == 0 || !json.Valid(payload) {
		return failure(ModeDryRun, ReasonInvalidPayload, "payload must be valid JSON", started)
	}
	var p dryRunPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return failure(ModeDryRun, ReasonInvalidPayload, "payload must be a JSON object", started)
	}
	if p.SimulateFailure {
		return failure(ModeDryRun, ReasonSimulatedFailure, "failure requested via simulateFailure", started)
	}
	return success(ModeDryRun, started, map[string]interface{}{
		"simulated":   true,
		"phase":       phase,
		"action_type": actionType,
	})
}
