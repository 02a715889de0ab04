package orchestrator

import (
	"context"
	"fmt"

	"opsguard/pkg/actionfsm"
	"opsguard/pkg/throttle"
)

// guardContext carries one execution attempt through the guard chain.
type guardContext struct {
	rec           *actionfsm.ActionRecord
	phase         string
	operationKind string
}

type guard struct {
	name string
	fn   func(ctx context.Context, o *Orchestrator, gc *guardContext) error
}

// executionGuards is the guard order for every execute-phase attempt:
// replay check, then tenant authorization, then throttle. The chain
// short-circuits on the first denial.
var executionGuards = []guard{
	{name: "replay", fn: guardReplay},
	{name: "tenant_policy", fn: guardTenantPolicy},
	{name: "throttle", fn: guardThrottle},
}

func (o *Orchestrator) runGuards(ctx context.Context, rec *actionfsm.ActionRecord, phase string) error {
	gc := &guardContext{rec: rec, phase: phase, operationKind: throttle.OpExecute}
	if phase == actionfsm.PhaseRollback {
		gc.operationKind = throttle.OpRollbackExecute
	}
	for _, g := range executionGuards {
		if err := g.fn(ctx, o, gc); err != nil {
			return err
		}
	}
	return nil
}

func guardReplay(ctx context.Context, o *Orchestrator, gc *guardContext) error {
	if gc.phase == actionfsm.PhaseRollback {
		if gc.rec.RollbackStatus != actionfsm.RollbackApproved {
			o.counters.IncReplayConflict()
			return fmt.Errorf("%w: rollback execute with rollback_status %s",
				actionfsm.ErrInvalidTransition, gc.rec.RollbackStatus)
		}
		return nil
	}
	if gc.rec.Status != actionfsm.StatusApproved {
		o.counters.IncReplayConflict()
		return fmt.Errorf("%w: execute with status %s", actionfsm.ErrInvalidTransition, gc.rec.Status)
	}
	return nil
}

func guardTenantPolicy(ctx context.Context, o *Orchestrator, gc *guardContext) error {
	d := o.tenantPolicy.EvaluateExecution(gc.rec.Tenant, gc.rec.ActionType)
	if !d.Allowed {
		o.counters.IncPolicyDenied(d.ReasonCode)
		return &PolicyDeniedError{ReasonCode: d.ReasonCode, Message: d.Message}
	}
	return nil
}

func guardThrottle(ctx context.Context, o *Orchestrator, gc *guardContext) error {
	d := o.throttle.Evaluate(ctx, gc.rec.Tenant, gc.rec.ActionType, gc.operationKind)
	if !d.Allowed {
		o.counters.IncThrottled(gc.operationKind)
		return &ThrottledError{RetryAfterSeconds: d.RetryAfterSeconds, Message: d.Message}
	}
	return nil
}
