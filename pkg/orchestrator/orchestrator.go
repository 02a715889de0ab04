// Package orchestrator drives the action lifecycle: propose, human approval,
// guarded execution, and guarded rollback. Every execute-phase attempt passes
// through an explicit ordered guard chain before the executor is invoked.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"opsguard/pkg/actionfsm"
	"opsguard/pkg/catalog"
	"opsguard/pkg/executor"
	"opsguard/pkg/policy"
	"opsguard/pkg/store"
	"opsguard/pkg/throttle"
)

// Counters is the telemetry sink the orchestrator reports to.
type Counters interface {
	IncExecutionAttempt(phase string)
	IncExecutionSuccess(phase string)
	IncExecutionFailure(phase, reason string)
	IncPolicyDenied(reason string)
	IncReplayConflict()
	IncThrottled(operationKind string)
	IncApprovalDecision(phase, decision string)
}

// NopCounters discards everything.
type NopCounters struct{}

func (NopCounters) IncExecutionAttempt(string)        {}
func (NopCounters) IncExecutionSuccess(string)        {}
func (NopCounters) IncExecutionFailure(string, string) {}
func (NopCounters) IncPolicyDenied(string)            {}
func (NopCounters) IncReplayConflict()                {}
func (NopCounters) IncThrottled(string)               {}
func (NopCounters) IncApprovalDecision(string, string) {}

// Events receives lifecycle notifications after a state change is persisted.
// Delivery is best effort; implementations must not block.
type Events interface {
	PublishActionEvent(ctx context.Context, eventType string, rec *actionfsm.ActionRecord)
}

type nopEvents struct{}

func (nopEvents) PublishActionEvent(context.Context, string, *actionfsm.ActionRecord) {}

// Lifecycle event types.
const (
	EventProposed         = "action.proposed"
	EventApproved         = "action.approved"
	EventRejected         = "action.rejected"
	EventCompleted        = "action.completed"
	EventFailed           = "action.failed"
	EventRollbackRequested = "action.rollback_requested"
	EventRollbackApproved  = "action.rollback_approved"
	EventRolledBack        = "action.rolled_back"
	EventRollbackFailed    = "action.rollback_failed"
)

type Orchestrator struct {
	repo         store.Repository
	catalog      *catalog.Catalog
	proposal     *policy.ProposalPolicy
	tenantPolicy *policy.TenantExecutionPolicy
	throttle     *throttle.Throttle
	exec         executor.Executor
	counters     Counters
	events       Events

	newID func() string
	now   func() time.Time
}

func New(repo store.Repository, cat *catalog.Catalog, proposal *policy.ProposalPolicy,
	tenantPolicy *policy.TenantExecutionPolicy, thr *throttle.Throttle, exec executor.Executor) *Orchestrator {
	return &Orchestrator{
		repo:         repo,
		catalog:      cat,
		proposal:     proposal,
		tenantPolicy: tenantPolicy,
		throttle:     thr,
		exec:         exec,
		counters:     NopCounters{},
		events:       nopEvents{},
		newID:        uuid.NewString,
		now:          time.Now,
	}
}

func (o *Orchestrator) WithCounters(c Counters) *Orchestrator {
	if c != nil {
		o.counters = c
	}
	return o
}

func (o *Orchestrator) WithEvents(e Events) *Orchestrator {
	if e != nil {
		o.events = e
	}
	return o
}

type ProposeRequest struct {
	Tenant          string
	RunID           string
	ActionType      string
	Payload         json.RawMessage
	RollbackPayload json.RawMessage
	Guidance        string
}

// Propose gates on the catalog and the proposal policy, then creates and
// persists a new record in PROPOSED. Denials create nothing.
func (o *Orchestrator) Propose(ctx context.Context, req ProposeRequest) (*actionfsm.ActionRecord, error) {
	if !o.catalog.IsAllowlisted(req.ActionType) {
		o.counters.IncPolicyDenied(policy.ReasonActionTypeBlocked)
		return nil, &PolicyDeniedError{
			ReasonCode: policy.ReasonActionTypeBlocked,
			Message:    fmt.Sprintf("action type %q is not in the catalog or is disabled", req.ActionType),
		}
	}
	if d := o.proposal.Evaluate(req.Tenant, req.ActionType); !d.Allowed {
		o.counters.IncPolicyDenied(d.ReasonCode)
		return nil, &PolicyDeniedError{ReasonCode: d.ReasonCode, Message: d.Message}
	}
	rec, err := actionfsm.NewActionRecord(o.newID(), req.Tenant, req.RunID, req.ActionType,
		req.Payload, req.RollbackPayload, req.Guidance, o.now())
	if err != nil {
		return nil, err
	}
	if err := o.repo.CreateActionRecord(ctx, rec); err != nil {
		return nil, err
	}
	o.events.PublishActionEvent(ctx, EventProposed, rec)
	return rec, nil
}

func (o *Orchestrator) Approve(ctx context.Context, id, approver, reason string) (*actionfsm.ActionRecord, error) {
	return o.decide(ctx, id, approver, reason, actionfsm.DecisionApproved)
}

func (o *Orchestrator) Reject(ctx context.Context, id, approver, reason string) (*actionfsm.ActionRecord, error) {
	return o.decide(ctx, id, approver, reason, actionfsm.DecisionRejected)
}

func (o *Orchestrator) decide(ctx context.Context, id, approver, reason, decision string) (*actionfsm.ActionRecord, error) {
	rec, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if decision == actionfsm.DecisionApproved {
		err = rec.Approve()
	} else {
		err = rec.Reject()
	}
	if err != nil {
		return nil, err
	}
	approval := rec.AppendApproval(actionfsm.PhaseExecute, approver, decision, reason, o.now())
	if err := o.repo.AppendApproval(ctx, approval); err != nil {
		return nil, err
	}
	if err := o.repo.Save(ctx, rec); err != nil {
		return nil, err
	}
	o.counters.IncApprovalDecision(actionfsm.PhaseExecute, decision)
	if decision == actionfsm.DecisionApproved {
		o.events.PublishActionEvent(ctx, EventApproved, rec)
	} else {
		o.events.PublishActionEvent(ctx, EventRejected, rec)
	}
	return rec, nil
}

// Execute runs the guard chain, marks the record EXECUTING, invokes the
// executor, and lands the record in COMPLETED or FAILED. Executor failures are
// data: the error return is reserved for guard denials and persistence
// failures.
func (o *Orchestrator) Execute(ctx context.Context, id string) (*actionfsm.ActionRecord, error) {
	rec, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.runGuards(ctx, rec, actionfsm.PhaseExecute); err != nil {
		return nil, err
	}
	if err := rec.MarkExecuting(); err != nil {
		return nil, err
	}
	if err := o.repo.Save(ctx, rec); err != nil {
		return nil, err
	}

	o.counters.IncExecutionAttempt(actionfsm.PhaseExecute)
	res := o.exec.Execute(ctx, rec.ActionType, rec.ProposedPayloadRaw)

	now := o.now()
	if res.Success {
		err = rec.CompleteExecution(res.ResponseRaw, now)
	} else {
		err = rec.FailExecution(res.ResponseRaw, now)
	}
	if err != nil {
		return nil, err
	}
	entry := rec.AppendLog(actionfsm.PhaseExecute, rec.ProposedPayloadRaw, res.ResponseRaw, res.Success, res.DurationMS, now)
	if err := o.repo.AppendExecutionLog(ctx, entry); err != nil {
		return nil, err
	}
	if err := o.repo.Save(ctx, rec); err != nil {
		return nil, err
	}

	if res.Success {
		o.counters.IncExecutionSuccess(actionfsm.PhaseExecute)
		o.events.PublishActionEvent(ctx, EventCompleted, rec)
	} else {
		o.counters.IncExecutionFailure(actionfsm.PhaseExecute, failureReason(res.ResponseRaw))
		o.events.PublishActionEvent(ctx, EventFailed, rec)
	}
	return rec, nil
}

// RequestRollback is gated only by record state; policy and throttle apply at
// rollback execution time.
func (o *Orchestrator) RequestRollback(ctx context.Context, id string) (*actionfsm.ActionRecord, error) {
	rec, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rec.RequestRollback(); err != nil {
		return nil, err
	}
	if err := o.repo.Save(ctx, rec); err != nil {
		return nil, err
	}
	o.events.PublishActionEvent(ctx, EventRollbackRequested, rec)
	return rec, nil
}

func (o *Orchestrator) ApproveRollback(ctx context.Context, id, approver, reason string) (*actionfsm.ActionRecord, error) {
	rec, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := rec.ApproveRollback(); err != nil {
		return nil, err
	}
	approval := rec.AppendApproval(actionfsm.PhaseRollback, approver, actionfsm.DecisionApproved, reason, o.now())
	if err := o.repo.AppendApproval(ctx, approval); err != nil {
		return nil, err
	}
	if err := o.repo.Save(ctx, rec); err != nil {
		return nil, err
	}
	o.counters.IncApprovalDecision(actionfsm.PhaseRollback, actionfsm.DecisionApproved)
	o.events.PublishActionEvent(ctx, EventRollbackApproved, rec)
	return rec, nil
}

// ExecuteRollback mirrors Execute against the rollback state machine with
// operation kind "rollback_execute" for throttling.
func (o *Orchestrator) ExecuteRollback(ctx context.Context, id string) (*actionfsm.ActionRecord, error) {
	rec, err := o.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := o.runGuards(ctx, rec, actionfsm.PhaseRollback); err != nil {
		return nil, err
	}

	o.counters.IncExecutionAttempt(actionfsm.PhaseRollback)
	res := o.exec.Rollback(ctx, rec.ActionType, rec.RollbackPayloadRaw)

	if res.Success {
		err = rec.CompleteRollback(res.ResponseRaw)
	} else {
		err = rec.FailRollback(res.ResponseRaw)
	}
	if err != nil {
		return nil, err
	}
	entry := rec.AppendLog(actionfsm.PhaseRollback, rec.RollbackPayloadRaw, res.ResponseRaw, res.Success, res.DurationMS, o.now())
	if err := o.repo.AppendExecutionLog(ctx, entry); err != nil {
		return nil, err
	}
	if err := o.repo.Save(ctx, rec); err != nil {
		return nil, err
	}

	if res.Success {
		o.counters.IncExecutionSuccess(actionfsm.PhaseRollback)
		o.events.PublishActionEvent(ctx, EventRolledBack, rec)
	} else {
		o.counters.IncExecutionFailure(actionfsm.PhaseRollback, failureReason(res.ResponseRaw))
		o.events.PublishActionEvent(ctx, EventRollbackFailed, rec)
	}
	return rec, nil
}

func (o *Orchestrator) Get(ctx context.Context, id string) (*actionfsm.ActionRecord, error) {
	return o.repo.GetByID(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context, filter store.TenantFilter) ([]*actionfsm.ActionRecord, error) {
	return o.repo.QueryByTenant(ctx, filter)
}

func failureReason(response json.RawMessage) string {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(response, &body); err != nil || body.Reason == "" {
		return executor.ReasonUnexpectedError
	}
	return body.Reason
}
