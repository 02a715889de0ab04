package actionfsm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
)

const (
	PhaseExecute  = "EXECUTE"
	PhaseRollback = "ROLLBACK"
)

// ApprovalRecord is an immutable human decision appended to an action record.
type ApprovalRecord struct {
	ActionRecordID   string    `json:"action_record_id"`
	Phase            string    `json:"phase"`
	ApproverIdentity string    `json:"approver_identity"`
	Decision         string    `json:"decision"`
	Reason           string    `json:"reason,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ExecutionLog is one append-only entry per executor invocation. Attempts
// blocked by a guard never produce a log entry.
type ExecutionLog struct {
	ActionRecordID string          `json:"action_record_id"`
	Phase          string          `json:"phase"`
	RequestRaw     json.RawMessage `json:"request_raw,omitempty"`
	ResponseRaw    json.RawMessage `json:"response_raw,omitempty"`
	Success        bool            `json:"success"`
	DurationMS     int64           `json:"duration_ms"`
	CreatedAt      time.Time       `json:"created_at"`
}

// ActionRecord is the audited aggregate for one proposed operational action.
type ActionRecord struct {
	ID                     string          `json:"id"`
	Tenant                 string          `json:"tenant"`
	RunID                  string          `json:"run_id"`
	ActionType             string          `json:"action_type"`
	ProposedPayloadRaw     json.RawMessage `json:"proposed_payload,omitempty"`
	RollbackPayloadRaw     json.RawMessage `json:"rollback_payload,omitempty"`
	ManualRollbackGuidance string          `json:"manual_rollback_guidance,omitempty"`
	Status                 string          `json:"status"`
	RollbackStatus         string          `json:"rollback_status"`
	OutcomeRaw             json.RawMessage `json:"outcome,omitempty"`
	RollbackOutcomeRaw     json.RawMessage `json:"rollback_outcome,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
	Version                int64           `json:"version"`

	Approvals []ApprovalRecord `json:"approvals,omitempty"`
	Logs      []ExecutionLog   `json:"execution_logs,omitempty"`
}

// NewActionRecord derives RollbackStatus exactly once: a rollback payload makes
// the action reversible, guidance alone requires a manual rollback, neither
// means no rollback path exists. Later rollback transitions are the only thing
// allowed to change it.
func NewActionRecord(id, tenant, runID, actionType string, payload, rollbackPayload json.RawMessage, guidance string, now time.Time) (*ActionRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("action record id required")
	}
	if strings.TrimSpace(tenant) == "" {
		return nil, fmt.Errorf("tenant required")
	}
	if strings.TrimSpace(actionType) == "" {
		return nil, fmt.Errorf("action type required")
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("proposed payload required")
	}
	// Payloads land in JSONB columns; reject garbage here rather than at
	// insert time.
	if !json.Valid(payload) {
		return nil, fmt.Errorf("proposed payload must be valid JSON")
	}
	if len(rollbackPayload) > 0 && !json.Valid(rollbackPayload) {
		return nil, fmt.Errorf("rollback payload must be valid JSON")
	}
	rollbackStatus := RollbackNone
	if len(rollbackPayload) > 0 {
		rollbackStatus = RollbackAvailable
	} else if strings.TrimSpace(guidance) != "" {
		rollbackStatus = RollbackManualRequired
	}
	return &ActionRecord{
		ID:                     id,
		Tenant:                 tenant,
		RunID:                  runID,
		ActionType:             actionType,
		ProposedPayloadRaw:     payload,
		RollbackPayloadRaw:     rollbackPayload,
		ManualRollbackGuidance: guidance,
		Status:                 StatusProposed,
		RollbackStatus:         rollbackStatus,
		CreatedAt:              now.UTC(),
	}, nil
}

func (r *ActionRecord) transitionStatus(to string) error {
	next, err := Transition(r.Status, to)
	if err != nil {
		return fmt.Errorf("%w: status %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = next
	return nil
}

func (r *ActionRecord) transitionRollback(to string) error {
	next, err := TransitionRollback(r.RollbackStatus, to)
	if err != nil {
		return fmt.Errorf("%w: rollback_status %s -> %s", ErrInvalidTransition, r.RollbackStatus, to)
	}
	r.RollbackStatus = next
	return nil
}

func (r *ActionRecord) Approve() error {
	return r.transitionStatus(StatusApproved)
}

func (r *ActionRecord) Reject() error {
	return r.transitionStatus(StatusRejected)
}

func (r *ActionRecord) MarkExecuting() error {
	return r.transitionStatus(StatusExecuting)
}

func (r *ActionRecord) CompleteExecution(outcome json.RawMessage, now time.Time) error {
	if err := r.transitionStatus(StatusCompleted); err != nil {
		return err
	}
	r.OutcomeRaw = outcome
	at := now.UTC()
	r.CompletedAt = &at
	return nil
}

func (r *ActionRecord) FailExecution(outcome json.RawMessage, now time.Time) error {
	if err := r.transitionStatus(StatusFailed); err != nil {
		return err
	}
	r.OutcomeRaw = outcome
	at := now.UTC()
	r.CompletedAt = &at
	return nil
}

// RequestRollback is only legal after a completed execution with a stored
// rollback payload.
func (r *ActionRecord) RequestRollback() error {
	if r.Status != StatusCompleted {
		return fmt.Errorf("%w: rollback requested with status %s", ErrInvalidTransition, r.Status)
	}
	return r.transitionRollback(RollbackPending)
}

func (r *ActionRecord) ApproveRollback() error {
	return r.transitionRollback(RollbackApproved)
}

func (r *ActionRecord) CompleteRollback(outcome json.RawMessage) error {
	if err := r.transitionRollback(RollbackRolledBack); err != nil {
		return err
	}
	r.RollbackOutcomeRaw = outcome
	return nil
}

func (r *ActionRecord) FailRollback(outcome json.RawMessage) error {
	if err := r.transitionRollback(RollbackFailed); err != nil {
		return err
	}
	r.RollbackOutcomeRaw = outcome
	return nil
}

func (r *ActionRecord) AppendApproval(phase, approver, decision, reason string, now time.Time) ApprovalRecord {
	rec := ApprovalRecord{
		ActionRecordID:   r.ID,
		Phase:            phase,
		ApproverIdentity: approver,
		Decision:         decision,
		Reason:           reason,
		CreatedAt:        now.UTC(),
	}
	r.Approvals = append(r.Approvals, rec)
	return rec
}

func (r *ActionRecord) AppendLog(phase string, request, response json.RawMessage, success bool, durationMS int64, now time.Time) ExecutionLog {
	entry := ExecutionLog{
		ActionRecordID: r.ID,
		Phase:          phase,
		RequestRaw:     request,
		ResponseRaw:    response,
		Success:        success,
		DurationMS:     durationMS,
		CreatedAt:      now.UTC(),
	}
	r.Logs = append(r.Logs, entry)
	return entry
}
