// Package store persists action records. The orchestrator consumes the
// Repository contract; Postgres backs production, the in-memory variant backs
// tests and local runs.
package store

import (
	"context"
	"errors"

	"opsguard/pkg/actionfsm"
)

var (
	ErrNotFound        = errors.New("action record not found")
	ErrVersionConflict = errors.New("action record version conflict")
)

// TenantFilter narrows QueryByTenant. Zero values mean no constraint.
type TenantFilter struct {
	Tenant     string
	RunID      string
	Status     string
	ActionType string
	Limit      int
}

// Repository is the persistence contract for action records. Save performs an
// optimistic-concurrency check on the record version and bumps it; Append*
// write immutable child rows without touching the header.
type Repository interface {
	CreateActionRecord(ctx context.Context, rec *actionfsm.ActionRecord) error
	GetByID(ctx context.Context, id string) (*actionfsm.ActionRecord, error)
	Save(ctx context.Context, rec *actionfsm.ActionRecord) error
	AppendApproval(ctx context.Context, approval actionfsm.ApprovalRecord) error
	AppendExecutionLog(ctx context.Context, entry actionfsm.ExecutionLog) error
	QueryByTenant(ctx context.Context, filter TenantFilter) ([]*actionfsm.ActionRecord, error)
}
