package actionfsm

import "errors"

const (
	StatusProposed  = "PROPOSED"
	StatusApproved  = "APPROVED"
	StatusRejected  = "REJECTED"
	StatusExecuting = "EXECUTING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

const (
	RollbackNone           = "NONE"
	RollbackAvailable      = "AVAILABLE"
	RollbackManualRequired = "MANUAL_REQUIRED"
	RollbackPending        = "PENDING"
	RollbackApproved       = "APPROVED"
	RollbackRolledBack     = "ROLLED_BACK"
	RollbackFailed         = "ROLLBACK_FAILED"
)

var ErrInvalidTransition = errors.New("invalid action transition")

func CanTransition(from, to string) bool {
	switch from {
	case StatusProposed:
		return to == StatusApproved || to == StatusRejected
	case StatusApproved:
		return to == StatusExecuting
	case StatusExecuting:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

func CanTransitionRollback(from, to string) bool {
	switch from {
	case RollbackAvailable:
		return to == RollbackPending
	case RollbackPending:
		return to == RollbackApproved
	case RollbackApproved:
		return to == RollbackRolledBack || to == RollbackFailed
	default:
		return false
	}
}

func TransitionRollback(from, to string) (string, error) {
	if !CanTransitionRollback(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// IsTerminal reports whether no further execution-phase transition is permitted.
func IsTerminal(status string) bool {
	switch status {
	case StatusRejected, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

func IsRollbackTerminal(rollbackStatus string) bool {
	switch rollbackStatus {
	case RollbackRolledBack, RollbackFailed, RollbackNone:
		return true
	default:
		return false
	}
}
