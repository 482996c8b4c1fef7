package domain

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies failures for the control surface.
type ErrorCategory string

const (
	CategoryNotFound    ErrorCategory = "not_found"
	CategoryValidation  ErrorCategory = "validation"
	CategoryConflict    ErrorCategory = "conflict" // includes Locked session
	CategoryRiskBlocked ErrorCategory = "risk_blocked"
	CategoryBroker      ErrorCategory = "broker_error"
	CategoryInternal    ErrorCategory = "internal"
)

// Sentinel errors for portfolio invariants.
var (
	ErrInsufficientFunds = errors.New("insufficient available funds")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// InvalidTransitionError reports an order or session state-machine
// violation: the event is not legal in the current state.
type InvalidTransitionError struct {
	Entity string // "order" or "session"
	From   string
	Event  string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition: %s on %s", e.Entity, e.Event, e.From)
}

// NotFoundError reports a lookup miss on the control surface.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// ConflictError reports an operation refused by session state,
// e.g. placing an order while the session is locked.
type ConflictError struct {
	Op     string
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// RiskBlockedError carries the validator's block reason to the caller.
type RiskBlockedError struct {
	Reason string
}

func (e *RiskBlockedError) Error() string {
	return "risk blocked: " + e.Reason
}

// Categorize maps an error to its control-surface category.
func Categorize(err error) ErrorCategory {
	var inv *InvalidTransitionError
	var conflict *ConflictError
	var blocked *RiskBlockedError
	var missing *NotFoundError
	switch {
	case errors.As(err, &missing):
		return CategoryNotFound
	case errors.As(err, &blocked):
		return CategoryRiskBlocked
	case errors.As(err, &conflict):
		return CategoryConflict
	case errors.As(err, &inv):
		return CategoryValidation
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInvalidAmount):
		return CategoryValidation
	default:
		return CategoryInternal
	}
}
