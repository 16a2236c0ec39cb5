/*
errors.go - Centralized error types for the affiliate engine

PURPOSE:
  All failure kinds returned to callers live here. Every error carries a
  message suitable for direct display; callers branch with errors.Is on
  the sentinels and errors.As on the structured types.

ERROR CATEGORIES:
  1. Lookup errors - NotFound
  2. Authorization errors - Unauthorized
  3. State machine errors - InvalidStateTransition, AlreadySubmitted, AlreadyDecided
  4. Money errors - NoTierConfigured, ledger imbalance
  5. Recovery errors - RecoveryInProgressOrDone
  6. Validation errors - missing mandatory fields
  7. Store errors - duplicate keys, concurrent modification

SEE ALSO:
  - api/handlers.go: maps these kinds to HTTP status codes
*/
package affiliate

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound = errors.New("not found")

	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidStateTransition is returned for any transition the state
	// machine does not allow. ErrAlreadySubmitted and ErrAlreadyDecided
	// errors also match it.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	ErrAlreadySubmitted = errors.New("already submitted")

	ErrAlreadyDecided = errors.New("already decided")

	// ErrNoTierConfigured blocks approval. Commission never defaults to zero.
	ErrNoTierConfigured = errors.New("no commission tier configured")

	// ErrRecoveryInProgressOrDone is returned when the recovery guard on a
	// contract has already been claimed.
	ErrRecoveryInProgressOrDone = errors.New("recovery already in progress or done")

	ErrValidation = errors.New("validation failed")

	// ErrLedgerImbalance means the computed entries do not sum to the tier total.
	ErrLedgerImbalance = errors.New("ledger entries do not balance")

	// Store level.
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrDuplicateKey           = errors.New("duplicate key")
	ErrDuplicateLedgerEntry   = errors.New("duplicate ledger entry")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError names the missing record.
type NotFoundError struct {
	Kind string // "partner", "sale", "contract", "lead"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// UnauthorizedError explains why an actor was refused.
type UnauthorizedError struct {
	ActorID string
	Action  string
	Reason  string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("%s is not allowed to %s: %s", e.ActorID, e.Action, e.Reason)
}

func (e *UnauthorizedError) Unwrap() error { return ErrUnauthorized }

// TransitionError reports a refused state change. Kind is ErrAlreadySubmitted,
// ErrAlreadyDecided or nil for a plain invalid transition.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	Action string
	Kind   error
}

func (e *TransitionError) Error() string {
	switch e.Kind {
	case ErrAlreadySubmitted:
		return fmt.Sprintf("%s %s already has evidence awaiting review", e.Entity, e.ID)
	case ErrAlreadyDecided:
		return fmt.Sprintf("%s %s was already decided (status %s)", e.Entity, e.ID, e.From)
	}
	return fmt.Sprintf("cannot %s %s %s in status %s", e.Action, e.Entity, e.ID, e.From)
}

func (e *TransitionError) Unwrap() []error {
	if e.Kind != nil {
		return []error{e.Kind, ErrInvalidStateTransition}
	}
	return []error{ErrInvalidStateTransition}
}

// NoTierError identifies the tier key that has no row covering the sale date.
type NoTierError struct {
	ProductID    string
	CabinType    string
	FareCategory string
	At           time.Time
}

func (e *NoTierError) Error() string {
	return fmt.Sprintf("no commission tier configured for %s/%s/%s on %s",
		e.ProductID, e.CabinType, e.FareCategory, e.At.Format(DateLayout))
}

func (e *NoTierError) Unwrap() error { return ErrNoTierConfigured }

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func notFound(kind, id string) error { return &NotFoundError{Kind: kind, ID: id} }

func invalid(field, msg string) error { return &ValidationError{Field: field, Message: msg} }

func unauthorized(actor Actor, action, reason string) error {
	return &UnauthorizedError{ActorID: actor.ID, Action: action, Reason: reason}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicateKey)
}

// IsConflict returns true if the target's current state refused the action.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrRecoveryInProgressOrDone) ||
		errors.Is(err, ErrDuplicateLedgerEntry) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// Reason returns the display message of the innermost engine error, without
// the wrapping context added on the way up.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var (
		nf *NotFoundError
		ua *UnauthorizedError
		te *TransitionError
		nt *NoTierError
		ve *ValidationError
	)
	switch {
	case errors.As(err, &te):
		return te.Error()
	case errors.As(err, &ua):
		return ua.Error()
	case errors.As(err, &nf):
		return nf.Error()
	case errors.As(err, &nt):
		return nt.Error()
	case errors.As(err, &ve):
		return ve.Error()
	}
	return err.Error()
}
