/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Rejections     - a movement intent is not admissible (never persisted)
  2. Storage errors - the persistence substrate failed (surfaced, not retried)
  3. Conflicts      - optimistic commit detected a concurrent write
  4. Directory      - provenance lookups failed (degraded, never surfaced on reads)

USAGE:
  id, err := engine.Record(ctx, intent)
  var rej *ledger.Rejection
  switch {
  case errors.As(err, &rej):
      // rej.Reason is one of the Reason constants
  case errors.Is(err, ledger.ErrStorageFailure):
      // caller decides whether to retry
  }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrRejected matches every *Rejection.
	ErrRejected = errors.New("movement rejected")

	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInvalidShape      = errors.New("invalid movement shape")
	ErrUnknownMaterial   = errors.New("unknown material")
	ErrUnknownWarehouse  = errors.New("unknown warehouse")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnitMismatch      = errors.New("unit mismatch")

	// ErrStorageFailure matches every *StorageError.
	ErrStorageFailure = errors.New("storage failure")

	// ErrConcurrencyConflict is returned by AppendGuarded when a key's
	// version moved between read and commit.
	ErrConcurrencyConflict = errors.New("concurrent modification detected")

	// ErrDirectoryUnavailable is returned by directory lookups that failed or
	// timed out. Readers degrade instead of propagating it.
	ErrDirectoryUnavailable = errors.New("directory unavailable")

	ErrMovementNotFound = errors.New("movement not found")
	ErrAlreadyReversed  = errors.New("movement already reversed")
	ErrNotReversible    = errors.New("compensating movements cannot be reversed")

	// ErrUnitLocked is returned by directories asked to change the unit of a
	// material that movements already reference.
	ErrUnitLocked = errors.New("material unit cannot change once movements reference it")
)

// =============================================================================
// REJECTION
// =============================================================================

type Reason string

const (
	ReasonInvalidQuantity   Reason = "InvalidQuantity"
	ReasonInvalidShape      Reason = "InvalidShape"
	ReasonUnknownMaterial   Reason = "UnknownMaterial"
	ReasonUnknownWarehouse  Reason = "UnknownWarehouse"
	ReasonInsufficientStock Reason = "InsufficientStock"
	ReasonUnitMismatch      Reason = "UnitMismatch"
)

var reasonErrors = map[Reason]error{
	ReasonInvalidQuantity:   ErrInvalidQuantity,
	ReasonInvalidShape:      ErrInvalidShape,
	ReasonUnknownMaterial:   ErrUnknownMaterial,
	ReasonUnknownWarehouse:  ErrUnknownWarehouse,
	ReasonInsufficientStock: ErrInsufficientStock,
	ReasonUnitMismatch:      ErrUnitMismatch,
}

// Rejection is the typed outcome of a failed validation rule. It is returned
// as an error value but is a normal result, not a failure of the engine.
type Rejection struct {
	Reason  Reason
	Message string
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("rejected (%s): %s", r.Reason, r.Message)
}

// Is makes errors.Is(err, ErrRejected) and errors.Is(err, ErrInsufficientStock)
// (and the other reason sentinels) hold for a rejection.
func (r *Rejection) Is(target error) bool {
	if target == ErrRejected {
		return true
	}
	return reasonErrors[r.Reason] == target
}

// =============================================================================
// STORAGE ERROR
// =============================================================================

// StorageError wraps a persistence failure. The store guarantees nothing was
// partially written when it returns one.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

// Storage wraps err as a *StorageError unless it is nil or already a known
// ledger error that callers match directly.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageFailure) || errors.Is(err, ErrConcurrencyConflict) ||
		errors.Is(err, ErrMovementNotFound) || errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrUnitLocked) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrStorageFailure)
}

// IsClientError returns true if the error is due to the caller's input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrNotReversible) ||
		errors.Is(err, ErrUnitLocked)
}

// RejectionOf returns the rejection carried by err, or nil.
func RejectionOf(err error) *Rejection {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej
	}
	return nil
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMovementNotFound)
}
