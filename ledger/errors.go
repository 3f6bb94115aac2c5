/*
errors.go - Error taxonomy for the ledger and the balance engine

ERROR CATEGORIES:
  1. DataIntegrityError - a stored value violates an invariant (bad amount,
     unknown status, foreign owner). Never retried. Surfaced to operators.
  2. ConcurrentModificationError - a compare-and-set lost its race: the
     record was not in the expected prior state. Safe to retry once.
  3. NotFoundError - a referenced record does not exist. Never retried.
  4. TransientError - storage was busy or the attempt timed out. Retried once.

Structured errors unwrap to a sentinel so callers can branch with
errors.Is and still extract detail with errors.As:

	var integrity *ledger.DataIntegrityError
	if errors.As(err, &integrity) {
		log.Warn("corrupt record", zap.String("record", integrity.ID))
	}
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrDataIntegrity          = errors.New("data integrity violation")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrNotFound               = errors.New("not found")
	ErrTransient              = errors.New("transient storage failure")
	ErrInsufficientBalance    = errors.New("insufficient balance")

	// ErrDuplicate is returned by Writer methods when the record id (or a
	// unique key such as a referral code) already exists.
	ErrDuplicate = errors.New("duplicate record")

	// ErrInvalidStatus and ErrInvalidAmount reject client input at the
	// boundary. Stored values with the same defects are DataIntegrityErrors.
	ErrInvalidStatus = errors.New("invalid status")
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidInput  = errors.New("invalid input")

	// ErrTasksLocked is returned when a user without unlocked task access
	// submits a task.
	ErrTasksLocked = errors.New("tasks are locked until the unlock deposit is confirmed")

	// ErrTaskInactive is returned when submitting against an inactive task.
	ErrTaskInactive = errors.New("task is not active")
)

// RecordKind names a record type in error messages.
type RecordKind string

const (
	KindUser       RecordKind = "user"
	KindDeposit    RecordKind = "deposit"
	KindWithdrawal RecordKind = "withdrawal"
	KindTask       RecordKind = "task"
	KindSubmission RecordKind = "submission"
	KindReferral   RecordKind = "referral"
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// DataIntegrityError names the offending record and field.
type DataIntegrityError struct {
	Kind   RecordKind
	ID     string
	Field  string
	Value  string
	Reason string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity: %s %s: %s=%q: %s", e.Kind, e.ID, e.Field, e.Value, e.Reason)
}

func (e *DataIntegrityError) Unwrap() error { return ErrDataIntegrity }

// ConcurrentModificationError reports a failed compare-and-set.
type ConcurrentModificationError struct {
	Kind     RecordKind
	ID       string
	Expected string
	Actual   string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification: %s %s: expected status %q, found %q",
		e.Kind, e.ID, e.Expected, e.Actual)
}

func (e *ConcurrentModificationError) Unwrap() error { return ErrConcurrentModification }

type NotFoundError struct {
	Kind RecordKind
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// TransientError marks a storage failure that may succeed on retry.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient storage failure: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return ErrTransient }

// InsufficientBalanceError is returned when a withdrawal exceeds the
// derived balance.
type InsufficientBalanceError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s, requested %s, shortfall %s",
		e.Available.StringFixed(2), e.Requested.StringFixed(2),
		e.Requested.Sub(e.Available).StringFixed(2))
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole operation may be retried once.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsDataIntegrity(err error) bool {
	return errors.Is(err, ErrDataIntegrity)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrTasksLocked) ||
		errors.Is(err, ErrTaskInactive) ||
		errors.Is(err, ErrDuplicate)
}

// Integrity builds a DataIntegrityError.
func Integrity(kind RecordKind, id, field, value, reason string) error {
	return &DataIntegrityError{Kind: kind, ID: id, Field: field, Value: value, Reason: reason}
}
