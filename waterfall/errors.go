/*
errors.go - Centralized error types for the waterfall engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify errors with errors.Is / errors.As and the helpers below.

ERROR CATEGORIES:
  1. Configuration errors - Rejected before any revenue is processed
  2. Runtime errors - Bad revenue input, settlement conflicts
  3. Invariant violations - Programming errors that must halt the transaction
  4. Store errors - Missing records

USAGE:
  if errors.Is(err, waterfall.ErrSettlementExists) {
      // Period already settled; nothing new was written.
  }

SEE ALSO:
  - validate.go: Produces ConfigError
  - engine.go: Produces InvariantError
  - service.go: Produces ConflictError
*/
package waterfall

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateOrder is returned when two terms of one agreement share a
	// recoupment order.
	ErrDuplicateOrder = errors.New("duplicate recoupment order")

	// ErrUnknownShareType is returned for a share type outside the closed set.
	ErrUnknownShareType = errors.New("unknown share type")

	// ErrInvalidShareValue is returned when a share value is out of range for
	// its share type.
	ErrInvalidShareValue = errors.New("share value out of range")

	// ErrInvalidTerm covers other malformed term fields (caps, targets, party).
	ErrInvalidTerm = errors.New("invalid term")

	// ErrInvalidAgreement covers malformed agreement or party fields.
	ErrInvalidAgreement = errors.New("invalid agreement")

	// ErrNegativeRevenue is returned when gross revenue, fees, or the net
	// distributable amount is negative.
	ErrNegativeRevenue = errors.New("negative revenue")

	// ErrInvalidPeriod is returned when a period is malformed (end before start).
	ErrInvalidPeriod = errors.New("invalid period: end before start")

	// ErrSettlementExists is returned when the (agreement, period) pair has
	// already been settled. Nothing is written.
	ErrSettlementExists = errors.New("settlement already exists for period")

	// ErrSettlementInProgress is returned when another settlement of the same
	// agreement holds the write lock. Callers must not retry-and-merge.
	ErrSettlementInProgress = errors.New("settlement in progress for agreement")

	// ErrAlreadyApplied is returned when a settlement's recoupment deltas are
	// applied to a term a second time.
	ErrAlreadyApplied = errors.New("settlement already applied to term")

	// ErrRecoupmentRegression is returned when a write would decrease
	// recouped cents or revert completion.
	ErrRecoupmentRegression = errors.New("recoupment state would regress")

	// ErrInvalidTransition is returned for a disallowed settlement status change.
	ErrInvalidTransition = errors.New("invalid settlement status transition")

	// ErrInvariantViolation marks an internal arithmetic invariant failure.
	// It is a programming error; the surrounding transaction is aborted.
	ErrInvariantViolation = errors.New("engine invariant violated")

	// ErrAgreementNotFound is returned when a referenced agreement doesn't exist.
	ErrAgreementNotFound = errors.New("agreement not found")

	// ErrSettlementNotFound is returned when a referenced settlement doesn't exist.
	ErrSettlementNotFound = errors.New("settlement not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ConfigError describes a configuration problem on a specific term.
type ConfigError struct {
	AgreementID AgreementID
	TermID      TermID
	Field       string
	Reason      string
	Err         error
}

func (e *ConfigError) Error() string {
	if e.TermID != "" {
		return fmt.Sprintf("agreement %s term %s: %s: %s", e.AgreementID, e.TermID, e.Field, e.Reason)
	}
	return fmt.Sprintf("agreement %s: %s: %s", e.AgreementID, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ConflictError describes a rejected duplicate or concurrent settlement.
type ConflictError struct {
	AgreementID AgreementID
	Period      Period
	Err         error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("agreement %s period %s: %v", e.AgreementID, e.Period, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// InvariantError describes an arithmetic invariant failure inside the engine.
type InvariantError struct {
	TermID    TermID
	Remaining Cents
	Amount    Cents
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("engine invariant violated at term %s: %s (amount %d, remaining %d)",
		e.TermID, e.Detail, e.Amount, e.Remaining)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrDuplicateOrder) ||
		errors.Is(err, ErrUnknownShareType) ||
		errors.Is(err, ErrInvalidShareValue) ||
		errors.Is(err, ErrInvalidTerm) ||
		errors.Is(err, ErrInvalidAgreement) ||
		errors.Is(err, ErrNegativeRevenue) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrInvalidTransition)
}

// IsConflict returns true if the settlement was rejected because the period
// is already settled or being settled.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSettlementExists) ||
		errors.Is(err, ErrSettlementInProgress) ||
		errors.Is(err, ErrAlreadyApplied)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAgreementNotFound) ||
		errors.Is(err, ErrSettlementNotFound)
}
