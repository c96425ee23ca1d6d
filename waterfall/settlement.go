package waterfall

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// REVENUE REPORT - Input from the revenue aggregation service
// =============================================================================

// RevenueReport is one closed period's revenue for one agreement, as
// supplied by the aggregation service. It is immutable; retries re-use it.
type RevenueReport struct {
	AgreementID       AgreementID
	Period            Period
	GrossRevenueCents Cents
	PlatformFeesCents Cents
	ReceivedAt        time.Time
}

// NetDistributable returns gross - fees, rejecting negative inputs.
func (r RevenueReport) NetDistributable() (Cents, error) {
	if r.GrossRevenueCents < 0 || r.PlatformFeesCents < 0 {
		return 0, fmt.Errorf("%w: gross %d fees %d", ErrNegativeRevenue, r.GrossRevenueCents, r.PlatformFeesCents)
	}
	net := r.GrossRevenueCents - r.PlatformFeesCents
	if net < 0 {
		return 0, fmt.Errorf("%w: fees %d exceed gross %d", ErrNegativeRevenue, r.PlatformFeesCents, r.GrossRevenueCents)
	}
	return net, nil
}

// Validate checks the report before any settlement work starts.
func (r RevenueReport) Validate() error {
	if r.AgreementID == "" {
		return fmt.Errorf("%w: missing agreement id", ErrInvalidAgreement)
	}
	if err := r.Period.Validate(); err != nil {
		return err
	}
	_, err := r.NetDistributable()
	return err
}

// =============================================================================
// SETTLEMENT STATUS - Lifecycle state machine
// =============================================================================

type SettlementStatus string

const (
	StatusPending     SettlementStatus = "pending"
	StatusCalculated  SettlementStatus = "calculated"
	StatusApproved    SettlementStatus = "approved"
	StatusDistributed SettlementStatus = "distributed"
	StatusFailed      SettlementStatus = "failed"
)

// transitions lists the allowed next states. distributed and failed are terminal.
var transitions = map[SettlementStatus][]SettlementStatus{
	StatusPending:    {StatusCalculated, StatusFailed},
	StatusCalculated: {StatusApproved, StatusFailed},
	StatusApproved:   {StatusDistributed, StatusFailed},
}

// CanTransition reports whether s may move to next.
func (s SettlementStatus) CanTransition(next SettlementStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s SettlementStatus) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// ParseSettlementStatus converts a stored string to a status.
func ParseSettlementStatus(s string) (SettlementStatus, error) {
	switch st := SettlementStatus(s); st {
	case StatusPending, StatusCalculated, StatusApproved, StatusDistributed, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, s)
}

// =============================================================================
// SETTLEMENT - Immutable result of one period
// =============================================================================

// Settlement is the finalized result of running the waterfall once for one
// revenue period. Only Status changes after creation.
type Settlement struct {
	ID          SettlementID
	AgreementID AgreementID
	Period      Period

	GrossRevenueCents     Cents
	PlatformFeesCents     Cents
	NetDistributableCents Cents
	DistributedCents      Cents
	UnallocatedCents      Cents

	Status       SettlementStatus
	StatusReason string

	Items []SettlementItem

	CalculatedAt time.Time
	UpdatedAt    time.Time
}

// Transition moves the settlement to next, enforcing the lifecycle.
func (s *Settlement) Transition(next SettlementStatus, reason string, at time.Time) error {
	if !s.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, next)
	}
	s.Status = next
	s.StatusReason = reason
	s.UpdatedAt = at
	return nil
}

// SettlementItem records one term's non-zero payout and the numbers behind it.
type SettlementItem struct {
	ID           string
	SettlementID SettlementID
	AgreementID  AgreementID
	TermID       TermID
	PartyID      PartyID
	Order        int

	AmountCents Cents

	ShareType  ShareType
	ShareValue decimal.Decimal

	RecoupedInPeriodCents    Cents
	RecoupmentRemainingCents Cents
	CapApplied               bool

	Notes string
}

// =============================================================================
// SETTLEMENT BUILDER
// =============================================================================

// BuildSettlement assembles the settlement for report from an engine run.
// Unallocated revenue is surfaced on the record, never dropped.
func BuildSettlement(report RevenueReport, snap Snapshot, dist Distribution, now time.Time) (*Settlement, error) {
	net, err := report.NetDistributable()
	if err != nil {
		return nil, err
	}
	if dist.RevenueCents != net {
		return nil, &InvariantError{Amount: dist.RevenueCents, Remaining: net, Detail: "distribution revenue differs from net distributable"}
	}
	if snap.AgreementID != report.AgreementID {
		return nil, fmt.Errorf("%w: snapshot %s for report %s", ErrInvariantViolation, snap.AgreementID, report.AgreementID)
	}

	s := &Settlement{
		ID:                    SettlementID(uuid.New().String()),
		AgreementID:           report.AgreementID,
		Period:                report.Period,
		GrossRevenueCents:     report.GrossRevenueCents,
		PlatformFeesCents:     report.PlatformFeesCents,
		NetDistributableCents: net,
		UnallocatedCents:      dist.UnallocatedCents,
		Status:                StatusPending,
		CalculatedAt:          now,
		UpdatedAt:             now,
	}

	for _, a := range dist.Allocations {
		if a.AmountCents == 0 {
			continue
		}
		s.Items = append(s.Items, SettlementItem{
			ID:                       uuid.New().String(),
			SettlementID:             s.ID,
			AgreementID:              s.AgreementID,
			TermID:                   a.TermID,
			PartyID:                  a.PartyID,
			Order:                    a.Order,
			AmountCents:              a.AmountCents,
			ShareType:                a.ShareType,
			ShareValue:               a.ShareValue,
			RecoupedInPeriodCents:    a.RecoupDeltaCents,
			RecoupmentRemainingCents: a.RecoupmentRemainingCents(),
			CapApplied:               a.CapApplied,
			Notes:                    a.Note,
		})
		s.DistributedCents += a.AmountCents
	}

	if s.DistributedCents+s.UnallocatedCents != s.NetDistributableCents {
		return nil, &InvariantError{
			Amount:    s.DistributedCents + s.UnallocatedCents,
			Remaining: s.NetDistributableCents,
			Detail:    "settlement items do not conserve net distributable",
		}
	}

	if err := s.Transition(StatusCalculated, "", now); err != nil {
		return nil, err
	}
	return s, nil
}
