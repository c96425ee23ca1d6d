/*
store.go - Persistence interfaces for agreements, settlements and revenue

PURPOSE:
  Defines the boundary between the engine and the database. The engine
  reads a Snapshot; the Settler writes a Settlement, its items, the new term
  state and party totals inside ONE transaction.

KEY INTERFACES:
  AgreementStore:  Agreement configuration (parties, terms) and snapshots
  SettlementStore: Settlements, items, term state, party totals
  RevenueStore:    Revenue reports posted by the aggregation service
  TxStore:         Store + WithTx for atomic multi-table writes

IDEMPOTENCY:
  SaveSettlement must enforce uniqueness of (agreement_id, period_start).
  A second insert returns ErrSettlementExists and writes nothing.

IMMUTABILITY:
  Settlements and items are never updated, except settlement status via
  UpdateSettlementStatus. Term state only moves forward (CheckMonotonic).

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Production SQLite
  - waterfall/store/memory.go: In-memory for testing

SEE ALSO:
  - service.go: The only writer of settlements and term state
*/
package waterfall

import (
	"context"
	"time"
)

// AgreementStore persists agreement configuration.
type AgreementStore interface {
	// SaveAgreement creates or updates an agreement with its parties and
	// terms. Mutable term state and party totals are preserved on update.
	SaveAgreement(ctx context.Context, cfg AgreementConfig) error

	// GetAgreement returns ErrAgreementNotFound when missing.
	GetAgreement(ctx context.Context, id AgreementID) (*Agreement, error)

	ListAgreements(ctx context.Context) ([]Agreement, error)

	// LoadConfig returns the agreement with parties and terms.
	LoadConfig(ctx context.Context, id AgreementID) (*AgreementConfig, error)
}

// SettlementStore persists settlement results.
type SettlementStore interface {
	// SettlementExists reports whether (agreement, period start) is settled.
	SettlementExists(ctx context.Context, agreementID AgreementID, periodStart TimePoint) (bool, error)

	// SaveSettlement inserts a settlement with its items.
	// Returns ErrSettlementExists on a duplicate period.
	SaveSettlement(ctx context.Context, s Settlement) error

	// GetSettlement returns ErrSettlementNotFound when missing.
	GetSettlement(ctx context.Context, id SettlementID) (*Settlement, error)

	// ListSettlements returns an agreement's settlements by period start.
	ListSettlements(ctx context.Context, agreementID AgreementID) ([]Settlement, error)

	// UpdateSettlementStatus changes status only if it is currently from.
	UpdateSettlementStatus(ctx context.Context, id SettlementID, from, to SettlementStatus, reason string, at time.Time) error

	// SaveTermStates overwrites mutable term state. Implementations reject
	// regressions with ErrRecoupmentRegression.
	SaveTermStates(ctx context.Context, terms []Term) error

	// CreditParties adds amounts to the agreement's parties' TotalReceivedCents.
	CreditParties(ctx context.Context, agreementID AgreementID, credits map[PartyID]Cents) error

	// SaveAgreementTotals replaces the cached display totals.
	SaveAgreementTotals(ctx context.Context, id AgreementID, totals AgreementTotals) error
}

// RevenueStore holds revenue reports handed over by the aggregation service.
type RevenueStore interface {
	// SaveRevenueReport records a report. Re-posting the same
	// (agreement, period start) replaces it only while unsettled.
	SaveRevenueReport(ctx context.Context, r RevenueReport) error

	// PendingRevenueReports returns reports whose period closed before asOf
	// and that have no settlement yet, ordered by period start.
	PendingRevenueReports(ctx context.Context, asOf TimePoint) ([]RevenueReport, error)
}

// Store combines every persistence concern.
type Store interface {
	AgreementStore
	SettlementStore
	RevenueStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// LoadSnapshot builds the engine input for an agreement from a store.
func LoadSnapshot(ctx context.Context, s AgreementStore, id AgreementID) (Snapshot, error) {
	cfg, err := s.LoadConfig(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	return NewSnapshot(id, cfg.Parties, cfg.Terms), nil
}
