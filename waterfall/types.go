/*
Package waterfall provides the core revenue distribution and recoupment engine.

PURPOSE:
  This package contains the domain types and algorithms for distributing a
  period's revenue across the ordered payout terms of a financing agreement.
  Investor recoupment, creator splits, grants and distribution advances are
  all expressed as Terms; the same engine settles every one of them.

KEY CONCEPTS IN THIS FILE (types.go):
  - Cents: All money is integer cents. Never floats.
  - Agreement: The financing deal. Owns Parties and Terms.
  - Party: A payee with a contribution and a lifetime received total.
  - Term: One waterfall tranche, bound to one Party and one share rule.
  - Snapshot: Immutable view of an agreement's terms for one engine run.

DESIGN PRINCIPLES:
  1. Integer money: Cents are int64, percentages are decimal.Decimal,
     every product is floored to the cent.
  2. Pure engine: Distribute() reads a Snapshot and returns results.
     Persistence happens in the Settler, in one transaction.
  3. Monotonic state: RecoupedCents never decreases, RecoupmentComplete
     never reverts.
  4. Auditability: Settlement items carry the share rule and the recoupment
     numbers used, so the arithmetic can be reproduced later.

USAGE:
  dist, err := waterfall.Distribute(snapshot, 300_000)
  settlement, err := waterfall.BuildSettlement(report, snapshot, dist, now)

SEE ALSO:
  - engine.go: Distribute (the waterfall loop)
  - share.go: The closed set of share rules
  - caps.go: Lifetime cap clipping
  - recoupment.go: Recoupment state machine
  - settlement.go: Settlement records and status lifecycle
  - service.go: Transactional settlement orchestration
*/
package waterfall

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// MONEY
// =============================================================================

// Cents is an amount of money in the smallest currency unit.
type Cents int64

func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (c Cents) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(c)) }

func minCents(a, b Cents) Cents {
	if a < b {
		return a
	}
	return b
}

func maxCents(a, b Cents) Cents {
	if a > b {
		return a
	}
	return b
}

var hundred = decimal.NewFromInt(100)

// PercentOf returns floor(base * pct / 100).
func PercentOf(base Cents, pct decimal.Decimal) Cents {
	return Cents(base.Decimal().Mul(pct).Div(hundred).Floor().IntPart())
}

// MultipleOf returns floor(base * factor).
func MultipleOf(base Cents, factor decimal.Decimal) Cents {
	return Cents(base.Decimal().Mul(factor).Floor().IntPart())
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AgreementID string
type PartyID string
type TermID string
type SettlementID string

// =============================================================================
// AGREEMENT
// =============================================================================

// Agreement identifies a financing deal.
type Agreement struct {
	ID           AgreementID
	Name         string
	PeriodConfig PeriodConfig

	// Totals are a display cache, recomputed from the settlement ledger.
	Totals AgreementTotals

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AgreementTotals are cached aggregates shown on transparency dashboards.
// They are never read by the engine.
type AgreementTotals struct {
	ContributedCents   Cents
	DistributedCents   Cents
	RevenueToDateCents Cents
	UnallocatedCents   Cents
	SettlementCount    int
}

// =============================================================================
// PARTY
// =============================================================================

type PartyRole string

const (
	RoleCreator      PartyRole = "creator"
	RoleOrganization PartyRole = "organization"
	RoleInvestor     PartyRole = "investor"
	RoleFund         PartyRole = "fund"
	RoleDistributor  PartyRole = "distributor"
)

func (r PartyRole) Valid() bool {
	switch r {
	case RoleCreator, RoleOrganization, RoleInvestor, RoleFund, RoleDistributor:
		return true
	}
	return false
}

// Party is a payee of an agreement.
type Party struct {
	ID                PartyID
	AgreementID       AgreementID
	Name              string
	Role              PartyRole
	ContributionCents Cents

	// TotalReceivedCents equals the sum of all settlement items for this
	// party. Only the Settler writes it.
	TotalReceivedCents Cents
}

// =============================================================================
// TERM - One waterfall tranche
// =============================================================================

// Term binds one party to one share rule at one position of the waterfall.
type Term struct {
	ID          TermID
	AgreementID AgreementID
	PartyID     PartyID

	// Order is the waterfall position. Lower is paid first. Unique per agreement.
	Order int

	ShareType  ShareType
	ShareValue decimal.Decimal

	// Optional lifetime ceilings on what the party may receive.
	CapCents      *Cents
	CapMultiplier *decimal.Decimal

	// Optional recoupment target. Fixed-recoup terms default to the
	// party's contribution when unset.
	RecoupTargetCents *Cents

	// Mutable state, written only by the Recoupment Tracker.
	RecoupedCents      Cents
	RecoupmentComplete bool
	CapReached         bool
	LastSettlementID   SettlementID
}

// RecoupTarget returns the effective recoupment target and whether the
// term tracks recoupment at all.
func (t Term) RecoupTarget(party Party) (Cents, bool) {
	if t.RecoupTargetCents != nil {
		return *t.RecoupTargetCents, true
	}
	if t.ShareType == ShareFixedRecoup {
		return party.ContributionCents, true
	}
	return 0, false
}

// AgreementConfig is the authored configuration of an agreement.
type AgreementConfig struct {
	Agreement Agreement
	Parties   []Party
	Terms     []Term
}

// =============================================================================
// SNAPSHOT - Immutable input to one engine run
// =============================================================================

// Snapshot is the full ordered term list of an agreement plus the parties
// they pay. The engine never queries live state; it reads only this.
type Snapshot struct {
	AgreementID AgreementID
	Parties     map[PartyID]Party
	Terms       []Term
}

// NewSnapshot builds a snapshot with terms sorted by Order.
func NewSnapshot(agreementID AgreementID, parties []Party, terms []Term) Snapshot {
	pm := make(map[PartyID]Party, len(parties))
	for _, p := range parties {
		pm[p.ID] = p
	}
	sorted := make([]Term, len(terms))
	copy(sorted, terms)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	return Snapshot{AgreementID: agreementID, Parties: pm, Terms: sorted}
}

// Term returns the term with the given id.
func (s Snapshot) Term(id TermID) (Term, bool) {
	for _, t := range s.Terms {
		if t.ID == id {
			return t, true
		}
	}
	return Term{}, false
}
