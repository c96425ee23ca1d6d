/*
ledger.go - Settlement items as the source of truth for totals

PURPOSE:
  Settlement items are append-only. Every cached figure (party
  TotalReceivedCents, agreement totals) is derived from them and can be
  recomputed at any time. Audit() does exactly that and reports any drift.

CRITICAL INVARIANTS:
  1. gross - fees == net distributable, per settlement
  2. sum(items) + unallocated == net distributable, per settlement
  3. party.TotalReceivedCents == sum of that party's items
  4. one settlement per (agreement, period start)

STATUS:
  Term state and party credits are committed when a settlement is
  calculated, so every settlement counts regardless of payout status.
  A failed payout is retried by the payout subsystem; the allocation stands.

SEE ALSO:
  - service.go: Recomputes agreement totals after every settlement
  - api/handlers.go: GET /api/agreements/{id}/audit
*/
package waterfall

import (
	"context"
	"fmt"
	"sort"
)

// Ledger derives totals from persisted settlements.
type Ledger struct {
	Store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store}
}

// PartyTotals sums settlement items per party.
func (l *Ledger) PartyTotals(ctx context.Context, id AgreementID) (map[PartyID]Cents, error) {
	settlements, err := l.Store.ListSettlements(ctx, id)
	if err != nil {
		return nil, err
	}
	return partyTotals(settlements), nil
}

// AgreementTotals recomputes the cached display totals of an agreement.
func (l *Ledger) AgreementTotals(ctx context.Context, id AgreementID) (AgreementTotals, error) {
	cfg, err := l.Store.LoadConfig(ctx, id)
	if err != nil {
		return AgreementTotals{}, err
	}
	settlements, err := l.Store.ListSettlements(ctx, id)
	if err != nil {
		return AgreementTotals{}, err
	}
	return agreementTotals(cfg.Parties, settlements), nil
}

func partyTotals(settlements []Settlement) map[PartyID]Cents {
	out := make(map[PartyID]Cents)
	for _, s := range settlements {
		for _, item := range s.Items {
			out[item.PartyID] += item.AmountCents
		}
	}
	return out
}

func agreementTotals(parties []Party, settlements []Settlement) AgreementTotals {
	var t AgreementTotals
	for _, p := range parties {
		t.ContributedCents += p.ContributionCents
	}
	for _, s := range settlements {
		t.RevenueToDateCents += s.NetDistributableCents
		t.DistributedCents += s.DistributedCents
		t.UnallocatedCents += s.UnallocatedCents
		t.SettlementCount++
	}
	return t
}

// =============================================================================
// AUDIT
// =============================================================================

// AuditFinding is one discrepancy found by Audit.
type AuditFinding struct {
	SettlementID SettlementID
	PartyID      PartyID
	TermID       TermID
	Expected     Cents
	Actual       Cents
	Detail       string
}

func (f AuditFinding) String() string {
	return fmt.Sprintf("%s (expected %d, actual %d)", f.Detail, f.Expected, f.Actual)
}

// AuditReport is the result of reproducing an agreement's ledger.
type AuditReport struct {
	AgreementID     AgreementID
	SettlementCount int
	PartyTotals     map[PartyID]Cents
	Totals          AgreementTotals
	Findings        []AuditFinding
}

// OK reports whether the ledger is consistent.
func (r AuditReport) OK() bool { return len(r.Findings) == 0 }

// Audit reproduces every settlement's arithmetic from its items and checks
// the cached party and term state against it.
func (l *Ledger) Audit(ctx context.Context, id AgreementID) (*AuditReport, error) {
	cfg, err := l.Store.LoadConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	settlements, err := l.Store.ListSettlements(ctx, id)
	if err != nil {
		return nil, err
	}
	return AuditSettlements(*cfg, settlements), nil
}

// AuditSettlements is the store-free core of Audit.
func AuditSettlements(cfg AgreementConfig, settlements []Settlement) *AuditReport {
	report := &AuditReport{
		AgreementID:     cfg.Agreement.ID,
		SettlementCount: len(settlements),
		PartyTotals:     partyTotals(settlements),
		Totals:          agreementTotals(cfg.Parties, settlements),
	}
	add := func(f AuditFinding) { report.Findings = append(report.Findings, f) }

	parties := make(map[PartyID]Party, len(cfg.Parties))
	for _, p := range cfg.Parties {
		parties[p.ID] = p
	}
	periods := make(map[string]SettlementID, len(settlements))
	recoupedByTerm := make(map[TermID]Cents)

	for _, s := range settlements {
		if other, dup := periods[s.Period.Key()]; dup {
			add(AuditFinding{SettlementID: s.ID, Detail: fmt.Sprintf("period %s also settled by %s", s.Period.Key(), other)})
		}
		periods[s.Period.Key()] = s.ID

		if net := s.GrossRevenueCents - s.PlatformFeesCents; net != s.NetDistributableCents {
			add(AuditFinding{SettlementID: s.ID, Expected: net, Actual: s.NetDistributableCents, Detail: "net distributable differs from gross minus fees"})
		}

		var sum Cents
		for _, item := range s.Items {
			if item.AmountCents <= 0 {
				add(AuditFinding{SettlementID: s.ID, TermID: item.TermID, Actual: item.AmountCents, Detail: "non-positive settlement item"})
			}
			if _, ok := parties[item.PartyID]; !ok {
				add(AuditFinding{SettlementID: s.ID, PartyID: item.PartyID, Actual: item.AmountCents, Detail: "item pays unknown party"})
			}
			sum += item.AmountCents
			recoupedByTerm[item.TermID] += item.RecoupedInPeriodCents
		}
		if sum != s.DistributedCents {
			add(AuditFinding{SettlementID: s.ID, Expected: sum, Actual: s.DistributedCents, Detail: "distributed total differs from items"})
		}
		if sum+s.UnallocatedCents != s.NetDistributableCents {
			add(AuditFinding{SettlementID: s.ID, Expected: s.NetDistributableCents, Actual: sum + s.UnallocatedCents, Detail: "items plus unallocated do not conserve net distributable"})
		}
	}

	for _, p := range cfg.Parties {
		if got := report.PartyTotals[p.ID]; got != p.TotalReceivedCents {
			add(AuditFinding{PartyID: p.ID, Expected: got, Actual: p.TotalReceivedCents, Detail: "party total received differs from ledger"})
		}
	}

	// Terms may start with recouped cents carried in from outside the
	// ledger, so the stored value can only be checked as a lower bound.
	for _, t := range cfg.Terms {
		if sum := recoupedByTerm[t.ID]; t.RecoupedCents < sum {
			add(AuditFinding{TermID: t.ID, Expected: sum, Actual: t.RecoupedCents, Detail: "term recouped below ledger sum"})
		}
		if target, tracks := t.RecoupTarget(parties[t.PartyID]); tracks && t.RecoupedCents > target {
			add(AuditFinding{TermID: t.ID, Expected: target, Actual: t.RecoupedCents, Detail: "term recouped beyond target"})
		}
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		return report.Findings[i].SettlementID < report.Findings[j].SettlementID
	})
	return report
}
