/*
engine.go - The waterfall loop

PURPOSE:
  Distribute() assigns a period's pool of cents to an agreement's terms,
  tranche by tranche, in ascending recoupment order. It is pure: the only
  input is a Snapshot and the revenue, the only output is a Distribution.

ALGORITHM:
  remaining := revenue
  for each term by Order:
      stop when remaining == 0
      skip terms whose recoupment is complete (as of this run)
      proposed := rule(term).owed(...)          // share.go
      amount   := CapEnforcer.Clip(proposed)    // caps.go
      delta    := min(amount, target - recouped) for recouping terms
      remaining -= amount
  unallocated := remaining

INVARIANTS (checked at every step, violation = ErrInvariantViolation):
  - 0 <= amount <= remaining
  - sum(amounts) + unallocated == revenue

GATING:
  percentage_after_recoup, bonus_pool and last_money_out look at sibling
  completion. They see the state projected by this run, so a tranche that
  recoups earlier in the same period unblocks later tranches immediately.

SEE ALSO:
  - share.go: Per-share-type rules
  - caps.go: Lifetime cap clipping
  - recoupment.go: State machine used for projection and commit
*/
package waterfall

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DISTRIBUTION - Engine output
// =============================================================================

// Allocation is the engine's result for one processed term.
type Allocation struct {
	TermID     TermID
	PartyID    PartyID
	Order      int
	ShareType  ShareType
	ShareValue decimal.Decimal

	// ProposedCents is the rule's amount before caps.
	ProposedCents Cents
	AmountCents   Cents

	TracksRecoupment  bool
	RecoupTargetCents Cents
	RecoupDeltaCents  Cents

	// Projected state after this run.
	RecoupedCents      Cents
	RecoupmentComplete bool

	CapApplied   bool
	CapExhausted bool

	Note string
}

// RecoupmentRemainingCents is what is still outstanding after this run.
func (a Allocation) RecoupmentRemainingCents() Cents {
	if !a.TracksRecoupment {
		return 0
	}
	return maxCents(0, a.RecoupTargetCents-a.RecoupedCents)
}

// Distribution is the full result of one engine run.
type Distribution struct {
	AgreementID      AgreementID
	RevenueCents     Cents
	Allocations      []Allocation
	UnallocatedCents Cents
}

// AllocatedCents sums every allocation.
func (d Distribution) AllocatedCents() Cents {
	var sum Cents
	for _, a := range d.Allocations {
		sum += a.AmountCents
	}
	return sum
}

// ByParty sums allocations per party.
func (d Distribution) ByParty() map[PartyID]Cents {
	out := make(map[PartyID]Cents)
	for _, a := range d.Allocations {
		if a.AmountCents != 0 {
			out[a.PartyID] += a.AmountCents
		}
	}
	return out
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs the waterfall. The zero value is ready to use.
type Engine struct {
	Caps CapEnforcer
}

// Distribute runs the waterfall with a zero-value Engine.
func Distribute(snap Snapshot, revenue Cents) (Distribution, error) {
	return Engine{}.Distribute(snap, revenue)
}

// Distribute assigns revenue to the snapshot's terms.
func (e Engine) Distribute(snap Snapshot, revenue Cents) (Distribution, error) {
	if revenue < 0 {
		return Distribution{}, fmt.Errorf("%w: %d", ErrNegativeRevenue, revenue)
	}
	if err := checkSnapshot(snap); err != nil {
		return Distribution{}, err
	}

	// Re-sort defensively: callers may hand-build snapshots.
	terms := NewSnapshot(snap.AgreementID, nil, snap.Terms).Terms
	run := newRunState(terms)

	received := make(map[PartyID]Cents, len(snap.Parties))
	for id, p := range snap.Parties {
		received[id] = p.TotalReceivedCents
	}

	dist := Distribution{AgreementID: snap.AgreementID, RevenueCents: revenue}
	remaining := revenue

	for _, term := range terms {
		if remaining == 0 {
			break
		}
		if run.complete[term.ID] {
			continue
		}

		party := snap.Parties[term.PartyID]
		r, err := ruleFor(term.ShareType)
		if err != nil {
			return Distribution{}, err
		}
		target, tracks := term.RecoupTarget(party)
		state := stateOf(term)

		proposed, note := r.owed(step{
			term:      term,
			party:     party,
			revenue:   revenue,
			remaining: remaining,
			target:    target,
			recouped:  state.RecoupedCents,
			run:       run,
		})
		if proposed < 0 || proposed > remaining {
			return Distribution{}, &InvariantError{TermID: term.ID, Amount: proposed, Remaining: remaining, Detail: "rule proposed amount outside pool"}
		}

		clip := e.Caps.Clip(term, party, proposed, received[term.PartyID])
		amount := clip.Amount
		if amount < 0 || amount > remaining {
			return Distribution{}, &InvariantError{TermID: term.ID, Amount: amount, Remaining: remaining, Detail: "allocation outside pool"}
		}
		if clip.Clipped || (clip.Exhausted && proposed > 0 && amount == 0) {
			note = note + "; " + clip.Reason
		}

		alloc := Allocation{
			TermID:        term.ID,
			PartyID:       term.PartyID,
			Order:         term.Order,
			ShareType:     term.ShareType,
			ShareValue:    term.ShareValue,
			ProposedCents: proposed,
			AmountCents:   amount,
			CapApplied:    clip.Clipped,
			CapExhausted:  clip.Exhausted,
			Note:          note,
		}

		if tracks {
			delta := minCents(amount, state.Remaining(target))
			next, err := state.Advance(target, delta)
			if err != nil {
				return Distribution{}, fmt.Errorf("term %s: %w", term.ID, err)
			}
			alloc.TracksRecoupment = true
			alloc.RecoupTargetCents = target
			alloc.RecoupDeltaCents = delta
			alloc.RecoupedCents = next.RecoupedCents
			alloc.RecoupmentComplete = next.Complete
			run.complete[term.ID] = next.Complete
		}

		remaining -= amount
		received[term.PartyID] += amount
		dist.Allocations = append(dist.Allocations, alloc)
	}

	dist.UnallocatedCents = remaining
	if got := dist.AllocatedCents() + dist.UnallocatedCents; got != revenue {
		return Distribution{}, &InvariantError{Amount: got, Remaining: revenue, Detail: "penny conservation failed"}
	}
	return dist, nil
}

// checkSnapshot rejects configurations the engine refuses to run on.
func checkSnapshot(snap Snapshot) error {
	seen := make(map[int]TermID, len(snap.Terms))
	for _, t := range snap.Terms {
		if other, dup := seen[t.Order]; dup {
			return fmt.Errorf("%w: order %d used by %s and %s", ErrDuplicateOrder, t.Order, other, t.ID)
		}
		seen[t.Order] = t.ID
		if !t.ShareType.Valid() {
			return fmt.Errorf("term %s: %w: %q", t.ID, ErrUnknownShareType, t.ShareType)
		}
		if _, ok := snap.Parties[t.PartyID]; !ok {
			return fmt.Errorf("%w: term %s references unknown party %s", ErrInvalidTerm, t.ID, t.PartyID)
		}
	}
	return nil
}

// =============================================================================
// RUN STATE - Sibling completion as projected during one run
// =============================================================================

type runState struct {
	terms    []Term
	complete map[TermID]bool
}

func newRunState(sorted []Term) *runState {
	rs := &runState{terms: sorted, complete: make(map[TermID]bool, len(sorted))}
	for _, t := range sorted {
		rs.complete[t.ID] = t.RecoupmentComplete
	}
	return rs
}

// pendingFixedRecoupBefore returns the first incomplete fixed-recoup term
// ordered before order.
func (rs *runState) pendingFixedRecoupBefore(order int) (TermID, bool) {
	for _, t := range rs.terms {
		if t.Order >= order {
			break
		}
		if t.ShareType == ShareFixedRecoup && !rs.complete[t.ID] {
			return t.ID, true
		}
	}
	return "", false
}

// pendingFixedRecoup returns any incomplete fixed-recoup term of the agreement.
func (rs *runState) pendingFixedRecoup() (TermID, bool) {
	for _, t := range rs.terms {
		if t.ShareType == ShareFixedRecoup && !rs.complete[t.ID] {
			return t.ID, true
		}
	}
	return "", false
}

// incompleteExcept counts terms other than id whose recoupment is not complete.
func (rs *runState) incompleteExcept(id TermID) int {
	n := 0
	for _, t := range rs.terms {
		if t.ID != id && !rs.complete[t.ID] {
			n++
		}
	}
	return n
}
