package waterfall

import (
	"fmt"
)

// =============================================================================
// RECOUPMENT TRACKER - Per-term recoupment state machine
// =============================================================================
//
// States:
//   active   (recouped < target)
//   complete (recouped >= target)
//
// The only transition is active -> complete. RecoupedCents never decreases
// and never exceeds the target.

// RecoupmentState is the mutable recoupment progress of one term.
type RecoupmentState struct {
	RecoupedCents Cents
	Complete      bool
}

// Advance applies a delta against target and returns the new state.
// It is pure; the engine uses it to project state within a run and the
// Tracker uses it on commit, so both agree by construction.
func (s RecoupmentState) Advance(target, delta Cents) (RecoupmentState, error) {
	if delta < 0 {
		return s, fmt.Errorf("%w: negative delta %d", ErrRecoupmentRegression, delta)
	}
	next := s.RecoupedCents + delta
	if next > target && delta > 0 {
		return s, &InvariantError{Amount: delta, Remaining: target - s.RecoupedCents, Detail: "recoupment beyond target"}
	}
	return RecoupmentState{
		RecoupedCents: next,
		Complete:      s.Complete || next >= target,
	}, nil
}

// Remaining returns how much is still to be recouped against target.
func (s RecoupmentState) Remaining(target Cents) Cents {
	return maxCents(0, target-s.RecoupedCents)
}

func stateOf(t Term) RecoupmentState {
	return RecoupmentState{RecoupedCents: t.RecoupedCents, Complete: t.RecoupmentComplete}
}

// Tracker commits an engine run's recoupment deltas to term state.
// It is called at most once per (term, settlement); a second application of
// the same settlement is rejected with ErrAlreadyApplied.
type Tracker struct{}

// Apply returns the updated copies of every term the distribution touched.
// Terms in the snapshot are not modified.
func (Tracker) Apply(snap Snapshot, settlementID SettlementID, dist Distribution) ([]Term, error) {
	updated := make([]Term, 0, len(dist.Allocations))
	for _, a := range dist.Allocations {
		term, ok := snap.Term(a.TermID)
		if !ok {
			return nil, fmt.Errorf("%w: allocation for unknown term %s", ErrInvariantViolation, a.TermID)
		}
		if term.LastSettlementID == settlementID {
			return nil, fmt.Errorf("%w: term %s settlement %s", ErrAlreadyApplied, term.ID, settlementID)
		}

		if a.TracksRecoupment {
			next, err := stateOf(term).Advance(a.RecoupTargetCents, a.RecoupDeltaCents)
			if err != nil {
				return nil, fmt.Errorf("term %s: %w", term.ID, err)
			}
			if next.RecoupedCents != a.RecoupedCents || next.Complete != a.RecoupmentComplete {
				return nil, &InvariantError{
					TermID: term.ID,
					Amount: a.RecoupDeltaCents,
					Detail: "tracker state diverges from engine projection",
				}
			}
			term.RecoupedCents = next.RecoupedCents
			term.RecoupmentComplete = next.Complete
		}

		term.CapReached = term.CapReached || a.CapExhausted
		term.LastSettlementID = settlementID
		updated = append(updated, term)
	}
	return updated, nil
}

// CheckMonotonic verifies that next does not regress from prev.
// Stores call it before overwriting term state.
func CheckMonotonic(prev, next Term) error {
	if next.RecoupedCents < prev.RecoupedCents {
		return fmt.Errorf("%w: term %s recouped %d -> %d", ErrRecoupmentRegression, prev.ID, prev.RecoupedCents, next.RecoupedCents)
	}
	if prev.RecoupmentComplete && !next.RecoupmentComplete {
		return fmt.Errorf("%w: term %s completion reverted", ErrRecoupmentRegression, prev.ID)
	}
	if prev.CapReached && !next.CapReached {
		return fmt.Errorf("%w: term %s cap flag reverted", ErrRecoupmentRegression, prev.ID)
	}
	return nil
}
