package waterfall

import "fmt"

// =============================================================================
// CAP ENFORCER - Lifetime ceilings on what a party may receive
// =============================================================================

// ClipResult is the outcome of clipping one proposed amount.
type ClipResult struct {
	Proposed Cents
	Amount   Cents

	// Limit is the tightest lifetime ceiling that applied, if any.
	Limit    Cents
	HasLimit bool

	// Clipped is true when Amount < Proposed because of a cap.
	Clipped bool

	// Exhausted is true when the party's cumulative total has reached a cap.
	// The term yields nothing from now on. This is independent of recoupment.
	Exhausted bool

	Reason string
}

// CapEnforcer clips amounts against absolute caps and contribution
// multiplier caps. Caps are lifetime: callers pass the party's cumulative
// received total across every period, including amounts already paid
// earlier in the current run.
type CapEnforcer struct{}

// Clip applies, in order, the term's absolute cap and then its contribution
// multiplier cap. The result is never negative.
func (CapEnforcer) Clip(term Term, party Party, proposed, cumulative Cents) ClipResult {
	res := ClipResult{Proposed: proposed, Amount: maxCents(0, proposed)}

	if term.CapCents != nil {
		res.apply(*term.CapCents, cumulative, "cap")
	}
	if term.CapMultiplier != nil {
		limit := MultipleOf(party.ContributionCents, *term.CapMultiplier)
		res.apply(limit, cumulative, fmt.Sprintf("%sx contribution cap", term.CapMultiplier))
	}
	return res
}

func (r *ClipResult) apply(limit, cumulative Cents, label string) {
	if !r.HasLimit || limit < r.Limit {
		r.Limit = limit
		r.HasLimit = true
	}

	headroom := maxCents(0, limit-cumulative)
	if r.Amount > headroom {
		r.Amount = headroom
		r.Clipped = true
		r.Reason = fmt.Sprintf("%s %d reached (received %d)", label, limit, cumulative)
	}
	if cumulative+r.Amount >= limit {
		r.Exhausted = true
		if r.Reason == "" {
			r.Reason = fmt.Sprintf("%s %d reached", label, limit)
		}
	}
}
