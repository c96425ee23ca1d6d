package waterfall

import (
	"fmt"
)

// =============================================================================
// SHARE TYPES - Closed set of payout rules
// =============================================================================

// ShareType names the payout rule of a term. The set is closed: every value
// maps to exactly one rule implementation below, and anything else is
// rejected with ErrUnknownShareType.
type ShareType string

const (
	// ShareFixedRecoup pays min(remaining, target - recouped).
	ShareFixedRecoup ShareType = "fixed_recoup"

	// ShareFirstDollar pays floor(revenue * value / 100), measured against
	// the full pool handed to the engine, clipped to what remains.
	ShareFirstDollar ShareType = "first_dollar"

	// SharePercentage pays floor(remaining * value / 100).
	SharePercentage ShareType = "percentage"

	// SharePercentageAfterRecoup is a percentage that pays nothing while an
	// earlier fixed-recoup tranche is incomplete.
	SharePercentageAfterRecoup ShareType = "percentage_after_recoup"

	// ShareBonusPool is a percentage that pays nothing until every
	// fixed-recoup tranche of the agreement is complete.
	ShareBonusPool ShareType = "bonus_pool"

	// ShareLastMoneyOut takes the entire remaining pool, but only when it is
	// the sole term whose recoupment is not complete.
	ShareLastMoneyOut ShareType = "last_money_out"
)

// ShareTypes lists every supported share type in documentation order.
var ShareTypes = []ShareType{
	ShareFixedRecoup,
	ShareFirstDollar,
	SharePercentage,
	SharePercentageAfterRecoup,
	ShareBonusPool,
	ShareLastMoneyOut,
}

// ParseShareType converts a stored or user supplied string to a ShareType.
func ParseShareType(s string) (ShareType, error) {
	st := ShareType(s)
	if _, ok := rules[st]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownShareType, s)
	}
	return st, nil
}

// Valid reports whether the share type belongs to the closed set.
func (s ShareType) Valid() bool {
	_, ok := rules[s]
	return ok
}

// IsPercentage reports whether ShareValue is a percentage (0-100).
// For the remaining types ShareValue is a cents amount kept for the record.
func (s ShareType) IsPercentage() bool {
	switch s {
	case ShareFirstDollar, SharePercentage, SharePercentageAfterRecoup, ShareBonusPool:
		return true
	}
	return false
}

// =============================================================================
// RULES - One implementation per share type
// =============================================================================

// rule computes what a term is owed at one waterfall step, before caps.
// Implementations are unexported so the set cannot be extended elsewhere.
type rule interface {
	owed(s step) (Cents, string)
}

var rules = map[ShareType]rule{
	ShareFixedRecoup:           fixedRecoupRule{},
	ShareFirstDollar:           firstDollarRule{},
	SharePercentage:            percentageRule{},
	SharePercentageAfterRecoup: percentageAfterRecoupRule{},
	ShareBonusPool:             bonusPoolRule{},
	ShareLastMoneyOut:          lastMoneyOutRule{},
}

func ruleFor(st ShareType) (rule, error) {
	r, ok := rules[st]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownShareType, st)
	}
	return r, nil
}

// step is the engine state visible to a rule.
type step struct {
	term      Term
	party     Party
	revenue   Cents
	remaining Cents
	target    Cents
	recouped  Cents
	run       *runState
}

type fixedRecoupRule struct{}

func (fixedRecoupRule) owed(s step) (Cents, string) {
	outstanding := maxCents(0, s.target-s.recouped)
	amount := minCents(s.remaining, outstanding)
	return amount, fmt.Sprintf("recoup %d of %d outstanding (target %d)", amount, outstanding, s.target)
}

type firstDollarRule struct{}

func (firstDollarRule) owed(s step) (Cents, string) {
	share := PercentOf(s.revenue, s.term.ShareValue)
	amount := minCents(s.remaining, share)
	if amount < share {
		return amount, fmt.Sprintf("%s%% of %d = %d, clipped to remaining %d", s.term.ShareValue, s.revenue, share, s.remaining)
	}
	return amount, fmt.Sprintf("%s%% of revenue %d", s.term.ShareValue, s.revenue)
}

type percentageRule struct{}

func (percentageRule) owed(s step) (Cents, string) {
	return PercentOf(s.remaining, s.term.ShareValue), fmt.Sprintf("%s%% of remaining %d", s.term.ShareValue, s.remaining)
}

type percentageAfterRecoupRule struct{}

func (percentageAfterRecoupRule) owed(s step) (Cents, string) {
	if blocker, ok := s.run.pendingFixedRecoupBefore(s.term.Order); ok {
		return 0, fmt.Sprintf("blocked: priority recoupment %s incomplete", blocker)
	}
	return PercentOf(s.remaining, s.term.ShareValue), fmt.Sprintf("%s%% of remaining %d after recoupment", s.term.ShareValue, s.remaining)
}

type bonusPoolRule struct{}

func (bonusPoolRule) owed(s step) (Cents, string) {
	if blocker, ok := s.run.pendingFixedRecoup(); ok {
		return 0, fmt.Sprintf("gated: recoupment %s incomplete", blocker)
	}
	return PercentOf(s.remaining, s.term.ShareValue), fmt.Sprintf("bonus pool %s%% of remaining %d", s.term.ShareValue, s.remaining)
}

type lastMoneyOutRule struct{}

func (lastMoneyOutRule) owed(s step) (Cents, string) {
	if n := s.run.incompleteExcept(s.term.ID); n > 0 {
		return 0, fmt.Sprintf("waiting: %d other term(s) incomplete", n)
	}
	return s.remaining, fmt.Sprintf("catch-all of remaining %d", s.remaining)
}
