package waterfall

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// CONFIGURATION VALIDATION - Fail fast before any revenue is processed
// =============================================================================

// ValidateConfig checks an agreement configuration. Hard problems are
// returned as a joined error of *ConfigError values; soft problems are
// returned as warnings for the caller to log.
//
// Order ties are rejected: every term owns a distinct waterfall position, so
// percentage-family terms can never share an order tier. First-dollar shares
// are measured against the whole pool and may sum above 100%; that is only a
// warning because the engine clips each one to what remains.
func ValidateConfig(cfg AgreementConfig) (warnings []string, err error) {
	a := cfg.Agreement
	var errs []error
	fail := func(term TermID, field, reason string, sentinel error) {
		errs = append(errs, &ConfigError{AgreementID: a.ID, TermID: term, Field: field, Reason: reason, Err: sentinel})
	}

	if a.ID == "" {
		fail("", "id", "required", ErrInvalidAgreement)
	}
	switch a.PeriodConfig.Type {
	case PeriodMonthly, PeriodQuarterly, PeriodCalendarYear:
	default:
		fail("", "period_type", fmt.Sprintf("unknown %q", a.PeriodConfig.Type), ErrInvalidAgreement)
	}

	parties := make(map[PartyID]Party, len(cfg.Parties))
	for _, p := range cfg.Parties {
		if p.ID == "" {
			fail("", "party.id", "required", ErrInvalidAgreement)
			continue
		}
		if _, dup := parties[p.ID]; dup {
			fail("", "party.id", fmt.Sprintf("duplicate party %s", p.ID), ErrInvalidAgreement)
		}
		if !p.Role.Valid() {
			fail("", "party.role", fmt.Sprintf("party %s has unknown role %q", p.ID, p.Role), ErrInvalidAgreement)
		}
		if p.ContributionCents < 0 {
			fail("", "party.contribution_cents", fmt.Sprintf("party %s contribution is negative", p.ID), ErrInvalidAgreement)
		}
		parties[p.ID] = p
	}

	orders := make(map[int]TermID, len(cfg.Terms))
	ids := make(map[TermID]bool, len(cfg.Terms))
	firstDollarSum := decimal.Zero
	var lastMoneyOut []Term
	maxOrder, seen := 0, false

	for i, t := range cfg.Terms {
		if t.ID == "" {
			fail("", "term.id", fmt.Sprintf("term %d has no id", i), ErrInvalidTerm)
			continue
		}
		if ids[t.ID] {
			fail(t.ID, "id", "duplicate term id", ErrInvalidTerm)
		}
		ids[t.ID] = true

		if other, dup := orders[t.Order]; dup {
			fail(t.ID, "recoupment_order", fmt.Sprintf("order %d already used by %s", t.Order, other), ErrDuplicateOrder)
		}
		orders[t.Order] = t.ID
		if !seen || t.Order > maxOrder {
			maxOrder, seen = t.Order, true
		}

		if _, ok := parties[t.PartyID]; !ok {
			fail(t.ID, "party_id", fmt.Sprintf("unknown party %q", t.PartyID), ErrInvalidTerm)
		}

		if !t.ShareType.Valid() {
			fail(t.ID, "share_type", fmt.Sprintf("%q", t.ShareType), ErrUnknownShareType)
			continue
		}
		if t.ShareType.IsPercentage() {
			if t.ShareValue.IsNegative() || t.ShareValue.GreaterThan(hundred) {
				fail(t.ID, "share_value", fmt.Sprintf("%s%% outside 0-100", t.ShareValue), ErrInvalidShareValue)
			}
		} else if t.ShareValue.IsNegative() {
			fail(t.ID, "share_value", fmt.Sprintf("%s is negative", t.ShareValue), ErrInvalidShareValue)
		}

		if t.CapCents != nil && *t.CapCents < 0 {
			fail(t.ID, "cap_cents", "negative", ErrInvalidTerm)
		}
		if t.CapMultiplier != nil && !t.CapMultiplier.IsPositive() {
			fail(t.ID, "cap_multiplier", "must be positive", ErrInvalidTerm)
		}
		if t.RecoupTargetCents != nil && *t.RecoupTargetCents < 0 {
			fail(t.ID, "recoup_target_cents", "negative", ErrInvalidTerm)
		}
		if t.RecoupedCents < 0 {
			fail(t.ID, "recouped_cents", "negative", ErrInvalidTerm)
		}
		if target, tracks := t.RecoupTarget(parties[t.PartyID]); tracks && t.RecoupedCents > target {
			fail(t.ID, "recouped_cents", fmt.Sprintf("%d exceeds target %d", t.RecoupedCents, target), ErrInvalidTerm)
		}

		switch t.ShareType {
		case ShareFirstDollar:
			firstDollarSum = firstDollarSum.Add(t.ShareValue)
		case ShareLastMoneyOut:
			lastMoneyOut = append(lastMoneyOut, t)
		}
	}

	if firstDollarSum.GreaterThan(hundred) {
		warnings = append(warnings, fmt.Sprintf("first_dollar shares sum to %s%%; later first_dollar terms will be clipped to the remaining pool", firstDollarSum))
	}
	if len(lastMoneyOut) > 1 {
		warnings = append(warnings, fmt.Sprintf("%d last_money_out terms; at most one can ever be the sole incomplete term", len(lastMoneyOut)))
	}
	for _, t := range lastMoneyOut {
		if t.Order != maxOrder {
			warnings = append(warnings, fmt.Sprintf("last_money_out term %s is not the last order (%d < %d)", t.ID, t.Order, maxOrder))
		}
	}

	return warnings, errors.Join(errs...)
}
