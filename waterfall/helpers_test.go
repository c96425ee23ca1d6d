package waterfall_test

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/waterfall-engine/waterfall"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const testAgreement waterfall.AgreementID = "agr-1"

func centsPtr(c int64) *waterfall.Cents {
	v := waterfall.Cents(c)
	return &v
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func party(id string, role waterfall.PartyRole, contribution int64) waterfall.Party {
	return waterfall.Party{
		ID:                waterfall.PartyID(id),
		AgreementID:       testAgreement,
		Name:              id,
		Role:              role,
		ContributionCents: waterfall.Cents(contribution),
	}
}

func term(id, partyID string, order int, st waterfall.ShareType, value string) waterfall.Term {
	return waterfall.Term{
		ID:          waterfall.TermID(id),
		AgreementID: testAgreement,
		PartyID:     waterfall.PartyID(partyID),
		Order:       order,
		ShareType:   st,
		ShareValue:  dec(value),
	}
}

func config(parties []waterfall.Party, terms ...waterfall.Term) waterfall.AgreementConfig {
	return waterfall.AgreementConfig{
		Agreement: waterfall.Agreement{
			ID:           testAgreement,
			Name:         "Test agreement",
			PeriodConfig: waterfall.PeriodConfig{Type: waterfall.PeriodMonthly},
		},
		Parties: parties,
		Terms:   terms,
	}
}

func snapshotOf(cfg waterfall.AgreementConfig) waterfall.Snapshot {
	return waterfall.NewSnapshot(cfg.Agreement.ID, cfg.Parties, cfg.Terms)
}

func month(year int, m time.Month) waterfall.Period {
	return waterfall.Period{
		Start: waterfall.StartOfMonth(year, m),
		End:   waterfall.EndOfMonth(year, m),
	}
}

func report(id waterfall.AgreementID, p waterfall.Period, gross, fees int64) waterfall.RevenueReport {
	return waterfall.RevenueReport{
		AgreementID:       id,
		Period:            p,
		GrossRevenueCents: waterfall.Cents(gross),
		PlatformFeesCents: waterfall.Cents(fees),
		ReceivedAt:        time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC),
	}
}

func allocationFor(d waterfall.Distribution, id waterfall.TermID) (waterfall.Allocation, bool) {
	for _, a := range d.Allocations {
		if a.TermID == id {
			return a, true
		}
	}
	return waterfall.Allocation{}, false
}

func amountFor(d waterfall.Distribution, id waterfall.TermID) waterfall.Cents {
	a, _ := allocationFor(d, id)
	return a.AmountCents
}

// =============================================================================
// REFERENCE AGREEMENTS
// =============================================================================

// investorRecoup: investor recoups 150,000 (cap 1.5x of 100,000), creator
// takes everything after recoupment.
func investorRecoup() waterfall.AgreementConfig {
	recoup := term("investor-recoup", "investor", 1, waterfall.ShareFixedRecoup, "0")
	recoup.RecoupTargetCents = centsPtr(150_000)
	recoup.CapMultiplier = decPtr("1.5")
	return config(
		[]waterfall.Party{
			party("investor", waterfall.RoleInvestor, 100_000),
			party("creator", waterfall.RoleCreator, 0),
		},
		recoup,
		term("creator-split", "creator", 2, waterfall.SharePercentageAfterRecoup, "100"),
	)
}

// creatorSplit: two creators at 50% first dollar each.
func creatorSplit() waterfall.AgreementConfig {
	return config(
		[]waterfall.Party{
			party("creator-1", waterfall.RoleCreator, 0),
			party("creator-2", waterfall.RoleCreator, 0),
		},
		term("creators-creator-1", "creator-1", 1, waterfall.ShareFirstDollar, "50"),
		term("creators-creator-2", "creator-2", 2, waterfall.ShareFirstDollar, "50"),
	)
}

// lastMoneyOut: distributor tail behind a 500,000 investor contribution.
func lastMoneyOut() waterfall.AgreementConfig {
	return config(
		[]waterfall.Party{
			party("investor", waterfall.RoleInvestor, 500_000),
			party("distributor", waterfall.RoleDistributor, 0),
		},
		term("investor-recoup", "investor", 1, waterfall.ShareFixedRecoup, "0"),
		term("distributor-tail", "distributor", 2, waterfall.ShareLastMoneyOut, "0"),
	)
}
