package factory

import (
	"encoding/json"
)

// Demo agreements. They build JSON maps directly, the same shape an admin
// UI would post.

// InvestorRecoupJSON returns an agreement where one investor recoups a
// target (capped at a multiple of their contribution) before the creator
// takes everything that is left.
func InvestorRecoupJSON(id, name string, contribution, target int64, capMultiplier string) string {
	aj := map[string]any{
		"id":          id,
		"name":        name,
		"period_type": "monthly",
		"parties": []map[string]any{
			{"id": "investor", "name": "Investor", "role": "investor", "contribution_cents": contribution},
			{"id": "creator", "name": "Creator", "role": "creator"},
		},
		"terms": []map[string]any{
			{
				"id":                  "investor-recoup",
				"party_id":            "investor",
				"recoupment_order":    1,
				"share_type":          "fixed_recoup",
				"share_value":         "0",
				"recoup_target_cents": target,
				"cap_multiplier":      capMultiplier,
			},
			{
				"id":               "creator-split",
				"party_id":         "creator",
				"recoupment_order": 2,
				"share_type":       "percentage_after_recoup",
				"share_value":      "100",
			},
		},
	}
	b, _ := json.MarshalIndent(aj, "", "  ")
	return string(b)
}

// CreatorSplitJSON returns an agreement where every creator takes an equal
// first-dollar share of the pool.
func CreatorSplitJSON(id, name string, creators []string, sharePercent string) string {
	parties := make([]map[string]any, 0, len(creators))
	for _, c := range creators {
		parties = append(parties, map[string]any{"id": c, "name": c, "role": "creator"})
	}
	aj := map[string]any{
		"id":          id,
		"name":        name,
		"period_type": "monthly",
		"parties":     parties,
		"terms": []map[string]any{{
			"id":               "creators",
			"applies_to":       "all_with_role",
			"role":             "creator",
			"recoupment_order": 1,
			"share_type":       "first_dollar",
			"share_value":      sharePercent,
		}},
	}
	b, _ := json.MarshalIndent(aj, "", "  ")
	return string(b)
}

// LastMoneyOutJSON returns an agreement where a distributor is only paid
// once the investor has fully recouped.
func LastMoneyOutJSON(id, name string, contribution int64) string {
	aj := map[string]any{
		"id":          id,
		"name":        name,
		"period_type": "monthly",
		"parties": []map[string]any{
			{"id": "investor", "name": "Investor", "role": "investor", "contribution_cents": contribution},
			{"id": "distributor", "name": "Distributor", "role": "distributor"},
		},
		"terms": []map[string]any{
			{
				"id":               "investor-recoup",
				"party_id":         "investor",
				"recoupment_order": 1,
				"share_type":       "fixed_recoup",
				"share_value":      "0",
			},
			{
				"id":               "distributor-tail",
				"party_id":         "distributor",
				"recoupment_order": 2,
				"share_type":       "last_money_out",
				"share_value":      "0",
			},
		},
	}
	b, _ := json.MarshalIndent(aj, "", "  ")
	return string(b)
}

// ScenarioAJSON: investor recoups 150,000 capped at 1.5x of 100,000.
func ScenarioAJSON() string {
	return InvestorRecoupJSON("scenario-a", "Scenario A: investor recoupment", 100_000, 150_000, "1.5")
}

// ScenarioBJSON: two creators at 50% first dollar each.
func ScenarioBJSON() string {
	return CreatorSplitJSON("scenario-b", "Scenario B: creator split", []string{"creator-1", "creator-2"}, "50")
}

// ScenarioCJSON: last money out behind an unrecouped 500,000 contribution.
func ScenarioCJSON() string {
	return LastMoneyOutJSON("scenario-c", "Scenario C: last money out", 500_000)
}
