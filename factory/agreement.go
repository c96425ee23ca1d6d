/*
Package factory provides JSON to Go agreement conversion.

PURPOSE:
  Converts JSON agreement definitions into waterfall.AgreementConfig. Deal
  terms are authored outside this service (admin UI, seed files); the
  factory turns them into typed parties and terms.

JSON SCHEMA:
  {
    "id": "film-42",
    "name": "Film 42 financing",
    "period_type": "monthly",
    "parties": [
      {"id": "inv", "name": "Investor", "role": "investor", "contribution_cents": 100000},
      {"id": "dir", "name": "Director", "role": "creator"}
    ],
    "terms": [
      {"id": "inv-recoup", "party_id": "inv", "recoupment_order": 1,
       "share_type": "fixed_recoup", "recoup_target_cents": 150000, "cap_multiplier": "1.5"},
      {"id": "creators", "applies_to": "all_with_role", "role": "creator",
       "recoupment_order": 2, "share_type": "percentage_after_recoup", "share_value": "100"}
    ]
  }

ROLE EXPANSION:
  A term with "applies_to": "all_with_role" becomes one term per party with
  that role, in party declaration order, with consecutive recoupment orders
  starting at the given one and ids "<term id>-<party id>". With
  "split_evenly" the share value is divided between them.

USAGE:
  factory := NewAgreementFactory()
  cfg, err := factory.ParseAgreement(ScenarioAJSON())

SEE ALSO:
  - waterfall/validate.go: Validation of the produced configuration
  - presets.go: Demo agreements
*/
package factory

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/waterfall-engine/waterfall"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// AgreementJSON is the JSON representation of an agreement.
type AgreementJSON struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	PeriodType string      `json:"period_type,omitempty"`
	Parties    []PartyJSON `json:"parties"`
	Terms      []TermJSON  `json:"terms"`
}

// PartyJSON represents one payee.
type PartyJSON struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	Role              string `json:"role"`
	ContributionCents int64  `json:"contribution_cents,omitempty"`
}

// TermJSON represents one waterfall tranche, or a family of tranches when
// AppliesTo is "all_with_role".
type TermJSON struct {
	ID                string           `json:"id"`
	PartyID           string           `json:"party_id,omitempty"`
	AppliesTo         string           `json:"applies_to,omitempty"` // party (default), all_with_role
	Role              string           `json:"role,omitempty"`
	SplitEvenly       bool             `json:"split_evenly,omitempty"`
	RecoupmentOrder   int              `json:"recoupment_order"`
	ShareType         string           `json:"share_type"`
	ShareValue        decimal.Decimal  `json:"share_value"`
	CapCents          *int64           `json:"cap_cents,omitempty"`
	CapMultiplier     *decimal.Decimal `json:"cap_multiplier,omitempty"`
	RecoupTargetCents *int64           `json:"recoup_target_cents,omitempty"`
	RecoupedCents     int64            `json:"recouped_cents,omitempty"`
}

const (
	AppliesToParty       = "party"
	AppliesToAllWithRole = "all_with_role"
)

// =============================================================================
// AGREEMENT FACTORY
// =============================================================================

type AgreementFactory struct{}

func NewAgreementFactory() *AgreementFactory {
	return &AgreementFactory{}
}

// ParseAgreement parses a JSON string into an AgreementConfig.
func (f *AgreementFactory) ParseAgreement(jsonStr string) (*waterfall.AgreementConfig, error) {
	var aj AgreementJSON
	if err := json.Unmarshal([]byte(jsonStr), &aj); err != nil {
		return nil, fmt.Errorf("failed to parse agreement JSON: %w", err)
	}
	return f.FromJSON(aj)
}

// FromJSON converts AgreementJSON to a waterfall.AgreementConfig. Structural
// problems (unknown roles or share types, empty role expansion) are reported
// here; numeric ranges are left to waterfall.ValidateConfig.
func (f *AgreementFactory) FromJSON(aj AgreementJSON) (*waterfall.AgreementConfig, error) {
	id := waterfall.AgreementID(aj.ID)
	cfg := &waterfall.AgreementConfig{
		Agreement: waterfall.Agreement{
			ID:           id,
			Name:         aj.Name,
			PeriodConfig: parsePeriodConfig(aj.PeriodType),
		},
	}

	for _, pj := range aj.Parties {
		role := waterfall.PartyRole(pj.Role)
		if !role.Valid() {
			return nil, fmt.Errorf("%w: party %s has unknown role %q", waterfall.ErrInvalidAgreement, pj.ID, pj.Role)
		}
		cfg.Parties = append(cfg.Parties, waterfall.Party{
			ID:                waterfall.PartyID(pj.ID),
			AgreementID:       id,
			Name:              pj.Name,
			Role:              role,
			ContributionCents: waterfall.Cents(pj.ContributionCents),
		})
	}

	for _, tj := range aj.Terms {
		terms, err := f.expandTerm(id, tj, cfg.Parties)
		if err != nil {
			return nil, err
		}
		cfg.Terms = append(cfg.Terms, terms...)
	}

	return cfg, nil
}

// expandTerm turns one TermJSON into one or more terms.
func (f *AgreementFactory) expandTerm(id waterfall.AgreementID, tj TermJSON, parties []waterfall.Party) ([]waterfall.Term, error) {
	shareType, err := waterfall.ParseShareType(tj.ShareType)
	if err != nil {
		return nil, fmt.Errorf("term %s: %w", tj.ID, err)
	}

	base := waterfall.Term{
		ID:                waterfall.TermID(tj.ID),
		AgreementID:       id,
		PartyID:           waterfall.PartyID(tj.PartyID),
		Order:             tj.RecoupmentOrder,
		ShareType:         shareType,
		ShareValue:        tj.ShareValue,
		CapCents:          centsPtr(tj.CapCents),
		CapMultiplier:     tj.CapMultiplier,
		RecoupTargetCents: centsPtr(tj.RecoupTargetCents),
		RecoupedCents:     waterfall.Cents(tj.RecoupedCents),
	}

	switch tj.AppliesTo {
	case "", AppliesToParty:
		return []waterfall.Term{base}, nil
	case AppliesToAllWithRole:
	default:
		return nil, fmt.Errorf("%w: term %s applies_to %q", waterfall.ErrInvalidTerm, tj.ID, tj.AppliesTo)
	}

	role := waterfall.PartyRole(tj.Role)
	var matched []waterfall.Party
	for _, p := range parties {
		if p.Role == role {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("%w: term %s matches no party with role %q", waterfall.ErrInvalidTerm, tj.ID, tj.Role)
	}

	share := tj.ShareValue
	if tj.SplitEvenly {
		share = share.Div(decimal.NewFromInt(int64(len(matched))))
	}

	terms := make([]waterfall.Term, 0, len(matched))
	for i, p := range matched {
		t := base
		t.ID = waterfall.TermID(fmt.Sprintf("%s-%s", tj.ID, p.ID))
		t.PartyID = p.ID
		t.Order = tj.RecoupmentOrder + i
		t.ShareValue = share
		terms = append(terms, t)
	}
	return terms, nil
}

// ToJSON converts an AgreementConfig to AgreementJSON. Expanded role terms
// are written out individually.
func (f *AgreementFactory) ToJSON(cfg *waterfall.AgreementConfig) AgreementJSON {
	aj := AgreementJSON{
		ID:         string(cfg.Agreement.ID),
		Name:       cfg.Agreement.Name,
		PeriodType: string(cfg.Agreement.PeriodConfig.Type),
		Parties:    []PartyJSON{},
		Terms:      []TermJSON{},
	}
	for _, p := range cfg.Parties {
		aj.Parties = append(aj.Parties, PartyJSON{
			ID:                string(p.ID),
			Name:              p.Name,
			Role:              string(p.Role),
			ContributionCents: int64(p.ContributionCents),
		})
	}
	for _, t := range cfg.Terms {
		aj.Terms = append(aj.Terms, TermJSON{
			ID:                string(t.ID),
			PartyID:           string(t.PartyID),
			RecoupmentOrder:   t.Order,
			ShareType:         string(t.ShareType),
			ShareValue:        t.ShareValue,
			CapCents:          int64Ptr(t.CapCents),
			CapMultiplier:     t.CapMultiplier,
			RecoupTargetCents: int64Ptr(t.RecoupTargetCents),
			RecoupedCents:     int64(t.RecoupedCents),
		})
	}
	return aj
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parsePeriodConfig(periodType string) waterfall.PeriodConfig {
	switch periodType {
	case "", "monthly":
		return waterfall.PeriodConfig{Type: waterfall.PeriodMonthly}
	case "quarterly":
		return waterfall.PeriodConfig{Type: waterfall.PeriodQuarterly}
	case "calendar_year", "yearly":
		return waterfall.PeriodConfig{Type: waterfall.PeriodCalendarYear}
	default:
		// Left as-is so ValidateConfig reports it.
		return waterfall.PeriodConfig{Type: waterfall.PeriodType(periodType)}
	}
}

func centsPtr(v *int64) *waterfall.Cents {
	if v == nil {
		return nil
	}
	c := waterfall.Cents(*v)
	return &c
}

func int64Ptr(c *waterfall.Cents) *int64 {
	if c == nil {
		return nil
	}
	v := int64(*c)
	return &v
}
