/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Every amount is integer cents with a _cents suffix. Share values and cap
  multipliers are decimal strings.

TYPES:
  Agreement:  AgreementDTO, AgreementDetailDTO, PartyDTO, TermDTO
              (creation uses factory.AgreementJSON directly)
  Revenue:    RevenueReportRequest, RevenueReportDTO
  Settlement: SettlementDTO, SettlementItemDTO, TransitionRequest
  Audit:      AuditDTO, AuditFindingDTO
  Batch:      BatchResultDTO, OutcomeDTO
  Scenarios:  ScenarioDTO

SEE ALSO:
  - handlers.go: Uses these types
  - factory/agreement.go: AgreementJSON type
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/waterfall-engine/waterfall"
)

// =============================================================================
// AGREEMENTS
// =============================================================================

// AgreementDTO represents an agreement in list responses.
type AgreementDTO struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	PeriodType string             `json:"period_type"`
	Totals     AgreementTotalsDTO `json:"totals"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// AgreementTotalsDTO is the cached transparency summary.
type AgreementTotalsDTO struct {
	ContributedCents   int64 `json:"contributed_cents"`
	DistributedCents   int64 `json:"distributed_cents"`
	RevenueToDateCents int64 `json:"revenue_to_date_cents"`
	UnallocatedCents   int64 `json:"unallocated_cents"`
	SettlementCount    int   `json:"settlement_count"`
}

// AgreementDetailDTO is an agreement with its parties and terms.
type AgreementDetailDTO struct {
	AgreementDTO
	Parties  []PartyDTO `json:"parties"`
	Terms    []TermDTO  `json:"terms"`
	Warnings []string   `json:"warnings,omitempty"`
}

type PartyDTO struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Role               string `json:"role"`
	ContributionCents  int64  `json:"contribution_cents"`
	TotalReceivedCents int64  `json:"total_received_cents"`
}

type TermDTO struct {
	ID                       string           `json:"id"`
	PartyID                  string           `json:"party_id"`
	RecoupmentOrder          int              `json:"recoupment_order"`
	ShareType                string           `json:"share_type"`
	ShareValue               decimal.Decimal  `json:"share_value"`
	CapCents                 *int64           `json:"cap_cents,omitempty"`
	CapMultiplier            *decimal.Decimal `json:"cap_multiplier,omitempty"`
	RecoupTargetCents        *int64           `json:"recoup_target_cents,omitempty"`
	RecoupedCents            int64            `json:"recouped_cents"`
	RecoupmentRemainingCents int64            `json:"recoupment_remaining_cents"`
	RecoupmentComplete       bool             `json:"recoupment_complete"`
	CapReached               bool             `json:"cap_reached"`
}

func toAgreementDTO(a waterfall.Agreement) AgreementDTO {
	return AgreementDTO{
		ID:         string(a.ID),
		Name:       a.Name,
		PeriodType: string(a.PeriodConfig.Type),
		Totals: AgreementTotalsDTO{
			ContributedCents:   int64(a.Totals.ContributedCents),
			DistributedCents:   int64(a.Totals.DistributedCents),
			RevenueToDateCents: int64(a.Totals.RevenueToDateCents),
			UnallocatedCents:   int64(a.Totals.UnallocatedCents),
			SettlementCount:    a.Totals.SettlementCount,
		},
		CreatedAt: a.CreatedAt,
		UpdatedAt: a.UpdatedAt,
	}
}

func toAgreementDetailDTO(cfg *waterfall.AgreementConfig) AgreementDetailDTO {
	dto := AgreementDetailDTO{
		AgreementDTO: toAgreementDTO(cfg.Agreement),
		Parties:      make([]PartyDTO, 0, len(cfg.Parties)),
		Terms:        make([]TermDTO, 0, len(cfg.Terms)),
	}
	parties := make(map[waterfall.PartyID]waterfall.Party, len(cfg.Parties))
	for _, p := range cfg.Parties {
		parties[p.ID] = p
		dto.Parties = append(dto.Parties, PartyDTO{
			ID:                 string(p.ID),
			Name:               p.Name,
			Role:               string(p.Role),
			ContributionCents:  int64(p.ContributionCents),
			TotalReceivedCents: int64(p.TotalReceivedCents),
		})
	}
	for _, t := range cfg.Terms {
		td := TermDTO{
			ID:                 string(t.ID),
			PartyID:            string(t.PartyID),
			RecoupmentOrder:    t.Order,
			ShareType:          string(t.ShareType),
			ShareValue:         t.ShareValue,
			CapCents:           centsPtr(t.CapCents),
			CapMultiplier:      t.CapMultiplier,
			RecoupTargetCents:  centsPtr(t.RecoupTargetCents),
			RecoupedCents:      int64(t.RecoupedCents),
			RecoupmentComplete: t.RecoupmentComplete,
			CapReached:         t.CapReached,
		}
		if target, tracks := t.RecoupTarget(parties[t.PartyID]); tracks && target > t.RecoupedCents {
			td.RecoupmentRemainingCents = int64(target - t.RecoupedCents)
		}
		dto.Terms = append(dto.Terms, td)
	}
	return dto
}

// =============================================================================
// REVENUE
// =============================================================================

// RevenueReportRequest is posted by the revenue aggregation service.
// Either PeriodStart or Date identifies the period. PeriodStart must open a
// period of the agreement's settlement frequency; PeriodEnd, when given,
// must close that same period.
type RevenueReportRequest struct {
	PeriodStart       string `json:"period_start,omitempty"`
	PeriodEnd         string `json:"period_end,omitempty"`
	Date              string `json:"date,omitempty"`
	GrossRevenueCents int64  `json:"gross_revenue_cents"`
	PlatformFeesCents int64  `json:"platform_fees_cents"`
}

type RevenueReportDTO struct {
	AgreementID           string    `json:"agreement_id"`
	PeriodStart           string    `json:"period_start"`
	PeriodEnd             string    `json:"period_end"`
	GrossRevenueCents     int64     `json:"gross_revenue_cents"`
	PlatformFeesCents     int64     `json:"platform_fees_cents"`
	NetDistributableCents int64     `json:"net_distributable_cents"`
	ReceivedAt            time.Time `json:"received_at"`
}

func toRevenueReportDTO(r waterfall.RevenueReport) RevenueReportDTO {
	net, _ := r.NetDistributable()
	return RevenueReportDTO{
		AgreementID:           string(r.AgreementID),
		PeriodStart:           r.Period.Start.String(),
		PeriodEnd:             r.Period.End.String(),
		GrossRevenueCents:     int64(r.GrossRevenueCents),
		PlatformFeesCents:     int64(r.PlatformFeesCents),
		NetDistributableCents: int64(net),
		ReceivedAt:            r.ReceivedAt,
	}
}

// =============================================================================
// SETTLEMENTS
// =============================================================================

type SettlementDTO struct {
	ID                    string              `json:"id"`
	AgreementID           string              `json:"agreement_id"`
	PeriodStart           string              `json:"period_start"`
	PeriodEnd             string              `json:"period_end"`
	GrossRevenueCents     int64               `json:"gross_revenue_cents"`
	PlatformFeesCents     int64               `json:"platform_fees_cents"`
	NetDistributableCents int64               `json:"net_distributable_cents"`
	DistributedCents      int64               `json:"distributed_cents"`
	UnallocatedCents      int64               `json:"unallocated_cents"`
	Status                string              `json:"status"`
	StatusReason          string              `json:"status_reason,omitempty"`
	Items                 []SettlementItemDTO `json:"items"`
	CalculatedAt          time.Time           `json:"calculated_at"`
	UpdatedAt             time.Time           `json:"updated_at"`
}

type SettlementItemDTO struct {
	ID                       string          `json:"id"`
	TermID                   string          `json:"term_id"`
	PartyID                  string          `json:"party_id"`
	RecoupmentOrder          int             `json:"recoupment_order"`
	AmountCents              int64           `json:"amount_cents"`
	ShareType                string          `json:"share_type"`
	ShareValue               decimal.Decimal `json:"share_value"`
	RecoupedInPeriodCents    int64           `json:"recouped_in_period_cents"`
	RecoupmentRemainingCents int64           `json:"recoupment_remaining_cents"`
	CapApplied               bool            `json:"cap_applied"`
	Notes                    string          `json:"notes,omitempty"`
}

// TransitionRequest carries an optional reason for a status change.
type TransitionRequest struct {
	Reason string `json:"reason,omitempty"`
}

func toSettlementDTO(s *waterfall.Settlement) SettlementDTO {
	dto := SettlementDTO{
		ID:                    string(s.ID),
		AgreementID:           string(s.AgreementID),
		PeriodStart:           s.Period.Start.String(),
		PeriodEnd:             s.Period.End.String(),
		GrossRevenueCents:     int64(s.GrossRevenueCents),
		PlatformFeesCents:     int64(s.PlatformFeesCents),
		NetDistributableCents: int64(s.NetDistributableCents),
		DistributedCents:      int64(s.DistributedCents),
		UnallocatedCents:      int64(s.UnallocatedCents),
		Status:                string(s.Status),
		StatusReason:          s.StatusReason,
		Items:                 make([]SettlementItemDTO, 0, len(s.Items)),
		CalculatedAt:          s.CalculatedAt,
		UpdatedAt:             s.UpdatedAt,
	}
	for _, item := range s.Items {
		dto.Items = append(dto.Items, SettlementItemDTO{
			ID:                       item.ID,
			TermID:                   string(item.TermID),
			PartyID:                  string(item.PartyID),
			RecoupmentOrder:          item.Order,
			AmountCents:              int64(item.AmountCents),
			ShareType:                string(item.ShareType),
			ShareValue:               item.ShareValue,
			RecoupedInPeriodCents:    int64(item.RecoupedInPeriodCents),
			RecoupmentRemainingCents: int64(item.RecoupmentRemainingCents),
			CapApplied:               item.CapApplied,
			Notes:                    item.Notes,
		})
	}
	return dto
}

func toSettlementDTOs(settlements []waterfall.Settlement) []SettlementDTO {
	dtos := make([]SettlementDTO, len(settlements))
	for i := range settlements {
		dtos[i] = toSettlementDTO(&settlements[i])
	}
	return dtos
}

// =============================================================================
// AUDIT
// =============================================================================

type AuditDTO struct {
	AgreementID      string             `json:"agreement_id"`
	OK               bool               `json:"ok"`
	SettlementCount  int                `json:"settlement_count"`
	PartyTotalsCents map[string]int64   `json:"party_totals_cents"`
	Totals           AgreementTotalsDTO `json:"totals"`
	Findings         []AuditFindingDTO  `json:"findings"`
}

type AuditFindingDTO struct {
	SettlementID  string `json:"settlement_id,omitempty"`
	PartyID       string `json:"party_id,omitempty"`
	TermID        string `json:"term_id,omitempty"`
	ExpectedCents int64  `json:"expected_cents"`
	ActualCents   int64  `json:"actual_cents"`
	Detail        string `json:"detail"`
}

func toAuditDTO(r *waterfall.AuditReport) AuditDTO {
	dto := AuditDTO{
		AgreementID:      string(r.AgreementID),
		OK:               r.OK(),
		SettlementCount:  r.SettlementCount,
		PartyTotalsCents: make(map[string]int64, len(r.PartyTotals)),
		Totals: AgreementTotalsDTO{
			ContributedCents:   int64(r.Totals.ContributedCents),
			DistributedCents:   int64(r.Totals.DistributedCents),
			RevenueToDateCents: int64(r.Totals.RevenueToDateCents),
			UnallocatedCents:   int64(r.Totals.UnallocatedCents),
			SettlementCount:    r.Totals.SettlementCount,
		},
		Findings: make([]AuditFindingDTO, 0, len(r.Findings)),
	}
	for id, c := range r.PartyTotals {
		dto.PartyTotalsCents[string(id)] = int64(c)
	}
	for _, f := range r.Findings {
		dto.Findings = append(dto.Findings, AuditFindingDTO{
			SettlementID:  string(f.SettlementID),
			PartyID:       string(f.PartyID),
			TermID:        string(f.TermID),
			ExpectedCents: int64(f.Expected),
			ActualCents:   int64(f.Actual),
			Detail:        f.Detail,
		})
	}
	return dto
}

// =============================================================================
// BATCH
// =============================================================================

type BatchResultDTO struct {
	AsOf           string       `json:"as_of"`
	Settled        int          `json:"settled"`
	AlreadySettled int          `json:"already_settled"`
	InProgress     int          `json:"in_progress"`
	Failed         int          `json:"failed"`
	Cancelled      int          `json:"cancelled"`
	Skipped        int          `json:"skipped"`
	Outcomes       []OutcomeDTO `json:"outcomes"`
}

type OutcomeDTO struct {
	AgreementID  string `json:"agreement_id"`
	PeriodStart  string `json:"period_start"`
	SettlementID string `json:"settlement_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

func toBatchResultDTO(asOf waterfall.TimePoint, r waterfall.BatchResult) BatchResultDTO {
	dto := BatchResultDTO{
		AsOf:           asOf.String(),
		Settled:        r.Settled,
		AlreadySettled: r.AlreadySettled,
		InProgress:     r.InProgress,
		Failed:         r.Failed,
		Cancelled:      r.Cancelled,
		Skipped:        r.Skipped,
		Outcomes:       make([]OutcomeDTO, 0, len(r.Outcomes)),
	}
	for _, o := range r.Outcomes {
		od := OutcomeDTO{
			AgreementID:  string(o.AgreementID),
			PeriodStart:  o.Period.Start.String(),
			SettlementID: string(o.SettlementID),
			Reason:       o.Reason,
		}
		if o.Err != nil {
			od.Error = o.Err.Error()
		}
		dto.Outcomes = append(dto.Outcomes, od)
	}
	return dto
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ScenarioResultDTO is returned after loading a scenario.
type ScenarioResultDTO struct {
	Scenario    ScenarioDTO        `json:"scenario"`
	Agreement   AgreementDetailDTO `json:"agreement"`
	Settlements []SettlementDTO    `json:"settlements"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func centsPtr(c *waterfall.Cents) *int64 {
	if c == nil {
		return nil
	}
	v := int64(*c)
	return &v
}
