/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built agreements plus a revenue sequence that is settled
	immediately, so the resulting settlements can be inspected through the
	normal endpoints.

AVAILABLE SCENARIOS:

	investor-recoup:  Investor recoups 150,000 (cap 1.5x of 100,000), creator takes the rest
	creator-split:    Two creators at 50% first dollar each
	last-money-out:   Distributor tail behind an unrecouped investor

HOW SCENARIOS WORK:
 1. Reset storage (clear all data) when the store supports it
 2. Build the agreement via factory presets
 3. Register it through the Settler (validation + warnings)
 4. Settle each revenue period in order

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "investor-recoup"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Add agreement JSON and revenue sequence to 'scenarioSetups'

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Settlement handlers
  - factory/presets.go: Agreement JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/warp/waterfall-engine/factory"
	"github.com/warp/waterfall-engine/waterfall"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "investor-recoup",
		Name:        "Investor Recoupment",
		Description: "Investor recoups 150,000 capped at 1.5x; creator receives everything after recoupment",
	},
	{
		ID:          "creator-split",
		Name:        "Creator Split",
		Description: "Two creators share revenue 50/50 from the first dollar",
	},
	{
		ID:          "last-money-out",
		Name:        "Last Money Out",
		Description: "Distributor is paid only after the investor has fully recouped",
	},
}

// scenarioRevenue is one period of demo revenue.
type scenarioRevenue struct {
	periodStart string
	grossCents  waterfall.Cents
	feesCents   waterfall.Cents
}

type scenarioSetup struct {
	agreementJSON func() string
	revenue       []scenarioRevenue
}

var scenarioSetups = map[string]scenarioSetup{
	"investor-recoup": {
		agreementJSON: factory.ScenarioAJSON,
		revenue: []scenarioRevenue{
			{periodStart: "2024-01-01", grossCents: 300_000},
			{periodStart: "2024-02-01", grossCents: 400_000},
		},
	},
	"creator-split": {
		agreementJSON: factory.ScenarioBJSON,
		revenue: []scenarioRevenue{
			{periodStart: "2024-01-01", grossCents: 200_000},
		},
	},
	"last-money-out": {
		agreementJSON: factory.ScenarioCJSON,
		revenue: []scenarioRevenue{
			{periodStart: "2024-01-01", grossCents: 200_000},
		},
	},
}

// resetter is implemented by stores that can drop all data.
type resetter interface {
	Reset(ctx context.Context) error
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenario resets storage and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	var scenario *ScenarioDTO
	for i := range scenarios {
		if scenarios[i].ID == req.ScenarioID {
			scenario = &scenarios[i]
			break
		}
	}
	setup, ok := scenarioSetups[req.ScenarioID]
	if scenario == nil || !ok {
		writeError(w, http.StatusBadRequest, "unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	result, err := h.loadScenario(r.Context(), setup)
	if err != nil {
		writeDomainError(w, "failed to load scenario", err)
		return
	}
	result.Scenario = *scenario

	h.mu.Lock()
	h.currentScenario = scenario.ID
	h.mu.Unlock()

	h.logger().Info("scenario loaded", "scenario", scenario.ID, "settlements", len(result.Settlements))
	writeJSON(w, http.StatusOK, result)
}

// ResetScenario clears all data.
func (h *Handler) ResetScenario(w http.ResponseWriter, r *http.Request) {
	rs, ok := h.Store.(resetter)
	if !ok {
		writeError(w, http.StatusNotImplemented, "store does not support reset", nil)
		return
	}
	if err := rs.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to reset", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) loadScenario(ctx context.Context, setup scenarioSetup) (*ScenarioResultDTO, error) {
	if rs, ok := h.Store.(resetter); ok {
		if err := rs.Reset(ctx); err != nil {
			return nil, fmt.Errorf("reset: %w", err)
		}
	}

	cfg, err := h.Factory.ParseAgreement(setup.agreementJSON())
	if err != nil {
		return nil, err
	}
	if _, err := h.Settler.RegisterAgreement(ctx, *cfg); err != nil {
		return nil, err
	}

	result := &ScenarioResultDTO{Settlements: []SettlementDTO{}}
	for _, rev := range setup.revenue {
		start, err := waterfall.ParseDate(rev.periodStart)
		if err != nil {
			return nil, err
		}
		report := waterfall.RevenueReport{
			AgreementID:       cfg.Agreement.ID,
			Period:            cfg.Agreement.PeriodConfig.PeriodFor(start),
			GrossRevenueCents: rev.grossCents,
			PlatformFeesCents: rev.feesCents,
			ReceivedAt:        h.now(),
		}
		st, err := h.Settler.Settle(ctx, report)
		if err != nil {
			return nil, fmt.Errorf("settle %s: %w", rev.periodStart, err)
		}
		result.Settlements = append(result.Settlements, toSettlementDTO(st))
	}

	saved, err := h.Store.LoadConfig(ctx, cfg.Agreement.ID)
	if err != nil {
		return nil, err
	}
	result.Agreement = toAgreementDetailDTO(saved)
	return result, nil
}
