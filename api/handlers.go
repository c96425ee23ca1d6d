/*
handlers.go - HTTP API handlers for the waterfall distribution engine

PURPOSE:
  Exposes agreement setup, revenue intake and settlement via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to the
  waterfall package.

ENDPOINTS:
  Agreements:
    GET    /api/agreements                      List agreements with totals
    POST   /api/agreements                      Create or update agreement from JSON
    GET    /api/agreements/{id}                 Agreement with parties and term state
    GET    /api/agreements/{id}/audit           Recompute and check ledger totals

  Revenue and settlement:
    POST   /api/agreements/{id}/revenue         Queue a revenue report for the scheduler
    POST   /api/agreements/{id}/settlements     Settle a revenue report now
    GET    /api/agreements/{id}/settlements     Settlement history
    GET    /api/settlements/{id}                One settlement with items

  Payout lifecycle:
    POST   /api/settlements/{id}/approve        calculated -> approved
    POST   /api/settlements/{id}/distribute     approved -> distributed
    POST   /api/settlements/{id}/fail           any non-terminal -> failed

  Admin:
    POST   /api/admin/settlements/run           Settle every pending closed period

  Scenarios:
    GET    /api/scenarios                       List demo scenarios
    POST   /api/scenarios/load                  Load a demo scenario

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Store: Transactional storage (SQLite in production, memory in tests)
  - Settler: Serialized, idempotent settlement
  - Runner: Bounded parallel batch settlement
  - Factory: JSON to AgreementConfig conversion

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call Settler / Ledger
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid configuration, negative revenue, bad period, bad transition
  - 404: Agreement or settlement not found
  - 409: Period already settled, or settlement in progress for the agreement
  - 500: Internal errors, invariant violations

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - scheduler.go: Periodic pending settlement
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/warp/waterfall-engine/factory"
	"github.com/warp/waterfall-engine/waterfall"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// BatchObserver is told about every finished batch. metrics.Prometheus
// implements it.
type BatchObserver interface {
	BatchFinished(res waterfall.BatchResult, at time.Time)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   waterfall.TxStore
	Settler *waterfall.Settler
	Runner  *waterfall.Runner
	Factory *factory.AgreementFactory
	Batches BatchObserver
	Logger  *slog.Logger
	Now     func() time.Time

	mu sync.Mutex
	// Track currently loaded scenario
	currentScenario string
}

// NewHandler wires a handler around store. settler and runner may be nil,
// in which case defaults over the same store are built.
func NewHandler(store waterfall.TxStore, settler *waterfall.Settler, runner *waterfall.Runner) *Handler {
	if settler == nil {
		settler = waterfall.NewSettler(store)
	}
	if runner == nil {
		runner = waterfall.NewRunner(settler, waterfall.DefaultWorkers)
	}
	return &Handler{
		Store:   store,
		Settler: settler,
		Runner:  runner,
		Factory: factory.NewAgreementFactory(),
		Logger:  slog.Default(),
		Now:     time.Now,
	}
}

func (h *Handler) now() time.Time {
	if h.Now == nil {
		return time.Now()
	}
	return h.Now()
}

func (h *Handler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

// =============================================================================
// AGREEMENT HANDLERS
// =============================================================================

// ListAgreements returns every agreement with its cached totals.
func (h *Handler) ListAgreements(w http.ResponseWriter, r *http.Request) {
	agreements, err := h.Store.ListAgreements(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list agreements", err)
		return
	}

	dtos := make([]AgreementDTO, len(agreements))
	for i, a := range agreements {
		dtos[i] = toAgreementDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAgreement parses, validates and saves an agreement. Posting an
// existing id replaces its configuration but keeps recoupment progress.
func (h *Handler) CreateAgreement(w http.ResponseWriter, r *http.Request) {
	var req factory.AgreementJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "agreement id is required", nil)
		return
	}

	cfg, err := h.Factory.FromJSON(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid agreement", err)
		return
	}

	detail, err := h.registerAgreement(r.Context(), cfg)
	if err != nil {
		writeDomainError(w, "failed to save agreement", err)
		return
	}
	writeJSON(w, http.StatusCreated, detail)
}

func (h *Handler) registerAgreement(ctx context.Context, cfg *waterfall.AgreementConfig) (*AgreementDetailDTO, error) {
	warnings, err := h.Settler.RegisterAgreement(ctx, *cfg)
	if err != nil {
		return nil, err
	}
	saved, err := h.Store.LoadConfig(ctx, cfg.Agreement.ID)
	if err != nil {
		return nil, err
	}
	detail := toAgreementDetailDTO(saved)
	detail.Warnings = warnings
	return &detail, nil
}

// GetAgreement returns an agreement with parties and live term state.
func (h *Handler) GetAgreement(w http.ResponseWriter, r *http.Request) {
	id := waterfall.AgreementID(chi.URLParam(r, "id"))

	cfg, err := h.Store.LoadConfig(r.Context(), id)
	if err != nil {
		writeDomainError(w, "failed to load agreement", err)
		return
	}
	writeJSON(w, http.StatusOK, toAgreementDetailDTO(cfg))
}

// AuditAgreement recomputes totals from the settlement ledger and reports
// any inconsistency with the cached state.
func (h *Handler) AuditAgreement(w http.ResponseWriter, r *http.Request) {
	id := waterfall.AgreementID(chi.URLParam(r, "id"))

	report, err := waterfall.NewLedger(h.Store).Audit(r.Context(), id)
	if err != nil {
		writeDomainError(w, "failed to audit agreement", err)
		return
	}
	if !report.OK() {
		h.logger().Warn("audit found inconsistencies", "agreement_id", id, "findings", len(report.Findings))
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}

// =============================================================================
// REVENUE AND SETTLEMENT HANDLERS
// =============================================================================

// SubmitRevenue stores a revenue report; the scheduler settles it once its
// period has closed.
func (h *Handler) SubmitRevenue(w http.ResponseWriter, r *http.Request) {
	report, ok := h.decodeRevenueReport(w, r)
	if !ok {
		return
	}

	if err := h.Store.SaveRevenueReport(r.Context(), report); err != nil {
		writeDomainError(w, "failed to save revenue report", err)
		return
	}
	writeJSON(w, http.StatusAccepted, toRevenueReportDTO(report))
}

// CreateSettlement settles a revenue report synchronously.
// A settled period answers 409 and writes nothing.
func (h *Handler) CreateSettlement(w http.ResponseWriter, r *http.Request) {
	report, ok := h.decodeRevenueReport(w, r)
	if !ok {
		return
	}

	settlement, err := h.Settler.Settle(r.Context(), report)
	if err != nil {
		writeDomainError(w, "settlement rejected", err)
		return
	}
	writeJSON(w, http.StatusCreated, toSettlementDTO(settlement))
}

// decodeRevenueReport reads a RevenueReportRequest and resolves its period
// against the agreement's settlement frequency. It writes the error
// response itself and reports whether the caller should continue.
func (h *Handler) decodeRevenueReport(w http.ResponseWriter, r *http.Request) (waterfall.RevenueReport, bool) {
	id := waterfall.AgreementID(chi.URLParam(r, "id"))

	var req RevenueReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return waterfall.RevenueReport{}, false
	}

	agreement, err := h.Store.GetAgreement(r.Context(), id)
	if err != nil {
		writeDomainError(w, "failed to load agreement", err)
		return waterfall.RevenueReport{}, false
	}

	period, err := resolvePeriod(agreement.PeriodConfig, req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid period", err)
		return waterfall.RevenueReport{}, false
	}

	report := waterfall.RevenueReport{
		AgreementID:       id,
		Period:            period,
		GrossRevenueCents: waterfall.Cents(req.GrossRevenueCents),
		PlatformFeesCents: waterfall.Cents(req.PlatformFeesCents),
		ReceivedAt:        h.now(),
	}
	if err := report.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid revenue report", err)
		return waterfall.RevenueReport{}, false
	}
	return report, true
}

// resolvePeriod builds the period from explicit bounds, a start date, or any
// date inside the period.
func resolvePeriod(pc waterfall.PeriodConfig, req RevenueReportRequest) (waterfall.Period, error) {
	switch {
	case req.PeriodStart != "":
		start, err := waterfall.ParseDate(req.PeriodStart)
		if err != nil {
			return waterfall.Period{}, err
		}
		p := pc.PeriodFor(start)
		if !p.Start.Equal(start) {
			return waterfall.Period{}, fmt.Errorf("%w: %s is not the start of a %s period", waterfall.ErrInvalidPeriod, start, pc.Type)
		}
		if req.PeriodEnd != "" {
			end, err := waterfall.ParseDate(req.PeriodEnd)
			if err != nil {
				return waterfall.Period{}, err
			}
			if !p.End.Equal(end) {
				return waterfall.Period{}, fmt.Errorf("%w: %s period starting %s ends %s, not %s", waterfall.ErrInvalidPeriod, pc.Type, start, p.End, end)
			}
		}
		return p, nil
	case req.Date != "":
		date, err := waterfall.ParseDate(req.Date)
		if err != nil {
			return waterfall.Period{}, err
		}
		return pc.PeriodFor(date), nil
	}
	return waterfall.Period{}, fmt.Errorf("%w: period_start or date is required", waterfall.ErrInvalidPeriod)
}

// ListSettlements returns the settlement history of an agreement.
func (h *Handler) ListSettlements(w http.ResponseWriter, r *http.Request) {
	id := waterfall.AgreementID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetAgreement(r.Context(), id); err != nil {
		writeDomainError(w, "failed to load agreement", err)
		return
	}
	settlements, err := h.Store.ListSettlements(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list settlements", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTOs(settlements))
}

// GetSettlement returns one settlement with its line items.
func (h *Handler) GetSettlement(w http.ResponseWriter, r *http.Request) {
	id := waterfall.SettlementID(chi.URLParam(r, "id"))

	st, err := h.Store.GetSettlement(r.Context(), id)
	if err != nil {
		writeDomainError(w, "failed to load settlement", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(st))
}

// =============================================================================
// PAYOUT LIFECYCLE HANDLERS
// =============================================================================

func (h *Handler) ApproveSettlement(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, waterfall.StatusApproved)
}

func (h *Handler) DistributeSettlement(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, waterfall.StatusDistributed)
}

func (h *Handler) FailSettlement(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, waterfall.StatusFailed)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, to waterfall.SettlementStatus) {
	id := waterfall.SettlementID(chi.URLParam(r, "id"))

	var req TransitionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", err)
			return
		}
	}

	st, err := h.Settler.Transition(r.Context(), id, to, req.Reason)
	if err != nil {
		writeDomainError(w, "status change rejected", err)
		return
	}
	writeJSON(w, http.StatusOK, toSettlementDTO(st))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// RunSettlements settles every stored revenue report whose period closed
// before as_of (default today).
func (h *Handler) RunSettlements(w http.ResponseWriter, r *http.Request) {
	asOf := waterfall.DateOf(h.now())
	if v := r.URL.Query().Get("as_of"); v != "" {
		parsed, err := waterfall.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid as_of date", err)
			return
		}
		asOf = parsed
	}

	res, err := h.RunPending(r.Context(), asOf)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to run settlements", err)
		return
	}
	writeJSON(w, http.StatusOK, toBatchResultDTO(asOf, res))
}

// RunPending loads pending revenue reports and settles them through the
// batch runner. Shared by the admin endpoint and the scheduler.
func (h *Handler) RunPending(ctx context.Context, asOf waterfall.TimePoint) (waterfall.BatchResult, error) {
	reports, err := h.Store.PendingRevenueReports(ctx, asOf)
	if err != nil {
		return waterfall.BatchResult{}, fmt.Errorf("load pending reports: %w", err)
	}

	res := h.Runner.Run(ctx, reports)
	if h.Batches != nil {
		h.Batches.BatchFinished(res, h.now())
	}
	return res, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps waterfall errors to HTTP status codes.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	var invariant *waterfall.InvariantError
	switch {
	case errors.As(err, &invariant):
		return http.StatusInternalServerError
	case waterfall.IsNotFound(err):
		return http.StatusNotFound
	case waterfall.IsConflict(err):
		return http.StatusConflict
	case waterfall.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
