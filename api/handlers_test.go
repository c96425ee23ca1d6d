/*
handlers_test.go - HTTP tests for agreement, settlement and admin endpoints

Tests for:
- Agreement creation, validation errors and warnings
- Synchronous settlement and idempotency (409 on a settled period)
- Payout lifecycle transitions
- Revenue intake plus the batch run endpoint and scheduler
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/waterfall-engine/factory"
	"github.com/warp/waterfall-engine/waterfall"
	"github.com/warp/waterfall-engine/waterfall/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2024, time.March, 10, 12, 0, 0, 0, time.UTC)

type testServer struct {
	handler *Handler
	router  http.Handler
	batches *countingObserver
}

type countingObserver struct {
	runs int
	last waterfall.BatchResult
}

func (c *countingObserver) BatchFinished(res waterfall.BatchResult, _ time.Time) {
	c.runs++
	c.last = res
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	mem := store.NewTxMemory()
	settler := waterfall.NewSettler(mem)
	settler.Logger = discard
	settler.Now = func() time.Time { return testNow }
	runner := waterfall.NewRunner(settler, 2)
	runner.Logger = discard

	h := NewHandler(mem, settler, runner)
	h.Logger = discard
	h.Now = func() time.Time { return testNow }
	obs := &countingObserver{}
	h.Batches = obs

	return &testServer{handler: h, router: NewRouter(h, nil), batches: obs}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (ts *testServer) createAgreement(t *testing.T, jsonStr string) AgreementDetailDTO {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/agreements", jsonStr)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[AgreementDetailDTO](t, rec)
}

func (ts *testServer) settle(t *testing.T, id, periodStart string, gross int64) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, http.MethodPost, "/api/agreements/"+id+"/settlements", RevenueReportRequest{
		PeriodStart:       periodStart,
		GrossRevenueCents: gross,
	})
}

func amountsByParty(s SettlementDTO) map[string]int64 {
	out := make(map[string]int64)
	for _, item := range s.Items {
		out[item.PartyID] += item.AmountCents
	}
	return out
}

// =============================================================================
// AGREEMENTS
// =============================================================================

func TestCreateAgreement_Success(t *testing.T) {
	ts := newTestServer(t)

	detail := ts.createAgreement(t, factory.ScenarioAJSON())

	assert.Equal(t, "scenario-a", detail.ID)
	assert.Equal(t, "monthly", detail.PeriodType)
	assert.Len(t, detail.Parties, 2)
	require.Len(t, detail.Terms, 2)
	assert.Equal(t, int64(150_000), detail.Terms[0].RecoupmentRemainingCents)
	assert.Empty(t, detail.Warnings)

	rec := ts.do(t, http.MethodGet, "/api/agreements", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]AgreementDTO](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, int64(100_000), list[0].Totals.ContributedCents)
}

func TestCreateAgreement_Warnings(t *testing.T) {
	// GIVEN: Creators whose first-dollar shares add up to 120%
	ts := newTestServer(t)
	js := factory.CreatorSplitJSON("greedy", "Greedy", []string{"a", "b"}, "60")

	// WHEN: Posted
	detail := ts.createAgreement(t, js)

	// THEN: Saved, with a warning
	require.Len(t, detail.Warnings, 1)
	assert.Contains(t, detail.Warnings[0], "120")
}

func TestCreateAgreement_Rejections(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"id":`},
		{"missing id", `{"name": "x", "parties": [], "terms": []}`},
		{"unknown role", `{"id": "x", "parties": [{"id": "p", "role": "producer"}], "terms": []}`},
		{"duplicate order", `{"id": "x", "parties": [{"id": "p", "role": "creator"}], "terms": [
			{"id": "t1", "party_id": "p", "recoupment_order": 1, "share_type": "percentage", "share_value": "10"},
			{"id": "t2", "party_id": "p", "recoupment_order": 1, "share_type": "percentage", "share_value": "10"}]}`},
		{"share above 100", `{"id": "x", "parties": [{"id": "p", "role": "creator"}], "terms": [
			{"id": "t1", "party_id": "p", "recoupment_order": 1, "share_type": "percentage", "share_value": "101"}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/agreements", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[ErrorResponse](t, rec).Error)
		})
	}

	rec := ts.do(t, http.MethodGet, "/api/agreements", nil)
	assert.Empty(t, decode[[]AgreementDTO](t, rec))
}

func TestGetAgreement_NotFound(t *testing.T) {
	ts := newTestServer(t)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/agreements/nope", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/agreements/nope/settlements", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/agreements/nope/audit", nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.settle(t, "nope", "2024-01-01", 100).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/settlements/nope", nil).Code)
}

// =============================================================================
// SETTLEMENT
// =============================================================================

func TestCreateSettlement_ScenarioA(t *testing.T) {
	// GIVEN: Scenario A
	ts := newTestServer(t)
	ts.createAgreement(t, factory.ScenarioAJSON())

	// WHEN: January settles with 300,000
	rec := ts.settle(t, "scenario-a", "2024-01-01", 300_000)

	// THEN: Investor recoups 150,000 and the creator receives 150,000
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	jan := decode[SettlementDTO](t, rec)
	assert.Equal(t, "calculated", jan.Status)
	assert.Equal(t, "2024-01-31", jan.PeriodEnd)
	assert.Equal(t, map[string]int64{"investor": 150_000, "creator": 150_000}, amountsByParty(jan))
	assert.Equal(t, int64(300_000), jan.DistributedCents)

	// AND: February goes entirely to the creator
	rec = ts.settle(t, "scenario-a", "2024-02-01", 400_000)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]int64{"creator": 400_000}, amountsByParty(decode[SettlementDTO](t, rec)))

	// AND: Term state and history reflect both periods
	detail := decode[AgreementDetailDTO](t, ts.do(t, http.MethodGet, "/api/agreements/scenario-a", nil))
	assert.True(t, detail.Terms[0].RecoupmentComplete)
	assert.Equal(t, int64(0), detail.Terms[0].RecoupmentRemainingCents)
	assert.Equal(t, int64(700_000), detail.Totals.DistributedCents)

	history := decode[[]SettlementDTO](t, ts.do(t, http.MethodGet, "/api/agreements/scenario-a/settlements", nil))
	require.Len(t, history, 2)
	assert.Equal(t, "2024-01-01", history[0].PeriodStart)

	got := decode[SettlementDTO](t, ts.do(t, http.MethodGet, "/api/settlements/"+jan.ID, nil))
	assert.Equal(t, jan.ID, got.ID)

	audit := decode[AuditDTO](t, ts.do(t, http.MethodGet, "/api/agreements/scenario-a/audit", nil))
	assert.True(t, audit.OK)
	assert.Equal(t, int64(550_000), audit.PartyTotalsCents["creator"])
}

func TestCreateSettlement_SamePeriodTwice(t *testing.T) {
	// GIVEN: Scenario B settled for January
	ts := newTestServer(t)
	ts.createAgreement(t, factory.ScenarioBJSON())
	require.Equal(t, http.StatusCreated, ts.settle(t, "scenario-b", "2024-01-01", 200_000).Code)

	// WHEN: January is settled again with different revenue
	rec := ts.settle(t, "scenario-b", "2024-01-01", 999_999)

	// THEN: 409 and no second settlement
	assert.Equal(t, http.StatusConflict, rec.Code)
	history := decode[[]SettlementDTO](t, ts.do(t, http.MethodGet, "/api/agreements/scenario-b/settlements", nil))
	require.Len(t, history, 1)
	assert.Equal(t, map[string]int64{"creator-1": 100_000, "creator-2": 100_000}, amountsByParty(history[0]))
}

func TestCreateSettlement_ScenarioC(t *testing.T) {
	ts := newTestServer(t)
	ts.createAgreement(t, factory.ScenarioCJSON())

	rec := ts.settle(t, "scenario-c", "2024-01-01", 200_000)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s := decode[SettlementDTO](t, rec)
	assert.Equal(t, map[string]int64{"investor": 200_000}, amountsByParty(s), "distributor blocked until recoupment")
}

func TestCreateSettlement_BadRequests(t *testing.T) {
	ts := newTestServer(t)
	ts.createAgreement(t, factory.ScenarioBJSON())
	path := "/api/agreements/scenario-b/settlements"

	tests := []struct {
		name string
		body any
	}{
		{"malformed", `{"gross_revenue_cents":`},
		{"negative revenue", RevenueReportRequest{PeriodStart: "2024-01-01", GrossRevenueCents: -1}},
		{"fees above gross", RevenueReportRequest{PeriodStart: "2024-01-01", GrossRevenueCents: 100, PlatformFeesCents: 101}},
		{"no period", RevenueReportRequest{GrossRevenueCents: 100}},
		{"start mid period", RevenueReportRequest{PeriodStart: "2024-01-15", GrossRevenueCents: 100}},
		{"end before start", RevenueReportRequest{PeriodStart: "2024-01-31", PeriodEnd: "2024-01-01", GrossRevenueCents: 100}},
		{"overlapping explicit period", RevenueReportRequest{PeriodStart: "2024-01-15", PeriodEnd: "2024-02-14", GrossRevenueCents: 100}},
		{"misaligned end", RevenueReportRequest{PeriodStart: "2024-01-01", PeriodEnd: "2024-01-15", GrossRevenueCents: 100}},
		{"bad date", RevenueReportRequest{Date: "yesterday", GrossRevenueCents: 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, path, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}

	history := decode[[]SettlementDTO](t, ts.do(t, http.MethodGet, path, nil))
	assert.Empty(t, history)
}

func TestCreateSettlement_ExplicitPeriodMustMatchFrequency(t *testing.T) {
	// GIVEN: A monthly agreement with January settled from explicit bounds
	ts := newTestServer(t)
	ts.createAgreement(t, factory.ScenarioBJSON())
	path := "/api/agreements/scenario-b/settlements"

	rec := ts.do(t, http.MethodPost, path, RevenueReportRequest{PeriodStart: "2024-01-01", PeriodEnd: "2024-01-31", GrossRevenueCents: 1_000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// WHEN: A window straddling January and February is posted
	rec = ts.do(t, http.MethodPost, path, RevenueReportRequest{PeriodStart: "2024-01-15", PeriodEnd: "2024-02-14", GrossRevenueCents: 1_000})

	// THEN: It is rejected
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// AND: February still settles on its own boundaries
	rec = ts.do(t, http.MethodPost, path, RevenueReportRequest{Date: "2024-02-10", GrossRevenueCents: 1_000})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	history := decode[[]SettlementDTO](t, ts.do(t, http.MethodGet, path, nil))
	require.Len(t, history, 2)
	var windows []string
	for _, s := range history {
		windows = append(windows, s.PeriodStart+".."+s.PeriodEnd)
	}
	assert.ElementsMatch(t, []string{"2024-01-01..2024-01-31", "2024-02-01..2024-02-29"}, windows)
}

func TestCreateSettlement_DateResolvesPeriod(t *testing.T) {
	ts := newTestServer(t)
	ts.createAgreement(t, factory.ScenarioBJSON())

	rec := ts.do(t, http.MethodPost, "/api/agreements/scenario-b/settlements", RevenueReportRequest{
		Date:              "2024-02-17",
		GrossRevenueCents: 1_000,
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	s := decode[SettlementDTO](t, rec)
	assert.Equal(t, "2024-02-01", s.PeriodStart)
	assert.Equal(t, "2024-02-29", s.PeriodEnd)
}

// =============================================================================
// PAYOUT LIFECYCLE
// =============================================================================

func TestSettlementLifecycle(t *testing.T) {
	// GIVEN: A calculated settlement
	ts := newTestServer(t)
	ts.createAgreement(t, factory.ScenarioBJSON())
	s := decode[SettlementDTO](t, ts.settle(t, "scenario-b", "2024-01-01", 2_000))
	base := "/api/settlements/" + s.ID

	// WHEN/THEN: distribute before approve is rejected
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, base+"/distribute", nil).Code)

	// WHEN/THEN: approve then distribute
	rec := ts.do(t, http.MethodPost, base+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "approved", decode[SettlementDTO](t, rec).Status)

	rec = ts.do(t, http.MethodPost, base+"/distribute", TransitionRequest{Reason: "wire 42"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[SettlementDTO](t, rec)
	assert.Equal(t, "distributed", done.Status)
	assert.Equal(t, "wire 42", done.StatusReason)

	// AND: a terminal settlement cannot fail
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, base+"/fail", nil).Code)

	// AND: amounts never changed
	got := decode[SettlementDTO](t, ts.do(t, http.MethodGet, base, nil))
	assert.Equal(t, s.Items, got.Items)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/settlements/nope/approve", nil).Code)
}

// =============================================================================
// REVENUE INTAKE AND BATCH RUNS
// =============================================================================

func TestSubmitRevenue_ThenRunSettlements(t *testing.T) {
	// GIVEN: Revenue for January, February (closed) and March (still open on March 10)
	ts := newTestServer(t)
	ts.createAgreement(t, factory.ScenarioCJSON())
	for _, start := range []string{"2024-03-01", "2024-02-01", "2024-01-01"} {
		rec := ts.do(t, http.MethodPost, "/api/agreements/scenario-c/revenue", RevenueReportRequest{
			PeriodStart:       start,
			GrossRevenueCents: 300_000,
		})
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}

	// WHEN: The batch runs as of today
	rec := ts.do(t, http.MethodPost, "/api/admin/settlements/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[BatchResultDTO](t, rec)

	// THEN: The two closed periods settle in order
	assert.Equal(t, "2024-03-10", res.AsOf)
	assert.Equal(t, 2, res.Settled)
	require.Len(t, res.Outcomes, 2)
	assert.Equal(t, "2024-01-01", res.Outcomes[0].PeriodStart)
	assert.Equal(t, 1, ts.batches.runs)

	// AND: February finished recoupment, so the distributor got the remaining 100,000
	detail := decode[AgreementDetailDTO](t, ts.do(t, http.MethodGet, "/api/agreements/scenario-c", nil))
	received := make(map[string]int64)
	for _, p := range detail.Parties {
		received[p.ID] = p.TotalReceivedCents
	}
	assert.Equal(t, int64(500_000), received["investor"])
	assert.Equal(t, int64(100_000), received["distributor"])

	// AND: Running again settles nothing new
	res = decode[BatchResultDTO](t, ts.do(t, http.MethodPost, "/api/admin/settlements/run", nil))
	assert.Zero(t, res.Settled)

	// AND: March settles once as_of passes its end
	res = decode[BatchResultDTO](t, ts.do(t, http.MethodPost, "/api/admin/settlements/run?as_of=2024-04-01", nil))
	assert.Equal(t, 1, res.Settled)

	// AND: A settled period no longer accepts revenue
	rec = ts.do(t, http.MethodPost, "/api/agreements/scenario-c/revenue", RevenueReportRequest{PeriodStart: "2024-01-01", GrossRevenueCents: 1})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRunSettlements_BadAsOf(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/admin/settlements/run?as_of=soon", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduler_RunNow(t *testing.T) {
	// GIVEN: A closed period waiting for settlement
	ts := newTestServer(t)
	ts.createAgreement(t, factory.ScenarioBJSON())
	rec := ts.do(t, http.MethodPost, "/api/agreements/scenario-b/revenue", RevenueReportRequest{
		PeriodStart:       "2024-02-01",
		GrossRevenueCents: 10_000,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	sched := NewSettlementScheduler(ts.handler)
	sched.Logger = ts.handler.Logger

	// WHEN: The scheduler checks
	res := sched.RunNow(context.Background())

	// THEN: The period is settled
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, 1, ts.batches.runs)
	assert.True(t, sched.NextRunTime().After(time.Now()))
}

func TestScheduler_StartStop(t *testing.T) {
	ts := newTestServer(t)
	sched := NewSettlementScheduler(ts.handler)
	sched.Logger = ts.handler.Logger
	sched.CheckInterval = time.Hour

	sched.Start()
	sched.Start()
	sched.Stop()
	sched.Stop()

	disabled := NewSettlementScheduler(ts.handler)
	disabled.Logger = ts.handler.Logger
	disabled.Enabled = false
	disabled.Start()
	disabled.Stop()
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(waterfall.ErrAgreementNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(waterfall.ErrSettlementInProgress))
	assert.Equal(t, http.StatusBadRequest, statusFor(waterfall.ErrNegativeRevenue))
	assert.Equal(t, http.StatusInternalServerError, statusFor(&waterfall.InvariantError{}))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(io.ErrUnexpectedEOF))
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, rec)["status"])
}
