package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/waterfall-engine/waterfall"
)

func scrape(t *testing.T, p *Prometheus) string {
	t.Helper()
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestPrometheus_RecordsSettlementOutcomes(t *testing.T) {
	// GIVEN: Fresh collectors
	p := New()

	// WHEN: One settlement completes, two are rejected and one changes status
	p.SettlementCompleted(&waterfall.Settlement{DistributedCents: 1_234, UnallocatedCents: 66}, 5*time.Millisecond)
	p.SettlementRejected("agr-1", waterfall.RejectExists)
	p.SettlementRejected("agr-1", waterfall.RejectExists)
	p.StatusChanged(waterfall.StatusCalculated, waterfall.StatusApproved)
	p.BatchFinished(waterfall.BatchResult{Settled: 1}, time.Unix(1_700_000_000, 0))

	// THEN: Every counter shows up in the exposition
	body := scrape(t, p)
	assert.Contains(t, body, `waterfall_settlements_total{outcome="settled"} 1`)
	assert.Contains(t, body, `waterfall_settlements_total{outcome="already_settled"} 2`)
	assert.Contains(t, body, "waterfall_distributed_cents_total 1234")
	assert.Contains(t, body, "waterfall_unallocated_cents_total 66")
	assert.Contains(t, body, "waterfall_settlement_duration_seconds_count 1")
	assert.Contains(t, body, `waterfall_settlement_transitions_total{from="calculated",to="approved"} 1`)
	assert.Contains(t, body, "waterfall_batch_runs_total 1")
	assert.Contains(t, body, "waterfall_batch_last_run_timestamp_seconds 1.7e+09")
	assert.Contains(t, body, "go_goroutines")
}

func TestPrometheus_SeparateRegistries(t *testing.T) {
	a, b := New(), New()

	a.SettlementRejected("agr-1", waterfall.RejectInvalid)

	assert.Contains(t, scrape(t, a), `outcome="invalid"`)
	assert.NotContains(t, scrape(t, b), `outcome="invalid"`)
	assert.NotNil(t, a.Registry())
}
