package waterfall_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/waterfall-engine/waterfall"
)

func newTestRunner(settler *waterfall.Settler, workers int) *waterfall.Runner {
	r := waterfall.NewRunner(settler, workers)
	r.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return r
}

func TestRunner_SettlesAgreementsInParallelAndPeriodsInOrder(t *testing.T) {
	// GIVEN: Three agreements with out-of-order reports, one of them a
	// last-money-out deal whose February depends on January
	settler, mem, _ := newTestSettler(t,
		withID(creatorSplit(), "split-1"),
		withID(creatorSplit(), "split-2"),
		withID(lastMoneyOut(), "tail"),
	)
	ctx := context.Background()
	reports := []waterfall.RevenueReport{
		report("tail", month(2024, time.February), 400_000, 0),
		report("split-1", month(2024, time.February), 100_000, 0),
		report("tail", month(2024, time.January), 200_000, 0),
		report("split-2", month(2024, time.January), 50_000, 0),
		report("split-1", month(2024, time.January), 100_000, 0),
	}

	// WHEN: The batch runs with two workers
	res := newTestRunner(settler, 2).Run(ctx, reports)

	// THEN: Everything settles
	assert.Equal(t, 5, res.Settled)
	assert.Zero(t, res.Failed)
	require.Len(t, res.Outcomes, 5)

	// AND: Outcomes are sorted by agreement then period
	assert.Equal(t, waterfall.AgreementID("split-1"), res.Outcomes[0].AgreementID)
	assert.Equal(t, "2024-01-01", res.Outcomes[0].Period.Key())
	assert.Equal(t, "2024-02-01", res.Outcomes[1].Period.Key())
	for _, o := range res.Outcomes {
		assert.NotEmpty(t, o.SettlementID)
		assert.NoError(t, o.Err)
	}

	// AND: January ran before February for the tail deal:
	// 200,000 then 300,000 to finish recoupment, leaving 100,000 for the distributor
	cfg, err := mem.LoadConfig(ctx, "tail")
	require.NoError(t, err)
	for _, p := range cfg.Parties {
		switch p.ID {
		case "investor":
			assert.Equal(t, waterfall.Cents(500_000), p.TotalReceivedCents)
		case "distributor":
			assert.Equal(t, waterfall.Cents(100_000), p.TotalReceivedCents)
		}
	}
}

func TestRunner_AlreadySettledCounted(t *testing.T) {
	// GIVEN: January already settled
	settler, _, _ := newTestSettler(t, creatorSplit())
	ctx := context.Background()
	jan := report(testAgreement, month(2024, time.January), 1_000, 0)
	_, err := settler.Settle(ctx, jan)
	require.NoError(t, err)

	// WHEN: A batch contains January again plus February
	res := newTestRunner(settler, 0).Run(ctx, []waterfall.RevenueReport{
		jan,
		report(testAgreement, month(2024, time.February), 1_000, 0),
	})

	// THEN: January is reported as already settled, February settles
	assert.Equal(t, 1, res.Settled)
	assert.Equal(t, 1, res.AlreadySettled)
	assert.Equal(t, waterfall.RejectExists, res.Outcomes[0].Reason)
	assert.ErrorIs(t, res.Outcomes[0].Err, waterfall.ErrSettlementExists)
}

func TestRunner_FailureStopsLaterPeriodsOfThatAgreement(t *testing.T) {
	// GIVEN: An invalid January report for one agreement and a healthy
	// second agreement
	settler, mem, _ := newTestSettler(t, creatorSplit(), withID(creatorSplit(), "other"))
	ctx := context.Background()

	// WHEN: The batch runs with February and March queued behind the bad January
	res := newTestRunner(settler, 2).Run(ctx, []waterfall.RevenueReport{
		report(testAgreement, month(2024, time.March), 1_000, 0),
		report(testAgreement, month(2024, time.January), 100, 500),
		report(testAgreement, month(2024, time.February), 1_000, 0),
		report("other", month(2024, time.January), 1_000, 0),
	})

	// THEN: January fails and the later periods are skipped, not settled
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Settled)

	var reasons []string
	for _, o := range res.Outcomes {
		if o.AgreementID == testAgreement {
			reasons = append(reasons, o.Reason)
		}
	}
	assert.Equal(t, []string{waterfall.RejectInvalid, waterfall.RejectSkipped, waterfall.RejectSkipped}, reasons)

	settlements, err := mem.ListSettlements(ctx, testAgreement)
	require.NoError(t, err)
	assert.Empty(t, settlements)

	// AND: The other agreement is unaffected
	settlements, err = mem.ListSettlements(ctx, "other")
	require.NoError(t, err)
	assert.Len(t, settlements, 1)
}

func TestRunner_AlreadySettledDoesNotStopQueue(t *testing.T) {
	settler, _, _ := newTestSettler(t, creatorSplit())
	ctx := context.Background()
	jan := report(testAgreement, month(2024, time.January), 1_000, 0)
	_, err := settler.Settle(ctx, jan)
	require.NoError(t, err)

	res := newTestRunner(settler, 1).Run(ctx, []waterfall.RevenueReport{
		jan,
		report(testAgreement, month(2024, time.February), 1_000, 0),
		report(testAgreement, month(2024, time.March), 1_000, 0),
	})

	assert.Equal(t, 1, res.AlreadySettled)
	assert.Equal(t, 2, res.Settled)
	assert.Zero(t, res.Skipped)
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	// GIVEN: A cancelled context
	settler, mem, _ := newTestSettler(t, creatorSplit())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// WHEN: A batch runs
	res := newTestRunner(settler, 2).Run(ctx, []waterfall.RevenueReport{
		report(testAgreement, month(2024, time.January), 1_000, 0),
		report(testAgreement, month(2024, time.February), 1_000, 0),
	})

	// THEN: Nothing is settled and every report is marked cancelled
	assert.Equal(t, 2, res.Cancelled)
	assert.Zero(t, res.Settled)

	settlements, err := mem.ListSettlements(context.Background(), testAgreement)
	require.NoError(t, err)
	assert.Empty(t, settlements)
}
