package waterfall_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/waterfall-engine/waterfall"
)

func TestRecoupmentState_Advance(t *testing.T) {
	tests := []struct {
		name         string
		start        waterfall.RecoupmentState
		target       waterfall.Cents
		delta        waterfall.Cents
		wantRecouped waterfall.Cents
		wantComplete bool
		wantErr      error
	}{
		{name: "partial", start: waterfall.RecoupmentState{}, target: 1_000, delta: 400, wantRecouped: 400},
		{name: "exact completion", start: waterfall.RecoupmentState{RecoupedCents: 600}, target: 1_000, delta: 400, wantRecouped: 1_000, wantComplete: true},
		{name: "zero delta keeps state", start: waterfall.RecoupmentState{RecoupedCents: 600}, target: 1_000, delta: 0, wantRecouped: 600},
		{name: "zero target completes", start: waterfall.RecoupmentState{}, target: 0, delta: 0, wantRecouped: 0, wantComplete: true},
		{name: "negative delta", start: waterfall.RecoupmentState{RecoupedCents: 600}, target: 1_000, delta: -1, wantErr: waterfall.ErrRecoupmentRegression},
		{name: "beyond target", start: waterfall.RecoupmentState{RecoupedCents: 900}, target: 1_000, delta: 200, wantErr: waterfall.ErrInvariantViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := tt.start.Advance(tt.target, tt.delta)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRecouped, next.RecoupedCents)
			assert.Equal(t, tt.wantComplete, next.Complete)
		})
	}
}

func TestTracker_Apply_CommitsEngineProjection(t *testing.T) {
	// GIVEN: An engine run over the investor recoupment agreement
	snap := snapshotOf(investorRecoup())
	dist, err := waterfall.Distribute(snap, 300_000)
	require.NoError(t, err)

	// WHEN: The tracker applies it
	terms, err := waterfall.Tracker{}.Apply(snap, "settlement-1", dist)
	require.NoError(t, err)

	// THEN: Every touched term carries the new state and the settlement id
	require.Len(t, terms, 2)
	byID := map[waterfall.TermID]waterfall.Term{}
	for _, tm := range terms {
		byID[tm.ID] = tm
		assert.Equal(t, waterfall.SettlementID("settlement-1"), tm.LastSettlementID)
	}
	inv := byID["investor-recoup"]
	assert.Equal(t, waterfall.Cents(150_000), inv.RecoupedCents)
	assert.True(t, inv.RecoupmentComplete)
	assert.True(t, inv.CapReached)

	// AND: The snapshot itself is untouched
	orig, _ := snap.Term("investor-recoup")
	assert.Equal(t, waterfall.Cents(0), orig.RecoupedCents)
	assert.False(t, orig.RecoupmentComplete)
}

func TestTracker_Apply_RejectsSecondApplication(t *testing.T) {
	// GIVEN: Terms that already carry settlement-1
	cfg := investorRecoup()
	for i := range cfg.Terms {
		cfg.Terms[i].LastSettlementID = "settlement-1"
	}
	snap := snapshotOf(cfg)
	dist, err := waterfall.Distribute(snap, 1_000)
	require.NoError(t, err)

	// WHEN: settlement-1 is applied again
	_, err = waterfall.Tracker{}.Apply(snap, "settlement-1", dist)

	// THEN: It is rejected
	assert.ErrorIs(t, err, waterfall.ErrAlreadyApplied)
	assert.True(t, waterfall.IsConflict(err))
}

func TestTracker_Apply_DetectsDivergedProjection(t *testing.T) {
	// GIVEN: A distribution whose projected state was tampered with
	snap := snapshotOf(investorRecoup())
	dist, err := waterfall.Distribute(snap, 1_000)
	require.NoError(t, err)
	dist.Allocations[0].RecoupedCents += 1

	// WHEN: Applied
	_, err = waterfall.Tracker{}.Apply(snap, "settlement-1", dist)

	// THEN: The invariant check aborts
	assert.ErrorIs(t, err, waterfall.ErrInvariantViolation)
}

func TestCheckMonotonic(t *testing.T) {
	prev := waterfall.Term{ID: "t", RecoupedCents: 500, RecoupmentComplete: true, CapReached: true}

	assert.NoError(t, waterfall.CheckMonotonic(prev, prev))

	lower := prev
	lower.RecoupedCents = 400
	assert.ErrorIs(t, waterfall.CheckMonotonic(prev, lower), waterfall.ErrRecoupmentRegression)

	reopened := prev
	reopened.RecoupmentComplete = false
	assert.ErrorIs(t, waterfall.CheckMonotonic(prev, reopened), waterfall.ErrRecoupmentRegression)

	uncapped := prev
	uncapped.CapReached = false
	assert.ErrorIs(t, waterfall.CheckMonotonic(prev, uncapped), waterfall.ErrRecoupmentRegression)
}
