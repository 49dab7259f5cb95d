package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from Stage
		pred Predicate
		want Stage
	}{
		{StageIngest, PredAlertReceived, StageScout},
		{StageScout, PredAnalysisNeeded, StageAnalyst},
		{StageScout, PredBenign, StageCompleted},
		{StageAnalyst, PredRespond, StageResponder},
		{StageAnalyst, PredMonitor, StageScout},
		{StageResponder, PredExecuted, StageCompleted},
		{StageResponder, PredApprovalRequired, StageEscalated},
		{StageScout, PredBudgetExhausted, StageEscalated},
		{StageAnalyst, PredFailure, StageFailed},
	}
	for _, tc := range cases {
		got, err := Transition(tc.from, tc.pred)
		require.NoError(t, err, "%s on %s", tc.pred, tc.from)
		assert.Equal(t, tc.want, got)
	}
}

func TestTransitionRejectsInvalidPairs(t *testing.T) {
	_, err := Transition(StageIngest, PredExecuted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Transition(StageCompleted, PredAlertReceived)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = Transition(StageEscalated, PredBenign)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReplayReproducesFinalStage(t *testing.T) {
	decisions := []Decision{
		{Seq: 1, From: StageIngest, To: StageScout, Predicate: PredAlertReceived},
		{Seq: 2, From: StageScout, To: StageAnalyst, Predicate: PredAnalysisNeeded},
		{Seq: 3, From: StageAnalyst, To: StageScout, Predicate: PredMonitor},
		{Seq: 4, From: StageScout, To: StageAnalyst, Predicate: PredAnalysisNeeded},
		{Seq: 5, From: StageAnalyst, To: StageResponder, Predicate: PredRespond},
		{Seq: 6, From: StageResponder, To: StageCompleted, Predicate: PredExecuted},
	}
	stage, err := Replay(decisions)
	require.NoError(t, err)
	assert.Equal(t, StageCompleted, stage)
}

func TestReplayDetectsCorruptedLog(t *testing.T) {
	// From does not chain.
	_, err := Replay([]Decision{
		{From: StageIngest, To: StageScout, Predicate: PredAlertReceived},
		{From: StageAnalyst, To: StageResponder, Predicate: PredRespond},
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// Recorded To disagrees with the machine.
	_, err = Replay([]Decision{
		{From: StageIngest, To: StageCompleted, Predicate: PredAlertReceived},
	})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestBudgetExhaustion(t *testing.T) {
	b := Budget{MaxSteps: 3, MaxWallTime: time.Minute}

	start := int64(1_000_000)
	assert.False(t, b.Exhausted(3, start, start+1000))
	assert.True(t, b.Exhausted(4, start, start+1000))
	assert.True(t, b.Exhausted(1, start, start+time.Hour.Milliseconds()))

	unlimited := Budget{}
	assert.False(t, unlimited.Exhausted(10_000, start, start+time.Hour.Milliseconds()))
}

func TestIncidentStateSeenDedupes(t *testing.T) {
	st := NewIncidentState("inc-1", 1000)
	assert.False(t, st.Seen("alert-a"))
	assert.True(t, st.Seen("alert-a"))
	assert.False(t, st.Seen("alert-b"))
}

func TestCheckpointRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpoints()

	st := NewIncidentState("inc-roundtrip", 1000)
	st.Seen("alert-1")
	st.Advance(StageScout, PredAlertReceived, "first alert", 2000)
	st.Advance(StageAnalyst, PredAnalysisNeeded, "confidence 0.80", 3000)
	st.Steps = 2

	require.NoError(t, store.Save(ctx, st))

	got, err := store.Load(ctx, "inc-roundtrip")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StageAnalyst, got.Stage)
	assert.Equal(t, 2, got.Steps)
	assert.Equal(t, st.Decisions, got.Decisions)
	assert.True(t, got.Seen("alert-1"))

	// Replaying the persisted log reproduces the persisted stage.
	stage, err := Replay(got.Decisions)
	require.NoError(t, err)
	assert.Equal(t, got.Stage, stage)

	missing, err := store.Load(ctx, "inc-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.Delete(ctx, "inc-roundtrip"))
	gone, err := store.Load(ctx, "inc-roundtrip")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestMemoryLeaseMutualExclusion(t *testing.T) {
	ctx := context.Background()
	lease := NewMemoryLease()

	ok, err := lease.Acquire(ctx, "inc-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = lease.Acquire(ctx, "inc-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different incident is independent.
	ok, err = lease.Acquire(ctx, "inc-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, lease.Release(ctx, "inc-1"))
	ok, err = lease.Acquire(ctx, "inc-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryLeaseExpires(t *testing.T) {
	ctx := context.Background()
	lease := NewMemoryLease()
	clock := time.Unix(1_700_000_000, 0)
	lease.now = func() time.Time { return clock }

	ok, err := lease.Acquire(ctx, "inc-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	clock = clock.Add(30 * time.Second)
	ok, err = lease.Acquire(ctx, "inc-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	clock = clock.Add(31 * time.Second)
	ok, err = lease.Acquire(ctx, "inc-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
