package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-rollup/orbitx/pkg/types"
)

func applyBlocks(t *testing.T, ctx context.Context, db *DB, through uint64) {
	t.Helper()

	address := testAddress(t, 0x77)
	for n := uint64(1); n <= through; n++ {
		require.NoError(t, db.ApplyBlockDiffs(ctx, testBlock(n),
			[]types.AccountDiff{{Address: address, State: types.AccountState{Balance: n}}}))
	}
}

// TestActions_ExecuteAdvancesWatermark checks that only execute actions move
// the verified frontier and that the advance is atomic with the log append.
func TestActions_ExecuteAdvancesWatermark(t *testing.T) {
	db := createStateDB(t, "actions_execute")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	applyBlocks(t, ctx, db, 5)

	// Intermediate stages are inert.
	for _, kind := range []types.ActionKind{types.ActionCommit, types.ActionProve, types.ActionPublishProof} {
		require.NoError(t, db.RecordAggregatedAction(ctx, kind, 1, 5))

		wm, err := db.Watermarks(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), wm.Verified, "%s must not advance the verified watermark", kind)
	}

	// Execute advances to the top of the range.
	require.NoError(t, db.RecordAggregatedAction(ctx, types.ActionExecute, 1, 5))

	wm, err := db.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), wm.Committed)
	assert.Equal(t, uint64(5), wm.Verified)

	// The log entry is durably present alongside the watermark.
	actions, err := db.AggregatedActionsInRange(ctx, 1, 5)
	require.NoError(t, err)
	require.Len(t, actions, 4)
	assert.Equal(t, types.ActionExecute, actions[3].Kind)
	assert.Equal(t, uint64(1), actions[3].RangeStart)
	assert.Equal(t, uint64(5), actions[3].RangeEnd)
}

// TestActions_SequencingViolations checks every rejected range shape leaves
// the watermark untouched.
func TestActions_SequencingViolations(t *testing.T) {
	db := createStateDB(t, "actions_sequencing")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	applyBlocks(t, ctx, db, 5)

	// Empty and zero-based ranges are invalid for every kind.
	err := db.RecordAggregatedAction(ctx, types.ActionExecute, 3, 2)
	require.ErrorIs(t, err, ErrInvalidRange)
	err = db.RecordAggregatedAction(ctx, types.ActionCommit, 0, 2)
	require.ErrorIs(t, err, ErrInvalidRange)

	// Execute ranges must start right above the verified frontier.
	err = db.RecordAggregatedAction(ctx, types.ActionExecute, 2, 5)
	require.ErrorIs(t, err, ErrNonContiguousRange)

	// Execute ranges must not reach beyond the committed frontier.
	err = db.RecordAggregatedAction(ctx, types.ActionExecute, 1, 6)
	require.ErrorIs(t, err, ErrRangeAheadOfLedger)

	wm, err := db.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), wm.Verified)

	// No rejected action leaked into the log.
	actions, err := db.AggregatedActionsInRange(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, actions)

	// Ranges tile: [1,2] then [3,5] succeed, replay of [3,5] fails.
	require.NoError(t, db.RecordAggregatedAction(ctx, types.ActionExecute, 1, 2))
	require.NoError(t, db.RecordAggregatedAction(ctx, types.ActionExecute, 3, 5))

	err = db.RecordAggregatedAction(ctx, types.ActionExecute, 3, 5)
	require.ErrorIs(t, err, ErrNonContiguousRange)

	wm, err = db.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), wm.Verified)
}

// TestActions_WatermarkMonotonicity interleaves block application and action
// recording and asserts the invariants after every step.
func TestActions_WatermarkMonotonicity(t *testing.T) {
	db := createStateDB(t, "actions_monotonic")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	address := testAddress(t, 0x31)
	var lastCommitted, lastVerified uint64

	checkInvariants := func() {
		wm, err := db.Watermarks(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, wm.Committed, lastCommitted, "committed watermark went backward")
		assert.GreaterOrEqual(t, wm.Verified, lastVerified, "verified watermark went backward")
		assert.LessOrEqual(t, wm.Verified, wm.Committed, "verified watermark ahead of committed")
		lastCommitted, lastVerified = wm.Committed, wm.Verified
	}

	for n := uint64(1); n <= 12; n++ {
		require.NoError(t, db.ApplyBlockDiffs(ctx, testBlock(n),
			[]types.AccountDiff{{Address: address, State: types.AccountState{Balance: n * 100}}}))
		checkInvariants()

		if n%3 == 0 {
			require.NoError(t, db.RecordAggregatedAction(ctx, types.ActionExecute, lastVerified+1, n))
			checkInvariants()
		}
	}

	assert.Equal(t, uint64(12), lastCommitted)
	assert.Equal(t, uint64(12), lastVerified)
}

// TestActions_AuditLogOrder checks the audit read returns intersecting
// actions in insertion order.
func TestActions_AuditLogOrder(t *testing.T) {
	db := createStateDB(t, "actions_audit")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	applyBlocks(t, ctx, db, 6)

	require.NoError(t, db.RecordAggregatedAction(ctx, types.ActionCommit, 1, 3))
	require.NoError(t, db.RecordAggregatedAction(ctx, types.ActionExecute, 1, 3))
	require.NoError(t, db.RecordAggregatedAction(ctx, types.ActionCommit, 4, 6))
	require.NoError(t, db.RecordAggregatedAction(ctx, types.ActionExecute, 4, 6))

	all, err := db.AggregatedActionsInRange(ctx, 1, 6)
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, types.ActionCommit, all[0].Kind)
	assert.Equal(t, types.ActionExecute, all[1].Kind)
	assert.Equal(t, types.ActionCommit, all[2].Kind)
	assert.Equal(t, types.ActionExecute, all[3].Kind)

	// Only the second range intersects [5,6].
	tail, err := db.AggregatedActionsInRange(ctx, 5, 6)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, uint64(4), tail[0].RangeStart)
}
