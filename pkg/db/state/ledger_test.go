package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-rollup/orbitx/pkg/types"
)

func testBlock(number uint64) *types.Block {
	return &types.Block{
		Number:   number,
		Size:     1,
		RootHash: "0xfeed",
		Time:     time.Now().UTC(),
	}
}

// TestLedger_GaplessSequence checks that blocks must extend the committed
// frontier exactly and that violations leave the ledger untouched.
func TestLedger_GaplessSequence(t *testing.T) {
	db := createStateDB(t, "ledger_gapless")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	address := testAddress(t, 0x01)
	diff := []types.AccountDiff{{Address: address, State: types.AccountState{Balance: 10}}}

	// The first block must be number 1.
	err := db.ApplyBlockDiffs(ctx, testBlock(2), diff)
	require.ErrorIs(t, err, ErrNonSequentialBlock)

	// The failed attempt left no trace.
	wm, err := db.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), wm.Committed)

	has, err := db.HasBlock(ctx, 2)
	require.NoError(t, err)
	assert.False(t, has)

	id, err := db.AccountIDByAddress(ctx, address)
	require.NoError(t, err)
	assert.Nil(t, id, "aborted block application must not leave directory entries")

	// Block 1 applies cleanly.
	require.NoError(t, db.ApplyBlockDiffs(ctx, testBlock(1), diff))

	wm, err = db.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), wm.Committed)

	// Replaying block 1 is a sequencing error.
	err = db.ApplyBlockDiffs(ctx, testBlock(1), diff)
	require.ErrorIs(t, err, ErrNonSequentialBlock)

	// Skipping block 2 is a sequencing error.
	err = db.ApplyBlockDiffs(ctx, testBlock(3), diff)
	require.ErrorIs(t, err, ErrNonSequentialBlock)
}

// TestLedger_StateAtOrBefore covers the predecessor lookup: diffs for one
// account at blocks 1 (balance 10) and 5 (balance 25).
func TestLedger_StateAtOrBefore(t *testing.T) {
	db := createStateDB(t, "ledger_predecessor")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	address := testAddress(t, 0x0a)

	require.NoError(t, db.ApplyBlockDiffs(ctx, testBlock(1),
		[]types.AccountDiff{{Address: address, State: types.AccountState{Balance: 10, Nonce: 1}}}))
	for n := uint64(2); n <= 4; n++ {
		require.NoError(t, db.ApplyBlockDiffs(ctx, testBlock(n), nil))
	}
	require.NoError(t, db.ApplyBlockDiffs(ctx, testBlock(5),
		[]types.AccountDiff{{Address: address, State: types.AccountState{Balance: 25, Nonce: 2}}}))

	id, err := db.AccountIDByAddress(ctx, address)
	require.NoError(t, err)
	require.NotNil(t, id)

	// Bound between the two entries resolves to the earlier snapshot.
	mid, err := db.StateAtOrBefore(ctx, *id, 3)
	require.NoError(t, err)
	require.NotNil(t, mid)
	assert.Equal(t, uint64(10), mid.Balance)

	// Bound at the frontier resolves to the latest snapshot.
	top, err := db.StateAtOrBefore(ctx, *id, 5)
	require.NoError(t, err)
	require.NotNil(t, top)
	assert.Equal(t, uint64(25), top.Balance)

	// Bound below the first entry is absent.
	early, err := db.StateAtOrBefore(ctx, *id, 0)
	require.NoError(t, err)
	assert.Nil(t, early)

	// Unknown account is absent, not an error.
	unknown, err := db.StateAtOrBefore(ctx, types.AccountID(9999), 5)
	require.NoError(t, err)
	assert.Nil(t, unknown)
}

// TestLedger_LazyDirectoryAssignment checks that block application creates
// directory entries for unseen addresses with dense ids.
func TestLedger_LazyDirectoryAssignment(t *testing.T) {
	db := createStateDB(t, "ledger_lazy_assign")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	first := testAddress(t, 0x11)
	second := testAddress(t, 0x22)

	require.NoError(t, db.ApplyBlockDiffs(ctx, testBlock(1), []types.AccountDiff{
		{Address: first, State: types.AccountState{Balance: 1}},
		{Address: second, State: types.AccountState{Balance: 2}},
	}))

	firstID, err := db.AccountIDByAddress(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, firstID)

	secondID, err := db.AccountIDByAddress(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, secondID)

	assert.Equal(t, types.AccountID(0), *firstID)
	assert.Equal(t, types.AccountID(1), *secondID)

	// A later block referencing a known address reuses its id.
	require.NoError(t, db.ApplyBlockDiffs(ctx, testBlock(2), []types.AccountDiff{
		{Address: first, State: types.AccountState{Balance: 3}},
	}))

	reused, err := db.AccountIDByAddress(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, reused)
	assert.Equal(t, *firstID, *reused)
}

// TestLedger_BlockMetadata checks block rows are stored and readable.
func TestLedger_BlockMetadata(t *testing.T) {
	db := createStateDB(t, "ledger_blocks")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	block := &types.Block{
		Number:   1,
		Size:     7,
		RootHash: "0xabc123",
		Time:     time.Now().UTC().Truncate(time.Microsecond),
	}
	require.NoError(t, db.ApplyBlockDiffs(ctx, block, nil))

	got, err := db.GetBlock(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, block.Number, got.Number)
	assert.Equal(t, block.Size, got.Size)
	assert.Equal(t, block.RootHash, got.RootHash)
	assert.WithinDuration(t, block.Time, got.Time, time.Millisecond)

	missing, err := db.GetBlock(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
