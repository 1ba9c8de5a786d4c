package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-rollup/orbitx/pkg/types"
)

func testAddress(t *testing.T, b byte) types.Address {
	t.Helper()

	var addr types.Address
	for i := range addr {
		addr[i] = b
	}
	return addr
}

// TestDirectory_AssignOrGetIdempotent checks that assigning the same address
// twice yields the same id and that ids are handed out densely from the offset.
func TestDirectory_AssignOrGetIdempotent(t *testing.T) {
	db := createStateDB(t, "directory_idempotent")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	first := testAddress(t, 0x01)
	second := testAddress(t, 0x02)

	id1, err := db.AssignOrGet(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, types.AccountID(0), id1)

	again, err := db.AssignOrGet(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, id1, again)

	id2, err := db.AssignOrGet(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, types.AccountID(1), id2)
}

// TestDirectory_ConcurrentAssignSameAddress checks that concurrent first
// assignments of one unseen address collapse to a single id.
func TestDirectory_ConcurrentAssignSameAddress(t *testing.T) {
	db := createStateDB(t, "directory_concurrent")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	address := testAddress(t, 0xaa)
	const callers = 10

	var wg sync.WaitGroup
	ids := make([]types.AccountID, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			ids[slot], errs[slot] = db.AssignOrGet(ctx, address)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i], "caller %d observed a different id", i)
	}

	// Exactly one directory entry exists.
	resolved, err := db.AccountIDByAddress(ctx, address)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, ids[0], *resolved)
}

// TestDirectory_UnassignedLookups checks that lookups for unknown identities
// are absent, not errors.
func TestDirectory_UnassignedLookups(t *testing.T) {
	db := createStateDB(t, "directory_unassigned")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	id, err := db.AccountIDByAddress(ctx, testAddress(t, 0x42))
	require.NoError(t, err)
	assert.Nil(t, id)

	address, err := db.AccountAddressByID(ctx, types.AccountID(1234))
	require.NoError(t, err)
	assert.Nil(t, address)
}

// TestDirectory_Bijection checks that id->address and address->id stay mutual
// inverses over a batch of assignments.
func TestDirectory_Bijection(t *testing.T) {
	db := createStateDB(t, "directory_bijection")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	for b := byte(1); b <= 20; b++ {
		address := testAddress(t, b)

		id, err := db.AssignOrGet(ctx, address)
		require.NoError(t, err)

		gotAddress, err := db.AccountAddressByID(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, gotAddress)
		assert.Equal(t, address, *gotAddress)

		gotID, err := db.AccountIDByAddress(ctx, address)
		require.NoError(t, err)
		require.NotNil(t, gotID)
		assert.Equal(t, id, *gotID)
	}
}
