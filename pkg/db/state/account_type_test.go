package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbit-rollup/orbitx/pkg/types"
)

// TestAccountType_SaveLoad covers the save/load routine for account types:
// absent by default, settable before any directory entry exists, and
// last-write-wins on overwrite.
func TestAccountType_SaveLoad(t *testing.T) {
	db := createStateDB(t, "account_types")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Returns absent by default.
	nonExistent, err := db.AccountTypeByID(ctx, 18)
	require.NoError(t, err)
	assert.Nil(t, nonExistent)

	// Store an account type for an id with no directory entry, then load it.
	require.NoError(t, db.SetAccountType(ctx, 18, types.AccountTypeCreate2))

	loaded, err := db.AccountTypeByID(ctx, 18)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, types.AccountTypeCreate2, *loaded)

	// A neighboring id that was never set stays absent.
	neighbor, err := db.AccountTypeByID(ctx, 19)
	require.NoError(t, err)
	assert.Nil(t, neighbor)

	// Re-setting overwrites.
	require.NoError(t, db.SetAccountType(ctx, 18, types.AccountTypeDeposit))

	overwritten, err := db.AccountTypeByID(ctx, 18)
	require.NoError(t, err)
	require.NotNil(t, overwritten)
	assert.Equal(t, types.AccountTypeDeposit, *overwritten)
}
