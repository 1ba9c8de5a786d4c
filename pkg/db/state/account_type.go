package state

import (
	"context"
	"fmt"

	"github.com/orbit-rollup/orbitx/pkg/db/postgres"
	"github.com/orbit-rollup/orbitx/pkg/types"
)

// initAccountTypes creates the account classification table. Deliberately no
// foreign key to accounts: a type may be recorded before the directory entry
// exists.
func (db *DB) initAccountTypes(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS account_types (
			account_id BIGINT NOT NULL,
			account_type TEXT NOT NULL,
			PRIMARY KEY (account_id)
		);
	`

	return db.Exec(ctx, query)
}

// SetAccountType upserts the classification tag for the id, overwriting any
// prior value.
func (db *DB) SetAccountType(ctx context.Context, id types.AccountID, accountType types.AccountType) error {
	query := `
		INSERT INTO account_types (account_id, account_type)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO UPDATE SET
			account_type = EXCLUDED.account_type
	`

	if err := db.Exec(ctx, query, uint64(id), string(accountType)); err != nil {
		return fmt.Errorf("failed to set account type for id %d: %w", id, err)
	}
	return nil
}

// AccountTypeByID returns the stored tag for the id, or nil if none was ever
// set. Absence is the default: callers treat nil as "unset".
func (db *DB) AccountTypeByID(ctx context.Context, id types.AccountID) (*types.AccountType, error) {
	query := `SELECT account_type FROM account_types WHERE account_id = $1`

	var raw string
	err := db.QueryRow(ctx, query, uint64(id)).Scan(&raw)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up account type: %w", err)
	}

	accountType := types.AccountType(raw)
	return &accountType, nil
}
