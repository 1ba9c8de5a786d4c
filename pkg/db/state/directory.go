package state

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/orbit-rollup/orbitx/pkg/db/postgres"
	"github.com/orbit-rollup/orbitx/pkg/retry"
	"github.com/orbit-rollup/orbitx/pkg/types"
)

// initAccounts creates the account directory table. The directory is an
// append-only bijection: both constraints together guarantee that no two rows
// ever share an id or an address, regardless of how many writers race.
func (db *DB) initAccounts(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS accounts (
			id BIGINT NOT NULL,
			address TEXT NOT NULL,
			PRIMARY KEY (id),
			CONSTRAINT accounts_address_key UNIQUE (address)
		);
	`

	return db.Exec(ctx, query)
}

// AssignOrGet returns the account id for the address, allocating the next
// unused id if the address has never been seen. Allocation races are resolved
// at the store level: losers of the address race refetch the winner's id,
// losers of the id race retry with a fresh MAX(id).
func (db *DB) AssignOrGet(ctx context.Context, address types.Address) (types.AccountID, error) {
	var id types.AccountID

	err := retry.WithBackoff(ctx, retry.ConflictConfig(), db.Logger, "account_assign", func() error {
		existing, err := db.AccountIDByAddress(ctx, address)
		if err != nil {
			return err
		}
		if existing != nil {
			id = *existing
			return nil
		}

		assigned, err := db.insertAccount(ctx, address)
		if err != nil {
			if postgres.IsNoRows(err) {
				// Another writer inserted this address first; refetch.
				return fmt.Errorf("lost address assignment race for %s", address)
			}
			if postgres.IsUniqueViolation(err) {
				// Another writer took the candidate id; retry with a fresh one.
				return fmt.Errorf("lost id allocation race for %s: %w", address, err)
			}
			return err
		}

		id = assigned
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to assign account id for %s: %w", address, err)
	}

	db.Logger.Debug("Resolved account id",
		zap.String("address", address.String()),
		zap.Uint64("account_id", uint64(id)))

	return id, nil
}

// insertAccount allocates the next dense id and persists the pair. Returns
// pgx.ErrNoRows when the address already exists (ON CONFLICT DO NOTHING) and
// a unique violation when a concurrent writer claimed the same id.
func (db *DB) insertAccount(ctx context.Context, address types.Address) (types.AccountID, error) {
	query := `
		INSERT INTO accounts (id, address)
		SELECT COALESCE(MAX(id) + 1, $2), $1 FROM accounts
		ON CONFLICT (address) DO NOTHING
		RETURNING id
	`

	var id uint64
	err := db.QueryRow(ctx, query, address.String(), db.IDOffset).Scan(&id)
	if err != nil {
		return 0, err
	}
	return types.AccountID(id), nil
}

// AccountIDByAddress returns the id assigned to the address, or nil if the
// address has no directory entry.
func (db *DB) AccountIDByAddress(ctx context.Context, address types.Address) (*types.AccountID, error) {
	query := `SELECT id FROM accounts WHERE address = $1`

	var id uint64
	err := db.QueryRow(ctx, query, address.String()).Scan(&id)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up account id: %w", err)
	}

	accountID := types.AccountID(id)
	return &accountID, nil
}

// AccountAddressByID returns the address the id was assigned to, or nil if
// the id has never been assigned.
func (db *DB) AccountAddressByID(ctx context.Context, id types.AccountID) (*types.Address, error) {
	query := `SELECT address FROM accounts WHERE id = $1`

	var raw string
	err := db.QueryRow(ctx, query, uint64(id)).Scan(&raw)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to look up account address: %w", err)
	}

	address, err := types.ParseAddress(raw)
	if err != nil {
		return nil, fmt.Errorf("corrupt directory entry for id %d: %w", id, err)
	}
	return &address, nil
}
