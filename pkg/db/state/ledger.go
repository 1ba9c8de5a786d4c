package state

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/orbit-rollup/orbitx/pkg/db/postgres"
	"github.com/orbit-rollup/orbitx/pkg/types"
)

// initBlocks creates the block metadata table
func (db *DB) initBlocks(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS blocks (
			number BIGINT NOT NULL,
			size BIGINT NOT NULL DEFAULT 0,
			root_hash TEXT NOT NULL DEFAULT '',
			time TIMESTAMP WITH TIME ZONE NOT NULL,
			PRIMARY KEY (number)
		);
	`

	return db.Exec(ctx, query)
}

// initAccountStates creates the state diff ledger. Rows are complete account
// snapshots keyed by (account_id, block_number); they are never updated or
// deleted. The primary key index serves the predecessor lookups directly.
func (db *DB) initAccountStates(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS account_states (
			account_id BIGINT NOT NULL,
			block_number BIGINT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0,
			nonce BIGINT NOT NULL DEFAULT 0,
			pub_key_hash TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (account_id, block_number)
		);

		CREATE INDEX IF NOT EXISTS idx_account_states_block_number ON account_states(block_number);
	`

	return db.Exec(ctx, query)
}

// ApplyBlockDiffs applies one produced block as a single atomic unit: the
// block row, every account snapshot, any lazy directory assignments and the
// committed watermark advance all commit together or not at all.
//
// The block number must be exactly committed_block + 1; anything else means
// the producer is desynchronized and is rejected with ErrNonSequentialBlock.
func (db *DB) ApplyBlockDiffs(ctx context.Context, block *types.Block, diffs []types.AccountDiff) error {
	start := time.Now()

	err := db.BeginFunc(ctx, func(tx pgx.Tx) error {
		txCtx := db.WithTx(ctx, tx)

		// Serialize block application on the watermark row.
		var committed uint64
		if err := tx.QueryRow(ctx,
			`SELECT committed_block FROM watermarks WHERE id = 1 FOR UPDATE`,
		).Scan(&committed); err != nil {
			return fmt.Errorf("failed to read committed watermark: %w", err)
		}

		if block.Number != committed+1 {
			return fmt.Errorf("%w: got block %d, committed frontier is %d",
				ErrNonSequentialBlock, block.Number, committed)
		}

		if err := db.insertBlock(txCtx, block); err != nil {
			return fmt.Errorf("failed to insert block %d: %w", block.Number, err)
		}

		entries := make([]stateEntry, 0, len(diffs))
		for _, diff := range diffs {
			id, err := db.resolveAccountID(txCtx, diff.Address)
			if err != nil {
				return err
			}
			entries = append(entries, stateEntry{id: id, state: diff.State})
		}

		if err := db.insertStateEntries(txCtx, block.Number, entries); err != nil {
			return fmt.Errorf("failed to insert state diffs for block %d: %w", block.Number, err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE watermarks SET committed_block = $1 WHERE id = 1`, block.Number,
		); err != nil {
			return fmt.Errorf("failed to advance committed watermark: %w", err)
		}

		return nil
	})
	if err != nil {
		return err
	}

	db.Logger.Debug("Applied block diffs",
		zap.Uint64("block", block.Number),
		zap.Int("accounts", len(diffs)),
		zap.Duration("duration", time.Since(start)))

	return nil
}

// resolveAccountID resolves an address inside a block-application transaction.
// Unlike AssignOrGet it does not retry: the watermark lock makes block
// application single-writer, so a conflict here means a concurrent standalone
// assignment won the id race and the whole transaction should be retried by
// the producer.
func (db *DB) resolveAccountID(ctx context.Context, address types.Address) (types.AccountID, error) {
	existing, err := db.AccountIDByAddress(ctx, address)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return *existing, nil
	}

	id, err := db.insertAccount(ctx, address)
	if err != nil {
		if postgres.IsNoRows(err) {
			// The address appeared between lookup and insert; it is visible now.
			assigned, refetchErr := db.AccountIDByAddress(ctx, address)
			if refetchErr != nil {
				return 0, refetchErr
			}
			if assigned != nil {
				return *assigned, nil
			}
		}
		return 0, fmt.Errorf("failed to assign account id for %s: %w", address, err)
	}
	return id, nil
}

type stateEntry struct {
	id    types.AccountID
	state types.AccountState
}

// insertBlock inserts a block's metadata row
func (db *DB) insertBlock(ctx context.Context, block *types.Block) error {
	query := `
		INSERT INTO blocks (number, size, root_hash, time)
		VALUES ($1, $2, $3, $4)
	`

	return db.Exec(ctx, query, block.Number, block.Size, block.RootHash, block.Time)
}

// insertStateEntries batch-inserts one block's account snapshots
func (db *DB) insertStateEntries(ctx context.Context, blockNumber uint64, entries []stateEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO account_states (account_id, block_number, balance, nonce, pub_key_hash)
		VALUES ($1, $2, $3, $4, $5)
	`

	for _, entry := range entries {
		batch.Queue(query,
			uint64(entry.id), blockNumber,
			entry.state.Balance, entry.state.Nonce, entry.state.PubKeyHash,
		)
	}

	results := db.SendBatch(ctx, batch)
	defer func() {
		if closeErr := results.Close(); closeErr != nil {
			db.Logger.Warn("failed to close batch results", zap.Error(closeErr))
		}
	}()

	for range entries {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// StateAtOrBefore returns the account's snapshot with the greatest block
// number at or below the bound, or nil if no entry qualifies. This is the
// fundamental read primitive; committed and verified queries are this lookup
// with different bounds.
func (db *DB) StateAtOrBefore(ctx context.Context, id types.AccountID, bound uint64) (*types.AccountState, error) {
	query := `
		SELECT balance, nonce, pub_key_hash
		FROM account_states
		WHERE account_id = $1 AND block_number <= $2
		ORDER BY block_number DESC
		LIMIT 1
	`

	var state types.AccountState
	err := db.QueryRow(ctx, query, uint64(id), bound).Scan(
		&state.Balance, &state.Nonce, &state.PubKeyHash,
	)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state at or before block %d: %w", bound, err)
	}

	return &state, nil
}

// GetBlock retrieves a block's metadata by number, or nil if unknown.
func (db *DB) GetBlock(ctx context.Context, number uint64) (*types.Block, error) {
	query := `SELECT number, size, root_hash, time FROM blocks WHERE number = $1`

	var block types.Block
	err := db.QueryRow(ctx, query, number).Scan(
		&block.Number, &block.Size, &block.RootHash, &block.Time,
	)
	if err != nil {
		if postgres.IsNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get block %d: %w", number, err)
	}

	return &block, nil
}

// HasBlock checks if a block has been applied at the given number
func (db *DB) HasBlock(ctx context.Context, number uint64) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM blocks WHERE number = $1)`

	var exists bool
	if err := db.QueryRow(ctx, query, number).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check block existence: %w", err)
	}

	return exists, nil
}
