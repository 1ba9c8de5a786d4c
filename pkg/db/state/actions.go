package state

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/orbit-rollup/orbitx/pkg/types"
)

// initAggregatedActions creates the proof-pipeline action log
func (db *DB) initAggregatedActions(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS aggregated_actions (
			id BIGSERIAL PRIMARY KEY,
			action_kind TEXT NOT NULL,
			range_start BIGINT NOT NULL,
			range_end BIGINT NOT NULL,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
		);

		CREATE INDEX IF NOT EXISTS idx_aggregated_actions_kind_range
			ON aggregated_actions(action_kind, range_start);
	`

	return db.Exec(ctx, query)
}

// initWatermarks creates and seeds the single watermark row. The row is only
// ever updated inside the same transaction as the log append that justifies
// the update.
func (db *DB) initWatermarks(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS watermarks (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			committed_block BIGINT NOT NULL DEFAULT 0,
			verified_block BIGINT NOT NULL DEFAULT 0,
			CHECK (verified_block <= committed_block)
		);

		INSERT INTO watermarks (id, committed_block, verified_block)
		VALUES (1, 0, 0)
		ON CONFLICT (id) DO NOTHING;
	`

	return db.Exec(ctx, query)
}

// RecordAggregatedAction appends one proof-pipeline action to the log.
//
// Execute actions must exactly tile the block sequence: the range has to
// start at verified_block + 1 and end no later than the committed frontier.
// A qualifying execute action advances the verified watermark to the range
// end atomically with the log append. All other kinds are recorded for audit
// only and never touch the watermark.
func (db *DB) RecordAggregatedAction(ctx context.Context, kind types.ActionKind, rangeStart, rangeEnd uint64) error {
	if rangeStart == 0 || rangeStart > rangeEnd {
		return fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, rangeStart, rangeEnd)
	}

	err := db.BeginFunc(ctx, func(tx pgx.Tx) error {
		txCtx := db.WithTx(ctx, tx)

		if kind == types.ActionExecute {
			var committed, verified uint64
			if err := tx.QueryRow(ctx,
				`SELECT committed_block, verified_block FROM watermarks WHERE id = 1 FOR UPDATE`,
			).Scan(&committed, &verified); err != nil {
				return fmt.Errorf("failed to read watermarks: %w", err)
			}

			if rangeStart != verified+1 {
				return fmt.Errorf("%w: range starts at %d, verified frontier is %d",
					ErrNonContiguousRange, rangeStart, verified)
			}
			if rangeEnd > committed {
				return fmt.Errorf("%w: range ends at %d, committed frontier is %d",
					ErrRangeAheadOfLedger, rangeEnd, committed)
			}

			if err := db.insertAction(txCtx, kind, rangeStart, rangeEnd); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx,
				`UPDATE watermarks SET verified_block = $1 WHERE id = 1`, rangeEnd,
			); err != nil {
				return fmt.Errorf("failed to advance verified watermark: %w", err)
			}

			return nil
		}

		return db.insertAction(txCtx, kind, rangeStart, rangeEnd)
	})
	if err != nil {
		return err
	}

	db.Logger.Debug("Recorded aggregated action",
		zap.String("kind", string(kind)),
		zap.Uint64("range_start", rangeStart),
		zap.Uint64("range_end", rangeEnd))

	return nil
}

// insertAction appends one row to the action log
func (db *DB) insertAction(ctx context.Context, kind types.ActionKind, rangeStart, rangeEnd uint64) error {
	query := `
		INSERT INTO aggregated_actions (action_kind, range_start, range_end)
		VALUES ($1, $2, $3)
	`

	if err := db.Exec(ctx, query, string(kind), rangeStart, rangeEnd); err != nil {
		return fmt.Errorf("failed to insert aggregated action: %w", err)
	}
	return nil
}

// Watermarks returns both finality frontiers from a single read.
func (db *DB) Watermarks(ctx context.Context) (types.Watermarks, error) {
	query := `SELECT committed_block, verified_block FROM watermarks WHERE id = 1`

	var wm types.Watermarks
	if err := db.QueryRow(ctx, query).Scan(&wm.Committed, &wm.Verified); err != nil {
		return types.Watermarks{}, fmt.Errorf("failed to read watermarks: %w", err)
	}

	return wm, nil
}

// CommittedBlock returns the highest block number whose diffs have been applied.
func (db *DB) CommittedBlock(ctx context.Context) (uint64, error) {
	wm, err := db.Watermarks(ctx)
	if err != nil {
		return 0, err
	}
	return wm.Committed, nil
}

// VerifiedBlock returns the highest block number covered by an execute action.
func (db *DB) VerifiedBlock(ctx context.Context) (uint64, error) {
	wm, err := db.Watermarks(ctx)
	if err != nil {
		return 0, err
	}
	return wm.Verified, nil
}

// AggregatedActionsInRange returns, in insertion order, every logged action
// whose range intersects [from, to]. Used by audit and observability callers.
func (db *DB) AggregatedActionsInRange(ctx context.Context, from, to uint64) ([]types.AggregatedAction, error) {
	query := `
		SELECT id, action_kind, range_start, range_end, created_at
		FROM aggregated_actions
		WHERE range_end >= $1 AND range_start <= $2
		ORDER BY id
	`

	rows, err := db.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query aggregated actions: %w", err)
	}
	defer rows.Close()

	var actions []types.AggregatedAction
	for rows.Next() {
		var action types.AggregatedAction
		var kind string
		if err := rows.Scan(&action.ID, &kind, &action.RangeStart, &action.RangeEnd, &action.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan aggregated action: %w", err)
		}
		action.Kind = types.ActionKind(kind)
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return actions, nil
}
