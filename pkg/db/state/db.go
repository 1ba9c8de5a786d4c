package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbit-rollup/orbitx/pkg/db/postgres"
)

// Sequencing violations indicate that an upstream producer has desynchronized
// from the ledger. They are surfaced loudly and must never be retried with the
// same input.
var (
	// ErrNonSequentialBlock is returned when a block diff arrives with a
	// number other than committed_block + 1.
	ErrNonSequentialBlock = errors.New("block number does not extend the committed frontier")

	// ErrNonContiguousRange is returned when an execute action's range does
	// not start exactly at verified_block + 1.
	ErrNonContiguousRange = errors.New("action range does not extend the verified frontier")

	// ErrRangeAheadOfLedger is returned when an execute action's range ends
	// beyond the committed frontier; verifying unapplied blocks would break
	// the verified <= committed invariant.
	ErrRangeAheadOfLedger = errors.New("action range ends beyond the committed frontier")

	// ErrInvalidRange is returned for ranges that are empty or start at zero.
	ErrInvalidRange = errors.New("invalid action block range")
)

// DB is the rollup state database: the account directory, the append-only
// state diff ledger, the aggregated action log and the finality watermarks,
// all living in one PostgreSQL database so that multi-step writes commit as a
// single transaction.
type DB struct {
	postgres.Client
	Name string // Database name (e.g., "rollup_state")

	// IDOffset is the first account id handed out by the directory.
	IDOffset uint64
}

// New creates and initializes a state database instance with custom pool
// configuration.
func New(ctx context.Context, logger *zap.Logger, name string, idOffset uint64, poolConfig *postgres.PoolConfig) (*DB, error) {
	if err := postgres.EnsureDatabase(ctx, logger, name); err != nil {
		return nil, fmt.Errorf("failed to ensure database %s: %w", name, err)
	}

	client, err := postgres.New(ctx, logger.With(
		zap.String("db", name),
		zap.String("component", poolConfig.Component),
	), name, poolConfig)
	if err != nil {
		return nil, err
	}

	stateDB := &DB{
		Client:   client,
		Name:     name,
		IDOffset: idOffset,
	}

	if err := stateDB.InitializeDB(ctx); err != nil {
		return nil, err
	}

	return stateDB, nil
}

// Close terminates the underlying PostgreSQL connection
func (db *DB) Close() error {
	db.Pool.Close()
	return nil
}

// DatabaseName returns the name of the state database
func (db *DB) DatabaseName() string {
	return db.Name
}

// InitializeDB ensures the required tables exist.
// Creates all tables in parallel for efficiency.
func (db *DB) InitializeDB(ctx context.Context) error {
	initStart := time.Now()

	db.Logger.Info("Initializing state database", zap.String("database", db.Name))

	initOps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"accounts", db.initAccounts},
		{"account_types", db.initAccountTypes},
		{"blocks", db.initBlocks},
		{"account_states", db.initAccountStates},
		{"aggregated_actions", db.initAggregatedActions},
		{"watermarks", db.initWatermarks},
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(initOps))

	// Launch all init operations in parallel
	for _, op := range initOps {
		wg.Add(1)
		go func(name string, fn func(context.Context) error) {
			defer wg.Done()
			db.Logger.Debug("Initializing table", zap.String("table", name))
			if err := fn(ctx); err != nil {
				errChan <- fmt.Errorf("init %s: %w", name, err)
			}
		}(op.name, op.fn)
	}

	wg.Wait()
	close(errChan)

	// Check for errors
	for err := range errChan {
		return err
	}

	db.Logger.Info("State database initialized successfully",
		zap.String("database", db.Name),
		zap.Duration("duration", time.Since(initStart)))

	return nil
}
