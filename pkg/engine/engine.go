// Package engine composes the account directory, the state diff ledger and
// the finality tracker into the single entry point external callers use to
// query and advance rollup account state.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"

	"github.com/orbit-rollup/orbitx/pkg/db/state"
	"github.com/orbit-rollup/orbitx/pkg/types"
)

// Notifier receives watermark-advance events after a successful write. An
// implementation is optional; the engine works without one.
type Notifier interface {
	WatermarkAdvanced(ctx context.Context, event types.WatermarkEvent)
}

// Engine answers committed/verified state queries and funnels the two write
// ingress paths (block production, proof aggregation) into the state database.
type Engine struct {
	db     *state.DB
	logger *zap.Logger

	// Directory lookups are cached in-process. This is sound because the
	// id<->address mapping is an immutable bijection once assigned.
	idByAddress *xsync.Map[string, types.AccountID]
	addressByID *xsync.Map[types.AccountID, types.Address]

	notifier Notifier
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithNotifier attaches a watermark event notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// New builds an engine over an initialized state database.
func New(db *state.DB, logger *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		db:          db,
		logger:      logger.With(zap.String("component", "state_engine")),
		idByAddress: xsync.NewMap[string, types.AccountID](),
		addressByID: xsync.NewMap[types.AccountID, types.Address](),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ApplyBlock applies a produced block's diffs and advances the committed
// frontier. Blocks must arrive in strictly increasing, gapless order.
func (e *Engine) ApplyBlock(ctx context.Context, block *types.Block, diffs []types.AccountDiff) error {
	if err := e.db.ApplyBlockDiffs(ctx, block, diffs); err != nil {
		return err
	}

	e.notify(ctx, types.WatermarkEvent{
		Level: types.WatermarkCommitted,
		Block: block.Number,
		At:    time.Now().UTC(),
	})
	return nil
}

// RecordAction records a proof-pipeline action; an execute action advances
// the verified frontier to the top of its range.
func (e *Engine) RecordAction(ctx context.Context, kind types.ActionKind, rangeStart, rangeEnd uint64) error {
	if err := e.db.RecordAggregatedAction(ctx, kind, rangeStart, rangeEnd); err != nil {
		return err
	}

	if kind == types.ActionExecute {
		e.notify(ctx, types.WatermarkEvent{
			Level: types.WatermarkVerified,
			Block: rangeEnd,
			At:    time.Now().UTC(),
		})
	}
	return nil
}

// AccountStateByAddress resolves the address through the directory and
// returns the account's committed and verified snapshots. An unknown address
// yields an empty view, never an error.
func (e *Engine) AccountStateByAddress(ctx context.Context, address types.Address) (types.StateView, error) {
	id, err := e.IDForAddress(ctx, address)
	if err != nil {
		return types.StateView{}, err
	}
	if id == nil {
		return types.StateView{}, nil
	}
	return e.AccountStateByID(ctx, *id)
}

// AccountStateByID returns the account's committed and verified snapshots.
// Both lookups and the watermark read run in one repeatable-read transaction
// so the view is point-in-time consistent.
func (e *Engine) AccountStateByID(ctx context.Context, id types.AccountID) (types.StateView, error) {
	var view types.StateView

	err := pgx.BeginTxFunc(ctx, e.db.Pool, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	}, func(tx pgx.Tx) error {
		txCtx := e.db.WithTx(ctx, tx)

		wm, err := e.db.Watermarks(txCtx)
		if err != nil {
			return err
		}

		committed, err := e.db.StateAtOrBefore(txCtx, id, wm.Committed)
		if err != nil {
			return err
		}
		if committed == nil {
			// No committed entry implies no verified entry either.
			return nil
		}
		view.Committed = &types.AccountSnapshot{ID: id, State: *committed}

		verified, err := e.db.StateAtOrBefore(txCtx, id, wm.Verified)
		if err != nil {
			return err
		}
		if verified != nil {
			view.Verified = &types.AccountSnapshot{ID: id, State: *verified}
		}
		return nil
	})
	if err != nil {
		return types.StateView{}, fmt.Errorf("failed to read state view for account %d: %w", id, err)
	}

	return view, nil
}

// LastCommittedState returns the account's latest snapshot under the
// committed frontier, or nil for an unknown account.
func (e *Engine) LastCommittedState(ctx context.Context, id types.AccountID) (*types.AccountState, error) {
	view, err := e.AccountStateByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if view.Committed == nil {
		return nil, nil
	}
	return &view.Committed.State, nil
}

// LastVerifiedState returns the account's latest snapshot under the verified
// frontier, or nil if no entry of the account is verified yet.
func (e *Engine) LastVerifiedState(ctx context.Context, id types.AccountID) (*types.AccountState, error) {
	view, err := e.AccountStateByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if view.Verified == nil {
		return nil, nil
	}
	return &view.Verified.State, nil
}

// AssignOrGet resolves an address to its id, assigning the next unused id on
// first sight.
func (e *Engine) AssignOrGet(ctx context.Context, address types.Address) (types.AccountID, error) {
	if id, ok := e.idByAddress.Load(address.String()); ok {
		return id, nil
	}

	id, err := e.db.AssignOrGet(ctx, address)
	if err != nil {
		return 0, err
	}

	e.cacheEntry(id, address)
	return id, nil
}

// IDForAddress returns the id assigned to the address, or nil if unassigned.
func (e *Engine) IDForAddress(ctx context.Context, address types.Address) (*types.AccountID, error) {
	if id, ok := e.idByAddress.Load(address.String()); ok {
		return &id, nil
	}

	id, err := e.db.AccountIDByAddress(ctx, address)
	if err != nil || id == nil {
		return nil, err
	}

	e.cacheEntry(*id, address)
	return id, nil
}

// AddressForID returns the address the id was assigned to, or nil if the id
// is unassigned.
func (e *Engine) AddressForID(ctx context.Context, id types.AccountID) (*types.Address, error) {
	if address, ok := e.addressByID.Load(id); ok {
		return &address, nil
	}

	address, err := e.db.AccountAddressByID(ctx, id)
	if err != nil || address == nil {
		return nil, err
	}

	e.cacheEntry(id, *address)
	return address, nil
}

// SetAccountType records the classification tag for the id.
func (e *Engine) SetAccountType(ctx context.Context, id types.AccountID, accountType types.AccountType) error {
	return e.db.SetAccountType(ctx, id, accountType)
}

// AccountTypeByID returns the classification tag for the id, or nil if unset.
func (e *Engine) AccountTypeByID(ctx context.Context, id types.AccountID) (*types.AccountType, error) {
	return e.db.AccountTypeByID(ctx, id)
}

// Watermarks returns both finality frontiers.
func (e *Engine) Watermarks(ctx context.Context) (types.Watermarks, error) {
	return e.db.Watermarks(ctx)
}

// CommittedBlock returns the committed frontier.
func (e *Engine) CommittedBlock(ctx context.Context) (uint64, error) {
	return e.db.CommittedBlock(ctx)
}

// VerifiedBlock returns the verified frontier.
func (e *Engine) VerifiedBlock(ctx context.Context) (uint64, error) {
	return e.db.VerifiedBlock(ctx)
}

// AggregatedActionsInRange exposes the action log for audit callers.
func (e *Engine) AggregatedActionsInRange(ctx context.Context, from, to uint64) ([]types.AggregatedAction, error) {
	return e.db.AggregatedActionsInRange(ctx, from, to)
}

func (e *Engine) cacheEntry(id types.AccountID, address types.Address) {
	e.idByAddress.Store(address.String(), id)
	e.addressByID.Store(id, address)
}

func (e *Engine) notify(ctx context.Context, event types.WatermarkEvent) {
	if e.notifier == nil {
		return
	}
	e.notifier.WatermarkAdvanced(ctx, event)
}
