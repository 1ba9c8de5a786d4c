package loadgen

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"go.uber.org/zap"

	"github.com/orbit-rollup/orbitx/pkg/engine"
	"github.com/orbit-rollup/orbitx/pkg/types"
	"github.com/orbit-rollup/orbitx/pkg/utils"
)

// Config controls the shape of the generated load.
type Config struct {
	Accounts      int   // initial wallet count
	Blocks        int   // blocks to produce
	TxPerBlock    int   // commands generated per block
	ExecuteEvery  int   // record a commit/prove/publish/execute stack every N blocks
	VerifyWorkers int   // concurrent read-back verifiers
	Seed          int64 // 0 means time-based
}

// ConfigFromEnv reads the generator configuration from environment variables.
func ConfigFromEnv() Config {
	return Config{
		Accounts:      utils.EnvInt("LOADGEN_ACCOUNTS", 50),
		Blocks:        utils.EnvInt("LOADGEN_BLOCKS", 100),
		TxPerBlock:    utils.EnvInt("LOADGEN_TX_PER_BLOCK", 20),
		ExecuteEvery:  utils.EnvInt("LOADGEN_EXECUTE_EVERY", 5),
		VerifyWorkers: utils.EnvInt("LOADGEN_VERIFY_WORKERS", 8),
		Seed:          utils.EnvInt64("LOADGEN_SEED", 0),
	}
}

// Stats summarizes one completed run.
type Stats struct {
	BlocksApplied     uint64
	CommandsGenerated uint64
	CommandsExecuted  uint64
	CommandsSkipped   uint64
	AccountsCreated   uint64
	ActionsRecorded   uint64
	AccountsVerified  uint64
	Mismatches        uint64
}

// Runner drives randomized traffic through the engine: it plays the block
// producer and the proof pipeline at once, and afterwards verifies that the
// engine's answers match its own wallet mirror.
type Runner struct {
	engine *engine.Engine
	logger *zap.Logger
	cfg    Config
	rng    *rand.Rand

	wallets map[types.Address]*Wallet
	order   []types.Address
	pool    *AddressPool

	// pendingTypes holds classification tags to flush after the next block
	// application, once the directory entries are guaranteed to exist.
	pendingTypes map[types.Address]types.AccountType

	stats Stats
}

// New builds a runner with a fresh wallet set.
func New(eng *engine.Engine, logger *zap.Logger, cfg Config) *Runner {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	r := &Runner{
		engine:       eng,
		logger:       logger.With(zap.String("component", "loadgen")),
		cfg:          cfg,
		rng:          rng,
		wallets:      make(map[types.Address]*Wallet, cfg.Accounts),
		pendingTypes: make(map[types.Address]types.AccountType),
	}

	addresses := make([]types.Address, 0, cfg.Accounts)
	for i := 0; i < cfg.Accounts; i++ {
		w := NewWallet(rng)
		r.wallets[w.Address] = w
		r.order = append(r.order, w.Address)
		addresses = append(addresses, w.Address)
	}
	r.pool = NewAddressPool(addresses)

	r.logger.Info("Load generator initialized",
		zap.Int("accounts", cfg.Accounts),
		zap.Int("blocks", cfg.Blocks),
		zap.Int("tx_per_block", cfg.TxPerBlock),
		zap.Int64("seed", seed))

	return r
}

// Run produces cfg.Blocks blocks of randomized diffs, records proof actions,
// and read-back-verifies the wallet mirror against the engine.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	start := time.Now()

	wm, err := r.engine.Watermarks(ctx)
	if err != nil {
		return r.stats, fmt.Errorf("failed to read initial watermarks: %w", err)
	}

	next := wm.Committed + 1
	verified := wm.Verified

	for b := 0; b < r.cfg.Blocks; b++ {
		if err := ctx.Err(); err != nil {
			return r.stats, err
		}

		block, diffs := r.buildBlock(next)
		if err := r.engine.ApplyBlock(ctx, block, diffs); err != nil {
			return r.stats, fmt.Errorf("failed to apply block %d: %w", next, err)
		}
		r.stats.BlocksApplied++

		if err := r.flushAccountTypes(ctx); err != nil {
			return r.stats, err
		}

		if (b+1)%r.cfg.ExecuteEvery == 0 {
			if err := r.recordActionStack(ctx, verified+1, next); err != nil {
				return r.stats, err
			}
			verified = next
		}

		next++
	}

	if err := r.verify(ctx); err != nil {
		return r.stats, err
	}

	r.logger.Info("Load generation finished",
		zap.Uint64("blocks_applied", r.stats.BlocksApplied),
		zap.Uint64("commands_generated", r.stats.CommandsGenerated),
		zap.Uint64("commands_executed", r.stats.CommandsExecuted),
		zap.Uint64("accounts_created", r.stats.AccountsCreated),
		zap.Uint64("accounts_verified", r.stats.AccountsVerified),
		zap.Uint64("mismatches", r.stats.Mismatches),
		zap.Duration("duration", time.Since(start)))

	return r.stats, nil
}

// buildBlock generates commands, executes them against the wallet mirror and
// collects the touched wallets into one block diff.
func (r *Runner) buildBlock(number uint64) (*types.Block, []types.AccountDiff) {
	for i := 0; i < r.cfg.TxPerBlock; i++ {
		owner := r.wallets[r.order[r.rng.Intn(len(r.order))]]
		cmd := RandomCommand(r.rng, owner.Address, r.pool)
		r.stats.CommandsGenerated++

		if r.executeCommand(cmd, owner) {
			r.stats.CommandsExecuted++
		} else {
			r.stats.CommandsSkipped++
		}
	}

	var diffs []types.AccountDiff
	for _, addr := range r.order {
		w := r.wallets[addr]
		if !w.Touched {
			continue
		}
		diffs = append(diffs, types.AccountDiff{Address: w.Address, State: w.State()})
		w.Touched = false
	}

	hash := make([]byte, 32)
	r.rng.Read(hash)

	block := &types.Block{
		Number:   number,
		Size:     uint32(len(diffs)),
		RootHash: "0x" + hex.EncodeToString(hash),
		Time:     time.Now().UTC(),
	}
	return block, diffs
}

// executeCommand applies one command to the wallet mirror. Returns false when
// the command was skipped, either because its modifier makes it invalid or
// because the owner cannot afford it.
func (r *Runner) executeCommand(cmd TxCommand, owner *Wallet) bool {
	if cmd.Modifier.ExpectedOutcome() != OutcomeSucceed {
		return false
	}

	switch cmd.Type {
	case TxDeposit:
		// Priority operation: mints on L2, no nonce bump.
		owner.Balance += cmd.Amount
		owner.Touched = true
		if _, tagged := r.pendingTypes[owner.Address]; !tagged && owner.Nonce == 0 {
			r.pendingTypes[owner.Address] = types.AccountTypeDeposit
		}

	case TxTransferToNew:
		if owner.Balance < cmd.Amount {
			return false
		}
		recipient := NewWallet(r.rng)
		recipient.Address = cmd.To
		r.wallets[cmd.To] = recipient
		r.order = append(r.order, cmd.To)
		r.pool.Add(cmd.To)
		r.stats.AccountsCreated++

		owner.Balance -= cmd.Amount
		owner.Nonce++
		owner.Touched = true
		recipient.Balance += cmd.Amount
		recipient.Touched = true

	case TxTransferToExisting:
		recipient, ok := r.wallets[cmd.To]
		if !ok || owner.Balance < cmd.Amount {
			return false
		}
		owner.Balance -= cmd.Amount
		owner.Nonce++
		owner.Touched = true
		recipient.Balance += cmd.Amount
		recipient.Touched = true

	case TxWithdrawToSelf, TxWithdrawToOther:
		if owner.Balance < cmd.Amount {
			return false
		}
		owner.Balance -= cmd.Amount
		owner.Nonce++
		owner.Touched = true

	case TxFullExit:
		// Priority operation: drains the whole balance, no nonce bump.
		owner.Balance = 0
		owner.Touched = true

	case TxChangePubKey:
		owner.RotateKey(r.rng)
		owner.Nonce++
		owner.Touched = true
		// A share of key rotations goes through a CREATE2 factory.
		if r.rng.Float64() < 0.1 {
			r.pendingTypes[owner.Address] = types.AccountTypeCreate2
		}

	default:
		return false
	}

	return true
}

// flushAccountTypes records classification tags gathered while executing the
// last block's commands.
func (r *Runner) flushAccountTypes(ctx context.Context) error {
	for addr, tag := range r.pendingTypes {
		id, err := r.engine.AssignOrGet(ctx, addr)
		if err != nil {
			return fmt.Errorf("failed to resolve id for typed account %s: %w", addr, err)
		}
		if err := r.engine.SetAccountType(ctx, id, tag); err != nil {
			return err
		}
		delete(r.pendingTypes, addr)
	}
	return nil
}

// recordActionStack plays the proof pipeline for one aggregated range: the
// intermediate stages first, then the execute action that moves the verified
// watermark.
func (r *Runner) recordActionStack(ctx context.Context, rangeStart, rangeEnd uint64) error {
	kinds := []types.ActionKind{
		types.ActionCommit,
		types.ActionProve,
		types.ActionPublishProof,
		types.ActionExecute,
	}

	for _, kind := range kinds {
		if err := r.engine.RecordAction(ctx, kind, rangeStart, rangeEnd); err != nil {
			return fmt.Errorf("failed to record %s action for [%d, %d]: %w", kind, rangeStart, rangeEnd, err)
		}
		r.stats.ActionsRecorded++
	}

	return nil
}

// verify reads every wallet back through the engine with a worker group and
// compares the committed snapshot against the mirror.
func (r *Runner) verify(ctx context.Context) error {
	var verified, mismatches atomic.Uint64

	pool := pond.NewPool(r.cfg.VerifyWorkers)
	defer pool.StopAndWait()

	group := pool.NewGroupContext(ctx)
	groupCtx := group.Context()

	for _, addr := range r.order {
		w := r.wallets[addr]
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				return
			}

			view, err := r.engine.AccountStateByAddress(groupCtx, w.Address)
			if err != nil {
				r.logger.Error("read-back failed",
					zap.String("address", w.Address.String()),
					zap.Error(err))
				mismatches.Add(1)
				return
			}

			expectSnapshot := w.Balance != 0 || w.Nonce != 0 || w.PubKeyHash != ""
			if view.Committed == nil {
				if expectSnapshot {
					r.logger.Error("missing committed state",
						zap.String("address", w.Address.String()))
					mismatches.Add(1)
				}
				return
			}

			got := view.Committed.State
			if got.Balance != w.Balance || got.Nonce != w.Nonce || got.PubKeyHash != w.PubKeyHash {
				r.logger.Error("committed state mismatch",
					zap.String("address", w.Address.String()),
					zap.Uint64("want_balance", w.Balance),
					zap.Uint64("got_balance", got.Balance),
					zap.Uint64("want_nonce", w.Nonce),
					zap.Uint64("got_nonce", got.Nonce))
				mismatches.Add(1)
				return
			}

			verified.Add(1)
		})
	}

	if err := group.Wait(); err != nil {
		return fmt.Errorf("verification group failed: %w", err)
	}

	r.stats.AccountsVerified = verified.Load()
	r.stats.Mismatches = mismatches.Load()
	return nil
}
