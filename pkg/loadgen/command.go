// Package loadgen synthesizes randomized rollup traffic against the state
// engine: weighted transaction commands, a deliberate share of incorrect
// inputs, and an in-memory wallet mirror used to cross-check what the engine
// reports back.
package loadgen

import (
	"math/rand"

	"github.com/orbit-rollup/orbitx/pkg/types"
)

// TxType is the kind of synthesized transaction. It does not copy the rollup
// operation list one-to-one: some operations are split into subcategories
// (to new account / to existing account, to self / to other) because they
// stress different engine paths.
type TxType int

const (
	TxDeposit TxType = iota
	TxTransferToNew
	TxTransferToExisting
	TxWithdrawToSelf
	TxWithdrawToOther
	TxFullExit
	TxChangePubKey
)

// Likelihoods of the transfer subcategories. Transfers are made more likely
// than the other kinds by inserting extra copies into the choice set.
const (
	transferToNewLikelihood      = 0.3
	transferToExistingLikelihood = 0.4
)

var allTxTypes = []TxType{
	TxDeposit,
	TxTransferToNew,
	TxTransferToExisting,
	TxWithdrawToSelf,
	TxWithdrawToOther,
	TxFullExit,
	TxChangePubKey,
}

func (t TxType) String() string {
	switch t {
	case TxDeposit:
		return "deposit"
	case TxTransferToNew:
		return "transfer_to_new"
	case TxTransferToExisting:
		return "transfer_to_existing"
	case TxWithdrawToSelf:
		return "withdraw_to_self"
	case TxWithdrawToOther:
		return "withdraw_to_other"
	case TxFullExit:
		return "full_exit"
	case TxChangePubKey:
		return "change_pubkey"
	default:
		return "unknown"
	}
}

// RandomTxType picks a weighted random transaction type. Transfers get extra
// copies in the choice set so they dominate the mix, the way real rollup
// traffic does.
func RandomTxType(rng *rand.Rand) TxType {
	options := make([]TxType, len(allTxTypes), 2*len(allTxTypes))
	copy(options, allTxTypes)

	// The copy counts are computed against the base set; the truncation is
	// compensated by the copy already present in the base set.
	toNewCopies := int(float64(len(allTxTypes)) * transferToNewLikelihood)
	toExistingCopies := int(float64(len(allTxTypes)) * transferToExistingLikelihood)

	for i := 0; i < toNewCopies; i++ {
		options = append(options, TxTransferToNew)
	}
	for i := 0; i < toExistingCopies; i++ {
		options = append(options, TxTransferToExisting)
	}

	return options[rng.Intn(len(options))]
}

// RandomBatchableTxType picks a random type that may be part of a batch.
// Priority operations and pubkey changes cannot be batched.
func RandomBatchableTxType(rng *rand.Rand) TxType {
	for {
		t := RandomTxType(rng)
		if t != TxDeposit && t != TxFullExit && t != TxChangePubKey {
			return t
		}
	}
}

// IncorrectnessModifier corrupts a command on purpose. Incorrect inputs are a
// significant share of the load because the surrounding stack must stay
// resilient to every kind of user input.
type IncorrectnessModifier int

const (
	// ModifierNone goes first so the zero value means "valid command".
	ModifierNone IncorrectnessModifier = iota
	ModifierZeroFee
	ModifierIncorrectSignature
	ModifierIncorrectOwnerSignature
	ModifierTooBigAmount
	ModifierNotPackableAmount
	ModifierNotPackableFee
)

// noModifierProbability is the share of commands left valid.
const noModifierProbability = 0.9

var allModifiers = []IncorrectnessModifier{
	ModifierZeroFee,
	ModifierIncorrectSignature,
	ModifierIncorrectOwnerSignature,
	ModifierTooBigAmount,
	ModifierNotPackableAmount,
	ModifierNotPackableFee,
}

// RandomModifier returns ModifierNone 90% of the time and a uniformly random
// corruption otherwise.
func RandomModifier(rng *rand.Rand) IncorrectnessModifier {
	if rng.Float64() <= noModifierProbability {
		return ModifierNone
	}
	return allModifiers[rng.Intn(len(allModifiers))]
}

// ExpectedOutcome is what the generator expects the stack to do with a
// command, given its modifier.
type ExpectedOutcome int

const (
	// OutcomeSucceed: the command executes and lands in a block diff.
	OutcomeSucceed ExpectedOutcome = iota
	// OutcomeSubmitFailed: the command is rejected before execution.
	OutcomeSubmitFailed
	// OutcomeRejected: the command is accepted but rejected at execution time.
	OutcomeRejected
)

// ExpectedOutcome maps a modifier to the behavior the stack should exhibit.
func (m IncorrectnessModifier) ExpectedOutcome() ExpectedOutcome {
	switch m {
	case ModifierNone:
		return OutcomeSucceed
	case ModifierTooBigAmount:
		return OutcomeRejected
	default:
		return OutcomeSubmitFailed
	}
}

// TxCommand is a complete description of one synthesized transaction.
type TxCommand struct {
	// Type of operation.
	Type TxType
	// Whether and how the command should be corrupted.
	Modifier IncorrectnessModifier
	// Recipient address.
	To types.Address
	// Transaction amount (0 if not applicable).
	Amount uint64
}

// maxAmount bounds random amounts (2^18, matching typical packable amounts).
const maxAmount = 1 << 18

// ChangePubKeyCommand builds the valid pubkey rotation every fresh account
// needs before it can transact.
func ChangePubKeyCommand(address types.Address) TxCommand {
	return TxCommand{
		Type:     TxChangePubKey,
		Modifier: ModifierNone,
		To:       address,
	}
}

// RandomCommand generates a fully random command on behalf of ownAddress.
func RandomCommand(rng *rand.Rand, ownAddress types.Address, pool *AddressPool) TxCommand {
	return newCommandWithType(rng, ownAddress, pool, RandomTxType(rng))
}

// RandomBatchableCommand generates a random command that may join a batch.
func RandomBatchableCommand(rng *rand.Rand, ownAddress types.Address, pool *AddressPool) TxCommand {
	return newCommandWithType(rng, ownAddress, pool, RandomBatchableTxType(rng))
}

func newCommandWithType(rng *rand.Rand, ownAddress types.Address, pool *AddressPool, txType TxType) TxCommand {
	cmd := TxCommand{
		Type:     txType,
		Modifier: RandomModifier(rng),
		To:       pool.Random(rng),
		Amount:   uint64(rng.Int63n(maxAmount)),
	}

	// Transfers to a new account target an address nobody holds yet.
	if cmd.Type == TxTransferToNew {
		cmd.To = RandomAddress(rng)
	}

	// Self-targeting operations ignore the pool.
	if cmd.Type == TxWithdrawToSelf || cmd.Type == TxFullExit {
		cmd.To = ownAddress
	}

	// Pubkey changes carry no owner signature to corrupt.
	cpkIncorrectSignature := cmd.Type == TxChangePubKey &&
		cmd.Modifier == ModifierIncorrectOwnerSignature
	// Commands without an amount field cannot have amount corruptions.
	noAmountField := cmd.Type == TxChangePubKey &&
		(cmd.Modifier == ModifierTooBigAmount || cmd.Modifier == ModifierNotPackableAmount)
	// Contract-initiated operations cannot fail on rollup-side validation.
	incorrectPriorityOp := cmd.Type == TxDeposit || cmd.Type == TxFullExit
	// Withdrawal amounts are not packed, so unpackable amounts are fine there.
	unpackableWithdrawal := (cmd.Type == TxWithdrawToSelf || cmd.Type == TxWithdrawToOther) &&
		cmd.Modifier == ModifierNotPackableAmount

	// Drop modifiers that make no sense for the chosen type.
	if cpkIncorrectSignature || noAmountField || incorrectPriorityOp || unpackableWithdrawal {
		cmd.Modifier = ModifierNone
	}

	return cmd
}
