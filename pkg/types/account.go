package types

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// AccountID is the dense numeric identity assigned to an address the first
// time it appears in a state diff. Once assigned it never changes.
type AccountID uint64

// AddressLength is the fixed byte width of rollup account addresses.
const AddressLength = 20

// Address is a fixed-width account identifier supplied by external callers.
type Address [AddressLength]byte

// ParseAddress decodes a hex string (with or without 0x prefix) into an Address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	s = strings.TrimPrefix(s, "0x")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != AddressLength {
		return addr, fmt.Errorf("invalid address length %d, want %d", len(raw), AddressLength)
	}
	copy(addr[:], raw)
	return addr, nil
}

// AddressFromPubKey derives an address from a public key the same way the
// rollup contract does: the low 20 bytes of the keccak256 digest.
func AddressFromPubKey(pubKey []byte) Address {
	h := sha3.NewLegacyKeccak256()
	h.Write(pubKey)
	digest := h.Sum(nil)

	var addr Address
	copy(addr[:], digest[len(digest)-AddressLength:])
	return addr
}

// String returns the 0x-prefixed hex form used for storage and logging.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// IsZero reports whether the address is all zero bytes.
func (a Address) IsZero() bool {
	return a == Address{}
}

// AccountType classifies how an account came to exist. It is auxiliary
// metadata, independent of balance state.
type AccountType string

const (
	// AccountTypeUnset is the implicit default; it is never stored.
	AccountTypeUnset AccountType = "unset"
	// AccountTypeDeposit marks accounts created by a priority deposit.
	AccountTypeDeposit AccountType = "deposit"
	// AccountTypeCreate2 marks accounts created via a CREATE2-style factory.
	AccountTypeCreate2 AccountType = "create2"
)

// AccountState is a complete snapshot of an account as of a single block.
// Ledger entries hold whole snapshots, not deltas: the latest entry at or
// before a watermark is read back directly.
type AccountState struct {
	Balance    uint64 `json:"balance"`
	Nonce      uint64 `json:"nonce"`
	PubKeyHash string `json:"pub_key_hash"`
}

// AccountSnapshot pairs an account's id with one of its ledger states.
type AccountSnapshot struct {
	ID    AccountID    `json:"id"`
	State AccountState `json:"state"`
}

// StateView is the answer to "what is the state of account X": the account's
// latest snapshot under each finality level. Verified present implies
// committed present; the converse does not hold.
type StateView struct {
	Committed *AccountSnapshot `json:"committed,omitempty"`
	Verified  *AccountSnapshot `json:"verified,omitempty"`
}

// AccountDiff is one account's new snapshot inside a block diff. Accounts are
// addressed externally; ids are resolved (or assigned) during application.
type AccountDiff struct {
	Address Address
	State   AccountState
}
