package loadgen

import (
	"encoding/hex"
	"math/rand"

	"golang.org/x/crypto/sha3"

	"github.com/orbit-rollup/orbitx/pkg/types"
)

// Wallet is the generator's in-memory mirror of one rollup account. The
// runner mutates wallets as it executes commands and later cross-checks the
// engine's answers against them.
type Wallet struct {
	PubKey  []byte
	Address types.Address

	Balance uint64
	Nonce   uint64

	// PubKeyHash is empty until the wallet's first ChangePubKey.
	PubKeyHash string

	// Touched marks wallets whose state changed inside the block being built.
	Touched bool
}

// NewWallet derives a fresh wallet from a random public key.
func NewWallet(rng *rand.Rand) *Wallet {
	pubKey := make([]byte, 32)
	rng.Read(pubKey)

	return &Wallet{
		PubKey:  pubKey,
		Address: types.AddressFromPubKey(pubKey),
	}
}

// RotateKey installs a new pubkey hash, as a ChangePubKey operation would.
func (w *Wallet) RotateKey(rng *rand.Rand) {
	fresh := make([]byte, 32)
	rng.Read(fresh)

	h := sha3.NewLegacyKeccak256()
	h.Write(fresh)
	w.PubKeyHash = "sync:" + hex.EncodeToString(h.Sum(nil)[:20])
}

// State returns the wallet's current ledger snapshot.
func (w *Wallet) State() types.AccountState {
	return types.AccountState{
		Balance:    w.Balance,
		Nonce:      w.Nonce,
		PubKeyHash: w.PubKeyHash,
	}
}

// RandomAddress returns an address nobody holds a key for.
func RandomAddress(rng *rand.Rand) types.Address {
	var addr types.Address
	rng.Read(addr[:])
	return addr
}

// AddressPool is the set of addresses known to the generator; commands pick
// their recipients from it.
type AddressPool struct {
	addresses []types.Address
}

// NewAddressPool builds a pool from the initial wallet set.
func NewAddressPool(addresses []types.Address) *AddressPool {
	return &AddressPool{addresses: addresses}
}

// Random returns a uniformly random pooled address.
func (p *AddressPool) Random(rng *rand.Rand) types.Address {
	return p.addresses[rng.Intn(len(p.addresses))]
}

// Add appends a newly created address.
func (p *AddressPool) Add(address types.Address) {
	p.addresses = append(p.addresses, address)
}

// Len returns the pool size.
func (p *AddressPool) Len() int {
	return len(p.addresses)
}
