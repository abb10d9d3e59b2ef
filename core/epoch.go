package core

import (
	"crypto/ed25519"
	"encoding/binary"
	"sync"
)

// Epoch is the batch of blocks over which consensus salt, the committee and
// aggregate counters are defined (spec.md glossary). The committee/epoch
// flow is sketched, not enforced, on the main validation path (spec.md §1
// Non-goals) — Epoch exists so the `a`/`y`/`z` consensus transaction types
// have somewhere to land, not to provide BFT finality.
type Epoch struct {
	Number             uint64
	Salt               uint64 // salt_mod = (Σ VRF-hash-to-int(seed)) mod 2^64
	Committee          []PublicKey
	RoundLeader        PublicKey
	TotalCoinsMovement uint64
	BurntCoins         uint64
	LockedCoins        uint64
	NewCoins           uint64
	Hash               Hash
}

func (e *Epoch) rehash() {
	buf := make([]byte, 0, 16+len(e.Committee)*ed25519.PublicKeySize)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], e.Number)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], e.Salt)
	buf = append(buf, tmp[:]...)
	for _, m := range e.Committee {
		buf = append(buf, m[:]...)
	}
	e.Hash = HashBytes(buf)
}

// EpochState tracks the promoted ("top") epoch and, while an `a` aggregate
// salt transaction has landed but no `y` committee-list transaction has
// promoted it yet, the pending replacement (spec.md §4.1's `a` enactment
// note: "do NOT promote it to top until y is received").
type EpochState struct {
	mu      sync.Mutex
	top     *Epoch
	pending *Epoch
}

// NewEpochState seeds state with the genesis epoch (number 0, empty
// committee, the configured node acting as its own round leader until a
// committee forms).
func NewEpochState(roundLeader PublicKey) *EpochState {
	e := &Epoch{Number: 0, RoundLeader: roundLeader}
	e.rehash()
	return &EpochState{top: e}
}

// Current returns the active (top) epoch.
func (es *EpochState) Current() Epoch {
	es.mu.Lock()
	defer es.mu.Unlock()
	return *es.top
}

// RoundLeader returns the current epoch's authorised committee round
// leader, which must match a consensus transaction's sender_key
// (spec.md §4.1 point 8 a/y/z).
func (es *EpochState) RoundLeader() PublicKey {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.top.RoundLeader
}

// ApplyAggregateSalt materializes a new pending epoch seeded by saltMod
// (spec.md §4.1's `a` enactment), without promoting it.
func (es *EpochState) ApplyAggregateSalt(saltMod uint64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	next := &Epoch{
		Number:      es.top.Number + 1,
		Salt:        saltMod,
		Committee:   es.top.Committee,
		RoundLeader: es.top.RoundLeader,
	}
	next.rehash()
	es.pending = next
}

// PromoteCommittee installs members as the pending epoch's committee and
// round leader (the first member), then promotes it to top — the `y`
// consensus transaction's effect.
func (es *EpochState) PromoteCommittee(members []PublicKey) {
	es.mu.Lock()
	defer es.mu.Unlock()
	next := es.pending
	if next == nil {
		next = &Epoch{Number: es.top.Number + 1, Salt: es.top.Salt}
	}
	next.Committee = members
	if len(members) > 0 {
		next.RoundLeader = members[0]
	}
	next.rehash()
	es.top = next
	es.pending = nil
}

// AddCounters folds a transaction's economic effect into the current
// epoch's aggregate counters (spec.md §4.1: "Each enactment also updates
// epoch-scoped counters").
func (es *EpochState) AddCounters(movement, burnt, locked, newCoins uint64) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.top.TotalCoinsMovement += movement
	es.top.BurntCoins += burnt
	es.top.LockedCoins += locked
	es.top.NewCoins += newCoins
	es.top.rehash()
}

// VRFSeed is an (opaque) VRF proof for a committee member at a given epoch.
// No VRF library exists anywhere in the retrieval pack; this is grounded on
// the teacher's own Ed25519 usage (core/wallet.go) rather than a bespoke
// cryptographic primitive: the seed is an Ed25519 signature by the member's
// key over the epoch number, which is verifiable exactly like any other
// signature and unpredictable without the member's private key.
type VRFSeed struct {
	Member PublicKey
	Proof  []byte
}

// VerifyVRF reports whether seed.Proof is a valid Ed25519 signature by
// seed.Member over the given epoch number (spec.md §4.1 point 8a: "every
// VRF verifies against the current epoch number").
func VerifyVRF(seed VRFSeed, epochNumber uint64) bool {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epochNumber)
	return ed25519.Verify(seed.Member[:], buf[:], seed.Proof)
}

// vrfHashToInt folds a VRF proof into a uint64 for salt aggregation
// (spec.md §4.1's `salt_mod = (Σ VRF-hash-to-int(seed)) mod 2^64`).
func vrfHashToInt(seed VRFSeed) uint64 {
	h := HashBytes(seed.Proof)
	return binary.BigEndian.Uint64(h[:8])
}

// AggregateSalt sums vrfHashToInt over every seed, mod 2^64 (the uint64
// overflow wraparound is the mod-2^64 reduction).
func AggregateSalt(seeds []VRFSeed) uint64 {
	var sum uint64
	for _, s := range seeds {
		sum += vrfHashToInt(s)
	}
	return sum
}
