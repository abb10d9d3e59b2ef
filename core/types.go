// Package core implements the per-account chain ledger, block and
// transaction engines, and the chain/state digest computation that keep a
// node's replica of the account DAG internally consistent. Everything here
// is a single flat package — deliberately, to avoid the import cycles that
// would otherwise appear between accounts, blocks, transactions and digests
// (they all reference each other).
package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// PublicKey identifies both an account and the chain it owns. It is the
// "chain_key" of spec.md §3.
type PublicKey [ed25519.PublicKeySize]byte

// String renders the key in its base58-ish wire form.
func (k PublicKey) String() string {
	return base58.Encode(k[:])
}

// Bytes returns the raw key bytes.
func (k PublicKey) Bytes() []byte { return k[:] }

// IsZero reports whether k is the zero value (no key set).
func (k PublicKey) IsZero() bool { return k == PublicKey{} }

// ParsePublicKey decodes a base58 chain key. It rejects any input that does
// not decode to exactly ed25519.PublicKeySize bytes.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := base58.Decode(s)
	if err != nil {
		return pk, fmt.Errorf("%w: %s", ErrBadPublicKey, err)
	}
	if len(b) != ed25519.PublicKeySize {
		return pk, fmt.Errorf("%w: want %d bytes, got %d", ErrBadPublicKey, ed25519.PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// Hash is a SHA-256 digest, used for block hashes, transaction hashes and
// chain/state digests alike.
type Hash [sha256.Size]byte

// String renders the hash as lowercase hex.
func (h Hash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool { return h == Hash{} }

// Bytes returns the raw hash bytes.
func (h Hash) Bytes() []byte { return h[:] }

// HashBytes computes the SHA-256 digest of b.
func HashBytes(b []byte) Hash {
	return sha256.Sum256(b)
}

// HashConcat hashes the concatenation of all given byte slices without an
// intermediate allocation per slice.
func HashConcat(parts ...[]byte) Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// ZeroPrevHash is the sentinel previous-hash value carried by every genesis
// header (spec.md §3).
const ZeroPrevHash = "00000000000"

// AtomicUnitsPerCoin is 10^k, the number of atomic units in one whole coin
// (spec.md §3), with k = 9. Kept as a package constant rather than config since
// changing it would be a hard fork of the wire format.
const AtomicUnitsPerCoin = 1_000_000_000

// ToAtomic converts a decimal coin amount to its atomic unit representation.
func ToAtomic(coins float64) uint64 {
	return uint64(coins * float64(AtomicUnitsPerCoin))
}

// ToDecimal converts an atomic unit amount back to whole coins.
func ToDecimal(atomic uint64) float64 {
	return float64(atomic) / float64(AtomicUnitsPerCoin)
}

// IsAlphanumeric reports whether s consists solely of ASCII letters and
// digits (used to validate transaction `extra` fields, spec.md §4.1 point 6).
func IsAlphanumeric(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		default:
			return false
		}
	}
	return true
}
