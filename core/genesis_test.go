package core

import (
	"crypto/ed25519"
	"testing"
)

func TestNewGenesisBlockIsSelfConsistent(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var chainKey PublicKey
	copy(chainKey[:], pub)

	g := NewGenesisBlock(chainKey, []byte("testnet"), 1000, nil, priv)

	if !g.Header.IsGenesis() {
		t.Fatalf("genesis block header should report IsGenesis")
	}
	if g.Header.PrevHash != ZeroPrevHash {
		t.Fatalf("prev_hash = %q, want zero sentinel", g.Header.PrevHash)
	}
	if !g.SignatureValid() {
		t.Fatalf("genesis block signature should verify")
	}
}

func TestMemoryGenesisLookup(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var chainKey, otherChain PublicKey
	copy(chainKey[:], pub)
	otherChain[0] = 0xff

	g := NewGenesisBlock(chainKey, []byte("testnet"), 1000, nil, priv)
	lookup := NewMemoryGenesisLookup(g)

	found, ok := lookup.Lookup(chainKey)
	if !ok || found != g {
		t.Fatalf("Lookup(chainKey) = %v, %v; want g, true", found, ok)
	}

	if _, ok := lookup.Lookup(otherChain); ok {
		t.Fatalf("Lookup should miss for an unknown chain key")
	}
}

func TestMemoryGenesisLookupNilSafe(t *testing.T) {
	var lookup *MemoryGenesisLookup
	var chainKey PublicKey
	if _, ok := lookup.Lookup(chainKey); ok {
		t.Fatalf("nil lookup should always report not-found")
	}
}
