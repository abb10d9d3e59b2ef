package core

import "crypto/ed25519"

// Bundling the genesis-block map itself (reading it from a packaged file) is
// an external-collaborator concern (spec.md §1 Non-goals). MemoryGenesisLookup
// is the in-process collaborator: a fixed table of known genesis blocks,
// consulted by CheckBlock for height-0 candidates (spec.md §4.2 point 5).
type MemoryGenesisLookup struct {
	known map[PublicKey]*Block
}

// NewMemoryGenesisLookup builds a lookup from a fixed set of known genesis
// blocks, keyed by the chain they belong to.
func NewMemoryGenesisLookup(blocks ...*Block) *MemoryGenesisLookup {
	m := &MemoryGenesisLookup{known: make(map[PublicKey]*Block, len(blocks))}
	for _, b := range blocks {
		m.known[b.Header.ChainKey] = b
	}
	return m
}

// Lookup satisfies the GenesisLookup function shape.
func (m *MemoryGenesisLookup) Lookup(chainKey PublicKey) (*Block, bool) {
	if m == nil {
		return nil, false
	}
	b, ok := m.known[chainKey]
	return b, ok
}

// NewGenesisBlock constructs and signs a fresh genesis block for chainKey: a
// Send block at height 0 whose prev_hash is the reserved sentinel and whose
// single transaction set is whatever the caller supplies (commonly empty, or
// a single `c` claim opening the chain's initial balance).
func NewGenesisBlock(chainKey PublicKey, network []byte, timestamp int64, txns []*Transaction, priv ed25519.PrivateKey) *Block {
	b := &Block{
		Header: Header{
			VersionMajor: 1,
			ChainKey:     chainKey,
			PrevHash:     ZeroPrevHash,
			Height:       0,
			Timestamp:    timestamp,
			Network:      network,
		},
		BlockType: BlockTypeSend,
		Txns:      txns,
	}
	b.Sign(priv)
	return b
}
