package core

import "time"

// GenesisLookup resolves the bundled genesis block for a chain. Bundling
// genesis data itself is an external-collaborator concern (spec.md §1
// Non-goals); core only depends on this function shape.
type GenesisLookup func(chainKey PublicKey) (*Block, bool)

// Deps bundles every collaborator transaction and block validation,
// enactment, and digest maintenance need, so call sites don't thread a
// dozen separate pointers.
type Deps struct {
	Ledger  *Ledger
	Chains  *ChainIndex
	TxIndex *TxIndex
	Certs   *CertificateStore
	Invites *InviteStore
	Epoch   *EpochState
	Env     *Environment
	Now     func() time.Time

	Blocks      *BlockStore
	ChainSet    *ChainList
	Checkpoints *CheckpointSet
	Genesis     GenesisLookup
	Digest      *DigestEngine
}

// now returns d.Now() if set, else the real clock. Tests inject Now to pin
// "current time" without sleeping.
func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}
