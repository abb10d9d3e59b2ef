package core

import (
	"sort"
	"sync"
)

// digestMasterKey and digestBlockCountKey are the reserved keys the chain
// digest DB carries alongside one entry per chain_key (spec.md §3/§6).
const (
	digestMasterKey     = "master"
	digestBlockCountKey = "blockcount"
)

// DigestEngine maintains the per-chain hash-chain digests and the global
// state digest `master` (spec.md §4.3), backed by the `chaindigest` store.
type DigestEngine struct {
	mu sync.Mutex
	db *DB
}

// NewDigestEngine opens the chain digest store rooted at dbPath.
func NewDigestEngine(dbPath string) (*DigestEngine, error) {
	db, err := OpenDB(dbPath + "/chaindigest")
	if err != nil {
		return nil, err
	}
	return &DigestEngine{db: db}, nil
}

func (de *DigestEngine) Close() error { return de.db.Close() }

// ChainDigest returns the current digest recorded for chain, if any.
func (de *DigestEngine) ChainDigest(chain PublicKey) (Hash, bool, error) {
	v, ok, err := de.db.Get([]byte(chain.String()))
	if err != nil || !ok {
		return Hash{}, false, err
	}
	var h Hash
	copy(h[:], v)
	return h, true, nil
}

// UpdateChainDigest folds blockHash into chain's running digest: spec.md
// §4.3's incremental update `D' = H(D ‖ block_hash)`, or `D' = H(block_hash)`
// if chain has no prior digest.
func (de *DigestEngine) UpdateChainDigest(chain PublicKey, blockHash Hash) (Hash, error) {
	de.mu.Lock()
	defer de.mu.Unlock()

	prev, ok, err := de.ChainDigest(chain)
	if err != nil {
		return Hash{}, err
	}
	var next Hash
	if ok {
		next = HashConcat(prev[:], blockHash[:])
	} else {
		next = HashBytes(blockHash[:])
	}
	if err := de.db.Put([]byte(chain.String()), next[:]); err != nil {
		return Hash{}, err
	}
	return next, nil
}

// IncBlockCount bumps the reserved global block count.
func (de *DigestEngine) IncBlockCount() error {
	de.mu.Lock()
	defer de.mu.Unlock()
	v, ok, err := de.db.Get([]byte(digestBlockCountKey))
	if err != nil {
		return err
	}
	var n uint64
	if ok {
		n = decodeU64(v)
	}
	return de.db.Put([]byte(digestBlockCountKey), encodeU64(n+1))
}

// BlockCount returns the reserved global block count.
func (de *DigestEngine) BlockCount() (uint64, error) {
	v, ok, err := de.db.Get([]byte(digestBlockCountKey))
	if err != nil || !ok {
		return 0, err
	}
	return decodeU64(v), nil
}

// Master returns the persisted state digest, if one has been computed.
func (de *DigestEngine) Master() (Hash, bool, error) {
	v, ok, err := de.db.Get([]byte(digestMasterKey))
	if err != nil || !ok {
		return Hash{}, false, err
	}
	var h Hash
	copy(h[:], v)
	return h, true, nil
}

// RecomputeMaster folds every non-reserved (chain_key, digest) pair into the
// global state digest and persists it under the reserved `master` key
// (spec.md §4.3). Chain digests are sorted by digest value, case-insensitive
// lexicographic — the Open Question decision recorded in DESIGN.md.
func (de *DigestEngine) RecomputeMaster() (Hash, error) {
	de.mu.Lock()
	defer de.mu.Unlock()

	var digests []Hash
	err := de.db.IteratePrefix(nil, func(key, value []byte) error {
		k := string(key)
		if k == digestMasterKey || k == digestBlockCountKey {
			return nil
		}
		var h Hash
		copy(h[:], value)
		digests = append(digests, h)
		return nil
	})
	if err != nil {
		return Hash{}, err
	}

	sort.Slice(digests, func(i, j int) bool {
		return digests[i].String() < digests[j].String()
	})

	var master Hash
	switch len(digests) {
	case 0:
		master = HashBytes(nil)
	case 1:
		master = HashBytes(digests[0][:])
	default:
		master = HashConcat(digests[0][:], digests[1][:])
		for _, d := range digests[2:] {
			master = HashConcat(d[:], master[:])
		}
	}

	if err := de.db.Put([]byte(digestMasterKey), master[:]); err != nil {
		return Hash{}, err
	}
	return master, nil
}
