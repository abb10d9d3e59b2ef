package core

import (
	"encoding/binary"
	"strconv"
)

// ChainIndex is the per-chain persistent map of spec.md §3/§6: height→hash,
// topblockhash, blockcount, txncount, sigcount, all keyed under the owning
// chain's public key.
type ChainIndex struct {
	db *DB
}

// NewChainIndex opens the chain-index store rooted at dbPath.
func NewChainIndex(dbPath string) (*ChainIndex, error) {
	db, err := OpenDB(dbPath + "/chains")
	if err != nil {
		return nil, err
	}
	return &ChainIndex{db: db}, nil
}

func (ci *ChainIndex) Close() error { return ci.db.Close() }

func heightKey(chain PublicKey, height uint64) []byte {
	return []byte(chain.String() + "-height-" + strconv.FormatUint(height, 10))
}
func topHashKey(chain PublicKey) []byte    { return []byte(chain.String() + "-topblockhash") }
func blockCountKey(chain PublicKey) []byte { return []byte(chain.String() + "-blockcount") }
func txnCountKey(chain PublicKey) []byte   { return []byte(chain.String() + "-txncount") }
func sigCountKey(chain PublicKey) []byte   { return []byte(chain.String() + "-sigcount") }

func encodeU64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
func decodeU64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// HashAtHeight returns the block hash recorded at height on chain, if any.
func (ci *ChainIndex) HashAtHeight(chain PublicKey, height uint64) (HashHex, bool, error) {
	v, ok, err := ci.db.Get(heightKey(chain, height))
	if err != nil || !ok {
		return "", false, err
	}
	return HashHex(v), true, nil
}

// SetHashAtHeight records hash as the block at height on chain.
func (ci *ChainIndex) SetHashAtHeight(chain PublicKey, height uint64, hash HashHex) error {
	return ci.db.Put(heightKey(chain, height), []byte(hash))
}

// TopBlockHash returns the chain's current tip hash.
func (ci *ChainIndex) TopBlockHash(chain PublicKey) (HashHex, bool, error) {
	v, ok, err := ci.db.Get(topHashKey(chain))
	if err != nil || !ok {
		return "", false, err
	}
	return HashHex(v), true, nil
}

func (ci *ChainIndex) setTopBlockHash(chain PublicKey, hash HashHex) error {
	return ci.db.Put(topHashKey(chain), []byte(hash))
}

// BlockCount returns the number of blocks recorded for chain.
func (ci *ChainIndex) BlockCount(chain PublicKey) (uint64, error) {
	v, ok, err := ci.db.Get(blockCountKey(chain))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return decodeU64(v), nil
}

func (ci *ChainIndex) incBlockCount(chain PublicKey) error {
	n, err := ci.BlockCount(chain)
	if err != nil {
		return err
	}
	return ci.db.Put(blockCountKey(chain), encodeU64(n+1))
}

// TxnCount returns the sender's current transaction count, used as the
// expected nonce for its next transaction (spec.md §4.1 point 3).
func (ci *ChainIndex) TxnCount(chain PublicKey) (uint64, error) {
	v, ok, err := ci.db.Get(txnCountKey(chain))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return decodeU64(v), nil
}

func (ci *ChainIndex) incTxnCount(chain PublicKey, by uint64) error {
	n, err := ci.TxnCount(chain)
	if err != nil {
		return err
	}
	return ci.db.Put(txnCountKey(chain), encodeU64(n+by))
}

// SigCount returns the number of committee signatures recorded for chain.
func (ci *ChainIndex) SigCount(chain PublicKey) (uint64, error) {
	v, ok, err := ci.db.Get(sigCountKey(chain))
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return decodeU64(v), nil
}

func (ci *ChainIndex) addSigCount(chain PublicKey, by uint64) error {
	n, err := ci.SigCount(chain)
	if err != nil {
		return err
	}
	return ci.db.Put(sigCountKey(chain), encodeU64(n+by))
}

// ChainList is the set of every chain key that owns a genesis block
// (spec.md §3/§6).
type ChainList struct {
	db *DB
}

// NewChainList opens the chain-list store rooted at dbPath.
func NewChainList(dbPath string) (*ChainList, error) {
	db, err := OpenDB(dbPath + "/chainlist")
	if err != nil {
		return nil, err
	}
	return &ChainList{db: db}, nil
}

func (cl *ChainList) Close() error { return cl.db.Close() }

// Add records chain as having a genesis block.
func (cl *ChainList) Add(chain PublicKey) error {
	return cl.db.Put([]byte(chain.String()), []byte{1})
}

// Contains reports whether chain has a genesis block.
func (cl *ChainList) Contains(chain PublicKey) (bool, error) {
	return cl.db.Has([]byte(chain.String()))
}

// All returns every chain key in the list.
func (cl *ChainList) All() ([]PublicKey, error) {
	var out []PublicKey
	err := cl.db.IteratePrefix(nil, func(key, _ []byte) error {
		pk, err := ParsePublicKey(string(key))
		if err != nil {
			return nil
		}
		out = append(out, pk)
		return nil
	})
	return out, err
}

// TxIndex maps a transaction hash to the hash of the block that contains it,
// for cross-chain lookups (spec.md §3/§6).
type TxIndex struct {
	db *DB
}

// NewTxIndex opens the transaction index rooted at dbPath.
func NewTxIndex(dbPath string) (*TxIndex, error) {
	db, err := OpenDB(dbPath + "/transactions")
	if err != nil {
		return nil, err
	}
	return &TxIndex{db: db}, nil
}

func (ti *TxIndex) Close() error { return ti.db.Close() }

// Record associates txHash with the block that contains it.
func (ti *TxIndex) Record(txHash, blockHash HashHex) error {
	return ti.db.Put([]byte(txHash), []byte(blockHash))
}

// Lookup returns the block hash that contains txHash, if indexed.
func (ti *TxIndex) Lookup(txHash HashHex) (HashHex, bool, error) {
	v, ok, err := ti.db.Get([]byte(txHash))
	if err != nil || !ok {
		return "", false, err
	}
	return HashHex(v), true, nil
}

// Exists reports whether txHash has already been recorded — used by
// transaction validation's "no block already references this tx_hash" rule
// (spec.md §4.1 point 4).
func (ti *TxIndex) Exists(txHash HashHex) (bool, error) {
	return ti.db.Has([]byte(txHash))
}
