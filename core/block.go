package core

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
)

// BlockType tags a block as either originating value (Send) or crediting a
// recipient's own chain (Receive) — spec.md §3/§9 "tagged variant, no
// inheritance needed".
type BlockType string

const (
	BlockTypeSend    BlockType = "send"
	BlockTypeReceive BlockType = "receive"
)

// Block is the spec.md §3 block record.
type Block struct {
	Header         Header    `json:"header"`
	BlockType      BlockType `json:"block_type"`
	SendBlock      HashHex   `json:"send_block,omitempty"`
	Txns           []*Transaction `json:"txns"`
	Hash           HashHex   `json:"hash"`
	Signature      []byte    `json:"signature,omitempty"`
	Confirmed      bool      `json:"confirmed"`
	NodeSignatures [][]byte  `json:"node_signatures,omitempty"`
}

// bytes returns the canonical preimage for Hash: `header.bytes ‖
// concat(tx.hash)` (spec.md §3).
func (b *Block) bytes() []byte {
	buf := b.Header.Bytes()
	for _, tx := range b.Txns {
		h := mustParseHash(tx.Hash)
		buf = append(buf, h[:]...)
	}
	return buf
}

// ComputeHash returns the hash of b's canonical fields.
func (b *Block) ComputeHash() Hash {
	return HashBytes(b.bytes())
}

// Sign sets b.Hash and b.Signature, signing with priv (which must belong to
// header.chain_key). Callers must not sign Receive blocks: their signature
// field is never checked (spec.md §3, Open Question decision in DESIGN.md).
func (b *Block) Sign(priv ed25519.PrivateKey) {
	h := b.ComputeHash()
	b.Hash = EncodeHash(h)
	b.Signature = ed25519.Sign(priv, h[:])
}

// SignatureValid verifies b.Signature under header.chain_key. Receive blocks
// always report valid without checking anything, matching the source
// behavior the Open Question decision in DESIGN.md preserves intentionally.
func (b *Block) SignatureValid() bool {
	if b.BlockType == BlockTypeReceive {
		return true
	}
	h, err := b.Hash.Parse()
	if err != nil {
		return false
	}
	return ed25519.Verify(b.Header.ChainKey[:], h[:], b.Signature)
}

// FormReceiveBlock derives the mirror block that actually credits recipient
// on its own chain (spec.md §4.2 `form_receive_block`). send must already be
// hashed (its Hash field populated).
func FormReceiveBlock(d *Deps, send *Block, recipient PublicKey) (*Block, error) {
	var txns []*Transaction
	for _, tx := range send.Txns {
		if tx.Flag.IsConsensus() {
			continue
		}
		rk, err := tx.receiveKeyPK()
		if err != nil {
			continue
		}
		if rk == recipient {
			txns = append(txns, tx)
		}
	}

	recv := &Block{
		BlockType: BlockTypeReceive,
		SendBlock: send.Hash,
		Txns:      txns,
	}
	recv.Header = Header{
		VersionMajor: send.Header.VersionMajor,
		ChainKey:     recipient,
		Network:      send.Header.Network,
		Timestamp:    send.Header.Timestamp,
	}

	if recipient == send.Header.ChainKey {
		recv.Header.Height = send.Header.Height + 1
		recv.Header.PrevHash = send.Hash
	} else {
		count, err := d.Chains.BlockCount(recipient)
		if err != nil {
			return nil, err
		}
		top, ok, err := d.Chains.TopBlockHash(recipient)
		if err != nil {
			return nil, err
		}
		if !ok {
			top = ZeroPrevHash
		}
		recv.Header.Height = count
		recv.Header.PrevHash = top
	}

	h := recv.ComputeHash()
	recv.Hash = EncodeHash(h)
	return recv, nil
}

// blocksEqual reports whether two stored blocks are the same candidate, used
// by CheckBlock's short-circuit (spec.md §4.2 point 1).
func blocksEqual(a, b *Block) bool {
	return reflect.DeepEqual(a, b)
}

// CheckBlock validates block against every rule of spec.md §4.2
// `check_block`, in order, returning the first violated invariant.
func CheckBlock(d *Deps, block *Block) error {
	if existing, ok, err := d.Blocks.Load(block.Hash); err != nil {
		return err
	} else if ok && blocksEqual(existing, block) {
		return nil
	}

	if string(block.Header.Network) != string(d.Env.NetworkID) {
		return blockErr(ErrNetworkMismatch, "")
	}

	if block.ComputeHash() != mustParseHash(block.Hash) {
		return blockErr(ErrInvalidBlockHash, string(block.Hash))
	}

	if d.Checkpoints != nil {
		if ok, err := d.Checkpoints.Contains(block.Hash); err != nil {
			return err
		} else if ok {
			return nil
		}
	}

	if block.Header.IsGenesis() {
		if d.Genesis != nil {
			if known, ok := d.Genesis(block.Header.ChainKey); ok {
				if !blocksEqual(known, block) {
					return blockErr(ErrGenesisMismatch, string(block.Hash))
				}
				return nil
			}
		}
		if !block.Header.PrevHash.IsGenesisSentinel() {
			return blockErr(ErrInvalidPrevHash, string(block.Header.PrevHash))
		}
		if has, err := d.Ledger.HasAccount(block.Header.ChainKey); err != nil {
			return err
		} else if has {
			return blockErr(ErrGenesisMismatch, "account already exists")
		}
		if !block.SignatureValid() {
			return blockErr(ErrBlockBadSignature, string(block.Hash))
		}
		if exists, err := d.Blocks.Exists(block.Hash); err != nil {
			return err
		} else if exists {
			return blockErr(ErrBlockExists, string(block.Hash))
		}
		if block.Header.Timestamp > d.now().UnixMilli() {
			return blockErr(ErrTimestampInvalid, "genesis in the future")
		}
		return nil
	}

	if block.Confirmed {
		threshold := d.Env.CommitteeThreshold()
		committee := d.Epoch.Current().Committee
		valid := verifyCommitteeSignatures(committee, mustParseHash(block.Hash), block.NodeSignatures)
		if valid < threshold {
			return blockErr(ErrTooFewSignatures, fmt.Sprintf("%d < %d", valid, threshold))
		}
	}

	prevHash, ok, err := d.Chains.HashAtHeight(block.Header.ChainKey, block.Header.Height-1)
	if err != nil {
		return err
	}
	if !ok || prevHash != block.Header.PrevHash {
		return blockErr(ErrInvalidPrevHash, string(block.Header.PrevHash))
	}

	if _, err := d.Ledger.GetAccount(block.Header.ChainKey); err != nil {
		return err
	}

	if !block.SignatureValid() {
		return blockErr(ErrBlockBadSignature, string(block.Hash))
	}

	prevBlock, ok, err := d.Blocks.Load(prevHash)
	if err != nil {
		return err
	}
	now := d.now().UnixMilli()
	offset := d.Env.TransactionTimestampMaxMS
	if block.Header.Timestamp > now+offset {
		return blockErr(ErrTimestampInvalid, "in the future")
	}
	if ok && block.Header.Timestamp < prevBlock.Header.Timestamp {
		return blockErr(ErrTimestampInvalid, "precedes previous block")
	}

	skipNonce := block.BlockType == BlockTypeReceive
	for _, tx := range block.Txns {
		if err := tx.Valid(d, skipNonce); err != nil {
			return blockErr(ErrInvalidTransaction, err.Error())
		}
	}

	return nil
}

// verifyCommitteeSignatures counts how many of sigs verify against a
// distinct committee member over hash (spec.md §4.2 point 6).
func verifyCommitteeSignatures(committee []PublicKey, hash Hash, sigs [][]byte) int {
	used := make([]bool, len(committee))
	valid := 0
	for _, sig := range sigs {
		for i, member := range committee {
			if used[i] {
				continue
			}
			if ed25519.Verify(member[:], hash[:], sig) {
				used[i] = true
				valid++
				break
			}
		}
	}
	return valid
}

// enactCommon performs the chain-index bookkeeping shared by EnactSend and
// EnactBlock (spec.md §4.2): idempotent height recording, tip update, block
// count, chain digest update, and (at height 0) chain-list/account creation.
// It reports whether the block was already enacted.
func enactCommon(d *Deps, block *Block) (alreadyDone bool, err error) {
	chain := block.Header.ChainKey
	height := block.Header.Height

	if existing, ok, err := d.Chains.HashAtHeight(chain, height); err != nil {
		return false, err
	} else if ok && existing == block.Hash {
		return true, nil
	}

	if err := d.Chains.SetHashAtHeight(chain, height, block.Hash); err != nil {
		return false, err
	}
	if err := d.Chains.setTopBlockHash(chain, block.Hash); err != nil {
		return false, err
	}
	if err := d.Chains.incBlockCount(chain); err != nil {
		return false, err
	}

	blockHash := mustParseHash(block.Hash)
	if _, err := d.Digest.UpdateChainDigest(chain, blockHash); err != nil {
		return false, err
	}
	if err := d.Digest.IncBlockCount(); err != nil {
		return false, err
	}
	go d.Digest.RecomputeMaster() //nolint:errcheck // best-effort, spec.md §4.3/§5

	if height == 0 {
		if err := d.ChainSet.Add(chain); err != nil {
			return false, err
		}
		if _, err := d.Ledger.CreateAccount(chain); err != nil {
			return false, err
		}
	}

	return false, nil
}

// EnactSend applies a send block's chain-index bookkeeping (spec.md §4.2
// `enact_send`). It does not enact the block's transactions: those land on
// the ledger only via the receive blocks formed from this send block (or, at
// height 0, the genesis account creation enactCommon performs).
func EnactSend(d *Deps, block *Block) error {
	done, err := enactCommon(d, block)
	if err != nil || done {
		return err
	}
	return nil
}

// EnactBlock applies a receive or genesis block's full effect: chain-index
// bookkeeping plus per-transaction enactment (spec.md §4.2 `enact_block`).
func EnactBlock(d *Deps, block *Block) error {
	if block.BlockType != BlockTypeReceive && block.Header.Height != 0 {
		return blockErr(ErrBlockOther, "enact_block requires receive or genesis")
	}

	done, err := enactCommon(d, block)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	for _, tx := range block.Txns {
		if err := tx.Enact(d); err != nil {
			return err
		}
		if err := d.TxIndex.Record(tx.Hash, block.Hash); err != nil {
			return err
		}

		if tx.Flag.IsConsensus() {
			continue
		}
		receiver, err := tx.receiveKeyPK()
		if err != nil {
			continue
		}
		if tx.SenderKey != receiver && receiver != block.Header.ChainKey {
			if err := bumpChainTip(d, receiver, block.Hash); err != nil {
				return err
			}
		}
	}

	return nil
}

// bumpChainTip records block.Hash as receiver's new tip without the rest of
// enactCommon's bookkeeping, covering spec.md §4.2's "update the receiver's
// chain index" clause for a transaction whose recipient differs from both the
// block's own chain and its sender.
func bumpChainTip(d *Deps, receiver PublicKey, hash HashHex) error {
	count, err := d.Chains.BlockCount(receiver)
	if err != nil {
		return err
	}
	if err := d.Chains.SetHashAtHeight(receiver, count, hash); err != nil {
		return err
	}
	if err := d.Chains.setTopBlockHash(receiver, hash); err != nil {
		return err
	}
	return d.Chains.incBlockCount(receiver)
}

// BlockStore persists every block as immutable JSON under blocks/blk-<hash>.dat
// (spec.md §4.2 `save_block`, §6). The file is the single source of truth a
// crashed node recovers from.
type BlockStore struct {
	mu  sync.Mutex
	dir string
}

// NewBlockStore opens (creating if necessary) the block store rooted at
// dbPath.
func NewBlockStore(dbPath string) (*BlockStore, error) {
	dir := filepath.Join(dbPath, "blocks")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageErr(ErrStorageFatal, "mkdir "+dir+": "+err.Error())
	}
	return &BlockStore{dir: dir}, nil
}

func (bs *BlockStore) path(hash HashHex) string {
	return filepath.Join(bs.dir, "blk-"+string(hash)+".dat")
}

// Save writes block as JSON to its immutable file.
func (bs *BlockStore) Save(block *Block) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	v, err := json.Marshal(block)
	if err != nil {
		return storageErr(ErrStorageFatal, "encode block: "+err.Error())
	}
	if err := os.WriteFile(bs.path(block.Hash), v, 0o644); err != nil {
		return storageErr(ErrStorageFatal, "write block: "+err.Error())
	}
	return nil
}

// Load reads and decodes the block stored under hash, if any.
func (bs *BlockStore) Load(hash HashHex) (*Block, bool, error) {
	if hash == "" {
		return nil, false, nil
	}
	bs.mu.Lock()
	v, err := os.ReadFile(bs.path(hash))
	bs.mu.Unlock()
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storageErr(ErrStorageRetry, err.Error())
	}
	var b Block
	if err := json.Unmarshal(v, &b); err != nil {
		return nil, false, storageErr(ErrStorageFatal, "decode block: "+err.Error())
	}
	return &b, true, nil
}

// Exists reports whether a block file is already stored for hash.
func (bs *BlockStore) Exists(hash HashHex) (bool, error) {
	_, ok, err := bs.Load(hash)
	return ok, err
}

// CheckpointSet is the leveldb-backed set of block hashes past which
// CheckBlock short-circuits full validation (spec.md §4.2 point 4, §6
// `checkpoints`).
type CheckpointSet struct {
	db *DB
}

// NewCheckpointSet opens the checkpoint store rooted at dbPath.
func NewCheckpointSet(dbPath string) (*CheckpointSet, error) {
	db, err := OpenDB(dbPath + "/checkpoints")
	if err != nil {
		return nil, err
	}
	return &CheckpointSet{db: db}, nil
}

func (cs *CheckpointSet) Close() error { return cs.db.Close() }

// Add marks hash as a checkpoint.
func (cs *CheckpointSet) Add(hash HashHex) error {
	return cs.db.Put([]byte(hash), []byte{1})
}

// Contains reports whether hash is a checkpoint.
func (cs *CheckpointSet) Contains(hash HashHex) (bool, error) {
	return cs.db.Has([]byte(hash))
}
