package core

import (
	"crypto/ed25519"
	"encoding/json"
	"os"
	"testing"
	"time"
)

func newTestNode(t *testing.T) (*Node, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	dir, err := os.MkdirTemp("", "avrionode-core-test")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var chainKey PublicKey
	copy(chainKey[:], pub)

	env := &Environment{
		DBPath:                    dir,
		NetworkID:                 []byte("testnet"),
		ChainKey:                  chainKey,
		TransactionTimestampMaxMS: 60_000,
		UsernameBurnAmount:        100,
		CommitteeSize:             3,
		MinGasPrice:               1,
	}
	node, err := Open(env)
	if err != nil {
		t.Fatalf("open node: %v", err)
	}
	t.Cleanup(func() { node.Close() })
	return node, pub, priv
}

func newGenesis(t *testing.T, node *Node, pub ed25519.PublicKey, priv ed25519.PrivateKey) PublicKey {
	t.Helper()
	var chainKey PublicKey
	copy(chainKey[:], pub)

	send, _, err := node.AppendTransaction(chainKey, priv, nil)
	if err != nil {
		t.Fatalf("create genesis: %v", err)
	}
	if send.Header.Height != 0 {
		t.Fatalf("genesis height = %d, want 0", send.Header.Height)
	}
	return chainKey
}

func newSignedTx(priv ed25519.PrivateKey, sender PublicKey, flag Flag, amount uint64, extra, receiveKey string, nonce uint64, gasPrice uint64) *Transaction {
	tx := &Transaction{
		Amount:     amount,
		Extra:      extra,
		Flag:       flag,
		SenderKey:  sender,
		ReceiveKey: receiveKey,
		GasPrice:   gasPrice,
		MaxGas:     10_000,
		Nonce:      nonce,
		Timestamp:  time.Now().UnixMilli(),
	}
	tx.Sign(priv)
	return tx
}

// Scenario 1: fresh chain.
func TestFreshChain(t *testing.T) {
	node, pub, priv := newTestNode(t)
	chainKey := newGenesis(t, node, pub, priv)

	acc, err := node.GetAccount(chainKey)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.Balance != 0 {
		t.Fatalf("balance = %d, want 0", acc.Balance)
	}

	chains, err := node.ChainKeys()
	if err != nil {
		t.Fatalf("chain keys: %v", err)
	}
	found := false
	for _, c := range chains {
		if c == chainKey {
			found = true
		}
	}
	if !found {
		t.Fatalf("chain list does not contain %s", chainKey)
	}
}

// Scenario 2: claim credits the claiming account via a self-addressed
// receive block.
func TestClaim(t *testing.T) {
	node, pub, priv := newTestNode(t)
	chainKey := newGenesis(t, node, pub, priv)

	tx := newSignedTx(priv, chainKey, FlagClaim, 1000, "", chainKey.String(), 0, 2)
	_, receives, err := node.AppendTransaction(chainKey, priv, []*Transaction{tx})
	if err != nil {
		t.Fatalf("append claim: %v", err)
	}
	if len(receives) != 1 {
		t.Fatalf("got %d receive blocks, want 1", len(receives))
	}

	acc, err := node.GetAccount(chainKey)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.Balance != 1000 {
		t.Fatalf("balance = %d, want 1000", acc.Balance)
	}
}

// Scenario 3: send to a new account L.
func TestSendToNewAccount(t *testing.T) {
	node, pubK, privK := newTestNode(t)
	chainK := newGenesis(t, node, pubK, privK)

	claim := newSignedTx(privK, chainK, FlagClaim, 1000, "", chainK.String(), 0, 2)
	if _, _, err := node.AppendTransaction(chainK, privK, []*Transaction{claim}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	pubL, privL, _ := ed25519.GenerateKey(nil)
	var chainL PublicKey
	copy(chainL[:], pubL)
	newGenesis(t, node, pubL, privL)

	send := newSignedTx(privK, chainK, FlagNormal, 400, "", chainL.String(), 1, 2)
	_, receives, err := node.AppendTransaction(chainK, privK, []*Transaction{send})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(receives) != 1 {
		t.Fatalf("got %d receive blocks, want 1", len(receives))
	}

	accL, err := node.GetAccount(chainL)
	if err != nil {
		t.Fatalf("get account L: %v", err)
	}
	if accL.Balance != 400 {
		t.Fatalf("L balance = %d, want 400", accL.Balance)
	}

	accK, err := node.GetAccount(chainK)
	if err != nil {
		t.Fatalf("get account K: %v", err)
	}
	want := uint64(1000) - 400 - send.Fee()
	if accK.Balance != want {
		t.Fatalf("K balance = %d, want %d", accK.Balance, want)
	}
}

// Scenario 4: username registration, then rejection of a second attempt.
func TestUsername(t *testing.T) {
	node, pub, priv := newTestNode(t)
	chainKey := newGenesis(t, node, pub, priv)

	claim := newSignedTx(priv, chainKey, FlagClaim, 2000, "", chainKey.String(), 0, 2)
	if _, _, err := node.AppendTransaction(chainKey, priv, []*Transaction{claim}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	uTx := newSignedTx(priv, chainKey, FlagUsername, 100, "alice", chainKey.String(), 1, 2)
	if _, _, err := node.AppendTransaction(chainKey, priv, []*Transaction{uTx}); err != nil {
		t.Fatalf("username: %v", err)
	}

	acc, err := node.GetAccount(chainKey)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if acc.Username != "alice" {
		t.Fatalf("username = %q, want alice", acc.Username)
	}

	again := newSignedTx(priv, chainKey, FlagUsername, 100, "bob", chainKey.String(), 2, 2)
	if _, _, err := node.AppendTransaction(chainKey, priv, []*Transaction{again}); err == nil {
		t.Fatalf("second username registration should be rejected")
	}
}

// Scenario 5: double enactment of the same receive block is a no-op.
func TestDoubleEnact(t *testing.T) {
	node, pub, priv := newTestNode(t)
	chainKey := newGenesis(t, node, pub, priv)

	claim := newSignedTx(priv, chainKey, FlagClaim, 1000, "", chainKey.String(), 0, 2)
	_, receives, err := node.AppendTransaction(chainKey, priv, []*Transaction{claim})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	recv := receives[0]

	before, err := node.GetAccount(chainKey)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}

	if err := EnactBlock(node.Deps, recv); err != nil {
		t.Fatalf("re-enact: %v", err)
	}

	after, err := node.GetAccount(chainKey)
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if before.Balance != after.Balance {
		t.Fatalf("balance changed on double enact: %d -> %d", before.Balance, after.Balance)
	}
}

// Boundary: genesis with a non-sentinel prev_hash is rejected.
func TestGenesisBadPrevHashRejected(t *testing.T) {
	node, pub, priv := newTestNode(t)
	var chainKey PublicKey
	copy(chainKey[:], pub)

	block := &Block{
		Header: Header{
			ChainKey:  chainKey,
			PrevHash:  "deadbeef",
			Height:    0,
			Timestamp: time.Now().UnixMilli(),
			Network:   node.Env.NetworkID,
		},
		BlockType: BlockTypeSend,
	}
	block.Sign(priv)

	if err := CheckBlock(node.Deps, block); err == nil {
		t.Fatalf("expected rejection of genesis with bad prev_hash")
	}
}

// Boundary: nonce mismatch is rejected.
func TestNonceMismatchRejected(t *testing.T) {
	node, pub, priv := newTestNode(t)
	chainKey := newGenesis(t, node, pub, priv)

	tx := newSignedTx(priv, chainKey, FlagClaim, 1000, "", chainKey.String(), 5, 2)
	if err := tx.Valid(node.Deps, false); err == nil {
		t.Fatalf("expected nonce mismatch rejection")
	}
}

// Boundary: recipient balance overflow is rejected.
func TestRecipientOverflowRejected(t *testing.T) {
	node, pubK, privK := newTestNode(t)
	chainK := newGenesis(t, node, pubK, privK)

	pubL, privL, _ := ed25519.GenerateKey(nil)
	var chainL PublicKey
	copy(chainL[:], pubL)
	newGenesis(t, node, pubL, privL)

	if err := node.Deps.Ledger.AdjustBalance(chainL, func(a *Account) error {
		a.Balance = ^uint64(0)
		return nil
	}); err != nil {
		t.Fatalf("prime balance: %v", err)
	}

	claim := newSignedTx(privK, chainK, FlagClaim, 1000, "", chainK.String(), 0, 2)
	if _, _, err := node.AppendTransaction(chainK, privK, []*Transaction{claim}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	send := newSignedTx(privK, chainK, FlagNormal, 1, "", chainL.String(), 1, 2)
	if err := send.Valid(node.Deps, false); err == nil {
		t.Fatalf("expected overflow rejection")
	}
}

// Boundary: extra longer than the per-flag bound is rejected.
func TestExtraTooLargeRejected(t *testing.T) {
	node, pub, priv := newTestNode(t)
	chainKey := newGenesis(t, node, pub, priv)

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	tx := newSignedTx(priv, chainKey, FlagNormal, 1, string(long), chainKey.String(), 0, 2)
	if err := tx.Valid(node.Deps, false); err == nil {
		t.Fatalf("expected extra-too-large rejection")
	}
}

// Boundary: a timestamp far in the future is rejected.
func TestFutureTimestampRejected(t *testing.T) {
	node, pub, priv := newTestNode(t)
	chainKey := newGenesis(t, node, pub, priv)

	tx := &Transaction{
		Amount:     1000,
		Flag:       FlagClaim,
		SenderKey:  chainKey,
		ReceiveKey: chainKey.String(),
		GasPrice:   2,
		MaxGas:     10_000,
		Nonce:      0,
		Timestamp:  time.Now().Add(time.Hour).UnixMilli(),
	}
	tx.Sign(priv)
	if err := tx.Valid(node.Deps, false); err == nil {
		t.Fatalf("expected future-timestamp rejection")
	}
}

// Signature law: mutating any field but Signature breaks SignatureValid.
func TestTransactionSignatureLaw(t *testing.T) {
	_, pub, priv := newTestNode(t)
	var chainKey PublicKey
	copy(chainKey[:], pub)

	tx := newSignedTx(priv, chainKey, FlagClaim, 1000, "", chainKey.String(), 0, 2)
	if !tx.SignatureValid() {
		t.Fatalf("freshly signed transaction should verify")
	}
	tx.Amount = 2000
	if tx.SignatureValid() {
		t.Fatalf("mutated amount should break signature validity")
	}
}

// Roundtrip: JSON marshal/unmarshal of a Block preserves its computed hash.
func TestBlockJSONRoundtrip(t *testing.T) {
	_, pub, priv := newTestNode(t)
	var chainKey PublicKey
	copy(chainKey[:], pub)

	tx := newSignedTx(priv, chainKey, FlagClaim, 1000, "", chainKey.String(), 0, 2)
	block := &Block{
		Header: Header{
			ChainKey:  chainKey,
			PrevHash:  ZeroPrevHash,
			Height:    0,
			Timestamp: time.Now().UnixMilli(),
			Network:   []byte("testnet"),
		},
		BlockType: BlockTypeSend,
		Txns:      []*Transaction{tx},
	}
	block.Sign(priv)

	raw, err := json.Marshal(block)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Block
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ComputeHash() != block.ComputeHash() {
		t.Fatalf("roundtrip changed the computed hash")
	}
}
