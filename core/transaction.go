package core

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
)

// Flag is the transaction's single-character type tag (spec.md §3).
type Flag byte

const (
	FlagNormal        Flag = 'n'
	FlagClaim         Flag = 'c'
	FlagUsername      Flag = 'u'
	FlagBurn          Flag = 'b'
	FlagLock          Flag = 'l'
	FlagInvite        Flag = 'i'
	FlagFullnode      Flag = 'f'
	FlagEpochSalt     Flag = 'a'
	FlagCommitteeList Flag = 'y'
	FlagShuffle       Flag = 'z'
)

// IsConsensus reports whether f is one of the a/y/z consensus-message
// flags (spec.md §3).
func (f Flag) IsConsensus() bool {
	return f == FlagEpochSalt || f == FlagCommitteeList || f == FlagShuffle
}

func (f Flag) recognized() bool {
	switch f {
	case FlagNormal, FlagClaim, FlagUsername, FlagBurn, FlagLock, FlagInvite,
		FlagFullnode, FlagEpochSalt, FlagCommitteeList, FlagShuffle:
		return true
	default:
		return false
	}
}

// ConsensusReceiveKey is the literal `receive_key` value required of a/y/z
// consensus transactions (spec.md §4.1 point 8).
const ConsensusReceiveKey = "0"

// Transaction is the spec.md §3 transaction record.
type Transaction struct {
	Hash       HashHex   `json:"hash"`
	Amount     uint64    `json:"amount"`
	Extra      string    `json:"extra"`
	Flag       Flag      `json:"flag"`
	SenderKey  PublicKey `json:"sender_key"`
	ReceiveKey string    `json:"receive_key"`
	AccessKey  *PublicKey `json:"access_key,omitempty"`
	UnlockTime int64     `json:"unlock_time"`
	GasPrice   uint64    `json:"gas_price"`
	MaxGas     uint64    `json:"max_gas"`
	Nonce      uint64    `json:"nonce"`
	Timestamp  int64     `json:"timestamp"`
	Signature  []byte    `json:"signature"`
}

// receiveKeyPK parses ReceiveKey as a public key; callers must not call this
// for consensus transactions, whose ReceiveKey is the "0" sentinel.
func (tx *Transaction) receiveKeyPK() (PublicKey, error) {
	return ParsePublicKey(tx.ReceiveKey)
}

// bytes returns the canonical preimage for Hash: every field except Hash and
// Signature, length-delimited.
func (tx *Transaction) bytes() []byte {
	buf := make([]byte, 0, 128+len(tx.Extra))
	var tmp [8]byte

	binary.BigEndian.PutUint64(tmp[:], tx.Amount)
	buf = append(buf, tmp[:]...)

	buf = append(buf, byte(len(tx.Extra)))
	buf = append(buf, tx.Extra...)

	buf = append(buf, byte(tx.Flag))
	buf = append(buf, tx.SenderKey[:]...)

	buf = append(buf, byte(len(tx.ReceiveKey)))
	buf = append(buf, tx.ReceiveKey...)

	if tx.AccessKey != nil {
		buf = append(buf, 1)
		buf = append(buf, tx.AccessKey[:]...)
	} else {
		buf = append(buf, 0)
	}

	binary.BigEndian.PutUint64(tmp[:], uint64(tx.UnlockTime))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], tx.GasPrice)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], tx.MaxGas)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], tx.Nonce)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(tx.Timestamp))
	buf = append(buf, tmp[:]...)

	return buf
}

// ComputeHash returns the hash of tx's canonical fields.
func (tx *Transaction) ComputeHash() Hash {
	return HashBytes(tx.bytes())
}

// Sign sets tx.Hash and tx.Signature, signing with priv (which must belong
// to either SenderKey or AccessKey per spec.md §4.1 point 11).
func (tx *Transaction) Sign(priv ed25519.PrivateKey) {
	h := tx.ComputeHash()
	tx.Hash = EncodeHash(h)
	tx.Signature = ed25519.Sign(priv, h[:])
}

// signingKey returns the public key the signature must verify under.
func (tx *Transaction) signingKey() PublicKey {
	if tx.AccessKey != nil {
		return *tx.AccessKey
	}
	return tx.SenderKey
}

// SignatureValid verifies tx.Signature over tx.Hash under the signing key
// (spec.md §8 "signature law": mutating any field besides Signature must
// break this).
func (tx *Transaction) SignatureValid() bool {
	h, err := tx.Hash.Parse()
	if err != nil {
		return false
	}
	if tx.ComputeHash() != h {
		return false
	}
	key := tx.signingKey()
	return ed25519.Verify(key[:], h[:], tx.Signature)
}

// extraBound returns the maximum allowed byte length of Extra for flag
// (spec.md §4.1 point 6), or -1 if the flag has no simple length bound
// (fullnode certificates are validated by decoding instead).
func extraBound(f Flag) int {
	switch f {
	case FlagNormal, FlagBurn, FlagLock:
		return 100
	case FlagUsername:
		return 20
	case FlagInvite:
		return 44
	case FlagFullnode:
		return -1
	case FlagEpochSalt, FlagCommitteeList, FlagShuffle:
		return 8192
	default:
		return 100
	}
}

// gasBase is the flat cost per flag; gasPerExtraByte is charged on top for
// each byte of Extra. Gas is a deterministic function of flag and Extra
// length (spec.md §4.1).
const gasPerExtraByte = 1

func gasBase(f Flag) uint64 {
	switch f {
	case FlagNormal:
		return 21
	case FlagClaim:
		return 10
	case FlagUsername:
		return 500
	case FlagBurn:
		return 21
	case FlagLock:
		return 30
	case FlagInvite:
		return 200
	case FlagFullnode:
		return 1000
	case FlagEpochSalt, FlagCommitteeList, FlagShuffle:
		return 0
	default:
		return 21
	}
}

// RequiredGas returns the gas units tx must reserve via MaxGas.
func (tx *Transaction) RequiredGas() uint64 {
	return gasBase(tx.Flag) + uint64(len(tx.Extra))*gasPerExtraByte
}

// Fee returns the atomic-unit fee tx will pay: required-gas * gas-price.
func (tx *Transaction) Fee() uint64 {
	return tx.RequiredGas() * tx.GasPrice
}

// skipNonceCheck is passed by receive-side re-validation, where the nonce
// was already checked when the originating send block was validated
// (spec.md §4.1 point 3).
func (tx *Transaction) Valid(d *Deps, skipNonceCheck bool) error {
	sender, err := d.Ledger.GetAccount(tx.SenderKey)
	if err != nil {
		return err
	}

	if tx.ComputeHash() != mustParseHash(tx.Hash) {
		return validationErr(ErrBadHash, string(tx.Hash))
	}

	if !skipNonceCheck {
		n, err := d.Chains.TxnCount(tx.SenderKey)
		if err != nil {
			return err
		}
		if tx.Nonce != n {
			return validationErr(ErrBadNonce, fmt.Sprintf("want %d got %d", n, tx.Nonce))
		}
	}

	if exists, err := d.TxIndex.Exists(tx.Hash); err != nil {
		return err
	} else if exists {
		return validationErr(ErrTransactionExists, string(tx.Hash))
	}

	if !tx.Flag.recognized() {
		return validationErr(ErrUnsupportedType, string(tx.Flag))
	}

	if !IsAlphanumeric(tx.Extra) && tx.Flag != FlagFullnode {
		return validationErr(ErrExtraNotAlphanumeric, tx.Extra)
	}
	if bound := extraBound(tx.Flag); bound >= 0 && len(tx.Extra) > bound {
		return validationErr(ErrExtraTooLarge, fmt.Sprintf("%d > %d", len(tx.Extra), bound))
	}

	minGas := d.Env.MinGasPrice
	if minGas == 0 {
		minGas = 1
	}
	if !tx.Flag.IsConsensus() && tx.GasPrice <= minGas {
		return validationErr(ErrLowGas, fmt.Sprintf("%d <= %d", tx.GasPrice, minGas))
	}

	if tx.UnlockTime != 0 && tx.Flag != FlagLock {
		return validationErr(ErrUnsupportedType, "unlock_time on flag "+string(tx.Flag))
	}

	if err := tx.validateFlag(d, sender); err != nil {
		return err
	}

	offset := d.Env.TransactionTimestampMaxMS
	nowMS := d.now().UnixMilli()
	if tx.Timestamp > nowMS+offset || tx.Timestamp < nowMS-offset {
		return validationErr(ErrBadTimestamp, fmt.Sprintf("%d not within %dms of %d", tx.Timestamp, offset, nowMS))
	}

	fee := tx.Fee()
	if tx.AccessKey != nil {
		if _, ok := sender.AccessKeys[tx.AccessKey.String()]; !ok {
			return validationErr(ErrMissingAccessKey, tx.AccessKey.String())
		}
		ak := sender.AccessKeys[tx.AccessKey.String()]
		need := tx.Amount + fee
		if ak.Allowance < need {
			return validationErr(ErrInsufficientAllowance, fmt.Sprintf("need %d have %d", need, ak.Allowance))
		}
	}

	if !tx.SignatureValid() {
		return validationErr(ErrBadSignature, string(tx.Hash))
	}

	return nil
}

func mustParseHash(hh HashHex) Hash {
	h, _ := hh.Parse()
	return h
}

// decodeVRFSeeds parses an `a`-flagged transaction's Extra field: a base58
// (hence alphanumeric, passing the universal `extra` check) encoding of a
// JSON list of (pubkey, vrf_seed) pairs (spec.md §4.1 point 8a).
func decodeVRFSeeds(extra string) ([]VRFSeed, error) {
	raw, err := base58.Decode(extra)
	if err != nil {
		return nil, validationErr(ErrInvalidVRF, "base58: "+err.Error())
	}
	var seeds []VRFSeed
	if err := json.Unmarshal(raw, &seeds); err != nil {
		return nil, validationErr(ErrInvalidVRF, "decode: "+err.Error())
	}
	return seeds, nil
}

// EncodeVRFSeeds is the inverse of decodeVRFSeeds, used to construct `a`
// flagged transactions.
func EncodeVRFSeeds(seeds []VRFSeed) (string, error) {
	raw, err := json.Marshal(seeds)
	if err != nil {
		return "", err
	}
	return base58.Encode(raw), nil
}

// validateFlag implements spec.md §4.1 point 8's per-flag checks.
func (tx *Transaction) validateFlag(d *Deps, sender *Account) error {
	fee := tx.Fee()
	switch tx.Flag {
	case FlagNormal:
		if tx.UnlockTime != 0 {
			return validationErr(ErrUnsupportedType, "unlock_time on normal transfer")
		}
		recipient, err := ParsePublicKey(tx.ReceiveKey)
		if err != nil {
			return err
		}
		recv, err := d.Ledger.GetAccount(recipient)
		if err != nil {
			return err
		}
		need := tx.Amount + fee
		if sender.Balance < need {
			return validationErr(ErrInsufficientBalance, fmt.Sprintf("need %d have %d", need, sender.Balance))
		}
		if recv.Balance+tx.Amount < recv.Balance {
			return validationErr(ErrWouldOverflowBalance, recipient.String())
		}
		if tx.MaxGas < tx.RequiredGas() {
			return validationErr(ErrMaxGasExpended, fmt.Sprintf("%d < %d", tx.MaxGas, tx.RequiredGas()))
		}
		return nil

	case FlagClaim:
		if tx.Extra != "" {
			return validationErr(ErrExtraTooLarge, "claim must have empty extra")
		}
		if tx.Amount < 1 {
			return validationErr(ErrInsufficientBalance, "claim amount must be >= 1")
		}
		if sender.Balance+tx.Amount < sender.Balance {
			return validationErr(ErrWouldOverflowBalance, tx.SenderKey.String())
		}
		return nil

	case FlagUsername:
		if sender.Username != "" {
			return validationErr(ErrUsernameTaken, sender.Username)
		}
		if tx.Amount < d.Env.UsernameBurnAmount {
			return validationErr(ErrInsufficientBalance, "below username burn amount")
		}
		if sender.Balance < tx.Amount+fee {
			return validationErr(ErrInsufficientBalance, "balance does not cover amount+fee")
		}
		return nil

	case FlagBurn:
		if sender.Balance < tx.Amount+fee {
			return validationErr(ErrInsufficientBalance, "balance does not cover amount+fee")
		}
		return nil

	case FlagLock:
		if sender.Balance < tx.Amount+fee {
			return validationErr(ErrInsufficientBalance, "balance does not cover amount+fee")
		}
		return nil

	case FlagInvite:
		key, err := ParsePublicKey(tx.Extra)
		if err != nil || len(tx.Extra) == 0 {
			return validationErr(ErrInviteInvalid, "extra must decode to a 44-byte public key")
		}
		isFN, err := d.Certs.IsFullnode(tx.SenderKey)
		if err != nil {
			return err
		}
		if !isFN {
			return validationErr(ErrInviteInvalid, "sender is not a registered fullnode")
		}
		exists, err := d.Invites.Exists(key)
		if err != nil {
			return err
		}
		if exists {
			return validationErr(ErrInviteInvalid, "invite already exists")
		}
		return nil

	case FlagFullnode:
		if _, err := DecodeCertificateBase58(tx.Extra); err != nil {
			return err
		}
		return nil

	case FlagEpochSalt, FlagCommitteeList, FlagShuffle:
		if tx.SenderKey != d.Epoch.RoundLeader() {
			return validationErr(ErrUnauthorisedConsensus, tx.SenderKey.String())
		}
		if tx.ReceiveKey != ConsensusReceiveKey {
			return validationErr(ErrWrongReceiverConsensus, tx.ReceiveKey)
		}
		if tx.Amount != 0 {
			return validationErr(ErrWrongReceiverConsensus, "amount must be 0")
		}
		if tx.Flag == FlagEpochSalt {
			seeds, err := decodeVRFSeeds(tx.Extra)
			if err != nil {
				return err
			}
			epochNum := d.Epoch.Current().Number
			for _, s := range seeds {
				if !VerifyVRF(s, epochNum) {
					return validationErr(ErrInvalidVRF, s.Member.String())
				}
			}
		}
		return nil

	default:
		return validationErr(ErrUnsupportedType, string(tx.Flag))
	}
}

// Enact applies tx's effect on the ledger (spec.md §4.1 "Enactment"). It
// assumes tx has already passed Valid. The n, c, u, b and l branches also
// fold the transaction's amount into the current epoch's counters; the i, f
// and consensus branches leave the counters unchanged.
func (tx *Transaction) Enact(d *Deps) error {
	fee := tx.Fee()

	if tx.AccessKey != nil && !tx.Flag.IsConsensus() {
		if err := d.Ledger.SpendAccessAllowance(tx.SenderKey, *tx.AccessKey, tx.Amount+fee); err != nil {
			return err
		}
	}

	switch tx.Flag {
	case FlagNormal:
		recipient, err := tx.receiveKeyPK()
		if err != nil {
			return err
		}
		if err := d.Ledger.AdjustBalance(tx.SenderKey, func(a *Account) error {
			a.Balance -= tx.Amount + fee
			return nil
		}); err != nil {
			return err
		}
		if err := d.Ledger.AdjustBalance(recipient, func(a *Account) error {
			a.Balance += tx.Amount
			return nil
		}); err != nil {
			return err
		}
		d.Epoch.AddCounters(tx.Amount, 0, 0, 0)

	case FlagClaim:
		if err := d.Ledger.AdjustBalance(tx.SenderKey, func(a *Account) error {
			a.Balance += tx.Amount
			return nil
		}); err != nil {
			return err
		}
		d.Epoch.AddCounters(0, 0, 0, tx.Amount)

	case FlagUsername:
		if err := d.Ledger.SetUsername(tx.SenderKey, tx.Extra); err != nil {
			return err
		}
		if err := d.Ledger.AdjustBalance(tx.SenderKey, func(a *Account) error {
			a.Balance -= tx.Amount + fee
			return nil
		}); err != nil {
			return err
		}
		d.Epoch.AddCounters(tx.Amount, 0, 0, 0)

	case FlagBurn:
		if err := d.Ledger.AdjustBalance(tx.SenderKey, func(a *Account) error {
			a.Balance -= tx.Amount + fee
			return nil
		}); err != nil {
			return err
		}
		d.Epoch.AddCounters(0, tx.Amount, 0, 0)

	case FlagLock:
		if err := d.Ledger.AdjustBalance(tx.SenderKey, func(a *Account) error {
			a.Balance -= tx.Amount + fee
			a.Locked += tx.Amount
			return nil
		}); err != nil {
			return err
		}
		d.Epoch.AddCounters(0, 0, tx.Amount, 0)

	case FlagInvite:
		key, err := ParsePublicKey(tx.Extra)
		if err != nil {
			return err
		}
		if err := d.Invites.Create(key, tx.Timestamp); err != nil {
			return err
		}
		if err := d.Ledger.AdjustBalance(tx.SenderKey, func(a *Account) error {
			a.Balance -= fee
			return nil
		}); err != nil {
			return err
		}

	case FlagFullnode:
		cert, err := DecodeCertificateBase58(tx.Extra)
		if err != nil {
			return err
		}
		if err := d.Certs.Activate(cert); err != nil {
			return err
		}
		if err := d.Ledger.AdjustBalance(tx.SenderKey, func(a *Account) error {
			a.Balance -= fee
			return nil
		}); err != nil {
			return err
		}

	case FlagEpochSalt:
		seeds, err := decodeVRFSeeds(tx.Extra)
		if err != nil {
			return err
		}
		d.Epoch.ApplyAggregateSalt(AggregateSalt(seeds))

	case FlagCommitteeList:
		members, err := decodeCommitteeList(tx.Extra)
		if err != nil {
			return err
		}
		d.Epoch.PromoteCommittee(members)

	case FlagShuffle:
		// Shuffle transactions change neither the ledger nor the epoch;
		// only the sender's transaction count advances below.

	default:
		return validationErr(ErrUnsupportedType, string(tx.Flag))
	}

	return d.Chains.incTxnCount(tx.SenderKey, 1)
}

// decodeCommitteeList parses a `y`-flagged transaction's Extra: a base58
// JSON list of member public keys, mirroring decodeVRFSeeds' encoding.
func decodeCommitteeList(extra string) ([]PublicKey, error) {
	raw, err := base58.Decode(extra)
	if err != nil {
		return nil, validationErr(ErrUnsupportedType, "base58: "+err.Error())
	}
	var members []PublicKey
	if err := json.Unmarshal(raw, &members); err != nil {
		return nil, validationErr(ErrUnsupportedType, "decode: "+err.Error())
	}
	return members, nil
}
