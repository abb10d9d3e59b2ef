package core

import (
	"errors"
	"fmt"
)

// Kind groups errors into the taxonomy described by spec.md §7, so callers
// can branch on the category with errors.Is/errors.As without parsing
// strings.
type Kind uint8

const (
	KindValidation Kind = iota + 1
	KindBlock
	KindPeer
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindBlock:
		return "block"
	case KindPeer:
		return "peer"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// CoreError is a tagged error carrying both a Kind and a stable sentinel Tag
// so API consumers (the out-of-scope CLI/RPC collaborators) can surface the
// offending field safely without string-matching messages.
type CoreError struct {
	Kind Kind
	Tag  error
	Msg  string
}

func (e *CoreError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Tag)
	}
	return fmt.Sprintf("%s: %v: %s", e.Kind, e.Tag, e.Msg)
}

func (e *CoreError) Unwrap() error { return e.Tag }

// wrap builds a CoreError for tag within kind, attaching msg as extra
// context (e.g. the offending field value) where it is safe to expose.
func wrap(kind Kind, tag error, msg string) error {
	return &CoreError{Kind: kind, Tag: tag, Msg: msg}
}

// Validation error sentinels (spec.md §7).
var (
	ErrBadHash              = errors.New("bad hash")
	ErrBadNonce             = errors.New("bad nonce")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")
	ErrBadSignature         = errors.New("bad signature")
	ErrBadPublicKey         = errors.New("bad public key")
	ErrBadTimestamp         = errors.New("bad timestamp")
	ErrExtraTooLarge        = errors.New("extra too large")
	ErrExtraNotAlphanumeric = errors.New("extra not alphanumeric")
	ErrLowGas               = errors.New("gas price below minimum")
	ErrMaxGasExpended       = errors.New("max gas expended")
	ErrUnsupportedType      = errors.New("unsupported transaction type")
	ErrMissingAccount       = errors.New("missing account")
	ErrMissingAccessKey     = errors.New("missing access key")
	ErrInvalidCertificate   = errors.New("invalid certificate")
	ErrInviteInvalid        = errors.New("invite invalid")
	ErrWouldOverflowBalance = errors.New("would overflow balance")
	ErrTransactionExists    = errors.New("transaction already exists")
	ErrUnauthorisedConsensus = errors.New("unauthorised consensus sender")
	ErrWrongReceiverConsensus = errors.New("wrong receiver for consensus transaction")
	ErrInvalidVRF           = errors.New("invalid VRF proof")
	ErrUsernameTaken        = errors.New("username already set")
)

// Block error sentinels.
var (
	ErrInvalidBlockHash       = errors.New("invalid block hash")
	ErrBlockBadSignature      = errors.New("invalid block signature")
	ErrIndexMismatch          = errors.New("chain index mismatch")
	ErrInvalidPrevHash        = errors.New("invalid previous block hash")
	ErrInvalidTransaction     = errors.New("invalid transaction in block")
	ErrGenesisMismatch        = errors.New("genesis block mismatch")
	ErrFailedToGetGenesis     = errors.New("failed to get genesis block")
	ErrBlockExists            = errors.New("block already exists")
	ErrTooFewSignatures       = errors.New("too few committee signatures")
	ErrBadNodeSignature       = errors.New("bad committee node signature")
	ErrTimestampInvalid       = errors.New("invalid block timestamp")
	ErrNetworkMismatch        = errors.New("network id mismatch")
	ErrBlockOther             = errors.New("block validation failed")
)

// Peer error sentinels.
var (
	ErrPeerTimeout             = errors.New("peer read timeout")
	ErrHandshakeRejected       = errors.New("handshake rejected")
	ErrDecryptFailed           = errors.New("frame decrypt failed")
	ErrWrongMessageTypeForCtx  = errors.New("unexpected message type for context")
	ErrPeerLocked              = errors.New("peer session locked")
)

// Storage error sentinels.
var (
	ErrStorageFatal   = errors.New("storage error")
	ErrStorageRetry   = errors.New("storage error, retryable")
)

func validationErr(tag error, msg string) error { return wrap(KindValidation, tag, msg) }
func blockErr(tag error, msg string) error       { return wrap(KindBlock, tag, msg) }
func peerErr(tag error, msg string) error        { return wrap(KindPeer, tag, msg) }
func storageErr(tag error, msg string) error     { return wrap(KindStorage, tag, msg) }
