// Package p2p implements the node's peer transport: an authenticated framed
// wire codec, the handshake that gates it, and the gossip/sync orchestration
// that keeps replicas converged on the same chain/state digest.
package p2p

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"avrionode/core"
)

// LenDeclBytes is the width of the zero-padded ASCII length prefix every
// wire frame carries (spec.md §4.4).
const LenDeclBytes = 10

// SessionKeySize is the AES-128-GCM key size in bytes. Exported so the
// binary that bootstraps a session key out-of-band (cmd/noded) knows how
// many raw bytes to read before the first framed handshake message.
const SessionKeySize = 16

// fixedNonce is the fixed 12-byte zero nonce every frame is sealed with
// (spec.md §4.4). The length-prefix ASCII is passed as AEAD associated data,
// which authenticates the declared length; it does not alter the keystream,
// so every frame sealed under one session key reuses the same nonce and
// keystream.
var fixedNonce = make([]byte, 12)

// Envelope is the JSON payload every frame decrypts to (spec.md §4.4).
type Envelope struct {
	MessageBytes int             `json:"message_bytes"`
	MessageType  byte            `json:"message_type"`
	Message      json.RawMessage `json:"message"`
}

// NewSessionKey generates a fresh random AES-128-GCM key for a peer session.
func NewSessionKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("p2p: generate session key: %w", err)
	}
	return key, nil
}

func newGCM(sessionKey []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("p2p: aes cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncodeFrame seals envelope under sessionKey and renders the complete wire
// frame: a LenDeclBytes-wide ASCII length prefix, then
// hex(ciphertext)@hex(tag) (spec.md §4.4). The length-prefix string is used
// as the AEAD associated data, authenticating the frame's declared length.
func EncodeFrame(sessionKey []byte, messageType byte, message any) ([]byte, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("p2p: encode message: %w", err)
	}
	env := Envelope{MessageBytes: len(raw), MessageType: messageType, Message: raw}
	envRaw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("p2p: encode envelope: %w", err)
	}

	gcm, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}

	// The sealed payload's hex length is fixed by len(envRaw) and the AEAD
	// tag size regardless of associated data, so the final frame length is
	// knowable up front — no placeholder/reseal dance needed.
	payloadLen := 2*(len(envRaw)+gcm.Overhead()) + 1
	lenDecl := fmt.Sprintf("%0*d", LenDeclBytes, payloadLen)

	sealed := gcm.Seal(nil, fixedNonce, envRaw, []byte(lenDecl))
	ct := sealed[:len(sealed)-gcm.Overhead()]
	tag := sealed[len(sealed)-gcm.Overhead():]
	payload := hex.EncodeToString(ct) + "@" + hex.EncodeToString(tag)

	return append([]byte(lenDecl), payload...), nil
}

// ReadFrame reads one complete wire frame from r and opens it under
// sessionKey, returning the decoded envelope.
func ReadFrame(r io.Reader, sessionKey []byte) (*Envelope, error) {
	lenBuf := make([]byte, LenDeclBytes)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("p2p: read length prefix: %w", err)
	}
	n, err := strconv.Atoi(string(lenBuf))
	if err != nil {
		return nil, fmt.Errorf("p2p: bad length prefix %q: %w", lenBuf, err)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("p2p: read payload: %w", err)
	}

	return decodeFrame(lenBuf, payload, sessionKey)
}

func decodeFrame(lenDecl, payload, sessionKey []byte) (*Envelope, error) {
	parts := splitOnce(string(payload), '@')
	if parts == nil {
		return nil, fmt.Errorf("p2p: malformed frame payload: %w", core.ErrWrongMessageTypeForCtx)
	}
	ct, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("p2p: decode ciphertext: %w", err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("p2p: decode tag: %w", err)
	}

	gcm, err := newGCM(sessionKey)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte{}, ct...), tag...)
	plain, err := gcm.Open(nil, fixedNonce, sealed, lenDecl)
	if err != nil {
		return nil, core.ErrDecryptFailed
	}

	var env Envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return nil, fmt.Errorf("p2p: decode envelope: %w", err)
	}
	return &env, nil
}

func splitOnce(s string, sep byte) []string {
	for i := 0; i < len(s); i++ {
		if s[i] == sep {
			return []string{s[:i], s[i+1:]}
		}
	}
	return nil
}
