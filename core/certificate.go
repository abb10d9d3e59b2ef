package core

import (
	"crypto/ed25519"
	"encoding/json"

	"github.com/mr-tron/base58"
)

// Certificate is the fullnode registration credential carried base58-encoded
// in an `f`-flagged transaction's `extra` field (spec.md §3, §4.1 point 6).
type Certificate struct {
	Holder    PublicKey `json:"holder"`
	IssuedAt  int64     `json:"issued_at"`
	Signature []byte    `json:"signature"`
}

// signingBytes returns the bytes the certificate's signature covers.
func (c Certificate) signingBytes() []byte {
	return HashConcat(c.Holder[:], encodeU64(uint64(c.IssuedAt))).Bytes()
}

// Valid reports whether c is self-signed correctly by its Holder key.
func (c Certificate) Valid() bool {
	if len(c.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(c.Holder[:], c.signingBytes(), c.Signature)
}

// SignCertificate produces a Certificate for holder, signed by priv.
func SignCertificate(holder PublicKey, issuedAt int64, priv ed25519.PrivateKey) Certificate {
	c := Certificate{Holder: holder, IssuedAt: issuedAt}
	c.Signature = ed25519.Sign(priv, c.signingBytes())
	return c
}

// DecodeCertificateBase58 decodes a base58 `extra` field into a Certificate,
// returning ErrInvalidCertificate (nested, per spec.md §7) on any failure.
func DecodeCertificateBase58(extra string) (Certificate, error) {
	var cert Certificate
	raw, err := base58.Decode(extra)
	if err != nil {
		return cert, validationErr(ErrInvalidCertificate, "base58: "+err.Error())
	}
	if err := json.Unmarshal(raw, &cert); err != nil {
		return cert, validationErr(ErrInvalidCertificate, "decode: "+err.Error())
	}
	if !cert.Valid() {
		return cert, validationErr(ErrInvalidCertificate, "signature")
	}
	return cert, nil
}

// EncodeCertificateBase58 is the inverse of DecodeCertificateBase58, used to
// construct `f`-flagged transactions.
func EncodeCertificateBase58(c Certificate) (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base58.Encode(raw), nil
}

func certKey(pk PublicKey) []byte    { return []byte(pk.String() + "-cert") }
func certNonceKey(pk PublicKey) []byte { return []byte(pk.String()) }

// CertificateStore persists fullnode certificates under the on-disk layout
// of spec.md §6 (`fn-certificates`: `<pubkey>-cert`→certificate,
// `<pubkey>`→sig-nonce).
type CertificateStore struct {
	db *DB
}

// NewCertificateStore opens the certificate store rooted at dbPath.
func NewCertificateStore(dbPath string) (*CertificateStore, error) {
	db, err := OpenDB(dbPath + "/fn-certificates")
	if err != nil {
		return nil, err
	}
	return &CertificateStore{db: db}, nil
}

func (cs *CertificateStore) Close() error { return cs.db.Close() }

// Activate persists and activates cert for its holder.
func (cs *CertificateStore) Activate(cert Certificate) error {
	v, err := json.Marshal(cert)
	if err != nil {
		return err
	}
	return cs.db.Put(certKey(cert.Holder), v)
}

// IsFullnode reports whether pk has an active certificate (spec.md §4.1
// point 8i: "sender is a registered fullnode").
func (cs *CertificateStore) IsFullnode(pk PublicKey) (bool, error) {
	return cs.db.Has(certKey(pk))
}

// Get returns the certificate activated for pk, if any.
func (cs *CertificateStore) Get(pk PublicKey) (Certificate, bool, error) {
	v, ok, err := cs.db.Get(certKey(pk))
	if err != nil || !ok {
		return Certificate{}, false, err
	}
	var c Certificate
	if err := json.Unmarshal(v, &c); err != nil {
		return Certificate{}, false, storageErr(ErrStorageFatal, err.Error())
	}
	return c, true, nil
}
