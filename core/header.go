package core

import (
	"encoding/binary"
	"encoding/hex"
)

// HashHex is the textual form a block/transaction hash takes on the wire and
// on disk: lowercase hex, except for the genesis sentinel (spec.md §3).
type HashHex string

// EncodeHash renders h as a HashHex.
func EncodeHash(h Hash) HashHex { return HashHex(h.String()) }

// Parse decodes hh back into a Hash. The genesis sentinel does not decode
// and callers must special-case it via IsGenesisSentinel first.
func (hh HashHex) Parse() (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(string(hh))
	if err != nil || len(b) != len(h) {
		return h, validationErr(ErrBadHash, string(hh))
	}
	copy(h[:], b)
	return h, nil
}

// IsGenesisSentinel reports whether hh is the reserved "00000000000"
// placeholder a genesis header's PrevHash carries (spec.md §3).
func (hh HashHex) IsGenesisSentinel() bool { return string(hh) == ZeroPrevHash }

// Header is the per-block metadata common to both Send and Receive blocks
// (spec.md §3).
type Header struct {
	VersionMajor    uint16    `json:"version_major"`
	VersionBreaking uint16    `json:"version_breaking"`
	VersionMinor    uint16    `json:"version_minor"`
	ChainKey        PublicKey `json:"chain_key"`
	PrevHash        HashHex   `json:"prev_hash"`
	Height          uint64    `json:"height"`
	Timestamp       int64     `json:"timestamp"`
	Network         []byte    `json:"network"`
}

// Bytes returns the canonical byte encoding of the header used as the first
// component of the block-hash preimage (spec.md §3's `H(header.bytes ‖ …)`).
// Every field is length-delimited so no two distinct headers can collide on
// their encoding.
func (h Header) Bytes() []byte {
	buf := make([]byte, 0, 64+len(h.Network))
	var tmp [8]byte

	binary.BigEndian.PutUint16(tmp[0:2], h.VersionMajor)
	buf = append(buf, tmp[0:2]...)
	binary.BigEndian.PutUint16(tmp[0:2], h.VersionBreaking)
	buf = append(buf, tmp[0:2]...)
	binary.BigEndian.PutUint16(tmp[0:2], h.VersionMinor)
	buf = append(buf, tmp[0:2]...)

	buf = append(buf, h.ChainKey[:]...)

	prev := []byte(h.PrevHash)
	binary.BigEndian.PutUint32(tmp[0:4], uint32(len(prev)))
	buf = append(buf, tmp[0:4]...)
	buf = append(buf, prev...)

	binary.BigEndian.PutUint64(tmp[:], h.Height)
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(h.Timestamp))
	buf = append(buf, tmp[:]...)

	binary.BigEndian.PutUint32(tmp[0:4], uint32(len(h.Network)))
	buf = append(buf, tmp[0:4]...)
	buf = append(buf, h.Network...)

	return buf
}

// IsGenesis reports whether h describes a genesis header (spec.md §3:
// `height == 0` iff genesis).
func (h Header) IsGenesis() bool { return h.Height == 0 }
