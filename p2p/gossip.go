package p2p

import (
	log "github.com/sirupsen/logrus"

	"avrionode/core"
)

// Message type codes (spec.md §4.5).
const (
	MsgChainDigestReply     byte = 0x01
	MsgBlockPayload         byte = 0x0a
	MsgHandshake            byte = 0x1a
	MsgChainDigestRequestA  byte = 0x1b
	MsgChainDigestRequestB  byte = 0x1c
	MsgSyncAckRequest       byte = 0x22
	MsgBlockCountRequest    byte = 0x45
	MsgBlockCountResponse   byte = 0x46
	MsgChainListRequest     byte = 0x60
	MsgChainListResponse    byte = 0x61
	MsgBlocksAboveHash      byte = 0x6f
	MsgPeerListRequest      byte = 0x99
	MsgPeerListResponse     byte = 0x9F
	MsgShutdown             byte = 0xFF
)

// SyncAckReply is the body of a reply to MsgSyncAckRequest (spec.md §4.5).
type SyncAckReply string

const (
	SyncAck    SyncAckReply = "syncack"
	SyncDecline SyncAckReply = "syncdec"
)

// Sender abstracts "encode and write a frame to a peer", so gossip and sync
// logic can be tested without a real socket.
type Sender interface {
	Send(peer *Peer, messageType byte, message any) error
}

// FrameSender writes frames directly to a peer's connection, sealing each
// under that peer's session key (spec.md §4.4).
type FrameSender struct{}

func (FrameSender) Send(peer *Peer, messageType byte, message any) error {
	frame, err := EncodeFrame(peer.Session, messageType, message)
	if err != nil {
		return err
	}
	_, err = peer.Conn.Write(frame)
	return err
}

// BlockBatch is the payload carried by MsgBlockPayload: either one block
// (propagation) or a contiguous run of blocks (sync reply).
type BlockBatch struct {
	Blocks []*core.Block `json:"blocks"`
}

// Propagate forwards block to every connected, unlocked peer in registry
// except source (spec.md §4.5 "Block propagation"). Failures to individual
// peers are logged and do not abort propagation to the rest.
func Propagate(sender Sender, registry *Registry, sourceIP string, block *core.Block) {
	batch := BlockBatch{Blocks: []*core.Block{block}}
	for _, peer := range registry.Unlocked(sourceIP) {
		if err := sender.Send(peer, MsgBlockPayload, batch); err != nil {
			log.WithError(err).WithField("peer", peer.IP).Warn("block propagation failed")
		}
	}
}

// ChainDigestReply is the body of a MsgChainDigestReply message.
type ChainDigestReply struct {
	Master core.Hash `json:"master"`
}

// BlockCountRequest/Response bodies (spec.md §4.5).
type BlockCountRequest struct {
	ChainKey core.PublicKey `json:"chain_key"`
}

type BlockCountResponse struct {
	Count uint64 `json:"count"`
}

// ChainListResponse is the body of a MsgChainListResponse message.
type ChainListResponse struct {
	ChainKeys []core.PublicKey `json:"chain_keys"`
}

// BlocksAboveHashRequest is the body of a MsgBlocksAboveHash request: if
// Hash is "0", the server answers starting at genesis (spec.md §4.5).
type BlocksAboveHashRequest struct {
	Hash     core.HashHex   `json:"hash"`
	ChainKey core.PublicKey `json:"chain_key"`
}

// aboveHashSentinel is the "0" value meaning "start at genesis".
const aboveHashSentinel = core.HashHex("0")

// PeerListResponse is the body of a MsgPeerListResponse message: the
// responder's currently known peer addresses (spec.md §4.5).
type PeerListResponse struct {
	Peers []string `json:"peers"`
}
