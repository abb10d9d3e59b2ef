// Command noded boots a single node: load configuration, open the core
// engine, start accepting peer connections, dial any configured bootstrap
// peers, keep every peer session synced, and run until a shutdown signal
// arrives. The CLI/REPL surface for interactively sending transactions or
// registering usernames is an external-collaborator concern (spec.md §1
// Non-goals); this binary's job is the replication loop: handshake, gossip
// dispatch, and sync.
package main

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"avrionode/core"
	"avrionode/p2p"
	"avrionode/pkg/config"
)

// syncInterval is how often an established peer session re-runs the
// sync-needed check against that one peer (spec.md §4.5 "Full sync").
const syncInterval = 30 * time.Second

// dialTimeout bounds the initial TCP dial, the handshake dialog, and every
// request/response dialog's read (spec.md §4.4: "every read has an optional
// deadline").
const dialTimeout = 5 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	configureLogging(cfg.Logging.Level)

	env, err := cfg.ToEnvironment()
	if err != nil {
		log.WithError(err).Fatal("build environment")
	}

	node, err := core.Open(env)
	if err != nil {
		log.WithError(err).Fatal("open node")
	}
	defer func() {
		if err := node.Close(); err != nil {
			log.WithError(err).Error("close node")
		}
	}()

	registry := p2p.NewRegistry()
	sender := p2p.FrameSender{}

	listener, err := net.Listen("tcp", net.JoinHostPort(env.IPHost, strconv.Itoa(env.P2PPort)))
	if err != nil {
		log.WithError(err).Fatal("listen")
	}
	defer listener.Close()

	shutdown := make(chan struct{})
	go acceptLoop(listener, node, registry, sender, env, shutdown)

	for _, addr := range env.BootstrapPeers {
		go dialPeer(addr, node, registry, sender, env, shutdown)
	}

	log.WithFields(log.Fields{
		"network_id":      string(env.NetworkID),
		"listen":          listener.Addr().String(),
		"node_type":       env.NodeType,
		"bootstrap_peers": len(env.BootstrapPeers),
	}).Info("node started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	log.Info("shutdown requested")
	close(shutdown)
	for _, peer := range registry.All() {
		if err := sender.Send(peer, p2p.MsgShutdown, struct{}{}); err != nil {
			log.WithError(err).WithField("peer", peer.IP).Warn("send shutdown frame")
		}
	}
}

// acceptLoop runs the one-acceptor-thread-per-listening-port model spec.md
// §5 describes; each accepted connection gets its own handler goroutine.
func acceptLoop(listener net.Listener, node *core.Node, registry *p2p.Registry, sender p2p.Sender, env *core.Environment, shutdown chan struct{}) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-shutdown:
				return
			default:
				log.WithError(err).Warn("accept failed")
				continue
			}
		}
		go handleConn(conn, node, registry, sender, env, shutdown)
	}
}

// handleConn performs the inbound half of the handshake (spec.md §4.4): read
// the dialer's out-of-band session key and Handshake frame, reject on
// network mismatch or replay, reply with our own Handshake, then hand the
// connection to peerLoop for the rest of its life.
func handleConn(conn net.Conn, node *core.Node, registry *p2p.Registry, sender p2p.Sender, env *core.Environment, shutdown chan struct{}) {
	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	sessionKey := make([]byte, p2p.SessionKeySize)
	if _, err := io.ReadFull(conn, sessionKey); err != nil {
		log.WithError(err).Debug("read session key failed")
		conn.Close()
		return
	}

	frame, err := p2p.ReadFrame(conn, sessionKey)
	if err != nil || frame.MessageType != p2p.MsgHandshake {
		log.WithError(err).Debug("read inbound handshake failed")
		conn.Close()
		return
	}
	var remote p2p.Handshake
	if err := json.Unmarshal(frame.Message, &remote); err != nil {
		log.WithError(err).Debug("decode inbound handshake failed")
		conn.Close()
		return
	}
	if err := p2p.CheckNetwork(env.NetworkID, remote); err != nil {
		log.WithError(err).WithField("peer", conn.RemoteAddr()).Warn("handshake rejected")
		conn.Close()
		return
	}
	if registry.SeenHandshake(remote.Raw()) {
		log.WithField("peer", conn.RemoteAddr()).Warn("handshake replay rejected")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	peer := &p2p.Peer{
		IP:         conn.RemoteAddr().String(),
		Conn:       conn,
		Session:    sessionKey,
		NodeType:   remote.NodeType,
		ListenPort: remote.ListenPort,
	}
	registry.Add(peer)

	ours := p2p.NewHandshake(env.NetworkID, env.NodeType, env.P2PPort)
	if err := sender.Send(peer, p2p.MsgHandshake, ours); err != nil {
		log.WithError(err).WithField("peer", peer.IP).Warn("send reply handshake failed")
		registry.Remove(peer.IP)
		conn.Close()
		return
	}

	log.WithField("peer", peer.IP).Info("peer handshake accepted")
	peerLoop(node, registry, sender, peer, shutdown)
}

// dialPeer connects out to addr, generates the session key for the
// connection, and runs the symmetric outbound half of the handshake
// handleConn runs on an inbound connection, before handing off to peerLoop.
func dialPeer(addr string, node *core.Node, registry *p2p.Registry, sender p2p.Sender, env *core.Environment, shutdown chan struct{}) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		log.WithError(err).WithField("peer", addr).Warn("dial failed")
		return
	}

	sessionKey, err := p2p.NewSessionKey()
	if err != nil {
		log.WithError(err).Error("generate session key")
		conn.Close()
		return
	}
	if _, err := conn.Write(sessionKey); err != nil {
		log.WithError(err).WithField("peer", addr).Warn("send session key failed")
		conn.Close()
		return
	}

	ours := p2p.NewHandshake(env.NetworkID, env.NodeType, env.P2PPort)
	outbound, err := p2p.EncodeFrame(sessionKey, p2p.MsgHandshake, ours)
	if err != nil {
		log.WithError(err).Error("encode outbound handshake")
		conn.Close()
		return
	}
	if _, err := conn.Write(outbound); err != nil {
		log.WithError(err).WithField("peer", addr).Warn("send outbound handshake failed")
		conn.Close()
		return
	}

	conn.SetReadDeadline(time.Now().Add(dialTimeout))
	frame, err := p2p.ReadFrame(conn, sessionKey)
	if err != nil || frame.MessageType != p2p.MsgHandshake {
		log.WithError(err).WithField("peer", addr).Warn("read reply handshake failed")
		conn.Close()
		return
	}
	var remote p2p.Handshake
	if err := json.Unmarshal(frame.Message, &remote); err != nil {
		log.WithError(err).WithField("peer", addr).Warn("decode reply handshake failed")
		conn.Close()
		return
	}
	if err := p2p.CheckNetwork(env.NetworkID, remote); err != nil {
		log.WithError(err).WithField("peer", addr).Warn("handshake rejected")
		conn.Close()
		return
	}
	if registry.SeenHandshake(remote.Raw()) {
		log.WithField("peer", addr).Warn("handshake replay rejected")
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	peer := &p2p.Peer{
		IP:         conn.RemoteAddr().String(),
		Conn:       conn,
		Session:    sessionKey,
		NodeType:   remote.NodeType,
		ListenPort: remote.ListenPort,
	}
	registry.Add(peer)

	log.WithField("peer", peer.IP).Info("dialed bootstrap peer")
	peerLoop(node, registry, sender, peer, shutdown)
}

// peerLoop owns peer's connection for its whole life: it alternates short
// deadline-bound reads (dispatching whatever arrives) with, once per
// syncInterval, a synchronous sync-needed/full-sync dialog against this one
// peer. Because exactly one goroutine ever reads peer.Conn, the periodic
// dialog never races an inbound read (spec.md §5's per-peer lock discipline
// and its read-deadline note license this single-goroutine design).
func peerLoop(node *core.Node, registry *p2p.Registry, sender p2p.Sender, peer *p2p.Peer, shutdown chan struct{}) {
	defer registry.Remove(peer.IP)
	defer peer.Conn.Close()

	source := &nodeDigestSource{node: node, sender: sender}
	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			if err := p2p.FullSync(source, []*p2p.Peer{peer}); err != nil {
				log.WithError(err).WithField("peer", peer.IP).Debug("sync round failed")
			}
		default:
		}

		peer.Conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		frame, err := p2p.ReadFrame(peer.Conn, peer.Session)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			log.WithError(err).WithField("peer", peer.IP).Debug("peer connection closed")
			return
		}
		if frame.MessageType == p2p.MsgShutdown {
			return
		}
		dispatch(node, registry, sender, peer, frame)
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// dispatch answers a single inbound frame: unsolicited block propagation is
// accepted and forwarded on; every request type spec.md §4.5 lists is
// answered inline, on the same connection, by the goroutine that owns it.
func dispatch(node *core.Node, registry *p2p.Registry, sender p2p.Sender, peer *p2p.Peer, frame *p2p.Envelope) {
	switch frame.MessageType {
	case p2p.MsgBlockPayload:
		var batch p2p.BlockBatch
		if err := json.Unmarshal(frame.Message, &batch); err != nil {
			log.WithError(err).WithField("peer", peer.IP).Warn("decode block batch")
			return
		}
		for _, block := range batch.Blocks {
			if err := node.AcceptRemoteBlock(block); err != nil {
				log.WithError(err).WithField("peer", peer.IP).Debug("reject remote block")
				continue
			}
			if _, err := node.RecomputeMaster(); err != nil {
				log.WithError(err).Warn("recompute master")
			}
			p2p.Propagate(sender, registry, peer.IP, block)
		}

	case p2p.MsgChainDigestRequestA, p2p.MsgChainDigestRequestB:
		master, _, err := node.Master()
		if err != nil {
			log.WithError(err).Warn("read master digest")
			return
		}
		if err := sender.Send(peer, p2p.MsgChainDigestReply, p2p.ChainDigestReply{Master: master}); err != nil {
			log.WithError(err).WithField("peer", peer.IP).Warn("reply chain digest")
		}

	case p2p.MsgSyncAckRequest:
		if err := sender.Send(peer, p2p.MsgSyncAckRequest, p2p.SyncAck); err != nil {
			log.WithError(err).WithField("peer", peer.IP).Warn("reply sync-ack")
		}

	case p2p.MsgChainListRequest:
		keys, err := node.ChainKeys()
		if err != nil {
			log.WithError(err).Warn("list chain keys")
			return
		}
		if err := sender.Send(peer, p2p.MsgChainListResponse, p2p.ChainListResponse{ChainKeys: keys}); err != nil {
			log.WithError(err).WithField("peer", peer.IP).Warn("reply chain list")
		}

	case p2p.MsgBlockCountRequest:
		var req p2p.BlockCountRequest
		if err := json.Unmarshal(frame.Message, &req); err != nil {
			log.WithError(err).WithField("peer", peer.IP).Warn("decode block count request")
			return
		}
		count, err := node.BlockCount(req.ChainKey)
		if err != nil {
			log.WithError(err).Warn("read block count")
			return
		}
		if err := sender.Send(peer, p2p.MsgBlockCountResponse, p2p.BlockCountResponse{Count: count}); err != nil {
			log.WithError(err).WithField("peer", peer.IP).Warn("reply block count")
		}

	case p2p.MsgBlocksAboveHash:
		var req p2p.BlocksAboveHashRequest
		if err := json.Unmarshal(frame.Message, &req); err != nil {
			log.WithError(err).WithField("peer", peer.IP).Warn("decode blocks-above-hash request")
			return
		}
		blocks, err := node.BlocksAbove(req.ChainKey, req.Hash)
		if err != nil {
			log.WithError(err).Warn("read blocks above hash")
			return
		}
		if err := sender.Send(peer, p2p.MsgBlockPayload, p2p.BlockBatch{Blocks: blocks}); err != nil {
			log.WithError(err).WithField("peer", peer.IP).Warn("reply blocks above hash")
		}

	case p2p.MsgPeerListRequest:
		var peers []string
		for _, p := range registry.All() {
			peers = append(peers, p.IP)
		}
		if err := sender.Send(peer, p2p.MsgPeerListResponse, p2p.PeerListResponse{Peers: peers}); err != nil {
			log.WithError(err).WithField("peer", peer.IP).Warn("reply peer list")
		}

	default:
		log.WithFields(log.Fields{"peer": peer.IP, "type": frame.MessageType}).Debug("unhandled message type")
	}
}

// nodeDigestSource adapts a *core.Node and its peer transport to the
// p2p.DigestSource contract p2p.NeedsSync/FullSync/SyncChain drive.
type nodeDigestSource struct {
	node   *core.Node
	sender p2p.Sender
}

func (s *nodeDigestSource) LocalMaster() (core.Hash, bool, error) {
	return s.node.Master()
}

func (s *nodeDigestSource) RequestChainDigest(peer *p2p.Peer) (core.Hash, error) {
	frame, err := requestReply(s.sender, peer, p2p.MsgChainDigestRequestB, struct{}{})
	if err != nil {
		return core.Hash{}, err
	}
	var reply p2p.ChainDigestReply
	if err := json.Unmarshal(frame.Message, &reply); err != nil {
		return core.Hash{}, err
	}
	return reply.Master, nil
}

func (s *nodeDigestSource) RequestSyncAck(peer *p2p.Peer) (p2p.SyncAckReply, error) {
	frame, err := requestReply(s.sender, peer, p2p.MsgSyncAckRequest, struct{}{})
	if err != nil {
		return "", err
	}
	var reply p2p.SyncAckReply
	if err := json.Unmarshal(frame.Message, &reply); err != nil {
		return "", err
	}
	return reply, nil
}

func (s *nodeDigestSource) RequestChainList(peer *p2p.Peer) ([]core.PublicKey, error) {
	frame, err := requestReply(s.sender, peer, p2p.MsgChainListRequest, struct{}{})
	if err != nil {
		return nil, err
	}
	var reply p2p.ChainListResponse
	if err := json.Unmarshal(frame.Message, &reply); err != nil {
		return nil, err
	}
	return reply.ChainKeys, nil
}

func (s *nodeDigestSource) RequestBlockCount(peer *p2p.Peer, chainKey core.PublicKey) (uint64, error) {
	frame, err := requestReply(s.sender, peer, p2p.MsgBlockCountRequest, p2p.BlockCountRequest{ChainKey: chainKey})
	if err != nil {
		return 0, err
	}
	var reply p2p.BlockCountResponse
	if err := json.Unmarshal(frame.Message, &reply); err != nil {
		return 0, err
	}
	return reply.Count, nil
}

func (s *nodeDigestSource) RequestBlocksAbove(peer *p2p.Peer, chainKey core.PublicKey, above core.HashHex) ([]*core.Block, error) {
	frame, err := requestReply(s.sender, peer, p2p.MsgBlocksAboveHash, p2p.BlocksAboveHashRequest{Hash: above, ChainKey: chainKey})
	if err != nil {
		return nil, err
	}
	var reply p2p.BlockBatch
	if err := json.Unmarshal(frame.Message, &reply); err != nil {
		return nil, err
	}
	return reply.Blocks, nil
}

func (s *nodeDigestSource) AcceptBlock(block *core.Block) error {
	return s.node.AcceptRemoteBlock(block)
}

func (s *nodeDigestSource) LocalTopHash(chainKey core.PublicKey) (core.HashHex, bool, error) {
	return s.node.TopHash(chainKey)
}

func (s *nodeDigestSource) RecomputeMaster() (core.Hash, error) {
	return s.node.RecomputeMaster()
}

// requestReply runs one locked request/response dialog against peer
// (spec.md §5: "(1) acquire peer lock; (2) send request; (3) read reply
// (with timeout); (4) release lock").
func requestReply(sender p2p.Sender, peer *p2p.Peer, reqType byte, req any) (*p2p.Envelope, error) {
	guard := peer.Lock()
	defer guard.Unlock()

	if err := sender.Send(peer, reqType, req); err != nil {
		return nil, err
	}
	peer.Conn.SetReadDeadline(time.Now().Add(dialTimeout))
	defer peer.Conn.SetReadDeadline(time.Time{})
	return p2p.ReadFrame(peer.Conn, peer.Session)
}

func configureLogging(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}
