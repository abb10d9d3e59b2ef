package p2p

import (
	"encoding/hex"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"avrionode/core"
)

// Peer is one connected replica: its encrypted session, its node metadata
// from the handshake, and the lock/unlock discipline spec.md §4.4/§5
// requires so request/response dialogs don't interleave on the same socket.
type Peer struct {
	IP       string
	Conn     net.Conn
	Session  []byte
	NodeType string
	ListenPort int

	mu     sync.Mutex
	locked bool
}

// Guard is the scoped lock handle spec.md §9's redesign note calls for:
// acquired by Peer.Lock, released exactly once by Unlock. A request/response
// helper acquires it with Lock and defers Unlock, so an early return still
// releases it.
type Guard struct {
	peer     *Peer
	released bool
}

// Unlock releases the peer's dialog lock. Calling it more than once is a
// no-op, so deferred Unlock calls are always safe.
func (g *Guard) Unlock() {
	if g.released {
		return
	}
	g.released = true
	g.peer.mu.Lock()
	g.peer.locked = false
	g.peer.mu.Unlock()
}

// Lock acquires exclusive dialog rights over p, blocking while another
// dialog holds it, and returns the Guard that releases it.
func (p *Peer) Lock() *Guard {
	p.mu.Lock()
	for p.locked {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()
	}
	p.locked = true
	p.mu.Unlock()
	return &Guard{peer: p}
}

// Locked reports whether p currently has an owned dialog in progress;
// Registry.Unlocked uses it to leave locked peers out of block propagation.
func (p *Peer) Locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked
}

// Registry is the process-wide peer map (spec.md §4.4/§5: `peer_ip →
// (session_key, lock_state)`), guarded by one mutex with short critical
// sections, mirroring the teacher's AccessController/ConnPool map-of-struct
// pattern.
type Registry struct {
	mu    sync.Mutex
	peers map[string]*Peer

	handshakeMu sync.Mutex
	handshakes  map[string]bool
}

// NewRegistry builds an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{
		peers:      make(map[string]*Peer),
		handshakes: make(map[string]bool),
	}
}

// Add registers a newly handshaken peer under its IP.
func (r *Registry) Add(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.IP] = p
}

// Remove drops ip from the registry, e.g. on read error or graceful
// shutdown (spec.md §5).
func (r *Registry) Remove(ip string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, ip)
}

// Get returns the peer registered at ip, if any.
func (r *Registry) Get(ip string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[ip]
	return p, ok
}

// All returns a snapshot of every currently registered peer.
func (r *Registry) All() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Unlocked returns every registered peer currently accepting a new dialog,
// excluding the given source IP (spec.md §4.5 block propagation: "forward
// to every connected, unlocked peer except the source").
func (r *Registry) Unlocked(exceptIP string) []*Peer {
	var out []*Peer
	for _, p := range r.All() {
		if p.IP == exceptIP {
			continue
		}
		if !p.Locked() {
			out = append(out, p)
		}
	}
	return out
}

// SeenHandshake records a handshake string and reports whether this
// registry had already observed it on any connection, rejecting
// exact-string replay (spec.md §4.4).
func (r *Registry) SeenHandshake(raw string) bool {
	r.handshakeMu.Lock()
	defer r.handshakeMu.Unlock()
	if r.handshakes[raw] {
		return true
	}
	r.handshakes[raw] = true
	return false
}

// Handshake is the first message exchanged on both directions of a fresh
// connection (message type 0x1a). It travels as a JSON object inside the
// frame envelope, not as a star-separated string; Raw renders the
// hex(network_id) * peer_id * node_type * listen_port form, which serves
// only as the replay-cache key.
type Handshake struct {
	NetworkID  string
	PeerID     string
	NodeType   string
	ListenPort int
}

// NewHandshake builds this node's outgoing handshake, generating a fresh
// per-dialog peer id.
func NewHandshake(networkID []byte, nodeType string, listenPort int) Handshake {
	return Handshake{
		NetworkID:  hex.EncodeToString(networkID),
		PeerID:     uuid.New().String(),
		NodeType:   nodeType,
		ListenPort: listenPort,
	}
}

// Raw renders h as the star-separated string the handshake replay cache
// keys on.
func (h Handshake) Raw() string {
	return h.NetworkID + "*" + h.PeerID + "*" + h.NodeType + "*" + strconv.Itoa(h.ListenPort)
}

// CheckNetwork rejects a peer handshake whose network_id does not match
// ours (spec.md §4.4: "Any mismatch in network_id terminates the
// connection").
func CheckNetwork(local []byte, remote Handshake) error {
	if remote.NetworkID != hex.EncodeToString(local) {
		return core.ErrHandshakeRejected
	}
	return nil
}
