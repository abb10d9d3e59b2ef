package p2p

import (
	"testing"

	"avrionode/core"
)

func TestRegistryAddGetRemove(t *testing.T) {
	r := NewRegistry()
	peer := &Peer{IP: "1.2.3.4:9000"}
	r.Add(peer)

	got, ok := r.Get(peer.IP)
	if !ok || got != peer {
		t.Fatalf("Get returned %v, %v; want peer, true", got, ok)
	}
	if len(r.All()) != 1 {
		t.Fatalf("All() len = %d, want 1", len(r.All()))
	}

	r.Remove(peer.IP)
	if _, ok := r.Get(peer.IP); ok {
		t.Fatalf("peer still present after Remove")
	}
	if len(r.All()) != 0 {
		t.Fatalf("All() len = %d, want 0 after remove", len(r.All()))
	}
}

func TestUnlockedExcludesSourceAndLockedPeers(t *testing.T) {
	r := NewRegistry()
	a := &Peer{IP: "a"}
	b := &Peer{IP: "b"}
	c := &Peer{IP: "c"}
	r.Add(a)
	r.Add(b)
	r.Add(c)

	guard := b.Lock()
	defer guard.Unlock()

	unlocked := r.Unlocked(a.IP)
	if len(unlocked) != 1 || unlocked[0].IP != c.IP {
		t.Fatalf("Unlocked(%q) = %v, want just %q", a.IP, unlocked, c.IP)
	}
}

func TestGuardUnlockIdempotent(t *testing.T) {
	peer := &Peer{IP: "a"}
	guard := peer.Lock()
	if !peer.Locked() {
		t.Fatalf("peer should be locked after Lock")
	}
	guard.Unlock()
	guard.Unlock()
	if peer.Locked() {
		t.Fatalf("peer should be unlocked after Unlock")
	}
}

func TestLockBlocksUntilUnlocked(t *testing.T) {
	peer := &Peer{IP: "a"}
	first := peer.Lock()

	acquired := make(chan struct{})
	go func() {
		second := peer.Lock()
		close(acquired)
		second.Unlock()
	}()

	select {
	case <-acquired:
		t.Fatalf("second Lock acquired before first Unlock")
	default:
	}

	first.Unlock()
	<-acquired
}

func TestSeenHandshakeDetectsReplay(t *testing.T) {
	r := NewRegistry()
	hs := NewHandshake([]byte("net1"), "full", 9000)
	raw := hs.Raw()

	if r.SeenHandshake(raw) {
		t.Fatalf("first observation should not be a replay")
	}
	if !r.SeenHandshake(raw) {
		t.Fatalf("second identical handshake should be detected as replay")
	}
}

func TestCheckNetworkRejectsMismatch(t *testing.T) {
	local := []byte("mainnet")
	remote := NewHandshake([]byte("testnet"), "full", 9000)

	if err := CheckNetwork(local, remote); err != core.ErrHandshakeRejected {
		t.Fatalf("CheckNetwork = %v, want ErrHandshakeRejected", err)
	}

	matching := NewHandshake(local, "full", 9000)
	if err := CheckNetwork(local, matching); err != nil {
		t.Fatalf("CheckNetwork on matching network_id: %v", err)
	}
}

func TestHandshakeRawFormat(t *testing.T) {
	hs := NewHandshake([]byte{0xab, 0xcd}, "light", 7000)
	raw := hs.Raw()
	want := "abcd*" + hs.PeerID + "*light*7000"
	if raw != want {
		t.Fatalf("Raw() = %q, want %q", raw, want)
	}
}
