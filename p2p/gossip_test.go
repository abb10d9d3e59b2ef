package p2p

import (
	"testing"

	"avrionode/core"
)

type recordingSender struct {
	sent map[string]byte
}

func (s *recordingSender) Send(peer *Peer, messageType byte, message any) error {
	if s.sent == nil {
		s.sent = make(map[string]byte)
	}
	s.sent[peer.IP] = messageType
	return nil
}

func TestPropagateSkipsSourceAndLockedPeers(t *testing.T) {
	r := NewRegistry()
	source := &Peer{IP: "source"}
	locked := &Peer{IP: "locked"}
	free := &Peer{IP: "free"}
	r.Add(source)
	r.Add(locked)
	r.Add(free)

	guard := locked.Lock()
	defer guard.Unlock()

	sender := &recordingSender{}
	block := &core.Block{Hash: "deadbeef"}
	Propagate(sender, r, source.IP, block)

	if _, sentToSource := sender.sent[source.IP]; sentToSource {
		t.Fatalf("block propagated back to source peer")
	}
	if _, sentToLocked := sender.sent[locked.IP]; sentToLocked {
		t.Fatalf("block propagated to locked peer")
	}
	if mt, sentToFree := sender.sent[free.IP]; !sentToFree || mt != MsgBlockPayload {
		t.Fatalf("block not propagated to free peer as MsgBlockPayload")
	}
}

func TestPropagateContinuesAfterSendFailure(t *testing.T) {
	r := NewRegistry()
	a := &Peer{IP: "a"}
	b := &Peer{IP: "b"}
	r.Add(a)
	r.Add(b)

	failing := &failingSender{failFor: a.IP, sent: make(map[string]byte)}
	Propagate(failing, r, "", &core.Block{Hash: "x"})

	if _, ok := failing.sent[b.IP]; !ok {
		t.Fatalf("propagation to peer b should still happen after peer a's send failed")
	}
}

type failingSender struct {
	failFor string
	sent    map[string]byte
}

func (s *failingSender) Send(peer *Peer, messageType byte, message any) error {
	if peer.IP == s.failFor {
		return errSendFailed
	}
	s.sent[peer.IP] = messageType
	return nil
}

var errSendFailed = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }
