package p2p

import (
	"testing"

	"avrionode/core"
)

type fakeSource struct {
	local        core.Hash
	localOK      bool
	peerDigests  map[*Peer]core.Hash
	ackReplies   map[*Peer]SyncAckReply
	chainList    []core.PublicKey
	blockCounts  map[core.PublicKey]uint64
	remoteBlocks map[core.PublicKey][]*core.Block
	localTops    map[core.PublicKey]core.HashHex
	accepted     []*core.Block
}

func (f *fakeSource) LocalMaster() (core.Hash, bool, error) { return f.local, f.localOK, nil }

func (f *fakeSource) RequestChainDigest(peer *Peer) (core.Hash, error) {
	return f.peerDigests[peer], nil
}

func (f *fakeSource) RequestSyncAck(peer *Peer) (SyncAckReply, error) {
	return f.ackReplies[peer], nil
}

func (f *fakeSource) RequestChainList(peer *Peer) ([]core.PublicKey, error) {
	return f.chainList, nil
}

func (f *fakeSource) RequestBlockCount(peer *Peer, chainKey core.PublicKey) (uint64, error) {
	return f.blockCounts[chainKey], nil
}

func (f *fakeSource) RequestBlocksAbove(peer *Peer, chainKey core.PublicKey, above core.HashHex) ([]*core.Block, error) {
	all := f.remoteBlocks[chainKey]
	var out []*core.Block
	started := above == aboveHashSentinel
	for _, b := range all {
		if started {
			out = append(out, b)
			continue
		}
		if b.Hash == above {
			started = true
		}
	}
	return out, nil
}

func (f *fakeSource) AcceptBlock(block *core.Block) error {
	f.accepted = append(f.accepted, block)
	f.localTops[block.Header.ChainKey] = block.Hash
	return nil
}

func (f *fakeSource) LocalTopHash(chainKey core.PublicKey) (core.HashHex, bool, error) {
	top, ok := f.localTops[chainKey]
	return top, ok && top != "", nil
}

func (f *fakeSource) RecomputeMaster() (core.Hash, error) { return f.local, nil }

func TestModeDigestPicksMajority(t *testing.T) {
	a := &Peer{IP: "a"}
	b := &Peer{IP: "b"}
	c := &Peer{IP: "c"}

	var majority, minority core.Hash
	majority[0] = 1
	minority[0] = 2

	observed := map[*Peer]core.Hash{a: majority, b: majority, c: minority}
	mode, holders := modeDigest(observed)
	if mode != majority {
		t.Fatalf("mode = %x, want majority digest", mode)
	}
	if len(holders) != 2 {
		t.Fatalf("got %d holders, want 2", len(holders))
	}
}

func TestNeedsSyncFalseWhenLocalMatchesMode(t *testing.T) {
	peer := &Peer{IP: "a"}
	var digest core.Hash
	digest[0] = 9

	src := &fakeSource{
		local:       digest,
		localOK:     true,
		peerDigests: map[*Peer]core.Hash{peer: digest},
	}
	needed, _, _, err := NeedsSync(src, []*Peer{peer})
	if err != nil {
		t.Fatalf("needs sync: %v", err)
	}
	if needed {
		t.Fatalf("sync should not be needed when local matches mode")
	}
}

func TestNeedsSyncTrueWhenLocalDiffers(t *testing.T) {
	peer := &Peer{IP: "a"}
	var remote, local core.Hash
	remote[0] = 9
	local[0] = 1

	src := &fakeSource{
		local:       local,
		localOK:     true,
		peerDigests: map[*Peer]core.Hash{peer: remote},
	}
	needed, mode, holders, err := NeedsSync(src, []*Peer{peer})
	if err != nil {
		t.Fatalf("needs sync: %v", err)
	}
	if !needed {
		t.Fatalf("sync should be needed when local differs from mode")
	}
	if mode != remote {
		t.Fatalf("mode = %x, want remote digest", mode)
	}
	if len(holders) != 1 || holders[0] != peer {
		t.Fatalf("unexpected holders: %v", holders)
	}
}

func TestSyncChainFetchesAllBlocks(t *testing.T) {
	peer := &Peer{IP: "a"}
	var chainKey core.PublicKey
	chainKey[0] = 7

	b0 := &core.Block{Header: core.Header{ChainKey: chainKey, Height: 0}, Hash: "h0"}
	b1 := &core.Block{Header: core.Header{ChainKey: chainKey, Height: 1}, Hash: "h1"}

	src := &fakeSource{
		blockCounts:  map[core.PublicKey]uint64{chainKey: 2},
		remoteBlocks: map[core.PublicKey][]*core.Block{chainKey: {b0, b1}},
		localTops:    map[core.PublicKey]core.HashHex{},
	}

	if err := SyncChain(src, peer, chainKey); err != nil {
		t.Fatalf("sync chain: %v", err)
	}
	if len(src.accepted) != 2 {
		t.Fatalf("accepted %d blocks, want 2", len(src.accepted))
	}
	if src.localTops[chainKey] != "h1" {
		t.Fatalf("local top = %q, want h1", src.localTops[chainKey])
	}
}

func TestProgressGranularity(t *testing.T) {
	cases := map[uint64]uint64{
		10000: 5000,
		3000:  2000,
		1000:  500,
		200:   100,
		60:    50,
		20:    10,
		5:     1,
	}
	for remaining, want := range cases {
		if got := progressGranularity(remaining); got != want {
			t.Fatalf("progressGranularity(%d) = %d, want %d", remaining, got, want)
		}
	}
}
