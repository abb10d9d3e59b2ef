package p2p

import (
	"fmt"
	"sort"

	log "github.com/sirupsen/logrus"

	"avrionode/core"
)

// maxSyncRetries caps the "recompute master, restart if still wrong" loop
// spec.md §4.5 flags as a source-ambiguity the implementer must bound.
const maxSyncRetries = 5

// DigestSource answers the local node's and peers' questions needed to
// drive sync: its own state, and a transport to ask remote peers.
type DigestSource interface {
	LocalMaster() (core.Hash, bool, error)
	RequestChainDigest(peer *Peer) (core.Hash, error)
	RequestSyncAck(peer *Peer) (SyncAckReply, error)
	RequestChainList(peer *Peer) ([]core.PublicKey, error)
	RequestBlockCount(peer *Peer, chainKey core.PublicKey) (uint64, error)
	RequestBlocksAbove(peer *Peer, chainKey core.PublicKey, above core.HashHex) ([]*core.Block, error)
	AcceptBlock(block *core.Block) error
	LocalTopHash(chainKey core.PublicKey) (core.HashHex, bool, error)
	RecomputeMaster() (core.Hash, error)
}

// modeDigest picks the most common digest among a set of (peer, digest)
// observations (spec.md §4.5: "Select mode digest").
func modeDigest(observed map[*Peer]core.Hash) (core.Hash, []*Peer) {
	counts := make(map[core.Hash]int)
	for _, d := range observed {
		counts[d]++
	}
	var best core.Hash
	bestCount := -1
	for d, c := range counts {
		if c > bestCount {
			best, bestCount = d, c
		}
	}
	var holders []*Peer
	for p, d := range observed {
		if d == best {
			holders = append(holders, p)
		}
	}
	// Holders are sorted by IP so the order FullSync tries them in is
	// deterministic; it is not a latency ranking.
	sort.Slice(holders, func(i, j int) bool { return holders[i].IP < holders[j].IP })
	return best, holders
}

// NeedsSync polls every peer's chain digest and reports whether the local
// master digest disagrees with the mode (spec.md §4.5 "Sync-needed check").
func NeedsSync(src DigestSource, peers []*Peer) (bool, core.Hash, []*Peer, error) {
	observed := make(map[*Peer]core.Hash)
	for _, p := range peers {
		d, err := src.RequestChainDigest(p)
		if err != nil {
			log.WithError(err).WithField("peer", p.IP).Warn("chain digest request failed")
			continue
		}
		observed[p] = d
	}
	if len(observed) == 0 {
		return false, core.Hash{}, nil, nil
	}

	mode, holders := modeDigest(observed)
	local, ok, err := src.LocalMaster()
	if err != nil {
		return false, core.Hash{}, nil, err
	}
	if ok && local == mode {
		return false, mode, holders, nil
	}
	return true, mode, holders, nil
}

// FullSync drives the complete replica convergence procedure (spec.md §4.5
// "Full sync"): pick a peer holding the mode digest, negotiate sync-ack
// (falling through to the next holder, in IP order, on decline; peer
// latency is not measured), fetch the chain list, then sync-chain every
// chain.
func FullSync(src DigestSource, peers []*Peer) error {
	for attempt := 0; attempt < maxSyncRetries; attempt++ {
		needed, mode, holders, err := NeedsSync(src, peers)
		if err != nil {
			return err
		}
		if !needed {
			return nil
		}
		if len(holders) == 0 {
			return fmt.Errorf("p2p: sync needed but no peer holds a digest")
		}

		var accepted *Peer
		for _, candidate := range holders {
			reply, err := src.RequestSyncAck(candidate)
			if err != nil {
				log.WithError(err).WithField("peer", candidate.IP).Warn("sync-ack request failed")
				continue
			}
			if reply == SyncAck {
				accepted = candidate
				break
			}
			log.WithField("peer", candidate.IP).Info("sync-ack declined, trying next holder")
		}
		if accepted == nil {
			return fmt.Errorf("p2p: every holder of mode digest %s declined sync-ack", mode)
		}

		chainKeys, err := src.RequestChainList(accepted)
		if err != nil {
			return err
		}
		for _, chainKey := range chainKeys {
			if err := SyncChain(src, accepted, chainKey); err != nil {
				return err
			}
		}

		if _, err := src.RecomputeMaster(); err != nil {
			return err
		}
		// Loop: if local master still disagrees with the mode, the next
		// NeedsSync call at the top of this iteration catches it and we
		// retry, up to maxSyncRetries (spec.md §4.5's capped-retry note).
	}
	return fmt.Errorf("p2p: sync did not converge after %d attempts", maxSyncRetries)
}

// progressGranularity returns the logarithmic reporting step for a given
// remaining block count (spec.md §4.5 "every 1/10/50/100/500/2000/5000
// blocks based on remaining count").
func progressGranularity(remaining uint64) uint64 {
	switch {
	case remaining > 5000:
		return 5000
	case remaining > 2000:
		return 2000
	case remaining > 500:
		return 500
	case remaining > 100:
		return 100
	case remaining > 50:
		return 50
	case remaining > 10:
		return 10
	default:
		return 1
	}
}

// SyncChain synchronizes one chain from peer by repeatedly fetching blocks
// above the local tip until the peer returns none (spec.md §4.5
// "sync-chain(chain_key)").
func SyncChain(src DigestSource, peer *Peer, chainKey core.PublicKey) error {
	remoteCount, err := src.RequestBlockCount(peer, chainKey)
	if err != nil {
		return err
	}

	fetched := uint64(0)
	lastReported := uint64(0)
	for {
		top, ok, err := src.LocalTopHash(chainKey)
		if err != nil {
			return err
		}
		above := aboveHashSentinel
		if ok {
			above = top
		}

		blocks, err := src.RequestBlocksAbove(peer, chainKey, above)
		if err != nil {
			return err
		}
		if len(blocks) == 0 {
			break
		}

		for _, block := range blocks {
			if err := src.AcceptBlock(block); err != nil {
				return err
			}
			fetched++
		}

		remaining := uint64(0)
		if remoteCount > fetched {
			remaining = remoteCount - fetched
		}
		step := progressGranularity(remaining)
		if fetched-lastReported >= step {
			log.WithFields(log.Fields{
				"chain":     chainKey.String(),
				"fetched":   fetched,
				"remaining": remaining,
			}).Info("chain sync progress")
			lastReported = fetched
		}
	}

	return nil
}
