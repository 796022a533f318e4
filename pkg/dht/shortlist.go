package dht

import (
	"crypto/rand"
	"math/big"
	"sync"

	"github.com/dchat-net/dchat/pkg/identity"
)

// shortlist tracks the best-known candidates toward target during an
// iterative lookup (spec §4.2).
type shortlist struct {
	mu      sync.Mutex
	target  identity.PeerId
	known   map[identity.PeerId]PeerInfo
	queried map[identity.PeerId]bool
}

func newShortlist(target identity.PeerId) *shortlist {
	return &shortlist{
		target:  target,
		known:   make(map[identity.PeerId]PeerInfo),
		queried: make(map[identity.PeerId]bool),
	}
}

func (s *shortlist) merge(peers []PeerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range peers {
		if _, ok := s.known[p.PeerID]; !ok {
			s.known[p.PeerID] = p
		}
	}
}

// closestUnqueried returns up to n peers, nearest first, not yet queried.
func (s *shortlist) closestUnqueried(k, n int) []PeerInfo {
	s.mu.Lock()
	all := make([]PeerInfo, 0, len(s.known))
	for id, p := range s.known {
		if !s.queried[id] {
			all = append(all, p)
		}
	}
	s.mu.Unlock()
	sortByDistance(all, s.target)
	if len(all) > k {
		all = all[:k]
	}
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func (s *shortlist) markQueried(id identity.PeerId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queried[id] = true
}

func (s *shortlist) allQueried() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.known {
		if !s.queried[id] {
			return false
		}
	}
	return true
}

// closestK returns the k nearest known peers to target.
func (s *shortlist) closestK(k int) []PeerInfo {
	s.mu.Lock()
	all := make([]PeerInfo, 0, len(s.known))
	for _, p := range s.known {
		all = append(all, p)
	}
	s.mu.Unlock()
	sortByDistance(all, s.target)
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// closestDistance returns the nearest known distance to target, or nil if
// the shortlist is empty.
func (s *shortlist) closestDistance() *big.Int {
	top := s.closestK(1)
	if len(top) == 0 {
		return nil
	}
	return top[0].PeerID.Distance(s.target)
}

// randomTargetForBucket builds a PeerId sharing exactly prefixLen leading
// bits with local and then diverging, for bucket-refresh lookups.
func randomTargetForBucket(local identity.PeerId, prefixLen int) identity.PeerId {
	var out identity.PeerId
	buf := make([]byte, identity.Size)
	_, _ = rand.Read(buf)
	copy(out[:], buf)

	for i := 0; i < prefixLen; i++ {
		byteIdx, bitIdx := i/8, 7-(i%8)
		localBit := local[byteIdx] & (1 << uint(bitIdx))
		if localBit != 0 {
			out[byteIdx] |= 1 << uint(bitIdx)
		} else {
			out[byteIdx] &^= 1 << uint(bitIdx)
		}
	}
	if prefixLen < identity.Size*8 {
		byteIdx, bitIdx := prefixLen/8, 7-(prefixLen%8)
		localBit := local[byteIdx] & (1 << uint(bitIdx))
		if localBit != 0 {
			out[byteIdx] &^= 1 << uint(bitIdx)
		} else {
			out[byteIdx] |= 1 << uint(bitIdx)
		}
	}
	return out
}
