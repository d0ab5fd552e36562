package scheduler

import (
	"sync"
	"time"
)

// blockKey identifies one block requested from one peer. Endgame mode
// can have the same (index, begin) outstanding to more than one peer
// at once, so the peer address is part of the key.
type blockKey struct {
	Index, Begin uint32
	PeerAddr     string
}

// InflightBlock is one outstanding block request.
type InflightBlock struct {
	Index, Begin, Length uint32
	PeerAddr             string
	RequestedAt          time.Time
}

// Inflight tracks every block request outstanding across all peers.
type Inflight struct {
	mu     sync.Mutex
	blocks map[blockKey]InflightBlock
}

// NewInflight returns an empty inflight index.
func NewInflight() *Inflight {
	return &Inflight{blocks: make(map[blockKey]InflightBlock)}
}

// Add records a new outstanding request.
func (f *Inflight) Add(b InflightBlock) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocks[blockKey{b.Index, b.Begin, b.PeerAddr}] = b
}

// Remove drops a resolved or abandoned request, reporting whether it
// was present.
func (f *Inflight) Remove(index, begin uint32, peerAddr string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := blockKey{index, begin, peerAddr}
	_, ok := f.blocks[k]
	delete(f.blocks, k)
	return ok
}

// OtherRequesters returns every peer other than exclude with an
// outstanding request for (index, begin), used to cancel the losing
// side of an endgame duplicate request once one peer answers first.
func (f *Inflight) OtherRequesters(index, begin uint32, exclude string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.blocks {
		if k.Index == index && k.Begin == begin && k.PeerAddr != exclude {
			out = append(out, k.PeerAddr)
		}
	}
	return out
}

// RemoveAllForPeer drops every request attributed to peerAddr, e.g. on
// disconnect, returning what was removed so callers can re-dispatch it.
func (f *Inflight) RemoveAllForPeer(peerAddr string) []InflightBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	var removed []InflightBlock
	for k, b := range f.blocks {
		if k.PeerAddr == peerAddr {
			removed = append(removed, b)
			delete(f.blocks, k)
		}
	}
	return removed
}

// CountForPeer returns how many blocks are outstanding against peerAddr.
func (f *Inflight) CountForPeer(peerAddr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k := range f.blocks {
		if k.PeerAddr == peerAddr {
			n++
		}
	}
	return n
}

// TimedOut returns every request older than timeout.
func (f *Inflight) TimedOut(timeout time.Duration) []InflightBlock {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	var out []InflightBlock
	for _, b := range f.blocks {
		if now.Sub(b.RequestedAt) >= timeout {
			out = append(out, b)
		}
	}
	return out
}

// Count returns the total number of outstanding block requests.
func (f *Inflight) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blocks)
}

// Requested reports whether (index, begin) is outstanding against any
// peer.
func (f *Inflight) Requested(index, begin uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.blocks {
		if k.Index == index && k.Begin == begin {
			return true
		}
	}
	return false
}
