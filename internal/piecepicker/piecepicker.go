// Package piecepicker selects which piece to request next: rarest
// first by default, in index order when sequential mode is on, and
// with duplicate requests allowed once the download enters endgame.
package piecepicker

import (
	"sort"
	"sync"

	"github.com/arvidnorr/torrentcore/internal/bitfield"
)

// PiecePicker tracks piece availability across the swarm and which
// peers a piece is currently requested from.
type PiecePicker struct {
	mu           sync.Mutex
	availability []uint32
	requestedBy  []map[string]struct{}
	sequential   bool
}

// New returns a picker for numPieces pieces.
func New(numPieces uint32, sequential bool) *PiecePicker {
	requestedBy := make([]map[string]struct{}, numPieces)
	for i := range requestedBy {
		requestedBy[i] = make(map[string]struct{})
	}
	return &PiecePicker{
		availability: make([]uint32, numPieces),
		requestedBy:  requestedBy,
		sequential:   sequential,
	}
}

// SetSequential switches between rarest-first and index-order selection.
func (p *PiecePicker) SetSequential(sequential bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sequential = sequential
}

// IncAvailability records that a peer announced (via Have or Bitfield)
// possession of every piece set in bf.
func (p *PiecePicker) IncAvailability(bf bitfield.Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) {
			p.availability[i]++
		}
	}
}

// DecAvailability undoes IncAvailability for a peer that disconnected
// or sent a corrected bitfield.
func (p *PiecePicker) DecAvailability(bf bitfield.Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Test(i) && p.availability[i] > 0 {
			p.availability[i]--
		}
	}
}

// IncAvailabilityOne records a single Have announcement for index.
func (p *PiecePicker) IncAvailabilityOne(index uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.availability[index]++
}

// Availability returns how many known peers have index.
func (p *PiecePicker) Availability(index uint32) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.availability[index]
}

// MarkRequested records that peerAddr now has an outstanding request
// for index.
func (p *PiecePicker) MarkRequested(index uint32, peerAddr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requestedBy[index][peerAddr] = struct{}{}
}

// Unrequest removes peerAddr from index's requester set, e.g. when a
// peer disconnects, chokes us, or the piece fails verification.
func (p *PiecePicker) Unrequest(index uint32, peerAddr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.requestedBy[index], peerAddr)
}

// RequestedCount returns how many peers index is currently requested from.
func (p *PiecePicker) RequestedCount(index uint32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requestedBy[index])
}

// Next picks the best piece to request from a peer with the given
// availability bitfield. isEligible filters out pieces the caller
// already has, has failed, or has already requested from this peer.
// maxDuplicate is 1 outside endgame (no two peers chase the same
// piece) and >1 once endgame mode allows redundant requests.
func (p *PiecePicker) Next(peerHas bitfield.Bitfield, isEligible func(index uint32) bool, maxDuplicate int) (uint32, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var candidates []uint32
	for i := uint32(0); i < peerHas.Len(); i++ {
		if !peerHas.Test(i) || !isEligible(i) {
			continue
		}
		if len(p.requestedBy[i]) >= maxDuplicate {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return 0, false
	}
	if p.sequential {
		sort.Slice(candidates, func(a, b int) bool { return candidates[a] < candidates[b] })
		return candidates[0], true
	}
	sort.Slice(candidates, func(a, b int) bool {
		ia, ib := candidates[a], candidates[b]
		if p.availability[ia] != p.availability[ib] {
			return p.availability[ia] < p.availability[ib]
		}
		if len(p.requestedBy[ia]) != len(p.requestedBy[ib]) {
			return len(p.requestedBy[ia]) < len(p.requestedBy[ib])
		}
		return ia < ib
	})
	return candidates[0], true
}
