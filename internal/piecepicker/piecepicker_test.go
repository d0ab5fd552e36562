package piecepicker

import (
	"testing"

	"github.com/arvidnorr/torrentcore/internal/bitfield"
	"github.com/stretchr/testify/require"
)

func fullBitfield(n uint32) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := uint32(0); i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func alwaysEligible(uint32) bool { return true }

func TestRarestFirstPrefersLeastAvailable(t *testing.T) {
	p := New(4, false)
	// Piece 2 is rare; the rest are common.
	for i := 0; i < 5; i++ {
		p.IncAvailabilityOne(0)
		p.IncAvailabilityOne(1)
		p.IncAvailabilityOne(3)
	}
	p.IncAvailabilityOne(2)

	index, ok := p.Next(fullBitfield(4), alwaysEligible, 1)
	require.True(t, ok)
	require.Equal(t, uint32(2), index)
}

func TestSequentialPicksLowestIndex(t *testing.T) {
	p := New(4, true)
	p.IncAvailabilityOne(3)
	p.IncAvailabilityOne(0)

	index, ok := p.Next(fullBitfield(4), alwaysEligible, 1)
	require.True(t, ok)
	require.Equal(t, uint32(0), index)
}

func TestNextSkipsAlreadySaturatedPieces(t *testing.T) {
	p := New(2, false)
	p.MarkRequested(0, "peer-a")

	index, ok := p.Next(fullBitfield(2), alwaysEligible, 1)
	require.True(t, ok)
	require.Equal(t, uint32(1), index)
}

func TestNextHonorsEligibilityFilter(t *testing.T) {
	p := New(2, false)
	eligible := func(i uint32) bool { return i != 0 }

	index, ok := p.Next(fullBitfield(2), eligible, 1)
	require.True(t, ok)
	require.Equal(t, uint32(1), index)
}

func TestNextReturnsFalseWhenNoCandidates(t *testing.T) {
	p := New(2, false)
	_, ok := p.Next(bitfield.New(2), alwaysEligible, 1)
	require.False(t, ok)
}

func TestEndgameAllowsDuplicateRequests(t *testing.T) {
	p := New(1, false)
	p.MarkRequested(0, "peer-a")

	_, ok := p.Next(fullBitfield(1), alwaysEligible, 1)
	require.False(t, ok, "outside endgame, a fully-requested piece is not a candidate")

	index, ok := p.Next(fullBitfield(1), alwaysEligible, 2)
	require.True(t, ok, "endgame raises maxDuplicate so the same piece can be requested again")
	require.Equal(t, uint32(0), index)
}

func TestDecAvailabilityUndoesInc(t *testing.T) {
	p := New(2, false)
	bf := fullBitfield(2)
	p.IncAvailability(bf)
	require.Equal(t, uint32(1), p.Availability(0))
	p.DecAvailability(bf)
	require.Equal(t, uint32(0), p.Availability(0))
}
