package peermanager

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type testChokePeer struct {
	interested    bool
	choking       bool
	optimistic    bool
	downloadSpeed int64
	uploadSpeed   int64
}

func (p *testChokePeer) Choke()               { p.choking = true }
func (p *testChokePeer) Unchoke()             { p.choking = false }
func (p *testChokePeer) Choking() bool        { return p.choking }
func (p *testChokePeer) Interested() bool     { return p.interested }
func (p *testChokePeer) Optimistic() bool     { return p.optimistic }
func (p *testChokePeer) SetOptimistic(v bool) { p.optimistic = v }
func (p *testChokePeer) DownloadSpeed() int64 { return p.downloadSpeed }
func (p *testChokePeer) UploadSpeed() int64   { return p.uploadSpeed }

func TestTickUnchokesFastestDownloaders(t *testing.T) {
	peers := []*testChokePeer{
		{interested: true, choking: true, downloadSpeed: 1},
		{interested: true, choking: true, downloadSpeed: 2},
		{interested: true, choking: true, downloadSpeed: 4},
		{interested: true, choking: true, downloadSpeed: 3},
		{interested: true, choking: true, downloadSpeed: 5},
		{interested: false, choking: true},
	}
	c := newChoker()
	c.tick(asChokePeers(peers), false) // round 0 is an optimistic round, skip past it
	c.tick(asChokePeers(peers), false) // round 1: purely speed-ranked

	// Top 4 by download speed (5,4,3,2) get unchoked; the slowest
	// interested peer and the uninterested one do not.
	require.True(t, peers[0].choking)
	require.False(t, peers[1].choking)
	require.False(t, peers[2].choking)
	require.False(t, peers[3].choking)
	require.False(t, peers[4].choking)
	require.True(t, peers[5].choking) // not interested, never touched into unchoked set
}

func TestTickOptimisticUnchokesOnFirstRound(t *testing.T) {
	peers := []*testChokePeer{
		{interested: true, choking: true, downloadSpeed: 5},
		{interested: true, choking: true, downloadSpeed: 4},
		{interested: true, choking: true, downloadSpeed: 3},
		{interested: true, choking: true, downloadSpeed: 2},
		{interested: true, choking: true, downloadSpeed: 1}, // slowest: only candidate left over after the 4 slots
	}
	c := newChoker()
	c.tick(asChokePeers(peers), false) // round 0 is the optimistic round
	require.False(t, peers[4].choking)
	require.True(t, peers[4].optimistic)
}

func TestFastUnchokeGrantsFreeSlotImmediately(t *testing.T) {
	c := newChoker()
	p := &testChokePeer{interested: true, choking: true}
	c.fastUnchoke(p)
	require.False(t, p.choking)
}

func TestCompletedRanksByUploadSpeed(t *testing.T) {
	peers := []*testChokePeer{
		{interested: true, choking: true, downloadSpeed: 100, uploadSpeed: 1},
		{interested: true, choking: true, downloadSpeed: 0, uploadSpeed: 5},
		{interested: true, choking: true, downloadSpeed: 0, uploadSpeed: 4},
		{interested: true, choking: true, downloadSpeed: 0, uploadSpeed: 3},
		{interested: true, choking: true, downloadSpeed: 0, uploadSpeed: 2},
	}
	c := newChoker()
	c.tick(asChokePeers(peers), true) // round 0, optimistic
	c.tick(asChokePeers(peers), true) // round 1, pure ranking

	// Highest download speed does not matter once the torrent is
	// complete: ranking switches to upload speed, so the peer with the
	// lowest upload speed (index 0) is the one left choked.
	require.True(t, peers[0].choking)
	require.False(t, peers[1].choking)
	require.False(t, peers[2].choking)
	require.False(t, peers[3].choking)
	require.False(t, peers[4].choking)
}

func asChokePeers(peers []*testChokePeer) []chokePeer {
	out := make([]chokePeer, len(peers))
	for i, p := range peers {
		out[i] = p
	}
	return out
}
