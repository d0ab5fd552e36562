package blocklist

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestBlocklist(t *testing.T) *Blocklist {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocklist.db")
	b, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestBanAndBanned(t *testing.T) {
	b := openTestBlocklist(t)
	var peerID [20]byte
	peerID[0] = 42

	require.False(t, b.Banned(peerID))
	require.NoError(t, b.Ban(peerID, "1.2.3.4:6881", "three consecutive verification failures"))
	require.True(t, b.Banned(peerID))
}

func TestUnban(t *testing.T) {
	b := openTestBlocklist(t)
	var peerID [20]byte
	peerID[0] = 7

	require.NoError(t, b.Ban(peerID, "addr", "reason"))
	require.True(t, b.Banned(peerID))
	require.NoError(t, b.Unban(peerID))
	require.False(t, b.Banned(peerID))
}

func TestAllListsRecordsWithFields(t *testing.T) {
	b := openTestBlocklist(t)
	var p1, p2 [20]byte
	p1[0], p2[0] = 1, 2
	require.NoError(t, b.Ban(p1, "1.1.1.1:6881", "bad hash"))
	require.NoError(t, b.Ban(p2, "2.2.2.2:6881", "timeout"))

	records, err := b.All()
	require.NoError(t, err)
	require.Len(t, records, 2)

	byPeer := make(map[[20]byte]Record)
	for _, r := range records {
		byPeer[r.PeerID] = r
	}
	require.Equal(t, "1.1.1.1:6881", byPeer[p1].Addr)
	require.Equal(t, "bad hash", byPeer[p1].Reason)
	require.Equal(t, "2.2.2.2:6881", byPeer[p2].Addr)
}

func TestBanPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocklist.db")
	b, err := Open(path)
	require.NoError(t, err)
	var peerID [20]byte
	peerID[0] = 5
	require.NoError(t, b.Ban(peerID, "addr", "reason"))
	require.NoError(t, b.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	require.True(t, reopened.Banned(peerID))
}
