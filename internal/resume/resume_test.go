package resume

import (
	"path/filepath"
	"testing"

	"github.com/arvidnorr/torrentcore/internal/bitfield"
	"github.com/stretchr/testify/require"
)

func sampleState() *State {
	bf := bitfield.New(10)
	bf.Set(0)
	bf.Set(3)
	bf.Set(9)
	return &State{
		InfoHash: [20]byte{1, 2, 3},
		Bitfield: bf,
		Sessions: []Session{
			{FileIndex: 0, URL: "https://upload.example/session/abc", CurrentOffset: 4096, TotalSize: 8192},
			{FileIndex: 1, URL: "", CurrentOffset: 0, TotalSize: 0},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	state := sampleState()
	decoded, err := Decode(Encode(state))
	require.NoError(t, err)
	require.Equal(t, state.InfoHash, decoded.InfoHash)
	require.Equal(t, state.Bitfield.Bytes(), decoded.Bitfield.Bytes())
	require.Equal(t, state.Bitfield.Len(), decoded.Bitfield.Len())
	require.Equal(t, state.Sessions, decoded.Sessions)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode([]byte("not a resume log at all"))
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestSaveLoadAtomicRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resume.dat")
	state := sampleState()

	require.NoError(t, Save(path, state))
	loaded, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, state.InfoHash, loaded.InfoHash)
	require.Equal(t, state.Sessions, loaded.Sessions)
}

func TestLoadMissingFileReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	state, err := Load(filepath.Join(dir, "does-not-exist.dat"))
	require.NoError(t, err)
	require.Nil(t, state)
}

func TestCheckInfoHashMismatch(t *testing.T) {
	state := sampleState()
	var other [20]byte
	other[0] = 0xff
	require.ErrorIs(t, CheckInfoHash(state, other), ErrInfoHashMismatch)
	require.NoError(t, CheckInfoHash(state, state.InfoHash))
}
