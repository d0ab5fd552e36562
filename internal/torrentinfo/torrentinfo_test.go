package torrentinfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsZeroPieceLength(t *testing.T) {
	var hash [HashSize]byte
	_, err := New(hash, "f", 0, [][HashSize]byte{hash}, []File{{Path: "f", Length: 10}})
	require.Error(t, err)
}

func TestNewRejectsNoPieces(t *testing.T) {
	var hash [HashSize]byte
	_, err := New(hash, "f", 16384, nil, []File{{Path: "f", Length: 10}})
	require.Error(t, err)
}

func TestNewRejectsTotalLengthExceedingCapacity(t *testing.T) {
	var hash [HashSize]byte
	_, err := New(hash, "f", 16384, [][HashSize]byte{hash}, []File{{Path: "f", Length: 20000}})
	require.Error(t, err)
}

func TestNewRejectsTooFewBytesForPieceCount(t *testing.T) {
	var hash [HashSize]byte
	// Two pieces of 16384 bytes each declared, but the file barely fills one.
	_, err := New(hash, "f", 16384, [][HashSize]byte{hash, hash}, []File{{Path: "f", Length: 100}})
	require.Error(t, err)
}

func TestNewAcceptsExactSinglePiece(t *testing.T) {
	var hash [HashSize]byte
	info, err := New(hash, "f", 16384, [][HashSize]byte{hash}, []File{{Path: "f", Length: 16384}})
	require.NoError(t, err)
	require.Equal(t, uint32(1), info.NumPieces())
	require.Equal(t, uint32(16384), info.PieceLen(0))
}

func TestPieceLenShortensLastPiece(t *testing.T) {
	var hash [HashSize]byte
	info, err := New(hash, "f", 16384, [][HashSize]byte{hash, hash}, []File{{Path: "f", Length: 16384 + 100}})
	require.NoError(t, err)
	require.Equal(t, uint32(16384), info.PieceLen(0))
	require.Equal(t, uint32(100), info.PieceLen(1))
}

func TestOffsetIsIndexTimesPieceLength(t *testing.T) {
	var hash [HashSize]byte
	info, err := New(hash, "f", 16384, [][HashSize]byte{hash, hash}, []File{{Path: "f", Length: 16384 + 100}})
	require.NoError(t, err)
	require.Equal(t, int64(0), info.Offset(0))
	require.Equal(t, int64(16384), info.Offset(1))
}
