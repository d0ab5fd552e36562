// Package torrentinfo holds the immutable, already-parsed description
// of a torrent's content. Bencode decoding, magnet resolution and
// tracker/DHT discovery all happen upstream of this package; by the
// time a torrentinfo.Info reaches the core, it is just data.
package torrentinfo

import "fmt"

// HashSize is the length in bytes of an info-hash and of each piece
// hash (SHA-1).
const HashSize = 20

// File describes one file within a (possibly multi-file) torrent.
type File struct {
	Path   string // slash-separated path components joined, relative to the torrent's root
	Length int64
}

// Info is the fully parsed, immutable metadata for one torrent.
// Every field is set once at construction and never mutated again;
// it is safe to share a single *Info across all goroutines of a
// download.
type Info struct {
	InfoHash    [HashSize]byte
	Name        string // suggested top-level name (single file name, or directory name for multi-file torrents)
	PieceLength int64  // L, power of two
	Pieces      [][HashSize]byte
	Files       []File
	TotalLength int64 // T = sum of File.Length
}

// New validates and constructs an Info. It enforces the T <= P*L and
// T > (P-1)*L invariant from the piece/length data model.
func New(infoHash [HashSize]byte, name string, pieceLength int64, pieces [][HashSize]byte, files []File) (*Info, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("torrentinfo: piece length must be positive")
	}
	if len(pieces) == 0 {
		return nil, fmt.Errorf("torrentinfo: no pieces")
	}
	var total int64
	for _, f := range files {
		if f.Length < 0 {
			return nil, fmt.Errorf("torrentinfo: negative file length for %q", f.Path)
		}
		total += f.Length
	}
	p := int64(len(pieces))
	if total > p*pieceLength {
		return nil, fmt.Errorf("torrentinfo: total length %d exceeds P*L %d", total, p*pieceLength)
	}
	if p > 1 && total <= (p-1)*pieceLength {
		return nil, fmt.Errorf("torrentinfo: total length %d too small for %d pieces", total, p)
	}
	return &Info{
		InfoHash:    infoHash,
		Name:        name,
		PieceLength: pieceLength,
		Pieces:      pieces,
		Files:       files,
		TotalLength: total,
	}, nil
}

// NumPieces returns P.
func (i *Info) NumPieces() uint32 { return uint32(len(i.Pieces)) }

// PieceLen returns the exact length in bytes of piece index, which is
// shorter than PieceLength only for the last piece.
func (i *Info) PieceLen(index uint32) uint32 {
	if int(index) == len(i.Pieces)-1 {
		last := i.TotalLength - int64(index)*i.PieceLength
		return uint32(last)
	}
	return uint32(i.PieceLength)
}

// PieceHash returns the expected SHA-1 hash of piece index.
func (i *Info) PieceHash(index uint32) [HashSize]byte {
	return i.Pieces[index]
}

// Offset returns the absolute byte offset of piece index within the
// logical concatenation of all files. Uses 64-bit arithmetic
// throughout since i*L overflows 32 bits for large torrents.
func (i *Info) Offset(index uint32) int64 {
	return int64(index) * i.PieceLength
}
