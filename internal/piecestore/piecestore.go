// Package piecestore implements C1: in-memory block assembly, SHA-1
// verification and bitfield export for the pieces of one torrent.
package piecestore

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"fmt"
	"sync"

	"github.com/arvidnorr/torrentcore/internal/bitfield"
	"github.com/arvidnorr/torrentcore/internal/piece"
	"github.com/arvidnorr/torrentcore/internal/torrentinfo"
)

var (
	// ErrBadOffset is returned by AddBlock when offset is not block-aligned.
	ErrBadOffset = errors.New("piecestore: block offset not aligned")
	// ErrBadLength is returned by AddBlock when the block length does not match the expected block length.
	ErrBadLength = errors.New("piecestore: unexpected block length")
	// ErrVerified is returned by AddBlock when the piece is already Verified.
	ErrVerified = errors.New("piecestore: piece already verified")
	// ErrNotComplete is returned by Verify when the piece is not Complete-Unverified.
	ErrNotComplete = errors.New("piecestore: piece is not complete")
	// ErrNotVerified is returned by TakeBytes when the piece is not
	// Verified or the store no longer holds its bytes.
	ErrNotVerified = errors.New("piecestore: piece is not verified")
)

type entry struct {
	status  piece.Status
	length  uint32
	hash    [torrentinfo.HashSize]byte
	blocks  []piece.Block
	data    []byte            // nil until the first block arrives
	present bitfield.Bitfield // one bit per block, set once its bytes are in data
}

// Store owns the sparse in-memory assembly buffers for every piece of
// one torrent, and verifies completed pieces against the torrent's
// piece hashes. It is safe for concurrent use: readers use a shared
// lock, all mutation goes through a single writer lock, per spec.md §5.
type Store struct {
	mu            sync.RWMutex
	info          *torrentinfo.Info
	pieces        []entry
	verifiedCount uint32
}

// New returns a Store with every piece Empty.
func New(info *torrentinfo.Info) *Store {
	s := &Store{
		info:   info,
		pieces: make([]entry, info.NumPieces()),
	}
	for i := range s.pieces {
		length := info.PieceLen(uint32(i))
		blocks := piece.Blocks(length)
		s.pieces[i] = entry{
			status: piece.Empty,
			length: length,
			hash:   info.PieceHash(uint32(i)),
			blocks: blocks,
		}
	}
	return s
}

func (s *Store) checkIndex(i uint32) {
	if i >= uint32(len(s.pieces)) {
		panic(fmt.Sprintf("piecestore: piece index %d out of range", i))
	}
}

// Status returns the current status of piece i.
func (s *Store) Status(i uint32) piece.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkIndex(i)
	return s.pieces[i].status
}

// PieceLen returns the expected byte length of piece i.
func (s *Store) PieceLen(i uint32) uint32 {
	s.checkIndex(i)
	return s.pieces[i].length
}

func blockIndexFor(e *entry, offset, length uint32) (int, bool) {
	for idx, b := range e.blocks {
		if b.Begin == offset {
			return idx, b.Length == length
		}
	}
	return -1, false
}

// AddBlock places bytes into piece i's sparse array at offset.
// It transitions Empty->InProgress on the first block, and
// InProgress->CompleteUnverified once every block is present.
func (s *Store) AddBlock(i uint32, offset uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkIndex(i)
	e := &s.pieces[i]

	if e.status == piece.Verified {
		return ErrVerified
	}
	blockIdx, lengthOK := blockIndexFor(e, offset, uint32(len(data)))
	if blockIdx < 0 {
		return ErrBadOffset
	}
	if !lengthOK {
		return ErrBadLength
	}

	if e.data == nil {
		e.data = make([]byte, e.length)
		e.present = bitfield.New(uint32(len(e.blocks)))
		e.status = piece.InProgress
	}
	copy(e.data[offset:offset+uint32(len(data))], data)
	e.present.Set(uint32(blockIdx))

	if e.present.All() {
		e.status = piece.CompleteUnverified
	}
	return nil
}

// HasBlock reports whether the block of piece i starting at offset has
// already been received, so the scheduler can skip re-requesting it.
func (s *Store) HasBlock(i uint32, offset uint32) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.checkIndex(i)
	e := &s.pieces[i]
	if e.status == piece.Verified {
		return true
	}
	if e.data == nil {
		return false
	}
	for idx, b := range e.blocks {
		if b.Begin == offset {
			return e.present.Test(uint32(idx))
		}
	}
	return false
}

// Verify compacts piece i's blocks (already contiguous in this
// implementation) and compares their SHA-1 against the expected hash.
// On mismatch the piece becomes Failed and its bytes/blocks are
// dropped, making it re-downloadable.
func (s *Store) Verify(i uint32) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkIndex(i)
	e := &s.pieces[i]
	if e.status != piece.CompleteUnverified {
		return false, ErrNotComplete
	}

	h := sha1.New() // nolint: gosec
	h.Write(e.data)
	sum := h.Sum(nil)
	if !hashEqual(sum, e.hash[:]) {
		e.status = piece.Failed
		e.data = nil
		e.present = bitfield.Bitfield{}
		return false, nil
	}

	e.status = piece.Verified
	s.verifiedCount++
	return true, nil
}

func hashEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ResetFailed transitions a Failed piece back to Empty so it can be
// re-requested by the scheduler.
func (s *Store) ResetFailed(i uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkIndex(i)
	e := &s.pieces[i]
	if e.status == piece.Failed {
		e.status = piece.Empty
	}
}

// TakeBytes returns the assembled buffer for a Verified piece and
// releases the store's reference to it; only legal in the Verified
// state, and only once per piece.
func (s *Store) TakeBytes(i uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkIndex(i)
	e := &s.pieces[i]
	if e.status != piece.Verified || e.data == nil {
		return nil, ErrNotVerified
	}
	b := e.data
	e.data = nil
	return b, nil
}

// MarkVerifiedNoData marks piece i Verified without holding assembled
// bytes, used when restoring state from a resume log: the sink is
// trusted to already hold the bytes on disk/remote.
func (s *Store) MarkVerifiedNoData(i uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkIndex(i)
	e := &s.pieces[i]
	if e.status != piece.Verified {
		e.status = piece.Verified
		s.verifiedCount++
	}
	e.data = nil
}

// Bitfield exports the current Verified bitmap in MSB-first byte
// order, padded with zero bits to a byte boundary.
func (s *Store) Bitfield() bitfield.Bitfield {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bf := bitfield.New(uint32(len(s.pieces)))
	for i, e := range s.pieces {
		if e.status == piece.Verified {
			bf.Set(uint32(i))
		}
	}
	return bf
}

// Progress returns verified_count / P.
func (s *Store) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.pieces) == 0 {
		return 0
	}
	return float64(s.verifiedCount) / float64(len(s.pieces))
}

// VerifiedCount returns the number of pieces currently Verified.
func (s *Store) VerifiedCount() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verifiedCount
}

// NumPieces returns P.
func (s *Store) NumPieces() uint32 {
	return uint32(len(s.pieces))
}
