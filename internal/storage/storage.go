// Package storage defines the polymorphic storage-sink capability set
// (C2) that a verified piece stream is written to: a local file tree
// or a resumable remote upload endpoint, without the scheduler ever
// needing to know which.
package storage

import "github.com/arvidnorr/torrentcore/internal/torrentinfo"

// Sink is the common capability set every storage variant implements.
type Sink interface {
	// Initialize performs one-shot setup before any writes: creating
	// the local file tree, or opening one resumable upload session
	// per file remotely.
	Initialize(info *torrentinfo.Info) error

	// WritePiece places the verified bytes of piece index — exact
	// length info.PieceLen(index) — at absolute torrent offset
	// index*L, splitting across files/sessions as needed.
	WritePiece(index uint32, data []byte) error

	// Complete flushes/finalizes the sink.
	Complete() error

	IsComplete() bool
	Progress() float64
	VerifiedCount() uint32
	TotalPieces() uint32
	StorageType() string
	Metadata() map[string]interface{}
}

// Readable is implemented by sinks that can serve read_piece, used
// for resume validation, seeding, and honoring peer Request messages.
// The local sink implements it; the remote sink does not.
type Readable interface {
	ReadPiece(index uint32) ([]byte, error)
}
