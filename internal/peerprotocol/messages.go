package peerprotocol

import (
	"encoding/binary"
	"io"
)

// Message is a peer protocol message. Concrete types implement Read so
// WriteMessage can drain the payload into a length-prefixed frame the
// same way regardless of shape.
type Message interface {
	io.Reader
	ID() MessageID
}

type emptyMessage struct{}

func (m emptyMessage) Read(b []byte) (int, error) { return 0, io.EOF }

// ChokeMessage tells the peer it may not request pieces.
type ChokeMessage struct{ emptyMessage }

// UnchokeMessage tells the peer it may request pieces.
type UnchokeMessage struct{ emptyMessage }

// InterestedMessage tells the peer we want to request pieces once unchoked.
type InterestedMessage struct{ emptyMessage }

// NotInterestedMessage tells the peer we have nothing left to request from it.
type NotInterestedMessage struct{ emptyMessage }

func (m ChokeMessage) ID() MessageID         { return Choke }
func (m UnchokeMessage) ID() MessageID       { return Unchoke }
func (m InterestedMessage) ID() MessageID    { return Interested }
func (m NotInterestedMessage) ID() MessageID { return NotInterested }

// HaveMessage announces possession of a verified piece.
type HaveMessage struct {
	Index uint32
}

func (m HaveMessage) ID() MessageID { return Have }

func (m HaveMessage) Read(b []byte) (int, error) {
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	return 4, io.EOF
}

// DecodeHave parses a Have payload of exactly 4 bytes.
func DecodeHave(b []byte) (HaveMessage, error) {
	if len(b) != 4 {
		return HaveMessage{}, ErrProtocolViolation
	}
	return HaveMessage{Index: binary.BigEndian.Uint32(b)}, nil
}

// BitfieldMessage announces which pieces a peer holds, sent once right
// after the handshake in either direction.
type BitfieldMessage struct {
	Data []byte
	pos  int
}

func (m BitfieldMessage) ID() MessageID { return Bitfield }

func (m *BitfieldMessage) Read(b []byte) (n int, err error) {
	n = copy(b, m.Data[m.pos:])
	m.pos += n
	if m.pos == len(m.Data) {
		err = io.EOF
	}
	return
}

// RequestMessage asks a peer for a block of a piece.
type RequestMessage struct {
	Index, Begin, Length uint32
}

func (m RequestMessage) ID() MessageID { return Request }

func (m RequestMessage) Read(b []byte) (int, error) {
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return 12, io.EOF
}

// DecodeRequest parses a Request/Cancel payload of exactly 12 bytes.
func DecodeRequest(b []byte) (RequestMessage, error) {
	if len(b) != 12 {
		return RequestMessage{}, ErrProtocolViolation
	}
	return RequestMessage{
		Index:  binary.BigEndian.Uint32(b[0:4]),
		Begin:  binary.BigEndian.Uint32(b[4:8]),
		Length: binary.BigEndian.Uint32(b[8:12]),
	}, nil
}

// CancelMessage withdraws a previously sent Request.
type CancelMessage struct{ RequestMessage }

func (m CancelMessage) ID() MessageID { return Cancel }

// PieceMessage carries one block of a piece.
type PieceMessage struct {
	Index, Begin uint32
	Block        []byte
	pos          int
}

func (m PieceMessage) ID() MessageID { return Piece }

func (m *PieceMessage) Read(b []byte) (n int, err error) {
	if m.pos < 8 {
		var hdr [8]byte
		binary.BigEndian.PutUint32(hdr[0:4], m.Index)
		binary.BigEndian.PutUint32(hdr[4:8], m.Begin)
		n = copy(b, hdr[m.pos:])
		m.pos += n
		if m.pos < 8 {
			return n, nil
		}
		b = b[n:]
	}
	blockPos := m.pos - 8
	c := copy(b, m.Block[blockPos:])
	n += c
	m.pos += c
	if m.pos == 8+len(m.Block) {
		err = io.EOF
	}
	return n, err
}

// DecodePiece parses a Piece payload: a 4-byte index, 4-byte begin, and
// the remaining bytes as the block. Ownership of buf's backing array
// passes to the caller.
func DecodePiece(buf []byte) (PieceMessage, error) {
	if len(buf) < 8 {
		return PieceMessage{}, ErrProtocolViolation
	}
	return PieceMessage{
		Index: binary.BigEndian.Uint32(buf[0:4]),
		Begin: binary.BigEndian.Uint32(buf[4:8]),
		Block: buf[8:],
	}, nil
}
