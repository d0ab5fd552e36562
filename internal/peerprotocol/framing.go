package peerprotocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// MaxBlockLength is the largest block size accepted in a Request,
// Cancel, or Piece message. Requests above this are a protocol
// violation regardless of what the peer claims to want.
const MaxBlockLength = 32 * 1024

// DefaultMaxFrameLength is the frame-length ceiling's floor: 2^17+13,
// per spec.md §4.3's max(L+13, 2^17+13). It alone already covers the
// largest legitimate Piece frame (1 id byte + 8 header bytes +
// MaxBlockLength of block data) with room to spare, so any torrent
// whose piece length is under 2^17 uses this value unchanged.
const DefaultMaxFrameLength = 1<<17 + 13

// MaxFrameLengthFor returns the frame-length ceiling for a torrent
// whose piece length is L: max(L+13, 2^17+13). A Bitfield frame is
// ceil(P/8)+1 bytes, which for any torrent laid out with piece length
// L comfortably fits under L+13, so this bound never rejects a
// legitimate Bitfield the way a fixed constant sized only for Piece
// frames would on a torrent with an unusually high piece count.
func MaxFrameLengthFor(pieceLength int64) uint32 {
	l := pieceLength + 13
	if l < DefaultMaxFrameLength {
		return DefaultMaxFrameLength
	}
	return uint32(l)
}

// ErrProtocolViolation is returned for malformed messages, out-of-range
// indices, and frames outside the sizes this protocol allows.
var ErrProtocolViolation = errors.New("peerprotocol: protocol violation")

// WriteMessage writes msg to w as a 4-byte big-endian length prefix
// (covering the id byte and payload) followed by the id byte and
// payload, as a single Write.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := io.ReadAll(msg)
	if err != nil && err != io.EOF {
		return err
	}
	frame := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(1+len(payload)))
	frame[4] = byte(msg.ID())
	copy(frame[5:], payload)
	_, err = w.Write(frame)
	return err
}

// WriteKeepAlive writes a zero-length keep-alive frame.
func WriteKeepAlive(w io.Writer) error {
	var zero [4]byte
	_, err := w.Write(zero[:])
	return err
}

// ReadMessage reads one frame from r. A nil Message with a nil error
// indicates a keep-alive. first indicates whether this is the first
// message read on the connection, since Bitfield may only appear
// there. maxFrameLength bounds the length prefix; use MaxFrameLengthFor
// to derive it from the torrent's piece length, or DefaultMaxFrameLength
// where no torrent-specific bound applies.
func ReadMessage(r io.Reader, first bool, maxFrameLength uint32) (Message, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length == 0 {
		return nil, nil // keep-alive
	}
	if length > maxFrameLength {
		return nil, ErrProtocolViolation
	}

	var idBuf [1]byte
	if _, err := io.ReadFull(r, idBuf[:]); err != nil {
		return nil, err
	}
	id := MessageID(idBuf[0])
	payloadLen := length - 1
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}

	switch id {
	case Choke:
		return requireEmpty(payload, ChokeMessage{})
	case Unchoke:
		return requireEmpty(payload, UnchokeMessage{})
	case Interested:
		return requireEmpty(payload, InterestedMessage{})
	case NotInterested:
		return requireEmpty(payload, NotInterestedMessage{})
	case Have:
		m, err := DecodeHave(payload)
		return m, err
	case Bitfield:
		if !first {
			return nil, ErrProtocolViolation
		}
		return &BitfieldMessage{Data: payload}, nil
	case Request:
		m, err := DecodeRequest(payload)
		if err != nil {
			return nil, err
		}
		if m.Length > MaxBlockLength {
			return nil, ErrProtocolViolation
		}
		return m, nil
	case Cancel:
		m, err := DecodeRequest(payload)
		if err != nil {
			return nil, err
		}
		return CancelMessage{RequestMessage: m}, nil
	case Piece:
		m, err := DecodePiece(payload)
		if err != nil {
			return nil, err
		}
		if len(m.Block) > MaxBlockLength {
			return nil, ErrProtocolViolation
		}
		return &m, nil
	default:
		return nil, ErrProtocolViolation
	}
}

func requireEmpty(payload []byte, msg Message) (Message, error) {
	if len(payload) != 0 {
		return nil, ErrProtocolViolation
	}
	return msg, nil
}
