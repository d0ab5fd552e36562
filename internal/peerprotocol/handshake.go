package peerprotocol

import (
	"bytes"
	"errors"
	"io"
)

const protocolString = "BitTorrent protocol"

// HandshakeLen is the fixed size of a handshake message: 1 pstrlen
// byte, 19 pstr bytes, 8 reserved bytes, 20 info-hash bytes, 20 peer-id
// bytes.
const HandshakeLen = 1 + 19 + 8 + 20 + 20

// ErrHandshake is returned when a peer's handshake does not identify
// the BitTorrent protocol or names a different torrent.
var ErrHandshake = errors.New("peerprotocol: invalid handshake")

// WriteHandshake writes the 68-byte handshake.
func WriteHandshake(w io.Writer, infoHash, peerID [20]byte) error {
	var buf [HandshakeLen]byte
	buf[0] = byte(len(protocolString))
	copy(buf[1:20], protocolString)
	// bytes 20:28 are the reserved extension flags; this build declares none.
	copy(buf[28:48], infoHash[:])
	copy(buf[48:68], peerID[:])
	_, err := w.Write(buf[:])
	return err
}

// ReadHandshake reads and validates a 68-byte handshake, returning the
// peer's declared info hash and peer id.
func ReadHandshake(r io.Reader) (infoHash, peerID [20]byte, err error) {
	var buf [HandshakeLen]byte
	if _, err = io.ReadFull(r, buf[:]); err != nil {
		return
	}
	if buf[0] != byte(len(protocolString)) || !bytes.Equal(buf[1:20], []byte(protocolString)) {
		err = ErrHandshake
		return
	}
	copy(infoHash[:], buf[28:48])
	copy(peerID[:], buf[48:68])
	return
}
