package peermanager

import (
	"errors"
	"net"
	"time"

	"github.com/arvidnorr/torrentcore/internal/coreerr"
	"github.com/arvidnorr/torrentcore/internal/peerconn"
	"github.com/arvidnorr/torrentcore/internal/peerprotocol"
)

// accept listens on listenAddr and hands every inbound connection
// through the handshake to register, until stop closes.
func (m *Manager) accept(stop <-chan struct{}, listenAddr string) {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		m.log.Errorf("cannot listen on %s: %s", listenAddr, err)
		return
	}
	m.listenerReady <- ln.Addr().String()
	go func() {
		<-stop
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		if !m.acquireSlot() {
			conn.Close()
			continue
		}
		go m.acceptOne(conn)
	}
}

func (m *Manager) acceptOne(conn net.Conn) {
	pc, err := m.handshakeIncoming(conn)
	if err != nil {
		m.log.Debugf("incoming handshake from %s failed: %s", conn.RemoteAddr(), err)
		conn.Close()
		m.releaseSlot()
		return
	}
	if !m.register(pc) {
		pc.Close()
		m.releaseSlot()
	}
}

// handshakeIncoming reads the connecting peer's handshake first, per
// protocol convention for the accepting side, then answers with ours
// followed by our bitfield.
func (m *Manager) handshakeIncoming(conn net.Conn) (*peerconn.PeerConn, error) {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, err
	}
	gotHash, peerID, err := peerprotocol.ReadHandshake(conn)
	if err != nil {
		return nil, err
	}
	if err := checkInfoHash(conn, gotHash, m.infoHash); err != nil {
		return nil, err
	}
	if m.rejectBanned(peerID) {
		return nil, coreerr.New(coreerr.Handshake, errBanned, conn.RemoteAddr().String())
	}
	if err := peerprotocol.WriteHandshake(conn, m.infoHash, m.peerID); err != nil {
		return nil, err
	}
	if err := m.sendBitfield(conn); err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return peerconn.New(conn, peerconn.Incoming, peerID, m.numPieces, m.maxFrameLength, m.log), nil
}

// sendBitfield writes our current piece availability (which may be
// all-zero on a fresh download) right after the handshake, so a
// resumed download advertises already-verified pieces before the next
// Have would otherwise announce them one at a time.
func (m *Manager) sendBitfield(conn net.Conn) error {
	if m.bitfieldSrc == nil {
		return nil
	}
	bf := m.bitfieldSrc.Bitfield()
	return peerprotocol.WriteMessage(conn, &peerprotocol.BitfieldMessage{Data: bf.Bytes()})
}

func checkInfoHash(conn net.Conn, got, want [20]byte) error {
	if got != want {
		return coreerr.New(coreerr.Handshake, errors.New("info hash mismatch"), conn.RemoteAddr().String())
	}
	return nil
}

var errBanned = errors.New("peer id is on the blocklist")
