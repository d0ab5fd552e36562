package peermanager

import (
	"net"
	"time"

	"github.com/arvidnorr/torrentcore/internal/coreerr"
	"github.com/arvidnorr/torrentcore/internal/peerconn"
	"github.com/arvidnorr/torrentcore/internal/peerprotocol"
)

// dial consumes candidate addresses from source and attempts to
// connect to each, up to whatever slots acquireSlot allows, until
// stop closes or source's channel is exhausted.
func (m *Manager) dial(stop <-chan struct{}, source PeerSource) {
	candidates := source.Candidates()
	for {
		select {
		case addr, ok := <-candidates:
			if !ok {
				return
			}
			if !m.acquireSlot() {
				continue
			}
			go m.dialOne(addr)
		case <-stop:
			return
		}
	}
}

func (m *Manager) dialOne(addr string) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		m.log.Debugf("dial %s failed: %s", addr, err)
		m.releaseSlot()
		return
	}
	pc, err := m.handshakeOutgoing(conn)
	if err != nil {
		m.log.Debugf("handshake with %s failed: %s", addr, err)
		conn.Close()
		m.releaseSlot()
		return
	}
	if !m.register(pc) {
		pc.Close()
		m.releaseSlot()
	}
}

// handshakeOutgoing sends our handshake first, per protocol
// convention for the dialing side, then reads the peer's response and
// sends our bitfield.
func (m *Manager) handshakeOutgoing(conn net.Conn) (*peerconn.PeerConn, error) {
	if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return nil, err
	}
	if err := peerprotocol.WriteHandshake(conn, m.infoHash, m.peerID); err != nil {
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
	if err := m.sendBitfield(conn); err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	return peerconn.New(conn, peerconn.Outgoing, peerID, m.numPieces, m.maxFrameLength, m.log), nil
}
