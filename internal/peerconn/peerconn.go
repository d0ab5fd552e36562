// Package peerconn implements the per-peer wire session: choke state,
// keep-alives, and outstanding-request bookkeeping layered on top of
// the peerprotocol message framing.
package peerconn

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/arvidnorr/torrentcore/internal/bitfield"
	"github.com/arvidnorr/torrentcore/internal/coreerr"
	"github.com/arvidnorr/torrentcore/internal/logger"
	"github.com/arvidnorr/torrentcore/internal/peerprotocol"
)

// Direction records which side dialed the connection.
type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

// keepAliveIdle is how long a connection may sit silent before this
// side sends a keep-alive.
const keepAliveIdle = 2 * time.Minute

// readTimeout is how long a connection may sit silent, in either
// direction, before it is considered dead. It allows 30 seconds of
// slack past keepAliveIdle.
const readTimeout = keepAliveIdle + 30*time.Second

// blockKey identifies one outstanding block request.
type blockKey struct {
	Index, Begin uint32
}

// PeerConn is one peer's wire session after a successful handshake.
type PeerConn struct {
	Addr      string
	Direction Direction
	PeerID    [20]byte

	conn           net.Conn
	log            logger.Logger
	maxFrameLength uint32

	writeMu     sync.Mutex
	lastWriteAt time.Time

	mu             sync.Mutex
	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerBitfield   bitfield.Bitfield
	outstanding    map[blockKey]time.Time
	firstMessage   bool

	closeOnce sync.Once
	closed    chan struct{}
}

// New wraps conn as a peer session. numPieces sizes the peer's
// bitfield tracker. maxFrameLength bounds the length prefix this
// session accepts on read; derive it with peerprotocol.MaxFrameLengthFor.
func New(conn net.Conn, direction Direction, peerID [20]byte, numPieces uint32, maxFrameLength uint32, log logger.Logger) *PeerConn {
	return &PeerConn{
		Addr:           conn.RemoteAddr().String(),
		Direction:      direction,
		PeerID:         peerID,
		conn:           conn,
		log:            log,
		maxFrameLength: maxFrameLength,
		amChoking:      true,
		peerChoking:    true,
		peerBitfield:   bitfield.New(numPieces),
		outstanding:    make(map[blockKey]time.Time),
		firstMessage:   true,
		closed:         make(chan struct{}),
	}
}

func (p *PeerConn) AmChoking() bool      { p.mu.Lock(); defer p.mu.Unlock(); return p.amChoking }
func (p *PeerConn) AmInterested() bool   { p.mu.Lock(); defer p.mu.Unlock(); return p.amInterested }
func (p *PeerConn) PeerChoking() bool    { p.mu.Lock(); defer p.mu.Unlock(); return p.peerChoking }
func (p *PeerConn) PeerInterested() bool { p.mu.Lock(); defer p.mu.Unlock(); return p.peerInterested }

// PeerBitfield returns a snapshot of the peer's last-known piece
// availability.
func (p *PeerConn) PeerBitfield() bitfield.Bitfield {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bitfield.NewBytes(append([]byte(nil), p.peerBitfield.Bytes()...), p.peerBitfield.Len())
}

// SetAmChoking updates our choke state toward this peer and notifies
// it on the wire, unless it is already in that state.
func (p *PeerConn) SetAmChoking(choking bool) error {
	p.mu.Lock()
	changed := p.amChoking != choking
	p.amChoking = choking
	p.mu.Unlock()
	if !changed {
		return nil
	}
	if choking {
		return p.Send(peerprotocol.ChokeMessage{})
	}
	return p.Send(peerprotocol.UnchokeMessage{})
}

// SetAmInterested updates our interest in this peer's pieces and
// notifies it on the wire, unless it is already in that state.
func (p *PeerConn) SetAmInterested(interested bool) error {
	p.mu.Lock()
	changed := p.amInterested != interested
	p.amInterested = interested
	p.mu.Unlock()
	if !changed {
		return nil
	}
	if interested {
		return p.Send(peerprotocol.InterestedMessage{})
	}
	return p.Send(peerprotocol.NotInterestedMessage{})
}

// Send writes one message to the peer, serialized against concurrent
// senders (the choke ticker, the scheduler, keep-alives).
func (p *PeerConn) Send(msg peerprotocol.Message) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return err
	}
	p.lastWriteAt = time.Now()
	return peerprotocol.WriteMessage(p.conn, msg)
}

// SendKeepAlive writes a zero-length frame if nothing else has been
// sent recently.
func (p *PeerConn) SendKeepAlive() error {
	p.writeMu.Lock()
	idle := time.Since(p.lastWriteAt) >= keepAliveIdle
	p.writeMu.Unlock()
	if !idle {
		return nil
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(30 * time.Second)); err != nil {
		return err
	}
	p.lastWriteAt = time.Now()
	return peerprotocol.WriteKeepAlive(p.conn)
}

// MarkRequested records a block as outstanding, sent at now.
func (p *PeerConn) MarkRequested(index, begin uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding[blockKey{index, begin}] = time.Now()
}

// ClearRequested removes a block from the outstanding set, returning
// whether it was present (a Piece or Cancel resolves a request; a
// duplicate or stray response does not).
func (p *PeerConn) ClearRequested(index, begin uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := blockKey{index, begin}
	_, ok := p.outstanding[k]
	delete(p.outstanding, k)
	return ok
}

// HasOutstanding reports whether (index, begin) is currently requested
// from this peer.
func (p *PeerConn) HasOutstanding(index, begin uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.outstanding[blockKey{index, begin}]
	return ok
}

// OutstandingCount returns the number of unresolved block requests
// sent to this peer.
func (p *PeerConn) OutstandingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.outstanding)
}

// TimedOut returns the (index, begin) pairs requested more than
// timeout ago and still unresolved, for the scheduler to re-dispatch.
func (p *PeerConn) TimedOut(timeout time.Duration) []peerprotocol.RequestMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var out []peerprotocol.RequestMessage
	for k, sentAt := range p.outstanding {
		if now.Sub(sentAt) >= timeout {
			out = append(out, peerprotocol.RequestMessage{Index: k.Index, Begin: k.Begin})
		}
	}
	return out
}

// ClearAllRequested drops every outstanding request, used when the
// peer chokes us: none of them will be answered.
func (p *PeerConn) ClearAllRequested() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding = make(map[blockKey]time.Time)
}

// Handler receives decoded messages off the read loop. It runs on the
// read loop's goroutine and must not block.
type Handler interface {
	OnChoke()
	OnUnchoke()
	OnInterested()
	OnNotInterested()
	OnHave(index uint32) error
	OnBitfield(bf bitfield.Bitfield) error
	OnRequest(req peerprotocol.RequestMessage) error
	OnPiece(msg *peerprotocol.PieceMessage) error
	OnCancel(req peerprotocol.RequestMessage) error
}

// ReadLoop reads and dispatches messages until the connection closes
// or a protocol violation is seen. It applies choke/interest/bitfield
// state itself; everything else is forwarded to h.
func (p *PeerConn) ReadLoop(h Handler) error {
	defer p.Close()
	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		p.mu.Lock()
		first := p.firstMessage
		p.mu.Unlock()

		msg, err := peerprotocol.ReadMessage(p.conn, first, p.maxFrameLength)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return coreerr.New(coreerr.ProtocolViolation, err, p.Addr)
		}
		p.mu.Lock()
		p.firstMessage = false
		p.mu.Unlock()

		if msg == nil {
			continue // keep-alive
		}

		switch m := msg.(type) {
		case peerprotocol.ChokeMessage:
			p.mu.Lock()
			p.peerChoking = true
			p.mu.Unlock()
			p.ClearAllRequested()
			h.OnChoke()
		case peerprotocol.UnchokeMessage:
			p.mu.Lock()
			p.peerChoking = false
			p.mu.Unlock()
			h.OnUnchoke()
		case peerprotocol.InterestedMessage:
			p.mu.Lock()
			p.peerInterested = true
			p.mu.Unlock()
			h.OnInterested()
		case peerprotocol.NotInterestedMessage:
			p.mu.Lock()
			p.peerInterested = false
			p.mu.Unlock()
			h.OnNotInterested()
		case peerprotocol.HaveMessage:
			p.mu.Lock()
			if m.Index >= p.peerBitfield.Len() {
				p.mu.Unlock()
				return coreerr.New(coreerr.ProtocolViolation, errors.New("have index out of range"), p.Addr)
			}
			p.peerBitfield.Set(m.Index)
			p.mu.Unlock()
			if err := h.OnHave(m.Index); err != nil {
				return err
			}
		case *peerprotocol.BitfieldMessage:
			bf, err := p.applyBitfield(m.Data)
			if err != nil {
				return err
			}
			if err := h.OnBitfield(bf); err != nil {
				return err
			}
		case peerprotocol.RequestMessage:
			if m.Index >= p.peerBitfield.Len() {
				return coreerr.New(coreerr.ProtocolViolation, errors.New("request index out of range"), p.Addr)
			}
			if err := h.OnRequest(m); err != nil {
				return err
			}
		case *peerprotocol.PieceMessage:
			p.ClearRequested(m.Index, m.Begin)
			if err := h.OnPiece(m); err != nil {
				return err
			}
		case peerprotocol.CancelMessage:
			if err := h.OnCancel(m.RequestMessage); err != nil {
				return err
			}
		default:
			return coreerr.New(coreerr.ProtocolViolation, errors.New("unhandled message type"), p.Addr)
		}
	}
}

func (p *PeerConn) applyBitfield(data []byte) (bitfield.Bitfield, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	want := (int(p.peerBitfield.Len()) + 7) / 8
	if len(data) != want {
		return bitfield.Bitfield{}, coreerr.New(coreerr.ProtocolViolation, errors.New("bitfield length mismatch"), p.Addr)
	}
	p.peerBitfield = bitfield.NewBytes(data, p.peerBitfield.Len())
	return bitfield.NewBytes(append([]byte(nil), data...), p.peerBitfield.Len()), nil
}

// KeepAliveLoop sends a keep-alive on the given tick as long as
// nothing else has been written recently. Run it as its own goroutine
// alongside ReadLoop; it exits when stop fires or a write fails.
func (p *PeerConn) KeepAliveLoop(stop <-chan struct{}, tick time.Duration) {
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := p.SendKeepAlive(); err != nil {
				p.log.Debugf("keep-alive failed for %s: %s", p.Addr, err)
				p.Close()
				return
			}
		case <-stop:
			return
		case <-p.closed:
			return
		}
	}
}

// Close closes the underlying connection. Safe to call more than once.
func (p *PeerConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}

// Closed reports whether the connection has been closed.
func (p *PeerConn) Closed() <-chan struct{} { return p.closed }
