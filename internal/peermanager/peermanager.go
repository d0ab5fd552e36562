// Package peermanager implements C4: dialing peer candidates and
// accepting inbound connections up to a max_peers ceiling, and running
// the fixed-slot choking policy over the resulting sessions. Message
// handling itself is delegated to a scheduler.Scheduler; this package
// only owns connection lifecycle and upload-slot rotation.
package peermanager

import (
	"sync"
	"time"

	"github.com/arvidnorr/torrentcore/internal/bitfield"
	"github.com/arvidnorr/torrentcore/internal/logger"
	"github.com/arvidnorr/torrentcore/internal/peerconn"
	"github.com/arvidnorr/torrentcore/internal/peerprotocol"
)

// DefaultMaxPeers is the default ceiling on simultaneously connected
// peers for one torrent, per spec.md §4.4.
const DefaultMaxPeers = 50

// keepAliveTick is how often each peer's KeepAliveLoop checks whether
// a keep-alive is due.
const keepAliveTick = 30 * time.Second

// dialTimeout bounds a single outgoing TCP connection attempt.
const dialTimeout = 10 * time.Second

// handshakeTimeout bounds the 68-byte handshake exchange in either
// direction.
const handshakeTimeout = 20 * time.Second

// Scheduler is the subset of *scheduler.Scheduler the peer manager
// drives. Declared here, rather than imported directly, so this
// package has no dependency on scheduler's internals beyond this
// narrow surface and can be driven by a fake in tests.
type Scheduler interface {
	AddPeer(conn *peerconn.PeerConn)
	RemovePeer(addr string)
	HandlerFor(addr string) peerconn.Handler
	PeerDownloadSpeed(addr string) int64
	PeerUploadSpeed(addr string) int64
	Completed() bool
}

// Blocklist reports whether a peer ID is banned. internal/blocklist
// satisfies this; declared here to keep this package's dependency on
// it optional and test-friendly.
type Blocklist interface {
	Banned(peerID [20]byte) bool
}

// BitfieldSource supplies this side's current piece availability.
// internal/piecestore.Store satisfies this; declared here so the
// manager can send our bitfield immediately after a handshake
// completes (spec.md §4.3) without depending on piecestore directly.
type BitfieldSource interface {
	Bitfield() bitfield.Bitfield
}

// PeerSource supplies candidate peer addresses ("host:port") to dial.
// Tracker announce and DHT lookups are external collaborators that
// implement this to feed the manager; the source may be reused across
// calls to Run and is expected to keep producing candidates for as
// long as the download runs.
type PeerSource interface {
	Candidates() <-chan string
}

// peerHandle is the per-peer bookkeeping the choker ranks and mutates,
// layered on top of a connected peerconn.PeerConn.
type peerHandle struct {
	conn       *peerconn.PeerConn
	sched      Scheduler
	optimistic bool
}

func (h *peerHandle) Choke()               { _ = h.conn.SetAmChoking(true) }
func (h *peerHandle) Unchoke()             { _ = h.conn.SetAmChoking(false) }
func (h *peerHandle) Choking() bool        { return h.conn.AmChoking() }
func (h *peerHandle) Interested() bool     { return h.conn.PeerInterested() }
func (h *peerHandle) SetOptimistic(v bool) { h.optimistic = v }
func (h *peerHandle) Optimistic() bool     { return h.optimistic }
func (h *peerHandle) DownloadSpeed() int64 { return h.sched.PeerDownloadSpeed(h.conn.Addr) }
func (h *peerHandle) UploadSpeed() int64   { return h.sched.PeerUploadSpeed(h.conn.Addr) }

// Manager owns peer connection lifecycle for one torrent: dialing
// candidates and accepting inbound connections up to MaxPeers, and
// rotating which unchoked peers hold upload slots.
type Manager struct {
	infoHash       [20]byte
	peerID         [20]byte
	numPieces      uint32
	maxFrameLength uint32
	bitfieldSrc    BitfieldSource
	sched          Scheduler
	log            logger.Logger

	maxPeers  int
	limiter   chan struct{}
	blocklist Blocklist

	mu     sync.Mutex
	peers  map[string]*peerHandle
	choker *choker

	// listenerReady receives the bound address once accept() has
	// successfully opened its listening socket, mirroring the
	// teacher's own listener-handoff channel. Buffered so accept()
	// never blocks on a test (or caller) that isn't watching it.
	listenerReady chan string

	wg sync.WaitGroup
}

// New returns a Manager for one torrent. numPieces sizes each accepted
// or dialed peerconn's bitfield tracker; pieceLength derives the frame-
// length ceiling each session enforces on read, per spec.md §4.3.
// bitfieldSrc is sent to every peer immediately after its handshake
// completes. maxPeers <= 0 uses DefaultMaxPeers.
func New(infoHash, peerID [20]byte, numPieces uint32, pieceLength int64, bitfieldSrc BitfieldSource, sched Scheduler, maxPeers int, log logger.Logger) *Manager {
	if maxPeers <= 0 {
		maxPeers = DefaultMaxPeers
	}
	return &Manager{
		infoHash:       infoHash,
		peerID:         peerID,
		numPieces:      numPieces,
		maxFrameLength: peerprotocol.MaxFrameLengthFor(pieceLength),
		bitfieldSrc:    bitfieldSrc,
		sched:          sched,
		log:            log,
		maxPeers:       maxPeers,
		limiter:        make(chan struct{}, maxPeers),
		peers:          make(map[string]*peerHandle),
		choker:         newChoker(),
		listenerReady:  make(chan string, 1),
	}
}

// PeerCount returns the number of currently connected peers.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// ListenerReady receives the actual bound address once accept() has
// opened its listening socket. Useful when Run is given an
// ephemeral-port address such as ":0".
func (m *Manager) ListenerReady() <-chan string { return m.listenerReady }

// SetBlocklist wires a persisted ban store; handshakes from banned
// peer IDs are rejected before they ever reach the scheduler.
func (m *Manager) SetBlocklist(bl Blocklist) { m.blocklist = bl }

func (m *Manager) rejectBanned(peerID [20]byte) bool {
	return m.blocklist != nil && m.blocklist.Banned(peerID)
}

// Run drives dialing from source, accepting on listenAddr, and choke
// rotation until stop closes. listenAddr == "" skips accepting
// (outgoing-only mode); source == nil skips dialing (accept-only).
func (m *Manager) Run(stop <-chan struct{}, source PeerSource, listenAddr string) {
	if listenAddr != "" {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.accept(stop, listenAddr)
		}()
	}
	if source != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.dial(stop, source)
		}()
	}

	ticker := time.NewTicker(ChokeTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tickChoke()
		case <-stop:
			m.wg.Wait()
			return
		}
	}
}

func (m *Manager) tickChoke() {
	m.mu.Lock()
	handles := make([]chokePeer, 0, len(m.peers))
	for _, h := range m.peers {
		handles = append(handles, h)
	}
	m.mu.Unlock()
	if len(handles) == 0 {
		return
	}
	m.choker.tick(handles, m.sched.Completed())
}

// HandleInterested runs the fast-unchoke path: a newly-interested peer
// gets a free slot immediately instead of waiting for the next
// rotation.
func (m *Manager) HandleInterested(addr string) {
	m.mu.Lock()
	h, ok := m.peers[addr]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.choker.fastUnchoke(h)
}

func (m *Manager) acquireSlot() bool {
	select {
	case m.limiter <- struct{}{}:
		return true
	default:
		return false
	}
}

func (m *Manager) releaseSlot() { <-m.limiter }

// register hands a freshly-handshaken connection to the scheduler and
// starts its read/keep-alive loops. Returns false if a session with
// this peer's address already exists.
func (m *Manager) register(conn *peerconn.PeerConn) bool {
	m.mu.Lock()
	if _, exists := m.peers[conn.Addr]; exists {
		m.mu.Unlock()
		return false
	}
	h := &peerHandle{conn: conn, sched: m.sched}
	m.peers[conn.Addr] = h
	m.mu.Unlock()

	m.sched.AddPeer(conn)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.unregister(conn.Addr)
		if err := conn.ReadLoop(m.handlerFor(conn.Addr)); err != nil {
			m.log.Debugf("peer %s disconnected: %s", conn.Addr, err)
		}
	}()
	go conn.KeepAliveLoop(conn.Closed(), keepAliveTick)
	return true
}

func (m *Manager) unregister(addr string) {
	m.mu.Lock()
	h, ok := m.peers[addr]
	if ok {
		delete(m.peers, addr)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.choker.handleDisconnect(h)
	m.sched.RemovePeer(addr)
	m.releaseSlot()
}

// handlerFor wraps the scheduler's handler to also drive the
// fast-unchoke path on Interested, which the scheduler has no reason
// to know about.
func (m *Manager) handlerFor(addr string) peerconn.Handler {
	return &fastUnchokeHandler{Handler: m.sched.HandlerFor(addr), m: m, addr: addr}
}

type fastUnchokeHandler struct {
	peerconn.Handler
	m    *Manager
	addr string
}

func (h *fastUnchokeHandler) OnInterested() {
	h.Handler.OnInterested()
	h.m.HandleInterested(h.addr)
}
