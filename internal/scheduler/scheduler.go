// Package scheduler implements the download-side block scheduling
// loop (C5): picking which piece and block to request from which
// peer, tracking outstanding requests, and handing verified pieces off
// to the storage sink.
package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/arvidnorr/torrentcore/internal/bitfield"
	"github.com/arvidnorr/torrentcore/internal/coreerr"
	"github.com/arvidnorr/torrentcore/internal/logger"
	"github.com/arvidnorr/torrentcore/internal/peerconn"
	"github.com/arvidnorr/torrentcore/internal/peerprotocol"
	"github.com/arvidnorr/torrentcore/internal/piece"
	"github.com/arvidnorr/torrentcore/internal/piecepicker"
	"github.com/arvidnorr/torrentcore/internal/piecestore"
	"github.com/arvidnorr/torrentcore/internal/stats"
	"github.com/arvidnorr/torrentcore/internal/storage"
	"github.com/arvidnorr/torrentcore/internal/torrentinfo"
	"github.com/rcrowley/go-metrics"
)

// PipelineDepth is the number of outstanding block requests kept open
// per peer.
const PipelineDepth = 16

// MaxConcurrentPieces caps how many pieces are being assembled at
// once. Once at the cap, the scheduler keeps feeding blocks for
// already-active pieces but will not start a new one.
const MaxConcurrentPieces = 5

// BlockTimeout is how long a block request may go unanswered before
// it is considered lost and re-dispatched.
const BlockTimeout = 30 * time.Second

// MaxConsecutiveFailures is how many pieces in a row a peer may
// contribute the finishing block to and have fail verification before
// the peer is disconnected.
const MaxConsecutiveFailures = 3

type peerState struct {
	conn                *peerconn.PeerConn
	consecutiveFailures int
	downloadMeter       metrics.Meter
	uploadMeter         metrics.Meter
}

// Scheduler drives piece and block selection across the swarm.
type Scheduler struct {
	info  *torrentinfo.Info
	store *piecestore.Store
	sink  storage.Sink
	stats *stats.Stats
	log   logger.Logger

	picker   *piecepicker.PiecePicker
	inflight *Inflight

	// banHook, if set, is called when a peer is disconnected for
	// MaxConsecutiveFailures bad pieces, so an external collaborator
	// (the blocklist) can persist the ban past this process.
	banHook func(peerID [20]byte, addr string)

	mu             sync.Mutex
	peers          map[string]*peerState
	activePieces   map[uint32]struct{} // pieces currently being assembled by at least one peer
	assignedPiece  map[string]uint32   // peer addr -> piece it is currently pulling blocks for
	completingPeer map[uint32]string   // index -> peer whose block completed it, for failure attribution
	endgame        bool
}

// New returns a Scheduler for one torrent.
func New(info *torrentinfo.Info, store *piecestore.Store, sink storage.Sink, st *stats.Stats, sequential bool, log logger.Logger) *Scheduler {
	return &Scheduler{
		info:           info,
		store:          store,
		sink:           sink,
		stats:          st,
		log:            log,
		picker:         piecepicker.New(info.NumPieces(), sequential),
		inflight:       NewInflight(),
		peers:          make(map[string]*peerState),
		activePieces:   make(map[uint32]struct{}),
		assignedPiece:  make(map[string]uint32),
		completingPeer: make(map[uint32]string),
	}
}

// AddPeer registers a connected peer and immediately tries to fill its
// request pipeline.
func (s *Scheduler) AddPeer(conn *peerconn.PeerConn) {
	s.mu.Lock()
	s.peers[conn.Addr] = &peerState{conn: conn, downloadMeter: metrics.NewMeter(), uploadMeter: metrics.NewMeter()}
	s.mu.Unlock()
	s.stats.ActivePeers.Inc(1)
	s.Schedule(conn.Addr)
}

// RemovePeer forgets a disconnected peer and returns its outstanding
// blocks to the pool for re-dispatch to whoever else has them.
func (s *Scheduler) RemovePeer(addr string) {
	s.mu.Lock()
	ps, ok := s.peers[addr]
	if ok {
		delete(s.peers, addr)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.stats.ActivePeers.Dec(1)
	s.picker.DecAvailability(ps.conn.PeerBitfield())
	removed := s.inflight.RemoveAllForPeer(addr)

	s.mu.Lock()
	if idx, has := s.assignedPiece[addr]; has {
		delete(s.assignedPiece, addr)
		s.picker.Unrequest(idx, addr)
	}
	s.mu.Unlock()

	s.redispatch(removed)
}

// HandleBitfield records a peer's full piece availability, updates our
// interest in it, and tries to schedule requests against it.
func (s *Scheduler) HandleBitfield(addr string) {
	s.mu.Lock()
	ps, ok := s.peers[addr]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.picker.IncAvailability(ps.conn.PeerBitfield())
	s.updateInterest(ps.conn)
	s.Schedule(addr)
}

// HandleHave records a single new piece announcement, updates our
// interest in the peer, and tries to schedule against it.
func (s *Scheduler) HandleHave(addr string, index uint32) {
	s.picker.IncAvailabilityOne(index)
	s.mu.Lock()
	ps, ok := s.peers[addr]
	s.mu.Unlock()
	if !ok {
		return
	}
	s.updateInterest(ps.conn)
	s.Schedule(addr)
}

// HandleUnchoke tries to fill a newly-unchoked peer's pipeline.
func (s *Scheduler) HandleUnchoke(addr string) {
	s.Schedule(addr)
}

// HandleChoke drops every request outstanding against addr from the
// inflight index and re-dispatches them to whoever else can serve
// them, instead of waiting up to BlockTimeout for SweepTimeouts to
// notice. conn's own outstanding set was already cleared by the read
// loop.
func (s *Scheduler) HandleChoke(addr string) {
	removed := s.inflight.RemoveAllForPeer(addr)

	s.mu.Lock()
	if idx, has := s.assignedPiece[addr]; has {
		delete(s.assignedPiece, addr)
		s.picker.Unrequest(idx, addr)
	}
	s.mu.Unlock()

	s.redispatch(removed)
}

// updateInterest sends Interested the first time conn's peer holds a
// piece we still need, and NotInterested once it no longer does. A
// well-behaved peer only unchokes peers that have declared interest,
// so without this a real swarm partner never unchokes us.
func (s *Scheduler) updateInterest(conn *peerconn.PeerConn) {
	needed := s.peerHasNeededPiece(conn)
	switch {
	case needed && !conn.AmInterested():
		if err := conn.SetAmInterested(true); err != nil {
			s.log.Debugf("interested to %s failed: %s", conn.Addr, err)
		}
	case !needed && conn.AmInterested():
		if err := conn.SetAmInterested(false); err != nil {
			s.log.Debugf("not interested to %s failed: %s", conn.Addr, err)
		}
	}
}

// peerHasNeededPiece reports whether conn's bitfield covers any piece
// this side hasn't already verified or finished downloading.
func (s *Scheduler) peerHasNeededPiece(conn *peerconn.PeerConn) bool {
	bf := conn.PeerBitfield()
	for i := uint32(0); i < s.info.NumPieces(); i++ {
		switch s.store.Status(i) {
		case piece.Verified, piece.CompleteUnverified:
			continue
		}
		if bf.Test(i) {
			return true
		}
	}
	return false
}

// Schedule fills addr's request pipeline up to PipelineDepth,
// respecting MaxConcurrentPieces and choke state.
func (s *Scheduler) Schedule(addr string) {
	s.mu.Lock()
	ps, ok := s.peers[addr]
	s.mu.Unlock()
	if !ok {
		return
	}
	if ps.conn.PeerChoking() {
		return
	}

	for s.inflight.CountForPeer(addr) < PipelineDepth {
		index, begin, length, ok := s.nextBlock(ps.conn)
		if !ok {
			return
		}
		if err := ps.conn.Send(peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length}); err != nil {
			s.log.Debugf("request to %s failed: %s", addr, err)
			return
		}
		ps.conn.MarkRequested(index, begin)
		s.inflight.Add(InflightBlock{Index: index, Begin: begin, Length: length, PeerAddr: addr, RequestedAt: time.Now()})
		s.stats.InflightBlocks.Inc(1)
	}
}

// nextBlock picks the next block to request from conn. A peer keeps
// pulling blocks from the one piece it is currently assigned to until
// that piece is exhausted from its point of view; only then does it
// fall back to the picker for a new piece, starting one only if under
// MaxConcurrentPieces.
func (s *Scheduler) nextBlock(conn *peerconn.PeerConn) (index, begin, length uint32, ok bool) {
	s.mu.Lock()
	assigned, hasAssignment := s.assignedPiece[conn.Addr]
	s.mu.Unlock()

	if hasAssignment {
		begin, length, ok = s.nextUnrequestedBlock(conn, assigned)
		return assigned, begin, length, ok
	}

	s.mu.Lock()
	activeCount := len(s.activePieces)
	maxDup := 1
	if s.endgame {
		maxDup = 2
	}
	s.mu.Unlock()

	eligible := func(i uint32) bool {
		switch s.store.Status(i) {
		case piece.Verified, piece.CompleteUnverified:
			return false
		}
		s.mu.Lock()
		_, active := s.activePieces[i]
		s.mu.Unlock()
		if !active && activeCount >= MaxConcurrentPieces && !s.endgame {
			return false
		}
		return true
	}

	index, ok = s.picker.Next(conn.PeerBitfield(), eligible, maxDup)
	if !ok {
		return 0, 0, 0, false
	}

	begin, length, ok = s.nextUnrequestedBlock(conn, index)
	if !ok {
		return 0, 0, 0, false
	}

	s.mu.Lock()
	s.activePieces[index] = struct{}{}
	s.assignedPiece[conn.Addr] = index
	s.mu.Unlock()
	s.picker.MarkRequested(index, conn.Addr)

	return index, begin, length, true
}

// nextUnrequestedBlock finds a block of index not currently requested
// from conn.
func (s *Scheduler) nextUnrequestedBlock(conn *peerconn.PeerConn, index uint32) (begin, length uint32, ok bool) {
	pieceLen := s.info.PieceLen(index)
	for _, blk := range piece.Blocks(pieceLen) {
		if s.store.HasBlock(index, blk.Begin) {
			continue
		}
		if conn.HasOutstanding(index, blk.Begin) {
			continue
		}
		return blk.Begin, blk.Length, true
	}
	return 0, 0, false
}

// HandlePiece processes a received block: writes it into the piece
// store, and if that completes a piece, verifies it and hands it to
// the sink.
func (s *Scheduler) HandlePiece(addr string, msg *peerprotocol.PieceMessage) error {
	if !s.inflight.Remove(msg.Index, msg.Begin, addr) {
		// Not requested from this peer: stray or already resolved by
		// another peer in endgame. Not a protocol violation on its own.
		return nil
	}
	s.stats.InflightBlocks.Dec(1)

	for _, other := range s.inflight.OtherRequesters(msg.Index, msg.Begin, addr) {
		s.inflight.Remove(msg.Index, msg.Begin, other)
		s.cancelFromPeer(other, msg.Index, msg.Begin, uint32(len(msg.Block)))
	}

	if err := s.store.AddBlock(msg.Index, msg.Begin, msg.Block); err != nil {
		return coreerr.New(coreerr.ProtocolViolation, err, addr)
	}
	s.stats.BytesDownloaded.Inc(int64(len(msg.Block)))
	s.stats.DownloadSpeed.Mark(int64(len(msg.Block)))

	s.mu.Lock()
	s.completingPeer[msg.Index] = addr
	if ps, ok := s.peers[addr]; ok {
		ps.downloadMeter.Mark(int64(len(msg.Block)))
	}
	s.mu.Unlock()

	if s.store.Status(msg.Index) != piece.CompleteUnverified {
		s.Schedule(addr)
		return nil
	}
	return s.finishPiece(msg.Index)
}

// HandleRequest serves an incoming block request from a peer we have
// unchoked. A request from a peer we are choking is dropped here;
// otherwise it is honored as long as the sink can read the piece.
func (s *Scheduler) HandleRequest(addr string, req peerprotocol.RequestMessage) error {
	s.mu.Lock()
	ps, ok := s.peers[addr]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if ps.conn.AmChoking() {
		return nil // choked peers get nothing, even if they ask
	}

	readable, ok := s.sink.(storage.Readable)
	if !ok {
		return nil // this sink variant cannot serve reads; silently drop
	}
	if req.Index >= s.info.NumPieces() || s.store.Status(req.Index) != piece.Verified {
		return nil
	}
	data, err := readable.ReadPiece(req.Index)
	if err != nil {
		return nil
	}
	if req.Begin+req.Length > uint32(len(data)) {
		return coreerr.New(coreerr.ProtocolViolation, errors.New("block request out of range"), addr)
	}
	block := data[req.Begin : req.Begin+req.Length]
	if err := ps.conn.Send(&peerprotocol.PieceMessage{Index: req.Index, Begin: req.Begin, Block: block}); err != nil {
		return err
	}
	s.stats.BytesUploaded.Inc(int64(len(block)))
	s.stats.UploadSpeed.Mark(int64(len(block)))
	s.mu.Lock()
	ps.uploadMeter.Mark(int64(len(block)))
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) cancelFromPeer(addr string, index, begin, length uint32) {
	s.mu.Lock()
	ps, ok := s.peers[addr]
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = ps.conn.Send(peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{Index: index, Begin: begin, Length: length}})
}

// finishPiece verifies a fully-downloaded piece and, on success, hands
// its bytes to the sink and broadcasts Have to every peer.
func (s *Scheduler) finishPiece(index uint32) error {
	ok, err := s.store.Verify(index)
	if err != nil {
		return err
	}

	s.mu.Lock()
	completer := s.completingPeer[index]
	delete(s.completingPeer, index)
	delete(s.activePieces, index)
	var releasedAddrs []string
	for addr, assigned := range s.assignedPiece {
		if assigned == index {
			delete(s.assignedPiece, addr)
			releasedAddrs = append(releasedAddrs, addr)
		}
	}
	s.mu.Unlock()
	for _, addr := range releasedAddrs {
		s.picker.Unrequest(index, addr)
	}
	defer func() {
		for _, addr := range releasedAddrs {
			s.Schedule(addr)
		}
	}()

	if !ok {
		s.stats.PiecesFailed.Inc(1)
		s.store.ResetFailed(index)
		if s.penalizeFailure(completer) {
			s.disconnectPeer(completer)
		}
		return nil
	}

	s.mu.Lock()
	if ps, ok := s.peers[completer]; ok {
		ps.consecutiveFailures = 0
	}
	s.mu.Unlock()

	data, err := s.store.TakeBytes(index)
	if err != nil {
		return err
	}
	if err := s.sink.WritePiece(index, data); err != nil {
		return err
	}
	s.stats.PiecesVerified.Inc(1)
	s.stats.PiecesDownloaded.Inc(1)
	s.broadcastHave(index)
	return nil
}

// penalizeFailure attributes a verification failure to the peer whose
// block completed the piece, returning true once that peer has failed
// MaxConsecutiveFailures pieces in a row.
func (s *Scheduler) penalizeFailure(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.peers[addr]
	if !ok {
		return false
	}
	ps.consecutiveFailures++
	return ps.consecutiveFailures >= MaxConsecutiveFailures
}

func (s *Scheduler) disconnectPeer(addr string) {
	s.mu.Lock()
	ps, ok := s.peers[addr]
	hook := s.banHook
	s.mu.Unlock()
	if !ok {
		return
	}
	s.log.Infof("disconnecting %s after %d consecutive verification failures", addr, MaxConsecutiveFailures)
	if hook != nil {
		hook(ps.conn.PeerID, addr)
	}
	ps.conn.Close()
}

func (s *Scheduler) broadcastHave(index uint32) {
	s.mu.Lock()
	addrs := make([]*peerState, 0, len(s.peers))
	for _, ps := range s.peers {
		addrs = append(addrs, ps)
	}
	s.mu.Unlock()
	for _, ps := range addrs {
		_ = ps.conn.Send(peerprotocol.HaveMessage{Index: index})
	}
}

// redispatch tries to re-request blocks that were abandoned by a
// disconnected peer or lost to a timeout, spreading them across every
// remaining peer that has the piece.
func (s *Scheduler) redispatch(blocks []InflightBlock) {
	if len(blocks) == 0 {
		return
	}
	s.mu.Lock()
	addrs := make([]string, 0, len(s.peers))
	for addr := range s.peers {
		addrs = append(addrs, addr)
	}
	s.mu.Unlock()
	for _, addr := range addrs {
		s.Schedule(addr)
	}
}

// SweepTimeouts re-dispatches every block request that has been
// outstanding longer than BlockTimeout. Call it on a periodic tick.
func (s *Scheduler) SweepTimeouts() {
	timedOut := s.inflight.TimedOut(BlockTimeout)
	for _, b := range timedOut {
		s.inflight.Remove(b.Index, b.Begin, b.PeerAddr)
		s.picker.Unrequest(b.Index, b.PeerAddr)
	}
	s.redispatch(timedOut)
}

// SetEndgame toggles endgame mode: while it is on (the caller turns
// it on once few enough blocks remain unrequested), the scheduler
// allows a block to be
// requested from more than one peer so the last few pieces are not
// held up by a single slow peer.
func (s *Scheduler) SetEndgame(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endgame = on
}

// Endgame reports whether endgame mode is active.
func (s *Scheduler) Endgame() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endgame
}

// RemainingPieces returns how many pieces are not yet verified.
func (s *Scheduler) RemainingPieces() uint32 {
	return s.store.NumPieces() - s.store.VerifiedCount()
}

// UnrequestedBlockCount returns how many blocks, across every
// unverified piece, have neither been received nor are currently
// outstanding against any peer. A caller drives endgame mode off this:
// once it drops below a small threshold and the download is mostly
// done, the last few blocks are worth duplicating across peers rather
// than waiting on whichever one is slowest.
func (s *Scheduler) UnrequestedBlockCount() uint32 {
	var count uint32
	for i := uint32(0); i < s.info.NumPieces(); i++ {
		if s.store.Status(i) == piece.Verified {
			continue
		}
		for _, blk := range piece.Blocks(s.info.PieceLen(i)) {
			if s.store.HasBlock(i, blk.Begin) {
				continue
			}
			if s.inflight.Requested(i, blk.Begin) {
				continue
			}
			count++
		}
	}
	return count
}

// SetBanHook registers a callback invoked whenever a peer is
// disconnected for repeated verification failures.
func (s *Scheduler) SetBanHook(f func(peerID [20]byte, addr string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.banHook = f
}

// PeerCount returns the number of peers currently tracked.
func (s *Scheduler) PeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// PeerDownloadSpeed returns addr's one-minute download rate in bytes
// per second, for the choker to rank peers on.
func (s *Scheduler) PeerDownloadSpeed(addr string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.peers[addr]
	if !ok {
		return 0
	}
	return int64(ps.downloadMeter.Rate1())
}

// PeerUploadSpeed returns addr's one-minute upload rate in bytes per
// second, for the choker to rank peers on once the download completes.
func (s *Scheduler) PeerUploadSpeed(addr string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.peers[addr]
	if !ok {
		return 0
	}
	return int64(ps.uploadMeter.Rate1())
}

// Completed reports whether every piece has been verified.
func (s *Scheduler) Completed() bool {
	return s.RemainingPieces() == 0
}

// HandlerFor adapts the scheduler to peerconn.Handler for one peer's
// read loop.
func (s *Scheduler) HandlerFor(addr string) peerconn.Handler {
	return &peerHandler{s: s, addr: addr}
}

type peerHandler struct {
	s    *Scheduler
	addr string
}

func (h *peerHandler) OnChoke() { h.s.HandleChoke(h.addr) }

func (h *peerHandler) OnUnchoke() { h.s.HandleUnchoke(h.addr) }

func (h *peerHandler) OnInterested() {}

func (h *peerHandler) OnNotInterested() {}

func (h *peerHandler) OnHave(index uint32) error {
	h.s.HandleHave(h.addr, index)
	return nil
}

func (h *peerHandler) OnBitfield(bitfield.Bitfield) error {
	h.s.HandleBitfield(h.addr)
	return nil
}

func (h *peerHandler) OnRequest(req peerprotocol.RequestMessage) error {
	return h.s.HandleRequest(h.addr, req)
}

func (h *peerHandler) OnPiece(msg *peerprotocol.PieceMessage) error {
	return h.s.HandlePiece(h.addr, msg)
}

func (h *peerHandler) OnCancel(peerprotocol.RequestMessage) error { return nil }
