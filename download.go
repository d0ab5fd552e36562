// Package torrentcore is the download core described by C1-C7: given a
// parsed TorrentInfo, a storage sink, and a source of candidate peers,
// it downloads, verifies, and persists a torrent's pieces. Bencode
// parsing, magnet resolution, tracker/DHT announce, credential
// handling and the command-line front end are all out of scope and
// left to the embedding application; Download only consumes their
// output.
package torrentcore

import (
	"errors"
	"sync"
	"time"

	"github.com/arvidnorr/torrentcore/internal/blocklist"
	"github.com/arvidnorr/torrentcore/internal/coreerr"
	"github.com/arvidnorr/torrentcore/internal/logger"
	"github.com/arvidnorr/torrentcore/internal/peermanager"
	"github.com/arvidnorr/torrentcore/internal/piecestore"
	"github.com/arvidnorr/torrentcore/internal/resume"
	"github.com/arvidnorr/torrentcore/internal/scheduler"
	"github.com/arvidnorr/torrentcore/internal/stats"
	"github.com/arvidnorr/torrentcore/internal/storage"
	"github.com/arvidnorr/torrentcore/internal/storage/remotestorage"
	"github.com/arvidnorr/torrentcore/internal/torrentinfo"
)

// PeerSource supplies candidate peer addresses to dial. Tracker
// announce and DHT lookups are external collaborators that implement
// this.
type PeerSource = peermanager.PeerSource

// Kind classifies a propagated error for the caller's handling policy;
// see coreerr for the exact set and the Local/Fatal split.
type Kind = coreerr.Kind

// sweepTick is how often the scheduler re-dispatches timed-out block
// requests.
const sweepTick = 5 * time.Second

// endgameCheckTick is how often the endgame trigger condition is
// re-evaluated.
const endgameCheckTick = 5 * time.Second

// completionPollTick is how often CompleteNotify's completion check
// runs; kept short so the front end learns of completion promptly
// without needing the scheduler to push the event itself.
const completionPollTick = 500 * time.Millisecond

// Download drives one torrent from empty piece store to completion:
// wiring the scheduler, peer manager, storage sink and, optionally,
// the resume log and peer blocklist together.
type Download struct {
	cfg    *Config
	info   *torrentinfo.Info
	peerID [20]byte
	log    logger.Logger

	store *piecestore.Store
	sink  storage.Sink
	stats *stats.Stats
	sched *scheduler.Scheduler
	pm    *peermanager.Manager
	bl    *blocklist.Blocklist

	mu       sync.Mutex
	started  bool
	stop     chan struct{}
	wg       sync.WaitGroup
	complete chan struct{}
}

// New wires a Download for one torrent. sink must already be
// constructed by the caller (filestorage.New for local disk,
// remotestorage.New for a resumable upload endpoint, wired with
// whatever SessionOpener/TokenRefresher the front end's auth needs) —
// credential handling stays entirely on the caller's side of that
// boundary.
func New(cfg *Config, info *torrentinfo.Info, sink storage.Sink, peerID [20]byte) (*Download, error) {
	if cfg == nil {
		c := DefaultConfig
		cfg = &c
	}
	log := logger.New("download")

	store := piecestore.New(info)
	st := stats.New()
	sched := scheduler.New(info, store, sink, st, cfg.Sequential, log)
	pm := peermanager.New(info.InfoHash, peerID, info.NumPieces(), info.PieceLength, store, sched, cfg.MaxPeers, log)

	d := &Download{
		cfg:      cfg,
		info:     info,
		peerID:   peerID,
		log:      log,
		store:    store,
		sink:     sink,
		stats:    st,
		sched:    sched,
		pm:       pm,
		complete: make(chan struct{}),
	}

	if cfg.BlocklistPath != "" {
		bl, err := blocklist.Open(cfg.BlocklistPath)
		if err != nil {
			return nil, coreerr.New(coreerr.Init, err, "blocklist")
		}
		d.bl = bl
		pm.SetBlocklist(bl)
		sched.SetBanHook(func(peerID [20]byte, addr string) {
			if err := bl.Ban(peerID, addr, "three consecutive verification failures"); err != nil {
				log.Errorf("failed to persist ban for %s: %s", addr, err)
			}
		})
	}

	if err := sink.Initialize(info); err != nil {
		return nil, coreerr.New(coreerr.Init, err, "sink")
	}

	if cfg.ResumePath != "" {
		if err := d.restore(); err != nil {
			log.Warningf("ignoring resume log, starting a fresh download: %s", err)
		}
	}

	return d, nil
}

// restore loads the resume log, if any, and replays its progress onto
// the piece store and, for a remote sink, its upload sessions.
func (d *Download) restore() error {
	state, err := resume.Load(d.cfg.ResumePath)
	if err != nil {
		return coreerr.New(coreerr.Resume, err, d.cfg.ResumePath)
	}
	if state == nil {
		return nil
	}
	if err := resume.CheckInfoHash(state, d.info.InfoHash); err != nil {
		return coreerr.New(coreerr.Resume, err, d.cfg.ResumePath)
	}
	for i := uint32(0); i < state.Bitfield.Len(); i++ {
		if state.Bitfield.Test(i) {
			d.store.MarkVerifiedNoData(i)
		}
	}
	if rs, ok := d.sink.(*remotestorage.RemoteStorage); ok {
		sessions := make([]remotestorage.Session, len(state.Sessions))
		for i, s := range state.Sessions {
			sessions[i] = remotestorage.Session{FileIndex: s.FileIndex, URL: s.URL, CurrentOffset: s.CurrentOffset, TotalSize: s.TotalSize}
		}
		rs.Restore(sessions)
	}
	return nil
}

// checkpoint writes the current progress to the resume log. Called on
// the checkpoint ticker and once more on Shutdown.
func (d *Download) checkpoint() error {
	if d.cfg.ResumePath == "" {
		return nil
	}
	state := &resume.State{InfoHash: d.info.InfoHash, Bitfield: d.store.Bitfield()}
	if rs, ok := d.sink.(*remotestorage.RemoteStorage); ok {
		for _, s := range rs.Sessions() {
			state.Sessions = append(state.Sessions, resume.Session{FileIndex: s.FileIndex, URL: s.URL, CurrentOffset: s.CurrentOffset, TotalSize: s.TotalSize})
		}
	}
	if err := resume.Save(d.cfg.ResumePath, state); err != nil {
		return coreerr.New(coreerr.Resume, err, d.cfg.ResumePath)
	}
	return nil
}

// StartDownload begins dialing/accepting peers and downloading blocks.
// It starts that work in background goroutines and returns at once;
// the work runs until Shutdown is called.
func (d *Download) StartDownload(source PeerSource) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("torrentcore: download already started")
	}
	d.started = true
	d.stop = make(chan struct{})
	stop := d.stop
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.pm.Run(stop, source, d.cfg.ListenAddr)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.tickLoop(stop)
	}()

	return nil
}

func (d *Download) tickLoop(stop <-chan struct{}) {
	sweep := time.NewTicker(sweepTick)
	defer sweep.Stop()
	endgame := time.NewTicker(endgameCheckTick)
	defer endgame.Stop()
	poll := time.NewTicker(completionPollTick)
	defer poll.Stop()

	var checkpointC <-chan time.Time
	if d.cfg.ResumePath != "" {
		t := time.NewTicker(d.cfg.CheckpointInterval)
		defer t.Stop()
		checkpointC = t.C
	}

	wasComplete := false
	for {
		select {
		case <-sweep.C:
			d.sched.SweepTimeouts()
		case <-endgame.C:
			d.evaluateEndgame()
		case <-poll.C:
			if !wasComplete && d.sched.Completed() {
				wasComplete = true
				close(d.complete)
			}
		case <-checkpointC:
			if err := d.checkpoint(); err != nil {
				d.log.Errorf("checkpoint failed: %s", err)
			}
		case <-stop:
			return
		}
	}
}

// evaluateEndgame turns endgame mode on once few enough blocks remain
// unrequested and the download is mostly done, per spec.md §4.5. It
// never turns endgame back off: once the last few pieces are being
// duplicated across peers there is no benefit to reverting.
func (d *Download) evaluateEndgame() {
	if d.sched.Endgame() {
		return
	}
	progress := d.store.Progress()
	if progress < d.cfg.EndgameProgress {
		return
	}
	if d.sched.UnrequestedBlockCount() >= d.cfg.EndgameThreshold {
		return
	}
	d.sched.SetEndgame(true)
}

// IsComplete reports whether every piece has been verified.
func (d *Download) IsComplete() bool { return d.sched.Completed() }

// CompleteNotify returns a channel that closes once the download
// finishes. Reading it more than once returns immediately every time
// after the first close.
func (d *Download) CompleteNotify() <-chan struct{} { return d.complete }

// Progress returns the fraction of pieces verified, in [0, 1].
func (d *Download) Progress() float64 { return d.store.Progress() }

// VerifiedPieceCount returns how many pieces have passed verification.
func (d *Download) VerifiedPieceCount() uint32 { return d.store.VerifiedCount() }

// Stats returns a point-in-time snapshot of transfer counters.
func (d *Download) Stats() stats.Snapshot { return d.stats.Snapshot(d.store.Progress()) }

// PeerCount returns the number of currently connected peers.
func (d *Download) PeerCount() int { return d.pm.PeerCount() }

// ListenerReady returns the address the peer manager actually bound
// to, once accepting has started. Only meaningful when Config.ListenAddr
// is non-empty.
func (d *Download) ListenerReady() <-chan string { return d.pm.ListenerReady() }

// Shutdown stops peer activity, writes a final checkpoint if resume is
// configured, finalizes the sink, and closes the blocklist. Safe to
// call once StartDownload has returned; a second call is a no-op.
func (d *Download) Shutdown() error {
	d.mu.Lock()
	if !d.started || d.stop == nil {
		d.mu.Unlock()
		return nil
	}
	stop := d.stop
	d.stop = nil
	d.mu.Unlock()

	close(stop)
	d.wg.Wait()

	var firstErr error
	if err := d.checkpoint(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := d.sink.Complete(); err != nil && firstErr == nil {
		firstErr = coreerr.New(coreerr.SinkFatal, err, "shutdown")
	}
	if d.bl != nil {
		if err := d.bl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
