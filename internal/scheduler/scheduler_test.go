package scheduler

import (
	"crypto/sha1" // nolint: gosec
	"errors"
	"net"
	"testing"
	"time"

	"github.com/arvidnorr/torrentcore/internal/bitfield"
	"github.com/arvidnorr/torrentcore/internal/logger"
	"github.com/arvidnorr/torrentcore/internal/peerconn"
	"github.com/arvidnorr/torrentcore/internal/peerprotocol"
	"github.com/arvidnorr/torrentcore/internal/piecestore"
	"github.com/arvidnorr/torrentcore/internal/stats"
	"github.com/arvidnorr/torrentcore/internal/torrentinfo"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	written chan []byte
}

func (s *fakeSink) Initialize(info *torrentinfo.Info) error { return nil }
func (s *fakeSink) WritePiece(index uint32, data []byte) error {
	cp := append([]byte(nil), data...)
	s.written <- cp
	return nil
}
func (s *fakeSink) Complete() error                          { return nil }
func (s *fakeSink) IsComplete() bool                          { return false }
func (s *fakeSink) Progress() float64                         { return 0 }
func (s *fakeSink) VerifiedCount() uint32                     { return 0 }
func (s *fakeSink) TotalPieces() uint32                       { return 0 }
func (s *fakeSink) StorageType() string                       { return "fake" }
func (s *fakeSink) Metadata() map[string]interface{}          { return nil }

func TestSchedulerDownloadsAndVerifiesSinglePieceEndToEnd(t *testing.T) {
	content := make([]byte, 16384)
	for i := range content {
		content[i] = byte(i)
	}
	hash := sha1.Sum(content) // nolint: gosec
	var infoHash [20]byte
	info, err := torrentinfo.New(infoHash, "file.bin", 16384, [][20]byte{hash}, []torrentinfo.File{{Path: "file.bin", Length: 16384}})
	require.NoError(t, err)

	store := piecestore.New(info)
	sink := &fakeSink{written: make(chan []byte, 1)}
	st := stats.New()
	sched := New(info, store, sink, st, false, logger.New("test"))

	a, b := net.Pipe()
	var peerID [20]byte
	pc := peerconn.New(a, peerconn.Outgoing, peerID, info.NumPieces(), peerprotocol.MaxFrameLengthFor(info.PieceLength), logger.New("peer"))
	sched.AddPeer(pc)

	go func() {
		pc.ReadLoop(sched.HandlerFor(pc.Addr))
	}()

	remoteErr := make(chan error, 1)
	go func() {
		bf := bitfield.New(1)
		bf.Set(0)
		if err := peerprotocol.WriteMessage(b, &peerprotocol.BitfieldMessage{Data: bf.Bytes()}); err != nil {
			remoteErr <- err
			return
		}
		// Our side now needs the piece this bitfield advertises, so it
		// declares interest before we unchoke it, per the real
		// interest/choke handshake instead of assuming an unconditional
		// unchoke.
		msg, err := peerprotocol.ReadMessage(b, false, peerprotocol.DefaultMaxFrameLength)
		if err != nil {
			remoteErr <- err
			return
		}
		if _, ok := msg.(peerprotocol.InterestedMessage); !ok {
			remoteErr <- errors.New("expected Interested after advertising a needed piece")
			return
		}
		if err := peerprotocol.WriteMessage(b, peerprotocol.UnchokeMessage{}); err != nil {
			remoteErr <- err
			return
		}
		msg, err = peerprotocol.ReadMessage(b, false, peerprotocol.DefaultMaxFrameLength)
		if err != nil {
			remoteErr <- err
			return
		}
		req, ok := msg.(peerprotocol.RequestMessage)
		if !ok {
			remoteErr <- errors.New("expected Request")
			return
		}
		block := content[req.Begin : req.Begin+req.Length]
		remoteErr <- peerprotocol.WriteMessage(b, &peerprotocol.PieceMessage{Index: req.Index, Begin: req.Begin, Block: block})
	}()

	select {
	case err := <-remoteErr:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("remote side never finished")
	}

	select {
	case written := <-sink.written:
		require.Equal(t, content, written)
	case <-time.After(2 * time.Second):
		t.Fatal("piece was never written to the sink")
	}

	require.Equal(t, uint32(1), store.VerifiedCount())
	require.Equal(t, int64(1), st.PiecesVerified.Count())
}

func TestHandlePieceIgnoresUnrequestedBlock(t *testing.T) {
	var infoHash, hash [20]byte
	info, err := torrentinfo.New(infoHash, "f", 16384, [][20]byte{hash}, []torrentinfo.File{{Path: "f", Length: 16384}})
	require.NoError(t, err)
	store := piecestore.New(info)
	sink := &fakeSink{written: make(chan []byte, 1)}
	sched := New(info, store, sink, stats.New(), false, logger.New("test"))

	err = sched.HandlePiece("nobody", &peerprotocol.PieceMessage{Index: 0, Begin: 0, Block: make([]byte, 16384)})
	require.NoError(t, err)
	require.Equal(t, uint32(0), store.VerifiedCount())
}
