package remotestorage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/arvidnorr/torrentcore/internal/logger"
	"github.com/arvidnorr/torrentcore/internal/torrentinfo"
	"github.com/stretchr/testify/require"
)

type fakeOpener struct {
	mu   sync.Mutex
	urls map[string]string
}

func (f *fakeOpener) OpenSession(ctx context.Context, path string, size int64, idempotencyKey string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.urls[path], nil
}

func testInfo(t *testing.T, pieceLength int64, fileLength int64) *torrentinfo.Info {
	t.Helper()
	var hash [torrentinfo.HashSize]byte
	numPieces := (fileLength + pieceLength - 1) / pieceLength
	if numPieces == 0 {
		numPieces = 1
	}
	pieces := make([][torrentinfo.HashSize]byte, numPieces)
	info, err := torrentinfo.New(hash, "f", pieceLength, pieces, []torrentinfo.File{{Path: "f", Length: fileLength}})
	require.NoError(t, err)
	return info
}

// acceptAllServer always answers 200 for a PUT of any range, recording
// the accumulated bytes written to the file.
func acceptAllServer(t *testing.T, got *[]byte) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = io.ReadFull(r.Body, buf)
		mu.Lock()
		*got = append(*got, buf...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
}

func TestWritePieceUploadsToSingleFileSession(t *testing.T) {
	var got []byte
	srv := acceptAllServer(t, &got)
	defer srv.Close()

	opener := &fakeOpener{urls: map[string]string{"f": srv.URL}}
	rs := New(opener, nil, logger.New("test"))
	info := testInfo(t, 16384, 16384)
	require.NoError(t, rs.Initialize(info))

	data := make([]byte, 16384)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, rs.WritePiece(0, data))
	require.Equal(t, data, got)
	require.True(t, rs.IsComplete())
	require.Equal(t, float64(1), rs.Progress())
	require.Equal(t, uint32(1), rs.VerifiedCount())
	require.NoError(t, rs.Complete())
}

func TestWritePieceIsIdempotentOnceOffsetHasAdvanced(t *testing.T) {
	var writes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writes++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	opener := &fakeOpener{urls: map[string]string{"f": srv.URL}}
	rs := New(opener, nil, logger.New("test"))
	info := testInfo(t, 16384, 16384)
	require.NoError(t, rs.Initialize(info))

	data := make([]byte, 16384)
	require.NoError(t, rs.WritePiece(0, data))
	require.Equal(t, 1, writes)

	// Re-delivering the same piece (e.g. after an endgame duplicate
	// completes twice) must not re-upload once current_offset has
	// already passed the piece's end.
	require.NoError(t, rs.WritePiece(0, data))
	require.Equal(t, 1, writes)
}

func TestWritePieceResumesAfter308PartialAccept(t *testing.T) {
	const total = 262144
	var mu sync.Mutex
	var got []byte
	var requests []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = io.ReadFull(r.Body, buf)

		mu.Lock()
		requests = append(requests, r.Header.Get("Content-Range"))
		first := len(requests) == 1
		mu.Unlock()

		if first {
			// Only the first 200000 bytes are durably accepted; the
			// client must resume with the remaining tail, not retry
			// the original chunk from offset 0.
			w.Header().Set("Range", "bytes=0-199999")
			w.WriteHeader(http.StatusPermanentRedirect)
			return
		}

		mu.Lock()
		got = append(got, buf...)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	opener := &fakeOpener{urls: map[string]string{"f": srv.URL}}
	rs := New(opener, nil, logger.New("test"))
	info := testInfo(t, total, total)
	require.NoError(t, rs.Initialize(info))

	data := make([]byte, total)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, rs.WritePiece(0, data))

	require.Len(t, requests, 2)
	require.Equal(t, "bytes 0-262143/262144", requests[0])
	require.Equal(t, "bytes 200000-262143/262144", requests[1])
	require.Equal(t, data[200000:], got)
	require.True(t, rs.IsComplete())
}

func TestWritePieceRejectsOutOfOrderDelivery(t *testing.T) {
	var writes int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writes++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	opener := &fakeOpener{urls: map[string]string{"f": srv.URL}}
	rs := New(opener, nil, logger.New("test"))
	const pieceLength = 16384
	info := testInfo(t, pieceLength, pieceLength*2)
	require.NoError(t, rs.Initialize(info))

	// Piece 1 (the file's second half) arrives before piece 0; a
	// resumable session can't fill the gap piece 0 would leave, so this
	// must fail loudly instead of silently jumping current_offset ahead.
	err := rs.WritePiece(1, make([]byte, pieceLength))
	require.Error(t, err)
	require.Equal(t, 0, writes)
}

func TestUnauthorizedWithoutRefresherIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	opener := &fakeOpener{urls: map[string]string{"f": srv.URL}}
	rs := New(opener, nil, logger.New("test"))
	info := testInfo(t, 16384, 16384)
	require.NoError(t, rs.Initialize(info))

	err := rs.WritePiece(0, make([]byte, 16384))
	require.Error(t, err)
}

type refreshOnce struct{ called bool }

func (r *refreshOnce) Refresh(ctx context.Context) error {
	r.called = true
	return nil
}

func TestUnauthorizedRetriesOnceAfterRefresh(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	opener := &fakeOpener{urls: map[string]string{"f": srv.URL}}
	refresher := &refreshOnce{}
	rs := New(opener, refresher, logger.New("test"))
	info := testInfo(t, 16384, 16384)
	require.NoError(t, rs.Initialize(info))

	require.NoError(t, rs.WritePiece(0, make([]byte, 16384)))
	require.True(t, refresher.called)
	require.Equal(t, 2, attempts)
}

func TestSessionsRoundTripThroughRestore(t *testing.T) {
	opener := &fakeOpener{urls: map[string]string{"f": "http://example.invalid/upload/1"}}
	rs := New(opener, nil, logger.New("test"))
	info := testInfo(t, 16384, 16384)
	require.NoError(t, rs.Initialize(info))

	saved := []Session{{FileIndex: 0, URL: "http://example.invalid/upload/1", CurrentOffset: 8192, TotalSize: 16384}}

	fresh := New(opener, nil, logger.New("test"))
	require.NoError(t, fresh.Initialize(info))
	fresh.Restore(saved)

	got := fresh.Sessions()
	require.Len(t, got, 1)
	require.Equal(t, saved[0], got[0])
	require.Equal(t, 0.5, fresh.Progress())
	require.False(t, fresh.IsComplete())
}

func TestParseAcceptedRange(t *testing.T) {
	n, err := parseAcceptedRange("bytes=0-8191")
	require.NoError(t, err)
	require.Equal(t, int64(8191), n)

	_, err = parseAcceptedRange("bytes 0-8191/16384")
	require.Error(t, err)
}

func TestUploadBackOffDoublesAndCapsAt60s(t *testing.T) {
	b := &uploadBackOff{interval: time.Second}
	// After enough NextBackOff calls the interval saturates at the cap;
	// jitter on the returned duration keeps it from being an exact
	// comparison, so this only asserts the underlying interval field.
	for i := 0; i < 10; i++ {
		b.NextBackOff()
	}
	require.LessOrEqual(t, b.interval, 60*time.Second)

	b.Reset()
	require.Equal(t, time.Second, b.interval)
}
