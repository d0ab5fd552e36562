// Package remotestorage implements the resumable-HTTP-upload variant
// of the storage.Sink capability set: verified pieces are streamed
// straight to one resumable upload session per file, without ever
// touching local disk.
package remotestorage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arvidnorr/torrentcore/internal/coreerr"
	"github.com/arvidnorr/torrentcore/internal/filesection"
	"github.com/arvidnorr/torrentcore/internal/logger"
	"github.com/arvidnorr/torrentcore/internal/storage"
	"github.com/arvidnorr/torrentcore/internal/torrentinfo"
	"github.com/cenkalti/backoff/v3"
	"github.com/gofrs/uuid"
)

// StorageType identifies this sink variant in Metadata/StorageType.
const StorageType = "remote"

// SessionOpener creates a resumable upload session for one file and
// returns the session URL. Auth, endpoint selection and the initial
// POST are all the embedding front end's concern; this package only
// implements the generic resumable-PUT chunk protocol from spec.md §6.
type SessionOpener interface {
	OpenSession(ctx context.Context, path string, size int64, idempotencyKey string) (url string, err error)
}

// TokenRefresher is invoked once, on a 401 response, to give the
// embedding front end a chance to refresh credentials before the
// upload is treated as fatally unauthenticated.
type TokenRefresher interface {
	Refresh(ctx context.Context) error
}

type session struct {
	path          string
	url           string
	totalSize     int64
	currentOffset int64
}

// RemoteStorage uploads verified pieces to resumable upload sessions,
// one per file, retrying transient failures with exponential backoff
// per spec.md §4.2.
type RemoteStorage struct {
	opener    SessionOpener
	refresher TokenRefresher
	client    *http.Client
	log       logger.Logger

	mu           sync.Mutex
	info         *torrentinfo.Info
	sectionFiles []filesection.File
	sessions     []session
}

// New returns a RemoteStorage backed by opener. refresher may be nil,
// in which case a 401 is always fatal.
func New(opener SessionOpener, refresher TokenRefresher, log logger.Logger) *RemoteStorage {
	return &RemoteStorage{
		opener:    opener,
		refresher: refresher,
		client:    &http.Client{Timeout: 60 * time.Second},
		log:       log,
	}
}

var _ storage.Sink = (*RemoteStorage)(nil)

// Initialize opens one resumable upload session per non-empty file.
func (r *RemoteStorage) Initialize(info *torrentinfo.Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info = info
	r.sectionFiles = make([]filesection.File, len(info.Files))
	r.sessions = make([]session, len(info.Files))

	ctx := context.Background()
	for i, f := range info.Files {
		r.sectionFiles[i] = filesection.File{Length: f.Length}
		r.sessions[i] = session{path: f.Path, totalSize: f.Length}
		if f.Length == 0 {
			// Empty files never receive writes; no session is needed.
			continue
		}
		key := uuid.Must(uuid.NewV4()).String()
		url, err := r.opener.OpenSession(ctx, f.Path, f.Length, key)
		if err != nil {
			return coreerr.New(coreerr.Init, err, f.Path)
		}
		r.sessions[i].url = url
	}
	return nil
}

// WritePiece uploads the piece's bytes to every upload session it
// overlaps, resuming from each session's current_offset. Ranges
// already accepted by the server are skipped, making a repeated call
// with identical bytes a no-op once current_offset has advanced past
// the piece's end in that file, per spec.md §8.
//
// A resumable upload session can only extend contiguously from
// current_offset: it has no way to fill a gap left by an
// earlier-in-file piece that hasn't arrived yet. WritePiece therefore
// requires pieces to complete in ascending file-offset order per
// session; a caller must run the scheduler in sequential mode against
// a remote sink, or WritePiece returns a fatal error instead of
// silently skipping the gap.
func (r *RemoteStorage) WritePiece(index uint32, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := r.info.Offset(index)
	overlaps := filesection.Compute(r.sectionFiles, start, int64(len(data)))
	for _, o := range overlaps {
		sess := &r.sessions[o.FileIndex]
		overlapEnd := o.FileOffset + o.Length
		if sess.currentOffset >= overlapEnd {
			continue
		}
		if o.FileOffset > sess.currentOffset {
			return coreerr.New(coreerr.SinkFatal, fmt.Errorf("piece %d arrived out of order: file %q needs bytes from offset %d, session is at %d", index, sess.path, o.FileOffset, sess.currentOffset), sess.path)
		}
		writeStart := sess.currentOffset
		for writeStart < overlapEnd {
			chunkStart := o.BufOffset + (writeStart - o.FileOffset)
			chunk := data[chunkStart : chunkStart+(overlapEnd-writeStart)]
			if err := r.putChunk(context.Background(), sess, writeStart, chunk); err != nil {
				return err
			}
			writeStart = sess.currentOffset
		}
	}
	return nil
}

// putChunk uploads one ranged PUT, retrying SinkTransient failures
// (network errors, 5xx) with exponential backoff: 1s initial, doubling
// to a 60s cap, up to 1s of jitter, at most 5 attempts. A 308 "resume
// incomplete" is not a failure — putOnce already advances
// sess.currentOffset to what the server actually accepted and returns
// nil, so the caller's loop issues the remaining tail as its own PUT
// instead of this retrying the original chunk from its original
// offset.
func (r *RemoteStorage) putChunk(ctx context.Context, sess *session, offset int64, chunk []byte) error {
	refreshed := false
	op := func() error {
		err := r.putOnce(ctx, sess, offset, chunk)
		if err == nil {
			return nil
		}
		var cerr *coreerr.Error
		if errors.As(err, &cerr) && cerr.Kind == coreerr.SinkFatal && cerr.Context == "auth" && r.refresher != nil && !refreshed {
			refreshed = true
			if rerr := r.refresher.Refresh(ctx); rerr == nil {
				return coreerr.New(coreerr.SinkTransient, errors.New("retry after token refresh"), sess.url)
			}
			return backoff.Permanent(err)
		}
		if errors.As(err, &cerr) && cerr.Kind == coreerr.SinkTransient {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, newUploadBackOff())
}

func (r *RemoteStorage) putOnce(ctx context.Context, sess *session, offset int64, chunk []byte) error {
	end := offset + int64(len(chunk)) - 1
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, sess.url, bytes.NewReader(chunk))
	if err != nil {
		return coreerr.New(coreerr.SinkFatal, err, sess.url)
	}
	req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, end, sess.totalSize))
	req.ContentLength = int64(len(chunk))

	resp, err := r.client.Do(req)
	if err != nil {
		return coreerr.New(coreerr.SinkTransient, err, sess.url)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		sess.currentOffset = end + 1
		return nil
	case resp.StatusCode == http.StatusPermanentRedirect: // 308 "resume incomplete"
		accepted, perr := parseAcceptedRange(resp.Header.Get("Range"))
		if perr != nil {
			return coreerr.New(coreerr.SinkTransient, perr, sess.url)
		}
		// The server accepted bytes [offset, accepted] but not the rest
		// of chunk; that's forward progress, not a failure, so this
		// returns nil and lets WritePiece's loop PUT the remaining tail
		// starting at the new current_offset.
		sess.currentOffset = accepted + 1
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return coreerr.New(coreerr.SinkFatal, errors.New("unauthorized"), "auth")
	case resp.StatusCode >= 500:
		return coreerr.New(coreerr.SinkTransient, fmt.Errorf("http %d", resp.StatusCode), sess.url)
	default:
		return coreerr.New(coreerr.SinkFatal, fmt.Errorf("http %d", resp.StatusCode), sess.url)
	}
}

// parseAcceptedRange extracts N from a "bytes=0-N" Range header.
func parseAcceptedRange(header string) (int64, error) {
	const prefix = "bytes=0-"
	if !strings.HasPrefix(header, prefix) {
		return 0, fmt.Errorf("remotestorage: unexpected Range header %q", header)
	}
	return strconv.ParseInt(strings.TrimPrefix(header, prefix), 10, 64)
}

// Complete asserts every session has fully uploaded; it does not
// itself issue a finalizing PUT since the last ranged PUT already
// finalizes the session per the resumable-upload protocol.
func (r *RemoteStorage) Complete() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		if sess.currentOffset != sess.totalSize {
			return coreerr.New(coreerr.SinkFatal, fmt.Errorf("session %q incomplete: %d/%d", sess.path, sess.currentOffset, sess.totalSize), sess.path)
		}
	}
	return nil
}

// IsComplete reports whether every session has uploaded its full
// length. Durability here is tracked in bytes, not pieces: a session
// can sit mid-piece (its host file's tail overlaps the next piece)
// without any single piece being reported "done" by the sink itself.
// The piece store's own bitfield, restored independently from the
// resume log, remains the authoritative record the scheduler consults.
func (r *RemoteStorage) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sess := range r.sessions {
		if sess.currentOffset != sess.totalSize {
			return false
		}
	}
	return true
}

// Progress returns the fraction of total torrent bytes durably
// accepted by the upload endpoints, summed across sessions.
func (r *RemoteStorage) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info == nil || r.info.TotalLength == 0 {
		return 0
	}
	var done int64
	for _, sess := range r.sessions {
		done += sess.currentOffset
	}
	return float64(done) / float64(r.info.TotalLength)
}

// VerifiedCount estimates the number of whole pieces covered by
// durable bytes. It is an estimate, not an authoritative count: unlike
// the local sink, a piece boundary need not line up with any session's
// current_offset, since offsets are tracked per file, not per piece.
func (r *RemoteStorage) VerifiedCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info == nil || r.info.PieceLength == 0 {
		return 0
	}
	var done int64
	for _, sess := range r.sessions {
		done += sess.currentOffset
	}
	count := done / r.info.PieceLength
	if total := int64(r.info.NumPieces()); count > total {
		count = total
	}
	return uint32(count)
}

func (r *RemoteStorage) TotalPieces() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.info == nil {
		return 0
	}
	return r.info.NumPieces()
}

func (r *RemoteStorage) StorageType() string { return StorageType }

func (r *RemoteStorage) Metadata() map[string]interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]map[string]interface{}, len(r.sessions))
	for i, s := range r.sessions {
		sessions[i] = map[string]interface{}{
			"file_index":     i,
			"upload_url":     s.url,
			"current_offset": s.currentOffset,
			"total_size":     s.totalSize,
		}
	}
	return map[string]interface{}{"sessions": sessions}
}

// Sessions returns a snapshot of the per-file session state, used by
// the resume log to persist (file_index, upload_url, current_offset,
// total_size) records per spec.md §6.
func (r *RemoteStorage) Sessions() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Session, len(r.sessions))
	for i, s := range r.sessions {
		out[i] = Session{FileIndex: i, URL: s.url, CurrentOffset: s.currentOffset, TotalSize: s.totalSize}
	}
	return out
}

// Restore reinstates previously persisted session state on startup:
// for each listed file it overwrites the session's URL, current_offset
// and total size with the saved values, so the ranged PUT sequence
// resumes where it left off. It opens no sessions itself and does not
// keep Initialize from opening one for every non-empty file; a session
// that Initialize opened for a listed file is replaced, not reused.
func (r *RemoteStorage) Restore(sessions []Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range sessions {
		if s.FileIndex < 0 || s.FileIndex >= len(r.sessions) {
			continue
		}
		r.sessions[s.FileIndex].url = s.URL
		r.sessions[s.FileIndex].currentOffset = s.CurrentOffset
		r.sessions[s.FileIndex].totalSize = s.TotalSize
	}
}

// Session is the persisted state of one file's upload session.
type Session struct {
	FileIndex     int
	URL           string
	CurrentOffset int64
	TotalSize     int64
}

func newUploadBackOff() backoff.BackOff {
	b := &uploadBackOff{interval: time.Second}
	return backoff.WithMaxRetries(b, 4) // 4 retries: 5 attempts in all
}

// uploadBackOff implements backoff.BackOff with the exact schedule
// spec.md §4.2 mandates: initial 1s, doubling, capped at 60s, with up
// to 1s of jitter added on top (not proportional to the interval, so
// jitter stays bounded even as the interval grows).
type uploadBackOff struct {
	interval time.Duration
}

func (b *uploadBackOff) NextBackOff() time.Duration {
	d := b.interval + time.Duration(rand.Int63n(int64(time.Second)))
	next := b.interval * 2
	const maxInterval = 60 * time.Second
	if next > maxInterval {
		next = maxInterval
	}
	b.interval = next
	return d
}

func (b *uploadBackOff) Reset() {
	b.interval = time.Second
}
