// Package resume persists and restores download progress across
// restarts: which pieces have been verified, and where each remote
// upload session left off.
package resume

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/arvidnorr/torrentcore/internal/bitfield"
)

var magic = [4]byte{'R', 'T', 'R', 'S'}

const formatVersion = 1

// ErrBadMagic is returned when a file does not start with the resume
// log's magic bytes.
var ErrBadMagic = errors.New("resume: not a resume log")

// ErrVersion is returned for a resume log written by an incompatible
// future version.
var ErrVersion = errors.New("resume: unsupported version")

// ErrInfoHashMismatch is returned when a resume log names a different
// torrent than the one being restored.
var ErrInfoHashMismatch = errors.New("resume: info hash mismatch")

// Session mirrors remotestorage.Session without importing it, keeping
// this package usable against any sink that persists per-file byte
// offsets.
type Session struct {
	FileIndex     int
	URL           string
	CurrentOffset int64
	TotalSize     int64
}

// State is the full contents of a resume log.
type State struct {
	InfoHash [20]byte
	Bitfield bitfield.Bitfield
	Sessions []Session
}

// Encode serializes state into the on-disk binary layout:
//
//	magic        [4]byte  "RTRS"
//	version      uint32   little-endian
//	info_hash    [20]byte
//	piece_count  uint32   little-endian
//	bitfield     ceil(piece_count/8) bytes, MSB-first
//	session_count uint32  little-endian
//	sessions     session_count records:
//	  file_index     uint32 little-endian
//	  current_offset uint64 little-endian
//	  total_size     uint64 little-endian
//	  url_len        uint16 little-endian
//	  url            url_len bytes
func Encode(state *State) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])
	writeU32(&buf, formatVersion)
	buf.Write(state.InfoHash[:])
	writeU32(&buf, state.Bitfield.Len())
	buf.Write(state.Bitfield.Bytes())
	writeU32(&buf, uint32(len(state.Sessions)))
	for _, s := range state.Sessions {
		writeU32(&buf, uint32(s.FileIndex))
		writeU64(&buf, uint64(s.CurrentOffset))
		writeU64(&buf, uint64(s.TotalSize))
		url := []byte(s.URL)
		writeU16(&buf, uint16(len(url)))
		buf.Write(url)
	}
	return buf.Bytes()
}

// Decode parses the binary layout Encode produces.
func Decode(data []byte) (*State, error) {
	r := bytes.NewReader(data)

	var gotMagic [4]byte
	if _, err := io.ReadFull(r, gotMagic[:]); err != nil {
		return nil, err
	}
	if gotMagic != magic {
		return nil, ErrBadMagic
	}
	version, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, ErrVersion
	}

	state := &State{}
	if _, err := io.ReadFull(r, state.InfoHash[:]); err != nil {
		return nil, err
	}
	pieceCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	bfBytes := make([]byte, (pieceCount+7)/8)
	if _, err := io.ReadFull(r, bfBytes); err != nil {
		return nil, err
	}
	state.Bitfield = bitfield.NewBytes(bfBytes, pieceCount)

	sessionCount, err := readU32(r)
	if err != nil {
		return nil, err
	}
	state.Sessions = make([]Session, sessionCount)
	for i := range state.Sessions {
		fileIndex, err := readU32(r)
		if err != nil {
			return nil, err
		}
		currentOffset, err := readU64(r)
		if err != nil {
			return nil, err
		}
		totalSize, err := readU64(r)
		if err != nil {
			return nil, err
		}
		urlLen, err := readU16(r)
		if err != nil {
			return nil, err
		}
		url := make([]byte, urlLen)
		if _, err := io.ReadFull(r, url); err != nil {
			return nil, err
		}
		state.Sessions[i] = Session{
			FileIndex:     int(fileIndex),
			CurrentOffset: int64(currentOffset),
			TotalSize:     int64(totalSize),
			URL:           string(url),
		}
	}
	return state, nil
}

// Save writes state to path atomically: the encoded form goes to a
// temp file in the same directory, fsynced, then renamed over path.
// A crash or power loss between the write and the rename leaves the
// previous resume log intact.
func Save(path string, state *State) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".resume-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(Encode(state)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Load reads and decodes the resume log at path. It returns
// (nil, nil) if no resume log exists yet, so callers can treat a fresh
// download and a missing file identically.
func Load(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return Decode(data)
}

// CheckInfoHash verifies a loaded resume log matches the torrent being
// restored, returning ErrInfoHashMismatch otherwise. Restoring
// progress against the wrong torrent would silently mark unrelated
// pieces verified.
func CheckInfoHash(state *State, infoHash [20]byte) error {
	if state.InfoHash != infoHash {
		return fmt.Errorf("%w: log has %x, torrent has %x", ErrInfoHashMismatch, state.InfoHash, infoHash)
	}
	return nil
}

func writeU16(w io.Writer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	w.Write(b[:])
}

func writeU32(w io.Writer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func writeU64(w io.Writer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.Write(b[:])
}

func readU16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func readU32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
