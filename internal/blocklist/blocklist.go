// Package blocklist persists peer bans across restarts. The scheduler
// already disconnects a peer after MaxConsecutiveFailures bad pieces
// (spec.md §4.5); this package is what lets that penalty survive past
// the current process, so a peer that got itself banned yesterday
// doesn't just get re-dialed today.
package blocklist

import (
	"encoding/binary"
	"time"

	"go.etcd.io/bbolt"
)

var bucketName = []byte("banned_peers")

// Record is one ban entry, keyed by peer ID.
type Record struct {
	PeerID   [20]byte
	Addr     string
	Reason   string
	BannedAt time.Time
}

// Blocklist is a bbolt-backed set of banned peer IDs, following the
// same db.Update/CreateBucketIfNotExists shape as the teacher's own
// boltdbresumer package.
type Blocklist struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a blocklist database at path.
func Open(path string) (*Blocklist, error) {
	db, err := bbolt.Open(path, 0640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return New(db)
}

// New wraps an already-open bbolt database, creating the blocklist
// bucket if it does not exist yet.
func New(db *bbolt.DB) (*Blocklist, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Blocklist{db: db}, nil
}

// Close closes the underlying database.
func (b *Blocklist) Close() error {
	return b.db.Close()
}

// Ban records peerID as banned, with addr and reason kept only for
// diagnostics.
func (b *Blocklist) Ban(peerID [20]byte, addr, reason string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		buf := encodeRecord(Record{PeerID: peerID, Addr: addr, Reason: reason, BannedAt: nowFunc()})
		return bucket.Put(peerID[:], buf)
	})
}

// Unban removes peerID from the blocklist, if present.
func (b *Blocklist) Unban(peerID [20]byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).Delete(peerID[:])
	})
}

// Banned reports whether peerID is currently banned.
func (b *Blocklist) Banned(peerID [20]byte) bool {
	banned := false
	_ = b.db.View(func(tx *bbolt.Tx) error {
		banned = tx.Bucket(bucketName).Get(peerID[:]) != nil
		return nil
	})
	return banned
}

// All returns every currently-banned record, for diagnostics or a
// management CLI.
func (b *Blocklist) All() ([]Record, error) {
	var out []Record
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketName).ForEach(func(k, v []byte) error {
			rec, ok := decodeRecord(k, v)
			if ok {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}

// nowFunc is a seam for tests; production code always uses time.Now.
var nowFunc = time.Now

func encodeRecord(r Record) []byte {
	addr := []byte(r.Addr)
	reason := []byte(r.Reason)
	buf := make([]byte, 8+2+len(addr)+2+len(reason))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r.BannedAt.Unix()))
	binary.LittleEndian.PutUint16(buf[8:10], uint16(len(addr)))
	copy(buf[10:10+len(addr)], addr)
	off := 10 + len(addr)
	binary.LittleEndian.PutUint16(buf[off:off+2], uint16(len(reason)))
	copy(buf[off+2:], reason)
	return buf
}

func decodeRecord(key, val []byte) (Record, bool) {
	var rec Record
	if len(key) != 20 || len(val) < 10 {
		return rec, false
	}
	copy(rec.PeerID[:], key)
	rec.BannedAt = time.Unix(int64(binary.LittleEndian.Uint64(val[0:8])), 0)
	addrLen := int(binary.LittleEndian.Uint16(val[8:10]))
	if len(val) < 10+addrLen+2 {
		return rec, false
	}
	rec.Addr = string(val[10 : 10+addrLen])
	off := 10 + addrLen
	reasonLen := int(binary.LittleEndian.Uint16(val[off : off+2]))
	if len(val) < off+2+reasonLen {
		return rec, false
	}
	rec.Reason = string(val[off+2 : off+2+reasonLen])
	return rec, true
}
