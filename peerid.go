package torrentcore

import "crypto/rand"

// peerIDPrefix identifies this implementation in the peer ID per
// BEP 20 (http://www.bittorrent.org/beps/bep_0020.html).
var peerIDPrefix = []byte("-TC0001-")

// GeneratePeerID returns a fresh random peer ID prefixed per BEP 20.
// Front ends that persist a peer ID across restarts (rather than
// generating a fresh one per process) should do so themselves; this is
// a convenience for the common case.
func GeneratePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	_, err := rand.Read(id[len(peerIDPrefix):])
	return id, err
}
