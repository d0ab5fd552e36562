// Package bitfield implements a MSB-first bit vector, used to track
// which pieces of a torrent have been verified.
package bitfield

import "encoding/hex"

// Bitfield is a fixed-length vector of bits, bit 0 is the most
// significant bit of the first byte, matching the wire and resume-file
// convention used throughout the BitTorrent protocol.
type Bitfield struct {
	b      []byte
	length uint32
}

// New returns a new, all-zero Bitfield of the given length in bits.
func New(length uint32) Bitfield {
	return Bitfield{b: make([]byte, (length+7)/8), length: length}
}

// NewBytes returns a new Bitfield backed by b, which is not copied.
// Unused bits in the last byte are cleared. Panics if b is not big
// enough to hold "length" bits.
func NewBytes(b []byte, length uint32) Bitfield {
	div, mod := divMod32(length, 8)
	lastByteIncomplete := mod != 0
	requiredBytes := div
	if lastByteIncomplete {
		requiredBytes++
	}
	if uint32(len(b)) < requiredBytes {
		panic("bitfield: not enough bytes for given length")
	}
	if lastByteIncomplete {
		b[requiredBytes-1] &= ^(0xff >> mod)
	}
	return Bitfield{b: b[:requiredBytes], length: length}
}

// Bytes returns the underlying MSB-first, zero-padded byte slice.
// Modifying it modifies the Bitfield.
func (b *Bitfield) Bytes() []byte { return b.b }

// Len returns the number of bits.
func (b *Bitfield) Len() uint32 { return b.length }

// Hex returns the underlying bytes hex-encoded.
func (b *Bitfield) Hex() string { return hex.EncodeToString(b.b) }

// Set sets bit i. Panics if i >= Len().
func (b *Bitfield) Set(i uint32) {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	b.b[div] |= 1 << (7 - mod)
}

// Clear clears bit i. Panics if i >= Len().
func (b *Bitfield) Clear(i uint32) {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	b.b[div] &= ^(1 << (7 - mod))
}

// SetTo sets bit i to value. Panics if i >= Len().
func (b *Bitfield) SetTo(i uint32, value bool) {
	if value {
		b.Set(i)
	} else {
		b.Clear(i)
	}
}

// Test returns the value of bit i. Panics if i >= Len().
func (b *Bitfield) Test(i uint32) bool {
	b.checkIndex(i)
	div, mod := divMod32(i, 8)
	return b.b[div]&(1<<(7-mod)) > 0
}

// ClearAll clears every bit.
func (b *Bitfield) ClearAll() {
	for i := range b.b {
		b.b[i] = 0
	}
}

var countCache = buildCountCache()

func buildCountCache() (t [256]byte) {
	for i := range t {
		var n byte
		for v := i; v != 0; v &= v - 1 {
			n++
		}
		t[i] = n
	}
	return t
}

// Count returns the number of set bits.
func (b *Bitfield) Count() uint32 {
	var total uint32
	for _, v := range b.b {
		total += uint32(countCache[v])
	}
	return total
}

// All returns true if every bit is set.
func (b *Bitfield) All() bool {
	return b.Count() == b.length
}

func (b *Bitfield) checkIndex(i uint32) {
	if i >= b.length {
		panic("bitfield: index out of range")
	}
}

func divMod32(a, b uint32) (uint32, uint32) { return a / b, a % b }
