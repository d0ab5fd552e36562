package bitfield

import "testing"

func TestSetClearTest(t *testing.T) {
	b := New(10)
	if b.Test(0) {
		t.Fatal("expected bit 0 to be clear")
	}
	b.Set(0)
	if !b.Test(0) {
		t.Fatal("expected bit 0 to be set")
	}
	b.Set(9)
	if b.Count() != 2 {
		t.Fatalf("expected count 2, got %d", b.Count())
	}
	b.Clear(0)
	if b.Count() != 1 {
		t.Fatalf("expected count 1, got %d", b.Count())
	}
}

func TestMSBFirst(t *testing.T) {
	// Bit 0 must map to the most significant bit of byte 0 (0x80),
	// per the wire and resume-file convention.
	b := New(8)
	b.Set(0)
	if b.Bytes()[0] != 0x80 {
		t.Fatalf("expected 0x80, got %#x", b.Bytes()[0])
	}
}

func TestNewBytesClearsPadding(t *testing.T) {
	raw := []byte{0xff}
	b := NewBytes(raw, 3)
	if b.Bytes()[0] != 0xe0 {
		t.Fatalf("expected padding bits cleared, got %#x", b.Bytes()[0])
	}
	if b.Count() != 3 {
		t.Fatalf("expected count 3, got %d", b.Count())
	}
}

func TestAll(t *testing.T) {
	b := New(3)
	if b.All() {
		t.Fatal("empty bitfield should not report All")
	}
	b.Set(0)
	b.Set(1)
	b.Set(2)
	if !b.All() {
		t.Fatal("fully set bitfield should report All")
	}
}
