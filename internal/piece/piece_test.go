package piece

import "testing"

func TestBlocksEvenlyDivides(t *testing.T) {
	blocks := Blocks(BlockSize * 3)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 blocks, got %d", len(blocks))
	}
	for i, b := range blocks {
		if b.Length != BlockSize {
			t.Fatalf("block %d: expected length %d, got %d", i, BlockSize, b.Length)
		}
		if b.Begin != uint32(i)*BlockSize {
			t.Fatalf("block %d: unexpected begin %d", i, b.Begin)
		}
	}
}

func TestBlocksShortLastBlock(t *testing.T) {
	blocks := Blocks(BlockSize + 100)
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[1].Length != 100 {
		t.Fatalf("expected last block length 100, got %d", blocks[1].Length)
	}
	if blocks[1].Begin != BlockSize {
		t.Fatalf("expected last block begin %d, got %d", BlockSize, blocks[1].Begin)
	}
}

func TestNumBlocksMatchesBlocks(t *testing.T) {
	for _, length := range []uint32{1, BlockSize, BlockSize + 1, BlockSize * 5} {
		if NumBlocks(length) != uint32(len(Blocks(length))) {
			t.Fatalf("mismatch for length %d", length)
		}
	}
}
