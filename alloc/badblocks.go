package alloc

import (
	"math/bits"

	"github.com/sarchlab/ftl/flash"
)

// A BadBlockDetector tells if a block cannot be used.
type BadBlockDetector interface {
	IsBadBlock(bank int, block uint32) bool
}

// BadBlockTable is a per-bank bitmap of bad blocks.
type BadBlockTable struct {
	blocksPerBank int
	words         [][]uint64
}

// NewBadBlockTable creates a table with no bad block.
func NewBadBlockTable(g flash.Geometry) *BadBlockTable {
	t := &BadBlockTable{
		blocksPerBank: g.BlocksPerBank,
		words:         make([][]uint64, g.NumBanks),
	}

	for i := range t.words {
		t.words[i] = make([]uint64, (g.BlocksPerBank+63)/64)
	}

	return t
}

// ScanBadBlocks builds the table by asking the device about every block.
func ScanBadBlocks(d BadBlockDetector, g flash.Geometry) *BadBlockTable {
	t := NewBadBlockTable(g)

	for bank := 0; bank < g.NumBanks; bank++ {
		for block := 0; block < g.BlocksPerBank; block++ {
			if d.IsBadBlock(bank, uint32(block)) {
				t.Mark(bank, uint32(block))
			}
		}
	}

	return t
}

// Mark records a block as bad.
func (t *BadBlockTable) Mark(bank int, block uint32) {
	t.words[bank][block/64] |= 1 << (block % 64)
}

// IsBad tells if a block is bad.
func (t *BadBlockTable) IsBad(bank int, block uint32) bool {
	return t.words[bank][block/64]&(1<<(block%64)) != 0
}

// Count returns the number of bad blocks in a bank.
func (t *BadBlockTable) Count(bank int) int {
	n := 0
	for _, w := range t.words[bank] {
		n += bits.OnesCount64(w)
	}

	return n
}
