// Package writebuf provides the write-merge buffer. Partial-page writes of
// several logical pages are packed into page-sized slots so that one flash
// program commits sub-pages of many LPNs at once.
package writebuf

import (
	"fmt"
	"math"
	"slices"

	"github.com/sarchlab/ftl/dram"
	"github.com/sarchlab/ftl/sectors"
)

// NullLPN marks a sub-page of a flushed slot that no LPN owns.
const NullLPN uint32 = math.MaxUint32

type slot struct {
	data []byte

	// Aligned to sub-pages. A sub-page of a slot belongs to at most one LPN.
	mask sectors.Mask
}

type entry struct {
	lpn  uint32
	mask sectors.Mask
	slot int
}

// FlushResult describes the page image produced by Flush.
type FlushResult struct {
	// Mask marks the sectors that hold buffered data.
	Mask sectors.Mask

	// SubPageLPN is the LPN that owns each sub-page, or NullLPN.
	SubPageLPN [sectors.SubPagesPerPage]uint32
}

// LPNs returns the distinct LPNs of the result in sub-page order.
func (r FlushResult) LPNs() []uint32 {
	var lpns []uint32

	for _, lpn := range r.SubPageLPN {
		if lpn == NullLPN || slices.Contains(lpns, lpn) {
			continue
		}

		lpns = append(lpns, lpn)
	}

	return lpns
}

// Buffer is the write-merge buffer.
type Buffer struct {
	slots    []slot
	head     int
	numClean int

	entries []entry
	index   map[uint32]int
	free    []int
}

// New creates a buffer with one slot per page of the region.
func New(region dram.Region) *Buffer {
	numSlots := region.NumSlots(sectors.BytesPerPage)
	if numSlots == 0 {
		panic(fmt.Sprintf("region %s cannot hold a write buffer slot", region))
	}

	b := &Buffer{
		slots:    make([]slot, numSlots),
		numClean: numSlots,
		entries:  make([]entry, numSlots*sectors.SubPagesPerPage),
		index:    make(map[uint32]int),
	}

	for i := range b.slots {
		b.slots[i].data = region.Slot(i, sectors.BytesPerPage)
	}

	for i := len(b.entries) - 1; i >= 0; i-- {
		b.entries[i].lpn = NullLPN
		b.free = append(b.free, i)
	}

	return b
}

// NumSlots returns the number of page slots.
func (b *Buffer) NumSlots() int {
	return len(b.slots)
}

// NumCleanSlots returns the number of slots that hold no data.
func (b *Buffer) NumCleanSlots() int {
	return b.numClean
}

// NumLPNs returns the number of LPNs with buffered sectors.
func (b *Buffer) NumLPNs() int {
	return len(b.index)
}

// IsEmpty tells if nothing is buffered.
func (b *Buffer) IsEmpty() bool {
	return len(b.index) == 0
}

// IsFull tells if a Push may not find room. The caller must Flush first.
func (b *Buffer) IsFull() bool {
	return len(b.index) == len(b.entries) || b.numClean == 0
}

// Contains tells if any sector of the LPN is buffered.
func (b *Buffer) Contains(lpn uint32) bool {
	_, ok := b.index[lpn]
	return ok
}

// BufferedSectors returns the sectors of the LPN that are buffered.
func (b *Buffer) BufferedSectors(lpn uint32) sectors.Mask {
	idx, ok := b.index[lpn]
	if !ok {
		return 0
	}

	return b.entries[idx].mask
}

// Push copies count sectors starting at offset from src, a page image, into
// the buffer. Sectors of the LPN already buffered are overwritten.
func (b *Buffer) Push(lpn uint32, offset, count int, src []byte) {
	if count == 0 {
		return
	}

	if lpn == NullLPN {
		panic("cannot buffer the null LPN")
	}

	if b.IsFull() {
		panic("pushing into a full write buffer")
	}

	newMask := sectors.Range(offset, count)

	var target int
	if idx, ok := b.index[lpn]; ok {
		target = b.merge(idx, newMask)
	} else {
		target = b.slotFor(newMask)
		b.addEntry(lpn, newMask, target)
	}

	sectors.Copy(b.slots[target].data, src, newMask)
	b.addToSlot(target, newMask)
}

// merge extends an existing entry with newMask and returns the slot the
// entry lives in afterwards.
func (b *Buffer) merge(idx int, newMask sectors.Mask) int {
	e := &b.entries[idx]
	old := e.slot

	others := b.slots[old].mask &^ e.mask.AlignToSubPages()
	if !others.Overlaps(newMask) {
		e.mask |= newMask
		return old
	}

	target := b.slotFor(e.mask | newMask)

	stillUseful := e.mask &^ newMask
	sectors.Copy(b.slots[target].data, b.slots[old].data, stillUseful)
	b.removeFromSlot(old, e.mask)
	b.addToSlot(target, stillUseful)

	e.mask |= newMask
	e.slot = target

	return target
}

// slotFor returns the first slot, scanning from the head, that has room for
// the mask.
func (b *Buffer) slotFor(mask sectors.Mask) int {
	for i := 0; i < len(b.slots); i++ {
		s := (b.head + i) % len(b.slots)
		if !b.slots[s].mask.Overlaps(mask) {
			return s
		}
	}

	panic("write buffer has no slot with room")
}

func (b *Buffer) addToSlot(s int, mask sectors.Mask) {
	if mask.IsEmpty() {
		return
	}

	if b.slots[s].mask.IsEmpty() {
		b.numClean--
	}

	b.slots[s].mask |= mask.AlignToSubPages()
}

func (b *Buffer) removeFromSlot(s int, mask sectors.Mask) {
	if b.slots[s].mask.IsEmpty() {
		return
	}

	b.slots[s].mask &^= mask.AlignToSubPages()
	if b.slots[s].mask.IsEmpty() {
		b.numClean++
	}
}

func (b *Buffer) addEntry(lpn uint32, mask sectors.Mask, s int) {
	idx := b.free[len(b.free)-1]
	b.free = b.free[:len(b.free)-1]

	b.entries[idx] = entry{lpn: lpn, mask: mask, slot: s}
	b.index[lpn] = idx
}

func (b *Buffer) removeEntry(idx int) {
	e := b.entries[idx]

	b.removeFromSlot(e.slot, e.mask)
	delete(b.index, e.lpn)

	b.entries[idx] = entry{lpn: NullLPN}
	b.free = append(b.free, idx)
}

// Pull copies the buffered sectors of the LPN that are also in want into
// dst and returns the sectors copied.
func (b *Buffer) Pull(lpn uint32, want sectors.Mask, dst []byte) sectors.Mask {
	idx, ok := b.index[lpn]
	if !ok {
		return 0
	}

	e := b.entries[idx]
	copied := e.mask & want
	sectors.Copy(dst, b.slots[e.slot].data, copied)

	return copied
}

// Drop forgets every buffered sector of the LPN.
func (b *Buffer) Drop(lpn uint32) {
	idx, ok := b.index[lpn]
	if !ok {
		return
	}

	b.removeEntry(idx)
}

// fullestSlot returns the slot with the most buffered sectors. The head slot
// wins ties.
func (b *Buffer) fullestSlot() int {
	best := b.head
	for i := range b.slots {
		if b.slots[i].mask.Count() > b.slots[best].mask.Count() {
			best = i
		}
	}

	return best
}

// PeekFlush returns the LPNs that the next Flush takes, in ascending order.
// It returns nil when the buffer is empty.
func (b *Buffer) PeekFlush() []uint32 {
	if b.IsEmpty() {
		return nil
	}

	s := b.fullestSlot()

	var lpns []uint32
	for _, e := range b.entries {
		if e.lpn != NullLPN && e.slot == s {
			lpns = append(lpns, e.lpn)
		}
	}

	slices.Sort(lpns)

	return lpns
}

// Flush takes the fullest slot out of the buffer and copies its page image
// into dst. Sectors outside the result's mask are left untouched in dst.
func (b *Buffer) Flush(dst []byte) FlushResult {
	if b.IsEmpty() {
		panic("flushing an empty write buffer")
	}

	s := b.fullestSlot()

	res := FlushResult{}
	for sp := range res.SubPageLPN {
		res.SubPageLPN[sp] = NullLPN
	}

	for idx, e := range b.entries {
		if e.lpn == NullLPN || e.slot != s {
			continue
		}

		res.Mask |= e.mask
		for sp := e.mask.BeginSubPage(); sp < e.mask.EndSubPage(); sp++ {
			if e.mask.HasSubPage(sp) {
				res.SubPageLPN[sp] = e.lpn
			}
		}

		b.removeEntry(idx)
	}

	sectors.Copy(dst, b.slots[s].data, res.Mask)

	if !b.slots[s].mask.IsEmpty() {
		panic(fmt.Sprintf("write buffer slot %d not empty after flush", s))
	}

	if s == b.head {
		b.head = (b.head + 1) % len(b.slots)
	}

	return res
}
