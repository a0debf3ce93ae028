// Package sectors defines the fixed sector geometry of a flash page and the
// bitmask used to track which sectors of a page buffer hold valid data.
package sectors

import (
	"fmt"
	"math/bits"
)

// Page geometry. A Mask has one bit per sector, so SectorsPerPage is bound to
// the width of Mask.
const (
	BytesPerSector    = 512
	SectorsPerPage    = 32
	SectorsPerSubPage = 8
	SubPagesPerPage   = SectorsPerPage / SectorsPerSubPage
	BytesPerSubPage   = SectorsPerSubPage * BytesPerSector
	BytesPerPage      = SectorsPerPage * BytesPerSector
)

// A Mask marks sectors of a page. Bit i stands for sector i.
type Mask uint32

// Full is the mask with every sector of a page set.
const Full Mask = 0xFFFFFFFF

const subPageBits Mask = 1<<SectorsPerSubPage - 1

// Range returns the mask of count sectors starting at offset.
func Range(offset, count int) Mask {
	mustBeValidRange(offset, count)

	if count == SectorsPerPage {
		return Full
	}

	return Mask((uint32(1)<<count - 1) << offset)
}

// SubPageRange returns the mask that covers the whole sub-page sp.
func SubPageRange(sp int) Mask {
	return subPageBits << (sp * SectorsPerSubPage)
}

// ValidRange tells if [offset, offset+count) lies inside one page.
func ValidRange(offset, count int) bool {
	return offset >= 0 && count >= 0 && offset+count <= SectorsPerPage
}

func mustBeValidRange(offset, count int) {
	if !ValidRange(offset, count) {
		panic(fmt.Sprintf("sector range [%d, %d) out of page",
			offset, offset+count))
	}
}

// IsEmpty tells if no sector is marked.
func (m Mask) IsEmpty() bool {
	return m == 0
}

// IsFull tells if every sector is marked.
func (m Mask) IsFull() bool {
	return m == Full
}

// Has tells if sector i is marked.
func (m Mask) Has(i int) bool {
	return m&(1<<i) != 0
}

// Covers tells if every sector of other is also marked in m.
func (m Mask) Covers(other Mask) bool {
	return m&other == other
}

// Overlaps tells if m and other mark at least one common sector.
func (m Mask) Overlaps(other Mask) bool {
	return m&other != 0
}

// Count returns the number of marked sectors.
func (m Mask) Count() int {
	return bits.OnesCount32(uint32(m))
}

// AlignToSubPages extends the mask so that a sub-page is either fully marked
// or not marked at all.
func (m Mask) AlignToSubPages() Mask {
	aligned := m
	for sp := 0; sp < SubPagesPerPage; sp++ {
		if m.Overlaps(SubPageRange(sp)) {
			aligned |= SubPageRange(sp)
		}
	}

	return aligned
}

// SubPage returns the 8-bit mask of sub-page sp.
func (m Mask) SubPage(sp int) uint8 {
	return uint8(m >> (sp * SectorsPerSubPage))
}

// HasSubPage tells if any sector of sub-page sp is marked.
func (m Mask) HasSubPage(sp int) bool {
	return m.SubPage(sp) != 0
}

// BeginSubPage returns the first sub-page with a marked sector.
func (m Mask) BeginSubPage() int {
	if m == 0 {
		return SubPagesPerPage
	}

	return bits.TrailingZeros32(uint32(m)) / SectorsPerSubPage
}

// EndSubPage returns one past the last sub-page with a marked sector.
func (m Mask) EndSubPage() int {
	if m == 0 {
		return SubPagesPerPage
	}

	last := SectorsPerPage - 1 - bits.LeadingZeros32(uint32(m))

	return last/SectorsPerSubPage + 1
}

// Segment is a run of consecutive sectors, [Begin, End).
type Segment struct {
	Begin, End int
}

// MissingSegments returns the runs of unmarked sectors inside sub-page sp.
// Sector numbers are relative to the page.
func (m Mask) MissingSegments(sp int) []Segment {
	var segs []Segment

	base := sp * SectorsPerSubPage
	spMask := m.SubPage(sp)

	begin := -1
	for i := 0; i < SectorsPerSubPage; i++ {
		missing := spMask&(1<<i) == 0
		if missing && begin < 0 {
			begin = i
		}

		if !missing && begin >= 0 {
			segs = append(segs, Segment{base + begin, base + i})
			begin = -1
		}
	}

	if begin >= 0 {
		segs = append(segs, Segment{base + begin, base + SectorsPerSubPage})
	}

	return segs
}

func (m Mask) String() string {
	return fmt.Sprintf("%08x", uint32(m))
}

// Copy copies the sectors marked in mask from src to dst. Both buffers hold
// a page image, so sector i lives at the same offset in both.
func Copy(dst, src []byte, mask Mask) {
	i := 0
	for i < SectorsPerPage {
		if !mask.Has(i) {
			i++
			continue
		}

		j := i
		for j < SectorsPerPage && mask.Has(j) {
			j++
		}

		copy(dst[i*BytesPerSector:j*BytesPerSector],
			src[i*BytesPerSector:j*BytesPerSector])
		i = j
	}
}

// Fill sets every byte of the sectors marked in mask to value.
func Fill(dst []byte, mask Mask, value byte) {
	for i := 0; i < SectorsPerPage; i++ {
		if !mask.Has(i) {
			continue
		}

		sector := dst[i*BytesPerSector : (i+1)*BytesPerSector]
		for k := range sector {
			sector[k] = value
		}
	}
}
