package nand

import (
	"fmt"

	"github.com/sarchlab/ftl/sectors"
)

const erasedByte = 0xFF

// A Storage keeps the content of the pages of a NAND array.
//
// Pages are allocated lazily. For the pages that are not touched by Program,
// no memory is allocated and their sectors read as erased.
type Storage struct {
	numPages   uint64
	data       map[uint64][]byte
	programmed map[uint64]sectors.Mask
}

// NewStorage creates a storage with the given number of pages.
func NewStorage(numPages uint64) *Storage {
	return &Storage{
		numPages:   numPages,
		data:       make(map[uint64][]byte),
		programmed: make(map[uint64]sectors.Mask),
	}
}

func (s *Storage) mustBeInRange(page uint64) {
	if page >= s.numPages {
		panic(fmt.Sprintf("page %d beyond the storage capacity %d",
			page, s.numPages))
	}
}

// Read copies the sectors of mask from the page into the same sectors of
// dst.
func (s *Storage) Read(page uint64, mask sectors.Mask, dst []byte) {
	s.mustBeInRange(page)

	unit, ok := s.data[page]
	if !ok {
		sectors.Fill(dst, mask, erasedByte)
		return
	}

	sectors.Copy(dst, unit, mask)
}

// Program writes the sectors of mask from src into the page. Programming a
// sector twice without an erase panics.
func (s *Storage) Program(page uint64, mask sectors.Mask, src []byte) {
	s.mustBeInRange(page)

	if s.programmed[page].Overlaps(mask) {
		panic(fmt.Sprintf("page %d programmed twice without an erase", page))
	}

	unit, ok := s.data[page]
	if !ok {
		unit = make([]byte, sectors.BytesPerPage)
		sectors.Fill(unit, sectors.Full, erasedByte)
		s.data[page] = unit
	}

	sectors.Copy(unit, src, mask)
	s.programmed[page] |= mask
}

// Erase releases the pages in [first, first+count).
func (s *Storage) Erase(first, count uint64) {
	s.mustBeInRange(first + count - 1)

	for p := first; p < first+count; p++ {
		delete(s.data, p)
		delete(s.programmed, p)
	}
}

// Programmed returns the sectors of a page that have been programmed since
// the last erase.
func (s *Storage) Programmed(page uint64) sectors.Mask {
	return s.programmed[page]
}
