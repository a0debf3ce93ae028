// Package dram models the controller DRAM that the FTL carves its caches,
// buffers and tables out of.
package dram

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Storage is a flat byte store. Regions are handed out in order and never
// overlap.
type Storage struct {
	data    []byte
	next    int
	regions []Region
}

// A Region is a named, contiguous part of the DRAM.
type Region struct {
	Name   string
	Offset int
	Bytes  []byte
}

// NewStorage creates a DRAM of the given capacity in bytes.
func NewStorage(capacity int) *Storage {
	return &Storage{
		data: make([]byte, capacity),
	}
}

// Capacity returns the size of the DRAM in bytes.
func (s *Storage) Capacity() int {
	return len(s.data)
}

// Used returns the number of bytes handed out.
func (s *Storage) Used() int {
	return s.next
}

// Carve hands out the next n bytes as a region.
func (s *Storage) Carve(name string, n int) (Region, error) {
	if n < 0 || s.next+n > len(s.data) {
		return Region{}, fmt.Errorf(
			"DRAM exhausted carving %s: need %s, %s left",
			name,
			humanize.IBytes(uint64(n)),
			humanize.IBytes(uint64(len(s.data)-s.next)))
	}

	r := Region{
		Name:   name,
		Offset: s.next,
		Bytes:  s.data[s.next : s.next+n : s.next+n],
	}
	s.next += n
	s.regions = append(s.regions, r)

	return r, nil
}

// Regions returns the regions carved so far, in address order.
func (s *Storage) Regions() []Region {
	return s.regions
}

// Slot returns slot i of a region divided into slots of the given size.
func (r Region) Slot(i, size int) []byte {
	if i < 0 || (i+1)*size > len(r.Bytes) {
		panic(fmt.Sprintf("slot %d of %d bytes out of region %s",
			i, size, r.Name))
	}

	return r.Bytes[i*size : (i+1)*size : (i+1)*size]
}

// NumSlots returns how many slots of the given size fit in the region.
func (r Region) NumSlots(size int) int {
	return len(r.Bytes) / size
}

func (r Region) String() string {
	return fmt.Sprintf("%s@%#x (%s)", r.Name, r.Offset,
		humanize.IBytes(uint64(len(r.Bytes))))
}
