package workload

import (
	"encoding/binary"
	"fmt"

	"github.com/sarchlab/ftl/sectors"
)

// Oracle remembers which version of every sector the host wrote last, so
// that read data can be checked. Version zero means never written; such
// sectors read as erased flash.
type Oracle struct {
	versions map[uint64]uint32
	next     uint32
}

// NewOracle creates an empty oracle.
func NewOracle() *Oracle {
	return &Oracle{
		versions: make(map[uint64]uint32),
		next:     1,
	}
}

// Write fills data with a fresh version of the request's sectors and records
// that version. Data must hold Count sectors.
func (o *Oracle) Write(r Request, data []byte) {
	version := o.next
	o.next++

	for i := 0; i < r.Count; i++ {
		sector := r.Sector() + uint64(i)
		o.versions[sector] = version
		fillSector(data[i*sectors.BytesPerSector:], sector, version)
	}
}

// Expected returns the data a read of the request must return now.
func (o *Oracle) Expected(r Request) []byte {
	data := make([]byte, r.Count*sectors.BytesPerSector)

	for i := 0; i < r.Count; i++ {
		sector := r.Sector() + uint64(i)
		fillSector(data[i*sectors.BytesPerSector:], sector, o.versions[sector])
	}

	return data
}

// Check compares data read for the request against the last written
// versions.
func (o *Oracle) Check(r Request, data []byte) error {
	return Diff(r, o.Expected(r), data)
}

// Diff reports the first sector where got differs from want.
func Diff(r Request, want, got []byte) error {
	if len(got) != len(want) {
		return fmt.Errorf("lpn %d: got %d bytes for %d sectors",
			r.LPN, len(got), r.Count)
	}

	for i := range want {
		if got[i] == want[i] {
			continue
		}

		sector := r.Sector() + uint64(i/sectors.BytesPerSector)

		return fmt.Errorf("sector %d (lpn %d): byte %d is %#x, want %#x",
			sector, r.LPN, i%sectors.BytesPerSector, got[i], want[i])
	}

	return nil
}

// NumWrittenSectors returns the number of sectors written at least once.
func (o *Oracle) NumWrittenSectors() int {
	return len(o.versions)
}

func fillSector(dst []byte, sector uint64, version uint32) {
	dst = dst[:sectors.BytesPerSector]

	if version == 0 {
		for i := range dst {
			dst[i] = 0xFF
		}

		return
	}

	binary.LittleEndian.PutUint64(dst, sector)
	binary.LittleEndian.PutUint32(dst[8:], version)

	fill := byte(sector) ^ byte(version)
	for i := 12; i < len(dst); i++ {
		dst[i] = fill
	}
}
