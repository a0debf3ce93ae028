// Package alloc supplies physical pages. Pages are handed out sequentially,
// block by block, skipping bad blocks. Nothing is ever reclaimed, so running
// out of blocks is fatal.
package alloc

import (
	"fmt"
	"io"

	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/ftlerr"
	"github.com/sarchlab/ftl/sectors"
	"github.com/sirupsen/logrus"
)

// A Stream is an independent sequence of pages within a bank. Each stream
// fills its own current block so that data and mapping-table pages do not
// interleave.
type Stream int

// Allocation streams
const (
	UserStream Stream = iota
	MetaStream
	numStreams
)

func (s Stream) String() string {
	switch s {
	case UserStream:
		return "user"
	case MetaStream:
		return "meta"
	default:
		return fmt.Sprintf("stream(%d)", int(s))
	}
}

type streamState struct {
	nextVPN   uint32
	pagesLeft int
}

type bankState struct {
	streams       [numStreams]streamState
	nextFreeBlock uint32
	numFreeBlocks int
	invalid       []int
	err           error
}

// Allocator hands out pages for every bank.
type Allocator struct {
	geometry flash.Geometry
	bad      *BadBlockTable
	banks    []bankState
	log      logrus.FieldLogger
}

// New creates an allocator. Block 0 of every bank is reserved. A nil logger
// discards the log.
func New(
	g flash.Geometry,
	bad *BadBlockTable,
	log logrus.FieldLogger,
) *Allocator {
	if log == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		log = logger
	}

	a := &Allocator{
		geometry: g,
		bad:      bad,
		banks:    make([]bankState, g.NumBanks),
		log:      log,
	}

	for i := range a.banks {
		b := &a.banks[i]
		b.nextFreeBlock = 1
		b.numFreeBlocks = g.BlocksPerBank - 1
		b.invalid = make([]int, g.BlocksPerBank)

		for block := 1; block < g.BlocksPerBank; block++ {
			if bad.IsBad(i, uint32(block)) {
				b.numFreeBlocks--
			}
		}
	}

	return a
}

// AllocateNext returns the next page of a stream in a bank.
func (a *Allocator) AllocateNext(bank int, stream Stream) (uint32, error) {
	b := &a.banks[bank]
	if b.err != nil {
		return 0, b.err
	}

	s := &b.streams[stream]
	if s.pagesLeft == 0 {
		err := a.openBlock(bank, s)
		if err != nil {
			return 0, err
		}
	}

	vpn := s.nextVPN
	s.nextVPN++
	s.pagesLeft--

	return vpn, nil
}

func (a *Allocator) openBlock(bank int, s *streamState) error {
	b := &a.banks[bank]

	for int(b.nextFreeBlock) < a.geometry.BlocksPerBank &&
		a.bad.IsBad(bank, b.nextFreeBlock) {
		b.nextFreeBlock++
	}

	if int(b.nextFreeBlock) >= a.geometry.BlocksPerBank {
		b.err = fmt.Errorf("bank %d: %w", bank, ftlerr.ErrNoSpace)
		a.log.WithField("bank", bank).Error("out of blocks")

		return b.err
	}

	s.nextVPN = b.nextFreeBlock * uint32(a.geometry.PagesPerBlock)
	s.pagesLeft = a.geometry.PagesPerBlock

	a.log.WithFields(logrus.Fields{
		"bank":  bank,
		"block": b.nextFreeBlock,
	}).Debug("block opened")

	b.nextFreeBlock++
	b.numFreeBlocks--

	return nil
}

// Replace allocates a page like AllocateNext and counts every sub-page of
// the old page as invalid.
func (a *Allocator) Replace(
	bank int,
	stream Stream,
	old flash.VPA,
) (uint32, error) {
	vpn, err := a.AllocateNext(bank, stream)
	if err != nil {
		return 0, err
	}

	if !old.IsZero() {
		a.banks[old.Bank].invalid[a.blockOf(old.VPN)] += sectors.SubPagesPerPage
	}

	return vpn, nil
}

// InvalidateSubPage counts one sub-page of a page as superseded.
func (a *Allocator) InvalidateSubPage(old flash.VPA) {
	if old.IsZero() {
		return
	}

	a.banks[old.Bank].invalid[a.blockOf(old.VPN)]++
}

func (a *Allocator) blockOf(vpn uint32) int {
	return int(vpn) / a.geometry.PagesPerBlock
}

// FreePageCount returns how many pages a bank can still hand out.
func (a *Allocator) FreePageCount(bank int) uint64 {
	b := &a.banks[bank]
	if b.err != nil {
		return 0
	}

	n := uint64(b.numFreeBlocks) * uint64(a.geometry.PagesPerBlock)
	for _, s := range b.streams {
		n += uint64(s.pagesLeft)
	}

	return n
}

// FreeBlockCount returns the number of good blocks not opened yet.
func (a *Allocator) FreeBlockCount(bank int) int {
	return a.banks[bank].numFreeBlocks
}

// InvalidSubPages returns the number of superseded sub-pages in a block.
func (a *Allocator) InvalidSubPages(bank int, block int) int {
	return a.banks[bank].invalid[block]
}

// TotalInvalidSubPages returns the number of superseded sub-pages in a bank.
func (a *Allocator) TotalInvalidSubPages(bank int) int {
	n := 0
	for _, c := range a.banks[bank].invalid {
		n += c
	}

	return n
}

// Err returns the error that stopped a bank, if any.
func (a *Allocator) Err(bank int) error {
	return a.banks[bank].err
}
