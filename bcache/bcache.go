// Package bcache provides the page buffer cache. It caches user data pages
// and mapping-table pages in DRAM page slots, tracks which sectors of each
// slot hold valid data, and writes dirty pages back to flash in sweeps that
// cover every bank at once.
package bcache

import (
	"fmt"
	"log"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/ftl/alloc"
	"github.com/sarchlab/ftl/dram"
	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/hooking"
	"github.com/sarchlab/ftl/internal/slru"
	"github.com/sarchlab/ftl/sectors"
)

// A Backer owns the flash location of cached pages. For user pages this is
// the address translation, for mapping-table pages the translation
// directory.
type Backer interface {
	// Locate returns where sub-page sp of a page currently lives on flash.
	// The zero VPA means it has never been written. Locate is called for
	// dirty victims in the middle of a sweep and must not add pages to the
	// cache then.
	Locate(key Key, sp int) flash.VPA

	// Relocate is told that a written-back page now lives at vpa, sub-page
	// sp at sub-page slot sp.
	Relocate(key Key, vpa flash.VPA)
}

// An Allocator supplies the pages victims are written to.
type Allocator interface {
	AllocateNext(bank int, stream alloc.Stream) (uint32, error)
	Replace(bank int, stream alloc.Stream, old flash.VPA) (uint32, error)
	InvalidateSubPage(old flash.VPA)
}

// Stats counts cache events.
type Stats struct {
	Hits           uint64
	Misses         uint64
	FlashReads     uint64
	Sweeps         uint64
	Evictions      uint64
	DirtyEvictions uint64
}

// HitRatio returns the share of lookups that hit.
func (s Stats) HitRatio() float64 {
	if s.Hits+s.Misses == 0 {
		return 0
	}

	return float64(s.Hits) / float64(s.Hits+s.Misses)
}

// Cache is the page buffer cache. The page slot of an entry is the slot
// with the same index as the entry's arena handle.
type Cache struct {
	hooking.HookableBase

	name      string
	numBanks  int
	device    flash.Device
	allocator Allocator
	backer    Backer
	buffers   dram.Region
	arena     *slru.Cache[Key, sectors.Mask]
	stats     Stats
	log       logrus.FieldLogger
}

// Name returns the name of the cache.
func (c *Cache) Name() string {
	return c.name
}

// SetBacker sets the owner of the flash locations.
func (c *Cache) SetBacker(b Backer) {
	c.backer = b
}

// BankOf returns the bank a key belongs to.
func (c *Cache) BankOf(key Key) int {
	return int(key.Index()) % c.numBanks
}

func (c *Cache) buffer(h slru.Handle) []byte {
	return c.buffers.Slot(int(h), sectors.BytesPerPage)
}

func (c *Cache) mustFind(key Key) slru.Handle {
	h, ok := c.arena.Lookup(key)
	if !ok {
		log.Panicf("bcache: %s is not cached", key)
	}

	return h
}

// Get returns the page slot of a cached page without any I/O. A hit promotes
// the entry.
func (c *Cache) Get(key Key) ([]byte, bool) {
	h, ok := c.arena.Lookup(key)
	if !ok {
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	c.arena.Touch(h)

	return c.buffer(h), true
}

// Peek returns the page slot of a cached page without promoting it or
// counting a lookup.
func (c *Cache) Peek(key Key) ([]byte, bool) {
	h, ok := c.arena.Lookup(key)
	if !ok {
		return nil, false
	}

	return c.buffer(h), true
}

// Contains tells if a page is cached, without promoting it.
func (c *Cache) Contains(key Key) bool {
	_, ok := c.arena.Lookup(key)
	return ok
}

// IsFull tells if a new entry for key would need an eviction first.
func (c *Cache) IsFull(key Key) bool {
	return c.arena.IsFull(c.BankOf(key))
}

// Put reserves a page slot for a page that is not cached. No sector of the
// slot is valid yet. Calling Put when IsFull reports true, or for a page
// that is already cached, is a contract violation.
func (c *Cache) Put(key Key) []byte {
	h, err := c.arena.Insert(c.BankOf(key), key)
	if err != nil {
		log.Panicf("bcache: put %s: %v", key, err)
	}

	return c.buffer(h)
}

// ValidSectors returns the sectors of a cached page that hold data.
func (c *Cache) ValidSectors(key Key) (sectors.Mask, bool) {
	h, ok := c.arena.Lookup(key)
	if !ok {
		return 0, false
	}

	return *c.arena.Value(h), true
}

// SetValidSectors marks sectors of a cached page as holding data. Sectors
// already valid stay valid.
func (c *Cache) SetValidSectors(key Key, mask sectors.Mask) {
	h := c.mustFind(key)
	*c.arena.Value(h) |= mask
}

// SetDirty marks a cached page as newer than its flash copy.
func (c *Cache) SetDirty(key Key) {
	c.arena.SetDirty(c.mustFind(key), true)
}

// IsDirty tells if a cached page is newer than its flash copy.
func (c *Cache) IsDirty(key Key) bool {
	h, ok := c.arena.Lookup(key)
	return ok && c.arena.IsDirty(h)
}

// Fill makes the sectors [offset, offset+count) of a cached page valid. When
// they already are, no flash access happens. Otherwise every sub-page that
// overlaps the range is completed from flash; sub-pages never written read
// as zeros for mapping-table pages and as 0xFF for user pages.
func (c *Cache) Fill(key Key, offset, count int) {
	h := c.mustFind(key)
	want := sectors.Range(offset, count)
	valid := c.arena.Value(h)

	if valid.Covers(want) {
		return
	}

	buf := c.buffer(h)
	for sp := 0; sp < sectors.SubPagesPerPage; sp++ {
		spMask := sectors.SubPageRange(sp)
		if !want.Overlaps(spMask) || valid.Covers(spMask) {
			continue
		}

		loc := c.backer.Locate(key, sp)
		if loc.IsZero() {
			sectors.Fill(buf, spMask&^*valid, neverWritten(key))
		} else {
			for _, seg := range valid.MissingSegments(sp) {
				c.device.ReadPage(loc.Bank, loc.VPN,
					seg.Begin, seg.End-seg.Begin, buf, flash.Sync)
				c.stats.FlashReads++
			}
		}

		*valid |= spMask
	}
}

// FillFullPage makes every sector of a cached page valid.
func (c *Cache) FillFullPage(key Key) {
	c.Fill(key, 0, sectors.SectorsPerPage)
}

func neverWritten(key Key) byte {
	if key.IsMeta() {
		return 0
	}

	return 0xFF
}

// Len returns the number of cached pages.
func (c *Cache) Len() int {
	return c.arena.Len()
}

// Capacity returns the number of page slots.
func (c *Cache) Capacity() int {
	return c.arena.Capacity()
}

// Stats returns the event counters.
func (c *Cache) Stats() Stats {
	return c.stats
}

type victim struct {
	handle slru.Handle
	key    Key
	bank   int
	dirty  bool
	locs   [sectors.SubPagesPerPage]flash.VPA
	vpa    flash.VPA
}

// Evict runs one sweep: it takes at most one victim from every bank whose
// probationary segment is at or above the high water mark, completes and
// writes back the dirty victims with all banks working in parallel, drops
// the victims and tells the backer where the written pages went. It returns
// the number of pages dropped.
func (c *Cache) Evict() (int, error) {
	victims := c.popVictims()
	if len(victims) == 0 {
		return 0, nil
	}

	c.stats.Sweeps++

	c.completeDirtyVictims(victims)

	err := c.allocateVictimPages(victims)
	if err != nil {
		return 0, err
	}

	c.writeDirtyVictims(victims)

	for i := range victims {
		v := &victims[i]
		c.arena.Remove(v.handle)
		c.stats.Evictions++

		c.InvokeHook(hooking.HookCtx{
			Domain: c,
			Pos:    hooking.HookPosCacheEvict,
			Item: hooking.CacheEvict{
				Key: uint32(v.key), Bank: v.bank, Dirty: v.dirty,
			},
		})
	}

	for i := range victims {
		v := &victims[i]
		if !v.dirty {
			continue
		}

		c.stats.DirtyEvictions++
		c.backer.Relocate(v.key, v.vpa)

		c.log.WithFields(logrus.Fields{
			"key": v.key.String(),
			"vpa": v.vpa.String(),
		}).Debug("page written back")
	}

	return len(victims), nil
}

func (c *Cache) popVictims() []victim {
	var victims []victim

	for bank := 0; bank < c.numBanks; bank++ {
		h, ok := c.arena.Victim(bank)
		if !ok {
			continue
		}

		v := victim{
			handle: h,
			key:    c.arena.Key(h),
			bank:   bank,
			dirty:  c.arena.IsDirty(h),
		}

		if v.dirty {
			for sp := range v.locs {
				v.locs[sp] = c.backer.Locate(v.key, sp)
			}
		}

		victims = append(victims, v)
	}

	return victims
}

// completeDirtyVictims reads the missing sectors of every dirty victim. The
// reads are issued in rounds with at most one command per bank.
func (c *Cache) completeDirtyVictims(victims []victim) {
	queues := make([][]flash.PageCmd, c.numBanks)
	numReads := 0

	for i := range victims {
		v := &victims[i]
		if !v.dirty {
			continue
		}

		valid := c.arena.Value(v.handle)
		buf := c.buffer(v.handle)

		for sp := 0; sp < sectors.SubPagesPerPage; sp++ {
			if valid.Covers(sectors.SubPageRange(sp)) {
				continue
			}

			loc := v.locs[sp]
			if loc.IsZero() {
				sectors.Fill(buf, sectors.SubPageRange(sp)&^*valid,
					neverWritten(v.key))
				continue
			}

			for _, seg := range valid.MissingSegments(sp) {
				queues[loc.Bank] = append(queues[loc.Bank], flash.PageCmd{
					VPA:    loc,
					Offset: seg.Begin,
					Count:  seg.End - seg.Begin,
					Buf:    buf,
				})
				numReads++
			}
		}

		*valid = sectors.Full
	}

	for numReads > 0 {
		var round []flash.PageCmd

		for bank := range queues {
			if len(queues[bank]) == 0 {
				continue
			}

			round = append(round, queues[bank][0])
			queues[bank] = queues[bank][1:]
		}

		flash.ReadPagesInParallel(c.device, round)
		numReads -= len(round)
		c.stats.FlashReads += uint64(len(round))
	}
}

func (c *Cache) allocateVictimPages(victims []victim) error {
	for i := range victims {
		v := &victims[i]
		if !v.dirty {
			continue
		}

		var (
			vpn uint32
			err error
		)

		if v.key.IsMeta() {
			vpn, err = c.allocator.Replace(v.bank, alloc.MetaStream, v.locs[0])
		} else {
			for _, loc := range v.locs {
				c.allocator.InvalidateSubPage(loc)
			}

			vpn, err = c.allocator.AllocateNext(v.bank, alloc.UserStream)
		}

		if err != nil {
			return fmt.Errorf("writing back %s: %w", v.key, err)
		}

		v.vpa = flash.VPA{Bank: v.bank, VPN: vpn}
	}

	return nil
}

func (c *Cache) writeDirtyVictims(victims []victim) {
	var cmds []flash.PageCmd

	for i := range victims {
		v := &victims[i]
		if !v.dirty {
			continue
		}

		cmds = append(cmds, flash.PageCmd{
			VPA:   v.vpa,
			Count: sectors.SectorsPerPage,
			Buf:   c.buffer(v.handle),
		})
	}

	if len(cmds) > 0 {
		flash.WritePagesInParallel(c.device, cmds)
	}
}
