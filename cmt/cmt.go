// Package cmt provides the cached mapping table, a segmented LRU cache of
// logical sub-page to physical page translations.
//
// Keys are logical sub-page numbers (LSPN = LPN*SubPagesPerPage + sub-page).
// A key belongs to the bank of its LPN. Entries that a task has fixed are
// never evicted.
package cmt

import (
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/ftlerr"
	"github.com/sarchlab/ftl/hooking"
	"github.com/sarchlab/ftl/internal/slru"
	"github.com/sarchlab/ftl/sectors"
)

var (
	// ErrFull is returned by Add when the key's probationary segment has no
	// room. The caller evicts first.
	ErrFull = fmt.Errorf("%w: translation cache segment full",
		ftlerr.ErrResourceExhausted)

	// ErrExists is returned by Add when the key is already cached.
	ErrExists = errors.New("translation already cached")

	// ErrNotFound is returned when operating on a key that is not cached.
	ErrNotFound = errors.New("translation not cached")

	// ErrFixLimit is returned when fixing one more entry would exceed the
	// fix bound.
	ErrFixLimit = fmt.Errorf("%w: too many fixed translations",
		ftlerr.ErrResourceExhausted)
)

// A Victim is an entry removed by Evict.
type Victim struct {
	Key   uint32
	VPA   flash.VPA
	Dirty bool
}

// Stats counts cache events.
type Stats struct {
	Hits           uint64
	Misses         uint64
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

// Config sizes the cache.
type Config struct {
	NumBanks          int
	PagesPerBlock     int
	ProbationCapacity int `mapstructure:"probation_capacity"`
	ProtectedCapacity int `mapstructure:"protected_capacity"`
	MaxFixed          int `mapstructure:"max_fixed"`
}

// Cache is the cached mapping table.
type Cache struct {
	hooking.HookableBase

	name  string
	cfg   Config
	arena *slru.Cache[uint32, flash.VPA]
	stats Stats
	log   logrus.FieldLogger
}

// New creates a cache. A nil logger discards the log.
func New(name string, cfg Config, logger logrus.FieldLogger) *Cache {
	if cfg.MaxFixed < 1 {
		panic("cmt: MaxFixed must be at least 1")
	}

	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}

	return &Cache{
		name: name,
		cfg:  cfg,
		arena: slru.New[uint32, flash.VPA](
			cfg.NumBanks, cfg.ProbationCapacity, cfg.ProtectedCapacity),
		log: logger.WithField("component", name),
	}
}

// Name returns the name of the cache.
func (c *Cache) Name() string {
	return c.name
}

// BankOf returns the bank a key belongs to.
func (c *Cache) BankOf(key uint32) int {
	return int(key/sectors.SubPagesPerPage) % c.cfg.NumBanks
}

// Get returns the translation of a key and records a hit or a miss. A hit
// promotes the entry.
func (c *Cache) Get(key uint32) (flash.VPA, bool) {
	h, ok := c.arena.Lookup(key)
	if !ok {
		c.stats.Misses++
		return flash.VPA{}, false
	}

	c.stats.Hits++
	c.arena.Touch(h)

	return *c.arena.Value(h), true
}

// Peek returns the translation of a key without promoting it.
func (c *Cache) Peek(key uint32) (flash.VPA, bool) {
	h, ok := c.arena.Lookup(key)
	if !ok {
		return flash.VPA{}, false
	}

	return *c.arena.Value(h), true
}

// Add inserts a clean translation at the head of its bank's probationary
// segment.
func (c *Cache) Add(key uint32, vpa flash.VPA) error {
	h, err := c.arena.Insert(c.BankOf(key), key)

	switch {
	case errors.Is(err, slru.ErrFull):
		return ErrFull
	case errors.Is(err, slru.ErrExists):
		return ErrExists
	}

	*c.arena.Value(h) = vpa

	return nil
}

// Update changes a translation, marks it dirty and promotes it. Mapping into
// the reserved block is an invariant violation.
func (c *Cache) Update(key uint32, vpa flash.VPA) error {
	if int(vpa.VPN) < c.cfg.PagesPerBlock {
		log.Panicf("cmt: lspn %d mapped into reserved block at %s", key, vpa)
	}

	h, ok := c.arena.Lookup(key)
	if !ok {
		return ErrNotFound
	}

	if *c.arena.Value(h) == vpa {
		return nil
	}

	*c.arena.Value(h) = vpa
	c.arena.SetDirty(h, true)
	c.arena.Touch(h)

	return nil
}

// Evict removes the least recently used unfixed entry of a bank. It refuses
// while the bank's probationary segment is below the high water mark.
func (c *Cache) Evict(bank int) (Victim, bool) {
	h, ok := c.arena.Victim(bank)
	if !ok {
		return Victim{}, false
	}

	v := Victim{
		Key:   c.arena.Key(h),
		VPA:   *c.arena.Value(h),
		Dirty: c.arena.IsDirty(h),
	}
	c.arena.Remove(h)

	c.stats.Evictions++
	if v.Dirty {
		c.stats.DirtyEvictions++
	}

	c.log.WithFields(logrus.Fields{
		"lspn":  v.Key,
		"vpa":   v.VPA,
		"dirty": v.Dirty,
	}).Debug("translation evicted")

	c.InvokeHook(hooking.HookCtx{
		Domain: c,
		Pos:    hooking.HookPosCacheEvict,
		Item:   hooking.CacheEvict{Key: v.Key, Bank: bank, Dirty: v.Dirty},
	})

	return v, true
}

// Fix pins an entry so that it cannot be evicted. Fixes nest.
func (c *Cache) Fix(key uint32) error {
	h, ok := c.arena.Lookup(key)
	if !ok {
		return ErrNotFound
	}

	if c.arena.Pins(h) == 0 && c.arena.NumPinned() >= c.cfg.MaxFixed {
		return ErrFixLimit
	}

	c.arena.Pin(h)

	return nil
}

// Unfix releases one fix of an entry.
func (c *Cache) Unfix(key uint32) error {
	h, ok := c.arena.Lookup(key)
	if !ok {
		return ErrNotFound
	}

	if c.arena.Pins(h) == 0 {
		return ftlerr.Fatalf("unfixing lspn %d that is not fixed", key)
	}

	c.arena.Unpin(h)

	return nil
}

// IsFixed tells if a key is cached and fixed.
func (c *Cache) IsFixed(key uint32) bool {
	h, ok := c.arena.Lookup(key)
	return ok && c.arena.Pins(h) > 0
}

// NumFixed returns the number of distinct fixed entries.
func (c *Cache) NumFixed() int {
	return c.arena.NumPinned()
}

// IsFull tells if a bank's probationary segment has no room.
func (c *Cache) IsFull(bank int) bool {
	return c.arena.IsFull(bank)
}

// Len returns the number of cached translations.
func (c *Cache) Len() int {
	return c.arena.Len()
}

// Capacity returns the number of translations the cache can hold.
func (c *Cache) Capacity() int {
	return c.arena.Capacity()
}

// Stats returns the event counters.
func (c *Cache) Stats() Stats {
	return c.stats
}

// ProbationKeys returns the keys of a bank's probationary segment, most
// recently used first.
func (c *Cache) ProbationKeys(bank int) []uint32 {
	return c.arena.ProbationKeys(bank)
}

// ProtectedKeys returns the keys of the protected segment, most recently
// used first.
func (c *Cache) ProtectedKeys() []uint32 {
	return c.arena.ProtectedKeys()
}
