// Package slru implements the segmented LRU arena shared by the address
// translation cache and the buffer cache.
//
// Entries live in a fixed arena and are addressed by dense handles. Each bank
// has a probationary segment for fresh entries and the whole cache shares
// one protected segment for entries that were hit again. Victims only come
// from probationary segments and are never pinned.
package slru

import (
	"errors"
	"fmt"
)

var (
	// ErrFull is returned when the probationary segment of a bank has no
	// room for a new entry.
	ErrFull = errors.New("segment full")

	// ErrExists is returned when inserting a key that is already cached.
	ErrExists = errors.New("key already cached")
)

// A Handle addresses an entry of the arena.
type Handle int32

// NilHandle addresses no entry.
const NilHandle Handle = -1

type entry[K comparable, V any] struct {
	key   K
	val   V
	dirty bool
	pins  int
	bank  int
	seg   int
	prev  Handle
	next  Handle
}

type segment struct {
	head, tail Handle
	len, cap   int
}

// Cache is a segmented LRU arena.
type Cache[K comparable, V any] struct {
	entries   []entry[K, V]
	free      Handle
	index     map[K]Handle
	segs      []segment
	protected int
	hwm       int
	numPinned int
}

// New creates an arena with probCap entries per bank in probationary
// segments and protCap entries in the protected segment.
func New[K comparable, V any](numBanks, probCap, protCap int) *Cache[K, V] {
	if numBanks < 1 || probCap < 1 || protCap < 0 {
		panic(fmt.Sprintf("slru: invalid capacity %d x %d + %d",
			numBanks, probCap, protCap))
	}

	capacity := numBanks*probCap + protCap

	c := &Cache[K, V]{
		entries:   make([]entry[K, V], capacity),
		index:     make(map[K]Handle, capacity),
		segs:      make([]segment, numBanks+1),
		protected: numBanks,
		hwm:       max(1, probCap*7/8),
	}

	for i := range c.segs {
		c.segs[i] = segment{head: NilHandle, tail: NilHandle, cap: probCap}
	}
	c.segs[c.protected].cap = protCap

	for i := range c.entries {
		c.entries[i].next = Handle(i + 1)
	}
	c.entries[capacity-1].next = NilHandle

	return c
}

// Capacity returns the number of entries the arena holds.
func (c *Cache[K, V]) Capacity() int {
	return len(c.entries)
}

// NumBanks returns the number of probationary segments.
func (c *Cache[K, V]) NumBanks() int {
	return c.protected
}

// HighWaterMark returns the probationary length below which Victim refuses.
func (c *Cache[K, V]) HighWaterMark() int {
	return c.hwm
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	return len(c.index)
}

// ProbationLen returns the number of entries in a bank's probationary
// segment.
func (c *Cache[K, V]) ProbationLen(bank int) int {
	return c.segs[bank].len
}

// ProtectedLen returns the number of entries in the protected segment.
func (c *Cache[K, V]) ProtectedLen() int {
	return c.segs[c.protected].len
}

// IsFull tells if a bank's probationary segment has no room.
func (c *Cache[K, V]) IsFull(bank int) bool {
	s := &c.segs[bank]
	return s.len >= s.cap
}

// Lookup finds the entry of a key.
func (c *Cache[K, V]) Lookup(key K) (Handle, bool) {
	h, ok := c.index[key]
	return h, ok
}

// Insert adds a key at the head of a bank's probationary segment.
func (c *Cache[K, V]) Insert(bank int, key K) (Handle, error) {
	if _, ok := c.index[key]; ok {
		return NilHandle, ErrExists
	}

	if c.IsFull(bank) {
		return NilHandle, ErrFull
	}

	h := c.free
	if h == NilHandle {
		panic("slru: arena exhausted with room in a segment")
	}

	e := &c.entries[h]
	c.free = e.next

	*e = entry[K, V]{key: key, bank: bank}
	c.index[key] = h
	c.pushFront(bank, h)

	return h, nil
}

// Touch records a hit. A probationary entry moves to the protected segment,
// demoting the protected tail into its own bank's probationary segment when
// the protected segment is full. If that segment has no room either, the
// entry stays probationary and only moves to the head.
func (c *Cache[K, V]) Touch(h Handle) {
	e := &c.entries[h]
	prot := &c.segs[c.protected]

	if e.seg == c.protected {
		c.unlink(h)
		c.pushFront(c.protected, h)

		return
	}

	bank := e.seg
	c.unlink(h)

	if prot.len < prot.cap {
		c.pushFront(c.protected, h)
		return
	}

	if prot.cap == 0 {
		c.pushFront(bank, h)
		return
	}

	demoted := prot.tail
	demotedBank := c.entries[demoted].bank
	if c.IsFull(demotedBank) {
		c.pushFront(bank, h)
		return
	}

	c.unlink(demoted)
	c.pushFront(demotedBank, demoted)
	c.pushFront(c.protected, h)
}

// Victim returns the least recently used unpinned entry of a bank's
// probationary segment. It refuses while the segment is below the high
// water mark.
func (c *Cache[K, V]) Victim(bank int) (Handle, bool) {
	s := &c.segs[bank]
	if s.len < c.hwm {
		return NilHandle, false
	}

	for h := s.tail; h != NilHandle; h = c.entries[h].prev {
		if c.entries[h].pins == 0 {
			return h, true
		}
	}

	return NilHandle, false
}

// Remove drops an entry. Removing a pinned entry panics.
func (c *Cache[K, V]) Remove(h Handle) {
	e := &c.entries[h]
	if e.pins > 0 {
		panic(fmt.Sprintf("slru: removing pinned entry %v", e.key))
	}

	c.unlink(h)
	delete(c.index, e.key)

	var zero entry[K, V]
	*e = zero
	e.next = c.free
	c.free = h
}

// Pin prevents an entry from being chosen as a victim. Pins nest.
func (c *Cache[K, V]) Pin(h Handle) {
	e := &c.entries[h]
	if e.pins == 0 {
		c.numPinned++
	}

	e.pins++
}

// Unpin releases one pin.
func (c *Cache[K, V]) Unpin(h Handle) {
	e := &c.entries[h]
	if e.pins == 0 {
		panic(fmt.Sprintf("slru: unpinning entry %v that is not pinned", e.key))
	}

	e.pins--
	if e.pins == 0 {
		c.numPinned--
	}
}

// Pins returns the pin count of an entry.
func (c *Cache[K, V]) Pins(h Handle) int {
	return c.entries[h].pins
}

// NumPinned returns the number of distinct pinned entries.
func (c *Cache[K, V]) NumPinned() int {
	return c.numPinned
}

// Key returns the key of an entry.
func (c *Cache[K, V]) Key(h Handle) K {
	return c.entries[h].key
}

// Value returns the value of an entry for reading and writing.
func (c *Cache[K, V]) Value(h Handle) *V {
	return &c.entries[h].val
}

// Bank returns the bank an entry belongs to.
func (c *Cache[K, V]) Bank(h Handle) int {
	return c.entries[h].bank
}

// IsDirty tells if the entry differs from its copy on flash.
func (c *Cache[K, V]) IsDirty(h Handle) bool {
	return c.entries[h].dirty
}

// SetDirty marks or clears the dirty flag.
func (c *Cache[K, V]) SetDirty(h Handle, dirty bool) {
	c.entries[h].dirty = dirty
}

// IsProtected tells if an entry is in the protected segment.
func (c *Cache[K, V]) IsProtected(h Handle) bool {
	return c.entries[h].seg == c.protected
}

// ProbationKeys returns the keys of a bank's probationary segment from the
// most to the least recently used.
func (c *Cache[K, V]) ProbationKeys(bank int) []K {
	return c.keys(bank)
}

// ProtectedKeys returns the keys of the protected segment from the most to
// the least recently used.
func (c *Cache[K, V]) ProtectedKeys() []K {
	return c.keys(c.protected)
}

func (c *Cache[K, V]) keys(seg int) []K {
	keys := make([]K, 0, c.segs[seg].len)
	for h := c.segs[seg].head; h != NilHandle; h = c.entries[h].next {
		keys = append(keys, c.entries[h].key)
	}

	return keys
}

func (c *Cache[K, V]) pushFront(seg int, h Handle) {
	s := &c.segs[seg]
	e := &c.entries[h]

	e.seg = seg
	e.prev = NilHandle
	e.next = s.head

	if s.head != NilHandle {
		c.entries[s.head].prev = h
	}

	s.head = h
	if s.tail == NilHandle {
		s.tail = h
	}

	s.len++
}

func (c *Cache[K, V]) unlink(h Handle) {
	e := &c.entries[h]
	s := &c.segs[e.seg]

	if e.prev != NilHandle {
		c.entries[e.prev].next = e.next
	} else {
		s.head = e.next
	}

	if e.next != NilHandle {
		c.entries[e.next].prev = e.prev
	} else {
		s.tail = e.prev
	}

	e.prev = NilHandle
	e.next = NilHandle
	s.len--
}
