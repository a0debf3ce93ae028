// Package pagelock arbitrates access to logical pages between tasks.
//
// Locking is advisory: Lock never waits, it returns the level actually
// granted and the caller retries on a later scheduling pass if that is not
// what it asked for.
package pagelock

import (
	"fmt"

	"github.com/google/btree"

	"github.com/sarchlab/ftl/ftlerr"
)

// A Level is the strength of a lock. Higher levels conflict with more.
type Level uint8

// Lock levels
const (
	Null Level = iota
	Read
	Intent
	Write
	numLevels
)

func (l Level) String() string {
	switch l {
	case Null:
		return "null"
	case Read:
		return "read"
	case Intent:
		return "intent"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// highestCompatible maps the highest level held by other owners to the
// highest level one more owner can hold.
var highestCompatible = [numLevels]Level{
	Null:   Write,
	Read:   Intent,
	Intent: Null,
	Write:  Null,
}

type record struct {
	lpn    uint32
	levels []Level
}

func (a *record) Less(b btree.Item) bool {
	return a.lpn < b.(*record).lpn
}

func (a *record) highestExcept(owner int) Level {
	highest := Null
	for o, l := range a.levels {
		if o != owner && l > highest {
			highest = l
		}
	}

	return highest
}

func (a *record) isFree() bool {
	for _, l := range a.levels {
		if l != Null {
			return false
		}
	}

	return true
}

// A Record describes the locks held on one page.
type Record struct {
	LPN    uint32
	Owners map[int]Level
}

// Table holds the lock records, ordered by LPN.
type Table struct {
	maxOwners  int
	maxRecords int
	tree       *btree.BTree
	key        record
}

// NewTable creates a lock table for maxOwners owners that holds at most
// maxRecords locked pages.
func NewTable(maxOwners, maxRecords int) *Table {
	if maxOwners < 1 || maxRecords < 1 {
		panic("pagelock: the table needs at least one owner and one record")
	}

	return &Table{
		maxOwners:  maxOwners,
		maxRecords: maxRecords,
		tree:       btree.New(8),
	}
}

// MaxOwners returns the number of owners the table serves.
func (t *Table) MaxOwners() int {
	return t.maxOwners
}

func (t *Table) find(lpn uint32) *record {
	t.key.lpn = lpn

	item := t.tree.Get(&t.key)
	if item == nil {
		return nil
	}

	return item.(*record)
}

func (t *Table) mustBeValidOwner(owner int) {
	if owner < 0 || owner >= t.maxOwners {
		panic(fmt.Sprintf("pagelock: owner %d out of range", owner))
	}
}

// Lock asks for a level on a page and returns the level the owner holds
// afterwards. The grant is the highest level compatible with the other
// owners, at most the requested level. An owner never loses a level it
// already holds. An error is returned only when the page needs a new record
// and the table is full.
func (t *Table) Lock(owner int, lpn uint32, requested Level) (Level, error) {
	t.mustBeValidOwner(owner)

	rec := t.find(lpn)

	old := Null
	highestOther := Null
	if rec != nil {
		old = rec.levels[owner]
		highestOther = rec.highestExcept(owner)
	}

	granted := min(highestCompatible[highestOther], max(requested, old))
	if granted <= old {
		return old, nil
	}

	if rec == nil {
		if t.tree.Len() >= t.maxRecords {
			return Null, ftlerr.Exhaustedf("lock table full locking lpn %d", lpn)
		}

		rec = &record{lpn: lpn, levels: make([]Level, t.maxOwners)}
		t.tree.ReplaceOrInsert(rec)
	}

	rec.levels[owner] = granted

	return granted, nil
}

// Unlock clears the level the owner holds on a page. Unlocking a page the
// owner does not hold is an invariant violation.
func (t *Table) Unlock(owner int, lpn uint32) error {
	t.mustBeValidOwner(owner)

	rec := t.find(lpn)
	if rec == nil || rec.levels[owner] == Null {
		return ftlerr.Fatalf("owner %d unlocks lpn %d it does not hold",
			owner, lpn)
	}

	rec.levels[owner] = Null
	if rec.isFree() {
		t.tree.Delete(rec)
	}

	return nil
}

// LevelOf returns the level an owner holds on a page.
func (t *Table) LevelOf(owner int, lpn uint32) Level {
	t.mustBeValidOwner(owner)

	rec := t.find(lpn)
	if rec == nil {
		return Null
	}

	return rec.levels[owner]
}

// NumRecords returns the number of locked pages.
func (t *Table) NumRecords() int {
	return t.tree.Len()
}

// Snapshot returns the locked pages in LPN order.
func (t *Table) Snapshot() []Record {
	records := make([]Record, 0, t.tree.Len())

	t.tree.Ascend(func(item btree.Item) bool {
		rec := item.(*record)

		r := Record{LPN: rec.lpn, Owners: make(map[int]Level)}
		for o, l := range rec.levels {
			if l != Null {
				r.Owners[o] = l
			}
		}

		records = append(records, r)

		return true
	})

	return records
}
