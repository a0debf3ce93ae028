// Package bankset provides a fixed-width set of flash banks.
package bankset

import (
	"fmt"
	"math/bits"
	"strings"
)

// MaxBanks is the largest number of banks a Set can describe.
const MaxBanks = 64

// A Set is a set of bank indices.
type Set uint64

// Of creates a set holding the given banks.
func Of(banks ...int) Set {
	var s Set
	for _, b := range banks {
		s.Add(b)
	}

	return s
}

// All returns the set of banks 0 to n-1.
func All(n int) Set {
	mustBeValidBank(n - 1)

	if n == MaxBanks {
		return ^Set(0)
	}

	return Set(uint64(1)<<n - 1)
}

func mustBeValidBank(bank int) {
	if bank < 0 || bank >= MaxBanks {
		panic(fmt.Sprintf("bank %d out of range", bank))
	}
}

// Has tells if the bank is in the set. A bank that is in an idle set is idle.
func (s Set) Has(bank int) bool {
	mustBeValidBank(bank)
	return s&(1<<bank) != 0
}

// Add puts a bank into the set.
func (s *Set) Add(bank int) {
	mustBeValidBank(bank)
	*s |= 1 << bank
}

// Remove takes a bank out of the set. Handlers remove a bank from the idle
// set after issuing a command to it.
func (s *Set) Remove(bank int) {
	mustBeValidBank(bank)
	*s &^= 1 << bank
}

// Intersects tells if two sets share at least one bank.
func (s Set) Intersects(other Set) bool {
	return s&other != 0
}

// IsEmpty tells if the set holds no bank.
func (s Set) IsEmpty() bool {
	return s == 0
}

// Count returns the number of banks in the set.
func (s Set) Count() int {
	return bits.OnesCount64(uint64(s))
}

// Banks lists the banks in ascending order.
func (s Set) Banks() []int {
	banks := make([]int, 0, s.Count())

	rest := uint64(s)
	for rest != 0 {
		b := bits.TrailingZeros64(rest)
		banks = append(banks, b)
		rest &^= 1 << b
	}

	return banks
}

func (s Set) String() string {
	parts := make([]string, 0, s.Count())
	for _, b := range s.Banks() {
		parts = append(parts, fmt.Sprint(b))
	}

	return "{" + strings.Join(parts, ",") + "}"
}

// A Picker chooses idle banks in round-robin order so that consecutive
// allocations spread over the banks.
type Picker struct {
	numBanks int
	last     int
}

// NewPicker creates a Picker over numBanks banks.
func NewPicker(numBanks int) *Picker {
	mustBeValidBank(numBanks - 1)

	return &Picker{
		numBanks: numBanks,
		last:     numBanks - 1,
	}
}

// Next returns the next idle bank after the one picked last time. It returns
// false if no bank is idle.
func (p *Picker) Next(idle Set) (int, bool) {
	for i := 0; i < p.numBanks; i++ {
		p.last = (p.last + 1) % p.numBanks
		if idle.Has(p.last) {
			return p.last, true
		}
	}

	return 0, false
}
