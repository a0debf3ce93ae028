package slru

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Cache", func() {
	var c *Cache[uint32, int]

	insert := func(bank int, keys ...uint32) {
		for _, k := range keys {
			h, err := c.Insert(bank, k)
			Expect(err).NotTo(HaveOccurred())
			*c.Value(h) = int(k) * 10
		}
	}

	handle := func(k uint32) Handle {
		h, ok := c.Lookup(k)
		Expect(ok).To(BeTrue())
		return h
	}

	BeforeEach(func() {
		c = New[uint32, int](2, 4, 2)
	})

	It("should size the arena", func() {
		Expect(c.Capacity()).To(Equal(10))
		Expect(c.NumBanks()).To(Equal(2))
		Expect(c.HighWaterMark()).To(Equal(3))
	})

	It("should insert at the probationary head", func() {
		insert(0, 1, 2, 3)

		Expect(c.ProbationKeys(0)).To(Equal([]uint32{3, 2, 1}))
		Expect(c.Len()).To(Equal(3))
		Expect(*c.Value(handle(2))).To(Equal(20))
		Expect(c.Bank(handle(2))).To(Equal(0))
	})

	It("should reject duplicates and full segments", func() {
		insert(0, 1, 2, 3, 4)

		_, err := c.Insert(1, 1)
		Expect(err).To(MatchError(ErrExists))

		_, err = c.Insert(0, 5)
		Expect(err).To(MatchError(ErrFull))
		Expect(c.IsFull(0)).To(BeTrue())
		Expect(c.IsFull(1)).To(BeFalse())
	})

	It("should promote on touch", func() {
		insert(0, 1, 2)

		c.Touch(handle(1))

		Expect(c.IsProtected(handle(1))).To(BeTrue())
		Expect(c.ProbationKeys(0)).To(Equal([]uint32{2}))
		Expect(c.ProtectedKeys()).To(Equal([]uint32{1}))
	})

	It("should move a protected entry to the protected head", func() {
		insert(0, 1, 2)
		c.Touch(handle(1))
		c.Touch(handle(2))
		c.Touch(handle(1))

		Expect(c.ProtectedKeys()).To(Equal([]uint32{1, 2}))
	})

	It("should demote the protected tail to its own bank", func() {
		insert(0, 1, 2)
		insert(1, 11)
		c.Touch(handle(1))
		c.Touch(handle(2))

		c.Touch(handle(11))

		Expect(c.ProtectedKeys()).To(Equal([]uint32{11, 2}))
		Expect(c.ProbationKeys(0)).To(Equal([]uint32{1}))
		Expect(c.ProbationKeys(1)).To(BeEmpty())
	})

	It("should keep the hit probationary when the demotion has no room", func() {
		insert(0, 1, 2)
		c.Touch(handle(1))
		c.Touch(handle(2))
		insert(0, 3, 4, 5, 6)
		insert(1, 11, 12)

		c.Touch(handle(11))

		Expect(c.ProtectedKeys()).To(Equal([]uint32{2, 1}))
		Expect(c.ProbationKeys(1)).To(Equal([]uint32{11, 12}))
	})

	It("should choose the least recently used unpinned victim", func() {
		insert(0, 1, 2, 3)
		c.Pin(handle(1))

		h, ok := c.Victim(0)

		Expect(ok).To(BeTrue())
		Expect(c.Key(h)).To(Equal(uint32(2)))
	})

	It("should refuse below the high water mark", func() {
		insert(0, 1, 2)

		_, ok := c.Victim(0)

		Expect(ok).To(BeFalse())
	})

	It("should refuse when every entry is pinned", func() {
		insert(0, 1, 2, 3)
		for _, k := range []uint32{1, 2, 3} {
			c.Pin(handle(k))
		}

		_, ok := c.Victim(0)

		Expect(ok).To(BeFalse())
		Expect(c.NumPinned()).To(Equal(3))
	})

	It("should nest pins", func() {
		insert(0, 1)
		h := handle(1)

		c.Pin(h)
		c.Pin(h)
		c.Unpin(h)

		Expect(c.Pins(h)).To(Equal(1))
		Expect(c.NumPinned()).To(Equal(1))

		c.Unpin(h)

		Expect(c.NumPinned()).To(BeZero())
		Expect(func() { c.Unpin(h) }).To(Panic())
	})

	It("should recycle removed entries", func() {
		for round := 0; round < 5; round++ {
			insert(0, 1, 2, 3, 4)
			insert(1, 5, 6, 7, 8)
			c.Touch(handle(1))
			c.Touch(handle(5))

			for _, k := range []uint32{1, 2, 3, 4, 5, 6, 7, 8} {
				c.Remove(handle(k))
			}

			Expect(c.Len()).To(BeZero())
			Expect(c.ProtectedLen()).To(BeZero())
		}
	})

	It("should refuse to remove a pinned entry", func() {
		insert(0, 1)
		c.Pin(handle(1))

		Expect(func() { c.Remove(handle(1)) }).To(Panic())
	})

	It("should track dirty entries", func() {
		insert(1, 9)
		h := handle(9)

		Expect(c.IsDirty(h)).To(BeFalse())
		c.SetDirty(h, true)
		Expect(c.IsDirty(h)).To(BeTrue())
	})

	It("should never hold more entries than its capacity", func() {
		for k := uint32(0); k < 100; k++ {
			bank := int(k % 2)
			if c.IsFull(bank) {
				h, ok := c.Victim(bank)
				Expect(ok).To(BeTrue())
				c.Remove(h)
			}

			insert(bank, k)
			if k%3 == 0 {
				c.Touch(handle(k))
			}

			Expect(c.Len()).To(BeNumerically("<=", c.Capacity()))
			Expect(c.ProbationLen(bank)).To(BeNumerically("<=", 4))
			Expect(c.ProtectedLen()).To(BeNumerically("<=", 2))
		}
	})
})
