package cmt

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/ftlerr"
	"github.com/sarchlab/ftl/hooking"
	"github.com/sarchlab/ftl/sectors"
)

func lspn(lpn uint32) uint32 {
	return lpn * sectors.SubPagesPerPage
}

var _ = Describe("Cache", func() {
	var c *Cache

	BeforeEach(func() {
		c = New("CMT", Config{
			NumBanks:          2,
			PagesPerBlock:     4,
			ProbationCapacity: 4,
			ProtectedCapacity: 2,
			MaxFixed:          2,
		}, nil)
	})

	It("should place keys on the bank of their LPN", func() {
		Expect(c.BankOf(lspn(3))).To(Equal(1))
		Expect(c.BankOf(lspn(3) + 2)).To(Equal(1))
		Expect(c.BankOf(lspn(4))).To(Equal(0))
	})

	It("should count hits and misses", func() {
		_, ok := c.Get(8)
		Expect(ok).To(BeFalse())

		Expect(c.Add(8, flash.VPA{Bank: 1, VPN: 9})).To(Succeed())

		vpa, ok := c.Get(8)
		Expect(ok).To(BeTrue())
		Expect(vpa).To(Equal(flash.VPA{Bank: 1, VPN: 9}))
		Expect(c.Stats()).To(Equal(Stats{Hits: 1, Misses: 1}))
		Expect(c.Stats().HitRatio()).To(Equal(0.5))
	})

	It("should not promote on peek", func() {
		Expect(c.Add(8, flash.VPA{VPN: 9})).To(Succeed())

		_, ok := c.Peek(8)

		Expect(ok).To(BeTrue())
		Expect(c.ProtectedKeys()).To(BeEmpty())
		Expect(c.Stats().Hits).To(BeZero())
	})

	It("should reject duplicates and full segments", func() {
		for lpn := uint32(0); lpn < 8; lpn += 2 {
			Expect(c.Add(lspn(lpn), flash.VPA{VPN: 5})).To(Succeed())
		}

		Expect(c.Add(lspn(0), flash.VPA{VPN: 5})).To(MatchError(ErrExists))

		err := c.Add(lspn(8), flash.VPA{VPN: 5})
		Expect(err).To(MatchError(ErrFull))
		Expect(ftlerr.IsRetryable(err)).To(BeTrue())
		Expect(c.IsFull(0)).To(BeTrue())
		Expect(c.Add(lspn(1), flash.VPA{VPN: 5})).To(Succeed())
	})

	It("should round-trip updated translations", func() {
		for k := uint32(0); k < 4; k++ {
			Expect(c.Add(k, flash.VPA{})).To(Succeed())
			Expect(c.Update(k, flash.VPA{Bank: 1, VPN: 100 + k})).To(Succeed())
		}

		for k := uint32(0); k < 4; k++ {
			vpa, ok := c.Get(k)
			Expect(ok).To(BeTrue())
			Expect(vpa).To(Equal(flash.VPA{Bank: 1, VPN: 100 + k}))
		}
	})

	It("should mark updated entries dirty and ignore unchanged updates", func() {
		Expect(c.Add(0, flash.VPA{VPN: 7})).To(Succeed())
		Expect(c.Update(0, flash.VPA{VPN: 7})).To(Succeed())
		Expect(c.Add(lspn(2), flash.VPA{VPN: 8})).To(Succeed())
		Expect(c.Add(lspn(4), flash.VPA{VPN: 9})).To(Succeed())

		v, ok := c.Evict(0)
		Expect(ok).To(BeTrue())
		Expect(v).To(Equal(Victim{Key: 0, VPA: flash.VPA{VPN: 7}}))

		Expect(c.Update(lspn(2), flash.VPA{VPN: 10})).To(Succeed())
		Expect(c.Add(lspn(6), flash.VPA{VPN: 11})).To(Succeed())
		Expect(c.Add(lspn(8), flash.VPA{VPN: 12})).To(Succeed())
		Expect(c.ProtectedKeys()).To(Equal([]uint32{lspn(2)}))
	})

	It("should return ErrNotFound for unknown keys", func() {
		Expect(c.Update(3, flash.VPA{VPN: 9})).To(MatchError(ErrNotFound))
		Expect(c.Fix(3)).To(MatchError(ErrNotFound))
		Expect(c.Unfix(3)).To(MatchError(ErrNotFound))
	})

	It("should panic when mapping into the reserved block", func() {
		Expect(c.Add(0, flash.VPA{})).To(Succeed())

		Expect(func() { c.Update(0, flash.VPA{Bank: 1, VPN: 3}) }).To(Panic())
	})

	It("should keep a promoted entry while unpromoted ones are evicted", func() {
		keys := []uint32{lspn(0), lspn(2), lspn(4), lspn(6)}
		for i, k := range keys {
			Expect(c.Add(k, flash.VPA{VPN: uint32(10 + i)})).To(Succeed())
		}

		_, ok := c.Get(keys[0])
		Expect(ok).To(BeTrue())

		var evicted []uint32
		for lpn := uint32(8); lpn < 20; lpn += 2 {
			if c.IsFull(0) {
				v, ok := c.Evict(0)
				Expect(ok).To(BeTrue())
				evicted = append(evicted, v.Key)
			}

			Expect(c.Add(lspn(lpn), flash.VPA{VPN: 30})).To(Succeed())
		}

		Expect(evicted[:3]).To(Equal(keys[1:]))
		Expect(evicted).NotTo(ContainElement(keys[0]))

		vpa, ok := c.Get(keys[0])
		Expect(ok).To(BeTrue())
		Expect(vpa).To(Equal(flash.VPA{VPN: 10}))
	})

	It("should never evict a fixed entry", func() {
		for lpn := uint32(0); lpn < 8; lpn += 2 {
			Expect(c.Add(lspn(lpn), flash.VPA{VPN: 5})).To(Succeed())
		}
		Expect(c.Fix(lspn(0))).To(Succeed())

		for lpn := uint32(8); lpn < 40; lpn += 2 {
			v, ok := c.Evict(0)
			Expect(ok).To(BeTrue())
			Expect(v.Key).NotTo(Equal(lspn(0)))
			Expect(c.Add(lspn(lpn), flash.VPA{VPN: 5})).To(Succeed())
		}

		Expect(c.IsFixed(lspn(0))).To(BeTrue())
		Expect(c.Unfix(lspn(0))).To(Succeed())

		err := c.Unfix(lspn(0))
		Expect(ftlerr.IsFatal(err)).To(BeTrue())
	})

	It("should bound the number of fixed entries", func() {
		for k := uint32(0); k < 3; k++ {
			Expect(c.Add(k, flash.VPA{VPN: 5})).To(Succeed())
		}

		Expect(c.Fix(0)).To(Succeed())
		Expect(c.Fix(0)).To(Succeed())
		Expect(c.Fix(1)).To(Succeed())
		Expect(c.Fix(2)).To(MatchError(ErrFixLimit))
		Expect(c.NumFixed()).To(Equal(2))

		Expect(c.Unfix(1)).To(Succeed())
		Expect(c.Fix(2)).To(Succeed())
	})

	It("should refuse to evict below the high water mark", func() {
		Expect(c.Add(0, flash.VPA{VPN: 5})).To(Succeed())

		_, ok := c.Evict(0)

		Expect(ok).To(BeFalse())
	})

	It("should invoke the eviction hook", func() {
		var evictions []hooking.CacheEvict
		c.AcceptHook(hooking.NewFuncHook(func(ctx hooking.HookCtx) {
			evictions = append(evictions, ctx.Item.(hooking.CacheEvict))
		}))

		for lpn := uint32(1); lpn < 8; lpn += 2 {
			Expect(c.Add(lspn(lpn), flash.VPA{Bank: 1, VPN: 5})).To(Succeed())
		}
		Expect(c.Update(lspn(1), flash.VPA{Bank: 1, VPN: 6})).To(Succeed())
		Expect(c.Update(lspn(1), flash.VPA{Bank: 1, VPN: 7})).To(Succeed())

		_, ok := c.Evict(1)
		Expect(ok).To(BeTrue())

		Expect(evictions).To(Equal([]hooking.CacheEvict{
			{Key: lspn(3), Bank: 1},
		}))
	})
})
