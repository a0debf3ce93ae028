package bcache

import (
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/ftl/alloc"
	"github.com/sarchlab/ftl/dram"
	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/flash/nand"
	"github.com/sarchlab/ftl/ftlerr"
	"github.com/sarchlab/ftl/hooking"
	"github.com/sarchlab/ftl/sectors"
)

type stubBacker struct {
	locs      map[Key][sectors.SubPagesPerPage]flash.VPA
	located   int
	relocated map[Key]flash.VPA
}

func newStubBacker() *stubBacker {
	return &stubBacker{
		locs:      make(map[Key][sectors.SubPagesPerPage]flash.VPA),
		relocated: make(map[Key]flash.VPA),
	}
}

func (b *stubBacker) Locate(key Key, sp int) flash.VPA {
	b.located++
	return b.locs[key][sp]
}

func (b *stubBacker) Relocate(key Key, vpa flash.VPA) {
	b.relocated[key] = vpa
	b.locs[key] = [sectors.SubPagesPerPage]flash.VPA{vpa, vpa, vpa, vpa}
}

func sectorOf(buf []byte, i int) []byte {
	return buf[i*sectors.BytesPerSector : (i+1)*sectors.BytesPerSector]
}

var _ = Describe("Key", func() {
	It("should keep user and metadata keys apart", func() {
		Expect(UserKey(5)).NotTo(Equal(MetaKey(5)))
		Expect(MetaKey(5).IsMeta()).To(BeTrue())
		Expect(MetaKey(5).Index()).To(Equal(uint32(5)))
		Expect(UserKey(5).IsMeta()).To(BeFalse())
		Expect(MetaKey(5).String()).To(Equal("meta:5"))
		Expect(func() { UserKey(1 << 31) }).To(Panic())
	})
})

var _ = Describe("Cache", func() {
	var (
		g         flash.Geometry
		device    *nand.Comp
		allocator *alloc.Allocator
		backer    *stubBacker
		c         *Cache
	)

	BeforeEach(func() {
		g = flash.Geometry{NumBanks: 2, BlocksPerBank: 8, PagesPerBlock: 4}
		device = nand.MakeBuilder().WithGeometry(g).Build("NAND")
		allocator = alloc.New(g, alloc.NewBadBlockTable(g), nil)
		backer = newStubBacker()

		cfg := Config{ProbationCapacity: 2, ProtectedCapacity: 1}
		region, err := dram.NewStorage(cfg.Capacity(2)*sectors.BytesPerPage).
			Carve("bcache", cfg.Capacity(2)*sectors.BytesPerPage)
		Expect(err).NotTo(HaveOccurred())

		c = MakeBuilder().
			WithConfig(cfg).
			WithDevice(device).
			WithAllocator(allocator).
			WithBuffers(region).
			Build("BCache")
		c.SetBacker(backer)
	})

	It("should put and get pages", func() {
		Expect(c.Capacity()).To(Equal(5))

		_, ok := c.Get(UserKey(4))
		Expect(ok).To(BeFalse())

		buf := c.Put(UserKey(4))
		buf[0] = 0x42

		got, ok := c.Get(UserKey(4))
		Expect(ok).To(BeTrue())
		Expect(got[0]).To(Equal(byte(0x42)))
		Expect(got).To(HaveLen(sectors.BytesPerPage))
		Expect(c.Stats().Hits).To(Equal(uint64(1)))
		Expect(c.Stats().Misses).To(Equal(uint64(1)))

		mask, ok := c.ValidSectors(UserKey(4))
		Expect(ok).To(BeTrue())
		Expect(mask.IsEmpty()).To(BeTrue())

		peeked, ok := c.Peek(UserKey(4))
		Expect(ok).To(BeTrue())
		Expect(peeked[0]).To(Equal(byte(0x42)))
		Expect(c.Stats().Hits).To(Equal(uint64(1)))
	})

	It("should panic when putting into a full segment", func() {
		c.Put(UserKey(0))
		c.Put(UserKey(2))

		Expect(c.IsFull(UserKey(4))).To(BeTrue())
		Expect(c.IsFull(UserKey(1))).To(BeFalse())
		Expect(func() { c.Put(UserKey(4)) }).To(Panic())
		Expect(func() { c.Put(UserKey(0)) }).To(Panic())
	})

	It("should fill never-written pages with the sentinel patterns", func() {
		user := c.Put(UserKey(1))
		meta := c.Put(MetaKey(1))

		c.FillFullPage(UserKey(1))
		c.Fill(MetaKey(1), 3, 2)

		Expect(user).To(HaveEach(byte(0xFF)))
		Expect(sectorOf(meta, 0)).To(HaveEach(byte(0)))

		mask, _ := c.ValidSectors(MetaKey(1))
		Expect(mask).To(Equal(sectors.SubPageRange(0)))
		Expect(c.Stats().FlashReads).To(BeZero())
	})

	It("should skip flash when the range is valid", func() {
		c.Put(UserKey(1))
		c.SetValidSectors(UserKey(1), sectors.Range(0, 16))

		c.Fill(UserKey(1), 2, 10)

		Expect(backer.located).To(BeZero())
	})

	It("should only read missing sectors and never lose valid ones", func() {
		src := make([]byte, sectors.BytesPerPage)
		sectors.Fill(src, sectors.Full, 0x11)
		device.WritePage(0, 28, 0, sectors.SectorsPerPage, src, flash.Sync)

		key := UserKey(3)
		backer.locs[key] = [4]flash.VPA{{Bank: 0, VPN: 28}}

		buf := c.Put(key)
		sectors.Fill(buf, sectors.Range(2, 2), 0xAA)
		c.SetValidSectors(key, sectors.Range(2, 2))

		c.Fill(key, 0, 1)
		c.Fill(key, 0, 8)

		Expect(sectorOf(buf, 0)).To(HaveEach(byte(0x11)))
		Expect(sectorOf(buf, 2)).To(HaveEach(byte(0xAA)))
		Expect(sectorOf(buf, 3)).To(HaveEach(byte(0xAA)))
		Expect(sectorOf(buf, 7)).To(HaveEach(byte(0x11)))
		Expect(c.Stats().FlashReads).To(Equal(uint64(2)))

		mask, _ := c.ValidSectors(key)
		Expect(mask).To(Equal(sectors.SubPageRange(0)))
	})

	It("should keep the valid mask growing over overlapping fills", func() {
		key := MetaKey(0)
		c.Put(key)

		var last sectors.Mask
		for _, r := range [][2]int{{0, 4}, {2, 10}, {20, 12}, {6, 20}} {
			c.Fill(key, r[0], r[1])

			mask, _ := c.ValidSectors(key)
			Expect(mask.Covers(last)).To(BeTrue())
			Expect(mask.Covers(sectors.Range(r[0], r[1]))).To(BeTrue())
			last = mask
		}

		Expect(last.IsFull()).To(BeTrue())
	})

	It("should not evict below the high water mark", func() {
		n, err := c.Evict()

		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeZero())
	})

	It("should write back dirty pages of every bank in one sweep", func() {
		var evictions []hooking.CacheEvict
		c.AcceptHook(hooking.NewFuncHook(func(ctx hooking.HookCtx) {
			evictions = append(evictions, ctx.Item.(hooking.CacheEvict))
		}))

		for idx := uint32(0); idx < 2; idx++ {
			buf := c.Put(MetaKey(idx))
			sectors.Fill(buf, sectors.Full, byte(0x30+idx))
			c.SetValidSectors(MetaKey(idx), sectors.Full)
			c.SetDirty(MetaKey(idx))
		}

		n, err := c.Evict()

		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(2))
		Expect(c.Len()).To(BeZero())
		Expect(backer.relocated).To(Equal(map[Key]flash.VPA{
			MetaKey(0): {Bank: 0, VPN: 4},
			MetaKey(1): {Bank: 1, VPN: 4},
		}))
		Expect(evictions).To(HaveLen(2))
		Expect(c.Stats().DirtyEvictions).To(Equal(uint64(2)))

		out := make([]byte, sectors.BytesPerPage)
		device.ReadPage(1, 4, 0, sectors.SectorsPerPage, out, flash.Sync)
		Expect(out).To(HaveEach(byte(0x31)))
	})

	It("should drop clean pages without writing", func() {
		c.Put(UserKey(0))
		c.FillFullPage(UserKey(0))

		n, err := c.Evict()

		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))
		Expect(backer.relocated).To(BeEmpty())
		Expect(device.Stats().Writes).To(BeZero())
	})

	It("should complete a partial dirty page before writing it", func() {
		src := make([]byte, sectors.BytesPerPage)
		sectors.Fill(src, sectors.Full, 0x11)
		device.WritePage(0, 28, 0, sectors.SectorsPerPage, src, flash.Sync)

		key := UserKey(3)
		backer.locs[key] = [4]flash.VPA{{}, {Bank: 0, VPN: 28}}

		buf := c.Put(key)
		sectors.Fill(buf, sectors.Range(0, 8), 0xAA)
		c.SetValidSectors(key, sectors.Range(0, 8))
		c.SetDirty(key)

		n, err := c.Evict()
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(1))

		vpa := backer.relocated[key]
		Expect(vpa).To(Equal(flash.VPA{Bank: 1, VPN: 4}))
		Expect(allocator.InvalidSubPages(0, 7)).To(Equal(1))

		out := make([]byte, sectors.BytesPerPage)
		device.ReadPage(1, 4, 0, sectors.SectorsPerPage, out, flash.Sync)
		Expect(sectorOf(out, 7)).To(HaveEach(byte(0xAA)))
		Expect(sectorOf(out, 8)).To(HaveEach(byte(0x11)))
		Expect(sectorOf(out, 15)).To(HaveEach(byte(0x11)))
		Expect(sectorOf(out, 16)).To(HaveEach(byte(0xFF)))
	})

	It("should read back the last dirty content after eviction", func() {
		key := MetaKey(1)
		for round := byte(1); round <= 3; round++ {
			buf := c.Put(key)
			c.FillFullPage(key)
			sectors.Fill(buf, sectors.Range(8, 4), round)
			c.SetDirty(key)

			_, err := c.Evict()
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Contains(key)).To(BeFalse())
		}

		buf := c.Put(key)
		c.FillFullPage(key)

		Expect(sectorOf(buf, 8)).To(HaveEach(byte(3)))
		Expect(sectorOf(buf, 0)).To(HaveEach(byte(0)))
		Expect(backer.relocated[key]).To(Equal(flash.VPA{Bank: 1, VPN: 6}))
	})
})

var _ = Describe("Cache with a failing allocator", func() {
	var (
		mockCtrl  *gomock.Controller
		allocator *MockAllocator
		c         *Cache
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		allocator = NewMockAllocator(mockCtrl)

		g := flash.Geometry{NumBanks: 1, BlocksPerBank: 2, PagesPerBlock: 2}
		region, _ := dram.NewStorage(2*sectors.BytesPerPage).
			Carve("bcache", 2*sectors.BytesPerPage)

		c = MakeBuilder().
			WithConfig(Config{ProbationCapacity: 1, ProtectedCapacity: 1}).
			WithDevice(nand.MakeBuilder().WithGeometry(g).Build("NAND")).
			WithAllocator(allocator).
			WithBuffers(region).
			Build("BCache")
		c.SetBacker(newStubBacker())
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should report allocation failures as fatal", func() {
		c.Put(MetaKey(0))
		c.FillFullPage(MetaKey(0))
		c.SetDirty(MetaKey(0))

		allocator.EXPECT().
			Replace(0, alloc.MetaStream, flash.VPA{}).
			Return(uint32(0), fmt.Errorf("bank 0: %w", ftlerr.ErrNoSpace))

		_, err := c.Evict()

		Expect(ftlerr.IsFatal(err)).To(BeTrue())
		Expect(c.Contains(MetaKey(0))).To(BeTrue())
	})
})
