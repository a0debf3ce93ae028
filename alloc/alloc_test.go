package alloc

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/ftlerr"
)

var _ = Describe("BadBlockTable", func() {
	var (
		mockCtrl *gomock.Controller
		detector *MockBadBlockDetector
		g        flash.Geometry
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		detector = NewMockBadBlockDetector(mockCtrl)
		g = flash.Geometry{NumBanks: 2, BlocksPerBank: 70, PagesPerBlock: 4}
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should scan every block of every bank", func() {
		detector.EXPECT().IsBadBlock(gomock.Any(), gomock.Any()).
			DoAndReturn(func(bank int, block uint32) bool {
				return bank == 1 && (block == 3 || block == 65)
			}).
			Times(140)

		t := ScanBadBlocks(detector, g)

		Expect(t.IsBad(1, 3)).To(BeTrue())
		Expect(t.IsBad(1, 65)).To(BeTrue())
		Expect(t.IsBad(0, 3)).To(BeFalse())
		Expect(t.Count(0)).To(Equal(0))
		Expect(t.Count(1)).To(Equal(2))
	})
})

var _ = Describe("Allocator", func() {
	var (
		g   flash.Geometry
		bad *BadBlockTable
		a   *Allocator
	)

	BeforeEach(func() {
		g = flash.Geometry{NumBanks: 2, BlocksPerBank: 5, PagesPerBlock: 2}
		bad = NewBadBlockTable(g)
		bad.Mark(0, 2)
		a = New(g, bad, nil)
	})

	It("should start after the reserved block", func() {
		Expect(a.FreeBlockCount(0)).To(Equal(3))
		Expect(a.FreeBlockCount(1)).To(Equal(4))
		Expect(a.FreePageCount(1)).To(Equal(uint64(8)))

		vpn, err := a.AllocateNext(1, UserStream)

		Expect(err).NotTo(HaveOccurred())
		Expect(vpn).To(Equal(uint32(2)))
	})

	It("should hand out pages sequentially and skip bad blocks", func() {
		var vpns []uint32
		for i := 0; i < 6; i++ {
			vpn, err := a.AllocateNext(0, UserStream)
			Expect(err).NotTo(HaveOccurred())
			vpns = append(vpns, vpn)
		}

		Expect(vpns).To(Equal([]uint32{2, 3, 6, 7, 8, 9}))
		Expect(a.FreePageCount(0)).To(BeZero())
	})

	It("should fail fatally and stay failed when out of blocks", func() {
		for i := 0; i < 6; i++ {
			_, err := a.AllocateNext(0, UserStream)
			Expect(err).NotTo(HaveOccurred())
		}

		_, err := a.AllocateNext(0, UserStream)
		Expect(err).To(MatchError(ftlerr.ErrNoSpace))
		Expect(ftlerr.IsFatal(err)).To(BeTrue())

		_, err = a.AllocateNext(0, MetaStream)
		Expect(err).To(MatchError(ftlerr.ErrNoSpace))
		Expect(a.Err(0)).To(HaveOccurred())

		_, err = a.AllocateNext(1, UserStream)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should keep the streams in separate blocks", func() {
		u0, _ := a.AllocateNext(1, UserStream)
		m0, _ := a.AllocateNext(1, MetaStream)
		u1, _ := a.AllocateNext(1, UserStream)
		m1, _ := a.AllocateNext(1, MetaStream)
		u2, _ := a.AllocateNext(1, UserStream)

		Expect([]uint32{u0, u1, u2}).To(Equal([]uint32{2, 3, 6}))
		Expect([]uint32{m0, m1}).To(Equal([]uint32{4, 5}))
		Expect(a.FreePageCount(1)).To(Equal(uint64(3)))
	})

	It("should count the replaced page as invalid", func() {
		vpn, err := a.Replace(1, UserStream, flash.VPA{Bank: 0, VPN: 7})

		Expect(err).NotTo(HaveOccurred())
		Expect(vpn).To(Equal(uint32(2)))
		Expect(a.InvalidSubPages(0, 3)).To(Equal(4))

		a.InvalidateSubPage(flash.VPA{Bank: 0, VPN: 6})
		a.InvalidateSubPage(flash.VPA{})

		Expect(a.InvalidSubPages(0, 3)).To(Equal(5))
		Expect(a.TotalInvalidSubPages(0)).To(Equal(5))
	})

	It("should not count the never-written address", func() {
		_, err := a.Replace(1, MetaStream, flash.VPA{})

		Expect(err).NotTo(HaveOccurred())
		Expect(a.TotalInvalidSubPages(0)).To(BeZero())
		Expect(a.TotalInvalidSubPages(1)).To(BeZero())
	})
})
