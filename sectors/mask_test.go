package sectors

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Mask", func() {
	It("should build ranges", func() {
		Expect(Range(3, 8)).To(Equal(Mask(0x7F8)))
		Expect(Range(0, SectorsPerPage)).To(Equal(Full))
		Expect(Range(0, 0).IsEmpty()).To(BeTrue())
	})

	It("should panic on a range outside the page", func() {
		Expect(func() { Range(30, 4) }).To(Panic())
	})

	It("should align to sub-pages", func() {
		m := Range(3, 8)

		Expect(m.AlignToSubPages()).To(Equal(Mask(0xFFFF)))
		Expect(Range(16, 1).AlignToSubPages()).To(Equal(SubPageRange(2)))
	})

	It("should find the sub-page span", func() {
		m := Range(9, 12)

		Expect(m.BeginSubPage()).To(Equal(1))
		Expect(m.EndSubPage()).To(Equal(3))
		Expect(Full.EndSubPage()).To(Equal(SubPagesPerPage))
	})

	It("should list missing segments inside a sub-page", func() {
		m := Range(3, 8)

		Expect(m.MissingSegments(0)).To(Equal([]Segment{{0, 3}}))
		Expect(m.MissingSegments(1)).To(Equal([]Segment{{11, 16}}))
		Expect(m.MissingSegments(2)).To(Equal([]Segment{{16, 24}}))
		Expect(Full.MissingSegments(3)).To(BeEmpty())
	})

	It("should tell coverage and overlap", func() {
		Expect(Range(0, 16).Covers(Range(3, 8))).To(BeTrue())
		Expect(Range(4, 8).Covers(Range(3, 8))).To(BeFalse())
		Expect(Range(0, 8).Overlaps(Range(8, 8))).To(BeFalse())
		Expect(Range(0, 9).Overlaps(Range(8, 8))).To(BeTrue())
	})

	It("should copy and fill only masked sectors", func() {
		src := make([]byte, BytesPerPage)
		dst := make([]byte, BytesPerPage)
		for i := range src {
			src[i] = 0xAB
		}

		Copy(dst, src, Range(2, 2))
		Fill(dst, Range(5, 1), 0xFF)

		Expect(dst[1*BytesPerSector]).To(Equal(byte(0)))
		Expect(dst[2*BytesPerSector]).To(Equal(byte(0xAB)))
		Expect(dst[4*BytesPerSector-1]).To(Equal(byte(0xAB)))
		Expect(dst[4*BytesPerSector]).To(Equal(byte(0)))
		Expect(dst[5*BytesPerSector]).To(Equal(byte(0xFF)))
	})
})
