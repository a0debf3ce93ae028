package ftl

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/ftl/ftlerr"
)

var _ = Describe("Sequencer", func() {
	var (
		delivered []uint64
		s         *Sequencer
	)

	BeforeEach(func() {
		delivered = nil
		s = NewSequencer(func(c Completion) {
			delivered = append(delivered, c.Seq)
		})

		for seq := uint64(0); seq < 4; seq++ {
			Expect(s.Register(seq)).To(Succeed())
		}
	})

	It("should deliver in order", func() {
		Expect(s.Finish(Completion{Seq: 0})).To(Succeed())
		Expect(s.Finish(Completion{Seq: 1})).To(Succeed())

		Expect(delivered).To(Equal([]uint64{0, 1}))
		Expect(s.Next()).To(Equal(uint64(2)))
		Expect(s.NumPending()).To(Equal(uint64(2)))
	})

	It("should hold completions until their predecessors finish", func() {
		Expect(s.Finish(Completion{Seq: 2})).To(Succeed())
		Expect(s.Finish(Completion{Seq: 1})).To(Succeed())

		Expect(delivered).To(BeEmpty())
		Expect(s.NumHeld()).To(Equal(2))

		Expect(s.Finish(Completion{Seq: 0})).To(Succeed())

		Expect(delivered).To(Equal([]uint64{0, 1, 2}))
		Expect(s.NumHeld()).To(BeZero())
	})

	It("should reject a repeated completion", func() {
		Expect(s.Finish(Completion{Seq: 0})).To(Succeed())

		err := s.Finish(Completion{Seq: 0})
		Expect(ftlerr.IsFatal(err)).To(BeTrue())
	})

	It("should reject a repeated held completion", func() {
		Expect(s.Finish(Completion{Seq: 3})).To(Succeed())

		err := s.Finish(Completion{Seq: 3})
		Expect(ftlerr.IsFatal(err)).To(BeTrue())
	})

	It("should reject a completion that was never registered", func() {
		err := s.Finish(Completion{Seq: 4})
		Expect(ftlerr.IsFatal(err)).To(BeTrue())
	})

	It("should reject a gap in registration", func() {
		err := s.Register(6)
		Expect(ftlerr.IsFatal(err)).To(BeTrue())
	})
})
