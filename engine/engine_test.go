package engine

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/ftl/bankset"
	"github.com/sarchlab/ftl/ftlerr"
	"github.com/sarchlab/ftl/hooking"
)

type stubProber struct {
	idle   bankset.Set
	probes int
}

func (p *stubProber) IdleBanks() bankset.Set {
	p.probes++
	return p.idle
}

type counterPayload struct {
	runs  int
	order *[]uint64
}

func finishAfter(runs int) Handler {
	return func(t *Task, _ *bankset.Set) (Result, error) {
		p := PayloadOf[counterPayload](t)
		p.runs++

		if p.runs < runs {
			return Paused, nil
		}

		if p.order != nil {
			*p.order = append(*p.order, t.Seq())
		}

		return Finished, nil
	}
}

var _ = Describe("Engine", func() {
	var (
		prober *stubProber
		e      *Engine
	)

	BeforeEach(func() {
		prober = &stubProber{idle: bankset.All(4)}
		e = MakeBuilder().
			WithPoolSize(2).
			WithMaxPayloadSize(64).
			WithBankProber(prober).
			Build("Engine")
	})

	newCounterType := func(runs int) TypeID {
		id, err := e.RegisterTaskType(TaskType{
			Name:       "counter",
			NewPayload: func() any { return &counterPayload{} },
			Handlers:   []Handler{finishAfter(runs)},
		})
		Expect(err).NotTo(HaveOccurred())

		return id
	}

	submit := func(id TypeID) *Task {
		t, err := e.Allocate(id)
		Expect(err).NotTo(HaveOccurred())
		e.Submit(t)

		return t
	}

	It("should panic without a bank prober", func() {
		Expect(func() { MakeBuilder().Build("Engine") }).To(Panic())
	})

	It("should refuse a payload larger than a slot", func() {
		_, err := e.RegisterTaskType(TaskType{
			Name:       "big",
			NewPayload: func() any { return &[128]byte{} },
			Handlers:   []Handler{finishAfter(1)},
		})

		Expect(err).To(MatchError(ErrPayloadTooLarge))
	})

	It("should refuse a type without handlers", func() {
		_, err := e.RegisterTaskType(TaskType{Name: "empty"})

		Expect(err).To(HaveOccurred())
	})

	It("should run tasks until they finish", func() {
		id := newCounterType(1)
		submit(id)

		Expect(e.IsIdle()).To(BeFalse())
		Expect(e.NumInFlight()).To(Equal(1))

		progress, err := e.RunOnce()

		Expect(err).NotTo(HaveOccurred())
		Expect(progress).To(BeTrue())
		Expect(e.IsIdle()).To(BeTrue())
		Expect(e.Stats().Finished).To(Equal(uint64(1)))
	})

	It("should fail to allocate when the pool is empty", func() {
		id := newCounterType(1)
		submit(id)
		submit(id)

		Expect(e.CanAllocate(1)).To(BeFalse())

		_, err := e.Allocate(id)
		Expect(ftlerr.IsRetryable(err)).To(BeTrue())

		_, err = e.RunOnce()
		Expect(err).NotTo(HaveOccurred())
		Expect(e.CanAllocate(2)).To(BeTrue())
	})

	It("should give a reused slot a fresh payload", func() {
		id := newCounterType(1)
		t := submit(id)
		PayloadOf[counterPayload](t).runs = 7
		e.RunOnce()

		t2, _ := e.Allocate(id)
		Expect(PayloadOf[counterPayload](t2).runs).To(BeZero())
	})

	It("should number submitted tasks in order", func() {
		id := newCounterType(1)

		Expect(submit(id).Seq()).To(Equal(uint64(0)))
		Expect(submit(id).Seq()).To(Equal(uint64(1)))
	})

	It("should loop a task while its handler continues", func() {
		calls := 0
		id, _ := e.RegisterTaskType(TaskType{
			Name: "steps",
			Handlers: []Handler{
				func(t *Task, _ *bankset.Set) (Result, error) {
					calls++
					t.GoTo(1)
					return Continue, nil
				},
				func(t *Task, _ *bankset.Set) (Result, error) {
					calls++
					return Finished, nil
				},
			},
		})
		submit(id)

		e.RunOnce()

		Expect(calls).To(Equal(2))
		Expect(e.IsIdle()).To(BeTrue())
	})

	It("should only run a paused task when a bank it waits for is idle", func() {
		runs := 0
		id, _ := e.RegisterTaskType(TaskType{
			Name: "waiter",
			Handlers: []Handler{
				func(t *Task, _ *bankset.Set) (Result, error) {
					runs++
					if runs == 1 {
						t.WaitFor(bankset.Of(2))
						return Paused, nil
					}

					return Finished, nil
				},
			},
		})
		submit(id)

		e.RunOnce()
		Expect(runs).To(Equal(1))

		prober.idle = bankset.Of(0, 1)
		progress, _ := e.RunOnce()
		Expect(progress).To(BeFalse())
		Expect(runs).To(Equal(1))

		prober.idle = bankset.Of(2)
		e.RunOnce()
		Expect(runs).To(Equal(2))
		Expect(e.IsIdle()).To(BeTrue())
	})

	It("should always run a task that waits on no bank", func() {
		id := newCounterType(3)
		submit(id)
		prober.idle = 0

		e.RunOnce()
		e.RunOnce()
		e.RunOnce()

		Expect(e.IsIdle()).To(BeTrue())
	})

	It("should hide a bank from later tasks once a command is issued on it",
		func() {
			var ran []uint64
			id, _ := e.RegisterTaskType(TaskType{
				Name: "issuer",
				Handlers: []Handler{
					func(t *Task, idle *bankset.Set) (Result, error) {
						t.WaitFor(bankset.Of(0))
						if t.Seq() == 1 {
							ran = append(ran, t.Seq())
							return Paused, nil
						}

						ran = append(ran, t.Seq())
						idle.Remove(0)
						t.GoTo(1)

						return Paused, nil
					},
					func(t *Task, _ *bankset.Set) (Result, error) {
						return Paused, nil
					},
				},
			})
			first := submit(id)
			second := submit(id)
			first.WaitFor(bankset.Of(0))
			second.WaitFor(bankset.Of(0))

			e.RunOnce()

			Expect(ran).To(Equal([]uint64{0}))
		})

	It("should stop the pass at a blocked task", func() {
		blockedRuns, laterRuns := 0, 0
		blockedID, _ := e.RegisterTaskType(TaskType{
			Name: "blocked",
			Handlers: []Handler{
				func(t *Task, _ *bankset.Set) (Result, error) {
					blockedRuns++
					if blockedRuns < 3 {
						return Blocked, nil
					}

					return Finished, nil
				},
			},
		})
		laterID, _ := e.RegisterTaskType(TaskType{
			Name: "later",
			Handlers: []Handler{
				func(t *Task, _ *bankset.Set) (Result, error) {
					laterRuns++
					return Finished, nil
				},
			},
		})
		submit(blockedID)
		submit(laterID)

		e.RunOnce()
		e.RunOnce()
		Expect(laterRuns).To(BeZero())
		Expect(e.Stats().BlockedPasses).To(Equal(uint64(2)))

		e.RunOnce()
		Expect(laterRuns).To(Equal(1))
		Expect(e.IsIdle()).To(BeTrue())
	})

	It("should finish tasks in submission order when they finish together",
		func() {
			var order []uint64
			id := newCounterType(1)

			t0 := submit(id)
			PayloadOf[counterPayload](t0).order = &order
			t1 := submit(id)
			PayloadOf[counterPayload](t1).order = &order

			e.RunOnce()

			Expect(order).To(Equal([]uint64{0, 1}))
		})

	It("should halt on a fatal error", func() {
		id, _ := e.RegisterTaskType(TaskType{
			Name: "broken",
			Handlers: []Handler{
				func(t *Task, _ *bankset.Set) (Result, error) {
					return Blocked, ftlerr.Fatalf("broken invariant")
				},
			},
		})
		submit(id)

		_, err := e.RunOnce()
		Expect(ftlerr.IsFatal(err)).To(BeTrue())

		_, err2 := e.RunOnce()
		Expect(err2).To(Equal(err))
		Expect(e.Err()).To(Equal(err))
	})

	It("should retry a task after a non-fatal error", func() {
		runs := 0
		id, _ := e.RegisterTaskType(TaskType{
			Name: "flaky",
			Handlers: []Handler{
				func(t *Task, _ *bankset.Set) (Result, error) {
					runs++
					if runs == 1 {
						return Blocked, errors.New("try again")
					}

					return Finished, nil
				},
			},
		})
		submit(id)

		_, err := e.RunOnce()
		Expect(err).To(HaveOccurred())

		_, err = e.RunOnce()
		Expect(err).NotTo(HaveOccurred())
		Expect(e.IsIdle()).To(BeTrue())
	})

	It("should treat an unknown state as fatal", func() {
		id, _ := e.RegisterTaskType(TaskType{
			Name: "lost",
			Handlers: []Handler{
				func(t *Task, _ *bankset.Set) (Result, error) {
					t.GoTo(5)
					return Continue, nil
				},
			},
		})
		submit(id)

		_, err := e.RunOnce()

		Expect(ftlerr.IsFatal(err)).To(BeTrue())
	})

	It("should invoke hooks along the life of a task", func() {
		var positions []*hooking.HookPos
		var steps []hooking.TaskStep
		e.AcceptHook(hooking.NewFuncHook(func(ctx hooking.HookCtx) {
			positions = append(positions, ctx.Pos)
			if step, ok := ctx.Item.(hooking.TaskStep); ok {
				steps = append(steps, step)
			}
		}))

		first := true
		id, _ := e.RegisterTaskType(TaskType{
			Name:       "traced",
			StateNames: []string{"prepare", "finish"},
			Handlers: []Handler{
				func(t *Task, _ *bankset.Set) (Result, error) {
					if first {
						first = false
						return Blocked, nil
					}

					t.GoTo(1)
					return Continue, nil
				},
				func(t *Task, _ *bankset.Set) (Result, error) {
					return Finished, nil
				},
			},
		})
		submit(id)

		e.RunOnce()
		e.RunOnce()

		Expect(positions).To(Equal([]*hooking.HookPos{
			hooking.HookPosTaskStart,
			hooking.HookPosTaskTag,
			hooking.HookPosTaskStep,
			hooking.HookPosTaskEnd,
		}))
		Expect(steps[0].What).To(Equal("finish"))
		Expect(steps[0].Detail).To(Equal("prepare"))
	})

	It("should probe the banks once per pass", func() {
		ctrl := gomock.NewController(GinkgoT())
		mockProber := NewMockBankProber(ctrl)
		mockProber.EXPECT().IdleBanks().Return(bankset.Of(1)).Times(2)

		e2 := MakeBuilder().WithBankProber(mockProber).Build("Engine")
		id, _ := e2.RegisterTaskType(TaskType{
			Name:     "noop",
			Handlers: []Handler{finishAfter(2)},
			NewPayload: func() any {
				return &counterPayload{}
			},
		})

		for i := 0; i < 2; i++ {
			t, _ := e2.Allocate(id)
			e2.Submit(t)
		}

		e2.RunOnce()
		e2.RunOnce()

		Expect(e2.IsIdle()).To(BeTrue())
		ctrl.Finish()
	})

	It("should use sequential IDs by default", func() {
		id := newCounterType(1)

		Expect(submit(id).ID()).To(Equal("1"))
		Expect(submit(id).ID()).To(Equal("2"))
	})
})

var _ = Describe("IDGenerator", func() {
	It("should generate unique xids", func() {
		g := NewXIDGenerator()

		Expect(g.Generate()).NotTo(Equal(g.Generate()))
	})
})
