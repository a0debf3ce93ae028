package hooking

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// busyEvent starts (start true) or ends the task id at time at.
type busyEvent struct {
	at    float64
	id    string
	start bool
}

func begin(at float64, id string) busyEvent { return busyEvent{at, id, true} }
func end(at float64, id string) busyEvent   { return busyEvent{at, id, false} }

var _ = Describe("BusyTimeTracer", func() {
	var (
		timeTeller *stubTimeTeller
		t          *BusyTimeTracer
	)

	BeforeEach(func() {
		timeTeller = &stubTimeTeller{}
		t = NewBusyTimeTracer(timeTeller, nil)
	})

	replay := func(events ...busyEvent) {
		for _, e := range events {
			timeTeller.now = e.at
			if e.start {
				t.StartTask(TaskStart{ID: e.id, Kind: "task", What: "read"})
			} else {
				t.EndTask(TaskEnd{ID: e.id})
			}
		}
	}

	DescribeTable("busy time of finished tasks",
		func(want float64, events ...busyEvent) {
			replay(events...)
			Expect(t.BusyTime()).To(BeNumerically("~", want, 1e-9))
		},
		Entry("a single task", 4.0,
			begin(3, "read-0"), end(7, "read-0")),
		Entry("tasks separated by idle time", 5.0,
			begin(0, "read-0"), end(2, "read-0"),
			begin(10, "write-1"), end(13, "write-1")),
		Entry("a task nested in another", 6.0,
			begin(0, "flush-0"), begin(1, "read-1"),
			end(2, "read-1"), end(6, "flush-0")),
		Entry("a chain of overlapping tasks", 9.0,
			begin(0, "write-0"), begin(4, "write-1"), end(5, "write-0"),
			begin(5, "write-2"), end(8, "write-1"), end(9, "write-2")),
		Entry("tasks touching end to start", 4.0,
			begin(0, "read-0"), end(2, "read-0"),
			begin(2, "read-1"), end(4, "read-1")),
		Entry("an end without a start", 0.0,
			end(5, "read-9")),
	)

	It("should not count a task that is still in flight", func() {
		replay(begin(0, "write-0"), begin(1, "write-1"), end(3, "write-1"))

		Expect(t.BusyTime()).To(Equal(0.0))
	})

	It("should end every task on termination", func() {
		replay(begin(2, "read-0"), begin(4, "write-1"), end(5, "write-1"),
			begin(8, "flush-2"))

		timeTeller.now = 9
		t.TerminateAllTasks()

		Expect(t.BusyTime()).To(Equal(7.0))
	})

	It("should only follow the tasks its filter accepts", func() {
		t = NewBusyTimeTracer(timeTeller, func(ts TaskStart) bool {
			return ts.What == "write"
		})

		timeTeller.now = 0
		t.Func(HookCtx{Pos: HookPosTaskStart,
			Item: TaskStart{ID: "0", Kind: "task", What: "read"}})
		timeTeller.now = 10
		t.Func(HookCtx{Pos: HookPosTaskEnd, Item: TaskEnd{ID: "0"}})

		timeTeller.now = 12
		t.Func(HookCtx{Pos: HookPosTaskStart,
			Item: TaskStart{ID: "1", Kind: "task", What: "write"}})
		timeTeller.now = 15
		t.Func(HookCtx{Pos: HookPosTaskEnd, Item: TaskEnd{ID: "1"}})

		Expect(t.BusyTime()).To(Equal(3.0))
	})
})
