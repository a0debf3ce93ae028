package hooking

import (
	"sort"
	"sync"
)

type interval struct {
	start, end float64
}

// BusyTimeTracer measures how long at least one matching task was in flight.
// Overlapping tasks count once.
type BusyTimeTracer struct {
	timeTeller TimeTeller
	filter     TaskFilter

	lock          sync.Mutex
	inflightTasks map[string]float64
	finished      []interval
	busyTime      float64
}

// NewBusyTimeTracer creates a new BusyTimeTracer. A nil filter accepts every
// task.
func NewBusyTimeTracer(
	timeTeller TimeTeller,
	filter TaskFilter,
) *BusyTimeTracer {
	return &BusyTimeTracer{
		timeTeller:    timeTeller,
		filter:        filter,
		inflightTasks: make(map[string]float64),
	}
}

// Func records the start end of a task.
func (t *BusyTimeTracer) Func(ctx HookCtx) {
	switch ctx.Pos {
	case HookPosTaskStart:
		t.StartTask(ctx.Item.(TaskStart))
	case HookPosTaskEnd:
		t.EndTask(ctx.Item.(TaskEnd))
	}
}

// StartTask records the task start time.
func (t *BusyTimeTracer) StartTask(taskStart TaskStart) {
	if t.filter != nil && !t.filter(taskStart) {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.inflightTasks[taskStart.ID] = t.timeTeller.Now()
}

// EndTask records the end of the task.
func (t *BusyTimeTracer) EndTask(taskEnd TaskEnd) {
	t.lock.Lock()
	defer t.lock.Unlock()

	start, ok := t.inflightTasks[taskEnd.ID]
	if !ok {
		return
	}

	delete(t.inflightTasks, taskEnd.ID)
	t.finished = append(t.finished,
		interval{start: start, end: t.timeTeller.Now()})

	t.collapse()
}

// TerminateAllTasks ends every in-flight task at the current time.
func (t *BusyTimeTracer) TerminateAllTasks() {
	t.lock.Lock()
	defer t.lock.Unlock()

	now := t.timeTeller.Now()
	for id, start := range t.inflightTasks {
		t.finished = append(t.finished, interval{start: start, end: now})
		delete(t.inflightTasks, id)
	}

	t.collapse()
}

// BusyTime returns the accumulated busy time of the finished tasks.
func (t *BusyTimeTracer) BusyTime() float64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.busyTime
}

// collapse folds finished intervals that can no longer overlap an in-flight
// task into busyTime.
func (t *BusyTimeTracer) collapse() {
	sort.Slice(t.finished, func(i, j int) bool {
		return t.finished[i].start < t.finished[j].start
	})

	earliestInflight := -1.0
	for _, start := range t.inflightTasks {
		if earliestInflight < 0 || start < earliestInflight {
			earliestInflight = start
		}
	}

	merged := t.finished[:0]
	for _, iv := range t.finished {
		n := len(merged)
		if n > 0 && iv.start <= merged[n-1].end {
			if iv.end > merged[n-1].end {
				merged[n-1].end = iv.end
			}

			continue
		}

		merged = append(merged, iv)
	}

	kept := make([]interval, 0, len(merged))
	for _, iv := range merged {
		if earliestInflight >= 0 && iv.end >= earliestInflight {
			kept = append(kept, iv)
			continue
		}

		t.busyTime += iv.end - iv.start
	}

	t.finished = kept
}
