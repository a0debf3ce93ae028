package hooking

import (
	"sync"
)

// LatencyTracer collects the total and average latency of the tasks of each
// kind. Overlapping tasks add up.
type LatencyTracer struct {
	timeTeller TimeTeller
	filter     TaskFilter

	lock          sync.Mutex
	inflightTasks map[string]task
	totalTime     map[string]float64
	taskCount     map[string]uint64
}

// NewLatencyTracer creates a new LatencyTracer. A nil filter accepts every
// task.
func NewLatencyTracer(
	timeTeller TimeTeller,
	filter TaskFilter,
) *LatencyTracer {
	return &LatencyTracer{
		timeTeller:    timeTeller,
		filter:        filter,
		inflightTasks: make(map[string]task),
		totalTime:     make(map[string]float64),
		taskCount:     make(map[string]uint64),
	}
}

// Func records the start end of a task.
func (t *LatencyTracer) Func(ctx HookCtx) {
	switch ctx.Pos {
	case HookPosTaskStart:
		t.StartTask(ctx.Item.(TaskStart))
	case HookPosTaskEnd:
		t.EndTask(ctx.Item.(TaskEnd))
	}
}

// StartTask records the task start time.
func (t *LatencyTracer) StartTask(taskStart TaskStart) {
	if t.filter != nil && !t.filter(taskStart) {
		return
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	t.inflightTasks[taskStart.ID] = task{
		ID:        taskStart.ID,
		Kind:      taskStart.Kind,
		StartTime: t.timeTeller.Now(),
	}
}

// EndTask records the end of the task.
func (t *LatencyTracer) EndTask(taskEnd TaskEnd) {
	t.lock.Lock()
	defer t.lock.Unlock()

	currTask, ok := t.inflightTasks[taskEnd.ID]
	if !ok {
		return
	}

	t.totalTime[currTask.Kind] += t.timeTeller.Now() - currTask.StartTime
	t.taskCount[currTask.Kind]++

	delete(t.inflightTasks, taskEnd.ID)
}

// AverageTime returns the average latency of a kind of tasks. It returns 0
// if no task of the kind has finished.
func (t *LatencyTracer) AverageTime(kind string) float64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.taskCount[kind] == 0 {
		return 0
	}

	return t.totalTime[kind] / float64(t.taskCount[kind])
}

// TotalTime returns the summed latency of a kind of tasks.
func (t *LatencyTracer) TotalTime(kind string) float64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.totalTime[kind]
}

// TotalCount returns the number of finished tasks of a kind.
func (t *LatencyTracer) TotalCount(kind string) uint64 {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.taskCount[kind]
}
