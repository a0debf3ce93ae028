package hooking

import (
	"sync"

	"github.com/sarchlab/ftl/datarecording"
)

type taskTableEntry struct {
	ID        string
	ParentID  string
	Kind      string
	What      string
	Location  string
	StartTime float64
	EndTime   float64
}

type tagTableEntry struct {
	TaskID string
	What   string
	Detail string
	Time   float64
}

type flashCmdTableEntry struct {
	Kind   string
	Bank   int
	VPN    uint32
	Offset int
	Count  int
	Time   float64
}

// DBTracer stores finished tasks, task tags and flash commands into a data
// recorder.
type DBTracer struct {
	mu         sync.Mutex
	timeTeller TimeTeller
	backend    datarecording.DataRecorder

	tracingTasks map[string]task
}

// NewDBTracer creates a new DBTracer and the tables it writes into.
func NewDBTracer(
	timeTeller TimeTeller,
	dataRecorder datarecording.DataRecorder,
) *DBTracer {
	dataRecorder.CreateTable("trace", taskTableEntry{})
	dataRecorder.CreateTable("trace_tags", tagTableEntry{})
	dataRecorder.CreateTable("flash_cmds", flashCmdTableEntry{})

	return &DBTracer{
		timeTeller:   timeTeller,
		backend:      dataRecorder,
		tracingTasks: make(map[string]task),
	}
}

// Func dispatches the hook to the recording method for its position.
func (t *DBTracer) Func(ctx HookCtx) {
	switch ctx.Pos {
	case HookPosTaskStart:
		t.StartTask(ctx.Item.(TaskStart))
	case HookPosTaskTag:
		t.TagTask(ctx.Item.(TaskTag))
	case HookPosTaskEnd:
		t.EndTask(ctx.Item.(TaskEnd))
	case HookPosFlashCmd:
		t.RecordFlashCmd(ctx.Item.(FlashCmd))
	}
}

// StartTask marks the start of a task.
func (t *DBTracer) StartTask(taskStart TaskStart) {
	if taskStart.ID == "" {
		panic("task ID must be set")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.tracingTasks[taskStart.ID] = task{
		ID:        taskStart.ID,
		ParentID:  taskStart.ParentID,
		Kind:      taskStart.Kind,
		What:      taskStart.What,
		Where:     taskStart.Where,
		StartTime: t.timeTeller.Now(),
	}
}

// TagTask records a tag with the time it was attached.
func (t *DBTracer) TagTask(taskTag TaskTag) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.backend.InsertData("trace_tags", tagTableEntry{
		TaskID: taskTag.TaskID,
		What:   taskTag.What,
		Detail: taskTag.Detail,
		Time:   t.timeTeller.Now(),
	})
}

// EndTask writes the finished task.
func (t *DBTracer) EndTask(taskEnd TaskEnd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	original, ok := t.tracingTasks[taskEnd.ID]
	if !ok {
		return
	}

	delete(t.tracingTasks, taskEnd.ID)

	t.backend.InsertData("trace", taskTableEntry{
		ID:        original.ID,
		ParentID:  original.ParentID,
		Kind:      original.Kind,
		What:      original.What,
		Location:  original.Where,
		StartTime: original.StartTime,
		EndTime:   t.timeTeller.Now(),
	})
}

// RecordFlashCmd writes one flash command.
func (t *DBTracer) RecordFlashCmd(cmd FlashCmd) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.backend.InsertData("flash_cmds", flashCmdTableEntry{
		Kind:   cmd.Kind,
		Bank:   cmd.Bank,
		VPN:    cmd.VPN,
		Offset: cmd.Offset,
		Count:  cmd.Count,
		Time:   t.timeTeller.Now(),
	})
}

// Terminate writes the tasks that are still in flight with the current time
// as their end time and flushes the backend.
func (t *DBTracer) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.timeTeller.Now()
	for id, original := range t.tracingTasks {
		t.backend.InsertData("trace", taskTableEntry{
			ID:        original.ID,
			ParentID:  original.ParentID,
			Kind:      original.Kind,
			What:      original.What,
			Location:  original.Where,
			StartTime: original.StartTime,
			EndTime:   now,
		})
		delete(t.tracingTasks, id)
	}

	t.backend.Flush()
}
