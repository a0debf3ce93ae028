package hooking

import (
	"fmt"
	"io"
	"sync"
)

// InflightTracer keeps the tasks that have started but not ended, together
// with the last step each one took. It is used to report what the queue is
// stuck on.
type InflightTracer struct {
	lock  sync.Mutex
	tasks map[string]*task
	order []string
}

// NewInflightTracer creates a new InflightTracer.
func NewInflightTracer() *InflightTracer {
	return &InflightTracer{
		tasks: make(map[string]*task),
	}
}

// Func tracks task starts, steps and ends.
func (t *InflightTracer) Func(ctx HookCtx) {
	t.lock.Lock()
	defer t.lock.Unlock()

	switch ctx.Pos {
	case HookPosTaskStart:
		ts := ctx.Item.(TaskStart)
		t.tasks[ts.ID] = &task{
			ID:       ts.ID,
			ParentID: ts.ParentID,
			Kind:     ts.Kind,
			What:     ts.What,
			Where:    ts.Where,
		}
		t.order = append(t.order, ts.ID)
	case HookPosTaskStep:
		ts := ctx.Item.(TaskStep)
		if curr, ok := t.tasks[ts.TaskID]; ok {
			curr.State = ts.What
		}
	case HookPosTaskEnd:
		delete(t.tasks, ctx.Item.(TaskEnd).ID)
	}
}

// NumInflight returns the number of tasks that have not ended.
func (t *InflightTracer) NumInflight() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	return len(t.tasks)
}

// Dump prints the in-flight tasks in the order they started.
func (t *InflightTracer) Dump(w io.Writer) {
	t.lock.Lock()
	defer t.lock.Unlock()

	alive := t.order[:0]
	for _, id := range t.order {
		if _, ok := t.tasks[id]; ok {
			alive = append(alive, id)
		}
	}
	t.order = alive

	for _, id := range alive {
		curr := t.tasks[id]

		state := curr.State
		if state == "" {
			state = "-"
		}

		fmt.Fprintf(w, "%s-%s@%s [%s]\n", curr.Kind, curr.What, curr.Where,
			state)
	}
}
