package engine

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/sarchlab/ftl/bankset"
)

// A Result tells the engine what to do after a handler returns.
type Result int

// Handler results
const (
	// Continue runs the task again right away. No I/O boundary was crossed.
	Continue Result = iota

	// Paused leaves the task in the queue until one of the banks it waits
	// for becomes idle.
	Paused

	// Blocked stops the pass. The scan restarts from the queue head on the
	// next pass. Handlers return it when a resource, not a bank, is missing.
	Blocked

	// Finished removes the task and frees its slot.
	Finished
)

func (r Result) String() string {
	switch r {
	case Continue:
		return "continue"
	case Paused:
		return "paused"
	case Blocked:
		return "blocked"
	case Finished:
		return "finished"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// A State is a step of a task's state machine.
type State int

// A Handler runs one state of a task. The idle set holds the banks found idle
// at the start of the pass; a handler removes a bank from it after issuing a
// command on that bank.
type Handler func(t *Task, idle *bankset.Set) (Result, error)

// A TypeID identifies a registered task type.
type TypeID int

// A TaskType describes a kind of task.
type TaskType struct {
	Name string

	// NewPayload returns a pointer to a zeroed payload for a new task.
	NewPayload func() any

	// Handlers holds one handler per state. Tasks start in state 0.
	Handlers []Handler

	// StateNames is optional. It names the states in traces.
	StateNames []string
}

// ErrPayloadTooLarge is returned when a task type's payload does not fit a
// pool slot.
var ErrPayloadTooLarge = errors.New("task payload too large")

func (tt TaskType) validate(maxPayloadSize uintptr) error {
	if tt.Name == "" {
		return errors.New("task type must have a name")
	}

	if len(tt.Handlers) == 0 {
		return fmt.Errorf("task type %s has no handler", tt.Name)
	}

	for i, h := range tt.Handlers {
		if h == nil {
			return fmt.Errorf("task type %s: state %d has no handler",
				tt.Name, i)
		}
	}

	if tt.NewPayload == nil {
		return nil
	}

	size := payloadSize(tt.NewPayload())
	if size > maxPayloadSize {
		return fmt.Errorf("%w: %s needs %d bytes, slot holds %d",
			ErrPayloadTooLarge, tt.Name, size, maxPayloadSize)
	}

	return nil
}

func payloadSize(p any) uintptr {
	t := reflect.TypeOf(p)
	if t == nil {
		return 0
	}

	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	return t.Size()
}

func (tt TaskType) stateName(s State) string {
	if int(s) < len(tt.StateNames) {
		return tt.StateNames[s]
	}

	return fmt.Sprintf("state%d", int(s))
}

// A Task is a resumable state machine that lives in a slot of the engine's
// task pool.
type Task struct {
	id      string
	slot    int
	typeID  TypeID
	seq     uint64
	state   State
	waiting bankset.Set
	payload any

	submittedAt float64
	queued      bool
	next        *Task
}

// ID returns the ID used in traces.
func (t *Task) ID() string {
	return t.id
}

// Slot returns the index of the pool slot the task occupies. Slots are
// reused once a task finishes.
func (t *Task) Slot() int {
	return t.slot
}

// Type returns the type of the task.
func (t *Task) Type() TypeID {
	return t.typeID
}

// Seq returns the sequence number assigned at submission. Sequence numbers
// start at 0 and grow by one per submitted task.
func (t *Task) Seq() uint64 {
	return t.seq
}

// State returns the current state.
func (t *Task) State() State {
	return t.state
}

// GoTo sets the state the next handler call runs.
func (t *Task) GoTo(s State) {
	t.state = s
}

// WaitFor sets the banks the task waits for. An empty set makes the task run
// on every pass.
func (t *Task) WaitFor(banks bankset.Set) {
	t.waiting = banks
}

// WaitingBanks returns the banks the task waits for.
func (t *Task) WaitingBanks() bankset.Set {
	return t.waiting
}

// Payload returns the task's private data.
func (t *Task) Payload() any {
	return t.payload
}

// PayloadOf returns the payload of a task as a *P. It panics if the task
// carries a different payload type.
func PayloadOf[P any](t *Task) *P {
	return t.payload.(*P)
}
