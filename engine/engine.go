// Package engine provides the cooperative task engine of the FTL.
//
// In-flight tasks wait in one FIFO queue. Each pass of the engine reads the
// idle banks once and walks the queue from head to tail, running every task
// that waits on an idle bank or on no bank at all. The engine never reorders
// tasks.
package engine

import (
	"errors"
	"log"

	"github.com/sarchlab/ftl/bankset"
	"github.com/sarchlab/ftl/ftlerr"
	"github.com/sarchlab/ftl/hooking"
	"github.com/sirupsen/logrus"
)

// Stats counts engine events.
type Stats struct {
	Passes        uint64
	BlockedPasses uint64
	HandlerCalls  uint64
	Submitted     uint64
	Finished      uint64

	// TotalLatency sums the time from submission to finish of the finished
	// tasks.
	TotalLatency float64
}

// AverageLatency returns the mean time a finished task stayed in the queue.
func (s Stats) AverageLatency() float64 {
	if s.Finished == 0 {
		return 0
	}

	return s.TotalLatency / float64(s.Finished)
}

// Engine is the cooperative task engine.
type Engine struct {
	hooking.HookableBase

	name           string
	log            logrus.FieldLogger
	prober         BankProber
	timeTeller     hooking.TimeTeller
	idGenerator    IDGenerator
	maxPayloadSize uintptr

	types []TaskType

	pool []Task
	free []*Task

	head    Task
	tail    *Task
	queued  int
	nextSeq uint64

	err   error
	stats Stats
}

// Name returns the name of the engine.
func (e *Engine) Name() string {
	return e.name
}

// Now returns the time of the engine's clock.
func (e *Engine) Now() float64 {
	return e.timeTeller.Now()
}

// RegisterTaskType adds a task type.
func (e *Engine) RegisterTaskType(tt TaskType) (TypeID, error) {
	if err := tt.validate(e.maxPayloadSize); err != nil {
		return 0, err
	}

	e.types = append(e.types, tt)

	return TypeID(len(e.types) - 1), nil
}

// TypeName returns the name of a registered task type.
func (e *Engine) TypeName(id TypeID) string {
	return e.types[id].Name
}

// CanAllocate tells if n tasks can be allocated now. Callers that need
// several tasks check first so that they never hold only part of them.
func (e *Engine) CanAllocate(n int) bool {
	return len(e.free) >= n
}

// NumFree returns the number of free task slots.
func (e *Engine) NumFree() int {
	return len(e.free)
}

// PoolSize returns the number of task slots.
func (e *Engine) PoolSize() int {
	return len(e.pool)
}

// Allocate takes a task slot for a task of the given type. The task starts in
// state 0 with a fresh payload and waits on no bank.
func (e *Engine) Allocate(typeID TypeID) (*Task, error) {
	if int(typeID) < 0 || int(typeID) >= len(e.types) {
		log.Panicf("engine %s: unknown task type %d", e.name, typeID)
	}

	if len(e.free) == 0 {
		return nil, ftlerr.Exhaustedf("task pool of %s is empty", e.name)
	}

	t := e.free[len(e.free)-1]
	e.free = e.free[:len(e.free)-1]

	*t = Task{
		id:     e.idGenerator.Generate(),
		slot:   t.slot,
		typeID: typeID,
	}

	if newPayload := e.types[typeID].NewPayload; newPayload != nil {
		t.payload = newPayload()
	}

	return t, nil
}

// Release returns an allocated task that was never submitted to the pool.
func (e *Engine) Release(t *Task) {
	if t.queued {
		log.Panicf("engine %s: releasing a queued task", e.name)
	}

	t.payload = nil
	e.free = append(e.free, t)
}

// Submit appends a task to the tail of the queue and assigns its sequence
// number.
func (e *Engine) Submit(t *Task) {
	if t.queued {
		log.Panicf("engine %s: task %s submitted twice", e.name, t.id)
	}

	t.queued = true
	t.seq = e.nextSeq
	t.submittedAt = e.timeTeller.Now()
	e.nextSeq++

	e.tail.next = t
	e.tail = t
	e.queued++
	e.stats.Submitted++

	tt := e.types[t.typeID]
	e.InvokeHook(hooking.HookCtx{
		Domain: e,
		Pos:    hooking.HookPosTaskStart,
		Item: hooking.TaskStart{
			ID:    t.id,
			Kind:  "task",
			What:  tt.Name,
			Where: e.name,
		},
	})
}

// IsIdle tells if the queue is empty.
func (e *Engine) IsIdle() bool {
	return e.queued == 0
}

// NumInFlight returns the number of queued tasks.
func (e *Engine) NumInFlight() int {
	return e.queued
}

// Err returns the error that halted the engine, if any.
func (e *Engine) Err() error {
	return e.err
}

// Stats returns the event counters.
func (e *Engine) Stats() Stats {
	return e.stats
}

// RunOnce makes one pass over the queue. It reports progress when a task
// changed state or finished. An error that wraps ftlerr.ErrFatal halts the
// engine; every later call returns it again. Other handler errors end the
// pass and leave the task to be retried.
func (e *Engine) RunOnce() (progress bool, err error) {
	if e.err != nil {
		return false, e.err
	}

	e.stats.Passes++

	idle := e.prober.IdleBanks()

	prev := &e.head
	for t := prev.next; t != nil; t = prev.next {
		if !t.waiting.IsEmpty() && !t.waiting.Intersects(idle) {
			prev = t
			continue
		}

		res, moved, err := e.runTask(t, &idle)
		progress = progress || moved

		if err != nil {
			return progress, e.handleError(t, err)
		}

		if res == Blocked {
			e.stats.BlockedPasses++
			e.tagBlocked(t)

			return progress, nil
		}

		if res == Finished {
			e.remove(prev, t)
			progress = true

			continue
		}

		prev = t
	}

	return progress, nil
}

func (e *Engine) runTask(t *Task, idle *bankset.Set) (Result, bool, error) {
	tt := e.types[t.typeID]
	moved := false

	for {
		if int(t.state) < 0 || int(t.state) >= len(tt.Handlers) {
			return Blocked, moved, ftlerr.Fatalf(
				"task %s of type %s in unknown state %d",
				t.id, tt.Name, t.state)
		}

		before := t.state

		e.stats.HandlerCalls++
		res, err := tt.Handlers[t.state](t, idle)

		if t.state != before {
			moved = true
			e.InvokeHook(hooking.HookCtx{
				Domain: e,
				Pos:    hooking.HookPosTaskStep,
				Item: hooking.TaskStep{
					TaskID: t.id,
					Kind:   "state",
					What:   tt.stateName(t.state),
					Detail: tt.stateName(before),
				},
			})
		}

		if err != nil || res != Continue {
			return res, moved, err
		}
	}
}

func (e *Engine) handleError(t *Task, err error) error {
	if !errors.Is(err, ftlerr.ErrFatal) {
		e.log.WithError(err).WithField("task", t.id).
			Warn("task failed, retrying on a later pass")

		return err
	}

	e.err = err
	e.log.WithError(err).WithFields(logrus.Fields{
		"task":  t.id,
		"type":  e.types[t.typeID].Name,
		"state": e.types[t.typeID].stateName(t.state),
	}).Error("task engine halted")

	return err
}

func (e *Engine) tagBlocked(t *Task) {
	if e.NumHooks() == 0 {
		return
	}

	e.InvokeHook(hooking.HookCtx{
		Domain: e,
		Pos:    hooking.HookPosTaskTag,
		Item: hooking.TaskTag{
			TaskID: t.id,
			What:   "blocked",
			Detail: e.types[t.typeID].stateName(t.state),
		},
	})
}

func (e *Engine) remove(prev, t *Task) {
	prev.next = t.next
	if e.tail == t {
		e.tail = prev
	}

	e.queued--
	e.stats.Finished++
	e.stats.TotalLatency += e.timeTeller.Now() - t.submittedAt

	e.InvokeHook(hooking.HookCtx{
		Domain: e,
		Pos:    hooking.HookPosTaskEnd,
		Item:   hooking.TaskEnd{ID: t.id},
	})

	t.next = nil
	t.queued = false
	t.payload = nil
	e.free = append(e.free, t)
}
