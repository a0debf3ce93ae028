// Package ftl provides the flash translation layer that serves host reads and
// writes of logical pages.
//
// Every request becomes a task of the cooperative engine. Tasks take their
// page locks in their first state, all at once or not at all, and a task that
// cannot lock blocks the whole pass. Locks are therefore granted in
// submission order and a lock holder is always an older task, so tasks never
// wait on each other in a cycle. Completions are reported in submission
// order.
package ftl

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/ftl/alloc"
	"github.com/sarchlab/ftl/bankset"
	"github.com/sarchlab/ftl/bcache"
	"github.com/sarchlab/ftl/cmt"
	"github.com/sarchlab/ftl/dram"
	"github.com/sarchlab/ftl/engine"
	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/ftlerr"
	"github.com/sarchlab/ftl/pagelock"
	"github.com/sarchlab/ftl/sectors"
	"github.com/sarchlab/ftl/writebuf"
)

// Stats is a snapshot of the FTL counters.
type Stats struct {
	Reads          uint64
	Writes         uint64
	Flushes        uint64
	Bypasses       uint64
	SectorsRead    uint64
	SectorsWritten uint64

	Engine      engine.Stats
	CMT         cmt.Stats
	BufferCache bcache.Stats

	BufferedLPNs    int
	LockedPages     int
	FreePages       uint64
	InvalidSubPages int
}

type counters struct {
	reads          uint64
	writes         uint64
	flushes        uint64
	bypasses       uint64
	sectorsRead    uint64
	sectorsWritten uint64
}

// FTL is a flash translation layer over one device.
type FTL struct {
	name    string
	log     logrus.FieldLogger
	cfg     Config
	numLPNs int

	device      flash.Device
	dram        *dram.Storage
	taskBuffers dram.Region

	engine *engine.Engine
	cmt    *cmt.Cache
	bc     *bcache.Cache
	wb     *writebuf.Buffer
	locks  *pagelock.Table
	alloc  *alloc.Allocator
	tr     *translator
	seq    *Sequencer
	picker *bankset.Picker

	readType  engine.TypeID
	writeType engine.TypeID
	flushType engine.TypeID

	counters counters
}

// Name returns the name of the FTL.
func (f *FTL) Name() string {
	return f.name
}

// Config returns the configuration the FTL was built with. NumLPNs is
// resolved.
func (f *FTL) Config() Config {
	return f.cfg
}

// NumLPNs returns the number of logical pages exposed to the host.
func (f *FTL) NumLPNs() int {
	return f.numLPNs
}

// Engine returns the task engine.
func (f *FTL) Engine() *engine.Engine {
	return f.engine
}

// TranslationCache returns the cached mapping table.
func (f *FTL) TranslationCache() *cmt.Cache {
	return f.cmt
}

// BufferCache returns the page buffer cache.
func (f *FTL) BufferCache() *bcache.Cache {
	return f.bc
}

// WriteBuffer returns the write-merge buffer.
func (f *FTL) WriteBuffer() *writebuf.Buffer {
	return f.wb
}

// Locks returns the page lock table.
func (f *FTL) Locks() *pagelock.Table {
	return f.locks
}

// Allocator returns the page allocator.
func (f *FTL) Allocator() *alloc.Allocator {
	return f.alloc
}

// Device returns the flash device.
func (f *FTL) Device() flash.Device {
	return f.device
}

// Sequencer returns the completion sequencer.
func (f *FTL) Sequencer() *Sequencer {
	return f.seq
}

func (f *FTL) validate(lpn uint32, offset, count int) error {
	if int(lpn) >= f.numLPNs {
		return fmt.Errorf("%w: lpn %d beyond %d logical pages",
			ftlerr.ErrInvalidRequest, lpn, f.numLPNs)
	}

	if count == 0 || !sectors.ValidRange(offset, count) {
		return fmt.Errorf("%w: sectors [%d, %d) of lpn %d",
			ftlerr.ErrInvalidRequest, offset, offset+count, lpn)
	}

	return nil
}

// SubmitRead queues a read of count sectors of a logical page, starting at
// sector offset. It returns the sequence number the completion carries.
func (f *FTL) SubmitRead(lpn uint32, offset, count int) (uint64, error) {
	err := f.validate(lpn, offset, count)
	if err != nil {
		return 0, err
	}

	return f.submit(f.readType, func(t *engine.Task) {
		p := engine.PayloadOf[readPayload](t)
		p.lpn = lpn
		p.offset = offset
		p.count = count
	})
}

// SubmitWrite queues a write of count sectors of a logical page, starting at
// sector offset. The data is copied before SubmitWrite returns.
func (f *FTL) SubmitWrite(
	lpn uint32,
	offset, count int,
	data []byte,
) (uint64, error) {
	err := f.validate(lpn, offset, count)
	if err != nil {
		return 0, err
	}

	if len(data) != count*sectors.BytesPerSector {
		return 0, fmt.Errorf("%w: %d bytes for %d sectors",
			ftlerr.ErrInvalidRequest, len(data), count)
	}

	return f.submit(f.writeType, func(t *engine.Task) {
		p := engine.PayloadOf[writePayload](t)
		p.kind = WriteRequest
		p.lpn = lpn
		p.offset = offset
		p.count = count

		buf := f.taskBuffer(t, 0)
		copy(buf[offset*sectors.BytesPerSector:], data)
	})
}

// SubmitFlush queues a task that commits the fullest slot of the write
// buffer to flash. It completes right away when the buffer is empty.
func (f *FTL) SubmitFlush() (uint64, error) {
	return f.submit(f.flushType, func(t *engine.Task) {
		engine.PayloadOf[writePayload](t).kind = FlushRequest
	})
}

func (f *FTL) submit(typeID engine.TypeID, init func(t *engine.Task)) (
	uint64, error,
) {
	if err := f.engine.Err(); err != nil {
		return 0, err
	}

	t, err := f.engine.Allocate(typeID)
	if err != nil {
		return 0, err
	}

	init(t)
	f.engine.Submit(t)

	err = f.seq.Register(t.Seq())
	if err != nil {
		return 0, err
	}

	return t.Seq(), nil
}

// RunOnce makes one pass of the task engine.
func (f *FTL) RunOnce() (bool, error) {
	return f.engine.RunOnce()
}

// DrainUntilIdle runs the engine until every submitted task has finished.
// Errors that do not halt the engine are retried.
func (f *FTL) DrainUntilIdle(ctx context.Context) error {
	for !f.engine.IsIdle() {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := f.engine.RunOnce()
		if err != nil && ftlerr.IsFatal(err) {
			return err
		}
	}

	return nil
}

// FlushWriteBuffer commits the whole write buffer to flash and waits for
// every task to finish.
func (f *FTL) FlushWriteBuffer(ctx context.Context) error {
	for {
		err := f.DrainUntilIdle(ctx)
		if err != nil {
			return err
		}

		if f.wb.IsEmpty() {
			return nil
		}

		_, err = f.SubmitFlush()
		if err != nil && !errors.Is(err, ftlerr.ErrResourceExhausted) {
			return err
		}
	}
}

// Stats returns a snapshot of the counters.
func (f *FTL) Stats() Stats {
	s := Stats{
		Reads:          f.counters.reads,
		Writes:         f.counters.writes,
		Flushes:        f.counters.flushes,
		Bypasses:       f.counters.bypasses,
		SectorsRead:    f.counters.sectorsRead,
		SectorsWritten: f.counters.sectorsWritten,
		Engine:         f.engine.Stats(),
		CMT:            f.cmt.Stats(),
		BufferCache:    f.bc.Stats(),
		BufferedLPNs:   f.wb.NumLPNs(),
		LockedPages:    f.locks.NumRecords(),
	}

	for bank := 0; bank < f.device.Geometry().NumBanks; bank++ {
		s.FreePages += f.alloc.FreePageCount(bank)
		s.InvalidSubPages += f.alloc.TotalInvalidSubPages(bank)
	}

	return s
}

// taskBuffer returns page buffer i of the task's slot.
func (f *FTL) taskBuffer(t *engine.Task, i int) []byte {
	return f.taskBuffers.Slot(t.Slot()*taskBuffersPerSlot+i,
		sectors.BytesPerPage)
}

// lockAll locks every page at the level or none of them. It reports false
// when a page is held by another task or the lock table is full.
func (f *FTL) lockAll(
	owner int,
	lpns []uint32,
	level pagelock.Level,
) (bool, error) {
	for i, lpn := range lpns {
		granted, err := f.locks.Lock(owner, lpn, level)
		if err == nil && granted >= level {
			continue
		}

		if err != nil && !ftlerr.IsRetryable(err) {
			return false, err
		}

		unlockErr := f.unlockHeld(owner, lpns[:i+1])
		if unlockErr != nil {
			return false, unlockErr
		}

		return false, nil
	}

	return true, nil
}

// unlockHeld releases the locks the owner holds on the pages.
func (f *FTL) unlockHeld(owner int, lpns []uint32) error {
	for _, lpn := range lpns {
		if f.locks.LevelOf(owner, lpn) == pagelock.Null {
			continue
		}

		err := f.locks.Unlock(owner, lpn)
		if err != nil {
			return err
		}
	}

	return nil
}

func (f *FTL) unlockAll(owner int, lpns []uint32) error {
	for _, lpn := range lpns {
		err := f.locks.Unlock(owner, lpn)
		if err != nil {
			return err
		}
	}

	return nil
}

func (f *FTL) registerTaskTypes() error {
	var err error

	f.readType, err = f.engine.RegisterTaskType(f.readTaskType())
	if err != nil {
		return err
	}

	f.writeType, err = f.engine.RegisterTaskType(f.writeTaskType("write"))
	if err != nil {
		return err
	}

	f.flushType, err = f.engine.RegisterTaskType(f.writeTaskType("flush"))
	if err != nil {
		return err
	}

	return nil
}

// retry turns an error that a later pass may not hit into a blocked pass.
func retry(err error) (engine.Result, error) {
	if ftlerr.IsRetryable(err) {
		return engine.Blocked, nil
	}

	return engine.Blocked, err
}
