package ftl

import (
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/ftl/alloc"
	"github.com/sarchlab/ftl/bankset"
	"github.com/sarchlab/ftl/bcache"
	"github.com/sarchlab/ftl/engine"
	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/pagelock"
	"github.com/sarchlab/ftl/sectors"
	"github.com/sarchlab/ftl/writebuf"
)

const (
	writePrepare engine.State = iota
	writeMapping
	writeFlashRead
	writeFlashWrite
	writeFinish
)

// A commit is one page program: either a slot flushed out of the write
// buffer or a full-page write that bypasses it.
type commit struct {
	active bool

	// buf is the task buffer that holds the page image. The other task
	// buffer is scratch.
	buf  int
	vpa  flash.VPA
	mask sectors.Mask

	spLPN    [sectors.SubPagesPerPage]uint32
	old      [sectors.SubPagesPerPage]flash.VPA
	fixed    [sectors.SubPagesPerPage]bool
	mapped   [sectors.SubPagesPerPage]bool
	reading  [sectors.SubPagesPerPage]bool
	complete [sectors.SubPagesPerPage]bool
	written  bool

	locked []uint32
}

func (c *commit) lspn(sp int) uint32 {
	return c.spLPN[sp]*sectors.SubPagesPerPage + uint32(sp)
}

type writePayload struct {
	kind   RequestKind
	lpn    uint32
	offset int
	count  int
	commit commit
}

func (f *FTL) writeTaskType(name string) engine.TaskType {
	return engine.TaskType{
		Name:       name,
		NewPayload: func() any { return &writePayload{} },
		Handlers: []engine.Handler{
			writePrepare:    f.writePrepare,
			writeMapping:    f.writeMapping,
			writeFlashRead:  f.writeFlashRead,
			writeFlashWrite: f.writeFlashWrite,
			writeFinish:     f.writeFinish,
		},
		StateNames: []string{
			"prepare", "mapping", "flash_read", "flash_write", "finish",
		},
	}
}

// writePrepare decides what the task commits. A full-page write bypasses the
// write buffer. A partial write goes into the write buffer, flushing the
// fullest slot first when the buffer is full. Every page a commit carries
// is write-locked before anything changes.
func (f *FTL) writePrepare(
	t *engine.Task,
	idle *bankset.Set,
) (engine.Result, error) {
	p := engine.PayloadOf[writePayload](t)

	switch {
	case p.kind == FlushRequest:
		if !f.wb.IsEmpty() {
			ok, err := f.startFlush(t, p, idle)
			if err != nil || !ok {
				return engine.Blocked, err
			}
		}
	case p.count == sectors.SectorsPerPage:
		ok, err := f.startBypass(t, p, idle)
		if err != nil || !ok {
			return engine.Blocked, err
		}
	default:
		if f.wb.IsFull() {
			ok, err := f.startFlush(t, p, idle)
			if err != nil || !ok {
				return engine.Blocked, err
			}
		}

		f.wb.Push(p.lpn, p.offset, p.count, f.taskBuffer(t, 0))
	}

	if p.commit.active {
		t.GoTo(writeMapping)
	} else {
		t.GoTo(writeFinish)
	}

	return engine.Continue, nil
}

func (f *FTL) startFlush(
	t *engine.Task,
	p *writePayload,
	idle *bankset.Set,
) (bool, error) {
	if idle.IsEmpty() {
		return false, nil
	}

	lpns := f.wb.PeekFlush()

	ok, err := f.lockAll(t.Slot(), lpns, pagelock.Write)
	if err != nil || !ok {
		return false, err
	}

	vpa, err := f.allocate(*idle)
	if err != nil {
		return false, err
	}

	res := f.wb.Flush(f.taskBuffer(t, 1))

	p.commit = commit{
		active: true,
		buf:    1,
		vpa:    vpa,
		mask:   res.Mask,
		spLPN:  res.SubPageLPN,
		locked: lpns,
	}

	f.counters.flushes++

	f.log.WithFields(logrus.Fields{
		"task": t.ID(),
		"lpns": lpns,
		"mask": res.Mask.String(),
		"vpa":  vpa.String(),
	}).Debug("write buffer slot flushed")

	return true, nil
}

func (f *FTL) startBypass(
	t *engine.Task,
	p *writePayload,
	idle *bankset.Set,
) (bool, error) {
	if idle.IsEmpty() {
		return false, nil
	}

	lpns := []uint32{p.lpn}

	ok, err := f.lockAll(t.Slot(), lpns, pagelock.Write)
	if err != nil || !ok {
		return false, err
	}

	vpa, err := f.allocate(*idle)
	if err != nil {
		return false, err
	}

	f.wb.Drop(p.lpn)

	p.commit = commit{
		active: true,
		buf:    0,
		vpa:    vpa,
		mask:   sectors.Full,
		locked: lpns,
	}

	for sp := range p.commit.spLPN {
		p.commit.spLPN[sp] = p.lpn
	}

	f.counters.bypasses++

	return true, nil
}

// allocate takes the next user page of the next idle bank. The idle set must
// not be empty.
func (f *FTL) allocate(idle bankset.Set) (flash.VPA, error) {
	bank, _ := f.picker.Next(idle)

	vpn, err := f.alloc.AllocateNext(bank, alloc.UserStream)
	if err != nil {
		return flash.VPA{}, err
	}

	return flash.VPA{Bank: bank, VPN: vpn}, nil
}

// writeMapping records where every committed sub-page lived before and
// points it at the new page.
func (f *FTL) writeMapping(
	t *engine.Task,
	_ *bankset.Set,
) (engine.Result, error) {
	c := &engine.PayloadOf[writePayload](t).commit

	for sp, lpn := range c.spLPN {
		if lpn == writebuf.NullLPN || c.mapped[sp] {
			continue
		}

		lspn := c.lspn(sp)

		if !c.fixed[sp] {
			old, err := f.tr.lookup(lspn)
			if err != nil {
				return retry(err)
			}

			err = f.cmt.Fix(lspn)
			if err != nil {
				return retry(err)
			}

			c.old[sp] = old
			c.fixed[sp] = true
		}

		err := f.tr.update(lspn, c.vpa)
		if err != nil {
			return retry(err)
		}

		f.alloc.InvalidateSubPage(c.old[sp])
		c.mapped[sp] = true
	}

	t.GoTo(writeFlashRead)

	return engine.Continue, nil
}

// writeFlashRead completes every partially written sub-page from its old
// location. Sub-pages never written before and sub-pages no page owns are
// padded with 0xFF.
func (f *FTL) writeFlashRead(
	t *engine.Task,
	idle *bankset.Set,
) (engine.Result, error) {
	c := &engine.PayloadOf[writePayload](t).commit
	buf := f.taskBuffer(t, c.buf)
	scratch := f.taskBuffer(t, c.buf^1)

	var waiting bankset.Set

	for sp := c.mask.BeginSubPage(); sp < c.mask.EndSubPage(); sp++ {
		if c.complete[sp] {
			continue
		}

		spRange := sectors.SubPageRange(sp)
		missing := spRange &^ c.mask
		lpn := c.spLPN[sp]

		switch {
		case lpn == writebuf.NullLPN:
			sectors.Fill(buf, spRange, 0xFF)
			c.complete[sp] = true

			continue
		case missing.IsEmpty():
			c.complete[sp] = true

			continue
		case c.old[sp].IsZero():
			sectors.Fill(buf, missing, 0xFF)
			c.complete[sp] = true

			continue
		case f.copyFromCache(lpn, buf, missing):
			c.complete[sp] = true

			continue
		}

		bank := c.old[sp].Bank

		switch {
		case c.reading[sp] && idle.Has(bank):
			sectors.Copy(buf, scratch, missing)
			c.complete[sp] = true
		case !c.reading[sp] && idle.Has(bank):
			flash.ReadSubPage(f.device, c.old[sp], sp, scratch, flash.Async)
			idle.Remove(bank)
			c.reading[sp] = true
			waiting.Add(bank)
		default:
			waiting.Add(bank)
		}
	}

	if !waiting.IsEmpty() {
		t.WaitFor(waiting)
		return engine.Paused, nil
	}

	t.WaitFor(0)
	t.GoTo(writeFlashWrite)

	return engine.Continue, nil
}

// copyFromCache completes sectors from a cached copy of the page. Cached user
// pages always match their flash copy.
func (f *FTL) copyFromCache(lpn uint32, dst []byte, missing sectors.Mask) bool {
	key := bcache.UserKey(lpn)

	valid, ok := f.bc.ValidSectors(key)
	if !ok || !valid.Covers(missing) {
		return false
	}

	cached, _ := f.bc.Peek(key)
	sectors.Copy(dst, cached, missing)

	return true
}

// writeFlashWrite programs the sub-pages of the commit and waits for the
// program to finish.
func (f *FTL) writeFlashWrite(
	t *engine.Task,
	idle *bankset.Set,
) (engine.Result, error) {
	c := &engine.PayloadOf[writePayload](t).commit
	bank := c.vpa.Bank

	if !idle.Has(bank) {
		t.WaitFor(bankset.Of(bank))
		return engine.Paused, nil
	}

	if !c.written {
		begin := c.mask.BeginSubPage() * sectors.SectorsPerSubPage
		end := c.mask.EndSubPage() * sectors.SectorsPerSubPage

		f.device.WritePage(bank, c.vpa.VPN, begin, end-begin,
			f.taskBuffer(t, c.buf), flash.Async)
		idle.Remove(bank)
		c.written = true

		t.WaitFor(bankset.Of(bank))

		return engine.Paused, nil
	}

	t.WaitFor(0)
	t.GoTo(writeFinish)

	return engine.Continue, nil
}

// writeFinish refreshes cached copies of the committed pages, releases the
// task's resources and completes the request.
func (f *FTL) writeFinish(
	t *engine.Task,
	_ *bankset.Set,
) (engine.Result, error) {
	p := engine.PayloadOf[writePayload](t)
	c := &p.commit

	if c.active {
		buf := f.taskBuffer(t, c.buf)

		for sp, lpn := range c.spLPN {
			if lpn == writebuf.NullLPN {
				continue
			}

			key := bcache.UserKey(lpn)
			if cached, ok := f.bc.Peek(key); ok {
				sectors.Copy(cached, buf, sectors.SubPageRange(sp))
				f.bc.SetValidSectors(key, sectors.SubPageRange(sp))
			}

			if c.fixed[sp] {
				err := f.cmt.Unfix(c.lspn(sp))
				if err != nil {
					return engine.Blocked, err
				}

				c.fixed[sp] = false
			}
		}

		err := f.unlockAll(t.Slot(), c.locked)
		if err != nil {
			return engine.Blocked, err
		}

		c.active = false
		c.locked = nil
	}

	if p.kind == WriteRequest {
		f.counters.writes++
		f.counters.sectorsWritten += uint64(p.count)
	}

	err := f.seq.Finish(Completion{
		Seq:    t.Seq(),
		Kind:   p.kind,
		LPN:    p.lpn,
		Offset: p.offset,
		Count:  p.count,
	})
	if err != nil {
		return engine.Blocked, err
	}

	return engine.Finished, nil
}
