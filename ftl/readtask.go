package ftl

import (
	"github.com/sarchlab/ftl/bankset"
	"github.com/sarchlab/ftl/bcache"
	"github.com/sarchlab/ftl/engine"
	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/pagelock"
	"github.com/sarchlab/ftl/sectors"
)

const (
	readPrepare engine.State = iota
	readMapping
	readFlash
	readFinish
)

type subPageRead struct {
	vpa    flash.VPA
	fixed  bool
	issued bool
	done   bool
}

type readPayload struct {
	lpn    uint32
	offset int
	count  int

	// have marks the requested sectors already in the result buffer.
	have   sectors.Mask
	locked bool

	subPages [sectors.SubPagesPerPage]subPageRead

	// fromFlash marks the sub-pages read into the scratch buffer.
	fromFlash sectors.Mask
}

func (p *readPayload) want() sectors.Mask {
	return sectors.Range(p.offset, p.count)
}

func (p *readPayload) missing() sectors.Mask {
	return p.want() &^ p.have
}

func (f *FTL) readTaskType() engine.TaskType {
	return engine.TaskType{
		Name:       "read",
		NewPayload: func() any { return &readPayload{} },
		Handlers: []engine.Handler{
			readPrepare: f.readPrepare,
			readMapping: f.readMapping,
			readFlash:   f.readFlash,
			readFinish:  f.readFinish,
		},
		StateNames: []string{"prepare", "mapping", "flash", "finish"},
	}
}

// readPrepare locks the page and serves what it can from DRAM. Buffered
// sectors are newer than any cached or flash copy.
func (f *FTL) readPrepare(
	t *engine.Task,
	_ *bankset.Set,
) (engine.Result, error) {
	p := engine.PayloadOf[readPayload](t)

	ok, err := f.lockAll(t.Slot(), []uint32{p.lpn}, pagelock.Read)
	if err != nil {
		return engine.Blocked, err
	}

	if !ok {
		return engine.Blocked, nil
	}

	p.locked = true

	result := f.taskBuffer(t, 0)
	p.have = f.wb.Pull(p.lpn, p.want(), result)

	if !p.missing().IsEmpty() {
		key := bcache.UserKey(p.lpn)
		if cached, hit := f.bc.Get(key); hit {
			valid, _ := f.bc.ValidSectors(key)
			take := valid & p.missing()
			sectors.Copy(result, cached, take)
			p.have |= take
		}
	}

	if p.missing().IsEmpty() {
		t.GoTo(readFinish)
	} else {
		t.GoTo(readMapping)
	}

	return engine.Continue, nil
}

// readMapping translates and fixes every sub-page that still has missing
// sectors.
func (f *FTL) readMapping(
	t *engine.Task,
	_ *bankset.Set,
) (engine.Result, error) {
	p := engine.PayloadOf[readPayload](t)
	missing := p.missing()

	for sp := range p.subPages {
		r := &p.subPages[sp]
		if r.fixed || !missing.HasSubPage(sp) {
			continue
		}

		lspn := p.lpn*sectors.SubPagesPerPage + uint32(sp)

		vpa, err := f.tr.lookup(lspn)
		if err != nil {
			return retry(err)
		}

		err = f.cmt.Fix(lspn)
		if err != nil {
			return retry(err)
		}

		r.vpa = vpa
		r.fixed = true
	}

	t.GoTo(readFlash)

	return engine.Continue, nil
}

// readFlash reads the sub-pages with missing sectors into the scratch
// buffer, one command per idle bank per pass.
func (f *FTL) readFlash(
	t *engine.Task,
	idle *bankset.Set,
) (engine.Result, error) {
	p := engine.PayloadOf[readPayload](t)
	scratch := f.taskBuffer(t, 1)

	var waiting bankset.Set

	for sp := range p.subPages {
		r := &p.subPages[sp]
		if !r.fixed || r.done {
			continue
		}

		if r.vpa.IsZero() {
			sectors.Fill(scratch, sectors.SubPageRange(sp), 0xFF)
			r.done = true

			continue
		}

		bank := r.vpa.Bank

		switch {
		case r.issued && idle.Has(bank):
			r.done = true
		case !r.issued && idle.Has(bank):
			flash.ReadSubPage(f.device, r.vpa, sp, scratch, flash.Async)
			idle.Remove(bank)
			r.issued = true
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

	result := f.taskBuffer(t, 0)
	for sp := range p.subPages {
		if !p.subPages[sp].fixed {
			continue
		}

		need := p.missing() & sectors.SubPageRange(sp)
		sectors.Copy(result, scratch, need)
		p.have |= need
		p.fromFlash |= sectors.SubPageRange(sp)
	}

	t.GoTo(readFinish)

	return engine.Continue, nil
}

// readFinish caches what came from flash, releases the task's resources and
// completes the request.
func (f *FTL) readFinish(
	t *engine.Task,
	_ *bankset.Set,
) (engine.Result, error) {
	p := engine.PayloadOf[readPayload](t)

	if !p.fromFlash.IsEmpty() {
		err := f.cacheUserPage(p.lpn, f.taskBuffer(t, 1), p.fromFlash)
		if err != nil {
			return engine.Blocked, err
		}

		p.fromFlash = 0
	}

	for sp := range p.subPages {
		r := &p.subPages[sp]
		if !r.fixed {
			continue
		}

		err := f.cmt.Unfix(p.lpn*sectors.SubPagesPerPage + uint32(sp))
		if err != nil {
			return engine.Blocked, err
		}

		r.fixed = false
	}

	if p.locked {
		err := f.locks.Unlock(t.Slot(), p.lpn)
		if err != nil {
			return engine.Blocked, err
		}

		p.locked = false
	}

	result := f.taskBuffer(t, 0)
	begin := p.offset * sectors.BytesPerSector
	end := (p.offset + p.count) * sectors.BytesPerSector
	data := make([]byte, end-begin)
	copy(data, result[begin:end])

	f.counters.reads++
	f.counters.sectorsRead += uint64(p.count)

	err := f.seq.Finish(Completion{
		Seq:    t.Seq(),
		Kind:   ReadRequest,
		LPN:    p.lpn,
		Offset: p.offset,
		Count:  p.count,
		Data:   data,
	})
	if err != nil {
		return engine.Blocked, err
	}

	return engine.Finished, nil
}

// cacheUserPage copies sectors of a page image into the buffer cache. The
// cached copy is clean. A page that finds no room is not cached.
func (f *FTL) cacheUserPage(lpn uint32, src []byte, mask sectors.Mask) error {
	key := bcache.UserKey(lpn)

	buf, ok := f.bc.Peek(key)
	if !ok {
		if f.bc.IsFull(key) {
			_, err := f.bc.Evict()
			if err != nil {
				return err
			}
		}

		if f.bc.IsFull(key) {
			return nil
		}

		buf = f.bc.Put(key)
	}

	valid, _ := f.bc.ValidSectors(key)
	sectors.Copy(buf, src, mask&^valid)
	f.bc.SetValidSectors(key, mask)

	return nil
}
