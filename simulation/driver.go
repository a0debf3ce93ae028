package simulation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/ftl/flash/nand"
	"github.com/sarchlab/ftl/ftl"
	"github.com/sarchlab/ftl/ftlerr"
	"github.com/sarchlab/ftl/monitoring"
	"github.com/sarchlab/ftl/sectors"
	"github.com/sarchlab/ftl/workload"
)

// stallLimit is the number of passes without progress after which a run is
// considered hung.
const stallLimit = 1 << 20

// ErrDataMismatch is returned when a read does not return the data the
// workload wrote.
var ErrDataMismatch = errors.New("read returned unexpected data")

// Report summarizes a run.
type Report struct {
	ID      string
	Elapsed time.Duration

	IOs        int
	Requests   int
	Reads      int
	Writes     int
	Mismatches int

	// Now is the device time at the end of the run, in polling intervals.
	Now          float64
	BusyTime     float64
	ReadLatency  float64
	WriteLatency float64
	BlockedTags  uint64
	Evictions    map[string]uint64

	Stats  ftl.Stats
	Device nand.Stats
}

type pendingReq struct {
	req  workload.Request
	want []byte
}

type driver struct {
	s       *Simulation
	gen     *workload.Generator
	oracle  *workload.Oracle
	verify  bool
	onIO    func(done int)
	bar     *monitoring.ProgressBar
	data    []byte
	next    workload.Request
	hasNext bool
	lastIO  int

	pending map[uint64]pendingReq

	ios           int
	requests      int
	reads         int
	writes        int
	mismatches    int
	firstMismatch error
}

// Run drives the FTL with the configured workload until every I/O has
// completed and the write buffer is on flash. onIO, if not nil, is called
// with the number of finished I/Os each time an I/O completes.
func (s *Simulation) Run(ctx context.Context, onIO func(done int)) (
	Report, error,
) {
	gen, err := workload.NewGenerator(s.cfg.Workload, s.ftl.NumLPNs())
	if err != nil {
		return Report{}, err
	}

	d := &driver{
		s:       s,
		gen:     gen,
		oracle:  workload.NewOracle(),
		verify:  s.cfg.Verify,
		onIO:    onIO,
		data:    make([]byte, sectors.BytesPerPage),
		pending: make(map[uint64]pendingReq),
		lastIO:  -1,
	}
	d.next, d.hasNext = gen.Next()

	s.driver = d
	defer func() { s.driver = nil }()

	if s.monitor != nil {
		d.bar = s.monitor.CreateProgressBar("I/Os", uint64(gen.NumIOs()))
		defer s.monitor.CompleteProgressBar(d.bar)
	}

	start := time.Now()
	err = d.loop(ctx)
	report := d.report(time.Since(start))

	if err != nil {
		return report, err
	}

	if d.mismatches > 0 {
		return report, fmt.Errorf("%d of %d reads: %w",
			d.mismatches, d.reads, d.firstMismatch)
	}

	s.log.WithFields(logrus.Fields{
		"ios":      report.IOs,
		"requests": report.Requests,
		"now":      report.Now,
	}).Info("workload finished")

	return report, nil
}

func (d *driver) loop(ctx context.Context) error {
	f := d.s.ftl
	stalled := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var (
			progress  bool
			done      bool
			submitErr error
			runErr    error
		)

		d.step(func() {
			submitErr = d.submit()
			if submitErr != nil {
				return
			}

			if !d.hasNext && f.Engine().IsIdle() {
				if f.WriteBuffer().IsEmpty() {
					done = true
					return
				}

				_, submitErr = f.SubmitFlush()
				if submitErr != nil {
					return
				}
			}

			progress, runErr = f.RunOnce()
		})

		switch {
		case done:
			return nil
		case submitErr != nil:
			return submitErr
		case runErr != nil && ftlerr.IsFatal(runErr):
			return runErr
		}

		if progress {
			stalled = 0
			continue
		}

		stalled++
		if stalled >= stallLimit {
			return d.stallError()
		}
	}
}

func (d *driver) step(f func()) {
	if d.s.monitor != nil {
		d.s.monitor.Step(f)
		return
	}

	f()
}

// submit hands requests to the FTL while its task pool has room.
func (d *driver) submit() error {
	f := d.s.ftl

	for d.hasNext && f.Engine().NumFree() > 0 {
		r := d.next

		var (
			seq uint64
			err error
		)

		p := pendingReq{req: r}

		switch r.Op {
		case workload.Read:
			if d.verify {
				p.want = d.oracle.Expected(r)
			}

			seq, err = f.SubmitRead(r.LPN, r.Offset, r.Count)
			d.reads++
		case workload.Write:
			data := d.data[:r.Count*sectors.BytesPerSector]
			d.oracle.Write(r, data)

			seq, err = f.SubmitWrite(r.LPN, r.Offset, r.Count, data)
			d.writes++
		}

		if err != nil {
			return fmt.Errorf("submitting %s of lpn %d: %w", r.Op, r.LPN, err)
		}

		d.pending[seq] = p
		d.requests++

		if r.IO != d.lastIO {
			d.lastIO = r.IO
			if d.bar != nil {
				d.bar.Start(1)
			}
		}

		d.next, d.hasNext = d.gen.Next()
	}

	return nil
}

func (d *driver) complete(c ftl.Completion) {
	p, ok := d.pending[c.Seq]
	if !ok {
		return
	}

	delete(d.pending, c.Seq)

	if c.Kind == ftl.ReadRequest && p.want != nil {
		err := workload.Diff(p.req, p.want, c.Data)
		if err != nil {
			d.mismatches++
			if d.firstMismatch == nil {
				d.firstMismatch = fmt.Errorf("%w: %w", ErrDataMismatch, err)
			}

			d.s.log.WithError(err).WithField("seq", c.Seq).
				Error("read returned unexpected data")
		}
	}

	if !p.req.Last {
		return
	}

	d.ios++

	if d.bar != nil {
		d.bar.Finish(1)
	}

	if d.onIO != nil {
		d.onIO(d.ios)
	}
}

func (d *driver) stallError() error {
	var b strings.Builder
	d.s.inflight.Dump(&b)

	return fmt.Errorf("no progress in %d passes, tasks in flight:\n%s",
		stallLimit, b.String())
}

func (d *driver) report(elapsed time.Duration) Report {
	s := d.s

	evictions := make(map[string]uint64, len(s.evictionCount))
	for k, v := range s.evictionCount {
		evictions[k] = v
	}

	return Report{
		ID:           s.id,
		Elapsed:      elapsed,
		IOs:          d.ios,
		Requests:     d.requests,
		Reads:        d.reads,
		Writes:       d.writes,
		Mismatches:   d.mismatches,
		Now:          s.device.Now(),
		BusyTime:     s.busyTime.BusyTime(),
		ReadLatency:  s.readLatency.AverageTime("task"),
		WriteLatency: s.writeLatency.AverageTime("task"),
		BlockedTags:  s.tagCount.TagCount("blocked"),
		Evictions:    evictions,
		Stats:        s.ftl.Stats(),
		Device:       s.device.Stats(),
	}
}
