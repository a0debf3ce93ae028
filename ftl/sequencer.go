package ftl

import (
	"github.com/sarchlab/ftl/ftlerr"
)

// A RequestKind tells what a request asked for.
type RequestKind int

// Request kinds
const (
	ReadRequest RequestKind = iota
	WriteRequest
	FlushRequest
)

func (k RequestKind) String() string {
	switch k {
	case ReadRequest:
		return "read"
	case WriteRequest:
		return "write"
	case FlushRequest:
		return "flush"
	default:
		return "unknown"
	}
}

// A Completion reports a finished request. Data holds the sectors a read
// returned, Count*BytesPerSector bytes.
type Completion struct {
	Seq    uint64
	Kind   RequestKind
	LPN    uint32
	Offset int
	Count  int
	Data   []byte
}

// A Sequencer delivers completions in the order the requests were
// submitted. A request that finishes early is held until every request
// submitted before it has finished.
type Sequencer struct {
	submitted uint64
	next      uint64
	held      map[uint64]Completion
	deliver   func(Completion)
}

// NewSequencer creates a Sequencer that hands completions to deliver.
func NewSequencer(deliver func(Completion)) *Sequencer {
	if deliver == nil {
		deliver = func(Completion) {}
	}

	return &Sequencer{
		held:    make(map[uint64]Completion),
		deliver: deliver,
	}
}

// Register records the submission of a request. Sequence numbers must be
// registered in increasing order without gaps.
func (s *Sequencer) Register(seq uint64) error {
	if seq != s.submitted {
		return ftlerr.Fatalf("registering sequence %d, expecting %d",
			seq, s.submitted)
	}

	s.submitted++

	return nil
}

// Finish records a finished request and delivers every completion that is
// now in order. Finishing a sequence number that was never registered or
// that already finished is an impossible counter.
func (s *Sequencer) Finish(c Completion) error {
	_, dup := s.held[c.Seq]
	if c.Seq < s.next || c.Seq >= s.submitted || dup {
		return ftlerr.Fatalf(
			"impossible completion counter: seq %d, next %d, submitted %d",
			c.Seq, s.next, s.submitted)
	}

	s.held[c.Seq] = c

	for {
		ready, ok := s.held[s.next]
		if !ok {
			return nil
		}

		delete(s.held, s.next)
		s.next++
		s.deliver(ready)
	}
}

// Next returns the sequence number of the next completion to deliver.
func (s *Sequencer) Next() uint64 {
	return s.next
}

// NumHeld returns the number of finished requests waiting for their
// predecessors.
func (s *Sequencer) NumHeld() int {
	return len(s.held)
}

// NumPending returns the number of registered requests not yet delivered.
func (s *Sequencer) NumPending() uint64 {
	return s.submitted - s.next
}
