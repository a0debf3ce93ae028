package engine

import (
	"io"

	"github.com/sarchlab/ftl/bankset"
	"github.com/sarchlab/ftl/hooking"
	"github.com/sirupsen/logrus"
)

// A BankProber reports which banks are idle. Probing may advance the device
// clock.
type BankProber interface {
	IdleBanks() bankset.Set
}

// Builder constructs engines.
type Builder struct {
	poolSize       int
	maxPayloadSize uintptr
	prober         BankProber
	timeTeller     hooking.TimeTeller
	idGenerator    IDGenerator
	log            logrus.FieldLogger
}

// MakeBuilder creates a builder with reasonable defaults.
func MakeBuilder() Builder {
	return Builder{
		poolSize:       16,
		maxPayloadSize: 512,
	}
}

// WithPoolSize sets the number of task slots.
func (b Builder) WithPoolSize(n int) Builder {
	b.poolSize = n
	return b
}

// WithMaxPayloadSize sets the size of the private area of a task slot.
func (b Builder) WithMaxPayloadSize(bytes uintptr) Builder {
	b.maxPayloadSize = bytes
	return b
}

// WithBankProber sets where the idle banks are read at the start of each
// pass.
func (b Builder) WithBankProber(p BankProber) Builder {
	b.prober = p
	return b
}

// WithTimeTeller sets the clock used to time tasks. Without one, the engine
// counts passes.
func (b Builder) WithTimeTeller(t hooking.TimeTeller) Builder {
	b.timeTeller = t
	return b
}

// WithIDGenerator sets how task IDs are generated.
func (b Builder) WithIDGenerator(g IDGenerator) Builder {
	b.idGenerator = g
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log logrus.FieldLogger) Builder {
	b.log = log
	return b
}

// Build creates an engine.
func (b Builder) Build(name string) *Engine {
	if b.prober == nil {
		panic("engine.Builder: a bank prober is required")
	}

	if b.poolSize < 1 {
		panic("engine.Builder: pool size must be positive")
	}

	if b.log == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		b.log = logger
	}

	if b.idGenerator == nil {
		b.idGenerator = NewSequentialIDGenerator()
	}

	e := &Engine{
		name:           name,
		log:            b.log.WithField("component", name),
		prober:         b.prober,
		maxPayloadSize: b.maxPayloadSize,
		idGenerator:    b.idGenerator,
		pool:           make([]Task, b.poolSize),
	}

	e.timeTeller = b.timeTeller
	if e.timeTeller == nil {
		e.timeTeller = passCounter{e}
	}

	for i := len(e.pool) - 1; i >= 0; i-- {
		e.pool[i].slot = i
		e.free = append(e.free, &e.pool[i])
	}

	e.tail = &e.head

	e.log.WithFields(logrus.Fields{
		"poolSize":       b.poolSize,
		"maxPayloadSize": b.maxPayloadSize,
	}).Info("task engine created")

	return e
}

type passCounter struct {
	e *Engine
}

func (c passCounter) Now() float64 {
	return float64(c.e.stats.Passes)
}
