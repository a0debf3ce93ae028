package nand

import (
	"io"

	"github.com/sarchlab/ftl/flash"
	"github.com/sirupsen/logrus"
)

// A BadBlock names a block that cannot be used.
type BadBlock struct {
	Bank  int    `mapstructure:"bank"`
	Block uint32 `mapstructure:"block"`
}

// Builder constructs NAND devices.
type Builder struct {
	geometry       flash.Geometry
	readLatency    uint64
	programLatency uint64
	eraseLatency   uint64
	badBlocks      []BadBlock
	log            logrus.FieldLogger
}

// MakeBuilder creates a builder with reasonable defaults.
func MakeBuilder() Builder {
	return Builder{
		geometry: flash.Geometry{
			NumBanks:      4,
			BlocksPerBank: 64,
			PagesPerBlock: 32,
		},
		readLatency:    2,
		programLatency: 8,
		eraseLatency:   16,
	}
}

// WithGeometry sets the bank and block layout.
func (b Builder) WithGeometry(g flash.Geometry) Builder {
	b.geometry = g
	return b
}

// WithReadLatency sets the number of polling intervals a read keeps a bank
// busy.
func (b Builder) WithReadLatency(latency uint64) Builder {
	b.readLatency = latency
	return b
}

// WithProgramLatency sets the number of polling intervals a program keeps a
// bank busy.
func (b Builder) WithProgramLatency(latency uint64) Builder {
	b.programLatency = latency
	return b
}

// WithEraseLatency sets the number of polling intervals an erase keeps a bank
// busy.
func (b Builder) WithEraseLatency(latency uint64) Builder {
	b.eraseLatency = latency
	return b
}

// WithBadBlocks marks blocks as bad.
func (b Builder) WithBadBlocks(blocks ...BadBlock) Builder {
	b.badBlocks = append([]BadBlock(nil), blocks...)
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log logrus.FieldLogger) Builder {
	b.log = log
	return b
}

// Build creates a device.
func (b Builder) Build(name string) *Comp {
	if err := b.geometry.Validate(); err != nil {
		panic("nand.Builder: " + err.Error())
	}

	if b.log == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		b.log = logger
	}

	c := &Comp{
		name:           name,
		log:            b.log.WithField("component", name),
		geometry:       b.geometry,
		storage:        NewStorage(uint64(b.geometry.TotalPages())),
		readLatency:    b.readLatency,
		programLatency: b.programLatency,
		eraseLatency:   b.eraseLatency,
		banks:          make([]bank, b.geometry.NumBanks),
		badBlocks:      make(map[blockAddr]bool),
	}

	for _, bb := range b.badBlocks {
		if bb.Bank < 0 || bb.Bank >= b.geometry.NumBanks ||
			int(bb.Block) >= b.geometry.BlocksPerBank {
			panic("nand.Builder: bad block out of device")
		}

		c.badBlocks[blockAddr{bb.Bank, bb.Block}] = true
	}

	c.log.WithFields(logrus.Fields{
		"banks":     b.geometry.NumBanks,
		"blocks":    b.geometry.BlocksPerBank,
		"pages":     b.geometry.PagesPerBlock,
		"badBlocks": len(b.badBlocks),
	}).Info("NAND device created")

	return c
}
