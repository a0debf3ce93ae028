package bcache

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/ftl/dram"
	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/internal/slru"
	"github.com/sarchlab/ftl/sectors"
)

// Config sizes the cache.
type Config struct {
	ProbationCapacity int `mapstructure:"probation_capacity"`
	ProtectedCapacity int `mapstructure:"protected_capacity"`
}

// Capacity returns the number of page slots a cache of this configuration
// needs on a device with numBanks banks.
func (c Config) Capacity(numBanks int) int {
	return numBanks*c.ProbationCapacity + c.ProtectedCapacity
}

// Builder constructs buffer caches.
type Builder struct {
	cfg       Config
	device    flash.Device
	allocator Allocator
	buffers   dram.Region
	log       logrus.FieldLogger
}

// MakeBuilder creates a builder with reasonable defaults.
func MakeBuilder() Builder {
	return Builder{
		cfg: Config{
			ProbationCapacity: 8,
			ProtectedCapacity: 8,
		},
	}
}

// WithConfig sets the segment capacities.
func (b Builder) WithConfig(cfg Config) Builder {
	b.cfg = cfg
	return b
}

// WithDevice sets the flash device.
func (b Builder) WithDevice(d flash.Device) Builder {
	b.device = d
	return b
}

// WithAllocator sets the page allocator used when writing back victims.
func (b Builder) WithAllocator(a Allocator) Builder {
	b.allocator = a
	return b
}

// WithBuffers sets the DRAM region the page slots are carved from.
func (b Builder) WithBuffers(r dram.Region) Builder {
	b.buffers = r
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log logrus.FieldLogger) Builder {
	b.log = log
	return b
}

// Build creates a cache. The backer must be set before the first fill or
// eviction.
func (b Builder) Build(name string) *Cache {
	if b.device == nil {
		panic("bcache.Builder: device is nil; call WithDevice")
	}

	if b.allocator == nil {
		panic("bcache.Builder: allocator is nil; call WithAllocator")
	}

	numBanks := b.device.Geometry().NumBanks
	capacity := b.cfg.Capacity(numBanks)

	if b.buffers.NumSlots(sectors.BytesPerPage) < capacity {
		panic(fmt.Sprintf(
			"bcache.Builder: buffer region holds %d pages, need %d",
			b.buffers.NumSlots(sectors.BytesPerPage), capacity))
	}

	if b.log == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		b.log = logger
	}

	return &Cache{
		name:      name,
		numBanks:  numBanks,
		device:    b.device,
		allocator: b.allocator,
		buffers:   b.buffers,
		arena: slru.New[Key, sectors.Mask](
			numBanks, b.cfg.ProbationCapacity, b.cfg.ProtectedCapacity),
		log: b.log.WithField("component", name),
	}
}
