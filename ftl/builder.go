package ftl

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/ftl/alloc"
	"github.com/sarchlab/ftl/bankset"
	"github.com/sarchlab/ftl/bcache"
	"github.com/sarchlab/ftl/cmt"
	"github.com/sarchlab/ftl/dram"
	"github.com/sarchlab/ftl/engine"
	"github.com/sarchlab/ftl/flash"
	"github.com/sarchlab/ftl/hooking"
	"github.com/sarchlab/ftl/pagelock"
	"github.com/sarchlab/ftl/sectors"
	"github.com/sarchlab/ftl/writebuf"
)

const (
	taskBuffersPerSlot = 2
	maxPayloadSize     = 512
)

// CacheConfig sizes the translation cache.
type CacheConfig struct {
	ProbationCapacity int `mapstructure:"probation_capacity"`
	ProtectedCapacity int `mapstructure:"protected_capacity"`
}

// Config sizes the FTL.
type Config struct {
	// NumLPNs is the number of logical pages exposed to the host. Zero
	// exposes half of the pages outside the reserved blocks.
	NumLPNs int `mapstructure:"num_lpns"`

	PoolSize         int           `mapstructure:"pool_size"`
	WriteBufferSlots int           `mapstructure:"write_buffer_slots"`
	CMT              CacheConfig   `mapstructure:"cmt"`
	BufferCache      bcache.Config `mapstructure:"buffer_cache"`
}

// DefaultConfig returns a configuration that fits the default NAND device.
func DefaultConfig() Config {
	return Config{
		PoolSize:         8,
		WriteBufferSlots: 4,
		CMT: CacheConfig{
			ProbationCapacity: 64,
			ProtectedCapacity: 32,
		},
		BufferCache: bcache.Config{
			ProbationCapacity: 4,
			ProtectedCapacity: 4,
		},
	}
}

// Validate checks if the configuration can be served on a device of the
// given geometry.
func (c Config) Validate(g flash.Geometry) error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool size must be positive, got %d", c.PoolSize)
	}

	if c.WriteBufferSlots < 1 {
		return fmt.Errorf("the write buffer needs at least one slot, got %d",
			c.WriteBufferSlots)
	}

	maxFixed := sectors.SubPagesPerPage * c.PoolSize
	if c.CMT.ProbationCapacity <= maxFixed {
		return fmt.Errorf(
			"translation cache probation capacity %d must exceed %d, "+
				"the number of translations the task pool can fix",
			c.CMT.ProbationCapacity, maxFixed)
	}

	if c.CMT.ProtectedCapacity < 0 || c.BufferCache.ProtectedCapacity < 0 {
		return fmt.Errorf("protected capacities cannot be negative")
	}

	if c.BufferCache.ProbationCapacity < 1 {
		return fmt.Errorf("buffer cache probation capacity must be positive")
	}

	reserved := g.NumBanks * g.PagesPerBlock
	if c.NumLPNs < 0 || c.NumLPNs > g.TotalPages()-reserved {
		return fmt.Errorf("%d logical pages do not fit %d usable pages",
			c.NumLPNs, g.TotalPages()-reserved)
	}

	if c.NumLPNs >= int(bcache.MetaKey(0)) {
		return fmt.Errorf("%d logical pages exceed the cache key space",
			c.NumLPNs)
	}

	return nil
}

// DRAMBytes returns the amount of DRAM an FTL of this configuration carves
// on a device of the given geometry.
func (c Config) DRAMBytes(g flash.Geometry) int {
	numLPNs := c.numLPNs(g)

	return c.PoolSize*taskBuffersPerSlot*sectors.BytesPerPage +
		c.WriteBufferSlots*sectors.BytesPerPage +
		c.BufferCache.Capacity(g.NumBanks)*sectors.BytesPerPage +
		numMetaPages(numLPNs)*bytesPerMapping +
		sectors.BytesPerPage
}

func (c Config) numLPNs(g flash.Geometry) int {
	if c.NumLPNs > 0 {
		return c.NumLPNs
	}

	return (g.TotalPages() - g.NumBanks*g.PagesPerBlock) / 2
}

// CompletionHandler receives completions in submission order.
type CompletionHandler func(c Completion)

// Builder constructs FTLs.
type Builder struct {
	cfg         Config
	device      flash.Device
	dram        *dram.Storage
	onComplete  CompletionHandler
	idGenerator engine.IDGenerator
	log         logrus.FieldLogger
}

// MakeBuilder creates a builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		cfg: DefaultConfig(),
	}
}

// WithConfig sets the sizes of the FTL.
func (b Builder) WithConfig(cfg Config) Builder {
	b.cfg = cfg
	return b
}

// WithDevice sets the flash device.
func (b Builder) WithDevice(d flash.Device) Builder {
	b.device = d
	return b
}

// WithDRAM sets the DRAM the buffers and tables are carved from.
func (b Builder) WithDRAM(s *dram.Storage) Builder {
	b.dram = s
	return b
}

// WithCompletionHandler sets the function that receives completions.
func (b Builder) WithCompletionHandler(h CompletionHandler) Builder {
	b.onComplete = h
	return b
}

// WithIDGenerator sets how task IDs are generated.
func (b Builder) WithIDGenerator(g engine.IDGenerator) Builder {
	b.idGenerator = g
	return b
}

// WithLogger sets the logger.
func (b Builder) WithLogger(log logrus.FieldLogger) Builder {
	b.log = log
	return b
}

// Build creates an FTL. It scans the device for bad blocks and carves its
// regions out of the DRAM.
func (b Builder) Build(name string) (*FTL, error) {
	if b.device == nil {
		panic("ftl.Builder: device is nil; call WithDevice")
	}

	if b.dram == nil {
		panic("ftl.Builder: DRAM is nil; call WithDRAM")
	}

	g := b.device.Geometry()

	err := b.cfg.Validate(g)
	if err != nil {
		return nil, fmt.Errorf("ftl %s: %w", name, err)
	}

	if b.log == nil {
		logger := logrus.New()
		logger.SetOutput(io.Discard)
		b.log = logger
	}

	logger := b.log.WithField("component", name)

	f := &FTL{
		name:    name,
		log:     logger,
		cfg:     b.cfg,
		numLPNs: b.cfg.numLPNs(g),
		device:  b.device,
		dram:    b.dram,
		picker:  bankset.NewPicker(g.NumBanks),
	}
	f.cfg.NumLPNs = f.numLPNs

	r, err := b.carve(f)
	if err != nil {
		return nil, fmt.Errorf("ftl %s: %w", name, err)
	}

	bad := alloc.ScanBadBlocks(b.device, g)
	f.alloc = alloc.New(g, bad, b.log.WithField("component", name+".Alloc"))

	f.cmt = cmt.New(name+".CMT", cmt.Config{
		NumBanks:          g.NumBanks,
		PagesPerBlock:     g.PagesPerBlock,
		ProbationCapacity: b.cfg.CMT.ProbationCapacity,
		ProtectedCapacity: b.cfg.CMT.ProtectedCapacity,
		MaxFixed:          sectors.SubPagesPerPage * b.cfg.PoolSize,
	}, b.log)

	f.bc = bcache.MakeBuilder().
		WithConfig(b.cfg.BufferCache).
		WithDevice(b.device).
		WithAllocator(f.alloc).
		WithBuffers(r.bufferCache).
		WithLogger(b.log).
		Build(name + ".BufferCache")

	f.tr = newTranslator(f.cmt, f.bc, b.device,
		r.gtd, r.scratch, logger)
	f.wb = writebuf.New(r.writeBuffer)
	f.locks = pagelock.NewTable(b.cfg.PoolSize,
		sectors.SubPagesPerPage*b.cfg.PoolSize)
	f.seq = NewSequencer(b.onComplete)

	eb := engine.MakeBuilder().
		WithPoolSize(b.cfg.PoolSize).
		WithMaxPayloadSize(maxPayloadSize).
		WithBankProber(b.device).
		WithIDGenerator(b.idGenerator).
		WithLogger(b.log)
	if tt, ok := b.device.(hooking.TimeTeller); ok {
		eb = eb.WithTimeTeller(tt)
	}

	f.engine = eb.Build(name + ".Engine")

	err = f.registerTaskTypes()
	if err != nil {
		return nil, fmt.Errorf("ftl %s: %w", name, err)
	}

	totalBad := 0
	for bank := 0; bank < g.NumBanks; bank++ {
		totalBad += bad.Count(bank)
	}

	logger.WithFields(logrus.Fields{
		"lpns":      f.numLPNs,
		"capacity":  humanize.IBytes(uint64(f.numLPNs) * sectors.BytesPerPage),
		"dramUsed":  humanize.IBytes(uint64(b.dram.Used())),
		"badBlocks": totalBad,
		"metaPages": numMetaPages(f.numLPNs),
	}).Info("FTL initialized")

	return f, nil
}

type regions struct {
	taskBuffers dram.Region
	writeBuffer dram.Region
	bufferCache dram.Region
	gtd         dram.Region
	scratch     dram.Region
}

func (b Builder) carve(f *FTL) (regions, error) {
	var (
		r   regions
		err error
	)

	g := b.device.Geometry()

	steps := []struct {
		name  string
		bytes int
		dst   *dram.Region
	}{
		{"task_buffers",
			b.cfg.PoolSize * taskBuffersPerSlot * sectors.BytesPerPage,
			&r.taskBuffers},
		{"write_buffer",
			b.cfg.WriteBufferSlots * sectors.BytesPerPage,
			&r.writeBuffer},
		{"buffer_cache",
			b.cfg.BufferCache.Capacity(g.NumBanks) * sectors.BytesPerPage,
			&r.bufferCache},
		{"gtd",
			numMetaPages(f.numLPNs) * bytesPerMapping,
			&r.gtd},
		{"translator_scratch",
			sectors.BytesPerPage,
			&r.scratch},
	}

	for _, s := range steps {
		*s.dst, err = b.dram.Carve(f.name+"."+s.name, s.bytes)
		if err != nil {
			return regions{}, err
		}
	}

	f.taskBuffers = r.taskBuffers

	return r, nil
}
