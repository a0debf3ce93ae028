// Package workload generates synthetic host traffic for the FTL.
//
// A workload is a series of host I/Os, each a run of sectors starting at a
// logical sector number. The address space wraps, so a run that passes the
// last sector continues at sector zero. Every I/O is cut into requests that
// stay within one logical page.
package workload

import (
	"fmt"
	"math/rand/v2"

	"github.com/sarchlab/ftl/sectors"
)

// Pattern selects how the start sectors of I/Os are chosen.
type Pattern string

// Supported patterns.
const (
	// Sequential I/Os start where the previous one ended.
	Sequential Pattern = "sequential"
	// Random I/Os start at a uniformly chosen sector.
	Random Pattern = "random"
)

// Op is the operation of a request.
type Op int

// Supported operations.
const (
	Read Op = iota
	Write
)

func (o Op) String() string {
	if o == Read {
		return "read"
	}

	return "write"
}

// Config describes a workload.
type Config struct {
	Pattern           Pattern `mapstructure:"pattern"`
	NumIOs            int     `mapstructure:"num_ios"`
	StartSector       uint64  `mapstructure:"start_sector"`
	SectorsPerIO      int     `mapstructure:"sectors_per_io"`
	ReadRatio         float64 `mapstructure:"read_ratio"`
	AlignRandomStarts bool    `mapstructure:"align_random_starts"`
	Seed              uint64  `mapstructure:"seed"`
}

// DefaultConfig returns a mixed random workload of 4 KiB I/Os.
func DefaultConfig() Config {
	return Config{
		Pattern:           Random,
		NumIOs:            4000,
		SectorsPerIO:      8,
		ReadRatio:         0.3,
		AlignRandomStarts: true,
		Seed:              1,
	}
}

// Validate checks if the workload is well formed.
func (c Config) Validate() error {
	if c.Pattern != Sequential && c.Pattern != Random {
		return fmt.Errorf("unknown workload pattern %q", c.Pattern)
	}

	if c.NumIOs < 0 {
		return fmt.Errorf("number of I/Os cannot be negative, got %d",
			c.NumIOs)
	}

	if c.SectorsPerIO < 1 {
		return fmt.Errorf("I/Os need at least one sector, got %d",
			c.SectorsPerIO)
	}

	if c.ReadRatio < 0 || c.ReadRatio > 1 {
		return fmt.Errorf("read ratio %v is not in [0, 1]", c.ReadRatio)
	}

	return nil
}

// Request is one page-sized piece of a host I/O.
type Request struct {
	Op     Op
	IO     int
	LPN    uint32
	Offset int
	Count  int

	// Last marks the final request of its I/O.
	Last bool
}

// Sector returns the logical sector number the request starts at.
func (r Request) Sector() uint64 {
	return uint64(r.LPN)*sectors.SectorsPerPage + uint64(r.Offset)
}

// Generator produces the requests of a workload. A generator is
// deterministic for a given configuration.
type Generator struct {
	cfg        Config
	numSectors uint64
	rng        *rand.Rand

	io        int
	op        Op
	next      uint64
	remaining int
}

// NewGenerator creates a generator over numLPNs logical pages.
func NewGenerator(cfg Config, numLPNs int) (*Generator, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	if numLPNs < 1 {
		return nil, fmt.Errorf("workload needs at least one logical page")
	}

	g := &Generator{
		cfg:        cfg,
		numSectors: uint64(numLPNs) * sectors.SectorsPerPage,
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		io:         -1,
		next:       cfg.StartSector,
	}
	g.next %= g.numSectors

	return g, nil
}

// NumIOs returns the number of host I/Os in the workload.
func (g *Generator) NumIOs() int {
	return g.cfg.NumIOs
}

// Next returns the next request. It reports false when the workload is done.
func (g *Generator) Next() (Request, bool) {
	if g.remaining == 0 {
		if g.io+1 >= g.cfg.NumIOs {
			return Request{}, false
		}

		g.startIO()
	}

	lpn := g.next / sectors.SectorsPerPage
	offset := int(g.next % sectors.SectorsPerPage)
	count := min(sectors.SectorsPerPage-offset, g.remaining)

	if left := g.numSectors - g.next; uint64(count) > left {
		count = int(left)
	}

	g.remaining -= count
	g.next = (g.next + uint64(count)) % g.numSectors

	return Request{
		Op:     g.op,
		IO:     g.io,
		LPN:    uint32(lpn),
		Offset: offset,
		Count:  count,
		Last:   g.remaining == 0,
	}, true
}

func (g *Generator) startIO() {
	g.io++
	g.remaining = g.cfg.SectorsPerIO

	g.op = Write
	if g.rng.Float64() < g.cfg.ReadRatio {
		g.op = Read
	}

	if g.cfg.Pattern == Random {
		g.next = g.rng.Uint64N(g.numSectors)
		if g.cfg.AlignRandomStarts {
			align := uint64(g.cfg.SectorsPerIO)
			g.next -= g.next % align
		}
	}
}
