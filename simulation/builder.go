package simulation

import (
	"fmt"
	"io"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/ftl/config"
	"github.com/sarchlab/ftl/datarecording"
	"github.com/sarchlab/ftl/dram"
	"github.com/sarchlab/ftl/engine"
	"github.com/sarchlab/ftl/flash/nand"
	"github.com/sarchlab/ftl/ftl"
	"github.com/sarchlab/ftl/hooking"
	"github.com/sarchlab/ftl/monitoring"
	"github.com/sarchlab/ftl/sectors"
	"github.com/sarchlab/ftl/stats"
)

// Builder can be used to build a simulation.
type Builder struct {
	cfg            config.Config
	log            *logrus.Logger
	dataRecorder   datarecording.DataRecorder
	outputFileName string
	serveMonitor   bool
}

// MakeBuilder creates a new builder with the default configuration.
func MakeBuilder() Builder {
	return Builder{
		cfg:          config.Default(),
		serveMonitor: true,
	}
}

// WithConfig sets the configuration of the run.
func (b Builder) WithConfig(cfg config.Config) Builder {
	b.cfg = cfg
	return b
}

// WithLogger sets the logger. Without one, logs are discarded.
func (b Builder) WithLogger(log *logrus.Logger) Builder {
	b.log = log
	return b
}

// WithDataRecorder makes the simulation record into r instead of a new
// database file. Recording is turned on.
func (b Builder) WithDataRecorder(r datarecording.DataRecorder) Builder {
	b.dataRecorder = r
	b.cfg.Recording.Enabled = true

	return b
}

// WithOutputFileName sets the custom output file name for the data recorder.
func (b Builder) WithOutputFileName(filename string) Builder {
	b.outputFileName = filename
	return b
}

// WithoutMonitoring turns the monitor off regardless of the configuration.
func (b Builder) WithoutMonitoring() Builder {
	b.cfg.Monitoring.Enabled = false
	b.cfg.Monitoring.Port = 0

	return b
}

// WithoutServingMonitor builds the monitor but does not start its web
// server.
func (b Builder) WithoutServingMonitor() Builder {
	b.serveMonitor = false
	return b
}

// Build builds the simulation.
func (b Builder) Build() (*Simulation, error) {
	err := b.cfg.Validate()
	if err != nil {
		return nil, err
	}

	if b.log == nil {
		b.log = logrus.New()
		b.log.SetOutput(io.Discard)
	} else {
		level, _ := logrus.ParseLevel(b.cfg.LogLevel)
		b.log.SetLevel(level)
	}

	s := &Simulation{
		id:            xid.New().String(),
		cfg:           b.cfg,
		log:           b.log,
		compNameIndex: make(map[string]int),
	}

	s.device = b.buildDevice()
	s.dram = dram.NewStorage(b.cfg.Device.DRAMBytes)

	s.ftl, err = ftl.MakeBuilder().
		WithConfig(b.cfg.FTL).
		WithDevice(s.device).
		WithDRAM(s.dram).
		WithCompletionHandler(s.complete).
		WithIDGenerator(engine.NewSequentialIDGenerator()).
		WithLogger(b.log).
		Build("FTL")
	if err != nil {
		return nil, err
	}

	s.RegisterComponent(s.ftl)
	s.RegisterComponent(s.ftl.Engine())
	s.RegisterComponent(s.ftl.TranslationCache())
	s.RegisterComponent(s.ftl.BufferCache())
	s.RegisterComponent(s.device)

	b.attachTracers(s)

	s.collector = stats.NewCollector(s.ftl)
	s.collector.AddDevice(s.device)
	s.registry = stats.NewRegistry(s.collector)

	if b.cfg.Recording.Enabled {
		b.startRecording(s)
	}

	if b.cfg.Monitoring.Enabled {
		b.startMonitor(s)
	}

	return s, nil
}

func (b Builder) buildDevice() *nand.Comp {
	d := b.cfg.Device

	return nand.MakeBuilder().
		WithGeometry(d.Geometry).
		WithReadLatency(d.Latency.Read).
		WithProgramLatency(d.Latency.Program).
		WithEraseLatency(d.Latency.Erase).
		WithBadBlocks(d.BadBlocks...).
		WithLogger(b.log).
		Build("NAND")
}

func (b Builder) attachTracers(s *Simulation) {
	e := s.ftl.Engine()

	s.readLatency = hooking.NewLatencyTracer(s.device, taskOfType("read"))
	s.writeLatency = hooking.NewLatencyTracer(s.device, taskOfType("write"))
	s.busyTime = hooking.NewBusyTimeTracer(s.device, nil)
	s.tagCount = hooking.NewTagCountTracer()
	s.inflight = hooking.NewInflightTracer()

	e.AcceptHook(s.readLatency)
	e.AcceptHook(s.writeLatency)
	e.AcceptHook(s.busyTime)
	e.AcceptHook(s.tagCount)
	e.AcceptHook(s.inflight)

	s.evictions = hooking.NewFuncHook(func(ctx hooking.HookCtx) {
		if ctx.Pos == hooking.HookPosCacheEvict {
			s.evictionCount[ctx.Domain.Name()]++
		}
	})
	s.evictionCount = make(map[string]uint64)
	s.ftl.TranslationCache().AcceptHook(s.evictions)
	s.ftl.BufferCache().AcceptHook(s.evictions)
}

func taskOfType(name string) hooking.TaskFilter {
	return func(t hooking.TaskStart) bool {
		return t.What == name
	}
}

func (b Builder) startRecording(s *Simulation) {
	s.dataRecorder = b.dataRecorder
	if s.dataRecorder == nil {
		path := b.outputFileName
		if path == "" {
			path = b.cfg.Recording.Path
		}

		if path == "" {
			path = "ftl_sim_" + s.id
		}

		s.dataRecorder = datarecording.New(path)
	}

	s.execRecorder = datarecording.NewExecRecorder(s.dataRecorder)
	s.execRecorder.Start()
	s.execRecorder.Note("Run ID", s.id)
	s.execRecorder.Note("Geometry", fmt.Sprintf("%+v", b.cfg.Device.Geometry))
	s.execRecorder.Note("FTL", fmt.Sprintf("%+v", s.ftl.Config()))
	s.execRecorder.Note("Workload", fmt.Sprintf("%+v", b.cfg.Workload))

	s.dataRecorder.CreateTable(summaryTable, summaryEntry{})

	if b.cfg.Recording.Trace {
		s.visTracer = hooking.NewDBTracer(s.device, s.dataRecorder)
		s.ftl.Engine().AcceptHook(s.visTracer)
		s.device.AcceptHook(s.visTracer)
	}
}

func (b Builder) startMonitor(s *Simulation) {
	m := monitoring.NewMonitor()
	if b.cfg.Monitoring.Port > 0 {
		m.WithPortNumber(b.cfg.Monitoring.Port)
	}

	if b.cfg.Monitoring.OpenBrowser {
		m.WithBrowser()
	}

	m.RegisterTimeTeller(s.device)
	m.RegisterMetrics(s.registry)

	for _, c := range s.components {
		m.RegisterComponent(c)
	}

	f := s.ftl
	pool := f.Engine().PoolSize()
	m.RegisterBuffer(monitoring.NewBufferProbe("FTL.Engine.Pool",
		f.Engine().NumInFlight, pool))
	m.RegisterBuffer(monitoring.NewBufferProbe("FTL.WriteBuffer",
		func() int {
			return f.WriteBuffer().NumSlots() - f.WriteBuffer().NumCleanSlots()
		}, f.WriteBuffer().NumSlots()))
	m.RegisterBuffer(monitoring.NewBufferProbe("FTL.CMT",
		f.TranslationCache().Len, f.TranslationCache().Capacity()))
	m.RegisterBuffer(monitoring.NewBufferProbe("FTL.BufferCache",
		f.BufferCache().Len, f.BufferCache().Capacity()))
	m.RegisterBuffer(monitoring.NewBufferProbe("FTL.Locks",
		f.Locks().NumRecords, sectors.SubPagesPerPage*pool))

	if b.serveMonitor {
		m.StartServer()
	}

	s.monitor = m
}
