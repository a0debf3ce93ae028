// Package simulation assembles an FTL over a simulated NAND device and
// drives it with a synthetic workload.
package simulation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/ftl/config"
	"github.com/sarchlab/ftl/datarecording"
	"github.com/sarchlab/ftl/dram"
	"github.com/sarchlab/ftl/flash/nand"
	"github.com/sarchlab/ftl/ftl"
	"github.com/sarchlab/ftl/hooking"
	"github.com/sarchlab/ftl/monitoring"
	"github.com/sarchlab/ftl/stats"
)

// A Simulation owns the device, the FTL and the services that observe them.
type Simulation struct {
	id  string
	cfg config.Config
	log *logrus.Logger

	device *nand.Comp
	dram   *dram.Storage
	ftl    *ftl.FTL

	dataRecorder datarecording.DataRecorder
	execRecorder *datarecording.ExecRecorder
	visTracer    *hooking.DBTracer
	monitor      *monitoring.Monitor
	collector    *stats.Collector
	registry     *prometheus.Registry

	readLatency   *hooking.LatencyTracer
	writeLatency  *hooking.LatencyTracer
	busyTime      *hooking.BusyTimeTracer
	tagCount      *hooking.TagCountTracer
	inflight      *hooking.InflightTracer
	evictions     *hooking.FuncHook
	evictionCount map[string]uint64

	components    []hooking.Named
	compNameIndex map[string]int

	driver *driver
}

// ID returns the unique ID of the run.
func (s *Simulation) ID() string {
	return s.id
}

// Config returns the configuration of the run.
func (s *Simulation) Config() config.Config {
	return s.cfg
}

// FTL returns the FTL under test.
func (s *Simulation) FTL() *ftl.FTL {
	return s.ftl
}

// Device returns the simulated NAND device.
func (s *Simulation) Device() *nand.Comp {
	return s.device
}

// GetDataRecorder returns the data recorder used in the simulation. It is
// nil when recording is off.
func (s *Simulation) GetDataRecorder() datarecording.DataRecorder {
	return s.dataRecorder
}

// GetMonitor returns the monitor used in the simulation. It is nil when
// monitoring is off.
func (s *Simulation) GetMonitor() *monitoring.Monitor {
	return s.monitor
}

// GetVisTracer returns the tracer that records tasks, or nil.
func (s *Simulation) GetVisTracer() *hooking.DBTracer {
	return s.visTracer
}

// Registry returns the metrics registry of the run.
func (s *Simulation) Registry() *prometheus.Registry {
	return s.registry
}

// RegisterComponent registers a component with the simulation.
func (s *Simulation) RegisterComponent(c hooking.Named) {
	compName := c.Name()
	if _, ok := s.compNameIndex[compName]; ok {
		panic("component " + compName + " already registered")
	}

	s.components = append(s.components, c)
	s.compNameIndex[compName] = len(s.components) - 1
}

// GetComponentByName returns the component with the given name, or nil.
func (s *Simulation) GetComponentByName(name string) hooking.Named {
	i, ok := s.compNameIndex[name]
	if !ok {
		return nil
	}

	return s.components[i]
}

// Components returns all registered components.
func (s *Simulation) Components() []hooking.Named {
	return s.components
}

func (s *Simulation) complete(c ftl.Completion) {
	if s.driver != nil {
		s.driver.complete(c)
	}
}

// Terminate writes the in-flight traces and the summary of the run and
// flushes the recorder.
func (s *Simulation) Terminate() {
	if s.dataRecorder == nil {
		return
	}

	if s.visTracer != nil {
		s.visTracer.Terminate()
	}

	recordSummary(s.dataRecorder, s.ftl.Stats(), s.device.Stats())
	s.execRecorder.End()
}
