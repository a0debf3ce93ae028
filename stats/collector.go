// Package stats exports the FTL counters as Prometheus metrics.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sarchlab/ftl/flash/nand"
	"github.com/sarchlab/ftl/ftl"
)

// Namespace prefixes every metric name.
const Namespace = "ftl"

// A Source provides FTL counters.
type Source interface {
	Name() string
	Stats() ftl.Stats
}

// A DeviceSource provides device counters.
type DeviceSource interface {
	Name() string
	Stats() nand.Stats
}

var (
	requestsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "host", "requests_total"),
		"Host requests completed, by type.",
		[]string{"ftl", "type"}, nil)
	sectorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "host", "sectors_total"),
		"Sectors transferred for the host, by direction.",
		[]string{"ftl", "direction"}, nil)
	commitsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "write_buffer", "commits_total"),
		"Page programs issued, by source.",
		[]string{"ftl", "source"}, nil)
	bufferedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "write_buffer", "buffered_lpns"),
		"Logical pages held in the write buffer.",
		[]string{"ftl"}, nil)

	passesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "engine", "passes_total"),
		"Engine passes, by outcome.",
		[]string{"ftl", "outcome"}, nil)
	handlerCallsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "engine", "handler_calls_total"),
		"State handler invocations.",
		[]string{"ftl"}, nil)
	tasksDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "engine", "tasks_total"),
		"Tasks submitted and finished.",
		[]string{"ftl", "event"}, nil)
	inflightDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "engine", "inflight_tasks"),
		"Tasks submitted but not yet finished.",
		[]string{"ftl"}, nil)
	latencyDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "engine", "average_latency"),
		"Average task latency in device polling intervals.",
		[]string{"ftl"}, nil)

	cacheEventsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "cache", "events_total"),
		"Cache events, by cache and event.",
		[]string{"ftl", "cache", "event"}, nil)
	hitRatioDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "cache", "hit_ratio"),
		"Share of lookups that hit, by cache.",
		[]string{"ftl", "cache"}, nil)

	lockedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "lock", "locked_pages"),
		"Pages with a lock record.",
		[]string{"ftl"}, nil)
	freePagesDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "alloc", "free_pages"),
		"Pages the allocator can still hand out.",
		[]string{"ftl"}, nil)
	invalidDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "alloc", "invalid_sub_pages"),
		"Sub-pages holding stale data.",
		[]string{"ftl"}, nil)

	flashCmdsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "flash", "commands_total"),
		"Commands served by the device, by kind.",
		[]string{"device", "kind"}, nil)
	flashSectorsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "flash", "sectors_total"),
		"Sectors moved by the device, by direction.",
		[]string{"device", "direction"}, nil)
)

// Collector turns snapshots of the FTL counters into metrics. Every scrape
// takes a fresh snapshot.
type Collector struct {
	sources []Source
	devices []DeviceSource
}

// NewCollector creates a collector over the given FTLs.
func NewCollector(sources ...Source) *Collector {
	return &Collector{sources: sources}
}

// AddDevice adds a device whose counters are exported as well.
func (c *Collector) AddDevice(d DeviceSource) {
	c.devices = append(c.devices, d)
}

// Describe sends the descriptors of all metrics.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		requestsDesc, sectorsDesc, commitsDesc, bufferedDesc,
		passesDesc, handlerCallsDesc, tasksDesc, inflightDesc, latencyDesc,
		cacheEventsDesc, hitRatioDesc,
		lockedDesc, freePagesDesc, invalidDesc,
		flashCmdsDesc, flashSectorsDesc,
	} {
		ch <- d
	}
}

// Collect sends the current value of all metrics.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, src := range c.sources {
		collectFTL(ch, src.Name(), src.Stats())
	}

	for _, d := range c.devices {
		collectDevice(ch, d.Name(), d.Stats())
	}
}

func counter(
	ch chan<- prometheus.Metric,
	desc *prometheus.Desc,
	v uint64,
	labels ...string,
) {
	ch <- prometheus.MustNewConstMetric(
		desc, prometheus.CounterValue, float64(v), labels...)
}

func gauge(
	ch chan<- prometheus.Metric,
	desc *prometheus.Desc,
	v float64,
	labels ...string,
) {
	ch <- prometheus.MustNewConstMetric(
		desc, prometheus.GaugeValue, v, labels...)
}

func collectFTL(ch chan<- prometheus.Metric, name string, s ftl.Stats) {
	counter(ch, requestsDesc, s.Reads, name, "read")
	counter(ch, requestsDesc, s.Writes, name, "write")
	counter(ch, sectorsDesc, s.SectorsRead, name, "read")
	counter(ch, sectorsDesc, s.SectorsWritten, name, "written")
	counter(ch, commitsDesc, s.Flushes, name, "flush")
	counter(ch, commitsDesc, s.Bypasses, name, "bypass")
	gauge(ch, bufferedDesc, float64(s.BufferedLPNs), name)

	e := s.Engine
	counter(ch, passesDesc, e.Passes-e.BlockedPasses, name, "full")
	counter(ch, passesDesc, e.BlockedPasses, name, "blocked")
	counter(ch, handlerCallsDesc, e.HandlerCalls, name)
	counter(ch, tasksDesc, e.Submitted, name, "submitted")
	counter(ch, tasksDesc, e.Finished, name, "finished")
	gauge(ch, inflightDesc, float64(e.Submitted-e.Finished), name)
	gauge(ch, latencyDesc, e.AverageLatency(), name)

	counter(ch, cacheEventsDesc, s.CMT.Hits, name, "cmt", "hit")
	counter(ch, cacheEventsDesc, s.CMT.Misses, name, "cmt", "miss")
	counter(ch, cacheEventsDesc, s.CMT.Evictions, name, "cmt", "eviction")
	counter(ch, cacheEventsDesc, s.CMT.DirtyEvictions,
		name, "cmt", "dirty_eviction")
	gauge(ch, hitRatioDesc, s.CMT.HitRatio(), name, "cmt")

	bc := s.BufferCache
	counter(ch, cacheEventsDesc, bc.Hits, name, "buffer_cache", "hit")
	counter(ch, cacheEventsDesc, bc.Misses, name, "buffer_cache", "miss")
	counter(ch, cacheEventsDesc, bc.FlashReads,
		name, "buffer_cache", "flash_read")
	counter(ch, cacheEventsDesc, bc.Sweeps, name, "buffer_cache", "sweep")
	counter(ch, cacheEventsDesc, bc.Evictions,
		name, "buffer_cache", "eviction")
	counter(ch, cacheEventsDesc, bc.DirtyEvictions,
		name, "buffer_cache", "dirty_eviction")
	gauge(ch, hitRatioDesc, bc.HitRatio(), name, "buffer_cache")

	gauge(ch, lockedDesc, float64(s.LockedPages), name)
	gauge(ch, freePagesDesc, float64(s.FreePages), name)
	gauge(ch, invalidDesc, float64(s.InvalidSubPages), name)
}

func collectDevice(ch chan<- prometheus.Metric, name string, s nand.Stats) {
	counter(ch, flashCmdsDesc, s.Reads, name, "read")
	counter(ch, flashCmdsDesc, s.Writes, name, "write")
	counter(ch, flashCmdsDesc, s.Erases, name, "erase")
	counter(ch, flashSectorsDesc, s.SectorsRead, name, "read")
	counter(ch, flashSectorsDesc, s.SectorsWritten, name, "written")
}

// NewRegistry creates a registry with the collector and the Go runtime and
// process collectors.
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return reg
}

// Handler serves the metrics of a registry in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
