// Package monitoring turns a simulation run into a web server that shows the
// state of the FTL and lets a user pause and step the run.
package monitoring

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/ftl/hooking"
	"github.com/sarchlab/ftl/monitoring/web"
)

// A Buffer is a bounded container whose fill level the monitor reports.
type Buffer interface {
	Name() string
	Size() int
	Capacity() int
}

type bufferProbe struct {
	name     string
	size     func() int
	capacity int
}

func (p bufferProbe) Name() string  { return p.name }
func (p bufferProbe) Size() int     { return p.size() }
func (p bufferProbe) Capacity() int { return p.capacity }

// NewBufferProbe creates a Buffer whose level is read through size.
func NewBufferProbe(name string, size func() int, capacity int) Buffer {
	return bufferProbe{name: name, size: size, capacity: capacity}
}

// Monitor can turn a simulation into a server and allows external monitoring
// and controlling of the simulation.
//
// The simulation advances only through Step. Step waits while the monitor is
// paused, and the handlers that inspect components never run concurrently
// with a step.
type Monitor struct {
	timeTeller  hooking.TimeTeller
	components  []hooking.Named
	buffers     []Buffer
	registry    *prometheus.Registry
	portNumber  int
	openBrowser bool
	url         string

	runLock sync.Mutex

	pauseLock sync.Mutex
	resumed   *sync.Cond
	paused    bool
	allowance int

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor.
func NewMonitor() *Monitor {
	m := &Monitor{}
	m.resumed = sync.NewCond(&m.pauseLock)

	return m
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n",
			portNumber)

		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the dashboard in a browser.
func (m *Monitor) WithBrowser() *Monitor {
	m.openBrowser = true
	return m
}

// RegisterTimeTeller sets the clock that the monitor reports.
func (m *Monitor) RegisterTimeTeller(t hooking.TimeTeller) {
	m.timeTeller = t
}

// RegisterMetrics exposes the registry at /metrics.
func (m *Monitor) RegisterMetrics(reg *prometheus.Registry) {
	m.registry = reg
}

// RegisterComponent registers a component to be monitored. Components are
// identified by name.
func (m *Monitor) RegisterComponent(c hooking.Named) {
	for _, registered := range m.components {
		if registered.Name() == c.Name() {
			panic("component " + c.Name() + " already registered")
		}
	}

	m.components = append(m.components, c)
}

// RegisterBuffer registers a container whose occupancy is reported.
func (m *Monitor) RegisterBuffer(b Buffer) {
	m.buffers = append(m.buffers, b)
}

// Step runs f unless the monitor is paused, in which case it waits for the
// user to continue or step the run.
func (m *Monitor) Step(f func()) {
	m.pauseLock.Lock()
	for m.paused && m.allowance == 0 {
		m.resumed.Wait()
	}

	if m.paused {
		m.allowance--
	}
	m.pauseLock.Unlock()

	m.runLock.Lock()
	defer m.runLock.Unlock()

	f()
}

// Pause stops the run before its next step.
func (m *Monitor) Pause() {
	m.pauseLock.Lock()
	defer m.pauseLock.Unlock()

	m.paused = true
	m.allowance = 0
}

// Continue resumes a paused run.
func (m *Monitor) Continue() {
	m.pauseLock.Lock()
	defer m.pauseLock.Unlock()

	m.paused = false
	m.allowance = 0
	m.resumed.Broadcast()
}

// AllowStep lets a paused run take one more step.
func (m *Monitor) AllowStep() {
	m.pauseLock.Lock()
	defer m.pauseLock.Unlock()

	if !m.paused {
		return
	}

	m.allowance++
	m.resumed.Broadcast()
}

// IsPaused tells if the run is paused.
func (m *Monitor) IsPaused() bool {
	m.pauseLock.Lock()
	defer m.pauseLock.Unlock()

	return m.paused
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := newProgressBar(name, total)

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

// URL returns the address of the dashboard once the server started.
func (m *Monitor) URL() string {
	return m.url
}

func (m *Monitor) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/pause", m.pauseEngine)
	r.HandleFunc("/api/continue", m.continueEngine)
	r.HandleFunc("/api/step", m.step)
	r.HandleFunc("/api/now", m.now)
	r.HandleFunc("/api/list_components", m.listComponents)
	r.HandleFunc("/api/component/{name}", m.listComponentDetails)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/hangdetector/buffers", m.hangDetectorBuffers)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)

	if m.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(m.registry,
			promhttp.HandlerOpts{}))
	}

	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts the monitor as a web server.
func (m *Monitor) StartServer() {
	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.url = fmt.Sprintf("http://localhost:%d",
		listener.Addr().(*net.TCPAddr).Port)

	fmt.Fprintf(os.Stderr, "Monitoring simulation with %s\n", m.url)

	r := m.router()

	go func() {
		err := http.Serve(listener, r)
		dieOnErr(err)
	}()

	if m.openBrowser {
		err = browser.OpenURL(m.url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Cannot open a browser: %v\n", err)
		}
	}
}

func (m *Monitor) pauseEngine(w http.ResponseWriter, _ *http.Request) {
	m.Pause()
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) continueEngine(w http.ResponseWriter, _ *http.Request) {
	m.Continue()
	w.WriteHeader(http.StatusOK)
}

func (m *Monitor) step(w http.ResponseWriter, _ *http.Request) {
	if !m.IsPaused() {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, "the run is not paused")

		return
	}

	m.AllowStep()
	w.WriteHeader(http.StatusOK)
}

type nowRsp struct {
	Now    float64 `json:"now"`
	Paused bool    `json:"paused"`
}

func (m *Monitor) now(w http.ResponseWriter, _ *http.Request) {
	rsp := nowRsp{Paused: m.IsPaused()}

	if m.timeTeller != nil {
		m.runLock.Lock()
		rsp.Now = m.timeTeller.Now()
		m.runLock.Unlock()
	}

	writeJSON(w, rsp)
}

func (m *Monitor) listComponents(w http.ResponseWriter, _ *http.Request) {
	names := make([]string, 0, len(m.components))
	for _, c := range m.components {
		names = append(names, c.Name())
	}

	writeJSON(w, names)
}

func (m *Monitor) listComponentDetails(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	component := m.findComponentOr404(w, name)
	if component == nil {
		return
	}

	m.runLock.Lock()
	defer m.runLock.Unlock()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)
	dieOnErr(err)
}

type fieldReq struct {
	CompName  string `json:"comp_name,omitempty"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	component := m.findComponentOr404(w, req.CompName)
	if component == nil {
		return
	}

	m.runLock.Lock()
	defer m.runLock.Unlock()

	serializer := goseth.NewSerializer()
	serializer.SetRoot(component)
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

type bufferRsp struct {
	Buffer string `json:"buffer"`
	Level  int    `json:"level"`
	Cap    int    `json:"cap"`
}

func (m *Monitor) hangDetectorBuffers(w http.ResponseWriter, r *http.Request) {
	sortMethod, limit, offset, err := buffersParseParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	m.runLock.Lock()
	levels := m.bufferLevels()
	m.runLock.Unlock()

	writeJSON(w, sortAndSelectBuffers(levels, sortMethod, limit, offset))
}

func (m *Monitor) bufferLevels() []bufferRsp {
	levels := make([]bufferRsp, 0, len(m.buffers))
	for _, b := range m.buffers {
		levels = append(levels, bufferRsp{
			Buffer: b.Name(),
			Level:  b.Size(),
			Cap:    b.Capacity(),
		})
	}

	return levels
}

func buffersParseParams(
	r *http.Request,
) (sortMethod string, limit, offset int, err error) {
	sortMethod = r.URL.Query().Get("sort")
	if sortMethod == "" {
		sortMethod = "percent"
	}

	if sortMethod != "level" && sortMethod != "percent" {
		return "", 0, 0, fmt.Errorf(
			"invalid sort method: %s. Allowed values are `level` and `percent`",
			sortMethod)
	}

	limit, err = intParam(r, "limit")
	if err != nil {
		return "", 0, 0, err
	}

	offset, err = intParam(r, "offset")
	if err != nil {
		return "", 0, 0, err
	}

	if limit < 0 || offset < 0 {
		return "", 0, 0, errors.New("limit and offset cannot be negative")
	}

	return sortMethod, limit, offset, nil
}

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}

	return strconv.Atoi(s)
}

func bufferPercent(b bufferRsp) float64 {
	if b.Cap == 0 {
		return 0
	}

	return float64(b.Level) / float64(b.Cap)
}

// sortAndSelectBuffers orders the buffers and returns limit of them starting
// at offset. A zero limit returns the rest.
func sortAndSelectBuffers(
	buffers []bufferRsp,
	sortMethod string,
	limit, offset int,
) []bufferRsp {
	byLevel := func(i, j int) int {
		return buffers[i].Level - buffers[j].Level
	}
	byPercent := func(i, j int) int {
		pi, pj := bufferPercent(buffers[i]), bufferPercent(buffers[j])
		switch {
		case pi > pj:
			return 1
		case pi < pj:
			return -1
		}

		return 0
	}

	first, second := byPercent, byLevel
	if sortMethod == "level" {
		first, second = byLevel, byPercent
	}

	sort.SliceStable(buffers, func(i, j int) bool {
		if c := first(i, j); c != 0 {
			return c > 0
		}

		return second(i, j) > 0
	})

	if offset > len(buffers) {
		offset = len(buffers)
	}

	end := len(buffers)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return buffers[offset:end]
}

func (m *Monitor) findComponentOr404(
	w http.ResponseWriter,
	name string,
) hooking.Named {
	for _, c := range m.components {
		if c.Name() == name {
			return c
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Component not found"))
	dieOnErr(err)

	return nil
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	now := time.Now()
	bars := make([]progressRsp, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		bars = append(bars, b.snapshot(now))
	}

	writeJSON(w, bars)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	dieOnErr(err)

	cpuPercent, err := proc.CPUPercent()
	dieOnErr(err)

	memory, err := proc.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memory.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(data)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
