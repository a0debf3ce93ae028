package monitoring

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
)

type sampleComponent struct {
	name  string
	level int
}

func (c *sampleComponent) Name() string {
	return c.name
}

type fixedTime float64

func (t fixedTime) Now() float64 {
	return float64(t)
}

var _ = Describe("Monitor", func() {
	var (
		m *Monitor
	)

	BeforeEach(func() {
		m = NewMonitor()
	})

	get := func(url string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, url, nil)
		m.router().ServeHTTP(rec, req)

		return rec
	}

	It("should list registered components", func() {
		m.RegisterComponent(&sampleComponent{name: "FTL.CMT"})
		m.RegisterComponent(&sampleComponent{name: "FTL.Engine"})

		rec := get("/api/list_components")

		var names []string
		Expect(json.Unmarshal(rec.Body.Bytes(), &names)).To(Succeed())
		Expect(names).To(Equal([]string{"FTL.CMT", "FTL.Engine"}))
	})

	It("should refuse duplicated component names", func() {
		m.RegisterComponent(&sampleComponent{name: "FTL.CMT"})

		Expect(func() {
			m.RegisterComponent(&sampleComponent{name: "FTL.CMT"})
		}).To(Panic())
	})

	It("should serialize a component", func() {
		m.RegisterComponent(&sampleComponent{name: "FTL.CMT", level: 3})

		rec := get("/api/component/FTL.CMT")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.Len()).To(BeNumerically(">", 0))
	})

	It("should report unknown components", func() {
		rec := get("/api/component/FTL.Nothing")

		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("should report the time and the pause state", func() {
		m.RegisterTimeTeller(fixedTime(42))
		m.Pause()

		rec := get("/api/now")

		var rsp nowRsp
		Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())
		Expect(rsp.Now).To(Equal(42.0))
		Expect(rsp.Paused).To(BeTrue())
	})

	Context("buffers", func() {
		BeforeEach(func() {
			m.RegisterBuffer(NewBufferProbe("pool",
				func() int { return 2 }, 8))
			m.RegisterBuffer(NewBufferProbe("write_buffer",
				func() int { return 3 }, 4))
			m.RegisterBuffer(NewBufferProbe("cmt",
				func() int { return 6 }, 100))
		})

		decode := func(rec *httptest.ResponseRecorder) []bufferRsp {
			var rsp []bufferRsp
			Expect(json.Unmarshal(rec.Body.Bytes(), &rsp)).To(Succeed())

			return rsp
		}

		It("should sort by percent by default", func() {
			rsp := decode(get("/api/hangdetector/buffers"))

			Expect(rsp).To(HaveLen(3))
			Expect(rsp[0].Buffer).To(Equal("write_buffer"))
			Expect(rsp[1].Buffer).To(Equal("pool"))
			Expect(rsp[2].Buffer).To(Equal("cmt"))
		})

		It("should sort by level", func() {
			rsp := decode(get("/api/hangdetector/buffers?sort=level&limit=2"))

			Expect(rsp).To(HaveLen(2))
			Expect(rsp[0].Buffer).To(Equal("cmt"))
			Expect(rsp[0].Level).To(Equal(6))
			Expect(rsp[1].Buffer).To(Equal("write_buffer"))
		})

		It("should apply the offset", func() {
			rsp := decode(get("/api/hangdetector/buffers?offset=2&limit=5"))

			Expect(rsp).To(HaveLen(1))
			Expect(rsp[0].Buffer).To(Equal("cmt"))
		})

		It("should reject bad parameters", func() {
			Expect(get("/api/hangdetector/buffers?sort=size").Code).
				To(Equal(http.StatusBadRequest))
			Expect(get("/api/hangdetector/buffers?limit=x").Code).
				To(Equal(http.StatusBadRequest))
		})
	})

	It("should list and complete progress bars", func() {
		bar := m.CreateProgressBar("requests", 10)
		bar.Start(3)
		bar.Finish(2)
		bar.Finish(4)

		var bars []progressRsp
		Expect(json.Unmarshal(get("/api/progress").Body.Bytes(), &bars)).
			To(Succeed())
		Expect(bars).To(HaveLen(1))
		Expect(bars[0].ID).To(Equal(bar.ID()))
		Expect(bars[0].Name).To(Equal("requests"))
		Expect(bars[0].Total).To(Equal(uint64(10)))
		Expect(bars[0].Finished).To(Equal(uint64(6)))
		Expect(bars[0].InProgress).To(Equal(uint64(0)))

		m.CompleteProgressBar(bar)

		Expect(get("/api/progress").Body.String()).To(Equal("[]"))
	})

	It("should serve metrics when a registry is registered", func() {
		Expect(get("/metrics").Code).ToNot(Equal(http.StatusOK))

		reg := prometheus.NewRegistry()
		counter := prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sample_total",
			Help: "A sample counter.",
		})
		reg.MustRegister(counter)
		counter.Add(3)
		m.RegisterMetrics(reg)

		rec := get("/metrics")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(ContainSubstring("sample_total 3"))
	})

	It("should serve the dashboard", func() {
		rec := get("/")

		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(HavePrefix("<!DOCTYPE html>"))
	})

	Context("pausing", func() {
		run := func(steps chan<- int, n int) {
			for i := 0; i < n; i++ {
				m.Step(func() { steps <- i })
			}
		}

		It("should run freely when not paused", func() {
			steps := make(chan int, 3)
			run(steps, 3)

			Expect(steps).To(HaveLen(3))
		})

		It("should hold steps while paused", func() {
			steps := make(chan int, 3)
			m.Pause()

			go run(steps, 3)

			Consistently(steps).ShouldNot(Receive())

			Expect(get("/api/step").Code).To(Equal(http.StatusOK))
			Eventually(steps).Should(Receive(Equal(0)))
			Consistently(steps).ShouldNot(Receive())

			Expect(get("/api/continue").Code).To(Equal(http.StatusOK))
			Eventually(steps).Should(Receive(Equal(1)))
			Eventually(steps).Should(Receive(Equal(2)))
		})

		It("should not step a running simulation", func() {
			Expect(get("/api/step").Code).To(Equal(http.StatusConflict))
		})

		It("should pause through the API", func() {
			Expect(get("/api/pause").Code).To(Equal(http.StatusOK))
			Expect(m.IsPaused()).To(BeTrue())
		})
	})
})
