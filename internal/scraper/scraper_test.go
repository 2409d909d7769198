package scraper

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/driver"
	"github.com/vnfmesh/sfc-orchestrator/internal/model"
	"github.com/vnfmesh/sfc-orchestrator/pkg/metrics"
)

func TestScraper(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Scraper Suite")
}

var _ = Describe("Series", func() {
	It("drops samples beyond the window", func() {
		s := NewSeries(3)
		base := time.Now()
		for i := 0; i < 5; i++ {
			Expect(s.Append(base.Add(time.Duration(i)*time.Second), float64(i))).To(BeTrue())
		}
		Expect(s.Values()).To(Equal([]float64{2, 3, 4}))
	})

	It("rejects non-monotonic timestamps", func() {
		s := NewSeries(10)
		base := time.Now()
		Expect(s.Append(base, 1)).To(BeTrue())
		Expect(s.Append(base, 2)).To(BeFalse())
		Expect(s.Append(base.Add(-time.Second), 3)).To(BeFalse())
		Expect(s.Append(base.Add(time.Second), 4)).To(BeTrue())
		Expect(s.Values()).To(Equal([]float64{1, 4}))
	})
})

var _ = Describe("ParseExposition", func() {
	It("decodes the placeholder VNF families", func() {
		raw := []byte("# TYPE vnf_cpu_percent gauge\nvnf_cpu_percent 42.5\n" +
			"# TYPE vnf_memory_percent gauge\nvnf_memory_percent 61\n" +
			"# TYPE vnf_processing_latency_ms gauge\nvnf_processing_latency_ms 120\n" +
			"# TYPE vnf_throughput_rps gauge\nvnf_throughput_rps 9\n")

		m, err := ParseExposition(raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(m.CPUPercent).To(Equal(42.5))
		Expect(m.MemoryPercent).To(Equal(61.0))
		Expect(m.LatencyMs).To(Equal(120.0))
		Expect(m.Throughput).To(Equal(9.0))
	})

	It("fails on malformed expositions", func() {
		_, err := ParseExposition([]byte("vnf_cpu_percent {{{"))
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Scraper", func() {
	var (
		runtime *driver.LocalRuntime
		drv     *driver.Driver
		history *History
		scr     *Scraper
		ins     *metrics.Instruments
		ctx     context.Context
	)

	BeforeEach(func() {
		ctx = context.Background()
		runtime = driver.NewLocalRuntime()
		drv = driver.NewDriver(runtime, driver.Options{HealthCheckTimeout: 5 * time.Second}, zap.NewNop())
		history = NewHistory(20)

		reg := metrics.NewRegistry(zap.NewNop())
		var err error
		ins, err = metrics.NewInstruments(reg)
		Expect(err).NotTo(HaveOccurred())

		scr = New(drv, history, ins, Config{
			Types:            []model.VNFType{model.VNFFirewall},
			Interval:         time.Second,
			FailureThreshold: 3,
		}, zap.NewNop())
	})

	activeInstance := func() model.Instance {
		inst, err := drv.Create(ctx, model.VNFFirewall)
		Expect(err).NotTo(HaveOccurred())
		Expect(drv.WaitActive(ctx, inst.ID)).To(Succeed())
		return inst
	}

	It("averages cpu/memory/latency and sums throughput across instances", func() {
		i1 := activeInstance()
		i2 := activeInstance()
		runtime.SetLoad(i1.ID, 40, 50, 100, 5)
		runtime.SetLoad(i2.ID, 60, 70, 300, 7)

		scr.ScrapeOnce(ctx)

		agg, ok := history.Aggregates(model.VNFFirewall)
		Expect(ok).To(BeTrue())
		Expect(agg[MetricCPU]).To(BeNumerically("~", 50, 1e-9))
		Expect(agg[MetricMemory]).To(BeNumerically("~", 60, 1e-9))
		Expect(agg[MetricLatency]).To(BeNumerically("~", 200, 1e-9))
		Expect(agg[MetricThroughput]).To(BeNumerically("~", 12, 1e-9))
	})

	It("marks an instance unhealthy after consecutive scrape failures", func() {
		inst := activeInstance()

		// Destroying the backing container makes the scrape hook fail
		// while the driver still lists the instance.
		Expect(runtime.Destroy(ctx, inst.ID)).To(Succeed())

		for i := 0; i < 3; i++ {
			scr.ScrapeOnce(ctx)
		}
		Expect(scr.Unhealthy(inst.ID)).To(BeTrue())
	})

	It("records per-instance gauges on scrape", func() {
		inst := activeInstance()
		runtime.SetLoad(inst.ID, 33, 44, 55, 1)

		scr.ScrapeOnce(ctx)

		got, ok := drv.Get(inst.ID)
		Expect(ok).To(BeTrue())
		Expect(got.Metrics.CPUPercent).To(Equal(33.0))
		Expect(got.Metrics.MemoryPercent).To(Equal(44.0))
	})
})
