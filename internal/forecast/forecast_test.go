package forecast

import (
	"math/rand"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
	"github.com/vnfmesh/sfc-orchestrator/internal/scraper"
	"github.com/vnfmesh/sfc-orchestrator/pkg/metrics"
)

func TestForecast(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Forecast Suite")
}

func newTestEngine(cfg Config) *Engine {
	reg := metrics.NewRegistry(zap.NewNop())
	ins, err := metrics.NewInstruments(reg)
	Expect(err).NotTo(HaveOccurred())
	return NewEngine(cfg, ins, zap.NewNop())
}

var _ = Describe("Engine", func() {
	var engine *Engine

	BeforeEach(func() {
		engine = newTestEngine(DefaultConfig())
	})

	It("returns no forecast below the window size", func() {
		_, err := engine.Forecast(model.VNFFirewall, scraper.MetricCPU, []float64{1, 2, 3, 4, 5})
		Expect(model.CodeOf(err)).To(Equal(model.ErrCodeForecastUnavailable))
	})

	It("forecasts a constant series as itself with zero-width bounds", func() {
		series := make([]float64, 20)
		for i := range series {
			series[i] = 37
		}
		res, err := engine.Forecast(model.VNFFirewall, scraper.MetricCPU, series)
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Points).To(HaveLen(3))
		for i := range res.Points {
			Expect(res.Points[i]).To(Equal(37.0))
			Expect(res.Lower[i]).To(Equal(37.0))
			Expect(res.Upper[i]).To(Equal(37.0))
		}
	})

	It("projects a sharp linear ramp past the scale-out threshold", func() {
		series := make([]float64, 0, 20)
		for i := 0; i < 14; i++ {
			series = append(series, 30+float64(i%2))
		}
		for i := 1; i <= 6; i++ {
			series = append(series, 30+float64(i)*10)
		}

		res, err := engine.Forecast(model.VNFFirewall, scraper.MetricCPU, series)
		Expect(err).NotTo(HaveOccurred())

		last := len(res.Points) - 1
		Expect(res.Points[last]).To(BeNumerically(">", 80))
		Expect(res.Lower[last]).To(BeNumerically(">", 70))
	})

	It("keeps bands ordered around the point forecast", func() {
		rng := rand.New(rand.NewSource(7))
		series := make([]float64, 30)
		for i := range series {
			series[i] = 50 + 5*rng.NormFloat64()
		}
		res, err := engine.Forecast(model.VNFFirewall, scraper.MetricCPU, series)
		Expect(err).NotTo(HaveOccurred())
		for i := range res.Points {
			Expect(res.Lower[i]).To(BeNumerically("<=", res.Points[i]))
			Expect(res.Upper[i]).To(BeNumerically(">=", res.Points[i]))
		}
	})

	It("covers a stationary Gaussian series within the calibrated band", func() {
		// Property: over iid Gaussian data the empirical coverage of
		// the 95% interval stays in [0.9, 0.99].
		rng := rand.New(rand.NewSource(42))
		const n = 400
		series := make([]float64, n)
		for i := range series {
			series[i] = 100 + 4*rng.NormFloat64()
		}

		cfg := DefaultConfig()
		cfg.WindowSize = 40
		engine := newTestEngine(cfg)

		covered, trials := 0, 0
		for end := cfg.WindowSize; end < n; end += 2 {
			window := series[:end]
			actual := series[end]

			res, err := engine.Forecast(model.VNFFirewall, scraper.MetricCPU, window)
			if err != nil {
				continue
			}
			trials++
			if actual >= res.Lower[0] && actual <= res.Upper[0] {
				covered++
			}
		}

		Expect(trials).To(BeNumerically(">", 50))
		coverage := float64(covered) / float64(trials)
		Expect(coverage).To(BeNumerically(">=", 0.90))
		Expect(coverage).To(BeNumerically("<=", 0.99))
	})
})

var _ = Describe("Order selection", func() {
	It("prefers the smaller model within the AIC tie window", func() {
		small := &Model{Order: Order{P: 1, D: 0, Q: 0}, AIC: 100.2}
		large := &Model{Order: Order{P: 3, D: 0, Q: 2}, AIC: 100.0}
		Expect(better(small, large, 0.5)).To(BeTrue())

		clearlyBetter := &Model{Order: Order{P: 3, D: 0, Q: 2}, AIC: 90.0}
		Expect(better(clearlyBetter, small, 0.5)).To(BeTrue())
	})
})

var _ = Describe("Stationarity helpers", func() {
	It("accepts white noise and rejects a random walk", func() {
		rng := rand.New(rand.NewSource(3))
		noise := make([]float64, 60)
		walk := make([]float64, 60)
		level := 0.0
		for i := range noise {
			noise[i] = rng.NormFloat64()
			level += rng.NormFloat64()
			walk[i] = level
		}
		Expect(adfStationary(noise)).To(BeTrue())
		Expect(adfStationary(walk)).To(BeFalse())
	})

	It("finds a planted seasonal period", func() {
		series := make([]float64, 40)
		for i := range series {
			series[i] = []float64{0, 5, 10, 5}[i%4]
		}
		Expect(estimateSeason(series)).To(Equal(4))
	})
})
