package metrics

import (
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics Registry Suite")
}

var _ = Describe("Registry", func() {
	var reg *Registry

	BeforeEach(func() {
		reg = NewRegistry(zap.NewNop())
	})

	Describe("GetOrCreate", func() {
		It("returns the identical handle on re-registration with the same schema", func() {
			c1, err := reg.GetOrCreateCounter("requests_total", []string{"outcome"}, "requests")
			Expect(err).NotTo(HaveOccurred())

			c2, err := reg.GetOrCreateCounter("requests_total", []string{"outcome"}, "requests")
			Expect(err).NotTo(HaveOccurred())
			Expect(c1).To(BeIdenticalTo(c2))
		})

		It("rejects re-registration with a different kind", func() {
			_, err := reg.GetOrCreateCounter("mixed_metric", []string{"a"}, "counter first")
			Expect(err).NotTo(HaveOccurred())

			_, err = reg.GetOrCreateGauge("mixed_metric", []string{"a"}, "gauge second")
			Expect(err).To(HaveOccurred())
			Expect(model.CodeOf(err)).To(Equal(model.ErrCodeSchemaMismatch))
		})

		It("rejects re-registration with a different label set", func() {
			_, err := reg.GetOrCreateGauge("labeled", []string{"a", "b"}, "two labels")
			Expect(err).NotTo(HaveOccurred())

			_, err = reg.GetOrCreateGauge("labeled", []string{"a"}, "one label")
			Expect(model.CodeOf(err)).To(Equal(model.ErrCodeSchemaMismatch))
		})

		It("treats label order as part of the same schema", func() {
			g1, err := reg.GetOrCreateGauge("ordered", []string{"x", "y"}, "gauge")
			Expect(err).NotTo(HaveOccurred())

			g2, err := reg.GetOrCreateGauge("ordered", []string{"y", "x"}, "gauge")
			Expect(err).NotTo(HaveOccurred())
			Expect(g1).To(BeIdenticalTo(g2))
		})
	})

	Describe("exposition", func() {
		It("lists one series per label value with the exact count", func() {
			counter, err := reg.GetOrCreateCounter("a", []string{"type"}, "scenario counter")
			Expect(err).NotTo(HaveOccurred())

			counter.WithLabelValues("x").Add(3)
			counter.WithLabelValues("y").Add(3)

			Expect(testutil.ToFloat64(counter.WithLabelValues("x"))).To(Equal(3.0))
			Expect(testutil.ToFloat64(counter.WithLabelValues("y"))).To(Equal(3.0))

			families, err := reg.Gatherer().Gather()
			Expect(err).NotTo(HaveOccurred())

			seriesOfA := 0
			processStartPresent := false
			for _, fam := range families {
				if fam.GetName() == "a" {
					seriesOfA = len(fam.GetMetric())
				}
				if strings.HasPrefix(fam.GetName(), "process_start_time") {
					processStartPresent = true
				}
			}
			Expect(seriesOfA).To(Equal(2))
			Expect(processStartPresent).To(BeTrue())
		})

		It("does not change when get_or_create repeats", func() {
			_, err := reg.GetOrCreateCounter("stable_total", []string{"k"}, "stable")
			Expect(err).NotTo(HaveOccurred())
			before, err := reg.Gatherer().Gather()
			Expect(err).NotTo(HaveOccurred())

			for i := 0; i < 5; i++ {
				_, err := reg.GetOrCreateCounter("stable_total", []string{"k"}, "stable")
				Expect(err).NotTo(HaveOccurred())
			}
			after, err := reg.Gatherer().Gather()
			Expect(err).NotTo(HaveOccurred())
			Expect(len(after)).To(Equal(len(before)))
		})
	})

	Describe("Instruments", func() {
		It("registers the full well-known set once", func() {
			ins, err := NewInstruments(reg)
			Expect(err).NotTo(HaveOccurred())
			Expect(ins.ScalingActions).NotTo(BeNil())

			again, err := NewInstruments(reg)
			Expect(err).NotTo(HaveOccurred())
			Expect(again.ScalingActions).To(BeIdenticalTo(ins.ScalingActions))
		})
	})
})
