package core

import (
	"os"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	"github.com/onsi/gomega"
)

func TestConfig(t *testing.T) {
	gomega.RegisterFailHandler(Fail)
	RunSpecs(t, "Config Suite")
}

var _ = Describe("Config", func() {
	Describe("defaults", func() {
		It("validates out of the box", func() {
			gomega.Expect(Default().Validate()).To(gomega.Succeed())
		})

		It("carries the documented orchestration defaults", func() {
			c := Default()
			gomega.Expect(c.MinInstances).To(gomega.Equal(1))
			gomega.Expect(c.MaxInstances).To(gomega.Equal(5))
			gomega.Expect(c.Forecasting.WindowSize).To(gomega.Equal(20))
			gomega.Expect(c.Forecasting.ForecastSteps).To(gomega.Equal(3))
			gomega.Expect(c.ControlLoop.Cooldown).To(gomega.Equal(120))
			gomega.Expect(c.ScalingThresholds.CPU.Upper).To(gomega.Equal(80.0))
			gomega.Expect(c.ScalingThresholds.Latency.Lower).To(gomega.Equal(200.0))
			gomega.Expect(c.DRL.Reward.Satisfied).To(gomega.Equal(2.0))
			gomega.Expect(c.DRL.Reward.Dropped).To(gomega.Equal(-1.5))
		})
	})

	Describe("ParseConfig", func() {
		It("accepts recognized keys", func() {
			cfg, err := ParseConfig([]byte(`
min_instances: 2
max_instances: 4
forecasting:
  window_size: 30
control_loop:
  cooldown: 60
`))
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(cfg.MinInstances).To(gomega.Equal(2))
			gomega.Expect(cfg.Forecasting.WindowSize).To(gomega.Equal(30))
			gomega.Expect(cfg.ControlLoop.Cooldown).To(gomega.Equal(60))
			// Untouched sections keep their defaults.
			gomega.Expect(cfg.HTTP.MetricsPort).To(gomega.Equal(9090))
		})

		It("rejects unrecognized keys at startup", func() {
			_, err := ParseConfig([]byte("not_a_real_key: 1\n"))
			gomega.Expect(err).To(gomega.HaveOccurred())

			_, err = ParseConfig([]byte("forecasting:\n  windowsize: 20\n"))
			gomega.Expect(err).To(gomega.HaveOccurred())
		})

		It("rejects chains referencing unknown types", func() {
			_, err := ParseConfig([]byte(`
vnf_types: [firewall]
sfc_request_types:
  inbound_user_protection:
    chain: [firewall, dnsfilter]
    direction: inbound
`))
			gomega.Expect(err).To(gomega.HaveOccurred())
		})

		It("rejects inverted instance bounds", func() {
			_, err := ParseConfig([]byte("min_instances: 4\nmax_instances: 2\n"))
			gomega.Expect(err).To(gomega.HaveOccurred())
		})

		It("rejects inverted threshold bands", func() {
			_, err := ParseConfig([]byte(`
scaling_thresholds:
  cpu:
    upper: 20
    lower: 80
`))
			gomega.Expect(err).To(gomega.HaveOccurred())
		})

		It("requires storage coordinates when storage is enabled", func() {
			_, err := ParseConfig([]byte("storage:\n  enabled: true\n"))
			gomega.Expect(err).To(gomega.HaveOccurred())
		})
	})

	Describe("environment overrides", func() {
		It("prefers SFC_ variables over file values", func() {
			os.Setenv("SFC_LOG_LEVEL", "debug")
			defer os.Unsetenv("SFC_LOG_LEVEL")

			cfg, err := ParseConfig([]byte("app:\n  log_level: warn\n"))
			gomega.Expect(err).NotTo(gomega.HaveOccurred())
			gomega.Expect(cfg.App.LogLevel).To(gomega.Equal("debug"))
		})
	})

	Describe("GetDatabaseURL", func() {
		It("renders a pgx connection string", func() {
			c := Default()
			c.Storage.Host = "db"
			c.Storage.Port = 5432
			c.Storage.User = "sfc"
			c.Storage.Password = "secret"
			c.Storage.DBName = "orchestrator"
			gomega.Expect(c.GetDatabaseURL()).To(gomega.Equal(
				"postgres://sfc:secret@db:5432/orchestrator?sslmode=disable&pool_max_conns=25"))
		})
	})
})
