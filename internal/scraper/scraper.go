// Package scraper pulls per-instance metrics through the instance driver's
// scrape hook, aggregates them per VNF type, and feeds the metrics
// registry and the forecasting history.
package scraper

import (
	"bytes"
	"context"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/driver"
	"github.com/vnfmesh/sfc-orchestrator/internal/model"
	"github.com/vnfmesh/sfc-orchestrator/pkg/metrics"
)

// Exposition family names a placeholder VNF publishes.
const (
	familyCPU        = "vnf_cpu_percent"
	familyMemory     = "vnf_memory_percent"
	familyLatency    = "vnf_processing_latency_ms"
	familyThroughput = "vnf_throughput_rps"
)

// Scraper is the periodic metrics collector.
type Scraper struct {
	drv       *driver.Driver
	types     []model.VNFType
	history   *History
	ins       *metrics.Instruments
	interval  time.Duration
	failLimit int
	logger    *zap.Logger

	failures map[string]int
	remote   *RemoteReader
}

type Config struct {
	Types            []model.VNFType
	Interval         time.Duration
	FailureThreshold int
}

func New(drv *driver.Driver, history *History, ins *metrics.Instruments, cfg Config, logger *zap.Logger) *Scraper {
	if cfg.Interval == 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	return &Scraper{
		drv:       drv,
		types:     cfg.Types,
		history:   history,
		ins:       ins,
		interval:  cfg.Interval,
		failLimit: cfg.FailureThreshold,
		logger:    logger,
		failures:  make(map[string]int),
	}
}

// WithRemote attaches an external metric-store reader used as a secondary
// source for process-level series.
func (s *Scraper) WithRemote(r *RemoteReader) *Scraper {
	s.remote = r
	return s
}

// Start runs the scrape loop until the context is cancelled.
func (s *Scraper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.ScrapeOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.ScrapeOnce(ctx)
		}
	}
}

// ScrapeOnce collects one round of per-instance samples and records the
// per-type aggregates. Exposed so the self-tests and the control loop can
// force a collection.
func (s *Scraper) ScrapeOnce(ctx context.Context) {
	now := time.Now()
	for _, t := range s.types {
		var (
			cpuSum, memSum, latSum, tputSum float64
			healthy                         int
		)

		for _, inst := range s.drv.List(t) {
			if inst.State != model.StateActive && inst.State != model.StateDraining {
				continue
			}

			m, err := s.scrapeInstance(ctx, inst.ID)
			if err != nil {
				s.failures[inst.ID]++
				if s.failures[inst.ID] == s.failLimit {
					s.logger.Warn("Instance unhealthy, excluding from aggregates",
						zap.String("vnf_type", string(t)),
						zap.String("instance_id", inst.ID),
						zap.Int("consecutive_failures", s.failures[inst.ID]),
					)
				}
				continue
			}
			s.failures[inst.ID] = 0
			m.ScrapedAt = now
			s.drv.SetMetrics(inst.ID, m)

			s.ins.VNFCPUUsage.WithLabelValues(string(t), inst.ID).Set(m.CPUPercent)
			s.ins.VNFMemoryUsage.WithLabelValues(string(t), inst.ID).Set(m.MemoryPercent)
			s.ins.ProcessingLatency.WithLabelValues(string(t), inst.ID).Observe(m.LatencyMs)

			cpuSum += m.CPUPercent
			memSum += m.MemoryPercent
			latSum += m.LatencyMs
			tputSum += m.Throughput
			healthy++
		}

		s.ins.VNFInstances.WithLabelValues(string(t)).Set(float64(s.drv.CountServing(t)))

		if healthy == 0 {
			continue
		}
		n := float64(healthy)
		s.history.Record(t, MetricCPU, now, cpuSum/n)
		s.history.Record(t, MetricMemory, now, memSum/n)
		s.history.Record(t, MetricLatency, now, latSum/n)
		s.history.Record(t, MetricThroughput, now, tputSum)
	}
}

// Unhealthy reports whether an instance has crossed the consecutive
// probe-failure threshold.
func (s *Scraper) Unhealthy(instanceID string) bool {
	return s.failures[instanceID] >= s.failLimit
}

func (s *Scraper) scrapeInstance(ctx context.Context, id string) (model.InstanceMetrics, error) {
	scrapeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	raw, err := s.drv.RawMetrics(scrapeCtx, id)
	if err != nil {
		return model.InstanceMetrics{}, err
	}
	return ParseExposition(raw)
}

// ParseExposition decodes a text exposition into the instance metric
// record. Unknown families are ignored.
func ParseExposition(raw []byte) (model.InstanceMetrics, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(bytes.NewReader(raw))
	if err != nil {
		return model.InstanceMetrics{}, model.NewError(model.ErrCodeTransientIO, "bad exposition").WithCause(err)
	}

	var out model.InstanceMetrics
	read := func(name string) (float64, bool) {
		fam, ok := families[name]
		if !ok || len(fam.Metric) == 0 {
			return 0, false
		}
		return sampleValue(fam.Metric[0], fam.GetType()), true
	}

	if v, ok := read(familyCPU); ok {
		out.CPUPercent = v
	}
	if v, ok := read(familyMemory); ok {
		out.MemoryPercent = v
	}
	if v, ok := read(familyLatency); ok {
		out.LatencyMs = v
	}
	if v, ok := read(familyThroughput); ok {
		out.Throughput = v
	}
	return out, nil
}

func sampleValue(m *dto.Metric, kind dto.MetricType) float64 {
	switch kind {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_UNTYPED:
		return m.GetUntyped().GetValue()
	default:
		return 0
	}
}
