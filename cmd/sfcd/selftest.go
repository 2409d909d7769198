package main

import (
	"context"
	"fmt"
	"time"

	"github.com/vnfmesh/sfc-orchestrator/internal/core"
	"github.com/vnfmesh/sfc-orchestrator/internal/driver"
	"github.com/vnfmesh/sfc-orchestrator/internal/flow"
	"github.com/vnfmesh/sfc-orchestrator/internal/forecast"
	"github.com/vnfmesh/sfc-orchestrator/internal/model"
	"github.com/vnfmesh/sfc-orchestrator/internal/scraper"
	"github.com/vnfmesh/sfc-orchestrator/pkg/logger"
	"github.com/vnfmesh/sfc-orchestrator/pkg/metrics"
)

// testHarness wires a local runtime, driver, flow controller, and scraper
// the way the orchestrator does, with fast timeouts for self tests.
type testHarness struct {
	runtime *driver.LocalRuntime
	drv     *driver.Driver
	flows   *flow.Controller
	history *scraper.History
	scr     *scraper.Scraper
	reg     *metrics.Registry
	ins     *metrics.Instruments
}

func newHarness(config *core.Config) (*testHarness, error) {
	h := &testHarness{}
	h.reg = metrics.NewRegistry(logger.Log)
	ins, err := metrics.NewInstruments(h.reg)
	if err != nil {
		return nil, err
	}
	h.ins = ins

	h.runtime = driver.NewLocalRuntime()
	h.drv = driver.NewDriver(h.runtime, driver.Options{
		HealthCheckTimeout: 5 * time.Second,
		DrainTimeout:       100 * time.Millisecond,
		GracePeriod:        100 * time.Millisecond,
	}, logger.Log)
	h.flows = flow.NewController(h.drv.Get, logger.Log)
	h.drv.OnDrain(func(inst model.Instance) { h.flows.RemoveRulesForInstance(inst.ID) })

	h.history = scraper.NewHistory(config.Forecasting.WindowSize)
	h.scr = scraper.New(h.drv, h.history, ins, scraper.Config{
		Types:    config.Types(),
		Interval: time.Second,
	}, logger.Log)
	return h, nil
}

// selfTestMetrics exercises the registry contract and one scrape round.
func selfTestMetrics(config *core.Config) error {
	h, err := newHarness(config)
	if err != nil {
		return err
	}

	// Idempotent re-registration must return the identical handle.
	c1, err := h.reg.GetOrCreateCounter("selftest_total", []string{"result"}, "self test counter")
	if err != nil {
		return err
	}
	c2, err := h.reg.GetOrCreateCounter("selftest_total", []string{"result"}, "self test counter")
	if err != nil {
		return err
	}
	if c1 != c2 {
		return fmt.Errorf("re-registration returned a different handle")
	}
	if _, err := h.reg.GetOrCreateGauge("selftest_total", []string{"result"}, "wrong kind"); err == nil {
		return fmt.Errorf("incompatible re-registration did not fail")
	}

	ctx := context.Background()
	t := config.Types()[0]
	inst, err := h.drv.Create(ctx, t)
	if err != nil {
		return err
	}
	if err := h.drv.WaitActive(ctx, inst.ID); err != nil {
		return err
	}
	h.runtime.SetLoad(inst.ID, 42, 50, 120, 10)
	h.scr.ScrapeOnce(ctx)

	agg, ok := h.history.Aggregates(t)
	if !ok {
		return fmt.Errorf("no aggregates after scrape")
	}
	if agg[scraper.MetricCPU] != 42 {
		return fmt.Errorf("cpu aggregate = %v, want 42", agg[scraper.MetricCPU])
	}
	return nil
}

// selfTestForecaster validates ramp detection, the constant shortcut, and
// the insufficient-data fallback.
func selfTestForecaster(config *core.Config) error {
	engine := forecast.NewEngine(forecast.DefaultConfig(), mustInstruments(), logger.Log)
	t := model.VNFType("firewall")

	// Steady baseline with a sharp linear ramp at the end.
	series := make([]float64, 0, 20)
	for i := 0; i < 15; i++ {
		series = append(series, 30+float64(i%2)*2)
	}
	for i := 1; i <= 5; i++ {
		series = append(series, 30+float64(i)*12)
	}

	res, err := engine.Forecast(t, scraper.MetricCPU, series)
	if err != nil {
		return fmt.Errorf("ramp forecast unavailable: %w", err)
	}
	if res.Points[len(res.Points)-1] < 80 {
		return fmt.Errorf("ramp forecast %v did not project past the threshold", res.Points)
	}

	constant := make([]float64, 20)
	for i := range constant {
		constant[i] = 55
	}
	res, err = engine.Forecast(t, scraper.MetricMemory, constant)
	if err != nil {
		return err
	}
	if res.Points[0] != 55 || res.Upper[0] != res.Lower[0] {
		return fmt.Errorf("constant series must forecast itself with zero-width bounds")
	}

	if _, err := engine.Forecast(t, scraper.MetricLatency, []float64{1, 2, 3, 4, 5}); err == nil {
		return fmt.Errorf("insufficient data must return no forecast")
	}
	return nil
}

// selfTestScaling runs a scale-out then scale-in round trip against the
// local runtime, checking the rolling-update ordering.
func selfTestScaling(config *core.Config) error {
	h, err := newHarness(config)
	if err != nil {
		return err
	}
	ctx := context.Background()
	t := config.Types()[0]

	first, err := h.drv.Create(ctx, t)
	if err != nil {
		return err
	}
	if err := h.drv.WaitActive(ctx, first.ID); err != nil {
		return err
	}
	if _, err := h.flows.AddRule(t, first.ID, 100, ""); err != nil {
		return err
	}

	second, err := h.drv.Create(ctx, t)
	if err != nil {
		return err
	}
	if err := h.drv.WaitActive(ctx, second.ID); err != nil {
		return err
	}
	if _, err := h.flows.AddRule(t, second.ID, 100, ""); err != nil {
		return err
	}

	if got := len(h.flows.ListRules(t)); got != 2 {
		return fmt.Errorf("expected 2 active rules after scale-out, got %d", got)
	}
	if _, err := h.flows.NextInstance(t); err != nil {
		return fmt.Errorf("load balancer empty mid-update: %w", err)
	}

	if err := h.drv.Drain(ctx, first.ID, 50*time.Millisecond); err != nil {
		return err
	}
	inst, err := h.flows.NextInstance(t)
	if err != nil {
		return fmt.Errorf("no active instance during drain: %w", err)
	}
	if inst.ID != second.ID {
		return fmt.Errorf("balancer routed to draining instance %s", inst.ID)
	}

	time.Sleep(500 * time.Millisecond)
	if got, _ := h.drv.Get(first.ID); got.State != model.StateRemoved {
		return fmt.Errorf("drained instance not removed, state %s", got.State)
	}
	return nil
}

func mustInstruments() *metrics.Instruments {
	reg := metrics.NewRegistry(logger.Log)
	ins, err := metrics.NewInstruments(reg)
	if err != nil {
		panic(err)
	}
	return ins
}
