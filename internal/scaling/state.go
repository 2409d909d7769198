package scaling

import (
	"context"
	"math"

	"github.com/vnfmesh/sfc-orchestrator/internal/forecast"
	"github.com/vnfmesh/sfc-orchestrator/internal/scraper"
)

// Headroom reports data-center capacity headroom in [0,1].
type Headroom func(ctx context.Context) (cpu, memory, bandwidth float64)

// PendingCounts reports queued chain requests bucketed by priority band:
// high (8-10), medium (4-7), low (1-3).
type PendingCounts func() (high, medium, low int)

// StateDim returns the fixed agent input dimension for K VNF types:
// 3 headroom values, K instance counts, 3 pending buckets, 4K current
// aggregates, and 2K cpu forecast/uncertainty pairs.
func StateDim(k int) int {
	return 3 + k + 3 + 4*k + 2*k
}

// buildState assembles the normalized agent input vector. Every entry is
// clamped to [0,1] so one runaway metric cannot dominate the encoder.
func (c *Controller) buildState(ctx context.Context) []float64 {
	state := make([]float64, 0, StateDim(len(c.types)))

	cpuHead, memHead, bwHead := 0.8, 0.7, 1.0
	if c.headroom != nil {
		cpuHead, memHead, bwHead = c.headroom(ctx)
	}
	state = append(state, clamp01(cpuHead), clamp01(memHead), clamp01(bwHead))

	for _, t := range c.types {
		state = append(state, clamp01(float64(c.drv.CountServing(t))/float64(c.maxInstances)))
	}

	var high, medium, low int
	if c.pending != nil {
		high, medium, low = c.pending()
	}
	state = append(state,
		clamp01(float64(high)/10),
		clamp01(float64(medium)/10),
		clamp01(float64(low)/10),
	)

	for _, t := range c.types {
		agg, _ := c.history.Aggregates(t)
		state = append(state,
			clamp01(agg[scraper.MetricCPU]/100),
			clamp01(agg[scraper.MetricMemory]/100),
			clamp01(agg[scraper.MetricLatency]/2000),
			clamp01(agg[scraper.MetricThroughput]/1000),
		)
	}

	for _, t := range c.types {
		point, spread := 0.0, 1.0
		series := c.history.Values(t, scraper.MetricCPU)
		if res, err := c.engine.Forecast(t, scraper.MetricCPU, series); err == nil && len(res.Points) > 0 {
			point = clamp01(res.Points[0] / 100)
			spread = clamp01((res.Upper[0] - res.Lower[0]) / 100)
		}
		state = append(state, point, spread)
	}
	return state
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// forecastBreach estimates the probability that any horizon step of one
// metric exceeds its upper threshold, from the forecast's Gaussian bands.
func forecastBreach(res forecast.Result, upper float64) float64 {
	if len(res.Points) == 0 {
		return 0
	}
	z := 1.959963984540054 // matches the default 95% band
	var worst float64
	for i, point := range res.Points {
		se := (res.Upper[i] - point) / z
		var prob float64
		if se <= 0 {
			if point > upper {
				prob = 1
			}
		} else {
			prob = 1 - normalCDF((upper-point)/se)
		}
		if prob > worst {
			worst = prob
		}
	}
	return worst
}

func normalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
