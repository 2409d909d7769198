package forecast

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
	"github.com/vnfmesh/sfc-orchestrator/internal/scraper"
	"github.com/vnfmesh/sfc-orchestrator/pkg/metrics"
)

// Config tunes the adaptive forecasting engine.
type Config struct {
	WindowSize    int     // W: samples required before fitting
	ForecastSteps int     // h
	Confidence    float64 // two-sided band level
	PMax, QMax    int     // non-seasonal order search bounds
	MaxDiff       int     // d_max
	MAPEThreshold float64 // drift retrain trigger, percent
	AICEpsilon    float64 // tie-break window for order selection
}

func DefaultConfig() Config {
	return Config{
		WindowSize:    20,
		ForecastSteps: 3,
		Confidence:    0.95,
		PMax:          3,
		QMax:          3,
		MaxDiff:       2,
		MAPEThreshold: 20,
		AICEpsilon:    0.5,
	}
}

type seriesKey struct {
	Type   model.VNFType
	Metric scraper.MetricName
}

type fittedEntry struct {
	model       *Model
	trainedLen  int     // series length at fit time
	pendingNext float64 // 1-step-ahead prediction awaiting its actual
	hasPending  bool
	recentAPE   []float64 // rolling absolute percentage errors
}

// Engine caches one fitted model per (VNF type, metric) and retrains when
// enough new samples arrive or prediction error drifts.
type Engine struct {
	cfg    Config
	ins    *metrics.Instruments
	logger *zap.Logger

	mu     sync.Mutex
	models map[seriesKey]*fittedEntry
}

func NewEngine(cfg Config, ins *metrics.Instruments, logger *zap.Logger) *Engine {
	if cfg.WindowSize == 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:    cfg,
		ins:    ins,
		logger: logger,
		models: make(map[seriesKey]*fittedEntry),
	}
}

// Forecast returns the h-step forecast for one (type, metric) series.
// Insufficient data, non-stationarity past d_max, and fit failures all
// surface as ErrNoForecast.
func (e *Engine) Forecast(t model.VNFType, metric scraper.MetricName, series []float64) (Result, error) {
	if len(series) < e.cfg.WindowSize {
		return Result{}, ErrNoForecast
	}
	window := series[len(series)-e.cfg.WindowSize:]

	if isConstant(window) {
		points := make([]float64, e.cfg.ForecastSteps)
		for i := range points {
			points[i] = window[0]
		}
		return Result{
			Points:     points,
			Lower:      append([]float64(nil), points...),
			Upper:      append([]float64(nil), points...),
			Confidence: e.cfg.Confidence,
		}, nil
	}

	key := seriesKey{Type: t, Metric: metric}

	e.mu.Lock()
	entry := e.models[key]
	if entry != nil {
		e.settlePending(key, entry, series)
	}
	needFit := entry == nil ||
		len(series)-entry.trainedLen >= e.cfg.WindowSize/4 ||
		e.drifted(entry)
	e.mu.Unlock()

	if needFit {
		m, err := e.search(window)
		if err != nil {
			e.mu.Lock()
			delete(e.models, key)
			e.mu.Unlock()
			return Result{}, err
		}
		entry = &fittedEntry{model: m, trainedLen: len(series)}
		e.mu.Lock()
		e.models[key] = entry
		e.mu.Unlock()
		e.logger.Debug("Forecast model fitted",
			zap.String("vnf_type", string(t)),
			zap.String("metric", string(metric)),
			zap.Float64("aic", m.AIC),
		)
	}

	// Re-anchor the (possibly cached) model on the latest window and
	// forecast under the lock; conditioning mutates model state.
	e.mu.Lock()
	entry.model.Condition(window)
	res := entry.model.Forecast(e.cfg.ForecastSteps, e.cfg.Confidence)
	entry.pendingNext = res.Points[0]
	entry.hasPending = true
	e.mu.Unlock()

	for _, p := range res.Points {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			e.mu.Lock()
			delete(e.models, key)
			e.mu.Unlock()
			return Result{}, ErrNoForecast
		}
	}
	return res, nil
}

// settlePending scores the previous 1-step prediction against the actual
// that has since arrived. Caller holds the lock.
func (e *Engine) settlePending(key seriesKey, entry *fittedEntry, series []float64) {
	if !entry.hasPending || len(series) == 0 {
		return
	}
	actual := series[len(series)-1]
	entry.hasPending = false
	if actual == 0 {
		return
	}
	ape := math.Abs((actual - entry.pendingNext) / actual) * 100
	entry.recentAPE = append(entry.recentAPE, ape)
	if len(entry.recentAPE) > 5 {
		entry.recentAPE = entry.recentAPE[1:]
	}

	accuracy := 1 - math.Min(ape/100, 1)
	e.ins.ForecastAccuracy.WithLabelValues(string(key.Type), string(key.Metric)).Observe(accuracy)
}

func (e *Engine) drifted(entry *fittedEntry) bool {
	if len(entry.recentAPE) < 3 {
		return false
	}
	return mean(entry.recentAPE) > e.cfg.MAPEThreshold
}

// search runs the adaptive order selection: ADF-driven differencing,
// ACF seasonal estimate, then an AIC grid gated by Ljung-Box, with ties
// broken toward the smaller order.
func (e *Engine) search(window []float64) (*Model, error) {
	d := 0
	w := window
	for d <= e.cfg.MaxDiff && !adfStationary(w) {
		if d == e.cfg.MaxDiff {
			return nil, ErrNoForecast
		}
		w = diff(w)
		d++
	}

	season := estimateSeason(w)
	if season < 2 || season > len(window)/2 {
		season = 0
	}

	type candidate struct {
		m *Model
	}
	var best, bestNoLB *candidate

	consider := func(order Order) {
		m, err := Fit(window, order)
		if err != nil {
			return
		}
		c := &candidate{m: m}
		if m.LjungBoxOK() {
			if best == nil || better(m, best.m, e.cfg.AICEpsilon) {
				best = c
			}
		} else if bestNoLB == nil || better(m, bestNoLB.m, e.cfg.AICEpsilon) {
			bestNoLB = c
		}
	}

	for p := 0; p <= e.cfg.PMax; p++ {
		for q := 0; q <= e.cfg.QMax; q++ {
			if p == 0 && q == 0 && d == 0 {
				continue
			}
			if season > 1 {
				for sp := 0; sp <= 1; sp++ {
					for sq := 0; sq <= 1; sq++ {
						consider(Order{P: p, D: d, Q: q, SP: sp, SD: 1, SQ: sq, Season: season})
					}
				}
			} else {
				consider(Order{P: p, D: d, Q: q})
			}
		}
	}

	if best != nil {
		return best.m, nil
	}
	if bestNoLB != nil {
		return bestNoLB.m, nil
	}
	return nil, ErrNoForecast
}

// better prefers lower AIC; within epsilon it prefers the smaller model.
func better(a, b *Model, epsilon float64) bool {
	if math.Abs(a.AIC-b.AIC) <= epsilon {
		return a.Order.params() < b.Order.params()
	}
	return a.AIC < b.AIC
}

func isConstant(x []float64) bool {
	for _, v := range x[1:] {
		if v != x[0] {
			return false
		}
	}
	return true
}
