// Package scaling fuses threshold rules, forecasts, and the learning
// agent into per-type scale decisions, and executes them as rolling
// updates that never leave a serving type without an active instance.
package scaling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/agent"
	"github.com/vnfmesh/sfc-orchestrator/internal/driver"
	"github.com/vnfmesh/sfc-orchestrator/internal/flow"
	"github.com/vnfmesh/sfc-orchestrator/internal/forecast"
	"github.com/vnfmesh/sfc-orchestrator/internal/model"
	"github.com/vnfmesh/sfc-orchestrator/internal/scraper"
	"github.com/vnfmesh/sfc-orchestrator/pkg/metrics"
)

// Thresholds are the reactive scaling bands.
type Thresholds struct {
	CPUUpper, CPULower         float64
	MemoryUpper, MemoryLower   float64
	LatencyUpper, LatencyLower float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUUpper: 80, CPULower: 30,
		MemoryUpper: 85, MemoryLower: 40,
		LatencyUpper: 1000, LatencyLower: 200,
	}
}

// phase is the per-type scaling state machine position.
type phase string

const (
	phaseSteady     phase = "steady"
	phaseScalingOut phase = "scaling_out"
	phaseScalingIn  phase = "scaling_in"
	phaseCooldown   phase = "cooldown"
)

// Decision records one control-tick outcome for the audit store.
type Decision struct {
	Timestamp  time.Time
	Type       model.VNFType
	Action     model.ScaleAction
	Reason     string
	Confidence float64
	Executed   bool
}

// DecisionSink persists scaling decisions. Optional.
type DecisionSink interface {
	SaveScalingDecision(ctx context.Context, d Decision) error
}

// ChainRefCheck reports whether active chains still traverse a type.
type ChainRefCheck func(t model.VNFType) bool

// Config carries the controller knobs.
type Config struct {
	Types               []model.VNFType
	MinInstances        int
	MaxInstances        int
	Thresholds          Thresholds
	TickInterval        time.Duration
	Cooldown            time.Duration
	MaxConcurrentScales int
	ForecastConfidence  float64 // required breach probability to act
	RewardWeights       agent.RewardWeights
}

// Controller is the scaling control loop.
type Controller struct {
	types        []model.VNFType
	minInstances int
	maxInstances int
	thresholds   Thresholds
	tick         time.Duration
	cooldown     time.Duration
	confidence   float64
	rewards      agent.RewardWeights

	drv     *driver.Driver
	flows   *flow.Controller
	history *scraper.History
	engine  *forecast.Engine
	agt     *agent.Agent
	ins     *metrics.Instruments
	logger  *zap.Logger

	sink     DecisionSink
	chainRef ChainRefCheck
	headroom Headroom
	pending  PendingCounts

	// mu guards cooldown bookkeeping and the per-type phase; cooldown
	// checks happen under it so concurrent ticks cannot double-scale.
	mu         sync.Mutex
	lastAction map[model.VNFType]time.Time
	phases     map[model.VNFType]phase
	inFlight   map[model.VNFType]bool

	budget chan struct{}

	chainMu        sync.Mutex
	chainSatisfied int
	chainDropped   int
}

func NewController(cfg Config, drv *driver.Driver, flows *flow.Controller, history *scraper.History,
	engine *forecast.Engine, agt *agent.Agent, ins *metrics.Instruments, logger *zap.Logger) *Controller {

	if cfg.TickInterval == 0 {
		cfg.TickInterval = 60 * time.Second
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 120 * time.Second
	}
	if cfg.MaxConcurrentScales == 0 {
		cfg.MaxConcurrentScales = 3
	}
	if cfg.ForecastConfidence == 0 {
		cfg.ForecastConfidence = 0.7
	}

	return &Controller{
		types:        cfg.Types,
		minInstances: cfg.MinInstances,
		maxInstances: cfg.MaxInstances,
		thresholds:   cfg.Thresholds,
		tick:         cfg.TickInterval,
		cooldown:     cfg.Cooldown,
		confidence:   cfg.ForecastConfidence,
		rewards:      cfg.RewardWeights,
		drv:          drv,
		flows:        flows,
		history:      history,
		engine:       engine,
		agt:          agt,
		ins:          ins,
		logger:       logger,
		lastAction:   make(map[model.VNFType]time.Time),
		phases:       make(map[model.VNFType]phase),
		inFlight:     make(map[model.VNFType]bool),
		budget:       make(chan struct{}, cfg.MaxConcurrentScales),
	}
}

// WithSink attaches the decision audit store.
func (c *Controller) WithSink(sink DecisionSink) *Controller { c.sink = sink; return c }

// WithChainRef attaches the active-chain back-reference check.
func (c *Controller) WithChainRef(check ChainRefCheck) *Controller { c.chainRef = check; return c }

// WithHeadroom attaches the capacity headroom source.
func (c *Controller) WithHeadroom(h Headroom) *Controller { c.headroom = h; return c }

// WithPending attaches the pending chain-request counter.
func (c *Controller) WithPending(p PendingCounts) *Controller { c.pending = p; return c }

// NoteChainOutcome feeds allocator results into the reward signal.
func (c *Controller) NoteChainOutcome(accepted bool) {
	c.chainMu.Lock()
	if accepted {
		c.chainSatisfied++
	} else {
		c.chainDropped++
	}
	c.chainMu.Unlock()
}

func (c *Controller) takeChainOutcomes() (satisfied, dropped int) {
	c.chainMu.Lock()
	satisfied, dropped = c.chainSatisfied, c.chainDropped
	c.chainSatisfied, c.chainDropped = 0, 0
	c.chainMu.Unlock()
	return satisfied, dropped
}

// Start runs the control loop until the context is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick evaluates every VNF type once. Per-type work is serialized; types
// proceed concurrently up to the global budget.
func (c *Controller) Tick(ctx context.Context) {
	state := c.buildState(ctx)
	actionIdx := c.agt.SelectAction(state)
	suggestion := c.agt.ActionSpace()[actionIdx]

	var wg sync.WaitGroup
	for _, t := range c.types {
		c.mu.Lock()
		if c.inFlight[t] {
			c.mu.Unlock()
			continue
		}
		c.inFlight[t] = true
		c.mu.Unlock()

		wg.Add(1)
		go func(t model.VNFType) {
			defer wg.Done()
			defer func() {
				c.mu.Lock()
				c.inFlight[t] = false
				c.mu.Unlock()
			}()
			c.evaluate(ctx, t, suggestion)
		}(t)
	}
	wg.Wait()

	c.scoreAndObserve(ctx, state, actionIdx, suggestion)
}

// evaluate runs the fusion policy for one type and executes the decision.
func (c *Controller) evaluate(ctx context.Context, t model.VNFType, suggestion agent.Action) {
	agg, haveAgg := c.history.Aggregates(t)

	thresholdOut := haveAgg && (agg[scraper.MetricCPU] > c.thresholds.CPUUpper ||
		agg[scraper.MetricMemory] > c.thresholds.MemoryUpper ||
		agg[scraper.MetricLatency] > c.thresholds.LatencyUpper)

	thresholdIn := haveAgg && agg[scraper.MetricCPU] < c.thresholds.CPULower &&
		agg[scraper.MetricMemory] < c.thresholds.MemoryLower &&
		agg[scraper.MetricLatency] < c.thresholds.LatencyLower

	forecastOut, forecastConf := c.forecastTrigger(t)

	agentOut := suggestion.Type == t && suggestion.Kind == model.ActionAllocateNew
	agentIn := suggestion.Type == t && suggestion.Kind == model.ActionDrainOne

	decision := Decision{Timestamp: time.Now(), Type: t, Action: model.ActionNoOp}

	switch {
	case thresholdOut:
		decision.Action = model.ActionAllocateNew
		decision.Reason = "threshold"
	case forecastOut:
		decision.Action = model.ActionAllocateNew
		decision.Reason = "forecast"
		decision.Confidence = forecastConf
	case agentOut:
		decision.Action = model.ActionAllocateNew
		decision.Reason = "agent"
	case thresholdIn && agentIn:
		decision.Action = model.ActionDrainOne
		decision.Reason = "agent"
	case thresholdIn && !forecastOut:
		decision.Action = model.ActionDrainOne
		decision.Reason = "threshold"
	}

	if decision.Action == model.ActionNoOp {
		return
	}

	if !c.beginAction(t) {
		c.logger.Debug("Scale suppressed by cooldown", zap.String("vnf_type", string(t)))
		return
	}

	select {
	case c.budget <- struct{}{}:
	case <-ctx.Done():
		c.rollbackPhase(t)
		return
	}
	defer func() { <-c.budget }()

	var err error
	switch decision.Action {
	case model.ActionAllocateNew:
		c.setPhase(t, phaseScalingOut)
		err = c.ScaleOut(ctx, t)
	case model.ActionDrainOne:
		c.setPhase(t, phaseScalingIn)
		err = c.ScaleIn(ctx, t)
	}

	decision.Executed = err == nil
	if err != nil {
		c.logger.Warn("Scale action failed",
			zap.String("vnf_type", string(t)),
			zap.String("action", string(decision.Action)),
			zap.Error(err),
		)
		c.rollbackPhase(t)
	} else {
		c.setPhase(t, phaseCooldown)
	}

	if c.sink != nil {
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := c.sink.SaveScalingDecision(saveCtx, decision); serr != nil {
			c.logger.Warn("Decision not persisted", zap.Error(serr))
		}
		cancel()
	}
}

// forecastTrigger checks whether any metric's forecast breaches its upper
// threshold with the required confidence within the horizon.
func (c *Controller) forecastTrigger(t model.VNFType) (bool, float64) {
	checks := []struct {
		metric scraper.MetricName
		upper  float64
	}{
		{scraper.MetricCPU, c.thresholds.CPUUpper},
		{scraper.MetricMemory, c.thresholds.MemoryUpper},
		{scraper.MetricLatency, c.thresholds.LatencyUpper},
	}

	for _, check := range checks {
		series := c.history.Values(t, check.metric)
		res, err := c.engine.Forecast(t, check.metric, series)
		if err != nil {
			// forecast-unavailable: fall back to thresholds alone.
			continue
		}
		if prob := forecastBreach(res, check.upper); prob >= c.confidence {
			c.logger.Info("Forecast-driven scale-out",
				zap.String("vnf_type", string(t)),
				zap.String("metric", string(check.metric)),
				zap.Float64("breach_probability", prob),
			)
			return true, prob
		}
	}
	return false, 0
}

// beginAction checks and stamps the cooldown under the lock so two ticks
// cannot race one type into a double scale.
func (c *Controller) beginAction(t model.VNFType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if last, ok := c.lastAction[t]; ok && time.Since(last) < c.cooldown {
		return false
	}
	c.lastAction[t] = time.Now()
	return true
}

func (c *Controller) setPhase(t model.VNFType, p phase) {
	c.mu.Lock()
	c.phases[t] = p
	c.mu.Unlock()
}

// rollbackPhase returns a type to steady and releases its cooldown stamp
// after a failed action so a later tick may retry.
func (c *Controller) rollbackPhase(t model.VNFType) {
	c.mu.Lock()
	c.phases[t] = phaseSteady
	delete(c.lastAction, t)
	c.mu.Unlock()
}

// Phase reports the per-type state machine position, resolving an expired
// cooldown back to steady.
func (c *Controller) Phase(t model.VNFType) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.phases[t]
	if !ok {
		return string(phaseSteady)
	}
	if p == phaseCooldown {
		if last, ok := c.lastAction[t]; ok && time.Since(last) >= c.cooldown {
			c.phases[t] = phaseSteady
			return string(phaseSteady)
		}
	}
	return string(p)
}

// ScaleOut runs the rolling scale-out sequence: create, wait for health,
// add the flow rule, let the balancer pick the instance up.
func (c *Controller) ScaleOut(ctx context.Context, t model.VNFType) error {
	if c.drv.CountServing(t) >= c.maxInstances {
		return model.NewError(model.ErrCodeCapacity,
			fmt.Sprintf("type %s already at max_instances", t))
	}

	inst, err := c.drv.Create(ctx, t)
	if err != nil {
		c.ins.ScalingActions.WithLabelValues(string(t), "failed").Inc()
		return err
	}

	if err := c.drv.WaitActive(ctx, inst.ID); err != nil {
		c.ins.ScalingActions.WithLabelValues(string(t), "failed").Inc()
		return err
	}

	if _, err := c.flows.AddRule(t, inst.ID, 100, ""); err != nil {
		c.ins.ScalingActions.WithLabelValues(string(t), "failed").Inc()
		destroyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = c.drv.Destroy(destroyCtx, inst.ID)
		return err
	}

	c.ins.ScalingActions.WithLabelValues(string(t), "out").Inc()
	c.ins.VNFInstances.WithLabelValues(string(t)).Set(float64(c.drv.CountServing(t)))
	c.logger.Info("Scaled out",
		zap.String("vnf_type", string(t)),
		zap.String("instance_id", inst.ID),
	)
	return nil
}

// ScaleIn drains the least-loaded active instance. The last active
// instance of a type with active chains is never drained.
func (c *Controller) ScaleIn(ctx context.Context, t model.VNFType) error {
	if c.drv.CountServing(t) <= c.minInstances {
		return model.NewError(model.ErrCodeInvalidAction,
			fmt.Sprintf("type %s already at min_instances", t))
	}

	active := 0
	for _, inst := range c.drv.List(t) {
		if inst.State == model.StateActive {
			active++
		}
	}
	if active <= 1 && c.chainRef != nil && c.chainRef(t) {
		return model.NewError(model.ErrCodeInvalidAction,
			fmt.Sprintf("refusing to drain last active %s instance with active chains", t))
	}

	victim, ok := c.selectVictim(t)
	if !ok {
		return model.NewError(model.ErrCodeCapacity, fmt.Sprintf("no drainable %s instance", t))
	}

	if err := c.drv.Drain(ctx, victim.ID, 0); err != nil {
		c.ins.ScalingActions.WithLabelValues(string(t), "failed").Inc()
		return err
	}

	c.ins.ScalingActions.WithLabelValues(string(t), "in").Inc()
	c.ins.VNFInstances.WithLabelValues(string(t)).Set(float64(c.drv.CountServing(t)))
	c.logger.Info("Scaled in",
		zap.String("vnf_type", string(t)),
		zap.String("instance_id", victim.ID),
	)
	return nil
}

// selectVictim picks the least-loaded active instance by weighted load
// score (cpu 0.4, memory 0.3, latency 0.3).
func (c *Controller) selectVictim(t model.VNFType) (model.Instance, bool) {
	var best model.Instance
	bestScore := -1.0
	for _, inst := range c.drv.List(t) {
		if inst.State != model.StateActive {
			continue
		}
		score := inst.Metrics.CPUPercent*0.4 + inst.Metrics.MemoryPercent*0.3 + inst.Metrics.LatencyMs*0.3
		if bestScore < 0 || score < bestScore {
			best = inst
			bestScore = score
		}
	}
	return best, bestScore >= 0
}

// composeOutcome assembles the reward inputs for the tick's applied
// action from chain results and current aggregates.
func (c *Controller) composeOutcome(applied agent.Action) agent.Outcome {
	satisfied, dropped := c.takeChainOutcomes()

	outcome := agent.Outcome{
		ChainSatisfied: satisfied > 0,
		ChainDropped:   dropped > 0,
		WaitAction:     applied.Kind == model.ActionNoOp,
	}

	if agg, ok := c.history.Aggregates(applied.Type); ok {
		outcome.SLAViolation = agg[scraper.MetricLatency] > c.thresholds.LatencyUpper

		if applied.Kind == model.ActionDrainOne {
			series := c.history.Values(applied.Type, scraper.MetricCPU)
			if res, err := c.engine.Forecast(applied.Type, scraper.MetricCPU, series); err == nil {
				if forecastBreach(res, c.thresholds.CPUUpper) >= c.confidence {
					outcome.UnnecessaryTeardown = true
				}
			}
		}
	}

	// Resource efficiency is the mean cpu/memory utilization across the
	// whole catalogue, independent of any per-type threshold; the bonus
	// still requires the SLA to hold.
	var cpuSum, memSum float64
	sampled := 0
	for _, t := range c.types {
		if agg, ok := c.history.Aggregates(t); ok {
			cpuSum += agg[scraper.MetricCPU]
			memSum += agg[scraper.MetricMemory]
			sampled++
		}
	}
	if sampled > 0 && !outcome.SLAViolation {
		outcome.ResourceEfficiency = (cpuSum + memSum) / float64(sampled) / 200
	}

	if applied.Kind == model.ActionDrainOne && c.drv.CountServing(applied.Type) <= c.minInstances {
		outcome.ActionInvalid = true
	}
	return outcome
}

// scoreAndObserve turns the tick's outcome into a reward and feeds the
// transition to the agent.
func (c *Controller) scoreAndObserve(ctx context.Context, state []float64, actionIdx int, applied agent.Action) {
	reward := c.rewards.Score(c.composeOutcome(applied))
	next := c.buildState(ctx)
	c.agt.Observe(state, actionIdx, reward, next, false)
}
