// Package orchestrator wires the control plane together: metrics registry
// and scraper, instance driver, flow controller, forecaster, learning
// agent, scaling controller, and the SFC allocator, plus the long-lived
// tasks that drive them.
package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/agent"
	"github.com/vnfmesh/sfc-orchestrator/internal/allocator"
	"github.com/vnfmesh/sfc-orchestrator/internal/core"
	"github.com/vnfmesh/sfc-orchestrator/internal/driver"
	"github.com/vnfmesh/sfc-orchestrator/internal/flow"
	"github.com/vnfmesh/sfc-orchestrator/internal/forecast"
	"github.com/vnfmesh/sfc-orchestrator/internal/model"
	"github.com/vnfmesh/sfc-orchestrator/internal/scaling"
	"github.com/vnfmesh/sfc-orchestrator/internal/scraper"
	"github.com/vnfmesh/sfc-orchestrator/internal/storage"
	"github.com/vnfmesh/sfc-orchestrator/pkg/metrics"
)

// Orchestrator is the assembled control plane.
type Orchestrator struct {
	cfg      *core.Config
	registry *metrics.Registry
	ins      *metrics.Instruments
	runtime  driver.ContainerAPI
	drv      *driver.Driver
	flows    *flow.Controller
	history  *scraper.History
	scr      *scraper.Scraper
	engine   *forecast.Engine
	agt      *agent.Agent
	ctl      *scaling.Controller
	alloc    *allocator.Allocator
	db       *storage.PostgresClient
	remote   *scraper.RemoteReader
	logger   *zap.Logger

	httpSrv  *http.Server
	safeMode atomic.Bool
}

// New builds and wires every component from the configuration.
func New(cfg *core.Config, logger *zap.Logger) (*Orchestrator, error) {
	o := &Orchestrator{cfg: cfg, logger: logger}

	o.registry = metrics.NewRegistry(logger)
	ins, err := metrics.NewInstruments(o.registry)
	if err != nil {
		return nil, fmt.Errorf("metric registration failed: %w", err)
	}
	o.ins = ins

	types := cfg.Types()

	switch cfg.Driver.Runtime {
	case "kubernetes":
		rt, err := driver.NewKubeRuntime(cfg.Driver.Namespace, logger)
		if err != nil {
			return nil, err
		}
		o.runtime = rt
	default:
		var images []string
		for _, t := range types {
			images = append(images, fmt.Sprintf("%s-%s-vnf", cfg.Driver.ImagePrefix, t))
		}
		o.runtime = driver.NewLocalRuntime(images...)
	}

	o.drv = driver.NewDriver(o.runtime, driver.Options{
		ImagePrefix:        cfg.Driver.ImagePrefix,
		HealthCheckTimeout: time.Duration(cfg.RollingUpdate.HealthCheckTimeout) * time.Second,
		DrainTimeout:       time.Duration(cfg.RollingUpdate.DrainTimeout) * time.Second,
		GracePeriod:        time.Duration(cfg.RollingUpdate.GracePeriod) * time.Second,
	}, logger)

	o.flows = flow.NewController(o.drv.Get, logger)
	o.drv.OnDrain(func(inst model.Instance) {
		o.flows.RemoveRulesForInstance(inst.ID)
	})

	o.history = scraper.NewHistory(cfg.Forecasting.WindowSize)
	o.scr = scraper.New(o.drv, o.history, ins, scraper.Config{
		Types:            types,
		Interval:         cfg.ScrapeInterval(),
		FailureThreshold: cfg.Scraper.FailureThreshold,
	}, logger)

	if cfg.Scraper.PrometheusURL != "" {
		remote, err := scraper.NewRemoteReader(cfg.Scraper.PrometheusURL, logger)
		if err != nil {
			logger.Warn("Metric store unreachable, headroom falls back to defaults", zap.Error(err))
		} else {
			o.remote = remote
			o.scr.WithRemote(remote)
		}
	}

	fcCfg := forecast.DefaultConfig()
	fcCfg.WindowSize = cfg.Forecasting.WindowSize
	fcCfg.ForecastSteps = cfg.Forecasting.ForecastSteps
	o.engine = forecast.NewEngine(fcCfg, ins, logger)

	agentCfg := agent.DefaultAgentConfig()
	agentCfg.StateDim = scaling.StateDim(len(types))
	agentCfg.LearningRate = cfg.DRL.LearningRate
	agentCfg.BatchSize = cfg.DRL.BatchSize
	agentCfg.MemorySize = cfg.DRL.MemorySize
	agentCfg.Gamma = cfg.DRL.Gamma
	agentCfg.Epsilon = cfg.DRL.Epsilon
	agentCfg.EpsilonMin = cfg.DRL.EpsilonMin
	agentCfg.EpsilonDecay = cfg.DRL.EpsilonDecay
	agentCfg.TargetUpdateFreq = cfg.DRL.TargetUpdateFreq
	agentCfg.ModelPath = cfg.DRL.ModelPath
	o.agt = agent.NewAgent(agentCfg, types, ins, logger)

	o.ctl = scaling.NewController(scaling.Config{
		Types:        types,
		MinInstances: cfg.MinInstances,
		MaxInstances: cfg.MaxInstances,
		Thresholds: scaling.Thresholds{
			CPUUpper: cfg.ScalingThresholds.CPU.Upper, CPULower: cfg.ScalingThresholds.CPU.Lower,
			MemoryUpper: cfg.ScalingThresholds.Memory.Upper, MemoryLower: cfg.ScalingThresholds.Memory.Lower,
			LatencyUpper: cfg.ScalingThresholds.Latency.Upper, LatencyLower: cfg.ScalingThresholds.Latency.Lower,
		},
		TickInterval:        cfg.TickInterval(),
		Cooldown:            cfg.CooldownPeriod(),
		MaxConcurrentScales: cfg.ControlLoop.MaxConcurrentScales,
		ForecastConfidence:  cfg.Forecasting.ConfidenceThreshold,
		RewardWeights: agent.RewardWeights{
			Satisfied: cfg.DRL.Reward.Satisfied, Dropped: cfg.DRL.Reward.Dropped,
			Invalid: cfg.DRL.Reward.Invalid, Unnecessary: cfg.DRL.Reward.Unnecessary,
			Efficiency: cfg.DRL.Reward.Efficiency, SLA: cfg.DRL.Reward.SLA,
			Wait: cfg.DRL.Reward.Wait,
		},
	}, o.drv, o.flows, o.history, o.engine, o.agt, ins, logger)

	specs := make(map[model.RequestCategory]allocator.ChainSpec, len(cfg.SFCRequestTypes))
	for name, spec := range cfg.SFCRequestTypes {
		chain := make([]model.VNFType, len(spec.Chain))
		for i, t := range spec.Chain {
			chain[i] = model.VNFType(t)
		}
		specs[model.RequestCategory(name)] = allocator.ChainSpec{
			Chain:     chain,
			Direction: model.ChainDirection(spec.Direction),
		}
	}
	o.alloc = allocator.New(o.flows, o.drv, ins, allocator.Config{Specs: specs}, logger)

	o.flows.OnChainRef(o.alloc.HasActiveChains)
	o.ctl.WithChainRef(o.alloc.HasActiveChains)
	o.ctl.WithPending(o.alloc.PendingByPriority)
	o.alloc.OnOutcome(o.ctl.NoteChainOutcome)
	if o.remote != nil {
		o.ctl.WithHeadroom(o.remote.Headroom)
	}

	if cfg.Storage.Enabled {
		db, err := storage.NewPostgresClient(cfg.GetDatabaseURL(), logger)
		if err != nil {
			return nil, fmt.Errorf("audit store connection failed: %w", err)
		}
		o.db = db
		o.ctl.WithSink(db)
	}

	return o, nil
}

// Components exposes the wired subsystems for the self-test subcommands.
func (o *Orchestrator) Components() (*driver.Driver, *flow.Controller, *scraper.History, *forecast.Engine, *scaling.Controller, *allocator.Allocator) {
	return o.drv, o.flows, o.history, o.engine, o.ctl, o.alloc
}

// Runtime exposes the container runtime; the local runtime's load knobs
// drive the self tests.
func (o *Orchestrator) Runtime() driver.ContainerAPI { return o.runtime }

// Registry exposes the metrics registry handle.
func (o *Orchestrator) Registry() *metrics.Registry { return o.registry }

// Bootstrap brings every type up to min_instances with flow rules.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	for _, t := range o.cfg.Types() {
		for o.drv.CountServing(t) < o.cfg.MinInstances {
			inst, err := o.drv.Create(ctx, t)
			if err != nil {
				return fmt.Errorf("bootstrap %s: %w", t, err)
			}
			waitCtx, cancel := context.WithTimeout(ctx,
				time.Duration(o.cfg.RollingUpdate.HealthCheckTimeout)*time.Second)
			err = o.drv.WaitActive(waitCtx, inst.ID)
			cancel()
			if err != nil {
				return fmt.Errorf("bootstrap %s health: %w", t, err)
			}
			if _, err := o.flows.AddRule(t, inst.ID, 100, ""); err != nil {
				return fmt.Errorf("bootstrap %s flow rule: %w", t, err)
			}
		}
		o.ins.VNFInstances.WithLabelValues(string(t)).Set(float64(o.drv.CountServing(t)))
	}
	o.logger.Info("Bootstrap complete",
		zap.Int("min_instances", o.cfg.MinInstances),
		zap.Int("types", len(o.cfg.VNFTypes)),
	)
	return nil
}

// Run starts the long-lived tasks and blocks until the context ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.registry.Serve(o.cfg.HTTP.MetricsPort)
	o.startHTTP()

	go func() {
		if err := o.scr.Start(ctx); err != nil && err != context.Canceled {
			o.logger.Error("Scraper stopped", zap.Error(err))
		}
	}()
	go func() {
		if err := o.ctl.Start(ctx); err != nil && err != context.Canceled {
			o.logger.Error("Control loop stopped", zap.Error(err))
		}
	}()
	go o.trainerLoop(ctx)
	go o.integrityLoop(ctx)

	<-ctx.Done()
	o.shutdown()
	return ctx.Err()
}

// trainerLoop runs opportunistic agent training off the control loop so
// tick latency stays flat. Every 100 steps closes an episode.
func (o *Orchestrator) trainerLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	steps := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if loss := o.agt.TrainStep(); loss > 0 {
				steps++
				if steps%100 == 0 {
					o.agt.EndEpisode()
				}
			}
		}
	}
}

// integrityLoop periodically verifies the flow table; corruption flips
// the orchestrator into safe mode.
func (o *Orchestrator) integrityLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := o.flows.Verify(); err != nil {
				if o.safeMode.CompareAndSwap(false, true) {
					o.logger.Error("Flow table corruption detected, entering safe mode", zap.Error(err))
				}
			}
		}
	}
}

// SafeMode reports whether new chain allocations are refused.
func (o *Orchestrator) SafeMode() bool { return o.safeMode.Load() }

// AllocateChain builds and realizes a chain request for the metadata. In
// safe mode new allocations are refused; existing chains are untouched.
func (o *Orchestrator) AllocateChain(ctx context.Context, metadata map[string]string, priority int) (*model.ChainInstance, *model.ChainInstance, error) {
	if o.safeMode.Load() {
		return nil, nil, model.NewError(model.ErrCodeFatal, "orchestrator in safe mode, allocations disabled")
	}

	req, err := o.alloc.BuildRequest(metadata, priority)
	if err != nil {
		return nil, nil, err
	}

	var primary, secondary *model.ChainInstance
	if req.Direction == model.DirectionBidirectional {
		primary, secondary, err = o.alloc.AllocateBidirectional(ctx, req)
	} else {
		primary, err = o.alloc.Allocate(ctx, req)
	}

	if o.db != nil {
		outcome := "accepted"
		if err != nil {
			outcome = "rejected"
		}
		rec := storage.ChainRecord{
			Timestamp: time.Now(),
			Category:  string(req.Category),
			Outcome:   outcome,
			Hops:      len(req.Chain),
			Priority:  req.Priority,
		}
		if primary != nil {
			rec.ChainID = primary.ChainID
		}
		saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if serr := o.db.SaveChainOutcome(saveCtx, rec); serr != nil {
			o.logger.Warn("Chain outcome not persisted", zap.Error(serr))
		}
		cancel()
	}
	return primary, secondary, err
}

// startHTTP serves the flow API plus the orchestrator control surface on
// the flow port.
func (o *Orchestrator) startHTTP() {
	if o.cfg.App.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	flowSrv := flow.NewServer(o.flows, o.drv.List, o.logger)
	router := flowSrv.Router()

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":   o.cfg.App.Name,
			"version":   o.cfg.App.Version,
			"safe_mode": o.SafeMode(),
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})

	router.GET("/chains", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"chains": o.alloc.Chains(),
			"stats":  o.alloc.Stats(),
		})
	})

	router.POST("/chains", func(c *gin.Context) {
		var body struct {
			Metadata map[string]string `json:"metadata"`
			Priority int               `json:"priority"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if body.Priority == 0 {
			body.Priority = 5
		}
		primary, secondary, err := o.AllocateChain(c.Request.Context(), body.Metadata, body.Priority)
		if err != nil {
			status := http.StatusServiceUnavailable
			if model.IsCode(err, model.ErrCodeInvalidAction) {
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error(), "code": string(model.CodeOf(err))})
			return
		}
		resp := gin.H{"primary": primary}
		if secondary != nil {
			resp["complement"] = secondary
		}
		c.JSON(http.StatusCreated, resp)
	})

	router.DELETE("/chains/:chain_id", func(c *gin.Context) {
		if err := o.alloc.Teardown(c.Param("chain_id")); err != nil {
			c.Status(http.StatusNotFound)
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.GET("/scaling/phases", func(c *gin.Context) {
		phases := make(map[string]string, len(o.cfg.VNFTypes))
		for _, t := range o.cfg.Types() {
			phases[string(t)] = o.ctl.Phase(t)
		}
		c.JSON(http.StatusOK, phases)
	})

	if o.db != nil {
		router.GET("/scaling/decisions", func(c *gin.Context) {
			decisions, err := o.db.GetRecentDecisions(c.Request.Context(), 50)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"decisions": decisions, "count": len(decisions)})
		})
	}

	o.httpSrv = &http.Server{
		Addr:           fmt.Sprintf(":%d", o.cfg.HTTP.FlowPort),
		Handler:        router,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	go func() {
		o.logger.Info("Flow API started", zap.String("addr", o.httpSrv.Addr))
		if err := o.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			o.logger.Error("Flow API failed", zap.Error(err))
		}
	}()
}

func (o *Orchestrator) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if o.httpSrv != nil {
		_ = o.httpSrv.Shutdown(shutdownCtx)
	}
	o.registry.Shutdown()
	if o.db != nil {
		o.db.Close()
	}
	o.logger.Info("Orchestrator stopped")
}
