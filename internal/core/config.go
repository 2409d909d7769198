// Package core provides configuration management for the SFC orchestrator.
package core

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
)

// Threshold is an upper/lower band for one metric.
type Threshold struct {
	Upper float64 `yaml:"upper"`
	Lower float64 `yaml:"lower"`
}

// RewardWeights expose the agent's reward shaping in configuration.
type RewardWeights struct {
	Satisfied   float64 `yaml:"satisfied"`
	Dropped     float64 `yaml:"dropped"`
	Invalid     float64 `yaml:"invalid"`
	Unnecessary float64 `yaml:"unnecessary"`
	Efficiency  float64 `yaml:"efficiency"`
	SLA         float64 `yaml:"sla"`
	Wait        float64 `yaml:"wait"`
}

// ChainSpec maps one request category to its VNF chain and direction.
type ChainSpec struct {
	Chain     []string `yaml:"chain"`
	Direction string   `yaml:"direction"`
}

// Config holds the whole orchestrator configuration with validation.
// Unknown keys anywhere in the file are rejected at startup.
type Config struct {
	App struct {
		Name     string `yaml:"name"`
		Version  string `yaml:"version"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"app"`

	VNFTypes     []string `yaml:"vnf_types"`
	MinInstances int      `yaml:"min_instances"`
	MaxInstances int      `yaml:"max_instances"`

	ScalingThresholds struct {
		CPU     Threshold `yaml:"cpu"`
		Memory  Threshold `yaml:"memory"`
		Latency Threshold `yaml:"latency"`
	} `yaml:"scaling_thresholds"`

	Forecasting struct {
		WindowSize          int     `yaml:"window_size"`
		ForecastSteps       int     `yaml:"forecast_steps"`
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	} `yaml:"forecasting"`

	RollingUpdate struct {
		HealthCheckTimeout int `yaml:"health_check_timeout"`
		DrainTimeout       int `yaml:"drain_timeout"`
		GracePeriod        int `yaml:"grace_period"`
	} `yaml:"rolling_update"`

	DRL struct {
		LearningRate     float64       `yaml:"learning_rate"`
		BatchSize        int           `yaml:"batch_size"`
		MemorySize       int           `yaml:"memory_size"`
		Gamma            float64       `yaml:"gamma"`
		Epsilon          float64       `yaml:"epsilon_start"`
		EpsilonMin       float64       `yaml:"epsilon_min"`
		EpsilonDecay     float64       `yaml:"epsilon_decay"`
		TargetUpdateFreq int           `yaml:"target_update_freq"`
		ModelPath        string        `yaml:"model_path"`
		Reward           RewardWeights `yaml:"reward"`
	} `yaml:"drl_config"`

	ControlLoop struct {
		TickInterval        int `yaml:"tick_interval"`
		Cooldown            int `yaml:"cooldown"`
		MaxConcurrentScales int `yaml:"max_concurrent_scales"`
	} `yaml:"control_loop"`

	HTTP struct {
		MetricsPort int `yaml:"metrics_port"`
		FlowPort    int `yaml:"flow_port"`
	} `yaml:"http"`

	Scraper struct {
		Interval         int    `yaml:"interval"`
		FailureThreshold int    `yaml:"failure_threshold"`
		PrometheusURL    string `yaml:"prometheus_url"`
	} `yaml:"scraper"`

	Driver struct {
		Runtime     string `yaml:"runtime"`
		Namespace   string `yaml:"namespace"`
		ImagePrefix string `yaml:"image_prefix"`
	} `yaml:"driver"`

	Storage struct {
		Enabled        bool   `yaml:"enabled"`
		Host           string `yaml:"host"`
		Port           int    `yaml:"port"`
		User           string `yaml:"user"`
		Password       string `yaml:"password"`
		DBName         string `yaml:"dbname"`
		MaxConnections int    `yaml:"max_connections"`
	} `yaml:"storage"`

	SFCRequestTypes map[string]ChainSpec `yaml:"sfc_request_types"`
}

// LoadConfig reads, strictly decodes, and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes config bytes with unknown-key rejection.
func ParseConfig(data []byte) (*Config, error) {
	config := Default()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyEnvOverrides()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Default returns the configuration the orchestrator runs with when a key
// is absent from the file.
func Default() *Config {
	c := &Config{}
	c.App.Name = "sfc-orchestrator"
	c.App.Version = "1.0.0"
	c.App.LogLevel = "info"

	for _, t := range model.DefaultVNFTypes {
		c.VNFTypes = append(c.VNFTypes, string(t))
	}
	c.MinInstances = 1
	c.MaxInstances = 5

	c.ScalingThresholds.CPU = Threshold{Upper: 80, Lower: 30}
	c.ScalingThresholds.Memory = Threshold{Upper: 85, Lower: 40}
	c.ScalingThresholds.Latency = Threshold{Upper: 1000, Lower: 200}

	c.Forecasting.WindowSize = 20
	c.Forecasting.ForecastSteps = 3
	c.Forecasting.ConfidenceThreshold = 0.7

	c.RollingUpdate.HealthCheckTimeout = 30
	c.RollingUpdate.DrainTimeout = 60
	c.RollingUpdate.GracePeriod = 10

	c.DRL.LearningRate = 0.001
	c.DRL.BatchSize = 32
	c.DRL.MemorySize = 10000
	c.DRL.Gamma = 0.99
	c.DRL.Epsilon = 1.0
	c.DRL.EpsilonMin = 0.01
	c.DRL.EpsilonDecay = 0.995
	c.DRL.TargetUpdateFreq = 100
	c.DRL.ModelPath = "checkpoints/agent.gob"
	c.DRL.Reward = RewardWeights{
		Satisfied: 2.0, Dropped: -1.5, Invalid: -1.0,
		Unnecessary: -0.5, Efficiency: 0.3, SLA: -0.8, Wait: -0.1,
	}

	c.ControlLoop.TickInterval = 60
	c.ControlLoop.Cooldown = 120
	c.ControlLoop.MaxConcurrentScales = 3

	c.HTTP.MetricsPort = 9090
	c.HTTP.FlowPort = 8080

	c.Scraper.Interval = 15
	c.Scraper.FailureThreshold = 3

	c.Driver.Runtime = "local"
	c.Driver.Namespace = "default"
	c.Driver.ImagePrefix = "my"

	c.Storage.MaxConnections = 25

	c.SFCRequestTypes = map[string]ChainSpec{
		string(model.CategoryInboundUserProtection): {
			Chain:     []string{"firewall", "antivirus", "spamfilter", "contentfilter"},
			Direction: string(model.DirectionInbound),
		},
		string(model.CategoryOutboundCompliance): {
			Chain:     []string{"contentfilter", "encryption", "firewall"},
			Direction: string(model.DirectionOutbound),
		},
		string(model.CategoryAntiSpoofEnforcement): {
			Chain:     []string{"firewall", "spamfilter"},
			Direction: string(model.DirectionBidirectional),
		},
		string(model.CategoryAttachmentRisk): {
			Chain:     []string{"firewall", "antivirus", "contentfilter"},
			Direction: string(model.DirectionInbound),
		},
		string(model.CategoryBranchSaaSAccess): {
			Chain:     []string{"firewall", "encryption"},
			Direction: string(model.DirectionBidirectional),
		},
	}
	return c
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.App.LogLevel] {
		return fmt.Errorf("app.log_level must be one of: debug, info, warn, error")
	}

	if len(c.VNFTypes) == 0 {
		return fmt.Errorf("vnf_types cannot be empty")
	}
	if c.MinInstances < 1 {
		return fmt.Errorf("min_instances must be at least 1")
	}
	if c.MaxInstances < c.MinInstances {
		return fmt.Errorf("max_instances must be >= min_instances")
	}

	for name, t := range map[string]Threshold{
		"cpu":     c.ScalingThresholds.CPU,
		"memory":  c.ScalingThresholds.Memory,
		"latency": c.ScalingThresholds.Latency,
	} {
		if t.Lower < 0 || t.Upper <= t.Lower {
			return fmt.Errorf("scaling_thresholds.%s must satisfy 0 <= lower < upper", name)
		}
	}

	if c.Forecasting.WindowSize < 4 {
		return fmt.Errorf("forecasting.window_size must be at least 4")
	}
	if c.Forecasting.ForecastSteps < 1 {
		return fmt.Errorf("forecasting.forecast_steps must be positive")
	}
	if c.Forecasting.ConfidenceThreshold < 0 || c.Forecasting.ConfidenceThreshold > 1 {
		return fmt.Errorf("forecasting.confidence_threshold must be in [0,1]")
	}

	if c.RollingUpdate.HealthCheckTimeout <= 0 || c.RollingUpdate.DrainTimeout <= 0 {
		return fmt.Errorf("rolling_update timeouts must be positive")
	}

	if c.DRL.LearningRate <= 0 {
		return fmt.Errorf("drl_config.learning_rate must be positive")
	}
	if c.DRL.BatchSize <= 0 || c.DRL.MemorySize < c.DRL.BatchSize {
		return fmt.Errorf("drl_config.memory_size must be >= batch_size > 0")
	}
	if c.DRL.Gamma <= 0 || c.DRL.Gamma > 1 {
		return fmt.Errorf("drl_config.gamma must be in (0,1]")
	}

	if c.ControlLoop.TickInterval <= 0 {
		return fmt.Errorf("control_loop.tick_interval must be positive")
	}
	if c.ControlLoop.Cooldown < 0 {
		return fmt.Errorf("control_loop.cooldown must be non-negative")
	}
	if c.ControlLoop.MaxConcurrentScales < 1 {
		return fmt.Errorf("control_loop.max_concurrent_scales must be at least 1")
	}

	for _, port := range []int{c.HTTP.MetricsPort, c.HTTP.FlowPort} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("http ports must be between 1 and 65535")
		}
	}

	if c.Driver.Runtime != "local" && c.Driver.Runtime != "kubernetes" {
		return fmt.Errorf("driver.runtime must be local or kubernetes")
	}

	if c.Storage.Enabled {
		if c.Storage.Host == "" || c.Storage.User == "" || c.Storage.DBName == "" {
			return fmt.Errorf("storage requires host, user, and dbname when enabled")
		}
		if c.Storage.Port <= 0 || c.Storage.Port > 65535 {
			return fmt.Errorf("storage.port must be between 1 and 65535")
		}
	}

	catalogue := make(map[string]bool, len(c.VNFTypes))
	for _, t := range c.VNFTypes {
		catalogue[t] = true
	}
	for name, spec := range c.SFCRequestTypes {
		if len(spec.Chain) == 0 {
			return fmt.Errorf("sfc_request_types.%s.chain cannot be empty", name)
		}
		for _, t := range spec.Chain {
			if !catalogue[t] {
				return fmt.Errorf("sfc_request_types.%s references unknown vnf type %q", name, t)
			}
		}
		switch model.ChainDirection(spec.Direction) {
		case model.DirectionInbound, model.DirectionOutbound, model.DirectionBidirectional:
		default:
			return fmt.Errorf("sfc_request_types.%s.direction is invalid", name)
		}
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if host := os.Getenv("SFC_DB_HOST"); host != "" {
		c.Storage.Host = host
	}
	if user := os.Getenv("SFC_DB_USER"); user != "" {
		c.Storage.User = user
	}
	if password := os.Getenv("SFC_DB_PASSWORD"); password != "" {
		c.Storage.Password = password
	}
	if dbname := os.Getenv("SFC_DB_NAME"); dbname != "" {
		c.Storage.DBName = dbname
	}
	if url := os.Getenv("SFC_PROMETHEUS_URL"); url != "" {
		c.Scraper.PrometheusURL = url
	}
	if logLevel := os.Getenv("SFC_LOG_LEVEL"); logLevel != "" {
		c.App.LogLevel = logLevel
	}
	if port := os.Getenv("SFC_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.HTTP.MetricsPort = p
		}
	}
}

// GetDatabaseURL returns the PostgreSQL connection string.
func (c *Config) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable&pool_max_conns=%d",
		c.Storage.User,
		c.Storage.Password,
		c.Storage.Host,
		c.Storage.Port,
		c.Storage.DBName,
		c.Storage.MaxConnections,
	)
}

// Types returns the closed VNF catalogue as typed tags.
func (c *Config) Types() []model.VNFType {
	out := make([]model.VNFType, len(c.VNFTypes))
	for i, t := range c.VNFTypes {
		out[i] = model.VNFType(t)
	}
	return out
}

// TickInterval returns the control-loop period as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.ControlLoop.TickInterval) * time.Second
}

// CooldownPeriod returns the per-type scaling cooldown as a duration.
func (c *Config) CooldownPeriod() time.Duration {
	return time.Duration(c.ControlLoop.Cooldown) * time.Second
}

// ScrapeInterval returns the scraper period as a duration.
func (c *Config) ScrapeInterval() time.Duration {
	return time.Duration(c.Scraper.Interval) * time.Second
}
