package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/core"
	"github.com/vnfmesh/sfc-orchestrator/internal/driver"
	"github.com/vnfmesh/sfc-orchestrator/internal/orchestrator"
	"github.com/vnfmesh/sfc-orchestrator/pkg/logger"
)

const usage = `usage: sfcd <command> [config]

commands:
  build         validate configuration and runtime connectivity
  orchestrate   run the orchestrator
  test1         self-test: metrics registry and scraper
  test2         self-test: forecaster
  test3         self-test: scaling round trip
  testall       run all self-tests
`

// Exit codes: 0 success, 1 configuration error, 2 runtime failure,
// 3 partial test failure.
const (
	exitOK          = 0
	exitConfigError = 1
	exitRuntime     = 2
	exitPartialTest = 3
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(exitConfigError)
	}
	command := os.Args[1]

	configPath := os.Getenv("SFC_CONFIG_PATH")
	if len(os.Args) > 2 {
		configPath = os.Args[2]
	}

	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config load failed: %v\n", err)
		os.Exit(exitConfigError)
	}

	if err := logger.Initialize(config.App.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Logger init failed: %v\n", err)
		os.Exit(exitConfigError)
	}

	var code int
	switch command {
	case "build":
		code = runBuild(config)
	case "orchestrate":
		code = runOrchestrate(config)
	case "test1":
		code = runTests(config, 1)
	case "test2":
		code = runTests(config, 2)
	case "test3":
		code = runTests(config, 3)
	case "testall":
		code = runTests(config, 1, 2, 3)
	default:
		fmt.Fprint(os.Stderr, usage)
		code = exitConfigError
	}

	_ = logger.Sync()
	os.Exit(code)
}

func loadConfig(path string) (*core.Config, error) {
	if path == "" {
		return core.Default(), nil
	}
	return core.LoadConfig(path)
}

// runBuild validates the configuration and, for the kubernetes runtime,
// cluster connectivity.
func runBuild(config *core.Config) int {
	if config.Driver.Runtime == "kubernetes" {
		if _, err := driver.NewKubeRuntime(config.Driver.Namespace, logger.Log); err != nil {
			logger.Error("Kubernetes runtime unavailable", zap.Error(err))
			return exitRuntime
		}
	}
	logger.Info("Configuration valid",
		zap.String("runtime", config.Driver.Runtime),
		zap.Int("vnf_types", len(config.VNFTypes)),
	)
	return exitOK
}

func runOrchestrate(config *core.Config) int {
	o, err := orchestrator.New(config, logger.Log)
	if err != nil {
		logger.Error("Orchestrator init failed", zap.Error(err))
		return exitRuntime
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := o.Bootstrap(ctx); err != nil {
		logger.Error("Bootstrap failed", zap.Error(err))
		return exitRuntime
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	if err := o.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("Orchestrator failed", zap.Error(err))
		return exitRuntime
	}
	return exitOK
}

func runTests(config *core.Config, tests ...int) int {
	failed := 0
	for _, n := range tests {
		var err error
		switch n {
		case 1:
			err = selfTestMetrics(config)
		case 2:
			err = selfTestForecaster(config)
		case 3:
			err = selfTestScaling(config)
		}
		if err != nil {
			logger.Error("Self-test failed", zap.Int("test", n), zap.Error(err))
			failed++
		} else {
			logger.Info("Self-test passed", zap.Int("test", n))
		}
	}

	if failed == 0 {
		return exitOK
	}
	if failed < len(tests) {
		return exitPartialTest
	}
	return exitRuntime
}
