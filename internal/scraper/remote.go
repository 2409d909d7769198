package scraper

import (
	"context"
	"fmt"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	promv1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"go.uber.org/zap"
)

// RemoteReader queries an external Prometheus-compatible metric store.
// The orchestrator never writes to it; it is a read-only secondary source
// for capacity headroom and long-horizon series.
type RemoteReader struct {
	api    promv1.API
	logger *zap.Logger
}

func NewRemoteReader(url string, logger *zap.Logger) (*RemoteReader, error) {
	client, err := promapi.NewClient(promapi.Config{Address: url})
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus client: %w", err)
	}
	return &RemoteReader{api: promv1.NewAPI(client), logger: logger}, nil
}

// Query runs an instant query and returns the first sample value.
func (r *RemoteReader) Query(ctx context.Context, query string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, warnings, err := r.api.Query(ctx, query, time.Now())
	if err != nil {
		return 0, fmt.Errorf("prometheus query failed: %w", err)
	}
	if len(warnings) > 0 {
		r.logger.Warn("Prometheus query warnings", zap.Strings("warnings", warnings))
	}

	vector, ok := result.(model.Vector)
	if !ok {
		return 0, fmt.Errorf("unexpected result type: %T", result)
	}
	if len(vector) == 0 {
		return 0, fmt.Errorf("query %q returned no samples", query)
	}
	return float64(vector[0].Value), nil
}

// Headroom reports data-center capacity headroom in [0,1] per resource,
// falling back to optimistic defaults when the store is unreachable.
func (r *RemoteReader) Headroom(ctx context.Context) (cpu, memory, bandwidth float64) {
	cpu, memory, bandwidth = 0.8, 0.7, 1.0

	if v, err := r.Query(ctx, `1 - avg(rate(node_cpu_seconds_total{mode!="idle"}[5m]))`); err == nil {
		cpu = clamp01(v)
	}
	if v, err := r.Query(ctx, `avg(node_memory_MemAvailable_bytes / node_memory_MemTotal_bytes)`); err == nil {
		memory = clamp01(v)
	}
	return cpu, memory, bandwidth
}

// Health checks reachability of the metric store.
func (r *RemoteReader) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, _, err := r.api.Query(ctx, "up", time.Now()); err != nil {
		return fmt.Errorf("prometheus health check failed: %w", err)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
