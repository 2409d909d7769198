// Package metrics wraps a dedicated Prometheus registry with deduplicated,
// schema-checked instrument creation and a single process-wide exposition
// listener. All orchestrator components receive the Registry handle through
// their constructors; nothing registers instruments behind its back.
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
)

// Kind identifies the instrument family.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

type entry struct {
	kind      Kind
	labels    string // sorted, comma-joined label names
	collector prometheus.Collector
}

// Registry is a deduplicated instrument registry backed by its own
// prometheus.Registry. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	reg     *prometheus.Registry
	entries map[string]entry
	logger  *zap.Logger

	serveOnce sync.Once
	server    *http.Server
}

// NewRegistry creates an empty registry and installs the process-start
// gauge so scrapers can detect restarts.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		reg:     prometheus.NewRegistry(),
		entries: make(map[string]entry),
		logger:  logger,
	}
	start, err := r.GetOrCreateGauge("process_start_time_seconds", nil,
		"Unix time the orchestrator process started")
	if err == nil {
		start.WithLabelValues().Set(float64(time.Now().Unix()))
	}
	return r
}

func labelKey(labels []string) string {
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

func (r *Registry) getOrCreate(kind Kind, name string, labels []string, help string,
	build func() prometheus.Collector) (prometheus.Collector, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[name]; ok {
		if e.kind != kind || e.labels != labelKey(labels) {
			return nil, model.NewError(model.ErrCodeSchemaMismatch,
				fmt.Sprintf("metric %q already registered as %s{%s}", name, e.kind, e.labels)).
				WithDetail("requested_kind", string(kind))
		}
		return e.collector, nil
	}

	c := build()
	if err := r.reg.Register(c); err != nil {
		return nil, model.NewError(model.ErrCodeSchemaMismatch,
			fmt.Sprintf("metric %q rejected by registry", name)).WithCause(err)
	}
	r.entries[name] = entry{kind: kind, labels: labelKey(labels), collector: c}
	return c, nil
}

// GetOrCreateCounter returns the counter vec registered under name,
// creating it on first use. Re-registration with the same schema returns
// the identical handle; a different kind or label set fails with
// schema-mismatch.
func (r *Registry) GetOrCreateCounter(name string, labels []string, help string) (*prometheus.CounterVec, error) {
	c, err := r.getOrCreate(KindCounter, name, labels, help, func() prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	})
	if err != nil {
		return nil, err
	}
	return c.(*prometheus.CounterVec), nil
}

// GetOrCreateGauge mirrors GetOrCreateCounter for gauges.
func (r *Registry) GetOrCreateGauge(name string, labels []string, help string) (*prometheus.GaugeVec, error) {
	c, err := r.getOrCreate(KindGauge, name, labels, help, func() prometheus.Collector {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	})
	if err != nil {
		return nil, err
	}
	return c.(*prometheus.GaugeVec), nil
}

// GetOrCreateHistogram mirrors GetOrCreateCounter for histograms with
// default buckets.
func (r *Registry) GetOrCreateHistogram(name string, labels []string, help string) (*prometheus.HistogramVec, error) {
	c, err := r.getOrCreate(KindHistogram, name, labels, help, func() prometheus.Collector {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help}, labels)
	})
	if err != nil {
		return nil, err
	}
	return c.(*prometheus.HistogramVec), nil
}

// Handler returns the exposition handler for mounting on an existing mux.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for in-process scrapes.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Serve starts the /metrics listener in the background. The first call
// wins; subsequent calls are no-ops, never errors.
func (r *Registry) Serve(port int) {
	r.serveOnce.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.Handler())
		r.server = &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		go func() {
			r.logger.Info("Metrics exposition started", zap.Int("port", port))
			if err := r.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	})
}

// Shutdown stops the exposition listener if one was started.
func (r *Registry) Shutdown() {
	if r.server != nil {
		_ = r.server.Close()
	}
}
