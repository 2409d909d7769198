package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
)

// LocalRuntime is an in-process container runtime for placeholder VNFs.
// It backs the simulator mode and the self-test subcommands: containers
// are records, probes succeed after a configurable number of attempts, and
// the scrape hook renders a synthetic text exposition from injected load.
type LocalRuntime struct {
	mu         sync.Mutex
	containers map[string]*localContainer
	knownImage map[string]bool

	// ProbeFailures makes the next containers fail this many probes
	// before going healthy. Negative means never healthy.
	ProbeFailures int
}

type localContainer struct {
	info       ContainerInfo
	image      string
	env        map[string]string
	probesLeft int

	cpu, mem, latency, throughput float64
}

// NewLocalRuntime creates a runtime that accepts the given images. An
// empty list accepts any image.
func NewLocalRuntime(images ...string) *LocalRuntime {
	known := make(map[string]bool, len(images))
	for _, img := range images {
		known[img] = true
	}
	return &LocalRuntime{
		containers: make(map[string]*localContainer),
		knownImage: known,
	}
}

func (r *LocalRuntime) Create(ctx context.Context, image string, env map[string]string) (ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.knownImage) > 0 && !r.knownImage[image] {
		return ContainerInfo{}, model.NewError(model.ErrCodeImageMissing,
			fmt.Sprintf("image %q not found", image))
	}

	id := uuid.NewString()
	c := &localContainer{
		info: ContainerInfo{
			ID:         id,
			State:      ContainerRunning,
			ScrapeAddr: fmt.Sprintf("local://%s/metrics", id),
		},
		image:      image,
		env:        env,
		probesLeft: r.ProbeFailures,
		cpu:        10, mem: 15, latency: 50, throughput: 0,
	}
	r.containers[id] = c
	return c.info, nil
}

func (r *LocalRuntime) Destroy(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil
	}
	c.info.State = ContainerGone
	delete(r.containers, id)
	return nil
}

func (r *LocalRuntime) Inspect(ctx context.Context, id string) (ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return ContainerInfo{ID: id, State: ContainerGone}, nil
	}
	return c.info, nil
}

func (r *LocalRuntime) ExecProbe(ctx context.Context, id string, command []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return 1, model.NewError(model.ErrCodeAlreadyDestroyed, fmt.Sprintf("container %s gone", id))
	}
	if c.probesLeft < 0 {
		return 1, nil
	}
	if c.probesLeft > 0 {
		c.probesLeft--
		return 1, nil
	}
	return 0, nil
}

// SetLoad injects the synthetic load the scrape hook reports for one
// container.
func (r *LocalRuntime) SetLoad(id string, cpu, mem, latency, throughput float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.cpu, c.mem, c.latency, c.throughput = cpu, mem, latency, throughput
	}
}

// Metrics renders the placeholder VNF's text exposition.
func (r *LocalRuntime) Metrics(ctx context.Context, id string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return nil, model.NewError(model.ErrCodeAlreadyDestroyed, fmt.Sprintf("container %s gone", id))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# TYPE vnf_cpu_percent gauge\nvnf_cpu_percent %g\n", c.cpu)
	fmt.Fprintf(&b, "# TYPE vnf_memory_percent gauge\nvnf_memory_percent %g\n", c.mem)
	fmt.Fprintf(&b, "# TYPE vnf_processing_latency_ms gauge\nvnf_processing_latency_ms %g\n", c.latency)
	fmt.Fprintf(&b, "# TYPE vnf_throughput_rps gauge\nvnf_throughput_rps %g\n", c.throughput)
	return []byte(b.String()), nil
}
