// Package driver manages the lifecycle of VNF instances on top of an
// opaque container runtime. The runtime is a small capability set so the
// orchestrator runs unchanged against local placeholder containers or a
// Kubernetes namespace.
package driver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
)

// ContainerState is what Inspect reports for a container.
type ContainerState string

const (
	ContainerRunning ContainerState = "running"
	ContainerExited  ContainerState = "exited"
	ContainerGone    ContainerState = "gone"
)

// ContainerInfo is the inspection snapshot of one container.
type ContainerInfo struct {
	ID         string
	State      ContainerState
	ScrapeAddr string
}

// ContainerAPI is the capability set the driver needs from a runtime:
// create, destroy, inspect, exec-probe. Any adapter satisfying it works.
type ContainerAPI interface {
	Create(ctx context.Context, image string, env map[string]string) (ContainerInfo, error)
	Destroy(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (ContainerInfo, error)
	ExecProbe(ctx context.Context, id string, command []string) (int, error)
}

// MetricsSource is the optional scrape hook a runtime may provide: the raw
// text exposition of one container's metrics endpoint.
type MetricsSource interface {
	Metrics(ctx context.Context, id string) ([]byte, error)
}

type trackedInstance struct {
	inst model.Instance
	// activeCh closes when the health probe settles the instance into
	// active, or the instance is destroyed first.
	activeCh chan struct{}
	probeErr error
}

// Driver owns the per-type instance pools and the
// starting -> active -> draining -> removed lifecycle.
type Driver struct {
	api         ContainerAPI
	imagePrefix string
	probeTO     time.Duration
	drainTO     time.Duration
	grace       time.Duration
	logger      *zap.Logger

	mu        sync.Mutex
	instances map[string]*trackedInstance
	byType    map[model.VNFType][]string

	// onDrain tells the flow controller to stop steering new traffic to
	// the instance. Set once during wiring.
	onDrain func(inst model.Instance)
}

// Options carries the rolling-update timing knobs.
type Options struct {
	ImagePrefix        string
	HealthCheckTimeout time.Duration
	DrainTimeout       time.Duration
	GracePeriod        time.Duration
}

func NewDriver(api ContainerAPI, opts Options, logger *zap.Logger) *Driver {
	if opts.HealthCheckTimeout == 0 {
		opts.HealthCheckTimeout = 30 * time.Second
	}
	if opts.DrainTimeout == 0 {
		opts.DrainTimeout = 60 * time.Second
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 10 * time.Second
	}
	return &Driver{
		api:         api,
		imagePrefix: opts.ImagePrefix,
		probeTO:     opts.HealthCheckTimeout,
		drainTO:     opts.DrainTimeout,
		grace:       opts.GracePeriod,
		logger:      logger,
		instances:   make(map[string]*trackedInstance),
		byType:      make(map[model.VNFType][]string),
	}
}

// OnDrain registers the flow-controller notification hook.
func (d *Driver) OnDrain(fn func(inst model.Instance)) {
	d.mu.Lock()
	d.onDrain = fn
	d.mu.Unlock()
}

func (d *Driver) image(t model.VNFType) string {
	if d.imagePrefix == "" {
		return fmt.Sprintf("%s-vnf", t)
	}
	return fmt.Sprintf("%s-%s-vnf", d.imagePrefix, t)
}

// Create launches a container for the given type and returns immediately
// with the instance in state starting. The health probe runs in the
// background; WaitActive blocks on its outcome.
func (d *Driver) Create(ctx context.Context, t model.VNFType) (model.Instance, error) {
	info, err := d.api.Create(ctx, d.image(t), map[string]string{"VNF_TYPE": string(t)})
	if err != nil {
		return model.Instance{}, err
	}

	inst := model.Instance{
		ID:         info.ID,
		Type:       t,
		State:      model.StateStarting,
		CreatedAt:  time.Now(),
		ScrapeAddr: info.ScrapeAddr,
	}
	if inst.ID == "" {
		inst.ID = uuid.NewString()
	}

	tracked := &trackedInstance{inst: inst, activeCh: make(chan struct{})}
	d.mu.Lock()
	d.instances[inst.ID] = tracked
	d.byType[t] = append(d.byType[t], inst.ID)
	d.mu.Unlock()

	go d.runHealthProbe(inst.ID)

	d.logger.Info("Instance created",
		zap.String("vnf_type", string(t)),
		zap.String("instance_id", inst.ID),
	)
	return inst, nil
}

func (d *Driver) runHealthProbe(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.probeTO)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		exit, err := d.api.ExecProbe(ctx, id, []string{"healthcheck"})
		if err == nil && exit == 0 {
			d.settleProbe(id, nil)
			return
		}

		select {
		case <-ctx.Done():
			probeErr := model.NewError(model.ErrCodeHealthTimeout,
				fmt.Sprintf("instance %s failed to become healthy within %s", id, d.probeTO))
			d.settleProbe(id, probeErr)
			destroyCtx, destroyCancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = d.Destroy(destroyCtx, id)
			destroyCancel()
			return
		case <-ticker.C:
		}
	}
}

func (d *Driver) settleProbe(id string, probeErr error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tracked, ok := d.instances[id]
	if !ok {
		return
	}
	select {
	case <-tracked.activeCh:
		return // already settled
	default:
	}
	tracked.probeErr = probeErr
	if probeErr == nil && tracked.inst.State == model.StateStarting {
		tracked.inst.State = model.StateActive
	}
	close(tracked.activeCh)
}

// WaitActive blocks until the instance's health probe succeeds or fails.
func (d *Driver) WaitActive(ctx context.Context, id string) error {
	d.mu.Lock()
	tracked, ok := d.instances[id]
	d.mu.Unlock()
	if !ok {
		return model.NewError(model.ErrCodeAlreadyDestroyed, fmt.Sprintf("unknown instance %s", id))
	}

	select {
	case <-tracked.activeCh:
		return tracked.probeErr
	case <-ctx.Done():
		return model.NewError(model.ErrCodeProbeTimeout, "wait for health probe cancelled").WithCause(ctx.Err())
	}
}

// Drain marks the instance draining, notifies the flow controller, and
// destroys the container after the drain timeout plus grace period.
func (d *Driver) Drain(ctx context.Context, id string, grace time.Duration) error {
	d.mu.Lock()
	tracked, ok := d.instances[id]
	if !ok {
		d.mu.Unlock()
		return model.NewError(model.ErrCodeAlreadyDestroyed, fmt.Sprintf("unknown instance %s", id))
	}
	if tracked.inst.State != model.StateActive {
		state := tracked.inst.State
		d.mu.Unlock()
		return model.NewError(model.ErrCodeInvalidAction,
			fmt.Sprintf("cannot drain instance %s in state %s", id, state))
	}
	tracked.inst.State = model.StateDraining
	inst := tracked.inst
	onDrain := d.onDrain
	d.mu.Unlock()

	if onDrain != nil {
		onDrain(inst)
	}

	if grace <= 0 {
		grace = d.grace
	}
	wait := d.drainTO + grace
	d.logger.Info("Instance draining",
		zap.String("instance_id", id),
		zap.Duration("wait", wait),
	)

	go func() {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		<-timer.C
		destroyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Destroy(destroyCtx, id); err != nil {
			d.logger.Warn("Drain destroy failed", zap.String("instance_id", id), zap.Error(err))
		}
	}()
	return nil
}

// Destroy removes the container. Idempotent: destroying an already-removed
// instance is a no-op.
func (d *Driver) Destroy(ctx context.Context, id string) error {
	d.mu.Lock()
	tracked, ok := d.instances[id]
	if !ok || tracked.inst.State == model.StateRemoved {
		d.mu.Unlock()
		return nil
	}
	tracked.inst.State = model.StateRemoved
	select {
	case <-tracked.activeCh:
	default:
		tracked.probeErr = model.NewError(model.ErrCodeAlreadyDestroyed, "destroyed before health probe settled")
		close(tracked.activeCh)
	}
	t := tracked.inst.Type
	ids := d.byType[t]
	for i, existing := range ids {
		if existing == id {
			d.byType[t] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	if err := d.api.Destroy(ctx, id); err != nil {
		return fmt.Errorf("destroy container %s: %w", id, err)
	}
	d.logger.Info("Instance destroyed", zap.String("instance_id", id))
	return nil
}

// List returns a snapshot of known instances of one type, removed ones
// excluded.
func (d *Driver) List(t model.VNFType) []model.Instance {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.Instance, 0, len(d.byType[t]))
	for _, id := range d.byType[t] {
		if tracked, ok := d.instances[id]; ok && tracked.inst.State != model.StateRemoved {
			out = append(out, tracked.inst)
		}
	}
	return out
}

// Get returns one instance by id.
func (d *Driver) Get(id string) (model.Instance, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	tracked, ok := d.instances[id]
	if !ok {
		return model.Instance{}, false
	}
	return tracked.inst, true
}

// CountServing returns |active ∪ starting| for one type, the quantity the
// pool bounds constrain.
func (d *Driver) CountServing(t model.VNFType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, id := range d.byType[t] {
		if tracked, ok := d.instances[id]; ok {
			switch tracked.inst.State {
			case model.StateActive, model.StateStarting:
				n++
			}
		}
	}
	return n
}

// SetMetrics records the latest scrape for an instance.
func (d *Driver) SetMetrics(id string, m model.InstanceMetrics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if tracked, ok := d.instances[id]; ok {
		tracked.inst.Metrics = m
	}
}

// RawMetrics pulls the text exposition for one instance through the
// runtime's scrape hook.
func (d *Driver) RawMetrics(ctx context.Context, id string) ([]byte, error) {
	src, ok := d.api.(MetricsSource)
	if !ok {
		return nil, model.NewError(model.ErrCodeTransientIO, "runtime does not expose a scrape hook")
	}
	return src.Metrics(ctx, id)
}
