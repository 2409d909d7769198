// Package allocator maps typed chain requests onto concrete VNF
// instances: it reserves one instance per hop, installs the flow path in
// chain order, and tears everything back down if any step fails.
package allocator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/driver"
	"github.com/vnfmesh/sfc-orchestrator/internal/flow"
	"github.com/vnfmesh/sfc-orchestrator/internal/model"
	"github.com/vnfmesh/sfc-orchestrator/pkg/metrics"
)

// ChainSpec is the configured chain for one request category.
type ChainSpec struct {
	Chain     []model.VNFType
	Direction model.ChainDirection
}

// Config tunes the allocator.
type Config struct {
	// ConcurrencyCap bounds simultaneous chains per instance.
	ConcurrencyCap int
	Specs          map[model.RequestCategory]ChainSpec
}

// Stats is the running allocation tally.
type Stats struct {
	TotalRequests   int64         `json:"total_requests"`
	Accepted        int64         `json:"accepted"`
	Rejected        int64         `json:"rejected"`
	AcceptanceRatio float64       `json:"acceptance_ratio"`
	MeanAllocation  time.Duration `json:"mean_allocation_time"`
}

// Allocator owns the chain-instance table and per-instance reservations.
type Allocator struct {
	flows  *flow.Controller
	drv    *driver.Driver
	ins    *metrics.Instruments
	logger *zap.Logger
	cap    int
	specs  map[model.RequestCategory]ChainSpec

	mu           sync.Mutex
	chains       map[string]*model.ChainInstance
	reservations map[string]int
	// instanceChains is the back-index from instance id to the chains
	// that traverse it, used for safe scale-in checks.
	instanceChains map[string]map[string]struct{}
	pendingByPrio  map[int]int

	totalRequests int64
	accepted      int64
	rejected      int64
	allocNanos    int64

	onOutcome func(accepted bool)
}

func New(flows *flow.Controller, drv *driver.Driver, ins *metrics.Instruments, cfg Config, logger *zap.Logger) *Allocator {
	if cfg.ConcurrencyCap == 0 {
		cfg.ConcurrencyCap = 100
	}
	return &Allocator{
		flows:          flows,
		drv:            drv,
		ins:            ins,
		logger:         logger,
		cap:            cfg.ConcurrencyCap,
		specs:          cfg.Specs,
		chains:         make(map[string]*model.ChainInstance),
		reservations:   make(map[string]int),
		instanceChains: make(map[string]map[string]struct{}),
		pendingByPrio:  make(map[int]int),
	}
}

// OnOutcome registers the hook feeding allocation results to the reward
// signal.
func (a *Allocator) OnOutcome(fn func(accepted bool)) { a.onOutcome = fn }

// Classify derives the request category from metadata, mirroring how the
// mail pipeline tags traffic.
func Classify(metadata map[string]string) model.RequestCategory {
	switch {
	case metadata["saas_access"] == "true":
		return model.CategoryBranchSaaSAccess
	case metadata["has_attachments"] == "true":
		return model.CategoryAttachmentRisk
	case metadata["compliance_required"] == "true":
		return model.CategoryOutboundCompliance
	case metadata["direction"] == "inbound":
		return model.CategoryInboundUserProtection
	default:
		return model.CategoryAntiSpoofEnforcement
	}
}

// BuildRequest assembles an immutable chain request for the metadata.
func (a *Allocator) BuildRequest(metadata map[string]string, priority int) (model.ChainRequest, error) {
	if priority < 1 || priority > 10 {
		return model.ChainRequest{}, model.NewError(model.ErrCodeInvalidAction,
			fmt.Sprintf("priority %d out of range 1-10", priority))
	}
	category := Classify(metadata)
	spec, ok := a.specs[category]
	if !ok {
		return model.ChainRequest{}, model.NewError(model.ErrCodeNoCapacity,
			fmt.Sprintf("no chain configured for category %s", category))
	}

	return model.ChainRequest{
		RequestID: uuid.NewString(),
		Category:  category,
		Direction: spec.Direction,
		Chain:     append([]model.VNFType(nil), spec.Chain...),
		Priority:  priority,
		Metadata:  metadata,
		CreatedAt: time.Now(),
	}, nil
}

// Allocate realizes one chain request. All failures clean up any partial
// state before returning.
func (a *Allocator) Allocate(ctx context.Context, req model.ChainRequest) (*model.ChainInstance, error) {
	start := time.Now()
	a.mu.Lock()
	a.totalRequests++
	a.pendingByPrio[req.Priority]++
	a.mu.Unlock()

	chain, err := a.allocateOne(ctx, req)

	a.mu.Lock()
	a.pendingByPrio[req.Priority]--
	if err == nil {
		a.accepted++
		a.allocNanos += time.Since(start).Nanoseconds()
	} else {
		a.rejected++
	}
	a.mu.Unlock()

	if err != nil {
		a.ins.SFCRequests.WithLabelValues("rejected").Inc()
		if a.onOutcome != nil {
			a.onOutcome(false)
		}
		return nil, err
	}
	a.ins.SFCRequests.WithLabelValues("accepted").Inc()
	if a.onOutcome != nil {
		a.onOutcome(true)
	}
	return chain, nil
}

func (a *Allocator) allocateOne(ctx context.Context, req model.ChainRequest) (*model.ChainInstance, error) {
	chainID := "chain-" + req.RequestID

	// Step 1: pick a target instance per hop, fail-fast on a missing type.
	targets := make(map[model.VNFType]string, len(req.Chain))
	for _, t := range req.Chain {
		inst, err := a.flows.NextInstance(t)
		if err != nil {
			return nil, model.NewError(model.ErrCodeNoCapacity,
				fmt.Sprintf("no instance available for %s", t)).WithCause(err)
		}
		targets[t] = inst.ID
	}

	// Step 2: reserve atomically under one critical section.
	if err := a.reserve(chainID, targets); err != nil {
		return nil, err
	}

	// Step 3: install flow rules in chain order; unwind on any failure.
	var installed []string
	for _, t := range req.Chain {
		rule, err := a.flows.AddRule(t, targets[t], rulePriority(req.Priority), chainID)
		if err != nil {
			a.unwind(installed, targets)
			return nil, model.NewError(model.ErrCodeNoCapacity,
				fmt.Sprintf("flow install failed at %s", t)).WithCause(err)
		}
		installed = append(installed, rule.FlowID)
	}

	// Step 4: activate only when every referenced instance is active.
	for t, id := range targets {
		inst, ok := a.drv.Get(id)
		if !ok || inst.State != model.StateActive {
			a.unwind(installed, targets)
			return nil, model.NewError(model.ErrCodeNoCapacity,
				fmt.Sprintf("instance %s for %s is not active", id, t))
		}
	}

	chain := &model.ChainInstance{
		ChainID:     chainID,
		Request:     req,
		Instances:   targets,
		FlowRuleIDs: installed,
		Status:      model.ChainActive,
		StartedAt:   time.Now(),
	}

	a.mu.Lock()
	a.chains[chainID] = chain
	for _, id := range targets {
		if a.instanceChains[id] == nil {
			a.instanceChains[id] = make(map[string]struct{})
		}
		a.instanceChains[id][chainID] = struct{}{}
	}
	a.mu.Unlock()

	a.logger.Info("Chain allocated",
		zap.String("chain_id", chainID),
		zap.String("category", string(req.Category)),
		zap.Int("hops", len(req.Chain)),
	)
	return chain, nil
}

// AllocateBidirectional realizes the forward chain and its complement;
// both must succeed for the request to be accepted.
func (a *Allocator) AllocateBidirectional(ctx context.Context, req model.ChainRequest) (*model.ChainInstance, *model.ChainInstance, error) {
	primary, err := a.Allocate(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	complement := complementRequest(req)
	secondary, err := a.Allocate(ctx, complement)
	if err != nil {
		if terr := a.Teardown(primary.ChainID); terr != nil {
			a.logger.Warn("Primary teardown after complement failure",
				zap.String("chain_id", primary.ChainID), zap.Error(terr))
		}
		return nil, nil, err
	}
	return primary, secondary, nil
}

// complementRequest reverses the chain unless the request metadata pins an
// explicit complement.
func complementRequest(req model.ChainRequest) model.ChainRequest {
	out := req
	out.RequestID = req.RequestID + "-complement"
	switch req.Direction {
	case model.DirectionInbound:
		out.Direction = model.DirectionOutbound
	case model.DirectionOutbound:
		out.Direction = model.DirectionInbound
	}

	if override := req.Metadata["complement_chain"]; override != "" {
		var chain []model.VNFType
		for _, part := range strings.Split(override, ",") {
			chain = append(chain, model.VNFType(strings.TrimSpace(part)))
		}
		out.Chain = chain
		return out
	}

	reversed := make([]model.VNFType, len(req.Chain))
	for i, t := range req.Chain {
		reversed[len(req.Chain)-1-i] = t
	}
	out.Chain = reversed
	return out
}

func rulePriority(requestPriority int) int {
	return 100 + requestPriority
}

// reserve increments the reservation counters, reverting everything if
// any would exceed its cap.
func (a *Allocator) reserve(chainID string, targets map[model.VNFType]string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Count per instance first: a chain may traverse one instance twice.
	need := make(map[string]int)
	for _, id := range targets {
		need[id]++
	}
	for id, n := range need {
		if a.reservations[id]+n > a.cap {
			return model.NewError(model.ErrCodeNoCapacity,
				fmt.Sprintf("instance %s at concurrency cap", id))
		}
	}
	for id, n := range need {
		a.reservations[id] += n
	}
	return nil
}

func (a *Allocator) release(targets map[model.VNFType]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, id := range targets {
		if a.reservations[id] > 0 {
			a.reservations[id]--
		}
	}
}

// unwind removes installed rules and reverts reservations after a partial
// allocation.
func (a *Allocator) unwind(installed []string, targets map[model.VNFType]string) {
	for i := len(installed) - 1; i >= 0; i-- {
		if err := a.flows.RemoveRule(installed[i]); err != nil {
			a.logger.Warn("Rollback rule removal failed",
				zap.String("flow_id", installed[i]), zap.Error(err))
		}
	}
	a.release(targets)
}

// Teardown releases one chain: rules removed, reservations returned,
// status recorded.
func (a *Allocator) Teardown(chainID string) error {
	a.mu.Lock()
	chain, ok := a.chains[chainID]
	if !ok {
		a.mu.Unlock()
		return model.NewError(model.ErrCodeAlreadyDestroyed, fmt.Sprintf("chain %s not found", chainID))
	}
	chain.Status = model.ChainTornDown
	chain.StoppedAt = time.Now()
	for _, id := range chain.Instances {
		delete(a.instanceChains[id], chainID)
		if len(a.instanceChains[id]) == 0 {
			delete(a.instanceChains, id)
		}
	}
	ruleIDs := append([]string(nil), chain.FlowRuleIDs...)
	targets := chain.Instances
	a.mu.Unlock()

	for _, id := range ruleIDs {
		if err := a.flows.RemoveRule(id); err != nil {
			a.logger.Debug("Rule already gone", zap.String("flow_id", id))
		}
	}
	a.release(targets)

	a.logger.Info("Chain torn down", zap.String("chain_id", chainID))
	return nil
}

// HasActiveChains reports whether any active chain traverses the type.
func (a *Allocator) HasActiveChains(t model.VNFType) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, chain := range a.chains {
		if chain.Status != model.ChainActive {
			continue
		}
		if _, ok := chain.Instances[t]; ok {
			return true
		}
	}
	return false
}

// ChainsOn reports the ids of active chains traversing one instance.
func (a *Allocator) ChainsOn(instanceID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for id := range a.instanceChains[instanceID] {
		out = append(out, id)
	}
	return out
}

// Reservation reports the current reservation count of one instance.
func (a *Allocator) Reservation(instanceID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reservations[instanceID]
}

// Chains snapshots the chain table.
func (a *Allocator) Chains() []model.ChainInstance {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]model.ChainInstance, 0, len(a.chains))
	for _, chain := range a.chains {
		out = append(out, *chain)
	}
	return out
}

// PendingByPriority buckets in-flight requests into high/medium/low bands.
func (a *Allocator) PendingByPriority() (high, medium, low int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for prio, n := range a.pendingByPrio {
		switch {
		case prio >= 8:
			high += n
		case prio >= 4:
			medium += n
		default:
			low += n
		}
	}
	return high, medium, low
}

// Stats reports the running acceptance tally.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Stats{
		TotalRequests: a.totalRequests,
		Accepted:      a.accepted,
		Rejected:      a.rejected,
	}
	if a.totalRequests > 0 {
		s.AcceptanceRatio = float64(a.accepted) / float64(a.totalRequests) * 100
	}
	if a.accepted > 0 {
		s.MeanAllocation = time.Duration(a.allocNanos / a.accepted)
	}
	return s
}
