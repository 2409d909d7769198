// Package flow owns the flow-steering rules and the per-type round-robin
// load balancer, and exposes them over the HTTP flow API.
package flow

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
)

// InstanceLookup resolves an instance id to its current record. The flow
// controller uses it to skip starting/draining instances during load
// balancing and to validate rules.
type InstanceLookup func(id string) (model.Instance, bool)

// ChainRefCheck reports whether any active chain still references the
// given VNF type. Removing the last rule of such a type is forbidden.
type ChainRefCheck func(t model.VNFType) bool

// Controller is the authoritative flow-rule table.
type Controller struct {
	mu      sync.Mutex
	rules   map[string]model.FlowRule
	byType  map[model.VNFType][]string
	cursor  map[model.VNFType]int
	lookup  InstanceLookup
	chained ChainRefCheck
	logger  *zap.Logger
}

func NewController(lookup InstanceLookup, logger *zap.Logger) *Controller {
	return &Controller{
		rules:  make(map[string]model.FlowRule),
		byType: make(map[model.VNFType][]string),
		cursor: make(map[model.VNFType]int),
		lookup: lookup,
		logger: logger,
	}
}

// OnChainRef registers the back-reference check used to guard removals.
func (c *Controller) OnChainRef(check ChainRefCheck) {
	c.mu.Lock()
	c.chained = check
	c.mu.Unlock()
}

// AddRule installs a flow rule. A rule conflicts only with an active rule
// of the same type that has the same instance, priority and chain id; rules
// with different chain ids may reference the same instance at the same
// priority.
func (c *Controller) AddRule(t model.VNFType, instanceID string, priority int, chainID string) (model.FlowRule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.byType[t] {
		r := c.rules[id]
		if r.Status == model.FlowActive && r.InstanceID == instanceID && r.Priority == priority && r.ChainID == chainID {
			return model.FlowRule{}, model.NewError(model.ErrCodeConflict,
				fmt.Sprintf("active rule for instance %s at priority %d already exists", instanceID, priority)).
				WithDetail("conflict", id)
		}
	}

	if c.lookup != nil {
		inst, ok := c.lookup(instanceID)
		if !ok || inst.State == model.StateRemoved {
			return model.FlowRule{}, model.NewError(model.ErrCodeCapacity,
				fmt.Sprintf("instance %s is not routable", instanceID))
		}
	}

	rule := model.FlowRule{
		FlowID:     uuid.NewString(),
		Type:       t,
		InstanceID: instanceID,
		Priority:   priority,
		Status:     model.FlowActive,
		ChainID:    chainID,
		CreatedAt:  time.Now(),
	}
	c.rules[rule.FlowID] = rule
	c.byType[t] = append(c.byType[t], rule.FlowID)

	c.logger.Info("Flow rule added",
		zap.String("flow_id", rule.FlowID),
		zap.String("vnf_type", string(t)),
		zap.String("instance_id", instanceID),
	)
	return rule, nil
}

// RemoveRule deletes a rule by id. Removing the last active rule of a type
// that active chains still traverse is refused.
func (c *Controller) RemoveRule(flowID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rule, ok := c.rules[flowID]
	if !ok || rule.Status == model.FlowRemoved {
		return model.NewError(model.ErrCodeAlreadyDestroyed, fmt.Sprintf("flow rule %s not found", flowID))
	}

	activeOfType := 0
	for _, id := range c.byType[rule.Type] {
		if c.rules[id].Status == model.FlowActive {
			activeOfType++
		}
	}
	if activeOfType == 1 && c.chained != nil && c.chained(rule.Type) {
		return model.NewError(model.ErrCodeInvalidAction,
			fmt.Sprintf("cannot remove last active rule of %s while chains reference it", rule.Type))
	}

	rule.Status = model.FlowRemoved
	c.rules[flowID] = rule
	ids := c.byType[rule.Type]
	for i, id := range ids {
		if id == flowID {
			c.byType[rule.Type] = append(ids[:i], ids[i+1:]...)
			break
		}
	}

	c.logger.Info("Flow rule removed",
		zap.String("flow_id", flowID),
		zap.String("vnf_type", string(rule.Type)),
	)
	return nil
}

// RemoveRulesForInstance removes every active rule steering to one
// instance. Used when an instance drains.
func (c *Controller) RemoveRulesForInstance(instanceID string) int {
	c.mu.Lock()
	var doomed []string
	for id, r := range c.rules {
		if r.Status == model.FlowActive && r.InstanceID == instanceID {
			doomed = append(doomed, id)
		}
	}
	c.mu.Unlock()

	removed := 0
	for _, id := range doomed {
		if err := c.RemoveRule(id); err == nil {
			removed++
		}
	}
	return removed
}

// ListRules snapshots the active rules, optionally filtered by type.
func (c *Controller) ListRules(t model.VNFType) []model.FlowRule {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.FlowRule
	for _, r := range c.rules {
		if r.Status != model.FlowActive {
			continue
		}
		if t != "" && r.Type != t {
			continue
		}
		out = append(out, r)
	}
	return out
}

// RulesForChain snapshots the active rules carrying one chain id.
func (c *Controller) RulesForChain(chainID string) []model.FlowRule {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []model.FlowRule
	for _, r := range c.rules {
		if r.Status == model.FlowActive && r.ChainID == chainID {
			out = append(out, r)
		}
	}
	return out
}

// NextInstance returns the next active instance of a type under
// round-robin, skipping instances that are starting or draining.
func (c *Controller) NextInstance(t model.VNFType) (model.Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := c.byType[t]
	if len(ids) == 0 {
		return model.Instance{}, model.NewError(model.ErrCodeNoCapacity,
			fmt.Sprintf("no flow rules for type %s", t))
	}

	start := c.cursor[t]
	for i := 0; i < len(ids); i++ {
		idx := (start + i) % len(ids)
		rule := c.rules[ids[idx]]
		if rule.Status != model.FlowActive {
			continue
		}
		if c.lookup == nil {
			c.cursor[t] = (idx + 1) % len(ids)
			return model.Instance{ID: rule.InstanceID, Type: t, State: model.StateActive}, nil
		}
		inst, ok := c.lookup(rule.InstanceID)
		if !ok || inst.State != model.StateActive {
			continue
		}
		c.cursor[t] = (idx + 1) % len(ids)
		return inst, nil
	}
	return model.Instance{}, model.NewError(model.ErrCodeNoCapacity,
		fmt.Sprintf("no healthy instance of type %s", t))
}

// Verify checks flow-table integrity: every active rule must reference an
// instance in state active or draining. A violation is the fatal-class
// corruption that trips safe mode.
func (c *Controller) Verify() error {
	if c.lookup == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, r := range c.rules {
		if r.Status != model.FlowActive {
			continue
		}
		inst, ok := c.lookup(r.InstanceID)
		if !ok || (inst.State != model.StateActive && inst.State != model.StateDraining) {
			return model.NewError(model.ErrCodeFatal,
				fmt.Sprintf("flow rule %s references instance %s in state %s", id, r.InstanceID, inst.State))
		}
	}
	return nil
}
