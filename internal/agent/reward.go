package agent

// RewardWeights expose the reward shaping so deployments can retune it
// without code changes.
type RewardWeights struct {
	Satisfied   float64
	Dropped     float64
	Invalid     float64
	Unnecessary float64
	Efficiency  float64
	SLA         float64
	Wait        float64
}

func DefaultRewardWeights() RewardWeights {
	return RewardWeights{
		Satisfied: 2.0, Dropped: -1.5, Invalid: -1.0,
		Unnecessary: -0.5, Efficiency: 0.3, SLA: -0.8, Wait: -0.1,
	}
}

// Outcome describes what happened after one action was applied.
type Outcome struct {
	ChainSatisfied      bool
	ChainDropped        bool
	ActionInvalid       bool
	UnnecessaryTeardown bool
	ResourceEfficiency  float64
	SLAViolation        bool
	WaitAction          bool
}

// Score sums the configured reward terms for one outcome.
func (w RewardWeights) Score(o Outcome) float64 {
	var r float64
	if o.ChainSatisfied {
		r += w.Satisfied
	}
	if o.ChainDropped {
		r += w.Dropped
	}
	if o.ActionInvalid {
		r += w.Invalid
	}
	if o.UnnecessaryTeardown {
		r += w.Unnecessary
	}
	if o.ResourceEfficiency > 0.8 {
		r += w.Efficiency
	}
	if o.SLAViolation {
		r += w.SLA
	}
	if o.WaitAction {
		r += w.Wait
	}
	return r
}
