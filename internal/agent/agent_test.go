package agent

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
	"github.com/vnfmesh/sfc-orchestrator/pkg/metrics"
)

func TestAgent(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Agent Suite")
}

func testInstruments() *metrics.Instruments {
	reg := metrics.NewRegistry(zap.NewNop())
	ins, err := metrics.NewInstruments(reg)
	Expect(err).NotTo(HaveOccurred())
	return ins
}

func testConfig(stateDim int) Config {
	cfg := DefaultAgentConfig()
	cfg.StateDim = stateDim
	cfg.HiddenDim = 16
	cfg.BatchSize = 4
	cfg.MemorySize = 64
	return cfg
}

var testTypes = []model.VNFType{model.VNFFirewall, model.VNFSpamFilter}

var _ = Describe("PrioritizedBuffer", func() {
	It("samples proportionally to |td error|^alpha", func() {
		buf := NewPrioritizedBuffer(8, 0.6, 0.4)
		for i := 0; i < 4; i++ {
			buf.Add(Experience{Action: i})
		}
		buf.UpdatePriorities([]int{0, 1, 2, 3}, []float64{0.1, 0.1, 0.1, 2.0})

		// The heavy index should carry |2.0|^0.6 / sum weight of the
		// total mass.
		pHeavy := buf.SampleProbability(3)
		pLight := buf.SampleProbability(0)
		expectedRatio := math.Pow(2.0+1e-6, 0.6) / math.Pow(0.1+1e-6, 0.6)
		Expect(pHeavy / pLight).To(BeNumerically("~", expectedRatio, 0.01))

		// Empirical check: the heavy experience dominates sampling.
		rng := rand.New(rand.NewSource(1))
		heavy := 0
		const draws = 2000
		for i := 0; i < draws; i++ {
			exps, _, _ := buf.Sample(1, rng)
			if exps[0].Action == 3 {
				heavy++
			}
		}
		Expect(float64(heavy) / draws).To(BeNumerically("~", pHeavy, 0.05))
	})

	It("anneals beta toward one", func() {
		buf := NewPrioritizedBuffer(8, 0.6, 0.4)
		for i := 0; i < 8; i++ {
			buf.Add(Experience{})
		}
		rng := rand.New(rand.NewSource(1))
		before := buf.beta
		for i := 0; i < 100; i++ {
			buf.Sample(4, rng)
		}
		Expect(buf.beta).To(BeNumerically(">", before))
		Expect(buf.beta).To(BeNumerically("<=", 1.0))
	})

	It("evicts the oldest experience at capacity", func() {
		buf := NewPrioritizedBuffer(2, 0.6, 0.4)
		buf.Add(Experience{Action: 0})
		buf.Add(Experience{Action: 1})
		buf.Add(Experience{Action: 2})
		Expect(buf.Len()).To(Equal(2))
		Expect(buf.buffer[0].Action).To(Equal(2))
		Expect(buf.buffer[1].Action).To(Equal(1))
	})
})

var _ = Describe("Agent", func() {
	stateDim := 10

	newState := func(seed int64) []float64 {
		rng := rand.New(rand.NewSource(seed))
		s := make([]float64, stateDim)
		for i := range s {
			s[i] = rng.Float64()
		}
		return s
	}

	It("builds the 3K action space", func() {
		a := NewAgent(testConfig(stateDim), testTypes, testInstruments(), zap.NewNop())
		Expect(a.ActionSpace()).To(HaveLen(3 * len(testTypes)))
	})

	It("is deterministic with a fixed seed and frozen weights", func() {
		cfg := testConfig(stateDim)
		cfg.Epsilon = 0 // greedy only
		a1 := NewAgent(cfg, testTypes, testInstruments(), zap.NewNop())
		a2 := NewAgent(cfg, testTypes, testInstruments(), zap.NewNop())

		state := newState(99)
		Expect(a1.SelectAction(state)).To(Equal(a2.SelectAction(state)))
		// Greedy is a pure function of the state.
		Expect(a1.Greedy(state)).To(Equal(a1.Greedy(state)))
	})

	It("reduces the TD loss on a repeated transition", func() {
		cfg := testConfig(stateDim)
		cfg.Epsilon = 0
		a := NewAgent(cfg, testTypes, testInstruments(), zap.NewNop())

		s := newState(1)
		next := newState(2)
		for i := 0; i < 16; i++ {
			a.Observe(s, 0, 1.0, next, true)
		}

		first := a.TrainStep()
		var last float64
		for i := 0; i < 60; i++ {
			last = a.TrainStep()
		}
		Expect(first).To(BeNumerically(">", 0))
		Expect(last).To(BeNumerically("<", first))
	})

	It("decays epsilon toward the floor during training", func() {
		cfg := testConfig(stateDim)
		cfg.EpsilonDecay = 0.5
		a := NewAgent(cfg, testTypes, testInstruments(), zap.NewNop())
		for i := 0; i < 8; i++ {
			a.Observe(newState(int64(i)), 0, 0, newState(int64(i+1)), false)
		}
		for i := 0; i < 20; i++ {
			a.TrainStep()
		}
		Expect(a.Epsilon()).To(BeNumerically("~", cfg.EpsilonMin, 1e-9))
	})

	It("round-trips weights through a checkpoint", func() {
		dir, err := os.MkdirTemp("", "agent-ckpt")
		Expect(err).NotTo(HaveOccurred())
		defer os.RemoveAll(dir)
		path := filepath.Join(dir, "agent.gob")

		cfg := testConfig(stateDim)
		cfg.Epsilon = 0
		a := NewAgent(cfg, testTypes, testInstruments(), zap.NewNop())
		state := newState(5)
		want := a.Greedy(state)
		Expect(a.Save(path)).To(Succeed())

		cfg2 := testConfig(stateDim)
		cfg2.Epsilon = 0
		cfg2.Seed = 777 // different init, must be overwritten by the load
		b := NewAgent(cfg2, testTypes, testInstruments(), zap.NewNop())
		Expect(b.Load(path)).To(Succeed())
		Expect(b.Greedy(state)).To(Equal(want))
	})

	It("publishes the episode reward on episode end", func() {
		ins := testInstruments()
		cfg := testConfig(stateDim)
		cfg.ModelPath = ""
		a := NewAgent(cfg, testTypes, ins, zap.NewNop())
		a.Observe(newState(1), 0, 2.0, newState(2), false)
		a.Observe(newState(2), 1, -0.5, newState(3), false)
		a.EndEpisode()
		Expect(testutil.ToFloat64(ins.EpisodeReward.WithLabelValues())).To(Equal(1.5))
		// Accumulator resets for the next episode.
		a.EndEpisode()
		Expect(testutil.ToFloat64(ins.EpisodeReward.WithLabelValues())).To(Equal(0.0))
	})
})

var _ = Describe("RewardWeights", func() {
	It("sums the configured terms per outcome", func() {
		w := DefaultRewardWeights()
		Expect(w.Score(Outcome{ChainSatisfied: true})).To(Equal(2.0))
		Expect(w.Score(Outcome{ChainDropped: true, SLAViolation: true})).To(BeNumerically("~", -2.3, 1e-9))
		Expect(w.Score(Outcome{ActionInvalid: true})).To(Equal(-1.0))
		Expect(w.Score(Outcome{ResourceEfficiency: 0.9})).To(BeNumerically("~", 0.3, 1e-9))
		Expect(w.Score(Outcome{ResourceEfficiency: 0.5})).To(Equal(0.0))
		Expect(w.Score(Outcome{WaitAction: true})).To(BeNumerically("~", -0.1, 1e-9))
	})
})
