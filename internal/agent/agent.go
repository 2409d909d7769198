// Package agent implements the scaling decision agent: a dueling deep
// Q-network with an attention block over the state vector, trained from a
// prioritized replay buffer with double-DQN targets.
package agent

import (
	"encoding/gob"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/vnfmesh/sfc-orchestrator/internal/model"
	"github.com/vnfmesh/sfc-orchestrator/pkg/metrics"
)

// Action is one entry of the discrete action space: a scale verb bound to
// a VNF type.
type Action struct {
	Kind model.ScaleAction
	Type model.VNFType
}

// Config carries the agent hyperparameters.
type Config struct {
	StateDim         int
	HiddenDim        int
	LearningRate     float64
	BatchSize        int
	MemorySize       int
	Gamma            float64
	Epsilon          float64
	EpsilonMin       float64
	EpsilonDecay     float64
	TargetUpdateFreq int
	Alpha            float64 // priority exponent
	Beta             float64 // importance-sampling start
	ClipNorm         float64
	ModelPath        string
	CheckpointEvery  int // episodes between checkpoints
	Seed             int64
}

func DefaultAgentConfig() Config {
	return Config{
		HiddenDim:        64,
		LearningRate:     0.001,
		BatchSize:        32,
		MemorySize:       10000,
		Gamma:            0.99,
		Epsilon:          1.0,
		EpsilonMin:       0.01,
		EpsilonDecay:     0.995,
		TargetUpdateFreq: 100,
		Alpha:            0.6,
		Beta:             0.4,
		ClipNorm:         1.0,
		CheckpointEvery:  10,
		Seed:             1,
	}
}

// Agent is the learning scaling agent.
type Agent struct {
	mu      sync.Mutex
	cfg     Config
	actions []Action
	online  *Network
	target  *Network
	replay  *PrioritizedBuffer
	rng     *rand.Rand
	ins     *metrics.Instruments
	logger  *zap.Logger

	epsilon       float64
	trainStep     int
	adamStep      int
	episode       int
	episodeReward float64
}

// NewAgent builds the action space (allocate_new, drain_one, no_op per
// type) and both networks, loading a checkpoint if one exists at
// cfg.ModelPath.
func NewAgent(cfg Config, types []model.VNFType, ins *metrics.Instruments, logger *zap.Logger) *Agent {
	if cfg.HiddenDim == 0 {
		def := DefaultAgentConfig()
		def.StateDim = cfg.StateDim
		cfg = def
	}

	var actions []Action
	for _, t := range types {
		actions = append(actions, Action{Kind: model.ActionAllocateNew, Type: t})
		actions = append(actions, Action{Kind: model.ActionDrainOne, Type: t})
		actions = append(actions, Action{Kind: model.ActionNoOp, Type: t})
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	a := &Agent{
		cfg:     cfg,
		actions: actions,
		online:  NewNetwork(cfg.StateDim, len(actions), cfg.HiddenDim, rng),
		target:  NewNetwork(cfg.StateDim, len(actions), cfg.HiddenDim, rng),
		replay:  NewPrioritizedBuffer(cfg.MemorySize, cfg.Alpha, cfg.Beta),
		rng:     rng,
		ins:     ins,
		logger:  logger,
		epsilon: cfg.Epsilon,
	}
	a.target.CopyFrom(a.online)

	if cfg.ModelPath != "" {
		if err := a.Load(cfg.ModelPath); err == nil {
			logger.Info("Agent checkpoint loaded", zap.String("path", cfg.ModelPath))
		} else if !os.IsNotExist(err) {
			logger.Warn("Agent checkpoint unusable, starting fresh",
				zap.String("path", cfg.ModelPath), zap.Error(err))
		}
	}
	return a
}

// ActionSpace returns the discrete action list, index-aligned with the
// network's outputs.
func (a *Agent) ActionSpace() []Action {
	return a.actions
}

// SelectAction chooses an action index under the epsilon-greedy policy.
// Deterministic given the state and the internal RNG position.
func (a *Agent) SelectAction(state []float64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rng.Float64() < a.epsilon {
		return a.rng.Intn(len(a.actions))
	}
	return a.greedyLocked(state)
}

// Greedy returns argmax Q(s, ·) with no exploration. A pure function of
// the state given frozen weights.
func (a *Agent) Greedy(state []float64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.greedyLocked(state)
}

func (a *Agent) greedyLocked(state []float64) int {
	q, _ := a.online.Forward(state)
	return argmax(q)
}

func argmax(x []float64) int {
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

// Observe records one transition. Non-blocking; the transition enters the
// replay buffer at the current max priority.
func (a *Agent) Observe(state []float64, action int, reward float64, next []float64, done bool) {
	a.replay.Add(Experience{
		State:     append([]float64(nil), state...),
		Action:    action,
		Reward:    reward,
		NextState: append([]float64(nil), next...),
		Done:      done,
	})
	a.mu.Lock()
	a.episodeReward += reward
	a.mu.Unlock()
}

// TrainStep runs one gradient step when the buffer holds at least a
// batch. It returns the weighted loss, zero when skipped.
func (a *Agent) TrainStep() float64 {
	if a.replay.Len() < a.cfg.BatchSize {
		return 0
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	exps, indices, weights := a.replay.Sample(a.cfg.BatchSize, a.rng)
	if len(exps) == 0 {
		return 0
	}

	a.online.zeroGrad()
	tdErrors := make([]float64, len(exps))
	var loss float64

	for i, exp := range exps {
		q, cache := a.online.Forward(exp.State)

		targetQ := exp.Reward
		if !exp.Done {
			// Double DQN: the online net picks a*, the target net
			// evaluates it.
			nextOnline, _ := a.online.Forward(exp.NextState)
			aStar := argmax(nextOnline)
			nextTarget, _ := a.target.Forward(exp.NextState)
			targetQ += a.cfg.Gamma * nextTarget[aStar]
		}

		td := q[exp.Action] - targetQ
		tdErrors[i] = td
		loss += weights[i] * td * td

		dq := make([]float64, len(q))
		dq[exp.Action] = 2 * weights[i] * td / float64(len(exps))
		a.online.Backward(cache, dq)
	}
	loss /= float64(len(exps))

	a.online.clipGradients(a.cfg.ClipNorm)
	a.adamStep++
	a.online.adamStep(a.cfg.LearningRate, a.adamStep)

	a.replay.UpdatePriorities(indices, tdErrors)

	a.trainStep++
	if a.trainStep%a.cfg.TargetUpdateFreq == 0 {
		a.target.CopyFrom(a.online)
	}

	if a.epsilon > a.cfg.EpsilonMin {
		a.epsilon *= a.cfg.EpsilonDecay
		if a.epsilon < a.cfg.EpsilonMin {
			a.epsilon = a.cfg.EpsilonMin
		}
	}
	return loss
}

// EndEpisode closes the running episode: publishes the accumulated
// reward, advances the checkpoint cadence, and resets the accumulator.
func (a *Agent) EndEpisode() {
	a.mu.Lock()
	reward := a.episodeReward
	a.episodeReward = 0
	a.episode++
	episode := a.episode
	a.mu.Unlock()

	a.ins.EpisodeReward.WithLabelValues().Set(reward)

	if a.cfg.ModelPath != "" && a.cfg.CheckpointEvery > 0 && episode%a.cfg.CheckpointEvery == 0 {
		if err := a.Save(a.cfg.ModelPath); err != nil {
			a.logger.Warn("Agent checkpoint failed", zap.Error(err))
		} else {
			a.logger.Info("Agent checkpoint written",
				zap.Int("episode", episode),
				zap.String("path", a.cfg.ModelPath),
			)
		}
	}
}

// ReplaySize reports the number of stored transitions.
func (a *Agent) ReplaySize() int {
	return a.replay.Len()
}

// Epsilon reports the current exploration rate.
func (a *Agent) Epsilon() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epsilon
}

// checkpoint is the gob payload written to disk.
type checkpoint struct {
	Online    NetworkState
	Target    NetworkState
	Epsilon   float64
	TrainStep int
	AdamStep  int
	Episode   int
}

// Save writes weights and training state to path.
func (a *Agent) Save(path string) error {
	a.mu.Lock()
	cp := checkpoint{
		Online:    a.online.Snapshot(),
		Target:    a.target.Snapshot(),
		Epsilon:   a.epsilon,
		TrainStep: a.trainStep,
		AdamStep:  a.adamStep,
		Episode:   a.episode,
	}
	a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(cp); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Load restores weights and training state from path.
func (a *Agent) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var cp checkpoint
	if err := gob.NewDecoder(f).Decode(&cp); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.online.Restore(cp.Online) || !a.target.Restore(cp.Target) {
		return fmt.Errorf("checkpoint architecture mismatch")
	}
	a.epsilon = cp.Epsilon
	a.trainStep = cp.TrainStep
	a.adamStep = cp.AdamStep
	a.episode = cp.Episode
	return nil
}
