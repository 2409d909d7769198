package agent

import (
	"math"
	"math/rand"
	"sync"
)

// Experience is one (s, a, r, s', done) transition.
type Experience struct {
	State     []float64
	Action    int
	Reward    float64
	NextState []float64
	Done      bool
}

// PrioritizedBuffer samples experiences with probability proportional to
// |TD error|^alpha and corrects the bias with importance-sampling weights
// whose exponent beta anneals toward 1.
type PrioritizedBuffer struct {
	mu         sync.Mutex
	capacity   int
	alpha      float64
	beta       float64
	betaStep   float64
	eps        float64
	buffer     []Experience
	priorities []float64
	next       int
	full       bool
}

func NewPrioritizedBuffer(capacity int, alpha, beta float64) *PrioritizedBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &PrioritizedBuffer{
		capacity:   capacity,
		alpha:      alpha,
		beta:       beta,
		betaStep:   (1.0 - beta) / 100000,
		eps:        1e-6,
		buffer:     make([]Experience, 0, capacity),
		priorities: make([]float64, 0, capacity),
	}
}

// Add stores an experience at the current max priority so it is sampled
// at least once before its TD error is known.
func (b *PrioritizedBuffer) Add(exp Experience) {
	b.mu.Lock()
	defer b.mu.Unlock()

	priority := 1.0
	for _, p := range b.priorities {
		if p > priority {
			priority = p
		}
	}

	if len(b.buffer) < b.capacity {
		b.buffer = append(b.buffer, exp)
		b.priorities = append(b.priorities, priority)
		return
	}
	b.buffer[b.next] = exp
	b.priorities[b.next] = priority
	b.next = (b.next + 1) % b.capacity
	b.full = true
}

// Len returns the number of stored experiences.
func (b *PrioritizedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Sample draws batchSize experiences. It returns the experiences, their
// buffer indices for the later priority update, and normalized
// importance-sampling weights. Beta anneals a small step per call.
func (b *PrioritizedBuffer) Sample(batchSize int, rng *rand.Rand) ([]Experience, []int, []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.buffer)
	if n == 0 {
		return nil, nil, nil
	}
	if batchSize > n {
		batchSize = n
	}

	probs := make([]float64, n)
	var total float64
	for i, p := range b.priorities {
		probs[i] = math.Pow(p+b.eps, b.alpha)
		total += probs[i]
	}

	exps := make([]Experience, batchSize)
	indices := make([]int, batchSize)
	weights := make([]float64, batchSize)
	maxW := 0.0
	for i := 0; i < batchSize; i++ {
		r := rng.Float64() * total
		idx := 0
		for acc := probs[0]; acc < r && idx < n-1; {
			idx++
			acc += probs[idx]
		}
		exps[i] = b.buffer[idx]
		indices[i] = idx
		w := math.Pow(float64(n)*probs[idx]/total, -b.beta)
		weights[i] = w
		if w > maxW {
			maxW = w
		}
	}
	if maxW > 0 {
		for i := range weights {
			weights[i] /= maxW
		}
	}

	if b.beta < 1.0 {
		b.beta = math.Min(1.0, b.beta+b.betaStep)
	}
	return exps, indices, weights
}

// UpdatePriorities sets new |TD error| priorities for sampled indices.
func (b *PrioritizedBuffer) UpdatePriorities(indices []int, tdErrors []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, idx := range indices {
		if idx >= 0 && idx < len(b.priorities) && i < len(tdErrors) {
			b.priorities[idx] = math.Abs(tdErrors[i]) + b.eps
		}
	}
}

// SampleProbability returns the current normalized probability of one
// index being drawn. Used by the property tests.
func (b *PrioritizedBuffer) SampleProbability(index int) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.priorities) {
		return 0
	}
	var total float64
	for _, p := range b.priorities {
		total += math.Pow(p+b.eps, b.alpha)
	}
	if total == 0 {
		return 0
	}
	return math.Pow(b.priorities[index]+b.eps, b.alpha) / total
}
