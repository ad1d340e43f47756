package experiencereplay

import (
	"errors"
	"math/rand"
	"sync"
)

// RewardPredictionFrames is the fixed window size used by reward-prediction
// sampling.
const RewardPredictionFrames = 3

// rewardingBias is the probability that a reward-prediction sample is drawn
// from windows ending in a reward-bearing transition.
const rewardingBias = 0.5

var ErrNotEnough = errors.New("not enough stored transitions")

// Transition is one environment step as seen by the trainer.
type Transition struct {
	State      []float64
	PrevAction int
	PrevReward float64
	NextState  []float64
	Action     int
	Reward     float64
	Done       bool
}

// Buffer is a fixed-capacity ring buffer of transitions supporting the three
// sampling views the training loop needs: sequential (most recent rollout),
// random contiguous, and short reward-prediction windows biased toward
// reward-bearing states.
type Buffer struct {
	items    []Transition
	capacity int
	size     int
	position int
	rng      *rand.Rand
	mu       sync.Mutex
}

// New creates a buffer holding at most capacity transitions. A nil RNG gets
// a randomly seeded one.
func New(capacity int, rng *rand.Rand) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Buffer{
		items:    make([]Transition, capacity),
		capacity: capacity,
		rng:      rng,
	}
}

// Store appends a transition, overwriting the oldest entry at capacity.
func (b *Buffer) Store(tr Transition) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.position] = tr
	b.position = (b.position + 1) % b.capacity
	if b.size < b.capacity {
		b.size++
	}
}

// Size returns the number of stored transitions.
func (b *Buffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// SampleSequential returns the last n transitions in temporal order, oldest
// first.
func (b *Buffer) SampleSequential(n int) ([]Transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.size {
		return nil, ErrNotEnough
	}
	out := make([]Transition, n)
	start := b.position - n
	for i := 0; i < n; i++ {
		out[i] = b.items[b.index(start+i)]
	}
	return out, nil
}

// SampleRandom returns n consecutive transitions starting at a uniformly
// random offset, in temporal order.
func (b *Buffer) SampleRandom(n int) ([]Transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > b.size {
		return nil, ErrNotEnough
	}
	offset := b.rng.Intn(b.size - n + 1)
	out := make([]Transition, n)
	start := b.position - b.size + offset
	for i := 0; i < n; i++ {
		out[i] = b.items[b.index(start+i)]
	}
	return out, nil
}

// SampleRewardPrediction returns exactly three consecutive transitions. With
// probability 0.5 the window is drawn from windows whose final transition
// carries a nonzero reward and otherwise from zero-reward windows, so the
// rewarding fraction converges to 0.5 regardless of how rare rewards are.
// When only one class exists the window is uniform over all windows.
func (b *Buffer) SampleRewardPrediction() ([]Transition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := RewardPredictionFrames
	if b.size < n {
		return nil, ErrNotEnough
	}

	windows := b.size - n + 1
	start := b.position - b.size

	rewarding := make([]int, 0, windows)
	zero := make([]int, 0, windows)
	for w := 0; w < windows; w++ {
		last := b.items[b.index(start+w+n-1)]
		if last.Reward != 0 {
			rewarding = append(rewarding, w)
		} else {
			zero = append(zero, w)
		}
	}

	pool := rewarding
	if b.rng.Float64() >= rewardingBias {
		pool = zero
	}
	if len(pool) == 0 {
		return b.window(start+b.rng.Intn(windows), n), nil
	}
	return b.window(start+pool[b.rng.Intn(len(pool))], n), nil
}

func (b *Buffer) window(start, n int) []Transition {
	out := make([]Transition, n)
	for i := 0; i < n; i++ {
		out[i] = b.items[b.index(start+i)]
	}
	return out
}

func (b *Buffer) index(i int) int {
	i %= b.capacity
	if i < 0 {
		i += b.capacity
	}
	return i
}
