// Package asynctrainer implements an asynchronous actor-learner training
// session: a cohort of workers sharing one model and optimizer, per-field
// locked shared counters, an advisory stop signal, and a supervisor that
// bounds the session by wall clock, prune decisions and a forced-termination
// fallback, then reduces the shared counters to a scalar trial score.
package asynctrainer

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sandeepkv93/async-rl-tuning/experiencereplay"
)

// ProgressKey is the info field workers read to award the progress bonus.
const ProgressKey = "lines_cleared"

// ProgressBonus multiplies each newly cleared progress unit.
const ProgressBonus = 10.0

// Supported shared-optimizer variants.
const (
	OptimizerMomentum = "momentum"
	OptimizerRMSProp  = "rmsprop"
)

var (
	ErrNoSteps          = errors.New("trial recorded zero environment steps")
	ErrInvalidConfig    = errors.New("invalid hyperparameters")
	ErrMissingFactory   = errors.New("supervisor requires an environment factory")
	ErrUnknownOptimizer = errors.New("unknown optimizer variant")
)

// Environment is the consumed environment contract. Info payloads carry the
// monotonically non-decreasing progress count under ProgressKey.
type Environment interface {
	Reset() (obs []float64, info map[string]float64)
	Step(action int) (obs []float64, reward float64, done, truncated bool, info map[string]float64, err error)
	ActionCount() int
	Close() error
}

// Trial is the consumed search-collaborator contract: intermediate reporting
// plus a prune query.
type Trial interface {
	Report(value float64, step int)
	ShouldPrune() bool
}

// Hyperparameters is the immutable per-trial configuration shared by every
// worker.
type Hyperparameters struct {
	LearningRate   float64       `json:"learning_rate"`
	TaskWeight     float64       `json:"task_weight"` // auxiliary control loss weight
	Beta           float64       `json:"beta"`        // entropy coefficient
	Gamma          float64       `json:"gamma"`       // discount factor
	HiddenSize     int           `json:"hidden_size"`
	UnrollSteps    int           `json:"unroll_steps"`
	NumAgents      int           `json:"num_agents"`
	Optimizer      string        `json:"optimizer"`
	ReplayCapacity int           `json:"replay_capacity"`
	TrainTime      time.Duration `json:"train_time"`
	JoinTimeout    time.Duration `json:"join_timeout"`
}

// DefaultHyperparameters mirrors the tuned training setup: 20-step unrolls,
// RMSProp updates, a one-hour budget and a ten-second join timeout.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		LearningRate:   1e-3,
		TaskWeight:     0.05,
		Beta:           1e-3,
		Gamma:          0.99,
		HiddenSize:     64,
		UnrollSteps:    20,
		NumAgents:      4,
		Optimizer:      OptimizerRMSProp,
		ReplayCapacity: 2000,
		TrainTime:      time.Hour,
		JoinTimeout:    10 * time.Second,
	}
}

// Validate checks every field against its permitted range.
func (hp Hyperparameters) Validate() error {
	switch {
	case hp.LearningRate <= 0:
		return fmt.Errorf("%w: learning rate must be positive", ErrInvalidConfig)
	case hp.TaskWeight <= 0:
		return fmt.Errorf("%w: task weight must be positive", ErrInvalidConfig)
	case hp.Beta < 0:
		return fmt.Errorf("%w: entropy coefficient must be non-negative", ErrInvalidConfig)
	case hp.Gamma <= 0 || hp.Gamma >= 1:
		return fmt.Errorf("%w: discount factor must be in (0, 1)", ErrInvalidConfig)
	case hp.HiddenSize <= 0:
		return fmt.Errorf("%w: hidden size must be positive", ErrInvalidConfig)
	case hp.UnrollSteps < experiencereplay.RewardPredictionFrames:
		return fmt.Errorf("%w: unroll steps must be at least %d",
			ErrInvalidConfig, experiencereplay.RewardPredictionFrames)
	case hp.NumAgents <= 0:
		return fmt.Errorf("%w: agent count must be positive", ErrInvalidConfig)
	case hp.Optimizer != OptimizerMomentum && hp.Optimizer != OptimizerRMSProp:
		return fmt.Errorf("%w: optimizer must be %q or %q",
			ErrInvalidConfig, OptimizerMomentum, OptimizerRMSProp)
	case hp.ReplayCapacity < hp.UnrollSteps:
		return fmt.Errorf("%w: replay capacity must hold at least one unroll", ErrInvalidConfig)
	case hp.TrainTime <= 0:
		return fmt.Errorf("%w: training budget must be positive", ErrInvalidConfig)
	case hp.JoinTimeout <= 0:
		return fmt.Errorf("%w: join timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// SharedCounters are the trial-wide accumulators every worker mutates. Each
// field has its own lock, held only for the single read-modify-write.
type SharedCounters struct {
	stepsMu   sync.Mutex
	steps     int64
	rewardsMu sync.Mutex
	rewards   float64
}

// NewSharedCounters returns zeroed counters for one trial.
func NewSharedCounters() *SharedCounters {
	return &SharedCounters{}
}

// AddSteps increments the global step counter under its lock.
func (c *SharedCounters) AddSteps(n int64) {
	c.stepsMu.Lock()
	c.steps += n
	c.stepsMu.Unlock()
}

// AddReward accumulates reward under its lock.
func (c *SharedCounters) AddReward(r float64) {
	c.rewardsMu.Lock()
	c.rewards += r
	c.rewardsMu.Unlock()
}

// Steps returns the cumulative environment step count.
func (c *SharedCounters) Steps() int64 {
	c.stepsMu.Lock()
	defer c.stepsMu.Unlock()
	return c.steps
}

// Rewards returns the cumulative reward across all workers.
func (c *SharedCounters) Rewards() float64 {
	c.rewardsMu.Lock()
	defer c.rewardsMu.Unlock()
	return c.rewards
}

// MeanReward returns rewards per step, or 0 before any step was taken.
func (c *SharedCounters) MeanReward() float64 {
	steps := c.Steps()
	if steps == 0 {
		return 0
	}
	return c.Rewards() / float64(steps)
}

// StopSignal is the advisory, set-once-per-trial termination flag. Workers
// poll it at their outer loop boundary only.
type StopSignal struct {
	fired int32
}

// Set raises the signal. Setting an already-set signal is a no-op.
func (s *StopSignal) Set() {
	atomic.StoreInt32(&s.fired, 1)
}

// IsSet reports whether the signal has been raised.
func (s *StopSignal) IsSet() bool {
	return atomic.LoadInt32(&s.fired) == 1
}

// CompositeLoss combines the four loss terms exactly as the update consumes
// them: policy + value + valueReplay + taskWeight*control + rewardPrediction.
func CompositeLoss(policy, value, valueReplay, control, rewardPrediction, taskWeight float64) float64 {
	return policy + value + valueReplay + taskWeight*control + rewardPrediction
}
