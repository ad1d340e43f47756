// Package sharedoptimizer provides the two interchangeable update rules the
// asynchronous trainer can apply to a shared model: SGD with momentum and
// RMSProp. A Step consumes whatever gradients are currently set on the shared
// model; concurrent steps from different workers are serialized only by the
// model's own update lock, which is the intended asynchronous actor-learner
// trade-off.
package sharedoptimizer

import (
	"errors"
	"math"
	"sync"

	"github.com/sandeepkv93/async-rl-tuning/unrealmodel"
)

const (
	defaultMomentum = 0.9
	defaultDecay    = 0.99
	epsilon         = 1e-8
)

var ErrBadLearningRate = errors.New("learning rate must be positive")

// Optimizer applies currently-set gradients to the shared model.
type Optimizer interface {
	Step()
	LearningRate() float64
}

// Momentum is SGD with classical momentum buffers.
type Momentum struct {
	model    *unrealmodel.Model
	lr       float64
	momentum float64
	velocity map[string][]float64
	mu       sync.Mutex
}

// NewMomentum creates a momentum optimizer bound to the shared model.
func NewMomentum(model *unrealmodel.Model, lr float64) (*Momentum, error) {
	if lr <= 0 {
		return nil, ErrBadLearningRate
	}
	return &Momentum{
		model:    model,
		lr:       lr,
		momentum: defaultMomentum,
		velocity: make(map[string][]float64),
	}, nil
}

// Step applies v = mu*v + g; w -= lr*v for every parameter slot.
func (o *Momentum) Step() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.model.ApplyUpdate(func(slots []unrealmodel.Slot) {
		for _, s := range slots {
			v, ok := o.velocity[s.Name]
			if !ok {
				v = make([]float64, len(s.W))
				o.velocity[s.Name] = v
			}
			for i := range s.W {
				v[i] = o.momentum*v[i] + s.G[i]
				s.W[i] -= o.lr * v[i]
			}
		}
	})
}

// LearningRate returns the configured learning rate.
func (o *Momentum) LearningRate() float64 { return o.lr }

// RMSProp keeps a running average of squared gradients per parameter.
type RMSProp struct {
	model     *unrealmodel.Model
	lr        float64
	decay     float64
	squareAvg map[string][]float64
	mu        sync.Mutex
}

// NewRMSProp creates an RMSProp optimizer bound to the shared model.
func NewRMSProp(model *unrealmodel.Model, lr float64) (*RMSProp, error) {
	if lr <= 0 {
		return nil, ErrBadLearningRate
	}
	return &RMSProp{
		model:     model,
		lr:        lr,
		decay:     defaultDecay,
		squareAvg: make(map[string][]float64),
	}, nil
}

// Step applies s = decay*s + (1-decay)*g^2; w -= lr*g/(sqrt(s)+eps).
func (o *RMSProp) Step() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.model.ApplyUpdate(func(slots []unrealmodel.Slot) {
		for _, s := range slots {
			sq, ok := o.squareAvg[s.Name]
			if !ok {
				sq = make([]float64, len(s.W))
				o.squareAvg[s.Name] = sq
			}
			for i := range s.W {
				g := s.G[i]
				sq[i] = o.decay*sq[i] + (1-o.decay)*g*g
				s.W[i] -= o.lr * g / (math.Sqrt(sq[i]) + epsilon)
			}
		}
	})
}

// LearningRate returns the configured learning rate.
func (o *RMSProp) LearningRate() float64 { return o.lr }
