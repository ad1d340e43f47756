// Package unrealmodel implements a linear actor-critic model with the
// auxiliary heads used by UNREAL-style training: feature control, value
// replay and reward prediction. Gradients are analytic and accumulate into
// per-parameter gradient slots, which a shared optimizer later consumes.
package unrealmodel

import (
	"errors"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/sandeepkv93/async-rl-tuning/experiencereplay"
)

// stateDecay controls the fixed (non-learned) recurrent feature state:
// h' = stateDecay*h + (1-stateDecay)*P*u.
const stateDecay = 0.8

// rpClasses are the reward-prediction targets: negative, zero, positive.
const rpClasses = 3

var (
	ErrBadConfig = errors.New("invalid model config")
	ErrShape     = errors.New("input shape mismatch")
)

// Config fixes the model's shapes and loss coefficients.
type Config struct {
	InputSize   int     `json:"input_size"`
	ActionCount int     `json:"action_count"`
	HiddenSize  int     `json:"hidden_size"`
	Beta        float64 `json:"beta"`  // entropy regularization weight
	Gamma       float64 `json:"gamma"` // discount factor
	Seed        int64   `json:"seed"`
}

func (c Config) validate() error {
	if c.InputSize <= 0 || c.ActionCount <= 1 || c.HiddenSize <= 0 {
		return ErrBadConfig
	}
	if c.Gamma <= 0 || c.Gamma >= 1 || c.Beta < 0 {
		return ErrBadConfig
	}
	return nil
}

// unitSize is the length of the per-step input u = [obs, prevAction, prevReward].
func (c Config) unitSize() int { return c.InputSize + c.ActionCount + 1 }

// featureSize is the length of z = [u, h], the vector all heads read.
func (c Config) featureSize() int { return c.unitSize() + c.HiddenSize }

// Slot is one parameter tensor paired with its gradient accumulator, exposed
// as raw slices for optimizer updates.
type Slot struct {
	Name string
	W    []float64
	G    []float64
}

// Model holds the learned heads plus a fixed random feature projection.
// CopyWeightsFrom transfers the projection along with the learned slots, so
// worker copies always observe the shared model's exact feature map.
type Model struct {
	cfg  Config
	proj *mat.Dense // HiddenSize x unitSize, fixed

	policyW  *mat.Dense
	policyB  *mat.VecDense
	valueW   *mat.VecDense
	valueB   *mat.VecDense
	controlW *mat.Dense
	controlB *mat.VecDense
	rpW      *mat.Dense
	rpB      *mat.VecDense

	gPolicyW  *mat.Dense
	gPolicyB  *mat.VecDense
	gValueW   *mat.VecDense
	gValueB   *mat.VecDense
	gControlW *mat.Dense
	gControlB *mat.VecDense
	gRpW      *mat.Dense
	gRpB      *mat.VecDense

	mu sync.RWMutex
}

// New builds a model with small random initial weights.
func New(cfg Config) (*Model, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	z := cfg.featureSize()
	a := cfg.ActionCount

	m := &Model{
		cfg:      cfg,
		proj:     randomDense(cfg.HiddenSize, cfg.unitSize(), rng, 1.0/math.Sqrt(float64(cfg.unitSize()))),
		policyW:  randomDense(a, z, rng, 0.01),
		policyB:  mat.NewVecDense(a, nil),
		valueW:   randomVec(z, rng, 0.01),
		valueB:   mat.NewVecDense(1, nil),
		controlW: randomDense(a, z, rng, 0.01),
		controlB: mat.NewVecDense(a, nil),
		rpW:      randomDense(rpClasses, rpClasses*cfg.InputSize, rng, 0.01),
		rpB:      mat.NewVecDense(rpClasses, nil),

		gPolicyW:  mat.NewDense(a, z, nil),
		gPolicyB:  mat.NewVecDense(a, nil),
		gValueW:   mat.NewVecDense(z, nil),
		gValueB:   mat.NewVecDense(1, nil),
		gControlW: mat.NewDense(a, z, nil),
		gControlB: mat.NewVecDense(a, nil),
		gRpW:      mat.NewDense(rpClasses, rpClasses*cfg.InputSize, nil),
		gRpB:      mat.NewVecDense(rpClasses, nil),
	}
	return m, nil
}

func randomDense(r, c int, rng *rand.Rand, scale float64) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * scale
	}
	return mat.NewDense(r, c, data)
}

func randomVec(n int, rng *rand.Rand, scale float64) *mat.VecDense {
	data := make([]float64, n)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * scale
	}
	return mat.NewVecDense(n, data)
}

// Config returns the model's immutable configuration.
func (m *Model) Config() Config { return m.cfg }

// Forward computes the policy distribution, value estimate and next recurrent
// state for one step. It does not touch gradient slots and is safe to call
// concurrently with itself, but not with weight updates; workers only call it
// on their private copies.
func (m *Model) Forward(obs, prevAction []float64, prevReward float64, h []float64) (policy []float64, value float64, nextH []float64, err error) {
	if len(obs) != m.cfg.InputSize || len(prevAction) != m.cfg.ActionCount || len(h) != m.cfg.HiddenSize {
		return nil, 0, nil, ErrShape
	}

	z, nextH := m.features(obs, prevAction, prevReward, h)
	logits := make([]float64, m.cfg.ActionCount)
	for k := 0; k < m.cfg.ActionCount; k++ {
		logits[k] = mat.Dot(m.policyW.RowView(k), z) + m.policyB.AtVec(k)
	}
	policy = softmax(logits)
	value = mat.Dot(m.valueW, z) + m.valueB.AtVec(0)
	return policy, value, nextH, nil
}

// features builds z = [u, h'] and the updated recurrent state h'.
func (m *Model) features(obs, prevAction []float64, prevReward float64, h []float64) (*mat.VecDense, []float64) {
	u := mat.NewVecDense(m.cfg.unitSize(), nil)
	for i, v := range obs {
		u.SetVec(i, v)
	}
	for i, v := range prevAction {
		u.SetVec(m.cfg.InputSize+i, v)
	}
	u.SetVec(m.cfg.unitSize()-1, prevReward)

	projected := mat.NewVecDense(m.cfg.HiddenSize, nil)
	projected.MulVec(m.proj, u)

	nextH := make([]float64, m.cfg.HiddenSize)
	for i := range nextH {
		nextH[i] = stateDecay*h[i] + (1-stateDecay)*projected.AtVec(i)
	}

	z := mat.NewVecDense(m.cfg.featureSize(), nil)
	for i := 0; i < m.cfg.unitSize(); i++ {
		z.SetVec(i, u.AtVec(i))
	}
	for i, v := range nextH {
		z.SetVec(m.cfg.unitSize()+i, v)
	}
	return z, nextH
}

// stepEval is the forward pass cached per batch step during loss computation.
type stepEval struct {
	z      *mat.VecDense
	policy []float64
	value  float64
}

// evalBatch replays the batch through the model with a fresh recurrent state,
// mirroring how the training loop consumed it.
func (m *Model) evalBatch(batch []experiencereplay.Transition) ([]stepEval, []float64, error) {
	evals := make([]stepEval, len(batch))
	h := make([]float64, m.cfg.HiddenSize)
	for t, tr := range batch {
		prev := oneHot(tr.PrevAction, m.cfg.ActionCount)
		z, nextH := m.features(tr.State, prev, tr.PrevReward, h)
		logits := make([]float64, m.cfg.ActionCount)
		for k := 0; k < m.cfg.ActionCount; k++ {
			logits[k] = mat.Dot(m.policyW.RowView(k), z) + m.policyB.AtVec(k)
		}
		evals[t] = stepEval{
			z:      z,
			policy: softmax(logits),
			value:  mat.Dot(m.valueW, z) + m.valueB.AtVec(0),
		}
		h = nextH
	}
	return evals, h, nil
}

// returns computes bootstrapped discounted returns for the batch. When the
// final transition is non-terminal the tail value is estimated from its next
// state.
func (m *Model) returns(batch []experiencereplay.Transition, h []float64) []float64 {
	n := len(batch)
	out := make([]float64, n)

	last := batch[n-1]
	r := 0.0
	if !last.Done {
		prev := oneHot(last.Action, m.cfg.ActionCount)
		z, _ := m.features(last.NextState, prev, last.Reward, h)
		r = mat.Dot(m.valueW, z) + m.valueB.AtVec(0)
	}

	for t := n - 1; t >= 0; t-- {
		if batch[t].Done {
			r = 0
		}
		r = batch[t].Reward + m.cfg.Gamma*r
		out[t] = r
	}
	return out
}

// ActorCriticLoss computes the policy and value losses over a sequential
// rollout and accumulates their gradients.
func (m *Model) ActorCriticLoss(batch []experiencereplay.Transition) (policyLoss, valueLoss float64, err error) {
	if len(batch) == 0 {
		return 0, 0, ErrShape
	}

	evals, lastH, err := m.evalBatch(batch)
	if err != nil {
		return 0, 0, err
	}
	rets := m.returns(batch, lastH)

	for t, ev := range evals {
		adv := rets[t] - ev.value
		action := batch[t].Action

		logProb := math.Log(ev.policy[action] + 1e-12)
		entropy := policyEntropy(ev.policy)
		policyLoss += -logProb*adv - m.cfg.Beta*entropy
		valueLoss += 0.5 * adv * adv

		// d(policy loss)/d(logits): advantage term plus entropy term.
		dlogits := mat.NewVecDense(m.cfg.ActionCount, nil)
		for k, p := range ev.policy {
			g := p * adv
			if k == action {
				g -= adv
			}
			g += m.cfg.Beta * p * (math.Log(p+1e-12) + entropy)
			dlogits.SetVec(k, g)
		}
		m.gPolicyW.RankOne(m.gPolicyW, 1.0, dlogits, ev.z)
		m.gPolicyB.AddVec(m.gPolicyB, dlogits)

		// d(value loss)/d(value) = -(R - v).
		m.gValueW.AddScaledVec(m.gValueW, -adv, ev.z)
		m.gValueB.SetVec(0, m.gValueB.AtVec(0)-adv)
	}
	return policyLoss, valueLoss, nil
}

// ValueReplayLoss recomputes the value loss over a randomly-ordered sample
// and accumulates value-head gradients only.
func (m *Model) ValueReplayLoss(batch []experiencereplay.Transition) (float64, error) {
	if len(batch) == 0 {
		return 0, ErrShape
	}

	evals, lastH, err := m.evalBatch(batch)
	if err != nil {
		return 0, err
	}
	rets := m.returns(batch, lastH)

	loss := 0.0
	for t, ev := range evals {
		adv := rets[t] - ev.value
		loss += 0.5 * adv * adv
		m.gValueW.AddScaledVec(m.gValueW, -adv, ev.z)
		m.gValueB.SetVec(0, m.gValueB.AtVec(0)-adv)
	}
	return loss, nil
}

// ControlLoss trains the auxiliary control head to predict the feature-change
// magnitude caused by each taken action. The returned loss is unweighted; the
// accumulated gradients are scaled by weight, matching a total loss of
// weight*loss.
func (m *Model) ControlLoss(batch []experiencereplay.Transition, weight float64) (float64, error) {
	if len(batch) == 0 {
		return 0, ErrShape
	}

	evals, _, err := m.evalBatch(batch)
	if err != nil {
		return 0, err
	}

	loss := 0.0
	for t, ev := range evals {
		tr := batch[t]
		target := featureChange(tr.State, tr.NextState)
		pred := mat.Dot(m.controlW.RowView(tr.Action), ev.z) + m.controlB.AtVec(tr.Action)
		diff := pred - target
		loss += 0.5 * diff * diff

		addScaledRow(m.gControlW, tr.Action, weight*diff, ev.z)
		m.gControlB.SetVec(tr.Action, m.gControlB.AtVec(tr.Action)+weight*diff)
	}
	return loss, nil
}

// RewardPredictionLoss classifies the sign of the reward realized at the end
// of a 3-frame window: negative, zero or positive.
func (m *Model) RewardPredictionLoss(frames []experiencereplay.Transition, finalReward float64) (float64, error) {
	if len(frames) != experiencereplay.RewardPredictionFrames {
		return 0, ErrShape
	}

	x := mat.NewVecDense(rpClasses*m.cfg.InputSize, nil)
	for f, tr := range frames {
		if len(tr.State) != m.cfg.InputSize {
			return 0, ErrShape
		}
		for i, v := range tr.State {
			x.SetVec(f*m.cfg.InputSize+i, v)
		}
	}

	logits := make([]float64, rpClasses)
	for k := 0; k < rpClasses; k++ {
		logits[k] = mat.Dot(m.rpW.RowView(k), x) + m.rpB.AtVec(k)
	}
	probs := softmax(logits)

	class := 1 // zero reward
	if finalReward > 0 {
		class = 2
	} else if finalReward < 0 {
		class = 0
	}

	loss := -math.Log(probs[class] + 1e-12)

	dlogits := mat.NewVecDense(rpClasses, nil)
	for k, p := range probs {
		g := p
		if k == class {
			g -= 1
		}
		dlogits.SetVec(k, g)
	}
	m.gRpW.RankOne(m.gRpW, 1.0, dlogits, x)
	m.gRpB.AddVec(m.gRpB, dlogits)

	return loss, nil
}

// ZeroGrads clears every gradient slot.
func (m *Model) ZeroGrads() {
	for _, s := range m.slots() {
		for i := range s.G {
			s.G[i] = 0
		}
	}
}

// GradNorm returns the global L2 norm over all gradient slots.
func (m *Model) GradNorm() float64 {
	sum := 0.0
	for _, s := range m.slots() {
		sum += floats.Dot(s.G, s.G)
	}
	return math.Sqrt(sum)
}

// ClipGradNorm rescales all gradients so their global L2 norm does not exceed
// max, and returns the norm before clipping.
func (m *Model) ClipGradNorm(max float64) float64 {
	norm := m.GradNorm()
	if norm > max && norm > 0 {
		scale := max / norm
		for _, s := range m.slots() {
			floats.Scale(scale, s.G)
		}
	}
	return norm
}

// CopyWeightsFrom overwrites this model's learned weights with src's. The
// source is read-locked; the destination is assumed private to the caller.
func (m *Model) CopyWeightsFrom(src *Model) {
	src.mu.RLock()
	defer src.mu.RUnlock()

	copy(m.proj.RawMatrix().Data, src.proj.RawMatrix().Data)
	dst := m.slots()
	for i, s := range src.slots() {
		copy(dst[i].W, s.W)
	}
}

// CopyGradsTo transfers this model's accumulated gradients into dst's
// gradient slots. Gradients, not weights, move between worker and shared
// model; dst's optimizer consumes them on its next step.
func (m *Model) CopyGradsTo(dst *Model) {
	dst.mu.Lock()
	defer dst.mu.Unlock()

	to := dst.slots()
	for i, s := range m.slots() {
		copy(to[i].G, s.G)
	}
}

// ApplyUpdate runs fn over the parameter slots under the model's write lock.
// Shared optimizers use this as their single point of mutation.
func (m *Model) ApplyUpdate(fn func(slots []Slot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.slots())
}

// ParameterCount returns the number of learned scalar parameters.
func (m *Model) ParameterCount() int {
	n := 0
	for _, s := range m.slots() {
		n += len(s.W)
	}
	return n
}

func (m *Model) slots() []Slot {
	return []Slot{
		{Name: "policy_w", W: m.policyW.RawMatrix().Data, G: m.gPolicyW.RawMatrix().Data},
		{Name: "policy_b", W: m.policyB.RawVector().Data, G: m.gPolicyB.RawVector().Data},
		{Name: "value_w", W: m.valueW.RawVector().Data, G: m.gValueW.RawVector().Data},
		{Name: "value_b", W: m.valueB.RawVector().Data, G: m.gValueB.RawVector().Data},
		{Name: "control_w", W: m.controlW.RawMatrix().Data, G: m.gControlW.RawMatrix().Data},
		{Name: "control_b", W: m.controlB.RawVector().Data, G: m.gControlB.RawVector().Data},
		{Name: "rp_w", W: m.rpW.RawMatrix().Data, G: m.gRpW.RawMatrix().Data},
		{Name: "rp_b", W: m.rpB.RawVector().Data, G: m.gRpB.RawVector().Data},
	}
}

// addScaledRow accumulates alpha*z into one row of g.
func addScaledRow(g *mat.Dense, row int, alpha float64, z *mat.VecDense) {
	raw := g.RawMatrix()
	base := row * raw.Stride
	for i := 0; i < z.Len(); i++ {
		raw.Data[base+i] += alpha * z.AtVec(i)
	}
}

// featureChange is the mean absolute observation change, the regression
// target for the auxiliary control head.
func featureChange(state, next []float64) float64 {
	if len(state) == 0 || len(state) != len(next) {
		return 0
	}
	sum := 0.0
	for i := range state {
		sum += math.Abs(next[i] - state[i])
	}
	return sum / float64(len(state))
}

func oneHot(index, n int) []float64 {
	v := make([]float64, n)
	if index >= 0 && index < n {
		v[index] = 1
	}
	return v
}

func softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}
	out := make([]float64, len(logits))
	sum := 0.0
	for i, v := range logits {
		out[i] = math.Exp(v - maxLogit)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

func policyEntropy(p []float64) float64 {
	h := 0.0
	for _, v := range p {
		if v > 0 {
			h -= v * math.Log(v)
		}
	}
	return h
}
