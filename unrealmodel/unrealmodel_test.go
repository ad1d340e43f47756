package unrealmodel

import (
	"math"
	"testing"

	"github.com/sandeepkv93/async-rl-tuning/experiencereplay"
)

func testConfig() Config {
	return Config{
		InputSize:   8,
		ActionCount: 4,
		HiddenSize:  6,
		Beta:        0.01,
		Gamma:       0.95,
		Seed:        42,
	}
}

func testBatch(n int, reward float64) []experiencereplay.Transition {
	batch := make([]experiencereplay.Transition, n)
	for i := range batch {
		state := make([]float64, 8)
		next := make([]float64, 8)
		for j := range state {
			state[j] = float64(i+j) / 10
			next[j] = float64(i+j+1) / 10
		}
		batch[i] = experiencereplay.Transition{
			State:      state,
			NextState:  next,
			Action:     i % 4,
			PrevAction: (i + 1) % 4,
			PrevReward: 0.1,
			Reward:     reward,
			Done:       i == n-1,
		}
	}
	return batch
}

func TestNewValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		mod  func(*Config)
	}{
		{"zero input", func(c *Config) { c.InputSize = 0 }},
		{"one action", func(c *Config) { c.ActionCount = 1 }},
		{"zero hidden", func(c *Config) { c.HiddenSize = 0 }},
		{"gamma too big", func(c *Config) { c.Gamma = 1.0 }},
		{"negative beta", func(c *Config) { c.Beta = -0.1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			tc.mod(&cfg)
			if _, err := New(cfg); err != ErrBadConfig {
				t.Errorf("Expected ErrBadConfig, got %v", err)
			}
		})
	}

	if _, err := New(testConfig()); err != nil {
		t.Errorf("Expected valid config to pass, got %v", err)
	}
}

func TestForwardProducesDistribution(t *testing.T) {
	m, err := New(testConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	obs := make([]float64, 8)
	prevAction := make([]float64, 4)
	h := make([]float64, 6)

	policy, _, nextH, err := m.Forward(obs, prevAction, 0, h)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if len(policy) != 4 {
		t.Fatalf("Expected 4 action probabilities, got %d", len(policy))
	}
	sum := 0.0
	for _, p := range policy {
		if p < 0 || p > 1 {
			t.Errorf("Probability out of range: %f", p)
		}
		sum += p
	}
	if math.Abs(sum-1.0) > 1e-9 {
		t.Errorf("Expected probabilities to sum to 1.0, got %f", sum)
	}
	if len(nextH) != 6 {
		t.Errorf("Expected hidden state length 6, got %d", len(nextH))
	}
}

func TestForwardRejectsBadShapes(t *testing.T) {
	m, _ := New(testConfig())

	if _, _, _, err := m.Forward(make([]float64, 3), make([]float64, 4), 0, make([]float64, 6)); err != ErrShape {
		t.Errorf("Expected ErrShape for short observation, got %v", err)
	}
	if _, _, _, err := m.Forward(make([]float64, 8), make([]float64, 2), 0, make([]float64, 6)); err != ErrShape {
		t.Errorf("Expected ErrShape for short action vector, got %v", err)
	}
}

func TestLossesAccumulateGradients(t *testing.T) {
	m, _ := New(testConfig())
	batch := testBatch(10, 1.0)

	if m.GradNorm() != 0 {
		t.Fatalf("Expected zero gradients on a fresh model, got %f", m.GradNorm())
	}

	pl, vl, err := m.ActorCriticLoss(batch)
	if err != nil {
		t.Fatalf("ActorCriticLoss failed: %v", err)
	}
	if vl <= 0 {
		t.Errorf("Expected positive value loss, got %f", vl)
	}
	_ = pl

	if _, err := m.ValueReplayLoss(batch); err != nil {
		t.Fatalf("ValueReplayLoss failed: %v", err)
	}
	if _, err := m.ControlLoss(batch, 0.05); err != nil {
		t.Fatalf("ControlLoss failed: %v", err)
	}
	frames := batch[:experiencereplay.RewardPredictionFrames]
	if _, err := m.RewardPredictionLoss(frames, 1.0); err != nil {
		t.Fatalf("RewardPredictionLoss failed: %v", err)
	}

	if m.GradNorm() == 0 {
		t.Error("Expected nonzero gradients after loss computation")
	}

	m.ZeroGrads()
	if m.GradNorm() != 0 {
		t.Errorf("Expected zero gradients after ZeroGrads, got %f", m.GradNorm())
	}
}

func TestClipGradNorm(t *testing.T) {
	m, _ := New(testConfig())

	// Engineer a batch with huge rewards so the unclipped norm exceeds 10.
	batch := testBatch(10, 1000.0)
	if _, _, err := m.ActorCriticLoss(batch); err != nil {
		t.Fatalf("ActorCriticLoss failed: %v", err)
	}

	before := m.ClipGradNorm(10)
	if before <= 10 {
		t.Fatalf("Test requires an unclipped norm > 10, got %f", before)
	}
	after := m.GradNorm()
	if after > 10+1e-9 {
		t.Errorf("Expected clipped norm <= 10, got %f", after)
	}
	if after < 10-1e-6 {
		t.Errorf("Expected clipping to scale exactly to the bound, got %f", after)
	}
}

func TestClipLeavesSmallGradientsAlone(t *testing.T) {
	m, _ := New(testConfig())
	batch := testBatch(4, 0.01)
	if _, err := m.ValueReplayLoss(batch); err != nil {
		t.Fatalf("ValueReplayLoss failed: %v", err)
	}

	before := m.GradNorm()
	if before > 10 {
		t.Skipf("Gradient norm unexpectedly large: %f", before)
	}
	m.ClipGradNorm(10)
	if math.Abs(m.GradNorm()-before) > 1e-12 {
		t.Errorf("Expected small gradients unchanged, before %f after %f", before, m.GradNorm())
	}
}

func TestRewardPredictionWindowValidation(t *testing.T) {
	m, _ := New(testConfig())
	batch := testBatch(5, 1.0)

	if _, err := m.RewardPredictionLoss(batch[:2], 1.0); err != ErrShape {
		t.Errorf("Expected ErrShape for 2 frames, got %v", err)
	}
	if _, err := m.RewardPredictionLoss(batch[:4], 1.0); err != ErrShape {
		t.Errorf("Expected ErrShape for 4 frames, got %v", err)
	}
}

func TestControlLossWeightScalesGradients(t *testing.T) {
	batch := testBatch(6, 0.5)

	m1, _ := New(testConfig())
	if _, err := m1.ControlLoss(batch, 0.1); err != nil {
		t.Fatalf("ControlLoss failed: %v", err)
	}
	norm1 := m1.GradNorm()

	m2, _ := New(testConfig())
	if _, err := m2.ControlLoss(batch, 0.2); err != nil {
		t.Fatalf("ControlLoss failed: %v", err)
	}
	norm2 := m2.GradNorm()

	if norm1 == 0 {
		t.Fatal("Expected nonzero control gradients")
	}
	if math.Abs(norm2/norm1-2.0) > 1e-9 {
		t.Errorf("Expected gradients to scale linearly with weight, ratio %f", norm2/norm1)
	}
}

func TestCopyWeightsAndGradients(t *testing.T) {
	global, _ := New(testConfig())
	local, _ := New(Config{
		InputSize:   8,
		ActionCount: 4,
		HiddenSize:  6,
		Beta:        0.01,
		Gamma:       0.95,
		Seed:        7, // different init, same shapes
	})

	local.CopyWeightsFrom(global)

	// After the copy, both models must produce identical outputs.
	obs := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	prevAction := []float64{0, 1, 0, 0}
	h := make([]float64, 6)

	p1, v1, _, err := global.Forward(obs, prevAction, 0.5, h)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	p2, v2, _, err := local.Forward(obs, prevAction, 0.5, h)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}

	if math.Abs(v1-v2) > 1e-12 {
		t.Errorf("Expected equal values after weight copy, got %f and %f", v1, v2)
	}
	for i := range p1 {
		if math.Abs(p1[i]-p2[i]) > 1e-12 {
			t.Errorf("Expected equal policies after weight copy at %d: %f vs %f", i, p1[i], p2[i])
		}
	}

	// Gradient hand-off: local grads land in global's slots.
	batch := testBatch(6, 1.0)
	if _, _, err := local.ActorCriticLoss(batch); err != nil {
		t.Fatalf("ActorCriticLoss failed: %v", err)
	}
	if global.GradNorm() != 0 {
		t.Fatal("Expected global gradients untouched before hand-off")
	}
	local.CopyGradsTo(global)
	if math.Abs(global.GradNorm()-local.GradNorm()) > 1e-12 {
		t.Errorf("Expected identical grad norms after hand-off: %f vs %f",
			global.GradNorm(), local.GradNorm())
	}
}
