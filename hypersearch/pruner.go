package hypersearch

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// MedianPruner stops a trial whose latest reported value falls below the
// median of what completed trials reported at the same step. No trial is
// pruned until WarmupTrials trials have completed.
type MedianPruner struct {
	WarmupTrials int
}

// NewMedianPruner returns a pruner that stays silent for the first
// warmupTrials completed trials.
func NewMedianPruner(warmupTrials int) *MedianPruner {
	return &MedianPruner{WarmupTrials: warmupTrials}
}

// ShouldPrune reports whether a trial with latest intermediate value at
// some step should stop, given the values its completed peers reported at
// that same step.
func (p *MedianPruner) ShouldPrune(completedTrials int, peerValues []float64, value float64) bool {
	if completedTrials < p.WarmupTrials || len(peerValues) == 0 {
		return false
	}
	sorted := make([]float64, len(peerValues))
	copy(sorted, peerValues)
	sort.Float64s(sorted)
	median := stat.Quantile(0.5, stat.Empirical, sorted, nil)
	return value < median
}
