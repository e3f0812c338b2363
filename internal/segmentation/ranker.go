package segmentation

import "sort"

// PercentileRanker reports the percentile rank (0–100) of a score within a
// population. It is a deliberate seam: the default implementation scans the
// full population on every call, and a precomputed/cached materialization can
// be swapped in behind the same interface without touching rule evaluation.
type PercentileRanker interface {
	Rank(score float64, population []float64) float64
}

// InclusiveRanker computes the fraction of the population with a score less
// than or equal to the given score, expressed 0–100. The population is
// expected to include the scored member itself.
type InclusiveRanker struct{}

// Rank implements PercentileRanker.
func (InclusiveRanker) Rank(score float64, population []float64) float64 {
	if len(population) == 0 {
		return 0
	}
	sorted := append([]float64(nil), population...)
	sort.Float64s(sorted)
	// Index of the first score strictly greater == count of scores <= score.
	atOrBelow := sort.SearchFloat64s(sorted, score)
	for atOrBelow < len(sorted) && sorted[atOrBelow] <= score {
		atOrBelow++
	}
	return float64(atOrBelow) * 100 / float64(len(sorted))
}
