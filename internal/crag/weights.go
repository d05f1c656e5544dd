package crag

import (
	"fmt"
	"math"
)

// weightTolerance bounds floating-point drift when checking that metric
// weights sum to 1.0.
const weightTolerance = 1e-9

// WeightTable maps each quality metric to its share of the overall score.
// It is an explicit configuration object handed to the assessor at
// construction so tests can supply alternate tables without cross-test
// interference.
type WeightTable map[Metric]float64

// DefaultWeights returns the production weight table.
func DefaultWeights() WeightTable {
	return WeightTable{
		MetricRelevance:          0.25,
		MetricAccuracy:           0.20,
		MetricCompleteness:       0.15,
		MetricCoherence:          0.15,
		MetricFactualConsistency: 0.15,
		MetricSourceReliability:  0.05,
		MetricTemporalValidity:   0.05,
	}
}

// Validate checks that all seven metrics are present, no weight is
// negative, and the weights sum to exactly 1.0 within tolerance.
func (w WeightTable) Validate() error {
	if len(w) != len(Metrics) {
		return fmt.Errorf("weight table must cover all %d metrics, has %d", len(Metrics), len(w))
	}

	sum := 0.0
	for _, m := range Metrics {
		weight, ok := w[m]
		if !ok {
			return fmt.Errorf("weight table missing metric %s", m)
		}
		if weight < 0 {
			return fmt.Errorf("weight for %s must be non-negative, got %v", m, weight)
		}
		sum += weight
	}

	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %v", sum)
	}

	return nil
}

// Overall computes the weighted sum over the seven metric scores.
func (w WeightTable) Overall(scores map[Metric]float64) float64 {
	overall := 0.0
	for _, m := range Metrics {
		overall += scores[m] * w[m]
	}
	return overall
}
