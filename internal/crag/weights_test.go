package crag

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultWeightsCoverAllMetricsAndSumToOne(t *testing.T) {
	w := DefaultWeights()

	require.Len(t, w, len(Metrics))

	var sum float64
	for _, m := range Metrics {
		weight, ok := w[m]
		require.True(t, ok, "missing weight for %s", m)
		sum += weight
	}

	assert.InDelta(t, 1.0, sum, 1e-9)
	require.NoError(t, w.Validate())
}

func TestWeightTableValidateRejectsMissingMetric(t *testing.T) {
	w := DefaultWeights()
	delete(w, MetricCoherence)

	require.Error(t, w.Validate())
}

func TestWeightTableValidateRejectsNegativeWeight(t *testing.T) {
	w := DefaultWeights()
	w[MetricRelevance] = -0.1
	w[MetricAccuracy] += 0.35 // keep the sum at 1.0

	require.Error(t, w.Validate())
}

func TestWeightTableValidateRejectsBadSum(t *testing.T) {
	w := DefaultWeights()
	w[MetricRelevance] = 0.5

	require.Error(t, w.Validate())
}

func TestOverallIsTheWeightedSum(t *testing.T) {
	w := DefaultWeights()

	scores := make(map[Metric]float64, len(Metrics))
	for i, m := range Metrics {
		scores[m] = float64(i) / 10
	}

	var want float64
	for _, m := range Metrics {
		want += scores[m] * w[m]
	}

	assert.InDelta(t, want, w.Overall(scores), 1e-12)
}

func TestOverallWithUniformScores(t *testing.T) {
	w := DefaultWeights()

	scores := make(map[Metric]float64, len(Metrics))
	for _, m := range Metrics {
		scores[m] = 0.6
	}

	// With weights summing to 1, uniform scores pass through unchanged.
	assert.True(t, math.Abs(w.Overall(scores)-0.6) < 1e-9)
}
