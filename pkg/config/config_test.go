package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyProfileFillsZeroValues(t *testing.T) {
	c := CRAGConfig{Profile: "thorough"}
	ApplyProfile(&c)

	assert.Equal(t, 0.85, c.QualityThreshold)
	assert.Equal(t, 4, c.MaxIterations)
	assert.Equal(t, 0.01, c.MinImprovementFloor)
	assert.Equal(t, 2, c.ParallelProcessingLimit)
	assert.Equal(t, 0.5, c.TrustFloor)
}

func TestApplyProfileKeepsExplicitOverrides(t *testing.T) {
	c := CRAGConfig{
		Profile:          "fast",
		QualityThreshold: 0.9,
		MaxIterations:    1,
	}
	ApplyProfile(&c)

	assert.Equal(t, 0.9, c.QualityThreshold)
	assert.Equal(t, 1, c.MaxIterations)
	// Unset fields still come from the preset.
	assert.Equal(t, 8, c.ParallelProcessingLimit)
	assert.Equal(t, 0.3, c.TrustFloor)
}

func TestApplyProfileUnknownNameFallsBackToBalanced(t *testing.T) {
	c := CRAGConfig{Profile: "turbo"}
	ApplyProfile(&c)

	assert.Equal(t, 0.75, c.QualityThreshold)
	assert.Equal(t, 3, c.MaxIterations)
	assert.Equal(t, 4, c.ParallelProcessingLimit)
}

func TestValidateCRAG(t *testing.T) {
	valid := CRAGConfig{
		QualityThreshold:        0.75,
		MaxIterations:           3,
		ParallelProcessingLimit: 4,
	}
	require.NoError(t, validateCRAG(valid))

	bad := valid
	bad.QualityThreshold = 1.2
	require.Error(t, validateCRAG(bad))

	bad = valid
	bad.MaxIterations = 0
	require.Error(t, validateCRAG(bad))

	bad = valid
	bad.MinImprovementFloor = -0.1
	require.Error(t, validateCRAG(bad))

	bad = valid
	bad.ParallelProcessingLimit = 0
	require.Error(t, validateCRAG(bad))
}
