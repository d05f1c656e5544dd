package crag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resultForReport(reason TerminationReason, first, final float64, elapsed time.Duration, corrections ...CorrectionRecord) *CRAGResult {
	return &CRAGResult{
		RunID:  "run",
		Final:  &QualityAssessment{Overall: final},
		Reason: reason,
		History: []Iteration{
			{Assessment: &QualityAssessment{Overall: first}},
		},
		Corrections:    corrections,
		IterationCount: len(corrections),
		Elapsed:        elapsed,
	}
}

func TestSummarizeOverEmptyInput(t *testing.T) {
	summary := Summarize(nil)

	assert.Equal(t, 0, summary.TotalRuns)
	assert.Equal(t, 0.0, summary.SuccessRate)
	assert.Equal(t, 0.0, summary.AvgImprovement)
	assert.Empty(t, summary.StrategyFrequency)
}

func TestSummarizeAggregatesRuns(t *testing.T) {
	results := []*CRAGResult{
		resultForReport(ReasonThresholdMet, 0.5, 0.8, 2*time.Second,
			CorrectionRecord{Strategy: StrategyRetrieveMore},
			CorrectionRecord{Strategy: StrategyRefineQuery},
		),
		resultForReport(ReasonBudgetExhausted, 0.4, 0.5, 4*time.Second,
			CorrectionRecord{Strategy: StrategyRetrieveMore, Failed: true},
		),
		nil, // skipped, not counted
	}

	summary := Summarize(results)

	assert.Equal(t, 2, summary.TotalRuns)
	assert.InDelta(t, 0.5, summary.SuccessRate, 1e-9)
	assert.InDelta(t, 0.2, summary.AvgImprovement, 1e-9) // (0.3 + 0.1) / 2
	assert.Equal(t, 3*time.Second, summary.AvgProcessingTime)
	assert.Equal(t, 2, summary.StrategyFrequency[StrategyRetrieveMore])
	assert.Equal(t, 1, summary.StrategyFrequency[StrategyRefineQuery])
	assert.Equal(t, 1, summary.FailedCorrections)
	assert.Equal(t, 1, summary.TerminationCounts[ReasonThresholdMet])
	assert.Equal(t, 1, summary.TerminationCounts[ReasonBudgetExhausted])
}

func TestFirstScoreReadsTheFirstHistoryEntry(t *testing.T) {
	r := resultForReport(ReasonThresholdMet, 0.42, 0.8, time.Second)
	assert.InDelta(t, 0.42, r.FirstScore(), 1e-9)

	empty := &CRAGResult{}
	assert.Equal(t, 0.0, empty.FirstScore())
}

func TestSummarizeCountsEveryTerminationReason(t *testing.T) {
	results := []*CRAGResult{
		resultForReport(ReasonThresholdMet, 0.5, 0.8, time.Second),
		resultForReport(ReasonNoFurtherImprovement, 0.5, 0.5, time.Second),
		resultForReport(ReasonCancelled, 0.5, 0.5, time.Second),
		resultForReport(ReasonBudgetExhausted, 0.5, 0.6, time.Second),
	}

	summary := Summarize(results)

	require.Equal(t, 4, summary.TotalRuns)
	for _, reason := range []TerminationReason{ReasonThresholdMet, ReasonNoFurtherImprovement, ReasonCancelled, ReasonBudgetExhausted} {
		assert.Equal(t, 1, summary.TerminationCounts[reason], "reason %s", reason)
	}
}
