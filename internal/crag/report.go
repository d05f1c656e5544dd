package crag

import "time"

// PerformanceSummary is a read-side aggregation over completed runs; it has
// no side effects and mutates nothing.
type PerformanceSummary struct {
	TotalRuns         int
	SuccessRate       float64 // fraction of runs that met the quality threshold
	AvgImprovement    float64 // final score minus first-iteration score
	AvgProcessingTime time.Duration
	StrategyFrequency map[Strategy]int
	FailedCorrections int
	TerminationCounts map[TerminationReason]int
}

// Summarize aggregates performance metrics across the supplied results.
func Summarize(results []*CRAGResult) PerformanceSummary {
	summary := PerformanceSummary{
		StrategyFrequency: make(map[Strategy]int),
		TerminationCounts: make(map[TerminationReason]int),
	}

	var totalImprovement float64
	var totalElapsed time.Duration
	succeeded := 0

	for _, r := range results {
		if r == nil {
			continue
		}
		summary.TotalRuns++

		if r.Reason == ReasonThresholdMet {
			succeeded++
		}
		summary.TerminationCounts[r.Reason]++

		totalImprovement += r.Final.Overall - r.FirstScore()
		totalElapsed += r.Elapsed

		for _, c := range r.Corrections {
			summary.StrategyFrequency[c.Strategy]++
			if c.Failed {
				summary.FailedCorrections++
			}
		}
	}

	if summary.TotalRuns > 0 {
		summary.SuccessRate = float64(succeeded) / float64(summary.TotalRuns)
		summary.AvgImprovement = totalImprovement / float64(summary.TotalRuns)
		summary.AvgProcessingTime = totalElapsed / time.Duration(summary.TotalRuns)
	}

	return summary
}
