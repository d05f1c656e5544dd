package crag

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/crag-agent/backend/pkg/logger"
)

// subThreshold is the per-metric floor below which an issue is raised.
const subThreshold = 0.7

// Assessor scores a (query, answer, sources) triple across the seven
// quality metrics. It is a pure function of its inputs plus collaborator
// responses: with a deterministic judge, re-assessing the same pair yields
// an identical assessment.
type Assessor struct {
	weights        WeightTable
	judge          Judge
	heuristics     *Heuristics
	perCallTimeout time.Duration
}

// NewAssessor builds an assessor over an explicit weight table. A nil judge
// means every metric is produced by local heuristics.
func NewAssessor(weights WeightTable, judge Judge, perCallTimeout time.Duration) (*Assessor, error) {
	return NewAssessorAt(weights, judge, perCallTimeout, time.Now)
}

// NewAssessorAt builds an assessor with an explicit clock for the freshness
// producer, so assessments of the same pair are reproducible.
func NewAssessorAt(weights WeightTable, judge Judge, perCallTimeout time.Duration, now func() time.Time) (*Assessor, error) {
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("invalid weight table: %w", err)
	}

	return &Assessor{
		weights:        weights,
		judge:          judge,
		heuristics:     NewHeuristicsAt(now),
		perCallTimeout: perCallTimeout,
	}, nil
}

// Assess produces the immutable quality assessment for one generation
// result. Metric producers that cannot evaluate degrade to a 0.0 score with
// a metric_evaluation_failed issue; they are never silently skipped, which
// would corrupt the fixed-weight invariant.
func (a *Assessor) Assess(ctx context.Context, q Query, r *GenerationResult) (*QualityAssessment, error) {
	if r == nil {
		return nil, &MalformedInputError{Reason: "generation result is nil"}
	}
	if len(r.Sources) == 0 && q.Task.RequiresSources() {
		return nil, &MalformedInputError{Reason: fmt.Sprintf("task type %q requires at least one source passage", q.Task)}
	}

	scores := make(map[Metric]float64, len(Metrics))
	var issues []Issue

	for _, m := range Metrics {
		score, err := a.scoreMetric(ctx, q, r, m)
		if err != nil {
			logger.Warn("Metric evaluation failed, degrading to zero",
				zap.String("metric", m.String()),
				zap.Error(err),
			)
			scores[m] = 0.0
			issues = append(issues, Issue{
				Metric:   m,
				Severity: SeverityCritical,
				Code:     IssueMetricEvaluationFailed,
				Detail:   err.Error(),
			})
			continue
		}

		score = clamp01(score)
		scores[m] = score

		if score < subThreshold {
			issues = append(issues, Issue{
				Metric:   m,
				Severity: severityFor(score),
				Detail:   fmt.Sprintf("%s scored %.2f, below %.2f", m, score, subThreshold),
			})
		}
	}

	sortIssues(issues)

	assessment := &QualityAssessment{
		Scores:      scores,
		Overall:     a.weights.Overall(scores),
		Issues:      issues,
		Suggestions: suggestionsFor(issues),
	}

	logger.Debug("Assessment produced",
		zap.Float64("overall", assessment.Overall),
		zap.Int("issues", len(assessment.Issues)),
	)

	return assessment, nil
}

// Weights exposes the table the assessor was built with, for reporting.
func (a *Assessor) Weights() WeightTable {
	return a.weights
}

func (a *Assessor) scoreMetric(ctx context.Context, q Query, r *GenerationResult, m Metric) (float64, error) {
	// Source reliability and temporal validity are pure functions of the
	// passage metadata; the judge adds nothing there.
	switch m {
	case MetricSourceReliability:
		return a.heuristics.SourceReliability(r.Sources), nil
	case MetricTemporalValidity:
		return a.heuristics.TemporalValidity(q, r.Sources), nil
	}

	if a.judge != nil {
		judgeCtx := ctx
		if a.perCallTimeout > 0 {
			var cancel context.CancelFunc
			judgeCtx, cancel = context.WithTimeout(ctx, a.perCallTimeout)
			defer cancel()
		}
		return a.judge.Score(judgeCtx, q, r, m)
	}

	switch m {
	case MetricRelevance:
		return a.heuristics.Relevance(q.Text, r.Answer), nil
	case MetricAccuracy:
		return a.heuristics.Accuracy(r.Answer, r.Sources), nil
	case MetricCompleteness:
		return a.heuristics.Completeness(q.Text, r.Answer), nil
	case MetricCoherence:
		return a.heuristics.Coherence(r.Answer), nil
	case MetricFactualConsistency:
		return a.heuristics.Consistency(r.Sources), nil
	default:
		return 0, fmt.Errorf("no producer for metric %s", m)
	}
}

func severityFor(score float64) Severity {
	switch {
	case score < 0.3:
		return SeverityCritical
	case score < 0.5:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// sortIssues orders by severity descending, ties broken by the canonical
// metric order. The correction engine's "first matching issue wins" rule
// relies on this ordering.
func sortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		if issues[i].Severity != issues[j].Severity {
			return issues[i].Severity > issues[j].Severity
		}
		return issues[i].Metric < issues[j].Metric
	})
}

// suggestionsFor maps issues to strategies through the fixed lookup table
// and de-duplicates while preserving issue order.
func suggestionsFor(issues []Issue) []Strategy {
	seen := make(map[Strategy]bool)
	var suggestions []Strategy
	for _, issue := range issues {
		s := StrategyFor(issue.Metric)
		if !seen[s] {
			seen[s] = true
			suggestions = append(suggestions, s)
		}
	}
	return suggestions
}
