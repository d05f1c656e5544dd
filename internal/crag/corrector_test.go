package crag

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStrategyForCoversEveryMetric(t *testing.T) {
	want := map[Metric]Strategy{
		MetricCompleteness:       StrategyRetrieveMore,
		MetricRelevance:          StrategyRefineQuery,
		MetricSourceReliability:  StrategyValidateSources,
		MetricFactualConsistency: StrategyCrossReference,
		MetricAccuracy:           StrategyFactCheck,
		MetricCoherence:          StrategySynthesizeBetter,
		MetricTemporalValidity:   StrategyTemporalUpdate,
	}

	for _, m := range Metrics {
		assert.Equal(t, want[m], StrategyFor(m), "metric %s", m)
	}
}

func assessmentWithIssues(issues ...Issue) *QualityAssessment {
	return &QualityAssessment{
		Scores:      map[Metric]float64{},
		Overall:     0.4,
		Issues:      issues,
		Suggestions: suggestionsFor(issues),
	}
}

func TestApplyReturnsErrNoApplicableStrategyWithoutIssues(t *testing.T) {
	c := NewCorrector(&stubRetriever{}, &stubGenerator{}, 0.4, time.Second)

	r := &GenerationResult{Answer: "a", Sources: trustedPassages(1)}
	_, _, err := c.Apply(context.Background(), Query{Text: "q"}, r, assessmentWithIssues(), nil)

	require.ErrorIs(t, err, ErrNoApplicableStrategy)
}

func TestApplyReturnsErrNoApplicableStrategyWhenAllSkipped(t *testing.T) {
	c := NewCorrector(&stubRetriever{}, &stubGenerator{}, 0.4, time.Second)

	assessment := assessmentWithIssues(
		Issue{Metric: MetricRelevance, Severity: SeverityHigh},
		Issue{Metric: MetricCompleteness, Severity: SeverityMedium},
	)
	skip := map[Strategy]bool{
		StrategyRefineQuery:  true,
		StrategyRetrieveMore: true,
	}

	r := &GenerationResult{Answer: "a", Sources: trustedPassages(1)}
	_, _, err := c.Apply(context.Background(), Query{Text: "q"}, r, assessment, skip)

	require.ErrorIs(t, err, ErrNoApplicableStrategy)
}

func TestApplySelectsTheFirstUnskippedIssue(t *testing.T) {
	retriever := &stubRetriever{passages: trustedPassages(2)}
	generator := &stubGenerator{}
	c := NewCorrector(retriever, generator, 0.4, time.Second)

	assessment := assessmentWithIssues(
		Issue{Metric: MetricCompleteness, Severity: SeverityCritical},
		Issue{Metric: MetricRelevance, Severity: SeverityMedium},
	)
	skip := map[Strategy]bool{StrategyRetrieveMore: true}

	r := &GenerationResult{Answer: "a", Sources: trustedPassages(1)}
	_, record, err := c.Apply(context.Background(), Query{Text: "q"}, r, assessment, skip)
	require.NoError(t, err)

	assert.Equal(t, StrategyRefineQuery, record.Strategy)
	assert.Equal(t, 1, generator.rewriteCalls)
}

func TestRetrieveMoreExcludesCurrentSourcesAndMerges(t *testing.T) {
	extra := []SourcePassage{{ID: "extra-1", Text: "new evidence", Trust: 0.8}}
	retriever := &stubRetriever{passages: extra}
	generator := &stubGenerator{}
	c := NewCorrector(retriever, generator, 0.4, time.Second)

	assessment := assessmentWithIssues(Issue{Metric: MetricCompleteness, Severity: SeverityHigh})
	prior := &GenerationResult{Answer: "a", Sources: trustedPassages(2)}

	revised, record, err := c.Apply(context.Background(), Query{Text: "q"}, prior, assessment, nil)
	require.NoError(t, err)
	require.False(t, record.Failed)

	require.Len(t, retriever.calls, 1)
	assert.ElementsMatch(t, []string{"p-a", "p-b"}, retriever.calls[0].ExcludeIDs)

	assert.Len(t, revised.Sources, 3)
	assert.Equal(t, []Metric{MetricCompleteness}, record.Targets)
}

func TestRetrieveMoreFailsWhenNoNewPassagesExist(t *testing.T) {
	retriever := &stubRetriever{} // returns nothing
	generator := &stubGenerator{}
	c := NewCorrector(retriever, generator, 0.4, time.Second)

	assessment := assessmentWithIssues(Issue{Metric: MetricCompleteness, Severity: SeverityHigh})
	prior := &GenerationResult{Answer: "a", Sources: trustedPassages(1)}

	revised, record, err := c.Apply(context.Background(), Query{Text: "q"}, prior, assessment, nil)
	require.NoError(t, err)

	assert.True(t, record.Failed)
	assert.NotEmpty(t, record.Error)
	assert.Same(t, prior, revised)
	assert.Equal(t, 0, generator.genCalls)
}

func TestRefineQueryRetrievesWithTheRewrittenQuery(t *testing.T) {
	retriever := &stubRetriever{passages: trustedPassages(2)}
	generator := &stubGenerator{rewritten: "quorum replication protocol details"}
	c := NewCorrector(retriever, generator, 0.4, time.Second)

	assessment := assessmentWithIssues(Issue{Metric: MetricRelevance, Severity: SeverityHigh})
	prior := &GenerationResult{Answer: "a", Sources: trustedPassages(1)}

	_, record, err := c.Apply(context.Background(), Query{Text: "original"}, prior, assessment, nil)
	require.NoError(t, err)
	require.False(t, record.Failed)

	require.Len(t, retriever.queries, 1)
	assert.Equal(t, "quorum replication protocol details", retriever.queries[0])
}

func TestValidateSourcesDropsLowTrustPassages(t *testing.T) {
	generator := &stubGenerator{}
	c := NewCorrector(&stubRetriever{}, generator, 0.4, time.Second)

	assessment := assessmentWithIssues(Issue{Metric: MetricSourceReliability, Severity: SeverityHigh})
	prior := &GenerationResult{Answer: "a", Sources: []SourcePassage{
		{ID: "good", Text: "x", Trust: 0.9},
		{ID: "bad", Text: "y", Trust: 0.2},
	}}

	revised, record, err := c.Apply(context.Background(), Query{Text: "q"}, prior, assessment, nil)
	require.NoError(t, err)
	require.False(t, record.Failed)

	require.Len(t, revised.Sources, 1)
	assert.Equal(t, "good", revised.Sources[0].ID)
}

func TestValidateSourcesFailsWhenAllSourcesWouldBeDropped(t *testing.T) {
	generator := &stubGenerator{}
	c := NewCorrector(&stubRetriever{}, generator, 0.4, time.Second)

	assessment := assessmentWithIssues(Issue{Metric: MetricSourceReliability, Severity: SeverityCritical})
	prior := &GenerationResult{Answer: "a", Sources: []SourcePassage{
		{ID: "bad-1", Text: "x", Trust: 0.1},
		{ID: "bad-2", Text: "y", Trust: 0.2},
	}}

	revised, record, err := c.Apply(context.Background(), Query{Text: "q"}, prior, assessment, nil)
	require.NoError(t, err)

	assert.True(t, record.Failed)
	assert.Same(t, prior, revised)
	assert.Len(t, prior.Sources, 2) // prior result untouched
	assert.Equal(t, 0, generator.genCalls)
}

func TestValidateSourcesFailsWhenNothingIsBelowTheFloor(t *testing.T) {
	c := NewCorrector(&stubRetriever{}, &stubGenerator{}, 0.4, time.Second)

	assessment := assessmentWithIssues(Issue{Metric: MetricSourceReliability, Severity: SeverityMedium})
	prior := &GenerationResult{Answer: "a", Sources: trustedPassages(2)}

	revised, record, err := c.Apply(context.Background(), Query{Text: "q"}, prior, assessment, nil)
	require.NoError(t, err)

	assert.True(t, record.Failed)
	assert.Same(t, prior, revised)
}

func TestCrossReferenceRegeneratesOverTheSameSources(t *testing.T) {
	generator := &stubGenerator{}
	c := NewCorrector(&stubRetriever{}, generator, 0.4, time.Second)

	assessment := assessmentWithIssues(Issue{Metric: MetricFactualConsistency, Severity: SeverityHigh})
	prior := &GenerationResult{Answer: "a", Sources: trustedPassages(2)}

	revised, record, err := c.Apply(context.Background(), Query{Text: "q"}, prior, assessment, nil)
	require.NoError(t, err)
	require.False(t, record.Failed)

	assert.Len(t, revised.Sources, 2)
	require.Len(t, generator.hints, 1)
	assert.Contains(t, generator.hints[0], "contradictions")
}

func TestSynthesizeBetterRegeneratesWithAStructureHint(t *testing.T) {
	generator := &stubGenerator{}
	c := NewCorrector(&stubRetriever{}, generator, 0.4, time.Second)

	assessment := assessmentWithIssues(Issue{Metric: MetricCoherence, Severity: SeverityMedium})
	prior := &GenerationResult{Answer: "a", Sources: trustedPassages(2)}

	_, record, err := c.Apply(context.Background(), Query{Text: "q"}, prior, assessment, nil)
	require.NoError(t, err)
	require.False(t, record.Failed)

	require.Len(t, generator.hints, 1)
	assert.Contains(t, generator.hints[0], "structure")
}

func TestFactCheckFallsBackToFullRegeneration(t *testing.T) {
	generator := &stubGenerator{}
	c := NewCorrector(&stubRetriever{}, generator, 0.4, time.Second)

	assessment := assessmentWithIssues(Issue{Metric: MetricAccuracy, Severity: SeverityHigh})
	prior := &GenerationResult{Answer: "a", Sources: trustedPassages(2)}

	_, record, err := c.Apply(context.Background(), Query{Text: "q"}, prior, assessment, nil)
	require.NoError(t, err)
	require.False(t, record.Failed)

	assert.Equal(t, 1, generator.genCalls)
	require.Len(t, generator.hints, 1)
	assert.Contains(t, generator.hints[0], "Re-verify")
}

func TestFactCheckUsesSpanEditingWhenAvailable(t *testing.T) {
	generator := &spanEditingGenerator{}
	c := NewCorrector(&stubRetriever{}, generator, 0.4, time.Second)

	assessment := assessmentWithIssues(Issue{Metric: MetricAccuracy, Severity: SeverityHigh})
	prior := &GenerationResult{Answer: "a", Sources: trustedPassages(2)}

	revised, record, err := c.Apply(context.Background(), Query{Text: "q"}, prior, assessment, nil)
	require.NoError(t, err)
	require.False(t, record.Failed)

	assert.Equal(t, 1, generator.editCalls)
	assert.Equal(t, 0, generator.genCalls)
	assert.Equal(t, "a (verified)", revised.Answer)
}

func TestTemporalUpdateRequestsFreshestPassages(t *testing.T) {
	retriever := &stubRetriever{passages: trustedPassages(2)}
	generator := &stubGenerator{}
	c := NewCorrector(retriever, generator, 0.4, time.Second)

	assessment := assessmentWithIssues(Issue{Metric: MetricTemporalValidity, Severity: SeverityHigh})
	prior := &GenerationResult{Answer: "a", Sources: trustedPassages(1)}

	_, record, err := c.Apply(context.Background(), Query{Text: "q"}, prior, assessment, nil)
	require.NoError(t, err)
	require.False(t, record.Failed)

	require.Len(t, retriever.calls, 1)
	assert.True(t, retriever.calls[0].FreshestOnly)
}

func TestCollaboratorFailureIsRetriedOnceThenAbsorbed(t *testing.T) {
	generator := &stubGenerator{genErr: errors.New("model overloaded")}
	c := NewCorrector(&stubRetriever{}, generator, 0.4, time.Second)

	assessment := assessmentWithIssues(Issue{Metric: MetricCoherence, Severity: SeverityHigh})
	prior := &GenerationResult{Answer: "a", Sources: trustedPassages(2)}

	revised, record, err := c.Apply(context.Background(), Query{Text: "q"}, prior, assessment, nil)
	require.NoError(t, err)

	assert.True(t, record.Failed)
	assert.NotEmpty(t, record.Error)
	assert.Same(t, prior, revised)
	assert.Equal(t, 2, generator.genCalls)
}
