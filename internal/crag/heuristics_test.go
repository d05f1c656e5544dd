package crag

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSourceReliabilityAveragesTrust(t *testing.T) {
	h := NewHeuristics()

	sources := []SourcePassage{
		{Text: "a", Trust: 0.9},
		{Text: "b", Trust: 0.5},
	}
	assert.InDelta(t, 0.7, h.SourceReliability(sources), 1e-9)

	assert.Equal(t, 0.0, h.SourceReliability(nil))
}

func TestConsistencySingleSourceIsTriviallyConsistent(t *testing.T) {
	h := NewHeuristics()

	assert.Equal(t, 1.0, h.Consistency([]SourcePassage{{Text: "only one passage"}}))
	assert.Equal(t, 0.0, h.Consistency(nil))
}

func TestConsistencyAgreeingSourcesScoreHigherThanDisjointOnes(t *testing.T) {
	h := NewHeuristics()

	agreeing := []SourcePassage{
		{Text: "Raft elects a leader through randomized election timeouts."},
		{Text: "The Raft leader is elected after an election timeout expires."},
	}
	disjoint := []SourcePassage{
		{Text: "Raft elects a leader through randomized election timeouts."},
		{Text: "Bananas ripen faster inside paper bags at room temperature."},
	}

	assert.Greater(t, h.Consistency(agreeing), h.Consistency(disjoint))
}

func TestTemporalValidityFreshSourcesScoreHigh(t *testing.T) {
	h := NewHeuristics()

	q := Query{Text: "how does leader election work", Task: TaskDocumentSearch}
	fresh := []SourcePassage{{Text: "a", VerifiedAt: time.Now().Add(-24 * time.Hour)}}

	assert.Greater(t, h.TemporalValidity(q, fresh), 0.9)
}

func TestTemporalValidityFreshSourcesScoreExactlyOne(t *testing.T) {
	h := NewHeuristics()

	q := Query{Text: "what is the latest release", Task: TaskDocumentSearch}
	fresh := []SourcePassage{{Text: "a", VerifiedAt: time.Now().Add(-time.Hour)}}

	assert.Equal(t, 1.0, h.TemporalValidity(q, fresh))
}

func TestTemporalValidityIgnoresSubDayClockDrift(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	early := NewHeuristicsAt(func() time.Time { return base })
	late := NewHeuristicsAt(func() time.Time { return base.Add(90 * time.Second) })

	q := Query{Text: "how does leader election work", Task: TaskDocumentSearch}
	sources := []SourcePassage{
		{Text: "a", VerifiedAt: base.Add(-2 * time.Hour)},
		{Text: "b", VerifiedAt: base.Add(-49 * time.Hour)},
	}

	assert.Equal(t, early.TemporalValidity(q, sources), late.TemporalValidity(q, sources))
}

func TestTemporalValidityUnknownFreshnessIsNeutral(t *testing.T) {
	h := NewHeuristics()

	q := Query{Text: "how does leader election work", Task: TaskDocumentSearch}
	unknown := []SourcePassage{{Text: "a"}}

	assert.InDelta(t, 0.5, h.TemporalValidity(q, unknown), 1e-9)
}

func TestTemporalValidityRecencyQueriesUseTheShortWindow(t *testing.T) {
	h := NewHeuristics()

	stale := []SourcePassage{{Text: "a", VerifiedAt: time.Now().AddDate(0, -6, 0)}}

	relaxed := Query{Text: "how does leader election work", Task: TaskDocumentSearch}
	urgent := Query{Text: "what is the latest release", Task: TaskDocumentSearch}

	assert.Greater(t, h.TemporalValidity(relaxed, stale), h.TemporalValidity(urgent, stale))
}

func TestTemporalValidityReadsTheCurrencyContextKey(t *testing.T) {
	h := NewHeuristics()

	stale := []SourcePassage{{Text: "a", VerifiedAt: time.Now().AddDate(0, -6, 0)}}

	plain := Query{Text: "how does leader election work", Task: TaskDocumentSearch}
	flagged := Query{
		Text:    "how does leader election work",
		Task:    TaskDocumentSearch,
		Context: map[string]string{"currency": "recent"},
	}

	assert.Greater(t, h.TemporalValidity(plain, stale), h.TemporalValidity(flagged, stale))
}

func TestRelevanceRewardsQueryTermCoverage(t *testing.T) {
	h := NewHeuristics()

	query := "how does raft leader election work"
	onTopic := "Raft leader election begins when a follower times out and requests votes."
	offTopic := "Bananas ripen faster inside paper bags."

	assert.Greater(t, h.Relevance(query, onTopic), h.Relevance(query, offTopic))
}

func TestAccuracyRequiresSourceSupport(t *testing.T) {
	h := NewHeuristics()

	sources := []SourcePassage{{Text: "Raft elects a leader through randomized election timeouts."}}

	supported := "Raft elects a leader using election timeouts."
	unsupported := "Postgres uses write-ahead logging for durability."

	assert.Greater(t, h.Accuracy(supported, sources), h.Accuracy(unsupported, sources))
	assert.Equal(t, 0.0, h.Accuracy(supported, nil))
}

func TestCoherenceRewardsStructuredAnswers(t *testing.T) {
	h := NewHeuristics()

	structured := "First, a follower detects a missing heartbeat. Then it starts an election and requests votes. Finally, the winner becomes the leader."
	empty := ""

	assert.Greater(t, h.Coherence(structured), 0.7)
	assert.Equal(t, 0.0, h.Coherence(empty))
}
