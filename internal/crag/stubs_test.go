package crag

import (
	"context"
	"sync"
	"time"
)

// stubRetriever answers retrieval calls from a canned passage list and
// records every constraint set it was called with.
type stubRetriever struct {
	mu       sync.Mutex
	passages []SourcePassage
	err      error
	fn       func(queryText string, c RetrievalConstraints) ([]SourcePassage, error)
	calls    []RetrievalConstraints
	queries  []string
}

func (s *stubRetriever) Retrieve(ctx context.Context, queryText string, c RetrievalConstraints) ([]SourcePassage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.queries = append(s.queries, queryText)
	s.mu.Unlock()

	if s.fn != nil {
		return s.fn(queryText, c)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.passages, nil
}

func (s *stubRetriever) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// stubGenerator echoes a fixed answer over whatever sources it is given and
// records hints and call counts.
type stubGenerator struct {
	mu           sync.Mutex
	answer       string
	genErr       error
	rewritten    string
	rewriteErr   error
	genCalls     int
	rewriteCalls int
	hints        []string
	lastSources  []SourcePassage
}

func (s *stubGenerator) Generate(ctx context.Context, q Query, sources []SourcePassage, hint string) (*GenerationResult, error) {
	s.mu.Lock()
	s.genCalls++
	s.hints = append(s.hints, hint)
	s.lastSources = sources
	s.mu.Unlock()

	if s.genErr != nil {
		return nil, s.genErr
	}

	answer := s.answer
	if answer == "" {
		answer = "stub answer"
	}
	return &GenerationResult{
		Answer:     answer,
		Sources:    sources,
		Confidence: 0.8,
		Latency:    time.Millisecond,
	}, nil
}

func (s *stubGenerator) RewriteQuery(ctx context.Context, q Query) (string, error) {
	s.mu.Lock()
	s.rewriteCalls++
	s.mu.Unlock()

	if s.rewriteErr != nil {
		return "", s.rewriteErr
	}
	if s.rewritten != "" {
		return s.rewritten, nil
	}
	return q.Text + " refined", nil
}

// spanEditingGenerator adds the span-editing capability on top of the stub.
type spanEditingGenerator struct {
	stubGenerator
	mu        sync.Mutex
	editCalls int
}

func (s *spanEditingGenerator) EditSpans(ctx context.Context, q Query, r *GenerationResult, hint string) (*GenerationResult, error) {
	s.mu.Lock()
	s.editCalls++
	s.mu.Unlock()

	return &GenerationResult{
		Answer:  r.Answer + " (verified)",
		Sources: r.Sources,
	}, nil
}

// stubJudge scores metrics from a fixed table, with optional per-metric
// errors. Deterministic by construction.
type stubJudge struct {
	scores map[Metric]float64
	errs   map[Metric]error
}

func (s *stubJudge) Score(ctx context.Context, q Query, r *GenerationResult, m Metric) (float64, error) {
	if err, ok := s.errs[m]; ok {
		return 0, err
	}
	if score, ok := s.scores[m]; ok {
		return score, nil
	}
	return 0.9, nil
}

// uniformJudge scores every metric identically.
func uniformJudge(score float64) *stubJudge {
	return &stubJudge{scores: map[Metric]float64{
		MetricRelevance:          score,
		MetricAccuracy:           score,
		MetricCompleteness:       score,
		MetricCoherence:          score,
		MetricFactualConsistency: score,
	}}
}

func trustedPassages(n int) []SourcePassage {
	now := time.Now()
	passages := make([]SourcePassage, n)
	for i := range passages {
		passages[i] = SourcePassage{
			ID:         "p-" + string(rune('a'+i)),
			Text:       "Distributed consensus requires a quorum of replicas to agree.",
			URL:        "https://example.com/doc",
			Trust:      1.0,
			VerifiedAt: now,
		}
	}
	return passages
}
