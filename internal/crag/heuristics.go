package crag

import (
	"math"
	"strings"
	"time"

	"github.com/jdkato/prose/v2"
)

// Heuristics hosts the local metric producers: cheap, deterministic scorers
// used for the metadata-driven metrics and as fallbacks when no judge is
// configured. Scores land in [0,1].
type Heuristics struct {
	now func() time.Time
}

func NewHeuristics() *Heuristics {
	return NewHeuristicsAt(time.Now)
}

// NewHeuristicsAt pins the clock used for freshness scoring, so identical
// inputs always produce identical scores.
func NewHeuristicsAt(now func() time.Time) *Heuristics {
	return &Heuristics{now: now}
}

// Relevance scores the lexical alignment between query and answer over
// content words.
func (h *Heuristics) Relevance(query, answer string) float64 {
	queryTerms := contentTerms(query)
	if len(queryTerms) == 0 {
		return 0.5
	}

	answerTerms := termSet(answer)
	matched := 0
	for term := range queryTerms {
		if answerTerms[term] {
			matched++
		}
	}

	return float64(matched) / float64(len(queryTerms))
}

// Accuracy checks answer content terms against the cited sources: claims
// whose vocabulary never appears in any source count against the answer.
func (h *Heuristics) Accuracy(answer string, sources []SourcePassage) float64 {
	answerTerms := contentTerms(answer)
	if len(answerTerms) == 0 || len(sources) == 0 {
		return 0.0
	}

	supported := 0
	for term := range answerTerms {
		for _, src := range sources {
			if strings.Contains(strings.ToLower(src.Text), term) {
				supported++
				break
			}
		}
	}

	return float64(supported) / float64(len(answerTerms))
}

// Completeness measures coverage of the sub-aspects implied by the query,
// approximated by its noun heads.
func (h *Heuristics) Completeness(query, answer string) float64 {
	aspects := nounTerms(query)
	if len(aspects) == 0 {
		return h.Relevance(query, answer)
	}

	answerTerms := termSet(answer)
	covered := 0
	for aspect := range aspects {
		if answerTerms[aspect] {
			covered++
		}
	}

	return float64(covered) / float64(len(aspects))
}

// Coherence scores structural flow from sentence statistics: single-run or
// wildly uneven answers read worse than evenly paced ones.
func (h *Heuristics) Coherence(answer string) float64 {
	doc, err := prose.NewDocument(answer, prose.WithExtraction(false), prose.WithTagging(false))
	if err != nil {
		return 0.5
	}

	sentences := doc.Sentences()
	if len(sentences) == 0 {
		return 0.0
	}
	if len(sentences) == 1 {
		if len(strings.Fields(sentences[0].Text)) > 60 {
			return 0.4
		}
		return 0.7
	}

	score := 0.7

	var total int
	for _, s := range sentences {
		total += len(strings.Fields(s.Text))
	}
	mean := float64(total) / float64(len(sentences))
	if mean >= 8 && mean <= 30 {
		score += 0.15
	}

	connectives := []string{"therefore", "however", "because", "first", "then", "finally", "additionally", "so"}
	lower := strings.ToLower(answer)
	for _, c := range connectives {
		if strings.Contains(lower, c) {
			score += 0.15
			break
		}
	}

	return clamp01(score)
}

// Consistency measures agreement across the different cited sources via
// pairwise vocabulary overlap. One source trivially agrees with itself.
func (h *Heuristics) Consistency(sources []SourcePassage) float64 {
	if len(sources) == 0 {
		return 0.0
	}
	if len(sources) == 1 {
		return 1.0
	}

	sets := make([]map[string]bool, len(sources))
	for i, src := range sources {
		sets[i] = contentTerms(src.Text)
	}

	var total float64
	var pairs int
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			total += jaccard(sets[i], sets[j])
			pairs++
		}
	}

	if pairs == 0 {
		return 1.0
	}

	// Raw jaccard between prose passages is low even in agreement, so
	// rescale: 0.25 overlap already counts as full consistency.
	return clamp01(total / float64(pairs) * 4)
}

// SourceReliability aggregates the trust indicator of each cited source.
func (h *Heuristics) SourceReliability(sources []SourcePassage) float64 {
	if len(sources) == 0 {
		return 0.0
	}

	var total float64
	for _, src := range sources {
		total += src.Trust
	}
	return clamp01(total / float64(len(sources)))
}

// TemporalValidity scores the recency of cited sources against the query's
// implied currency need. Unknown freshness is scored neutrally rather than
// punished.
func (h *Heuristics) TemporalValidity(q Query, sources []SourcePassage) float64 {
	if len(sources) == 0 {
		return 0.0
	}

	window := 730.0
	unknown := 0.5
	if queryNeedsRecency(q) {
		window = 90.0
		unknown = 0.4
	}

	now := h.now()
	var total float64
	for _, src := range sources {
		if src.VerifiedAt.IsZero() {
			total += unknown
			continue
		}
		// Whole-day granularity keeps repeated assessments of the same
		// sources in agreement; sub-day clock drift must not move scores.
		ageDays := math.Floor(now.Sub(src.VerifiedAt).Hours() / 24)
		total += clamp01(1 - ageDays/window)
	}

	return clamp01(total / float64(len(sources)))
}

func queryNeedsRecency(q Query) bool {
	if q.Context["currency"] == "recent" {
		return true
	}
	lower := strings.ToLower(q.Text)
	for _, marker := range []string{"latest", "current", "recent", "today", "this year", "newest"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// contentTerms extracts lowercase content words (nouns, verbs, adjectives)
// using the prose tagger, falling back to plain fields when tagging fails.
func contentTerms(text string) map[string]bool {
	terms := make(map[string]bool)

	doc, err := prose.NewDocument(text, prose.WithExtraction(false))
	if err != nil {
		for _, f := range strings.Fields(strings.ToLower(text)) {
			if len(f) > 3 {
				terms[strings.Trim(f, ".,!?:;\"'()")] = true
			}
		}
		return terms
	}

	for _, tok := range doc.Tokens() {
		if len(tok.Text) < 3 {
			continue
		}
		switch {
		case strings.HasPrefix(tok.Tag, "NN"),
			strings.HasPrefix(tok.Tag, "VB"),
			strings.HasPrefix(tok.Tag, "JJ"):
			terms[strings.ToLower(tok.Text)] = true
		}
	}
	return terms
}

// nounTerms extracts lowercase noun heads, the proxy for query sub-aspects.
func nounTerms(text string) map[string]bool {
	terms := make(map[string]bool)

	doc, err := prose.NewDocument(text, prose.WithExtraction(false))
	if err != nil {
		return contentTerms(text)
	}

	for _, tok := range doc.Tokens() {
		if len(tok.Text) >= 3 && strings.HasPrefix(tok.Tag, "NN") {
			terms[strings.ToLower(tok.Text)] = true
		}
	}
	return terms
}

func termSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(text)) {
		set[strings.Trim(f, ".,!?:;\"'()")] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	for term := range a {
		if b[term] {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
