package crag

import (
	"context"
	"time"
)

// TaskType tags a query with the kind of work the caller expects.
type TaskType string

const (
	TaskDocumentSearch   TaskType = "document_search"
	TaskCodeAnalysis     TaskType = "code_analysis"
	TaskTechnicalContext TaskType = "technical_context"
	// TaskSynthesis answers are composed without retrieved evidence, so an
	// empty source list is legal for them.
	TaskSynthesis TaskType = "synthesis"
)

// RequiresSources reports whether assessments of this task type must be
// backed by at least one source passage.
func (t TaskType) RequiresSources() bool {
	return t != TaskSynthesis
}

// Query is the immutable per-request input. It is never mutated; query
// refinement produces new query text passed to the retriever, not a change
// to the original.
type Query struct {
	Text    string
	Task    TaskType
	Context map[string]string
}

// SourcePassage is one retrieved unit of evidence. The engine holds
// read-only references and never edits passage content in place.
type SourcePassage struct {
	ID         string
	Text       string
	URL        string
	Trust      float64   // [0,1] reliability indicator from the retriever
	VerifiedAt time.Time // zero means freshness unknown
}

// GenerationResult is one candidate answer. Instances are created per
// generation call and retained inside the run history, never mutated.
type GenerationResult struct {
	Answer     string
	Sources    []SourcePassage
	Confidence float64
	Latency    time.Duration
}

// Metric identifies one of the seven quality dimensions. The declaration
// order is the canonical metric order used for tie-breaking.
type Metric int

const (
	MetricRelevance Metric = iota
	MetricAccuracy
	MetricCompleteness
	MetricCoherence
	MetricFactualConsistency
	MetricSourceReliability
	MetricTemporalValidity
)

// Metrics lists all seven metrics in canonical order.
var Metrics = [7]Metric{
	MetricRelevance,
	MetricAccuracy,
	MetricCompleteness,
	MetricCoherence,
	MetricFactualConsistency,
	MetricSourceReliability,
	MetricTemporalValidity,
}

func (m Metric) String() string {
	switch m {
	case MetricRelevance:
		return "relevance"
	case MetricAccuracy:
		return "accuracy"
	case MetricCompleteness:
		return "completeness"
	case MetricCoherence:
		return "coherence"
	case MetricFactualConsistency:
		return "factual_consistency"
	case MetricSourceReliability:
		return "source_reliability"
	case MetricTemporalValidity:
		return "temporal_validity"
	default:
		return "unknown"
	}
}

type Severity int

const (
	SeverityMedium Severity = iota
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// IssueMetricEvaluationFailed marks an issue raised because a metric
// producer could not evaluate at all, as opposed to scoring low.
const IssueMetricEvaluationFailed = "metric_evaluation_failed"

// Issue names a metric that fell below its sub-threshold, with a severity
// bucketed from how far below it fell.
type Issue struct {
	Metric   Metric
	Severity Severity
	Code     string
	Detail   string
}

// Strategy is one of the seven corrective actions.
type Strategy int

const (
	StrategyRetrieveMore Strategy = iota
	StrategyRefineQuery
	StrategyValidateSources
	StrategyCrossReference
	StrategyFactCheck
	StrategySynthesizeBetter
	StrategyTemporalUpdate
)

func (s Strategy) String() string {
	switch s {
	case StrategyRetrieveMore:
		return "retrieve_more"
	case StrategyRefineQuery:
		return "refine_query"
	case StrategyValidateSources:
		return "validate_sources"
	case StrategyCrossReference:
		return "cross_reference"
	case StrategyFactCheck:
		return "fact_check"
	case StrategySynthesizeBetter:
		return "synthesize_better"
	case StrategyTemporalUpdate:
		return "temporal_update"
	default:
		return "unknown"
	}
}

// StrategyFor is the fixed issue-metric to correction-strategy table.
func StrategyFor(m Metric) Strategy {
	switch m {
	case MetricCompleteness:
		return StrategyRetrieveMore
	case MetricRelevance:
		return StrategyRefineQuery
	case MetricSourceReliability:
		return StrategyValidateSources
	case MetricFactualConsistency:
		return StrategyCrossReference
	case MetricAccuracy:
		return StrategyFactCheck
	case MetricCoherence:
		return StrategySynthesizeBetter
	case MetricTemporalValidity:
		return StrategyTemporalUpdate
	default:
		return StrategyRetrieveMore
	}
}

// QualityAssessment is the immutable score record for one
// (Query, GenerationResult) pair.
type QualityAssessment struct {
	Scores      map[Metric]float64
	Overall     float64
	Issues      []Issue
	Suggestions []Strategy
}

// CorrectionRecord captures one applied correction. Records are appended to
// the run history and never removed or reordered.
type CorrectionRecord struct {
	Strategy   Strategy
	Targets    []Metric
	ScoreDelta float64
	Failed     bool
	Error      string
	Sequence   int
	Timestamp  time.Time
}

// Iteration is one entry in the run history: the result that was assessed,
// its assessment, and the correction that produced it (nil for the
// first-pass entry).
type Iteration struct {
	Result     *GenerationResult
	Assessment *QualityAssessment
	Correction *CorrectionRecord
}

type TerminationReason string

const (
	ReasonThresholdMet         TerminationReason = "threshold_met"
	ReasonBudgetExhausted      TerminationReason = "iteration_budget_exhausted"
	ReasonNoFurtherImprovement TerminationReason = "no_further_improvement"
	ReasonCancelled            TerminationReason = "cancelled"
)

// CRAGResult is the terminal entity of a run and the only one exposed to
// callers. The history is append-only: the current state of the loop was
// always just its last element.
type CRAGResult struct {
	RunID          string
	Query          Query
	Answer         string
	Final          *QualityAssessment
	Corrections    []CorrectionRecord
	History        []Iteration
	IterationCount int
	Elapsed        time.Duration
	Reason         TerminationReason
}

// FirstScore returns the first-pass overall score, used to measure
// improvement across the run.
func (r *CRAGResult) FirstScore() float64 {
	if len(r.History) == 0 {
		return 0
	}
	return r.History[0].Assessment.Overall
}

// RetrievalConstraints steer a retrieval call issued by a correction.
type RetrievalConstraints struct {
	Limit        int
	ExcludeIDs   []string
	MinTrust     float64
	FreshestOnly bool
}

// Retriever is the base retrieval collaborator.
type Retriever interface {
	Retrieve(ctx context.Context, queryText string, c RetrievalConstraints) ([]SourcePassage, error)
}

// Generator is the language-generation collaborator. The hint is an
// optional free-text steering note used by synthesize_better,
// cross_reference and fact_check.
type Generator interface {
	Generate(ctx context.Context, q Query, sources []SourcePassage, hint string) (*GenerationResult, error)
	RewriteQuery(ctx context.Context, q Query) (string, error)
}

// Judge scores a single quality dimension in lightweight self-critique
// mode. Scores must land in [0,1].
type Judge interface {
	Score(ctx context.Context, q Query, r *GenerationResult, m Metric) (float64, error)
}

// SpanEditor is an optional Generator capability: re-verify specific claims
// and regenerate only the disputed spans. Generators without it fall back
// to full regeneration during fact_check.
type SpanEditor interface {
	EditSpans(ctx context.Context, q Query, r *GenerationResult, hint string) (*GenerationResult, error)
}
