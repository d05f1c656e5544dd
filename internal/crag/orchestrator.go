package crag

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crag-agent/backend/pkg/logger"
)

// Options is the tuning surface of the corrective loop.
type Options struct {
	QualityThreshold    float64
	MaxIterations       int
	MinImprovementFloor float64
	PerCallTimeout      time.Duration
	ParallelLimit       int
}

// ProgressEvent reports one loop transition to an observer, e.g. a
// websocket streaming iteration progress.
type ProgressEvent struct {
	RunID     string
	Iteration int
	Overall   float64
	Phase     string // "assessed", "corrected", "terminated"
	Strategy  string
	Failed    bool
	Reason    TerminationReason
}

// Engine is the iteration controller: the sole sequencer of the
// assess-correct-reassess loop. Assessor and corrector never call each
// other; the engine owns termination and provenance.
type Engine struct {
	assessor  *Assessor
	corrector *Corrector
	retriever Retriever
	generator Generator
	opts      Options
	sem       chan struct{}
}

func NewEngine(assessor *Assessor, corrector *Corrector, retriever Retriever, generator Generator, opts Options) *Engine {
	if opts.MaxIterations < 1 {
		opts.MaxIterations = 3
	}
	if opts.QualityThreshold <= 0 || opts.QualityThreshold > 1 {
		opts.QualityThreshold = 0.75
	}
	if opts.ParallelLimit < 1 {
		opts.ParallelLimit = 4
	}

	return &Engine{
		assessor:  assessor,
		corrector: corrector,
		retriever: retriever,
		generator: generator,
		opts:      opts,
		sem:       make(chan struct{}, opts.ParallelLimit),
	}
}

// ProcessQuery runs one query through the full corrective loop, producing
// the first-pass answer via a base retrieval+generation call.
func (e *Engine) ProcessQuery(ctx context.Context, q Query) (*CRAGResult, error) {
	return e.process(ctx, q, nil, nil)
}

// ProcessQueryObserved is ProcessQuery with a per-transition observer.
func (e *Engine) ProcessQueryObserved(ctx context.Context, q Query, observe func(ProgressEvent)) (*CRAGResult, error) {
	return e.process(ctx, q, nil, observe)
}

// ProcessWithInitial runs the loop over a first-pass result supplied by the
// caller, skipping the base retrieval+generation call.
func (e *Engine) ProcessWithInitial(ctx context.Context, q Query, initial *GenerationResult) (*CRAGResult, error) {
	return e.process(ctx, q, initial, observeNop)
}

// BatchOutcome pairs one query's result with its error; one query's hard
// failure never aborts its siblings.
type BatchOutcome struct {
	Result *CRAGResult
	Err    error
}

// BatchProcess runs independent queries with bounded parallelism. Outcome
// ordering matches input ordering; runs share no mutable state.
func (e *Engine) BatchProcess(ctx context.Context, queries []Query) []BatchOutcome {
	outcomes := make([]BatchOutcome, len(queries))

	var wg sync.WaitGroup
	for i, q := range queries {
		wg.Add(1)
		go func(i int, q Query) {
			defer wg.Done()

			result, err := e.process(ctx, q, nil, nil)
			outcomes[i] = BatchOutcome{Result: result, Err: err}
		}(i, q)
	}
	wg.Wait()

	return outcomes
}

func observeNop(ProgressEvent) {}

func (e *Engine) process(ctx context.Context, q Query, initial *GenerationResult, observe func(ProgressEvent)) (*CRAGResult, error) {
	if observe == nil {
		observe = observeNop
	}

	if strings.TrimSpace(q.Text) == "" {
		return nil, &MalformedInputError{Reason: "query text is empty"}
	}
	if initial != nil && len(initial.Sources) == 0 && q.Task.RequiresSources() {
		return nil, &MalformedInputError{Reason: "initial result has no sources for a task type that requires them"}
	}

	// Every run holds a slot for its full duration, so batch items and
	// concurrent callers share one parallelism bound.
	e.sem <- struct{}{}
	defer func() { <-e.sem }()

	start := time.Now()
	runID := uuid.New().String()

	logger.Info("Processing query",
		zap.String("run_id", runID),
		zap.String("query", q.Text),
		zap.String("task", string(q.Task)),
	)

	if initial == nil {
		var err error
		initial, err = e.firstPass(ctx, q)
		if err != nil {
			return nil, err
		}
	}

	current := initial
	assessment, err := e.assessor.Assess(ctx, q, current)
	if err != nil {
		return nil, err
	}

	history := []Iteration{{Result: current, Assessment: assessment}}
	var corrections []CorrectionRecord
	skip := make(map[Strategy]bool)
	stalled := 0

	observe(ProgressEvent{RunID: runID, Iteration: 0, Overall: assessment.Overall, Phase: "assessed"})

	var reason TerminationReason

	for {
		switch {
		case assessment.Overall >= e.opts.QualityThreshold:
			reason = ReasonThresholdMet
		case len(corrections) >= e.opts.MaxIterations:
			reason = ReasonBudgetExhausted
		case stalled >= 2:
			reason = ReasonNoFurtherImprovement
		case ctx.Err() != nil:
			reason = ReasonCancelled
		}
		if reason != "" {
			break
		}

		revised, record, applyErr := e.corrector.Apply(ctx, q, current, assessment, skip)
		if errors.Is(applyErr, ErrNoApplicableStrategy) {
			reason = ReasonNoFurtherImprovement
			break
		}

		if record.Failed {
			// Do not retry this strategy again within the run.
			skip[record.Strategy] = true
		}

		if ctx.Err() != nil {
			reason = ReasonCancelled
			break
		}

		newAssessment, assessErr := e.assessor.Assess(ctx, q, revised)
		if assessErr != nil {
			// A correction that produced an unassessable result is treated
			// as failed; the loop continues on the previous state.
			record.Failed = true
			record.Error = assessErr.Error()
			skip[record.Strategy] = true
			revised = current
			newAssessment = assessment
		}

		record.Sequence = len(corrections) + 1
		record.ScoreDelta = newAssessment.Overall - assessment.Overall

		if record.ScoreDelta < e.opts.MinImprovementFloor {
			stalled++
		} else {
			stalled = 0
		}

		corrections = append(corrections, record)
		history = append(history, Iteration{Result: revised, Assessment: newAssessment, Correction: &record})
		current = revised
		assessment = newAssessment

		observe(ProgressEvent{
			RunID:     runID,
			Iteration: record.Sequence,
			Overall:   assessment.Overall,
			Phase:     "corrected",
			Strategy:  record.Strategy.String(),
			Failed:    record.Failed,
		})
	}

	result := &CRAGResult{
		RunID:          runID,
		Query:          q,
		Answer:         current.Answer,
		Final:          assessment,
		Corrections:    corrections,
		History:        history,
		IterationCount: len(corrections),
		Elapsed:        time.Since(start),
		Reason:         reason,
	}

	observe(ProgressEvent{
		RunID:     runID,
		Iteration: result.IterationCount,
		Overall:   assessment.Overall,
		Phase:     "terminated",
		Reason:    reason,
	})

	logger.Info("Query processed",
		zap.String("run_id", runID),
		zap.String("reason", string(reason)),
		zap.Int("iterations", result.IterationCount),
		zap.Float64("first_score", result.FirstScore()),
		zap.Float64("final_score", assessment.Overall),
		zap.Duration("elapsed", result.Elapsed),
	)

	return result, nil
}

// firstPass issues the base RAG call: retrieve, then generate.
func (e *Engine) firstPass(ctx context.Context, q Query) (*GenerationResult, error) {
	callCtx := ctx
	if e.opts.PerCallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.opts.PerCallTimeout)
		defer cancel()
	}

	sources, err := e.retriever.Retrieve(callCtx, q.Text, RetrievalConstraints{Limit: 8})
	if err != nil {
		return nil, &CollaboratorUnavailableError{Collaborator: "retrieval", Err: err}
	}
	if len(sources) == 0 && q.Task.RequiresSources() {
		return nil, &MalformedInputError{Reason: "no source passages available for a task type that requires them"}
	}

	genCtx := ctx
	if e.opts.PerCallTimeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, e.opts.PerCallTimeout)
		defer cancel()
	}

	result, err := e.generator.Generate(genCtx, q, sources, "")
	if err != nil {
		return nil, &CollaboratorUnavailableError{Collaborator: "generation", Err: err}
	}

	return result, nil
}
