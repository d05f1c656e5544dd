package crag

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crag-agent/backend/pkg/logger"
	"github.com/crag-agent/backend/pkg/retry"
)

// Corrector maps identified issues to correction strategies and drives the
// collaborators to produce a revised answer. Exactly one strategy is
// applied per call; repetition is the orchestrator's job.
type Corrector struct {
	retriever  Retriever
	generator  Generator
	trustFloor float64
	timeout    time.Duration
	retryCfg   retry.Config
}

// NewCorrector wires the correction engine to its collaborators. Sources
// below trustFloor are dropped by validate_sources.
func NewCorrector(retriever Retriever, generator Generator, trustFloor float64, perCallTimeout time.Duration) *Corrector {
	return &Corrector{
		retriever:  retriever,
		generator:  generator,
		trustFloor: trustFloor,
		timeout:    perCallTimeout,
		retryCfg: retry.Config{
			// One retry per correction attempt, then the correction is
			// marked failed and the orchestrator moves on.
			MaxAttempts:  2,
			InitialDelay: 200 * time.Millisecond,
			Logger:       logger.GetLogger(),
		},
	}
}

// Apply selects the first issue in the assessment whose strategy has not
// already failed this run and executes it. On collaborator failure the
// previous generation result is returned unchanged with a record marked
// failed. ErrNoApplicableStrategy means every suggested strategy is
// exhausted.
func (c *Corrector) Apply(ctx context.Context, q Query, r *GenerationResult, assessment *QualityAssessment, skip map[Strategy]bool) (*GenerationResult, CorrectionRecord, error) {
	issue, strategy, ok := c.selectIssue(assessment, skip)
	if !ok {
		return r, CorrectionRecord{}, ErrNoApplicableStrategy
	}

	record := CorrectionRecord{
		Strategy:  strategy,
		Targets:   targetsFor(assessment, strategy),
		Timestamp: time.Now(),
	}

	logger.Info("Applying correction",
		zap.String("strategy", strategy.String()),
		zap.String("metric", issue.Metric.String()),
		zap.String("severity", issue.Severity.String()),
	)

	revised, err := c.execute(ctx, strategy, q, r)
	if err != nil {
		logger.Warn("Correction failed, keeping previous result",
			zap.String("strategy", strategy.String()),
			zap.Error(err),
		)
		record.Failed = true
		record.Error = err.Error()
		return r, record, nil
	}

	return revised, record, nil
}

func (c *Corrector) selectIssue(assessment *QualityAssessment, skip map[Strategy]bool) (Issue, Strategy, bool) {
	for _, issue := range assessment.Issues {
		strategy := StrategyFor(issue.Metric)
		if skip[strategy] {
			continue
		}
		return issue, strategy, true
	}
	return Issue{}, 0, false
}

func targetsFor(assessment *QualityAssessment, strategy Strategy) []Metric {
	var targets []Metric
	for _, issue := range assessment.Issues {
		if StrategyFor(issue.Metric) == strategy {
			targets = append(targets, issue.Metric)
		}
	}
	return targets
}

func (c *Corrector) execute(ctx context.Context, strategy Strategy, q Query, r *GenerationResult) (*GenerationResult, error) {
	switch strategy {
	case StrategyRetrieveMore:
		return c.retrieveMore(ctx, q, r)
	case StrategyRefineQuery:
		return c.refineQuery(ctx, q, r)
	case StrategyValidateSources:
		return c.validateSources(ctx, q, r)
	case StrategyCrossReference:
		return c.regenerate(ctx, q, r.Sources,
			"Reconcile any contradictions between the provided sources; where they disagree, state the better-supported position and why.")
	case StrategyFactCheck:
		return c.factCheck(ctx, q, r)
	case StrategySynthesizeBetter:
		return c.regenerate(ctx, q, r.Sources,
			"Rewrite the answer with a clear structure: lead with the direct answer, then supporting detail, then caveats. Keep every factual claim.")
	case StrategyTemporalUpdate:
		return c.temporalUpdate(ctx, q, r)
	default:
		return nil, fmt.Errorf("unknown strategy %d", strategy)
	}
}

func (c *Corrector) retrieveMore(ctx context.Context, q Query, r *GenerationResult) (*GenerationResult, error) {
	exclude := make([]string, 0, len(r.Sources))
	for _, src := range r.Sources {
		exclude = append(exclude, src.ID)
	}

	extra, err := c.retrieve(ctx, q.Text, RetrievalConstraints{
		Limit:      5,
		ExcludeIDs: exclude,
	})
	if err != nil {
		return nil, err
	}
	if len(extra) == 0 {
		return nil, &CollaboratorUnavailableError{Collaborator: "retrieval", Err: fmt.Errorf("no additional passages available")}
	}

	merged := append(append([]SourcePassage{}, r.Sources...), extra...)
	return c.regenerate(ctx, q, merged, "")
}

func (c *Corrector) refineQuery(ctx context.Context, q Query, r *GenerationResult) (*GenerationResult, error) {
	rewritten, err := retry.DoWithResult(ctx, c.retryCfg, func() (string, error) {
		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		return c.generator.RewriteQuery(callCtx, q)
	})
	if err != nil {
		return nil, &CollaboratorUnavailableError{Collaborator: "generation", Err: err}
	}

	sources, err := c.retrieve(ctx, rewritten, RetrievalConstraints{Limit: 8})
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, &CollaboratorUnavailableError{Collaborator: "retrieval", Err: fmt.Errorf("refined query returned no passages")}
	}

	return c.regenerate(ctx, q, sources, "")
}

func (c *Corrector) validateSources(ctx context.Context, q Query, r *GenerationResult) (*GenerationResult, error) {
	kept := make([]SourcePassage, 0, len(r.Sources))
	for _, src := range r.Sources {
		if src.Trust >= c.trustFloor {
			kept = append(kept, src)
		}
	}

	// Dropping everything would leave the generator with no evidence;
	// fail the correction instead.
	if len(kept) == 0 {
		return nil, fmt.Errorf("validate_sources would drop all %d sources (trust floor %.2f)", len(r.Sources), c.trustFloor)
	}
	if len(kept) == len(r.Sources) {
		return nil, fmt.Errorf("no sources below trust floor %.2f to drop", c.trustFloor)
	}

	return c.regenerate(ctx, q, kept, "")
}

func (c *Corrector) factCheck(ctx context.Context, q Query, r *GenerationResult) (*GenerationResult, error) {
	hint := "Re-verify every factual claim against the provided sources. Correct any claim a source does not support, and flag claims no source covers."

	if editor, ok := c.generator.(SpanEditor); ok {
		return retry.DoWithResult(ctx, c.retryCfg, func() (*GenerationResult, error) {
			callCtx, cancel := c.callContext(ctx)
			defer cancel()
			revised, err := editor.EditSpans(callCtx, q, r, hint)
			if err != nil {
				return nil, &CollaboratorUnavailableError{Collaborator: "generation", Err: err}
			}
			return revised, nil
		})
	}

	return c.regenerate(ctx, q, r.Sources, hint)
}

func (c *Corrector) temporalUpdate(ctx context.Context, q Query, r *GenerationResult) (*GenerationResult, error) {
	fresh, err := c.retrieve(ctx, q.Text, RetrievalConstraints{
		Limit:        8,
		FreshestOnly: true,
	})
	if err != nil {
		return nil, err
	}
	if len(fresh) == 0 {
		return nil, &CollaboratorUnavailableError{Collaborator: "retrieval", Err: fmt.Errorf("no fresher passages available")}
	}

	return c.regenerate(ctx, q, fresh, "")
}

func (c *Corrector) retrieve(ctx context.Context, text string, constraints RetrievalConstraints) ([]SourcePassage, error) {
	passages, err := retry.DoWithResult(ctx, c.retryCfg, func() ([]SourcePassage, error) {
		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		return c.retriever.Retrieve(callCtx, text, constraints)
	})
	if err != nil {
		return nil, &CollaboratorUnavailableError{Collaborator: "retrieval", Err: err}
	}
	return passages, nil
}

func (c *Corrector) regenerate(ctx context.Context, q Query, sources []SourcePassage, hint string) (*GenerationResult, error) {
	result, err := retry.DoWithResult(ctx, c.retryCfg, func() (*GenerationResult, error) {
		callCtx, cancel := c.callContext(ctx)
		defer cancel()
		return c.generator.Generate(callCtx, q, sources, hint)
	})
	if err != nil {
		return nil, &CollaboratorUnavailableError{Collaborator: "generation", Err: err}
	}
	return result, nil
}

func (c *Corrector) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}
