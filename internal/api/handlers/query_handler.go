package handlers

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	cache "github.com/crag-agent/backend/internal/cache/redis"
	"github.com/crag-agent/backend/internal/crag"
	"github.com/crag-agent/backend/internal/metrics"
	"github.com/crag-agent/backend/internal/storage/sqlite"
	"github.com/crag-agent/backend/pkg/logger"
	"github.com/crag-agent/backend/pkg/utils"
)

// recentWindow bounds the in-memory result window used for the
// performance endpoint.
const recentWindow = 200

type QueryHandler struct {
	engine   *crag.Engine
	cache    *cache.Client
	store    *sqlite.Client
	cacheTTL time.Duration

	mu     sync.Mutex
	recent []*crag.CRAGResult
}

func NewQueryHandler(engine *crag.Engine, cacheClient *cache.Client, store *sqlite.Client, cacheTTL time.Duration) *QueryHandler {
	return &QueryHandler{
		engine:   engine,
		cache:    cacheClient,
		store:    store,
		cacheTTL: cacheTTL,
	}
}

type queryRequest struct {
	Query    string            `json:"query"`
	TaskType string            `json:"task_type"`
	Context  map[string]string `json:"context"`
}

type issueResponse struct {
	Metric   string `json:"metric"`
	Severity string `json:"severity"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail"`
}

type correctionResponse struct {
	Sequence   int      `json:"sequence"`
	Strategy   string   `json:"strategy"`
	Targets    []string `json:"targets"`
	ScoreDelta float64  `json:"score_delta"`
	Failed     bool     `json:"failed"`
	Error      string   `json:"error,omitempty"`
}

type runResponse struct {
	RunID          string               `json:"run_id"`
	Query          string               `json:"query"`
	TaskType       string               `json:"task_type"`
	Answer         string               `json:"answer"`
	FirstScore     float64              `json:"first_score"`
	FinalScore     float64              `json:"final_score"`
	Scores         map[string]float64   `json:"scores"`
	Issues         []issueResponse      `json:"issues"`
	Corrections    []correctionResponse `json:"corrections"`
	IterationCount int                  `json:"iteration_count"`
	Reason         string               `json:"reason"`
	LatencyMS      int64                `json:"latency_ms"`
	Cached         bool                 `json:"cached"`
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req queryRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	q := crag.Query{
		Text:    req.Query,
		Task:    taskType(req.TaskType),
		Context: req.Context,
	}

	cacheKey := utils.HashString(req.Query + "|" + string(q.Task))
	if h.cache != nil {
		var cached runResponse
		hit, err := h.cache.GetResult(c.Context(), cacheKey, &cached)
		if err != nil {
			logger.Warn("Result cache lookup failed", zap.Error(err))
		}
		if hit {
			metrics.CacheHits.WithLabelValues("result").Inc()
			cached.Cached = true
			return c.JSON(cached)
		}
		metrics.CacheMisses.WithLabelValues("result").Inc()
	}

	result, err := h.engine.ProcessQuery(c.Context(), q)
	if err != nil {
		return h.writeRunError(c, err)
	}

	h.recordRun(c, result)

	resp := buildRunResponse(result)
	if h.cache != nil {
		if err := h.cache.SetResult(c.Context(), cacheKey, resp, h.cacheTTL); err != nil {
			logger.Warn("Failed to cache result", zap.Error(err))
		}
	}

	return c.JSON(resp)
}

type batchRequest struct {
	Queries []queryRequest `json:"queries"`
}

func (h *QueryHandler) HandleBatch(c *fiber.Ctx) error {
	var req batchRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if len(req.Queries) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one query is required",
		})
	}

	queries := make([]crag.Query, len(req.Queries))
	for i, r := range req.Queries {
		queries[i] = crag.Query{
			Text:    r.Query,
			Task:    taskType(r.TaskType),
			Context: r.Context,
		}
	}

	metrics.BatchSize.Observe(float64(len(queries)))

	outcomes := h.engine.BatchProcess(c.Context(), queries)

	items := make([]fiber.Map, len(outcomes))
	for i, out := range outcomes {
		if out.Err != nil {
			items[i] = fiber.Map{"error": runErrorMessage(out.Err)}
			continue
		}
		h.recordRun(c, out.Result)
		items[i] = fiber.Map{"result": buildRunResponse(out.Result)}
	}

	return c.JSON(fiber.Map{
		"count":   len(items),
		"results": items,
	})
}

func (h *QueryHandler) GetRun(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Run ID is required",
		})
	}

	run, err := h.store.GetRun(id)
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Run not found",
		})
	}

	corrections, err := h.store.GetRunCorrections(id)
	if err != nil {
		logger.Error("Failed to load corrections", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load run history",
		})
	}

	return c.JSON(fiber.Map{
		"run":         run,
		"corrections": corrections,
	})
}

func (h *QueryHandler) GetRecentRuns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 20
	}

	runs, err := h.store.GetRecentRuns(limit)
	if err != nil {
		logger.Error("Failed to load recent runs", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load runs",
		})
	}

	return c.JSON(fiber.Map{
		"count": len(runs),
		"runs":  runs,
	})
}

// GetPerformance aggregates loop behavior over the recent in-memory window.
func (h *QueryHandler) GetPerformance(c *fiber.Ctx) error {
	h.mu.Lock()
	window := make([]*crag.CRAGResult, len(h.recent))
	copy(window, h.recent)
	h.mu.Unlock()

	summary := crag.Summarize(window)

	strategies := make(map[string]int, len(summary.StrategyFrequency))
	for s, n := range summary.StrategyFrequency {
		strategies[s.String()] = n
	}
	terminations := make(map[string]int, len(summary.TerminationCounts))
	for r, n := range summary.TerminationCounts {
		terminations[string(r)] = n
	}

	return c.JSON(fiber.Map{
		"total_runs":         summary.TotalRuns,
		"success_rate":       summary.SuccessRate,
		"avg_improvement":    summary.AvgImprovement,
		"avg_processing_ms":  summary.AvgProcessingTime.Milliseconds(),
		"strategy_frequency": strategies,
		"failed_corrections": summary.FailedCorrections,
		"terminations":       terminations,
	})
}

// recordRun persists the run, feeds the metrics registry, and appends to the
// in-memory performance window.
func (h *QueryHandler) recordRun(c *fiber.Ctx, result *crag.CRAGResult) {
	observeRun(result)

	if h.store != nil {
		if err := h.store.StoreRun(result); err != nil {
			logger.Error("Failed to persist run", zap.String("run_id", result.RunID), zap.Error(err))
		}
	}

	h.mu.Lock()
	h.recent = append(h.recent, result)
	if len(h.recent) > recentWindow {
		h.recent = h.recent[len(h.recent)-recentWindow:]
	}
	h.mu.Unlock()
}

func observeRun(result *crag.CRAGResult) {
	metrics.RunTotal.WithLabelValues(string(result.Reason)).Inc()
	metrics.RunDuration.WithLabelValues(string(result.Query.Task)).Observe(result.Elapsed.Seconds())
	metrics.IterationsPerRun.Observe(float64(result.IterationCount))
	metrics.QualityScore.WithLabelValues("first").Observe(result.FirstScore())
	metrics.QualityScore.WithLabelValues("final").Observe(result.Final.Overall)
	metrics.ScoreImprovement.Observe(result.Final.Overall - result.FirstScore())

	for _, corr := range result.Corrections {
		status := "applied"
		if corr.Failed {
			status = "failed"
		}
		metrics.CorrectionTotal.WithLabelValues(corr.Strategy.String(), status).Inc()
	}
}

func buildRunResponse(result *crag.CRAGResult) runResponse {
	scores := make(map[string]float64, len(result.Final.Scores))
	for m, s := range result.Final.Scores {
		scores[m.String()] = s
	}

	issues := make([]issueResponse, len(result.Final.Issues))
	for i, issue := range result.Final.Issues {
		issues[i] = issueResponse{
			Metric:   issue.Metric.String(),
			Severity: issue.Severity.String(),
			Code:     issue.Code,
			Detail:   issue.Detail,
		}
	}

	corrections := make([]correctionResponse, len(result.Corrections))
	for i, corr := range result.Corrections {
		targets := make([]string, len(corr.Targets))
		for j, t := range corr.Targets {
			targets[j] = t.String()
		}
		corrections[i] = correctionResponse{
			Sequence:   corr.Sequence,
			Strategy:   corr.Strategy.String(),
			Targets:    targets,
			ScoreDelta: corr.ScoreDelta,
			Failed:     corr.Failed,
			Error:      corr.Error,
		}
	}

	return runResponse{
		RunID:          result.RunID,
		Query:          result.Query.Text,
		TaskType:       string(result.Query.Task),
		Answer:         result.Answer,
		FirstScore:     result.FirstScore(),
		FinalScore:     result.Final.Overall,
		Scores:         scores,
		Issues:         issues,
		Corrections:    corrections,
		IterationCount: result.IterationCount,
		Reason:         string(result.Reason),
		LatencyMS:      result.Elapsed.Milliseconds(),
	}
}

func (h *QueryHandler) writeRunError(c *fiber.Ctx, err error) error {
	if crag.IsMalformedInput(err) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	logger.Error("Failed to process query", zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error": "Failed to process query",
	})
}

func runErrorMessage(err error) string {
	if crag.IsMalformedInput(err) {
		return err.Error()
	}
	return "Failed to process query"
}

func taskType(s string) crag.TaskType {
	switch crag.TaskType(s) {
	case crag.TaskDocumentSearch, crag.TaskCodeAnalysis, crag.TaskTechnicalContext, crag.TaskSynthesis:
		return crag.TaskType(s)
	default:
		return crag.TaskDocumentSearch
	}
}
