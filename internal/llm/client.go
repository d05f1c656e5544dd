package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/crag-agent/backend/internal/crag"
	"github.com/crag-agent/backend/pkg/circuitbreaker"
	"github.com/crag-agent/backend/pkg/logger"
	"github.com/crag-agent/backend/pkg/retry"
)

// Client is the generation collaborator: it produces and revises answers,
// and doubles as the lightweight judge for the quality assessor. It
// implements crag.Generator and crag.Judge.
type Client struct {
	client         *openai.Client
	model          string
	judgeModel     string
	embeddingModel string
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

func NewClient(apiKey, model, judgeModel, embeddingModel string, temperature float32, maxTokens int) *Client {
	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("judge_model", judgeModel),
	)

	return &Client{
		client:         openai.NewClient(apiKey),
		model:          model,
		judgeModel:     judgeModel,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

type completionRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

func (c *Client) complete(ctx context.Context, req completionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	var content string

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model: model,
					Messages: []openai.ChatCompletionMessage{
						{Role: openai.ChatMessageRoleSystem, Content: req.SystemPrompt},
						{Role: openai.ChatMessageRoleUser, Content: req.UserPrompt},
					},
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)
			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}
			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			content = resp.Choices[0].Message.Content
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	return content, nil
}

// Generate produces one candidate answer from the supplied passages. The
// hint, when non-empty, is injected as an extra steering instruction used
// by the corrective strategies.
func (c *Client) Generate(ctx context.Context, q crag.Query, sources []crag.SourcePassage, hint string) (*crag.GenerationResult, error) {
	start := time.Now()

	systemPrompt := `You are a technical research assistant. Answer using ONLY the provided source passages.
Cite passages with [passage_id] notation after each claim they support.
If the passages do not cover part of the question, say so explicitly.
Be concise, technical, and structured.`

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n", q.Text)
	if q.Task != "" {
		fmt.Fprintf(&sb, "Task type: %s\n", q.Task)
	}
	if hint != "" {
		fmt.Fprintf(&sb, "\nAdditional instruction: %s\n", hint)
	}
	sb.WriteString("\nSource passages:\n")
	for _, src := range sources {
		fmt.Fprintf(&sb, "\n[%s] (trust %.2f) %s\n", src.ID, src.Trust, src.Text)
	}

	answer, err := c.complete(ctx, completionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   sb.String(),
		Temperature:  0.2,
	})
	if err != nil {
		return nil, err
	}

	result := &crag.GenerationResult{
		Answer:     answer,
		Sources:    sources,
		Confidence: answerConfidence(answer, sources),
		Latency:    time.Since(start),
	}

	logger.Info("Answer generated",
		zap.Int("answer_length", len(answer)),
		zap.Int("sources", len(sources)),
		zap.Duration("latency", result.Latency),
	)

	return result, nil
}

// RewriteQuery narrows or reformulates the query text for re-retrieval.
func (c *Client) RewriteQuery(ctx context.Context, q crag.Query) (string, error) {
	systemPrompt := `You rewrite search queries to retrieve better evidence.
Make the query specific: expand vague terms, keep key entities, drop filler.
Return ONLY the rewritten query, nothing else.`

	rewritten, err := c.complete(ctx, completionRequest{
		Model:        c.judgeModel,
		SystemPrompt: systemPrompt,
		UserPrompt:   fmt.Sprintf("Rewrite this query: %s", q.Text),
		Temperature:  0.1,
		MaxTokens:    100,
	})
	if err != nil {
		return "", err
	}

	rewritten = strings.TrimSpace(strings.Trim(strings.TrimSpace(rewritten), `"`))
	if rewritten == "" {
		return q.Text, nil
	}

	logger.Debug("Query rewritten",
		zap.String("original", q.Text),
		zap.String("rewritten", rewritten),
	)

	return rewritten, nil
}

// Score runs the judge prompt for one quality dimension and returns a
// score in [0,1].
func (c *Client) Score(ctx context.Context, q crag.Query, r *crag.GenerationResult, m crag.Metric) (float64, error) {
	systemPrompt := fmt.Sprintf(`You are a strict answer-quality judge. Rate ONE dimension: %s.
%s
Return JSON only: {"score": <float between 0.0 and 1.0>}`, m, judgeRubric(m))

	var sb strings.Builder
	fmt.Fprintf(&sb, "Question: %s\n\nAnswer: %s\n", q.Text, r.Answer)
	if m != crag.MetricCoherence {
		sb.WriteString("\nCited sources:\n")
		for _, src := range r.Sources {
			fmt.Fprintf(&sb, "[%s] %s\n", src.ID, src.Text)
		}
	}

	content, err := c.complete(ctx, completionRequest{
		Model:        c.judgeModel,
		SystemPrompt: systemPrompt,
		UserPrompt:   sb.String(),
		Temperature:  0.0,
		MaxTokens:    50,
	})
	if err != nil {
		return 0, err
	}

	score, err := parseJudgeScore(content)
	if err != nil {
		return 0, fmt.Errorf("failed to parse judge score for %s: %w", m, err)
	}

	return score, nil
}

func judgeRubric(m crag.Metric) string {
	switch m {
	case crag.MetricRelevance:
		return "Does the answer address what the question actually asks?"
	case crag.MetricAccuracy:
		return "Is every factual claim in the answer supported by the cited sources?"
	case crag.MetricCompleteness:
		return "Does the answer cover every sub-aspect the question implies?"
	case crag.MetricCoherence:
		return "Is the answer logically structured and easy to follow?"
	case crag.MetricFactualConsistency:
		return "Do the cited sources agree with each other on the facts the answer uses?"
	default:
		return "Rate overall quality of the dimension named above."
	}
}

// GenerateEmbedding embeds text for the vector retriever.
func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)
			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}
			if len(resp.Data) == 0 {
				return fmt.Errorf("embedding response is empty")
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return embedding, nil
}

func answerConfidence(answer string, sources []crag.SourcePassage) float64 {
	confidence := 0.5

	cited := 0
	for _, src := range sources {
		if strings.Contains(answer, "["+src.ID+"]") {
			cited++
		}
	}
	if len(sources) > 0 {
		confidence += 0.4 * float64(cited) / float64(len(sources))
	}

	if strings.Contains(strings.ToLower(answer), "do not cover") ||
		strings.Contains(strings.ToLower(answer), "insufficient") {
		confidence -= 0.2
	}

	return clamp(confidence, 0, 1)
}

func parseJudgeScore(content string) (float64, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return 0, fmt.Errorf("no JSON object in judge output")
	}

	var parsed struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return 0, err
	}

	return clamp(parsed.Score, 0, 1), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
