package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	cache "github.com/crag-agent/backend/internal/cache/redis"
	"github.com/crag-agent/backend/internal/factgraph"
	"github.com/crag-agent/backend/internal/retrieval"
	"github.com/crag-agent/backend/internal/retrieval/vector"
	"github.com/crag-agent/backend/pkg/logger"
	"github.com/crag-agent/backend/pkg/utils"
)

// PassageHandler ingests evidence passages into the passage store and their
// claims into the corroboration graph.
type PassageHandler struct {
	vectorStore *vector.Client
	graph       *factgraph.Client
	embedder    retrieval.Embedder
	cache       *cache.Client
}

func NewPassageHandler(vectorStore *vector.Client, graph *factgraph.Client, embedder retrieval.Embedder, cacheClient *cache.Client) *PassageHandler {
	return &PassageHandler{
		vectorStore: vectorStore,
		graph:       graph,
		embedder:    embedder,
		cache:       cacheClient,
	}
}

type passageRequest struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	URL        string  `json:"url"`
	Trust      float64 `json:"trust"`
	VerifiedAt string  `json:"verified_at"` // RFC3339, empty means unknown
}

type claimRequest struct {
	Subject    string  `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     string  `json:"object"`
	Confidence float64 `json:"confidence"`
	SourceURL  string  `json:"source_url"`
}

type ingestRequest struct {
	Passages []passageRequest `json:"passages"`
	Claims   []claimRequest   `json:"claims"`
}

func (h *PassageHandler) HandleIngest(c *fiber.Ctx) error {
	var req ingestRequest
	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if len(req.Passages) == 0 && len(req.Claims) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one passage or claim is required",
		})
	}

	passages := make([]vector.Passage, 0, len(req.Passages))
	for _, p := range req.Passages {
		if p.Text == "" {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Passage text is required",
			})
		}
		if p.Trust < 0 || p.Trust > 1 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Passage trust must be in [0,1]",
			})
		}

		embedding, err := h.embedder.GenerateEmbedding(c.Context(), p.Text)
		if err != nil {
			logger.Error("Failed to embed passage", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to embed passage",
			})
		}

		id := p.ID
		if id == "" {
			id = utils.HashString(p.Text)[:16]
		}

		var verifiedAt time.Time
		if p.VerifiedAt != "" {
			verifiedAt, err = time.Parse(time.RFC3339, p.VerifiedAt)
			if err != nil {
				return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
					"error": "verified_at must be RFC3339",
				})
			}
		}

		passages = append(passages, vector.Passage{
			ID:         id,
			Embedding:  embedding,
			Text:       p.Text,
			SourceURL:  p.URL,
			Trust:      p.Trust,
			VerifiedAt: verifiedAt,
		})
	}

	if len(passages) > 0 {
		if err := h.vectorStore.Insert(c.Context(), passages); err != nil {
			logger.Error("Failed to insert passages", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to store passages",
			})
		}
	}

	claimsStored := 0
	for _, cl := range req.Claims {
		claim := &factgraph.Claim{
			Subject:    cl.Subject,
			Predicate:  cl.Predicate,
			Object:     cl.Object,
			Confidence: cl.Confidence,
			SourceURL:  cl.SourceURL,
		}
		if err := h.graph.RecordClaim(c.Context(), claim); err != nil {
			logger.Warn("Failed to record claim", zap.String("subject", cl.Subject), zap.Error(err))
			continue
		}
		claimsStored++
	}

	// New evidence can change any answer; drop stale cached runs.
	if h.cache != nil && len(passages) > 0 {
		if err := h.cache.InvalidateResults(c.Context()); err != nil {
			logger.Warn("Failed to invalidate result cache", zap.Error(err))
		}
	}

	return c.JSON(fiber.Map{
		"passages_stored": len(passages),
		"claims_stored":   claimsStored,
	})
}
