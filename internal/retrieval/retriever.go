package retrieval

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/crag-agent/backend/internal/crag"
	"github.com/crag-agent/backend/internal/factgraph"
	"github.com/crag-agent/backend/internal/retrieval/vector"
	"github.com/crag-agent/backend/internal/retrieval/web"
	"github.com/crag-agent/backend/pkg/logger"
	"github.com/crag-agent/backend/pkg/utils"
)

// embeddingCacheTTL bounds how long a query embedding stays cached; the
// embedding of a given text never changes, the TTL just caps memory.
const embeddingCacheTTL = 24 * time.Hour

// Embedder turns query text into a vector for the passage store.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingCache stores query embeddings keyed by text hash.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

// Retriever is the base retrieval collaborator: vector search over the
// passage store, optionally refreshed from the live web for
// freshest-available requests, with trust adjusted by the corroboration
// graph. It implements crag.Retriever.
type Retriever struct {
	vectorStore *vector.Client
	webClient   *web.Client       // nil disables temporal refresh from the web
	graph       *factgraph.Client // nil disables corroboration boosts
	embedder    Embedder
	cache       EmbeddingCache // nil disables embedding reuse
}

func NewRetriever(vectorStore *vector.Client, webClient *web.Client, graph *factgraph.Client, embedder Embedder, cache EmbeddingCache) *Retriever {
	return &Retriever{
		vectorStore: vectorStore,
		webClient:   webClient,
		graph:       graph,
		embedder:    embedder,
		cache:       cache,
	}
}

func (r *Retriever) Retrieve(ctx context.Context, queryText string, c crag.RetrievalConstraints) ([]crag.SourcePassage, error) {
	limit := c.Limit
	if limit <= 0 {
		limit = 8
	}

	embedding, err := r.embedQuery(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	opts := vector.SearchOptions{
		MinTrust:   c.MinTrust,
		ExcludeIDs: c.ExcludeIDs,
	}
	if c.FreshestOnly {
		opts.VerifiedAfter = time.Now().AddDate(0, -3, 0)
	}

	hits, err := r.vectorStore.Search(ctx, embedding, limit, opts)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	passages := make([]crag.SourcePassage, 0, len(hits))
	for _, hit := range hits {
		passages = append(passages, crag.SourcePassage{
			ID:         hit.PassageID,
			Text:       hit.Text,
			URL:        hit.SourceURL,
			Trust:      hit.Trust,
			VerifiedAt: hit.VerifiedAt,
		})
	}

	if c.FreshestOnly && r.webClient != nil {
		fresh := r.fetchFresh(ctx, queryText, limit-len(passages))
		passages = append(passages, fresh...)
	}

	if r.graph != nil && len(passages) > 0 {
		passages = r.applyCorroboration(ctx, queryText, passages)
	}

	if len(passages) > limit {
		passages = passages[:limit]
	}

	logger.Info("Passages retrieved",
		zap.String("query", queryText),
		zap.Int("count", len(passages)),
		zap.Bool("freshest_only", c.FreshestOnly),
	)

	return passages, nil
}

// embedQuery returns the query embedding, reusing a cached vector when one
// exists. Cache failures degrade to a fresh embedding call.
func (r *Retriever) embedQuery(ctx context.Context, queryText string) ([]float32, error) {
	if r.cache == nil {
		return r.embedder.GenerateEmbedding(ctx, queryText)
	}

	key := utils.HashString(queryText)

	cached, hit, err := r.cache.GetEmbedding(ctx, key)
	if err != nil {
		logger.Warn("Embedding cache lookup failed", zap.Error(err))
	}
	if hit {
		logger.Debug("Embedding cache hit", zap.String("text_hash", key))
		return cached, nil
	}

	embedding, err := r.embedder.GenerateEmbedding(ctx, queryText)
	if err != nil {
		return nil, err
	}

	if err := r.cache.SetEmbedding(ctx, key, embedding, embeddingCacheTTL); err != nil {
		logger.Warn("Failed to cache embedding", zap.Error(err))
	}

	return embedding, nil
}

// fetchFresh pulls live pages for a temporal refresh. Web evidence gets a
// middling trust score; it is fresh, not vetted.
func (r *Retriever) fetchFresh(ctx context.Context, queryText string, want int) []crag.SourcePassage {
	if want <= 0 {
		want = 3
	}

	results, err := r.webClient.Search(ctx, queryText)
	if err != nil {
		logger.Warn("Fresh web fetch failed, continuing with stored passages", zap.Error(err))
		return nil
	}

	passages := make([]crag.SourcePassage, 0, len(results))
	for _, res := range results {
		if len(passages) >= want {
			break
		}
		passages = append(passages, crag.SourcePassage{
			ID:         "web-" + utils.HashString(res.URL)[:12],
			Text:       res.Content,
			URL:        res.URL,
			Trust:      0.5,
			VerifiedAt: res.FetchedAt,
		})
	}

	return passages
}

// applyCorroboration bumps the trust of passages whose content overlaps
// terms the fact graph independently corroborates. Graph failures degrade
// to the unboosted passages.
func (r *Retriever) applyCorroboration(ctx context.Context, queryText string, passages []crag.SourcePassage) []crag.SourcePassage {
	terms := queryTerms(queryText)
	if len(terms) == 0 {
		return passages
	}

	counts, err := r.graph.Corroboration(ctx, terms, 0.6)
	if err != nil {
		logger.Warn("Corroboration lookup failed, keeping raw trust", zap.Error(err))
		return passages
	}

	boosted := make([]crag.SourcePassage, len(passages))
	for i, p := range passages {
		boost := 0.0
		lower := strings.ToLower(p.Text)
		for term, n := range counts {
			if n > 0 && strings.Contains(lower, term) {
				boost += 0.05
			}
		}
		if boost > 0.2 {
			boost = 0.2
		}

		p.Trust = p.Trust + boost
		if p.Trust > 1 {
			p.Trust = 1
		}
		boosted[i] = p
	}

	return boosted
}

func queryTerms(queryText string) []string {
	var terms []string
	for _, f := range strings.Fields(strings.ToLower(queryText)) {
		f = strings.Trim(f, ".,!?:;\"'()")
		if len(f) > 3 {
			terms = append(terms, f)
		}
	}
	return terms
}
