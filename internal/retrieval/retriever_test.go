package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubEmbedder struct {
	calls     int
	embedding []float32
	err       error
}

func (s *stubEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.embedding, nil
}

type memEmbeddingCache struct {
	entries map[string][]float32
	ttls    []time.Duration
	getErr  error
	setErr  error
}

func newMemEmbeddingCache() *memEmbeddingCache {
	return &memEmbeddingCache{entries: make(map[string][]float32)}
}

func (m *memEmbeddingCache) GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error) {
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	emb, ok := m.entries[textHash]
	return emb, ok, nil
}

func (m *memEmbeddingCache) SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error {
	if m.setErr != nil {
		return m.setErr
	}
	m.entries[textHash] = embedding
	m.ttls = append(m.ttls, ttl)
	return nil
}

func TestEmbedQueryReusesTheCachedEmbedding(t *testing.T) {
	embedder := &stubEmbedder{embedding: []float32{0.1, 0.2}}
	cache := newMemEmbeddingCache()
	r := NewRetriever(nil, nil, nil, embedder, cache)

	first, err := r.embedQuery(context.Background(), "how does quorum replication work")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, first)
	assert.Equal(t, 1, embedder.calls)
	require.Len(t, cache.ttls, 1)
	assert.Equal(t, embeddingCacheTTL, cache.ttls[0])

	second, err := r.embedQuery(context.Background(), "how does quorum replication work")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, embedder.calls) // second call served from cache
}

func TestEmbedQueryDegradesWhenTheCacheFails(t *testing.T) {
	embedder := &stubEmbedder{embedding: []float32{0.3}}
	cache := newMemEmbeddingCache()
	cache.getErr = errors.New("cache down")
	cache.setErr = errors.New("cache down")
	r := NewRetriever(nil, nil, nil, embedder, cache)

	emb, err := r.embedQuery(context.Background(), "how does quorum replication work")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.3}, emb)
	assert.Equal(t, 1, embedder.calls)
}

func TestEmbedQueryWorksWithoutACache(t *testing.T) {
	embedder := &stubEmbedder{embedding: []float32{0.5}}
	r := NewRetriever(nil, nil, nil, embedder, nil)

	emb, err := r.embedQuery(context.Background(), "how does quorum replication work")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5}, emb)
	assert.Equal(t, 1, embedder.calls)
}

func TestEmbedQueryPropagatesEmbedderErrors(t *testing.T) {
	embedder := &stubEmbedder{err: errors.New("embedding provider down")}
	r := NewRetriever(nil, nil, nil, embedder, newMemEmbeddingCache())

	_, err := r.embedQuery(context.Background(), "how does quorum replication work")
	require.Error(t, err)
}

func TestQueryTermsDropsShortAndPunctuatedTokens(t *testing.T) {
	terms := queryTerms("How does the Raft protocol work?")
	assert.ElementsMatch(t, []string{"does", "raft", "protocol", "work"}, terms)
}
