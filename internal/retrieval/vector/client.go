package vector

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/crag-agent/backend/pkg/logger"
)

// Client is the passage store backing the base retrieval collaborator.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// Passage is one stored evidence unit with its trust and freshness payload.
type Passage struct {
	ID         string
	Embedding  []float32
	Text       string
	SourceURL  string
	Trust      float64
	VerifiedAt time.Time // zero means unknown
}

// Hit is one search result.
type Hit struct {
	PassageID  string
	Text       string
	SourceURL  string
	Trust      float64
	VerifiedAt time.Time
	Score      float32
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Vector store client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (v *Client) Close() error {
	return v.client.Close()
}

func (v *Client) CreateCollection(ctx context.Context) error {
	has, err := v.client.HasCollection(ctx, v.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if has {
		logger.Info("Collection already exists", zap.String("collection", v.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: v.collectionName,
		Description:    "Evidence passages with trust and freshness payload",
		Fields: []*entity.Field{
			{
				Name:       "passage_id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       "embedding",
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": fmt.Sprintf("%d", v.vectorDim)},
			},
			{
				Name:       "text",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "8192"},
			},
			{
				Name:       "source_url",
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "512"},
			},
			{
				Name:     "trust",
				DataType: entity.FieldTypeDouble,
			},
			{
				// Unix seconds; 0 means freshness unknown.
				Name:     "verified_at",
				DataType: entity.FieldTypeInt64,
			},
		},
	}

	err = v.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, _ := entity.NewIndexIvfFlat(entity.L2, 1024)
	err = v.client.CreateIndex(ctx, v.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = v.client.LoadCollection(ctx, v.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", v.collectionName))

	return nil
}

func (v *Client) Insert(ctx context.Context, passages []Passage) error {
	if len(passages) == 0 {
		return nil
	}

	ids := make([]string, len(passages))
	embeddings := make([][]float32, len(passages))
	texts := make([]string, len(passages))
	urls := make([]string, len(passages))
	trusts := make([]float64, len(passages))
	verified := make([]int64, len(passages))

	for i, p := range passages {
		ids[i] = p.ID
		embeddings[i] = p.Embedding
		texts[i] = p.Text
		urls[i] = p.SourceURL
		trusts[i] = p.Trust
		if !p.VerifiedAt.IsZero() {
			verified[i] = p.VerifiedAt.Unix()
		}
	}

	_, err := v.client.Insert(
		ctx,
		v.collectionName,
		"",
		entity.NewColumnVarChar("passage_id", ids),
		entity.NewColumnFloatVector("embedding", v.vectorDim, embeddings),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarChar("source_url", urls),
		entity.NewColumnDouble("trust", trusts),
		entity.NewColumnInt64("verified_at", verified),
	)
	if err != nil {
		return fmt.Errorf("failed to insert passages: %w", err)
	}

	err = v.client.Flush(ctx, v.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Passages inserted into vector store", zap.Int("count", len(passages)))

	return nil
}

// SearchOptions filter a vector search.
type SearchOptions struct {
	MinTrust      float64
	VerifiedAfter time.Time
	ExcludeIDs    []string
}

func (v *Client) Search(ctx context.Context, queryEmbedding []float32, topK int, opts SearchOptions) ([]Hit, error) {
	var exprs []string
	if opts.MinTrust > 0 {
		exprs = append(exprs, fmt.Sprintf("trust >= %f", opts.MinTrust))
	}
	if !opts.VerifiedAfter.IsZero() {
		exprs = append(exprs, fmt.Sprintf("verified_at >= %d", opts.VerifiedAfter.Unix()))
	}
	if len(opts.ExcludeIDs) > 0 {
		quoted := make([]string, len(opts.ExcludeIDs))
		for i, id := range opts.ExcludeIDs {
			quoted[i] = fmt.Sprintf("%q", id)
		}
		exprs = append(exprs, fmt.Sprintf("passage_id not in [%s]", strings.Join(quoted, ", ")))
	}
	expr := strings.Join(exprs, " && ")

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := v.client.Search(
		ctx,
		v.collectionName,
		[]string{},
		expr,
		[]string{"passage_id", "text", "source_url", "trust", "verified_at"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.L2,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]Hit, 0)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			idCol := sr.Fields.GetColumn("passage_id")
			textCol := sr.Fields.GetColumn("text")
			urlCol := sr.Fields.GetColumn("source_url")
			trustCol := sr.Fields.GetColumn("trust")
			verifiedCol := sr.Fields.GetColumn("verified_at")

			id, _ := idCol.Get(i)
			text, _ := textCol.Get(i)
			url, _ := urlCol.Get(i)
			trust, _ := trustCol.Get(i)
			verifiedAt, _ := verifiedCol.Get(i)

			hit := Hit{
				PassageID: id.(string),
				Text:      text.(string),
				SourceURL: url.(string),
				Trust:     trust.(float64),
				Score:     sr.Scores[i],
			}
			if ts, ok := verifiedAt.(int64); ok && ts > 0 {
				hit.VerifiedAt = time.Unix(ts, 0)
			}

			hits = append(hits, hit)
		}
	}

	logger.Info("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("hits", len(hits)),
		zap.String("filters", expr),
	)

	return hits, nil
}
