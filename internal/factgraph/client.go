package factgraph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/crag-agent/backend/pkg/circuitbreaker"
	"github.com/crag-agent/backend/pkg/logger"
	"github.com/crag-agent/backend/pkg/retry"
)

// Client is the corroboration graph: claims extracted from trusted
// documents, linked by their entities. The retriever uses it to boost the
// trust of passages whose key terms are independently corroborated.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

// Claim is one subject-predicate-object assertion with its provenance.
type Claim struct {
	Subject    string
	Predicate  string
	Object     string
	Confidence float64
	SourceURL  string
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("factgraph", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Fact graph client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) executeWithRetry(ctx context.Context, operation func(neo4j.SessionWithContext) error) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: c.database})
			defer session.Close(ctx)
			return operation(session)
		})
	})
}

// RecordClaim upserts one claim into the graph.
func (c *Client) RecordClaim(ctx context.Context, claim *Claim) error {
	return c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MERGE (s:Term {name: $subject})
			MERGE (o:Term {name: $object})
			MERGE (s)-[r:CLAIMS {type: $predicate}]->(o)
			SET r.confidence = $confidence,
			    r.source_url = $source_url,
			    r.updated_at = timestamp()
		`

		_, err := session.Run(ctx, query, map[string]interface{}{
			"subject":    claim.Subject,
			"object":     claim.Object,
			"predicate":  claim.Predicate,
			"confidence": claim.Confidence,
			"source_url": claim.SourceURL,
		})
		if err != nil {
			return fmt.Errorf("failed to record claim: %w", err)
		}

		logger.Debug("Claim recorded",
			zap.String("subject", claim.Subject),
			zap.String("predicate", claim.Predicate),
			zap.String("object", claim.Object),
		)

		return nil
	})
}

// Corroboration returns, for each supplied term, how many distinct claims
// in the graph touch it with confidence at or above minConfidence.
func (c *Client) Corroboration(ctx context.Context, terms []string, minConfidence float64) (map[string]int, error) {
	counts := make(map[string]int, len(terms))

	if len(terms) == 0 {
		return counts, nil
	}

	err := c.executeWithRetry(ctx, func(session neo4j.SessionWithContext) error {
		query := `
			MATCH (s:Term)-[r:CLAIMS]->(o:Term)
			WHERE (s.name IN $terms OR o.name IN $terms)
			  AND r.confidence >= $min_confidence
			WITH CASE WHEN s.name IN $terms THEN s.name ELSE o.name END AS term, count(r) AS claims
			RETURN term, claims
		`

		result, err := session.Run(ctx, query, map[string]interface{}{
			"terms":          terms,
			"min_confidence": minConfidence,
		})
		if err != nil {
			return fmt.Errorf("failed to query corroboration: %w", err)
		}

		for result.Next(ctx) {
			record := result.Record()
			term, _ := record.Get("term")
			claims, _ := record.Get("claims")

			name, ok := term.(string)
			if !ok {
				continue
			}
			if n, ok := claims.(int64); ok {
				counts[name] = int(n)
			}
		}

		return result.Err()
	})
	if err != nil {
		return nil, err
	}

	return counts, nil
}
