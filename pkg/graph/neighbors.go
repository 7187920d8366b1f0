package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/tracing"
)

// NeighborService answers adjacency lookups for the graph similarity
// feature. Only live canonical neighbors count.
type NeighborService struct {
	client *Client
	logger ectologger.Logger
}

// NewNeighborService creates a neighbor service
func NewNeighborService(client *Client, logger ectologger.Logger) *NeighborService {
	return &NeighborService{
		client: client,
		logger: logger,
	}
}

// Neighbors returns the distinct ids of entities directly connected to the
// given entity, in either direction
func (s *NeighborService) Neighbors(ctx context.Context, tenantID, entityID string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.NeighborService.Neighbors")
	defer span.End()

	cypher := `
		MATCH (e {id: $id, tenant_id: $tenant_id})-[r]-(n {tenant_id: $tenant_id})
		WHERE r.deleted_at IS NULL
		AND n.deleted_at IS NULL
		AND n.canonical_id IS NULL
		RETURN DISTINCT n.id AS neighbor_id
	`

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        entityID,
			"tenant_id": tenantID,
		})
		if err != nil {
			return nil, err
		}

		var ids []string
		for result.Next(ctx) {
			record := result.Record()
			value, ok := record.Get("neighbor_id")
			if !ok {
				continue
			}
			if id, ok := value.(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
		return ids, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to query neighbors for entity %s: %w", entityID, err)
	}

	return result.([]string), nil
}
