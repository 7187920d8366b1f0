package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// RelationshipService mirrors relationships as graph edges
type RelationshipService struct {
	client *Client
	logger ectologger.Logger
}

// NewRelationshipService creates a new relationship service
func NewRelationshipService(client *Client, logger ectologger.Logger) *RelationshipService {
	return &RelationshipService{
		client: client,
		logger: logger,
	}
}

// CreateOrUpdate upserts the edge for a relationship. Both endpoint nodes
// must already exist.
func (s *RelationshipService) CreateOrUpdate(ctx context.Context, rel *models.Relationship) error {
	ctx, span := tracing.StartSpan(ctx, "graph.RelationshipService.CreateOrUpdate")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"rel_id":    rel.ID,
		"from":      rel.FromEntityID,
		"to":        rel.ToEntityID,
		"rel_type":  rel.RelationshipType,
		"tenant_id": rel.TenantID,
	})

	props, err := edgeProps(rel)
	if err != nil {
		return err
	}

	cypher := fmt.Sprintf(`
		MATCH (from {id: $from_id, tenant_id: $tenant_id})
		MATCH (to {id: $to_id, tenant_id: $tenant_id})
		MERGE (from)-[r:%s {id: $rel_id, tenant_id: $tenant_id}]->(to)
		SET r += $props
		RETURN r
	`, sanitizeLabel(rel.RelationshipType))

	_, err = s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"from_id":   rel.FromEntityID,
			"to_id":     rel.ToEntityID,
			"rel_id":    rel.ID,
			"tenant_id": rel.TenantID,
			"props":     props,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		log.WithError(err).Error("Failed to create/update relationship in graph")
		return fmt.Errorf("failed to create/update relationship in graph: %w", err)
	}

	log.Debug("Created/updated relationship in graph")
	return nil
}

// Repoint moves an edge onto new endpoints, preserving its type and
// properties. Cypher cannot rebind an existing edge, so the old one is
// deleted and recreated.
func (s *RelationshipService) Repoint(ctx context.Context, tenantID, relID, relType, newFromID, newToID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.RelationshipService.Repoint")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH ()-[r:%s {id: $id, tenant_id: $tenant_id}]->()
		MATCH (newFrom {id: $from_id, tenant_id: $tenant_id})
		MATCH (newTo {id: $to_id, tenant_id: $tenant_id})
		CREATE (newFrom)-[r2:%s]->(newTo)
		SET r2 = properties(r)
		DELETE r
	`, sanitizeLabel(relType), sanitizeLabel(relType))

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        relID,
			"tenant_id": tenantID,
			"from_id":   newFromID,
			"to_id":     newToID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		return fmt.Errorf("failed to repoint relationship %s in graph: %w", relID, err)
	}
	return nil
}

// RepointAnyType moves an edge without knowing its type, preserving type
// and properties through apoc-free delete and recreate
func (s *RelationshipService) RepointAnyType(ctx context.Context, tenantID, relID, newFromID, newToID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.RelationshipService.RepointAnyType")
	defer span.End()

	props, err := s.getAnyType(ctx, tenantID, relID)
	if err != nil {
		return err
	}
	if props == nil {
		return nil
	}
	relType, _ := props["__type"].(string)
	delete(props, "__type")

	return s.Repoint(ctx, tenantID, relID, relType, newFromID, newToID)
}

// getAnyType fetches an edge's properties and type without a type filter
func (s *RelationshipService) getAnyType(ctx context.Context, tenantID, relID string) (map[string]any, error) {
	cypher := `
		MATCH ()-[r {id: $id, tenant_id: $tenant_id}]->()
		RETURN r, type(r) AS rel_type
		LIMIT 1
	`

	res, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        relID,
			"tenant_id": tenantID,
		})
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			return nil, nil
		}
		record := result.Record()
		relNode, _ := record.Get("r")
		relType, _ := record.Get("rel_type")
		r := relNode.(neo4j.Relationship)
		props := make(map[string]any, len(r.Props)+1)
		for k, v := range r.Props {
			props[k] = v
		}
		props["__type"] = relType
		return props, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up relationship %s in graph: %w", relID, err)
	}
	if res == nil {
		return nil, nil
	}
	return res.(map[string]any), nil
}

// Delete soft-deletes an edge by stamping deleted_at
func (s *RelationshipService) Delete(ctx context.Context, tenantID, relID, relType string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.RelationshipService.Delete")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH ()-[r:%s {id: $id, tenant_id: $tenant_id}]->()
		SET r.deleted_at = datetime()
		RETURN r
	`, sanitizeLabel(relType))

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        relID,
			"tenant_id": tenantID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to delete relationship in graph")
		return fmt.Errorf("failed to delete relationship in graph: %w", err)
	}

	return nil
}

// Restore clears a soft-deleted edge's deleted_at stamp
func (s *RelationshipService) Restore(ctx context.Context, tenantID, relID, relType string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.RelationshipService.Restore")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH ()-[r:%s {id: $id, tenant_id: $tenant_id}]->()
		SET r.deleted_at = null
		RETURN r
	`, sanitizeLabel(relType))

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        relID,
			"tenant_id": tenantID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		return fmt.Errorf("failed to restore relationship in graph: %w", err)
	}
	return nil
}

// GetByID returns the edge properties for a relationship id
func (s *RelationshipService) GetByID(ctx context.Context, tenantID, relID, relType string) (map[string]any, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.RelationshipService.GetByID")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH ()-[r:%s {id: $id, tenant_id: $tenant_id}]->()
		RETURN r
		LIMIT 1
	`, sanitizeLabel(relType))

	res, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        relID,
			"tenant_id": tenantID,
		})
		if err != nil {
			return nil, err
		}
		if !result.Next(ctx) {
			return nil, nil
		}
		record := result.Record()
		relNode, _ := record.Get("r")
		r := relNode.(neo4j.Relationship)
		return r.Props, nil
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.(map[string]any), nil
}

// GetRelationships gets all live edges touching an entity
func (s *RelationshipService) GetRelationships(ctx context.Context, tenantID, entityID, entityType, direction string) ([]map[string]any, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.RelationshipService.GetRelationships")
	defer span.End()

	var cypher string
	switch direction {
	case "outgoing":
		cypher = fmt.Sprintf(`
			MATCH (e:%s {id: $id, tenant_id: $tenant_id})-[r]->(target)
			WHERE r.deleted_at IS NULL
			RETURN r, type(r) as rel_type, target
		`, sanitizeLabel(entityType))
	case "incoming":
		cypher = fmt.Sprintf(`
			MATCH (source)-[r]->(e:%s {id: $id, tenant_id: $tenant_id})
			WHERE r.deleted_at IS NULL
			RETURN r, type(r) as rel_type, source as target
		`, sanitizeLabel(entityType))
	default: // both
		cypher = fmt.Sprintf(`
			MATCH (e:%s {id: $id, tenant_id: $tenant_id})-[r]-(target)
			WHERE r.deleted_at IS NULL
			RETURN r, type(r) as rel_type, target
		`, sanitizeLabel(entityType))
	}

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        entityID,
			"tenant_id": tenantID,
		})
		if err != nil {
			return nil, err
		}

		var rels []map[string]any
		for result.Next(ctx) {
			record := result.Record()
			relNode, _ := record.Get("r")
			relType, _ := record.Get("rel_type")
			targetNode, _ := record.Get("target")

			r := relNode.(neo4j.Relationship)
			t := targetNode.(neo4j.Node)

			rels = append(rels, map[string]any{
				"id":          r.Props["id"],
				"type":        relType,
				"target_id":   t.Props["id"],
				"target_type": t.Props["entity_type"],
				"properties":  r.Props,
			})
		}
		return rels, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get relationships from graph: %w", err)
	}

	return result.([]map[string]any), nil
}

// edgeProps flattens a relationship into edge properties
func edgeProps(rel *models.Relationship) (map[string]any, error) {
	data, err := rel.PropertyMap()
	if err != nil {
		return nil, fmt.Errorf("failed to parse relationship properties: %w", err)
	}

	props := make(map[string]any, len(data)+2)
	for k, v := range data {
		props[k] = v
	}
	props["id"] = rel.ID
	props["tenant_id"] = rel.TenantID
	return props, nil
}
