package graph

import (
	"context"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EntityService mirrors resolved entities as graph nodes. The graph is a
// read model for neighbor queries; Postgres stays authoritative.
type EntityService struct {
	client *Client
	logger ectologger.Logger
}

// NewEntityService creates a new entity service
func NewEntityService(client *Client, logger ectologger.Logger) *EntityService {
	return &EntityService{
		client: client,
		logger: logger,
	}
}

// CreateOrUpdate upserts an entity node. The node label is the entity type.
func (s *EntityService) CreateOrUpdate(ctx context.Context, entity *models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.CreateOrUpdate")
	defer span.End()

	log := s.logger.WithContext(ctx).WithFields(map[string]any{
		"entity_id":   entity.ID,
		"entity_type": entity.EntityType,
		"tenant_id":   entity.TenantID,
	})

	props, err := nodeProps(entity)
	if err != nil {
		return err
	}

	cypher := fmt.Sprintf(`
		MERGE (e:%s {id: $id, tenant_id: $tenant_id})
		SET e = $props
		RETURN e
	`, sanitizeLabel(entity.EntityType))

	_, err = s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        entity.ID,
			"tenant_id": entity.TenantID,
			"props":     props,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		log.WithError(err).Error("Failed to create/update entity in graph")
		return fmt.Errorf("failed to create/update entity in graph: %w", err)
	}

	log.Debug("Created/updated entity in graph")
	return nil
}

// BatchCreateOrUpdate upserts multiple entity nodes in a single transaction
func (s *EntityService) BatchCreateOrUpdate(ctx context.Context, entities []*models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.BatchCreateOrUpdate")
	defer span.End()

	if len(entities) == 0 {
		return nil
	}

	byType := make(map[string][]*models.Entity)
	for _, e := range entities {
		byType[e.EntityType] = append(byType[e.EntityType], e)
	}

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for entityType, typeEntities := range byType {
			batchData := make([]map[string]any, 0, len(typeEntities))
			for _, entity := range typeEntities {
				props, err := nodeProps(entity)
				if err != nil {
					return nil, err
				}
				batchData = append(batchData, props)
			}

			cypher := fmt.Sprintf(`
				UNWIND $batch AS props
				MERGE (e:%s {id: props.id, tenant_id: props.tenant_id})
				SET e = props
			`, sanitizeLabel(entityType))

			if _, err := tx.Run(ctx, cypher, map[string]any{"batch": batchData}); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to batch create/update entities in graph")
		return fmt.Errorf("failed to batch create/update entities: %w", err)
	}

	return nil
}

// MarkAlias flags an entity node as an alias of its canonical. The node is
// kept so historical paths remain queryable.
func (s *EntityService) MarkAlias(ctx context.Context, tenantID, aliasID, canonicalID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.MarkAlias")
	defer span.End()

	cypher := `
		MATCH (e {id: $id, tenant_id: $tenant_id})
		SET e.canonical_id = $canonical_id, e.is_canonical = false
		RETURN e
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":           aliasID,
			"tenant_id":    tenantID,
			"canonical_id": canonicalID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		return fmt.Errorf("failed to mark alias in graph: %w", err)
	}
	return nil
}

// RestoreCanonical clears the alias flags after an undo
func (s *EntityService) RestoreCanonical(ctx context.Context, tenantID, entityID string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.RestoreCanonical")
	defer span.End()

	cypher := `
		MATCH (e {id: $id, tenant_id: $tenant_id})
		SET e.canonical_id = null, e.is_canonical = true
		RETURN e
	`

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        entityID,
			"tenant_id": tenantID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		return fmt.Errorf("failed to restore canonical in graph: %w", err)
	}
	return nil
}

// Delete soft-deletes an entity node by stamping deleted_at
func (s *EntityService) Delete(ctx context.Context, tenantID, entityID, entityType string) error {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.Delete")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (e:%s {id: $id, tenant_id: $tenant_id})
		SET e.deleted_at = datetime()
		RETURN e
	`, sanitizeLabel(entityType))

	_, err := s.client.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        entityID,
			"tenant_id": tenantID,
		})
		if err != nil {
			return nil, err
		}
		return result.Consume(ctx)
	})

	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to delete entity in graph")
		return fmt.Errorf("failed to delete entity in graph: %w", err)
	}

	return nil
}

// Get retrieves an entity node's properties by id
func (s *EntityService) Get(ctx context.Context, tenantID, entityID, entityType string) (map[string]any, error) {
	ctx, span := tracing.StartSpan(ctx, "graph.EntityService.Get")
	defer span.End()

	cypher := fmt.Sprintf(`
		MATCH (e:%s {id: $id, tenant_id: $tenant_id})
		WHERE e.deleted_at IS NULL
		RETURN e
	`, sanitizeLabel(entityType))

	result, err := s.client.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx, cypher, map[string]any{
			"id":        entityID,
			"tenant_id": tenantID,
		})
		if err != nil {
			return nil, err
		}

		if result.Next(ctx) {
			record := result.Record()
			node, ok := record.Get("e")
			if !ok {
				return nil, nil
			}
			n := node.(neo4j.Node)
			return n.Props, nil
		}
		return nil, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to get entity from graph: %w", err)
	}

	if result == nil {
		return nil, nil
	}

	return result.(map[string]any), nil
}

// nodeProps flattens an entity into graph node properties. Resolution
// metadata wins over same-named payload properties.
func nodeProps(entity *models.Entity) (map[string]any, error) {
	data, err := entity.PropertyMap()
	if err != nil {
		return nil, fmt.Errorf("failed to parse entity properties: %w", err)
	}

	props := make(map[string]any, len(data)+8)
	for k, v := range data {
		props[k] = v
	}
	props["id"] = entity.ID
	props["tenant_id"] = entity.TenantID
	props["entity_type"] = entity.EntityType
	props["name"] = entity.Name
	props["normalized_name"] = entity.NormalizedName
	props["confidence_score"] = entity.ConfidenceScore
	props["is_canonical"] = entity.IsCanonical
	props["version"] = entity.Version
	if entity.CanonicalID != nil {
		props["canonical_id"] = *entity.CanonicalID
	}
	props["created_at"] = entity.CreatedAt.UTC().Format("2006-01-02T15:04:05Z")
	props["updated_at"] = entity.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
	return props, nil
}

// sanitizeLabel ensures the label is safe for Cypher
func sanitizeLabel(label string) string {
	result := ""
	for _, c := range label {
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			result += string(c)
		}
	}
	if result == "" {
		return "Entity"
	}
	return result
}
