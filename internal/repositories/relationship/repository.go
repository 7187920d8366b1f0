// Package relationship persists typed edges between entities
package relationship

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var relationshipColumns = []string{
	"id", "tenant_id", "relationship_type", "from_entity_id", "to_entity_id",
	"properties", "created_at", "updated_at", "deleted_at",
}

// Repository handles relationship persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new relationship repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Upsert creates a relationship or refreshes the properties of the existing
// edge with the same (from, to, type) triple. A soft-deleted edge revives.
func (r *Repository) Upsert(ctx context.Context, rel *models.Relationship) (*models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.Upsert")
	defer span.End()

	now := time.Now().UTC()
	if rel.ID == "" {
		rel.ID = uuid.New().String()
	}
	rel.CreatedAt = now
	rel.UpdatedAt = now
	if len(rel.Properties) == 0 {
		rel.Properties = json.RawMessage("{}")
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("relationships")
	sb.Cols(relationshipColumns...)
	sb.Values(rel.ID, rel.TenantID, rel.RelationshipType, rel.FromEntityID, rel.ToEntityID,
		rel.Properties, rel.CreatedAt, rel.UpdatedAt, nil)

	query, args := sb.Build()
	query += ` ON CONFLICT (tenant_id, from_entity_id, to_entity_id, relationship_type) DO UPDATE SET
		properties = EXCLUDED.properties,
		updated_at = EXCLUDED.updated_at,
		deleted_at = NULL
		RETURNING ` + columnList()

	var out models.Relationship
	if err := database.Conn(ctx, r.db).GetContext(ctx, &out, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":         rel.TenantID,
			"from_entity_id":    rel.FromEntityID,
			"to_entity_id":      rel.ToEntityID,
			"relationship_type": rel.RelationshipType,
		}).Error("Failed to upsert relationship")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert relationship")
	}

	return &out, nil
}

// Get retrieves a relationship by id, returning nil when no row exists
func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(relationshipColumns...)
	sb.From("relationships")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var rel models.Relationship
	if err := database.Conn(ctx, r.db).GetContext(ctx, &rel, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":       tenantID,
			"relationship_id": id,
		}).Error("Failed to get relationship")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get relationship")
	}

	return &rel, nil
}

// ListByEntity returns every live relationship touching an entity in either
// direction
func (r *Repository) ListByEntity(ctx context.Context, tenantID, entityID string) ([]*models.Relationship, error) {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.ListByEntity")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(relationshipColumns...)
	sb.From("relationships")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Or(
			sb.Equal("from_entity_id", entityID),
			sb.Equal("to_entity_id", entityID),
		),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("id ASC")

	query, args := sb.Build()
	var rels []*models.Relationship
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rels, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"entity_id": entityID,
		}).Error("Failed to list relationships")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list relationships")
	}

	return rels, nil
}

// UpdateEndpoints re-points a relationship onto new entities. Merge and undo
// rewire alias edges through this.
func (r *Repository) UpdateEndpoints(ctx context.Context, tenantID, id, fromEntityID, toEntityID string) error {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.UpdateEndpoints")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("relationships")
	sb.Set(
		sb.Assign("from_entity_id", fromEntityID),
		sb.Assign("to_entity_id", toEntityID),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
	)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":       tenantID,
			"relationship_id": id,
		}).Error("Failed to update relationship endpoints")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update relationship endpoints")
	}

	return nil
}

// SoftDelete stamps a relationship deleted without removing the row
func (r *Repository) SoftDelete(ctx context.Context, tenantID, id string) error {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.SoftDelete")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("relationships")
	sb.Set(
		sb.Assign("deleted_at", time.Now().UTC()),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":       tenantID,
			"relationship_id": id,
		}).Error("Failed to soft delete relationship")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete relationship")
	}

	return nil
}

// Restore clears a relationship's deletion stamp. Undo revives edges that a
// merge dropped as duplicates.
func (r *Repository) Restore(ctx context.Context, tenantID, id string) error {
	ctx, span := tracing.StartSpan(ctx, "relationship.Repository.Restore")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("relationships")
	sb.Set(
		"deleted_at = NULL",
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
	)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":       tenantID,
			"relationship_id": id,
		}).Error("Failed to restore relationship")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to restore relationship")
	}

	return nil
}

func columnList() string {
	out := relationshipColumns[0]
	for _, col := range relationshipColumns[1:] {
		out += ", " + col
	}
	return out
}
