// Package entity persists entities and their blocking keys
package entity

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
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var entityColumns = []string{
	"id", "tenant_id", "entity_type", "name", "normalized_name", "properties",
	"confidence_score", "is_canonical", "canonical_id",
	"created_at", "updated_at", "deleted_at", "version",
}

// Repository handles entity persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new entity repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new entity row
func (r *Repository) Create(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Create")
	defer span.End()

	now := time.Now().UTC()
	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}
	if entity.Version <= 0 {
		entity.Version = 1
	}
	entity.IsCanonical = entity.CanonicalID == nil
	entity.CreatedAt = now
	entity.UpdatedAt = now
	if len(entity.Properties) == 0 {
		entity.Properties = json.RawMessage("{}")
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("entities")
	sb.Cols(entityColumns...)
	sb.Values(entity.ID, entity.TenantID, entity.EntityType, entity.Name, entity.NormalizedName,
		entity.Properties, entity.ConfidenceScore, entity.IsCanonical, entity.CanonicalID,
		entity.CreatedAt, entity.UpdatedAt, entity.DeletedAt, entity.Version)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": entity.TenantID,
			"entity_id": entity.ID,
		}).Error("Failed to create entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create entity")
	}

	return entity, nil
}

// Get retrieves an entity by id, returning nil when no row exists
func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("entities")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var entity models.Entity
	if err := database.Conn(ctx, r.db).GetContext(ctx, &entity, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"entity_id": id,
		}).Error("Failed to get entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entity")
	}

	return &entity, nil
}

// ListOptions filters and pages List queries
type ListOptions struct {
	EntityType    string
	Search        string
	CanonicalOnly bool
	Page          int
	PageSize      int
}

// List returns a page of a tenant's entities plus the unpaged total
func (r *Repository) List(ctx context.Context, tenantID string, opts ListOptions) ([]models.Entity, int, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.List")
	defer span.End()

	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 || opts.PageSize > 500 {
		opts.PageSize = 50
	}

	where := func(sb *sqlbuilder.SelectBuilder) []string {
		conds := []string{
			sb.Equal("tenant_id", tenantID),
			sb.IsNull("deleted_at"),
		}
		if opts.EntityType != "" {
			conds = append(conds, sb.Equal("entity_type", opts.EntityType))
		}
		if opts.Search != "" {
			conds = append(conds, sb.Like("normalized_name", "%"+opts.Search+"%"))
		}
		if opts.CanonicalOnly {
			conds = append(conds, sb.Equal("is_canonical", true), sb.IsNull("canonical_id"))
		}
		return conds
	}

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From("entities")
	countSb.Where(where(countSb)...)

	query, args := countSb.Build()
	var total int
	if err := database.Conn(ctx, r.db).GetContext(ctx, &total, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count entities")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entities")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("entities")
	sb.Where(where(sb)...)
	sb.OrderBy("created_at DESC", "id ASC")
	sb.Limit(opts.PageSize)
	sb.Offset((opts.Page - 1) * opts.PageSize)

	query, args = sb.Build()
	var entities []models.Entity
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list entities")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entities")
	}

	return entities, total, nil
}

// ListCanonicalPage pages through a tenant's live canonical entities in
// stable id order. Consolidation runs walk the population through this.
// The keyset cursor keeps pages stable while merges shrink the canonical
// set mid-run; pass "" to start from the beginning.
func (r *Repository) ListCanonicalPage(ctx context.Context, tenantID, afterID string, limit int) ([]*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ListCanonicalPage")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(entityColumns...)
	sb.From("entities")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("is_canonical", true),
		sb.IsNull("canonical_id"),
		sb.IsNull("deleted_at"),
	)
	if afterID != "" {
		sb.Where(sb.GreaterThan("id", afterID))
	}
	sb.OrderBy("id ASC")
	sb.Limit(limit)

	query, args := sb.Build()
	var entities []*models.Entity
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"after_id":  afterID,
		}).Error("Failed to page canonical entities")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to page canonical entities")
	}

	return entities, nil
}

// CanonicalByBlockingKey returns the live canonical entities indexed under
// one (strategy, key) pair, in stable id order
func (r *Repository) CanonicalByBlockingKey(ctx context.Context, tenantID, strategy, key string) ([]*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.CanonicalByBlockingKey")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(
		"e.id", "e.tenant_id", "e.entity_type", "e.name", "e.normalized_name", "e.properties",
		"e.confidence_score", "e.is_canonical", "e.canonical_id",
		"e.created_at", "e.updated_at", "e.deleted_at", "e.version",
	)
	sb.From("entities e")
	sb.JoinWithOption(sqlbuilder.InnerJoin, "entity_blocking_keys bk",
		"bk.tenant_id = e.tenant_id", "bk.entity_id = e.id")
	sb.Where(
		sb.Equal("e.tenant_id", tenantID),
		sb.Equal("bk.strategy", strategy),
		sb.Equal("bk.blocking_key", key),
		sb.Equal("e.is_canonical", true),
		sb.IsNull("e.canonical_id"),
		sb.IsNull("e.deleted_at"),
	)
	sb.OrderBy("e.id ASC")

	query, args := sb.Build()
	var entities []*models.Entity
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &entities, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"strategy":  strategy,
		}).Error("Failed to query blocking key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to query blocking key")
	}

	return entities, nil
}

// Update replaces an entity's mutable fields and bumps its version
func (r *Repository) Update(ctx context.Context, entity *models.Entity) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.Update")
	defer span.End()

	now := time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("name", entity.Name),
		sb.Assign("normalized_name", entity.NormalizedName),
		sb.Assign("properties", entity.Properties),
		sb.Assign("confidence_score", entity.ConfidenceScore),
		sb.Assign("updated_at", now),
		"version = version + 1",
	)
	sb.Where(
		sb.Equal("tenant_id", entity.TenantID),
		sb.Equal("id", entity.ID),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": entity.TenantID,
			"entity_id": entity.ID,
		}).Error("Failed to update entity")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return nil, nil
	}

	entity.UpdatedAt = now
	entity.Version++
	return entity, nil
}

// UpdateProperties replaces an entity's property document and bumps its
// version. The executor writes merged property unions through this.
func (r *Repository) UpdateProperties(ctx context.Context, tenantID, id string, properties json.RawMessage) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.UpdateProperties")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("properties", properties),
		sb.Assign("updated_at", time.Now().UTC()),
		"version = version + 1",
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"entity_id": id,
		}).Error("Failed to update entity properties")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entity properties")
	}

	return nil
}

// MarkAlias points an entity at its canonical survivor. The optimistic
// version check makes concurrent merges of the same entity lose cleanly.
func (r *Repository) MarkAlias(ctx context.Context, tenantID, id, canonicalID string, expectedVersion int) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.MarkAlias")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("canonical_id", canonicalID),
		sb.Assign("is_canonical", false),
		sb.Assign("updated_at", time.Now().UTC()),
		"version = version + 1",
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
		sb.Equal("version", expectedVersion),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"entity_id": id,
		}).Error("Failed to mark entity as alias")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark entity as alias")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return merging.ErrMergeConflict
	}

	return nil
}

// RestoreCanonical clears an alias pointer, returning the entity to the
// canonical population
func (r *Repository) RestoreCanonical(ctx context.Context, tenantID, id string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.RestoreCanonical")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		"canonical_id = NULL",
		sb.Assign("is_canonical", true),
		sb.Assign("updated_at", time.Now().UTC()),
		"version = version + 1",
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
	)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"entity_id": id,
		}).Error("Failed to restore canonical entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to restore canonical entity")
	}

	return nil
}

// SoftDelete stamps an entity deleted without removing the row
func (r *Repository) SoftDelete(ctx context.Context, tenantID, id string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.SoftDelete")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("entities")
	sb.Set(
		sb.Assign("deleted_at", time.Now().UTC()),
		sb.Assign("updated_at", time.Now().UTC()),
		"version = version + 1",
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"entity_id": id,
		}).Error("Failed to soft delete entity")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete entity")
	}

	return nil
}

// ReplaceBlockingKeys swaps an entity's blocking index rows for the given
// (strategy, key) pairs. Runs inside the caller's transaction when present.
func (r *Repository) ReplaceBlockingKeys(ctx context.Context, tenantID, entityID string, keys map[string][]string) error {
	ctx, span := tracing.StartSpan(ctx, "entity.Repository.ReplaceBlockingKeys")
	defer span.End()

	conn := database.Conn(ctx, r.db)

	del := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	del.DeleteFrom("entity_blocking_keys")
	del.Where(
		del.Equal("tenant_id", tenantID),
		del.Equal("entity_id", entityID),
	)

	query, args := del.Build()
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"entity_id": entityID,
		}).Error("Failed to clear blocking keys")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to clear blocking keys")
	}

	total := 0
	for _, ks := range keys {
		total += len(ks)
	}
	if total == 0 {
		return nil
	}

	now := time.Now().UTC()
	ins := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ins.InsertInto("entity_blocking_keys")
	ins.Cols("tenant_id", "entity_id", "strategy", "blocking_key", "created_at")
	for strategy, ks := range keys {
		for _, key := range ks {
			ins.Values(tenantID, entityID, strategy, key, now)
		}
	}

	query, args = ins.Build()
	query += ` ON CONFLICT (tenant_id, entity_id, strategy, blocking_key) DO NOTHING`
	if _, err := conn.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"entity_id": entityID,
		}).Error("Failed to insert blocking keys")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert blocking keys")
	}

	return nil
}

// DeleteBlockingKeys drops an entity's blocking index rows. Aliases and
// deleted entities stop being discoverable as candidates through this.
func (r *Repository) DeleteBlockingKeys(ctx context.Context, tenantID, entityID string) error {
	return r.ReplaceBlockingKeys(ctx, tenantID, entityID, nil)
}
