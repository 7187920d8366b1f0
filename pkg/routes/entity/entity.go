package entity

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	entityrepo "github.com/Ramsey-B/fern/internal/repositories/entity"
	relationshiprepo "github.com/Ramsey-B/fern/internal/repositories/relationship"
	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/processor"
)

var validate = validator.New()

// Register registers entity routes
func Register(g *echo.Group) {
	g.POST("", CreateEntity)
	g.GET("", ListEntities)
	g.GET("/:id", GetEntity)
	g.PUT("/:id", UpdateEntity)
	g.DELETE("/:id", DeleteEntity)
	g.GET("/:id/relationships", GetEntityRelationships)
}

// CreateEntity ingests a new entity through the same pipeline the Kafka
// consumer uses, so blocking keys and projections stay consistent
func CreateEntity(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	var req models.CreateEntityRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, proc, err := ectoinject.GetContext[*processor.Processor](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := proc.ProcessUpsert(ctx, &kafka.EntityMessage{
		Action:          kafka.ActionUpsert,
		TenantID:        tenantID,
		EntityType:      req.EntityType,
		Name:            req.Name,
		Properties:      req.Properties,
		ConfidenceScore: req.ConfidenceScore,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusCreated, result.Entity)
}

// ListEntities lists a tenant's entities with optional filters
func ListEntities(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	opts := entityrepo.ListOptions{
		EntityType:    c.QueryParam("entity_type"),
		Search:        c.QueryParam("search"),
		CanonicalOnly: c.QueryParam("canonical_only") == "true",
	}
	_ = echo.QueryParamsBinder(c).Int("page", &opts.Page).Int("page_size", &opts.PageSize).BindError()

	ctx, repo, err := ectoinject.GetContext[*entityrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entities, total, err := repo.List(ctx, tenantID, opts)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.EntityListResponse{
		Items:      entities,
		TotalCount: total,
		Page:       opts.Page,
		PageSize:   opts.PageSize,
	})
}

// GetEntity gets an entity by id. Aliases resolve to themselves; follow
// canonical_id to reach the survivor.
func GetEntity(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, repo, err := ectoinject.GetContext[*entityrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entity, err := repo.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	if entity == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "entity not found")
	}

	return c.JSON(http.StatusOK, entity)
}

// UpdateEntity replaces an entity's mutable fields through the ingest
// pipeline
func UpdateEntity(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	var req models.CreateEntityRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, repo, err := ectoinject.GetContext[*entityrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	existing, err := repo.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	if existing == nil || existing.DeletedAt != nil {
		return httperror.NewHTTPError(http.StatusNotFound, "entity not found")
	}

	ctx, proc, err := ectoinject.GetContext[*processor.Processor](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	result, err := proc.ProcessUpsert(ctx, &kafka.EntityMessage{
		Action:          kafka.ActionUpsert,
		TenantID:        tenantID,
		EntityID:        existing.ID,
		EntityType:      req.EntityType,
		Name:            req.Name,
		Properties:      req.Properties,
		ConfidenceScore: req.ConfidenceScore,
	})
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result.Entity)
}

// DeleteEntity soft deletes an entity and its relationships
func DeleteEntity(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, proc, err := ectoinject.GetContext[*processor.Processor](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	if err := proc.ProcessDelete(ctx, &kafka.EntityMessage{
		Action:   kafka.ActionDelete,
		TenantID: tenantID,
		EntityID: c.Param("id"),
	}); err != nil {
		return err
	}

	return c.NoContent(http.StatusNoContent)
}

// GetEntityRelationships lists the live relationships touching an entity
func GetEntityRelationships(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, repo, err := ectoinject.GetContext[*relationshiprepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	relationships, err := repo.ListByEntity(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, relationships)
}
