// Package history exposes the merge audit log, undo and split operations
package history

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/mergehistory"
	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
)

var validate = validator.New()

// Register registers merge history routes
func Register(g *echo.Group) {
	g.GET("", ListHistory)
	g.GET("/:id", GetHistory)
	g.POST("/:id/undo", UndoMerge)
	g.POST("/split", SplitEntity)
}

// ListHistory lists a tenant's audit records, newest first
func ListHistory(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	opts := mergehistory.ListOptions{
		EntityID:  c.QueryParam("entity_id"),
		EventType: c.QueryParam("event_type"),
	}
	_ = echo.QueryParamsBinder(c).Int("page", &opts.Page).Int("page_size", &opts.PageSize).BindError()

	ctx, repo, err := ectoinject.GetContext[*mergehistory.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	records, total, err := repo.List(ctx, tenantID, opts)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.MergeHistoryListResponse{
		Items:      records,
		TotalCount: total,
		Page:       opts.Page,
		PageSize:   opts.PageSize,
	})
}

// GetHistory gets one audit record by id
func GetHistory(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, repo, err := ectoinject.GetContext[*mergehistory.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := repo.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	if record == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "history record not found")
	}

	return c.JSON(http.StatusOK, record)
}

// UndoMerge reverses a recorded merge. Properties written by the merge are
// intentionally not unwound; only alias status and relationships revert.
func UndoMerge(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	var req models.UndoMergeRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, executor, err := ectoinject.GetContext[*merging.Executor](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	record, err := executor.Undo(ctx, tenantID, c.Param("id"), &req)
	if err != nil {
		switch {
		case errors.Is(err, merging.ErrEntityNotFound):
			return httperror.NewHTTPError(http.StatusNotFound, "history record not found")
		case errors.Is(err, merging.ErrNotUndoable):
			return httperror.NewHTTPError(http.StatusConflict, "history record cannot be undone")
		}
		return err
	}

	return c.JSON(http.StatusOK, record)
}

// SplitEntity manually partitions a conflated entity
func SplitEntity(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	var req merging.SplitRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, executor, err := ectoinject.GetContext[*merging.Executor](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entity, err := executor.Split(ctx, tenantID, &req)
	if err != nil {
		if errors.Is(err, merging.ErrEntityNotFound) {
			return httperror.NewHTTPError(http.StatusNotFound, "entity not found")
		}
		return err
	}

	return c.JSON(http.StatusCreated, entity)
}
