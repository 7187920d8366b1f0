// Package review exposes the merge review queue to human adjudicators
package review

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	entityrepo "github.com/Ramsey-B/fern/internal/repositories/entity"
	"github.com/Ramsey-B/fern/internal/repositories/reviewitem"
	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
)

var validate = validator.New()

// Register registers review queue routes
func Register(g *echo.Group) {
	g.GET("", ListReviewItems)
	g.GET("/:id", GetReviewItem)
	g.POST("/:id/approve", ApproveReviewItem)
	g.POST("/:id/reject", RejectReviewItem)
	g.POST("/:id/defer", DeferReviewItem)
	g.POST("/:id/requeue", RequeueReviewItem)
}

// ListReviewItems lists review items, most ambiguous pairs first
func ListReviewItems(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	opts := reviewitem.ListOptions{
		Status: c.QueryParam("status"),
	}
	if opts.Status == "" {
		opts.Status = string(models.ReviewStatusPending)
	}
	_ = echo.QueryParamsBinder(c).Int("page", &opts.Page).Int("page_size", &opts.PageSize).BindError()

	ctx, repo, err := ectoinject.GetContext[*reviewitem.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	items, total, err := repo.List(ctx, tenantID, opts)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, models.ReviewItemListResponse{
		Items:      items,
		TotalCount: total,
		Page:       opts.Page,
		PageSize:   opts.PageSize,
	})
}

// GetReviewItem gets a review item by id
func GetReviewItem(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, repo, err := ectoinject.GetContext[*reviewitem.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	item, err := repo.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	if item == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "review item not found")
	}

	return c.JSON(http.StatusOK, item)
}

// ApproveReviewItem applies the merge for an approved pair. The merge runs
// before the item is marked so a conflict leaves the item actionable.
func ApproveReviewItem(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	var req models.ResolveReviewRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, reviews, err := ectoinject.GetContext[*reviewitem.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	item, err := reviews.Get(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	if item == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "review item not found")
	}
	if item.IsResolved() || item.Status == models.ReviewStatusExpired {
		return httperror.NewHTTPError(http.StatusConflict, "review item is no longer actionable")
	}

	ctx, entities, err := ectoinject.GetContext[*entityrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	entityA, err := entities.Get(ctx, tenantID, item.EntityAID)
	if err != nil {
		return err
	}
	entityB, err := entities.Get(ctx, tenantID, item.EntityBID)
	if err != nil {
		return err
	}
	if entityA == nil || entityB == nil {
		return httperror.NewHTTPError(http.StatusConflict, "a merge participant no longer exists")
	}

	ctx, executor, err := ectoinject.GetContext[*merging.Executor](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	outcome, err := executor.Merge(ctx, entityA, entityB, item.Scores, models.MergeReasonReviewerApproved, req.ReviewedBy)
	if err != nil {
		if errors.Is(err, merging.ErrMergeConflict) || errors.Is(err, merging.ErrEntityNotFound) {
			return httperror.NewHTTPError(http.StatusConflict, "entities changed since review was queued")
		}
		return err
	}

	resolved, err := reviews.Resolve(ctx, tenantID, item.ID, models.ReviewStatusApproved, req.ReviewedBy, req.Notes)
	if err != nil {
		return err
	}
	if resolved == nil {
		// merge applied but another reviewer resolved the row first
		ctx, logger, _ := ectoinject.GetContext[ectologger.Logger](ctx)
		if logger != nil {
			logger.WithContext(ctx).WithFields(map[string]any{
				"review_item_id": item.ID,
			}).Warn("Merge applied but review item was resolved concurrently")
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":  models.ReviewStatusApproved,
		"outcome": outcome,
	})
}

// RejectReviewItem marks a pair as not the same real-world entity
func RejectReviewItem(c echo.Context) error {
	return resolve(c, models.ReviewStatusRejected)
}

// DeferReviewItem postpones a decision without resolving the pair
func DeferReviewItem(c echo.Context) error {
	return resolve(c, models.ReviewStatusDeferred)
}

// RequeueReviewItem returns a deferred pair to the pending queue
func RequeueReviewItem(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, repo, err := ectoinject.GetContext[*reviewitem.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	item, err := repo.Requeue(ctx, tenantID, c.Param("id"))
	if err != nil {
		return err
	}
	if item == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "review item not found or not deferred")
	}

	return c.JSON(http.StatusOK, item)
}

func resolve(c echo.Context, status models.ReviewStatus) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	var req models.ResolveReviewRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ctx, repo, err := ectoinject.GetContext[*reviewitem.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	item, err := repo.Resolve(ctx, tenantID, c.Param("id"), status, req.ReviewedBy, req.Notes)
	if err != nil {
		return err
	}
	if item == nil {
		return httperror.NewHTTPError(http.StatusNotFound, "review item not found or no longer actionable")
	}

	return c.JSON(http.StatusOK, item)
}
