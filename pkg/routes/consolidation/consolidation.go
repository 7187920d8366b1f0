// Package consolidation exposes run triggering and run status
package consolidation

import (
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/internal/repositories/runlease"
	consolidationpkg "github.com/Ramsey-B/fern/pkg/consolidation"
	"github.com/Ramsey-B/fern/pkg/context"
)

// Register registers consolidation routes
func Register(g *echo.Group) {
	g.POST("/run", TriggerRun)
	g.GET("/status", RunStatus)
}

// TriggerRunRequest identifies who asked for the run
type TriggerRunRequest struct {
	TriggeredBy string `json:"triggered_by"`
}

// TriggerRun executes a consolidation run for the tenant and returns its
// stats. Only one run per tenant can be live at a time.
func TriggerRun(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	var req TriggerRunRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TriggeredBy == "" {
		req.TriggeredBy = "api"
	}

	ctx, runner, err := ectoinject.GetContext[*consolidationpkg.Runner](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	stats, err := runner.Run(ctx, tenantID, req.TriggeredBy)
	if err != nil {
		switch {
		case errors.Is(err, consolidationpkg.ErrRunInProgress):
			return httperror.NewHTTPError(http.StatusConflict, "a consolidation run is already in progress for this tenant")
		case errors.Is(err, consolidationpkg.ErrInvalidConfig):
			return httperror.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
		}
		return err
	}

	return c.JSON(http.StatusOK, stats)
}

// RunStatus reports whether a run currently holds the tenant's lease
func RunStatus(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, leases, err := ectoinject.GetContext[*runlease.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	lease, err := leases.Get(ctx, tenantID)
	if err != nil {
		return err
	}

	if lease == nil {
		return c.JSON(http.StatusOK, map[string]any{"running": false})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"running": true,
		"lease":   lease,
	})
}
