// Package graph exposes read-only queries against the graph projection
package graph

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/context"
	graphpkg "github.com/Ramsey-B/fern/pkg/graph"
)

var validate = validator.New()

// Handler handles graph query endpoints. The graph projection is optional;
// every endpoint returns 503 when the mirror is disabled.
type Handler struct {
	queryService *graphpkg.QueryService
	logger       ectologger.Logger
}

// NewHandler creates a new graph handler
func NewHandler(queryService *graphpkg.QueryService, logger ectologger.Logger) *Handler {
	return &Handler{
		queryService: queryService,
		logger:       logger,
	}
}

// Register registers the graph routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("/query", h.ExecuteQuery)
	g.GET("/path", h.FindShortestPath)
	g.GET("/neighbors/:entityType/:entityId", h.FindNeighbors)
}

func (h *Handler) requireQueryService(c echo.Context) (*graphpkg.QueryService, error) {
	if h != nil && h.queryService != nil {
		return h.queryService, nil
	}

	ctx := c.Request().Context()
	_, svc, err := ectoinject.GetContext[*graphpkg.QueryService](ctx)
	if err != nil || svc == nil {
		return nil, httperror.NewHTTPError(http.StatusServiceUnavailable, "graph query service unavailable")
	}
	return svc, nil
}

// QueryRequest is the request body for executing a Cypher query
type QueryRequest struct {
	Query  string         `json:"query" validate:"required"`
	Params map[string]any `json:"params,omitempty"`
}

// ExecuteQuery runs a read-only Cypher query scoped to the tenant
func (h *Handler) ExecuteQuery(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	qs, err := h.requireQueryService(c)
	if err != nil {
		return err
	}

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := validate.Struct(req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	result, err := qs.ExecuteQuery(ctx, tenantID, req.Query, req.Params)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// FindShortestPath finds the shortest path between two entities
func (h *Handler) FindShortestPath(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	qs, err := h.requireQueryService(c)
	if err != nil {
		return err
	}

	fromID := c.QueryParam("from")
	toID := c.QueryParam("to")
	if fromID == "" || toID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "from and to parameters are required")
	}

	maxHops := 10
	if c.QueryParam("max_hops") != "" {
		var parsed int
		if err := echo.QueryParamsBinder(c).Int("max_hops", &parsed).BindError(); err == nil && parsed > 0 {
			maxHops = parsed
		}
	}

	result, err := qs.FindShortestPath(ctx, tenantID, fromID, toID, maxHops)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}

// FindNeighbors finds the entities connected to an entity within N hops
func (h *Handler) FindNeighbors(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	qs, err := h.requireQueryService(c)
	if err != nil {
		return err
	}

	entityType := c.Param("entityType")
	entityID := c.Param("entityId")
	if entityType == "" || entityID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "entity type and ID are required")
	}

	hops := 1
	if c.QueryParam("hops") != "" {
		var parsed int
		if err := echo.QueryParamsBinder(c).Int("hops", &parsed).BindError(); err == nil && parsed > 0 {
			hops = parsed
		}
	}

	result, err := qs.FindNeighbors(ctx, tenantID, entityID, entityType, hops)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, result)
}
