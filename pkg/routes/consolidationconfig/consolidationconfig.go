// Package consolidationconfig exposes per-tenant dedup tunables
package consolidationconfig

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectoinject"
	"github.com/labstack/echo/v4"

	configrepo "github.com/Ramsey-B/fern/internal/repositories/consolidationconfig"
	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/models"
)

// Register registers consolidation config routes
func Register(g *echo.Group) {
	g.GET("", GetConfig)
	g.PUT("", UpdateConfig)
}

// GetConfig returns the tenant's config, or the documented defaults when
// nothing is stored
func GetConfig(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	ctx, repo, err := ectoinject.GetContext[*configrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	config, err := repo.GetOrDefault(ctx, tenantID)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, config)
}

// UpdateConfig applies a partial update on top of the tenant's effective
// config. The merged result must validate before anything is stored.
func UpdateConfig(c echo.Context) error {
	ctx := c.Request().Context()
	tenantID := context.GetTenantID(ctx)
	if tenantID == "" {
		return httperror.NewHTTPError(http.StatusUnauthorized, "tenant_id is required")
	}

	var req models.UpdateConsolidationConfigRequest
	if err := c.Bind(&req); err != nil {
		return httperror.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx, repo, err := ectoinject.GetContext[*configrepo.Repository](ctx)
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "service unavailable")
	}

	config, err := repo.GetOrDefault(ctx, tenantID)
	if err != nil {
		return err
	}

	applyUpdate(config, &req)

	if err := config.Validate(); err != nil {
		return httperror.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	updated, err := repo.Upsert(ctx, config)
	if err != nil {
		return err
	}

	return c.JSON(http.StatusOK, updated)
}

func applyUpdate(config *models.ConsolidationConfig, req *models.UpdateConsolidationConfigRequest) {
	if req.AutoMergeThreshold != nil {
		config.AutoMergeThreshold = *req.AutoMergeThreshold
	}
	if req.ReviewThreshold != nil {
		config.ReviewThreshold = *req.ReviewThreshold
	}
	if req.MaxBlockSize != nil {
		config.MaxBlockSize = *req.MaxBlockSize
	}
	if req.FeatureWeights != nil {
		for feature, weight := range req.FeatureWeights {
			config.FeatureWeights[feature] = weight
		}
	}
	if req.BlockingStrategies != nil {
		config.BlockingStrategies = req.BlockingStrategies
	}
	if req.PropertyNormalizers != nil {
		config.PropertyNormalizers = req.PropertyNormalizers
	}
	if req.PhoneticEncoding != nil {
		config.PhoneticEncoding = *req.PhoneticEncoding
	}
	if req.PrefixLength != nil {
		config.PrefixLength = *req.PrefixLength
	}
	if req.TrigramMinOverlap != nil {
		config.TrigramMinOverlap = *req.TrigramMinOverlap
	}
	if req.EnableEmbeddingSimilarity != nil {
		config.EnableEmbeddingSimilarity = *req.EnableEmbeddingSimilarity
	}
	if req.EnableGraphSimilarity != nil {
		config.EnableGraphSimilarity = *req.EnableGraphSimilarity
	}
	if req.EnableAutoConsolidation != nil {
		config.EnableAutoConsolidation = *req.EnableAutoConsolidation
	}
	if req.AllowCrossTypeMatching != nil {
		config.AllowCrossTypeMatching = *req.AllowCrossTypeMatching
	}
	if req.EmbeddingModel != nil {
		config.EmbeddingModel = *req.EmbeddingModel
	}
	if req.BatchSize != nil {
		config.BatchSize = *req.BatchSize
	}
}
