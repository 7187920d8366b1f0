// Package consolidationconfig persists per-tenant dedup tunables
package consolidationconfig

import (
	"context"
	"database/sql"
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

var configColumns = []string{
	"id", "tenant_id", "auto_merge_threshold", "review_threshold", "max_block_size",
	"feature_weights", "blocking_strategies", "property_normalizers", "phonetic_encoding",
	"prefix_length", "trigram_min_overlap", "enable_embedding_similarity", "enable_graph_similarity",
	"enable_auto_consolidation", "allow_cross_type_matching", "embedding_model",
	"batch_size", "created_at", "updated_at",
}

// configRow maps a consolidation_configs row; weights, strategy lists and
// normalizer chains live in jsonb columns
type configRow struct {
	ID                        string                              `db:"id"`
	TenantID                  string                              `db:"tenant_id"`
	AutoMergeThreshold        float64                             `db:"auto_merge_threshold"`
	ReviewThreshold           float64                             `db:"review_threshold"`
	MaxBlockSize              int                                 `db:"max_block_size"`
	FeatureWeights            database.JSONB[map[string]float64]  `db:"feature_weights"`
	BlockingStrategies        database.JSONB[[]string]            `db:"blocking_strategies"`
	PropertyNormalizers       database.JSONB[map[string][]string] `db:"property_normalizers"`
	PhoneticEncoding          string                              `db:"phonetic_encoding"`
	PrefixLength              int                                 `db:"prefix_length"`
	TrigramMinOverlap         int                                 `db:"trigram_min_overlap"`
	EnableEmbeddingSimilarity bool                                `db:"enable_embedding_similarity"`
	EnableGraphSimilarity     bool                                `db:"enable_graph_similarity"`
	EnableAutoConsolidation   bool                                `db:"enable_auto_consolidation"`
	AllowCrossTypeMatching    bool                                `db:"allow_cross_type_matching"`
	EmbeddingModel            string                              `db:"embedding_model"`
	BatchSize                 int                                 `db:"batch_size"`
	CreatedAt                 time.Time                           `db:"created_at"`
	UpdatedAt                 time.Time                           `db:"updated_at"`
}

func (row *configRow) toModel() *models.ConsolidationConfig {
	return &models.ConsolidationConfig{
		ID:                        row.ID,
		TenantID:                  row.TenantID,
		AutoMergeThreshold:        row.AutoMergeThreshold,
		ReviewThreshold:           row.ReviewThreshold,
		MaxBlockSize:              row.MaxBlockSize,
		FeatureWeights:            row.FeatureWeights.Data,
		BlockingStrategies:        row.BlockingStrategies.Data,
		PropertyNormalizers:       row.PropertyNormalizers.Data,
		PhoneticEncoding:          models.PhoneticEncoding(row.PhoneticEncoding),
		PrefixLength:              row.PrefixLength,
		TrigramMinOverlap:         row.TrigramMinOverlap,
		EnableEmbeddingSimilarity: row.EnableEmbeddingSimilarity,
		EnableGraphSimilarity:     row.EnableGraphSimilarity,
		EnableAutoConsolidation:   row.EnableAutoConsolidation,
		AllowCrossTypeMatching:    row.AllowCrossTypeMatching,
		EmbeddingModel:            row.EmbeddingModel,
		BatchSize:                 row.BatchSize,
		CreatedAt:                 row.CreatedAt,
		UpdatedAt:                 row.UpdatedAt,
	}
}

// Repository handles consolidation config persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new consolidation config repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Get retrieves a tenant's stored config, returning nil when the tenant has
// never customized anything
func (r *Repository) Get(ctx context.Context, tenantID string) (*models.ConsolidationConfig, error) {
	ctx, span := tracing.StartSpan(ctx, "consolidationconfig.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(configColumns...)
	sb.From("consolidation_configs")
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.Limit(1)

	query, args := sb.Build()
	var row configRow
	if err := database.Conn(ctx, r.db).GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("Failed to get consolidation config")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get consolidation config")
	}

	return row.toModel(), nil
}

// GetOrDefault retrieves a tenant's config, falling back to the documented
// defaults when none is stored. The defaults are not persisted.
func (r *Repository) GetOrDefault(ctx context.Context, tenantID string) (*models.ConsolidationConfig, error) {
	cfg, err := r.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return models.DefaultConsolidationConfig(tenantID), nil
	}
	return cfg, nil
}

// Upsert stores a tenant's config, replacing any existing row
func (r *Repository) Upsert(ctx context.Context, cfg *models.ConsolidationConfig) (*models.ConsolidationConfig, error) {
	ctx, span := tracing.StartSpan(ctx, "consolidationconfig.Repository.Upsert")
	defer span.End()

	now := time.Now().UTC()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("consolidation_configs")
	sb.Cols(configColumns...)
	sb.Values(cfg.ID, cfg.TenantID, cfg.AutoMergeThreshold, cfg.ReviewThreshold, cfg.MaxBlockSize,
		database.JSONB[map[string]float64]{Data: cfg.FeatureWeights},
		database.JSONB[[]string]{Data: cfg.BlockingStrategies},
		database.JSONB[map[string][]string]{Data: cfg.PropertyNormalizers},
		string(cfg.PhoneticEncoding), cfg.PrefixLength,
		cfg.TrigramMinOverlap, cfg.EnableEmbeddingSimilarity, cfg.EnableGraphSimilarity,
		cfg.EnableAutoConsolidation, cfg.AllowCrossTypeMatching, cfg.EmbeddingModel,
		cfg.BatchSize, cfg.CreatedAt, cfg.UpdatedAt)

	query, args := sb.Build()
	query += ` ON CONFLICT (tenant_id) DO UPDATE SET
		auto_merge_threshold = EXCLUDED.auto_merge_threshold,
		review_threshold = EXCLUDED.review_threshold,
		max_block_size = EXCLUDED.max_block_size,
		feature_weights = EXCLUDED.feature_weights,
		blocking_strategies = EXCLUDED.blocking_strategies,
		property_normalizers = EXCLUDED.property_normalizers,
		phonetic_encoding = EXCLUDED.phonetic_encoding,
		prefix_length = EXCLUDED.prefix_length,
		trigram_min_overlap = EXCLUDED.trigram_min_overlap,
		enable_embedding_similarity = EXCLUDED.enable_embedding_similarity,
		enable_graph_similarity = EXCLUDED.enable_graph_similarity,
		enable_auto_consolidation = EXCLUDED.enable_auto_consolidation,
		allow_cross_type_matching = EXCLUDED.allow_cross_type_matching,
		embedding_model = EXCLUDED.embedding_model,
		batch_size = EXCLUDED.batch_size,
		updated_at = EXCLUDED.updated_at`

	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": cfg.TenantID,
		}).Error("Failed to upsert consolidation config")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert consolidation config")
	}

	return cfg, nil
}

// AutoConsolidationTenants lists tenants that opted into scheduled runs
func (r *Repository) AutoConsolidationTenants(ctx context.Context) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "consolidationconfig.Repository.AutoConsolidationTenants")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("tenant_id")
	sb.From("consolidation_configs")
	sb.Where(sb.Equal("enable_auto_consolidation", true))
	sb.OrderBy("tenant_id")

	query, args := sb.Build()
	var tenants []string
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &tenants, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list auto consolidation tenants")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list auto consolidation tenants")
	}

	return tenants, nil
}
