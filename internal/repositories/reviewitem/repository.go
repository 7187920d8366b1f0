// Package reviewitem persists the human review queue
package reviewitem

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

var reviewColumns = []string{
	"id", "tenant_id", "entity_a_id", "entity_b_id", "confidence", "similarity_scores",
	"status", "review_priority", "reviewed_by", "review_notes", "reviewed_at",
	"created_at", "updated_at",
}

// reviewRow maps a merge_review_items row; feature scores live in jsonb
type reviewRow struct {
	ID             string                               `db:"id"`
	TenantID       string                               `db:"tenant_id"`
	EntityAID      string                               `db:"entity_a_id"`
	EntityBID      string                               `db:"entity_b_id"`
	Confidence     float64                              `db:"confidence"`
	Scores         database.JSONB[models.FeatureScores] `db:"similarity_scores"`
	Status         string                               `db:"status"`
	ReviewPriority float64                              `db:"review_priority"`
	ReviewedBy     *string                              `db:"reviewed_by"`
	ReviewNotes    *string                              `db:"review_notes"`
	ReviewedAt     *time.Time                           `db:"reviewed_at"`
	CreatedAt      time.Time                            `db:"created_at"`
	UpdatedAt      time.Time                            `db:"updated_at"`
}

func (row *reviewRow) toModel() *models.MergeReviewItem {
	return &models.MergeReviewItem{
		ID:             row.ID,
		TenantID:       row.TenantID,
		EntityAID:      row.EntityAID,
		EntityBID:      row.EntityBID,
		Confidence:     row.Confidence,
		Scores:         row.Scores.Data,
		Status:         models.ReviewStatus(row.Status),
		ReviewPriority: row.ReviewPriority,
		ReviewedBy:     row.ReviewedBy,
		ReviewNotes:    row.ReviewNotes,
		ReviewedAt:     row.ReviewedAt,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

// Repository handles review queue persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new review item repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// EnqueuePending inserts a pending item unless one already exists for the
// same pair, reporting whether anything was created. Consolidation runs
// rediscover the same ambiguous pairs on every pass; the partial unique
// index keeps the queue free of duplicates.
func (r *Repository) EnqueuePending(ctx context.Context, item *models.MergeReviewItem) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewitem.Repository.EnqueuePending")
	defer span.End()

	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	item.Status = models.ReviewStatusPending
	item.CreatedAt = now
	item.UpdatedAt = now

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("merge_review_items")
	sb.Cols(reviewColumns...)
	sb.Values(item.ID, item.TenantID, item.EntityAID, item.EntityBID, item.Confidence,
		database.JSONB[models.FeatureScores]{Data: item.Scores},
		string(item.Status), item.ReviewPriority, item.ReviewedBy, item.ReviewNotes, item.ReviewedAt,
		item.CreatedAt, item.UpdatedAt)

	query, args := sb.Build()
	query += ` ON CONFLICT (tenant_id, entity_a_id, entity_b_id) WHERE status = 'PENDING' DO NOTHING`

	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":   item.TenantID,
			"entity_a_id": item.EntityAID,
			"entity_b_id": item.EntityBID,
		}).Error("Failed to enqueue review item")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to enqueue review item")
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// Get retrieves a review item by id, returning nil when no row exists
func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.MergeReviewItem, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewitem.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(reviewColumns...)
	sb.From("merge_review_items")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var row reviewRow
	if err := database.Conn(ctx, r.db).GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":      tenantID,
			"review_item_id": id,
		}).Error("Failed to get review item")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get review item")
	}

	return row.toModel(), nil
}

// ListOptions filters and pages List queries
type ListOptions struct {
	Status   string
	Page     int
	PageSize int
}

// List returns a page of a tenant's review items ordered most ambiguous
// first, plus the unpaged total
func (r *Repository) List(ctx context.Context, tenantID string, opts ListOptions) ([]models.MergeReviewItem, int, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewitem.Repository.List")
	defer span.End()

	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 || opts.PageSize > 500 {
		opts.PageSize = 50
	}

	where := func(sb *sqlbuilder.SelectBuilder) []string {
		conds := []string{sb.Equal("tenant_id", tenantID)}
		if opts.Status != "" {
			conds = append(conds, sb.Equal("status", opts.Status))
		}
		return conds
	}

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From("merge_review_items")
	countSb.Where(where(countSb)...)

	query, args := countSb.Build()
	var total int
	if err := database.Conn(ctx, r.db).GetContext(ctx, &total, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count review items")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list review items")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(reviewColumns...)
	sb.From("merge_review_items")
	sb.Where(where(sb)...)
	sb.OrderBy("review_priority DESC", "created_at ASC", "id ASC")
	sb.Limit(opts.PageSize)
	sb.Offset((opts.Page - 1) * opts.PageSize)

	query, args = sb.Build()
	var rows []reviewRow
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list review items")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list review items")
	}

	items := make([]models.MergeReviewItem, len(rows))
	for i := range rows {
		items[i] = *rows[i].toModel()
	}

	return items, total, nil
}

// Resolve transitions an actionable item to the given status and stamps the
// reviewer. Returns nil when the item is missing or already resolved.
func (r *Repository) Resolve(ctx context.Context, tenantID, id string, status models.ReviewStatus, reviewedBy string, notes *string) (*models.MergeReviewItem, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewitem.Repository.Resolve")
	defer span.End()

	now := time.Now().UTC()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("merge_review_items")
	sb.Set(
		sb.Assign("status", string(status)),
		sb.Assign("reviewed_by", reviewedBy),
		sb.Assign("review_notes", notes),
		sb.Assign("reviewed_at", now),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
		sb.In("status", string(models.ReviewStatusPending), string(models.ReviewStatusDeferred)),
	)

	query, args := sb.Build()
	query += " RETURNING " + columnList()

	var row reviewRow
	if err := database.Conn(ctx, r.db).GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":      tenantID,
			"review_item_id": id,
			"status":         status,
		}).Error("Failed to resolve review item")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to resolve review item")
	}

	return row.toModel(), nil
}

// Requeue returns a deferred item to the pending queue. Returns nil when
// the item is missing or not deferred.
func (r *Repository) Requeue(ctx context.Context, tenantID, id string) (*models.MergeReviewItem, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewitem.Repository.Requeue")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("merge_review_items")
	sb.Set(
		sb.Assign("status", string(models.ReviewStatusPending)),
		"reviewed_by = NULL",
		"review_notes = NULL",
		"reviewed_at = NULL",
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
		sb.Equal("status", string(models.ReviewStatusDeferred)),
	)

	query, args := sb.Build()
	query += " RETURNING " + columnList()

	var row reviewRow
	if err := database.Conn(ctx, r.db).GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":      tenantID,
			"review_item_id": id,
		}).Error("Failed to requeue review item")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to requeue review item")
	}

	return row.toModel(), nil
}

// ExpireOlderThan marks pending items created before the cutoff as expired,
// returning how many were swept
func (r *Repository) ExpireOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewitem.Repository.ExpireOlderThan")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("merge_review_items")
	sb.Set(
		sb.Assign("status", string(models.ReviewStatusExpired)),
		sb.Assign("updated_at", time.Now().UTC()),
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("status", string(models.ReviewStatusPending)),
		sb.LessThan("created_at", cutoff),
	)

	query, args := sb.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("Failed to expire review items")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to expire review items")
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// Tenants returns every tenant with at least one pending review item.
// The expiry sweeper iterates these.
func (r *Repository) Tenants(ctx context.Context) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "reviewitem.Repository.Tenants")
	defer span.End()

	query := `SELECT DISTINCT tenant_id FROM merge_review_items WHERE status = 'PENDING' ORDER BY tenant_id`

	var tenants []string
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &tenants, query); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list review tenants")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list review tenants")
	}

	return tenants, nil
}

func columnList() string {
	out := reviewColumns[0]
	for _, col := range reviewColumns[1:] {
		out += ", " + col
	}
	return out
}
