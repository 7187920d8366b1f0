// Package mergehistory persists the append-only merge audit log
package mergehistory

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
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var historyColumns = []string{
	"id", "tenant_id", "event_id", "event_type", "canonical_entity_id",
	"affected_entity_ids", "similarity_scores", "merge_reason", "details",
	"performed_by", "performed_at", "undone", "undone_by", "undone_at", "undo_reason",
}

// historyRow maps a merge_history row. The entity id list and feature
// scores live in jsonb columns.
type historyRow struct {
	ID                string                               `db:"id"`
	TenantID          string                               `db:"tenant_id"`
	EventID           string                               `db:"event_id"`
	EventType         string                               `db:"event_type"`
	CanonicalEntityID *string                              `db:"canonical_entity_id"`
	AffectedEntityIDs database.JSONB[[]string]             `db:"affected_entity_ids"`
	Scores            database.JSONB[models.FeatureScores] `db:"similarity_scores"`
	MergeReason       string                               `db:"merge_reason"`
	Details           *string                              `db:"details"`
	PerformedBy       string                               `db:"performed_by"`
	PerformedAt       time.Time                            `db:"performed_at"`
	Undone            bool                                 `db:"undone"`
	UndoneBy          *string                              `db:"undone_by"`
	UndoneAt          *time.Time                           `db:"undone_at"`
	UndoReason        *string                              `db:"undo_reason"`
}

func (row *historyRow) toModel() *models.MergeHistory {
	return &models.MergeHistory{
		ID:                row.ID,
		TenantID:          row.TenantID,
		EventID:           row.EventID,
		EventType:         models.MergeEventType(row.EventType),
		CanonicalEntityID: row.CanonicalEntityID,
		AffectedEntityIDs: row.AffectedEntityIDs.Data,
		Scores:            row.Scores.Data,
		MergeReason:       row.MergeReason,
		Details:           row.Details,
		PerformedBy:       row.PerformedBy,
		PerformedAt:       row.PerformedAt,
		Undone:            row.Undone,
		UndoneBy:          row.UndoneBy,
		UndoneAt:          row.UndoneAt,
		UndoReason:        row.UndoReason,
	}
}

// Repository handles merge history persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new merge history repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Create appends one audit record
func (r *Repository) Create(ctx context.Context, record *models.MergeHistory) (*models.MergeHistory, error) {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.Create")
	defer span.End()

	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.EventID == "" {
		record.EventID = uuid.New().String()
	}
	if record.PerformedAt.IsZero() {
		record.PerformedAt = time.Now().UTC()
	}

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("merge_history")
	sb.Cols(historyColumns...)
	sb.Values(record.ID, record.TenantID, record.EventID, string(record.EventType), record.CanonicalEntityID,
		database.JSONB[[]string]{Data: record.AffectedEntityIDs},
		database.JSONB[models.FeatureScores]{Data: record.Scores},
		record.MergeReason, record.Details,
		record.PerformedBy, record.PerformedAt, record.Undone, record.UndoneBy, record.UndoneAt, record.UndoReason)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":  record.TenantID,
			"event_type": record.EventType,
		}).Error("Failed to create history record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create history record")
	}

	return record, nil
}

// Get retrieves a history record by id, returning nil when no row exists
func (r *Repository) Get(ctx context.Context, tenantID, id string) (*models.MergeHistory, error) {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(historyColumns...)
	sb.From("merge_history")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
	)
	sb.Limit(1)

	query, args := sb.Build()
	var row historyRow
	if err := database.Conn(ctx, r.db).GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":  tenantID,
			"history_id": id,
		}).Error("Failed to get history record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get history record")
	}

	return row.toModel(), nil
}

// MarkUndone sets the undo block on a merge record. The record must still
// be an active merge; anything else reports ErrNotUndoable.
func (r *Repository) MarkUndone(ctx context.Context, tenantID, id, undoneBy string, reason *string) error {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.MarkUndone")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("merge_history")
	sb.Set(
		sb.Assign("undone", true),
		sb.Assign("undone_by", undoneBy),
		sb.Assign("undone_at", time.Now().UTC()),
		sb.Assign("undo_reason", reason),
	)
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("id", id),
		sb.Equal("event_type", string(models.MergeEventEntitiesMerged)),
		sb.Equal("undone", false),
	)

	query, args := sb.Build()
	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id":  tenantID,
			"history_id": id,
		}).Error("Failed to mark history record undone")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark history record undone")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return merging.ErrNotUndoable
	}

	return nil
}

// ListOptions filters and pages List queries
type ListOptions struct {
	EntityID  string
	EventType string
	Page      int
	PageSize  int
}

// List returns a page of a tenant's history, newest first, plus the
// unpaged total. EntityID matches any record the entity participated in.
func (r *Repository) List(ctx context.Context, tenantID string, opts ListOptions) ([]models.MergeHistory, int, error) {
	ctx, span := tracing.StartSpan(ctx, "mergehistory.Repository.List")
	defer span.End()

	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.PageSize < 1 || opts.PageSize > 500 {
		opts.PageSize = 50
	}

	where := func(sb *sqlbuilder.SelectBuilder) []string {
		conds := []string{sb.Equal("tenant_id", tenantID)}
		if opts.EventType != "" {
			conds = append(conds, sb.Equal("event_type", opts.EventType))
		}
		if opts.EntityID != "" {
			conds = append(conds, sb.Or(
				sb.Equal("canonical_entity_id", opts.EntityID),
				"affected_entity_ids @> "+sb.Var(database.JSONB[[]string]{Data: []string{opts.EntityID}}),
			))
		}
		return conds
	}

	countSb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countSb.Select("COUNT(*)")
	countSb.From("merge_history")
	countSb.Where(where(countSb)...)

	query, args := countSb.Build()
	var total int
	if err := database.Conn(ctx, r.db).GetContext(ctx, &total, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count history records")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list history records")
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select(historyColumns...)
	sb.From("merge_history")
	sb.Where(where(sb)...)
	sb.OrderBy("performed_at DESC", "id ASC")
	sb.Limit(opts.PageSize)
	sb.Offset((opts.Page - 1) * opts.PageSize)

	query, args = sb.Build()
	var rows []historyRow
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list history records")
		return nil, 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list history records")
	}

	records := make([]models.MergeHistory, len(rows))
	for i := range rows {
		records[i] = *rows[i].toModel()
	}

	return records, total, nil
}
