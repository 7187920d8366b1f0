// Package runlease enforces single-run-per-tenant consolidation
package runlease

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository handles run lease persistence
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new run lease repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Acquire takes the tenant's lease, reclaiming an expired one in the same
// statement. Returns false when a live lease is held by another run.
func (r *Repository) Acquire(ctx context.Context, lease *models.RunLease) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "runlease.Repository.Acquire")
	defer span.End()

	query := `
		INSERT INTO run_leases (tenant_id, run_id, acquired_by, acquired_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			acquired_by = EXCLUDED.acquired_by,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		WHERE run_leases.expires_at < EXCLUDED.acquired_at
	`

	result, err := database.Conn(ctx, r.db).ExecContext(ctx, query,
		lease.TenantID, lease.RunID, lease.AcquiredBy, lease.AcquiredAt, lease.ExpiresAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": lease.TenantID,
			"run_id":    lease.RunID,
		}).Error("Failed to acquire run lease")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to acquire run lease")
	}

	rows, _ := result.RowsAffected()
	return rows > 0, nil
}

// Renew extends the lease expiry, but only for the run that holds it.
// Long runs renew between batches so the lease outlives the TTL.
func (r *Repository) Renew(ctx context.Context, tenantID, runID string, expiresAt time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "runlease.Repository.Renew")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("run_leases")
	sb.Set(sb.Assign("expires_at", expiresAt))
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("run_id", runID),
	)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"run_id":    runID,
		}).Error("Failed to renew run lease")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to renew run lease")
	}

	return nil
}

// Release drops the lease, but only for the run that holds it. A stale
// releaser must never evict a newer run's lease.
func (r *Repository) Release(ctx context.Context, tenantID, runID string) error {
	ctx, span := tracing.StartSpan(ctx, "runlease.Repository.Release")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewDeleteBuilder()
	sb.DeleteFrom("run_leases")
	sb.Where(
		sb.Equal("tenant_id", tenantID),
		sb.Equal("run_id", runID),
	)

	query, args := sb.Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
			"run_id":    runID,
		}).Error("Failed to release run lease")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to release run lease")
	}

	return nil
}

// Get retrieves the tenant's current lease, returning nil when no run
// holds one
func (r *Repository) Get(ctx context.Context, tenantID string) (*models.RunLease, error) {
	ctx, span := tracing.StartSpan(ctx, "runlease.Repository.Get")
	defer span.End()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("tenant_id", "run_id", "acquired_by", "acquired_at", "expires_at")
	sb.From("run_leases")
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.Limit(1)

	query, args := sb.Build()
	var lease models.RunLease
	if err := database.Conn(ctx, r.db).GetContext(ctx, &lease, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("Failed to get run lease")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get run lease")
	}

	return &lease, nil
}
