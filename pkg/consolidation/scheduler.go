package consolidation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	appcontext "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// TenantSource lists tenants that opted into scheduled consolidation
type TenantSource interface {
	AutoConsolidationTenants(ctx context.Context) ([]string, error)
}

// Scheduler triggers consolidation runs on a fixed interval for every
// tenant with auto consolidation enabled. Tenants already mid-run are
// skipped; the lease makes scheduled and API-triggered runs safe together.
type Scheduler struct {
	logger   ectologger.Logger
	tenants  TenantSource
	runner   *Runner
	interval time.Duration
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewScheduler creates a consolidation scheduler
func NewScheduler(logger ectologger.Logger, tenants TenantSource, runner *Runner, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		logger:   logger,
		tenants:  tenants,
		runner:   runner,
		interval: interval,
	}
}

// Start begins the scheduling loop
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(ctx)

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"interval": s.interval.String(),
	}).Info("Consolidation scheduler started")
	return nil
}

// Stop cancels the loop and waits for any in-flight pass. A run in progress
// finishes its current block before observing cancellation.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.WithContext(ctx).Info("Scheduler loop stopping")
			return
		case <-ticker.C:
			s.RunPass(ctx)
		}
	}
}

// RunPass runs consolidation once for every opted-in tenant, sequentially.
// Per-tenant failures are logged and do not stop the pass.
func (s *Scheduler) RunPass(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "consolidation.Scheduler.RunPass")
	defer span.End()

	tenants, err := s.tenants.AutoConsolidationTenants(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list scheduled tenants")
		return
	}

	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}

		tenantCtx := appcontext.SetTenantID(ctx, tenantID)
		stats, err := s.runner.Run(tenantCtx, tenantID, "scheduler")
		if err != nil {
			if errors.Is(err, ErrRunInProgress) {
				continue
			}
			s.logger.WithContext(tenantCtx).WithError(err).WithFields(map[string]any{
				"tenant_id": tenantID,
			}).Error("Scheduled consolidation run failed")
			continue
		}

		s.logger.WithContext(tenantCtx).WithFields(map[string]any{
			"tenant_id":   tenantID,
			"auto_merged": stats.AutoMerged,
			"queued":      stats.QueuedForReview,
			"duration":    stats.Duration,
		}).Info("Scheduled consolidation run complete")
	}
}
