// Package sweeper expires stale review items on a fixed interval
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	appcontext "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ReviewStore is the slice of the review item repository the sweeper needs
type ReviewStore interface {
	Tenants(ctx context.Context) ([]string, error)
	ExpireOlderThan(ctx context.Context, tenantID string, cutoff time.Time) (int64, error)
}

// Sweeper periodically expires pending review items older than the
// configured TTL so the queue never accumulates pairs nobody will look at
type Sweeper struct {
	logger   ectologger.Logger
	reviews  ReviewStore
	ttl      time.Duration
	interval time.Duration
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

// NewSweeper creates a review item sweeper. A non-positive ttl disables
// expiry entirely.
func NewSweeper(logger ectologger.Logger, reviews ReviewStore, ttl, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		logger:   logger,
		reviews:  reviews,
		ttl:      ttl,
		interval: interval,
	}
}

// Start begins the sweep loop
func (s *Sweeper) Start(ctx context.Context) error {
	if s.ttl <= 0 {
		s.logger.WithContext(ctx).Info("Review item expiry disabled")
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.sweepLoop(ctx)

	s.logger.WithContext(ctx).WithFields(map[string]any{
		"ttl":      s.ttl.String(),
		"interval": s.interval.String(),
	}).Info("Review item sweeper started")
	return nil
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.WithContext(ctx).Info("Sweeper loop stopping")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.WithContext(ctx).WithError(err).Error("Review item sweep failed")
			}
		}
	}
}

// SweepOnce expires stale pending items across all tenants and returns the
// total number of items expired
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "sweeper.Sweeper.SweepOnce")
	defer span.End()

	tenants, err := s.reviews.Tenants(ctx)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Error("Failed to list tenants with pending reviews")
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-s.ttl)

	var total int64
	for _, tenantID := range tenants {
		tenantCtx := appcontext.SetTenantID(ctx, tenantID)

		count, err := s.reviews.ExpireOlderThan(tenantCtx, tenantID, cutoff)
		if err != nil {
			// keep sweeping the remaining tenants
			s.logger.WithContext(tenantCtx).WithError(err).WithFields(map[string]any{
				"tenant_id": tenantID,
			}).Error("Failed to expire review items")
			continue
		}
		if count > 0 {
			s.logger.WithContext(tenantCtx).WithFields(map[string]any{
				"tenant_id": tenantID,
				"count":     count,
			}).Info("Expired stale review items")
		}
		total += count
	}

	return total, nil
}
