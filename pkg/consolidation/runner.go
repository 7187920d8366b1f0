// Package consolidation orchestrates full resolution runs: blocking,
// scoring, policy dispatch and merge application for one tenant at a time
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/blocking"
	appcontext "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/policy"
	"github.com/Ramsey-B/fern/pkg/scoring"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// DefaultLeaseTTL bounds how long a crashed run blocks its tenant
const DefaultLeaseTTL = 30 * time.Minute

// DefaultWorkers is the per-run block processing concurrency
const DefaultWorkers = 4

// ConfigSource loads a tenant's consolidation config, falling back to
// defaults when the tenant has never saved one
type ConfigSource interface {
	GetOrDefault(ctx context.Context, tenantID string) (*models.ConsolidationConfig, error)
}

// EntityLister pages through a tenant's canonical entities in stable id
// order, returning entities with ids strictly after the cursor
type EntityLister interface {
	ListCanonicalPage(ctx context.Context, tenantID, afterID string, limit int) ([]*models.Entity, error)
}

// LeaseStore enforces single-run-per-tenant execution
type LeaseStore interface {
	// Acquire returns false when a live lease is held by another run
	Acquire(ctx context.Context, lease *models.RunLease) (bool, error)
	// Renew extends the expiry for the run holding the lease
	Renew(ctx context.Context, tenantID, runID string, expiresAt time.Time) error
	Release(ctx context.Context, tenantID, runID string) error
}

// ReviewQueue enqueues ambiguous pairs for human adjudication
type ReviewQueue interface {
	// EnqueuePending creates the item unless a pending item for the same
	// pair already exists, returning whether anything was created
	EnqueuePending(ctx context.Context, item *models.MergeReviewItem) (bool, error)
}

// Merger applies one merge atomically
type Merger interface {
	Merge(ctx context.Context, a, b *models.Entity, scores models.FeatureScores, reason, performedBy string) (*merging.MergeOutcome, error)
}

// EmbeddingWarmer pre-generates embeddings for a batch before scoring
type EmbeddingWarmer interface {
	Warm(ctx context.Context, tenantID string, entities []*models.Entity)
}

// Runner drives consolidation runs end to end
type Runner struct {
	logger     ectologger.Logger
	configs    ConfigSource
	entities   EntityLister
	leases     LeaseStore
	blocker    *blocking.Engine
	scorer     *scoring.Scorer
	merger     Merger
	reviews    ReviewQueue
	embeddings EmbeddingWarmer
	workers    int
	leaseTTL   time.Duration
}

// RunnerOptions tunes run execution
type RunnerOptions struct {
	// Workers is the block processing concurrency, DefaultWorkers when zero
	Workers int
	// LeaseTTL is the run lease lifetime, DefaultLeaseTTL when zero
	LeaseTTL time.Duration
}

// NewRunner creates a consolidation runner. The embedding warmer is
// optional; without one the cosine feature relies on pre-attached vectors.
func NewRunner(
	logger ectologger.Logger,
	configs ConfigSource,
	entities EntityLister,
	leases LeaseStore,
	blocker *blocking.Engine,
	scorer *scoring.Scorer,
	merger Merger,
	reviews ReviewQueue,
	embeddings EmbeddingWarmer,
	opts RunnerOptions,
) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultLeaseTTL
	}
	return &Runner{
		logger:     logger,
		configs:    configs,
		entities:   entities,
		leases:     leases,
		blocker:    blocker,
		scorer:     scorer,
		merger:     merger,
		reviews:    reviews,
		embeddings: embeddings,
		workers:    opts.Workers,
		leaseTTL:   opts.LeaseTTL,
	}
}

// runState carries the mutable counters shared by the run's workers
type runState struct {
	mu     sync.Mutex
	stats  models.RunStats
	config *models.ConsolidationConfig
}

// Run executes one full consolidation pass for a tenant. Exactly one run
// per tenant executes at a time; a second caller gets ErrRunInProgress.
// Cancelling the context stops the run at the next block boundary, leaving
// every already-applied merge in place.
func (r *Runner) Run(ctx context.Context, tenantID, triggeredBy string) (*models.RunStats, error) {
	ctx, span := tracing.StartSpan(ctx, "consolidation.Runner.Run")
	defer span.End()

	config, err := r.configs.GetOrDefault(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load consolidation config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	runID := uuid.New().String()
	ctx = appcontext.SetRunID(ctx, runID)

	now := time.Now().UTC()
	acquired, err := r.leases.Acquire(ctx, &models.RunLease{
		TenantID:   tenantID,
		RunID:      runID,
		AcquiredBy: triggeredBy,
		AcquiredAt: now,
		ExpiresAt:  now.Add(r.leaseTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acquire run lease: %w", err)
	}
	if !acquired {
		return nil, ErrRunInProgress
	}
	defer func() {
		if err := r.leases.Release(context.WithoutCancel(ctx), tenantID, runID); err != nil {
			r.logger.WithContext(ctx).WithError(err).Warn("Failed to release run lease")
		}
	}()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": tenantID,
		"run_id":    runID,
	})
	log.Info("Consolidation run started")

	state := &runState{config: config}
	state.stats.RunID = runID
	state.stats.TenantID = tenantID
	state.stats.StartedAt = now

	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = models.DefaultBatchSize
	}

	// keyset cursor: merges shrink the canonical set while the run walks
	// it, so offset paging would skip entities behind every merged batch
	afterID := ""
	for {
		if ctx.Err() != nil {
			state.stats.Cancelled = true
			break
		}

		batch, err := r.entities.ListCanonicalPage(ctx, tenantID, afterID, batchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list entities after %q: %w", afterID, err)
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		if r.embeddings != nil && config.EnableEmbeddingSimilarity {
			r.embeddings.Warm(ctx, tenantID, batch)
		}

		r.processBatch(ctx, batch, state)

		if ctx.Err() != nil {
			state.stats.Cancelled = true
			break
		}

		// keep the lease alive across long runs
		if err := r.leases.Renew(ctx, tenantID, runID, time.Now().UTC().Add(r.leaseTTL)); err != nil {
			log.WithError(err).Warn("Failed to renew run lease")
		}
	}

	state.stats.CompletedAt = time.Now().UTC()
	state.stats.Duration = state.stats.CompletedAt.Sub(state.stats.StartedAt)

	log.WithFields(map[string]any{
		"entities_processed":   state.stats.EntitiesProcessed,
		"candidates_evaluated": state.stats.CandidatesEvaluated,
		"auto_merged":          state.stats.AutoMerged,
		"queued_for_review":    state.stats.QueuedForReview,
		"rejected":             state.stats.Rejected,
		"merge_conflicts":      state.stats.MergeConflicts,
		"blocks_failed":        state.stats.BlocksFailed,
		"cancelled":            state.stats.Cancelled,
		"duration":             state.stats.Duration,
	}).Info("Consolidation run complete")

	stats := state.stats
	return &stats, nil
}

// processBatch fans the batch's entities out over the worker pool. Workers
// observe cancellation between entities, never mid-merge.
func (r *Runner) processBatch(ctx context.Context, batch []*models.Entity, state *runState) {
	work := make(chan *models.Entity)
	var wg sync.WaitGroup

	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for entity := range work {
				if ctx.Err() != nil {
					continue
				}
				r.processEntity(ctx, entity, state)
			}
		}()
	}

	for _, entity := range batch {
		work <- entity
	}
	close(work)
	wg.Wait()
}

// processEntity runs blocking, scoring and policy dispatch for one query
// entity. Each unordered pair is evaluated once per run: the lower entity
// id owns the pair.
func (r *Runner) processEntity(ctx context.Context, entity *models.Entity, state *runState) {
	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": entity.TenantID,
		"entity_id": entity.ID,
	})

	block, err := r.blocker.FindCandidates(ctx, entity, state.config)
	if err != nil && ctx.Err() == nil {
		// one retry before the block is skipped
		block, err = r.blocker.FindCandidates(ctx, entity, state.config)
	}
	if err != nil {
		log.WithError(err).Error("Blocking failed for entity")
		state.mu.Lock()
		state.stats.BlocksFailed++
		state.mu.Unlock()
		return
	}

	state.mu.Lock()
	state.stats.EntitiesProcessed++
	if block.Truncated {
		state.stats.BlocksTruncated++
	}
	state.mu.Unlock()

	for _, candidate := range block.Candidates {
		if ctx.Err() != nil {
			return
		}
		if entity.ID >= candidate.ID {
			continue
		}

		pair := r.scorer.ScorePair(ctx, entity, candidate, state.config)
		if pair == nil {
			continue
		}

		state.mu.Lock()
		state.stats.CandidatesEvaluated++
		state.mu.Unlock()

		r.dispatch(ctx, entity, candidate, pair, state, log)
	}
}

// dispatch applies the policy decision for one scored pair
func (r *Runner) dispatch(ctx context.Context, a, b *models.Entity, pair *models.CandidatePair, state *runState, log ectologger.Logger) {
	switch policy.Classify(pair.Confidence, state.config) {
	case policy.DecisionAutoMerge:
		_, err := r.merger.Merge(ctx, a, b, pair.Scores, models.MergeReasonAutoHighConfidence, "system")
		if err != nil {
			state.mu.Lock()
			if errors.Is(err, merging.ErrMergeConflict) || errors.Is(err, merging.ErrEntityNotFound) {
				// the pair moved since blocking, a later run rediscovers it
				state.stats.MergeConflicts++
			}
			state.mu.Unlock()
			log.WithError(err).WithFields(map[string]any{
				"entity_a_id": a.ID,
				"entity_b_id": b.ID,
			}).Warn("Auto merge not applied")
			return
		}
		state.mu.Lock()
		state.stats.AutoMerged++
		state.mu.Unlock()

	case policy.DecisionReview:
		created, err := r.reviews.EnqueuePending(ctx, &models.MergeReviewItem{
			TenantID:       a.TenantID,
			EntityAID:      a.ID,
			EntityBID:      b.ID,
			Confidence:     pair.Confidence,
			Scores:         pair.Scores,
			Status:         models.ReviewStatusPending,
			ReviewPriority: models.ReviewPriority(pair.Confidence),
		})
		if err != nil {
			log.WithError(err).WithFields(map[string]any{
				"entity_a_id": a.ID,
				"entity_b_id": b.ID,
			}).Warn("Failed to enqueue review item")
			return
		}
		if created {
			state.mu.Lock()
			state.stats.QueuedForReview++
			state.mu.Unlock()
		}

	case policy.DecisionReject:
		state.mu.Lock()
		state.stats.Rejected++
		state.mu.Unlock()
	}
}
