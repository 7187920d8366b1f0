package blocking

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EntityIndex is the read side of the blocking key index. Implementations
// must only return canonical, non-deleted entities belonging to the tenant.
type EntityIndex interface {
	CanonicalByBlockingKey(ctx context.Context, tenantID, strategy, key string) ([]*models.Entity, error)
}

// BlockResult describes one entity's candidate block
type BlockResult struct {
	EntityID       string           `json:"entity_id"`
	Candidates     []*models.Entity `json:"candidates"`
	StrategiesUsed []string         `json:"strategies_used"`
	BlockSizes     map[string]int   `json:"block_sizes"`
	Truncated      bool             `json:"truncated"`
	ExecutionTime  time.Duration    `json:"execution_time"`
}

// Engine unions candidates across the tenant's enabled strategies and caps
// the block deterministically
type Engine struct {
	index  EntityIndex
	logger ectologger.Logger
}

// NewEngine creates a blocking engine
func NewEngine(index EntityIndex, logger ectologger.Logger) *Engine {
	return &Engine{
		index:  index,
		logger: logger,
	}
}

// FindCandidates produces the candidate block for one canonical entity.
// Aliases and cross-tenant entities never appear in the result. When the
// true block exceeds max_block_size the result is truncated on a stable
// entity id ordering and flagged, never silently dropped.
func (e *Engine) FindCandidates(ctx context.Context, entity *models.Entity, config *models.ConsolidationConfig) (*BlockResult, error) {
	ctx, span := tracing.StartSpan(ctx, "blocking.Engine.FindCandidates")
	defer span.End()

	start := time.Now()

	result := &BlockResult{
		EntityID:   entity.ID,
		Candidates: []*models.Entity{},
		BlockSizes: map[string]int{},
	}

	if entity.IsAlias() {
		// aliases are excluded from resolution entirely
		result.ExecutionTime = time.Since(start)
		return result, nil
	}

	union := map[string]*models.Entity{}

	for _, strategy := range StrategiesFor(config) {
		matched, err := e.runStrategy(ctx, entity, strategy)
		if err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"tenant_id": entity.TenantID,
				"entity_id": entity.ID,
				"strategy":  strategy.Name(),
			}).Error("Blocking strategy query failed")
			return nil, fmt.Errorf("blocking strategy %s failed for entity %s: %w", strategy.Name(), entity.ID, err)
		}

		result.StrategiesUsed = append(result.StrategiesUsed, strategy.Name())
		result.BlockSizes[strategy.Name()] = len(matched)

		for id, candidate := range matched {
			union[id] = candidate
		}
	}

	ids := make([]string, 0, len(union))
	for id := range union {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	maxBlock := config.MaxBlockSize
	if maxBlock <= 0 {
		maxBlock = models.DefaultMaxBlockSize
	}
	if len(ids) > maxBlock {
		ids = ids[:maxBlock]
		result.Truncated = true
	}

	for _, id := range ids {
		result.Candidates = append(result.Candidates, union[id])
	}

	result.ExecutionTime = time.Since(start)

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":  entity.TenantID,
		"entity_id":  entity.ID,
		"candidates": len(result.Candidates),
		"truncated":  result.Truncated,
		"elapsed":    result.ExecutionTime,
	}).Debug("Blocking complete")

	return result, nil
}

// FindCandidatesBatch computes blocks for many entities with identical
// per-entity semantics. A failing entity is skipped and reported in the
// error map rather than aborting the whole batch.
func (e *Engine) FindCandidatesBatch(ctx context.Context, entities []*models.Entity, config *models.ConsolidationConfig) (map[string]*BlockResult, map[string]error) {
	ctx, span := tracing.StartSpan(ctx, "blocking.Engine.FindCandidatesBatch")
	defer span.End()

	results := make(map[string]*BlockResult, len(entities))
	failures := map[string]error{}

	for _, entity := range entities {
		result, err := e.FindCandidates(ctx, entity, config)
		if err != nil {
			failures[entity.ID] = err
			continue
		}
		results[entity.ID] = result
	}

	return results, failures
}

// runStrategy queries the index for every key the strategy produces and
// returns qualifying candidates keyed by id
func (e *Engine) runStrategy(ctx context.Context, entity *models.Entity, strategy Strategy) (map[string]*models.Entity, error) {
	keys := strategy.Keys(entity)
	if len(keys) == 0 {
		return nil, nil
	}

	matched := map[string]*models.Entity{}
	hitCounts := map[string]int{}

	for _, key := range keys {
		candidates, err := e.index.CanonicalByBlockingKey(ctx, entity.TenantID, strategy.Name(), key)
		if err != nil {
			return nil, err
		}
		for _, candidate := range candidates {
			if !e.admissible(entity, candidate) {
				continue
			}
			hitCounts[candidate.ID]++
			matched[candidate.ID] = candidate
		}
	}

	// trigram blocks require a minimum key overlap, one shared gram is noise
	if trigram, ok := strategy.(*TrigramStrategy); ok && trigram.MinOverlap > 1 {
		for id, hits := range hitCounts {
			if hits < trigram.MinOverlap {
				delete(matched, id)
			}
		}
	}

	return matched, nil
}

// admissible enforces the blocking purity rules regardless of what the
// index returned
func (e *Engine) admissible(entity, candidate *models.Entity) bool {
	if candidate.ID == entity.ID {
		return false
	}
	if candidate.TenantID != entity.TenantID {
		return false
	}
	if candidate.IsAlias() || !candidate.IsCanonical {
		return false
	}
	if candidate.DeletedAt != nil {
		return false
	}
	return true
}
