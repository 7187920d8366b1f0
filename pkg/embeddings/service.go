package embeddings

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Service pairs the provider with the cache. Consolidation runs warm a
// block's entities up front, then scoring reads vectors through Vector.
type Service struct {
	provider *Provider
	cache    *Cache
	logger   ectologger.Logger
}

// NewService creates the embedding service
func NewService(provider *Provider, cache *Cache, logger ectologger.Logger) *Service {
	return &Service{
		provider: provider,
		cache:    cache,
		logger:   logger,
	}
}

// Vector returns the cached embedding for an entity, or false when none is
// available. Satisfies the scoring side's embedding lookup.
func (s *Service) Vector(ctx context.Context, tenantID, entityID string) ([]float32, bool) {
	return s.cache.Get(ctx, tenantID, entityID)
}

// Invalidate drops the cached vector for an entity
func (s *Service) Invalidate(ctx context.Context, tenantID, entityID string) error {
	return s.cache.Invalidate(ctx, tenantID, entityID)
}

// Warm ensures every entity in the slice has a cached embedding, calling
// the provider only for misses. Provider failures are logged and the
// affected entities are scored without the embedding feature.
func (s *Service) Warm(ctx context.Context, tenantID string, entities []*models.Entity) {
	ctx, span := tracing.StartSpan(ctx, "embeddings.Service.Warm")
	defer span.End()

	var misses []*models.Entity
	for _, entity := range entities {
		if len(entity.Embedding) > 0 {
			continue
		}
		if vector, ok := s.cache.Get(ctx, tenantID, entity.ID); ok {
			entity.Embedding = vector
			continue
		}
		misses = append(misses, entity)
	}
	if len(misses) == 0 {
		return
	}

	generated := make(map[string][]float32, len(misses))
	for _, entity := range misses {
		text := entity.NormalizedName
		if text == "" {
			text = entity.Name
		}
		vector, err := s.provider.Embed(ctx, text)
		if err != nil {
			s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"tenant_id": tenantID,
				"entity_id": entity.ID,
			}).Warn("Embedding generation failed, scoring without the feature")
			continue
		}
		entity.Embedding = vector
		generated[entity.ID] = vector
	}
	s.cache.SetBatch(ctx, tenantID, generated)
}
