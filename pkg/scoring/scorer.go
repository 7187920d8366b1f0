package scoring

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/phonetics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// EmbeddingSource supplies embedding vectors for entities. A false return
// means no vector is available; the feature is skipped, never zeroed.
type EmbeddingSource interface {
	Vector(ctx context.Context, tenantID, entityID string) ([]float32, bool)
}

// NeighborSource supplies the adjacent entity ids of an entity in the
// knowledge graph
type NeighborSource interface {
	Neighbors(ctx context.Context, tenantID, entityID string) ([]string, error)
}

// Scorer computes per-feature similarity and combined confidence for
// candidate pairs. The embedding and neighbor sources are optional; absent
// sources simply make their features uncomputable.
type Scorer struct {
	embeddings EmbeddingSource
	neighbors  NeighborSource
	logger     ectologger.Logger
}

// NewScorer creates a scorer. Pass nil for sources the deployment does not
// provide.
func NewScorer(embeddings EmbeddingSource, neighbors NeighborSource, logger ectologger.Logger) *Scorer {
	return &Scorer{
		embeddings: embeddings,
		neighbors:  neighbors,
		logger:     logger,
	}
}

// ScorePair scores one candidate pairing. Entities of different types
// return a nil pair unless the tenant relaxes type matching. Feature
// computation failures degrade that feature to "not computed" and never
// fail the pair.
func (s *Scorer) ScorePair(ctx context.Context, a, b *models.Entity, config *models.ConsolidationConfig) *models.CandidatePair {
	ctx, span := tracing.StartSpan(ctx, "scoring.Scorer.ScorePair")
	defer span.End()

	if a.EntityType != b.EntityType && !config.AllowCrossTypeMatching {
		return nil
	}

	pair := &models.CandidatePair{
		TenantID:  a.TenantID,
		EntityAID: a.ID,
		EntityBID: b.ID,
	}

	exact := 0.0
	if a.NormalizedName != "" && a.NormalizedName == b.NormalizedName {
		exact = 1.0
	}
	pair.Scores.Set(models.FeatureNormalizedExact, exact)

	pair.Scores.Set(models.FeatureStringSimilarity, JaroWinkler(a.NormalizedName, b.NormalizedName))

	algorithm := string(config.PhoneticEncoding)
	phonetic := 0.0
	codeA := phonetics.Encode(algorithm, a.NormalizedName)
	if codeA != "" && codeA == phonetics.Encode(algorithm, b.NormalizedName) {
		phonetic = 1.0
	}
	pair.Scores.Set(models.FeaturePhoneticMatch, phonetic)

	if config.EnableEmbeddingSimilarity {
		if vecA, vecB, ok := s.vectorsFor(ctx, a, b); ok {
			pair.Scores.Set(models.FeatureEmbeddingCosine, RescaledCosine(vecA, vecB))
		}
	}

	if config.EnableGraphSimilarity && s.neighbors != nil {
		if overlap, ok := s.neighborOverlap(ctx, a, b); ok {
			pair.Scores.Set(models.FeatureGraphSimilarity, overlap)
		}
	}

	pair.Confidence = Combine(&pair.Scores, config)
	return pair
}

// Combine applies the weighted average over computable features only. A
// pair with zero computable weight has confidence 0.0 by definition.
func Combine(scores *models.FeatureScores, config *models.ConsolidationConfig) float64 {
	var weightedSum float64
	var totalWeight float64

	for _, feature := range models.KnownFeatures {
		score, ok := scores.Get(feature)
		if !ok {
			continue
		}
		weight := config.GetWeight(feature)
		weightedSum += score * weight
		totalWeight += weight
	}

	if totalWeight == 0 {
		return 0.0
	}

	return weightedSum / totalWeight
}

// vectorsFor resolves both entities' embedding vectors, preferring vectors
// already attached to the entity over a source lookup
func (s *Scorer) vectorsFor(ctx context.Context, a, b *models.Entity) ([]float32, []float32, bool) {
	vecA := a.Embedding
	vecB := b.Embedding

	if len(vecA) == 0 && s.embeddings != nil {
		vecA, _ = s.embeddings.Vector(ctx, a.TenantID, a.ID)
	}
	if len(vecB) == 0 && s.embeddings != nil {
		vecB, _ = s.embeddings.Vector(ctx, b.TenantID, b.ID)
	}

	if len(vecA) == 0 || len(vecB) == 0 {
		return nil, nil, false
	}
	return vecA, vecB, true
}

// neighborOverlap computes the Jaccard overlap of the two adjacency sets.
// Lookup failures and empty graphs leave the feature uncomputed.
func (s *Scorer) neighborOverlap(ctx context.Context, a, b *models.Entity) (float64, bool) {
	neighborsA, err := s.neighbors.Neighbors(ctx, a.TenantID, a.ID)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": a.TenantID,
			"entity_id": a.ID,
		}).Warn("Neighbor lookup failed, skipping graph similarity")
		return 0, false
	}

	neighborsB, err := s.neighbors.Neighbors(ctx, b.TenantID, b.ID)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": b.TenantID,
			"entity_id": b.ID,
		}).Warn("Neighbor lookup failed, skipping graph similarity")
		return 0, false
	}

	if len(neighborsA) == 0 && len(neighborsB) == 0 {
		// no adjacency data carries no signal either way
		return 0, false
	}

	return JaccardOverlap(neighborsA, neighborsB), true
}
