package scoring

import (
	"context"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
)

type fakeEmbeddings struct {
	vectors map[string][]float32
}

func (f *fakeEmbeddings) Vector(_ context.Context, _, entityID string) ([]float32, bool) {
	vec, ok := f.vectors[entityID]
	return vec, ok
}

type fakeNeighbors struct {
	adjacency map[string][]string
	err       error
}

func (f *fakeNeighbors) Neighbors(_ context.Context, _, entityID string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.adjacency[entityID], nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func namedEntity(id, entityType, name string) *models.Entity {
	return &models.Entity{
		ID:             id,
		TenantID:       "tenant-1",
		EntityType:     entityType,
		Name:           name,
		NormalizedName: normalizers.NormalizeEntityName(name),
		IsCanonical:    true,
	}
}

func TestScorePairIdenticalNormalizedNames(t *testing.T) {
	// "DomainEvent" and "domain_event" share a normalized form, so the
	// always-computable features all hit 1.0 and the confidence clears the
	// default auto-merge threshold
	scorer := NewScorer(nil, nil, testLogger())
	config := models.DefaultConsolidationConfig("tenant-1")

	a := namedEntity("e-1", "class", "DomainEvent")
	b := namedEntity("e-2", "class", "domain_event")

	pair := scorer.ScorePair(context.Background(), a, b, config)
	require.NotNil(t, pair)

	score, ok := pair.Scores.Get(models.FeatureNormalizedExact)
	require.True(t, ok)
	assert.Equal(t, 1.0, score)

	score, ok = pair.Scores.Get(models.FeatureStringSimilarity)
	require.True(t, ok)
	assert.Equal(t, 1.0, score)

	score, ok = pair.Scores.Get(models.FeaturePhoneticMatch)
	require.True(t, ok)
	assert.Equal(t, 1.0, score)

	// embedding and graph sources are absent, so those features stay unset
	_, ok = pair.Scores.Get(models.FeatureEmbeddingCosine)
	assert.False(t, ok)
	_, ok = pair.Scores.Get(models.FeatureGraphSimilarity)
	assert.False(t, ok)

	assert.GreaterOrEqual(t, pair.Confidence, config.AutoMergeThreshold)
}

func TestScorePairTypeMismatch(t *testing.T) {
	scorer := NewScorer(nil, nil, testLogger())
	config := models.DefaultConsolidationConfig("tenant-1")

	a := namedEntity("e-1", "person", "Robert")
	b := namedEntity("e-2", "organization", "Robert")

	assert.Nil(t, scorer.ScorePair(context.Background(), a, b, config))

	config.AllowCrossTypeMatching = true
	assert.NotNil(t, scorer.ScorePair(context.Background(), a, b, config))
}

func TestScorePairEmbeddingFeature(t *testing.T) {
	embeddings := &fakeEmbeddings{vectors: map[string][]float32{
		"e-1": {1, 0},
		"e-2": {1, 0},
	}}
	scorer := NewScorer(embeddings, nil, testLogger())
	config := models.DefaultConsolidationConfig("tenant-1")

	a := namedEntity("e-1", "person", "Robert")
	b := namedEntity("e-2", "person", "Rupert")

	pair := scorer.ScorePair(context.Background(), a, b, config)
	require.NotNil(t, pair)
	score, ok := pair.Scores.Get(models.FeatureEmbeddingCosine)
	require.True(t, ok)
	assert.InDelta(t, 1.0, score, 1e-6)

	// toggle off: the feature must vanish, not zero out
	config.EnableEmbeddingSimilarity = false
	pair = scorer.ScorePair(context.Background(), a, b, config)
	_, ok = pair.Scores.Get(models.FeatureEmbeddingCosine)
	assert.False(t, ok)
}

func TestScorePairEmbeddingMissingVector(t *testing.T) {
	embeddings := &fakeEmbeddings{vectors: map[string][]float32{
		"e-1": {1, 0},
	}}
	scorer := NewScorer(embeddings, nil, testLogger())
	config := models.DefaultConsolidationConfig("tenant-1")

	pair := scorer.ScorePair(context.Background(), namedEntity("e-1", "person", "Robert"), namedEntity("e-2", "person", "Rupert"), config)
	require.NotNil(t, pair)
	_, ok := pair.Scores.Get(models.FeatureEmbeddingCosine)
	assert.False(t, ok, "one-sided vectors must leave the feature uncomputed")
}

func TestScorePairGraphFeature(t *testing.T) {
	neighbors := &fakeNeighbors{adjacency: map[string][]string{
		"e-1": {"n-1", "n-2", "n-3"},
		"e-2": {"n-2", "n-3", "n-4"},
	}}
	scorer := NewScorer(nil, neighbors, testLogger())
	config := models.DefaultConsolidationConfig("tenant-1")

	pair := scorer.ScorePair(context.Background(), namedEntity("e-1", "person", "Robert"), namedEntity("e-2", "person", "Rupert"), config)
	require.NotNil(t, pair)
	score, ok := pair.Scores.Get(models.FeatureGraphSimilarity)
	require.True(t, ok)
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestScorePairGraphLookupFailureDegrades(t *testing.T) {
	neighbors := &fakeNeighbors{err: fmt.Errorf("graph store down")}
	scorer := NewScorer(nil, neighbors, testLogger())
	config := models.DefaultConsolidationConfig("tenant-1")

	pair := scorer.ScorePair(context.Background(), namedEntity("e-1", "person", "Robert"), namedEntity("e-2", "person", "Rupert"), config)
	require.NotNil(t, pair, "a failed feature must not fail the pair")
	_, ok := pair.Scores.Get(models.FeatureGraphSimilarity)
	assert.False(t, ok)
	assert.Greater(t, pair.Confidence, 0.0)
}

func TestCombine(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")

	tests := []struct {
		name     string
		scores   func() *models.FeatureScores
		expected float64
	}{
		{
			name: "all core features perfect",
			scores: func() *models.FeatureScores {
				s := &models.FeatureScores{}
				s.Set(models.FeatureNormalizedExact, 1.0)
				s.Set(models.FeatureStringSimilarity, 1.0)
				s.Set(models.FeaturePhoneticMatch, 1.0)
				return s
			},
			expected: 1.0,
		},
		{
			name: "uncomputed features excluded from denominator",
			scores: func() *models.FeatureScores {
				s := &models.FeatureScores{}
				s.Set(models.FeatureNormalizedExact, 1.0)
				return s
			},
			expected: 1.0,
		},
		{
			name: "mixed scores",
			scores: func() *models.FeatureScores {
				s := &models.FeatureScores{}
				s.Set(models.FeatureNormalizedExact, 0.0) // weight 0.30
				s.Set(models.FeatureStringSimilarity, 0.8) // weight 0.25
				return s
			},
			expected: (0.0*0.30 + 0.8*0.25) / 0.55,
		},
		{
			name: "no computed features",
			scores: func() *models.FeatureScores {
				return &models.FeatureScores{}
			},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Combine(tt.scores(), config), 1e-9)
		})
	}
}

func TestCombineZeroWeightConfig(t *testing.T) {
	config := &models.ConsolidationConfig{FeatureWeights: map[string]float64{
		models.FeatureNormalizedExact:  0,
		models.FeatureStringSimilarity: 0,
		models.FeaturePhoneticMatch:    0,
		models.FeatureEmbeddingCosine:  0,
		models.FeatureGraphSimilarity:  0,
	}}

	scores := &models.FeatureScores{}
	scores.Set(models.FeatureNormalizedExact, 1.0)

	assert.Equal(t, 0.0, Combine(scores, config))
}
