package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsolidationConfigIsValid(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *ConsolidationConfig)
		expected bool
	}{
		{
			name:     "documented defaults are valid",
			mutate:   func(c *ConsolidationConfig) {},
			expected: true,
		},
		{
			name: "review threshold equal to auto threshold",
			mutate: func(c *ConsolidationConfig) {
				c.ReviewThreshold = 0.90
				c.AutoMergeThreshold = 0.90
			},
			expected: false,
		},
		{
			name: "review threshold above auto threshold",
			mutate: func(c *ConsolidationConfig) {
				c.ReviewThreshold = 0.95
			},
			expected: false,
		},
		{
			name: "auto threshold above one",
			mutate: func(c *ConsolidationConfig) {
				c.AutoMergeThreshold = 1.1
			},
			expected: false,
		},
		{
			name: "negative review threshold",
			mutate: func(c *ConsolidationConfig) {
				c.ReviewThreshold = -0.1
			},
			expected: false,
		},
		{
			name: "zero max block size",
			mutate: func(c *ConsolidationConfig) {
				c.MaxBlockSize = 0
			},
			expected: false,
		},
		{
			name: "negative max block size",
			mutate: func(c *ConsolidationConfig) {
				c.MaxBlockSize = -5
			},
			expected: false,
		},
		{
			name: "tight but ordered thresholds",
			mutate: func(c *ConsolidationConfig) {
				c.ReviewThreshold = 0.89
				c.AutoMergeThreshold = 0.90
			},
			expected: true,
		},
		{
			name: "registered property normalizers",
			mutate: func(c *ConsolidationConfig) {
				c.PropertyNormalizers = map[string][]string{"phone": {"trim", "nphone"}}
			},
			expected: true,
		},
		{
			name: "unknown property normalizer",
			mutate: func(c *ConsolidationConfig) {
				c.PropertyNormalizers = map[string][]string{"phone": {"no_such_normalizer"}}
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConsolidationConfig("tenant-1")
			tt.mutate(config)
			assert.Equal(t, tt.expected, config.IsValid())
			if tt.expected {
				assert.NoError(t, config.Validate())
			} else {
				assert.Error(t, config.Validate())
			}
		})
	}
}

func TestConsolidationConfigDefaults(t *testing.T) {
	config := DefaultConsolidationConfig("tenant-1")

	assert.Equal(t, 0.90, config.AutoMergeThreshold)
	assert.Equal(t, 0.50, config.ReviewThreshold)
	assert.Equal(t, 500, config.MaxBlockSize)
	assert.True(t, config.IsValid())
}

func TestGetWeight(t *testing.T) {
	tests := []struct {
		name     string
		weights  map[string]float64
		feature  string
		expected float64
	}{
		{
			name:     "configured weight wins",
			weights:  map[string]float64{FeatureNormalizedExact: 0.8},
			feature:  FeatureNormalizedExact,
			expected: 0.8,
		},
		{
			name:     "missing known feature falls back to default",
			weights:  map[string]float64{},
			feature:  FeatureStringSimilarity,
			expected: 0.25,
		},
		{
			name:     "nil weights fall back to default",
			weights:  nil,
			feature:  FeatureEmbeddingCosine,
			expected: 0.20,
		},
		{
			name:     "unrecognized feature is zero",
			weights:  map[string]float64{},
			feature:  "levenshtein_raw",
			expected: 0.0,
		},
		{
			name:     "configured zero weight is respected",
			weights:  map[string]float64{FeaturePhoneticMatch: 0.0},
			feature:  FeaturePhoneticMatch,
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := &ConsolidationConfig{FeatureWeights: tt.weights}
			assert.Equal(t, tt.expected, config.GetWeight(tt.feature))
		})
	}
}

func TestSetWeight(t *testing.T) {
	config := &ConsolidationConfig{}

	require.NoError(t, config.SetWeight(FeatureGraphSimilarity, 0.42))
	assert.Equal(t, 0.42, config.GetWeight(FeatureGraphSimilarity))

	assert.Error(t, config.SetWeight(FeatureGraphSimilarity, -0.01))
	assert.Error(t, config.SetWeight(FeatureGraphSimilarity, 1.01))

	// rejected values must not clobber the stored weight
	assert.Equal(t, 0.42, config.GetWeight(FeatureGraphSimilarity))

	require.NoError(t, config.SetWeight(FeatureGraphSimilarity, 0.0))
	assert.Equal(t, 0.0, config.GetWeight(FeatureGraphSimilarity))
	require.NoError(t, config.SetWeight(FeatureGraphSimilarity, 1.0))
	assert.Equal(t, 1.0, config.GetWeight(FeatureGraphSimilarity))
}
