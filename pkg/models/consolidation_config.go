package models

import (
	"fmt"
	"time"

	"github.com/Ramsey-B/fern/pkg/normalizers"
)

// PhoneticEncoding selects which phonetic algorithm a tenant's blocking
// and phonetic_match feature use
type PhoneticEncoding string

const (
	PhoneticSoundex   PhoneticEncoding = "soundex"
	PhoneticMetaphone PhoneticEncoding = "metaphone"
	PhoneticNYSIIS    PhoneticEncoding = "nysiis"
)

// Blocking strategy names accepted in ConsolidationConfig.BlockingStrategies
const (
	BlockingPrefix     = "prefix"
	BlockingEntityType = "entity_type"
	BlockingPhonetic   = "phonetic"
	BlockingTrigram    = "trigram"
)

// Default decision thresholds and blocking bounds
const (
	DefaultAutoMergeThreshold = 0.90
	DefaultReviewThreshold    = 0.50
	DefaultMaxBlockSize       = 500
	DefaultPrefixLength       = 5
	DefaultTrigramMinOverlap  = 2
	DefaultBatchSize          = 100
)

// defaultFeatureWeights are used for known feature names absent from a
// tenant's feature_weights. Unrecognized names always weigh 0.0.
var defaultFeatureWeights = map[string]float64{
	FeatureNormalizedExact:  0.30,
	FeatureStringSimilarity: 0.25,
	FeaturePhoneticMatch:    0.15,
	FeatureEmbeddingCosine:  0.20,
	FeatureGraphSimilarity:  0.10,
}

// DefaultFeatureWeight returns the documented default weight for a known
// feature name, or 0.0 for an unrecognized one
func DefaultFeatureWeight(feature string) float64 {
	return defaultFeatureWeights[feature]
}

// ConsolidationConfig holds one tenant's dedup tunables. Weights are not
// required to sum to 1; the scorer normalizes by the computable weight sum.
type ConsolidationConfig struct {
	ID                        string              `json:"id" db:"id"`
	TenantID                  string              `json:"tenant_id" db:"tenant_id"`
	AutoMergeThreshold        float64             `json:"auto_merge_threshold" db:"auto_merge_threshold"`
	ReviewThreshold           float64             `json:"review_threshold" db:"review_threshold"`
	MaxBlockSize              int                 `json:"max_block_size" db:"max_block_size"`
	FeatureWeights            map[string]float64  `json:"feature_weights" db:"-"`
	BlockingStrategies        []string            `json:"blocking_strategies" db:"-"`
	PropertyNormalizers       map[string][]string `json:"property_normalizers" db:"-"`
	PhoneticEncoding          PhoneticEncoding    `json:"phonetic_encoding" db:"phonetic_encoding"`
	PrefixLength              int                 `json:"prefix_length" db:"prefix_length"`
	TrigramMinOverlap         int                 `json:"trigram_min_overlap" db:"trigram_min_overlap"`
	EnableEmbeddingSimilarity bool                `json:"enable_embedding_similarity" db:"enable_embedding_similarity"`
	EnableGraphSimilarity     bool                `json:"enable_graph_similarity" db:"enable_graph_similarity"`
	EnableAutoConsolidation   bool                `json:"enable_auto_consolidation" db:"enable_auto_consolidation"`
	AllowCrossTypeMatching    bool                `json:"allow_cross_type_matching" db:"allow_cross_type_matching"`
	EmbeddingModel            string              `json:"embedding_model" db:"embedding_model"`
	BatchSize                 int                 `json:"batch_size" db:"batch_size"`
	CreatedAt                 time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt                 time.Time           `json:"updated_at" db:"updated_at"`
}

// DefaultConsolidationConfig returns the documented defaults for a tenant
func DefaultConsolidationConfig(tenantID string) *ConsolidationConfig {
	weights := make(map[string]float64, len(defaultFeatureWeights))
	for k, v := range defaultFeatureWeights {
		weights[k] = v
	}
	return &ConsolidationConfig{
		TenantID:                  tenantID,
		AutoMergeThreshold:        DefaultAutoMergeThreshold,
		ReviewThreshold:           DefaultReviewThreshold,
		MaxBlockSize:              DefaultMaxBlockSize,
		FeatureWeights:            weights,
		BlockingStrategies:        []string{BlockingPrefix, BlockingPhonetic, BlockingEntityType},
		PhoneticEncoding:          PhoneticSoundex,
		PrefixLength:              DefaultPrefixLength,
		TrigramMinOverlap:         DefaultTrigramMinOverlap,
		EnableEmbeddingSimilarity: true,
		EnableGraphSimilarity:     true,
		EnableAutoConsolidation:   true,
		EmbeddingModel:            "nomic-embed-text",
		BatchSize:                 DefaultBatchSize,
	}
}

// IsValid reports whether the thresholds and block bound are usable. A run
// must refuse to start for a tenant whose config fails this check.
func (c *ConsolidationConfig) IsValid() bool {
	return c.Validate() == nil
}

// Validate returns a descriptive error for the first failing invariant
func (c *ConsolidationConfig) Validate() error {
	if c.AutoMergeThreshold < 0 || c.AutoMergeThreshold > 1 {
		return fmt.Errorf("auto_merge_threshold %f must be within [0,1]", c.AutoMergeThreshold)
	}
	if c.ReviewThreshold < 0 || c.ReviewThreshold > 1 {
		return fmt.Errorf("review_threshold %f must be within [0,1]", c.ReviewThreshold)
	}
	if c.ReviewThreshold >= c.AutoMergeThreshold {
		return fmt.Errorf("review_threshold %f must be strictly below auto_merge_threshold %f", c.ReviewThreshold, c.AutoMergeThreshold)
	}
	if c.MaxBlockSize <= 0 {
		return fmt.Errorf("max_block_size %d must be positive", c.MaxBlockSize)
	}
	for property, chain := range c.PropertyNormalizers {
		for _, name := range chain {
			if _, ok := normalizers.Get(name); !ok {
				return fmt.Errorf("unknown normalizer %q for property %q", name, property)
			}
		}
	}
	return nil
}

// GetWeight returns the configured weight for a feature, the documented
// default when the tenant has not set one, and exactly 0.0 for names the
// scorer does not recognize
func (c *ConsolidationConfig) GetWeight(feature string) float64 {
	if c.FeatureWeights != nil {
		if w, ok := c.FeatureWeights[feature]; ok {
			return w
		}
	}
	return defaultFeatureWeights[feature]
}

// SetWeight records a feature weight, rejecting values outside [0,1]
func (c *ConsolidationConfig) SetWeight(feature string, weight float64) error {
	if weight < 0 || weight > 1 {
		return fmt.Errorf("weight %f for feature %s must be within [0,1]", weight, feature)
	}
	if c.FeatureWeights == nil {
		c.FeatureWeights = map[string]float64{}
	}
	c.FeatureWeights[feature] = weight
	return nil
}

// UpdateConsolidationConfigRequest is the request for updating tenant tunables
type UpdateConsolidationConfigRequest struct {
	AutoMergeThreshold        *float64            `json:"auto_merge_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	ReviewThreshold           *float64            `json:"review_threshold,omitempty" validate:"omitempty,gte=0,lte=1"`
	MaxBlockSize              *int                `json:"max_block_size,omitempty" validate:"omitempty,gt=0"`
	FeatureWeights            map[string]float64  `json:"feature_weights,omitempty" validate:"omitempty,dive,gte=0,lte=1"`
	BlockingStrategies        []string            `json:"blocking_strategies,omitempty"`
	PropertyNormalizers       map[string][]string `json:"property_normalizers,omitempty"`
	PhoneticEncoding          *PhoneticEncoding   `json:"phonetic_encoding,omitempty" validate:"omitempty,oneof=soundex metaphone nysiis"`
	PrefixLength              *int                `json:"prefix_length,omitempty" validate:"omitempty,gt=0"`
	TrigramMinOverlap         *int                `json:"trigram_min_overlap,omitempty" validate:"omitempty,gt=0"`
	EnableEmbeddingSimilarity *bool               `json:"enable_embedding_similarity,omitempty"`
	EnableGraphSimilarity     *bool               `json:"enable_graph_similarity,omitempty"`
	EnableAutoConsolidation   *bool               `json:"enable_auto_consolidation,omitempty"`
	AllowCrossTypeMatching    *bool               `json:"allow_cross_type_matching,omitempty"`
	EmbeddingModel            *string             `json:"embedding_model,omitempty"`
	BatchSize                 *int                `json:"batch_size,omitempty" validate:"omitempty,gt=0"`
}
