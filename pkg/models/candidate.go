package models

// Known similarity feature names. Unrecognized names carry zero weight.
const (
	FeatureNormalizedExact  = "normalized_exact"
	FeatureStringSimilarity = "string_similarity"
	FeaturePhoneticMatch    = "phonetic_match"
	FeatureEmbeddingCosine  = "embedding_cosine"
	FeatureGraphSimilarity  = "graph_similarity"
)

// KnownFeatures lists every feature name the scorer can produce, in the
// order they are evaluated.
var KnownFeatures = []string{
	FeatureNormalizedExact,
	FeatureStringSimilarity,
	FeaturePhoneticMatch,
	FeatureEmbeddingCosine,
	FeatureGraphSimilarity,
}

// FeatureScores holds one optional score per known feature. A nil field
// means the feature could not be computed for the pair and contributes
// nothing to the combined confidence. 0.0 always means "computed, no match".
type FeatureScores struct {
	NormalizedExact  *float64 `json:"normalized_exact,omitempty"`
	StringSimilarity *float64 `json:"string_similarity,omitempty"`
	PhoneticMatch    *float64 `json:"phonetic_match,omitempty"`
	EmbeddingCosine  *float64 `json:"embedding_cosine,omitempty"`
	GraphSimilarity  *float64 `json:"graph_similarity,omitempty"`
}

// Get returns the score for a feature name and whether it was computed
func (f *FeatureScores) Get(feature string) (float64, bool) {
	var v *float64
	switch feature {
	case FeatureNormalizedExact:
		v = f.NormalizedExact
	case FeatureStringSimilarity:
		v = f.StringSimilarity
	case FeaturePhoneticMatch:
		v = f.PhoneticMatch
	case FeatureEmbeddingCosine:
		v = f.EmbeddingCosine
	case FeatureGraphSimilarity:
		v = f.GraphSimilarity
	}
	if v == nil {
		return 0, false
	}
	return *v, true
}

// Set records a computed score for a feature name. Unknown names are ignored.
func (f *FeatureScores) Set(feature string, score float64) {
	v := score
	switch feature {
	case FeatureNormalizedExact:
		f.NormalizedExact = &v
	case FeatureStringSimilarity:
		f.StringSimilarity = &v
	case FeaturePhoneticMatch:
		f.PhoneticMatch = &v
	case FeatureEmbeddingCosine:
		f.EmbeddingCosine = &v
	case FeatureGraphSimilarity:
		f.GraphSimilarity = &v
	}
}

// ToMap returns only the computed features, keyed by feature name
func (f *FeatureScores) ToMap() map[string]float64 {
	out := map[string]float64{}
	for _, name := range KnownFeatures {
		if score, ok := f.Get(name); ok {
			out[name] = score
		}
	}
	return out
}

// CandidatePair is a scored pairing of two canonical entities from one
// tenant. Pairs are ephemeral per consolidation run and are not persisted.
type CandidatePair struct {
	TenantID   string        `json:"tenant_id"`
	EntityAID  string        `json:"entity_a_id"`
	EntityBID  string        `json:"entity_b_id"`
	Scores     FeatureScores `json:"scores"`
	Confidence float64       `json:"confidence"`
}
