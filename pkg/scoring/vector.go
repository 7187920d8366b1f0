package scoring

import (
	"math"
)

// CosineSimilarity returns the cosine of the angle between two vectors in
// [-1, 1]. Mismatched lengths or zero vectors return 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// RescaledCosine maps cosine similarity from [-1, 1] onto [0, 1] so it can
// be combined with the other features
func RescaledCosine(a, b []float32) float64 {
	score := (CosineSimilarity(a, b) + 1) / 2
	return math.Max(0, math.Min(1, score))
}

// JaccardOverlap returns |A ∩ B| / |A ∪ B| for two id sets
func JaccardOverlap(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(a))
	for _, id := range a {
		setA[id] = struct{}{}
	}

	union := make(map[string]struct{}, len(a)+len(b))
	for id := range setA {
		union[id] = struct{}{}
	}

	shared := 0
	for _, id := range b {
		if _, ok := union[id]; !ok {
			union[id] = struct{}{}
			continue
		}
		if _, ok := setA[id]; ok {
			// count each shared id once even if b repeats it
			delete(setA, id)
			shared++
		}
	}

	return float64(shared) / float64(len(union))
}
