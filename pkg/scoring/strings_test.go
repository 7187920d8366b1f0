package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJaroWinkler(t *testing.T) {
	tests := []struct {
		name     string
		a        string
		b        string
		expected float64
	}{
		{name: "identical", a: "robert", b: "robert", expected: 1.0},
		{name: "empty vs non-empty", a: "", b: "robert", expected: 0.0},
		{name: "classic martha", a: "MARTHA", b: "MARHTA", expected: 0.96111},
		{name: "no similarity", a: "abc", b: "xyz", expected: 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, JaroWinkler(tt.a, tt.b), 0.0001)
		})
	}
}

func TestJaroWinklerPrefixBoost(t *testing.T) {
	// shared leading characters must score above the same edits elsewhere
	withPrefix := JaroWinkler("robert", "roberta")
	withoutPrefix := JaroWinkler("trebor", "atrebor")
	assert.Greater(t, withPrefix, withoutPrefix)
}

func TestJaroWinklerSymmetry(t *testing.T) {
	pairs := [][2]string{
		{"domain event", "domain events"},
		{"rupert", "robert"},
		{"a", "ab"},
	}
	for _, p := range pairs {
		assert.InDelta(t, JaroWinkler(p[0], p[1]), JaroWinkler(p[1], p[0]), 1e-12)
	}
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 3, LevenshteinDistance("kitten", "sitting"))
	assert.Equal(t, 0, LevenshteinDistance("same", "same"))
	assert.Equal(t, 4, LevenshteinDistance("", "four"))

	assert.InDelta(t, 1.0-3.0/7.0, Levenshtein("kitten", "sitting"), 1e-9)
	assert.Equal(t, 1.0, Levenshtein("", ""))
}
