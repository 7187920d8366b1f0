package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/fern/pkg/models"
)

func TestClassify(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")

	tests := []struct {
		name       string
		confidence float64
		expected   Decision
	}{
		{name: "well above auto threshold", confidence: 0.99, expected: DecisionAutoMerge},
		{name: "exactly at auto threshold", confidence: 0.90, expected: DecisionAutoMerge},
		{name: "between thresholds", confidence: 0.70, expected: DecisionReview},
		{name: "exactly at review threshold", confidence: 0.50, expected: DecisionReview},
		{name: "below review threshold", confidence: 0.30, expected: DecisionReject},
		{name: "zero confidence", confidence: 0.0, expected: DecisionReject},
		{name: "perfect confidence", confidence: 1.0, expected: DecisionAutoMerge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.confidence, config))
		})
	}
}

func TestClassifyAutoConsolidationDisabled(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")
	config.EnableAutoConsolidation = false

	assert.Equal(t, DecisionReview, Classify(0.99, config))
	assert.Equal(t, DecisionReview, Classify(0.70, config))
	assert.Equal(t, DecisionReject, Classify(0.30, config))
}

func TestClassifyIsDeterministic(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")
	for i := 0; i < 10; i++ {
		assert.Equal(t, Classify(0.65, config), Classify(0.65, config))
	}
}
