// Package policy classifies scored candidate pairs into merge decisions
// using a tenant's thresholds. Pure functions, no side effects.
package policy

import (
	"github.com/Ramsey-B/fern/pkg/models"
)

// Decision is the outcome for one scored pair
type Decision string

const (
	// DecisionAutoMerge applies the merge without human involvement
	DecisionAutoMerge Decision = "AUTO_MERGE"
	// DecisionReview queues the pair for human adjudication
	DecisionReview Decision = "REVIEW"
	// DecisionReject discards the pair with no record
	DecisionReject Decision = "REJECT"
)

// Classify maps a confidence to a decision. With auto-consolidation
// disabled, would-be auto merges are downgraded to review so nothing
// mutates the graph without a human.
func Classify(confidence float64, config *models.ConsolidationConfig) Decision {
	if confidence >= config.AutoMergeThreshold {
		if !config.EnableAutoConsolidation {
			return DecisionReview
		}
		return DecisionAutoMerge
	}
	if confidence >= config.ReviewThreshold {
		return DecisionReview
	}
	return DecisionReject
}
