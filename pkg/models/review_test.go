package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReviewPriority(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		expected   float64
	}{
		{name: "midpoint is most urgent", confidence: 0.50, expected: 1.0},
		{name: "certain match is least urgent", confidence: 1.0, expected: 0.0},
		{name: "certain non-match is least urgent", confidence: 0.0, expected: 0.0},
		{name: "three quarters", confidence: 0.75, expected: 0.5},
		{name: "one quarter", confidence: 0.25, expected: 0.5},
		{name: "review scenario", confidence: 0.70, expected: 0.6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, ReviewPriority(tt.confidence), 1e-9)
		})
	}
}

func TestReviewPriorityMonotonic(t *testing.T) {
	// priority strictly decreases as confidence moves away from 0.5
	prev := ReviewPriority(0.5)
	for _, c := range []float64{0.55, 0.6, 0.7, 0.85, 0.99} {
		p := ReviewPriority(c)
		assert.Less(t, p, prev, "priority at %f should be below priority closer to 0.5", c)
		prev = p
	}
}

func TestReviewItemStates(t *testing.T) {
	tests := []struct {
		status   ReviewStatus
		pending  bool
		resolved bool
	}{
		{status: ReviewStatusPending, pending: true, resolved: false},
		{status: ReviewStatusApproved, pending: false, resolved: true},
		{status: ReviewStatusRejected, pending: false, resolved: true},
		{status: ReviewStatusDeferred, pending: false, resolved: false},
		{status: ReviewStatusExpired, pending: false, resolved: false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			item := &MergeReviewItem{Status: tt.status}
			assert.Equal(t, tt.pending, item.IsPending())
			assert.Equal(t, tt.resolved, item.IsResolved())
		})
	}
}
