package models

import (
	"math"
	"time"
)

// ReviewStatus is the lifecycle state of a merge review item
type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "PENDING"
	ReviewStatusApproved ReviewStatus = "APPROVED"
	ReviewStatusRejected ReviewStatus = "REJECTED"
	ReviewStatusDeferred ReviewStatus = "DEFERRED"
	ReviewStatusExpired  ReviewStatus = "EXPIRED"
)

// MergeReviewItem is an ambiguous candidate pair awaiting human adjudication.
// Created once per pair by a consolidation run; mutated only by reviewer
// actions or time-based expiry.
type MergeReviewItem struct {
	ID             string        `json:"id" db:"id"`
	TenantID       string        `json:"tenant_id" db:"tenant_id"`
	EntityAID      string        `json:"entity_a_id" db:"entity_a_id"`
	EntityBID      string        `json:"entity_b_id" db:"entity_b_id"`
	Confidence     float64       `json:"confidence" db:"confidence"`
	Scores         FeatureScores `json:"similarity_scores" db:"-"`
	Status         ReviewStatus  `json:"status" db:"status"`
	ReviewPriority float64       `json:"review_priority" db:"review_priority"`
	ReviewedBy     *string       `json:"reviewed_by,omitempty" db:"reviewed_by"`
	ReviewNotes    *string       `json:"review_notes,omitempty" db:"review_notes"`
	ReviewedAt     *time.Time    `json:"reviewed_at,omitempty" db:"reviewed_at"`
	CreatedAt      time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at" db:"updated_at"`
}

// ReviewPriority maps a pair's confidence to its queue urgency. Confidence
// at the 0.5 midpoint is the most ambiguous and gets priority 1.0, decaying
// linearly to 0 at either extreme.
func ReviewPriority(confidence float64) float64 {
	return math.Max(0, 1-2*math.Abs(confidence-0.5))
}

// IsPending is true only while the item awaits adjudication
func (m *MergeReviewItem) IsPending() bool {
	return m.Status == ReviewStatusPending
}

// IsResolved is true only once a reviewer has approved or rejected the
// item. Deferred and expired items are not resolved.
func (m *MergeReviewItem) IsResolved() bool {
	return m.Status == ReviewStatusApproved || m.Status == ReviewStatusRejected
}

// ReviewItemListResponse is the response for listing review items
type ReviewItemListResponse struct {
	Items      []MergeReviewItem `json:"items"`
	TotalCount int               `json:"total_count"`
	Page       int               `json:"page"`
	PageSize   int               `json:"page_size"`
}

// ResolveReviewRequest carries the reviewer identity and optional notes for
// approve/reject/defer actions
type ResolveReviewRequest struct {
	ReviewedBy string  `json:"reviewed_by" validate:"required"`
	Notes      *string `json:"notes,omitempty"`
}
