package models

import (
	"time"
)

// MergeEventType identifies what a history record documents
type MergeEventType string

const (
	// MergeEventEntitiesMerged records a merge applied by the executor
	MergeEventEntitiesMerged MergeEventType = "ENTITIES_MERGED"
	// MergeEventMergeUndone records the reversal of a prior merge
	MergeEventMergeUndone MergeEventType = "MERGE_UNDONE"
	// MergeEventEntitySplit records a manual partition of a conflated entity
	MergeEventEntitySplit MergeEventType = "ENTITY_SPLIT"
)

// Merge reasons recorded on ENTITIES_MERGED events
const (
	MergeReasonAutoHighConfidence = "auto_high_confidence"
	MergeReasonReviewerApproved   = "reviewer_approved"
)

// MergeHistory is one append-only audit record. The only mutation ever
// applied after creation is setting the undo block.
type MergeHistory struct {
	ID                string         `json:"id" db:"id"`
	TenantID          string         `json:"tenant_id" db:"tenant_id"`
	EventID           string         `json:"event_id" db:"event_id"`
	EventType         MergeEventType `json:"event_type" db:"event_type"`
	CanonicalEntityID *string        `json:"canonical_entity_id,omitempty" db:"canonical_entity_id"`
	AffectedEntityIDs []string       `json:"affected_entity_ids" db:"-"`
	Scores            FeatureScores  `json:"similarity_scores" db:"-"`
	MergeReason       string         `json:"merge_reason" db:"merge_reason"`
	Details           *string        `json:"details,omitempty" db:"details"`
	PerformedBy       string         `json:"performed_by" db:"performed_by"`
	PerformedAt       time.Time      `json:"performed_at" db:"performed_at"`
	Undone            bool           `json:"undone" db:"undone"`
	UndoneBy          *string        `json:"undone_by,omitempty" db:"undone_by"`
	UndoneAt          *time.Time     `json:"undone_at,omitempty" db:"undone_at"`
	UndoReason        *string        `json:"undo_reason,omitempty" db:"undo_reason"`
}

// CanUndo is true only for a merge record that has not already been
// reversed. Undo and split records are never themselves undoable.
func (h *MergeHistory) CanUndo() bool {
	return h.EventType == MergeEventEntitiesMerged && !h.Undone
}

// MergeHistoryListResponse is the response for listing history records
type MergeHistoryListResponse struct {
	Items      []MergeHistory `json:"items"`
	TotalCount int            `json:"total_count"`
	Page       int            `json:"page"`
	PageSize   int            `json:"page_size"`
}

// UndoMergeRequest carries the operator identity and reason for an undo
type UndoMergeRequest struct {
	UndoneBy string  `json:"undone_by" validate:"required"`
	Reason   *string `json:"reason,omitempty"`
}
