package models

import (
	"time"
)

// RunLease guards single-run-per-tenant execution. A lease row exists only
// while a consolidation run holds it; expiry lets a crashed run be reclaimed.
type RunLease struct {
	TenantID   string    `json:"tenant_id" db:"tenant_id"`
	RunID      string    `json:"run_id" db:"run_id"`
	AcquiredBy string    `json:"acquired_by" db:"acquired_by"`
	AcquiredAt time.Time `json:"acquired_at" db:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at" db:"expires_at"`
}

// IsExpired reports whether the lease can be reclaimed by a new run
func (l *RunLease) IsExpired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// RunStats summarizes one consolidation run for the caller and the logs
type RunStats struct {
	RunID               string        `json:"run_id"`
	TenantID            string        `json:"tenant_id"`
	StartedAt           time.Time     `json:"started_at"`
	CompletedAt         time.Time     `json:"completed_at"`
	Duration            time.Duration `json:"duration"`
	EntitiesProcessed   int           `json:"entities_processed"`
	CandidatesEvaluated int           `json:"candidates_evaluated"`
	AutoMerged          int           `json:"auto_merged"`
	QueuedForReview     int           `json:"queued_for_review"`
	Rejected            int           `json:"rejected"`
	MergeConflicts      int           `json:"merge_conflicts"`
	BlocksFailed        int           `json:"blocks_failed"`
	BlocksTruncated     int           `json:"blocks_truncated"`
	Cancelled           bool          `json:"cancelled"`
}
