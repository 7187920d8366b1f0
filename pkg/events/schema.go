package events

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// EventType defines the type of event
type EventType string

const (
	// Entity events
	EventTypeEntityCreated EventType = "entity.created"
	EventTypeEntityUpdated EventType = "entity.updated"
	EventTypeEntityDeleted EventType = "entity.deleted"

	// Resolution events
	EventTypeEntitiesMerged EventType = "entities.merged"
	EventTypeMergeUndone    EventType = "merge.undone"
	EventTypeEntitySplit    EventType = "entity.split"
	EventTypeReviewQueued   EventType = "review.queued"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventType     EventType `json:"event_type"`
	SchemaVersion string    `json:"schema_version"`
	TenantID      string    `json:"tenant_id"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// EntityEvent is emitted on entity lifecycle changes
type EntityEvent struct {
	BaseEvent
	EntityID   string          `json:"entity_id"`
	EntityType string          `json:"entity_type"`
	Name       string          `json:"name,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Version    int             `json:"version"`
}

// MergeEvent is emitted when a merge is applied, undone or an entity is
// split. The event id ties an undo back to its original merge.
type MergeEvent struct {
	BaseEvent
	HistoryID         string               `json:"history_id"`
	EventID           string               `json:"event_id"`
	CanonicalEntityID string               `json:"canonical_entity_id,omitempty"`
	AffectedEntityIDs []string             `json:"affected_entity_ids"`
	Scores            models.FeatureScores `json:"similarity_scores,omitempty"`
	MergeReason       string               `json:"merge_reason"`
	PerformedBy       string               `json:"performed_by"`
}

// ReviewQueuedEvent is emitted when an ambiguous pair enters the queue
type ReviewQueuedEvent struct {
	BaseEvent
	ReviewItemID   string  `json:"review_item_id"`
	EntityAID      string  `json:"entity_a_id"`
	EntityBID      string  `json:"entity_b_id"`
	Confidence     float64 `json:"confidence"`
	ReviewPriority float64 `json:"review_priority"`
}

// NewBaseEvent creates a base event with common fields
func NewBaseEvent(eventType EventType, tenantID string) BaseEvent {
	return BaseEvent{
		EventType:     eventType,
		SchemaVersion: SchemaVersion,
		TenantID:      tenantID,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.New().String(),
	}
}
