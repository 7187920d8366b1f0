// Package events publishes entity and resolution lifecycle events
package events

import (
	"context"
	"encoding/json"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Emitter publishes lifecycle events to the outbound topic
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitEntityCreated emits an entity created event
func (e *Emitter) EmitEntityCreated(ctx context.Context, entity *models.Entity) error {
	return e.emitEntityEvent(ctx, EventTypeEntityCreated, entity)
}

// EmitEntityUpdated emits an entity updated event
func (e *Emitter) EmitEntityUpdated(ctx context.Context, entity *models.Entity) error {
	return e.emitEntityEvent(ctx, EventTypeEntityUpdated, entity)
}

// EmitEntityDeleted emits an entity deleted event
func (e *Emitter) EmitEntityDeleted(ctx context.Context, tenantID, entityID, entityType string, version int) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntityDeleted")
	defer span.End()

	event := &EntityEvent{
		BaseEvent:  NewBaseEvent(EventTypeEntityDeleted, tenantID),
		EntityID:   entityID,
		EntityType: entityType,
		Version:    version,
	}
	return e.publish(ctx, string(EventTypeEntityDeleted), tenantID, entityID, event)
}

// EmitEntitiesMerged emits the event for a committed merge
func (e *Emitter) EmitEntitiesMerged(ctx context.Context, record *models.MergeHistory) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntitiesMerged")
	defer span.End()

	return e.emitMergeEvent(ctx, EventTypeEntitiesMerged, record)
}

// EmitMergeUndone emits the event for a reversed merge
func (e *Emitter) EmitMergeUndone(ctx context.Context, record *models.MergeHistory) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitMergeUndone")
	defer span.End()

	return e.emitMergeEvent(ctx, EventTypeMergeUndone, record)
}

// EmitEntitySplit emits the event for a manual split
func (e *Emitter) EmitEntitySplit(ctx context.Context, record *models.MergeHistory) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitEntitySplit")
	defer span.End()

	return e.emitMergeEvent(ctx, EventTypeEntitySplit, record)
}

// EmitReviewQueued emits the event for a newly queued review item
func (e *Emitter) EmitReviewQueued(ctx context.Context, item *models.MergeReviewItem) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitReviewQueued")
	defer span.End()

	event := &ReviewQueuedEvent{
		BaseEvent:      NewBaseEvent(EventTypeReviewQueued, item.TenantID),
		ReviewItemID:   item.ID,
		EntityAID:      item.EntityAID,
		EntityBID:      item.EntityBID,
		Confidence:     item.Confidence,
		ReviewPriority: item.ReviewPriority,
	}
	return e.publish(ctx, string(EventTypeReviewQueued), item.TenantID, item.EntityAID, event)
}

func (e *Emitter) emitEntityEvent(ctx context.Context, eventType EventType, entity *models.Entity) error {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.emitEntityEvent")
	defer span.End()

	event := &EntityEvent{
		BaseEvent:  NewBaseEvent(eventType, entity.TenantID),
		EntityID:   entity.ID,
		EntityType: entity.EntityType,
		Name:       entity.Name,
		Properties: entity.Properties,
		Version:    entity.Version,
	}
	return e.publish(ctx, string(eventType), entity.TenantID, entity.ID, event)
}

func (e *Emitter) emitMergeEvent(ctx context.Context, eventType EventType, record *models.MergeHistory) error {
	canonicalID := ""
	if record.CanonicalEntityID != nil {
		canonicalID = *record.CanonicalEntityID
	}

	key := canonicalID
	if key == "" && len(record.AffectedEntityIDs) > 0 {
		key = record.AffectedEntityIDs[0]
	}

	event := &MergeEvent{
		BaseEvent:         NewBaseEvent(eventType, record.TenantID),
		HistoryID:         record.ID,
		EventID:           record.EventID,
		CanonicalEntityID: canonicalID,
		AffectedEntityIDs: record.AffectedEntityIDs,
		Scores:            record.Scores,
		MergeReason:       record.MergeReason,
		PerformedBy:       record.PerformedBy,
	}
	return e.publish(ctx, string(eventType), record.TenantID, key, event)
}

func (e *Emitter) publish(ctx context.Context, eventType, tenantID, key string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if err := e.producer.Publish(ctx, &kafka.Event{
		EventType: eventType,
		TenantID:  tenantID,
		Key:       key,
		Data:      data,
	}); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": eventType,
		}).Error("Failed to publish event")
		return err
	}
	return nil
}
