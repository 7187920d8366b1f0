// Package processor handles incoming entity messages from the ingest
// stream. It writes entities, relationships and blocking keys inside one
// transaction, then mirrors the change to the graph and the event stream.
package processor

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/blocking"
	appcontext "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/fingerprint"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// TxBeginner opens the transaction an upsert or delete runs inside
type TxBeginner interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// EntityStore is the processor's view of entity persistence
type EntityStore interface {
	Get(ctx context.Context, tenantID, id string) (*models.Entity, error)
	Create(ctx context.Context, entity *models.Entity) (*models.Entity, error)
	Update(ctx context.Context, entity *models.Entity) (*models.Entity, error)
	SoftDelete(ctx context.Context, tenantID, id string) error
	ReplaceBlockingKeys(ctx context.Context, tenantID, entityID string, keys map[string][]string) error
	DeleteBlockingKeys(ctx context.Context, tenantID, entityID string) error
}

// RelationshipStore is the processor's view of relationship persistence
type RelationshipStore interface {
	Upsert(ctx context.Context, rel *models.Relationship) (*models.Relationship, error)
	ListByEntity(ctx context.Context, tenantID, entityID string) ([]*models.Relationship, error)
	SoftDelete(ctx context.Context, tenantID, id string) error
}

// ConfigSource supplies the tenant config whose strategies drive blocking
// key maintenance
type ConfigSource interface {
	GetOrDefault(ctx context.Context, tenantID string) (*models.ConsolidationConfig, error)
}

// GraphMirror reflects committed changes into the graph projection.
// Mirror failures never fail ingest.
type GraphMirror interface {
	UpsertEntity(ctx context.Context, entity *models.Entity) error
	UpsertRelationship(ctx context.Context, rel *models.Relationship) error
	DeleteEntity(ctx context.Context, tenantID, entityID, entityType string) error
}

// EventSink publishes entity lifecycle events after commit
type EventSink interface {
	EmitEntityCreated(ctx context.Context, entity *models.Entity) error
	EmitEntityUpdated(ctx context.Context, entity *models.Entity) error
	EmitEntityDeleted(ctx context.Context, tenantID, entityID, entityType string, version int) error
}

// CacheInvalidator drops cached embeddings when an entity's name changes
type CacheInvalidator interface {
	Invalidate(ctx context.Context, tenantID, entityID string) error
}

// Result reports what one processed message did
type Result struct {
	Entity        *models.Entity
	Created       bool
	Changed       bool
	Relationships int
}

// Processor handles entity upsert and delete messages from the ingest topic
type Processor struct {
	logger        ectologger.Logger
	db            TxBeginner
	entities      EntityStore
	relationships RelationshipStore
	configs       ConfigSource
	graph         GraphMirror
	events        EventSink
	cache         CacheInvalidator
}

// NewProcessor creates a new ingest processor. Graph mirror, event sink and
// cache invalidator are optional.
func NewProcessor(
	logger ectologger.Logger,
	db TxBeginner,
	entities EntityStore,
	relationships RelationshipStore,
	configs ConfigSource,
	graph GraphMirror,
	events EventSink,
	cache CacheInvalidator,
) *Processor {
	return &Processor{
		logger:        logger,
		db:            db,
		entities:      entities,
		relationships: relationships,
		configs:       configs,
		graph:         graph,
		events:        events,
		cache:         cache,
	}
}

// ProcessMessage routes one validated ingest message
func (p *Processor) ProcessMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.ProcessMessage")
	defer span.End()

	em := msg.Entity
	ctx = appcontext.SetTenantID(ctx, em.TenantID)

	if msg.IsDelete() {
		return p.ProcessDelete(ctx, em)
	}
	_, err := p.ProcessUpsert(ctx, em)
	return err
}

// ProcessUpsert creates or refreshes an entity from an ingest message. An
// upsert whose fingerprint matches the stored entity is skipped entirely;
// embedded relationships are still applied.
func (p *Processor) ProcessUpsert(ctx context.Context, em *kafka.EntityMessage) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.ProcessUpsert")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   em.TenantID,
		"entity_id":   em.EntityID,
		"entity_type": em.EntityType,
	})

	config, err := p.configs.GetOrDefault(ctx, em.TenantID)
	if err != nil {
		return nil, err
	}

	em.Properties = normalizeProperties(em.Properties, config.PropertyNormalizers)

	ctxTx, tx, err := p.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	var existing *models.Entity
	if em.EntityID != "" {
		existing, err = p.entities.Get(ctxTx, em.TenantID, em.EntityID)
		if err != nil {
			return nil, err
		}
	}

	result := &Result{}
	switch {
	case existing == nil:
		entity, err := p.createEntity(ctxTx, em, config)
		if err != nil {
			return nil, err
		}
		result.Entity = entity
		result.Created = true
		result.Changed = true
	case messageFingerprint(em) == entityFingerprint(existing):
		log.Debug("Entity unchanged, skipping write")
		result.Entity = existing
	default:
		entity, err := p.updateEntity(ctxTx, existing, em, config)
		if err != nil {
			return nil, err
		}
		result.Entity = entity
		result.Changed = true
	}

	rels, err := p.applyRelationships(ctxTx, em, result.Entity.ID)
	if err != nil {
		return nil, err
	}
	result.Relationships = len(rels)

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	p.afterUpsert(ctx, result, rels)

	log.WithFields(map[string]any{
		"created":       result.Created,
		"changed":       result.Changed,
		"relationships": result.Relationships,
	}).Debug("Processed entity upsert")

	return result, nil
}

func (p *Processor) createEntity(ctx context.Context, em *kafka.EntityMessage, config *models.ConsolidationConfig) (*models.Entity, error) {
	entity := &models.Entity{
		ID:              em.EntityID,
		TenantID:        em.TenantID,
		EntityType:      em.EntityType,
		Name:            em.Name,
		NormalizedName:  normalizers.NormalizeEntityName(em.Name),
		Properties:      em.Properties,
		ConfidenceScore: em.ConfidenceScore,
		IsCanonical:     true,
	}
	if entity.ID == "" {
		entity.ID = uuid.New().String()
	}

	created, err := p.entities.Create(ctx, entity)
	if err != nil {
		return nil, err
	}

	if err := p.entities.ReplaceBlockingKeys(ctx, created.TenantID, created.ID, blocking.KeysForEntity(created, config)); err != nil {
		return nil, err
	}

	return created, nil
}

func (p *Processor) updateEntity(ctx context.Context, existing *models.Entity, em *kafka.EntityMessage, config *models.ConsolidationConfig) (*models.Entity, error) {
	existing.EntityType = em.EntityType
	existing.Name = em.Name
	existing.NormalizedName = normalizers.NormalizeEntityName(em.Name)
	existing.Properties = em.Properties
	existing.ConfidenceScore = em.ConfidenceScore

	updated, err := p.entities.Update(ctx, existing)
	if err != nil {
		return nil, err
	}
	if updated == nil {
		// row vanished between read and write inside our own transaction
		return nil, merging.ErrEntityNotFound
	}

	// aliases keep no blocking keys, they are not candidates
	if updated.IsCanonical && !updated.IsAlias() {
		if err := p.entities.ReplaceBlockingKeys(ctx, updated.TenantID, updated.ID, blocking.KeysForEntity(updated, config)); err != nil {
			return nil, err
		}
	}

	return updated, nil
}

func (p *Processor) applyRelationships(ctx context.Context, em *kafka.EntityMessage, fromEntityID string) ([]*models.Relationship, error) {
	if len(em.Relationships) == 0 {
		return nil, nil
	}

	out := make([]*models.Relationship, 0, len(em.Relationships))
	for _, embedded := range em.Relationships {
		if embedded.ToEntityID == "" || embedded.RelationshipType == "" {
			p.logger.WithContext(ctx).WithFields(map[string]any{
				"tenant_id": em.TenantID,
				"entity_id": fromEntityID,
			}).Warn("Skipping embedded relationship with missing type or target")
			continue
		}

		rel, err := p.relationships.Upsert(ctx, &models.Relationship{
			TenantID:         em.TenantID,
			RelationshipType: embedded.RelationshipType,
			FromEntityID:     fromEntityID,
			ToEntityID:       embedded.ToEntityID,
			Properties:       embedded.Properties,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}

	return out, nil
}

// ProcessDelete soft deletes an entity and drops it from the blocking index
func (p *Processor) ProcessDelete(ctx context.Context, em *kafka.EntityMessage) error {
	ctx, span := tracing.StartSpan(ctx, "processor.Processor.ProcessDelete")
	defer span.End()

	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": em.TenantID,
		"entity_id": em.EntityID,
	})

	ctxTx, tx, err := p.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctxTx)

	entity, err := p.entities.Get(ctxTx, em.TenantID, em.EntityID)
	if err != nil {
		return err
	}
	if entity == nil || entity.DeletedAt != nil {
		log.Debug("Delete for unknown or already deleted entity, ignoring")
		return tx.Commit(ctxTx)
	}

	if err := p.entities.SoftDelete(ctxTx, em.TenantID, entity.ID); err != nil {
		return err
	}
	if err := p.entities.DeleteBlockingKeys(ctxTx, em.TenantID, entity.ID); err != nil {
		return err
	}

	rels, err := p.relationships.ListByEntity(ctxTx, em.TenantID, entity.ID)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		if err := p.relationships.SoftDelete(ctxTx, em.TenantID, rel.ID); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctxTx); err != nil {
		return err
	}

	if p.cache != nil {
		if err := p.cache.Invalidate(ctx, entity.TenantID, entity.ID); err != nil {
			log.WithError(err).Warn("Failed to invalidate embedding cache")
		}
	}
	if p.graph != nil {
		if err := p.graph.DeleteEntity(ctx, entity.TenantID, entity.ID, entity.EntityType); err != nil {
			log.WithError(err).Warn("Failed to mirror entity delete to graph")
		}
	}
	if p.events != nil {
		if err := p.events.EmitEntityDeleted(ctx, entity.TenantID, entity.ID, entity.EntityType, entity.Version); err != nil {
			log.WithError(err).Warn("Failed to emit entity deleted event")
		}
	}

	log.WithFields(map[string]any{"relationships": len(rels)}).Info("Processed entity delete")
	return nil
}

// afterUpsert runs the best-effort post-commit side effects
func (p *Processor) afterUpsert(ctx context.Context, result *Result, rels []*models.Relationship) {
	if !result.Changed {
		return
	}

	entity := result.Entity
	log := p.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": entity.TenantID,
		"entity_id": entity.ID,
	})

	if p.cache != nil && !result.Created {
		if err := p.cache.Invalidate(ctx, entity.TenantID, entity.ID); err != nil {
			log.WithError(err).Warn("Failed to invalidate embedding cache")
		}
	}

	if p.graph != nil {
		if err := p.graph.UpsertEntity(ctx, entity); err != nil {
			log.WithError(err).Warn("Failed to mirror entity to graph")
		}
		for _, rel := range rels {
			if err := p.graph.UpsertRelationship(ctx, rel); err != nil {
				log.WithError(err).Warn("Failed to mirror relationship to graph")
			}
		}
	}

	if p.events != nil {
		var err error
		if result.Created {
			err = p.events.EmitEntityCreated(ctx, entity)
		} else {
			err = p.events.EmitEntityUpdated(ctx, entity)
		}
		if err != nil {
			log.WithError(err).Warn("Failed to emit entity event")
		}
	}
}

// messageFingerprint hashes the fields of an upsert that matter for change
// detection
func messageFingerprint(em *kafka.EntityMessage) string {
	return fingerprint.Generate(map[string]any{
		"entity_type":      em.EntityType,
		"name":             em.Name,
		"properties":       decodeProperties(em.Properties),
		"confidence_score": em.ConfidenceScore,
	})
}

// entityFingerprint hashes the same fields from the stored entity so the
// two sides compare apples to apples
func entityFingerprint(entity *models.Entity) string {
	return fingerprint.Generate(map[string]any{
		"entity_type":      entity.EntityType,
		"name":             entity.Name,
		"properties":       decodeProperties(entity.Properties),
		"confidence_score": entity.ConfidenceScore,
	})
}

// normalizeProperties runs the tenant's configured normalizer chains over
// incoming string property values. It runs before change detection so the
// stored and incoming fingerprints agree.
func normalizeProperties(raw json.RawMessage, chains map[string][]string) json.RawMessage {
	if len(chains) == 0 || len(raw) == 0 {
		return raw
	}
	props := map[string]any{}
	if err := json.Unmarshal(raw, &props); err != nil {
		return raw
	}
	changed := false
	for property, chain := range chains {
		value, ok := props[property].(string)
		if !ok {
			continue
		}
		normalized := normalizers.ApplyChain(value, chain...)
		if normalized != value {
			props[property] = normalized
			changed = true
		}
	}
	if !changed {
		return raw
	}
	out, err := json.Marshal(props)
	if err != nil {
		return raw
	}
	return out
}

func decodeProperties(raw json.RawMessage) map[string]any {
	props := map[string]any{}
	if len(raw) == 0 {
		return props
	}
	if err := json.Unmarshal(raw, &props); err != nil {
		return map[string]any{}
	}
	return props
}
