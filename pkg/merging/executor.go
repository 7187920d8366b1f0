// Package merging applies approved and auto-classified merges as atomic
// units, and reverses them through the history log
package merging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// TxBeginner opens or joins a transaction carried on the context
type TxBeginner interface {
	GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error)
}

// EntityStore is the executor's view of entity persistence. Mutating calls
// join the transaction carried on the context.
type EntityStore interface {
	Get(ctx context.Context, tenantID, id string) (*models.Entity, error)
	Create(ctx context.Context, entity *models.Entity) (*models.Entity, error)
	UpdateProperties(ctx context.Context, tenantID, id string, properties json.RawMessage) error
	// MarkAlias sets canonical_id with an optimistic version check and
	// returns ErrMergeConflict when the row moved underneath us
	MarkAlias(ctx context.Context, tenantID, id, canonicalID string, expectedVersion int) error
	RestoreCanonical(ctx context.Context, tenantID, id string) error
}

// RelationshipStore is the executor's view of relationship persistence
type RelationshipStore interface {
	ListByEntity(ctx context.Context, tenantID, entityID string) ([]*models.Relationship, error)
	Get(ctx context.Context, tenantID, id string) (*models.Relationship, error)
	UpdateEndpoints(ctx context.Context, tenantID, id, fromEntityID, toEntityID string) error
	SoftDelete(ctx context.Context, tenantID, id string) error
	Restore(ctx context.Context, tenantID, id string) error
}

// HistoryStore is the executor's view of the append-only audit log
type HistoryStore interface {
	Create(ctx context.Context, record *models.MergeHistory) (*models.MergeHistory, error)
	Get(ctx context.Context, tenantID, id string) (*models.MergeHistory, error)
	MarkUndone(ctx context.Context, tenantID, id, undoneBy string, reason *string) error
}

// CacheInvalidator drops cached embeddings for merged entities. Failures
// are logged and swallowed; a stale cache entry is a performance problem,
// never a correctness one.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, tenantID, entityID string) error
}

// EventEmitter publishes merge lifecycle events after commit
type EventEmitter interface {
	EmitEntitiesMerged(ctx context.Context, record *models.MergeHistory) error
	EmitMergeUndone(ctx context.Context, record *models.MergeHistory) error
}

// MergeOutcome reports what one applied merge did
type MergeOutcome struct {
	CanonicalID string               `json:"canonical_id"`
	AliasID     string               `json:"alias_id"`
	History     *models.MergeHistory `json:"history"`
}

// SplitRequest partitions a conflated canonical entity: the named property
// keys and relationships move onto a newly created entity
type SplitRequest struct {
	CanonicalID     string   `json:"canonical_id" validate:"required"`
	NewEntityName   string   `json:"new_entity_name" validate:"required"`
	PropertyKeys    []string `json:"property_keys,omitempty"`
	RelationshipIDs []string `json:"relationship_ids,omitempty"`
	PerformedBy     string   `json:"performed_by" validate:"required"`
	Details         *string  `json:"details,omitempty"`
}

// Executor applies merges atomically: canonical selection, property union,
// relationship re-pointing, alias marking and exactly one history record
// succeed or fail together.
type Executor struct {
	logger        ectologger.Logger
	db            TxBeginner
	entities      EntityStore
	relationships RelationshipStore
	history       HistoryStore
	cache         CacheInvalidator
	emitter       EventEmitter
}

// NewExecutor creates a merge executor. The cache and emitter are optional.
func NewExecutor(
	logger ectologger.Logger,
	db TxBeginner,
	entities EntityStore,
	relationships RelationshipStore,
	history HistoryStore,
	cache CacheInvalidator,
	emitter EventEmitter,
) *Executor {
	return &Executor{
		logger:        logger,
		db:            db,
		entities:      entities,
		relationships: relationships,
		history:       history,
		cache:         cache,
		emitter:       emitter,
	}
}

// Merge applies one merge for the pair snapshotted at blocking time. The
// snapshots carry the versions the decision was based on; if either entity
// moved since, the merge aborts with ErrMergeConflict and no history.
func (e *Executor) Merge(ctx context.Context, a, b *models.Entity, scores models.FeatureScores, reason, performedBy string) (*MergeOutcome, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.Merge")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":   a.TenantID,
		"entity_a_id": a.ID,
		"entity_b_id": b.ID,
		"reason":      reason,
	})

	ctxTx, tx, err := e.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	currentA, err := e.freshCanonical(ctxTx, a)
	if err != nil {
		return nil, err
	}
	currentB, err := e.freshCanonical(ctxTx, b)
	if err != nil {
		return nil, err
	}

	canonical, alias := SelectCanonical(currentA, currentB)

	mergedProps, copiedKeys, err := UnionProperties(canonical, alias)
	if err != nil {
		return nil, fmt.Errorf("property union failed: %w", err)
	}
	if err := e.entities.UpdateProperties(ctxTx, canonical.TenantID, canonical.ID, mergedProps); err != nil {
		return nil, err
	}

	details, err := e.repointRelationships(ctxTx, canonical, alias)
	if err != nil {
		return nil, err
	}
	details.CopiedPropertyKeys = copiedKeys

	if err := e.entities.MarkAlias(ctxTx, alias.TenantID, alias.ID, canonical.ID, alias.Version); err != nil {
		return nil, err
	}

	detailsJSON, err := details.Encode()
	if err != nil {
		return nil, err
	}

	record := &models.MergeHistory{
		TenantID:          canonical.TenantID,
		EventID:           uuid.New().String(),
		EventType:         models.MergeEventEntitiesMerged,
		CanonicalEntityID: &canonical.ID,
		AffectedEntityIDs: []string{canonical.ID, alias.ID},
		Scores:            scores,
		MergeReason:       reason,
		Details:           detailsJSON,
		PerformedBy:       performedBy,
		PerformedAt:       time.Now().UTC(),
	}
	created, err := e.history.Create(ctxTx, record)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	e.invalidateCaches(ctx, canonical.TenantID, canonical.ID, alias.ID)

	if e.emitter != nil {
		if err := e.emitter.EmitEntitiesMerged(ctx, created); err != nil {
			log.WithError(err).Warn("Failed to emit merge event")
		}
	}

	log.WithFields(map[string]any{
		"canonical_id": canonical.ID,
		"alias_id":     alias.ID,
		"history_id":   created.ID,
	}).Info("Merge applied")

	return &MergeOutcome{
		CanonicalID: canonical.ID,
		AliasID:     alias.ID,
		History:     created,
	}, nil
}

// Undo reverses a previously applied merge: the alias becomes canonical
// again, re-pointed relationships are restored where recoverable, the
// original record is flagged undone and a MERGE_UNDONE record is appended.
// Properties copied during the merge stay on the canonical.
func (e *Executor) Undo(ctx context.Context, tenantID, historyID string, req *models.UndoMergeRequest) (*models.MergeHistory, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.Undo")
	defer span.End()

	ctxTx, tx, err := e.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	original, err := e.history.Get(ctxTx, tenantID, historyID)
	if err != nil {
		return nil, err
	}
	if original == nil {
		return nil, fmt.Errorf("history record %s: %w", historyID, ErrEntityNotFound)
	}
	if !original.CanUndo() {
		return nil, ErrNotUndoable
	}
	if original.CanonicalEntityID == nil {
		return nil, ErrNotUndoable
	}

	canonicalID := *original.CanonicalEntityID
	aliasID := ""
	for _, id := range original.AffectedEntityIDs {
		if id != canonicalID {
			aliasID = id
			break
		}
	}
	if aliasID == "" {
		return nil, ErrNotUndoable
	}

	if err := e.entities.RestoreCanonical(ctxTx, tenantID, aliasID); err != nil {
		return nil, err
	}

	details, err := DecodeMergeDetails(original.Details)
	if err != nil {
		return nil, err
	}
	restored, unrecoverable := e.restoreRelationships(ctxTx, tenantID, details)

	if err := e.history.MarkUndone(ctxTx, tenantID, historyID, req.UndoneBy, req.Reason); err != nil {
		return nil, err
	}

	undoDetails := fmt.Sprintf(`{"original_event_id":%q,"relationships_restored":%d,"relationships_unrecoverable":%d}`,
		original.EventID, restored, unrecoverable)
	undoRecord := &models.MergeHistory{
		TenantID:          tenantID,
		EventID:           original.EventID,
		EventType:         models.MergeEventMergeUndone,
		CanonicalEntityID: original.CanonicalEntityID,
		AffectedEntityIDs: original.AffectedEntityIDs,
		MergeReason:       "undo",
		Details:           &undoDetails,
		PerformedBy:       req.UndoneBy,
		PerformedAt:       time.Now().UTC(),
	}
	created, err := e.history.Create(ctxTx, undoRecord)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	e.invalidateCaches(ctx, tenantID, canonicalID, aliasID)

	if e.emitter != nil {
		if err := e.emitter.EmitMergeUndone(ctx, created); err != nil {
			e.logger.WithContext(ctx).WithError(err).Warn("Failed to emit undo event")
		}
	}

	return created, nil
}

// Split partitions a conflated canonical entity into two. The named
// property keys and relationships move to a new entity; an ENTITY_SPLIT
// record documents the operation. Splits have no automatic reverse.
func (e *Executor) Split(ctx context.Context, tenantID string, req *SplitRequest) (*models.Entity, error) {
	ctx, span := tracing.StartSpan(ctx, "merging.Executor.Split")
	defer span.End()

	ctxTx, tx, err := e.db.GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctxTx)

	source, err := e.entities.Get(ctxTx, tenantID, req.CanonicalID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("entity %s: %w", req.CanonicalID, ErrEntityNotFound)
	}
	if source.IsAlias() {
		return nil, fmt.Errorf("entity %s is an alias and cannot be split", req.CanonicalID)
	}

	sourceProps, err := source.PropertyMap()
	if err != nil {
		return nil, err
	}
	movedProps := map[string]any{}
	for _, key := range req.PropertyKeys {
		if value, ok := sourceProps[key]; ok {
			movedProps[key] = value
			delete(sourceProps, key)
		}
	}

	split := &models.Entity{
		TenantID:        tenantID,
		EntityType:      source.EntityType,
		Name:            req.NewEntityName,
		ConfidenceScore: source.ConfidenceScore,
		IsCanonical:     true,
	}
	if err := split.SetPropertyMap(movedProps); err != nil {
		return nil, err
	}
	created, err := e.entities.Create(ctxTx, split)
	if err != nil {
		return nil, err
	}

	if err := source.SetPropertyMap(sourceProps); err != nil {
		return nil, err
	}
	if err := e.entities.UpdateProperties(ctxTx, tenantID, source.ID, source.Properties); err != nil {
		return nil, err
	}

	for _, relID := range req.RelationshipIDs {
		rel, err := e.relationships.Get(ctxTx, tenantID, relID)
		if err != nil {
			return nil, err
		}
		if rel == nil {
			continue
		}
		from, to := rel.FromEntityID, rel.ToEntityID
		if from == source.ID {
			from = created.ID
		}
		if to == source.ID {
			to = created.ID
		}
		if err := e.relationships.UpdateEndpoints(ctxTx, tenantID, relID, from, to); err != nil {
			return nil, err
		}
	}

	record := &models.MergeHistory{
		TenantID:          tenantID,
		EventID:           uuid.New().String(),
		EventType:         models.MergeEventEntitySplit,
		AffectedEntityIDs: []string{source.ID, created.ID},
		MergeReason:       "manual_split",
		Details:           req.Details,
		PerformedBy:       req.PerformedBy,
		PerformedAt:       time.Now().UTC(),
	}
	if _, err := e.history.Create(ctxTx, record); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, err
	}

	e.invalidateCaches(ctx, tenantID, source.ID, created.ID)

	return created, nil
}

// freshCanonical re-reads a merge participant and verifies it is still the
// entity the decision was computed against
func (e *Executor) freshCanonical(ctx context.Context, snapshot *models.Entity) (*models.Entity, error) {
	current, err := e.entities.Get(ctx, snapshot.TenantID, snapshot.ID)
	if err != nil {
		return nil, err
	}
	if current == nil || current.DeletedAt != nil {
		return nil, fmt.Errorf("entity %s: %w", snapshot.ID, ErrEntityNotFound)
	}
	if current.IsAlias() || !current.IsCanonical {
		return nil, fmt.Errorf("entity %s was merged by another run: %w", snapshot.ID, ErrMergeConflict)
	}
	if current.Version != snapshot.Version {
		return nil, fmt.Errorf("entity %s version moved from %d to %d: %w", snapshot.ID, snapshot.Version, current.Version, ErrMergeConflict)
	}
	return current, nil
}

// repointRelationships rewrites every relationship touching the alias to
// reference the canonical, dropping rewrites that duplicate an existing
// (source, target, type) triple
func (e *Executor) repointRelationships(ctx context.Context, canonical, alias *models.Entity) (*MergeDetails, error) {
	details := &MergeDetails{}

	existing, err := e.relationships.ListByEntity(ctx, canonical.TenantID, canonical.ID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, rel := range existing {
		seen[relKey(rel.FromEntityID, rel.ToEntityID, rel.RelationshipType)] = struct{}{}
	}

	aliasRels, err := e.relationships.ListByEntity(ctx, alias.TenantID, alias.ID)
	if err != nil {
		return nil, err
	}

	for _, rel := range aliasRels {
		from, to := rel.FromEntityID, rel.ToEntityID
		if from == alias.ID {
			from = canonical.ID
		}
		if to == alias.ID {
			to = canonical.ID
		}

		if from == to {
			// a relationship between the two merged entities collapses to a
			// self-loop; drop it
			if err := e.relationships.SoftDelete(ctx, rel.TenantID, rel.ID); err != nil {
				return nil, err
			}
			details.Dropped = append(details.Dropped, DroppedRelationship{
				ID:         rel.ID,
				FromBefore: rel.FromEntityID,
				ToBefore:   rel.ToEntityID,
				Type:       rel.RelationshipType,
			})
			continue
		}

		key := relKey(from, to, rel.RelationshipType)
		if _, duplicate := seen[key]; duplicate {
			if err := e.relationships.SoftDelete(ctx, rel.TenantID, rel.ID); err != nil {
				return nil, err
			}
			details.Dropped = append(details.Dropped, DroppedRelationship{
				ID:         rel.ID,
				FromBefore: rel.FromEntityID,
				ToBefore:   rel.ToEntityID,
				Type:       rel.RelationshipType,
			})
			continue
		}

		if err := e.relationships.UpdateEndpoints(ctx, rel.TenantID, rel.ID, from, to); err != nil {
			return nil, err
		}
		seen[key] = struct{}{}
		details.Repointed = append(details.Repointed, RepointedRelationship{
			ID:         rel.ID,
			FromBefore: rel.FromEntityID,
			ToBefore:   rel.ToEntityID,
			FromAfter:  from,
			ToAfter:    to,
		})
	}

	return details, nil
}

// restoreRelationships reverses the recorded rewrites where the
// relationship still exists with the post-merge endpoints. Anything the
// graph has since changed is left alone and counted as unrecoverable.
func (e *Executor) restoreRelationships(ctx context.Context, tenantID string, details *MergeDetails) (restored, unrecoverable int) {
	for _, repointed := range details.Repointed {
		rel, err := e.relationships.Get(ctx, tenantID, repointed.ID)
		if err != nil || rel == nil {
			unrecoverable++
			continue
		}
		if rel.FromEntityID != repointed.FromAfter || rel.ToEntityID != repointed.ToAfter {
			unrecoverable++
			continue
		}
		if err := e.relationships.UpdateEndpoints(ctx, tenantID, repointed.ID, repointed.FromBefore, repointed.ToBefore); err != nil {
			unrecoverable++
			continue
		}
		restored++
	}

	for _, dropped := range details.Dropped {
		if err := e.relationships.Restore(ctx, tenantID, dropped.ID); err != nil {
			unrecoverable++
			continue
		}
		restored++
	}

	return restored, unrecoverable
}

func (e *Executor) invalidateCaches(ctx context.Context, tenantID string, entityIDs ...string) {
	if e.cache == nil {
		return
	}
	for _, id := range entityIDs {
		if err := e.cache.Invalidate(ctx, tenantID, id); err != nil {
			e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"tenant_id": tenantID,
				"entity_id": id,
			}).Warn("Embedding cache invalidation failed")
		}
	}
}

func relKey(from, to, relType string) string {
	return from + "\x00" + to + "\x00" + relType
}
