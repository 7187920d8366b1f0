package graph

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Mirror replays committed merge events into the graph so neighbor queries
// see the post-merge topology. Mirroring is best effort and runs after the
// Postgres commit; a failed step is logged and the rest still applies.
type Mirror struct {
	entities      *EntityService
	relationships *RelationshipService
	logger        ectologger.Logger
}

// NewMirror creates a graph merge mirror
func NewMirror(entities *EntityService, relationships *RelationshipService, logger ectologger.Logger) *Mirror {
	return &Mirror{
		entities:      entities,
		relationships: relationships,
		logger:        logger,
	}
}

// UpsertEntity reflects an ingested entity into the graph
func (m *Mirror) UpsertEntity(ctx context.Context, entity *models.Entity) error {
	return m.entities.CreateOrUpdate(ctx, entity)
}

// UpsertRelationship reflects an ingested relationship into the graph
func (m *Mirror) UpsertRelationship(ctx context.Context, rel *models.Relationship) error {
	return m.relationships.CreateOrUpdate(ctx, rel)
}

// DeleteEntity reflects an entity soft delete into the graph
func (m *Mirror) DeleteEntity(ctx context.Context, tenantID, entityID, entityType string) error {
	return m.entities.Delete(ctx, tenantID, entityID, entityType)
}

// EmitEntitiesMerged applies a committed merge to the graph: the alias node
// is flagged and the recorded relationship rewrites are replayed
func (m *Mirror) EmitEntitiesMerged(ctx context.Context, record *models.MergeHistory) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Mirror.EmitEntitiesMerged")
	defer span.End()

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":  record.TenantID,
		"history_id": record.ID,
	})

	canonicalID, aliasID, ok := mergeParticipants(record)
	if !ok {
		return nil
	}

	if err := m.entities.MarkAlias(ctx, record.TenantID, aliasID, canonicalID); err != nil {
		log.WithError(err).Warn("Failed to mark alias node in graph")
	}

	details, err := merging.DecodeMergeDetails(record.Details)
	if err != nil {
		log.WithError(err).Warn("Failed to decode merge details for graph mirror")
		return nil
	}

	for _, repointed := range details.Repointed {
		if err := m.relationships.RepointAnyType(ctx, record.TenantID, repointed.ID, repointed.FromAfter, repointed.ToAfter); err != nil {
			log.WithError(err).WithFields(map[string]any{
				"relationship_id": repointed.ID,
			}).Warn("Failed to repoint edge in graph")
		}
	}
	for _, dropped := range details.Dropped {
		if err := m.relationships.Delete(ctx, record.TenantID, dropped.ID, dropped.Type); err != nil {
			log.WithError(err).WithFields(map[string]any{
				"relationship_id": dropped.ID,
			}).Warn("Failed to drop edge in graph")
		}
	}

	return nil
}

// EmitMergeUndone reverses the graph side of an undone merge
func (m *Mirror) EmitMergeUndone(ctx context.Context, record *models.MergeHistory) error {
	ctx, span := tracing.StartSpan(ctx, "graph.Mirror.EmitMergeUndone")
	defer span.End()

	log := m.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":  record.TenantID,
		"history_id": record.ID,
	})

	_, aliasID, ok := mergeParticipants(record)
	if !ok {
		return nil
	}

	if err := m.entities.RestoreCanonical(ctx, record.TenantID, aliasID); err != nil {
		log.WithError(err).Warn("Failed to restore canonical node in graph")
	}

	return nil
}

// mergeParticipants extracts (canonical, alias) from a merge record
func mergeParticipants(record *models.MergeHistory) (string, string, bool) {
	if record.CanonicalEntityID == nil {
		return "", "", false
	}
	canonicalID := *record.CanonicalEntityID
	for _, id := range record.AffectedEntityIDs {
		if id != canonicalID {
			return canonicalID, id, true
		}
	}
	return "", "", false
}
