package merging

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeTx struct {
	database.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) Commit(_ context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(_ context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *fakeTx) IsOpen() bool {
	return !t.committed && !t.rolledBack
}

type fakeDB struct {
	lastTx *fakeTx
}

func (d *fakeDB) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	d.lastTx = &fakeTx{}
	return ctx, d.lastTx, nil
}

type fakeEntityStore struct {
	entities map[string]*models.Entity
}

func (s *fakeEntityStore) Get(_ context.Context, tenantID, id string) (*models.Entity, error) {
	e, ok := s.entities[id]
	if !ok || e.TenantID != tenantID {
		return nil, nil
	}
	clone := *e
	return &clone, nil
}

func (s *fakeEntityStore) Create(_ context.Context, entity *models.Entity) (*models.Entity, error) {
	clone := *entity
	clone.ID = uuid.New().String()
	clone.Version = 1
	s.entities[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (s *fakeEntityStore) UpdateProperties(_ context.Context, tenantID, id string, properties json.RawMessage) error {
	e, ok := s.entities[id]
	if !ok || e.TenantID != tenantID {
		return fmt.Errorf("entity %s not found", id)
	}
	e.Properties = properties
	e.Version++
	return nil
}

func (s *fakeEntityStore) MarkAlias(_ context.Context, tenantID, id, canonicalID string, expectedVersion int) error {
	e, ok := s.entities[id]
	if !ok || e.TenantID != tenantID {
		return fmt.Errorf("entity %s not found", id)
	}
	if e.Version != expectedVersion {
		return ErrMergeConflict
	}
	e.CanonicalID = &canonicalID
	e.IsCanonical = false
	e.Version++
	return nil
}

func (s *fakeEntityStore) RestoreCanonical(_ context.Context, tenantID, id string) error {
	e, ok := s.entities[id]
	if !ok || e.TenantID != tenantID {
		return fmt.Errorf("entity %s not found", id)
	}
	e.CanonicalID = nil
	e.IsCanonical = true
	e.Version++
	return nil
}

type fakeRelationshipStore struct {
	relationships map[string]*models.Relationship
	deleted       map[string]bool
}

func (s *fakeRelationshipStore) ListByEntity(_ context.Context, tenantID, entityID string) ([]*models.Relationship, error) {
	var out []*models.Relationship
	for _, rel := range s.relationships {
		if s.deleted[rel.ID] || rel.TenantID != tenantID {
			continue
		}
		if rel.FromEntityID == entityID || rel.ToEntityID == entityID {
			clone := *rel
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *fakeRelationshipStore) Get(_ context.Context, tenantID, id string) (*models.Relationship, error) {
	rel, ok := s.relationships[id]
	if !ok || rel.TenantID != tenantID || s.deleted[id] {
		return nil, nil
	}
	clone := *rel
	return &clone, nil
}

func (s *fakeRelationshipStore) UpdateEndpoints(_ context.Context, tenantID, id, fromEntityID, toEntityID string) error {
	rel, ok := s.relationships[id]
	if !ok || rel.TenantID != tenantID {
		return fmt.Errorf("relationship %s not found", id)
	}
	rel.FromEntityID = fromEntityID
	rel.ToEntityID = toEntityID
	return nil
}

func (s *fakeRelationshipStore) SoftDelete(_ context.Context, _, id string) error {
	s.deleted[id] = true
	return nil
}

func (s *fakeRelationshipStore) Restore(_ context.Context, _, id string) error {
	if !s.deleted[id] {
		return fmt.Errorf("relationship %s is not deleted", id)
	}
	delete(s.deleted, id)
	return nil
}

type fakeHistoryStore struct {
	records map[string]*models.MergeHistory
}

func (s *fakeHistoryStore) Create(_ context.Context, record *models.MergeHistory) (*models.MergeHistory, error) {
	clone := *record
	clone.ID = uuid.New().String()
	s.records[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (s *fakeHistoryStore) Get(_ context.Context, tenantID, id string) (*models.MergeHistory, error) {
	record, ok := s.records[id]
	if !ok || record.TenantID != tenantID {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (s *fakeHistoryStore) MarkUndone(_ context.Context, tenantID, id, undoneBy string, reason *string) error {
	record, ok := s.records[id]
	if !ok || record.TenantID != tenantID {
		return fmt.Errorf("history record %s not found", id)
	}
	record.Undone = true
	record.UndoneBy = &undoneBy
	record.UndoReason = reason
	return nil
}

func (s *fakeHistoryStore) byType(eventType models.MergeEventType) []*models.MergeHistory {
	var out []*models.MergeHistory
	for _, r := range s.records {
		if r.EventType == eventType {
			out = append(out, r)
		}
	}
	return out
}

type fakeCache struct {
	invalidated []string
}

func (c *fakeCache) Invalidate(_ context.Context, _, entityID string) error {
	c.invalidated = append(c.invalidated, entityID)
	return nil
}

type executorHarness struct {
	executor *Executor
	db       *fakeDB
	entities *fakeEntityStore
	rels     *fakeRelationshipStore
	history  *fakeHistoryStore
	cache    *fakeCache
}

func newHarness() *executorHarness {
	h := &executorHarness{
		db:       &fakeDB{},
		entities: &fakeEntityStore{entities: map[string]*models.Entity{}},
		rels:     &fakeRelationshipStore{relationships: map[string]*models.Relationship{}, deleted: map[string]bool{}},
		history:  &fakeHistoryStore{records: map[string]*models.MergeHistory{}},
		cache:    &fakeCache{},
	}
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	h.executor = NewExecutor(logger, h.db, h.entities, h.rels, h.history, h.cache, nil)
	return h
}

func (h *executorHarness) addEntity(id string, confidence float64, props map[string]any) *models.Entity {
	e := &models.Entity{
		ID:              id,
		TenantID:        "tenant-1",
		EntityType:      "person",
		Name:            id,
		NormalizedName:  id,
		ConfidenceScore: confidence,
		IsCanonical:     true,
		Version:         1,
	}
	if props != nil {
		_ = e.SetPropertyMap(props)
	}
	h.entities.entities[id] = e
	clone := *e
	return &clone
}

func (h *executorHarness) addRelationship(id, from, to, relType string) {
	h.rels.relationships[id] = &models.Relationship{
		ID:               id,
		TenantID:         "tenant-1",
		RelationshipType: relType,
		FromEntityID:     from,
		ToEntityID:       to,
	}
}

func TestSelectCanonical(t *testing.T) {
	tests := []struct {
		name              string
		confA             float64
		confB             float64
		idA               string
		idB               string
		expectedCanonical string
	}{
		{name: "higher confidence wins", confA: 0.95, confB: 0.80, idA: "a", idB: "b", expectedCanonical: "a"},
		{name: "higher confidence wins reversed", confA: 0.60, confB: 0.90, idA: "a", idB: "b", expectedCanonical: "b"},
		{name: "tie breaks to lower id", confA: 0.80, confB: 0.80, idA: "b", idB: "a", expectedCanonical: "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &models.Entity{ID: tt.idA, ConfidenceScore: tt.confA}
			b := &models.Entity{ID: tt.idB, ConfidenceScore: tt.confB}
			canonical, alias := SelectCanonical(a, b)
			assert.Equal(t, tt.expectedCanonical, canonical.ID)
			assert.NotEqual(t, canonical.ID, alias.ID)
		})
	}
}

func TestUnionProperties(t *testing.T) {
	canonical := &models.Entity{}
	require.NoError(t, canonical.SetPropertyMap(map[string]any{"name": "Acme", "city": "Austin"}))
	alias := &models.Entity{}
	require.NoError(t, alias.SetPropertyMap(map[string]any{"city": "Dallas", "founded": 1999}))

	merged, copied, err := UnionProperties(canonical, alias)
	require.NoError(t, err)

	var result map[string]any
	require.NoError(t, json.Unmarshal(merged, &result))

	// canonical values are never overwritten
	assert.Equal(t, "Austin", result["city"])
	assert.Equal(t, "Acme", result["name"])
	assert.Equal(t, float64(1999), result["founded"])
	assert.Equal(t, []string{"founded"}, copied)
}

func TestMergeSelectsHigherConfidenceCanonical(t *testing.T) {
	h := newHarness()
	a := h.addEntity("entity-a", 0.95, nil)
	b := h.addEntity("entity-b", 0.80, nil)

	outcome, err := h.executor.Merge(context.Background(), a, b, models.FeatureScores{}, models.MergeReasonAutoHighConfidence, "system")
	require.NoError(t, err)

	assert.Equal(t, "entity-a", outcome.CanonicalID)
	assert.Equal(t, "entity-b", outcome.AliasID)
	assert.True(t, h.db.lastTx.committed)

	stored := h.entities.entities["entity-b"]
	require.NotNil(t, stored.CanonicalID)
	assert.Equal(t, "entity-a", *stored.CanonicalID)
	assert.False(t, stored.IsCanonical)
	assert.True(t, stored.IsAlias())

	merges := h.history.byType(models.MergeEventEntitiesMerged)
	require.Len(t, merges, 1)
	assert.Equal(t, []string{"entity-a", "entity-b"}, merges[0].AffectedEntityIDs)
	assert.Equal(t, models.MergeReasonAutoHighConfidence, merges[0].MergeReason)

	assert.ElementsMatch(t, []string{"entity-a", "entity-b"}, h.cache.invalidated)
}

func TestMergeUnionsProperties(t *testing.T) {
	h := newHarness()
	a := h.addEntity("entity-a", 0.95, map[string]any{"name": "Acme", "city": "Austin"})
	b := h.addEntity("entity-b", 0.80, map[string]any{"city": "Dallas", "founded": 1999})

	_, err := h.executor.Merge(context.Background(), a, b, models.FeatureScores{}, models.MergeReasonAutoHighConfidence, "system")
	require.NoError(t, err)

	props, err := h.entities.entities["entity-a"].PropertyMap()
	require.NoError(t, err)
	assert.Equal(t, "Austin", props["city"])
	assert.Equal(t, float64(1999), props["founded"])
}

func TestMergeRepointsAndDeduplicatesRelationships(t *testing.T) {
	h := newHarness()
	a := h.addEntity("entity-a", 0.95, nil)
	b := h.addEntity("entity-b", 0.80, nil)
	h.addEntity("entity-c", 0.70, nil)

	// a and b both point at c with the same type: the rewrite duplicates
	h.addRelationship("rel-1", "entity-a", "entity-c", "works_at")
	h.addRelationship("rel-2", "entity-b", "entity-c", "works_at")
	// unique relationship on b gets re-pointed
	h.addRelationship("rel-3", "entity-b", "entity-c", "manages")
	// relationship between the merged pair collapses to a self-loop
	h.addRelationship("rel-4", "entity-a", "entity-b", "related_to")

	_, err := h.executor.Merge(context.Background(), a, b, models.FeatureScores{}, models.MergeReasonAutoHighConfidence, "system")
	require.NoError(t, err)

	assert.True(t, h.rels.deleted["rel-2"], "duplicate rewrite must be dropped")
	assert.True(t, h.rels.deleted["rel-4"], "self-loop must be dropped")
	assert.False(t, h.rels.deleted["rel-3"])
	assert.Equal(t, "entity-a", h.rels.relationships["rel-3"].FromEntityID)

	merges := h.history.byType(models.MergeEventEntitiesMerged)
	require.Len(t, merges, 1)
	details, err := DecodeMergeDetails(merges[0].Details)
	require.NoError(t, err)
	assert.Len(t, details.Repointed, 1)
	assert.Len(t, details.Dropped, 2)
}

func TestMergeConflictOnStaleVersion(t *testing.T) {
	h := newHarness()
	a := h.addEntity("entity-a", 0.95, nil)
	b := h.addEntity("entity-b", 0.80, nil)

	// another run bumped the stored version after blocking
	h.entities.entities["entity-b"].Version = 7

	_, err := h.executor.Merge(context.Background(), a, b, models.FeatureScores{}, models.MergeReasonAutoHighConfidence, "system")
	require.ErrorIs(t, err, ErrMergeConflict)

	// no history without a merge
	assert.Empty(t, h.history.records)
	assert.True(t, h.db.lastTx.rolledBack)
}

func TestMergeConflictOnConcurrentAlias(t *testing.T) {
	h := newHarness()
	a := h.addEntity("entity-a", 0.95, nil)
	b := h.addEntity("entity-b", 0.80, nil)

	other := "entity-z"
	h.entities.entities["entity-b"].CanonicalID = &other
	h.entities.entities["entity-b"].IsCanonical = false

	_, err := h.executor.Merge(context.Background(), a, b, models.FeatureScores{}, models.MergeReasonAutoHighConfidence, "system")
	require.ErrorIs(t, err, ErrMergeConflict)
	assert.Empty(t, h.history.records)
}

func TestUndoRestoresAliasAndAppendsRecord(t *testing.T) {
	h := newHarness()
	a := h.addEntity("entity-a", 0.95, nil)
	b := h.addEntity("entity-b", 0.80, nil)
	h.addEntity("entity-c", 0.70, nil)
	h.addRelationship("rel-1", "entity-b", "entity-c", "works_at")

	outcome, err := h.executor.Merge(context.Background(), a, b, models.FeatureScores{}, models.MergeReasonAutoHighConfidence, "system")
	require.NoError(t, err)

	reason := "merged in error"
	undone, err := h.executor.Undo(context.Background(), "tenant-1", outcome.History.ID, &models.UndoMergeRequest{
		UndoneBy: "admin",
		Reason:   &reason,
	})
	require.NoError(t, err)
	assert.Equal(t, models.MergeEventMergeUndone, undone.EventType)
	assert.Equal(t, outcome.History.EventID, undone.EventID)

	restored := h.entities.entities["entity-b"]
	assert.Nil(t, restored.CanonicalID)
	assert.True(t, restored.IsCanonical)

	// the re-pointed relationship is back on the alias
	assert.Equal(t, "entity-b", h.rels.relationships["rel-1"].FromEntityID)

	original := h.history.records[outcome.History.ID]
	assert.True(t, original.Undone)
	require.NotNil(t, original.UndoneBy)
	assert.Equal(t, "admin", *original.UndoneBy)

	// second undo attempt is rejected
	_, err = h.executor.Undo(context.Background(), "tenant-1", outcome.History.ID, &models.UndoMergeRequest{UndoneBy: "admin"})
	assert.ErrorIs(t, err, ErrNotUndoable)
}

func TestUndoSkipsRelationshipsChangedSinceMerge(t *testing.T) {
	h := newHarness()
	a := h.addEntity("entity-a", 0.95, nil)
	b := h.addEntity("entity-b", 0.80, nil)
	h.addEntity("entity-c", 0.70, nil)
	h.addEntity("entity-d", 0.70, nil)
	h.addRelationship("rel-1", "entity-b", "entity-c", "works_at")

	outcome, err := h.executor.Merge(context.Background(), a, b, models.FeatureScores{}, models.MergeReasonAutoHighConfidence, "system")
	require.NoError(t, err)

	// the graph moved on after the merge
	require.NoError(t, h.rels.UpdateEndpoints(context.Background(), "tenant-1", "rel-1", "entity-a", "entity-d"))

	_, err = h.executor.Undo(context.Background(), "tenant-1", outcome.History.ID, &models.UndoMergeRequest{UndoneBy: "admin"})
	require.NoError(t, err)

	// unrecoverable rewrite is left alone
	assert.Equal(t, "entity-d", h.rels.relationships["rel-1"].ToEntityID)
}

func TestUndoRejectsNonMergeRecords(t *testing.T) {
	h := newHarness()

	record, err := h.history.Create(context.Background(), &models.MergeHistory{
		TenantID:  "tenant-1",
		EventType: models.MergeEventEntitySplit,
	})
	require.NoError(t, err)

	_, err = h.executor.Undo(context.Background(), "tenant-1", record.ID, &models.UndoMergeRequest{UndoneBy: "admin"})
	assert.ErrorIs(t, err, ErrNotUndoable)
}

func TestSplitMovesPropertiesAndRelationships(t *testing.T) {
	h := newHarness()
	h.addEntity("entity-a", 0.95, map[string]any{"name": "Acme", "alt_name": "Acme Labs", "city": "Austin"})
	h.addEntity("entity-c", 0.70, nil)
	h.addRelationship("rel-1", "entity-a", "entity-c", "works_at")

	created, err := h.executor.Split(context.Background(), "tenant-1", &SplitRequest{
		CanonicalID:     "entity-a",
		NewEntityName:   "Acme Labs",
		PropertyKeys:    []string{"alt_name"},
		RelationshipIDs: []string{"rel-1"},
		PerformedBy:     "admin",
	})
	require.NoError(t, err)
	require.NotNil(t, created)

	sourceProps, err := h.entities.entities["entity-a"].PropertyMap()
	require.NoError(t, err)
	assert.NotContains(t, sourceProps, "alt_name")
	assert.Contains(t, sourceProps, "city")

	splitProps, err := h.entities.entities[created.ID].PropertyMap()
	require.NoError(t, err)
	assert.Equal(t, "Acme Labs", splitProps["alt_name"])

	assert.Equal(t, created.ID, h.rels.relationships["rel-1"].FromEntityID)

	splits := h.history.byType(models.MergeEventEntitySplit)
	require.Len(t, splits, 1)
	assert.Equal(t, []string{"entity-a", created.ID}, splits[0].AffectedEntityIDs)
}
