package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/blocking"
	"github.com/Ramsey-B/fern/pkg/consolidation"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/scoring"
)

// memoryTx satisfies the executor's transaction contract without a database
type memoryTx struct {
	database.Tx
	committed  bool
	rolledBack bool
}

func (t *memoryTx) Commit(_ context.Context) error {
	t.committed = true
	return nil
}

func (t *memoryTx) Rollback(_ context.Context) error {
	if !t.committed {
		t.rolledBack = true
	}
	return nil
}

func (t *memoryTx) IsOpen() bool {
	return !t.committed && !t.rolledBack
}

type memoryDB struct{}

func (d *memoryDB) GetTx(ctx context.Context, _ *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, &memoryTx{}, nil
}

// memoryStore backs the whole pipeline: it serves the merge executor's
// entity operations, the runner's canonical paging and the blocking
// engine's candidate index from one map
type memoryStore struct {
	mu       sync.Mutex
	config   *models.ConsolidationConfig
	entities map[string]*models.Entity
}

func newMemoryStore(config *models.ConsolidationConfig) *memoryStore {
	return &memoryStore{config: config, entities: map[string]*models.Entity{}}
}

func (s *memoryStore) Get(_ context.Context, tenantID, id string) (*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok || e.TenantID != tenantID {
		return nil, nil
	}
	clone := *e
	return &clone, nil
}

func (s *memoryStore) Create(_ context.Context, entity *models.Entity) (*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *entity
	if clone.ID == "" {
		clone.ID = uuid.New().String()
	}
	clone.Version = 1
	s.entities[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (s *memoryStore) UpdateProperties(_ context.Context, tenantID, id string, properties json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok || e.TenantID != tenantID {
		return fmt.Errorf("entity %s not found", id)
	}
	e.Properties = properties
	e.Version++
	return nil
}

func (s *memoryStore) MarkAlias(_ context.Context, tenantID, id, canonicalID string, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok || e.TenantID != tenantID {
		return fmt.Errorf("entity %s not found", id)
	}
	if e.Version != expectedVersion {
		return merging.ErrMergeConflict
	}
	e.CanonicalID = &canonicalID
	e.IsCanonical = false
	e.Version++
	return nil
}

func (s *memoryStore) RestoreCanonical(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok || e.TenantID != tenantID {
		return fmt.Errorf("entity %s not found", id)
	}
	e.CanonicalID = nil
	e.IsCanonical = true
	e.Version++
	return nil
}

func (s *memoryStore) ListCanonicalPage(_ context.Context, tenantID, afterID string, limit int) ([]*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []*models.Entity
	for _, e := range s.entities {
		if e.TenantID != tenantID || !e.IsCanonical || e.CanonicalID != nil || e.DeletedAt != nil {
			continue
		}
		if e.ID <= afterID {
			continue
		}
		clone := *e
		live = append(live, &clone)
	}
	sort.Slice(live, func(i, j int) bool { return live[i].ID < live[j].ID })

	if len(live) > limit {
		live = live[:limit]
	}
	return live, nil
}

// CanonicalByBlockingKey recomputes each candidate's keys on the fly, which
// mirrors what the persisted entity_blocking_keys table serves in production
func (s *memoryStore) CanonicalByBlockingKey(_ context.Context, tenantID, strategy, key string) ([]*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Entity
	for _, e := range s.entities {
		if e.TenantID != tenantID || !e.IsCanonical || e.CanonicalID != nil || e.DeletedAt != nil {
			continue
		}
		for _, k := range blocking.KeysForEntity(e, s.config)[strategy] {
			if k == key {
				clone := *e
				out = append(out, &clone)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memoryRelationshipStore struct {
	mu            sync.Mutex
	relationships map[string]*models.Relationship
	deleted       map[string]bool
}

func newMemoryRelationshipStore() *memoryRelationshipStore {
	return &memoryRelationshipStore{relationships: map[string]*models.Relationship{}, deleted: map[string]bool{}}
}

func (s *memoryRelationshipStore) ListByEntity(_ context.Context, tenantID, entityID string) ([]*models.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
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

func (s *memoryRelationshipStore) Get(_ context.Context, tenantID, id string) (*models.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relationships[id]
	if !ok || rel.TenantID != tenantID || s.deleted[id] {
		return nil, nil
	}
	clone := *rel
	return &clone, nil
}

func (s *memoryRelationshipStore) UpdateEndpoints(_ context.Context, tenantID, id, fromEntityID, toEntityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.relationships[id]
	if !ok || rel.TenantID != tenantID {
		return fmt.Errorf("relationship %s not found", id)
	}
	rel.FromEntityID = fromEntityID
	rel.ToEntityID = toEntityID
	return nil
}

func (s *memoryRelationshipStore) SoftDelete(_ context.Context, _, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted[id] = true
	return nil
}

func (s *memoryRelationshipStore) Restore(_ context.Context, _, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deleted, id)
	return nil
}

type memoryHistoryStore struct {
	mu      sync.Mutex
	records map[string]*models.MergeHistory
}

func newMemoryHistoryStore() *memoryHistoryStore {
	return &memoryHistoryStore{records: map[string]*models.MergeHistory{}}
}

func (s *memoryHistoryStore) Create(_ context.Context, record *models.MergeHistory) (*models.MergeHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	clone.ID = uuid.New().String()
	s.records[clone.ID] = &clone
	out := clone
	return &out, nil
}

func (s *memoryHistoryStore) Get(_ context.Context, tenantID, id string) (*models.MergeHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok || record.TenantID != tenantID {
		return nil, nil
	}
	clone := *record
	return &clone, nil
}

func (s *memoryHistoryStore) MarkUndone(_ context.Context, tenantID, id, undoneBy string, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok || record.TenantID != tenantID {
		return fmt.Errorf("history record %s not found", id)
	}
	if record.EventType != models.MergeEventEntitiesMerged || record.Undone {
		return merging.ErrNotUndoable
	}
	record.Undone = true
	record.UndoneBy = &undoneBy
	record.UndoReason = reason
	return nil
}

func (s *memoryHistoryStore) byType(eventType models.MergeEventType) []*models.MergeHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.MergeHistory
	for _, r := range s.records {
		if r.EventType == eventType {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out
}

type memoryLeaseStore struct {
	mu    sync.Mutex
	owner string
}

func (s *memoryLeaseStore) Acquire(_ context.Context, lease *models.RunLease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner != "" {
		return false, nil
	}
	s.owner = lease.RunID
	return true, nil
}

func (s *memoryLeaseStore) Renew(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}

func (s *memoryLeaseStore) Release(_ context.Context, _, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owner == runID {
		s.owner = ""
	}
	return nil
}

type memoryReviewQueue struct {
	mu    sync.Mutex
	items []*models.MergeReviewItem
}

func (q *memoryReviewQueue) EnqueuePending(_ context.Context, item *models.MergeReviewItem) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.items {
		if existing.Status == models.ReviewStatusPending &&
			existing.EntityAID == item.EntityAID && existing.EntityBID == item.EntityBID {
			return false, nil
		}
	}
	clone := *item
	clone.ID = uuid.New().String()
	q.items = append(q.items, &clone)
	return true, nil
}

type staticConfigSource struct {
	config *models.ConsolidationConfig
}

func (s *staticConfigSource) GetOrDefault(_ context.Context, _ string) (*models.ConsolidationConfig, error) {
	return s.config, nil
}

// pipeline wires the real blocking engine, scorer, policy dispatch and
// merge executor over in-memory stores
type pipeline struct {
	store    *memoryStore
	rels     *memoryRelationshipStore
	history  *memoryHistoryStore
	reviews  *memoryReviewQueue
	executor *merging.Executor
	runner   *consolidation.Runner
}

func pipelineConfig() *models.ConsolidationConfig {
	config := models.DefaultConsolidationConfig("tenant-1")
	config.BlockingStrategies = []string{models.BlockingEntityType, models.BlockingPhonetic}
	config.EnableEmbeddingSimilarity = false
	config.EnableGraphSimilarity = false
	return config
}

func newPipeline(config *models.ConsolidationConfig) *pipeline {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	p := &pipeline{
		store:   newMemoryStore(config),
		rels:    newMemoryRelationshipStore(),
		history: newMemoryHistoryStore(),
		reviews: &memoryReviewQueue{},
	}
	p.executor = merging.NewExecutor(logger, &memoryDB{}, p.store, p.rels, p.history, nil, nil)
	p.runner = consolidation.NewRunner(
		logger,
		&staticConfigSource{config: config},
		p.store,
		&memoryLeaseStore{},
		blocking.NewEngine(p.store, logger),
		scoring.NewScorer(nil, nil, logger),
		p.executor,
		p.reviews,
		nil,
		consolidation.RunnerOptions{Workers: 2},
	)
	return p
}

func (p *pipeline) addEntity(id, name string, confidence float64) {
	_, _ = p.store.Create(context.Background(), &models.Entity{
		ID:              id,
		TenantID:        "tenant-1",
		EntityType:      "person",
		Name:            name,
		NormalizedName:  normalizers.NormalizeEntityName(name),
		ConfidenceScore: confidence,
		IsCanonical:     true,
	})
}

func (p *pipeline) addRelationship(id, from, to, relType string) {
	p.rels.relationships[id] = &models.Relationship{
		ID:               id,
		TenantID:         "tenant-1",
		RelationshipType: relType,
		FromEntityID:     from,
		ToEntityID:       to,
	}
}

func TestPipelineAutoMergesDuplicates(t *testing.T) {
	p := newPipeline(pipelineConfig())
	p.addEntity("e-01", "Robert Smith", 0.9)
	p.addEntity("e-02", "robert smith", 0.7)
	p.addEntity("e-03", "Zelda Fitzgerald", 0.8)
	p.addRelationship("rel-1", "e-02", "e-03", "knows")

	stats, err := p.runner.Run(context.Background(), "tenant-1", "tester")
	require.NoError(t, err)

	assert.Equal(t, 1, stats.AutoMerged)
	assert.Equal(t, 0, stats.QueuedForReview)
	assert.False(t, stats.Cancelled)

	// the lower-confidence duplicate becomes an alias of the survivor
	alias := p.store.entities["e-02"]
	require.NotNil(t, alias.CanonicalID)
	assert.Equal(t, "e-01", *alias.CanonicalID)
	assert.False(t, alias.IsCanonical)

	// the alias's relationship now hangs off the canonical
	assert.Equal(t, "e-01", p.rels.relationships["rel-1"].FromEntityID)

	merges := p.history.byType(models.MergeEventEntitiesMerged)
	require.Len(t, merges, 1)
	assert.ElementsMatch(t, []string{"e-01", "e-02"}, merges[0].AffectedEntityIDs)
	assert.Equal(t, models.MergeReasonAutoHighConfidence, merges[0].MergeReason)
}

func TestPipelineSecondRunIsIdempotent(t *testing.T) {
	p := newPipeline(pipelineConfig())
	p.addEntity("e-01", "Robert Smith", 0.9)
	p.addEntity("e-02", "robert smith", 0.7)

	_, err := p.runner.Run(context.Background(), "tenant-1", "tester")
	require.NoError(t, err)

	stats, err := p.runner.Run(context.Background(), "tenant-1", "tester")
	require.NoError(t, err)

	// the alias left the canonical set, so nothing is re-evaluated
	assert.Equal(t, 1, stats.EntitiesProcessed)
	assert.Equal(t, 0, stats.AutoMerged)
	assert.Len(t, p.history.byType(models.MergeEventEntitiesMerged), 1)
}

func TestPipelineQueuesAmbiguousPairThenApproves(t *testing.T) {
	p := newPipeline(pipelineConfig())
	p.addEntity("e-01", "robert", 0.8)
	p.addEntity("e-02", "rupert", 0.8)

	stats, err := p.runner.Run(context.Background(), "tenant-1", "tester")
	require.NoError(t, err)

	assert.Equal(t, 0, stats.AutoMerged)
	assert.Equal(t, 1, stats.QueuedForReview)
	require.Len(t, p.reviews.items, 1)

	item := p.reviews.items[0]
	assert.InDelta(t, 1.0, item.ReviewPriority, 0.0001)

	// a reviewer approves: the merge runs against fresh snapshots
	ctx := context.Background()
	entityA, err := p.store.Get(ctx, "tenant-1", item.EntityAID)
	require.NoError(t, err)
	entityB, err := p.store.Get(ctx, "tenant-1", item.EntityBID)
	require.NoError(t, err)

	outcome, err := p.executor.Merge(ctx, entityA, entityB, item.Scores, models.MergeReasonReviewerApproved, "reviewer-1")
	require.NoError(t, err)
	assert.Equal(t, "e-01", outcome.CanonicalID)

	merges := p.history.byType(models.MergeEventEntitiesMerged)
	require.Len(t, merges, 1)
	assert.Equal(t, models.MergeReasonReviewerApproved, merges[0].MergeReason)
	assert.Equal(t, "reviewer-1", merges[0].PerformedBy)
}

func TestPipelineUndoThenRemerge(t *testing.T) {
	p := newPipeline(pipelineConfig())
	p.addEntity("e-01", "Robert Smith", 0.9)
	p.addEntity("e-02", "robert smith", 0.7)

	_, err := p.runner.Run(context.Background(), "tenant-1", "tester")
	require.NoError(t, err)

	merges := p.history.byType(models.MergeEventEntitiesMerged)
	require.Len(t, merges, 1)

	reason := "wrong pair"
	undone, err := p.executor.Undo(context.Background(), "tenant-1", merges[0].ID, &models.UndoMergeRequest{
		UndoneBy: "admin",
		Reason:   &reason,
	})
	require.NoError(t, err)
	assert.Equal(t, models.MergeEventMergeUndone, undone.EventType)
	assert.Equal(t, merges[0].EventID, undone.EventID)

	restored := p.store.entities["e-02"]
	assert.Nil(t, restored.CanonicalID)
	assert.True(t, restored.IsCanonical)

	// both entities are canonical again, so the next run re-merges them
	stats, err := p.runner.Run(context.Background(), "tenant-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.AutoMerged)
	assert.Len(t, p.history.byType(models.MergeEventEntitiesMerged), 2)
}
