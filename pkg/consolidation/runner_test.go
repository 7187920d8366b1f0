package consolidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/blocking"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/normalizers"
	"github.com/Ramsey-B/fern/pkg/scoring"
)

type fakeConfigSource struct {
	config *models.ConsolidationConfig
}

func (s *fakeConfigSource) GetOrDefault(_ context.Context, _ string) (*models.ConsolidationConfig, error) {
	return s.config, nil
}

type fakeEntityLister struct {
	entities []*models.Entity
}

func (s *fakeEntityLister) ListCanonicalPage(_ context.Context, _, afterID string, limit int) ([]*models.Entity, error) {
	var out []*models.Entity
	for _, e := range s.entities {
		if e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeLeaseStore struct {
	mu       sync.Mutex
	held     bool
	released bool
}

func (s *fakeLeaseStore) Acquire(_ context.Context, _ *models.RunLease) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return false, nil
	}
	s.held = true
	return true, nil
}

func (s *fakeLeaseStore) Renew(_ context.Context, _, _ string, _ time.Time) error {
	return nil
}

func (s *fakeLeaseStore) Release(_ context.Context, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.held = false
	s.released = true
	return nil
}

type fakeReviewQueue struct {
	mu        sync.Mutex
	items     []*models.MergeReviewItem
	duplicate bool
}

func (q *fakeReviewQueue) EnqueuePending(_ context.Context, item *models.MergeReviewItem) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.duplicate {
		return false, nil
	}
	q.items = append(q.items, item)
	return true, nil
}

type fakeMerger struct {
	mu      sync.Mutex
	merged  [][2]string
	err     error
	onMerge func(aliasID string)
}

func (m *fakeMerger) Merge(_ context.Context, a, b *models.Entity, _ models.FeatureScores, _, _ string) (*merging.MergeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	m.merged = append(m.merged, [2]string{a.ID, b.ID})
	if m.onMerge != nil {
		m.onMerge(b.ID)
	}
	return &merging.MergeOutcome{CanonicalID: a.ID, AliasID: b.ID}, nil
}

// shrinkingLister drops entities that were merged away, the way the real
// canonical page query does mid-run
type shrinkingLister struct {
	mu       sync.Mutex
	entities []*models.Entity
	gone     map[string]bool
}

func (s *shrinkingLister) ListCanonicalPage(_ context.Context, _, afterID string, limit int) ([]*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Entity
	for _, e := range s.entities {
		if s.gone[e.ID] || e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *shrinkingLister) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gone[id] = true
}

// typeIndex serves every canonical entity of the tenant under the
// entity_type strategy
type typeIndex struct {
	entities []*models.Entity
}

func (i *typeIndex) CanonicalByBlockingKey(_ context.Context, tenantID, strategy, key string) ([]*models.Entity, error) {
	if strategy != models.BlockingEntityType {
		return nil, nil
	}
	var out []*models.Entity
	for _, e := range i.entities {
		if e.TenantID == tenantID && e.EntityType == key {
			out = append(out, e)
		}
	}
	return out, nil
}

type runnerHarness struct {
	runner  *Runner
	leases  *fakeLeaseStore
	reviews *fakeReviewQueue
	merger  *fakeMerger
}

func testConfig() *models.ConsolidationConfig {
	config := models.DefaultConsolidationConfig("tenant-1")
	config.BlockingStrategies = []string{models.BlockingEntityType}
	config.EnableEmbeddingSimilarity = false
	config.EnableGraphSimilarity = false
	return config
}

func newRunnerHarness(config *models.ConsolidationConfig, entities []*models.Entity) *runnerHarness {
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	h := &runnerHarness{
		leases:  &fakeLeaseStore{},
		reviews: &fakeReviewQueue{},
		merger:  &fakeMerger{},
	}
	h.runner = NewRunner(
		logger,
		&fakeConfigSource{config: config},
		&fakeEntityLister{entities: entities},
		h.leases,
		blocking.NewEngine(&typeIndex{entities: entities}, logger),
		scoring.NewScorer(nil, nil, logger),
		h.merger,
		h.reviews,
		nil,
		RunnerOptions{Workers: 1},
	)
	return h
}

func namedEntity(id, name string) *models.Entity {
	return &models.Entity{
		ID:             id,
		TenantID:       "tenant-1",
		EntityType:     "person",
		Name:           name,
		NormalizedName: normalizers.NormalizeEntityName(name),
		IsCanonical:    true,
		Version:        1,
	}
}

func TestRunAutoMergesAndRejects(t *testing.T) {
	entities := []*models.Entity{
		namedEntity("e-01", "Robert"),
		namedEntity("e-02", "robert"),
		namedEntity("e-03", "Zorro"),
	}
	h := newRunnerHarness(testConfig(), entities)

	stats, err := h.runner.Run(context.Background(), "tenant-1", "tester")
	require.NoError(t, err)

	assert.Equal(t, 3, stats.EntitiesProcessed)
	assert.Equal(t, 3, stats.CandidatesEvaluated)
	assert.Equal(t, 1, stats.AutoMerged)
	assert.Equal(t, 2, stats.Rejected)
	assert.Equal(t, 0, stats.QueuedForReview)
	assert.False(t, stats.Cancelled)

	require.Len(t, h.merger.merged, 1)
	assert.Equal(t, [2]string{"e-01", "e-02"}, h.merger.merged[0])

	assert.True(t, h.leases.released)
}

func TestRunQueuesAmbiguousPairForReview(t *testing.T) {
	// robert vs rupert shares the phonetic code and moderate string
	// similarity, landing exactly in the review band
	entities := []*models.Entity{
		namedEntity("e-01", "robert"),
		namedEntity("e-02", "rupert"),
	}
	h := newRunnerHarness(testConfig(), entities)

	stats, err := h.runner.Run(context.Background(), "tenant-1", "tester")
	require.NoError(t, err)

	assert.Equal(t, 0, stats.AutoMerged)
	assert.Equal(t, 1, stats.QueuedForReview)

	require.Len(t, h.reviews.items, 1)
	item := h.reviews.items[0]
	assert.Equal(t, "e-01", item.EntityAID)
	assert.Equal(t, "e-02", item.EntityBID)
	assert.Equal(t, models.ReviewStatusPending, item.Status)
	assert.InDelta(t, 0.5, item.Confidence, 0.0001)
	assert.InDelta(t, 1.0, item.ReviewPriority, 0.0001)
}

func TestRunDoesNotCountDuplicateReviewItems(t *testing.T) {
	entities := []*models.Entity{
		namedEntity("e-01", "robert"),
		namedEntity("e-02", "rupert"),
	}
	h := newRunnerHarness(testConfig(), entities)
	h.reviews.duplicate = true

	stats, err := h.runner.Run(context.Background(), "tenant-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.QueuedForReview)
}

func TestRunVisitsEveryEntityWhileMergesShrinkPages(t *testing.T) {
	// two mergeable pairs split across two batches; rows merged away during
	// the first batch must not shift the cursor past a survivor
	entities := []*models.Entity{
		namedEntity("e-01", "alice"),
		namedEntity("e-02", "alice"),
		namedEntity("e-03", "zorro"),
		namedEntity("e-04", "zorro"),
	}
	config := testConfig()
	config.BatchSize = 2

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	lister := &shrinkingLister{entities: entities, gone: map[string]bool{}}
	merger := &fakeMerger{}
	merger.onMerge = lister.remove

	runner := NewRunner(
		logger,
		&fakeConfigSource{config: config},
		lister,
		&fakeLeaseStore{},
		blocking.NewEngine(&typeIndex{entities: entities}, logger),
		scoring.NewScorer(nil, nil, logger),
		merger,
		&fakeReviewQueue{},
		nil,
		RunnerOptions{Workers: 1},
	)

	stats, err := runner.Run(context.Background(), "tenant-1", "tester")
	require.NoError(t, err)

	assert.Equal(t, 4, stats.EntitiesProcessed)
	assert.Equal(t, 2, stats.AutoMerged)

	require.Len(t, merger.merged, 2)
	assert.Equal(t, [2]string{"e-01", "e-02"}, merger.merged[0])
	assert.Equal(t, [2]string{"e-03", "e-04"}, merger.merged[1])
}

func TestRunCountsMergeConflicts(t *testing.T) {
	entities := []*models.Entity{
		namedEntity("e-01", "robert"),
		namedEntity("e-02", "robert"),
	}
	h := newRunnerHarness(testConfig(), entities)
	h.merger.err = merging.ErrMergeConflict

	stats, err := h.runner.Run(context.Background(), "tenant-1", "tester")
	require.NoError(t, err)
	assert.Equal(t, 0, stats.AutoMerged)
	assert.Equal(t, 1, stats.MergeConflicts)
}

func TestRunRefusesWhenLeaseHeld(t *testing.T) {
	h := newRunnerHarness(testConfig(), nil)
	h.leases.held = true

	_, err := h.runner.Run(context.Background(), "tenant-1", "tester")
	assert.ErrorIs(t, err, ErrRunInProgress)
}

func TestRunRefusesInvalidConfig(t *testing.T) {
	config := testConfig()
	config.ReviewThreshold = 0.95 // above the auto threshold

	h := newRunnerHarness(config, nil)

	_, err := h.runner.Run(context.Background(), "tenant-1", "tester")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.False(t, h.leases.held, "lease must not be acquired for an invalid config")
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	entities := []*models.Entity{
		namedEntity("e-01", "robert"),
		namedEntity("e-02", "robert"),
	}
	h := newRunnerHarness(testConfig(), entities)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := h.runner.Run(ctx, "tenant-1", "tester")
	require.NoError(t, err)
	assert.True(t, stats.Cancelled)
	assert.Equal(t, 0, stats.EntitiesProcessed)
	assert.Empty(t, h.merger.merged)
	assert.True(t, h.leases.released)
}
