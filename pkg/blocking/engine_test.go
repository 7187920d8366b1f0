package blocking

import (
	"context"
	"fmt"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeIndex struct {
	entities []*models.Entity
	config   *models.ConsolidationConfig
	failures map[string]error
	queries  int
}

func (f *fakeIndex) CanonicalByBlockingKey(_ context.Context, tenantID, strategy, key string) ([]*models.Entity, error) {
	f.queries++
	if err, ok := f.failures[strategy]; ok {
		return nil, err
	}

	var out []*models.Entity
	for _, e := range f.entities {
		if e.TenantID != tenantID {
			continue
		}
		for _, s := range StrategiesFor(f.config) {
			if s.Name() != strategy {
				continue
			}
			for _, k := range s.Keys(e) {
				if k == key {
					out = append(out, e)
				}
			}
		}
	}
	return out, nil
}

func testEntity(id, tenantID, entityType, name string) *models.Entity {
	return &models.Entity{
		ID:             id,
		TenantID:       tenantID,
		EntityType:     entityType,
		Name:           name,
		NormalizedName: name,
		IsCanonical:    true,
	}
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestFindCandidatesTenantAndAliasPurity(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")
	config.BlockingStrategies = []string{models.BlockingPrefix}

	target := testEntity("e-1", "tenant-1", "person", "robert")

	otherTenant := testEntity("e-2", "tenant-2", "person", "robert")
	alias := testEntity("e-3", "tenant-1", "person", "robert")
	aliasOf := "e-1"
	alias.CanonicalID = &aliasOf
	alias.IsCanonical = false
	match := testEntity("e-4", "tenant-1", "person", "roberto")

	index := &fakeIndex{
		entities: []*models.Entity{target, otherTenant, alias, match},
		config:   config,
	}
	engine := NewEngine(index, testLogger())

	result, err := engine.FindCandidates(context.Background(), target, config)
	require.NoError(t, err)

	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "e-4", result.Candidates[0].ID)
	assert.Equal(t, []string{models.BlockingPrefix}, result.StrategiesUsed)
	assert.False(t, result.Truncated)
}

func TestFindCandidatesAliasQueryEntity(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")

	alias := testEntity("e-1", "tenant-1", "person", "robert")
	canonical := "e-9"
	alias.CanonicalID = &canonical
	alias.IsCanonical = false

	index := &fakeIndex{config: config}
	engine := NewEngine(index, testLogger())

	result, err := engine.FindCandidates(context.Background(), alias, config)
	require.NoError(t, err)
	assert.Empty(t, result.Candidates)
	assert.Zero(t, index.queries, "alias entities must not be blocked at all")
}

func TestFindCandidatesTruncation(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")
	config.BlockingStrategies = []string{models.BlockingEntityType}
	config.MaxBlockSize = 3

	target := testEntity("e-00", "tenant-1", "person", "target")
	population := []*models.Entity{target}
	for i := 1; i <= 10; i++ {
		population = append(population, testEntity(fmt.Sprintf("e-%02d", i), "tenant-1", "person", fmt.Sprintf("name %d", i)))
	}

	index := &fakeIndex{entities: population, config: config}
	engine := NewEngine(index, testLogger())

	result, err := engine.FindCandidates(context.Background(), target, config)
	require.NoError(t, err)

	assert.True(t, result.Truncated)
	require.Len(t, result.Candidates, 3)
	// deterministic stable ordering by id
	assert.Equal(t, "e-01", result.Candidates[0].ID)
	assert.Equal(t, "e-02", result.Candidates[1].ID)
	assert.Equal(t, "e-03", result.Candidates[2].ID)
}

func TestFindCandidatesUnionAcrossStrategies(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")
	config.BlockingStrategies = []string{models.BlockingPrefix, models.BlockingPhonetic}

	target := testEntity("e-1", "tenant-1", "person", "robert")
	prefixOnly := testEntity("e-2", "tenant-1", "person", "roberly")
	phoneticOnly := testEntity("e-3", "tenant-1", "person", "rupert")
	both := testEntity("e-4", "tenant-1", "person", "robert")

	index := &fakeIndex{
		entities: []*models.Entity{target, prefixOnly, phoneticOnly, both},
		config:   config,
	}
	engine := NewEngine(index, testLogger())

	result, err := engine.FindCandidates(context.Background(), target, config)
	require.NoError(t, err)

	ids := []string{}
	for _, c := range result.Candidates {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"e-2", "e-3", "e-4"}, ids)
	assert.Equal(t, 2, result.BlockSizes[models.BlockingPrefix])
	assert.Equal(t, 2, result.BlockSizes[models.BlockingPhonetic])
}

func TestFindCandidatesTrigramMinOverlap(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")
	config.BlockingStrategies = []string{models.BlockingTrigram}
	config.TrigramMinOverlap = 3

	target := testEntity("e-1", "tenant-1", "person", "robert")
	nearMatch := testEntity("e-2", "tenant-1", "person", "roberto") // shares rob, obe, ber, ert
	weakMatch := testEntity("e-3", "tenant-1", "person", "robust")  // shares only rob

	index := &fakeIndex{
		entities: []*models.Entity{target, nearMatch, weakMatch},
		config:   config,
	}
	engine := NewEngine(index, testLogger())

	result, err := engine.FindCandidates(context.Background(), target, config)
	require.NoError(t, err)

	require.Len(t, result.Candidates, 1)
	assert.Equal(t, "e-2", result.Candidates[0].ID)
}

func TestFindCandidatesStrategyFailure(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")
	config.BlockingStrategies = []string{models.BlockingPrefix}

	target := testEntity("e-1", "tenant-1", "person", "robert")
	index := &fakeIndex{
		config:   config,
		failures: map[string]error{models.BlockingPrefix: fmt.Errorf("store unavailable")},
	}
	engine := NewEngine(index, testLogger())

	_, err := engine.FindCandidates(context.Background(), target, config)
	assert.Error(t, err)
}

func TestFindCandidatesBatchIsolatesFailures(t *testing.T) {
	config := models.DefaultConsolidationConfig("tenant-1")
	config.BlockingStrategies = []string{models.BlockingEntityType}

	a := testEntity("e-1", "tenant-1", "person", "alice")
	b := testEntity("e-2", "tenant-1", "person", "bob")

	index := &fakeIndex{entities: []*models.Entity{a, b}, config: config}
	engine := NewEngine(index, testLogger())

	results, failures := engine.FindCandidatesBatch(context.Background(), []*models.Entity{a, b}, config)
	assert.Empty(t, failures)
	require.Len(t, results, 2)
	assert.Equal(t, "e-2", results["e-1"].Candidates[0].ID)
	assert.Equal(t, "e-1", results["e-2"].Candidates[0].ID)
}
