package consolidation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"

	"github.com/Ramsey-B/fern/pkg/models"
)

type fakeTenantSource struct {
	tenants []string
	err     error
	calls   int
}

func (s *fakeTenantSource) AutoConsolidationTenants(_ context.Context) ([]string, error) {
	s.calls++
	return s.tenants, s.err
}

func TestRunPassRunsEachTenant(t *testing.T) {
	entities := []*models.Entity{
		namedEntity("e-01", "robert"),
		namedEntity("e-02", "robert"),
	}
	h := newRunnerHarness(testConfig(), entities)

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	source := &fakeTenantSource{tenants: []string{"tenant-1"}}
	s := NewScheduler(logger, source, h.runner, time.Hour)

	s.RunPass(context.Background())

	assert.Equal(t, 1, source.calls)
	assert.Len(t, h.merger.merged, 1)
	assert.True(t, h.leases.released)
}

func TestRunPassSkipsTenantMidRun(t *testing.T) {
	h := newRunnerHarness(testConfig(), nil)
	h.leases.held = true

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	source := &fakeTenantSource{tenants: []string{"tenant-1"}}
	s := NewScheduler(logger, source, h.runner, time.Hour)

	s.RunPass(context.Background())
	assert.Empty(t, h.merger.merged)
}

func TestRunPassSurvivesTenantListingFailure(t *testing.T) {
	h := newRunnerHarness(testConfig(), nil)

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	source := &fakeTenantSource{err: errors.New("db down")}
	s := NewScheduler(logger, source, h.runner, time.Hour)

	s.RunPass(context.Background())
	assert.Equal(t, 1, source.calls)
}
