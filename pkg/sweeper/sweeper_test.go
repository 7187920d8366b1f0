package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReviewStore struct {
	tenants    []string
	tenantsErr error
	expired    map[string]int64
	expireErr  map[string]error
	cutoffs    map[string]time.Time
}

func (f *fakeReviewStore) Tenants(_ context.Context) ([]string, error) {
	return f.tenants, f.tenantsErr
}

func (f *fakeReviewStore) ExpireOlderThan(_ context.Context, tenantID string, cutoff time.Time) (int64, error) {
	if f.cutoffs == nil {
		f.cutoffs = make(map[string]time.Time)
	}
	f.cutoffs[tenantID] = cutoff
	if err := f.expireErr[tenantID]; err != nil {
		return 0, err
	}
	return f.expired[tenantID], nil
}

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestSweepOnceExpiresAcrossTenants(t *testing.T) {
	store := &fakeReviewStore{
		tenants: []string{"tenant-a", "tenant-b"},
		expired: map[string]int64{"tenant-a": 3, "tenant-b": 0},
	}
	s := NewSweeper(testLogger(), store, 30*24*time.Hour, time.Hour)

	total, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, store.cutoffs, 2)

	wantCutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	assert.WithinDuration(t, wantCutoff, store.cutoffs["tenant-a"], time.Minute)
}

func TestSweepOnceContinuesAfterTenantError(t *testing.T) {
	store := &fakeReviewStore{
		tenants:   []string{"tenant-a", "tenant-b"},
		expired:   map[string]int64{"tenant-b": 2},
		expireErr: map[string]error{"tenant-a": errors.New("boom")},
	}
	s := NewSweeper(testLogger(), store, time.Hour, time.Hour)

	total, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Contains(t, store.cutoffs, "tenant-b")
}

func TestSweepOnceFailsWhenTenantListingFails(t *testing.T) {
	store := &fakeReviewStore{tenantsErr: errors.New("db down")}
	s := NewSweeper(testLogger(), store, time.Hour, time.Hour)

	_, err := s.SweepOnce(context.Background())
	require.Error(t, err)
}

func TestStartIsNoopWithoutTTL(t *testing.T) {
	store := &fakeReviewStore{tenants: []string{"tenant-a"}}
	s := NewSweeper(testLogger(), store, 0, time.Millisecond)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	assert.Empty(t, store.cutoffs)
}
