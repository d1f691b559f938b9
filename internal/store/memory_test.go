package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

var storeNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func storedCandidate(id string) *model.Candidate {
	return &model.Candidate{
		ID:          id,
		TenantID:    "tenant-1",
		ServiceID:   "svc-payments",
		Category:    model.CategoryVulnerability,
		Title:       "Vulnerability exposure on payments",
		State:       model.StateCreated,
		DedupeKey:   "key-1",
		SignalIDs:   []string{"sig-1"},
		Composite:   55,
		CreatedAt:   storeNow,
		EvaluatedAt: storeNow,
	}
}

func TestCreateAndGetCandidate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := storedCandidate("c1")
	require.NoError(t, s.CreateCandidate(ctx, c))
	assert.Equal(t, int64(1), c.Version)

	got, err := s.GetCandidate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c.Title, got.Title)

	// The returned value is a copy; mutating it does not touch the store.
	got.Title = "mutated"
	got.SignalIDs[0] = "mutated"
	again, err := s.GetCandidate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, c.Title, again.Title)
	assert.Equal(t, "sig-1", again.SignalIDs[0])
}

func TestCreateCandidateDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.CreateCandidate(ctx, storedCandidate("c1")))
	assert.Error(t, s.CreateCandidate(ctx, storedCandidate("c1")))
}

func TestUpdateCandidateOptimisticConcurrency(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	c := storedCandidate("c1")
	require.NoError(t, s.CreateCandidate(ctx, c))

	first, err := s.GetCandidate(ctx, "c1")
	require.NoError(t, err)
	second, err := s.GetCandidate(ctx, "c1")
	require.NoError(t, err)

	first.Composite = 80
	require.NoError(t, s.UpdateCandidate(ctx, first))
	assert.Equal(t, int64(2), first.Version)

	// The stale copy must be rejected, never silently applied.
	second.Composite = 10
	err = s.UpdateCandidate(ctx, second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrConcurrencyConflict))

	current, err := s.GetCandidate(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 80.0, current.Composite)
}

func TestUpdateCandidateNotFound(t *testing.T) {
	s := NewMemoryStore()
	err := s.UpdateCandidate(context.Background(), storedCandidate("ghost"))
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestFindOpenByDedupeKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	older := storedCandidate("older")
	older.CreatedAt = storeNow.Add(-2 * time.Hour)
	newer := storedCandidate("newer")
	merged := storedCandidate("merged")
	merged.State = model.StateMerged
	outside := storedCandidate("outside")
	outside.CreatedAt = storeNow.Add(-72 * time.Hour)
	otherKey := storedCandidate("other")
	otherKey.DedupeKey = "key-2"

	for _, c := range []*model.Candidate{older, newer, merged, outside, otherKey} {
		require.NoError(t, s.CreateCandidate(ctx, c))
	}

	open, err := s.FindOpenByDedupeKey(ctx, "key-1", storeNow.Add(-48*time.Hour))
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "older", open[0].ID, "oldest first")
	assert.Equal(t, "newer", open[1].ID)
}

func TestListCandidatesFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	high := storedCandidate("high")
	high.Composite = 90
	high.State = model.StateAutoApproved
	low := storedCandidate("low")
	low.Composite = 10
	low.State = model.StatePendingReview
	otherSvc := storedCandidate("other")
	otherSvc.ServiceID = "svc-other"

	for _, c := range []*model.Candidate{high, low, otherSvc} {
		require.NoError(t, s.CreateCandidate(ctx, c))
	}

	byState, err := s.ListCandidates(ctx, CandidateFilter{State: model.StateAutoApproved})
	require.NoError(t, err)
	require.Len(t, byState, 1)
	assert.Equal(t, "high", byState[0].ID)

	byScore, err := s.ListCandidates(ctx, CandidateFilter{MinScore: 50})
	require.NoError(t, err)
	require.Len(t, byScore, 1)
	assert.Equal(t, "high", byScore[0].ID)

	byService, err := s.ListCandidates(ctx, CandidateFilter{ServiceID: "svc-other"})
	require.NoError(t, err)
	assert.Len(t, byService, 1)
}

func TestCandidatesByServiceSkipsTerminal(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	open := storedCandidate("open")
	done := storedCandidate("done")
	done.State = model.StatePromoted

	require.NoError(t, s.CreateCandidate(ctx, open))
	require.NoError(t, s.CreateCandidate(ctx, done))

	got, err := s.CandidatesByService(ctx, "svc-payments")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "open", got[0].ID)
}

func TestServiceLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	svc := &model.Service{ID: "svc-1", TenantID: "tenant-1", Name: "payments", CriticalityTier: 3, Active: true}
	require.NoError(t, s.UpsertService(ctx, svc))

	indices := model.ServiceIndices{SVI: 40, Composite: 25, LastComputedAt: storeNow}
	require.NoError(t, s.UpdateServiceIndices(ctx, "svc-1", indices, model.TrendRising))

	got, err := s.GetService(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, 40.0, got.Indices.SVI)
	assert.Equal(t, model.TrendRising, got.Trend)

	require.NoError(t, s.DeactivateService(ctx, "svc-1"))
	got, err = s.GetService(ctx, "svc-1")
	require.NoError(t, err)
	assert.False(t, got.Active, "services are deactivated, never deleted")

	_, err = s.GetService(ctx, "ghost")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestAppendSignalsImmutable(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	original := model.Signal{ID: "sig-1", ServiceID: "svc-1", Severity: 0.5, Source: "scanner"}
	require.NoError(t, s.AppendSignals(ctx, []model.Signal{original}))

	overwrite := original
	overwrite.Severity = 0.9
	require.NoError(t, s.AppendSignals(ctx, []model.Signal{overwrite}))

	got, err := s.GetSignals(ctx, []string{"sig-1", "missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0.5, got[0].Severity, "first write wins")
}

func TestPostureRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.GetPosture(ctx, "svc-1")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	p := model.ControlsPosture{ServiceID: "svc-1", EndpointCoverage: 0.8, AsOf: storeNow}
	require.NoError(t, s.SetPosture(ctx, p))

	got, err := s.GetPosture(ctx, "svc-1")
	require.NoError(t, err)
	assert.Equal(t, 0.8, got.EndpointCoverage)
}

func TestLockKeySerializes(t *testing.T) {
	s := NewMemoryStore()

	unlock := s.LockKey("k")
	acquired := make(chan struct{})
	go func() {
		u := s.LockKey("k")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second LockKey acquired while first still held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second LockKey never acquired after unlock")
	}
}
