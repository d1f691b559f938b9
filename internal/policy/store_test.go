package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblackhat55/ARIA5-DGRC-sub001/internal/model"
)

func TestMemoryStoreActiveMissing(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Active(context.Background(), "nobody")
	assert.True(t, errors.Is(err, model.ErrPolicyNotFound))
}

func TestMemoryStorePublishAssignsVersions(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, err := s.Publish(ctx, Default("tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)
	assert.True(t, first.Active)

	second, err := s.Publish(ctx, Default("tenant-1"))
	require.NoError(t, err)
	assert.Equal(t, 2, second.Version)

	active, err := s.Active(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, 2, active.Version)

	// Previous versions stay retrievable but inactive.
	old, err := s.Get(ctx, "tenant-1", 1)
	require.NoError(t, err)
	assert.False(t, old.Active)
}

func TestMemoryStorePublishRejectsInvalid(t *testing.T) {
	s := NewMemoryStore()
	p := Default("tenant-1")
	p.Merge.WindowHours = 0

	_, err := s.Publish(context.Background(), p)
	require.Error(t, err)

	_, err = s.Active(context.Background(), "tenant-1")
	assert.Error(t, err, "failed publish must not activate anything")
}

func TestMemoryStoreVersionsOrdered(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Publish(ctx, Default("tenant-1"))
		require.NoError(t, err)
	}

	versions, err := s.Versions(ctx, "tenant-1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	for i, p := range versions {
		assert.Equal(t, i+1, p.Version)
	}
}

func TestMemoryStoreTenantsIsolated(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Publish(ctx, Default("tenant-a"))
	require.NoError(t, err)

	_, err = s.Active(ctx, "tenant-b")
	assert.True(t, errors.Is(err, model.ErrPolicyNotFound))
}
